package document_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docucore/internal/document"
	"docucore/internal/fieldvalue"
)

func sampleDoc() document.Document {
	return document.Document{
		ID: document.ID{CollectionParentPath: "/", CollectionID: "users", DocumentID: "u1"},
		Fields: map[string]fieldvalue.Value{
			"name":      fieldvalue.String("Ada"),
			"age":       fieldvalue.Int(37),
			"score":     fieldvalue.Float(98.6),
			"active":    fieldvalue.Bool(true),
			"joined":    fieldvalue.Timestamp(1_700_000_000, 123),
			"avatar":    fieldvalue.Bytes([]byte{0xDE, 0xAD, 0xBE, 0xEF}),
			"manager":   fieldvalue.Reference("/collections/users/documents/u0"),
			"nickname":  fieldvalue.Null(),
		},
		UpdateID: "update-1",
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := sampleDoc()
	b, err := document.Encode(d)
	require.NoError(t, err)

	decoded, err := document.Decode(b)
	require.NoError(t, err)

	assert.Equal(t, d.ID, decoded.ID)
	assert.Equal(t, d.UpdateID, decoded.UpdateID)
	require.Len(t, decoded.Fields, len(d.Fields))
	for name, want := range d.Fields {
		got, ok := decoded.Fields[name]
		require.Truef(t, ok, "missing field %q after round trip", name)
		assert.Truef(t, want.Equal(got), "field %q: want %v got %v", name, want, got)
	}
}

func TestEncodeIsDeterministicForEqualDocuments(t *testing.T) {
	a := sampleDoc()
	b := sampleDoc()

	encodedA, err := document.Encode(a)
	require.NoError(t, err)
	encodedB, err := document.Encode(b)
	require.NoError(t, err)

	assert.Equal(t, encodedA, encodedB)
}

func TestEncodeDeterministicRegardlessOfMapIterationOrder(t *testing.T) {
	// Build the same field set via different insertion sequences; Go map
	// iteration order is randomized, but the codec must still agree.
	d1 := document.Document{
		ID:     document.ID{CollectionParentPath: "/", CollectionID: "c", DocumentID: "d"},
		Fields: map[string]fieldvalue.Value{},
	}
	d2 := document.Document{
		ID:     document.ID{CollectionParentPath: "/", CollectionID: "c", DocumentID: "d"},
		Fields: map[string]fieldvalue.Value{},
	}
	names := []string{"z", "y", "x", "w", "v"}
	for _, n := range names {
		d1.Fields[n] = fieldvalue.String(n)
	}
	for i := len(names) - 1; i >= 0; i-- {
		d2.Fields[names[i]] = fieldvalue.String(names[i])
	}

	b1, err := document.Encode(d1)
	require.NoError(t, err)
	b2, err := document.Encode(d2)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestDecodeRejectsMalformedBytes(t *testing.T) {
	_, err := document.Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestEncodeRejectsSentinelFieldValue(t *testing.T) {
	d := document.Document{
		ID:     document.ID{CollectionParentPath: "/", CollectionID: "c", DocumentID: "d"},
		Fields: map[string]fieldvalue.Value{"bound": fieldvalue.Max()},
	}
	_, err := document.Encode(d)
	assert.Error(t, err)
}
