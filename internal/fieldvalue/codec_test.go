package fieldvalue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docucore/internal/fieldvalue"
)

func TestCodecRoundTripEveryKind(t *testing.T) {
	values := []fieldvalue.Value{
		fieldvalue.Null(),
		fieldvalue.Bool(true),
		fieldvalue.Bool(false),
		fieldvalue.Int(-42),
		fieldvalue.Float(3.14),
		fieldvalue.Timestamp(1_700_000_000, 42),
		fieldvalue.String("hello"),
		fieldvalue.Bytes([]byte{1, 2, 3}),
		fieldvalue.Reference("/collections/users/documents/u1"),
	}
	for _, v := range values {
		b, err := fieldvalue.Encode(v)
		require.NoError(t, err)
		decoded, err := fieldvalue.Decode(b)
		require.NoError(t, err)
		assert.True(t, v.Equal(decoded), "round trip mismatch for %v", v)
	}
}

func TestCodecRejectsSentinel(t *testing.T) {
	_, err := fieldvalue.Encode(fieldvalue.Min())
	assert.Error(t, err)
}
