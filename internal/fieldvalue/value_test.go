package fieldvalue_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docucore/internal/fieldvalue"
)

func TestTotalOrderAcrossKinds(t *testing.T) {
	ordered := []fieldvalue.Value{
		fieldvalue.Min(),
		fieldvalue.Null(),
		fieldvalue.Bool(false),
		fieldvalue.Bool(true),
		fieldvalue.Int(-5),
		fieldvalue.Int(5),
		fieldvalue.Timestamp(100, 0),
		fieldvalue.Timestamp(200, 0),
		fieldvalue.String("a"),
		fieldvalue.String("b"),
		fieldvalue.Bytes([]byte{0x01}),
		fieldvalue.Bytes([]byte{0x02}),
		fieldvalue.Reference("/collections/a/documents/1"),
		fieldvalue.Reference("/collections/a/documents/2"),
		fieldvalue.Max(),
	}
	for i := 0; i < len(ordered); i++ {
		for j := 0; j < len(ordered); j++ {
			switch {
			case i < j:
				assert.Truef(t, fieldvalue.Less(ordered[i], ordered[j]), "expected index %d < %d", i, j)
			case i > j:
				assert.Truef(t, fieldvalue.Less(ordered[j], ordered[i]), "expected index %d < %d", j, i)
			default:
				assert.True(t, ordered[i].Equal(ordered[j]))
			}
		}
	}
}

func TestNumericUnificationAcrossRepresentation(t *testing.T) {
	intSide := fieldvalue.Int(3)
	floatSide := fieldvalue.Float(3.0)
	assert.True(t, intSide.Equal(floatSide))
	assert.Equal(t, 0, intSide.Compare(floatSide))

	small := fieldvalue.Int(3)
	large := fieldvalue.Float(3.5)
	assert.True(t, fieldvalue.Less(small, large))
}

func TestNumericComparisonBeyondExactFloatRange(t *testing.T) {
	huge := fieldvalue.Int(1<<62 + 1) // not exactly representable as float64
	small := fieldvalue.Float(3.5)
	assert.False(t, fieldvalue.Less(huge, small))
	assert.True(t, fieldvalue.Less(small, huge))
}

func TestIntCarriesExactFloatForm(t *testing.T) {
	v := fieldvalue.Int(42)
	d, i := v.NumericDual()
	require.NotNil(t, d)
	require.NotNil(t, i)
	assert.Equal(t, float64(42), *d)
	assert.Equal(t, int64(42), *i)
}

func TestFloatWithFractionHasNoIntegerForm(t *testing.T) {
	v := fieldvalue.Float(3.14)
	d, i := v.NumericDual()
	require.NotNil(t, d)
	assert.Nil(t, i)
}

func TestOfRejectsNaN(t *testing.T) {
	_, err := fieldvalue.Of(math.NaN())
	require.Error(t, err)
}

func TestOfNative(t *testing.T) {
	v, err := fieldvalue.Of("hello")
	require.NoError(t, err)
	assert.Equal(t, fieldvalue.KindString, v.Kind())
	assert.Equal(t, "hello", v.StringValue())

	tv, err := fieldvalue.Of(time.Unix(1000, 500))
	require.NoError(t, err)
	assert.Equal(t, fieldvalue.KindTimestamp, tv.Kind())
}

func TestSentinelsAreSentinels(t *testing.T) {
	assert.True(t, fieldvalue.Min().IsSentinel())
	assert.True(t, fieldvalue.Max().IsSentinel())
	assert.False(t, fieldvalue.Null().IsSentinel())
}
