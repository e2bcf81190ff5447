package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestCompareValues_CanonicalTypeOrder(t *testing.T) {
	ordered := []interface{}{
		primitive.MinKey{},
		nil,
		int64(-5),
		"a",
		bson.D{{Key: "a", Value: int64(1)}},
		primitive.A{int64(1)},
		primitive.NewObjectID(),
		false,
		primitive.DateTime(0),
		primitive.Timestamp{T: 1},
		primitive.MaxKey{},
	}

	for i := 0; i < len(ordered)-1; i++ {
		require.Equal(t, -1, CompareValues(ordered[i], ordered[i+1]), "index %d", i)
		require.Equal(t, 1, CompareValues(ordered[i+1], ordered[i]), "index %d", i)
	}
}

func TestCompareValues_Numbers(t *testing.T) {
	require.Zero(t, CompareValues(int32(5), int64(5)))
	require.Zero(t, CompareValues(5.0, int64(5)))
	require.Equal(t, -1, CompareValues(int64(5), 5.5))
	require.Equal(t, 1, CompareValues(int64(-1), math.NaN()))
	require.Equal(t, -1, CompareValues(int64(math.MaxInt64-1), int64(math.MaxInt64)))
}

func TestCompareKeys(t *testing.T) {
	tests := []struct {
		name string
		a, b bson.D
		want int
	}{
		{name: "equal", a: bson.D{{Key: "x", Value: "k"}}, b: bson.D{{Key: "x", Value: "k"}}, want: 0},
		{name: "string order", a: bson.D{{Key: "x", Value: "a"}}, b: bson.D{{Key: "x", Value: "b"}}, want: -1},
		{name: "compound second field", a: bson.D{{Key: "x", Value: int64(1)}, {Key: "y", Value: int64(9)}}, b: bson.D{{Key: "x", Value: int64(1)}, {Key: "y", Value: int64(2)}}, want: 1},
		{name: "min key lowest", a: bson.D{{Key: "x", Value: primitive.MinKey{}}}, b: bson.D{{Key: "x", Value: int64(math.MinInt64)}}, want: -1},
		{name: "max key highest", a: bson.D{{Key: "x", Value: primitive.MaxKey{}}}, b: bson.D{{Key: "x", Value: "zzz"}}, want: 1},
		{name: "prefix sorts first", a: bson.D{{Key: "x", Value: int64(1)}}, b: bson.D{{Key: "x", Value: int64(1)}, {Key: "y", Value: int64(1)}}, want: -1},
		{name: "nested document", a: bson.D{{Key: "x", Value: bson.D{{Key: "a", Value: int64(1)}}}}, b: bson.D{{Key: "x", Value: bson.D{{Key: "a", Value: int64(2)}}}}, want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, CompareKeys(tt.a, tt.b))
		})
	}
}
