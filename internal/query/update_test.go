package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestApplySet(t *testing.T) {
	doc := bson.D{{Key: "_id", Value: "a"}, {Key: "n", Value: int32(1)}}
	out, err := Apply(doc, bson.D{{Key: "$set", Value: bson.D{{Key: "n", Value: int32(5)}}}})
	require.NoError(t, err)
	v, ok := bsonLookup(out, "n")
	require.True(t, ok)
	assert.EqualValues(t, 5, v)
}

func TestApplyInc(t *testing.T) {
	doc := bson.D{{Key: "n", Value: int32(1)}}
	out, err := Apply(doc, bson.D{{Key: "$inc", Value: bson.D{{Key: "n", Value: int32(4)}}}})
	require.NoError(t, err)
	v, _ := bsonLookup(out, "n")
	assert.EqualValues(t, 5, v)
}

func TestApplyUnset(t *testing.T) {
	doc := bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(2)}}
	out, err := Apply(doc, bson.D{{Key: "$unset", Value: bson.D{{Key: "a", Value: ""}}}})
	require.NoError(t, err)
	_, ok := bsonLookup(out, "a")
	assert.False(t, ok)
}

func TestApplyPushEachSliceSort(t *testing.T) {
	doc := bson.D{{Key: "scores", Value: bson.A{int32(3), int32(1)}}}
	update := bson.D{{Key: "$push", Value: bson.D{{Key: "scores", Value: bson.D{
		{Key: "$each", Value: bson.A{int32(5), int32(2)}},
		{Key: "$sort", Value: int32(1)},
		{Key: "$slice", Value: int32(2)},
	}}}}}
	out, err := Apply(doc, update)
	require.NoError(t, err)
	v, _ := bsonLookup(out, "scores")
	arr, ok := v.(bson.A)
	require.True(t, ok)
	require.Len(t, arr, 2)
	// [3 1] plus [5 2] sorted ascending is [1 2 3 5]; $slice 2 keeps [1 2].
	assert.Equal(t, bson.A{int32(1), int32(2)}, arr)
}

func TestApplyReplacementPreservesID(t *testing.T) {
	doc := bson.D{{Key: "_id", Value: "a"}, {Key: "x", Value: int32(1)}}
	out, err := Apply(doc, bson.D{{Key: "y", Value: int32(2)}})
	require.NoError(t, err)
	id, ok := bsonLookup(out, "_id")
	require.True(t, ok)
	assert.Equal(t, "a", id)
	_, hasX := bsonLookup(out, "x")
	assert.False(t, hasX)
}

func TestSynthesizeUpsert(t *testing.T) {
	filter := bson.D{{Key: "sku", Value: "abc"}}
	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: "qty", Value: int32(3)}}},
		{Key: "$setOnInsert", Value: bson.D{{Key: "createdBy", Value: "system"}}},
	}
	doc, err := SynthesizeUpsert(filter, update)
	require.NoError(t, err)
	sku, _ := bsonLookup(doc, "sku")
	assert.Equal(t, "abc", sku)
	qty, _ := bsonLookup(doc, "qty")
	assert.EqualValues(t, 3, qty)
	created, _ := bsonLookup(doc, "createdBy")
	assert.Equal(t, "system", created)
}
