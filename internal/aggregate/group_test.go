package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestStageGroupSumAndPush(t *testing.T) {
	docs := []bson.D{
		{{Key: "category", Value: "fruit"}, {Key: "qty", Value: int32(3)}},
		{{Key: "category", Value: "fruit"}, {Key: "qty", Value: int32(2)}},
		{{Key: "category", Value: "veg"}, {Key: "qty", Value: int32(1)}},
	}
	out, err := stageGroup(docs, bson.D{
		{Key: "_id", Value: "$category"},
		{Key: "total", Value: bson.D{{Key: "$sum", Value: "$qty"}}},
		{Key: "count", Value: bson.D{{Key: "$count", Value: bson.D{}}}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	byID := map[string]bson.D{}
	for _, d := range out {
		id, _ := query0(d, "_id")
		byID[id.(string)] = d
	}
	total, _ := query0(byID["fruit"], "total")
	assert.EqualValues(t, 5, total)
	count, _ := query0(byID["veg"], "count")
	assert.EqualValues(t, 1, count)
}

func TestStageGroupMinMax(t *testing.T) {
	docs := []bson.D{
		{{Key: "_id", Value: "a"}, {Key: "n", Value: int32(5)}},
		{{Key: "_id", Value: "b"}, {Key: "n", Value: int32(1)}},
		{{Key: "_id", Value: "c"}, {Key: "n", Value: int32(9)}},
	}
	out, err := stageGroup(docs, bson.D{
		{Key: "_id", Value: nil},
		{Key: "lo", Value: bson.D{{Key: "$min", Value: "$n"}}},
		{Key: "hi", Value: bson.D{{Key: "$max", Value: "$n"}}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	lo, _ := query0(out[0], "lo")
	hi, _ := query0(out[0], "hi")
	assert.EqualValues(t, 1, lo)
	assert.EqualValues(t, 9, hi)
}
