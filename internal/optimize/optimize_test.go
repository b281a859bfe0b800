package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestOptimizePushesMatchBeforeProject(t *testing.T) {
	pipeline := []bson.D{
		{{Key: "$project", Value: bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(1)}}}},
		{{Key: "$match", Value: bson.D{{Key: "a", Value: int32(1)}}}},
	}
	out := Optimize(pipeline)
	assert.Equal(t, "$match", stageName(out[0]))
	assert.Equal(t, "$project", stageName(out[1]))
}

func TestOptimizeBlocksPushdownWhenProjectRewritesField(t *testing.T) {
	pipeline := []bson.D{
		{{Key: "$project", Value: bson.D{{Key: "a", Value: bson.D{{Key: "$toUpper", Value: "$a"}}}}}},
		{{Key: "$match", Value: bson.D{{Key: "a", Value: "X"}}}},
	}
	out := Optimize(pipeline)
	assert.Equal(t, "$project", stageName(out[0]))
	assert.Equal(t, "$match", stageName(out[1]))
}

func TestOptimizeMergesAdjacentMatches(t *testing.T) {
	pipeline := []bson.D{
		{{Key: "$match", Value: bson.D{{Key: "a", Value: int32(1)}}}},
		{{Key: "$match", Value: bson.D{{Key: "b", Value: int32(2)}}}},
	}
	out := Optimize(pipeline)
	assert.Len(t, out, 1)
	assert.Equal(t, "$match", stageName(out[0]))
}

func TestOptimizeMergesAdjacentAddFields(t *testing.T) {
	pipeline := []bson.D{
		{{Key: "$addFields", Value: bson.D{{Key: "a", Value: int32(1)}}}},
		{{Key: "$addFields", Value: bson.D{{Key: "a", Value: int32(2)}, {Key: "b", Value: int32(3)}}}},
	}
	out := Optimize(pipeline)
	assert.Len(t, out, 1)
	merged := stageArg(out[0]).(bson.D)
	found := map[string]any{}
	for _, e := range merged {
		found[e.Key] = e.Value
	}
	assert.EqualValues(t, 2, found["a"])
	assert.EqualValues(t, 3, found["b"])
}

func TestOptimizeDropsEmptyMatch(t *testing.T) {
	pipeline := []bson.D{
		{{Key: "$match", Value: bson.D{}}},
		{{Key: "$limit", Value: int32(5)}},
	}
	out := Optimize(pipeline)
	assert.Len(t, out, 1)
	assert.Equal(t, "$limit", stageName(out[0]))
}

func TestOptimizeDropsRedundantAdjacentSort(t *testing.T) {
	pipeline := []bson.D{
		{{Key: "$sort", Value: bson.D{{Key: "a", Value: int32(1)}}}},
		{{Key: "$sort", Value: bson.D{{Key: "a", Value: int32(-1)}}}},
	}
	out := Optimize(pipeline)
	assert.Len(t, out, 1)
}

func TestOptimizeRejectsMixedProjectMerge(t *testing.T) {
	pipeline := []bson.D{
		{{Key: "$project", Value: bson.D{{Key: "a", Value: int32(1)}}}},
		{{Key: "$project", Value: bson.D{{Key: "b", Value: int32(0)}}}},
	}
	out := Optimize(pipeline)
	assert.Len(t, out, 2)
}

func TestOptimizeLookupPrefilter(t *testing.T) {
	pipeline := []bson.D{
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: "orders"},
			{Key: "localField", Value: "_id"},
			{Key: "foreignField", Value: "customerId"},
			{Key: "as", Value: "orders"},
		}}},
		{{Key: "$match", Value: bson.D{{Key: "orders.status", Value: "shipped"}}}},
	}
	out := Optimize(pipeline)
	assert.Len(t, out, 1)
	spec := stageArg(out[0]).(bson.D)
	var pipelineArg bson.A
	for _, e := range spec {
		if e.Key == "pipeline" {
			pipelineArg, _ = e.Value.(bson.A)
		}
	}
	assert.Len(t, pipelineArg, 1)
}
