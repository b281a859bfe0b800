package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type fakeFusionBackend struct {
	vectorDocs []bson.D
	textDocs   []bson.D
}

func (f *fakeFusionBackend) FindAll(ctx context.Context, db, coll string, filter bson.D) ([]bson.D, error) {
	return nil, nil
}

func (f *fakeFusionBackend) Search(ctx context.Context, db, coll string, spec SearchSpec) ([]bson.D, error) {
	return f.textDocs, nil
}

func (f *fakeFusionBackend) VectorSearch(ctx context.Context, db, coll string, spec VectorSearchSpec) ([]bson.D, error) {
	return f.vectorDocs, nil
}

func (f *fakeFusionBackend) ReplaceCollection(ctx context.Context, db, coll string, docs []bson.D) error {
	return nil
}

func (f *fakeFusionBackend) Merge(ctx context.Context, db, coll string, docs []bson.D, whenMatched, whenNotMatched string) error {
	return nil
}

func withScore(id string, score float64, field string) bson.D {
	return bson.D{{Key: "_id", Value: id}, {Key: field, Value: score}}
}

func TestRankFusionIdenticalPipelinesPreserveOrder(t *testing.T) {
	docs := []bson.D{
		withScore("a", 3.0, "_searchScore"),
		withScore("b", 2.0, "_searchScore"),
		withScore("c", 1.0, "_searchScore"),
	}
	backend := &fakeFusionBackend{vectorDocs: docs, textDocs: docs}
	env := Env{DB: "test", Collection: "items", Backend: backend}

	arg := bson.D{
		{Key: "input", Value: bson.D{{Key: "pipelines", Value: bson.D{
			{Key: "vector", Value: bson.A{bson.D{{Key: "$vectorSearch", Value: bson.D{
				{Key: "path", Value: "v"}, {Key: "queryVector", Value: bson.A{1.0}}, {Key: "limit", Value: int32(3)},
			}}}}},
			{Key: "text", Value: bson.A{bson.D{{Key: "$search", Value: bson.D{
				{Key: "text", Value: bson.D{{Key: "query", Value: "x"}}},
			}}}}},
		}}}},
	}

	out, err := stageRankFusion(context.Background(), env, arg)
	require.NoError(t, err)
	require.Len(t, out, 3)

	ids := make([]string, len(out))
	for i, d := range out {
		id, _ := query0(d, "_id")
		ids[i] = id.(string)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	// Each doc's fused score should be ~= 2/(k+rank) since both pipelines
	// rank it identically.
	expected := 2.0 / float64(defaultRRFK+1)
	score := fusedScoreOf(t, arg, env, "a")
	assert.InDelta(t, expected, score, 1e-9)
}

func fusedScoreOf(t *testing.T, arg bson.D, env Env, id string) float64 {
	t.Helper()
	in, _, err := runFusionInputs(context.Background(), env, arg)
	require.NoError(t, err)
	vectorRanks := rankOf(in.vector)
	textRanks := rankOf(in.text)
	k := defaultRRFK
	key := groupKeyString(id)
	var total float64
	if r, ok := vectorRanks[key]; ok {
		total += 1.0 / float64(k+r)
	}
	if r, ok := textRanks[key]; ok {
		total += 1.0 / float64(k+r)
	}
	return total
}

func TestScoreFusionWeightsNormalizeToOne(t *testing.T) {
	vectorDocs := []bson.D{withScore("a", 0.9, "vectorSearchScore"), withScore("b", 0.1, "vectorSearchScore")}
	textDocs := []bson.D{withScore("a", 0.2, "_searchScore"), withScore("b", 0.8, "_searchScore")}
	backend := &fakeFusionBackend{vectorDocs: vectorDocs, textDocs: textDocs}
	env := Env{DB: "test", Collection: "items", Backend: backend}

	arg := bson.D{
		{Key: "input", Value: bson.D{{Key: "pipelines", Value: bson.D{
			{Key: "vector", Value: bson.A{bson.D{{Key: "$vectorSearch", Value: bson.D{
				{Key: "path", Value: "v"}, {Key: "queryVector", Value: bson.A{1.0}}, {Key: "limit", Value: int32(2)},
			}}}}},
			{Key: "text", Value: bson.A{bson.D{{Key: "$search", Value: bson.D{
				{Key: "text", Value: bson.D{{Key: "query", Value: "x"}}},
			}}}}},
		}}}},
		{Key: "combination", Value: bson.D{
			{Key: "weights", Value: bson.D{{Key: "vector", Value: 3.0}, {Key: "text", Value: 1.0}}},
		}},
	}

	out, err := stageScoreFusion(context.Background(), env, arg)
	require.NoError(t, err)
	require.Len(t, out, 2)
	top, _ := query0(out[0], "_id")
	// vector weight 0.75 dominates, so "a" (high vector score) should rank first.
	assert.Equal(t, "a", top)
}

func TestScoreFusionZeroWeightSumDefaultsToEven(t *testing.T) {
	vectorDocs := []bson.D{withScore("a", 0.9, "vectorSearchScore"), withScore("b", 0.1, "vectorSearchScore")}
	textDocs := []bson.D{withScore("a", 0.6, "_searchScore"), withScore("b", 0.2, "_searchScore")}
	backend := &fakeFusionBackend{vectorDocs: vectorDocs, textDocs: textDocs}
	env := Env{DB: "test", Collection: "items", Backend: backend}

	arg := bson.D{
		{Key: "input", Value: bson.D{{Key: "pipelines", Value: bson.D{
			{Key: "vector", Value: bson.A{bson.D{{Key: "$vectorSearch", Value: bson.D{
				{Key: "path", Value: "v"}, {Key: "queryVector", Value: bson.A{1.0}}, {Key: "limit", Value: int32(2)},
			}}}}},
			{Key: "text", Value: bson.A{bson.D{{Key: "$search", Value: bson.D{
				{Key: "text", Value: bson.D{{Key: "query", Value: "x"}}},
			}}}}},
		}}}},
		{Key: "combination", Value: bson.D{
			{Key: "weights", Value: bson.D{{Key: "vector", Value: 0.0}, {Key: "text", Value: 0.0}}},
		}},
	}

	out, err := stageScoreFusion(context.Background(), env, arg)
	require.NoError(t, err)
	require.Len(t, out, 2)
	// Weights (0, 0) become (0.5, 0.5): "a" fuses to 0.75 and "b" to 0.15.
	// Left at zero, both would tie at 0 and the order would be undefined.
	top, _ := query0(out[0], "_id")
	assert.Equal(t, "a", top)
}
