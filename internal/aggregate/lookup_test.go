package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type fakeLookupBackend struct {
	byCollection map[string][]bson.D
}

func (f *fakeLookupBackend) FindAll(ctx context.Context, db, coll string, filter bson.D) ([]bson.D, error) {
	return f.byCollection[coll], nil
}
func (f *fakeLookupBackend) Search(ctx context.Context, db, coll string, spec SearchSpec) ([]bson.D, error) {
	return nil, nil
}
func (f *fakeLookupBackend) VectorSearch(ctx context.Context, db, coll string, spec VectorSearchSpec) ([]bson.D, error) {
	return nil, nil
}
func (f *fakeLookupBackend) ReplaceCollection(ctx context.Context, db, coll string, docs []bson.D) error {
	return nil
}
func (f *fakeLookupBackend) Merge(ctx context.Context, db, coll string, docs []bson.D, whenMatched, whenNotMatched string) error {
	return nil
}

func TestStageLookupEqualityJoin(t *testing.T) {
	backend := &fakeLookupBackend{byCollection: map[string][]bson.D{
		"orders": {
			{{Key: "_id", Value: "o1"}, {Key: "customerId", Value: "c1"}},
			{{Key: "_id", Value: "o2"}, {Key: "customerId", Value: "c2"}},
		},
	}}
	env := Env{DB: "test", Backend: backend}
	docs := []bson.D{{{Key: "_id", Value: "c1"}}}
	out, err := stageLookup(context.Background(), env, docs, bson.D{
		{Key: "from", Value: "orders"},
		{Key: "localField", Value: "_id"},
		{Key: "foreignField", Value: "customerId"},
		{Key: "as", Value: "orders"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	v, ok := query0(out[0], "orders")
	require.True(t, ok)
	arr, ok := v.(bson.A)
	require.True(t, ok)
	assert.Len(t, arr, 1)
}

func TestStageFacetBoundedConcurrency(t *testing.T) {
	docs := []bson.D{
		{{Key: "n", Value: int32(1)}},
		{{Key: "n", Value: int32(2)}},
		{{Key: "n", Value: int32(3)}},
	}
	env := Env{DB: "test", FacetConcurrency: 1}
	out, err := stageFacet(context.Background(), env, docs, bson.D{
		{Key: "total", Value: bson.A{bson.D{{Key: "$count", Value: "n"}}}},
		{Key: "all", Value: bson.A{}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	all, _ := query0(out[0], "all")
	assert.Len(t, all.(bson.A), 3)
	total, _ := query0(out[0], "total")
	totalArr := total.(bson.A)
	require.Len(t, totalArr, 1)
	n, _ := query0(totalArr[0].(bson.D), "n")
	assert.EqualValues(t, 3, n)
}
