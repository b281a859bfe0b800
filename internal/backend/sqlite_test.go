package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/aggregate"
	"github.com/dot-do/mongosqld/internal/query"
)

func newTestBackend(t *testing.T) *SQLite {
	t.Helper()
	b, err := Open("file::memory:?cache=shared", 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestInsertFindRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	wr, err := b.Insert(ctx, "test", "widgets", []bson.D{
		{{Key: "name", Value: "sprocket"}, {Key: "qty", Value: int32(4)}},
	})
	require.NoError(t, err)
	require.Len(t, wr.InsertedIDs, 1)

	docs, src, err := b.Find(ctx, "test", "widgets", bson.D{{Key: "name", Value: "sprocket"}}, FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	name, _ := query.Lookup0(docs[0], "name")
	assert.Equal(t, "sprocket", name)
	_, exhausted, err := src.Next(ctx, 10)
	require.NoError(t, err)
	assert.True(t, exhausted)
}

func TestUpdateUpsertCreatesDocument(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	res, err := b.Update(ctx, "test", "widgets",
		bson.D{{Key: "sku", Value: "abc"}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "qty", Value: int32(9)}}}},
		UpdateOptions{Upsert: true},
	)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.MatchedCount)
	assert.NotNil(t, res.UpsertedID)

	docs, err := b.FindAll(ctx, "test", "widgets", bson.D{{Key: "sku", Value: "abc"}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	qty, _ := query.Lookup0(docs[0], "qty")
	assert.EqualValues(t, 9, qty)
}

func TestUpdateMultiFlag(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Insert(ctx, "test", "widgets", []bson.D{
		{{Key: "kind", Value: "a"}, {Key: "n", Value: int32(1)}},
		{{Key: "kind", Value: "a"}, {Key: "n", Value: int32(2)}},
	})
	require.NoError(t, err)

	res, err := b.Update(ctx, "test", "widgets",
		bson.D{{Key: "kind", Value: "a"}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "touched", Value: true}}}},
		UpdateOptions{Multi: true},
	)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.MatchedCount)
}

func TestDeleteRespectsMultiFlag(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Insert(ctx, "test", "widgets", []bson.D{
		{{Key: "kind", Value: "a"}},
		{{Key: "kind", Value: "a"}},
	})
	require.NoError(t, err)

	res, err := b.Delete(ctx, "test", "widgets", bson.D{{Key: "kind", Value: "a"}}, DeleteOptions{Multi: false})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.DeletedCount)

	remaining, err := b.FindAll(ctx, "test", "widgets", bson.D{})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestAggregateMatchGroupPipeline(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Insert(ctx, "test", "orders", []bson.D{
		{{Key: "status", Value: "open"}, {Key: "amount", Value: int32(10)}},
		{{Key: "status", Value: "open"}, {Key: "amount", Value: int32(5)}},
		{{Key: "status", Value: "closed"}, {Key: "amount", Value: int32(100)}},
	})
	require.NoError(t, err)

	docs, _, err := b.Aggregate(ctx, "test", "orders", []bson.D{
		{{Key: "$match", Value: bson.D{{Key: "status", Value: "open"}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$amount"}}},
		}}},
	}, AggregateOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	total, _ := query.Lookup0(docs[0], "total")
	assert.EqualValues(t, 15, total)
}

func TestSearchMatchesIndexedText(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Insert(ctx, "test", "articles", []bson.D{
		{{Key: "title", Value: "Mongo meets SQL"}},
		{{Key: "title", Value: "Entirely unrelated"}},
	})
	require.NoError(t, err)

	spec, err := aggregate.CompileSearchSpec(bson.D{{Key: "text", Value: bson.D{
		{Key: "query", Value: "mongo"},
		{Key: "path", Value: "title"},
	}}})
	require.NoError(t, err)

	docs, err := b.Search(ctx, "test", "articles", spec)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	title, _ := query.Lookup0(docs[0], "title")
	assert.Equal(t, "Mongo meets SQL", title)
}

func TestCreateAndListIndexes(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateCollection(ctx, "test", "idx", nil))
	name, err := b.CreateIndex(ctx, "test", "idx", bson.D{{Key: "sku", Value: int32(1)}}, bson.D{{Key: "unique", Value: true}})
	require.NoError(t, err)
	assert.Equal(t, "sku_1", name)

	indexes, err := b.ListIndexes(ctx, "test", "idx")
	require.NoError(t, err)
	require.Len(t, indexes, 1)
	assert.Equal(t, "sku_1", indexes[0].Name)
}

func TestDropCollectionRemovesDocuments(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Insert(ctx, "test", "temp", []bson.D{{{Key: "a", Value: int32(1)}}})
	require.NoError(t, err)
	require.NoError(t, b.DropCollection(ctx, "test", "temp"))

	docs, err := b.FindAll(ctx, "test", "temp", bson.D{})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestInsertRejectsCollectionNameBreakingOutOfIdentifier(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Insert(ctx, "test", `a"); DROP TABLE x; --`, []bson.D{
		{{Key: "n", Value: int32(1)}},
	})
	require.Error(t, err)
}

func TestFindReturnsMaxTimeErrorWhenDeadlineAlreadyPassed(t *testing.T) {
	b := newTestBackend(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, _, err := b.Find(ctx, "test", "widgets", bson.D{}, FindOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMergeWhenMatchedMergeShallowlyOverlaysFields(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id := bson.NewObjectID()
	_, err := b.Insert(ctx, "test", "rollups", []bson.D{
		{{Key: "_id", Value: id}, {Key: "count", Value: int32(1)}, {Key: "kept", Value: "yes"}},
	})
	require.NoError(t, err)

	err = b.Merge(ctx, "test", "rollups",
		[]bson.D{{{Key: "_id", Value: id}, {Key: "count", Value: int32(2)}}},
		"merge", "insert",
	)
	require.NoError(t, err)

	docs, err := b.FindAll(ctx, "test", "rollups", bson.D{{Key: "_id", Value: id}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	count, _ := query.Lookup0(docs[0], "count")
	assert.EqualValues(t, 2, count)
	kept, _ := query.Lookup0(docs[0], "kept")
	assert.Equal(t, "yes", kept)
}

func TestMergeWhenMatchedReplaceOverwritesWholeDocument(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id := bson.NewObjectID()
	_, err := b.Insert(ctx, "test", "rollups", []bson.D{
		{{Key: "_id", Value: id}, {Key: "count", Value: int32(1)}, {Key: "kept", Value: "yes"}},
	})
	require.NoError(t, err)

	err = b.Merge(ctx, "test", "rollups",
		[]bson.D{{{Key: "_id", Value: id}, {Key: "count", Value: int32(2)}}},
		"replace", "insert",
	)
	require.NoError(t, err)

	docs, err := b.FindAll(ctx, "test", "rollups", bson.D{{Key: "_id", Value: id}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	_, keptPresent := query.Lookup0(docs[0], "kept")
	assert.False(t, keptPresent)
}

func TestExplainReturnsPlanWithoutFetchingDocuments(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Insert(ctx, "test", "widgets", []bson.D{
		{{Key: "name", Value: "sprocket"}},
	})
	require.NoError(t, err)

	result, err := b.Explain(ctx, "test", "widgets", bson.D{{Key: "name", Value: "sprocket"}})
	require.NoError(t, err)
	assert.Contains(t, result.SQL, "ns_test__widgets")
	assert.NotEmpty(t, result.QueryPlanner)
}
