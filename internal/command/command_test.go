package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/backend"
	"github.com/dot-do/mongosqld/internal/cursor"
	"github.com/dot-do/mongosqld/internal/dispatch"
	"github.com/dot-do/mongosqld/internal/session"
)

func newTestServer(t *testing.T) (*Server, dispatch.CommandContext) {
	t.Helper()
	store, err := backend.Open("file::memory:?cache=shared", 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cursors := cursor.NewManager(time.Minute)
	s := NewServer(store, cursors)
	conn := session.New("127.0.0.1:1")
	cc := dispatch.CommandContext{Context: context.Background(), Connection: conn, DB: "test", Now: time.Now()}
	return s, cc
}

func TestHelloReportsWritablePrimary(t *testing.T) {
	s, cc := newTestServer(t)
	reply, err := s.Hello(cc, bson.D{{Key: "hello", Value: int32(1)}})
	require.NoError(t, err)
	ismaster, _ := anyField(reply, "ismaster")
	assert.Equal(t, true, ismaster)
	assert.True(t, cc.Connection.Handshook())
}

func TestInsertThenFindRoundTrip(t *testing.T) {
	s, cc := newTestServer(t)

	_, err := s.Insert(cc, bson.D{
		{Key: "insert", Value: "widgets"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "name", Value: "sprocket"}}}},
	})
	require.NoError(t, err)

	reply, err := s.Find(cc, bson.D{
		{Key: "find", Value: "widgets"},
		{Key: "filter", Value: bson.D{{Key: "name", Value: "sprocket"}}},
	})
	require.NoError(t, err)
	cursorVal, _ := anyField(reply, "cursor")
	cursorDoc := cursorVal.(bson.D)
	firstBatch, _ := docOrArrayField(cursorDoc, "firstBatch")
	assert.Len(t, firstBatch, 1)
}

func docOrArrayField(d bson.D, key string) (bson.A, bool) {
	for _, e := range d {
		if e.Key == key {
			a, ok := e.Value.(bson.A)
			return a, ok
		}
	}
	return nil, false
}

func TestFindOpensCursorWhenMoreThanBatchSize(t *testing.T) {
	s, cc := newTestServer(t)
	docs := bson.A{}
	for i := 0; i < 5; i++ {
		docs = append(docs, bson.D{{Key: "n", Value: int32(i)}})
	}
	_, err := s.Insert(cc, bson.D{{Key: "insert", Value: "nums"}, {Key: "documents", Value: docs}})
	require.NoError(t, err)

	reply, err := s.Find(cc, bson.D{
		{Key: "find", Value: "nums"},
		{Key: "batchSize", Value: int32(2)},
	})
	require.NoError(t, err)
	cursorVal, _ := anyField(reply, "cursor")
	cursorDoc := cursorVal.(bson.D)
	id, _ := anyField(cursorDoc, "id")
	assert.NotEqual(t, int64(0), id)

	getMoreReply, err := s.GetMore(cc, bson.D{
		{Key: "getMore", Value: id},
		{Key: "collection", Value: "nums"},
	})
	require.NoError(t, err)
	gmCursor, _ := anyField(getMoreReply, "cursor")
	nextBatch, _ := docOrArrayField(gmCursor.(bson.D), "nextBatch")
	// getMore without batchSize reuses the cursor's batch size of 2.
	assert.Len(t, nextBatch, 2)
}

func TestUpdateAndDelete(t *testing.T) {
	s, cc := newTestServer(t)
	_, err := s.Insert(cc, bson.D{
		{Key: "insert", Value: "things"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "kind", Value: "a"}}}},
	})
	require.NoError(t, err)

	updateReply, err := s.Update(cc, bson.D{
		{Key: "update", Value: "things"},
		{Key: "updates", Value: bson.A{bson.D{
			{Key: "q", Value: bson.D{{Key: "kind", Value: "a"}}},
			{Key: "u", Value: bson.D{{Key: "$set", Value: bson.D{{Key: "touched", Value: true}}}}},
		}}},
	})
	require.NoError(t, err)
	n, _ := anyField(updateReply, "n")
	assert.EqualValues(t, 1, n)

	deleteReply, err := s.Delete(cc, bson.D{
		{Key: "delete", Value: "things"},
		{Key: "deletes", Value: bson.A{bson.D{
			{Key: "q", Value: bson.D{{Key: "kind", Value: "a"}}},
			{Key: "limit", Value: int32(0)},
		}}},
	})
	require.NoError(t, err)
	dn, _ := anyField(deleteReply, "n")
	assert.EqualValues(t, 1, dn)
}

func TestAggregateMatchGroup(t *testing.T) {
	s, cc := newTestServer(t)
	_, err := s.Insert(cc, bson.D{
		{Key: "insert", Value: "orders"},
		{Key: "documents", Value: bson.A{
			bson.D{{Key: "status", Value: "open"}, {Key: "amount", Value: int32(3)}},
			bson.D{{Key: "status", Value: "open"}, {Key: "amount", Value: int32(4)}},
		}},
	})
	require.NoError(t, err)

	reply, err := s.Aggregate(cc, bson.D{
		{Key: "aggregate", Value: "orders"},
		{Key: "pipeline", Value: bson.A{
			bson.D{{Key: "$match", Value: bson.D{{Key: "status", Value: "open"}}}},
			bson.D{{Key: "$group", Value: bson.D{
				{Key: "_id", Value: "$status"},
				{Key: "total", Value: bson.D{{Key: "$sum", Value: "$amount"}}},
			}}},
		}},
		{Key: "cursor", Value: bson.D{}},
	})
	require.NoError(t, err)
	cursorVal, _ := anyField(reply, "cursor")
	firstBatch, _ := docOrArrayField(cursorVal.(bson.D), "firstBatch")
	require.Len(t, firstBatch, 1)
}

func TestFindReportsMaxTimeMSExpiredWhenDeadlinePassed(t *testing.T) {
	s, cc := newTestServer(t)
	cc.Now = time.Now().Add(-time.Minute)
	_, err := s.Find(cc, bson.D{
		{Key: "find", Value: "widgets"},
		{Key: "maxTimeMS", Value: int32(1)},
	})
	var ce *dispatch.CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, dispatch.CodeMaxTimeMSExpired, ce.Code)
}

func TestExplainReportsPlanNotDocuments(t *testing.T) {
	s, cc := newTestServer(t)
	_, err := s.Insert(cc, bson.D{
		{Key: "insert", Value: "widgets"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "name", Value: "sprocket"}}}},
	})
	require.NoError(t, err)

	reply, err := s.Explain(cc, bson.D{
		{Key: "explain", Value: bson.D{
			{Key: "find", Value: "widgets"},
			{Key: "filter", Value: bson.D{{Key: "name", Value: "sprocket"}}},
		}},
	})
	require.NoError(t, err)
	planner, ok := anyField(reply, "queryPlanner")
	require.True(t, ok)
	namespaceVal, _ := anyField(planner.(bson.D), "namespace")
	assert.Equal(t, "test.widgets", namespaceVal)
}

func TestSaslStartAdvertisesCompletion(t *testing.T) {
	s, cc := newTestServer(t)
	reply, err := s.SaslStart(cc, bson.D{{Key: "saslStart", Value: int32(1)}})
	require.NoError(t, err)
	done, _ := anyField(reply, "done")
	assert.Equal(t, true, done)
}

func TestCreateListDropIndexes(t *testing.T) {
	s, cc := newTestServer(t)
	createReply, err := s.CreateIndexes(cc, bson.D{
		{Key: "createIndexes", Value: "widgets"},
		{Key: "indexes", Value: bson.A{bson.D{
			{Key: "key", Value: bson.D{{Key: "sku", Value: int32(1)}}},
			{Key: "unique", Value: true},
		}}},
	})
	require.NoError(t, err)
	after, _ := anyField(createReply, "numIndexesAfter")
	assert.EqualValues(t, 1, after)

	listReply, err := s.ListIndexes(cc, bson.D{{Key: "listIndexes", Value: "widgets"}})
	require.NoError(t, err)
	cursorVal, _ := anyField(listReply, "cursor")
	firstBatch, _ := docOrArrayField(cursorVal.(bson.D), "firstBatch")
	assert.Len(t, firstBatch, 1)

	_, err = s.DropIndexes(cc, bson.D{{Key: "dropIndexes", Value: "widgets"}, {Key: "index", Value: "sku_1"}})
	require.NoError(t, err)
	listReply, err = s.ListIndexes(cc, bson.D{{Key: "listIndexes", Value: "widgets"}})
	require.NoError(t, err)
	cursorVal, _ = anyField(listReply, "cursor")
	firstBatch, _ = docOrArrayField(cursorVal.(bson.D), "firstBatch")
	assert.Len(t, firstBatch, 0)
}
