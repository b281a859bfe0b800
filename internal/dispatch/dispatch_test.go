package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/session"
	"github.com/dot-do/mongosqld/internal/wire"
)

func buildOpMsg(t *testing.T, cmd bson.D) *wire.OpMsg {
	t.Helper()
	body, err := bson.Marshal(cmd)
	require.NoError(t, err)
	return &wire.OpMsg{
		Header:   wire.MsgHeader{RequestID: 7},
		Sections: []wire.Section{{Kind: 0, Documents: [][]byte{body}}},
	}
}

func TestExtractOpMsgRequiresDB(t *testing.T) {
	msg := buildOpMsg(t, bson.D{{Key: "ping", Value: int32(1)}})
	_, err := Extract(msg)
	assert.Error(t, err)
}

func TestExtractOpMsgMergesDocumentSequence(t *testing.T) {
	msg := buildOpMsg(t, bson.D{{Key: "insert", Value: "widgets"}, {Key: "$db", Value: "test"}})
	doc, err := bson.Marshal(bson.D{{Key: "a", Value: int32(1)}})
	require.NoError(t, err)
	msg.Sections = append(msg.Sections, wire.Section{Kind: 1, Identifier: "documents", Documents: [][]byte{doc}})

	extracted, err := Extract(msg)
	require.NoError(t, err)
	assert.Equal(t, "test", extracted.DB)

	docsVal, ok := anyOf(extracted.Command, "documents")
	require.True(t, ok)
	arr, ok := docsVal.(bson.A)
	require.True(t, ok)
	assert.Len(t, arr, 1)
}

func anyOf(d bson.D, key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func TestDispatchUnknownCommand(t *testing.T) {
	r := NewRegistry()
	conn := session.New("127.0.0.1:1")
	msg := buildOpMsg(t, bson.D{{Key: "bogus", Value: int32(1)}, {Key: "$db", Value: "test"}})

	reply, err := Dispatch(context.Background(), conn, r, msg, time.Now())
	require.NoError(t, err)
	ok, _ := anyOf(reply, "ok")
	assert.EqualValues(t, 0, ok)
	code, _ := anyOf(reply, "code")
	assert.EqualValues(t, CodeCommandNotFound, code)
}

func TestDispatchUnknownCommandSuggestsClosestMatch(t *testing.T) {
	r := NewRegistry()
	r.Register("ping", func(cc CommandContext, cmd bson.D) (bson.D, error) {
		return bson.D{{Key: "ok", Value: float64(1)}}, nil
	})
	conn := session.New("127.0.0.1:1")
	msg := buildOpMsg(t, bson.D{{Key: "pign", Value: int32(1)}, {Key: "$db", Value: "test"}})

	reply, err := Dispatch(context.Background(), conn, r, msg, time.Now())
	require.NoError(t, err)
	errmsg, _ := anyOf(reply, "errmsg")
	assert.Contains(t, errmsg, "did you mean: 'ping'")
}

func TestDispatchRoutesToHandler(t *testing.T) {
	r := NewRegistry()
	r.Register("ping", func(cc CommandContext, cmd bson.D) (bson.D, error) {
		return bson.D{{Key: "ok", Value: float64(1)}}, nil
	})
	conn := session.New("127.0.0.1:1")
	msg := buildOpMsg(t, bson.D{{Key: "ping", Value: int32(1)}, {Key: "$db", Value: "test"}})

	reply, err := Dispatch(context.Background(), conn, r, msg, time.Now())
	require.NoError(t, err)
	ok, _ := anyOf(reply, "ok")
	assert.EqualValues(t, 1, ok)
}

func TestDispatchHandlerErrorShapesReply(t *testing.T) {
	r := NewRegistry()
	r.Register("boom", func(cc CommandContext, cmd bson.D) (bson.D, error) {
		return nil, NewCommandError(CodeBadValue, "BadValue", "nope")
	})
	conn := session.New("127.0.0.1:1")
	msg := buildOpMsg(t, bson.D{{Key: "boom", Value: int32(1)}, {Key: "$db", Value: "test"}})

	reply, err := Dispatch(context.Background(), conn, r, msg, time.Now())
	require.NoError(t, err)
	ok, _ := anyOf(reply, "ok")
	assert.EqualValues(t, 0, ok)
	errmsg, _ := anyOf(reply, "errmsg")
	assert.Equal(t, "nope", errmsg)
}
