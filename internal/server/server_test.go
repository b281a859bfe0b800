package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/dot-do/mongosqld/internal/backend"
	"github.com/dot-do/mongosqld/internal/command"
	"github.com/dot-do/mongosqld/internal/cursor"
	"github.com/dot-do/mongosqld/internal/dispatch"
	"github.com/dot-do/mongosqld/internal/wire"
)

// startTestServer wires a real backend + dispatcher + listener on an
// ephemeral loopback port, mirroring cmd/mongosqld's runServe wiring
// but against an in-memory SQLite store and a no-op logger.
func startTestServer(t *testing.T) string {
	t.Helper()
	store, err := backend.Open("file::memory:?cache=shared", 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cursors := cursor.NewManager(time.Minute)
	registry := dispatch.NewRegistry()
	command.NewServer(store, cursors).Register(registry)

	srv := &Server{
		Addr:                "127.0.0.1:0",
		MaxMessageSizeBytes: 48 * 1024 * 1024,
		Registry:            registry,
		Cursors:             cursors,
		Log:                 zap.NewNop(),
	}

	ln, err := net.Listen("tcp", srv.Addr)
	require.NoError(t, err)
	srv.listener = ln
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConnection(ctx, conn)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return addr
}

func sendCommand(t *testing.T, conn net.Conn, requestID int32, cmd bson.D) bson.D {
	t.Helper()
	body, err := bson.Marshal(cmd)
	require.NoError(t, err)
	frame := wire.WriteOpMsg(requestID, 0, body)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	msg, err := wire.Read(conn, 48*1024*1024)
	require.NoError(t, err)
	opMsg, ok := msg.(*wire.OpMsg)
	require.True(t, ok)
	replyBody, err := opMsg.Body()
	require.NoError(t, err)

	var reply bson.D
	require.NoError(t, bson.Unmarshal(replyBody, &reply))
	return reply
}

func fieldOf(d bson.D, key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func TestServerRoundTripPingOverWire(t *testing.T) {
	addr := startTestServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	reply := sendCommand(t, conn, 1, bson.D{{Key: "ping", Value: int32(1)}, {Key: "$db", Value: "admin"}})
	ok, _ := fieldOf(reply, "ok")
	assert.EqualValues(t, 1, ok)
}

func TestServerRoundTripInsertAndFind(t *testing.T) {
	addr := startTestServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	insertReply := sendCommand(t, conn, 1, bson.D{
		{Key: "insert", Value: "widgets"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "name", Value: "sprocket"}}}},
		{Key: "$db", Value: "test"},
	})
	n, _ := fieldOf(insertReply, "n")
	assert.EqualValues(t, 1, n)

	findReply := sendCommand(t, conn, 2, bson.D{
		{Key: "find", Value: "widgets"},
		{Key: "filter", Value: bson.D{{Key: "name", Value: "sprocket"}}},
		{Key: "$db", Value: "test"},
	})
	cursorVal, ok := fieldOf(findReply, "cursor")
	require.True(t, ok)
	cursorDoc := cursorVal.(bson.D)
	firstBatch, _ := fieldOf(cursorDoc, "firstBatch")
	assert.Len(t, firstBatch.(bson.A), 1)
}

func TestServerUnknownCommandDoesNotCloseConnection(t *testing.T) {
	addr := startTestServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	reply := sendCommand(t, conn, 1, bson.D{{Key: "bogus", Value: int32(1)}, {Key: "$db", Value: "test"}})
	ok, _ := fieldOf(reply, "ok")
	assert.EqualValues(t, 0, ok)

	pingReply := sendCommand(t, conn, 2, bson.D{{Key: "ping", Value: int32(1)}, {Key: "$db", Value: "test"}})
	okAgain, _ := fieldOf(pingReply, "ok")
	assert.EqualValues(t, 1, okAgain)
}
