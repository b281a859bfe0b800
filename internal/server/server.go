// Package server glues the wire, session, dispatch and cursor packages
// together into a running TCP listener: one task per connection,
// commands processed strictly serially within a connection.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/dot-do/mongosqld/internal/cursor"
	"github.com/dot-do/mongosqld/internal/dispatch"
	"github.com/dot-do/mongosqld/internal/session"
	"github.com/dot-do/mongosqld/internal/wire"
)

// Server listens on a single TCP port and serves the MongoDB wire
// protocol over every accepted connection.
type Server struct {
	Addr                string
	MaxMessageSizeBytes int32
	Registry            *dispatch.Registry
	Cursors             *cursor.Manager
	Log                 *zap.Logger

	listener net.Listener
}

// ListenAndServe binds Addr and serves connections until ctx is
// cancelled or Serve returns an error.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.Log.Info("listening", zap.String("addr", s.Addr))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	sessionConn := session.New(conn.RemoteAddr().String())
	log := s.Log.With(zap.Int64("connectionId", sessionConn.ID), zap.String("remoteAddr", sessionConn.RemoteAddr))
	log.Info("connection accepted")

	defer func() {
		s.Cursors.CloseConnection(sessionConn.ID, sessionConn.CursorIDs())
		log.Info("connection closed")
	}()

	for {
		msg, err := wire.Read(conn, s.MaxMessageSizeBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("closing connection on read error", zap.Error(err))
			}
			return
		}

		now := time.Now()
		reply, err := dispatch.Dispatch(ctx, sessionConn, s.Registry, msg, now)
		if err != nil {
			log.Warn("closing connection on protocol error", zap.Error(err))
			return
		}

		if err := s.writeReply(conn, msg, reply); err != nil {
			log.Warn("closing connection on write error", zap.Error(err))
			return
		}
	}
}

// writeReply replies to an OP_QUERY handshake with a legacy OP_REPLY,
// and to everything else with OP_MSG, per §6's framing rule.
func (s *Server) writeReply(conn net.Conn, msg wire.Message, reply bson.D) error {
	body, err := bson.Marshal(reply)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case *wire.OpQuery:
		frame := wire.WriteOpReply(0, m.Header.RequestID, wire.OpReplyMsg{
			CursorID:       0,
			StartingFrom:   0,
			NumberReturned: 1,
			Documents:      [][]byte{body},
		})
		_, err := conn.Write(frame)
		return err
	case *wire.OpMsg:
		frame := wire.WriteOpMsg(0, m.Header.RequestID, body)
		_, err := conn.Write(frame)
		return err
	default:
		return nil
	}
}
