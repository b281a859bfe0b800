// Package dispatch turns a parsed wire message into exactly one reply
// message: extracting the command document, merging document-sequence
// sections, looking up a handler by command name, and shaping the
// handler's result (or error) into an OP_MSG/OP_REPLY body.
package dispatch

import (
	"context"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/session"
	"github.com/dot-do/mongosqld/internal/wire"
)

// knownSequenceFields maps a command name to the document-sequence
// identifier it accepts, per the handshake's "merge kind-1 sections by
// their known identifier" rule.
var knownSequenceFields = map[string]string{
	"insert": "documents",
	"update": "updates",
	"delete": "deletes",
}

// CommandContext is passed to every handler.
type CommandContext struct {
	Context    context.Context
	Connection *session.Connection
	DB         string
	Now        time.Time
}

// Handler processes one command document and returns the reply
// document, or an error to be shaped per §7's CommandError contract.
type Handler func(cc CommandContext, cmd bson.D) (bson.D, error)

// CommandError carries a MongoDB-style error code/codeName pair.
type CommandError struct {
	Code     int32
	CodeName string
	Message  string
}

func (e *CommandError) Error() string { return e.Message }

// NewCommandError builds a CommandError.
func NewCommandError(code int32, codeName, message string) error {
	return &CommandError{Code: code, CodeName: codeName, Message: message}
}

const (
	CodeCommandNotFound     int32 = 59
	CodeBadValue            int32 = 2
	CodeTypeMismatch        int32 = 14
	CodeFailedToParse       int32 = 9
	CodeCursorNotFound      int32 = 43
	CodeCursorInUse         int32 = 229
	CodeMaxTimeMSExpired    int32 = 50
	CodeInternalError       int32 = 1
	CodeNamespaceNotFound   int32 = 26
)

// Registry maps command names (case-sensitive, matched on the first
// field of the command document) to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to handler. Later calls with the same name
// overwrite the earlier one, since the command table is built
// incrementally at startup.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// closestCommandName does a fuzzy match of name against every
// registered command, for the CommandNotFound "did you mean" hint.
// Distances beyond suggestionMaxDistance are treated as not close
// enough to be worth suggesting.
const suggestionMaxDistance = 3

func closestCommandName(r *Registry, name string) (string, bool) {
	best := ""
	bestDist := -1
	for known := range r.handlers {
		dist := levenshtein.ComputeDistance(name, known)
		if bestDist == -1 || dist < bestDist {
			bestDist = dist
			best = known
		}
	}
	if bestDist < 0 || bestDist > suggestionMaxDistance {
		return "", false
	}
	return best, true
}

func firstField(d bson.D) string {
	if len(d) == 0 {
		return ""
	}
	return d[0].Key
}

func stringField(d bson.D, key string) (string, bool) {
	for _, e := range d {
		if e.Key == key {
			s, ok := e.Value.(string)
			return s, ok
		}
	}
	return "", false
}

func mergeSequences(cmd bson.D, sequences map[string][][]byte) (bson.D, error) {
	if len(sequences) == 0 {
		return cmd, nil
	}
	out := append(bson.D{}, cmd...)
	for identifier, raw := range sequences {
		docs := make(bson.A, 0, len(raw))
		for _, b := range raw {
			var d bson.D
			if err := bson.Unmarshal(b, &d); err != nil {
				return nil, errors.Wrap(wire.ErrProtocol, "malformed document-sequence entry")
			}
			docs = append(docs, d)
		}
		replaced := false
		for i, e := range out {
			if e.Key == identifier {
				out[i].Value = docs
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, bson.E{Key: identifier, Value: docs})
		}
	}
	return out, nil
}

// Extracted is the result of pulling (db, command) out of a raw wire
// message, per §4.D step 1.
type Extracted struct {
	DB      string
	Command bson.D
}

// Extract implements §4.D step 1: for OP_MSG, the kind-0 body plus any
// kind-1 sections merged by the command's known sequence identifier;
// for OP_QUERY, the query document with $db taken from splitting
// fullCollectionName at its first dot.
func Extract(msg wire.Message) (Extracted, error) {
	switch m := msg.(type) {
	case *wire.OpMsg:
		bodyRaw, err := m.Body()
		if err != nil {
			return Extracted{}, err
		}
		var cmd bson.D
		if err := bson.Unmarshal(bodyRaw, &cmd); err != nil {
			return Extracted{}, errors.Wrap(wire.ErrProtocol, "malformed command body")
		}
		db, ok := stringField(cmd, "$db")
		if !ok || db == "" {
			return Extracted{}, errors.Wrap(wire.ErrProtocol, "OP_MSG missing $db")
		}
		name := firstField(cmd)
		sequences := map[string][][]byte{}
		if identifier, ok := knownSequenceFields[name]; ok {
			if docs := m.DocumentSequence(identifier); docs != nil {
				sequences[identifier] = docs
			}
		}
		merged, err := mergeSequences(cmd, sequences)
		if err != nil {
			return Extracted{}, err
		}
		return Extracted{DB: db, Command: merged}, nil

	case *wire.OpQuery:
		var cmd bson.D
		if err := bson.Unmarshal(m.Query, &cmd); err != nil {
			return Extracted{}, errors.Wrap(wire.ErrProtocol, "malformed OP_QUERY body")
		}
		db := m.FullCollectionName
		for i, c := range db {
			if c == '.' {
				db = db[:i]
				break
			}
		}
		return Extracted{DB: db, Command: cmd}, nil

	default:
		return Extracted{}, errors.Wrap(wire.ErrProtocol, "unsupported message type")
	}
}

// errorReply builds the { ok: 0, code, codeName, errmsg } document
// prescribed by §7 for CommandError.
func errorReply(err error) bson.D {
	var ce *CommandError
	if e, ok := err.(*CommandError); ok {
		ce = e
	} else {
		ce = &CommandError{Code: CodeInternalError, CodeName: "InternalError", Message: err.Error()}
	}
	return bson.D{
		{Key: "ok", Value: float64(0)},
		{Key: "code", Value: ce.Code},
		{Key: "codeName", Value: ce.CodeName},
		{Key: "errmsg", Value: ce.Message},
	}
}

// Dispatch extracts, routes and invokes, returning the reply document
// that should be wrapped in OP_MSG by the caller (package server). It
// never returns an error itself for a command-level failure — those are
// shaped into the { ok: 0 } document per §4.D/§7; only malformed input
// (protocol errors) is returned as an error, for the caller to close
// the connection without a reply.
func Dispatch(ctx context.Context, conn *session.Connection, r *Registry, msg wire.Message, now time.Time) (bson.D, error) {
	extracted, err := Extract(msg)
	if err != nil {
		return nil, err
	}
	name := firstField(extracted.Command)
	handler, ok := r.handlers[name]
	if !ok {
		msg := "no such command: '" + name + "'"
		if suggestion, ok := closestCommandName(r, name); ok {
			msg += ", did you mean: '" + suggestion + "'?"
		}
		return errorReply(NewCommandError(CodeCommandNotFound, "CommandNotFound", msg)), nil
	}

	cc := CommandContext{Context: ctx, Connection: conn, DB: extracted.DB, Now: now}
	reply, err := handler(cc, extracted.Command)
	if err != nil {
		return errorReply(err), nil
	}
	return reply, nil
}
