package command

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/aggregate"
	"github.com/dot-do/mongosqld/internal/backend"
	"github.com/dot-do/mongosqld/internal/dispatch"
)

// FindAndModify handles { findAndModify: coll, query?, update?,
// remove?, new?, upsert? }. It is expressed in terms of the same
// Update/Delete backend calls as the plain CRUD commands, since the
// backend has no separate atomic find-and-modify primitive beyond
// single-document Update/Delete already being effectively atomic per
// call.
func (s *Server) FindAndModify(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	coll, ok := stringField(cmd, "findAndModify")
	if !ok {
		coll, ok = stringField(cmd, "findandmodify")
	}
	if !ok {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "findAndModify requires a collection name")
	}
	filter, _ := docField(cmd, "query")
	remove, _ := boolField(cmd, "remove")
	wantNew, _ := boolField(cmd, "new")

	before, err := s.Backend.FindAll(cc.Context, cc.DB, coll, filter)
	if err != nil {
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
	}
	var oldDoc bson.D
	if len(before) > 0 {
		oldDoc = before[0]
	}

	if remove {
		if len(before) > 0 {
			if _, err := s.Backend.Delete(cc.Context, cc.DB, coll, filter, backend.DeleteOptions{Multi: false}); err != nil {
				return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
			}
		}
		return okReply(bson.E{Key: "value", Value: oldDoc}), nil
	}

	update, _ := docField(cmd, "update")
	upsert, _ := boolField(cmd, "upsert")
	res, err := s.Backend.Update(cc.Context, cc.DB, coll, filter, update, backend.UpdateOptions{Upsert: upsert, Multi: false})
	if err != nil {
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
	}

	var value bson.D
	if wantNew {
		idFilter := filter
		if res.UpsertedID != nil {
			idFilter = bson.D{{Key: "_id", Value: res.UpsertedID}}
		}
		after, err := s.Backend.FindAll(cc.Context, cc.DB, coll, idFilter)
		if err != nil {
			return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
		}
		if len(after) > 0 {
			value = after[0]
		}
	} else {
		value = oldDoc
	}
	return okReply(bson.E{Key: "value", Value: value}), nil
}

// GetMore handles { getMore: cursorID, collection, batchSize?,
// maxTimeMS? }, resuming a cursor owned by this connection.
func (s *Server) GetMore(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	id, ok := int64Field(cmd, "getMore")
	if !ok {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "getMore requires a cursor id")
	}
	coll, ok := stringField(cmd, "collection")
	if !ok {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "getMore requires a collection name")
	}
	if !cc.Connection.OwnsCursor(id) {
		return nil, dispatch.NewCommandError(dispatch.CodeCursorNotFound, "CursorNotFound", "cursor id not found")
	}
	batchSize, _ := intField(cmd, "batchSize")

	docs, nextID, err := s.Cursors.Next(cc.Context, cc.Connection.ID, id, batchSize, maxTimeDeadline(cmd, cc.Now))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, dispatch.NewCommandError(dispatch.CodeMaxTimeMSExpired, "MaxTimeMSExpired", "getMore exceeded maxTimeMS before returning any row")
		}
		return nil, dispatch.NewCommandError(dispatch.CodeCursorNotFound, "CursorNotFound", err.Error())
	}
	if nextID == 0 {
		cc.Connection.RemoveCursor(id)
	}
	return okReply(bson.D{
		{Key: "cursor", Value: bson.D{
			{Key: "id", Value: nextID},
			{Key: "ns", Value: namespace(cc.DB, coll)},
			{Key: "nextBatch", Value: toArray(docs)},
		}},
	}...), nil
}

// KillCursors handles { killCursors: coll, cursors: [id...] },
// partitioning the input per the §4.E contract. Numeric ids and
// decimal-string ids are looked up; any other entry is reported under
// cursorsUnknown.
func (s *Server) KillCursors(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	raw, _ := arrField(cmd, "cursors")
	ids := make([]int64, 0, len(raw))
	unknown := bson.A{}
	for _, r := range raw {
		if id, ok := toInt64(r); ok {
			ids = append(ids, id)
			continue
		}
		if str, ok := r.(string); ok {
			if id, err := strconv.ParseInt(str, 10, 64); err == nil {
				ids = append(ids, id)
				continue
			}
		}
		unknown = append(unknown, r)
	}
	killed, notFound, alive := s.Cursors.Kill(cc.Connection.ID, ids)
	for _, id := range killed {
		cc.Connection.RemoveCursor(id)
	}
	return okReply(
		bson.E{Key: "cursorsKilled", Value: int64sToArray(killed)},
		bson.E{Key: "cursorsNotFound", Value: int64sToArray(notFound)},
		bson.E{Key: "cursorsAlive", Value: int64sToArray(alive)},
		bson.E{Key: "cursorsUnknown", Value: unknown},
	), nil
}

// Aggregate handles { aggregate: coll, pipeline: [...], cursor: {
// batchSize? } }. The pipeline is optimized by the backend's Aggregate
// implementation (see package optimize); unless the terminal stage is
// $out/$merge, the result opens a cursor exactly like find.
func (s *Server) Aggregate(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	coll, ok := stringField(cmd, "aggregate")
	if !ok {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "aggregate requires a collection name")
	}
	rawPipeline, _ := arrField(cmd, "pipeline")
	pipeline := make([]bson.D, 0, len(rawPipeline))
	for _, r := range rawPipeline {
		d, ok := r.(bson.D)
		if !ok {
			return nil, dispatch.NewCommandError(dispatch.CodeTypeMismatch, "TypeMismatch", "pipeline must be an array of objects")
		}
		pipeline = append(pipeline, d)
	}
	batchSize := 101
	if cursorOpt, ok := docField(cmd, "cursor"); ok {
		if n, ok := intField(cursorOpt, "batchSize"); ok {
			batchSize = n
		}
	}

	first, src, err := s.Backend.Aggregate(cc.Context, cc.DB, coll, pipeline, backend.AggregateOptions{BatchSize: batchSize})
	if err != nil {
		if errors.Is(err, aggregate.ErrValidation) {
			return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", err.Error())
		}
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
	}
	if src == nil {
		// Terminal $out/$merge stage: per the retained open question on
		// reply shape, reply ok:1 with no cursor field at all.
		return okReply(), nil
	}
	return okReply(firstBatchCursor(coll, first, s.openCursorIfNotExhausted(cc, namespace(cc.DB, coll), batchSize, src))), nil
}

// maxTimeDeadline turns an optional maxTimeMS field into an absolute
// deadline, or the zero Time (no deadline) if absent.
func maxTimeDeadline(cmd bson.D, now time.Time) time.Time {
	ms, ok := intField(cmd, "maxTimeMS")
	if !ok || ms <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(ms) * time.Millisecond)
}

func int64Field(cmd bson.D, key string) (int64, bool) {
	for _, e := range cmd {
		if e.Key == key {
			return toInt64(e.Value)
		}
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func int64sToArray(ids []int64) bson.A {
	out := make(bson.A, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}
