package command

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/multierr"

	"github.com/dot-do/mongosqld/internal/backend"
	"github.com/dot-do/mongosqld/internal/cursor"
	"github.com/dot-do/mongosqld/internal/dispatch"
)

func writeErrorsToBSON(errs []backend.WriteError) bson.A {
	out := make(bson.A, 0, len(errs))
	for _, e := range errs {
		out = append(out, bson.D{
			{Key: "index", Value: int32(e.Index)},
			{Key: "code", Value: e.Code},
			{Key: "errmsg", Value: e.Message},
		})
	}
	return out
}

// Insert handles { insert: coll, documents: [...] }. A missing _id on
// any document is synthesized by the backend as a fresh ObjectId.
func (s *Server) Insert(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	coll, ok := stringField(cmd, "insert")
	if !ok {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "insert requires a collection name")
	}
	rawDocs, _ := arrField(cmd, "documents")
	docs := make([]bson.D, 0, len(rawDocs))
	for _, raw := range rawDocs {
		d, ok := raw.(bson.D)
		if !ok {
			return nil, dispatch.NewCommandError(dispatch.CodeTypeMismatch, "TypeMismatch", "documents must be an array of objects")
		}
		docs = append(docs, d)
	}

	result, err := s.Backend.Insert(cc.Context, cc.DB, coll, docs)
	if err != nil {
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
	}
	reply := bson.D{{Key: "n", Value: int32(len(result.InsertedIDs))}}
	if len(result.WriteErrors) > 0 {
		reply = append(reply, bson.E{Key: "writeErrors", Value: writeErrorsToBSON(result.WriteErrors)})
	}
	return okReply(reply...), nil
}

type updateSpec struct {
	q      bson.D
	u      bson.D
	upsert bool
	multi  bool
}

func parseUpdates(raw bson.A) ([]updateSpec, error) {
	out := make([]updateSpec, 0, len(raw))
	for _, r := range raw {
		d, ok := r.(bson.D)
		if !ok {
			return nil, dispatch.NewCommandError(dispatch.CodeTypeMismatch, "TypeMismatch", "updates must be an array of objects")
		}
		spec := updateSpec{}
		spec.q, _ = docField(d, "q")
		spec.u, _ = docField(d, "u")
		spec.upsert, _ = boolField(d, "upsert")
		spec.multi, _ = boolField(d, "multi")
		out = append(out, spec)
	}
	return out, nil
}

// Update handles { update: coll, updates: [{q, u, upsert?, multi?}] }.
func (s *Server) Update(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	coll, ok := stringField(cmd, "update")
	if !ok {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "update requires a collection name")
	}
	rawUpdates, _ := arrField(cmd, "updates")
	specs, err := parseUpdates(rawUpdates)
	if err != nil {
		return nil, err
	}

	var matched, modified int64
	var combined error
	upserted := bson.A{}
	var writeErrors []backend.WriteError
	for i, spec := range specs {
		res, err := s.Backend.Update(cc.Context, cc.DB, coll, spec.q, spec.u, backend.UpdateOptions{Upsert: spec.upsert, Multi: spec.multi})
		if err != nil {
			combined = multierr.Append(combined, err)
			writeErrors = append(writeErrors, backend.WriteError{Index: i, Code: dispatch.CodeInternalError, Message: err.Error()})
			continue
		}
		matched += res.MatchedCount
		modified += res.ModifiedCount
		if res.UpsertedID != nil {
			upserted = append(upserted, bson.D{{Key: "index", Value: int32(i)}, {Key: "_id", Value: res.UpsertedID}})
		}
	}
	// Every spec in the batch failing independently is treated as one
	// command-level failure rather than an all-green reply with an
	// all-entries writeErrors array; anything short of total failure
	// reports ok:1 with the partial results plus writeErrors, matching
	// real unordered bulk write semantics.
	if len(specs) > 0 && len(writeErrors) == len(specs) {
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", combined.Error())
	}
	reply := bson.D{
		{Key: "n", Value: matched + int64(len(upserted))},
		{Key: "nModified", Value: modified},
	}
	if len(upserted) > 0 {
		reply = append(reply, bson.E{Key: "upserted", Value: upserted})
	}
	if len(writeErrors) > 0 {
		reply = append(reply, bson.E{Key: "writeErrors", Value: writeErrorsToBSON(writeErrors)})
	}
	return okReply(reply...), nil
}

type deleteSpec struct {
	q     bson.D
	limit int
}

func parseDeletes(raw bson.A) ([]deleteSpec, error) {
	out := make([]deleteSpec, 0, len(raw))
	for _, r := range raw {
		d, ok := r.(bson.D)
		if !ok {
			return nil, dispatch.NewCommandError(dispatch.CodeTypeMismatch, "TypeMismatch", "deletes must be an array of objects")
		}
		spec := deleteSpec{}
		spec.q, _ = docField(d, "q")
		spec.limit, _ = intField(d, "limit")
		out = append(out, spec)
	}
	return out, nil
}

// Delete handles { delete: coll, deletes: [{q, limit}] }. limit=0 means
// "no limit" (delete all matches), matching the wire protocol's
// convention; any other value is treated as limit=1 since this server
// only ever deletes one or all.
func (s *Server) Delete(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	coll, ok := stringField(cmd, "delete")
	if !ok {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "delete requires a collection name")
	}
	rawDeletes, _ := arrField(cmd, "deletes")
	specs, err := parseDeletes(rawDeletes)
	if err != nil {
		return nil, err
	}

	var deleted int64
	var combined error
	var writeErrors []backend.WriteError
	for i, spec := range specs {
		res, err := s.Backend.Delete(cc.Context, cc.DB, coll, spec.q, backend.DeleteOptions{Multi: spec.limit == 0})
		if err != nil {
			combined = multierr.Append(combined, err)
			writeErrors = append(writeErrors, backend.WriteError{Index: i, Code: dispatch.CodeInternalError, Message: err.Error()})
			continue
		}
		deleted += res.DeletedCount
	}
	if len(specs) > 0 && len(writeErrors) == len(specs) {
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", combined.Error())
	}
	reply := bson.D{{Key: "n", Value: deleted}}
	if len(writeErrors) > 0 {
		reply = append(reply, bson.E{Key: "writeErrors", Value: writeErrorsToBSON(writeErrors)})
	}
	return okReply(reply...), nil
}

func firstBatchCursor(coll string, docs []bson.D, cursorID int64) bson.D {
	return bson.D{
		{Key: "cursor", Value: bson.D{
			{Key: "id", Value: cursorID},
			{Key: "ns", Value: coll},
			{Key: "firstBatch", Value: toArray(docs)},
		}},
	}
}

func toArray(docs []bson.D) bson.A {
	out := make(bson.A, 0, len(docs))
	for _, d := range docs {
		out = append(out, d)
	}
	return out
}

// Find handles { find: coll, filter?, projection?, sort?, skip?,
// limit?, batchSize? }. Opens a cursor unless the entire result fit in
// the first batch, per the invariant that id=0 iff firstBatch is
// complete.
func (s *Server) Find(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	coll, ok := stringField(cmd, "find")
	if !ok {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "find requires a collection name")
	}
	filter, _ := docField(cmd, "filter")
	projection, _ := docField(cmd, "projection")
	sort, _ := docField(cmd, "sort")
	skip, _ := intField(cmd, "skip")
	limit, _ := intField(cmd, "limit")
	batchSize, hasBatchSize := intField(cmd, "batchSize")
	if !hasBatchSize {
		batchSize = 101
	}

	ctx := cc.Context
	if deadline := maxTimeDeadline(cmd, cc.Now); !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	opts := backend.FindOptions{Sort: sort, Skip: int64(skip), Limit: int64(limit), BatchSize: batchSize, Projection: projection}
	first, src, err := s.Backend.Find(ctx, cc.DB, coll, filter, opts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, dispatch.NewCommandError(dispatch.CodeMaxTimeMSExpired, "MaxTimeMSExpired", "find exceeded maxTimeMS before returning any row")
		}
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
	}

	return okReply(firstBatchCursor(coll, first, s.openCursorIfNotExhausted(cc, namespace(cc.DB, coll), batchSize, src))), nil
}

// openCursorIfNotExhausted probes src with a zero-length, non-consuming
// Next call (every cursor.Source implementation in this server treats
// n=0 as "don't advance") to decide whether any documents remain beyond
// the first batch. If none remain, src is closed immediately and 0 is
// returned, satisfying the invariant that a fully-drained first batch
// never gets a cursor id; otherwise src is registered with the cursor
// manager and its id returned.
func (s *Server) openCursorIfNotExhausted(cc dispatch.CommandContext, ns string, batchSize int, src cursor.Source) int64 {
	if _, exhausted, _ := src.Next(cc.Context, 0); exhausted {
		src.Close()
		return 0
	}
	id := s.Cursors.Open(cc.Connection.ID, ns, batchSize, src)
	cc.Connection.AddCursor(id)
	return id
}
