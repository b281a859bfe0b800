package command

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/dispatch"
)

// CreateIndexes handles { createIndexes: coll, indexes: [{key, name?,
// unique?}] }.
func (s *Server) CreateIndexes(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	coll, ok := stringField(cmd, "createIndexes")
	if !ok {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "createIndexes requires a collection name")
	}
	rawIndexes, _ := arrField(cmd, "indexes")
	names := bson.A{}
	for _, r := range rawIndexes {
		spec, ok := r.(bson.D)
		if !ok {
			return nil, dispatch.NewCommandError(dispatch.CodeTypeMismatch, "TypeMismatch", "indexes must be an array of objects")
		}
		keys, _ := docField(spec, "key")
		name, err := s.Backend.CreateIndex(cc.Context, cc.DB, coll, keys, spec)
		if err != nil {
			return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
		}
		names = append(names, name)
	}
	return okReply(
		bson.E{Key: "numIndexesBefore", Value: int32(0)},
		bson.E{Key: "numIndexesAfter", Value: int32(len(names))},
		bson.E{Key: "createdCollectionAutomatically", Value: false},
	), nil
}

// DropIndexes handles { dropIndexes: coll, index: name }.
func (s *Server) DropIndexes(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	coll, ok := stringField(cmd, "dropIndexes")
	if !ok {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "dropIndexes requires a collection name")
	}
	name, _ := stringField(cmd, "index")
	if name == "" || name == "*" {
		indexes, err := s.Backend.ListIndexes(cc.Context, cc.DB, coll)
		if err != nil {
			return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
		}
		for _, idx := range indexes {
			if err := s.Backend.DropIndex(cc.Context, cc.DB, coll, idx.Name); err != nil {
				return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
			}
		}
		return okReply(), nil
	}
	if err := s.Backend.DropIndex(cc.Context, cc.DB, coll, name); err != nil {
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
	}
	return okReply(), nil
}

// ListIndexes handles { listIndexes: coll }.
func (s *Server) ListIndexes(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	coll, ok := stringField(cmd, "listIndexes")
	if !ok {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "listIndexes requires a collection name")
	}
	indexes, err := s.Backend.ListIndexes(cc.Context, cc.DB, coll)
	if err != nil {
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
	}
	docs := make(bson.A, 0, len(indexes))
	for _, idx := range indexes {
		docs = append(docs, bson.D{
			{Key: "v", Value: int32(2)},
			{Key: "key", Value: idx.Keys},
			{Key: "name", Value: idx.Name},
		})
	}
	return okReply(bson.E{Key: "cursor", Value: bson.D{
		{Key: "id", Value: int64(0)},
		{Key: "ns", Value: namespace(cc.DB, coll)},
		{Key: "firstBatch", Value: docs},
	}}), nil
}

// ListCollections handles { listCollections: 1 }.
func (s *Server) ListCollections(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	colls, err := s.Backend.ListCollections(cc.Context, cc.DB)
	if err != nil {
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
	}
	docs := make(bson.A, 0, len(colls))
	for _, c := range colls {
		docs = append(docs, bson.D{
			{Key: "name", Value: c},
			{Key: "type", Value: "collection"},
		})
	}
	return okReply(bson.E{Key: "cursor", Value: bson.D{
		{Key: "id", Value: int64(0)},
		{Key: "ns", Value: cc.DB + ".$cmd.listCollections"},
		{Key: "firstBatch", Value: docs},
	}}), nil
}

// ListDatabases handles { listDatabases: 1 }.
func (s *Server) ListDatabases(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	dbs, err := s.Backend.ListDatabases(cc.Context)
	if err != nil {
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
	}
	docs := make(bson.A, 0, len(dbs))
	for _, d := range dbs {
		docs = append(docs, bson.D{{Key: "name", Value: d}})
	}
	return okReply(bson.E{Key: "databases", Value: docs}), nil
}

// DropCollection handles { drop: coll }.
func (s *Server) DropCollection(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	coll, ok := stringField(cmd, "drop")
	if !ok {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "drop requires a collection name")
	}
	if err := s.Backend.DropCollection(cc.Context, cc.DB, coll); err != nil {
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
	}
	return okReply(), nil
}

// DropDatabase handles { dropDatabase: 1 }.
func (s *Server) DropDatabase(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	if err := s.Backend.DropDatabase(cc.Context, cc.DB); err != nil {
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
	}
	return okReply(bson.E{Key: "dropped", Value: cc.DB}), nil
}

// RenameCollection handles { renameCollection: "db.from", to:
// "db.to" }, both given as fully-qualified namespaces.
func (s *Server) RenameCollection(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	from, ok := stringField(cmd, "renameCollection")
	to, ok2 := stringField(cmd, "to")
	if !ok || !ok2 {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "renameCollection requires source and target namespaces")
	}
	fromColl := stripDBPrefix(from, cc.DB)
	toColl := stripDBPrefix(to, cc.DB)
	if err := s.Backend.RenameCollection(cc.Context, cc.DB, fromColl, toColl); err != nil {
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
	}
	return okReply(), nil
}

func stripDBPrefix(ns, db string) string {
	prefix := db + "."
	if len(ns) > len(prefix) && ns[:len(prefix)] == prefix {
		return ns[len(prefix):]
	}
	return ns
}

// CreateCollection handles { create: coll, ... }.
func (s *Server) CreateCollection(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	coll, ok := stringField(cmd, "create")
	if !ok {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "create requires a collection name")
	}
	if err := s.Backend.CreateCollection(cc.Context, cc.DB, coll, cmd); err != nil {
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
	}
	return okReply(), nil
}
