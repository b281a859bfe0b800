// Package backend defines the storage abstraction used by command
// handlers and provides the one local implementation: a SQLite
// document store with an FTS5 companion table per collection.
package backend

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/aggregate"
	"github.com/dot-do/mongosqld/internal/cursor"
)

// WriteError records one failed document within a batch insert/update,
// mirroring the command-level writeErrors[] array.
type WriteError struct {
	Index   int
	Code    int32
	Message string
}

// WriteResult is the outcome of Insert.
type WriteResult struct {
	InsertedIDs []any
	WriteErrors []WriteError
}

// UpdateResult is the outcome of Update.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedID    any
}

// DeleteResult is the outcome of Delete.
type DeleteResult struct {
	DeletedCount int64
}

// FindOptions carries find()'s query modifiers.
type FindOptions struct {
	Sort       bson.D
	Skip       int64
	Limit      int64
	BatchSize  int
	Projection bson.D
}

// UpdateOptions carries update()'s modifiers.
type UpdateOptions struct {
	Upsert bool
	Multi  bool
}

// DeleteOptions carries delete()'s modifiers.
type DeleteOptions struct {
	Multi bool
}

// AggregateOptions carries aggregate()'s modifiers.
type AggregateOptions struct {
	BatchSize int
}

// HybridSearchSpec combines a text and vector query against the same
// collection, for hybridSearch.
type HybridSearchSpec struct {
	Text   aggregate.SearchSpec
	Vector aggregate.VectorSearchSpec
}

// ExplainResult is the translator-only output of Explain: the generated
// SQL predicate plus the engine's own query plan for it, with no
// documents actually fetched.
type ExplainResult struct {
	SQL          string
	Params       []any
	QueryPlanner []bson.D
}

// IndexInfo describes one created index, returned from ListIndexes.
type IndexInfo struct {
	Name   string
	Keys   bson.D
	Unique bool
}

// Backend is the full storage abstraction command handlers depend on.
// It is a strict superset of aggregate.Backend (FindAll, Search,
// VectorSearch, ReplaceCollection, Merge), so any Backend value can be
// passed wherever the aggregation stage engine expects one.
type Backend interface {
	ListDatabases(ctx context.Context) ([]string, error)
	ListCollections(ctx context.Context, db string) ([]string, error)
	CreateCollection(ctx context.Context, db, coll string, opts bson.D) error
	DropCollection(ctx context.Context, db, coll string) error
	DropDatabase(ctx context.Context, db string) error
	RenameCollection(ctx context.Context, db, from, to string) error

	Insert(ctx context.Context, db, coll string, docs []bson.D) (WriteResult, error)
	Find(ctx context.Context, db, coll string, filter bson.D, opts FindOptions) ([]bson.D, cursor.Source, error)
	Update(ctx context.Context, db, coll string, filter, update bson.D, opts UpdateOptions) (UpdateResult, error)
	Delete(ctx context.Context, db, coll string, filter bson.D, opts DeleteOptions) (DeleteResult, error)
	Aggregate(ctx context.Context, db, coll string, pipeline []bson.D, opts AggregateOptions) ([]bson.D, cursor.Source, error)

	CreateIndex(ctx context.Context, db, coll string, keys bson.D, opts bson.D) (string, error)
	DropIndex(ctx context.Context, db, coll, name string) error
	ListIndexes(ctx context.Context, db, coll string) ([]IndexInfo, error)

	FindAll(ctx context.Context, db, coll string, filter bson.D) ([]bson.D, error)
	Explain(ctx context.Context, db, coll string, filter bson.D) (ExplainResult, error)
	Search(ctx context.Context, db, coll string, spec aggregate.SearchSpec) ([]bson.D, error)
	VectorSearch(ctx context.Context, db, coll string, spec aggregate.VectorSearchSpec) ([]bson.D, error)
	HybridSearch(ctx context.Context, db, coll string, spec HybridSearchSpec) ([]bson.D, error)
	ReplaceCollection(ctx context.Context, db, coll string, docs []bson.D) error
	Merge(ctx context.Context, db, coll string, docs []bson.D, whenMatched, whenNotMatched string) error

	Close() error
}
