// Package aggregate translates an aggregation pipeline into a sequence
// of backend-pushed and in-memory stages and executes it. $match (when it
// leads the pipeline, which the optimizer in package optimize arranges
// whenever possible) is pushed to the backend as a filter; every other
// stage recognized here runs as a post-pass over the document stream,
// which keeps the stage contracts testable without a running SQL engine.
// No stage is compiled into a SQL fragment here.
package aggregate

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrValidation mirrors the command-level validation error class for
// malformed pipeline stages.
var ErrValidation = errors.New("aggregate: validation error")

// Backend is the subset of the server's storage backend the stage
// engine needs: enough to run $lookup, $search, $vectorSearch, $out and
// $merge without importing package backend (which depends on this
// package for Aggregate, so the dependency must run the other way).
type Backend interface {
	FindAll(ctx context.Context, db, coll string, filter bson.D) ([]bson.D, error)
	Search(ctx context.Context, db, coll string, spec SearchSpec) ([]bson.D, error)
	VectorSearch(ctx context.Context, db, coll string, spec VectorSearchSpec) ([]bson.D, error)
	ReplaceCollection(ctx context.Context, db, coll string, docs []bson.D) error
	Merge(ctx context.Context, db, coll string, docs []bson.D, whenMatched, whenNotMatched string) error
}

// Env carries per-execution context through stage evaluation: the
// database the pipeline runs against (for $lookup's "from" and $out's
// target) and the backend used to satisfy cross-collection stages.
type Env struct {
	DB               string
	Collection       string
	Backend          Backend
	FacetConcurrency int
}

// Result is what Execute returns: either a document stream (the common
// case) or, for a pipeline ending in $out/$merge, no documents — per the
// retained open question on $out/$merge reply shape, the aggregate
// command replies ok:1 with no cursor in that case.
type Result struct {
	Docs     []bson.D
	Terminal bool
}

// Execute runs pipeline (already optimized) against the initial
// document set seeded by the caller (typically the backend's full scan
// or an already filter-pushed scan) and returns the final documents.
func Execute(ctx context.Context, env Env, pipeline []bson.D, docs []bson.D) (Result, error) {
	for i, stage := range pipeline {
		if len(stage) != 1 {
			return Result{}, errors.Wrapf(ErrValidation, "stage %d must have exactly one field", i)
		}
		name := stage[0].Key
		arg := stage[0].Value

		if name == "$out" || name == "$merge" {
			if i != len(pipeline)-1 {
				return Result{}, errors.Wrapf(ErrValidation, "%s must be the terminal stage", name)
			}
			if err := execTerminal(ctx, env, name, arg, docs); err != nil {
				return Result{}, err
			}
			return Result{Terminal: true}, nil
		}

		next, err := execStage(ctx, env, name, arg, docs)
		if err != nil {
			return Result{}, errors.Wrapf(err, "stage %d (%s)", i, name)
		}
		docs = next
	}
	return Result{Docs: docs}, nil
}

func execStage(ctx context.Context, env Env, name string, arg any, docs []bson.D) ([]bson.D, error) {
	switch name {
	case "$match":
		return stageMatch(docs, arg)
	case "$project":
		return stageProject(docs, arg)
	case "$addFields", "$set":
		return stageAddFields(docs, arg)
	case "$unset":
		return stageUnset(docs, arg)
	case "$unwind":
		return stageUnwind(docs, arg)
	case "$group":
		return stageGroup(docs, arg)
	case "$sort":
		return stageSort(docs, arg)
	case "$limit":
		return stageLimit(docs, arg)
	case "$skip":
		return stageSkip(docs, arg)
	case "$count":
		return stageCount(docs, arg)
	case "$lookup":
		return stageLookup(ctx, env, docs, arg)
	case "$facet":
		return stageFacet(ctx, env, docs, arg)
	case "$search":
		return stageSearch(ctx, env, arg)
	case "$vectorSearch":
		return stageVectorSearch(ctx, env, arg)
	case "$rankFusion":
		return stageRankFusion(ctx, env, arg)
	case "$scoreFusion":
		return stageScoreFusion(ctx, env, arg)
	case "$olap":
		return stageOlap(arg)
	default:
		return nil, errors.Wrapf(ErrValidation, "unrecognized stage %q", name)
	}
}

func execTerminal(ctx context.Context, env Env, name string, arg any, docs []bson.D) error {
	switch name {
	case "$out":
		target, err := parseOutTarget(arg)
		if err != nil {
			return err
		}
		return env.Backend.ReplaceCollection(ctx, target.db(env.DB), target.coll, docs)
	case "$merge":
		spec, err := parseMergeSpec(arg)
		if err != nil {
			return err
		}
		return env.Backend.Merge(ctx, spec.into.db(env.DB), spec.into.coll, docs, spec.whenMatched, spec.whenNotMatched)
	}
	return nil
}

type namespaceRef struct {
	database string
	coll     string
}

func (n namespaceRef) db(fallback string) string {
	if n.database != "" {
		return n.database
	}
	return fallback
}

func parseOutTarget(arg any) (namespaceRef, error) {
	switch v := arg.(type) {
	case string:
		return namespaceRef{coll: v}, nil
	case bson.D:
		var ref namespaceRef
		for _, e := range v {
			switch e.Key {
			case "db":
				ref.database, _ = e.Value.(string)
			case "coll":
				ref.coll, _ = e.Value.(string)
			}
		}
		return ref, nil
	default:
		return namespaceRef{}, errors.Wrap(ErrValidation, "$out requires a string or {db, coll}")
	}
}

type mergeSpec struct {
	into           namespaceRef
	whenMatched    string
	whenNotMatched string
}

func parseMergeSpec(arg any) (mergeSpec, error) {
	d, ok := arg.(bson.D)
	if !ok {
		return mergeSpec{}, errors.Wrap(ErrValidation, "$merge requires a document")
	}
	spec := mergeSpec{whenMatched: "merge", whenNotMatched: "insert"}
	for _, e := range d {
		switch e.Key {
		case "into":
			ref, err := parseOutTarget(e.Value)
			if err != nil {
				return mergeSpec{}, err
			}
			spec.into = ref
		case "whenMatched":
			if s, ok := e.Value.(string); ok {
				spec.whenMatched = s
			}
		case "whenNotMatched":
			if s, ok := e.Value.(string); ok {
				spec.whenNotMatched = s
			}
		}
	}
	switch spec.whenMatched {
	case "replace", "merge", "keepExisting", "fail":
	default:
		return mergeSpec{}, errors.Wrapf(ErrValidation, "invalid whenMatched %q", spec.whenMatched)
	}
	switch spec.whenNotMatched {
	case "insert", "discard", "fail":
	default:
		return mergeSpec{}, errors.Wrapf(ErrValidation, "invalid whenNotMatched %q", spec.whenNotMatched)
	}
	return spec, nil
}

// sortKeys returns the keys of a sort spec document in the order they
// were declared, since $sort/$group must honor declaration order for
// multi-key comparisons.
func sortKeys(d bson.D) []string {
	keys := make([]string, len(d))
	for i, e := range d {
		keys[i] = e.Key
	}
	return keys
}
