package command

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/dispatch"
)

// Explain handles { explain: { find: coll, filter? } } (and the
// equivalent for aggregate/count's leading $match/query). It runs the
// translator only — package query's SQL compilation path plus SQLite's
// own EXPLAIN QUERY PLAN — and never touches the document store itself.
func (s *Server) Explain(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	inner, ok := docField(cmd, "explain")
	if !ok {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "explain requires an embedded command document")
	}

	var coll string
	var filter bson.D
	switch {
	case hasField(inner, "find"):
		coll, _ = stringField(inner, "find")
		filter, _ = docField(inner, "filter")
	case hasField(inner, "count"):
		coll, _ = stringField(inner, "count")
		filter, _ = docField(inner, "query")
	case hasField(inner, "aggregate"):
		coll, _ = stringField(inner, "aggregate")
		if rawPipeline, ok := arrField(inner, "pipeline"); ok && len(rawPipeline) > 0 {
			if first, ok := rawPipeline[0].(bson.D); ok {
				filter, _ = docField(first, "$match")
			}
		}
	default:
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "explain only supports find, count and aggregate")
	}
	if coll == "" {
		return nil, dispatch.NewCommandError(dispatch.CodeBadValue, "BadValue", "explain requires a collection name")
	}

	result, err := s.Backend.Explain(cc.Context, cc.DB, coll, filter)
	if err != nil {
		return nil, dispatch.NewCommandError(dispatch.CodeInternalError, "InternalError", err.Error())
	}

	plan := make(bson.A, 0, len(result.QueryPlanner))
	for _, p := range result.QueryPlanner {
		plan = append(plan, p)
	}
	return okReply(
		bson.E{Key: "queryPlanner", Value: bson.D{
			{Key: "namespace", Value: namespace(cc.DB, coll)},
			{Key: "winningPlan", Value: bson.D{
				{Key: "sql", Value: result.SQL},
				{Key: "plan", Value: plan},
			}},
		}},
	), nil
}

func hasField(d bson.D, key string) bool {
	_, ok := anyField(d, key)
	return ok
}
