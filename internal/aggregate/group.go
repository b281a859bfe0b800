package aggregate

import (
	"sort"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/query"
)

type groupBucket struct {
	key  any
	docs []bson.D
}

// stageGroup implements $group: documents are bucketed by the
// evaluated _id expression (preserving first-seen bucket order, since
// SQLite's GROUP BY has no defined output order either), then each
// accumulator field is folded over its bucket's documents.
func stageGroup(docs []bson.D, arg any) ([]bson.D, error) {
	spec, ok := arg.(bson.D)
	if !ok {
		return nil, errors.Wrap(ErrValidation, "$group requires a document")
	}
	var idExpr any
	var accumulators bson.D
	sawID := false
	for _, e := range spec {
		if e.Key == "_id" {
			idExpr = e.Value
			sawID = true
			continue
		}
		accumulators = append(accumulators, e)
	}
	if !sawID {
		return nil, errors.Wrap(ErrValidation, "$group requires an _id expression")
	}

	var order []string
	buckets := map[string]*groupBucket{}
	for _, d := range docs {
		key, err := evalExpr(idExpr, d)
		if err != nil {
			return nil, err
		}
		k := groupKeyString(key)
		b, ok := buckets[k]
		if !ok {
			b = &groupBucket{key: key}
			buckets[k] = b
			order = append(order, k)
		}
		b.docs = append(b.docs, d)
	}

	out := make([]bson.D, 0, len(order))
	for _, k := range order {
		b := buckets[k]
		result := bson.D{{Key: "_id", Value: b.key}}
		for _, acc := range accumulators {
			v, err := evalAccumulator(acc.Value, b.docs)
			if err != nil {
				return nil, err
			}
			result = append(result, bson.E{Key: acc.Key, Value: v})
		}
		out = append(out, result)
	}
	return out, nil
}

func groupKeyString(v any) string {
	j, err := toExtJSON(bson.D{{Key: "k", Value: v}})
	if err != nil {
		return ""
	}
	return j
}

func evalAccumulator(spec any, docs []bson.D) (any, error) {
	d, ok := spec.(bson.D)
	if !ok || len(d) != 1 {
		return nil, errors.Wrap(ErrValidation, "accumulator must be a single-field document")
	}
	op, expr := d[0].Key, d[0].Value
	switch op {
	case "$sum":
		var total float64
		isInt := true
		for _, doc := range docs {
			v, err := evalExpr(expr, doc)
			if err != nil {
				return nil, err
			}
			switch n := v.(type) {
			case int32:
				total += float64(n)
			case int64:
				total += float64(n)
			case float64:
				total += n
				isInt = false
			}
		}
		if isInt {
			return int64(total), nil
		}
		return total, nil
	case "$avg":
		var total float64
		var n int
		for _, doc := range docs {
			v, err := evalExpr(expr, doc)
			if err != nil {
				return nil, err
			}
			f, ok := toNumeric(v)
			if ok {
				total += f
				n++
			}
		}
		if n == 0 {
			return nil, nil
		}
		return total / float64(n), nil
	case "$min":
		return foldCompare(expr, docs, func(cmp int) bool { return cmp < 0 })
	case "$max":
		return foldCompare(expr, docs, func(cmp int) bool { return cmp > 0 })
	case "$first":
		if len(docs) == 0 {
			return nil, nil
		}
		return evalExpr(expr, docs[0])
	case "$last":
		if len(docs) == 0 {
			return nil, nil
		}
		return evalExpr(expr, docs[len(docs)-1])
	case "$push":
		out := make(bson.A, 0, len(docs))
		for _, doc := range docs {
			v, err := evalExpr(expr, doc)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case "$addToSet":
		var out bson.A
		seen := map[string]bool{}
		for _, doc := range docs {
			v, err := evalExpr(expr, doc)
			if err != nil {
				return nil, err
			}
			k := groupKeyString(v)
			if !seen[k] {
				seen[k] = true
				out = append(out, v)
			}
		}
		return out, nil
	case "$count":
		return int64(len(docs)), nil
	default:
		return nil, errors.Wrapf(ErrValidation, "unsupported accumulator %q", op)
	}
}

func toNumeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func foldCompare(expr any, docs []bson.D, keep func(cmp int) bool) (any, error) {
	var best any
	have := false
	for _, doc := range docs {
		v, err := evalExpr(expr, doc)
		if err != nil {
			return nil, err
		}
		if !have {
			best = v
			have = true
			continue
		}
		if keep(query.CompareBSON(v, best)) {
			best = v
		}
	}
	return best, nil
}

// groupSortStable sorts bucket keys lexically. Nothing in this package
// calls it; $group itself keeps first-seen bucket order.
func groupSortStable(keys []string) {
	sort.Strings(keys)
}
