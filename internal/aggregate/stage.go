package aggregate

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/query"
)

func toExtJSON(doc bson.D) (string, error) {
	b, err := bson.MarshalExtJSON(doc, true, false)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromExtJSON(j string) (bson.D, error) {
	var out bson.D
	if err := bson.UnmarshalExtJSON([]byte(j), true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func stageMatch(docs []bson.D, arg any) ([]bson.D, error) {
	filter, ok := arg.(bson.D)
	if !ok {
		return nil, errors.Wrap(ErrValidation, "$match requires a document")
	}
	if len(filter) == 0 {
		return docs, nil
	}
	matcher, err := newInMemoryMatcher(filter)
	if err != nil {
		return nil, err
	}
	out := make([]bson.D, 0, len(docs))
	for _, d := range docs {
		if matcher(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// projectKind classifies a $project document as inclusion or exclusion,
// rejecting a mix of the two (aside from _id, which may be excluded in
// an otherwise-inclusion projection).
type projectKind int

const (
	projectInclude projectKind = iota
	projectExclude
)

func classifyProject(spec bson.D) (projectKind, error) {
	sawInclude, sawExclude := false, false
	for _, e := range spec {
		if e.Key == "_id" {
			continue
		}
		if isExclusionValue(e.Value) {
			sawExclude = true
		} else {
			sawInclude = true
		}
	}
	switch {
	case sawInclude && sawExclude:
		return 0, errors.Wrap(ErrValidation, "$project cannot mix inclusion and exclusion")
	case sawExclude:
		return projectExclude, nil
	default:
		return projectInclude, nil
	}
}

func isExclusionValue(v any) bool {
	switch n := v.(type) {
	case int32:
		return n == 0
	case int64:
		return n == 0
	case float64:
		return n == 0
	case bool:
		return !n
	default:
		return false
	}
}

func stageProject(docs []bson.D, arg any) ([]bson.D, error) {
	spec, ok := arg.(bson.D)
	if !ok {
		return nil, errors.Wrap(ErrValidation, "$project requires a document")
	}
	kind, err := classifyProject(spec)
	if err != nil {
		return nil, err
	}
	out := make([]bson.D, len(docs))
	for i, d := range docs {
		j, err := toExtJSON(d)
		if err != nil {
			return nil, err
		}
		if kind == projectExclude {
			for _, e := range spec {
				if isExclusionValue(e.Value) {
					j, err = sjson.Delete(j, e.Key)
					if err != nil {
						return nil, err
					}
				}
			}
			pd, err := fromExtJSON(j)
			if err != nil {
				return nil, err
			}
			out[i] = pd
			continue
		}

		// Inclusion: start from _id (unless explicitly excluded) and add
		// each included/computed field.
		var result bson.D
		if id, ok := query.Lookup0(d, "_id"); ok && !fieldExplicitlyExcluded(spec, "_id") {
			result = bson.D{{Key: "_id", Value: id}}
		}
		for _, e := range spec {
			if e.Key == "_id" {
				continue
			}
			if isExclusionValue(e.Value) {
				continue
			}
			if isComputedExpr(e.Value) {
				v, err := evalExpr(e.Value, d)
				if err != nil {
					return nil, err
				}
				result = append(result, bson.E{Key: e.Key, Value: v})
				continue
			}
			res := gjson.Get(j, e.Key)
			if res.Exists() {
				v, err := rawToValue(res.Raw)
				if err != nil {
					return nil, err
				}
				result = append(result, bson.E{Key: e.Key, Value: v})
			}
		}
		out[i] = result
	}
	return out, nil
}

func fieldExplicitlyExcluded(spec bson.D, key string) bool {
	for _, e := range spec {
		if e.Key == key {
			return isExclusionValue(e.Value)
		}
	}
	return false
}

func rawToValue(raw string) (any, error) {
	d, err := fromExtJSON(`{"v":` + raw + `}`)
	if err != nil {
		return nil, err
	}
	v, _ := query.Lookup0(d, "v")
	return v, nil
}

func isComputedExpr(v any) bool {
	d, ok := v.(bson.D)
	if !ok {
		return false
	}
	for _, e := range d {
		if strings.HasPrefix(e.Key, "$") {
			return true
		}
	}
	return false
}

func stageAddFields(docs []bson.D, arg any) ([]bson.D, error) {
	spec, ok := arg.(bson.D)
	if !ok {
		return nil, errors.Wrap(ErrValidation, "$addFields requires a document")
	}
	out := make([]bson.D, len(docs))
	for i, d := range docs {
		nd := append(bson.D{}, d...)
		for _, e := range spec {
			var v any
			var err error
			if isComputedExpr(e.Value) {
				v, err = evalExpr(e.Value, d)
				if err != nil {
					return nil, err
				}
			} else {
				v = e.Value
			}
			nd = setField(nd, e.Key, v)
		}
		out[i] = nd
	}
	return out, nil
}

func setField(d bson.D, key string, value any) bson.D {
	for i, e := range d {
		if e.Key == key {
			d[i].Value = value
			return d
		}
	}
	return append(d, bson.E{Key: key, Value: value})
}

func stageUnset(docs []bson.D, arg any) ([]bson.D, error) {
	var fields []string
	switch v := arg.(type) {
	case string:
		fields = []string{v}
	case bson.A:
		for _, f := range v {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
	default:
		return nil, errors.Wrap(ErrValidation, "$unset requires a string or array of strings")
	}
	out := make([]bson.D, len(docs))
	for i, d := range docs {
		nd := make(bson.D, 0, len(d))
		for _, e := range d {
			skip := false
			for _, f := range fields {
				if f == e.Key {
					skip = true
					break
				}
			}
			if !skip {
				nd = append(nd, e)
			}
		}
		out[i] = nd
	}
	return out, nil
}

// SortDocs exposes the $sort stage's comparator to backend implementations
// that need to order a document slice by a find()-style sort spec outside
// of a pipeline (e.g. the SQLite backend's Find).
func SortDocs(docs []bson.D, spec bson.D) ([]bson.D, error) {
	return stageSort(docs, spec)
}

func stageSort(docs []bson.D, arg any) ([]bson.D, error) {
	spec, ok := arg.(bson.D)
	if !ok {
		return nil, errors.Wrap(ErrValidation, "$sort requires a document")
	}
	out := append([]bson.D{}, docs...)
	sort.SliceStable(out, func(i, j int) bool {
		for _, e := range spec {
			dir, _ := query.ToDirection(e.Value)
			a, _ := query.Lookup0(out[i], e.Key)
			b, _ := query.Lookup0(out[j], e.Key)
			cmp := query.CompareBSON(a, b)
			if cmp == 0 {
				continue
			}
			if dir < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return out, nil
}

func stageLimit(docs []bson.D, arg any) ([]bson.D, error) {
	n, ok := query.ToInt(arg)
	if !ok || n < 0 {
		return nil, errors.Wrap(ErrValidation, "$limit requires a non-negative number")
	}
	if n > len(docs) {
		n = len(docs)
	}
	return docs[:n], nil
}

func stageSkip(docs []bson.D, arg any) ([]bson.D, error) {
	n, ok := query.ToInt(arg)
	if !ok || n < 0 {
		return nil, errors.Wrap(ErrValidation, "$skip requires a non-negative number")
	}
	if n > len(docs) {
		n = len(docs)
	}
	return docs[n:], nil
}

func stageCount(docs []bson.D, arg any) ([]bson.D, error) {
	field, ok := arg.(string)
	if !ok || field == "" {
		return nil, errors.Wrap(ErrValidation, "$count requires a non-empty field name string")
	}
	return []bson.D{{{Key: field, Value: int64(len(docs))}}}, nil
}

func stageUnwind(docs []bson.D, arg any) ([]bson.D, error) {
	var path string
	preserveEmpty := false
	includeArrayIndex := ""
	switch v := arg.(type) {
	case string:
		path = strings.TrimPrefix(v, "$")
	case bson.D:
		for _, e := range v {
			switch e.Key {
			case "path":
				if s, ok := e.Value.(string); ok {
					path = strings.TrimPrefix(s, "$")
				}
			case "preserveNullAndEmptyArrays":
				preserveEmpty, _ = e.Value.(bool)
			case "includeArrayIndex":
				includeArrayIndex, _ = e.Value.(string)
			}
		}
	default:
		return nil, errors.Wrap(ErrValidation, "$unwind requires a string or document")
	}
	if path == "" {
		return nil, errors.Wrap(ErrValidation, "$unwind requires a path")
	}

	var out []bson.D
	for _, d := range docs {
		v, ok := query.Lookup0(d, path)
		arr, isArray := v.(bson.A)
		if !ok || !isArray || len(arr) == 0 {
			if preserveEmpty {
				nd := append(bson.D{}, d...)
				if !ok {
					out = append(out, nd)
					continue
				}
				nd = setField(nd, path, nil)
				out = append(out, nd)
			}
			continue
		}
		for idx, elem := range arr {
			nd := append(bson.D{}, d...)
			nd = setField(nd, path, elem)
			if includeArrayIndex != "" {
				nd = setField(nd, includeArrayIndex, int64(idx))
			}
			out = append(out, nd)
		}
	}
	return out, nil
}

func newInMemoryMatcher(filter bson.D) (func(bson.D) bool, error) {
	// Reuses the SQL predicate compiler purely for validation of operator
	// shape, then evaluates with a small in-memory interpreter: a leading
	// $match is handed to the backend as its scan filter before Execute is
	// even called; later $match stages run here.
	if _, err := query.CompileFilter(filter); err != nil {
		return nil, err
	}
	return func(d bson.D) bool { return query.MatchesInMemory(d, filter) }, nil
}
