package query

import (
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Lookup0 resolves a dotted field path against a document, descending
// into nested documents and, when a path segment parses as an integer,
// into arrays by index. It is the in-memory counterpart to the SQL
// json_extract path built by jsonPath, used by aggregation stages that
// run after the pipeline has left the backend.
func Lookup0(d bson.D, path string) (any, bool) {
	var cur any = d
	for _, part := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case bson.D:
			val, ok := lookupKey(v, part)
			if !ok {
				return nil, false
			}
			cur = val
		case bson.A:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		case bson.M:
			val, ok := v[part]
			if !ok {
				return nil, false
			}
			cur = val
		default:
			return nil, false
		}
	}
	return cur, true
}

func lookupKey(d bson.D, key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// ToDirection interprets a $sort value as ascending (1) or descending
// (-1). Non-numeric values (e.g. {$meta: "textScore"}) default to
// ascending, matching the fallback for sort keys this translator does
// not special-case.
func ToDirection(v any) (int, bool) {
	n, ok := ToInt(v)
	if !ok {
		return 1, false
	}
	if n < 0 {
		return -1, true
	}
	return 1, true
}

// ToInt coerces a BSON numeric value to an int, as used by $limit,
// $skip and sort direction.
func ToInt(v any) (int, bool) {
	switch n := v.(type) {
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
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

// bsonTypeOrder mirrors the MongoDB BSON comparison order used to rank
// values of different types against each other.
func bsonTypeOrder(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64, int32, int64:
		return 1
	case string:
		return 2
	case bson.D, bson.M:
		return 3
	case bson.A:
		return 4
	case bool:
		return 5
	case bson.DateTime:
		return 6
	case bson.ObjectID:
		return 7
	default:
		return 8
	}
}

// CompareBSON orders two BSON scalar values per MongoDB's type-then-value
// comparison rules, returning -1, 0 or 1. It is the in-memory analogue
// of SQLite's default json1 comparison used for $sort after a stage
// that can no longer be pushed to SQL.
func CompareBSON(a, b any) int {
	ta, tb := bsonTypeOrder(a), bsonTypeOrder(b)
	if ta != tb {
		if ta < tb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case float64, int32, int64:
		fa, _ := toFloat64(a)
		fb, _ := toFloat64(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case string:
		bv, _ := b.(string)
		return strings.Compare(av, bv)
	case bool:
		bv, _ := b.(bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	case bson.DateTime:
		bv, _ := b.(bson.DateTime)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case bson.ObjectID:
		bv, _ := b.(bson.ObjectID)
		return strings.Compare(av.Hex(), bv.Hex())
	default:
		return 0
	}
}

// MatchesInMemory evaluates a filter document against a single document
// without generating SQL, for pipeline stages downstream of a
// backend-pushed scan. It supports the operators CompileFilter supports
// except $type and $regex (with $options): a condition using one of
// those never matches here.
func MatchesInMemory(d bson.D, filter bson.D) bool {
	for _, f := range filter {
		if !matchField(d, f.Key, f.Value) {
			return false
		}
	}
	return true
}

func matchField(d bson.D, path string, value any) bool {
	switch path {
	case "$and":
		arr, _ := value.(bson.A)
		for _, sub := range arr {
			if sd, ok := sub.(bson.D); ok && !MatchesInMemory(d, sd) {
				return false
			}
		}
		return true
	case "$or":
		arr, _ := value.(bson.A)
		for _, sub := range arr {
			if sd, ok := sub.(bson.D); ok && MatchesInMemory(d, sd) {
				return true
			}
		}
		return len(arr) == 0
	case "$nor":
		arr, _ := value.(bson.A)
		for _, sub := range arr {
			if sd, ok := sub.(bson.D); ok && MatchesInMemory(d, sd) {
				return false
			}
		}
		return true
	case "$text":
		return true
	}

	actual, exists := Lookup0(d, path)
	doc, isOperatorDoc := value.(bson.D)
	if !isOperatorDoc || !looksLikeOperatorDoc(doc) {
		return exists && CompareBSON(actual, value) == 0
	}
	for _, op := range doc {
		if !matchOperator(d, path, actual, exists, op.Key, op.Value) {
			return false
		}
	}
	return true
}

func matchOperator(d bson.D, path string, actual any, exists bool, op string, value any) bool {
	switch op {
	case "$eq":
		return exists && CompareBSON(actual, value) == 0
	case "$ne":
		return !exists || CompareBSON(actual, value) != 0
	case "$gt":
		return exists && CompareBSON(actual, value) > 0
	case "$gte":
		return exists && CompareBSON(actual, value) >= 0
	case "$lt":
		return exists && CompareBSON(actual, value) < 0
	case "$lte":
		return exists && CompareBSON(actual, value) <= 0
	case "$in":
		arr, _ := value.(bson.A)
		for _, v := range arr {
			if exists && CompareBSON(actual, v) == 0 {
				return true
			}
		}
		return false
	case "$nin":
		arr, _ := value.(bson.A)
		for _, v := range arr {
			if exists && CompareBSON(actual, v) == 0 {
				return false
			}
		}
		return true
	case "$exists":
		want, _ := value.(bool)
		return exists == want
	case "$size":
		arr, ok := actual.(bson.A)
		n, _ := ToInt(value)
		return ok && len(arr) == n
	case "$all":
		arr, _ := value.(bson.A)
		have, ok := actual.(bson.A)
		if !ok {
			return false
		}
		for _, want := range arr {
			found := false
			for _, h := range have {
				if CompareBSON(h, want) == 0 {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case "$elemMatch":
		sub, ok := value.(bson.D)
		arr, isArr := actual.(bson.A)
		if !ok || !isArr {
			return false
		}
		for _, elem := range arr {
			ed, ok := elem.(bson.D)
			if !ok {
				continue
			}
			if MatchesInMemory(ed, sub) {
				return true
			}
		}
		return false
	case "$not":
		sub, ok := value.(bson.D)
		if !ok {
			return false
		}
		for _, o := range sub {
			if !matchOperator(d, path, actual, exists, o.Key, o.Value) {
				return true
			}
		}
		return false
	case "$type", "$regex", "$options":
		// Type/regex matching against the in-memory stream is a rarer
		// post-$match-stage path; treated as non-matching rather than
		// guessing at semantics it cannot fully reproduce without the
		// backend's collation.
		return false
	default:
		return false
	}
}
