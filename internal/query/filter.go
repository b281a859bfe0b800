// Package query translates MongoDB filter and update documents into a
// form a relational engine can execute: filters become a parameterized
// SQL predicate over a JSON document column, and updates become a pure
// function computing the new document.
package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrBadValue mirrors the command-level BadValue error for malformed
// filter/update documents.
var ErrBadValue = errors.New("query: bad value")

// Predicate is a compiled SQL WHERE fragment plus its bound parameters,
// in the order they appear in the fragment. SQL text never contains a
// user-supplied literal; every value a caller provided is carried here
// instead.
type Predicate struct {
	SQL    string
	Params []any
}

// jsonPath turns a dotted Mongo field path into a SQLite json_extract
// path expression, e.g. "a.b.0" -> "$.a.b[0]".
func jsonPath(path string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, part := range strings.Split(path, ".") {
		if n, err := strconv.Atoi(part); err == nil {
			b.WriteString("[")
			b.WriteString(strconv.Itoa(n))
			b.WriteString("]")
			continue
		}
		b.WriteString(".")
		b.WriteString(part)
	}
	return b.String()
}

func extract(path string) string {
	return fmt.Sprintf("json_extract(doc, %s)", quoteSQLString(jsonPath(path)))
}

func quoteSQLString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// CompileFilter translates a filter document into a Predicate. An empty
// filter compiles to the always-true predicate "1=1".
func CompileFilter(filter bson.D) (Predicate, error) {
	if len(filter) == 0 {
		return Predicate{SQL: "1=1"}, nil
	}
	return compileAnd(filter)
}

func compileAnd(fields bson.D) (Predicate, error) {
	var parts []string
	var params []any
	for _, f := range fields {
		p, err := compileField(f.Key, f.Value)
		if err != nil {
			return Predicate{}, err
		}
		parts = append(parts, p.SQL)
		params = append(params, p.Params...)
	}
	return combine("AND", parts, params), nil
}

func combine(op string, parts []string, params []any) Predicate {
	if len(parts) == 0 {
		return Predicate{SQL: "1=1"}
	}
	if len(parts) == 1 {
		return Predicate{SQL: parts[0], Params: params}
	}
	return Predicate{SQL: "(" + strings.Join(parts, " "+op+" ") + ")", Params: params}
}

func compileField(path string, value any) (Predicate, error) {
	switch path {
	case "$and":
		return compileLogicalArray("AND", value)
	case "$or":
		return compileLogicalArray("OR", value)
	case "$nor":
		p, err := compileLogicalArray("OR", value)
		if err != nil {
			return Predicate{}, err
		}
		return Predicate{SQL: "NOT " + p.SQL, Params: p.Params}, nil
	case "$text":
		// Compiles to the always-true predicate; this package neither
		// validates the $text argument nor generates SQL for it.
		return Predicate{SQL: "1=1"}, nil
	}

	doc, isOperatorDoc := value.(bson.D)
	if !isOperatorDoc || !looksLikeOperatorDoc(doc) {
		return equalityPredicate(path, value), nil
	}
	return compileOperators(path, doc)
}

func looksLikeOperatorDoc(doc bson.D) bool {
	if len(doc) == 0 {
		return false
	}
	for _, e := range doc {
		if !strings.HasPrefix(e.Key, "$") {
			return false
		}
	}
	return true
}

func compileLogicalArray(op string, value any) (Predicate, error) {
	arr, ok := value.(bson.A)
	if !ok {
		return Predicate{}, errors.Wrapf(ErrBadValue, "%s requires an array", op)
	}
	var parts []string
	var params []any
	for _, elem := range arr {
		sub, ok := elem.(bson.D)
		if !ok {
			return Predicate{}, errors.Wrapf(ErrBadValue, "%s element must be a document", op)
		}
		p, err := compileAnd(sub)
		if err != nil {
			return Predicate{}, err
		}
		parts = append(parts, p.SQL)
		params = append(params, p.Params...)
	}
	return combine(op, parts, params), nil
}

func equalityPredicate(path string, value any) Predicate {
	return Predicate{SQL: extract(path) + " = ?", Params: []any{encodeScalar(value)}}
}

func compileOperators(path string, ops bson.D) (Predicate, error) {
	var parts []string
	var params []any
	for _, op := range ops {
		p, err := compileOperator(path, extract(path), op.Key, op.Value)
		if err != nil {
			return Predicate{}, err
		}
		parts = append(parts, p.SQL)
		params = append(params, p.Params...)
	}
	return combine("AND", parts, params), nil
}

// compileOperator translates one operator against col, the SQL
// expression extracting the field's value (either json_extract(doc, …)
// for a top-level path, or json_extract(value, …) for an $elemMatch
// array element). path is still needed by operators ($type, $size,
// $all) that must reach into json1 functions taking a path argument
// rather than an already-extracted value.
func compileOperator(path, col, op string, value any) (Predicate, error) {
	switch op {
	case "$eq":
		return Predicate{SQL: col + " = ?", Params: []any{encodeScalar(value)}}, nil
	case "$ne":
		return Predicate{SQL: "(" + col + " IS NULL OR " + col + " != ?)", Params: []any{encodeScalar(value)}}, nil
	case "$gt":
		return Predicate{SQL: col + " > ?", Params: []any{encodeScalar(value)}}, nil
	case "$gte":
		return Predicate{SQL: col + " >= ?", Params: []any{encodeScalar(value)}}, nil
	case "$lt":
		return Predicate{SQL: col + " < ?", Params: []any{encodeScalar(value)}}, nil
	case "$lte":
		return Predicate{SQL: col + " <= ?", Params: []any{encodeScalar(value)}}, nil
	case "$in":
		return inPredicate(col, value, false)
	case "$nin":
		return inPredicate(col, value, true)
	case "$exists":
		want, _ := value.(bool)
		if want {
			return Predicate{SQL: col + " IS NOT NULL"}, nil
		}
		return Predicate{SQL: col + " IS NULL"}, nil
	case "$type":
		return Predicate{SQL: "json_type(doc, ?) = ?", Params: []any{jsonPath(path), bsonTypeAlias(value)}}, nil
	case "$regex":
		pattern, _ := value.(string)
		return Predicate{SQL: col + " REGEXP ?", Params: []any{pattern}}, nil
	case "$options":
		// Consumed together with $regex by the caller; standalone it is
		// a no-op predicate.
		return Predicate{SQL: "1=1"}, nil
	case "$size":
		return Predicate{SQL: "json_array_length(doc, ?) = ?", Params: []any{jsonPath(path), value}}, nil
	case "$all":
		return allPredicate(path, value)
	case "$elemMatch":
		return elemMatchPredicate(path, value)
	case "$not":
		sub, ok := value.(bson.D)
		if !ok {
			return Predicate{}, errors.Wrap(ErrBadValue, "$not requires a document")
		}
		p, err := compileOperators(path, sub)
		if err != nil {
			return Predicate{}, err
		}
		return Predicate{SQL: "NOT " + p.SQL, Params: p.Params}, nil
	default:
		return Predicate{}, errors.Wrapf(ErrBadValue, "unsupported operator %q", op)
	}
}

func inPredicate(col string, value any, negate bool) (Predicate, error) {
	arr, ok := value.(bson.A)
	if !ok {
		return Predicate{}, errors.Wrap(ErrBadValue, "$in/$nin requires an array")
	}
	placeholders := make([]string, len(arr))
	params := make([]any, len(arr))
	for i, v := range arr {
		placeholders[i] = "?"
		params[i] = encodeScalar(v)
	}
	op := "IN"
	if negate {
		op = "NOT IN"
	}
	if len(placeholders) == 0 {
		if negate {
			return Predicate{SQL: "1=1"}, nil
		}
		return Predicate{SQL: "1=0"}, nil
	}
	return Predicate{SQL: fmt.Sprintf("%s %s (%s)", col, op, strings.Join(placeholders, ", ")), Params: params}, nil
}

func allPredicate(path string, value any) (Predicate, error) {
	arr, ok := value.(bson.A)
	if !ok {
		return Predicate{}, errors.Wrap(ErrBadValue, "$all requires an array")
	}
	var parts []string
	var params []any
	for _, v := range arr {
		parts = append(parts, "EXISTS (SELECT 1 FROM json_each(doc, ?) WHERE value = ?)")
		params = append(params, jsonPath(path), encodeScalar(v))
	}
	return combine("AND", parts, params), nil
}

func elemMatchPredicate(path string, value any) (Predicate, error) {
	sub, ok := value.(bson.D)
	if !ok {
		return Predicate{}, errors.Wrap(ErrBadValue, "$elemMatch requires a document")
	}
	// Each clause in sub is evaluated against array elements by
	// rewriting json_each's synthetic "value" pseudo-column in place of
	// json_extract(doc, path.field); nested element paths are joined
	// with a dot onto "value".
	var parts []string
	var params []any
	for _, f := range sub {
		col := fmt.Sprintf("json_extract(value, %s)", quoteSQLString(jsonPath(f.Key)))
		if !strings.HasPrefix(f.Key, "$") {
			p, err := compileScalarAgainst(col, f.Value)
			if err != nil {
				return Predicate{}, err
			}
			parts = append(parts, p.SQL)
			params = append(params, p.Params...)
		}
	}
	clause := combine("AND", parts, params)
	return Predicate{
		SQL:    fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(doc, %s) WHERE %s)", quoteSQLString(jsonPath(path)), clause.SQL),
		Params: clause.Params,
	}, nil
}

func compileScalarAgainst(col string, value any) (Predicate, error) {
	if doc, ok := value.(bson.D); ok && looksLikeOperatorDoc(doc) {
		var parts []string
		var params []any
		for _, op := range doc {
			// "" as path: only $eq/$ne/$gt/.../$regex reach here in
			// practice, none of which need a json1 path argument — they
			// operate purely on col, the value already extracted by the
			// caller's json_each.
			p, err := compileOperator("", col, op.Key, op.Value)
			if err != nil {
				return Predicate{}, err
			}
			parts = append(parts, p.SQL)
			params = append(params, p.Params...)
		}
		return combine("AND", parts, params), nil
	}
	return Predicate{SQL: col + " = ?", Params: []any{encodeScalar(value)}}, nil
}

// encodeScalar converts a BSON scalar into the Go value SQLite's json1
// functions will compare equal to a json_extract result.
func encodeScalar(v any) any {
	switch t := v.(type) {
	case bson.ObjectID:
		return t.Hex()
	case bson.DateTime:
		return int64(t)
	default:
		return v
	}
}

var typeAliases = map[string]string{
	"double": "real", "string": "text", "object": "object", "array": "array",
	"bool": "boolean", "null": "null", "int": "integer", "long": "integer",
}

func bsonTypeAlias(v any) string {
	if s, ok := v.(string); ok {
		if alias, ok := typeAliases[s]; ok {
			return alias
		}
		return s
	}
	return "object"
}
