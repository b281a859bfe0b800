package aggregate

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/query"
)

// evalExpr evaluates an aggregation expression (a $-prefixed operator
// document, a "$field" path reference, or a literal) against doc. It
// covers the arithmetic, string, conditional and array operators used
// by $project, $addFields and $group accumulator arguments.
func evalExpr(expr any, doc bson.D) (any, error) {
	switch e := expr.(type) {
	case string:
		if strings.HasPrefix(e, "$$") {
			return evalSystemVar(e, doc)
		}
		if strings.HasPrefix(e, "$") {
			v, _ := query.Lookup0(doc, strings.TrimPrefix(e, "$"))
			return v, nil
		}
		return e, nil
	case bson.D:
		if len(e) == 1 && strings.HasPrefix(e[0].Key, "$") {
			return evalOperator(e[0].Key, e[0].Value, doc)
		}
		// Literal document: evaluate each field as a sub-expression.
		out := make(bson.D, 0, len(e))
		for _, f := range e {
			v, err := evalExpr(f.Value, doc)
			if err != nil {
				return nil, err
			}
			out = append(out, bson.E{Key: f.Key, Value: v})
		}
		return out, nil
	case bson.A:
		out := make(bson.A, len(e))
		for i, item := range e {
			v, err := evalExpr(item, doc)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return e, nil
	}
}

func evalSystemVar(name string, doc bson.D) (any, error) {
	switch name {
	case "$$ROOT":
		return doc, nil
	case "$$CURRENT":
		return doc, nil
	default:
		return nil, nil
	}
}

func args(value any) []any {
	if arr, ok := value.(bson.A); ok {
		out := make([]any, len(arr))
		copy(out, arr)
		return out
	}
	return []any{value}
}

func evalOperator(op string, value any, doc bson.D) (any, error) {
	switch op {
	case "$literal":
		return value, nil
	case "$toUpper":
		s, err := evalString(value, doc)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	case "$toLower":
		s, err := evalString(value, doc)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	case "$concat":
		var b strings.Builder
		for _, a := range args(value) {
			s, err := evalString(a, doc)
			if err != nil {
				return nil, err
			}
			b.WriteString(s)
		}
		return b.String(), nil
	case "$strLenCP":
		s, err := evalString(value, doc)
		if err != nil {
			return nil, err
		}
		return int64(len([]rune(s))), nil
	case "$substrCP":
		a := args(value)
		if len(a) != 3 {
			return nil, errors.Wrap(ErrValidation, "$substrCP requires 3 arguments")
		}
		s, err := evalString(a[0], doc)
		if err != nil {
			return nil, err
		}
		start, err := evalInt(a[1], doc)
		if err != nil {
			return nil, err
		}
		length, err := evalInt(a[2], doc)
		if err != nil {
			return nil, err
		}
		runes := []rune(s)
		if start < 0 || start > len(runes) {
			return "", nil
		}
		end := start + length
		if end > len(runes) {
			end = len(runes)
		}
		return string(runes[start:end]), nil
	case "$add":
		return foldNumeric(value, doc, 0, func(a, b float64) float64 { return a + b })
	case "$subtract":
		a := args(value)
		if len(a) != 2 {
			return nil, errors.Wrap(ErrValidation, "$subtract requires 2 arguments")
		}
		x, err := evalFloat(a[0], doc)
		if err != nil {
			return nil, err
		}
		y, err := evalFloat(a[1], doc)
		if err != nil {
			return nil, err
		}
		return x - y, nil
	case "$multiply":
		return foldNumeric(value, doc, 1, func(a, b float64) float64 { return a * b })
	case "$divide":
		a := args(value)
		if len(a) != 2 {
			return nil, errors.Wrap(ErrValidation, "$divide requires 2 arguments")
		}
		x, err := evalFloat(a[0], doc)
		if err != nil {
			return nil, err
		}
		y, err := evalFloat(a[1], doc)
		if err != nil {
			return nil, err
		}
		if y == 0 {
			return nil, errors.Wrap(ErrValidation, "$divide by zero")
		}
		return x / y, nil
	case "$cond":
		return evalCond(value, doc)
	case "$ifNull":
		a := args(value)
		for i, item := range a {
			v, err := evalExpr(item, doc)
			if err != nil {
				return nil, err
			}
			if v != nil || i == len(a)-1 {
				return v, nil
			}
		}
		return nil, nil
	case "$eq", "$ne", "$gt", "$gte", "$lt", "$lte":
		return evalComparison(op, value, doc)
	case "$and":
		for _, a := range args(value) {
			v, err := evalExpr(a, doc)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil
	case "$or":
		for _, a := range args(value) {
			v, err := evalExpr(a, doc)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil
	case "$not":
		v, err := evalExpr(firstArg(value), doc)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case "$size":
		v, err := evalExpr(firstArg(value), doc)
		if err != nil {
			return nil, err
		}
		arr, ok := v.(bson.A)
		if !ok {
			return nil, errors.Wrap(ErrValidation, "$size requires an array")
		}
		return int64(len(arr)), nil
	case "$arrayElemAt":
		a := args(value)
		if len(a) != 2 {
			return nil, errors.Wrap(ErrValidation, "$arrayElemAt requires 2 arguments")
		}
		v, err := evalExpr(a[0], doc)
		if err != nil {
			return nil, err
		}
		arr, ok := v.(bson.A)
		if !ok {
			return nil, errors.Wrap(ErrValidation, "$arrayElemAt requires an array")
		}
		idx, err := evalInt(a[1], doc)
		if err != nil {
			return nil, err
		}
		if idx < 0 {
			idx += len(arr)
		}
		if idx < 0 || idx >= len(arr) {
			return nil, nil
		}
		return arr[idx], nil
	case "$concatArrays":
		var out bson.A
		for _, a := range args(value) {
			v, err := evalExpr(a, doc)
			if err != nil {
				return nil, err
			}
			arr, ok := v.(bson.A)
			if !ok {
				return nil, errors.Wrap(ErrValidation, "$concatArrays requires arrays")
			}
			out = append(out, arr...)
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrValidation, "unsupported expression operator %q", op)
	}
}

func firstArg(value any) any {
	if arr, ok := value.(bson.A); ok && len(arr) > 0 {
		return arr[0]
	}
	return value
}

func evalString(value any, doc bson.D) (string, error) {
	v, err := evalExpr(value, doc)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v), nil
	}
	return s, nil
}

func evalFloat(value any, doc bson.D) (float64, error) {
	v, err := evalExpr(value, doc)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, errors.Wrap(ErrValidation, "expected a numeric value")
	}
}

func evalInt(value any, doc bson.D) (int, error) {
	f, err := evalFloat(value, doc)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func foldNumeric(value any, doc bson.D, init float64, fn func(a, b float64) float64) (float64, error) {
	acc := init
	for _, a := range args(value) {
		f, err := evalFloat(a, doc)
		if err != nil {
			return 0, err
		}
		acc = fn(acc, f)
	}
	return acc, nil
}

func evalCond(value any, doc bson.D) (any, error) {
	var ifExpr, thenExpr, elseExpr any
	switch v := value.(type) {
	case bson.A:
		if len(v) != 3 {
			return nil, errors.Wrap(ErrValidation, "$cond array form requires 3 arguments")
		}
		ifExpr, thenExpr, elseExpr = v[0], v[1], v[2]
	case bson.D:
		for _, e := range v {
			switch e.Key {
			case "if":
				ifExpr = e.Value
			case "then":
				thenExpr = e.Value
			case "else":
				elseExpr = e.Value
			}
		}
	default:
		return nil, errors.Wrap(ErrValidation, "$cond requires an array or document")
	}
	cond, err := evalExpr(ifExpr, doc)
	if err != nil {
		return nil, err
	}
	if truthy(cond) {
		return evalExpr(thenExpr, doc)
	}
	return evalExpr(elseExpr, doc)
}

func evalComparison(op string, value any, doc bson.D) (any, error) {
	a := args(value)
	if len(a) != 2 {
		return nil, errors.Wrapf(ErrValidation, "%s requires 2 arguments", op)
	}
	x, err := evalExpr(a[0], doc)
	if err != nil {
		return nil, err
	}
	y, err := evalExpr(a[1], doc)
	if err != nil {
		return nil, err
	}
	cmp := query.CompareBSON(x, y)
	switch op {
	case "$eq":
		return cmp == 0, nil
	case "$ne":
		return cmp != 0, nil
	case "$gt":
		return cmp > 0, nil
	case "$gte":
		return cmp >= 0, nil
	case "$lt":
		return cmp < 0, nil
	case "$lte":
		return cmp <= 0, nil
	}
	return nil, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int32:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
