package aggregate

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ftsMetacharacters is the set of FTS5 query-syntax characters that must
// be backslash-escaped wherever a user-supplied term lands inside the
// compiled MATCH expression.
const ftsMetacharacters = `&|()^~*:"`

func escapeFTSTerm(term string) string {
	var b strings.Builder
	for _, r := range term {
		if strings.ContainsRune(ftsMetacharacters, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SearchSpec is the compiled form of a $search stage: the MATCH
// expression to run against the collection's FTS5 companion table and
// whether the caller asked for a relevance score.
type SearchSpec struct {
	Index        string
	MatchExpr    string
	WantScore    bool
	Limit        int
}

func compileTextOperator(spec bson.D) (string, error) {
	var query, path string
	for _, e := range spec {
		switch e.Key {
		case "query":
			query, _ = e.Value.(string)
		case "path":
			path, _ = e.Value.(string)
		}
	}
	terms := strings.Fields(query)
	escaped := make([]string, len(terms))
	for i, t := range terms {
		escaped[i] = escapeFTSTerm(t)
		if path != "" {
			escaped[i] = path + ":" + escaped[i]
		}
	}
	return strings.Join(escaped, " "), nil
}

func compilePhraseOperator(spec bson.D) (string, error) {
	var query, path string
	for _, e := range spec {
		switch e.Key {
		case "query":
			query, _ = e.Value.(string)
		case "path":
			path, _ = e.Value.(string)
		}
	}
	escaped := escapeFTSTerm(query)
	expr := `"` + escaped + `"`
	if path != "" {
		return path + ":" + expr, nil
	}
	return expr, nil
}

func compileWildcardOperator(spec bson.D) (string, error) {
	var query, path string
	for _, e := range spec {
		switch e.Key {
		case "query":
			query, _ = e.Value.(string)
		case "path":
			path, _ = e.Value.(string)
		}
	}
	base := strings.TrimSuffix(query, "*")
	expr := escapeFTSTerm(base) + "*"
	if path != "" {
		return path + ":" + expr, nil
	}
	return expr, nil
}

func compileAutocompleteOperator(spec bson.D) (string, error) {
	var query, path, tokenOrder string
	for _, e := range spec {
		switch e.Key {
		case "query":
			query, _ = e.Value.(string)
		case "path":
			path, _ = e.Value.(string)
		case "tokenOrder":
			tokenOrder, _ = e.Value.(string)
		}
	}
	terms := strings.Fields(query)
	escaped := make([]string, len(terms))
	for i, t := range terms {
		escaped[i] = escapeFTSTerm(t) + "*"
	}
	// Per the retained open question on sequential autocomplete fidelity:
	// FTS5 has no prefix-inside-phrase syntax, so "sequential" degrades to
	// the same space-joined prefix terms as the unordered case rather than
	// inventing a wider (and incorrect) phrase-prefix semantics.
	_ = tokenOrder
	expr := strings.Join(escaped, " ")
	if path != "" {
		return path + ":" + expr, nil
	}
	return expr, nil
}

func compileCompoundOperator(spec bson.D) (string, error) {
	var must, should, mustNot, filter bson.A
	for _, e := range spec {
		switch e.Key {
		case "must":
			must, _ = e.Value.(bson.A)
		case "should":
			should, _ = e.Value.(bson.A)
		case "mustNot":
			mustNot, _ = e.Value.(bson.A)
		case "filter":
			filter, _ = e.Value.(bson.A)
		}
	}

	andClauses := append(append(bson.A{}, must...), filter...)
	andExpr, err := joinClauses(andClauses, "AND")
	if err != nil {
		return "", err
	}
	orExpr, err := joinClauses(should, "OR")
	if err != nil {
		return "", err
	}
	notExpr, err := joinClauses(mustNot, "OR")
	if err != nil {
		return "", err
	}

	var parts []string
	if andExpr != "" {
		parts = append(parts, andExpr)
	}
	if orExpr != "" {
		parts = append(parts, orExpr)
	}
	if notExpr != "" {
		parts = append(parts, "NOT "+notExpr)
	}
	if len(parts) == 0 {
		return "*", nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

func joinClauses(clauses bson.A, op string) (string, error) {
	var parts []string
	for _, c := range clauses {
		cd, ok := c.(bson.D)
		if !ok {
			return "", errors.Wrap(ErrValidation, "$search clause must be a document")
		}
		expr, err := compileSearchOperator(cd)
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	if len(parts) == 0 {
		return "", nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")", nil
}

func compileSearchOperator(tree bson.D) (string, error) {
	if len(tree) != 1 {
		return "", errors.Wrap(ErrValidation, "$search operator must have exactly one field")
	}
	op, value := tree[0].Key, tree[0].Value
	d, ok := value.(bson.D)
	if !ok {
		return "", errors.Wrapf(ErrValidation, "$search.%s requires a document", op)
	}
	switch op {
	case "text":
		return compileTextOperator(d)
	case "phrase":
		return compilePhraseOperator(d)
	case "wildcard":
		return compileWildcardOperator(d)
	case "autocomplete":
		return compileAutocompleteOperator(d)
	case "compound":
		return compileCompoundOperator(d)
	default:
		return "", errors.Wrapf(ErrValidation, "unsupported $search operator %q", op)
	}
}

// CompileSearchSpec translates a $search stage argument into a
// SearchSpec. It is exported so callers outside the stage engine (such
// as backend tests) can compile a $search argument directly.
func CompileSearchSpec(arg any) (SearchSpec, error) {
	d, ok := arg.(bson.D)
	if !ok {
		return SearchSpec{}, errors.Wrap(ErrValidation, "$search requires a document")
	}
	var index string
	wantScore := false
	var opTree bson.D
	for _, e := range d {
		switch e.Key {
		case "index":
			index, _ = e.Value.(string)
		case "returnStoredSource":
			// accepted, not modeled separately: the backend always returns
			// the stored document.
		case "scoreDetails":
			wantScore, _ = e.Value.(bool)
		default:
			opTree = append(opTree, e)
		}
	}
	expr, err := compileSearchOperator(opTree)
	if err != nil {
		return SearchSpec{}, err
	}
	return SearchSpec{Index: index, MatchExpr: expr, WantScore: wantScore}, nil
}

func stageSearch(ctx context.Context, env Env, arg any) ([]bson.D, error) {
	spec, err := CompileSearchSpec(arg)
	if err != nil {
		return nil, err
	}
	return env.Backend.Search(ctx, env.DB, env.Collection, spec)
}
