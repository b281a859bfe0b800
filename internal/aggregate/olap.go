package aggregate

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// olapForbiddenStatements are rejected anywhere in a raw $olap SQL
// string, mutation keywords having no business in a read-only reporting
// delegate.
var olapForbiddenStatements = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|truncate|alter|create)\b`)

var olapValidEngines = map[string]bool{"auto": true, "r2sql": true, "clickhouse": true}

// OlapQuery is the validated (but not executed — $olap delegates to an
// external OLAP engine this server does not embed) representation of an
// $olap stage argument.
type OlapQuery struct {
	Engine     string
	SQL        string
	Structured bson.D
}

func stageOlap(arg any) ([]bson.D, error) {
	d, ok := arg.(bson.D)
	if !ok {
		return nil, errors.Wrap(ErrValidation, "$olap requires a document")
	}
	q := OlapQuery{Engine: "auto"}
	for _, e := range d {
		switch e.Key {
		case "engine":
			s, _ := e.Value.(string)
			q.Engine = s
		case "query":
			switch v := e.Value.(type) {
			case string:
				q.SQL = v
			case bson.D:
				q.Structured = v
			default:
				return nil, errors.Wrap(ErrValidation, "$olap.query must be a string or document")
			}
		}
	}
	if !olapValidEngines[q.Engine] {
		return nil, errors.Wrapf(ErrValidation, "unsupported $olap engine %q", q.Engine)
	}
	if q.SQL == "" && q.Structured == nil {
		return nil, errors.Wrap(ErrValidation, "$olap requires a query")
	}
	if q.SQL != "" {
		if err := validateOlapSQL(q.SQL); err != nil {
			return nil, err
		}
	} else {
		if err := validateOlapStructured(q.Structured); err != nil {
			return nil, err
		}
	}
	// $olap is validated but delegated: this server has no embedded OLAP
	// executor, so a validated query currently yields no rows rather than
	// a backend round-trip.
	return nil, nil
}

func validateOlapSQL(sql string) error {
	if olapForbiddenStatements.MatchString(sql) {
		return errors.Wrap(ErrValidation, "$olap query contains a forbidden statement")
	}
	trimmed := strings.TrimRight(strings.TrimSpace(sql), ";")
	if strings.Contains(trimmed, ";") {
		return errors.Wrap(ErrValidation, "$olap query must be a single statement")
	}
	return nil
}

func validateOlapStructured(q bson.D) error {
	var hasSelect, hasFrom bool
	for _, e := range q {
		switch e.Key {
		case "select":
			if arr, ok := e.Value.(bson.A); ok && len(arr) > 0 {
				hasSelect = true
			}
		case "from":
			if s, ok := e.Value.(string); ok && s != "" {
				hasFrom = true
			}
		case "where", "groupBy", "having", "orderBy", "limit", "offset":
			// accepted; their values are not validated
		default:
			return errors.Wrapf(ErrValidation, "unsupported $olap query field %q", e.Key)
		}
	}
	if !hasSelect || !hasFrom {
		return errors.Wrap(ErrValidation, "$olap structured query requires select and from")
	}
	return nil
}
