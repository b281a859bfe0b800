package aggregate

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// VectorSearchSpec is the compiled form of a $vectorSearch stage.
type VectorSearchSpec struct {
	Path          string
	QueryVector   []float64
	NumCandidates int
	Limit         int
	Filter        bson.D
}

func parseVectorSearchSpec(arg any) (VectorSearchSpec, error) {
	d, ok := arg.(bson.D)
	if !ok {
		return VectorSearchSpec{}, errors.Wrap(ErrValidation, "$vectorSearch requires a document")
	}
	spec := VectorSearchSpec{NumCandidates: -1, Limit: -1}
	for _, e := range d {
		switch e.Key {
		case "path":
			spec.Path, _ = e.Value.(string)
		case "queryVector":
			arr, ok := e.Value.(bson.A)
			if !ok {
				return VectorSearchSpec{}, errors.Wrap(ErrValidation, "queryVector must be an array")
			}
			spec.QueryVector = make([]float64, len(arr))
			for i, v := range arr {
				f, ok := toNumeric(v)
				if !ok {
					return VectorSearchSpec{}, errors.Wrap(ErrValidation, "queryVector elements must be numeric")
				}
				spec.QueryVector[i] = f
			}
		case "numCandidates":
			n, _ := toNumeric(e.Value)
			spec.NumCandidates = int(n)
		case "limit":
			n, _ := toNumeric(e.Value)
			spec.Limit = int(n)
		case "filter":
			spec.Filter, _ = e.Value.(bson.D)
		}
	}
	if spec.Path == "" || len(spec.QueryVector) == 0 {
		return VectorSearchSpec{}, errors.Wrap(ErrValidation, "$vectorSearch requires path and queryVector")
	}
	if spec.Limit <= 0 {
		return VectorSearchSpec{}, errors.Wrap(ErrValidation, "$vectorSearch requires a positive limit")
	}
	return spec, nil
}

// stageVectorSearch delegates the nearest-neighbor search itself to the
// backend (which owns the vector index), then returns its result
// stream: the documents already carry their vectorSearchScore metadata
// per the backend contract.
func stageVectorSearch(ctx context.Context, env Env, arg any) ([]bson.D, error) {
	spec, err := parseVectorSearchSpec(arg)
	if err != nil {
		return nil, err
	}
	return env.Backend.VectorSearch(ctx, env.DB, env.Collection, spec)
}
