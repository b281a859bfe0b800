package aggregate

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sync/errgroup"
)

// defaultFacetConcurrency bounds how many $facet sub-pipelines run at
// once when the caller did not configure one explicitly.
const defaultFacetConcurrency = 3

// stageFacet runs each named sub-pipeline in arg against an independent
// copy of the incoming document stream, bounded by env.FacetConcurrency
// concurrent sub-pipelines (errgroup.SetLimit), and assembles a single
// output document whose fields are the facet names.
func stageFacet(ctx context.Context, env Env, docs []bson.D, arg any) ([]bson.D, error) {
	spec, ok := arg.(bson.D)
	if !ok || len(spec) == 0 {
		return nil, errors.Wrap(ErrValidation, "$facet requires a non-empty document")
	}

	limit := env.FacetConcurrency
	if limit <= 0 {
		limit = defaultFacetConcurrency
	}

	results := make([]bson.A, len(spec))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, facet := range spec {
		i, facet := i, facet
		sub, ok := facet.Value.(bson.A)
		if !ok {
			return nil, errors.Wrapf(ErrValidation, "$facet.%s must be an array of stages", facet.Key)
		}
		pipeline := make([]bson.D, 0, len(sub))
		for _, s := range sub {
			sd, ok := s.(bson.D)
			if !ok {
				return nil, errors.Wrapf(ErrValidation, "$facet.%s contains a non-document stage", facet.Key)
			}
			pipeline = append(pipeline, sd)
		}
		g.Go(func() error {
			snapshot := append([]bson.D{}, docs...)
			result, err := Execute(gctx, env, pipeline, snapshot)
			if err != nil {
				return errors.Wrapf(err, "$facet.%s", facet.Key)
			}
			arr := make(bson.A, len(result.Docs))
			for j, d := range result.Docs {
				arr[j] = d
			}
			results[i] = arr
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(bson.D, len(spec))
	for i, facet := range spec {
		out[i] = bson.E{Key: facet.Key, Value: results[i]}
	}
	return []bson.D{out}, nil
}
