package aggregate

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/query"
)

type lookupSpec struct {
	from         string
	localField   string
	foreignField string
	as           string
	let          bson.D
	pipeline     bson.A
}

func parseLookupSpec(arg any) (lookupSpec, error) {
	d, ok := arg.(bson.D)
	if !ok {
		return lookupSpec{}, errors.Wrap(ErrValidation, "$lookup requires a document")
	}
	var spec lookupSpec
	for _, e := range d {
		switch e.Key {
		case "from":
			spec.from, _ = e.Value.(string)
		case "localField":
			spec.localField, _ = e.Value.(string)
		case "foreignField":
			spec.foreignField, _ = e.Value.(string)
		case "as":
			spec.as, _ = e.Value.(string)
		case "let":
			spec.let, _ = e.Value.(bson.D)
		case "pipeline":
			spec.pipeline, _ = e.Value.(bson.A)
		}
	}
	if spec.from == "" || spec.as == "" {
		return lookupSpec{}, errors.Wrap(ErrValidation, "$lookup requires from and as")
	}
	if spec.localField == "" && len(spec.pipeline) == 0 {
		return lookupSpec{}, errors.Wrap(ErrValidation, "$lookup requires localField/foreignField or pipeline")
	}
	return spec, nil
}

// stageLookup implements both the equality-join form of $lookup
// (localField/foreignField) and the sub-pipeline form (with let
// variables bound per input document; when localField is given as well,
// the sub-pipeline runs only over the equality-matched foreign documents),
// fetching the foreign collection's full contents through env.Backend
// and matching in memory — the join itself never needs SQL since the
// stage engine already operates on a materialized document stream.
func stageLookup(ctx context.Context, env Env, docs []bson.D, arg any) ([]bson.D, error) {
	spec, err := parseLookupSpec(arg)
	if err != nil {
		return nil, err
	}
	foreign, err := env.Backend.FindAll(ctx, env.DB, spec.from, bson.D{})
	if err != nil {
		return nil, errors.Wrapf(err, "$lookup: from %q", spec.from)
	}

	out := make([]bson.D, len(docs))
	for i, d := range docs {
		var matched []bson.D
		if len(spec.pipeline) > 0 {
			vars := bson.D{}
			for _, le := range spec.let {
				v, err := evalExpr(le.Value, d)
				if err != nil {
					return nil, err
				}
				vars = append(vars, bson.E{Key: le.Key, Value: v})
			}
			sub := bindLetVars(spec.pipeline, vars)
			candidates := foreign
			if spec.localField != "" {
				localVal, _ := query.Lookup0(d, spec.localField)
				candidates = nil
				for _, f := range foreign {
					if fv, ok := query.Lookup0(f, spec.foreignField); ok && query.CompareBSON(localVal, fv) == 0 {
						candidates = append(candidates, f)
					}
				}
			}
			result, err := Execute(ctx, env, sub, append([]bson.D{}, candidates...))
			if err != nil {
				return nil, errors.Wrap(err, "$lookup pipeline")
			}
			matched = result.Docs
		} else {
			localVal, _ := query.Lookup0(d, spec.localField)
			for _, f := range foreign {
				foreignVal, ok := query.Lookup0(f, spec.foreignField)
				if ok && query.CompareBSON(localVal, foreignVal) == 0 {
					matched = append(matched, f)
				}
			}
		}
		nd := append(bson.D{}, d...)
		arr := make(bson.A, len(matched))
		for j, m := range matched {
			arr[j] = m
		}
		nd = setField(nd, spec.as, arr)
		out[i] = nd
	}
	return out, nil
}

// bindLetVars substitutes "$$var" references declared by $lookup's let
// clause with their evaluated literal values, by rewriting matching
// string leaves throughout the sub-pipeline, at any nesting depth of
// documents and arrays. Only a string leaf that is exactly "$$name" is
// replaced; a $$name embedded in a longer string is left as it is.
func bindLetVars(pipeline bson.A, vars bson.D) []bson.D {
	out := make([]bson.D, 0, len(pipeline))
	for _, stage := range pipeline {
		if d, ok := stage.(bson.D); ok {
			out = append(out, substituteVars(d, vars))
		}
	}
	return out
}

func substituteVars(d bson.D, vars bson.D) bson.D {
	nd := make(bson.D, len(d))
	for i, e := range d {
		nd[i] = bson.E{Key: e.Key, Value: substituteValue(e.Value, vars)}
	}
	return nd
}

func substituteValue(v any, vars bson.D) any {
	switch t := v.(type) {
	case string:
		for _, vv := range vars {
			if t == "$$"+vv.Key {
				return vv.Value
			}
		}
		return t
	case bson.D:
		return substituteVars(t, vars)
	case bson.A:
		out := make(bson.A, len(t))
		for i, item := range t {
			out[i] = substituteValue(item, vars)
		}
		return out
	default:
		return t
	}
}
