package aggregate

import (
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/query"
)

// defaultRRFK is $rankFusion's default reciprocal-rank-fusion constant.
const defaultRRFK = 60

// scoreFieldCandidates are the synthetic score fields a sub-pipeline may
// leave on its result documents; the first one present is used as that
// document's rank/score input to a fusion stage.
var scoreFieldCandidates = []string{"_searchScore", "vectorSearchScore", "__score"}

func extractScore(d bson.D) (float64, bool) {
	for _, f := range scoreFieldCandidates {
		if v, ok := query.Lookup0(d, f); ok {
			if n, ok := toNumeric(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

type fusionInput struct {
	vector []bson.D
	text   []bson.D
}

func runFusionInputs(ctx context.Context, env Env, arg any) (fusionInput, int, error) {
	d, ok := arg.(bson.D)
	if !ok {
		return fusionInput{}, 0, errors.Wrap(ErrValidation, "fusion stage requires a document")
	}
	var inputDoc bson.D
	var combination bson.D
	limit := -1
	for _, e := range d {
		switch e.Key {
		case "input":
			inputDoc, _ = e.Value.(bson.D)
		case "combination":
			combination, _ = e.Value.(bson.D)
		case "limit":
			n, _ := toNumeric(e.Value)
			limit = int(n)
		}
	}
	var pipelines bson.D
	for _, e := range inputDoc {
		if e.Key == "pipelines" {
			pipelines, _ = e.Value.(bson.D)
		}
	}
	var vectorPipeline, textPipeline bson.A
	haveVector, haveText := false, false
	for _, e := range pipelines {
		switch e.Key {
		case "vector":
			vectorPipeline, haveVector = e.Value.(bson.A)
		case "text":
			textPipeline, haveText = e.Value.(bson.A)
		}
	}
	if !haveVector || !haveText {
		return fusionInput{}, 0, errors.Wrap(ErrValidation, "fusion stage requires both vector and text pipelines")
	}

	vectorDocs, err := runNamedPipeline(ctx, env, vectorPipeline)
	if err != nil {
		return fusionInput{}, 0, err
	}
	textDocs, err := runNamedPipeline(ctx, env, textPipeline)
	if err != nil {
		return fusionInput{}, 0, err
	}
	_ = combination
	return fusionInput{vector: vectorDocs, text: textDocs}, limit, nil
}

func runNamedPipeline(ctx context.Context, env Env, pipeline bson.A) ([]bson.D, error) {
	stages := make([]bson.D, 0, len(pipeline))
	for _, s := range pipeline {
		sd, ok := s.(bson.D)
		if !ok {
			return nil, errors.Wrap(ErrValidation, "fusion sub-pipeline contains a non-document stage")
		}
		stages = append(stages, sd)
	}
	result, err := Execute(ctx, env, stages, nil)
	if err != nil {
		return nil, err
	}
	return result.Docs, nil
}

func rankOf(docs []bson.D) map[string]int {
	ranked := append([]bson.D{}, docs...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, _ := extractScore(ranked[i])
		sj, _ := extractScore(ranked[j])
		return si > sj
	})
	ranks := make(map[string]int, len(ranked))
	for i, d := range ranked {
		ranks[docKey(d)] = i + 1
	}
	return ranks
}

func docKey(d bson.D) string {
	id, ok := query.Lookup0(d, "_id")
	if !ok {
		return groupKeyString(d)
	}
	return groupKeyString(id)
}

func stageRankFusion(ctx context.Context, env Env, arg any) ([]bson.D, error) {
	d, ok := arg.(bson.D)
	if !ok {
		return nil, errors.Wrap(ErrValidation, "$rankFusion requires a document")
	}
	k := defaultRRFK
	for _, e := range d {
		if e.Key == "combination" {
			if cd, ok := e.Value.(bson.D); ok {
				for _, ce := range cd {
					if ce.Key == "k" {
						if n, ok := toNumeric(ce.Value); ok {
							k = int(n)
						}
					}
				}
			}
		}
	}

	in, limit, err := runFusionInputs(ctx, env, arg)
	if err != nil {
		return nil, err
	}
	vectorRanks := rankOf(in.vector)
	textRanks := rankOf(in.text)

	byKey := map[string]bson.D{}
	fused := map[string]float64{}
	for _, d := range in.vector {
		key := docKey(d)
		byKey[key] = d
		if r, ok := vectorRanks[key]; ok {
			fused[key] += 1.0 / float64(k+r)
		}
	}
	for _, d := range in.text {
		key := docKey(d)
		if _, seen := byKey[key]; !seen {
			byKey[key] = d
		}
		if r, ok := textRanks[key]; ok {
			fused[key] += 1.0 / float64(k+r)
		}
	}
	return assembleFused(byKey, fused, limit), nil
}

func stageScoreFusion(ctx context.Context, env Env, arg any) ([]bson.D, error) {
	d, ok := arg.(bson.D)
	if !ok {
		return nil, errors.Wrap(ErrValidation, "$scoreFusion requires a document")
	}
	wVector, wText := 0.5, 0.5
	normalize := false
	for _, e := range d {
		if e.Key != "combination" {
			continue
		}
		cd, ok := e.Value.(bson.D)
		if !ok {
			continue
		}
		for _, ce := range cd {
			switch ce.Key {
			case "weights":
				wd, ok := ce.Value.(bson.D)
				if !ok {
					continue
				}
				for _, we := range wd {
					switch we.Key {
					case "vector":
						wVector, _ = toNumeric(we.Value)
					case "text":
						wText, _ = toNumeric(we.Value)
					}
				}
			case "normalizeScores":
				normalize, _ = ce.Value.(bool)
			}
		}
	}
	sum := wVector + wText
	switch {
	case sum == 0:
		wVector, wText = 0.5, 0.5
	case math.Abs(sum-1) <= 0.001:
		// accepted as-is
	default:
		wVector, wText = wVector/sum, wText/sum
	}

	in, limit, err := runFusionInputs(ctx, env, arg)
	if err != nil {
		return nil, err
	}

	vectorScores := scoresByKey(in.vector, normalize)
	textScores := scoresByKey(in.text, normalize)

	byKey := map[string]bson.D{}
	fused := map[string]float64{}
	for _, d := range in.vector {
		byKey[docKey(d)] = d
	}
	for _, d := range in.text {
		key := docKey(d)
		if _, seen := byKey[key]; !seen {
			byKey[key] = d
		}
	}
	for key := range byKey {
		fused[key] = wVector*vectorScores[key] + wText*textScores[key]
	}
	return assembleFused(byKey, fused, limit), nil
}

func scoresByKey(docs []bson.D, normalize bool) map[string]float64 {
	raw := make(map[string]float64, len(docs))
	min, max := math.Inf(1), math.Inf(-1)
	for _, d := range docs {
		s, _ := extractScore(d)
		raw[docKey(d)] = s
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	if !normalize || max == min {
		return raw
	}
	out := make(map[string]float64, len(raw))
	for k, s := range raw {
		out[k] = (s - min) / (max - min)
	}
	return out
}

func assembleFused(byKey map[string]bson.D, fused map[string]float64, limit int) []bson.D {
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool { return fused[keys[i]] > fused[keys[j]] })
	if limit > 0 && limit < len(keys) {
		keys = keys[:limit]
	}
	out := make([]bson.D, len(keys))
	for i, k := range keys {
		out[i] = append(bson.D{}, byKey[k]...)
	}
	return out
}
