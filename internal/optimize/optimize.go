// Package optimize rewrites an aggregation pipeline before translation:
// predicate pushdown, adjacent-stage merging, redundant-stage
// elimination, and lookup pre-filtering. Every pass is idempotent and
// preserves the pipeline's observable result, only its execution shape.
package optimize

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Optimize runs all rewrite passes to a fixed point: pushdown can
// surface new adjacent-merge or redundant-stage opportunities, so the
// passes repeat until a full round changes nothing.
func Optimize(pipeline []bson.D) []bson.D {
	cur := clone(pipeline)
	for {
		next := mergeAdjacent(pushdownMatches(cur))
		next = eliminateRedundant(next)
		next = optimizeLookups(next)
		if pipelineEqual(cur, next) {
			return next
		}
		cur = next
	}
}

func clone(pipeline []bson.D) []bson.D {
	out := make([]bson.D, len(pipeline))
	copy(out, pipeline)
	return out
}

func stageName(stage bson.D) string {
	if len(stage) != 1 {
		return ""
	}
	return stage[0].Key
}

func stageArg(stage bson.D) any {
	if len(stage) != 1 {
		return nil
	}
	return stage[0].Value
}

func makeStage(name string, arg any) bson.D {
	return bson.D{{Key: name, Value: arg}}
}

// referencedFields returns the top-level dotted field paths a filter
// document reads, used to decide whether a barrier stage blocks pushing
// a $match past it.
func referencedFields(filter bson.D) []string {
	var fields []string
	for _, e := range filter {
		switch e.Key {
		case "$and", "$or", "$nor":
			if arr, ok := e.Value.(bson.A); ok {
				for _, sub := range arr {
					if sd, ok := sub.(bson.D); ok {
						fields = append(fields, referencedFields(sd)...)
					}
				}
			}
		default:
			if !strings.HasPrefix(e.Key, "$") {
				fields = append(fields, e.Key)
			}
		}
	}
	return fields
}

func fieldRoot(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

// rewrittenFields returns the set of fields a $project/$addFields/$set
// stage changes (its declared keys, except plain inclusions such as
// a: 1 in a $project, which keep the field as it is) so pushdown can
// tell whether a $match referencing the same root field would be blocked.
func rewrittenFields(name string, arg any) map[string]bool {
	d, ok := arg.(bson.D)
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(d))
	for _, e := range d {
		if name == "$project" && projectIncludes(e.Value) {
			continue
		}
		out[fieldRoot(e.Key)] = true
	}
	return out
}

// projectIncludes reports whether a $project value is a plain inclusion
// flag (a non-zero number or true).
func projectIncludes(v any) bool {
	switch n := v.(type) {
	case int32:
		return n != 0
	case int64:
		return n != 0
	case float64:
		return n != 0
	case bool:
		return n
	}
	return false
}

// pushdownMatches walks each $match stage backwards past stages that
// cannot affect (or be affected by reordering past) the fields it
// reads, stopping at the first barrier.
func pushdownMatches(pipeline []bson.D) []bson.D {
	out := clone(pipeline)
	for i := 0; i < len(out); i++ {
		if stageName(out[i]) != "$match" {
			continue
		}
		filter, ok := stageArg(out[i]).(bson.D)
		if !ok {
			continue
		}
		fields := referencedFields(filter)
		j := i
		for j > 0 && canPushPast(out[j-1], fields) {
			j--
		}
		if j == i {
			continue
		}
		stage := out[i]
		copy(out[j+1:i+1], out[j:i])
		out[j] = stage
	}
	return out
}

func canPushPast(prior bson.D, fields []string) bool {
	name := stageName(prior)
	switch name {
	case "$group", "$limit", "$skip":
		return false
	case "$project", "$addFields", "$set":
		rewritten := rewrittenFields(name, stageArg(prior))
		for _, f := range fields {
			if rewritten[fieldRoot(f)] {
				return false
			}
		}
		return true
	case "$unwind":
		path := unwindPath(stageArg(prior))
		for _, f := range fields {
			if fieldRoot(f) == fieldRoot(path) {
				return false
			}
		}
		return true
	case "$lookup":
		as := lookupAs(stageArg(prior))
		for _, f := range fields {
			if fieldRoot(f) == as {
				return false
			}
		}
		return true
	case "$match", "$sort", "$unset":
		return true
	default:
		// Unrecognized or stage-changing operators (e.g. $facet, $out,
		// $search) are conservatively treated as barriers.
		return false
	}
}

func unwindPath(arg any) string {
	switch v := arg.(type) {
	case string:
		return strings.TrimPrefix(v, "$")
	case bson.D:
		for _, e := range v {
			if e.Key == "path" {
				if s, ok := e.Value.(string); ok {
					return strings.TrimPrefix(s, "$")
				}
			}
		}
	}
	return ""
}

func lookupAs(arg any) string {
	d, ok := arg.(bson.D)
	if !ok {
		return ""
	}
	for _, e := range d {
		if e.Key == "as" {
			if s, ok := e.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// mergeAdjacent folds adjacent $match/$match, $addFields/$addFields and
// same-kind $project/$project pairs into one stage.
func mergeAdjacent(pipeline []bson.D) []bson.D {
	if len(pipeline) < 2 {
		return pipeline
	}
	out := make([]bson.D, 0, len(pipeline))
	out = append(out, pipeline[0])
	for _, stage := range pipeline[1:] {
		last := out[len(out)-1]
		if merged, ok := tryMerge(last, stage); ok {
			out[len(out)-1] = merged
			continue
		}
		out = append(out, stage)
	}
	return out
}

func tryMerge(a, b bson.D) (bson.D, bool) {
	an, bn := stageName(a), stageName(b)
	if an != bn {
		return nil, false
	}
	switch an {
	case "$match":
		af, _ := stageArg(a).(bson.D)
		bf, _ := stageArg(b).(bson.D)
		return makeStage("$match", bson.D{{Key: "$and", Value: bson.A{af, bf}}}), true
	case "$addFields", "$set":
		af, _ := stageArg(a).(bson.D)
		bf, _ := stageArg(b).(bson.D)
		return makeStage(an, spread(af, bf)), true
	case "$project":
		af, _ := stageArg(a).(bson.D)
		bf, _ := stageArg(b).(bson.D)
		if projectKindOf(af) != projectKindOf(bf) {
			return nil, false
		}
		return makeStage("$project", spread(af, bf)), true
	default:
		return nil, false
	}
}

// spread object-merges b onto a, b winning on key conflicts, matching
// $addFields' and $set's last-write-wins semantics when stages merge.
func spread(a, b bson.D) bson.D {
	out := append(bson.D{}, a...)
	for _, be := range b {
		found := false
		for i, ae := range out {
			if ae.Key == be.Key {
				out[i].Value = be.Value
				found = true
				break
			}
		}
		if !found {
			out = append(out, be)
		}
	}
	return out
}

func projectKindOf(spec bson.D) int {
	for _, e := range spec {
		if e.Key == "_id" {
			continue
		}
		switch n := e.Value.(type) {
		case int32:
			if n == 0 {
				return -1
			}
			return 1
		case int64:
			if n == 0 {
				return -1
			}
			return 1
		case float64:
			if n == 0 {
				return -1
			}
			return 1
		case bool:
			if !n {
				return -1
			}
			return 1
		default:
			return 1
		}
	}
	return 1
}

// eliminateRedundant drops empty $match stages and a $sort immediately
// followed by another $sort with no order-dependent stage between them.
func eliminateRedundant(pipeline []bson.D) []bson.D {
	out := make([]bson.D, 0, len(pipeline))
	for i, stage := range pipeline {
		if stageName(stage) == "$match" {
			if filter, ok := stageArg(stage).(bson.D); ok && len(filter) == 0 {
				continue
			}
		}
		if stageName(stage) == "$sort" && i+1 < len(pipeline) && stageName(pipeline[i+1]) == "$sort" {
			continue
		}
		out = append(out, stage)
	}
	return out
}

// optimizeLookups pulls a $match on "<as>.<field>" immediately
// following an equality-form $lookup into a pipeline-form $lookup with
// that predicate as a leading $match, so the join only materializes
// matching foreign documents.
func optimizeLookups(pipeline []bson.D) []bson.D {
	out := clone(pipeline)
	for i := 0; i < len(out)-1; i++ {
		if stageName(out[i]) != "$lookup" {
			continue
		}
		spec, ok := stageArg(out[i]).(bson.D)
		if !ok {
			continue
		}
		as := lookupAs(spec)
		if as == "" || hasPipelineForm(spec) {
			continue
		}
		if stageName(out[i+1]) != "$match" {
			continue
		}
		filter, ok := stageArg(out[i+1]).(bson.D)
		if !ok {
			continue
		}
		prefix := as + "."
		var pushable, remaining bson.D
		for _, f := range filter {
			if strings.HasPrefix(f.Key, prefix) {
				pushable = append(pushable, bson.E{Key: strings.TrimPrefix(f.Key, prefix), Value: f.Value})
			} else {
				remaining = append(remaining, f)
			}
		}
		if len(pushable) == 0 {
			continue
		}
		out[i] = makeStage("$lookup", withPipelinePrefilter(spec, pushable))
		if len(remaining) == 0 {
			out = append(out[:i+1], out[i+2:]...)
		} else {
			out[i+1] = makeStage("$match", remaining)
		}
	}
	return out
}

func hasPipelineForm(spec bson.D) bool {
	for _, e := range spec {
		if e.Key == "pipeline" {
			return true
		}
	}
	return false
}

func withPipelinePrefilter(spec bson.D, filter bson.D) bson.D {
	out := append(bson.D{}, spec...)
	out = append(out, bson.E{Key: "pipeline", Value: bson.A{makeStage("$match", filter)}})
	return out
}

func pipelineEqual(a, b []bson.D) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !stageEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func stageEqual(a, b bson.D) bool {
	ba, err := bson.MarshalExtJSON(a, true, false)
	if err != nil {
		return false
	}
	bb, err := bson.MarshalExtJSON(b, true, false)
	if err != nil {
		return false
	}
	return string(ba) == string(bb)
}
