package query

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Apply computes the new document produced by applying an update
// document to doc. It supports the full operator update form
// ($set, $unset, $inc, ...); a document with no operator keys is a
// full-document replacement and is returned as-is (with _id preserved
// from the original, as MongoDB requires).
//
// Internally, operator updates are carried out via a JSON round-trip
// (gjson/sjson) over the document's canonical extended-JSON form, then
// decoded back to bson.D — this is the update translator's "JSON-patch"
// path described in the design, expressed as a pure function the
// backend can call for either an in-place row replacement or, for
// upserts, to synthesize the inserted document.
func Apply(doc bson.D, update bson.D) (bson.D, error) {
	if !looksLikeUpdateDoc(update) {
		return replacementPreservingID(doc, update), nil
	}

	j, err := toJSON(doc)
	if err != nil {
		return nil, err
	}

	for _, op := range update {
		switch op.Key {
		case "$set":
			j, err = applySet(j, op.Value)
		case "$setOnInsert":
			// Handled separately by the caller during upsert synthesis;
			// a no-op against an existing document.
		case "$unset":
			j, err = applyUnset(j, op.Value)
		case "$inc":
			j, err = applyArith(j, op.Value, func(a, b float64) float64 { return a + b })
		case "$mul":
			j, err = applyArith(j, op.Value, func(a, b float64) float64 { return a * b })
		case "$min":
			j, err = applyCompare(j, op.Value, func(cur, v float64) bool { return v < cur })
		case "$max":
			j, err = applyCompare(j, op.Value, func(cur, v float64) bool { return v > cur })
		case "$rename":
			j, err = applyRename(j, op.Value)
		case "$currentDate":
			j, err = applyCurrentDate(j, op.Value)
		case "$push":
			j, err = applyPush(j, op.Value)
		case "$pull":
			j, err = applyPull(j, op.Value)
		case "$pullAll":
			j, err = applyPullAll(j, op.Value)
		case "$addToSet":
			j, err = applyAddToSet(j, op.Value)
		case "$pop":
			j, err = applyPop(j, op.Value)
		default:
			return nil, errors.Wrapf(ErrBadValue, "unsupported update operator %q", op.Key)
		}
		if err != nil {
			return nil, err
		}
	}

	return fromJSON(j)
}

// SetOnInsert extracts the $setOnInsert fragment of an update document,
// used by the backend only when synthesizing an upserted document.
func SetOnInsert(update bson.D) (bson.D, bool) {
	for _, op := range update {
		if op.Key == "$setOnInsert" {
			if d, ok := op.Value.(bson.D); ok {
				return d, true
			}
		}
	}
	return nil, false
}

// SynthesizeUpsert builds the document to insert for an upsert whose
// filter matched nothing: the filter's equality clauses, overlaid with
// $set and $setOnInsert from the update, or the replacement document
// itself when update has no operator keys.
func SynthesizeUpsert(filter, update bson.D) (bson.D, error) {
	if !looksLikeUpdateDoc(update) {
		return replacementPreservingID(bson.D{}, update), nil
	}

	base := equalityFields(filter)
	j, err := toJSON(base)
	if err != nil {
		return nil, err
	}
	for _, op := range update {
		if op.Key == "$set" || op.Key == "$setOnInsert" {
			j, err = applySet(j, op.Value)
			if err != nil {
				return nil, err
			}
		}
	}
	doc, err := fromJSON(j)
	if err != nil {
		return nil, err
	}
	return Apply(doc, stripSetOnInsert(update))
}

func stripSetOnInsert(update bson.D) bson.D {
	out := make(bson.D, 0, len(update))
	for _, op := range update {
		if op.Key != "$setOnInsert" {
			out = append(out, op)
		}
	}
	return out
}

func equalityFields(filter bson.D) bson.D {
	var out bson.D
	for _, f := range filter {
		if strings.HasPrefix(f.Key, "$") {
			continue
		}
		if _, isDoc := f.Value.(bson.D); isDoc {
			continue
		}
		out = append(out, f)
	}
	return out
}

func looksLikeUpdateDoc(update bson.D) bool {
	for _, e := range update {
		if strings.HasPrefix(e.Key, "$") {
			return true
		}
	}
	return false
}

func replacementPreservingID(original, replacement bson.D) bson.D {
	id, hasID := bsonLookup(original, "_id")
	out := make(bson.D, 0, len(replacement)+1)
	if hasID {
		out = append(out, bson.E{Key: "_id", Value: id})
	}
	for _, e := range replacement {
		if e.Key == "_id" {
			continue
		}
		out = append(out, e)
	}
	return out
}

func bsonLookup(d bson.D, key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func toJSON(doc bson.D) (string, error) {
	b, err := bson.MarshalExtJSON(doc, true, false)
	if err != nil {
		return "", errors.Wrap(err, "query: encode document for update")
	}
	return string(b), nil
}

func fromJSON(j string) (bson.D, error) {
	var out bson.D
	if err := bson.UnmarshalExtJSON([]byte(j), true, &out); err != nil {
		return nil, errors.Wrap(err, "query: decode patched document")
	}
	return out, nil
}

// gjsonPath adapts a Mongo dotted field path to gjson/sjson's path
// syntax, which happens to use the same "." separator for both object
// keys and array indices.
func gjsonPath(path string) string {
	return path
}

func applySet(j string, value any) (string, error) {
	d, ok := value.(bson.D)
	if !ok {
		return j, nil
	}
	var err error
	for _, f := range d {
		j, err = setValue(j, f.Key, f.Value)
		if err != nil {
			return "", err
		}
	}
	return j, nil
}

func setValue(j, path string, value any) (string, error) {
	ext, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: value}}, true, false)
	if err != nil {
		return "", errors.Wrap(err, "query: encode $set value")
	}
	raw := gjson.GetBytes(ext, "v")
	out, err := sjson.SetRaw(j, gjsonPath(path), raw.Raw)
	if err != nil {
		return "", errors.Wrap(err, "query: $set")
	}
	return out, nil
}

func applyUnset(j string, value any) (string, error) {
	d, ok := value.(bson.D)
	if !ok {
		return j, nil
	}
	var err error
	for _, f := range d {
		j, err = sjson.Delete(j, gjsonPath(f.Key))
		if err != nil {
			return "", errors.Wrap(err, "query: $unset")
		}
	}
	return j, nil
}

func applyArith(j string, value any, fn func(a, b float64) float64) (string, error) {
	d, ok := value.(bson.D)
	if !ok {
		return j, nil
	}
	var err error
	for _, f := range d {
		delta, ok := toFloat(f.Value)
		if !ok {
			return "", errors.Wrapf(ErrBadValue, "non-numeric operand for %s on %s", "$inc/$mul", f.Key)
		}
		cur := gjson.Get(j, gjsonPath(f.Key))
		base := 0.0
		if cur.Exists() {
			// Stored numbers are canonical ExtJSON objects such as
			// {"$numberInt":"1"}, which gjson cannot read as a number.
			var wrapped bson.D
			if err := bson.UnmarshalExtJSON([]byte(`{"v":`+cur.Raw+`}`), true, &wrapped); err == nil && len(wrapped) == 1 {
				base, _ = toFloat(wrapped[0].Value)
			}
		}
		j, err = sjson.Set(j, gjsonPath(f.Key), fn(base, delta))
		if err != nil {
			return "", errors.Wrap(err, "query: $inc/$mul")
		}
	}
	return j, nil
}

func applyCompare(j string, value any, shouldReplace func(cur, v float64) bool) (string, error) {
	d, ok := value.(bson.D)
	if !ok {
		return j, nil
	}
	var err error
	for _, f := range d {
		v, ok := toFloat(f.Value)
		if !ok {
			continue
		}
		cur := gjson.Get(j, gjsonPath(f.Key))
		if !cur.Exists() || shouldReplace(cur.Float(), v) {
			j, err = sjson.Set(j, gjsonPath(f.Key), f.Value)
			if err != nil {
				return "", errors.Wrap(err, "query: $min/$max")
			}
		}
	}
	return j, nil
}

func applyRename(j string, value any) (string, error) {
	d, ok := value.(bson.D)
	if !ok {
		return j, nil
	}
	var err error
	for _, f := range d {
		newName, _ := f.Value.(string)
		cur := gjson.Get(j, gjsonPath(f.Key))
		if !cur.Exists() {
			continue
		}
		j, err = sjson.SetRaw(j, gjsonPath(newName), cur.Raw)
		if err != nil {
			return "", errors.Wrap(err, "query: $rename")
		}
		j, err = sjson.Delete(j, gjsonPath(f.Key))
		if err != nil {
			return "", errors.Wrap(err, "query: $rename")
		}
	}
	return j, nil
}

func applyCurrentDate(j string, value any) (string, error) {
	d, ok := value.(bson.D)
	if !ok {
		return j, nil
	}
	now := bson.NewDateTimeFromTime(timeNow())
	var err error
	for _, f := range d {
		j, err = setValue(j, f.Key, now)
		if err != nil {
			return "", err
		}
	}
	return j, nil
}

// timeNow is a var so tests can pin $currentDate's clock.
var timeNow = func() time.Time { return time.Now().UTC() }

func toFloat(v any) (float64, bool) {
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

// pushSpec is the normalized shape of a $push value, covering both the
// bare-value form and the { $each, $slice, $sort, $position } form.
type pushSpec struct {
	each     bson.A
	slice    *int
	sortDesc map[string]int
	position *int
}

func parsePushSpec(value any) pushSpec {
	d, ok := value.(bson.D)
	if !ok || !isModifierDoc(d) {
		return pushSpec{each: bson.A{value}}
	}
	spec := pushSpec{}
	for _, m := range d {
		switch m.Key {
		case "$each":
			if a, ok := m.Value.(bson.A); ok {
				spec.each = a
			}
		case "$slice":
			if n, ok := toFloat(m.Value); ok {
				i := int(n)
				spec.slice = &i
			}
		case "$position":
			if n, ok := toFloat(m.Value); ok {
				i := int(n)
				spec.position = &i
			}
		case "$sort":
			spec.sortDesc = parseSortSpec(m.Value)
		}
	}
	return spec
}

func isModifierDoc(d bson.D) bool {
	for _, e := range d {
		if e.Key == "$each" {
			return true
		}
	}
	return false
}

func parseSortSpec(v any) map[string]int {
	out := map[string]int{}
	switch t := v.(type) {
	case int32:
		out[""] = int(t)
	case int64:
		out[""] = int(t)
	case bson.D:
		for _, e := range t {
			if n, ok := toFloat(e.Value); ok {
				out[e.Key] = int(n)
			}
		}
	}
	return out
}

func applyPush(j string, value any) (string, error) {
	d, ok := value.(bson.D)
	if !ok {
		return j, nil
	}
	var err error
	for _, f := range d {
		spec := parsePushSpec(f.Value)
		cur := readArray(j, f.Key)
		elems := insertAt(cur, spec.each, spec.position)
		if len(spec.sortDesc) > 0 {
			elems = sortElems(elems, spec.sortDesc)
		}
		if spec.slice != nil {
			elems = sliceElems(elems, *spec.slice)
		}
		j, err = setValue(j, f.Key, bson.A(elems))
		if err != nil {
			return "", err
		}
	}
	return j, nil
}

func readArray(j, path string) []any {
	res := gjson.Get(j, gjsonPath(path))
	if !res.IsArray() {
		return nil
	}
	var doc bson.A
	_ = bson.UnmarshalExtJSON([]byte("["+stripOuter(res.Raw)+"]"), true, &doc)
	return doc
}

func stripOuter(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		return raw[1 : len(raw)-1]
	}
	return raw
}

func insertAt(cur []any, each bson.A, position *int) []any {
	add := make([]any, len(each))
	copy(add, each)
	if position == nil {
		return append(append([]any{}, cur...), add...)
	}
	pos := *position
	if pos < 0 {
		pos = len(cur) + pos
	}
	if pos < 0 {
		pos = 0
	}
	if pos > len(cur) {
		pos = len(cur)
	}
	out := make([]any, 0, len(cur)+len(add))
	out = append(out, cur[:pos]...)
	out = append(out, add...)
	out = append(out, cur[pos:]...)
	return out
}

func sliceElems(elems []any, n int) []any {
	if n >= 0 {
		if n > len(elems) {
			n = len(elems)
		}
		return elems[:n]
	}
	start := len(elems) + n
	if start < 0 {
		start = 0
	}
	return elems[start:]
}

func sortElems(elems []any, by map[string]int) []any {
	key, hasKey := by[""]
	sort.SliceStable(elems, func(i, j int) bool {
		vi, vj := elems[i], elems[j]
		if hasKey {
			if key < 0 {
				return less(vj, vi)
			}
			return less(vi, vj)
		}
		for field, dir := range by {
			a := fieldOf(vi, field)
			b := fieldOf(vj, field)
			if dir < 0 {
				if less(b, a) {
					return true
				}
				if less(a, b) {
					return false
				}
			} else {
				if less(a, b) {
					return true
				}
				if less(b, a) {
					return false
				}
			}
		}
		return false
	})
	return elems
}

func fieldOf(v any, field string) any {
	d, ok := v.(bson.D)
	if !ok {
		return v
	}
	val, _ := bsonLookup(d, field)
	return val
}

func less(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa < fb
	}
	sa, saok := a.(string)
	sb, sbok := b.(string)
	if saok && sbok {
		return sa < sb
	}
	return false
}

func applyPull(j string, value any) (string, error) {
	d, ok := value.(bson.D)
	if !ok {
		return j, nil
	}
	var err error
	for _, f := range d {
		cur := readArray(j, f.Key)
		out := make([]any, 0, len(cur))
		for _, el := range cur {
			if !matchesPullCondition(el, f.Value) {
				out = append(out, el)
			}
		}
		j, err = setValue(j, f.Key, bson.A(out))
		if err != nil {
			return "", err
		}
	}
	return j, nil
}

func matchesPullCondition(el, cond any) bool {
	if d, ok := cond.(bson.D); ok {
		elDoc, isDoc := el.(bson.D)
		if !isDoc {
			return false
		}
		for _, f := range d {
			v, ok := bsonLookup(elDoc, f.Key)
			if !ok || !bsonEqual(v, f.Value) {
				return false
			}
		}
		return true
	}
	return bsonEqual(el, cond)
}

func bsonEqual(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return a == b
}

func applyPullAll(j string, value any) (string, error) {
	d, ok := value.(bson.D)
	if !ok {
		return j, nil
	}
	var err error
	for _, f := range d {
		toRemove, _ := f.Value.(bson.A)
		cur := readArray(j, f.Key)
		out := make([]any, 0, len(cur))
		for _, el := range cur {
			remove := false
			for _, r := range toRemove {
				if bsonEqual(el, r) {
					remove = true
					break
				}
			}
			if !remove {
				out = append(out, el)
			}
		}
		j, err = setValue(j, f.Key, bson.A(out))
		if err != nil {
			return "", err
		}
	}
	return j, nil
}

func applyAddToSet(j string, value any) (string, error) {
	d, ok := value.(bson.D)
	if !ok {
		return j, nil
	}
	var err error
	for _, f := range d {
		spec := parsePushSpec(f.Value)
		cur := readArray(j, f.Key)
		for _, candidate := range spec.each {
			found := false
			for _, el := range cur {
				if bsonEqual(el, candidate) {
					found = true
					break
				}
			}
			if !found {
				cur = append(cur, candidate)
			}
		}
		j, err = setValue(j, f.Key, bson.A(cur))
		if err != nil {
			return "", err
		}
	}
	return j, nil
}

func applyPop(j string, value any) (string, error) {
	d, ok := value.(bson.D)
	if !ok {
		return j, nil
	}
	var err error
	for _, f := range d {
		cur := readArray(j, f.Key)
		if len(cur) == 0 {
			continue
		}
		n, _ := toFloat(f.Value)
		if n < 0 {
			cur = cur[1:]
		} else {
			cur = cur[:len(cur)-1]
		}
		j, err = setValue(j, f.Key, bson.A(cur))
		if err != nil {
			return "", err
		}
	}
	return j, nil
}

// ValidateCollectionName rejects collection/db names that cannot safely
// be used as identifiers (used by the backend before interpolating
// a name into a table identifier, since table/column names cannot be
// bound parameters in SQL).
func ValidateCollectionName(name string) error {
	if name == "" {
		return errors.Wrap(ErrBadValue, "collection name must not be empty")
	}
	if strings.ContainsRune(name, 0) {
		return errors.Wrap(ErrBadValue, "collection name must not contain NUL")
	}
	if strings.HasPrefix(name, "$") {
		return errors.Wrap(ErrBadValue, "collection name must not start with $")
	}
	if strings.ContainsRune(name, '"') {
		return errors.Wrap(ErrBadValue, `collection name must not contain "`)
	}
	if len(name) > 120 {
		return errors.Wrap(ErrBadValue, "collection name exceeds 120 bytes")
	}
	return nil
}

// ParseFieldIndex reports whether part is a valid array index segment
// of a dotted path, and returns the index. Nothing in this module calls
// it; jsonPath and Lookup0 parse index segments with strconv.Atoi.
func ParseFieldIndex(part string) (int, bool) {
	n, err := strconv.Atoi(part)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
