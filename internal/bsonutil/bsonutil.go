// Package bsonutil adapts the binary document representation used on the
// wire to typed Go values. It does not implement BSON itself; it wraps
// go.mongodb.org/mongo-driver/v2/bson and bsoncore so the rest of the
// server never touches the byte-level encoding directly.
package bsonutil

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrMalformed is returned when a document cannot be decoded because its
// embedded length overruns the buffer or a field name is not valid UTF-8.
var ErrMalformed = errors.New("bsonutil: malformed document")

// Doc is an ordered document: insertion order is preserved on encode, as
// required for the leading _id field and for deterministic wire replies.
type Doc = bson.D

// E is a single document element (field name + value).
type E = bson.E

// M is an unordered convenience map, used where field order genuinely
// does not matter (building synthetic command replies).
type M = bson.M

// A is a BSON array.
type A = bson.A

// NewObjectID generates a fresh 12-byte object id, used whenever a document
// is inserted without one and whenever the server needs a stable process
// identity (topologyVersion.processId).
func NewObjectID() bson.ObjectID {
	return bson.NewObjectID()
}

// Decode parses exactly one document from buf, returning the value and
// the number of bytes it occupied. Decoding a truncated or invalid
// document returns ErrMalformed wrapping the underlying cause.
func Decode(buf []byte) (Doc, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrMalformed
	}
	length := int(int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16 | int32(buf[3])<<24)
	if length < 5 || length > len(buf) {
		return nil, 0, errors.Wrapf(ErrMalformed, "declared length %d exceeds buffer of %d bytes", length, len(buf))
	}
	var d Doc
	if err := bson.Unmarshal(buf[:length], &d); err != nil {
		return nil, 0, errors.Wrap(ErrMalformed, err.Error())
	}
	return d, length, nil
}

// DecodeInto parses exactly one document from buf into a target struct or
// map, for handlers that want typed field access instead of a raw Doc.
func DecodeInto(buf []byte, v any) (int, error) {
	if len(buf) < 4 {
		return 0, ErrMalformed
	}
	length := int(int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16 | int32(buf[3])<<24)
	if length < 5 || length > len(buf) {
		return 0, errors.Wrapf(ErrMalformed, "declared length %d exceeds buffer of %d bytes", length, len(buf))
	}
	if err := bson.Unmarshal(buf[:length], v); err != nil {
		return 0, errors.Wrap(ErrMalformed, err.Error())
	}
	return length, nil
}

// Encode serializes v (a Doc, M, or any bson-tagged struct) and returns
// the encoded bytes (their length is len of the slice), satisfying the
// round-trip property:
// Decode(Encode(d)) == d up to field order.
func Encode(v any) ([]byte, error) {
	buf, err := bson.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "bsonutil: encode")
	}
	return buf, nil
}

// Lookup finds the first element named key in d, returning its value and
// whether it was present. Dotted paths are not traversed here; callers
// wanting dotted-path lookups use query.Lookup0.
func Lookup(d Doc, key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// FirstKey returns the name of the first field in d, used by the command
// dispatcher: the command name is the first field of the command
// document in insertion order.
func FirstKey(d Doc) (string, bool) {
	if len(d) == 0 {
		return "", false
	}
	return d[0].Key, true
}

// ToMap flattens a Doc into a plain map, discarding order. Used only at
// boundaries (logging, JSON bridging for the SQL backend) that do not
// need order preservation.
func ToMap(d Doc) M {
	m := make(M, len(d))
	for _, e := range d {
		m[e.Key] = e.Value
	}
	return m
}

// Set returns a copy of d with key set to value, appending it if absent
// and replacing it in place (preserving position) if present.
func Set(d Doc, key string, value any) Doc {
	out := make(Doc, len(d))
	copy(out, d)
	for i, e := range out {
		if e.Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, E{Key: key, Value: value})
}
