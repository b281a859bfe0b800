package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestOpMsgRoundTrip(t *testing.T) {
	body := mustEncode(t, bson.D{{Key: "ping", Value: int32(1)}, {Key: "$db", Value: "admin"}})
	reply := WriteOpMsg(7, 3, body)

	msg, err := Read(bytes.NewReader(reply), 48*1024*1024)
	require.NoError(t, err)

	opMsg, ok := msg.(*OpMsg)
	require.True(t, ok)
	assert.EqualValues(t, len(reply), opMsg.Header.MessageLength)
	assert.Equal(t, int32(7), opMsg.Header.RequestID)
	assert.Equal(t, int32(3), opMsg.Header.ResponseTo)
	assert.Equal(t, OpMsgOpCode, opMsg.Header.OpCode)

	got, err := opMsg.Body()
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestOpMsgDocumentSequence(t *testing.T) {
	bodyDoc := mustEncode(t, bson.D{{Key: "insert", Value: "c"}, {Key: "$db", Value: "test"}})
	doc1 := mustEncode(t, bson.D{{Key: "_id", Value: "a"}})
	doc2 := mustEncode(t, bson.D{{Key: "_id", Value: "b"}})

	seqBody := make([]byte, 0)
	seqBody = append(seqBody, 0) // not used by the frame built below

	// Build a raw OP_MSG with one kind-0 and one kind-1 section by hand,
	// mirroring what a real driver sends for `insert`.
	var payload []byte
	payload = append(payload, 0, 0, 0, 0) // flag bits
	payload = append(payload, 0)          // kind 0
	payload = append(payload, bodyDoc...)

	identifier := "documents"
	var seq []byte
	seq = append(seq, identifier...)
	seq = append(seq, 0)
	seq = append(seq, doc1...)
	seq = append(seq, doc2...)
	sectionLen := 4 + len(seq)
	lenBytes := []byte{byte(sectionLen), byte(sectionLen >> 8), byte(sectionLen >> 16), byte(sectionLen >> 24)}

	payload = append(payload, 1) // kind 1
	payload = append(payload, lenBytes...)
	payload = append(payload, seq...)

	total := 16 + len(payload)
	full := make([]byte, total)
	full[0] = byte(total)
	full[1] = byte(total >> 8)
	full[2] = byte(total >> 16)
	full[3] = byte(total >> 24)
	full[12] = byte(OpMsgOpCode)
	full[13] = byte(OpMsgOpCode >> 8)
	copy(full[16:], payload)

	msg, err := Read(bytes.NewReader(full), 48*1024*1024)
	require.NoError(t, err)
	opMsg := msg.(*OpMsg)

	docs := opMsg.DocumentSequence("documents")
	require.Len(t, docs, 2)
	assert.Equal(t, doc1, docs[0])
	assert.Equal(t, doc2, docs[1])
}

func TestReadRejectsShortMessageLength(t *testing.T) {
	buf := []byte{4, 0, 0, 0}
	_, err := Read(bytes.NewReader(buf), 48*1024*1024)
	require.Error(t, err)
}

func TestReadRejectsOversizedMessage(t *testing.T) {
	body := mustEncode(t, bson.D{{Key: "ping", Value: int32(1)}})
	reply := WriteOpMsg(1, 0, body)
	_, err := Read(bytes.NewReader(reply), 8)
	require.Error(t, err)
}

func TestOpQueryRoundTripDecode(t *testing.T) {
	query := mustEncode(t, bson.D{{Key: "isMaster", Value: int32(1)}})

	var payload []byte
	flags := uint32(0)
	payload = append(payload, byte(flags), byte(flags >> 8), byte(flags >> 16), byte(flags >> 24))
	payload = append(payload, "admin.$cmd"...)
	payload = append(payload, 0)
	numberToSkip := int32(0)
	numberToReturn := int32(-1)
	payload = append(payload, byte(numberToSkip), byte(numberToSkip >> 8), byte(numberToSkip >> 16), byte(numberToSkip >> 24))
	payload = append(payload, byte(numberToReturn), byte(numberToReturn >> 8), byte(numberToReturn >> 16), byte(numberToReturn >> 24))
	payload = append(payload, query...)

	total := 16 + len(payload)
	full := make([]byte, total)
	full[0] = byte(total)
	full[1] = byte(total >> 8)
	full[12] = byte(OpQueryOpCode)
	full[13] = byte(OpQueryOpCode >> 8)
	copy(full[16:], payload)

	msg, err := Read(bytes.NewReader(full), 48*1024*1024)
	require.NoError(t, err)
	opQuery := msg.(*OpQuery)
	assert.Equal(t, "admin.$cmd", opQuery.FullCollectionName)
	assert.Equal(t, int32(-1), opQuery.NumberToReturn)
	assert.Equal(t, query, opQuery.Query)
}

func TestWriteOpReplyHeaderInvariant(t *testing.T) {
	doc := mustEncode(t, bson.D{{Key: "ismaster", Value: true}, {Key: "ok", Value: float64(1)}})
	buf := WriteOpReply(42, 7, OpReplyMsg{NumberReturned: 1, Documents: [][]byte{doc}})
	length := int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16 | int32(buf[3])<<24
	assert.EqualValues(t, len(buf), length)
}
