// Package wire implements framing for the MongoDB binary wire protocol:
// the MsgHeader, OP_MSG (kind-0/kind-1 sections), legacy OP_QUERY, and
// OP_REPLY. Everything here is little-endian, as mandated by the
// protocol, and none of it depends on a particular command semantics —
// dispatch lives in package dispatch and the handlers in package command.
package wire

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// OpCode identifies the kind of a wire message. Values mirror the real
// protocol's opcodes, the same ones the MongoDB Go driver's internal
// wiremessage package uses on the client side.
type OpCode int32

const (
	OpReply       OpCode = 1
	OpQueryOpCode OpCode = 2004
	OpMsgOpCode   OpCode = 2013
)

// Flag bits for OP_MSG.
const (
	FlagChecksumPresent uint32 = 1 << 0
	FlagMoreToCome      uint32 = 1 << 1
	FlagExhaustAllowed  uint32 = 1 << 16
)

// Flag bits for OP_QUERY.
const (
	QueryFlagTailableCursor uint32 = 1 << 1
	QueryFlagSlaveOK        uint32 = 1 << 2
	QueryFlagNoCursorTimeout uint32 = 1 << 4
	QueryFlagAwaitData      uint32 = 1 << 5
	QueryFlagExhaust        uint32 = 1 << 6
)

// ErrProtocol marks a malformed frame that must close the connection
// without a reply, per the error taxonomy in the design (ProtocolError).
var ErrProtocol = errors.New("wire: protocol error")

// MsgHeader is the fixed 16-byte header that precedes every message.
type MsgHeader struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        OpCode
}

const headerLen = 16

// crcTable is the Castagnoli CRC-32C table used to verify OP_MSG
// checksums; the polynomial is mandated by the wire protocol, not a
// design choice, so the standard library's table-driven crc32 suffices
// here (there is no third-party CRC-32C implementation in the example
// corpus to ground an alternative on).
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Section is one section of an OP_MSG body: either the single kind-0
// body document or a kind-1 identified document sequence.
type Section struct {
	Kind       byte
	Identifier string   // kind 1 only
	Documents  [][]byte // raw encoded documents, kind 0 has exactly one
}

// OpMsg is a parsed OP_MSG message.
type OpMsg struct {
	Header   MsgHeader
	FlagBits uint32
	Sections []Section
	Checksum uint32
}

// Body returns the single kind-0 body document, which every well-formed
// OP_MSG must carry exactly once.
func (m *OpMsg) Body() ([]byte, error) {
	for _, s := range m.Sections {
		if s.Kind == 0 {
			return s.Documents[0], nil
		}
	}
	return nil, errors.Wrap(ErrProtocol, "OP_MSG missing kind-0 body section")
}

// DocumentSequence returns the documents of the kind-1 section with the
// given identifier, or nil if no such section exists.
func (m *OpMsg) DocumentSequence(identifier string) [][]byte {
	for _, s := range m.Sections {
		if s.Kind == 1 && s.Identifier == identifier {
			return s.Documents
		}
	}
	return nil
}

// OpQuery is a parsed legacy OP_QUERY message, accepted only for the
// pre-handshake hello/isMaster exchange.
type OpQuery struct {
	Header               MsgHeader
	Flags                uint32
	FullCollectionName   string
	NumberToSkip         int32
	NumberToReturn       int32
	Query                []byte
	ReturnFieldsSelector []byte
}

// OpReplyMsg is a legacy OP_REPLY message, used only to answer OP_QUERY
// handshakes.
type OpReplyMsg struct {
	ResponseFlags  int32
	CursorID       int64
	StartingFrom   int32
	NumberReturned int32
	Documents      [][]byte
}

// Message is the sum type produced by Read: either an OpMsg or an
// OpQuery.
type Message interface {
	isMessage()
}

func (*OpMsg) isMessage()   {}
func (*OpQuery) isMessage() {}

func readFull(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readCString(buf []byte) (string, int, error) {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), i + 1, nil
		}
	}
	return "", 0, errors.Wrap(ErrProtocol, "unterminated C-string")
}

func readDocumentLen(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, errors.Wrap(ErrProtocol, "truncated document length")
	}
	length := int(int32(binary.LittleEndian.Uint32(buf)))
	if length < 5 || length > len(buf) {
		return 0, errors.Wrap(ErrProtocol, "document length overruns buffer")
	}
	return length, nil
}

// Read reads one framed message from r. It rejects messageLength < 16 or
// greater than maxMessageSizeBytes, and verifies the OP_MSG checksum
// when CHECKSUM_PRESENT is set.
func Read(r io.Reader, maxMessageSizeBytes int32) (Message, error) {
	lenBuf, err := readFull(r, 4)
	if err != nil {
		return nil, err
	}
	messageLength := int32(binary.LittleEndian.Uint32(lenBuf))
	if messageLength < headerLen {
		return nil, errors.Wrapf(ErrProtocol, "messageLength %d below minimum header size", messageLength)
	}
	if messageLength > maxMessageSizeBytes {
		return nil, errors.Wrapf(ErrProtocol, "messageLength %d exceeds maxMessageSizeBytes %d", messageLength, maxMessageSizeBytes)
	}
	rest, err := readFull(r, int(messageLength)-4)
	if err != nil {
		return nil, err
	}
	full := append(lenBuf, rest...)

	header := MsgHeader{
		MessageLength: messageLength,
		RequestID:     int32(binary.LittleEndian.Uint32(full[4:8])),
		ResponseTo:    int32(binary.LittleEndian.Uint32(full[8:12])),
		OpCode:        OpCode(int32(binary.LittleEndian.Uint32(full[12:16]))),
	}
	payload := full[headerLen:]

	switch header.OpCode {
	case OpMsgOpCode:
		return parseOpMsg(header, payload)
	case OpQueryOpCode:
		return parseOpQuery(header, payload)
	default:
		return nil, errors.Wrapf(ErrProtocol, "unsupported opcode %d", header.OpCode)
	}
}

func parseOpMsg(header MsgHeader, payload []byte) (*OpMsg, error) {
	if len(payload) < 4 {
		return nil, errors.Wrap(ErrProtocol, "OP_MSG payload shorter than flag bits")
	}
	flagBits := binary.LittleEndian.Uint32(payload[0:4])
	body := payload[4:]

	var checksum uint32
	hasChecksum := flagBits&FlagChecksumPresent != 0
	if hasChecksum {
		if len(body) < 4 {
			return nil, errors.Wrap(ErrProtocol, "OP_MSG checksum flag set but no checksum bytes present")
		}
		checksumOffset := len(body) - 4
		checksum = binary.LittleEndian.Uint32(body[checksumOffset:])
		// The checksum covers the header too, so it is re-derived rather
		// than re-read from payload (payload excludes the header).
		headerBytes := make([]byte, headerLen)
		binary.LittleEndian.PutUint32(headerBytes[0:4], uint32(header.MessageLength))
		binary.LittleEndian.PutUint32(headerBytes[4:8], uint32(header.RequestID))
		binary.LittleEndian.PutUint32(headerBytes[8:12], uint32(header.ResponseTo))
		binary.LittleEndian.PutUint32(headerBytes[12:16], uint32(header.OpCode))
		full := append(append([]byte{}, headerBytes...), payload[:4+checksumOffset]...)
		computed := crc32.Checksum(full, crcTable)
		if computed != checksum {
			return nil, errors.Wrap(ErrChecksumMismatch, "OP_MSG CRC-32C mismatch")
		}
		body = body[:checksumOffset]
	}

	var sections []Section
	seenKind0 := false
	identifiers := map[string]bool{}
	for len(body) > 0 {
		kind := body[0]
		body = body[1:]
		switch kind {
		case 0:
			if seenKind0 {
				return nil, errors.Wrap(ErrProtocol, "OP_MSG has more than one kind-0 section")
			}
			seenKind0 = true
			docLen, err := readDocumentLen(body)
			if err != nil {
				return nil, err
			}
			sections = append(sections, Section{Kind: 0, Documents: [][]byte{body[:docLen]}})
			body = body[docLen:]
		case 1:
			if len(body) < 4 {
				return nil, errors.Wrap(ErrProtocol, "OP_MSG kind-1 section truncated")
			}
			sectionLen := int(int32(binary.LittleEndian.Uint32(body[0:4])))
			if sectionLen < 5 || sectionLen > len(body) {
				return nil, errors.Wrap(ErrProtocol, "OP_MSG kind-1 section length overruns buffer")
			}
			sectionBody := body[4:sectionLen]
			identifier, n, err := readCString(sectionBody)
			if err != nil {
				return nil, err
			}
			if identifiers[identifier] {
				return nil, errors.Wrapf(ErrProtocol, "duplicate kind-1 identifier %q", identifier)
			}
			identifiers[identifier] = true
			sectionBody = sectionBody[n:]
			var docs [][]byte
			for len(sectionBody) > 0 {
				docLen, err := readDocumentLen(sectionBody)
				if err != nil {
					return nil, err
				}
				docs = append(docs, sectionBody[:docLen])
				sectionBody = sectionBody[docLen:]
			}
			sections = append(sections, Section{Kind: 1, Identifier: identifier, Documents: docs})
			body = body[sectionLen:]
		default:
			return nil, errors.Wrapf(ErrProtocol, "unknown OP_MSG section kind %d", kind)
		}
	}
	if !seenKind0 {
		return nil, errors.Wrap(ErrProtocol, "OP_MSG missing required kind-0 section")
	}

	return &OpMsg{Header: header, FlagBits: flagBits, Sections: sections, Checksum: checksum}, nil
}

// ErrChecksumMismatch is returned when an OP_MSG's CRC-32C checksum does
// not match its declared payload.
var ErrChecksumMismatch = errors.New("wire: checksum mismatch")

func parseOpQuery(header MsgHeader, payload []byte) (*OpQuery, error) {
	if len(payload) < 4 {
		return nil, errors.Wrap(ErrProtocol, "OP_QUERY payload shorter than flags")
	}
	flags := binary.LittleEndian.Uint32(payload[0:4])
	rest := payload[4:]
	collName, n, err := readCString(rest)
	if err != nil {
		return nil, err
	}
	rest = rest[n:]
	if len(rest) < 8 {
		return nil, errors.Wrap(ErrProtocol, "OP_QUERY truncated before skip/return counts")
	}
	numberToSkip := int32(binary.LittleEndian.Uint32(rest[0:4]))
	numberToReturn := int32(binary.LittleEndian.Uint32(rest[4:8]))
	rest = rest[8:]
	queryLen, err := readDocumentLen(rest)
	if err != nil {
		return nil, err
	}
	query := rest[:queryLen]
	rest = rest[queryLen:]

	var selector []byte
	if len(rest) > 0 {
		selLen, err := readDocumentLen(rest)
		if err != nil {
			return nil, err
		}
		selector = rest[:selLen]
	}

	return &OpQuery{
		Header:               header,
		Flags:                flags,
		FullCollectionName:   collName,
		NumberToSkip:         numberToSkip,
		NumberToReturn:       numberToReturn,
		Query:                query,
		ReturnFieldsSelector: selector,
	}, nil
}

// WriteOpMsg serializes an OP_MSG reply with the given requestID and
// responseTo, a single kind-0 body document, and zero flag bits (this
// server never sets MORE_TO_COME on a reply). It returns exactly
// 16 + 4 + 1 + len(body) bytes.
func WriteOpMsg(requestID, responseTo int32, body []byte) []byte {
	total := headerLen + 4 + 1 + len(body)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(responseTo))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(OpMsgOpCode))
	binary.LittleEndian.PutUint32(buf[16:20], 0) // flagBits
	buf[20] = 0                                  // kind 0
	copy(buf[21:], body)
	return buf
}

// WriteOpReply serializes a legacy OP_REPLY, used only to answer the
// pre-handshake OP_QUERY hello/isMaster.
func WriteOpReply(requestID, responseTo int32, reply OpReplyMsg) []byte {
	docsLen := 0
	for _, d := range reply.Documents {
		docsLen += len(d)
	}
	total := headerLen + 20 + docsLen
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(responseTo))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(OpReply))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(reply.ResponseFlags))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(reply.CursorID))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(reply.StartingFrom))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(reply.NumberReturned))
	offset := 36
	for _, d := range reply.Documents {
		copy(buf[offset:], d)
		offset += len(d)
	}
	return buf
}
