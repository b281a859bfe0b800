package command

import (
	"sync/atomic"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/dispatch"
)

// Hello answers hello/isMaster. It always reports a standalone, always
// writable primary: this server has no replica set concept, so the
// honest single-node topology is the only one it can truthfully report.
func (s *Server) Hello(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	helloOk, _ := boolField(cmd, "helloOk")
	cc.Connection.MarkHandshook(helloOk)

	reply := bson.D{
		{Key: "isWritablePrimary", Value: true},
		{Key: "ismaster", Value: true},
		{Key: "maxBsonObjectSize", Value: int32(16 * 1024 * 1024)},
		{Key: "maxMessageSizeBytes", Value: int32(48 * 1024 * 1024)},
		{Key: "maxWriteBatchSize", Value: int32(100000)},
		{Key: "localTime", Value: cc.Now},
		{Key: "logicalSessionTimeoutMinutes", Value: int32(30)},
		{Key: "connectionId", Value: int32(cc.Connection.ID)},
		{Key: "minWireVersion", Value: int32(0)},
		{Key: "maxWireVersion", Value: int32(21)},
		{Key: "readOnly", Value: false},
		{Key: "topologyVersion", Value: bson.D{
			{Key: "processId", Value: s.ProcessID},
			{Key: "counter", Value: atomic.AddInt64(&s.topologyCount, 1)},
		}},
	}
	if helloOk {
		reply = append(reply, bson.E{Key: "helloOk", Value: true})
	}
	if user, ok := stringField(cmd, "saslSupportedMechs"); ok && user != "" {
		reply = append(reply, bson.E{Key: "saslSupportedMechs", Value: bson.A{"SCRAM-SHA-256"}})
	}
	return okReply(reply...), nil
}

// SaslStart and SaslContinue advertise SCRAM-SHA-256 support (drivers
// probe for it via hello's saslSupportedMechs) without enforcing
// authentication: every handshake is accepted unconditionally, per the
// stated Non-goal that auth enforcement is out of scope while the
// ambient handshake shape is still fully implemented.
func (s *Server) SaslStart(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	cc.Connection.Authenticate("", cc.DB)
	return okReply(
		bson.E{Key: "conversationId", Value: int32(1)},
		bson.E{Key: "done", Value: true},
		bson.E{Key: "payload", Value: []byte{}},
	), nil
}

func (s *Server) SaslContinue(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	return okReply(
		bson.E{Key: "conversationId", Value: int32(1)},
		bson.E{Key: "done", Value: true},
		bson.E{Key: "payload", Value: []byte{}},
	), nil
}

// Ping answers the liveness probe used by drivers and monitors.
func (s *Server) Ping(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	return okReply(), nil
}

// BuildInfo reports a version string and fixed capability flags.
func (s *Server) BuildInfo(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	return okReply(
		bson.E{Key: "version", Value: "7.0.0-mongosqld"},
		bson.E{Key: "versionArray", Value: bson.A{int32(7), int32(0), int32(0), int32(0)}},
		bson.E{Key: "bits", Value: int32(64)},
		bson.E{Key: "maxBsonObjectSize", Value: int32(16 * 1024 * 1024)},
		bson.E{Key: "storageEngines", Value: bson.A{"mongosqld"}},
	), nil
}

// HostInfo reports a minimal, deterministic host descriptor.
func (s *Server) HostInfo(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	return okReply(
		bson.E{Key: "system", Value: bson.D{{Key: "currentTime", Value: cc.Now}}},
	), nil
}

// WhatsMyURI reports the peer address recorded at connection accept.
func (s *Server) WhatsMyURI(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	return okReply(bson.E{Key: "you", Value: cc.Connection.RemoteAddr}), nil
}

// GetLog returns an empty deterministic log buffer: this server has no
// in-memory ring buffer of recent log lines to expose.
func (s *Server) GetLog(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	return okReply(
		bson.E{Key: "totalLinesWritten", Value: int64(0)},
		bson.E{Key: "log", Value: bson.A{}},
	), nil
}

// GetParameter reports an empty parameter set: server parameters here
// are all fixed at startup via package config, not adjustable live.
func (s *Server) GetParameter(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	return okReply(), nil
}

// GetCmdLineOpts reports the (empty) parsed argv and a placeholder
// parsed representation, matching the shape drivers poll for but not
// its content, since no option here is dynamically reconfigurable.
func (s *Server) GetCmdLineOpts(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	return okReply(
		bson.E{Key: "argv", Value: bson.A{}},
		bson.E{Key: "parsed", Value: bson.D{}},
	), nil
}

// StartSession lazily allocates (or returns) this connection's logical
// session id.
func (s *Server) StartSession(cc dispatch.CommandContext, cmd bson.D) (bson.D, error) {
	id := cc.Connection.EnsureLogicalSession()
	return okReply(bson.E{Key: "id", Value: bson.D{{Key: "id", Value: id.String()}}}), nil
}
