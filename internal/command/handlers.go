// Package command implements the behavior-level handlers that the
// dispatcher routes to: hello/isMaster, informational commands, CRUD,
// aggregate, getMore/killCursors, and index/collection/database admin.
package command

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mongosqld/internal/backend"
	"github.com/dot-do/mongosqld/internal/bsonutil"
	"github.com/dot-do/mongosqld/internal/cursor"
	"github.com/dot-do/mongosqld/internal/dispatch"
)

// Server bundles the shared dependencies every handler closes over:
// the storage backend, the cursor manager, and the fixed identity
// values reported in hello/buildInfo replies.
type Server struct {
	Backend       backend.Backend
	Cursors       *cursor.Manager
	ProcessID     bson.ObjectID
	BootTime      time.Time
	topologyCount int64
}

// NewServer creates a command server with a fresh process identity.
func NewServer(b backend.Backend, cursors *cursor.Manager) *Server {
	return &Server{
		Backend:   b,
		Cursors:   cursors,
		ProcessID: bsonutil.NewObjectID(),
		BootTime:  time.Now(),
	}
}

// Register binds every handler this package implements into r.
func (s *Server) Register(r *dispatch.Registry) {
	r.Register("hello", s.Hello)
	r.Register("isMaster", s.Hello)
	r.Register("ismaster", s.Hello)
	r.Register("ping", s.Ping)
	r.Register("buildInfo", s.BuildInfo)
	r.Register("buildinfo", s.BuildInfo)
	r.Register("hostInfo", s.HostInfo)
	r.Register("whatsmyuri", s.WhatsMyURI)
	r.Register("getLog", s.GetLog)
	r.Register("getParameter", s.GetParameter)
	r.Register("getCmdLineOpts", s.GetCmdLineOpts)
	r.Register("startSession", s.StartSession)
	r.Register("saslStart", s.SaslStart)
	r.Register("saslContinue", s.SaslContinue)
	r.Register("explain", s.Explain)

	r.Register("insert", s.Insert)
	r.Register("update", s.Update)
	r.Register("delete", s.Delete)
	r.Register("find", s.Find)
	r.Register("findAndModify", s.FindAndModify)
	r.Register("getMore", s.GetMore)
	r.Register("killCursors", s.KillCursors)
	r.Register("aggregate", s.Aggregate)

	r.Register("createIndexes", s.CreateIndexes)
	r.Register("dropIndexes", s.DropIndexes)
	r.Register("listIndexes", s.ListIndexes)
	r.Register("listCollections", s.ListCollections)
	r.Register("listDatabases", s.ListDatabases)
	r.Register("drop", s.DropCollection)
	r.Register("dropDatabase", s.DropDatabase)
	r.Register("renameCollection", s.RenameCollection)
	r.Register("create", s.CreateCollection)
}

func okReply(fields ...bson.E) bson.D {
	d := bson.D{}
	d = append(d, fields...)
	d = append(d, bson.E{Key: "ok", Value: float64(1)})
	return d
}

func stringField(cmd bson.D, key string) (string, bool) {
	for _, e := range cmd {
		if e.Key == key {
			s, ok := e.Value.(string)
			return s, ok
		}
	}
	return "", false
}

func docField(cmd bson.D, key string) (bson.D, bool) {
	for _, e := range cmd {
		if e.Key == key {
			d, ok := e.Value.(bson.D)
			return d, ok
		}
	}
	return nil, false
}

func arrField(cmd bson.D, key string) (bson.A, bool) {
	for _, e := range cmd {
		if e.Key == key {
			a, ok := e.Value.(bson.A)
			return a, ok
		}
	}
	return nil, false
}

func intField(cmd bson.D, key string) (int, bool) {
	for _, e := range cmd {
		if e.Key == key {
			switch n := e.Value.(type) {
			case int32:
				return int(n), true
			case int64:
				return int(n), true
			case float64:
				return int(n), true
			}
		}
	}
	return 0, false
}

func boolField(cmd bson.D, key string) (bool, bool) {
	for _, e := range cmd {
		if e.Key == key {
			b, ok := e.Value.(bool)
			return b, ok
		}
	}
	return false, false
}

func anyField(cmd bson.D, key string) (any, bool) {
	for _, e := range cmd {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func namespace(db, coll string) string { return db + "." + coll }
