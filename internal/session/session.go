// Package session tracks per-connection state: identity, handshake and
// auth status, and the set of cursors the connection owns.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var nextConnectionID int64

// Connection is the state the server keeps for one TCP connection, from
// accept to teardown.
type Connection struct {
	ID            int64
	RemoteAddr    string
	mu            sync.Mutex
	handshook     bool
	helloOk       bool
	authenticated bool
	authUser      string
	authDB        string
	compressed    bool
	logicalSessionID uuid.UUID
	hasSession    bool
	cursorIDs     map[int64]struct{}
}

// New allocates a Connection with a fresh monotonic id.
func New(remoteAddr string) *Connection {
	return &Connection{
		ID:         atomic.AddInt64(&nextConnectionID, 1),
		RemoteAddr: remoteAddr,
		cursorIDs:  make(map[int64]struct{}),
	}
}

// MarkHandshook records that hello/isMaster has been processed, and
// whether the client opted into helloOk replies.
func (c *Connection) MarkHandshook(helloOk bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshook = true
	c.helloOk = helloOk
}

// Handshook reports whether hello/isMaster has been processed.
func (c *Connection) Handshook() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshook
}

// HelloOk reports whether the client negotiated helloOk semantics.
func (c *Connection) HelloOk() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.helloOk
}

// Authenticate records a (stubbed) successful authentication. All
// commands are permitted regardless of this state; it exists only so
// `connectionStatus`-style introspection can report something plausible.
func (c *Connection) Authenticate(user, db string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.authUser = user
	c.authDB = db
}

// AuthInfo returns the recorded authenticated user/db, if any.
func (c *Connection) AuthInfo() (user, db string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authUser, c.authDB, c.authenticated
}

// EnsureLogicalSession lazily assigns a logical session id the first
// time a client starts one (`startSession`), and returns it on every
// subsequent call.
func (c *Connection) EnsureLogicalSession() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasSession {
		c.logicalSessionID = uuid.New()
		c.hasSession = true
	}
	return c.logicalSessionID
}

// AddCursor records that this connection owns the given cursor id.
func (c *Connection) AddCursor(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursorIDs[id] = struct{}{}
}

// RemoveCursor forgets a cursor id owned by this connection.
func (c *Connection) RemoveCursor(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cursorIDs, id)
}

// OwnsCursor reports whether this connection owns the given cursor id.
func (c *Connection) OwnsCursor(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cursorIDs[id]
	return ok
}

// CursorIDs returns a snapshot of the cursor ids currently owned by this
// connection, used when tearing down on connection close.
func (c *Connection) CursorIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.cursorIDs))
	for id := range c.cursorIDs {
		ids = append(ids, id)
	}
	return ids
}
