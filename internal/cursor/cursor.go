// Package cursor implements the server-side cursor lifecycle: id
// allocation, batching, getMore, killCursors, and idle-timeout reaping.
package cursor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrNotFound is returned when a cursor id is not known to the server at
// all, or not owned by the issuing connection.
var ErrNotFound = errors.New("cursor: not found")

// Source lazily produces the documents behind a cursor. The SQLite
// backend serves both find and aggregate cursors from one implementation
// over an already-materialized result slice. Implementations must be safe to
// call from exactly one goroutine at a time (the cursor manager never
// calls concurrently into the same cursor), but Close must be callable
// concurrently with a pending Next.
type Source interface {
	// Next returns up to n more documents, and whether the source is now
	// exhausted (no further documents will ever be produced).
	Next(ctx context.Context, n int) (docs []bson.D, exhausted bool, err error)
	// Close releases whatever the source holds. Called at most once.
	Close()
}

// State is the externally-visible shape of a live cursor.
type State struct {
	ID           int64
	Namespace    string
	BatchSize    int
	CreatedAt    time.Time
	LastAccessAt time.Time
}

type entry struct {
	id           int64
	namespace    string
	connectionID int64
	source       Source
	batchSize    int
	createdAt    time.Time

	mu           sync.Mutex
	lastAccessAt time.Time
	closeOnce    sync.Once
}

func (e *entry) close() {
	e.closeOnce.Do(e.source.Close)
}

// Manager owns every live cursor on the server, independent of which
// connection created it. Connections separately track which ids they
// own (package session), so that getMore from the wrong connection
// fails even though the cursor is still alive here.
type Manager struct {
	idleTimeout time.Duration
	cache       *lru.LRU[int64, *entry]
}

// NewManager creates a cursor manager that reaps cursors idle for
// longer than idleTimeout. The LRU is sized generously (1<<20 entries)
// since real eviction pressure in this design comes from the TTL, not
// from a capacity bound.
func NewManager(idleTimeout time.Duration) *Manager {
	m := &Manager{idleTimeout: idleTimeout}
	m.cache = lru.NewLRU[int64, *entry](1<<20, func(_ int64, e *entry) {
		e.close()
	}, idleTimeout)
	return m
}

// newID generates a non-zero, positive 63-bit id, retrying on
// collision. 0 is reserved as the "no more results" sentinel.
func (m *Manager) newID() int64 {
	for {
		id := rand.Int63()
		if id == 0 {
			continue
		}
		if _, ok := m.cache.Get(id); !ok {
			return id
		}
	}
}

// Open registers a new cursor over source and returns its id. It does
// not check whether source has anything left; callers skip Open when
// the first batch already drained the result, so that such a result
// never gets an id.
func (m *Manager) Open(connectionID int64, namespace string, batchSize int, source Source) int64 {
	id := m.newID()
	e := &entry{
		id:           id,
		namespace:    namespace,
		connectionID: connectionID,
		source:       source,
		batchSize:    batchSize,
		createdAt:    time.Now(),
		lastAccessAt: time.Now(),
	}
	m.cache.Add(id, e)
	return id
}

// Next pulls up to batchSize documents (falling back to the cursor's
// configured batch size when batchSize <= 0) from the cursor's
// underlying source, or until the deadline elapses. If the source
// becomes exhausted, the cursor is closed and removed and the returned
// id is 0; otherwise the same id is returned so the caller can continue
// with getMore.
func (m *Manager) Next(ctx context.Context, connectionID, id int64, batchSize int, deadline time.Time) (docs []bson.D, nextID int64, err error) {
	e, ok := m.cache.Get(id)
	if !ok || e.connectionID != connectionID {
		return nil, 0, ErrNotFound
	}
	if batchSize <= 0 {
		batchSize = e.batchSize
	}
	if batchSize <= 0 {
		batchSize = 101
	}

	e.mu.Lock()
	e.lastAccessAt = time.Now()
	e.mu.Unlock()

	nextCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		nextCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	docs, exhausted, err := e.source.Next(nextCtx, batchSize)
	if err != nil && len(docs) == 0 {
		return nil, 0, err
	}

	if exhausted {
		e.close()
		m.cache.Remove(id)
		return docs, 0, nil
	}

	// Refresh the TTL window by re-adding: the library's expiry clock
	// runs from the most recent Add, giving us last-access (not
	// creation-time) idle reaping.
	m.cache.Add(id, e)
	return docs, id, nil
}

// Kill closes and removes cursors by id, partitioning the input per the
// killCursors contract: cursorsKilled for ids that existed and were
// owned by connectionID, cursorsNotFound for ids unknown to the server,
// and cursorsAlive for ids that exist but are owned by another
// connection. cursorsUnknown covers malformed ids, which callers filter
// before calling Kill, so Kill does not report it.
func (m *Manager) Kill(connectionID int64, ids []int64) (killed, notFound, alive []int64) {
	for _, id := range ids {
		e, ok := m.cache.Get(id)
		switch {
		case !ok:
			notFound = append(notFound, id)
		case e.connectionID != connectionID:
			alive = append(alive, id)
		default:
			e.close()
			m.cache.Remove(id)
			killed = append(killed, id)
		}
	}
	return killed, notFound, alive
}

// CloseConnection closes and removes every cursor owned by
// connectionID, called on socket close or fatal protocol error.
func (m *Manager) CloseConnection(connectionID int64, ids []int64) {
	for _, id := range ids {
		if e, ok := m.cache.Get(id); ok && e.connectionID == connectionID {
			e.close()
			m.cache.Remove(id)
		}
	}
}

// Len reports the number of live cursors, for diagnostics/tests.
func (m *Manager) Len() int {
	return m.cache.Len()
}
