// Package session tracks which connection currently serves each
// authenticated user. At most one connection per user exists at any instant;
// a second login displaces the first.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lipc-project/lipc-engine/internal/message"
)

// Conn is the outbound surface of a live connection. Implemented by the
// server's connection type; tests use lightweight fakes.
type Conn interface {
	// Send enqueues a frame without blocking; false means the queue was full
	// or the connection is closing.
	Send(m message.Message) bool
	// SendTimeout blocks up to d for queue space.
	SendTimeout(m message.Message, d time.Duration) bool
	// Close tears the connection down. reason is logged, not sent.
	Close(reason string)
}

// Registry is the process-wide user → connection map. All mutations happen
// under one mutex; lookups may race with a closing connection, which callers
// surface as TARGET_NOT_AVAILABLE.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Conn
	log   zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{conns: make(map[string]Conn), log: log}
}

// Register binds userID to conn and returns the displaced connection, if any.
// The caller owns displacement side effects (notice, call teardown, close).
func (r *Registry) Register(userID string, c Conn) (displaced Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[userID]
	r.conns[userID] = c
	if prev != nil && prev != c {
		r.log.Info().Str("user_id", userID).Msg("session displaced by new connection")
		return prev
	}
	return nil
}

// Lookup returns the connection serving userID.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Unregister removes the binding only if it still points at c. A stale
// connection closing after displacement must not evict its replacement.
func (r *Registry) Unregister(userID string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[userID]; ok && cur == c {
		delete(r.conns, userID)
		return true
	}
	return false
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
