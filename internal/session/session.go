// Package session is the tunnel's session registry: a concurrent map
// from routing id to a live, authenticated transport session, with
// liveness tracked by last-ping timestamp. It is deliberately the same
// sync.Map-plus-atomics shape the reference connection monitor uses for
// per-bridge status tracking, generalised to a keyed table of sessions
// rather than a single global counter set.
package session

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"reversetunnel/internal/transport"
)

// DefaultClientID is the reserved routing id an edge uses for the one
// connection it maintains to its supernode, and the id the ingress
// falls back to when no per-tenant session is registered.
const DefaultClientID = "default_client_id"

// StaleAfter is the liveness threshold: a session with no refreshed
// ping_at for longer than this is considered dead.
const StaleAfter = 60 * time.Second

// SweepInterval is how often the background sweeper removes stale
// entries proactively.
const SweepInterval = 10 * time.Minute

// logInterval is how often the registry logs a summary line, matching
// the reference monitor's periodic logging cadence.
const logInterval = 15 * time.Second

// Session is a live authenticated binding of a routing id to a
// transport connection.
type Session struct {
	RoutingID string
	Conn      *transport.Conn
	meta      atomic.Pointer[map[string]any]
	pingAt    atomic.Int64 // unix nanos
}

// Meta returns a snapshot of the session's metadata map.
func (s *Session) Meta() map[string]any {
	m := s.meta.Load()
	if m == nil {
		return map[string]any{}
	}
	return *m
}

// SetMeta replaces the stored metadata wholesale.
func (s *Session) SetMeta(m map[string]any) {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	s.meta.Store(&cp)
}

// MergeMeta merges m into the existing metadata, used by SetSessionMeta.
func (s *Session) MergeMeta(m map[string]any) {
	merged := s.Meta()
	cp := make(map[string]any, len(merged)+len(m))
	for k, v := range merged {
		cp[k] = v
	}
	for k, v := range m {
		cp[k] = v
	}
	s.meta.Store(&cp)
}

// Touch refreshes the session's liveness timestamp to now.
func (s *Session) Touch() {
	s.pingAt.Store(time.Now().UnixNano())
}

// PingAt returns the last-refreshed liveness timestamp.
func (s *Session) PingAt() time.Time {
	return time.Unix(0, s.pingAt.Load())
}

// Stale reports whether the session has not been refreshed within
// StaleAfter.
func (s *Session) Stale() bool {
	return time.Since(s.PingAt()) > StaleAfter
}

// Registry is the process-wide table of live sessions.
type Registry struct {
	sessions sync.Map // routing id -> *Session

	totalAuthed atomic.Int64
	logOnce     sync.Once
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{}
}

// Insert binds routingID to a fresh session wrapping conn, replacing
// any prior session under the same id. It returns the new session; a
// replaced session is dropped without closing its connection.
func (r *Registry) Insert(routingID string, conn *transport.Conn, meta map[string]any) *Session {
	sess := &Session{RoutingID: routingID, Conn: conn}
	sess.SetMeta(meta)
	sess.Touch()
	r.sessions.Store(routingID, sess)
	r.totalAuthed.Add(1)
	return sess
}

// Get looks up routingID, lazily evicting it if found but stale.
func (r *Registry) Get(routingID string) (*Session, bool) {
	v, ok := r.sessions.Load(routingID)
	if !ok {
		return nil, false
	}
	sess := v.(*Session)
	if sess.Stale() {
		r.sessions.CompareAndDelete(routingID, v)
		return nil, false
	}
	return sess, true
}

// GetDefault resolves the edge-local default session, falling back to
// a named tunnel id when no default session is registered -- used by
// the supernode ingress, which tries the default id first so a single
// edge process never needs per-tunnel auth.
func (r *Registry) GetDefault(tunnelID string) (*Session, bool) {
	if sess, ok := r.Get(DefaultClientID); ok {
		return sess, true
	}
	return r.Get(tunnelID)
}

// Remove deletes routingID unconditionally, used after a failed
// open_stream indicates the underlying transport is dead.
func (r *Registry) Remove(routingID string) {
	r.sessions.Delete(routingID)
}

// Count returns the number of currently live (non-stale) sessions.
func (r *Registry) Count() int {
	n := 0
	r.sessions.Range(func(_, v any) bool {
		if !v.(*Session).Stale() {
			n++
		}
		return true
	})
	return n
}

// Snapshot returns every session whose ping_at is within maxAge, used
// by the admin endpoint.
func (r *Registry) Snapshot(maxAge time.Duration) []*Session {
	var out []*Session
	r.sessions.Range(func(_, v any) bool {
		sess := v.(*Session)
		if time.Since(sess.PingAt()) < maxAge {
			out = append(out, sess)
		}
		return true
	})
	return out
}

// Sweep removes every session whose ping_at is older than StaleAfter.
func (r *Registry) Sweep() int {
	removed := 0
	r.sessions.Range(func(k, v any) bool {
		if v.(*Session).Stale() {
			r.sessions.CompareAndDelete(k, v)
			removed++
		}
		return true
	})
	return removed
}

// StartSweeper launches the background proactive eviction loop. It
// returns a stop function.
func (r *Registry) StartSweeper() (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					log.Printf("SESSION: swept %d stale sessions", n)
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// StartPeriodicLogging mirrors the reference connection monitor's
// 15-second status line, reporting registry size rather than raw
// socket counters.
func (r *Registry) StartPeriodicLogging() (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(logInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				log.Printf("MONITOR: active sessions=%d total authed=%d goroutines=%d heapAlloc=%dMB",
					r.Count(), r.totalAuthed.Load(), runtime.NumGoroutine(), m.HeapAlloc/1024/1024)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
