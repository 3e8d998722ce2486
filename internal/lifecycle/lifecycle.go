// Package lifecycle tracks live connections across every listener and
// implements graceful shutdown, per spec.md §5: "Connection registry:
// updated on accept and close; close(shutdown=true) atomically swaps the
// map for an empty one and, 250ms later, calls end() on each captured
// connection."
package lifecycle

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaedion/taiji/internal/metrics"
)

// drainDelay is the fixed grace period between swapping out the connection
// registry and forcibly closing whatever was captured, giving in-flight
// responses a last chance to finish on their own.
const drainDelay = 250 * time.Millisecond

// Registry tracks every live connection accepted by any listener, keyed by a
// monotonically increasing id, so a graceful shutdown can enumerate and
// close them.
type Registry struct {
	mu     sync.Mutex
	conns  map[int64]net.Conn
	nextID atomic.Int64
}

// NewRegistry builds an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[int64]net.Conn)}
}

// Track records conn under a fresh id and returns it; call Untrack with the
// same id when the connection closes.
func (r *Registry) Track(conn net.Conn) int64 {
	id := r.nextID.Add(1)
	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()
	metrics.ConnectionsOpen.Inc()
	return id
}

// Untrack removes id from the registry; a no-op if already removed (e.g. by
// a concurrent Close(shutdown=true)).
func (r *Registry) Untrack(id int64) {
	r.mu.Lock()
	_, existed := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if existed {
		metrics.ConnectionsOpen.Dec()
	}
}

// Len reports the number of currently tracked connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close implements the two shutdown modes from spec.md §5. shutdown=false
// does nothing here: tracking continues, and listeners themselves are
// closed by the caller; shutdown=true atomically swaps the live map for an
// empty one, then after drainDelay force-closes everything that was
// captured, giving in-flight requests one last chance to finish cleanly.
func (r *Registry) Close(shutdown bool) {
	if !shutdown {
		return
	}

	r.mu.Lock()
	captured := r.conns
	r.conns = make(map[int64]net.Conn)
	r.mu.Unlock()

	if len(captured) == 0 {
		return
	}

	time.AfterFunc(drainDelay, func() {
		for _, c := range captured {
			c.Close()
		}
		metrics.ConnectionsOpen.Sub(float64(len(captured)))
	})
}

// ConnStateHook returns an http.Server.ConnState-compatible callback that
// tracks/untracks connections as they transition through the server's state
// machine, the idiomatic way to observe accept/close without wrapping
// net.Listener.
func (r *Registry) ConnStateHook() func(conn net.Conn, state http.ConnState) {
	ids := &sync.Map{}
	return func(conn net.Conn, state http.ConnState) {
		switch state {
		case http.StateNew:
			ids.Store(conn, r.Track(conn))
		case http.StateClosed, http.StateHijacked:
			if id, ok := ids.LoadAndDelete(conn); ok {
				r.Untrack(id.(int64))
			}
		}
	}
}
