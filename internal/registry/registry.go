package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	// ErrUnavailable is the parent of every "no reachable connection" error.
	ErrUnavailable     = errors.New("connection unavailable")
	ErrNoConnection    = fmt.Errorf("%w: no mod connected", ErrUnavailable)
	ErrStaleConnection = fmt.Errorf("%w: mod connection is stale", ErrUnavailable)
)

// Handle is the writable side of a live connection.
type Handle interface {
	WriteJSON(ctx context.Context, v any) error
	Close(reason string) error
}

// Connection is a point-in-time view of a registered connection.
type Connection struct {
	ID            string    `json:"id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

type entry struct {
	handle        Handle
	connectedAt   time.Time
	lastMessageAt time.Time
}

// Registry tracks the live connections by client id.
type Registry struct {
	clock clock.Clock

	mu      sync.RWMutex
	conns   map[string]*entry
	primary string
}

func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{clock: clk, conns: make(map[string]*entry)}
}

// Add registers h under id, replacing any previous entry.
func (r *Registry) Add(id string, h Handle) {
	now := r.clock.Now().UTC()
	r.mu.Lock()
	r.conns[id] = &entry{handle: h, connectedAt: now, lastMessageAt: now}
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	if r.primary == id {
		r.primary = ""
	}
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

func (r *Registry) ListIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Touch records inbound activity on id.
func (r *Registry) Touch(id string) {
	now := r.clock.Now().UTC()
	r.mu.Lock()
	if e, ok := r.conns[id]; ok {
		e.lastMessageAt = now
	}
	r.mu.Unlock()
}

func (r *Registry) Connections() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, 0, len(r.conns))
	for id, e := range r.conns {
		out = append(out, Connection{ID: id, ConnectedAt: e.connectedAt, LastMessageAt: e.lastMessageAt})
	}
	return out
}

// IdleSince returns the ids whose last activity is older than d.
func (r *Registry) IdleSince(d time.Duration) []string {
	cutoff := r.clock.Now().UTC().Add(-d)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.conns {
		if e.lastMessageAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetPrimary designates id as the connection administrative pushes go to.
func (r *Registry) SetPrimary(id string) {
	r.mu.Lock()
	r.primary = id
	r.mu.Unlock()
}

func (r *Registry) Primary() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary, r.primary != ""
}

// Target resolves the connection an administrative push should go to:
// preferred if it is live, then the designated primary, then any live
// connection.
func (r *Registry) Target(preferred string) (string, Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.conns) == 0 {
		return "", nil, ErrNoConnection
	}

	id := ""
	for _, candidate := range []string{preferred, r.primary} {
		if _, ok := r.conns[candidate]; candidate != "" && ok {
			id = candidate
			break
		}
	}
	if id == "" {
		for k := range r.conns {
			id = k
			break
		}
	}

	e := r.conns[id]
	if e.handle == nil {
		return id, nil, ErrStaleConnection
	}
	return id, e.handle, nil
}
