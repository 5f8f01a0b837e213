package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loykin/vpnconnector/internal/driver"
	"github.com/loykin/vpnconnector/internal/process"
	"github.com/loykin/vpnconnector/internal/tunnel"
)

// Connection is one supervised tunnel. It starts as a placeholder (no
// process) reserved by Connect and becomes live once Attach succeeds.
// The process handle is owned by the entry; whoever removes the entry from
// the registry is responsible for terminating it.
type Connection struct {
	ID      string
	OrgID   int64
	Backend driver.Backend
	LogPath string

	driver driver.Driver

	// writeMu orders phase writes of a live connection before the final
	// write of whoever removes it.
	writeMu sync.Mutex

	mu        sync.Mutex
	phase     tunnel.Phase
	proc      *process.Handle
	startedAt time.Time
	cancel    context.CancelFunc
}

func newConnection(id string, org int64, d driver.Driver) *Connection {
	return &Connection{
		ID:      id,
		OrgID:   org,
		Backend: d.Backend(),
		LogPath: d.LogPath(id),
		driver:  d,
		phase:   tunnel.PhaseConnecting,
	}
}

func (c *Connection) Phase() tunnel.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Connection) Proc() *process.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc
}

func (c *Connection) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// setPhase stores p and returns the previous phase.
func (c *Connection) setPhase(p tunnel.Phase) tunnel.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.phase
	c.phase = p
	return old
}

// awaitWrites blocks until an in-flight phase write of c has finished.
func (c *Connection) awaitWrites() {
	c.writeMu.Lock()
	c.writeMu.Unlock() //nolint:staticcheck
}

// stopMonitor cancels the monitor goroutine if one was attached.
func (c *Connection) stopMonitor() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ConnectionInfo is a point-in-time view of a Connection.
type ConnectionInfo struct {
	ID        string       `json:"config_id"`
	OrgID     int64        `json:"organization_id"`
	Backend   string       `json:"connection_type"`
	Phase     tunnel.Phase `json:"phase"`
	PID       int          `json:"pid,omitempty"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
	LogPath   string       `json:"log_path"`
}

func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := ConnectionInfo{ID: c.ID, OrgID: c.OrgID, Backend: string(c.Backend), Phase: c.phase, LogPath: c.LogPath}
	if c.proc != nil {
		info.PID = c.proc.PID()
		t := c.startedAt
		info.StartedAt = &t
	}
	return info
}

// Registry is the table of supervised connections, at most one per id.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Register inserts c under id. It returns false and changes nothing if an
// entry already exists.
func (r *Registry) Register(id string, c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return false
	}
	r.conns[id] = c
	return true
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Remove atomically takes the entry for id.
func (r *Registry) Remove(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return c, ok
}

// RemoveIf removes the entry for id only if it is c.
func (r *Registry) RemoveIf(id string, c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[id]; ok && cur == c {
		delete(r.conns, id)
		return true
	}
	return false
}

// Owns reports whether c is still the registered entry for id.
func (r *Registry) Owns(id string, c *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id] == c
}

// Attach installs the running process and monitor cancel func on the
// placeholder c. It fails if c is no longer the registered entry.
func (r *Registry) Attach(id string, c *Connection, h *process.Handle, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[id] != c {
		return false
	}
	c.mu.Lock()
	c.proc = h
	c.startedAt = h.StartedAt()
	c.cancel = cancel
	c.mu.Unlock()
	return true
}

// SetPhase updates the phase of the entry for id and returns the previous
// value. ok is false when id is not registered.
func (r *Registry) SetPhase(id string, p tunnel.Phase) (old tunnel.Phase, ok bool) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	return c.setPhase(p), true
}

// SetPhaseIf updates the phase of c only while c is the registered entry for
// id. ok is false once c has been removed.
func (r *Registry) SetPhaseIf(id string, c *Connection, p tunnel.Phase) (old tunnel.Phase, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conns[id] != c {
		return "", false
	}
	return c.setPhase(p), true
}

// List returns a snapshot of all entries sorted by id.
func (r *Registry) List() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
