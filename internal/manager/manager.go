// Package manager supervises VPN client processes: it reserves and tracks
// connections, runs a log monitor per connection, tears down failed tunnels
// and assembles status and interface reports.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/vpnconnector/internal/driver"
	"github.com/loykin/vpnconnector/internal/env"
	"github.com/loykin/vpnconnector/internal/history"
	"github.com/loykin/vpnconnector/internal/metrics"
	"github.com/loykin/vpnconnector/internal/netinfo"
	"github.com/loykin/vpnconnector/internal/process"
	"github.com/loykin/vpnconnector/internal/secrets"
	"github.com/loykin/vpnconnector/internal/store"
	"github.com/loykin/vpnconnector/internal/tunnel"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultGraceTimeout = process.DefaultGrace
	// cleanupTimeout bounds persistence calls made during teardown.
	cleanupTimeout = 10 * time.Second
)

// Spawner starts and stops client processes. *process.Supervisor implements it.
type Spawner interface {
	Spawn(ctx context.Context, spec process.Spec) (*process.Handle, error)
	Terminate(h *process.Handle, grace time.Duration) error
}

type Options struct {
	Store     store.Store
	Secrets   secrets.Store
	Drivers   *driver.Set
	Spawner   Spawner
	Inspector netinfo.Inspector
	History   *history.Fanout
	// ClientEnv is extra KEY=VALUE environment for every client process.
	ClientEnv []string

	PollInterval time.Duration
	GraceTimeout time.Duration
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// Manager is the connection lifecycle service. Construct one per process
// with New and release it with Shutdown.
type Manager struct {
	store     store.Store
	secrets   secrets.Store
	drivers   *driver.Set
	spawner   Spawner
	inspector netinfo.Inspector
	history   *history.Fanout
	clientEnv *env.Env

	poll   time.Duration
	grace  time.Duration
	clock  clockwork.Clock
	logger *slog.Logger

	registry *Registry

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func New(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Secrets == nil {
		return nil, errors.New("manager: store and secrets are required")
	}
	m := &Manager{
		store:     opts.Store,
		secrets:   opts.Secrets,
		drivers:   opts.Drivers,
		spawner:   opts.Spawner,
		inspector: opts.Inspector,
		history:   opts.History,
		clientEnv: env.New(opts.ClientEnv),
		poll:      opts.PollInterval,
		grace:     opts.GraceTimeout,
		clock:     opts.Clock,
		logger:    opts.Logger,
		registry:  NewRegistry(),
	}
	if m.drivers == nil {
		m.drivers = driver.NewSet(driver.Paths{}, driver.Binaries{})
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.spawner == nil {
		m.spawner = process.NewSupervisor(m.logger)
	}
	if m.inspector == nil {
		m.inspector = netinfo.NewSystem()
	}
	if m.poll <= 0 {
		m.poll = DefaultPollInterval
	}
	if m.grace <= 0 {
		m.grace = DefaultGraceTimeout
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	m.baseCtx, m.stop = context.WithCancel(context.Background())
	return m, nil
}

// Registry exposes the connection table (read-mostly; used by the API and tests).
func (m *Manager) Registry() *Registry { return m.registry }

// ConnectResult describes the outcome of Connect. AlreadyConnected is set
// when the id was already supervised; no process was spawned in that case.
type ConnectResult struct {
	ID               string       `json:"config_id"`
	Phase            tunnel.Phase `json:"status"`
	AlreadyConnected bool         `json:"already_connected"`
	PID              int          `json:"pid,omitempty"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	Message          string       `json:"message"`
}

// Connect starts supervising the configuration id owned by org.
func (m *Manager) Connect(ctx context.Context, org int64, id string) (ConnectResult, error) {
	rec, err := m.store.Get(ctx, org, id)
	if err != nil {
		return ConnectResult{}, err
	}
	backend, err := driver.ParseBackend(rec.ConnectionType)
	if err != nil {
		return ConnectResult{}, err
	}
	d, err := m.drivers.Lookup(backend)
	if err != nil {
		return ConnectResult{}, err
	}
	log := m.logger.With("id", id, "backend", backend)

	c := newConnection(id, rec.OrganizationID, d)
	if !m.registry.Register(id, c) {
		existing, _ := m.registry.Get(id)
		res := ConnectResult{ID: id, Phase: tunnel.PhaseConnected, AlreadyConnected: true, Message: "VPN already connected"}
		if existing != nil {
			info := existing.Info()
			res.Phase, res.PID, res.StartedAt = info.Phase, info.PID, info.StartedAt
		}
		log.Info("connect skipped, already supervised")
		return res, nil
	}
	m.persistOwned(ctx, c, tunnel.PhaseConnecting, log)

	bundle, err := m.secrets.Get(ctx, id)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			err = fmt.Errorf("%w: %v", tunnel.ErrConfigNotFound, err)
		}
		return ConnectResult{}, m.abortConnect(c, d, err, log)
	}
	spec, err := d.Prepare(id, bundle)
	if err != nil {
		return ConnectResult{}, m.abortConnect(c, d, err, log)
	}
	if m.clientEnv.Len() > 0 {
		spec.Env = m.clientEnv.Merge(spec.Env)
	}
	h, err := m.spawner.Spawn(ctx, spec)
	if err != nil {
		return ConnectResult{}, m.abortConnect(c, d, err, log)
	}

	monCtx, cancel := context.WithCancel(m.baseCtx)
	if !m.registry.Attach(id, c, h, cancel) {
		// a disconnect removed the placeholder while we were spawning
		cancel()
		log.Info("connection removed during spawn, stopping client", "pid", h.PID())
		if err := m.spawner.Terminate(h, m.grace); err != nil {
			log.Error("terminate after cancelled connect failed", "error", err)
		}
		m.cleanupFiles(c, log)
		return ConnectResult{ID: id, Phase: tunnel.PhaseDisconnected, Message: "VPN connect cancelled"}, nil
	}

	metrics.IncConnect(string(backend))
	m.updateActive()
	m.emit(history.EventConnect, c, h.PID(), "")
	if err := m.store.Touch(ctx, id, m.clock.Now()); err != nil {
		log.Warn("failed to record last use", "error", err)
	}
	if d.OptimisticConnect() {
		m.commitPhase(c, tunnel.PhaseConnected, log)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitor(monCtx, c)
	}()

	started := h.StartedAt()
	log.Info("vpn connection started", "pid", h.PID())
	return ConnectResult{
		ID:        id,
		Phase:     c.Phase(),
		PID:       h.PID(),
		StartedAt: &started,
		Message:   "VPN connection initiated",
	}, nil
}

// abortConnect undoes a failed Connect. The error phase is persisted only if
// the placeholder was still ours; a disconnect that took it writes its own.
func (m *Manager) abortConnect(c *Connection, d driver.Driver, cause error, log *slog.Logger) error {
	owned := m.registry.RemoveIf(c.ID, c)
	c.setPhase(tunnel.PhaseError)
	metrics.IncSpawnError(string(c.Backend))
	log.Error("vpn connect failed", "error", cause)
	ctx, cancel := m.cleanupContext()
	defer cancel()
	if owned {
		m.persistPhase(ctx, c.ID, tunnel.PhaseError, log)
	}
	if err := d.Cleanup(c.ID); err != nil {
		log.Warn("runtime file cleanup failed", "error", err)
	}
	return cause
}

// DisconnectResult describes the outcome of Disconnect. WasActive is false
// when nothing was supervised for the id.
type DisconnectResult struct {
	ID        string       `json:"config_id"`
	Phase     tunnel.Phase `json:"status"`
	WasActive bool         `json:"was_active"`
	Message   string       `json:"message"`
}

// Disconnect stops supervising id and terminates its client. It is
// idempotent: an inactive id is reported as disconnected.
func (m *Manager) Disconnect(ctx context.Context, org int64, id string) (DisconnectResult, error) {
	if _, err := m.store.Get(ctx, org, id); err != nil {
		return DisconnectResult{}, err
	}
	log := m.logger.With("id", id)
	res := DisconnectResult{ID: id, Phase: tunnel.PhaseDisconnected, Message: "VPN not connected"}

	c, ok := m.registry.Remove(id)
	if ok {
		res.WasActive = true
		res.Message = "VPN disconnected"
		if err := m.teardown(c, tunnel.PhaseDisconnected, log); err != nil {
			m.persistPhase(ctx, id, tunnel.PhaseError, log)
			return res, err
		}
		metrics.IncDisconnect(string(c.Backend))
		m.emit(history.EventDisconnect, c, procPID(c), "")
	}
	if err := m.store.UpdatePhase(ctx, id, tunnel.PhaseDisconnected); err != nil {
		return res, fmt.Errorf("persist disconnected: %w", err)
	}
	return res, nil
}

// teardown stops a connection that the caller has already removed from the
// registry.
func (m *Manager) teardown(c *Connection, final tunnel.Phase, log *slog.Logger) error {
	c.stopMonitor()
	c.awaitWrites()
	m.transition(c, final)
	m.updateActive()
	var err error
	if h := c.Proc(); h != nil {
		if err = m.spawner.Terminate(h, m.grace); err != nil {
			log.Error("vpn client terminate failed", "pid", h.PID(), "error", err)
		}
	}
	m.cleanupFiles(c, log)
	return err
}

func (m *Manager) cleanupFiles(c *Connection, log *slog.Logger) {
	if err := c.driver.Cleanup(c.ID); err != nil {
		log.Warn("runtime file cleanup failed", "error", err)
	}
}

// List returns the supervised connections of org (0 for all).
func (m *Manager) List(org int64) []ConnectionInfo {
	out := make([]ConnectionInfo, 0)
	for _, c := range m.registry.List() {
		if org != 0 && c.OrgID != org {
			continue
		}
		out = append(out, c.Info())
	}
	return out
}

// NewConfig is the input of CreateConfig.
type NewConfig struct {
	OrganizationID int64
	UserEmail      string
	Name           string
	ConnectionType string
	Bundle         secrets.Bundle
	Metadata       map[string]any
}

// CreateConfig stores the bundle in the credential store and persists a new
// configuration record.
func (m *Manager) CreateConfig(ctx context.Context, in NewConfig) (store.Record, error) {
	backend, err := driver.ParseBackend(in.ConnectionType)
	if err != nil {
		return store.Record{}, err
	}
	if err := in.Bundle.Credentials.Validate(); err != nil {
		return store.Record{}, err
	}
	id := uuid.NewString()
	ref, err := m.secrets.Put(ctx, id, in.Bundle)
	if err != nil {
		return store.Record{}, fmt.Errorf("store credentials: %w", err)
	}
	meta := in.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if ref.BlobKey != "" {
		meta["config_blob"] = ref.BlobKey
	}
	rec := store.Record{
		ConfigID:       id,
		OrganizationID: in.OrganizationID,
		UserEmail:      in.UserEmail,
		Name:           in.Name,
		ConnectionType: string(backend),
		Status:         tunnel.PhaseConfigured,
		Metadata:       meta,
		SecretRef:      ref.SecretID,
		IsActive:       true,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		if derr := m.secrets.Delete(ctx, id); derr != nil {
			m.logger.Warn("failed to roll back stored credentials", "id", id, "error", derr)
		}
		return store.Record{}, fmt.Errorf("persist configuration: %w", err)
	}
	m.logger.Info("vpn configuration created", "id", id, "backend", backend, "org", in.OrganizationID)
	return m.store.Get(ctx, in.OrganizationID, id)
}

// DeleteConfig disconnects id if needed and removes its secrets and record.
func (m *Manager) DeleteConfig(ctx context.Context, org int64, id string) error {
	if _, err := m.Disconnect(ctx, org, id); err != nil {
		return err
	}
	if err := m.secrets.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("vpn configuration deleted", "id", id)
	return nil
}

// Shutdown terminates every supervised connection and waits for monitors
// to exit. Persisted phases are set to disconnected.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	pctx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, c := range m.registry.List() {
		c := c
		g.Go(func() error {
			if !m.registry.RemoveIf(c.ID, c) {
				return nil
			}
			log := m.logger.With("id", c.ID)
			err := m.teardown(c, tunnel.PhaseDisconnected, log)
			m.persistPhase(pctx, c.ID, tunnel.PhaseDisconnected, log)
			return err
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// transition moves c to p in memory and records the change.
func (m *Manager) transition(c *Connection, p tunnel.Phase) bool {
	old := c.setPhase(p)
	if old == p {
		return false
	}
	metrics.RecordPhaseTransition(string(old), string(p))
	return true
}

// commitPhase moves the registered c to p and persists the change. Nothing
// is written once c has left the registry, and the write completes before
// the remover's teardown proceeds. It reports whether the phase changed.
func (m *Manager) commitPhase(c *Connection, p tunnel.Phase, log *slog.Logger) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	old, ok := m.registry.SetPhaseIf(c.ID, c, p)
	if !ok || old == p {
		return false
	}
	metrics.RecordPhaseTransition(string(old), string(p))
	ctx, cancel := m.cleanupContext()
	defer cancel()
	m.persistPhase(ctx, c.ID, p, log)
	return true
}

// persistOwned writes p for c while c is registered.
func (m *Manager) persistOwned(ctx context.Context, c *Connection, p tunnel.Phase, log *slog.Logger) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if m.registry.Owns(c.ID, c) {
		m.persistPhase(ctx, c.ID, p, log)
	}
}

func (m *Manager) persistPhase(ctx context.Context, id string, p tunnel.Phase, log *slog.Logger) {
	if err := m.store.UpdatePhase(ctx, id, p); err != nil {
		log.Warn("failed to persist phase", "phase", p, "error", err)
	}
}

func (m *Manager) cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(m.baseCtx), cleanupTimeout)
}

func (m *Manager) updateActive() {
	counts := map[driver.Backend]int{driver.OpenVPN: 0, driver.SSLVPN: 0}
	for _, c := range m.registry.List() {
		counts[c.Backend]++
	}
	for b, n := range counts {
		metrics.SetActive(string(b), n)
	}
}

func (m *Manager) emit(t history.EventType, c *Connection, pid int, reason string) {
	if m.history.Len() == 0 {
		return
	}
	ctx, cancel := m.cleanupContext()
	defer cancel()
	_ = m.history.Send(ctx, history.Event{
		Type:           t,
		OccurredAt:     m.clock.Now().UTC(),
		ConfigID:       c.ID,
		OrganizationID: c.OrgID,
		Backend:        string(c.Backend),
		PID:            pid,
		Reason:         reason,
	})
}

func procPID(c *Connection) int {
	if h := c.Proc(); h != nil {
		return h.PID()
	}
	return 0
}
