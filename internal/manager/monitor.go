package manager

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/loykin/vpnconnector/internal/driver"
	"github.com/loykin/vpnconnector/internal/history"
	"github.com/loykin/vpnconnector/internal/metrics"
	"github.com/loykin/vpnconnector/internal/tunnel"
)

// monitor polls process liveness and the client log of c every poll
// interval until c leaves the registry, ctx is cancelled, or a failure is
// detected. The whole log is re-read on every tick.
func (m *Manager) monitor(ctx context.Context, c *Connection) {
	log := m.logger.With("id", c.ID, "backend", c.Backend)
	log.Debug("monitor started", "interval", m.poll)
	defer log.Debug("monitor stopped")

	ticker := m.clock.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		if !m.registry.Owns(c.ID, c) {
			return
		}
		if stop := m.check(c, log); stop {
			return
		}
	}
}

// check runs one monitor tick and reports whether monitoring should stop.
func (m *Manager) check(c *Connection, log *slog.Logger) bool {
	if h := c.Proc(); h != nil && h.Exited() {
		log.Warn("vpn client exited unexpectedly", "pid", h.PID(), "exit", h.ExitErr())
		m.handleFailure(c, "process_exited")
		return true
	}

	data, err := os.ReadFile(c.LogPath)
	if err != nil {
		// the client may not have created its log yet
		if !errors.Is(err, fs.ErrNotExist) {
			log.Debug("read client log failed", "path", c.LogPath, "error", err)
		}
		return false
	}

	verdict, reason := c.driver.Classify(string(data))
	switch verdict {
	case driver.Failed:
		log.Warn("failure marker in client log", "reason", reason)
		m.handleFailure(c, reason)
		return true
	case driver.Connected:
		if m.commitPhase(c, tunnel.PhaseConnected, log) {
			log.Info("vpn connection established")
			metrics.ObserveEstablish(string(c.Backend), m.clock.Since(c.StartedAt()).Seconds())
			m.emit(history.EventConnected, c, procPID(c), "")
		}
	}
	return false
}
