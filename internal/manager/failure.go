package manager

import (
	"github.com/loykin/vpnconnector/internal/history"
	"github.com/loykin/vpnconnector/internal/metrics"
	"github.com/loykin/vpnconnector/internal/tunnel"
)

// handleFailure tears down c after a failure. Removing the entry decides
// ownership: if a concurrent disconnect already took it, this is a no-op.
// Every step is best effort; errors are logged only.
func (m *Manager) handleFailure(c *Connection, reason string) {
	if !m.registry.RemoveIf(c.ID, c) {
		return
	}
	log := m.logger.With("id", c.ID, "backend", c.Backend, "reason", reason)
	log.Warn("vpn connection failed, cleaning up")
	c.awaitWrites()

	ctx, cancel := m.cleanupContext()
	defer cancel()
	m.persistPhase(ctx, c.ID, tunnel.PhaseError, log)
	_ = m.teardown(c, tunnel.PhaseError, log)

	metrics.IncFailure(string(c.Backend), reason)
	m.emit(history.EventFailed, c, procPID(c), reason)
}
