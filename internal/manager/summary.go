package manager

import (
	"context"

	"github.com/loykin/vpnconnector/internal/metrics"
	"github.com/loykin/vpnconnector/internal/tunnel"
)

// Summary is a service-level overview. Org 0 covers every organization.
type Summary struct {
	ActiveConnections int                  `json:"active_connections"`
	TotalConfigs      int                  `json:"total_configs"`
	ConfigsByStatus   map[tunnel.Phase]int `json:"configs_by_status"`
	MemoryUsageMB     float64              `json:"memory_usage_mb"`
}

func (m *Manager) Summary(ctx context.Context, org int64) (Summary, error) {
	s := Summary{ActiveConnections: len(m.List(org))}
	if org == 0 {
		counts, err := m.store.CountByPhase(ctx)
		if err != nil {
			return Summary{}, err
		}
		s.ConfigsByStatus = counts
	} else {
		recs, err := m.store.List(ctx, org)
		if err != nil {
			return Summary{}, err
		}
		s.ConfigsByStatus = make(map[tunnel.Phase]int)
		for _, r := range recs {
			s.ConfigsByStatus[r.Status]++
		}
	}
	for _, n := range s.ConfigsByStatus {
		s.TotalConfigs += n
	}
	if mb, err := metrics.SelfMemoryMB(); err == nil {
		s.MemoryUsageMB = mb
	} else {
		m.logger.Debug("memory sample failed", "error", err)
	}
	return s, nil
}

// Targets lists the live client processes for the resource collector.
func (m *Manager) Targets() []metrics.Target {
	conns := m.registry.List()
	out := make([]metrics.Target, 0, len(conns))
	for _, c := range conns {
		if pid := procPID(c); pid > 0 {
			out = append(out, metrics.Target{ID: c.ID, Backend: string(c.Backend), PID: pid})
		}
	}
	return out
}
