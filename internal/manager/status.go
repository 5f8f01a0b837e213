package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/loykin/vpnconnector/internal/driver"
	"github.com/loykin/vpnconnector/internal/metrics"
	"github.com/loykin/vpnconnector/internal/tunnel"
)

var countersRe = regexp.MustCompile(`(\d+) bytes received, (\d+) bytes sent`)

// StatusInfo combines the persisted record with live registry state and the
// latest traffic counters found in the client log.
type StatusInfo struct {
	ConfigID       string                  `json:"config_id"`
	Name           string                  `json:"name"`
	ConnectionType string                  `json:"connection_type"`
	Status         tunnel.Phase            `json:"status"`
	IsActive       bool                    `json:"is_active"`
	CurrentStatus  tunnel.Phase            `json:"current_status,omitempty"`
	ConnectedSince *time.Time              `json:"connected_since,omitempty"`
	PID            int                     `json:"pid,omitempty"`
	BytesReceived  *int64                  `json:"bytes_received,omitempty"`
	BytesSent      *int64                  `json:"bytes_sent,omitempty"`
	LastUsedAt     *time.Time              `json:"last_used_at,omitempty"`
	Client         *metrics.ProcessMetrics `json:"client,omitempty"`
}

func (m *Manager) Status(ctx context.Context, org int64, id string) (StatusInfo, error) {
	rec, err := m.store.Get(ctx, org, id)
	if err != nil {
		return StatusInfo{}, err
	}
	info := StatusInfo{
		ConfigID:       rec.ConfigID,
		Name:           rec.Name,
		ConnectionType: rec.ConnectionType,
		Status:         rec.Status,
		LastUsedAt:     rec.LastUsedAt,
	}

	logPath := ""
	if c, ok := m.registry.Get(id); ok {
		ci := c.Info()
		info.IsActive = true
		info.CurrentStatus = ci.Phase
		info.ConnectedSince = ci.StartedAt
		info.PID = ci.PID
		logPath = c.LogPath
		if ci.PID > 0 {
			if pm, err := metrics.Sample(int32(ci.PID)); err == nil { // #nosec G115 -- pid fits in int32
				info.Client = &pm
			}
		}
	} else if d, err := m.driverFor(rec.ConnectionType); err == nil {
		logPath = d.LogPath(id)
	}
	if logPath == "" {
		return info, nil
	}

	data, err := os.ReadFile(logPath)
	if errors.Is(err, fs.ErrNotExist) {
		return info, nil
	}
	if err != nil {
		return StatusInfo{}, fmt.Errorf("%w: %v", tunnel.ErrLogParseFailed, err)
	}
	if rx, tx, ok := lastCounters(data); ok {
		info.BytesReceived, info.BytesSent = &rx, &tx
	}
	return info, nil
}

// lastCounters returns the last "N bytes received, M bytes sent" pair.
func lastCounters(log []byte) (rx, tx int64, ok bool) {
	all := countersRe.FindAllSubmatch(log, -1)
	if len(all) == 0 {
		return 0, 0, false
	}
	last := all[len(all)-1]
	rx, err1 := strconv.ParseInt(string(last[1]), 10, 64)
	tx, err2 := strconv.ParseInt(string(last[2]), 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return rx, tx, true
}

// InterfaceInfo describes the tunnel device. IPAddress and Netmask are nil
// when the device details could not be read.
type InterfaceInfo struct {
	ConfigID  string   `json:"config_id"`
	Interface string   `json:"interface"`
	IPAddress *string  `json:"ip_address"`
	Netmask   *string  `json:"netmask"`
	Routes    []string `json:"routes"`
}

func (m *Manager) InterfaceInfo(ctx context.Context, org int64, id string) (InterfaceInfo, error) {
	rec, err := m.store.Get(ctx, org, id)
	if err != nil {
		return InterfaceInfo{}, err
	}
	d, err := m.driverFor(rec.ConnectionType)
	if err != nil {
		return InterfaceInfo{}, err
	}
	log := m.logger.With("id", id, "backend", d.Backend())
	_, active := m.registry.Get(id)

	data, err := os.ReadFile(d.LogPath(id))
	switch {
	case errors.Is(err, fs.ErrNotExist) && !active:
		return InterfaceInfo{}, fmt.Errorf("%s: %w", id, tunnel.ErrNotActive)
	case errors.Is(err, fs.ErrNotExist):
		return InterfaceInfo{}, fmt.Errorf("%s: no client log yet: %w", id, tunnel.ErrInterfaceUnavailable)
	case err != nil:
		return InterfaceInfo{}, fmt.Errorf("%w: %v", tunnel.ErrLogParseFailed, err)
	}
	if !active {
		log.Warn("connection not supervised, reading interface from log only")
	}

	device, ok := d.DeviceName(string(data))
	if !ok {
		return InterfaceInfo{}, fmt.Errorf("%s: %w", id, tunnel.ErrInterfaceUnavailable)
	}
	info := InterfaceInfo{ConfigID: id, Interface: device, Routes: []string{}}

	if addr, err := m.inspector.Address(ctx, device); err != nil {
		log.Warn("interface address lookup failed", "device", device, "error", err)
	} else {
		info.IPAddress, info.Netmask = &addr.IP, &addr.Netmask
	}
	if routes, err := m.inspector.Routes(ctx, device); err != nil {
		log.Warn("interface route lookup failed", "device", device, "error", err)
	} else if routes != nil {
		info.Routes = routes
	}
	return info, nil
}

func (m *Manager) driverFor(connectionType string) (driver.Driver, error) {
	b, err := driver.ParseBackend(connectionType)
	if err != nil {
		return nil, err
	}
	return m.drivers.Lookup(b)
}
