package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory metrics for a single process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads CPU and memory usage of pid.
func Sample(pid int32) (ProcessMetrics, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	m := ProcessMetrics{
		PID:       pid,
		MemoryMB:  float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS: memInfo.RSS,
		MemoryVMS: memInfo.VMS,
		Timestamp: time.Now().UTC(),
	}
	// CPU percent since process start; best effort
	if cpu, err := proc.CPUPercent(); err == nil {
		m.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		m.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			m.NumFDs = n
		}
	}
	return m, nil
}

// SelfMemoryMB returns the resident memory of the connector process.
func SelfMemoryMB() (float64, error) {
	m, err := Sample(int32(os.Getpid())) // #nosec G115 -- pid fits in int32
	if err != nil {
		return 0, err
	}
	return m.MemoryMB, nil
}

// ClientCollector periodically samples the VPN client processes and exports
// per-connection gauges.
type ClientCollector struct {
	interval time.Duration
	logger   *slog.Logger

	cpu     *prometheus.GaugeVec
	memory  *prometheus.GaugeVec
	threads *prometheus.GaugeVec

	mu     sync.Mutex
	latest map[string]ProcessMetrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewClientCollector(interval time.Duration, l *slog.Logger) *ClientCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if l == nil {
		l = slog.Default()
	}
	labels := []string{"id", "backend"}
	return &ClientCollector{
		interval: interval,
		logger:   l,
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vpnconnector", Subsystem: "client", Name: "cpu_percent",
			Help: "CPU usage of the VPN client process.",
		}, labels),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vpnconnector", Subsystem: "client", Name: "memory_mb",
			Help: "Resident memory of the VPN client process in MB.",
		}, labels),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vpnconnector", Subsystem: "client", Name: "num_threads",
			Help: "Thread count of the VPN client process.",
		}, labels),
		latest: make(map[string]ProcessMetrics),
		stopCh: make(chan struct{}),
	}
}

func (c *ClientCollector) Register(r prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{c.cpu, c.memory, c.threads} {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Target is one process to sample.
type Target struct {
	ID      string
	Backend string
	PID     int
}

// Start samples the targets returned by list every interval until ctx is
// cancelled or Stop is called.
func (c *ClientCollector) Start(ctx context.Context, list func() []Target) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(list())
			}
		}
	}()
}

func (c *ClientCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples targets once and drops series for targets that are gone.
func (c *ClientCollector) Collect(targets []Target) {
	seen := make(map[string]string, len(targets))
	results := make(map[string]ProcessMetrics, len(targets))
	for _, t := range targets {
		if t.PID <= 0 {
			continue
		}
		m, err := Sample(int32(t.PID)) // #nosec G115 -- pid fits in int32
		if err != nil {
			c.logger.Debug("failed to sample vpn client", "id", t.ID, "pid", t.PID, "error", err)
			continue
		}
		seen[t.ID] = t.Backend
		results[t.ID] = m
		c.cpu.WithLabelValues(t.ID, t.Backend).Set(m.CPUPercent)
		c.memory.WithLabelValues(t.ID, t.Backend).Set(m.MemoryMB)
		c.threads.WithLabelValues(t.ID, t.Backend).Set(float64(m.NumThreads))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.latest {
		if _, ok := seen[id]; !ok {
			c.cpu.DeletePartialMatch(prometheus.Labels{"id": id})
			c.memory.DeletePartialMatch(prometheus.Labels{"id": id})
			c.threads.DeletePartialMatch(prometheus.Labels{"id": id})
		}
	}
	c.latest = results
}

// Latest returns the most recent sample for id.
func (c *ClientCollector) Latest(id string) (ProcessMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.latest[id]
	return m, ok
}
