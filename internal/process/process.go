// Package process spawns VPN client processes and terminates them with a
// bounded grace period.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/vpnconnector/internal/tunnel"
)

const (
	// DefaultGrace is how long Terminate waits after the graceful signal.
	DefaultGrace = 10 * time.Second
	// killReapTimeout bounds the wait for the reaper after SIGKILL.
	killReapTimeout = 2 * time.Second
)

// Handle is a running (or finished) client process. Exactly one goroutine,
// started by Spawn, calls cmd.Wait; everyone else observes Done.
type Handle struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}

	mu      sync.Mutex
	exitErr error
	output  io.Closer
}

func (h *Handle) PID() int             { return h.pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error from cmd.Wait once the process has exited.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	if h.output != nil {
		_ = h.output.Close()
		h.output = nil
	}
	h.mu.Unlock()
	close(h.done)
}

// Supervisor starts and stops client processes.
type Supervisor struct {
	logger   *slog.Logger
	lookPath func(string) (string, error)
}

func NewSupervisor(l *slog.Logger) *Supervisor {
	if l == nil {
		l = slog.Default()
	}
	return &Supervisor{logger: l, lookPath: exec.LookPath}
}

// Spawn starts the client described by spec. Any failure wraps
// tunnel.ErrProcessSpawnFailed.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrProcessSpawnFailed, err)
	}
	path, err := s.lookPath(spec.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: binary %q: %v", tunnel.ErrProcessSpawnFailed, spec.Binary, err)
	}
	if spec.ConfigPath != "" {
		if _, err := os.Stat(spec.ConfigPath); err != nil {
			return nil, fmt.Errorf("%w: config %s: %v", tunnel.ErrProcessSpawnFailed, spec.ConfigPath, err)
		}
	}

	cmd := spec.BuildCommand(path)
	var out io.WriteCloser
	if spec.Output.Path != "" {
		if err := os.MkdirAll(filepath.Dir(spec.Output.Path), 0o750); err != nil {
			return nil, fmt.Errorf("%w: log dir: %v", tunnel.ErrProcessSpawnFailed, err)
		}
		out = spec.Output.Writer()
		cmd.Stdout = out
		cmd.Stderr = out
	}
	// nil Stdout/Stderr are connected to the null device by os/exec.

	if err := cmd.Start(); err != nil {
		if out != nil {
			_ = out.Close()
		}
		return nil, fmt.Errorf("%w: %v", tunnel.ErrProcessSpawnFailed, err)
	}
	h := &Handle{
		name:      spec.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		output:    out,
	}
	go h.reap()
	s.logger.Info("vpn client started", "id", spec.Name, "binary", path, "pid", h.pid)
	return h, nil
}

// Terminate sends the graceful signal, waits up to grace, then kills the
// process group. It is idempotent: a nil or already-exited handle is a no-op.
func (s *Supervisor) Terminate(h *Handle, grace time.Duration) error {
	if h == nil || h.Exited() {
		return nil
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	log := s.logger.With("id", h.name, "pid", h.pid)

	if err := terminateGroup(h.pid); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Debug("graceful signal failed", "error", err)
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-h.done:
		log.Info("vpn client stopped")
		return nil
	case <-t.C:
	}

	log.Warn("vpn client ignored graceful stop, killing", "grace", grace)
	if err := killGroup(h.pid); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Debug("kill signal failed", "error", err)
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(killReapTimeout):
		return fmt.Errorf("vpn client pid %d not reaped after kill", h.pid)
	}
}
