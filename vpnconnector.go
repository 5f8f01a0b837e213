// Package vpnconnector wires the connection manager, persistence, credential
// store, history sinks and HTTP servers from a config.Config.
package vpnconnector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/vpnconnector/internal/config"
	"github.com/loykin/vpnconnector/internal/driver"
	"github.com/loykin/vpnconnector/internal/history"
	historyfactory "github.com/loykin/vpnconnector/internal/history/factory"
	"github.com/loykin/vpnconnector/internal/logger"
	"github.com/loykin/vpnconnector/internal/manager"
	"github.com/loykin/vpnconnector/internal/metrics"
	"github.com/loykin/vpnconnector/internal/netinfo"
	secretsfactory "github.com/loykin/vpnconnector/internal/secrets/factory"
	"github.com/loykin/vpnconnector/internal/server"
	"github.com/loykin/vpnconnector/internal/store"
	storefactory "github.com/loykin/vpnconnector/internal/store/factory"
	tlsx "github.com/loykin/vpnconnector/internal/tls"
)

type (
	Config  = config.Config
	Manager = manager.Manager
)

// LoadConfig reads a TOML config file (empty path for defaults only).
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Service owns every long-lived component of a running connector.
type Service struct {
	cfg    *Config
	logger *slog.Logger

	closers   []io.Closer
	store     store.Store
	manager   *manager.Manager
	collector *metrics.ClientCollector

	api        *http.Server
	metricsSrv *http.Server
	cancel     context.CancelFunc
}

// NewService builds the service graph. Nothing listens until Start.
func NewService(ctx context.Context, cfg *Config) (_ *Service, err error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	l, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	s := &Service{cfg: cfg, logger: l, closers: []io.Closer{logCloser}}
	defer func() {
		if err != nil {
			s.closeAll()
		}
	}()

	st, err := storefactory.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	s.store = st
	s.closers = append(s.closers, st)

	sec, err := secretsfactory.New(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}

	sinks := make([]history.Sink, 0, len(cfg.History.Sinks))
	for _, dsn := range cfg.History.Sinks {
		sink, err := historyfactory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		if c, ok := sink.(io.Closer); ok {
			s.closers = append(s.closers, c)
		}
		sinks = append(sinks, sink)
	}

	env, err := cfg.ClientEnvironment()
	if err != nil {
		return nil, fmt.Errorf("client environment: %w", err)
	}

	s.manager, err = manager.New(manager.Options{
		Store:        st,
		Secrets:      sec,
		Drivers:      driver.NewSet(cfg.Paths, cfg.Binaries),
		Inspector:    netinfo.NewSystem(),
		History:      history.NewFanout(l, sinks...),
		ClientEnv:    env,
		PollInterval: cfg.Monitor.PollInterval,
		GraceTimeout: cfg.Monitor.GraceTimeout,
		Logger:       l,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Manager() *manager.Manager { return s.manager }

func (s *Service) Logger() *slog.Logger { return s.logger }

// APIAddr is the bound API address once Start has returned.
func (s *Service) APIAddr() string {
	if s.api == nil {
		return ""
	}
	return s.api.Addr
}

// MetricsAddr is the bound metrics address, empty when metrics are disabled.
func (s *Service) MetricsAddr() string {
	if s.metricsSrv == nil {
		return ""
	}
	return s.metricsSrv.Addr
}

// Start binds the API listener and, when enabled, the metrics side server
// and the client resource collector.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		s.collector = metrics.NewClientCollector(s.cfg.Metrics.SampleInterval, s.logger)
		if err := s.collector.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register client metrics: %w", err)
		}
		s.collector.Start(ctx, s.manager.Targets)

		srv, err := server.NewMetricsServer(s.cfg.Metrics.Listen, s.logger)
		if err != nil {
			return err
		}
		s.metricsSrv = srv
		s.logger.Info("metrics server listening", "addr", srv.Addr)
	}

	tlsCfg, err := tlsx.Setup(s.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	api, err := server.NewServer(s.cfg.Server.Listen, s.cfg.Server.BasePath, s.manager, tlsCfg, s.logger)
	if err != nil {
		return err
	}
	s.api = api
	s.logger.Info("api server listening", "addr", api.Addr, "base", s.cfg.Server.BasePath, "tls", tlsCfg != nil)
	return nil
}

// Shutdown stops accepting requests, terminates every supervised client and
// releases resources.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	if s.api != nil {
		errs = append(errs, s.api.Shutdown(ctx))
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.collector != nil {
		s.collector.Stop()
	}
	errs = append(errs, s.manager.Shutdown(ctx))
	if s.metricsSrv != nil {
		errs = append(errs, s.metricsSrv.Shutdown(ctx))
	}
	s.closeAll()
	return errors.Join(errs...)
}

func (s *Service) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
	s.closers = nil
}
