package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loykin/vpnconnector/internal/metrics"
)

// MetricsHandler serves Prometheus exposition on /metrics and a liveness
// probe on /healthz.
func MetricsHandler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return e
}

// NewMetricsServer binds addr and serves MetricsHandler in the background.
func NewMetricsServer(addr string, l *slog.Logger) (*http.Server, error) {
	if l == nil {
		l = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("metrics server stopped", "addr", srv.Addr, "error", err)
		}
	}()
	return srv, nil
}
