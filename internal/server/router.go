package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	mng "github.com/loykin/vpnconnector/internal/manager"
	"github.com/loykin/vpnconnector/internal/secrets"
	"github.com/loykin/vpnconnector/internal/store"
	"github.com/loykin/vpnconnector/internal/tunnel"
)

// MaxUploadBytes bounds an uploaded client configuration file.
const MaxUploadBytes = 1 << 20

// Service is the connection manager surface used by the HTTP API.
// *manager.Manager implements it.
type Service interface {
	CreateConfig(ctx context.Context, in mng.NewConfig) (store.Record, error)
	DeleteConfig(ctx context.Context, org int64, id string) error
	Connect(ctx context.Context, org int64, id string) (mng.ConnectResult, error)
	Disconnect(ctx context.Context, org int64, id string) (mng.DisconnectResult, error)
	Status(ctx context.Context, org int64, id string) (mng.StatusInfo, error)
	InterfaceInfo(ctx context.Context, org int64, id string) (mng.InterfaceInfo, error)
	List(org int64) []mng.ConnectionInfo
	Summary(ctx context.Context, org int64) (mng.Summary, error)
}

// Router provides embeddable HTTP handlers for the VPN API.
// Endpoints (relative to basePath):
//
//	GET    /health
//	POST   /config              multipart: file, username, password, [name, connection_type, host, port, trusted_cert]
//	DELETE /config/:id
//	POST   /connect/:id
//	POST   /disconnect/:id
//	GET    /status/:id
//	GET    /interface/:id
//	GET    /connections
//	GET    /metrics
//
// Every endpoint except /health requires X-Org-ID and X-User-Email.
type Router struct {
	svc      Service
	basePath string
	logger   *slog.Logger
}

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(svc Service, basePath string, l *slog.Logger) *Router {
	if l == nil {
		l = slog.Default()
	}
	return &Router{svc: svc, basePath: sanitizeBase(basePath), logger: l}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	api := g.Group(r.basePath)
	api.GET("/health", r.handleHealth)

	authed := api.Group("", requireIdentity())
	authed.POST("/config", r.handleCreateConfig)
	authed.DELETE("/config/:id", r.handleDeleteConfig)
	authed.POST("/connect/:id", r.handleConnect)
	authed.POST("/disconnect/:id", r.handleDisconnect)
	authed.GET("/status/:id", r.handleStatus)
	authed.GET("/interface/:id", r.handleInterface)
	authed.GET("/connections", r.handleConnections)
	authed.GET("/metrics", r.handleMetrics)
	return g
}

// NewServer binds addr and serves the API in the background, over TLS when
// tlsCfg is non-nil. Bind errors are returned; serve errors are logged.
func NewServer(addr, basePath string, svc Service, tlsCfg *tls.Config, l *slog.Logger) (*http.Server, error) {
	r := NewRouter(svc, basePath, l)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("api server stopped", "addr", srv.Addr, "error", err)
		}
	}()
	return srv, nil
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// idParam returns the canonical form of the :id path parameter. Ids name
// runtime files, so anything but a UUID is rejected.
func idParam(c *gin.Context) (string, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid config id: must be a UUID"})
		return "", false
	}
	return id.String(), true
}

type configResp struct {
	ConfigID       string       `json:"config_id"`
	Name           string       `json:"name"`
	ConnectionType string       `json:"connection_type"`
	Status         tunnel.Phase `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	Message        string       `json:"message"`
}

type messageResp struct {
	ConfigID string `json:"config_id"`
	Message  string `json:"message"`
}

type healthResp struct {
	Status            string `json:"status"`
	ActiveConnections int    `json:"active_connections"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{Status: "healthy", ActiveConnections: len(r.svc.List(0))})
}

func (r *Router) handleCreateConfig(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes+64<<10)
	fh, err := c.FormFile("file")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "file is required"})
		return
	}
	if fh.Size > MaxUploadBytes {
		writeJSON(c, http.StatusRequestEntityTooLarge, errorResp{Error: "configuration file too large"})
		return
	}
	username := strings.TrimSpace(c.PostForm("username"))
	password := c.PostForm("password")
	if username == "" || password == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "username and password are required"})
		return
	}
	port := 0
	if s := strings.TrimSpace(c.PostForm("port")); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil || p < 1 || p > 65535 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid port"})
			return
		}
		port = p
	}

	f, err := fh.Open()
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "cannot read uploaded file"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, MaxUploadBytes))
	_ = f.Close()
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "cannot read uploaded file"})
		return
	}

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		base := filepath.Base(fh.Filename)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	rec, err := r.svc.CreateConfig(c.Request.Context(), mng.NewConfig{
		OrganizationID: orgID(c),
		UserEmail:      userEmail(c),
		Name:           name,
		ConnectionType: c.PostForm("connection_type"),
		Bundle: secrets.Bundle{
			Config: string(data),
			Credentials: secrets.Credentials{
				Username:    username,
				Password:    password,
				Host:        strings.TrimSpace(c.PostForm("host")),
				Port:        port,
				TrustedCert: strings.TrimSpace(c.PostForm("trusted_cert")),
			},
		},
		Metadata: map[string]any{"original_filename": filepath.Base(fh.Filename)},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, configResp{
		ConfigID:       rec.ConfigID,
		Name:           rec.Name,
		ConnectionType: rec.ConnectionType,
		Status:         rec.Status,
		CreatedAt:      rec.CreatedAt,
		Message:        "VPN configuration uploaded",
	})
}

func (r *Router) handleDeleteConfig(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := r.svc.DeleteConfig(c.Request.Context(), orgID(c), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, messageResp{ConfigID: id, Message: "VPN configuration deleted"})
}

func (r *Router) handleConnect(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	res, err := r.svc.Connect(c.Request.Context(), orgID(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleDisconnect(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	res, err := r.svc.Disconnect(c.Request.Context(), orgID(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleStatus(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	st, err := r.svc.Status(c.Request.Context(), orgID(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleInterface(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	info, err := r.svc.InterfaceInfo(c.Request.Context(), orgID(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, info)
}

type connectionsResp struct {
	Connections []mng.ConnectionInfo `json:"connections"`
	Count       int                  `json:"count"`
}

func (r *Router) handleConnections(c *gin.Context) {
	list := r.svc.List(orgID(c))
	writeJSON(c, http.StatusOK, connectionsResp{Connections: list, Count: len(list)})
}

func (r *Router) handleMetrics(c *gin.Context) {
	s, err := r.svc.Summary(c.Request.Context(), orgID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, s)
}
