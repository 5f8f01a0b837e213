// Package client is a Go client for the vpnconnector HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	headerOrgID     = "X-Org-ID"
	headerUserEmail = "X-User-Email"
)

// Client talks to a vpnconnector server on behalf of one organization and user.
type Client struct {
	baseURL   string
	orgID     int64
	userEmail string
	client    *http.Client
	logger    *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL   string
	OrgID     int64
	UserEmail string
	Timeout   time.Duration
	Logger    *slog.Logger // Optional logger for client operations
	TLS       *TLSClientConfig
	Insecure  bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api/v1/vpn",
		Timeout: 30 * time.Second,
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an API 404.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// New creates a new API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		orgID:     config.OrgID,
		userEmail: config.UserEmail,
		logger:    config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the server is running and healthy
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/health", nil, "", nil)
	if err != nil {
		c.logger.Debug("Server unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) Connect(ctx context.Context, id string) (ConnectResult, error) {
	var out ConnectResult
	err := c.do(ctx, http.MethodPost, "/connect/"+url.PathEscape(id), nil, "", &out)
	return out, err
}

func (c *Client) Disconnect(ctx context.Context, id string) (DisconnectResult, error) {
	var out DisconnectResult
	err := c.do(ctx, http.MethodPost, "/disconnect/"+url.PathEscape(id), nil, "", &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(id), nil, "", &out)
	return out, err
}

func (c *Client) Interface(ctx context.Context, id string) (Interface, error) {
	var out Interface
	err := c.do(ctx, http.MethodGet, "/interface/"+url.PathEscape(id), nil, "", &out)
	return out, err
}

// List returns the supervised connections of the client's organization.
func (c *Client) List(ctx context.Context) ([]Connection, error) {
	var out connectionsResponse
	if err := c.do(ctx, http.MethodGet, "/connections", nil, "", &out); err != nil {
		return nil, err
	}
	return out.Connections, nil
}

func (c *Client) Summary(ctx context.Context) (Summary, error) {
	var out Summary
	err := c.do(ctx, http.MethodGet, "/metrics", nil, "", &out)
	return out, err
}

// Upload stores a new configuration and its credentials.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (ConfigCreated, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"username":        req.Username,
		"password":        req.Password,
		"name":            req.Name,
		"connection_type": req.ConnectionType,
		"host":            req.Host,
		"trusted_cert":    req.TrustedCert,
	}
	if req.Port > 0 {
		fields["port"] = strconv.Itoa(req.Port)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return ConfigCreated{}, fmt.Errorf("encode %s: %w", k, err)
		}
	}
	filename := req.Filename
	if filename == "" {
		filename = "client.conf"
	}
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		return ConfigCreated{}, fmt.Errorf("encode file: %w", err)
	}
	if _, err := fw.Write(req.Config); err != nil {
		return ConfigCreated{}, fmt.Errorf("encode file: %w", err)
	}
	if err := w.Close(); err != nil {
		return ConfigCreated{}, fmt.Errorf("encode form: %w", err)
	}

	var out ConfigCreated
	err = c.do(ctx, http.MethodPost, "/config", &buf, w.FormDataContentType(), &out)
	return out, err
}

// Delete removes a configuration, disconnecting it first if needed.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/config/"+url.PathEscape(id), nil, "", nil)
}

// do sends one request with identity headers and decodes a 2xx JSON body
// into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.orgID != 0 {
		req.Header.Set(headerOrgID, strconv.FormatInt(c.orgID, 10))
	}
	if c.userEmail != "" {
		req.Header.Set(headerUserEmail, c.userEmail)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse converts non-2xx responses to *APIError
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}
