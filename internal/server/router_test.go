package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mng "github.com/loykin/vpnconnector/internal/manager"
	"github.com/loykin/vpnconnector/internal/store"
	"github.com/loykin/vpnconnector/internal/tunnel"
)

const testID = "3f2a1c9e-8b7d-4e6f-a5c4-0d1e2f3a4b5c"

type fakeService struct {
	mu      sync.Mutex
	created []mng.NewConfig
	calls   []string
	err     error
	conns   []mng.ConnectionInfo
}

func (f *fakeService) record(op string, org int64, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s:%d:%s", op, org, id))
	return f.err
}

func (f *fakeService) CreateConfig(_ context.Context, in mng.NewConfig) (store.Record, error) {
	f.mu.Lock()
	f.created = append(f.created, in)
	f.mu.Unlock()
	if f.err != nil {
		return store.Record{}, f.err
	}
	return store.Record{
		ConfigID:       testID,
		OrganizationID: in.OrganizationID,
		Name:           in.Name,
		ConnectionType: "openvpn",
		Status:         tunnel.PhaseConfigured,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (f *fakeService) DeleteConfig(_ context.Context, org int64, id string) error {
	return f.record("delete", org, id)
}

func (f *fakeService) Connect(_ context.Context, org int64, id string) (mng.ConnectResult, error) {
	if err := f.record("connect", org, id); err != nil {
		return mng.ConnectResult{}, err
	}
	return mng.ConnectResult{ID: id, Phase: tunnel.PhaseConnecting, PID: 4242, Message: "VPN connection initiated"}, nil
}

func (f *fakeService) Disconnect(_ context.Context, org int64, id string) (mng.DisconnectResult, error) {
	if err := f.record("disconnect", org, id); err != nil {
		return mng.DisconnectResult{}, err
	}
	return mng.DisconnectResult{ID: id, Phase: tunnel.PhaseDisconnected, WasActive: true}, nil
}

func (f *fakeService) Status(_ context.Context, org int64, id string) (mng.StatusInfo, error) {
	if err := f.record("status", org, id); err != nil {
		return mng.StatusInfo{}, err
	}
	rx := int64(10)
	return mng.StatusInfo{ConfigID: id, Status: tunnel.PhaseConnected, IsActive: true, BytesReceived: &rx}, nil
}

func (f *fakeService) InterfaceInfo(_ context.Context, org int64, id string) (mng.InterfaceInfo, error) {
	if err := f.record("interface", org, id); err != nil {
		return mng.InterfaceInfo{}, err
	}
	return mng.InterfaceInfo{ConfigID: id, Interface: "tun0", Routes: []string{}}, nil
}

func (f *fakeService) List(org int64) []mng.ConnectionInfo {
	out := []mng.ConnectionInfo{}
	for _, c := range f.conns {
		if org == 0 || c.OrgID == org {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeService) Summary(_ context.Context, org int64) (mng.Summary, error) {
	return mng.Summary{ActiveConnections: len(f.List(org)), TotalConfigs: 3, MemoryUsageMB: 12.5}, f.err
}

func setupRouter(t *testing.T, svc Service) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(svc, "/api/v1/vpn", nil).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var identity = map[string]string{HeaderOrgID: "7", HeaderUserEmail: "ops@example.com"}

func TestHealthNeedsNoIdentity(t *testing.T) {
	svc := &fakeService{conns: []mng.ConnectionInfo{{ID: "a", OrgID: 1}, {ID: "b", OrgID: 2}}}
	rec := doReq(t, setupRouter(t, svc), http.MethodGet, "/api/v1/vpn/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","active_connections":2}`, rec.Body.String())
}

func TestIdentityRequired(t *testing.T) {
	h := setupRouter(t, &fakeService{})
	cases := []map[string]string{
		nil,
		{HeaderOrgID: "7"},
		{HeaderUserEmail: "ops@example.com"},
		{HeaderOrgID: "abc", HeaderUserEmail: "ops@example.com"},
		{HeaderOrgID: "0", HeaderUserEmail: "ops@example.com"},
	}
	for _, hdr := range cases {
		rec := doReq(t, h, http.MethodPost, "/api/v1/vpn/connect/"+testID, nil, hdr)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "headers %v", hdr)
	}
}

func TestInvalidID(t *testing.T) {
	svc := &fakeService{}
	rec := doReq(t, setupRouter(t, svc), http.MethodPost, "/api/v1/vpn/connect/abc", nil, identity)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, setupRouter(t, svc), http.MethodGet, "/api/v1/vpn/status/not-a-uuid", nil, identity)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.calls)
}

func TestLifecycleRoutes(t *testing.T) {
	svc := &fakeService{}
	h := setupRouter(t, svc)

	rec := doReq(t, h, http.MethodPost, "/api/v1/vpn/connect/"+testID, nil, identity)
	require.Equal(t, http.StatusOK, rec.Code)
	var res mng.ConnectResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 4242, res.PID)
	assert.Equal(t, tunnel.PhaseConnecting, res.Phase)

	rec = doReq(t, h, http.MethodGet, "/api/v1/vpn/status/"+testID, nil, identity)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"bytes_received":10`)
	assert.NotContains(t, rec.Body.String(), "bytes_sent")

	rec = doReq(t, h, http.MethodGet, "/api/v1/vpn/interface/"+testID, nil, identity)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ip_address":null`)

	rec = doReq(t, h, http.MethodPost, "/api/v1/vpn/disconnect/"+testID, nil, identity)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodDelete, "/api/v1/vpn/config/"+testID, nil, identity)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{
		"connect:7:" + testID,
		"status:7:" + testID,
		"interface:7:" + testID,
		"disconnect:7:" + testID,
		"delete:7:" + testID,
	}, svc.calls)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		method string
		path   string
		want   int
	}{
		{fmt.Errorf("x: %w", tunnel.ErrNotFound), http.MethodPost, "/connect/", http.StatusNotFound},
		{tunnel.ErrConfigNotFound, http.MethodPost, "/connect/", http.StatusNotFound},
		{tunnel.ErrProcessSpawnFailed, http.MethodPost, "/connect/", http.StatusInternalServerError},
		{tunnel.ErrInterfaceUnavailable, http.MethodGet, "/interface/", http.StatusConflict},
		{tunnel.ErrNotActive, http.MethodGet, "/interface/", http.StatusConflict},
		{tunnel.ErrLogParseFailed, http.MethodGet, "/status/", http.StatusInternalServerError},
		{tunnel.ErrNotFound, http.MethodDelete, "/config/", http.StatusNotFound},
	}
	for _, tc := range cases {
		h := setupRouter(t, &fakeService{err: tc.err})
		rec := doReq(t, h, tc.method, "/api/v1/vpn"+tc.path+testID, nil, identity)
		assert.Equal(t, tc.want, rec.Code, "%s %s -> %v", tc.method, tc.path, tc.err)
		assert.Contains(t, rec.Body.String(), `"error"`)
	}
}

func multipartBody(t *testing.T, fields map[string]string, filename, content string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func uploadHeaders(ct string) map[string]string {
	return map[string]string{HeaderOrgID: "7", HeaderUserEmail: "ops@example.com", "Content-Type": ct}
}

func TestCreateConfig(t *testing.T) {
	svc := &fakeService{}
	h := setupRouter(t, svc)
	body, ct := multipartBody(t, map[string]string{
		"username": "alice", "password": "s3cret", "port": "443", "host": "gw.example.com",
	}, "office.ovpn", "client\ndev tun\n")

	rec := doReq(t, h, http.MethodPost, "/api/v1/vpn/config", body, uploadHeaders(ct))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp configResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testID, resp.ConfigID)
	assert.Equal(t, "office", resp.Name)
	assert.Equal(t, tunnel.PhaseConfigured, resp.Status)

	require.Len(t, svc.created, 1)
	in := svc.created[0]
	assert.Equal(t, int64(7), in.OrganizationID)
	assert.Equal(t, "ops@example.com", in.UserEmail)
	assert.Equal(t, "client\ndev tun\n", in.Bundle.Config)
	assert.Equal(t, "alice", in.Bundle.Credentials.Username)
	assert.Equal(t, "s3cret", in.Bundle.Credentials.Password)
	assert.Equal(t, 443, in.Bundle.Credentials.Port)
	assert.Equal(t, "gw.example.com", in.Bundle.Credentials.Host)
	assert.Equal(t, "office.ovpn", in.Metadata["original_filename"])
}

func TestCreateConfigValidation(t *testing.T) {
	h := setupRouter(t, &fakeService{})

	body, ct := multipartBody(t, map[string]string{"username": "a", "password": "b"}, "", "")
	rec := doReq(t, h, http.MethodPost, "/api/v1/vpn/config", body, uploadHeaders(ct))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing file")

	body, ct = multipartBody(t, map[string]string{"username": "a"}, "x.ovpn", "client")
	rec = doReq(t, h, http.MethodPost, "/api/v1/vpn/config", body, uploadHeaders(ct))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing password")

	body, ct = multipartBody(t, map[string]string{"username": "a", "password": "b", "port": "70000"}, "x.ovpn", "client")
	rec = doReq(t, h, http.MethodPost, "/api/v1/vpn/config", body, uploadHeaders(ct))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "bad port")

	h = setupRouter(t, &fakeService{err: fmt.Errorf("%w: %q", tunnel.ErrUnsupportedBackend, "ssh")})
	body, ct = multipartBody(t, map[string]string{"username": "a", "password": "b", "connection_type": "ssh"}, "x.ovpn", "client")
	rec = doReq(t, h, http.MethodPost, "/api/v1/vpn/config", body, uploadHeaders(ct))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unsupported backend")
}

func TestConnectionsAndMetrics(t *testing.T) {
	svc := &fakeService{conns: []mng.ConnectionInfo{
		{ID: "a", OrgID: 7, Backend: "openvpn", Phase: tunnel.PhaseConnected},
		{ID: "b", OrgID: 8, Backend: "openvpn", Phase: tunnel.PhaseConnecting},
	}}
	h := setupRouter(t, svc)

	rec := doReq(t, h, http.MethodGet, "/api/v1/vpn/connections", nil, identity)
	require.Equal(t, http.StatusOK, rec.Code)
	var conns connectionsResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conns))
	assert.Equal(t, 1, conns.Count)
	assert.Equal(t, "a", conns.Connections[0].ID)

	rec = doReq(t, h, http.MethodGet, "/api/v1/vpn/metrics", nil, identity)
	require.Equal(t, http.StatusOK, rec.Code)
	var s mng.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, 1, s.ActiveConnections)
	assert.Equal(t, 3, s.TotalConfigs)
	assert.InDelta(t, 12.5, s.MemoryUsageMB, 0.001)
}

func TestNewServerServes(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", "/api/v1/vpn", &fakeService{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	resp, err := http.Get("http://" + srv.Addr + "/api/v1/vpn/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
