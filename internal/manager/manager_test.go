//go:build !windows

package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vpnconnector/internal/driver"
	"github.com/loykin/vpnconnector/internal/netinfo"
	"github.com/loykin/vpnconnector/internal/process"
	"github.com/loykin/vpnconnector/internal/secrets"
	"github.com/loykin/vpnconnector/internal/secrets/file"
	"github.com/loykin/vpnconnector/internal/store"
	"github.com/loykin/vpnconnector/internal/store/sqlite"
	"github.com/loykin/vpnconnector/internal/tunnel"
)

const (
	testOrg  = int64(42)
	waitFor  = 5 * time.Second
	pollTick = 10 * time.Millisecond
)

const fakeOpenVPN = `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    --log) LOG="$2"; shift ;;
  esac
  shift
done
echo "OpenVPN 2.6.8 x86_64-pc-linux-gnu (fake)" >> "$LOG"
if [ -n "$VPN_CLIENT_TAG" ]; then echo "tag=$VPN_CLIENT_TAG" >> "$LOG"; fi
exec sleep 60
`

const fakeOpenFortiVPN = `#!/bin/sh
echo "INFO:   Connected to gateway."
echo "INFO:   Using interface ppp0"
exec sleep 60
`

type countingSpawner struct {
	*process.Supervisor
	spawns atomic.Int32
}

func (s *countingSpawner) Spawn(ctx context.Context, spec process.Spec) (*process.Handle, error) {
	h, err := s.Supervisor.Spawn(ctx, spec)
	if err == nil {
		s.spawns.Add(1)
	}
	return h, err
}

// gatedStore blocks the first UpdatePhase to gate until release is closed.
type gatedStore struct {
	store.Store
	gate    tunnel.Phase
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore(gate tunnel.Phase) *gatedStore {
	return &gatedStore{gate: gate, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedStore) UpdatePhase(ctx context.Context, id string, p tunnel.Phase) error {
	if p == s.gate {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return s.Store.UpdatePhase(ctx, id, p)
}

// hookSpawner runs afterSpawn once a client has been started.
type hookSpawner struct {
	Spawner
	afterSpawn func()
	last       *process.Handle
}

func (s *hookSpawner) Spawn(ctx context.Context, spec process.Spec) (*process.Handle, error) {
	h, err := s.Spawner.Spawn(ctx, spec)
	if err == nil {
		s.last = h
		if s.afterSpawn != nil {
			s.afterSpawn()
		}
	}
	return h, err
}

type fakeInspector struct {
	addr    netinfo.Address
	routes  []string
	addrErr error
}

func (f *fakeInspector) Address(context.Context, string) (netinfo.Address, error) {
	return f.addr, f.addrErr
}

func (f *fakeInspector) Routes(context.Context, string) ([]string, error) {
	if f.addrErr != nil {
		return nil, f.addrErr
	}
	return f.routes, nil
}

type harness struct {
	m       *Manager
	store   store.Store
	secrets *file.Store
	clock   *clockwork.FakeClock
	spawner *countingSpawner
	insp    *fakeInspector
	paths   driver.Paths
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o755))
	return p
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	root := t.TempDir()
	bin := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))

	st, err := sqlite.New(filepath.Join(root, "vpn.db"))
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(context.Background()))
	sec, err := file.New(filepath.Join(root, "secrets"))
	require.NoError(t, err)

	h := &harness{
		store:   st,
		secrets: sec,
		clock:   clockwork.NewFakeClock(),
		spawner: &countingSpawner{Supervisor: process.NewSupervisor(nil)},
		insp:    &fakeInspector{addr: netinfo.Address{IP: "10.8.0.6", Netmask: "255.255.255.0"}, routes: []string{"10.8.0.0/24 dev tun0"}},
		paths: driver.Paths{
			RuntimeDir:    filepath.Join(root, "configs"),
			OpenVPNLogDir: filepath.Join(root, "log", "openvpn"),
			SSLVPNLogDir:  filepath.Join(root, "log", "openfortivpn"),
		},
	}
	drivers := driver.NewSet(h.paths, driver.Binaries{
		OpenVPN:      writeScript(t, bin, "openvpn", fakeOpenVPN),
		OpenFortiVPN: writeScript(t, bin, "openfortivpn", fakeOpenFortiVPN),
	})
	o := Options{
		Store:        st,
		Secrets:      sec,
		Drivers:      drivers,
		Spawner:      h.spawner,
		Inspector:    h.insp,
		GraceTimeout: 2 * time.Second,
		Clock:        h.clock,
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.m, err = New(o)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
		_ = st.Close()
	})
	return h
}

func (h *harness) addConfig(t *testing.T, backend driver.Backend) string {
	t.Helper()
	b := secrets.Bundle{
		Config:      "client\ndev tun\nremote vpn.example.com 1194\n",
		Credentials: secrets.Credentials{Username: "alice", Password: "pw"},
	}
	if backend == driver.SSLVPN {
		b = secrets.Bundle{Credentials: secrets.Credentials{
			Username: "alice", Password: "pw", Host: "gw.example.com", Port: 443, TrustedCert: "deadbeef",
		}}
	}
	rec, err := h.m.CreateConfig(context.Background(), NewConfig{
		OrganizationID: testOrg,
		UserEmail:      "alice@example.com",
		Name:           "office",
		ConnectionType: string(backend),
		Bundle:         b,
	})
	require.NoError(t, err)
	return rec.ConfigID
}

func (h *harness) logPath(id string) string {
	return filepath.Join(h.paths.OpenVPNLogDir, id+".log")
}

func (h *harness) appendLog(t *testing.T, id, text string) {
	t.Helper()
	f, err := os.OpenFile(h.logPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// tick waits for n monitor tickers to be armed and advances one interval.
func (h *harness) tick(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, n))
	h.clock.Advance(DefaultPollInterval)
}

func (h *harness) persisted(t *testing.T, id string) tunnel.Phase {
	t.Helper()
	rec, err := h.store.Get(context.Background(), 0, id)
	require.NoError(t, err)
	return rec.Status
}

func waitExited(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Proc().Done():
	case <-time.After(waitFor):
		t.Fatal("vpn client still running")
	}
}

func TestConnectTwiceSpawnsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addConfig(t, driver.OpenVPN)

	first, err := h.m.Connect(ctx, testOrg, id)
	require.NoError(t, err)
	assert.False(t, first.AlreadyConnected)
	assert.Equal(t, tunnel.PhaseConnecting, first.Phase)
	assert.Greater(t, first.PID, 0)

	second, err := h.m.Connect(ctx, testOrg, id)
	require.NoError(t, err)
	assert.True(t, second.AlreadyConnected)
	assert.Equal(t, first.PID, second.PID)

	assert.Equal(t, int32(1), h.spawner.spawns.Load())
	assert.Equal(t, tunnel.PhaseConnecting, h.persisted(t, id))

	rec, err := h.store.Get(ctx, testOrg, id)
	require.NoError(t, err)
	assert.NotNil(t, rec.LastUsedAt)

	// runtime files exist with owner-only permissions
	fi, err := os.Stat(filepath.Join(h.paths.RuntimeDir, "auth", id+".txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestConnectConcurrentSpawnsOnce(t *testing.T) {
	h := newHarness(t)
	id := h.addConfig(t, driver.OpenVPN)

	var wg sync.WaitGroup
	var already atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.m.Connect(context.Background(), testOrg, id)
			if err == nil && res.AlreadyConnected {
				already.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), h.spawner.spawns.Load())
	assert.Equal(t, int32(7), already.Load())
}

func TestConnectWrongOrg(t *testing.T) {
	h := newHarness(t)
	id := h.addConfig(t, driver.OpenVPN)
	_, err := h.m.Connect(context.Background(), testOrg+1, id)
	assert.ErrorIs(t, err, tunnel.ErrNotFound)
	assert.Equal(t, int32(0), h.spawner.spawns.Load())
}

func TestConnectMissingCredentials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addConfig(t, driver.OpenVPN)
	require.NoError(t, h.secrets.Delete(ctx, id))

	_, err := h.m.Connect(ctx, testOrg, id)
	assert.ErrorIs(t, err, tunnel.ErrConfigNotFound)
	_, ok := h.m.Registry().Get(id)
	assert.False(t, ok)
	assert.Equal(t, tunnel.PhaseError, h.persisted(t, id))
}

func TestConnectSpawnFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addConfig(t, driver.OpenVPN)
	require.NoError(t, os.Remove(filepath.Join(filepath.Dir(h.paths.RuntimeDir), "bin", "openvpn")))

	_, err := h.m.Connect(ctx, testOrg, id)
	assert.ErrorIs(t, err, tunnel.ErrProcessSpawnFailed)
	_, ok := h.m.Registry().Get(id)
	assert.False(t, ok)
	assert.Equal(t, tunnel.PhaseError, h.persisted(t, id))
	assert.NoFileExists(t, filepath.Join(h.paths.RuntimeDir, id+".ovpn"))
}

func TestMonitorMarksConnected(t *testing.T) {
	h := newHarness(t)
	id := h.addConfig(t, driver.OpenVPN)
	_, err := h.m.Connect(context.Background(), testOrg, id)
	require.NoError(t, err)

	// nothing in the log yet: a tick changes nothing
	h.tick(t, 1)
	c, ok := h.m.Registry().Get(id)
	require.True(t, ok)

	h.appendLog(t, id, "Tue Jan 2 10:00:00 2025 Initialization Sequence Completed\n")
	h.tick(t, 1)
	require.Eventually(t, func() bool { return c.Phase() == tunnel.PhaseConnected }, waitFor, pollTick)
	require.Eventually(t, func() bool { return h.persisted(t, id) == tunnel.PhaseConnected }, waitFor, pollTick)
	assert.False(t, c.Proc().Exited())
	_, ok = h.m.Registry().Get(id)
	assert.True(t, ok)
}

func TestMonitorAuthFailedTearsDown(t *testing.T) {
	h := newHarness(t)
	id := h.addConfig(t, driver.OpenVPN)
	_, err := h.m.Connect(context.Background(), testOrg, id)
	require.NoError(t, err)
	c, _ := h.m.Registry().Get(id)

	h.appendLog(t, id, "AUTH: Received control message: AUTH_FAILED\n")
	h.tick(t, 1)

	require.Eventually(t, func() bool { _, ok := h.m.Registry().Get(id); return !ok }, waitFor, pollTick)
	waitExited(t, c)
	assert.Equal(t, tunnel.PhaseError, c.Phase())
	require.Eventually(t, func() bool { return h.persisted(t, id) == tunnel.PhaseError }, waitFor, pollTick)
	assert.NoFileExists(t, filepath.Join(h.paths.RuntimeDir, "auth", id+".txt"))
}

func TestMonitorDetectsProcessExit(t *testing.T) {
	h := newHarness(t)
	id := h.addConfig(t, driver.OpenVPN)
	res, err := h.m.Connect(context.Background(), testOrg, id)
	require.NoError(t, err)
	c, _ := h.m.Registry().Get(id)

	require.NoError(t, syscall.Kill(res.PID, syscall.SIGKILL))
	waitExited(t, c)
	h.tick(t, 1)

	require.Eventually(t, func() bool { _, ok := h.m.Registry().Get(id); return !ok }, waitFor, pollTick)
	require.Eventually(t, func() bool { return h.persisted(t, id) == tunnel.PhaseError }, waitFor, pollTick)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addConfig(t, driver.OpenVPN)
	_, err := h.m.Connect(ctx, testOrg, id)
	require.NoError(t, err)
	c, _ := h.m.Registry().Get(id)

	res, err := h.m.Disconnect(ctx, testOrg, id)
	require.NoError(t, err)
	assert.True(t, res.WasActive)
	assert.Equal(t, tunnel.PhaseDisconnected, res.Phase)
	assert.True(t, c.Proc().Exited())
	assert.Equal(t, tunnel.PhaseDisconnected, h.persisted(t, id))
	assert.NoFileExists(t, filepath.Join(h.paths.RuntimeDir, id+".ovpn"))

	again, err := h.m.Disconnect(ctx, testOrg, id)
	require.NoError(t, err)
	assert.False(t, again.WasActive)

	// can connect again afterwards
	_, err = h.m.Connect(ctx, testOrg, id)
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.spawner.spawns.Load())
}

func TestFailureRacesDisconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addConfig(t, driver.OpenVPN)
	_, err := h.m.Connect(ctx, testOrg, id)
	require.NoError(t, err)
	c, _ := h.m.Registry().Get(id)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.m.handleFailure(c, "connection_reset") }()
	go func() { defer wg.Done(); _, _ = h.m.Disconnect(ctx, testOrg, id) }()
	wg.Wait()

	_, ok := h.m.Registry().Get(id)
	assert.False(t, ok)
	assert.True(t, c.Proc().Exited())
	// a second failure call finds nothing to do
	h.m.handleFailure(c, "connection_reset")
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.Status(ctx, testOrg, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, tunnel.ErrNotFound)

	id := h.addConfig(t, driver.OpenVPN)
	st, err := h.m.Status(ctx, testOrg, id)
	require.NoError(t, err)
	assert.False(t, st.IsActive)
	assert.Equal(t, tunnel.PhaseConfigured, st.Status)
	assert.Nil(t, st.BytesReceived)
	assert.Nil(t, st.BytesSent)

	_, err = h.m.Connect(ctx, testOrg, id)
	require.NoError(t, err)
	h.appendLog(t, id, "1024 bytes received, 2048 bytes sent\nnoise\n4096 bytes received, 8192 bytes sent\n")

	st, err = h.m.Status(ctx, testOrg, id)
	require.NoError(t, err)
	assert.True(t, st.IsActive)
	assert.Equal(t, tunnel.PhaseConnecting, st.CurrentStatus)
	assert.NotNil(t, st.ConnectedSince)
	require.NotNil(t, st.BytesReceived)
	assert.Equal(t, int64(4096), *st.BytesReceived)
	assert.Equal(t, int64(8192), *st.BytesSent)
}

func TestInterfaceInfo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addConfig(t, driver.OpenVPN)

	_, err := h.m.InterfaceInfo(ctx, testOrg, id)
	assert.ErrorIs(t, err, tunnel.ErrNotActive)

	_, err = h.m.Connect(ctx, testOrg, id)
	require.NoError(t, err)

	// process alive but no device line
	_, err = h.m.InterfaceInfo(ctx, testOrg, id)
	assert.ErrorIs(t, err, tunnel.ErrInterfaceUnavailable)

	h.appendLog(t, id, "TUN/TAP device tun0 opened\n")
	info, err := h.m.InterfaceInfo(ctx, testOrg, id)
	require.NoError(t, err)
	assert.Equal(t, "tun0", info.Interface)
	require.NotNil(t, info.IPAddress)
	assert.Equal(t, "10.8.0.6", *info.IPAddress)
	assert.Equal(t, "255.255.255.0", *info.Netmask)
	assert.Equal(t, []string{"10.8.0.0/24 dev tun0"}, info.Routes)

	h.insp.addrErr = errors.New("no such device")
	info, err = h.m.InterfaceInfo(ctx, testOrg, id)
	require.NoError(t, err)
	assert.Equal(t, "tun0", info.Interface)
	assert.Nil(t, info.IPAddress)
	assert.Nil(t, info.Netmask)
	assert.Empty(t, info.Routes)
	assert.NotNil(t, info.Routes)

	// log-only after disconnect
	_, err = h.m.Disconnect(ctx, testOrg, id)
	require.NoError(t, err)
	info, err = h.m.InterfaceInfo(ctx, testOrg, id)
	require.NoError(t, err)
	assert.Equal(t, "tun0", info.Interface)
}

func TestSSLVPNOptimisticConnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addConfig(t, driver.SSLVPN)

	res, err := h.m.Connect(ctx, testOrg, id)
	require.NoError(t, err)
	assert.Equal(t, tunnel.PhaseConnected, res.Phase)
	assert.Equal(t, tunnel.PhaseConnected, h.persisted(t, id))

	fi, err := os.Stat(filepath.Join(h.paths.RuntimeDir, id+".conf"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	require.Eventually(t, func() bool {
		info, err := h.m.InterfaceInfo(ctx, testOrg, id)
		return err == nil && info.Interface == "ppp0"
	}, waitFor, 50*time.Millisecond)
}

func TestListAndShutdown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addConfig(t, driver.OpenVPN)
	b := h.addConfig(t, driver.SSLVPN)
	for _, id := range []string{a, b} {
		_, err := h.m.Connect(ctx, testOrg, id)
		require.NoError(t, err)
	}
	assert.Len(t, h.m.List(testOrg), 2)
	assert.Len(t, h.m.List(0), 2)
	assert.Empty(t, h.m.List(testOrg+1))

	conns := h.m.Registry().List()
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, h.m.Shutdown(sctx))
	assert.Equal(t, 0, h.m.Registry().Len())
	for _, c := range conns {
		assert.True(t, c.Proc().Exited())
		assert.Equal(t, tunnel.PhaseDisconnected, h.persisted(t, c.ID))
	}
}

func TestCreateAndDeleteConfig(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.CreateConfig(ctx, NewConfig{OrganizationID: testOrg, ConnectionType: "ssh"})
	assert.ErrorIs(t, err, tunnel.ErrUnsupportedBackend)

	id := h.addConfig(t, driver.OpenVPN)
	rec, err := h.store.Get(ctx, testOrg, id)
	require.NoError(t, err)
	assert.Equal(t, "openvpn", rec.ConnectionType)
	assert.NotEmpty(t, rec.SecretRef)

	_, err = h.m.Connect(ctx, testOrg, id)
	require.NoError(t, err)
	require.NoError(t, h.m.DeleteConfig(ctx, testOrg, id))

	_, ok := h.m.Registry().Get(id)
	assert.False(t, ok)
	_, err = h.store.Get(ctx, 0, id)
	assert.ErrorIs(t, err, tunnel.ErrNotFound)
	_, err = h.secrets.Get(ctx, id)
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestSummaryAndTargets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addConfig(t, driver.OpenVPN)
	h.addConfig(t, driver.OpenVPN)
	_, err := h.m.Connect(ctx, testOrg, a)
	require.NoError(t, err)

	s, err := h.m.Summary(ctx, testOrg)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ActiveConnections)
	assert.Equal(t, 2, s.TotalConfigs)
	assert.Equal(t, 1, s.ConfigsByStatus[tunnel.PhaseConnecting])
	assert.Equal(t, 1, s.ConfigsByStatus[tunnel.PhaseConfigured])

	all, err := h.m.Summary(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, all.TotalConfigs)

	other, err := h.m.Summary(ctx, testOrg+1)
	require.NoError(t, err)
	assert.Zero(t, other.TotalConfigs)
	assert.Zero(t, other.ActiveConnections)

	targets := h.m.Targets()
	require.Len(t, targets, 1)
	assert.Equal(t, a, targets[0].ID)
	assert.Equal(t, "openvpn", targets[0].Backend)
	assert.Greater(t, targets[0].PID, 0)
}

func TestConnectPassesClientEnv(t *testing.T) {
	t.Setenv("VPN_TEST_SITE", "hq")
	h := newHarness(t, func(o *Options) {
		o.ClientEnv = []string{"VPN_CLIENT_TAG=${VPN_TEST_SITE}-edge"}
	})
	id := h.addConfig(t, driver.OpenVPN)

	_, err := h.m.Connect(context.Background(), testOrg, id)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		b, err := os.ReadFile(h.logPath(id))
		return err == nil && strings.Contains(string(b), "tag=hq-edge")
	}, waitFor, pollTick)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal(what)
	}
}

func TestDisconnectWhileConnectedWriteInFlight(t *testing.T) {
	gs := newGatedStore(tunnel.PhaseConnected)
	h := newHarness(t, func(o *Options) { gs.Store = o.Store; o.Store = gs })
	ctx := context.Background()
	id := h.addConfig(t, driver.OpenVPN)
	_, err := h.m.Connect(ctx, testOrg, id)
	require.NoError(t, err)
	c, _ := h.m.Registry().Get(id)

	h.appendLog(t, id, "Initialization Sequence Completed\n")
	h.tick(t, 1)
	waitClosed(t, gs.entered, "monitor never persisted connected")

	done := make(chan DisconnectResult, 1)
	go func() {
		res, err := h.m.Disconnect(ctx, testOrg, id)
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool { _, ok := h.m.Registry().Get(id); return !ok }, waitFor, pollTick)
	close(gs.release)

	select {
	case res := <-done:
		assert.True(t, res.WasActive)
	case <-time.After(waitFor):
		t.Fatal("disconnect did not finish")
	}
	assert.Equal(t, tunnel.PhaseDisconnected, h.persisted(t, id))
	assert.Equal(t, tunnel.PhaseDisconnected, c.Phase())
	assert.True(t, c.Proc().Exited())
}

func TestDisconnectWhileOptimisticConnect(t *testing.T) {
	gs := newGatedStore(tunnel.PhaseConnected)
	h := newHarness(t, func(o *Options) { gs.Store = o.Store; o.Store = gs })
	ctx := context.Background()
	id := h.addConfig(t, driver.SSLVPN)

	connected := make(chan ConnectResult, 1)
	go func() {
		res, err := h.m.Connect(ctx, testOrg, id)
		assert.NoError(t, err)
		connected <- res
	}()
	waitClosed(t, gs.entered, "connect never persisted connected")

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		res, err := h.m.Disconnect(ctx, testOrg, id)
		assert.NoError(t, err)
		assert.True(t, res.WasActive)
	}()
	require.Eventually(t, func() bool { _, ok := h.m.Registry().Get(id); return !ok }, waitFor, pollTick)
	close(gs.release)

	waitClosed(t, disconnected, "disconnect did not finish")
	select {
	case <-connected:
	case <-time.After(waitFor):
		t.Fatal("connect did not finish")
	}
	assert.Equal(t, tunnel.PhaseDisconnected, h.persisted(t, id))
	assert.Empty(t, h.m.List(testOrg))
}

func TestDisconnectDuringSpawn(t *testing.T) {
	hs := &hookSpawner{}
	h := newHarness(t, func(o *Options) { hs.Spawner = o.Spawner; o.Spawner = hs })
	ctx := context.Background()
	id := h.addConfig(t, driver.OpenVPN)

	var during DisconnectResult
	hs.afterSpawn = func() {
		var err error
		during, err = h.m.Disconnect(ctx, testOrg, id)
		assert.NoError(t, err)
	}

	res, err := h.m.Connect(ctx, testOrg, id)
	require.NoError(t, err)
	assert.True(t, during.WasActive, "disconnect took the placeholder")
	assert.Equal(t, tunnel.PhaseDisconnected, res.Phase)
	assert.Zero(t, res.PID)

	_, ok := h.m.Registry().Get(id)
	assert.False(t, ok)
	require.NotNil(t, hs.last)
	waitClosed(t, hs.last.Done(), "spawned client was not terminated")
	assert.NoFileExists(t, filepath.Join(h.paths.RuntimeDir, id+".ovpn"))
	assert.NoFileExists(t, filepath.Join(h.paths.RuntimeDir, "auth", id+".txt"))
	assert.Equal(t, tunnel.PhaseDisconnected, h.persisted(t, id))
	assert.Equal(t, int32(1), h.spawner.spawns.Load())
}

func TestCreateConfigRejectsLineBreaks(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.CreateConfig(context.Background(), NewConfig{
		OrganizationID: testOrg,
		UserEmail:      "alice@example.com",
		Name:           "forti",
		ConnectionType: string(driver.SSLVPN),
		Bundle: secrets.Bundle{Credentials: secrets.Credentials{
			Username: "alice", Password: "pw\nuser-cert = /tmp/x", Host: "gw.example.com",
		}},
	})
	assert.ErrorIs(t, err, tunnel.ErrInvalidCredentials)
	recs, err := h.store.List(context.Background(), testOrg)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
