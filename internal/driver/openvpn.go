package driver

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/loykin/vpnconnector/internal/process"
	"github.com/loykin/vpnconnector/internal/secrets"
	"github.com/loykin/vpnconnector/internal/tunnel"
)

const (
	openVPNConnectedMarker = "Initialization Sequence Completed"
	openVPNResetMarker     = "Connection reset"
	openVPNAuthMarker      = "AUTH_FAILED"
)

var openVPNDeviceRe = regexp.MustCompile(`TUN/TAP device (\S+) opened`)

type openVPN struct {
	paths  Paths
	binary string
}

func (d *openVPN) Backend() Backend { return OpenVPN }

func (d *openVPN) LogPath(id string) string {
	return filepath.Join(d.paths.OpenVPNLogDir, id+".log")
}

func (d *openVPN) configPath(id string) string {
	return filepath.Join(d.paths.RuntimeDir, id+".ovpn")
}

func (d *openVPN) authPath(id string) string {
	return filepath.Join(d.paths.AuthDir, id+".txt")
}

func (d *openVPN) Prepare(id string, b secrets.Bundle) (process.Spec, error) {
	if strings.TrimSpace(b.Config) == "" {
		return process.Spec{}, fmt.Errorf("%w: no openvpn config stored for %s", tunnel.ErrConfigNotFound, id)
	}
	if err := b.Credentials.Validate(); err != nil {
		return process.Spec{}, err
	}
	if err := os.MkdirAll(d.paths.RuntimeDir, 0o750); err != nil {
		return process.Spec{}, fmt.Errorf("runtime dir: %w", err)
	}
	if err := os.MkdirAll(d.paths.AuthDir, 0o700); err != nil {
		return process.Spec{}, fmt.Errorf("auth dir: %w", err)
	}

	auth := d.authPath(id)
	creds := b.Credentials.Username + "\n" + b.Credentials.Password + "\n"
	if err := writeSecretFile(auth, []byte(creds)); err != nil {
		return process.Spec{}, fmt.Errorf("write auth file: %w", err)
	}
	cfg := d.configPath(id)
	if err := writeSecretFile(cfg, []byte(withAuthFile(b.Config, auth))); err != nil {
		return process.Spec{}, fmt.Errorf("write config: %w", err)
	}
	logPath := d.LogPath(id)
	if err := resetLog(logPath); err != nil {
		return process.Spec{}, fmt.Errorf("reset log: %w", err)
	}
	return process.Spec{
		Name:       id,
		Binary:     d.binary,
		Args:       []string{"--config", cfg, "--log", logPath},
		ConfigPath: cfg,
	}, nil
}

// withAuthFile drops any auth-user-pass directive from cfg and appends one
// pointing at authFile.
func withAuthFile(cfg, authFile string) string {
	var sb strings.Builder
	sc := bufio.NewScanner(strings.NewReader(cfg))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if f := strings.Fields(line); len(f) > 0 && f[0] == "auth-user-pass" {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteString("auth-user-pass ")
	sb.WriteString(authFile)
	sb.WriteByte('\n')
	return sb.String()
}

// Classify reports Connected as soon as the success marker is present;
// openvpn logs "Connection reset" on its own in-place reconnects, so failure
// markers only count before the tunnel has come up.
func (d *openVPN) Classify(log string) (Verdict, string) {
	switch {
	case strings.Contains(log, openVPNConnectedMarker):
		return Connected, ""
	case strings.Contains(log, openVPNAuthMarker):
		return Failed, "auth_failed"
	case strings.Contains(log, openVPNResetMarker):
		return Failed, "connection_reset"
	default:
		return Pending, ""
	}
}

func (d *openVPN) DeviceName(log string) (string, bool) {
	m := openVPNDeviceRe.FindAllStringSubmatch(log, -1)
	if len(m) == 0 {
		return "", false
	}
	return m[len(m)-1][1], true
}

func (d *openVPN) OptimisticConnect() bool { return false }

func (d *openVPN) Cleanup(id string) error {
	return removeAll(d.configPath(id), d.authPath(id))
}
