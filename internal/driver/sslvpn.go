package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/loykin/vpnconnector/internal/logger"
	"github.com/loykin/vpnconnector/internal/process"
	"github.com/loykin/vpnconnector/internal/secrets"
	"github.com/loykin/vpnconnector/internal/tunnel"
)

var sslVPNDeviceRe = regexp.MustCompile(`[Uu]sing interface (\S+)`)

// sslVPN drives openfortivpn. The client writes to stdout, which is captured
// into a rotated log file.
type sslVPN struct {
	paths  Paths
	binary string
}

func (d *sslVPN) Backend() Backend { return SSLVPN }

func (d *sslVPN) LogPath(id string) string {
	return filepath.Join(d.paths.SSLVPNLogDir, id+".log")
}

func (d *sslVPN) configPath(id string) string {
	return filepath.Join(d.paths.RuntimeDir, id+".conf")
}

func (d *sslVPN) Prepare(id string, b secrets.Bundle) (process.Spec, error) {
	c := b.Credentials
	if err := c.Validate(); err != nil {
		return process.Spec{}, err
	}
	if c.Host == "" && strings.TrimSpace(b.Config) == "" {
		return process.Spec{}, fmt.Errorf("%w: no ssl-vpn gateway stored for %s", tunnel.ErrConfigNotFound, id)
	}
	if err := os.MkdirAll(d.paths.RuntimeDir, 0o750); err != nil {
		return process.Spec{}, fmt.Errorf("runtime dir: %w", err)
	}
	cfg := d.configPath(id)
	if err := writeSecretFile(cfg, []byte(renderForti(b))); err != nil {
		return process.Spec{}, fmt.Errorf("write config: %w", err)
	}
	logPath := d.LogPath(id)
	if err := resetLog(logPath); err != nil {
		return process.Spec{}, fmt.Errorf("reset log: %w", err)
	}
	return process.Spec{
		Name:       id,
		Binary:     d.binary,
		Args:       []string{"--config", cfg},
		ConfigPath: cfg,
		Output:     logger.FileConfig{Path: logPath},
	}, nil
}

// renderForti produces an openfortivpn config. A stored config is used as
// the base; non-empty credential fields are appended and take precedence.
func renderForti(b secrets.Bundle) string {
	var sb strings.Builder
	if base := strings.TrimRight(b.Config, "\n"); base != "" {
		sb.WriteString(base)
		sb.WriteByte('\n')
	}
	kv := func(k, v string) {
		if v != "" {
			sb.WriteString(k + " = " + v + "\n")
		}
	}
	c := b.Credentials
	kv("host", c.Host)
	if c.Port > 0 {
		kv("port", strconv.Itoa(c.Port))
	}
	kv("username", c.Username)
	kv("password", c.Password)
	kv("trusted-cert", c.TrustedCert)
	return sb.String()
}

// Classify never reports a transition: openfortivpn output is not
// interpreted and the connection is marked connected at spawn.
func (d *sslVPN) Classify(string) (Verdict, string) { return Pending, "" }

func (d *sslVPN) DeviceName(log string) (string, bool) {
	m := sslVPNDeviceRe.FindAllStringSubmatch(log, -1)
	if len(m) == 0 {
		return "", false
	}
	return m[len(m)-1][1], true
}

func (d *sslVPN) OptimisticConnect() bool { return true }

func (d *sslVPN) Cleanup(id string) error { return removeAll(d.configPath(id)) }
