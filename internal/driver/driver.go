// Package driver materializes backend runtime files, builds the client
// invocation and interprets client log output for each supported backend.
package driver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/vpnconnector/internal/process"
	"github.com/loykin/vpnconnector/internal/secrets"
	"github.com/loykin/vpnconnector/internal/tunnel"
)

// Backend identifies the VPN client used for a configuration. The values
// match the persisted connection_type column.
type Backend string

const (
	OpenVPN Backend = "openvpn"
	SSLVPN  Backend = "fortinet_ssl"
)

func (b Backend) String() string { return string(b) }

// ParseBackend maps a stored connection type to a Backend. Empty means OpenVPN.
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case "", OpenVPN:
		return OpenVPN, nil
	case SSLVPN:
		return SSLVPN, nil
	default:
		return "", fmt.Errorf("%w: %q", tunnel.ErrUnsupportedBackend, s)
	}
}

// Verdict is the classification of a client log at one point in time.
type Verdict int

const (
	Pending Verdict = iota
	Connected
	Failed
)

func (v Verdict) String() string {
	switch v {
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

type Driver interface {
	Backend() Backend
	LogPath(id string) string
	// Prepare writes the runtime files for id and returns the invocation.
	// Secret-bearing files are created with mode 0600.
	Prepare(id string, b secrets.Bundle) (process.Spec, error)
	// Classify inspects the full log content. reason is set for Failed.
	Classify(log string) (v Verdict, reason string)
	DeviceName(log string) (string, bool)
	// OptimisticConnect reports whether the connection is considered
	// connected as soon as the client has been spawned.
	OptimisticConnect() bool
	// Cleanup removes runtime files written by Prepare. Logs are kept.
	Cleanup(id string) error
}

const (
	DefaultRuntimeDir    = "/etc/vpnconnector/configs"
	DefaultOpenVPNLogDir = "/var/log/openvpn"
	DefaultSSLVPNLogDir  = "/var/log/openfortivpn"
)

type Paths struct {
	RuntimeDir    string `mapstructure:"runtime_dir"`
	AuthDir       string `mapstructure:"auth_dir"` // defaults to <runtime_dir>/auth
	OpenVPNLogDir string `mapstructure:"openvpn_log_dir"`
	SSLVPNLogDir  string `mapstructure:"sslvpn_log_dir"`
}

func (p Paths) withDefaults() Paths {
	if p.RuntimeDir == "" {
		p.RuntimeDir = DefaultRuntimeDir
	}
	if p.AuthDir == "" {
		p.AuthDir = filepath.Join(p.RuntimeDir, "auth")
	}
	if p.OpenVPNLogDir == "" {
		p.OpenVPNLogDir = DefaultOpenVPNLogDir
	}
	if p.SSLVPNLogDir == "" {
		p.SSLVPNLogDir = DefaultSSLVPNLogDir
	}
	return p
}

type Binaries struct {
	OpenVPN      string `mapstructure:"openvpn"`
	OpenFortiVPN string `mapstructure:"openfortivpn"`
}

func (b Binaries) withDefaults() Binaries {
	if b.OpenVPN == "" {
		b.OpenVPN = "openvpn"
	}
	if b.OpenFortiVPN == "" {
		b.OpenFortiVPN = "openfortivpn"
	}
	return b
}

// Set holds one driver per backend.
type Set struct {
	drivers map[Backend]Driver
}

func NewSet(p Paths, b Binaries) *Set {
	p, b = p.withDefaults(), b.withDefaults()
	return &Set{drivers: map[Backend]Driver{
		OpenVPN: &openVPN{paths: p, binary: b.OpenVPN},
		SSLVPN:  &sslVPN{paths: p, binary: b.OpenFortiVPN},
	}}
}

func (s *Set) Lookup(b Backend) (Driver, error) {
	d, ok := s.drivers[b]
	if !ok {
		return nil, fmt.Errorf("%w: %q", tunnel.ErrUnsupportedBackend, b)
	}
	return d, nil
}

// resetLog truncates (or creates) the client log so markers from a previous
// run cannot be observed by the next monitor.
func resetLog(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	// #nosec G304 -- path derived from configured log dir and a validated id
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	return f.Close()
}

func writeSecretFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(path, 0o600)
}

func removeAll(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
