// Package tls builds the server TLS configuration for the API listener,
// optionally generating a self-signed certificate on first start.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	caCrtName = "tls_ca.crt"
	crtName   = "tls.crt"
	keyName   = "tls.key"
)

// Config describes where the API certificate comes from. CertFile/KeyFile
// take precedence over Dir.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	CommonName   string   `mapstructure:"common_name"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
	MinVersion   string   `mapstructure:"min_version"` // "1.2" or "1.3" (default)
}

func parseVersion(ver string) (uint16, error) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "", "default", "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	}
	return 0, fmt.Errorf("unsupported tls version %q", ver)
}

// Setup returns the server tls.Config, or nil when TLS is disabled.
func Setup(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		if cfg.Dir == "" {
			return nil, errors.New("tls enabled but neither cert_file/key_file nor dir is set")
		}
		certPath, keyPath = filepath.Join(cfg.Dir, crtName), filepath.Join(cfg.Dir, keyName)
		if cfg.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(cfg); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	if !exists(certPath, keyPath) {
		return nil, fmt.Errorf("certificate %s or key %s not found", certPath, keyPath)
	}
	return &tls.Config{
		GetCertificate: loader(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

// loader re-reads the key pair on each handshake so rotated files are
// picked up without a restart.
func loader(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		crt, err := os.ReadFile(filepath.Clean(certPath))
		if err != nil {
			return nil, err
		}
		key, err := os.ReadFile(filepath.Clean(keyPath))
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(crt, key)
		return &pair, err
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(cfg Config) error {
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return fmt.Errorf("create certificate dir: %w", err)
	}
	days := cfg.ValidDays
	if days <= 0 {
		days = 365
	}
	cc := CertConfig{
		CommonName:   cfg.CommonName,
		Organization: "vpnconnector",
		DNSNames:     cfg.DNSNames,
		IPAddresses:  cfg.IPAddresses,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(cfg.Dir, crtName),
		KeyPath:      filepath.Join(cfg.Dir, keyName),
		CACertPath:   filepath.Join(cfg.Dir, caCrtName),
	}
	if cc.CommonName == "" {
		cc.CommonName = "localhost"
	}
	if len(cc.DNSNames) == 0 {
		cc.DNSNames = []string{"localhost"}
	}
	if len(cc.IPAddresses) == 0 {
		cc.IPAddresses = []string{"127.0.0.1"}
	}
	return GenerateSelfSignedCert(cc)
}
