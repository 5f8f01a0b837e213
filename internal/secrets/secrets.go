// Package secrets defines the credential store the connector resolves VPN
// configurations and credentials from.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/loykin/vpnconnector/internal/tunnel"
)

// ErrNotFound is returned by Get when nothing is stored for the id.
var ErrNotFound = errors.New("secret not found")

// Credentials are the login parameters handed to the VPN client. Host, Port
// and TrustedCert are only used by the SSL-VPN backend.
type Credentials struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	TrustedCert string `json:"trusted_cert,omitempty"`
}

// Validate rejects line breaks in any field: each one is written as a
// single line of a client config or auth file.
func (c Credentials) Validate() error {
	for _, f := range []struct{ name, v string }{
		{"username", c.Username},
		{"password", c.Password},
		{"host", c.Host},
		{"trusted_cert", c.TrustedCert},
	} {
		if strings.ContainsAny(f.v, "\r\n") {
			return fmt.Errorf("%w: %s contains a line break", tunnel.ErrInvalidCredentials, f.name)
		}
	}
	return nil
}

// Bundle is everything needed to start one connection.
type Bundle struct {
	Config      string // client configuration text (e.g. the .ovpn file)
	Credentials Credentials
}

// Ref locates a stored bundle; it is persisted next to the configuration record.
type Ref struct {
	SecretID string `json:"secret_id"`
	BlobKey  string `json:"blob_key,omitempty"`
}

type Store interface {
	Put(ctx context.Context, id string, b Bundle) (Ref, error)
	Get(ctx context.Context, id string) (Bundle, error)
	Delete(ctx context.Context, id string) error
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,126}$`)

// ValidateID rejects ids that cannot be used as file, secret or blob names.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid secret id %q", id)
	}
	return nil
}
