// Package factory builds a secrets.Store from service configuration.
package factory

import (
	"fmt"
	"strings"

	"github.com/loykin/vpnconnector/internal/secrets"
	"github.com/loykin/vpnconnector/internal/secrets/azure"
	"github.com/loykin/vpnconnector/internal/secrets/file"
)

type Config struct {
	Type  string       `mapstructure:"type"` // "file" (default) or "azure"
	Dir   string       `mapstructure:"dir"`
	Azure azure.Config `mapstructure:"azure"`
}

func New(cfg Config) (secrets.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "file":
		return file.New(cfg.Dir)
	case "azure":
		return azure.New(cfg.Azure)
	default:
		return nil, fmt.Errorf("unsupported secret store type: %s", cfg.Type)
	}
}
