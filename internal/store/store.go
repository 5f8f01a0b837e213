// Package store persists VPN configuration records.
package store

import (
	"context"
	"time"

	"github.com/loykin/vpnconnector/internal/tunnel"
)

// Record is one row of vpn_configurations. ConfigID is the stable id used
// for runtime files, secrets and the connection registry. Times are UTC.
type Record struct {
	ConfigID       string
	OrganizationID int64
	UserEmail      string
	Name           string
	ConnectionType string
	Status         tunnel.Phase
	Metadata       map[string]any
	SecretRef      string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// Store is the persistence interface the connector depends on. Get and List
// are scoped to an organization; org 0 matches every organization.
// Missing records yield an error wrapping tunnel.ErrNotFound.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, org int64, id string) (Record, error)
	List(ctx context.Context, org int64) ([]Record, error)
	UpdatePhase(ctx context.Context, id string, phase tunnel.Phase) error
	Touch(ctx context.Context, id string, at time.Time) error
	SetSecretRef(ctx context.Context, id, ref string) error
	Delete(ctx context.Context, id string) error
	CountByPhase(ctx context.Context) (map[tunnel.Phase]int, error)
	Close() error
}
