package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/vpnconnector/internal/store"
)

var dialect = store.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS vpn_configurations(
			config_id TEXT PRIMARY KEY,
			organization_id INTEGER NOT NULL,
			user_email TEXT NOT NULL,
			name TEXT NOT NULL,
			connection_type TEXT NOT NULL DEFAULT 'openvpn',
			status TEXT NOT NULL DEFAULT 'configured',
			metadata TEXT NULL,
			secret_ref TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_used_at TIMESTAMP NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_vpn_configurations_org ON vpn_configurations(organization_id);`,
		`CREATE INDEX IF NOT EXISTS idx_vpn_configurations_status ON vpn_configurations(status);`,
	},
}

// New opens a SQLite database at path (modernc.org/sqlite, CGO-free).
// Use ":memory:" for an in-memory database.
func New(path string) (*store.SQL, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return store.NewSQL(d, dialect), nil
}
