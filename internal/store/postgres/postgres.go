package postgres

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/vpnconnector/internal/store"
)

var dialect = store.Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS vpn_configurations(
			config_id TEXT PRIMARY KEY,
			organization_id BIGINT NOT NULL,
			user_email TEXT NOT NULL,
			name TEXT NOT NULL,
			connection_type TEXT NOT NULL DEFAULT 'openvpn',
			status TEXT NOT NULL DEFAULT 'configured'
				CHECK (status IN ('configured', 'connecting', 'connected', 'disconnected', 'error')),
			metadata TEXT NULL,
			secret_ref TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_vpn_configurations_org ON vpn_configurations(organization_id);`,
		`CREATE INDEX IF NOT EXISTS idx_vpn_configurations_status ON vpn_configurations(status);`,
	},
}

// New opens a PostgreSQL database through the pgx stdlib driver.
func New(dsn string) (*store.SQL, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return store.NewSQL(d, dialect), nil
}
