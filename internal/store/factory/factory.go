// Package factory opens the vpn_configurations store named by a DSN.
package factory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/vpnconnector/internal/store"
	pg "github.com/loykin/vpnconnector/internal/store/postgres"
	sq "github.com/loykin/vpnconnector/internal/store/sqlite"
)

// ErrUnsupportedDSN is returned for a DSN whose scheme names no backend.
var ErrUnsupportedDSN = errors.New("unsupported store DSN")

// Open selects the backend for dsn, creates the parent directory of a
// SQLite file and applies the vpn_configurations schema. Supported:
//   - "postgres://..." or "postgresql://..."
//   - "sqlite:///path/to/file.db", "sqlite://:memory:" or a bare path
func Open(ctx context.Context, dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, fmt.Errorf("%w: empty", ErrUnsupportedDSN)
	}
	st, err := open(d)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensure vpn_configurations schema: %w", err)
	}
	return st, nil
}

func open(dsn string) (store.Store, error) {
	ld := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return pg.New(dsn)
	case strings.HasPrefix(ld, "sqlite://"):
		return openSQLite(dsn[len("sqlite://"):])
	case strings.Contains(dsn, "://"):
		scheme, _, _ := strings.Cut(dsn, "://")
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedDSN, scheme)
	}
	return openSQLite(dsn)
}

func openSQLite(path string) (store.Store, error) {
	if path != ":memory:" && path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}
	return sq.New(path)
}
