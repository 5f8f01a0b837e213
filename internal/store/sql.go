package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/vpnconnector/internal/tunnel"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2...) instead of '?'.
	Numbered bool
	Schema   []string
}

// SQL implements Store on database/sql. The sqlite and postgres packages
// open the connection and provide the dialect.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQL(db *sql.DB, d Dialect) *SQL { return &SQL{db: db, dialect: d} }

func (s *SQL) DB() *sql.DB { return s.db }

// rebind rewrites '?' placeholders for dialects that number them.
func (s *SQL) rebind(q string) string {
	if !s.dialect.Numbered {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, q := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s schema: %w", s.dialect.Name, err)
		}
	}
	return nil
}

func (s *SQL) Close() error { return s.db.Close() }

const selectColumns = `config_id, organization_id, user_email, name, connection_type, status,
	metadata, secret_ref, is_active, created_at, updated_at, last_used_at`

func (s *SQL) Create(ctx context.Context, rec Record) error {
	if rec.ConfigID == "" {
		return errors.New("config id required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = tunnel.PhaseConfigured
	}
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO vpn_configurations(config_id, organization_id, user_email, name, connection_type, status,
			metadata, secret_ref, is_active, created_at, updated_at, last_used_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`),
		rec.ConfigID, rec.OrganizationID, rec.UserEmail, rec.Name, rec.ConnectionType, string(rec.Status),
		meta, rec.SecretRef, rec.IsActive, rec.CreatedAt.UTC(), rec.UpdatedAt)
	return err
}

func (s *SQL) Get(ctx context.Context, org int64, id string) (Record, error) {
	q := `SELECT ` + selectColumns + ` FROM vpn_configurations WHERE config_id=?`
	args := []any{id}
	if org != 0 {
		q += ` AND organization_id=?`
		args = append(args, org)
	}
	row := s.db.QueryRowContext(ctx, s.rebind(q), args...)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s: %w", id, tunnel.ErrNotFound)
	}
	return rec, err
}

func (s *SQL) List(ctx context.Context, org int64) ([]Record, error) {
	q := `SELECT ` + selectColumns + ` FROM vpn_configurations`
	var args []any
	if org != 0 {
		q += ` WHERE organization_id=?`
		args = append(args, org)
	}
	q += ` ORDER BY created_at, config_id`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQL) UpdatePhase(ctx context.Context, id string, phase tunnel.Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("invalid phase %q", phase)
	}
	return s.exec1(ctx, id, `UPDATE vpn_configurations SET status=?, updated_at=? WHERE config_id=?`,
		string(phase), time.Now().UTC(), id)
}

func (s *SQL) Touch(ctx context.Context, id string, at time.Time) error {
	return s.exec1(ctx, id, `UPDATE vpn_configurations SET last_used_at=?, updated_at=? WHERE config_id=?`,
		at.UTC(), time.Now().UTC(), id)
}

func (s *SQL) SetSecretRef(ctx context.Context, id, ref string) error {
	return s.exec1(ctx, id, `UPDATE vpn_configurations SET secret_ref=?, updated_at=? WHERE config_id=?`,
		ref, time.Now().UTC(), id)
}

func (s *SQL) Delete(ctx context.Context, id string) error {
	return s.exec1(ctx, id, `DELETE FROM vpn_configurations WHERE config_id=?`, id)
}

func (s *SQL) CountByPhase(ctx context.Context) (map[tunnel.Phase]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM vpn_configurations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[tunnel.Phase]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[tunnel.Phase(status)] = n
	}
	return out, rows.Err()
}

// exec1 runs a single-row statement and maps zero affected rows to ErrNotFound.
func (s *SQL) exec1(ctx context.Context, id, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, tunnel.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r        Record
		status   string
		meta     sql.NullString
		lastUsed sql.NullTime
	)
	if err := sc.Scan(&r.ConfigID, &r.OrganizationID, &r.UserEmail, &r.Name, &r.ConnectionType, &status,
		&meta, &r.SecretRef, &r.IsActive, &r.CreatedAt, &r.UpdatedAt, &lastUsed); err != nil {
		return Record{}, err
	}
	r.Status = tunnel.Phase(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if lastUsed.Valid {
		t := lastUsed.Time.UTC()
		r.LastUsedAt = &t
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode metadata for %s: %w", r.ConfigID, err)
		}
	}
	return r, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}
