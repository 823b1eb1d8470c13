package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"intentline/internal/domain"
)

// SQLiteStore persists state entries in the runtime database. Expired
// entries are treated as absent on read and lazily deleted.
type SQLiteStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{DB: db, Now: time.Now}
}

func (s *SQLiteStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQLiteStore) Get(ctx context.Context, namespace, tenantID, key string) ([]byte, error) {
	var value string
	var expires sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT value_json, expires_at FROM state_entries WHERE namespace=? AND tenant_id=? AND key=?`,
		namespace, tenantID, key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.DurabilityError{Op: "state get", Err: err}
	}
	if expires.Valid && expired(expires.String, s.now()) {
		_, _ = s.DB.ExecContext(ctx, `DELETE FROM state_entries WHERE namespace=? AND tenant_id=? AND key=?`, namespace, tenantID, key)
		return nil, domain.ErrNotFound
	}
	return []byte(value), nil
}

func (s *SQLiteStore) Set(ctx context.Context, namespace, tenantID, key string, value []byte, ttl time.Duration) error {
	now := s.now().UTC()
	var expires any
	if ttl > 0 {
		expires = now.Add(ttl).Format(time.RFC3339Nano)
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO state_entries(namespace,tenant_id,key,value_json,expires_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(namespace,tenant_id,key) DO UPDATE SET value_json=excluded.value_json, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		namespace, tenantID, key, string(value), expires, now.Format(time.RFC3339Nano))
	if err != nil {
		return domain.DurabilityError{Op: "state set", Err: err}
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, namespace, tenantID, key string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM state_entries WHERE namespace=? AND tenant_id=? AND key=?`, namespace, tenantID, key)
	if err != nil {
		return domain.DurabilityError{Op: "state delete", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context, namespace, tenantID string, limit int) ([]string, error) {
	query := `SELECT key, expires_at FROM state_entries WHERE namespace=? AND tenant_id=? ORDER BY key ASC`
	args := []any{namespace, tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.DurabilityError{Op: "state list", Err: err}
	}
	defer rows.Close()
	now := s.now()
	var keys []string
	for rows.Next() {
		var key string
		var expires sql.NullString
		if err := rows.Scan(&key, &expires); err != nil {
			return nil, err
		}
		if expires.Valid && expired(expires.String, now) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: state: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func expired(expiresAt string, now time.Time) bool {
	exp, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return false
	}
	return !now.Before(exp)
}
