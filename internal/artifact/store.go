package artifact

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"intentline/internal/domain"
)

// Store is the document store for materialized artifacts. Content for a
// contract is purged when the contract expires; the record survives with
// source_expired_at stamped.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{DB: db, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Put stores one artifact and returns it with an assigned id.
func (s *Store) Put(ctx context.Context, a domain.Artifact) (domain.Artifact, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.TenantID == "" {
		return a, domain.ValidationError{Field: "tenant_id", Reason: "is required"}
	}
	a.CreatedAt = s.now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO artifacts(id,tenant_id,contract_id,intent_id,kind,content,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, nullable(a.ContractID), nullable(a.IntentID), a.Kind, a.Content, a.CreatedAt)
	if err != nil {
		return a, domain.DurabilityError{Op: "artifact put", Err: err}
	}
	return a, nil
}

// Get returns an artifact scoped to a tenant. Purged artifacts (content
// removed by the reaper) read as not found.
func (s *Store) Get(ctx context.Context, tenantID, id string) (domain.Artifact, error) {
	var a domain.Artifact
	var contractID, intentID, expiredAt sql.NullString
	var content []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT id,tenant_id,contract_id,intent_id,kind,content,created_at,source_expired_at FROM artifacts WHERE tenant_id=? AND id=?`,
		tenantID, id).Scan(&a.ID, &a.TenantID, &contractID, &intentID, &a.Kind, &content, &a.CreatedAt, &expiredAt)
	if err == sql.ErrNoRows {
		return a, domain.ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if contractID.Valid {
		a.ContractID = contractID.String
	}
	if intentID.Valid {
		a.IntentID = intentID.String
	}
	if expiredAt.Valid {
		a.SourceExpiredAt = expiredAt.String
	}
	if content == nil {
		return a, domain.ErrNotFound
	}
	a.Content = content
	return a, nil
}

// DeleteByContract removes artifacts created under a contract entirely.
// Used by saga compensation, where the ingest never happened as far as
// the caller is concerned.
func (s *Store) DeleteByContract(ctx context.Context, contractID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM artifacts WHERE contract_id=?`, contractID)
	return err
}

// PurgeByContract removes content but keeps the records, stamping
// source_expired_at. Used by the TTL reaper.
func (s *Store) PurgeByContract(ctx context.Context, contractID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE artifacts SET content=NULL, source_expired_at=? WHERE contract_id=? AND source_expired_at IS NULL`,
		s.now().UTC().Format(time.RFC3339), contractID)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
