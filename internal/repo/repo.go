package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"intentline/internal/domain"
)

// Repo persists boundary contracts and tenant policies.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

const contractColumns = `id,tenant_id,COALESCE(user_id,''),COALESCE(intent_id,''),source_type,source_id,access_granted,COALESCE(conditions_json,''),COALESCE(materialization_type,''),COALESCE(scope,''),COALESCE(backing_store,''),COALESCE(ttl_seconds,0),COALESCE(expires_at,''),status,created_at,updated_at`

func scanContract(row interface{ Scan(...any) error }) (domain.BoundaryContract, error) {
	var c domain.BoundaryContract
	var granted int
	var conditions string
	err := row.Scan(&c.ID, &c.TenantID, &c.UserID, &c.IntentID, &c.SourceType, &c.SourceID,
		&granted, &conditions, &c.MaterializationType, &c.Scope, &c.BackingStore,
		&c.TTLSeconds, &c.ExpiresAt, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, domain.ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.AccessGranted = granted != 0
	if conditions != "" {
		_ = json.Unmarshal([]byte(conditions), &c.AccessConditions)
	}
	return c, nil
}

func (r Repo) InsertContract(ctx context.Context, c domain.BoundaryContract) error {
	conditions, err := json.Marshal(c.AccessConditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	granted := 0
	if c.AccessGranted {
		granted = 1
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO boundary_contracts(id,tenant_id,user_id,intent_id,source_type,source_id,access_granted,conditions_json,materialization_type,scope,backing_store,ttl_seconds,expires_at,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TenantID, nullable(c.UserID), nullable(c.IntentID), c.SourceType, c.SourceID,
		granted, string(conditions), nullable(c.MaterializationType), nullable(c.Scope),
		nullable(c.BackingStore), c.TTLSeconds, nullable(c.ExpiresAt), c.Status, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.BoundaryContract, error) {
	return scanContract(r.DB.QueryRowContext(ctx,
		`SELECT `+contractColumns+` FROM boundary_contracts WHERE id=?`, id))
}

// ActiveContractBySource is the secondary lookup restricted to active status.
func (r Repo) ActiveContractBySource(ctx context.Context, tenantID, sourceType, sourceID string) (domain.BoundaryContract, error) {
	return scanContract(r.DB.QueryRowContext(ctx,
		`SELECT `+contractColumns+` FROM boundary_contracts WHERE tenant_id=? AND source_type=? AND source_id=? AND status='active'`,
		tenantID, sourceType, sourceID))
}

func (r Repo) ListContracts(ctx context.Context, tenantID string, limit int) ([]domain.BoundaryContract, error) {
	query := `SELECT ` + contractColumns + ` FROM boundary_contracts WHERE tenant_id=? ORDER BY created_at DESC, id DESC`
	args := []any{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BoundaryContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ActivateContract transitions pending -> active with materialization
// detail, compare-and-set on status so it cannot race the reaper.
func (r Repo) ActivateContract(ctx context.Context, id, materializationType, scope, backingStore string, ttlSeconds int64, expiresAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE boundary_contracts SET status='active', materialization_type=?, scope=?, backing_store=?, ttl_seconds=?, expires_at=?, updated_at=? WHERE id=? AND status='pending'`,
		materializationType, scope, backingStore, ttlSeconds, expiresAt, r.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpireContract transitions active -> expired, compare-and-set so a
// concurrent activation or a second reaper pass cannot double-fire.
func (r Repo) ExpireContract(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE boundary_contracts SET status='expired', updated_at=? WHERE id=? AND status='active'`,
		r.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpiredActiveContracts returns active contracts whose expires_at has
// passed, the reaper's scan set.
func (r Repo) ExpiredActiveContracts(ctx context.Context, now time.Time, limit int) ([]domain.BoundaryContract, error) {
	query := `SELECT ` + contractColumns + ` FROM boundary_contracts WHERE status='active' AND expires_at IS NOT NULL AND expires_at<=? ORDER BY expires_at ASC`
	args := []any{now.UTC().Format(time.RFC3339)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BoundaryContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpsertTenantPolicy stores a policy document for (tenant, solution).
// solutionID may be empty for the tenant-wide policy.
func (r Repo) UpsertTenantPolicy(ctx context.Context, tenantID, solutionID string, policyJSON []byte) error {
	now := r.now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO tenant_policies(tenant_id,solution_id,policy_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id,solution_id) DO UPDATE SET policy_json=excluded.policy_json, updated_at=excluded.updated_at`,
		tenantID, solutionID, string(policyJSON), now)
	return err
}

func (r Repo) GetTenantPolicy(ctx context.Context, tenantID, solutionID string) ([]byte, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx,
		`SELECT policy_json FROM tenant_policies WHERE tenant_id=? AND solution_id=?`,
		tenantID, solutionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
