package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"intentline/internal/artifact"
	"intentline/internal/config"
	"intentline/internal/domain"
	"intentline/internal/repo"
	"intentline/internal/wal"
)

const decisionCacheSize = 1024

// Engine owns boundary contract transitions. Access ("can we read it")
// and materialization ("can we keep it, and how") are separate decisions.
type Engine struct {
	Repo      repo.Repo
	Artifacts *artifact.Store
	WAL       *wal.Log
	Config    *config.Config
	Now       func() time.Time

	cache *lru.Cache[string, decision]
}

// decision is a resolved, cacheable policy for one (tenant, solution).
type decision struct {
	Basis string
	Rule  config.PolicyRule
}

func New(r repo.Repo, artifacts *artifact.Store, log *wal.Log, cfg *config.Config) *Engine {
	cache, _ := lru.New[string, decision](decisionCacheSize)
	return &Engine{
		Repo:      r,
		Artifacts: artifacts,
		WAL:       log,
		Config:    cfg,
		Now:       time.Now,
		cache:     cache,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// DataAccessRequest is the outcome of phase one.
type DataAccessRequest struct {
	AccessGranted bool     `json:"access_granted"`
	ContractID    string   `json:"contract_id"`
	Conditions    []string `json:"conditions,omitempty"`
}

// MaterializationAuthorization is the outcome of phase two.
type MaterializationAuthorization struct {
	Allowed             bool          `json:"allowed"`
	MaterializationType string        `json:"materialization_type"`
	Scope               string        `json:"scope"`
	BackingStore        string        `json:"backing_store"`
	TTL                 time.Duration `json:"ttl"`
	PolicyBasis         string        `json:"policy_basis"`
}

// RequestDataAccess reuses an existing active contract for the same
// (tenant, source_type, source_id) if present; otherwise it evaluates the
// access rule and records a pending contract.
func (e *Engine) RequestDataAccess(ctx context.Context, intent domain.Intent, sourceType, sourceID string) (DataAccessRequest, error) {
	if intent.TenantID == "" {
		return DataAccessRequest{}, domain.ValidationError{Field: "tenant_id", Reason: "data access requires a bound tenant"}
	}
	if sourceType == "" || sourceID == "" {
		return DataAccessRequest{}, domain.ValidationError{Field: "external_source", Reason: "source type and identifier are required"}
	}

	existing, err := e.Repo.ActiveContractBySource(ctx, intent.TenantID, sourceType, sourceID)
	if err == nil {
		return DataAccessRequest{
			AccessGranted: existing.AccessGranted,
			ContractID:    existing.ID,
			Conditions:    existing.AccessConditions,
		}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return DataAccessRequest{}, err
	}

	granted := e.sourceAllowed(sourceType)
	now := e.now().UTC().Format(time.RFC3339)
	contract := domain.BoundaryContract{
		ID:            uuid.New().String(),
		TenantID:      intent.TenantID,
		IntentID:      intent.ID,
		SourceType:    sourceType,
		SourceID:      sourceID,
		AccessGranted: granted,
		Status:        domain.ContractPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if granted {
		contract.AccessConditions = e.Config.Boundary.Conditions
	}
	if err := e.Repo.InsertContract(ctx, contract); err != nil {
		return DataAccessRequest{}, fmt.Errorf("insert contract: %w", err)
	}
	return DataAccessRequest{
		AccessGranted: granted,
		ContractID:    contract.ID,
		Conditions:    contract.AccessConditions,
	}, nil
}

// sourceAllowed checks the platform source allow-list. An empty list
// means no restriction.
func (e *Engine) sourceAllowed(sourceType string) bool {
	allowed := e.Config.Boundary.AllowedSources
	if len(allowed) == 0 {
		return true
	}
	for _, s := range allowed {
		if s == sourceType {
			return true
		}
	}
	return false
}

// AuthorizeMaterialization evaluates phase two for an access-granted
// contract and activates it. An already-active contract is reauthorized
// without extending its expiry: expiry is not vetoable.
func (e *Engine) AuthorizeMaterialization(ctx context.Context, contractID, tenantID, requestedType, solutionID string) (MaterializationAuthorization, error) {
	if requestedType == "" {
		return MaterializationAuthorization{}, domain.ValidationError{Field: "materialization_type", Reason: "is required"}
	}
	contract, err := e.Repo.GetContract(ctx, contractID)
	if err != nil {
		return MaterializationAuthorization{}, err
	}
	if contract.TenantID != tenantID {
		return MaterializationAuthorization{}, domain.IsolationError{Have: tenantID, Want: contract.TenantID}
	}
	if !contract.AccessGranted {
		return MaterializationAuthorization{}, domain.PolicyDeniedError{Reason: "contract has no access grant"}
	}
	if contract.Status == domain.ContractExpired {
		return MaterializationAuthorization{}, domain.PolicyDeniedError{Reason: "contract expired"}
	}

	dec, err := e.resolve(ctx, tenantID, solutionID)
	if err != nil {
		return MaterializationAuthorization{}, err
	}
	grant, ok := dec.Rule.Types[requestedType]
	if !ok && !dec.Rule.AllowAll {
		return MaterializationAuthorization{}, domain.PolicyDeniedError{
			Reason: fmt.Sprintf("materialization type %s not allowed by %s policy", requestedType, dec.Basis),
		}
	}

	store := firstNonEmpty(grant.BackingStore, dec.Rule.BackingStore, "artifacts")
	ttl := grantTTL(grant.TTL, dec.Rule.TTL)
	scope := "tenant:" + tenantID
	if solutionID != "" {
		scope += "/solution:" + solutionID
	}
	auth := MaterializationAuthorization{
		Allowed:             true,
		MaterializationType: requestedType,
		Scope:               scope,
		BackingStore:        store,
		TTL:                 ttl,
		PolicyBasis:         dec.Basis,
	}

	if contract.Status == domain.ContractActive {
		return auth, nil
	}
	expiresAt := e.now().UTC().Add(ttl).Format(time.RFC3339)
	activated, err := e.Repo.ActivateContract(ctx, contractID, requestedType, scope, store, int64(ttl/time.Second), expiresAt)
	if err != nil {
		return MaterializationAuthorization{}, fmt.Errorf("activate contract: %w", err)
	}
	if !activated {
		// Lost the race: reread and settle on the winner's state.
		current, err := e.Repo.GetContract(ctx, contractID)
		if err != nil {
			return MaterializationAuthorization{}, err
		}
		if current.Status != domain.ContractActive {
			return MaterializationAuthorization{}, domain.PolicyDeniedError{Reason: "contract expired"}
		}
		return auth, nil
	}
	if e.WAL != nil {
		_, _ = e.WAL.Append(ctx, tenantID, domain.EventContractActivated, map[string]any{
			"contract_id":          contractID,
			"materialization_type": requestedType,
			"backing_store":        store,
			"expires_at":           expiresAt,
		})
	}
	return auth, nil
}

// ReleaseContract expires an active contract and deletes the artifacts
// materialized under it. Used by saga compensation to undo an ingest.
func (e *Engine) ReleaseContract(ctx context.Context, tenantID, contractID string) error {
	contract, err := e.Repo.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if contract.TenantID != tenantID {
		return domain.IsolationError{Have: tenantID, Want: contract.TenantID}
	}
	if err := e.Artifacts.DeleteByContract(ctx, contractID); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	_, err = e.Repo.ExpireContract(ctx, contractID)
	return err
}

// SetTenantPolicy writes a tenant or solution policy and invalidates the
// decision cache for that tenant. A cache entry must never outlive a
// policy update.
func (e *Engine) SetTenantPolicy(ctx context.Context, tenantID, solutionID string, rule config.PolicyRule) error {
	if tenantID == "" {
		return domain.ValidationError{Field: "tenant_id", Reason: "is required"}
	}
	payload, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	if err := e.Repo.UpsertTenantPolicy(ctx, tenantID, solutionID, payload); err != nil {
		return err
	}
	e.invalidate(tenantID)
	return nil
}

func (e *Engine) invalidate(tenantID string) {
	prefix := tenantID + "|"
	for _, key := range e.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			e.cache.Remove(key)
		}
	}
}

// resolve walks solution-specific -> tenant-specific -> platform default.
// Stored policies take precedence over config at the same specificity.
func (e *Engine) resolve(ctx context.Context, tenantID, solutionID string) (decision, error) {
	key := tenantID + "|" + solutionID
	if dec, ok := e.cache.Get(key); ok {
		return dec, nil
	}

	dec, err := e.lookup(ctx, tenantID, solutionID)
	if err != nil {
		return decision{}, err
	}
	e.cache.Add(key, dec)
	return dec, nil
}

func (e *Engine) lookup(ctx context.Context, tenantID, solutionID string) (decision, error) {
	if solutionID != "" {
		if rule, ok, err := e.storedRule(ctx, tenantID, solutionID); err != nil {
			return decision{}, err
		} else if ok {
			return decision{Basis: "solution", Rule: rule}, nil
		}
		if tp, ok := e.Config.Boundary.Tenants[tenantID]; ok {
			if rule, ok := tp.Solutions[solutionID]; ok {
				return decision{Basis: "solution", Rule: rule}, nil
			}
		}
	}
	if rule, ok, err := e.storedRule(ctx, tenantID, ""); err != nil {
		return decision{}, err
	} else if ok {
		return decision{Basis: "tenant", Rule: rule}, nil
	}
	if tp, ok := e.Config.Boundary.Tenants[tenantID]; ok && tp.Policy != nil {
		return decision{Basis: "tenant", Rule: *tp.Policy}, nil
	}
	return decision{Basis: "platform", Rule: e.Config.Boundary.Platform}, nil
}

func (e *Engine) storedRule(ctx context.Context, tenantID, solutionID string) (config.PolicyRule, bool, error) {
	payload, err := e.Repo.GetTenantPolicy(ctx, tenantID, solutionID)
	if errors.Is(err, domain.ErrNotFound) {
		return config.PolicyRule{}, false, nil
	}
	if err != nil {
		return config.PolicyRule{}, false, err
	}
	var rule config.PolicyRule
	if err := json.Unmarshal(payload, &rule); err != nil {
		return config.PolicyRule{}, false, fmt.Errorf("decode stored policy for %s/%s: %w", tenantID, solutionID, err)
	}
	return rule, true, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func grantTTL(vals ...string) time.Duration {
	for _, v := range vals {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 720 * time.Hour
}
