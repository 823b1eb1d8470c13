package handler

import (
	"context"
	"fmt"
	"sync"

	"intentline/internal/artifact"
	"intentline/internal/domain"
	"intentline/internal/policy"
	"intentline/internal/saga"
)

// Deps are the runtime services a provider may wire its steps to.
type Deps struct {
	Policy    *policy.Engine
	Artifacts *artifact.Store
}

// Provider translates an accepted intent into the saga steps that
// execute it.
type Provider func(deps Deps, intent domain.Intent) ([]saga.StepDef, error)

// Registry maps intent types to step providers.
type Registry struct {
	deps Deps

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns a registry preloaded with the built-in providers.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{deps: deps, providers: make(map[string]Provider)}
	r.providers["ingest_file"] = ingestFileProvider
	return r
}

// Register adds a provider for an intent type. Re-registering a type is
// an error: a type's semantics must not change underneath callers.
func (r *Registry) Register(intentType string, p Provider) error {
	if intentType == "" {
		return domain.ValidationError{Field: "intent_type", Reason: "is required"}
	}
	if p == nil {
		return domain.ValidationError{Field: "provider", Reason: "is required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[intentType]; exists {
		return domain.ValidationError{Field: "intent_type", Reason: "already registered: " + intentType}
	}
	r.providers[intentType] = p
	return nil
}

// Types lists the registered intent types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	return types
}

// Resolve builds the step list for an intent. Unregistered types are a
// validation error, surfaced at submission time.
func (r *Registry) Resolve(intent domain.Intent) ([]saga.StepDef, error) {
	r.mu.RLock()
	p, ok := r.providers[intent.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ValidationError{Field: "intent_type", Reason: "no handler registered for " + intent.Type}
	}
	return p(r.deps, intent)
}

func stringParam(intent domain.Intent, key string) string {
	v, _ := intent.Parameters[key].(string)
	return v
}

// boundIntent resolves the intent's tenant at step-execution time. An
// intent submitted on an anonymous session carries no tenant; by the
// time its steps run the session has been upgraded, and the saga
// context holds the bound tenant.
func boundIntent(intent domain.Intent, sagaCtx map[string]any) domain.Intent {
	if tenant, _ := sagaCtx["tenant_id"].(string); tenant != "" {
		intent.TenantID = tenant
	}
	return intent
}

// ingestFileProvider brings externally sourced content inside the
// boundary: negotiate a contract, then materialize under it. Each step
// undoes itself, so a failed ingest leaves no trace.
func ingestFileProvider(deps Deps, intent domain.Intent) ([]saga.StepDef, error) {
	sourceType := stringParam(intent, "source_type")
	sourceID := stringParam(intent, "source_id")
	if sourceType == "" || sourceID == "" {
		return nil, domain.ValidationError{Field: "parameters", Reason: "source_type and source_id are required"}
	}
	matType := stringParam(intent, "materialization_type")
	if matType == "" {
		matType = domain.MaterializeFull
	}
	kind := stringParam(intent, "kind")
	if kind == "" {
		kind = "document"
	}
	content := stringParam(intent, "content")

	return []saga.StepDef{
		{
			Name: "negotiate_boundary",
			Forward: func(ctx context.Context, sagaCtx map[string]any) (map[string]any, error) {
				in := boundIntent(intent, sagaCtx)
				access, err := deps.Policy.RequestDataAccess(ctx, in, sourceType, sourceID)
				if err != nil {
					return nil, err
				}
				if !access.AccessGranted {
					return nil, domain.PolicyDeniedError{Reason: "access denied for source type " + sourceType}
				}
				auth, err := deps.Policy.AuthorizeMaterialization(ctx, access.ContractID, in.TenantID, matType, in.SolutionID)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"contract_id":          access.ContractID,
					"materialization_type": auth.MaterializationType,
					"backing_store":        auth.BackingStore,
					"policy_basis":         auth.PolicyBasis,
				}, nil
			},
			Compensate: func(ctx context.Context, sagaCtx map[string]any, artifacts map[string]any) error {
				contractID, _ := artifacts["contract_id"].(string)
				if contractID == "" {
					return nil
				}
				return deps.Policy.ReleaseContract(ctx, boundIntent(intent, sagaCtx).TenantID, contractID)
			},
		},
		{
			Name: "materialize",
			Forward: func(ctx context.Context, sagaCtx map[string]any) (map[string]any, error) {
				contractID, _ := sagaCtx["contract_id"].(string)
				if contractID == "" {
					return nil, fmt.Errorf("no contract from boundary negotiation")
				}
				art, err := deps.Artifacts.Put(ctx, domain.Artifact{
					TenantID:   boundIntent(intent, sagaCtx).TenantID,
					ContractID: contractID,
					IntentID:   intent.ID,
					Kind:       kind,
					Content:    []byte(content),
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"artifact_id": art.ID}, nil
			},
			Compensate: func(ctx context.Context, sagaCtx map[string]any, _ map[string]any) error {
				contractID, _ := sagaCtx["contract_id"].(string)
				if contractID == "" {
					return nil
				}
				return deps.Artifacts.DeleteByContract(ctx, contractID)
			},
		},
	}, nil
}
