package server

import (
	"intentline/internal/domain"
)

type CreateSessionRequest struct {
	TenantID string            `json:"tenant_id,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
}

type UpgradeSessionRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`
}

type UpdateSessionContextRequest struct {
	Context map[string]string `json:"context"`
}

type SessionResponse struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Anonymous     bool              `json:"anonymous"`
	Context       map[string]string `json:"context,omitempty"`
	ActiveSagaIDs []string          `json:"active_saga_ids,omitempty"`
	CreatedAt     string            `json:"created_at" format:"date-time"`
	UpdatedAt     string            `json:"updated_at" format:"date-time"`
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		ID:            s.ID,
		TenantID:      s.TenantID,
		UserID:        s.UserID,
		Anonymous:     s.Anonymous(),
		Context:       s.Context,
		ActiveSagaIDs: s.ActiveSagaIDs,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

type SubmitIntentRequest struct {
	IntentType string         `json:"intent_type"`
	TenantID   string         `json:"tenant_id,omitempty"`
	SolutionID string         `json:"solution_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type ExecutionResponse struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id,omitempty"`
	SessionID   string         `json:"session_id"`
	IntentID    string         `json:"intent_id"`
	SagaID      string         `json:"saga_id"`
	Status      string         `json:"status" enum:"pending,running,completed,failed,cancelled"`
	Error       string         `json:"error,omitempty"`
	Artifacts   map[string]any `json:"artifacts,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	CompletedAt string         `json:"completed_at,omitempty" format:"date-time"`
}

func executionResponse(e domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:          e.ID,
		TenantID:    e.TenantID,
		SessionID:   e.SessionID,
		IntentID:    e.IntentID,
		SagaID:      e.SagaID,
		Status:      e.Status,
		Error:       e.Error,
		Artifacts:   e.Artifacts,
		CreatedAt:   e.CreatedAt,
		CompletedAt: e.CompletedAt,
	}
}

type WALEventResponse struct {
	Sequence int64          `json:"sequence_number"`
	Type     string         `json:"event_type"`
	Payload  map[string]any `json:"payload"`
	TS       string         `json:"ts" format:"date-time"`
}

func walEventResponse(e domain.WALEvent) WALEventResponse {
	return WALEventResponse{
		Sequence: e.Sequence,
		Type:     e.Type,
		Payload:  e.Payload,
		TS:       e.TS,
	}
}

func mapWALEvents(events []domain.WALEvent) []WALEventResponse {
	res := make([]WALEventResponse, 0, len(events))
	for _, evt := range events {
		res = append(res, walEventResponse(evt))
	}
	return res
}

type ContractResponse struct {
	ID                  string   `json:"id"`
	SourceType          string   `json:"external_source_type"`
	SourceID            string   `json:"external_source_identifier"`
	AccessGranted       bool     `json:"access_granted"`
	AccessConditions    []string `json:"access_conditions,omitempty"`
	MaterializationType string   `json:"materialization_type,omitempty"`
	Scope               string   `json:"materialization_scope,omitempty"`
	BackingStore        string   `json:"backing_store,omitempty"`
	ExpiresAt           string   `json:"expires_at,omitempty" format:"date-time"`
	Status              string   `json:"contract_status" enum:"pending,active,expired"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
}

func contractResponse(c domain.BoundaryContract) ContractResponse {
	return ContractResponse{
		ID:                  c.ID,
		SourceType:          c.SourceType,
		SourceID:            c.SourceID,
		AccessGranted:       c.AccessGranted,
		AccessConditions:    c.AccessConditions,
		MaterializationType: c.MaterializationType,
		Scope:               c.Scope,
		BackingStore:        c.BackingStore,
		ExpiresAt:           c.ExpiresAt,
		Status:              c.Status,
		CreatedAt:           c.CreatedAt,
	}
}

func mapContracts(items []domain.BoundaryContract) []ContractResponse {
	res := make([]ContractResponse, 0, len(items))
	for _, c := range items {
		res = append(res, contractResponse(c))
	}
	return res
}

type SetPolicyRequest struct {
	AllowAll     bool                       `json:"allow_all,omitempty"`
	BackingStore string                     `json:"backing_store,omitempty"`
	TTL          string                     `json:"ttl,omitempty"`
	Types        map[string]PolicyTypeGrant `json:"types,omitempty"`
}

type PolicyTypeGrant struct {
	BackingStore string `json:"backing_store,omitempty"`
	TTL          string `json:"ttl,omitempty"`
}

type ArtifactResponse struct {
	ID         string `json:"id"`
	ContractID string `json:"contract_id,omitempty"`
	IntentID   string `json:"intent_id,omitempty"`
	Kind       string `json:"kind"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	return ArtifactResponse{
		ID:         a.ID,
		ContractID: a.ContractID,
		IntentID:   a.IntentID,
		Kind:       a.Kind,
		Content:    string(a.Content),
		CreatedAt:  a.CreatedAt,
	}
}

type DevLoginRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
