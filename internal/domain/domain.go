package domain

// Session binds a caller to a tenant scope. An anonymous session has no
// tenant; it may be upgraded exactly once to bind one.
type Session struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Context       map[string]string `json:"context,omitempty"`
	ActiveSagaIDs []string          `json:"active_saga_ids,omitempty"`
	CreatedAt     string            `json:"created_at" format:"date-time"`
	UpdatedAt     string            `json:"updated_at" format:"date-time"`
}

// Anonymous reports whether the session has no bound tenant.
func (s Session) Anonymous() bool { return s.TenantID == "" }

// Intent is a caller's request for one unit of work. Immutable once accepted.
type Intent struct {
	ID         string         `json:"id"`
	Type       string         `json:"intent_type"`
	TenantID   string         `json:"tenant_id,omitempty"`
	SessionID  string         `json:"session_id"`
	SolutionID string         `json:"solution_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

// Execution statuses. The status path is pending -> running -> terminal;
// there is no resurrection from a terminal state.
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// Execution is the handle returned for an accepted intent.
type Execution struct {
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

// Terminal reports whether the execution can no longer change status.
func (e Execution) Terminal() bool {
	switch e.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Saga states.
const (
	SagaCreated      = "created"
	SagaRunning      = "running"
	SagaCompensating = "compensating"
	SagaCompleted    = "completed"
	SagaFailed       = "failed"
	SagaAborted      = "aborted"
)

// SagaStep statuses.
const (
	StepPending     = "pending"
	StepRunning     = "running"
	StepCompleted   = "completed"
	StepFailed      = "failed"
	StepCompensated = "compensated"
)

// Saga is an ordered sequence of steps with per-step compensations,
// driven by the coordinator. State is derived, never set by callers.
type Saga struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	TenantID  string         `json:"tenant_id,omitempty"`
	SessionID string         `json:"session_id"`
	State     string         `json:"state" enum:"created,running,compensating,completed,failed,aborted"`
	Steps     []SagaStep     `json:"steps"`
	Context   map[string]any `json:"context,omitempty"`
	// StepErrors records per-step failure detail, keyed by step name,
	// including compensation failures for manual reconciliation.
	StepErrors map[string]string `json:"step_errors,omitempty"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
	UpdatedAt  string            `json:"updated_at" format:"date-time"`
}

// TerminalSaga reports whether a saga state is terminal.
func TerminalSaga(state string) bool {
	switch state {
	case SagaCompleted, SagaFailed, SagaAborted:
		return true
	}
	return false
}

// SagaStep is one step declaration plus its recorded progress. A step
// without a compensation is non-reversible: the coordinator refuses to
// compensate past it.
type SagaStep struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Status        string         `json:"status" enum:"pending,running,completed,failed,compensated"`
	NonReversible bool           `json:"non_reversible,omitempty"`
	Artifacts     map[string]any `json:"artifacts,omitempty"`
}

// Materialization types, ordered roughly by how much of the source they keep.
const (
	MaterializeReference = "reference"
	MaterializePartial   = "partial_extraction"
	MaterializeDigest    = "deterministic_digest"
	MaterializeEmbedding = "semantic_embedding"
	MaterializeFull      = "full_artifact"
)

// Boundary contract statuses.
const (
	ContractPending = "pending"
	ContractActive  = "active"
	ContractExpired = "expired"
)

// BoundaryContract records whether and how externally sourced data may be
// accessed and persisted. Expiry is fail-safe: the reaper flips an active
// contract to expired once expires_at passes, regardless of in-flight use.
type BoundaryContract struct {
	ID                  string   `json:"id"`
	TenantID            string   `json:"tenant_id"`
	UserID              string   `json:"user_id,omitempty"`
	IntentID            string   `json:"intent_id,omitempty"`
	SourceType          string   `json:"external_source_type"`
	SourceID            string   `json:"external_source_identifier"`
	AccessGranted       bool     `json:"access_granted"`
	AccessConditions    []string `json:"access_conditions,omitempty"`
	MaterializationType string   `json:"materialization_type,omitempty" enum:"reference,partial_extraction,deterministic_digest,semantic_embedding,full_artifact"`
	Scope               string   `json:"materialization_scope,omitempty"`
	BackingStore        string   `json:"backing_store,omitempty"`
	TTLSeconds          int64    `json:"ttl_seconds,omitempty"`
	ExpiresAt           string   `json:"expires_at,omitempty" format:"date-time"`
	Status              string   `json:"contract_status" enum:"pending,active,expired"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	UpdatedAt           string   `json:"updated_at" format:"date-time"`
}

// WALEvent is one append-only log entry. Sequence numbers are monotonic
// and gap-free per tenant; cross-tenant ordering is unspecified.
type WALEvent struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	Type     string         `json:"event_type"`
	Payload  map[string]any `json:"payload"`
	Sequence int64          `json:"sequence_number"`
	TS       string         `json:"ts" format:"date-time"`
}

// WAL event types emitted by the runtime.
const (
	EventIntentReceived      = "INTENT_RECEIVED"
	EventSessionUpgraded     = "SESSION_UPGRADED"
	EventSagaStarted         = "SAGA_STARTED"
	EventSagaStepCompleted   = "SAGA_STEP_COMPLETED"
	EventSagaStepFailed      = "SAGA_STEP_FAILED"
	EventSagaStepCompensated = "SAGA_STEP_COMPENSATED"
	EventSagaCompleted       = "SAGA_COMPLETED"
	EventSagaAborted         = "SAGA_ABORTED"
	EventSagaFailed          = "SAGA_FAILED"
	EventExecutionCompleted  = "EXECUTION_COMPLETED"
	EventExecutionFailed     = "EXECUTION_FAILED"
	EventExecutionCancelled  = "EXECUTION_CANCELLED"
	EventContractActivated   = "CONTRACT_ACTIVATED"
	EventContractExpired     = "CONTRACT_EXPIRED"
)

// Artifact is an ingested artifact record in the document store. Content
// is purged when the governing contract expires; the record itself keeps
// source_expired_at as the audit trail.
type Artifact struct {
	ID              string `json:"id"`
	TenantID        string `json:"tenant_id"`
	ContractID      string `json:"contract_id,omitempty"`
	IntentID        string `json:"intent_id,omitempty"`
	Kind            string `json:"kind"`
	Content         []byte `json:"content,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	SourceExpiredAt string `json:"source_expired_at,omitempty" format:"date-time"`
}

// APIKey authenticates a caller as a (tenant, user) pair.
type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
