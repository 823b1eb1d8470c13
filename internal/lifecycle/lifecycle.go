package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"intentline/internal/config"
	"intentline/internal/domain"
	"intentline/internal/handler"
	"intentline/internal/saga"
	"intentline/internal/state"
	"intentline/internal/wal"
)

// sessionScope is the state-surface scope for session records, which
// exist before any tenant is bound.
const sessionScope = "_sessions"

// anonScope is the reserved stream scope for a tenant-less session's
// work. Events logged here are re-homed into the tenant stream when the
// session is upgraded.
func anonScope(sessionID string) string { return "anon:" + sessionID }

// Manager owns sessions and drives intent executions end to end:
// accept, journal, run the saga, settle the outcome, notify watchers.
type Manager struct {
	WAL      *wal.Log
	State    state.Store
	Registry *handler.Registry
	Config   *config.Config
	Now      func() time.Time
	Logger   *log.Logger

	// Sagas is set after construction: the coordinator journals back
	// through the manager for stream routing.
	Sagas *saga.Coordinator

	mu        sync.Mutex
	cancelled map[string]bool                   // execution id -> cancel requested
	watchers  map[string][]chan domain.Execution
	upgrades  map[string]chan struct{}          // session id -> closed on tenant bind

	// Session locks are striped: sessions hash onto a fixed set of
	// mutexes instead of growing one entry per session id.
	sessLocks [64]sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(walLog *wal.Log, store state.Store, registry *handler.Registry, cfg *config.Config) *Manager {
	m := &Manager{
		WAL:       walLog,
		State:     store,
		Registry:  registry,
		Config:    cfg,
		Now:       time.Now,
		Logger:    log.Default(),
		cancelled: make(map[string]bool),
		watchers:  make(map[string][]chan domain.Execution),
		upgrades:  make(map[string]chan struct{}),
		done:      make(chan struct{}),
	}
	m.Sagas = saga.New(m, cfg.StepTimeout())
	return m
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &m.sessLocks[h.Sum32()%uint32(len(m.sessLocks))]
}

// upgradeSignal returns the channel closed when the session binds a
// tenant, creating it if no execution is parked on this session yet.
func (m *Manager) upgradeSignal(sessionID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.upgrades[sessionID]
	if !ok {
		ch = make(chan struct{})
		m.upgrades[sessionID] = ch
	}
	return ch
}

// Stop releases executions parked on a session upgrade so Wait can
// return during shutdown. Parked executions stay pending.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Wait blocks until all in-flight executions have settled. Test and
// shutdown hook.
func (m *Manager) Wait() { m.wg.Wait() }

// --- sessions ---

func (m *Manager) CreateSession(ctx context.Context, tenantID, userID string, sessionCtx map[string]string) (domain.Session, error) {
	now := m.now().UTC().Format(time.RFC3339)
	s := domain.Session{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		UserID:    userID,
		Context:   sessionCtx,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if s.Context == nil {
		s.Context = make(map[string]string)
	}
	if err := m.saveSession(ctx, s); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

func (m *Manager) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	raw, err := m.State.Get(ctx, state.NamespaceSession, sessionScope, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.Session{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return s, nil
}

// UpdateSessionContext merges keys into the session context. Setting a
// key to the empty string removes it.
func (m *Manager) UpdateSessionContext(ctx context.Context, sessionID string, kv map[string]string) (domain.Session, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if s.Context == nil {
		s.Context = make(map[string]string)
	}
	for k, v := range kv {
		if v == "" {
			delete(s.Context, k)
			continue
		}
		s.Context[k] = v
	}
	s.UpdatedAt = m.now().UTC().Format(time.RFC3339)
	if err := m.saveSession(ctx, s); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// UpgradeSession binds an anonymous session to a tenant, exactly once.
// Work journaled before the upgrade is replayed, in its original order,
// into the tenant's stream, and the session's state records move with
// it. Upgrading to the already-bound tenant is a no-op; any other
// rebinding is an isolation violation.
func (m *Manager) UpgradeSession(ctx context.Context, sessionID, tenantID, userID string) (domain.Session, error) {
	if tenantID == "" {
		return domain.Session{}, domain.ValidationError{Field: "tenant_id", Reason: "is required"}
	}
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if !s.Anonymous() {
		if s.TenantID == tenantID {
			return s, nil
		}
		return domain.Session{}, domain.IsolationError{Have: tenantID, Want: s.TenantID}
	}

	if err := m.rehome(ctx, sessionID, tenantID); err != nil {
		return domain.Session{}, err
	}
	if _, err := m.WAL.Append(ctx, tenantID, domain.EventSessionUpgraded, map[string]any{
		"session_id": sessionID,
		"user_id":    userID,
	}); err != nil {
		return domain.Session{}, err
	}

	s.TenantID = tenantID
	if userID != "" {
		s.UserID = userID
	}
	s.UpdatedAt = m.now().UTC().Format(time.RFC3339)
	if err := m.saveSession(ctx, s); err != nil {
		return domain.Session{}, err
	}

	// Wake executions parked on this session; they re-read the session
	// and pick up the tenant.
	m.mu.Lock()
	if ch, ok := m.upgrades[sessionID]; ok {
		close(ch)
		delete(m.upgrades, sessionID)
	}
	m.mu.Unlock()
	return s, nil
}

// rehome replays the anonymous stream into the tenant stream and moves
// the session's state records over, leaving forwarding markers behind.
func (m *Manager) rehome(ctx context.Context, sessionID, tenantID string) error {
	scope := anonScope(sessionID)
	events, err := m.WAL.Read(ctx, scope, 1, 0)
	if err != nil {
		return err
	}
	for _, evt := range events {
		if _, err := m.WAL.Append(ctx, tenantID, evt.Type, evt.Payload); err != nil {
			return fmt.Errorf("re-home event %d: %w", evt.Sequence, err)
		}
	}

	moved := []byte(`{"moved_to":"` + tenantID + `"}`)
	for _, ns := range []string{state.NamespaceExecution, state.NamespaceSaga} {
		keys, err := m.State.ListKeys(ctx, ns, scope, 0)
		if err != nil {
			return err
		}
		for _, key := range keys {
			val, err := m.State.Get(ctx, ns, scope, key)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return err
			}
			val, err = retarget(ns, val, tenantID)
			if err != nil {
				return err
			}
			if err := m.State.Set(ctx, ns, tenantID, key, val, m.ttlFor(ns)); err != nil {
				return err
			}
			if err := m.State.Set(ctx, ns, scope, key, moved, m.ttlFor(ns)); err != nil {
				return err
			}
		}
	}
	return nil
}

// retarget stamps the new tenant into a moved snapshot.
func retarget(ns string, val []byte, tenantID string) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(val, &doc); err != nil {
		return nil, fmt.Errorf("decode %s snapshot: %w", ns, err)
	}
	doc["tenant_id"] = tenantID
	return json.Marshal(doc)
}

func (m *Manager) saveSession(ctx context.Context, s domain.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.State.Set(ctx, state.NamespaceSession, sessionScope, s.ID, raw, m.Config.SessionTTL())
}

// streamScope resolves where a session's events and snapshots live.
func streamScope(s domain.Session) string {
	if s.Anonymous() {
		return anonScope(s.ID)
	}
	return s.TenantID
}

// --- intent submission ---

// SubmitIntent accepts an intent and returns immediately with a pending
// execution; the saga runs in the background. tenantID may be empty for
// anonymous sessions, but when given it must match the session's tenant.
// The durable INTENT_RECEIVED record precedes any other effect.
func (m *Manager) SubmitIntent(ctx context.Context, sessionID, tenantID, intentType, solutionID string, params, metadata map[string]any) (domain.Execution, error) {
	if intentType == "" {
		return domain.Execution{}, domain.ValidationError{Field: "intent_type", Reason: "is required"}
	}
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Execution{}, err
	}
	if tenantID != "" && s.TenantID != tenantID {
		return domain.Execution{}, domain.IsolationError{Have: tenantID, Want: s.TenantID}
	}

	now := m.now().UTC().Format(time.RFC3339)
	intent := domain.Intent{
		ID:         uuid.New().String(),
		Type:       intentType,
		TenantID:   s.TenantID,
		SessionID:  sessionID,
		SolutionID: solutionID,
		Parameters: params,
		Metadata:   metadata,
		CreatedAt:  now,
	}
	steps, err := m.Registry.Resolve(intent)
	if err != nil {
		return domain.Execution{}, err
	}
	if err := saga.ValidateDefs(steps); err != nil {
		return domain.Execution{}, err
	}

	scope := streamScope(s)
	executionID := uuid.New().String()
	sagaID := uuid.New().String()

	// The durable record comes first; everything after it is derived.
	if _, err := m.WAL.Append(ctx, scope, domain.EventIntentReceived, map[string]any{
		"intent_id":    intent.ID,
		"intent_type":  intentType,
		"execution_id": executionID,
		"saga_id":      sagaID,
		"session_id":   sessionID,
	}); err != nil {
		return domain.Execution{}, err
	}

	sg, err := m.Sagas.Create(ctx, sagaID, intentType, s.TenantID, sessionID, steps, map[string]any{
		"intent_id":    intent.ID,
		"execution_id": executionID,
		"tenant_id":    s.TenantID,
	})
	if err != nil {
		return domain.Execution{}, err
	}

	exec := domain.Execution{
		ID:        executionID,
		TenantID:  s.TenantID,
		SessionID: sessionID,
		IntentID:  intent.ID,
		SagaID:    sg.ID,
		Status:    domain.ExecutionPending,
		CreatedAt: now,
	}
	if err := m.saveExecution(ctx, scope, exec); err != nil {
		return domain.Execution{}, err
	}

	s.ActiveSagaIDs = append(s.ActiveSagaIDs, sg.ID)
	s.UpdatedAt = now
	if err := m.saveSession(ctx, s); err != nil {
		return domain.Execution{}, err
	}

	m.wg.Add(1)
	go m.drive(exec)
	return exec, nil
}

// drive runs the saga to completion and settles the execution. Work
// submitted on an anonymous session parks here until the session binds
// a tenant; steps that cross the boundary need one.
func (m *Manager) drive(exec domain.Execution) {
	defer m.wg.Done()
	ctx := context.Background()

	if exec.TenantID == "" {
		tenantID, running := m.awaitUpgrade(ctx, exec.SessionID)
		if !running {
			return
		}
		if tenantID == "" {
			m.settle(ctx, exec, domain.ExecutionFailed, "session lost before a tenant was bound", nil)
			return
		}
		exec.TenantID = tenantID
		if err := m.Sagas.Rebind(ctx, exec.SagaID, tenantID); err != nil {
			m.settle(ctx, exec, domain.ExecutionFailed, err.Error(), nil)
			return
		}
	}

	exec.Status = domain.ExecutionRunning
	m.storeExecution(ctx, exec)

	sg, err := m.Sagas.Advance(ctx, exec.SagaID)
	if err != nil {
		m.settle(ctx, exec, domain.ExecutionFailed, err.Error(), nil)
		return
	}

	m.mu.Lock()
	cancelled := m.cancelled[exec.ID]
	m.mu.Unlock()

	switch {
	case cancelled && sg.State != domain.SagaCompleted:
		m.settle(ctx, exec, domain.ExecutionCancelled, "", sg.Context)
	case sg.State == domain.SagaCompleted:
		m.settle(ctx, exec, domain.ExecutionCompleted, "", sg.Context)
	default:
		m.settle(ctx, exec, domain.ExecutionFailed, sagaFailure(sg), nil)
	}
}

// awaitUpgrade blocks until the execution's session has a tenant. The
// signal channel is registered before the session is re-read, so an
// upgrade landing in between is never missed. Returns running=false
// when the manager is stopping.
func (m *Manager) awaitUpgrade(ctx context.Context, sessionID string) (tenantID string, running bool) {
	ch := m.upgradeSignal(sessionID)
	if s, err := m.GetSession(ctx, sessionID); err == nil && !s.Anonymous() {
		m.mu.Lock()
		if m.upgrades[sessionID] == ch {
			delete(m.upgrades, sessionID)
		}
		m.mu.Unlock()
		return s.TenantID, true
	}

	select {
	case <-ch:
	case <-m.done:
		return "", false
	}
	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return "", true
	}
	return s.TenantID, true
}

func sagaFailure(sg domain.Saga) string {
	for _, step := range sg.Steps {
		if step.Status == domain.StepFailed {
			return fmt.Sprintf("step %s: %s", step.Name, sg.StepErrors[step.Name])
		}
	}
	if len(sg.StepErrors) > 0 {
		for name, msg := range sg.StepErrors {
			return fmt.Sprintf("step %s: %s", name, msg)
		}
	}
	return "saga " + sg.State
}

func (m *Manager) settle(ctx context.Context, exec domain.Execution, status, errMsg string, artifacts map[string]any) {
	exec.Status = status
	exec.Error = errMsg
	exec.Artifacts = artifacts
	exec.CompletedAt = m.now().UTC().Format(time.RFC3339)

	eventType := domain.EventExecutionCompleted
	switch status {
	case domain.ExecutionFailed:
		eventType = domain.EventExecutionFailed
	case domain.ExecutionCancelled:
		eventType = domain.EventExecutionCancelled
	}
	payload := map[string]any{"execution_id": exec.ID, "saga_id": exec.SagaID, "status": status}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if err := m.Append(ctx, exec.SessionID, eventType, payload); err != nil {
		m.Logger.Printf("lifecycle: journal %s for execution %s: %v", eventType, exec.ID, err)
	}
	m.storeExecution(ctx, exec)

	// The journaled snapshot is now the record of this saga; the
	// in-memory runtime and its step closures can go.
	m.Sagas.Evict(exec.SagaID)

	m.mu.Lock()
	delete(m.cancelled, exec.ID)
	m.mu.Unlock()
}

// storeExecution persists a snapshot under the session's current scope
// and notifies watchers.
func (m *Manager) storeExecution(ctx context.Context, exec domain.Execution) {
	lock := m.sessionLock(exec.SessionID)
	lock.Lock()
	defer lock.Unlock()

	scope := exec.TenantID
	if s, err := m.GetSession(ctx, exec.SessionID); err == nil {
		scope = streamScope(s)
		exec.TenantID = s.TenantID
	} else if scope == "" {
		scope = anonScope(exec.SessionID)
	}
	if err := m.saveExecution(ctx, scope, exec); err != nil {
		m.Logger.Printf("lifecycle: snapshot execution %s: %v", exec.ID, err)
	}
	m.notify(exec)
}

func (m *Manager) saveExecution(ctx context.Context, scope string, exec domain.Execution) error {
	raw, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	return m.State.Set(ctx, state.NamespaceExecution, scope, exec.ID, raw, m.Config.ExecutionTTL())
}

func (m *Manager) ttlFor(ns string) time.Duration {
	if ns == state.NamespaceSaga {
		return m.Config.SagaTTL()
	}
	return m.Config.ExecutionTTL()
}

// --- status, cancel, watch ---

// GetExecution reads an execution snapshot within a tenant scope. An
// execution belonging to another tenant reads as not found; existence
// must not leak across the boundary.
func (m *Manager) GetExecution(ctx context.Context, tenantID, executionID string) (domain.Execution, error) {
	raw, err := m.State.Get(ctx, state.NamespaceExecution, tenantID, executionID)
	if err != nil {
		return domain.Execution{}, err
	}
	var exec domain.Execution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return domain.Execution{}, fmt.Errorf("decode execution %s: %w", executionID, err)
	}
	if exec.Status == "" {
		// Forwarding marker left by an upgrade; the caller is using the
		// pre-upgrade scope.
		return domain.Execution{}, domain.ErrNotFound
	}
	return exec, nil
}

// CancelExecution requests cancellation. Completed steps are
// compensated; cancelling a terminal execution is a no-op.
func (m *Manager) CancelExecution(ctx context.Context, tenantID, executionID string) (domain.Execution, error) {
	exec, err := m.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return domain.Execution{}, err
	}
	if exec.Terminal() {
		return exec, nil
	}

	m.mu.Lock()
	m.cancelled[executionID] = true
	m.mu.Unlock()

	// The drive goroutine owns settlement; it observes the flag at the
	// next step boundary and finishes as cancelled.
	if _, err := m.Sagas.Cancel(ctx, exec.SagaID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Execution{}, err
	}
	return exec, nil
}

// Watch subscribes to an execution's snapshots. The channel closes once
// the execution reaches a terminal status; cancel releases it earlier.
func (m *Manager) Watch(ctx context.Context, tenantID, executionID string) (<-chan domain.Execution, func(), error) {
	exec, err := m.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan domain.Execution, 16)
	ch <- exec
	if exec.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	m.mu.Lock()
	m.watchers[executionID] = append(m.watchers[executionID], ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.watchers[executionID]
		for i, sub := range subs {
			if sub == ch {
				m.watchers[executionID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

func (m *Manager) notify(exec domain.Execution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.watchers[exec.ID]
	for _, ch := range subs {
		select {
		case ch <- exec:
		default:
			if !exec.Terminal() {
				continue
			}
			// A full buffer must not cost the subscriber the terminal
			// snapshot; drop the oldest queued one to make room. notify
			// is the only sender, so the retry cannot block.
			select {
			case <-ch:
			default:
			}
			ch <- exec
		}
	}
	if exec.Terminal() {
		for _, ch := range subs {
			close(ch)
		}
		delete(m.watchers, exec.ID)
	}
}

// --- saga journal ---

// Append routes a saga event into the owning session's current stream.
// Taking the session lock here serializes event flow with an in-flight
// upgrade, so re-homing never interleaves with new appends.
func (m *Manager) Append(ctx context.Context, sessionID, eventType string, payload map[string]any) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	scope := anonScope(sessionID)
	if s, err := m.GetSession(ctx, sessionID); err == nil {
		scope = streamScope(s)
	}
	_, err := m.WAL.Append(ctx, scope, eventType, payload)
	return err
}

// SaveSaga snapshots a saga under the owning session's current scope.
func (m *Manager) SaveSaga(ctx context.Context, sg domain.Saga) error {
	scope := anonScope(sg.SessionID)
	if s, err := m.GetSession(ctx, sg.SessionID); err == nil {
		scope = streamScope(s)
		sg.TenantID = s.TenantID
	}
	raw, err := json.Marshal(sg)
	if err != nil {
		return err
	}
	return m.State.Set(ctx, state.NamespaceSaga, scope, sg.ID, raw, m.Config.SagaTTL())
}

// --- health and replay ---

// Health reports per-subcomponent readiness.
func (m *Manager) Health(ctx context.Context) map[string]string {
	report := map[string]string{"sagas": "ok"}
	if err := m.WAL.Ping(ctx); err != nil {
		report["wal"] = err.Error()
	} else {
		report["wal"] = "ok"
	}
	if err := m.State.Ping(ctx); err != nil {
		report["state"] = err.Error()
	} else {
		report["state"] = "ok"
	}
	return report
}

// ReplayTenant rebuilds execution snapshots for a tenant from its WAL
// stream. Recovery path for state-surface loss; snapshots are derived,
// the log is the truth.
func (m *Manager) ReplayTenant(ctx context.Context, tenantID string) (int, error) {
	events, err := m.WAL.Read(ctx, tenantID, 1, 0)
	if err != nil {
		return 0, err
	}
	execs := make(map[string]*domain.Execution)
	order := []string{}
	for _, evt := range events {
		execID, _ := evt.Payload["execution_id"].(string)
		switch evt.Type {
		case domain.EventIntentReceived:
			if execID == "" {
				continue
			}
			intentID, _ := evt.Payload["intent_id"].(string)
			sagaID, _ := evt.Payload["saga_id"].(string)
			sessionID, _ := evt.Payload["session_id"].(string)
			execs[execID] = &domain.Execution{
				ID:        execID,
				TenantID:  tenantID,
				SessionID: sessionID,
				IntentID:  intentID,
				SagaID:    sagaID,
				Status:    domain.ExecutionPending,
				CreatedAt: evt.TS,
			}
			order = append(order, execID)
		case domain.EventSagaStarted:
			for _, exec := range execs {
				if sagaID, _ := evt.Payload["saga_id"].(string); sagaID == exec.SagaID {
					exec.Status = domain.ExecutionRunning
				}
			}
		case domain.EventExecutionCompleted, domain.EventExecutionFailed, domain.EventExecutionCancelled:
			exec, ok := execs[execID]
			if !ok {
				continue
			}
			if status, _ := evt.Payload["status"].(string); status != "" {
				exec.Status = status
			}
			if msg, _ := evt.Payload["error"].(string); msg != "" {
				exec.Error = msg
			}
			exec.CompletedAt = evt.TS
		}
	}

	restored := 0
	for _, execID := range order {
		if err := m.saveExecution(ctx, tenantID, *execs[execID]); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}
