package saga

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"intentline/internal/domain"
)

// Journal receives saga lifecycle events and snapshots. The caller owns
// stream routing and snapshot placement.
type Journal interface {
	Append(ctx context.Context, sessionID, eventType string, payload map[string]any) error
	SaveSaga(ctx context.Context, saga domain.Saga) error
}

// StepDef declares one step. A nil Compensate marks the step
// non-reversible: rollback cannot proceed past it.
type StepDef struct {
	Name       string
	Timeout    time.Duration
	Forward    func(ctx context.Context, sagaCtx map[string]any) (map[string]any, error)
	Compensate func(ctx context.Context, sagaCtx map[string]any, artifacts map[string]any) error
}

type runtime struct {
	mu        sync.Mutex
	saga      domain.Saga
	defs      []StepDef
	cancelled atomic.Bool
}

// Coordinator drives sagas: forward through the ordered steps, and on
// failure backward through the completed ones. Step definitions live in
// memory; progress is journaled through the Journal after every
// transition.
type Coordinator struct {
	Journal        Journal
	Now            func() time.Time
	DefaultTimeout time.Duration

	mu    sync.Mutex
	sagas map[string]*runtime
}

func New(journal Journal, defaultTimeout time.Duration) *Coordinator {
	return &Coordinator{
		Journal:        journal,
		Now:            time.Now,
		DefaultTimeout: defaultTimeout,
		sagas:          make(map[string]*runtime),
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// ValidateDefs checks a step list: at least one step, unique non-empty
// names, a forward action on every step. Callers that journal before
// creating the saga run this first, so a bad step list never leaves a
// durable trace.
func ValidateDefs(defs []StepDef) error {
	if len(defs) == 0 {
		return domain.ValidationError{Field: "steps", Reason: "a saga requires at least one step"}
	}
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return domain.ValidationError{Field: "steps", Reason: "step name is required"}
		}
		if seen[def.Name] {
			return domain.ValidationError{Field: "steps", Reason: "duplicate step name " + def.Name}
		}
		if def.Forward == nil {
			return domain.ValidationError{Field: "steps", Reason: "step " + def.Name + " has no forward action"}
		}
		seen[def.Name] = true
	}
	return nil
}

// Create registers a saga in the created state. It does not run any
// step. An empty id gets a generated one; callers that need the id in
// records written before the saga exists pass their own.
func (c *Coordinator) Create(ctx context.Context, id, name, tenantID, sessionID string, defs []StepDef, sagaCtx map[string]any) (domain.Saga, error) {
	if err := ValidateDefs(defs); err != nil {
		return domain.Saga{}, err
	}
	if id == "" {
		id = uuid.New().String()
	}

	now := c.now().UTC().Format(time.RFC3339)
	s := domain.Saga{
		ID:        id,
		Name:      name,
		TenantID:  tenantID,
		SessionID: sessionID,
		State:     domain.SagaCreated,
		Context:   sagaCtx,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	for _, def := range defs {
		s.Steps = append(s.Steps, domain.SagaStep{
			ID:            uuid.New().String(),
			Name:          def.Name,
			Status:        domain.StepPending,
			NonReversible: def.Compensate == nil,
		})
	}
	if err := c.Journal.SaveSaga(ctx, s); err != nil {
		return domain.Saga{}, err
	}

	c.mu.Lock()
	c.sagas[s.ID] = &runtime{saga: s, defs: defs}
	c.mu.Unlock()
	return s, nil
}

// Rebind stamps a tenant onto a saga created before its session was
// bound. The tenant also lands in the shared context, so steps resolved
// before the bind can read it at execution time.
func (c *Coordinator) Rebind(ctx context.Context, sagaID, tenantID string) error {
	rt, err := c.runtimeFor(sagaID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.saga.TenantID = tenantID
	rt.saga.Context["tenant_id"] = tenantID
	c.saveLocked(ctx, rt)
	return nil
}

// Evict drops a terminal saga's runtime from memory; the journaled
// snapshot remains the durable record. Evicting a live or unknown saga
// is a no-op.
func (c *Coordinator) Evict(sagaID string) {
	c.mu.Lock()
	rt, ok := c.sagas[sagaID]
	c.mu.Unlock()
	if !ok {
		return
	}
	rt.mu.Lock()
	terminal := domain.TerminalSaga(rt.saga.State)
	rt.mu.Unlock()
	if !terminal {
		return
	}
	c.mu.Lock()
	delete(c.sagas, sagaID)
	c.mu.Unlock()
}

// Get returns the coordinator's current snapshot of a saga.
func (c *Coordinator) Get(sagaID string) (domain.Saga, error) {
	rt, err := c.runtimeFor(sagaID)
	if err != nil {
		return domain.Saga{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.saga, nil
}

// Cancel requests cancellation. The running step finishes; the saga
// stops at the next step boundary and compensates what completed.
// Cancelling a terminal saga is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, sagaID string) (domain.Saga, error) {
	rt, err := c.runtimeFor(sagaID)
	if err != nil {
		return domain.Saga{}, err
	}
	rt.cancelled.Store(true)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if domain.TerminalSaga(rt.saga.State) {
		return rt.saga, nil
	}
	// Not yet advancing: settle the cancellation here instead of waiting
	// for an Advance that may never come.
	if rt.saga.State == domain.SagaCreated {
		c.finishLocked(ctx, rt, domain.SagaAborted, "")
	}
	return rt.saga, nil
}

// Advance drives the saga to a terminal state. Calling it on a terminal
// saga returns the snapshot unchanged and emits nothing.
func (c *Coordinator) Advance(ctx context.Context, sagaID string) (domain.Saga, error) {
	rt, err := c.runtimeFor(sagaID)
	if err != nil {
		return domain.Saga{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if domain.TerminalSaga(rt.saga.State) {
		return rt.saga, nil
	}
	if rt.saga.State == domain.SagaCreated {
		rt.saga.State = domain.SagaRunning
		c.saveLocked(ctx, rt)
		c.emitLocked(ctx, rt, domain.EventSagaStarted, map[string]any{"name": rt.saga.Name})
	}

	for i := range rt.saga.Steps {
		step := &rt.saga.Steps[i]
		if step.Status != domain.StepPending {
			continue
		}
		if rt.cancelled.Load() {
			c.compensateLocked(ctx, rt, "")
			return rt.saga, nil
		}

		step.Status = domain.StepRunning
		c.saveLocked(ctx, rt)

		// The forward action gets a copy of the context. An action that
		// overruns its timeout keeps running after the saga has moved
		// on and must not reach the live map.
		artifacts, err := c.runForward(ctx, rt.defs[i], maps.Clone(rt.saga.Context))
		if err != nil {
			step.Status = domain.StepFailed
			c.recordStepError(rt, step.Name, err)
			c.emitLocked(ctx, rt, domain.EventSagaStepFailed, map[string]any{
				"step": step.Name, "error": err.Error(),
			})
			c.compensateLocked(ctx, rt, step.Name)
			return rt.saga, nil
		}

		step.Status = domain.StepCompleted
		step.Artifacts = artifacts
		for k, v := range artifacts {
			rt.saga.Context[k] = v
		}
		c.saveLocked(ctx, rt)
		c.emitLocked(ctx, rt, domain.EventSagaStepCompleted, map[string]any{"step": step.Name})
	}

	if rt.cancelled.Load() {
		c.compensateLocked(ctx, rt, "")
		return rt.saga, nil
	}
	c.finishLocked(ctx, rt, domain.SagaCompleted, "")
	return rt.saga, nil
}

// runForward executes the forward action under the step timeout. The
// deadline is enforced here, not trusted to the action.
func (c *Coordinator) runForward(ctx context.Context, def StepDef, sagaCtx map[string]any) (map[string]any, error) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = c.DefaultTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		artifacts map[string]any
		err       error
	}
	done := make(chan result, 1)
	go func() {
		artifacts, err := def.Forward(stepCtx, sagaCtx)
		done <- result{artifacts, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return nil, domain.StepError{Step: def.Name, Err: res.err}
		}
		return res.artifacts, nil
	case <-stepCtx.Done():
		return nil, domain.StepError{Step: def.Name, Err: fmt.Errorf("timed out after %s", timeout)}
	}
}

// compensateLocked walks completed steps in reverse. failedStep is empty
// when compensation was triggered by cancellation rather than a failure.
func (c *Coordinator) compensateLocked(ctx context.Context, rt *runtime, failedStep string) {
	rt.saga.State = domain.SagaCompensating
	c.saveLocked(ctx, rt)

	halted := false
	for i := len(rt.saga.Steps) - 1; i >= 0; i-- {
		step := &rt.saga.Steps[i]
		if step.Status != domain.StepCompleted {
			continue
		}
		def := rt.defs[i]
		if def.Compensate == nil {
			c.recordStepError(rt, step.Name, fmt.Errorf("non-reversible step; manual intervention required"))
			halted = true
			break
		}
		if err := def.Compensate(ctx, rt.saga.Context, step.Artifacts); err != nil {
			c.recordStepError(rt, step.Name, fmt.Errorf("compensation failed: %w", err))
			continue
		}
		step.Status = domain.StepCompensated
		c.saveLocked(ctx, rt)
		c.emitLocked(ctx, rt, domain.EventSagaStepCompensated, map[string]any{"step": step.Name})
	}

	state := domain.SagaAborted
	if halted || c.anyCompensationFailed(rt) {
		state = domain.SagaFailed
	}
	c.finishLocked(ctx, rt, state, failedStep)
}

func (c *Coordinator) anyCompensationFailed(rt *runtime) bool {
	for _, step := range rt.saga.Steps {
		if step.Status == domain.StepCompleted {
			return true
		}
	}
	return false
}

func (c *Coordinator) finishLocked(ctx context.Context, rt *runtime, state, failedStep string) {
	rt.saga.State = state
	c.saveLocked(ctx, rt)
	payload := map[string]any{"name": rt.saga.Name}
	if failedStep != "" {
		payload["failed_step"] = failedStep
	}
	switch state {
	case domain.SagaCompleted:
		c.emitLocked(ctx, rt, domain.EventSagaCompleted, payload)
	case domain.SagaAborted:
		c.emitLocked(ctx, rt, domain.EventSagaAborted, payload)
	case domain.SagaFailed:
		payload["step_errors"] = rt.saga.StepErrors
		c.emitLocked(ctx, rt, domain.EventSagaFailed, payload)
	}
}

func (c *Coordinator) recordStepError(rt *runtime, step string, err error) {
	if rt.saga.StepErrors == nil {
		rt.saga.StepErrors = make(map[string]string)
	}
	rt.saga.StepErrors[step] = err.Error()
}

func (c *Coordinator) saveLocked(ctx context.Context, rt *runtime) {
	rt.saga.UpdatedAt = c.now().UTC().Format(time.RFC3339)
	if err := c.Journal.SaveSaga(ctx, rt.saga); err != nil {
		c.recordStepError(rt, "_snapshot", err)
	}
}

func (c *Coordinator) emitLocked(ctx context.Context, rt *runtime, eventType string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["saga_id"] = rt.saga.ID
	if err := c.Journal.Append(ctx, rt.saga.SessionID, eventType, payload); err != nil {
		c.recordStepError(rt, "_journal", err)
	}
}

func (c *Coordinator) runtimeFor(sagaID string) (*runtime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.sagas[sagaID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rt, nil
}
