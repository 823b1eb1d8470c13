package saga_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"intentline/internal/domain"
	"intentline/internal/saga"
)

// memJournal records events and snapshots in memory.
type memJournal struct {
	mu     sync.Mutex
	events []string
	sagas  map[string]domain.Saga
}

func newMemJournal() *memJournal {
	return &memJournal{sagas: make(map[string]domain.Saga)}
}

func (j *memJournal) Append(_ context.Context, _ string, eventType string, _ map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, eventType)
	return nil
}

func (j *memJournal) SaveSaga(_ context.Context, s domain.Saga) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sagas[s.ID] = s
	return nil
}

func (j *memJournal) eventTypes() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

func step(name string, forward func(context.Context, map[string]any) (map[string]any, error), compensate func(context.Context, map[string]any, map[string]any) error) saga.StepDef {
	return saga.StepDef{Name: name, Forward: forward, Compensate: compensate}
}

func okStep(name string) saga.StepDef {
	return step(name,
		func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{name + "_done": true}, nil
		},
		func(context.Context, map[string]any, map[string]any) error { return nil })
}

func TestCreateRejectsEmptyAndDuplicateSteps(t *testing.T) {
	c := saga.New(newMemJournal(), time.Second)
	ctx := context.Background()

	if _, err := c.Create(ctx, "", "empty", "acme", "s1", nil, nil); err == nil {
		t.Fatal("expected error for zero steps")
	}
	var verr domain.ValidationError
	_, err := c.Create(ctx, "", "dup", "acme", "s1", []saga.StepDef{okStep("a"), okStep("a")}, nil)
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for duplicate step, got %v", err)
	}
}

func TestAdvanceRunsStepsInOrder(t *testing.T) {
	j := newMemJournal()
	c := saga.New(j, time.Second)
	ctx := context.Background()

	var order []string
	record := func(name string) saga.StepDef {
		return step(name,
			func(context.Context, map[string]any) (map[string]any, error) {
				order = append(order, name)
				return nil, nil
			},
			func(context.Context, map[string]any, map[string]any) error { return nil })
	}

	s, err := c.Create(ctx, "", "pipeline", "acme", "s1", []saga.StepDef{record("one"), record("two"), record("three")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err = c.Advance(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != domain.SagaCompleted {
		t.Fatalf("expected completed, got %s", s.State)
	}
	if len(order) != 3 || order[0] != "one" || order[1] != "two" || order[2] != "three" {
		t.Fatalf("steps ran out of order: %v", order)
	}

	want := []string{
		domain.EventSagaStarted,
		domain.EventSagaStepCompleted, domain.EventSagaStepCompleted, domain.EventSagaStepCompleted,
		domain.EventSagaCompleted,
	}
	got := j.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestFailureCompensatesInReverseOrder(t *testing.T) {
	j := newMemJournal()
	c := saga.New(j, time.Second)
	ctx := context.Background()

	var compensated []string
	comp := func(name string) func(context.Context, map[string]any, map[string]any) error {
		return func(context.Context, map[string]any, map[string]any) error {
			compensated = append(compensated, name)
			return nil
		}
	}
	defs := []saga.StepDef{
		step("reserve", func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }, comp("reserve")),
		step("charge", func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }, comp("charge")),
		step("ship", func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("no trucks")
		}, comp("ship")),
	}

	s, err := c.Create(ctx, "", "order", "acme", "s1", defs, nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err = c.Advance(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != domain.SagaAborted {
		t.Fatalf("expected aborted after full rollback, got %s", s.State)
	}
	if len(compensated) != 2 || compensated[0] != "charge" || compensated[1] != "reserve" {
		t.Fatalf("expected reverse-order compensation, got %v", compensated)
	}
	if s.StepErrors["ship"] == "" {
		t.Fatal("expected recorded error for failed step")
	}
	if s.Steps[2].Status != domain.StepFailed {
		t.Fatalf("failed step status: %s", s.Steps[2].Status)
	}
	for _, name := range []string{"reserve", "charge"} {
		for _, st := range s.Steps {
			if st.Name == name && st.Status != domain.StepCompensated {
				t.Fatalf("step %s: expected compensated, got %s", name, st.Status)
			}
		}
	}
}

func TestNonReversibleStepHaltsCompensation(t *testing.T) {
	c := saga.New(newMemJournal(), time.Second)
	ctx := context.Background()

	var reserveCompensated bool
	defs := []saga.StepDef{
		step("reserve", func(context.Context, map[string]any) (map[string]any, error) { return nil, nil },
			func(context.Context, map[string]any, map[string]any) error {
				reserveCompensated = true
				return nil
			}),
		// Irreversible: once sent, an email cannot be unsent.
		{Name: "notify", Forward: func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }},
		step("ship", func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("boom")
		}, func(context.Context, map[string]any, map[string]any) error { return nil }),
	}

	s, err := c.Create(ctx, "", "order", "acme", "s1", defs, nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err = c.Advance(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != domain.SagaFailed {
		t.Fatalf("expected failed when rollback halts, got %s", s.State)
	}
	if reserveCompensated {
		t.Fatal("compensation must not proceed past a non-reversible step")
	}
	if s.StepErrors["notify"] == "" {
		t.Fatal("expected manual-intervention marker on the non-reversible step")
	}
}

func TestCompensationErrorIsRecordedButDoesNotHalt(t *testing.T) {
	c := saga.New(newMemJournal(), time.Second)
	ctx := context.Background()

	var reserveCompensated bool
	defs := []saga.StepDef{
		step("reserve", func(context.Context, map[string]any) (map[string]any, error) { return nil, nil },
			func(context.Context, map[string]any, map[string]any) error {
				reserveCompensated = true
				return nil
			}),
		step("charge", func(context.Context, map[string]any) (map[string]any, error) { return nil, nil },
			func(context.Context, map[string]any, map[string]any) error {
				return errors.New("refund rejected")
			}),
		step("ship", func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("boom")
		}, func(context.Context, map[string]any, map[string]any) error { return nil }),
	}

	s, err := c.Create(ctx, "", "order", "acme", "s1", defs, nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err = c.Advance(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != domain.SagaFailed {
		t.Fatalf("expected failed when a compensation fails, got %s", s.State)
	}
	if !reserveCompensated {
		t.Fatal("later compensations must still run after one fails")
	}
	if s.StepErrors["charge"] == "" {
		t.Fatal("expected recorded compensation error")
	}
}

func TestStepTimeoutFailsTheSaga(t *testing.T) {
	c := saga.New(newMemJournal(), time.Second)
	ctx := context.Background()

	defs := []saga.StepDef{{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Forward: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			select {
			case <-time.After(5 * time.Second):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		Compensate: func(context.Context, map[string]any, map[string]any) error { return nil },
	}}

	s, err := c.Create(ctx, "", "slow", "acme", "s1", defs, nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err = c.Advance(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != domain.SagaAborted {
		t.Fatalf("expected aborted after timeout with clean rollback, got %s", s.State)
	}
	if s.StepErrors["slow"] == "" {
		t.Fatal("expected recorded timeout error")
	}
}

func TestCreateHonorsCallerAssignedID(t *testing.T) {
	c := saga.New(newMemJournal(), time.Second)
	ctx := context.Background()

	s, err := c.Create(ctx, "sg-123", "named", "acme", "s1", []saga.StepDef{okStep("a")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "sg-123" {
		t.Fatalf("expected caller-assigned id, got %s", s.ID)
	}
	if _, err := c.Get("sg-123"); err != nil {
		t.Fatalf("lookup by assigned id: %v", err)
	}
}

func TestTimedOutStepCannotMutateContext(t *testing.T) {
	c := saga.New(newMemJournal(), time.Second)
	ctx := context.Background()

	release := make(chan struct{})
	wrote := make(chan struct{})
	defs := []saga.StepDef{{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Forward: func(_ context.Context, sagaCtx map[string]any) (map[string]any, error) {
			<-release
			sagaCtx["stray"] = true
			close(wrote)
			return nil, nil
		},
		Compensate: func(context.Context, map[string]any, map[string]any) error { return nil },
	}}

	s, err := c.Create(ctx, "", "slow", "acme", "s1", defs, map[string]any{"seed": "x"})
	if err != nil {
		t.Fatal(err)
	}
	s, err = c.Advance(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != domain.SagaAborted {
		t.Fatalf("expected aborted after timeout, got %s", s.State)
	}

	// Let the abandoned action finish writing, then check the saga's
	// own context never saw it.
	close(release)
	<-wrote
	got, err := c.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.Context["stray"]; ok {
		t.Fatal("abandoned step action wrote into the live saga context")
	}
}

func TestEvictDropsOnlyTerminalSagas(t *testing.T) {
	c := saga.New(newMemJournal(), time.Second)
	ctx := context.Background()

	s, err := c.Create(ctx, "", "keep", "acme", "s1", []saga.StepDef{okStep("a")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Evict(s.ID)
	if _, err := c.Get(s.ID); err != nil {
		t.Fatalf("live saga must survive evict: %v", err)
	}

	if _, err := c.Advance(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	c.Evict(s.ID)
	if _, err := c.Get(s.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after evicting terminal saga, got %v", err)
	}
	c.Evict(s.ID) // unknown id is a no-op
}

func TestAdvanceIsIdempotentOnTerminalSaga(t *testing.T) {
	j := newMemJournal()
	c := saga.New(j, time.Second)
	ctx := context.Background()

	s, err := c.Create(ctx, "", "once", "acme", "s1", []saga.StepDef{okStep("a")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Advance(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	before := len(j.eventTypes())

	again, err := c.Advance(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.State != domain.SagaCompleted {
		t.Fatalf("expected completed, got %s", again.State)
	}
	if len(j.eventTypes()) != before {
		t.Fatal("re-advancing a terminal saga must not emit events")
	}
}

func TestCancelBeforeAdvanceAborts(t *testing.T) {
	c := saga.New(newMemJournal(), time.Second)
	ctx := context.Background()

	s, err := c.Create(ctx, "", "cancelme", "acme", "s1", []saga.StepDef{okStep("a")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err = c.Cancel(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != domain.SagaAborted {
		t.Fatalf("expected aborted, got %s", s.State)
	}
	// Subsequent advance is a no-op.
	s, err = c.Advance(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != domain.SagaAborted || s.Steps[0].Status != domain.StepPending {
		t.Fatalf("cancelled saga must not run steps: %+v", s)
	}
}

func TestArtifactsFlowIntoContext(t *testing.T) {
	c := saga.New(newMemJournal(), time.Second)
	ctx := context.Background()

	defs := []saga.StepDef{
		step("produce", func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"artifact_id": "a-1"}, nil
		}, func(context.Context, map[string]any, map[string]any) error { return nil }),
		step("consume", func(_ context.Context, sagaCtx map[string]any) (map[string]any, error) {
			if sagaCtx["artifact_id"] != "a-1" {
				return nil, errors.New("missing upstream artifact")
			}
			return nil, nil
		}, func(context.Context, map[string]any, map[string]any) error { return nil }),
	}

	s, err := c.Create(ctx, "", "flow", "acme", "s1", defs, map[string]any{"seed": "x"})
	if err != nil {
		t.Fatal(err)
	}
	s, err = c.Advance(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != domain.SagaCompleted {
		t.Fatalf("expected completed, got %s (errors %v)", s.State, s.StepErrors)
	}
	if s.Steps[0].Artifacts["artifact_id"] != "a-1" {
		t.Fatalf("step artifacts not recorded: %+v", s.Steps[0])
	}
}
