package lifecycle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"intentline/internal/artifact"
	"intentline/internal/config"
	"intentline/internal/db"
	"intentline/internal/domain"
	"intentline/internal/handler"
	"intentline/internal/lifecycle"
	"intentline/internal/migrate"
	"intentline/internal/policy"
	"intentline/internal/repo"
	"intentline/internal/saga"
	"intentline/internal/state"
	"intentline/internal/wal"
)

type testEnv struct {
	manager *lifecycle.Manager
	wal     *wal.Log
	store   state.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	walLog := wal.New(conn)
	store := state.NewFailover(state.NewSQLite(conn))
	artifacts := artifact.New(conn)
	engine := policy.New(repo.Repo{DB: conn}, artifacts, walLog, cfg)
	registry := handler.NewRegistry(handler.Deps{Policy: engine, Artifacts: artifacts})
	manager := lifecycle.NewManager(walLog, store, registry, cfg)

	return &testEnv{manager: manager, wal: walLog, store: store}
}

func eventTypes(t *testing.T, l *wal.Log, tenant string) []string {
	t.Helper()
	events, err := l.Read(context.Background(), tenant, 1, 0)
	if err != nil {
		t.Fatalf("read wal: %v", err)
	}
	types := make([]string, len(events))
	for i, evt := range events {
		types[i] = evt.Type
	}
	return types
}

func TestSessionUpgradeBindsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, err := env.manager.CreateSession(ctx, "", "", map[string]string{"locale": "en"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if !s.Anonymous() {
		t.Fatal("expected anonymous session")
	}

	s, err = env.manager.UpgradeSession(ctx, s.ID, "acme", "u-1")
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if s.TenantID != "acme" || s.UserID != "u-1" {
		t.Fatalf("upgrade did not bind: %+v", s)
	}

	// Same-tenant upgrade is idempotent.
	if _, err := env.manager.UpgradeSession(ctx, s.ID, "acme", ""); err != nil {
		t.Fatalf("idempotent upgrade: %v", err)
	}

	// Rebinding to another tenant is an isolation violation.
	var ierr domain.IsolationError
	if _, err := env.manager.UpgradeSession(ctx, s.ID, "globex", ""); !errors.As(err, &ierr) {
		t.Fatalf("expected isolation error, got %v", err)
	}
}

func TestUpdateSessionContextMergesAndRemoves(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, err := env.manager.CreateSession(ctx, "acme", "u-1", map[string]string{"a": "1", "b": "2"})
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.manager.UpdateSessionContext(ctx, s.ID, map[string]string{"b": "", "c": "3"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Context["a"] != "1" || s.Context["c"] != "3" {
		t.Fatalf("context merge lost keys: %v", s.Context)
	}
	if _, ok := s.Context["b"]; ok {
		t.Fatalf("empty value should remove key: %v", s.Context)
	}
}

func TestSubmitRejectsUnknownIntentType(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, err := env.manager.CreateSession(ctx, "acme", "u-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	var verr domain.ValidationError
	_, err = env.manager.SubmitIntent(ctx, s.ID, "acme", "teleport", "", nil, nil)
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	// Rejected submissions leave no durable trace.
	if types := eventTypes(t, env.wal, "acme"); len(types) != 0 {
		t.Fatalf("expected empty stream, got %v", types)
	}
}

func TestSubmitRejectsTenantMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, err := env.manager.CreateSession(ctx, "acme", "u-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	var ierr domain.IsolationError
	if _, err := env.manager.SubmitIntent(ctx, s.ID, "globex", "ingest_file", "", nil, nil); !errors.As(err, &ierr) {
		t.Fatalf("expected isolation error, got %v", err)
	}
}

func TestIngestFileCompletesEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, err := env.manager.CreateSession(ctx, "acme", "u-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	exec, err := env.manager.SubmitIntent(ctx, s.ID, "acme", "ingest_file", "", map[string]any{
		"source_type": "file_upload",
		"source_id":   "report.pdf",
		"content":     "quarterly numbers",
	}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if exec.Status != domain.ExecutionPending {
		t.Fatalf("submit must return pending, got %s", exec.Status)
	}

	env.manager.Wait()

	done, err := env.manager.GetExecution(ctx, "acme", exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.Error)
	}
	if done.Artifacts["artifact_id"] == nil || done.Artifacts["artifact_id"] == "" {
		t.Fatalf("expected artifact id in result: %v", done.Artifacts)
	}

	want := []string{
		domain.EventIntentReceived,
		domain.EventSagaStarted,
		domain.EventContractActivated,
		domain.EventSagaStepCompleted,
		domain.EventSagaStepCompleted,
		domain.EventSagaCompleted,
		domain.EventExecutionCompleted,
	}
	got := eventTypes(t, env.wal, "acme")
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %v", i, want[i], got)
		}
	}

	// Settling released the saga runtime; the snapshot is the record.
	if _, err := env.manager.Sagas.Get(done.SagaID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected settled saga to be released, got %v", err)
	}
}

// sagaSnapshotObserver records whether the intent's WAL record existed
// by the time the first saga snapshot was written.
type sagaSnapshotObserver struct {
	state.Store
	wal       *wal.Log
	seen      bool
	hadIntent bool
}

func (o *sagaSnapshotObserver) Set(ctx context.Context, namespace, tenantID, key string, value []byte, ttl time.Duration) error {
	if namespace == state.NamespaceSaga && !o.seen {
		o.seen = true
		events, err := o.wal.Read(ctx, tenantID, 1, 0)
		if err == nil {
			for _, evt := range events {
				if evt.Type == domain.EventIntentReceived {
					o.hadIntent = true
				}
			}
		}
	}
	return o.Store.Set(ctx, namespace, tenantID, key, value, ttl)
}

func TestIntentRecordPrecedesSagaSnapshot(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	walLog := wal.New(conn)
	observer := &sagaSnapshotObserver{Store: state.NewFailover(state.NewSQLite(conn)), wal: walLog}
	artifacts := artifact.New(conn)
	engine := policy.New(repo.Repo{DB: conn}, artifacts, walLog, cfg)
	registry := handler.NewRegistry(handler.Deps{Policy: engine, Artifacts: artifacts})
	manager := lifecycle.NewManager(walLog, observer, registry, cfg)

	ctx := context.Background()
	s, err := manager.CreateSession(ctx, "acme", "u-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := manager.SubmitIntent(ctx, s.ID, "acme", "ingest_file", "", map[string]any{
		"source_type": "url", "source_id": "https://example.com", "content": "x",
	}, nil); err != nil {
		t.Fatal(err)
	}
	manager.Wait()

	if !observer.seen {
		t.Fatal("no saga snapshot was written")
	}
	if !observer.hadIntent {
		t.Fatal("saga snapshot landed before the durable intent record")
	}
}

func TestStatusReadsAreTenantIsolated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, err := env.manager.CreateSession(ctx, "acme", "u-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	exec, err := env.manager.SubmitIntent(ctx, s.ID, "acme", "ingest_file", "", map[string]any{
		"source_type": "url", "source_id": "https://example.com", "content": "x",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	env.manager.Wait()

	if _, err := env.manager.GetExecution(ctx, "globex", exec.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign tenant must read not-found, got %v", err)
	}
	if _, err := env.manager.GetExecution(ctx, "acme", exec.ID); err != nil {
		t.Fatalf("owner read: %v", err)
	}
}

func TestAnonymousWorkRehomesOnUpgrade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, err := env.manager.CreateSession(ctx, "", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	exec, err := env.manager.SubmitIntent(ctx, s.ID, "", "ingest_file", "", map[string]any{
		"source_type": "file_upload",
		"source_id":   "report.pdf",
		"content":     "quarterly numbers",
	}, nil)
	if err != nil {
		t.Fatalf("anonymous submit: %v", err)
	}
	if exec.Status != domain.ExecutionPending {
		t.Fatalf("submit must return pending, got %s", exec.Status)
	}

	// The boundary steps need a tenant; the execution holds until the
	// session binds one.
	if _, err := env.manager.UpgradeSession(ctx, s.ID, "acme", "u-1"); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	env.manager.Wait()

	done, err := env.manager.GetExecution(ctx, "acme", exec.ID)
	if err != nil {
		t.Fatalf("post-upgrade status read: %v", err)
	}
	if done.Status != domain.ExecutionCompleted || done.TenantID != "acme" {
		t.Fatalf("unexpected execution after upgrade: %+v (%s)", done, done.Error)
	}
	if done.Artifacts["artifact_id"] == nil || done.Artifacts["artifact_id"] == "" {
		t.Fatalf("expected artifact id in result: %v", done.Artifacts)
	}

	got := eventTypes(t, env.wal, "acme")
	want := []string{
		domain.EventIntentReceived,
		domain.EventSessionUpgraded,
		domain.EventSagaStarted,
		domain.EventContractActivated,
		domain.EventSagaStepCompleted,
		domain.EventSagaStepCompleted,
		domain.EventSagaCompleted,
		domain.EventExecutionCompleted,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %v", i, want[i], got)
		}
	}
}

func TestStopReleasesParkedAnonymousWork(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, err := env.manager.CreateSession(ctx, "", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.manager.SubmitIntent(ctx, s.ID, "", "ingest_file", "", map[string]any{
		"source_type": "file_upload", "source_id": "held.pdf", "content": "x",
	}, nil); err != nil {
		t.Fatal(err)
	}

	// No upgrade ever arrives; Stop must unblock Wait.
	env.manager.Stop()
	env.manager.Wait()
}

func TestCancelCompensatesCompletedSteps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var compensated []string
	secondStarted := make(chan struct{})
	release := make(chan struct{})
	err := env.manager.Registry.Register("slow_job", func(_ handler.Deps, _ domain.Intent) ([]saga.StepDef, error) {
		return []saga.StepDef{
			{
				Name:    "reserve",
				Forward: func(context.Context, map[string]any) (map[string]any, error) { return nil, nil },
				Compensate: func(context.Context, map[string]any, map[string]any) error {
					compensated = append(compensated, "reserve")
					return nil
				},
			},
			{
				Name:    "work",
				Timeout: 10 * time.Second,
				Forward: func(context.Context, map[string]any) (map[string]any, error) {
					close(secondStarted)
					<-release
					return nil, nil
				},
				Compensate: func(context.Context, map[string]any, map[string]any) error {
					compensated = append(compensated, "work")
					return nil
				},
			},
			{
				Name:    "publish",
				Forward: func(context.Context, map[string]any) (map[string]any, error) {
					t.Error("step after cancellation boundary must not run")
					return nil, nil
				},
				Compensate: func(context.Context, map[string]any, map[string]any) error { return nil },
			},
		}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	s, err := env.manager.CreateSession(ctx, "acme", "u-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	exec, err := env.manager.SubmitIntent(ctx, s.ID, "acme", "slow_job", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	<-secondStarted
	if _, err := env.manager.CancelExecution(ctx, "acme", exec.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)
	env.manager.Wait()

	done, err := env.manager.GetExecution(ctx, "acme", exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.ExecutionCancelled {
		t.Fatalf("expected cancelled, got %s (%s)", done.Status, done.Error)
	}
	if len(compensated) != 2 || compensated[0] != "work" || compensated[1] != "reserve" {
		t.Fatalf("expected reverse compensation of completed steps, got %v", compensated)
	}
}

func TestFailedStepFailsExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.manager.Registry.Register("doomed", func(_ handler.Deps, _ domain.Intent) ([]saga.StepDef, error) {
		return []saga.StepDef{{
			Name: "explode",
			Forward: func(context.Context, map[string]any) (map[string]any, error) {
				return nil, errors.New("kaboom")
			},
			Compensate: func(context.Context, map[string]any, map[string]any) error { return nil },
		}}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	s, err := env.manager.CreateSession(ctx, "acme", "u-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	exec, err := env.manager.SubmitIntent(ctx, s.ID, "acme", "doomed", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	env.manager.Wait()

	done, err := env.manager.GetExecution(ctx, "acme", exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.ExecutionFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if done.Error == "" {
		t.Fatal("expected error detail on failed execution")
	}
}

func TestWatchDeliversTerminalSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	err := env.manager.Registry.Register("watched", func(_ handler.Deps, _ domain.Intent) ([]saga.StepDef, error) {
		return []saga.StepDef{{
			Name:    "hold",
			Timeout: 10 * time.Second,
			Forward: func(context.Context, map[string]any) (map[string]any, error) {
				close(started)
				<-release
				return nil, nil
			},
			Compensate: func(context.Context, map[string]any, map[string]any) error { return nil },
		}}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	s, err := env.manager.CreateSession(ctx, "acme", "u-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	exec, err := env.manager.SubmitIntent(ctx, s.ID, "acme", "watched", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-started

	ch, cancel, err := env.manager.Watch(ctx, "acme", exec.ID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()

	close(release)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				t.Fatal("channel closed before a terminal snapshot")
			}
			if snap.Terminal() {
				if snap.Status != domain.ExecutionCompleted {
					t.Fatalf("expected completed, got %s", snap.Status)
				}
				return
			}
		case <-deadline:
			t.Fatal("no terminal snapshot within deadline")
		}
	}
}

func TestReplayRebuildsExecutionSnapshots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, err := env.manager.CreateSession(ctx, "acme", "u-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	exec, err := env.manager.SubmitIntent(ctx, s.ID, "acme", "ingest_file", "", map[string]any{
		"source_type": "url", "source_id": "https://example.com", "content": "x",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	env.manager.Wait()

	// Simulate state-surface loss.
	if err := env.store.Delete(ctx, state.NamespaceExecution, "acme", exec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.manager.GetExecution(ctx, "acme", exec.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}

	n, err := env.manager.ReplayTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 restored execution, got %d", n)
	}
	restored, err := env.manager.GetExecution(ctx, "acme", exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completed from replay, got %s", restored.Status)
	}
}
