package app

import (
	"context"
	"database/sql"
	"fmt"

	"intentline/internal/artifact"
	"intentline/internal/config"
	"intentline/internal/db"
	"intentline/internal/handler"
	"intentline/internal/lifecycle"
	"intentline/internal/migrate"
	"intentline/internal/policy"
	"intentline/internal/repo"
	"intentline/internal/state"
	"intentline/internal/wal"
)

// Runtime is the wired-up service graph. Everything hangs off the one
// sqlite database; construction fails fast if any piece cannot start.
type Runtime struct {
	DB        *sql.DB
	Config    *config.Config
	WAL       *wal.Log
	State     *state.Failover
	Repo      repo.Repo
	Artifacts *artifact.Store
	Policy    *policy.Engine
	Registry  *handler.Registry
	Lifecycle *lifecycle.Manager
	Reaper    *policy.Reaper
}

// Open builds the runtime for a workspace: open storage, run pending
// migrations, wire the components, verify the stores answer.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*Runtime, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	walLog := wal.New(conn)
	store := state.NewFailover(state.NewSQLite(conn))
	r := repo.Repo{DB: conn}
	artifacts := artifact.New(conn)
	engine := policy.New(r, artifacts, walLog, cfg)
	registry := handler.NewRegistry(handler.Deps{Policy: engine, Artifacts: artifacts})
	manager := lifecycle.NewManager(walLog, store, registry, cfg)

	rt := &Runtime{
		DB:        conn,
		Config:    cfg,
		WAL:       walLog,
		State:     store,
		Repo:      r,
		Artifacts: artifacts,
		Policy:    engine,
		Registry:  registry,
		Lifecycle: manager,
		Reaper:    policy.NewReaper(engine, cfg.ReapInterval()),
	}
	if err := rt.preflight(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) preflight(ctx context.Context) error {
	if err := rt.WAL.Ping(ctx); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if err := rt.State.Ping(ctx); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	return nil
}

// StartBackground launches the contract reaper. It stops when ctx is
// cancelled.
func (rt *Runtime) StartBackground(ctx context.Context) {
	go rt.Reaper.Run(ctx)
}

// Close releases executions parked on a session upgrade, waits for
// in-flight ones, and releases storage.
func (rt *Runtime) Close() error {
	rt.Lifecycle.Stop()
	rt.Lifecycle.Wait()
	return rt.DB.Close()
}
