package policy

import (
	"context"
	"log"
	"time"

	"intentline/internal/domain"
)

const reapBatchSize = 100

// Reaper expires contracts whose TTL has elapsed and purges the
// artifacts materialized under them. Expiry is not vetoable: failures
// are logged and retried on the next pass, never skipped permanently.
type Reaper struct {
	Engine   *Engine
	Interval time.Duration
	Logger   *log.Logger
}

func NewReaper(engine *Engine, interval time.Duration) *Reaper {
	return &Reaper{Engine: engine, Interval: interval, Logger: log.Default()}
}

// Run reaps on a fixed interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				r.Logger.Printf("reaper: scan failed: %v", err)
			}
		}
	}
}

// ReapOnce expires all overdue active contracts and returns how many
// were flipped. Per-contract failures do not stop the pass.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	overdue, err := r.Engine.Repo.ExpiredActiveContracts(ctx, r.Engine.now(), reapBatchSize)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, contract := range overdue {
		if err := r.reapContract(ctx, contract); err != nil {
			r.Logger.Printf("reaper: contract %s: %v", contract.ID, err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

func (r *Reaper) reapContract(ctx context.Context, contract domain.BoundaryContract) error {
	if err := r.Engine.Artifacts.PurgeByContract(ctx, contract.ID); err != nil {
		return err
	}
	flipped, err := r.Engine.Repo.ExpireContract(ctx, contract.ID)
	if err != nil {
		return err
	}
	if !flipped {
		return nil
	}
	if r.Engine.WAL != nil {
		_, _ = r.Engine.WAL.Append(ctx, contract.TenantID, domain.EventContractExpired, map[string]any{
			"contract_id": contract.ID,
			"source_type": contract.SourceType,
			"source_id":   contract.SourceID,
		})
	}
	return nil
}
