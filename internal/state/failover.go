package state

import (
	"context"
	"errors"
	"log"
	"time"

	"intentline/internal/domain"
)

// Failover serves reads from Primary and falls back to the in-memory
// store when the primary's backing storage is unavailable. Writes go to
// both, and a failed primary write is reported to the caller: the
// fallback stays warm for reads, but a durable write that did not land
// is never passed off as success.
type Failover struct {
	Primary  Store
	Fallback *MemoryStore
	Logger   *log.Logger
}

func NewFailover(primary Store) *Failover {
	return &Failover{Primary: primary, Fallback: NewMemory(), Logger: log.Default()}
}

func (f *Failover) degraded(op string, err error) bool {
	var derr domain.DurabilityError
	if !errors.Is(err, domain.ErrStorageUnavailable) && !errors.As(err, &derr) {
		return false
	}
	f.Logger.Printf("state: primary unavailable on %s, serving from memory: %v", op, err)
	return true
}

func (f *Failover) Get(ctx context.Context, namespace, tenantID, key string) ([]byte, error) {
	val, err := f.Primary.Get(ctx, namespace, tenantID, key)
	if err != nil && f.degraded("get", err) {
		return f.Fallback.Get(ctx, namespace, tenantID, key)
	}
	return val, err
}

// Set writes through to both stores so the fallback stays warm for
// reads that arrive after the primary drops. A primary failure still
// surfaces to the caller.
func (f *Failover) Set(ctx context.Context, namespace, tenantID, key string, value []byte, ttl time.Duration) error {
	if err := f.Fallback.Set(ctx, namespace, tenantID, key, value, ttl); err != nil {
		return err
	}
	err := f.Primary.Set(ctx, namespace, tenantID, key, value, ttl)
	if err != nil {
		f.degraded("set", err)
	}
	return err
}

func (f *Failover) Delete(ctx context.Context, namespace, tenantID, key string) error {
	if err := f.Fallback.Delete(ctx, namespace, tenantID, key); err != nil {
		return err
	}
	err := f.Primary.Delete(ctx, namespace, tenantID, key)
	if err != nil {
		f.degraded("delete", err)
	}
	return err
}

func (f *Failover) ListKeys(ctx context.Context, namespace, tenantID string, limit int) ([]string, error) {
	keys, err := f.Primary.ListKeys(ctx, namespace, tenantID, limit)
	if err != nil && f.degraded("list", err) {
		return f.Fallback.ListKeys(ctx, namespace, tenantID, limit)
	}
	return keys, err
}

func (f *Failover) Ping(ctx context.Context) error {
	return f.Primary.Ping(ctx)
}
