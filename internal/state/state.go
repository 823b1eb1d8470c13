package state

import (
	"context"
	"time"
)

// Namespaces used by the runtime. Keys are always scoped by
// (namespace, tenant_id, key) so tenant isolation holds at the storage
// layer, not just in application logic.
const (
	NamespaceSession   = "session"
	NamespaceExecution = "execution"
	NamespaceSaga      = "saga"
)

// Store is the tenant-namespaced key/value surface with per-key TTL.
// There are no multi-key transactions; callers tolerate related keys
// converging asynchronously and reconcile via WAL replay if they diverge.
type Store interface {
	Get(ctx context.Context, namespace, tenantID, key string) ([]byte, error)
	Set(ctx context.Context, namespace, tenantID, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, namespace, tenantID, key string) error
	ListKeys(ctx context.Context, namespace, tenantID string, limit int) ([]string, error)
	Ping(ctx context.Context) error
}
