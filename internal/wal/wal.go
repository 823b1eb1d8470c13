package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"intentline/internal/domain"
)

// Log is the append-only, per-tenant-ordered write-ahead log. Sequence
// assignment is serialized per tenant; tenants never contend with each
// other above the storage layer.
type Log struct {
	DB  *sql.DB
	Now func() time.Time

	// Tenants hash onto a fixed set of mutexes. Anonymous sessions get
	// a stream each, so a per-stream map would grow without bound.
	locks [64]sync.Mutex
}

func New(db *sql.DB) *Log {
	return &Log{DB: db, Now: time.Now}
}

func (l *Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Log) tenantLock(tenantID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return &l.locks[h.Sum32()%uint32(len(l.locks))]
}

// Append durably stores one event and returns it with its assigned
// sequence number. The event is visible to readers only after the
// transaction commits; a failed append surfaces as a DurabilityError.
func (l *Log) Append(ctx context.Context, tenantID, eventType string, payload map[string]any) (domain.WALEvent, error) {
	if tenantID == "" {
		return domain.WALEvent{}, domain.ValidationError{Field: "tenant_id", Reason: "is required"}
	}
	if eventType == "" {
		return domain.WALEvent{}, domain.ValidationError{Field: "event_type", Reason: "is required"}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.WALEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}

	evt := domain.WALEvent{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Type:     eventType,
		Payload:  payload,
		TS:       l.now().UTC().Format(time.RFC3339Nano),
	}

	lock := l.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WALEvent{}, domain.DurabilityError{Op: "wal begin", Err: err}
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence),0)+1 FROM wal_events WHERE tenant_id=?`, tenantID).Scan(&next); err != nil {
		return domain.WALEvent{}, domain.DurabilityError{Op: "wal next sequence", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO wal_events(tenant_id,sequence,event_id,event_type,payload_json,ts) VALUES (?,?,?,?,?,?)`,
		tenantID, next, evt.ID, evt.Type, string(data), evt.TS); err != nil {
		return domain.WALEvent{}, domain.DurabilityError{Op: "wal append", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.WALEvent{}, domain.DurabilityError{Op: "wal commit", Err: err}
	}
	evt.Sequence = next
	return evt, nil
}

// Read returns events for a tenant with sequence >= from, strictly ordered
// by sequence. A limit of 0 means no limit.
func (l *Log) Read(ctx context.Context, tenantID string, from int64, limit int) ([]domain.WALEvent, error) {
	if from < 1 {
		from = 1
	}
	query := `SELECT sequence,event_id,event_type,payload_json,ts FROM wal_events WHERE tenant_id=? AND sequence>=? ORDER BY sequence ASC`
	args := []any{tenantID, from}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.WALEvent
	for rows.Next() {
		var evt domain.WALEvent
		var payload string
		if err := rows.Scan(&evt.Sequence, &evt.ID, &evt.Type, &payload, &evt.TS); err != nil {
			return nil, err
		}
		evt.TenantID = tenantID
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return nil, fmt.Errorf("decode event %s payload: %w", evt.ID, err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Head returns the highest assigned sequence for a tenant, 0 when the
// stream is empty.
func (l *Log) Head(ctx context.Context, tenantID string) (int64, error) {
	var head int64
	err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence),0) FROM wal_events WHERE tenant_id=?`, tenantID).Scan(&head)
	return head, err
}

// Ping verifies the log's backing store is reachable.
func (l *Log) Ping(ctx context.Context) error {
	if err := l.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: wal: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}
