package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/predictiontrader/sidecar/internal/canonjson"
	"github.com/predictiontrader/sidecar/internal/eventbus"
)

// InboundEvent is one event submitted to the writer for ingestion.
type InboundEvent struct {
	SourceSystem    string
	SourceEventID   string
	SourceSequence  *int64
	SourceEmittedAt *string
	Payload         map[string]interface{}
}

// Config tunes the writer's lock-retry behavior.
type Config struct {
	LockRetryLimit     int
	BackoffCapSeconds  float64
	BackoffBaseSeconds float64 // defaults to 0.05s when zero
	QueueCapacity      int     // defaults to 256 when zero
}

type workItem struct {
	event    *InboundEvent
	sentinel bool
}

// Writer is the single serialized writer over the embedded database. The
// queue is multi-producer, single-consumer; exactly one goroutine ever
// issues writes, satisfying the single-writer discipline.
type Writer struct {
	db       *sql.DB
	cfg      Config
	queue    *eventbus.Bus[workItem]
	done     chan struct{}
	now      func() time.Time
	sleep    func(time.Duration)
	rng      *rand.Rand
	upsertFn func(ctx context.Context, ev InboundEvent, payloadJSON, payloadHash string) error
}

// NewWriter builds a Writer over an already-open, already-migrated database.
func NewWriter(db *sql.DB, cfg Config) *Writer {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.BackoffBaseSeconds <= 0 {
		cfg.BackoffBaseSeconds = 0.05
	}
	w := &Writer{
		db:    db,
		cfg:   cfg,
		queue: eventbus.New[workItem](cfg.QueueCapacity),
		done:  make(chan struct{}),
		now:   time.Now,
		sleep: time.Sleep,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	w.upsertFn = w.upsertOnce
	return w
}

// Run drains the queue until a shutdown sentinel is received. It must run
// in its own goroutine; it returns when the writer has fully stopped.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for item := range w.queue.Subscribe() {
		if item.sentinel {
			return
		}
		w.process(ctx, *item.event)
	}
}

// Submit enqueues an event for ingestion, suspending if the queue is full.
func (w *Writer) Submit(ctx context.Context, ev InboundEvent) error {
	return w.queue.Publish(ctx, workItem{event: &ev})
}

// Shutdown enqueues the sentinel and waits for Run to drain up to it and
// exit, then closes the underlying database connection.
func (w *Writer) Shutdown(ctx context.Context) error {
	if err := w.queue.Publish(ctx, workItem{sentinel: true}); err != nil {
		return err
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.queue.Close()
	return w.db.Close()
}

func (w *Writer) process(ctx context.Context, ev InboundEvent) {
	if ev.SourceSystem == "" || ev.SourceEventID == "" {
		w.writePoison(ctx, "", "", "missing source_system/source_event_id", ev.Payload)
		return
	}

	payloadJSON, err := canonjson.MarshalString(ev.Payload)
	if err != nil {
		w.writePoison(ctx, ev.SourceSystem, ev.SourceEventID, "payload encoding failed: "+err.Error(), ev.Payload)
		return
	}
	payloadHash := canonjson.HashBytes([]byte(payloadJSON))

	attempt := 1
	for {
		err := w.upsertFn(ctx, ev, payloadJSON, payloadHash)
		if err == nil {
			return
		}
		if !isTransientLock(err) {
			// any other storage error is recorded as a poison record and the
			// writer goes on draining the queue; it does not stop the writer
			// and is not returned to Run's caller.
			w.writePoison(ctx, ev.SourceSystem, ev.SourceEventID, "storage error: "+err.Error(), ev.Payload)
			return
		}
		if attempt > w.cfg.LockRetryLimit {
			w.writePoison(ctx, ev.SourceSystem, ev.SourceEventID,
				fmt.Sprintf("db lock retries exhausted: %s", err.Error()), ev.Payload)
			return
		}
		w.sleep(w.lockBackoff(attempt))
		attempt++
	}
}

// upsertOnce runs one BEGIN IMMEDIATE transaction applying the idempotent
// upsert with the sticky dead_letter rule: process_state, process_error,
// and processed_at are never touched here, only at initial insert.
func (w *Writer) upsertOnce(ctx context.Context, ev InboundEvent, payloadJSON, payloadHash string) error {
	conn, err := w.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}

	now := w.now().UTC().Format(time.RFC3339Nano)
	_, err = conn.ExecContext(ctx, `
		INSERT INTO event_ledger (
			source_system, source_event_id, source_sequence, source_emitted_at,
			payload_json, payload_sha256, ingest_first_seen_at, ingest_last_seen_at,
			ingest_attempt_count, process_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 'pending')
		ON CONFLICT(source_system, source_event_id) DO UPDATE SET
			source_sequence = excluded.source_sequence,
			source_emitted_at = excluded.source_emitted_at,
			payload_json = excluded.payload_json,
			payload_sha256 = excluded.payload_sha256,
			ingest_last_seen_at = excluded.ingest_last_seen_at,
			ingest_attempt_count = event_ledger.ingest_attempt_count + 1
	`, ev.SourceSystem, ev.SourceEventID, nullableInt64(ev.SourceSequence), nullableString(ev.SourceEmittedAt),
		payloadJSON, payloadHash, now, now)
	if err != nil {
		conn.ExecContext(ctx, "ROLLBACK")
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return err
	}
	return nil
}

func (w *Writer) writePoison(ctx context.Context, sourceSystem, sourceEventID, reason string, payload map[string]interface{}) {
	payloadJSON, err := canonjson.MarshalString(payload)
	if err != nil {
		payloadJSON = "{}"
	}
	now := w.now().UTC().Format(time.RFC3339Nano)
	w.db.ExecContext(ctx, `
		INSERT INTO ingest_poison_messages (source_system, source_event_id, reason, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, nullableString(strPtr(sourceSystem)), nullableString(strPtr(sourceEventID)), reason, payloadJSON, now)
}

// isTransientLock is the single place that classifies a storage error as a
// retryable lock contention, in place of scattering substring checks.
func isTransientLock(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// lockBackoff computes delay = U(0, min(cap, base*2^(attempt-1))).
func (w *Writer) lockBackoff(attempt int) time.Duration {
	backoffCap := w.cfg.BackoffCapSeconds
	b := w.cfg.BackoffBaseSeconds * math.Pow(2, float64(attempt-1))
	if b > backoffCap {
		b = backoffCap
	}
	if b <= 0 {
		return 0
	}
	return time.Duration(w.rng.Float64() * b * float64(time.Second))
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) interface{} {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func strPtr(s string) *string { return &s }
