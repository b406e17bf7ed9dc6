package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sidecar.db")
	return openTestDBAt(t, path), path
}

// openTestDBAt opens another handle on an existing test database; the
// writer gets its own handle because Shutdown closes it.
func openTestDBAt(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestWriter(t *testing.T, db *sql.DB, cfg Config) *Writer {
	t.Helper()
	w := NewWriter(db, cfg)
	w.sleep = func(time.Duration) {}
	return w
}

func runWriter(t *testing.T, w *Writer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	return cancel
}

func TestOpenAppliesMigrationsAndVerifiesSchema(t *testing.T) {
	db, _ := openTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(1) FROM schema_migrations").Scan(&count))
	assert.Equal(t, len(migrations), count)
}

func TestDuplicateIngestAdvancesAttemptCountAndReplacesPayload(t *testing.T) {
	db, path := openTestDB(t)
	w := newTestWriter(t, openTestDBAt(t, path), Config{LockRetryLimit: 2, BackoffCapSeconds: 0.01})
	cancel := runWriter(t, w)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, w.Submit(ctx, InboundEvent{
		SourceSystem: "kalshi", SourceEventID: "evt-1",
		Payload: map[string]interface{}{"x": 1},
	}))
	require.NoError(t, w.Submit(ctx, InboundEvent{
		SourceSystem: "kalshi", SourceEventID: "evt-1",
		Payload: map[string]interface{}{"x": 2},
	}))
	require.NoError(t, w.Shutdown(ctx))

	var payloadJSON string
	var attempts int
	row := db.QueryRow(`SELECT payload_json, ingest_attempt_count FROM event_ledger
		WHERE source_system = 'kalshi' AND source_event_id = 'evt-1'`)
	require.NoError(t, row.Scan(&payloadJSON, &attempts))
	assert.Equal(t, `{"x":2}`, payloadJSON)
	assert.Equal(t, 2, attempts)

	var rowCount int
	require.NoError(t, db.QueryRow(`SELECT COUNT(1) FROM event_ledger`).Scan(&rowCount))
	assert.Equal(t, 1, rowCount)
}

func TestEmptyIdentifiersRouteToPoisonOnly(t *testing.T) {
	db, path := openTestDB(t)
	w := newTestWriter(t, openTestDBAt(t, path), Config{LockRetryLimit: 2, BackoffCapSeconds: 0.01})
	cancel := runWriter(t, w)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, w.Submit(ctx, InboundEvent{
		SourceSystem: "", SourceEventID: "",
		Payload: map[string]interface{}{"bad": true},
	}))
	require.NoError(t, w.Shutdown(ctx))

	var ledgerCount, poisonCount int
	require.NoError(t, db.QueryRow(`SELECT COUNT(1) FROM event_ledger`).Scan(&ledgerCount))
	require.NoError(t, db.QueryRow(`SELECT COUNT(1) FROM ingest_poison_messages`).Scan(&poisonCount))
	assert.Equal(t, 0, ledgerCount)
	assert.Equal(t, 1, poisonCount)
}

func TestLockRetriesExhaustRoutesToPoisonAfterExactAttempts(t *testing.T) {
	db, path := openTestDB(t)
	w := newTestWriter(t, openTestDBAt(t, path), Config{LockRetryLimit: 2, BackoffCapSeconds: 0.01})

	var observedAttempts int
	w.upsertFn = func(ctx context.Context, ev InboundEvent, payloadJSON, payloadHash string) error {
		observedAttempts++
		return errors.New("database is locked")
	}

	cancel := runWriter(t, w)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, w.Submit(ctx, InboundEvent{
		SourceSystem: "kalshi", SourceEventID: "evt-lock",
		Payload: map[string]interface{}{"x": 1},
	}))
	require.NoError(t, w.Shutdown(ctx))

	assert.Equal(t, 3, observedAttempts)

	var reason string
	row := db.QueryRow(`SELECT reason FROM ingest_poison_messages ORDER BY id DESC LIMIT 1`)
	require.NoError(t, row.Scan(&reason))
	assert.Contains(t, reason, "retries exhausted")
}

func TestDeadLetterIsSticky(t *testing.T) {
	db, path := openTestDB(t)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.Exec(`INSERT INTO event_ledger (
		source_system, source_event_id, payload_json, payload_sha256,
		ingest_first_seen_at, ingest_last_seen_at, ingest_attempt_count,
		process_state, process_error, processed_at
	) VALUES ('kalshi', 'evt-dead', '{}', 'deadbeef', ?, ?, 1, 'dead_letter', 'boom', ?)`,
		now, now, now)
	require.NoError(t, err)

	w := newTestWriter(t, openTestDBAt(t, path), Config{LockRetryLimit: 1, BackoffCapSeconds: 0.01})
	cancel := runWriter(t, w)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, w.Submit(ctx, InboundEvent{
		SourceSystem: "kalshi", SourceEventID: "evt-dead",
		Payload: map[string]interface{}{"revived": true},
	}))
	require.NoError(t, w.Shutdown(ctx))

	var state, procErr string
	row := db.QueryRow(`SELECT process_state, process_error FROM event_ledger
		WHERE source_system='kalshi' AND source_event_id='evt-dead'`)
	require.NoError(t, row.Scan(&state, &procErr))
	assert.Equal(t, "dead_letter", state)
	assert.Equal(t, "boom", procErr)
}

func TestIsTransientLockClassifiesKnownMessages(t *testing.T) {
	assert.True(t, isTransientLock(errors.New("database is locked")))
	assert.True(t, isTransientLock(fmt.Errorf("wrap: %w", errors.New("database table is locked"))))
	assert.False(t, isTransientLock(errors.New("disk full")))
	assert.False(t, isTransientLock(nil))
}
