// Package rehydrate implements boot-time reconciliation of local order and
// position state against exchange snapshots: diff, drift-ledger insert, and
// readiness-gate gating.
package rehydrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/predictiontrader/sidecar/internal/canonjson"
	"github.com/predictiontrader/sidecar/internal/readiness"
)

const adapterSourceSystem = "kalshi_rehydration"

// ExchangeReader fetches open orders and positions from the exchange. It is
// satisfied by the HTTP client's pass-through operations.
type ExchangeReader interface {
	GetOpenOrders(ctx context.Context) (map[string]interface{}, error)
	GetPositions(ctx context.Context) (map[string]interface{}, error)
}

// localOrder is a minimal view of a state_orders row.
type localOrder struct {
	orderID string
	state   string
	hash    string
}

// localPosition is a minimal view of a state_positions row.
type localPosition struct {
	key  string
	hash string
}

// Result summarizes one rehydration run.
type Result struct {
	BootID     string
	DriftCount int
}

// Run performs one boot-time rehydration: readiness gate closes, snapshot
// fetch, order and position reconciliation, drift ledger insert, run
// record, readiness gate reopens. On any failure the gate stays closed and
// the error is returned.
func Run(ctx context.Context, db *sql.DB, reader ExchangeReader, gate *readiness.Gate, bootID string, now func() time.Time) (Result, error) {
	gate.MarkNotReady("rehydration in progress")
	ctx = WithBootID(ctx, bootID)

	startedAt := now()
	driftCount, err := run(ctx, db, reader, bootID, now)
	if err != nil {
		recordRun(ctx, db, bootID, startedAt, now(), "failed", 0, err.Error())
		return Result{}, fmt.Errorf("rehydration failed: %w", err)
	}

	recordRun(ctx, db, bootID, startedAt, now(), "completed", driftCount, "")
	gate.MarkReady(now())
	return Result{BootID: bootID, DriftCount: driftCount}, nil
}

func run(ctx context.Context, db *sql.DB, reader ExchangeReader, bootID string, now func() time.Time) (int, error) {
	if err := ensureLocalSchema(ctx, db); err != nil {
		return 0, err
	}

	remoteOrdersRaw, err := reader.GetOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch open orders: %w", err)
	}
	remotePositionsRaw, err := reader.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch positions: %w", err)
	}

	localOrders, err := loadLocalOrders(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("load local orders: %w", err)
	}
	localPositions, err := loadLocalPositions(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("load local positions: %w", err)
	}

	drift := 0

	orderDrifts, err := reconcileOrders(ctx, db, localOrders, parseRemoteOrders(remoteOrdersRaw), now)
	if err != nil {
		return 0, fmt.Errorf("reconcile orders: %w", err)
	}
	drift += orderDrifts

	positionDrifts, err := reconcilePositions(ctx, db, localPositions, parseRemotePositions(remotePositionsRaw), now)
	if err != nil {
		return 0, fmt.Errorf("reconcile positions: %w", err)
	}
	drift += positionDrifts

	_ = drift // running count, replaced below by the authoritative row count

	// drift_count must equal the number of drift rows actually inserted for
	// this boot, not just the number of reconcile operations attempted.
	insertedDrift, err := countDriftRowsForBoot(ctx, db, bootID)
	if err != nil {
		return 0, err
	}
	return insertedDrift, nil
}

func ensureLocalSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state_orders (
		order_id TEXT PRIMARY KEY, payload_json TEXT NOT NULL, payload_sha256 TEXT NOT NULL,
		state TEXT NOT NULL, updated_at TEXT NOT NULL
	);`)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state_positions (
		position_key TEXT PRIMARY KEY, payload_json TEXT NOT NULL, payload_sha256 TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS reconciliation_event_ledger (
		source_system TEXT NOT NULL, source_event_id TEXT NOT NULL, category TEXT NOT NULL,
		entity_key TEXT NOT NULL, action TEXT NOT NULL, payload_json TEXT NOT NULL,
		payload_sha256 TEXT NOT NULL, ingest_timestamp TEXT NOT NULL,
		PRIMARY KEY (source_system, source_event_id)
	);`)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS rehydration_runs (
		boot_id TEXT PRIMARY KEY, started_at TEXT NOT NULL, completed_at TEXT,
		status TEXT NOT NULL, drift_count INTEGER NOT NULL DEFAULT 0, error TEXT
	);`)
	return err
}

func loadLocalOrders(ctx context.Context, db *sql.DB) (map[string]localOrder, error) {
	rows, err := db.QueryContext(ctx, `SELECT order_id, state, payload_sha256 FROM state_orders`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]localOrder)
	for rows.Next() {
		var o localOrder
		if err := rows.Scan(&o.orderID, &o.state, &o.hash); err != nil {
			return nil, err
		}
		out[o.orderID] = o
	}
	return out, rows.Err()
}

func loadLocalPositions(ctx context.Context, db *sql.DB) (map[string]localPosition, error) {
	rows, err := db.QueryContext(ctx, `SELECT position_key, payload_sha256 FROM state_positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]localPosition)
	for rows.Next() {
		var p localPosition
		if err := rows.Scan(&p.key, &p.hash); err != nil {
			return nil, err
		}
		out[p.key] = p
	}
	return out, rows.Err()
}

// remoteOrder is the minimal parsed shape of one remote open order.
type remoteOrder struct {
	orderID string
	payload map[string]interface{}
}

// remotePosition is the minimal parsed shape of one remote position.
type remotePosition struct {
	key     string
	payload map[string]interface{}
}

func parseRemoteOrders(raw map[string]interface{}) map[string]remoteOrder {
	out := make(map[string]remoteOrder)
	list := extractList(raw, "orders")
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		id := stringFieldAny(m, "order_id", "id")
		if id == "" {
			continue
		}
		out[id] = remoteOrder{orderID: id, payload: m}
	}
	return out
}

func parseRemotePositions(raw map[string]interface{}) map[string]remotePosition {
	out := make(map[string]remotePosition)
	list := extractList(raw, "positions")
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		marketID := stringFieldAny(m, "market_id", "ticker")
		side := stringFieldAny(m, "side")
		key := marketID
		if side != "" {
			key = marketID + ":" + side
		}
		if key == "" {
			continue
		}
		out[key] = remotePosition{key: key, payload: m}
	}
	return out
}

func extractList(raw map[string]interface{}, key string) []interface{} {
	if raw == nil {
		return nil
	}
	if v, ok := raw[key].([]interface{}); ok {
		return v
	}
	return nil
}

func stringFieldAny(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// reconcileOrders applies the §4.I order-reconciliation rules keyed by
// order_id over the union of local and remote ids.
func reconcileOrders(ctx context.Context, db *sql.DB, local map[string]localOrder, remote map[string]remoteOrder, now func() time.Time) (int, error) {
	drift := 0
	seen := make(map[string]bool)

	for id, r := range remote {
		seen[id] = true
		l, exists := local[id]
		payloadJSON, _ := canonjson.MarshalString(r.payload)
		hash := canonjson.HashBytes([]byte(payloadJSON))

		switch {
		case !exists:
			if err := upsertOrder(ctx, db, id, payloadJSON, hash, "open", now()); err != nil {
				return drift, err
			}
			if err := insertDrift(ctx, db, "orders", id, "insert_from_exchange", payloadJSON, hash, now()); err != nil {
				return drift, err
			}
			drift++
		case hash != l.hash || l.state != "open":
			if err := upsertOrder(ctx, db, id, payloadJSON, hash, "open", now()); err != nil {
				return drift, err
			}
			if err := insertDrift(ctx, db, "orders", id, "update_from_exchange", payloadJSON, hash, now()); err != nil {
				return drift, err
			}
			drift++
		}
	}

	for id, l := range local {
		if seen[id] {
			continue
		}
		if l.state == "closed" {
			continue
		}
		if err := setOrderState(ctx, db, id, "closed", now()); err != nil {
			return drift, err
		}
		if err := insertDrift(ctx, db, "orders", id, "mark_closed_missing_exchange", "{}", "", now()); err != nil {
			return drift, err
		}
		drift++
	}

	return drift, nil
}

// reconcilePositions applies the §4.I position-reconciliation rules keyed
// by "market_id[:side]".
func reconcilePositions(ctx context.Context, db *sql.DB, local map[string]localPosition, remote map[string]remotePosition, now func() time.Time) (int, error) {
	drift := 0
	seen := make(map[string]bool)

	for key, r := range remote {
		seen[key] = true
		l, exists := local[key]
		payloadJSON, _ := canonjson.MarshalString(r.payload)
		hash := canonjson.HashBytes([]byte(payloadJSON))

		if !exists || hash != l.hash {
			if err := upsertPosition(ctx, db, key, payloadJSON, hash, now()); err != nil {
				return drift, err
			}
			if err := insertDrift(ctx, db, "positions", key, "upsert_from_exchange", payloadJSON, hash, now()); err != nil {
				return drift, err
			}
			drift++
		}
	}

	for key := range local {
		if seen[key] {
			continue
		}
		if err := deletePosition(ctx, db, key); err != nil {
			return drift, err
		}
		if err := insertDrift(ctx, db, "positions", key, "delete_missing_exchange", "{}", "", now()); err != nil {
			return drift, err
		}
		drift++
	}

	return drift, nil
}

func upsertOrder(ctx context.Context, db *sql.DB, orderID, payloadJSON, hash, state string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO state_orders (order_id, payload_json, payload_sha256, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			payload_json=excluded.payload_json, payload_sha256=excluded.payload_sha256,
			state=excluded.state, updated_at=excluded.updated_at
	`, orderID, payloadJSON, hash, state, at.UTC().Format(time.RFC3339Nano))
	return err
}

func setOrderState(ctx context.Context, db *sql.DB, orderID, state string, at time.Time) error {
	_, err := db.ExecContext(ctx, `UPDATE state_orders SET state = ?, updated_at = ? WHERE order_id = ?`,
		state, at.UTC().Format(time.RFC3339Nano), orderID)
	return err
}

func upsertPosition(ctx context.Context, db *sql.DB, key, payloadJSON, hash string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO state_positions (position_key, payload_json, payload_sha256, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(position_key) DO UPDATE SET
			payload_json=excluded.payload_json, payload_sha256=excluded.payload_sha256, updated_at=excluded.updated_at
	`, key, payloadJSON, hash, at.UTC().Format(time.RFC3339Nano))
	return err
}

func deletePosition(ctx context.Context, db *sql.DB, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM state_positions WHERE position_key = ?`, key)
	return err
}

func insertDrift(ctx context.Context, db *sql.DB, category, entityKey, action, payloadJSON, hash string, at time.Time) error {
	bootPrefix := strings.ReplaceAll(entityKey, " ", "_")
	sourceEventID := fmt.Sprintf("boot:%s:%s:%s:%s", currentBootID(ctx), category, bootPrefix, action)
	_, err := db.ExecContext(ctx, `
		INSERT INTO reconciliation_event_ledger (
			source_system, source_event_id, category, entity_key, action,
			payload_json, payload_sha256, ingest_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_system, source_event_id) DO NOTHING
	`, adapterSourceSystem, sourceEventID, category, entityKey, action, payloadJSON, hash, at.UTC().Format(time.RFC3339Nano))
	return err
}

type bootIDKey struct{}

// WithBootID attaches the current boot id to ctx so drift rows can be keyed
// by it without threading an extra parameter through every call.
func WithBootID(ctx context.Context, bootID string) context.Context {
	return context.WithValue(ctx, bootIDKey{}, bootID)
}

func currentBootID(ctx context.Context) string {
	if v, ok := ctx.Value(bootIDKey{}).(string); ok {
		return v
	}
	return "unknown"
}

func countDriftRowsForBoot(ctx context.Context, db *sql.DB, bootID string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM reconciliation_event_ledger WHERE source_event_id LIKE ?
	`, "boot:"+bootID+":%").Scan(&count)
	return count, err
}

func recordRun(ctx context.Context, db *sql.DB, bootID string, startedAt, completedAt time.Time, status string, driftCount int, errMsg string) {
	db.ExecContext(ctx, `
		INSERT INTO rehydration_runs (boot_id, started_at, completed_at, status, drift_count, error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(boot_id) DO UPDATE SET
			completed_at=excluded.completed_at, status=excluded.status,
			drift_count=excluded.drift_count, error=excluded.error
	`, bootID, startedAt.UTC().Format(time.RFC3339Nano), completedAt.UTC().Format(time.RFC3339Nano), status, driftCount, nullableErr(errMsg))
}

func nullableErr(msg string) interface{} {
	if msg == "" {
		return nil
	}
	return msg
}
