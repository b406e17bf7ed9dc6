package ledger

// migration is one lexically-ordered, idempotent schema step. version is the
// file-name-like identifier stamped into schema_migrations.
type migration struct {
	version string
	sql     string
}

// migrations are applied in slice order, which is kept lexical by version.
var migrations = []migration{
	{
		version: "0001_schema_migrations",
		sql: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);`,
	},
	{
		version: "0002_event_ledger",
		sql: `CREATE TABLE IF NOT EXISTS event_ledger (
			source_system TEXT NOT NULL,
			source_event_id TEXT NOT NULL,
			source_sequence INTEGER,
			source_emitted_at TEXT,
			payload_json TEXT NOT NULL,
			payload_sha256 TEXT NOT NULL,
			ingest_first_seen_at TEXT NOT NULL,
			ingest_last_seen_at TEXT NOT NULL,
			ingest_attempt_count INTEGER NOT NULL DEFAULT 1,
			process_state TEXT NOT NULL DEFAULT 'pending',
			process_error TEXT,
			processed_at TEXT,
			PRIMARY KEY (source_system, source_event_id)
		);`,
	},
	{
		version: "0003_ingest_poison_messages",
		sql: `CREATE TABLE IF NOT EXISTS ingest_poison_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_system TEXT,
			source_event_id TEXT,
			reason TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	},
	{
		version: "0004_state_orders",
		sql: `CREATE TABLE IF NOT EXISTS state_orders (
			order_id TEXT PRIMARY KEY,
			payload_json TEXT NOT NULL,
			payload_sha256 TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	},
	{
		version: "0005_state_positions",
		sql: `CREATE TABLE IF NOT EXISTS state_positions (
			position_key TEXT PRIMARY KEY,
			payload_json TEXT NOT NULL,
			payload_sha256 TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	},
	{
		version: "0006_reconciliation_event_ledger",
		sql: `CREATE TABLE IF NOT EXISTS reconciliation_event_ledger (
			source_system TEXT NOT NULL,
			source_event_id TEXT NOT NULL,
			category TEXT NOT NULL,
			entity_key TEXT NOT NULL,
			action TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			payload_sha256 TEXT NOT NULL,
			ingest_timestamp TEXT NOT NULL,
			PRIMARY KEY (source_system, source_event_id)
		);`,
	},
	{
		version: "0007_rehydration_runs",
		sql: `CREATE TABLE IF NOT EXISTS rehydration_runs (
			boot_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			status TEXT NOT NULL,
			drift_count INTEGER NOT NULL DEFAULT 0,
			error TEXT
		);`,
	},
}

// requiredColumns enumerates, per table, the exact column set startup must
// verify exists before accepting traffic.
var requiredColumns = map[string][]string{
	"event_ledger": {
		"source_system", "source_event_id", "source_sequence", "source_emitted_at",
		"payload_json", "payload_sha256", "ingest_first_seen_at", "ingest_last_seen_at",
		"ingest_attempt_count", "process_state", "process_error", "processed_at",
	},
	"ingest_poison_messages": {
		"id", "source_system", "source_event_id", "reason", "payload_json", "created_at",
	},
	"state_orders": {
		"order_id", "payload_json", "payload_sha256", "state", "updated_at",
	},
	"state_positions": {
		"position_key", "payload_json", "payload_sha256", "updated_at",
	},
	"reconciliation_event_ledger": {
		"source_system", "source_event_id", "category", "entity_key", "action",
		"payload_json", "payload_sha256", "ingest_timestamp",
	},
	"rehydration_runs": {
		"boot_id", "started_at", "completed_at", "status", "drift_count", "error",
	},
}
