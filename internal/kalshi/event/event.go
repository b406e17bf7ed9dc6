// Package event defines the canonical event envelope produced by the
// message normalizer and consumed by the event bus, the ledger writer,
// and the UI fan-out manager.
package event

import "time"

// Schema is one of the fixed canonical event schemas.
type Schema string

const (
	SchemaOrderbookDelta Schema = "orderbook_delta"
	SchemaTrade          Schema = "trade"
	SchemaOrder          Schema = "order"
	SchemaPosition       Schema = "position"
	SchemaRiskAlert      Schema = "risk_alert"
)

// Source identifies the exchange adapter that produced an event.
const Source = "kalshi"

// Canonical is the envelope produced by the normalizer and carried through
// the rest of the system.
type Canonical struct {
	Source          string                 `json:"source"`
	Schema          Schema                 `json:"schema"`
	SourceSequence  int64                  `json:"source_sequence"`
	SourceTimestamp string                 `json:"source_timestamp"` // UTC ISO-8601 ms, trailing Z
	IngestTimestamp string                 `json:"ingest_timestamp"` // UTC ISO-8601 ms, trailing Z
	Payload         map[string]interface{} `json:"payload"`
}

// ISOMilli formats t as UTC ISO-8601 with millisecond precision and a
// trailing Z, the timestamp format every layer of this system uses.
func ISOMilli(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
