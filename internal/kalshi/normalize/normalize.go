// Package normalize implements channel-specific canonical event construction
// from raw exchange wire frames.
package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/predictiontrader/sidecar/internal/kalshi/event"
)

// Error is raised for parse failures (schema_validation in the taxonomy);
// unsupported channels are skipped without raising.
type Error struct {
	Channel string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize: %s: %s", e.Channel, e.Reason)
}

// Normalize converts one raw exchange frame into a canonical event. ok is
// false (with a nil error) when the channel is unsupported and should be
// silently skipped.
func Normalize(raw map[string]interface{}, ingestAt time.Time) (ev event.Canonical, ok bool, err error) {
	channel := selectChannel(raw)
	payload := selectPayload(raw)

	switch channel {
	case string(event.SchemaOrderbookDelta):
		p, err := normalizeOrderbookDelta(payload)
		if err != nil {
			return event.Canonical{}, false, err
		}
		return build(event.SchemaOrderbookDelta, p, ingestAt), true, nil
	case string(event.SchemaTrade):
		p, err := normalizeTrade(payload)
		if err != nil {
			return event.Canonical{}, false, err
		}
		return build(event.SchemaTrade, p, ingestAt), true, nil
	default:
		return event.Canonical{}, false, nil
	}
}

func build(schema event.Schema, payload map[string]interface{}, ingestAt time.Time) event.Canonical {
	seq, _ := payload["sequence"].(int64)
	ts, _ := payload["timestamp"].(string)
	return event.Canonical{
		Source:          event.Source,
		Schema:          schema,
		SourceSequence:  seq,
		SourceTimestamp: ts,
		IngestTimestamp: event.ISOMilli(ingestAt),
		Payload:         payload,
	}
}

// selectChannel applies the channel-selection precedence:
// raw.channel || raw.data.type || raw.type.
func selectChannel(raw map[string]interface{}) string {
	if ch, ok := stringField(raw, "channel"); ok {
		return ch
	}
	if data, ok := raw["data"].(map[string]interface{}); ok {
		if ch, ok := stringField(data, "type"); ok {
			return ch
		}
	}
	if ch, ok := stringField(raw, "type"); ok {
		return ch
	}
	return ""
}

// selectPayload returns raw.data if it is a mapping, else raw itself.
func selectPayload(raw map[string]interface{}) map[string]interface{} {
	if data, ok := raw["data"].(map[string]interface{}); ok {
		return data
	}
	return raw
}

func normalizeOrderbookDelta(payload map[string]interface{}) (map[string]interface{}, error) {
	marketID, ok := stringField(payload, "market_id")
	if !ok || marketID == "" {
		return nil, &Error{Channel: "orderbook_delta", Reason: "missing market_id"}
	}

	side, ok := stringField(payload, "side")
	if !ok {
		return nil, &Error{Channel: "orderbook_delta", Reason: "missing side"}
	}
	side = strings.ToLower(side)
	if side != "yes" && side != "no" {
		return nil, &Error{Channel: "orderbook_delta", Reason: "invalid side: " + side}
	}

	price, ok := intField(payload, "price")
	if !ok {
		return nil, &Error{Channel: "orderbook_delta", Reason: "missing or non-integer price"}
	}

	sizeDelta, ok := intField(payload, "size_delta")
	if !ok {
		sizeDelta, ok = intField(payload, "delta")
	}
	if !ok {
		sizeDelta, ok = intField(payload, "size")
	}
	if !ok {
		return nil, &Error{Channel: "orderbook_delta", Reason: "missing size_delta/delta/size"}
	}

	ts, err := normalizeTimestampField(payload)
	if err != nil {
		return nil, &Error{Channel: "orderbook_delta", Reason: err.Error()}
	}

	return map[string]interface{}{
		"schema":     string(event.SchemaOrderbookDelta),
		"market_id":  marketID,
		"sequence":   extractSequence(payload),
		"timestamp":  ts,
		"side":       side,
		"price":      price,
		"size_delta": sizeDelta,
	}, nil
}

var validTradeSides = map[string]bool{
	"buy_yes": true, "sell_yes": true, "buy_no": true, "sell_no": true,
}
var validLiquidity = map[string]bool{"maker": true, "taker": true}

func normalizeTrade(payload map[string]interface{}) (map[string]interface{}, error) {
	marketID, ok := stringField(payload, "market_id")
	if !ok || marketID == "" {
		return nil, &Error{Channel: "trade", Reason: "missing market_id"}
	}

	side, ok := stringField(payload, "side")
	if !ok || !validTradeSides[strings.ToLower(side)] {
		return nil, &Error{Channel: "trade", Reason: "missing or invalid side"}
	}
	side = strings.ToLower(side)

	liquidity, ok := stringField(payload, "liquidity")
	if !ok || !validLiquidity[strings.ToLower(liquidity)] {
		return nil, &Error{Channel: "trade", Reason: "missing or invalid liquidity"}
	}
	liquidity = strings.ToLower(liquidity)

	price, ok := intField(payload, "price")
	if !ok {
		return nil, &Error{Channel: "trade", Reason: "missing or non-integer price"}
	}

	size, ok := intField(payload, "size")
	if !ok {
		return nil, &Error{Channel: "trade", Reason: "missing or non-integer size"}
	}

	tradeID, ok := stringField(payload, "trade_id")
	if !ok {
		tradeID, ok = stringField(payload, "id")
	}
	if !ok || tradeID == "" {
		return nil, &Error{Channel: "trade", Reason: "missing trade_id/id"}
	}

	ts, err := normalizeTimestampField(payload)
	if err != nil {
		return nil, &Error{Channel: "trade", Reason: err.Error()}
	}

	return map[string]interface{}{
		"schema":    string(event.SchemaTrade),
		"market_id": marketID,
		"sequence":  extractSequence(payload),
		"timestamp": ts,
		"side":      side,
		"liquidity": liquidity,
		"price":     price,
		"size":      size,
		"trade_id":  tradeID,
	}, nil
}

// extractSequence tries sequence, seq, sid in order; defaults to 0.
func extractSequence(payload map[string]interface{}) int64 {
	for _, key := range []string{"sequence", "seq", "sid"} {
		if n, ok := intField(payload, key); ok {
			return int64(n)
		}
	}
	return 0
}

func normalizeTimestampField(payload map[string]interface{}) (string, error) {
	raw, present := payload["timestamp"]
	if !present {
		return "", fmt.Errorf("missing timestamp")
	}
	return NormalizeTimestamp(raw)
}

// NormalizeTimestamp accepts an ISO-8601 string (Z or offset) or a numeric
// seconds/milliseconds epoch value (heuristic: >1e12 implies milliseconds)
// and returns UTC ISO-Z with millisecond precision. It is idempotent:
// re-normalizing its own output returns the same string.
func NormalizeTimestamp(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case string:
		t, err := parseISOTimestamp(v)
		if err != nil {
			return "", fmt.Errorf("invalid timestamp string %q: %w", v, err)
		}
		return event.ISOMilli(t), nil
	case float64:
		return normalizeEpoch(v), nil
	case int64:
		return normalizeEpoch(float64(v)), nil
	case int:
		return normalizeEpoch(float64(v)), nil
	default:
		return "", fmt.Errorf("unsupported timestamp type %T", raw)
	}
}

func normalizeEpoch(v float64) string {
	var t time.Time
	if v > 1e12 {
		t = time.UnixMilli(int64(v))
	} else {
		secs := int64(v)
		frac := v - float64(secs)
		t = time.Unix(secs, int64(frac*1e9))
	}
	return event.ISOMilli(t)
}

func parseISOTimestamp(s string) (time.Time, error) {
	layouts := []string{
		"2006-01-02T15:04:05.999999999Z07:00",
		time.RFC3339Nano,
		time.RFC3339,
	}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intField(m map[string]interface{}, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
