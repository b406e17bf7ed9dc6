package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictiontrader/sidecar/internal/kalshi/event"
)

var ingestAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNormalizeOrderbookDelta(t *testing.T) {
	raw := map[string]interface{}{
		"channel": "orderbook_delta",
		"data": map[string]interface{}{
			"market_id":  "MKT-1",
			"sequence":   int64(42),
			"timestamp":  "2026-01-01T00:00:00.500Z",
			"side":       "YES",
			"price":      55,
			"size_delta": -10,
		},
	}

	ev, ok, err := Normalize(raw, ingestAt)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, event.SchemaOrderbookDelta, ev.Schema)
	assert.Equal(t, event.Source, ev.Source)
	assert.Equal(t, int64(42), ev.SourceSequence)
	assert.Equal(t, "2026-01-01T00:00:00.500Z", ev.SourceTimestamp)
	assert.Equal(t, "yes", ev.Payload["side"])
	assert.Equal(t, "MKT-1", ev.Payload["market_id"])
}

func TestNormalizeOrderbookDeltaRejectsInvalidSide(t *testing.T) {
	raw := map[string]interface{}{
		"channel": "orderbook_delta",
		"data": map[string]interface{}{
			"market_id":  "MKT-1",
			"timestamp":  "2026-01-01T00:00:00Z",
			"side":       "sideways",
			"price":      10,
			"size_delta": 1,
		},
	}
	_, ok, err := Normalize(raw, ingestAt)
	assert.False(t, ok)
	require.Error(t, err)
}

func TestNormalizeTrade(t *testing.T) {
	raw := map[string]interface{}{
		"type": "trade",
		"data": map[string]interface{}{
			"market_id": "MKT-2",
			"seq":       int64(7),
			"timestamp": float64(1893456000), // epoch seconds heuristic
			"side":      "BUY_YES",
			"liquidity": "TAKER",
			"price":     63,
			"size":      100,
			"trade_id":  "T-1",
		},
	}

	ev, ok, err := Normalize(raw, ingestAt)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, event.SchemaTrade, ev.Schema)
	assert.Equal(t, int64(7), ev.SourceSequence)
	assert.Equal(t, "buy_yes", ev.Payload["side"])
	assert.Equal(t, "taker", ev.Payload["liquidity"])
	assert.Equal(t, "T-1", ev.Payload["trade_id"])
}

func TestNormalizeTradeMissingRequiredFieldFails(t *testing.T) {
	raw := map[string]interface{}{
		"channel": "trade",
		"data": map[string]interface{}{
			"market_id": "MKT-2",
			"timestamp": "2026-01-01T00:00:00Z",
			"side":      "buy_yes",
			"liquidity": "taker",
			"price":     63,
			"size":      100,
			// missing trade_id
		},
	}
	_, ok, err := Normalize(raw, ingestAt)
	assert.False(t, ok)
	require.Error(t, err)
}

func TestNormalizeUnsupportedChannelSkipsWithoutError(t *testing.T) {
	raw := map[string]interface{}{
		"channel": "unknown_channel",
		"data":    map[string]interface{}{"anything": true},
	}
	_, ok, err := Normalize(raw, ingestAt)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestNormalizeTimestampIdempotentAcrossForms(t *testing.T) {
	iso, err := NormalizeTimestamp("2026-01-01T00:00:00.250Z")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01T00:00:00.250Z", iso)

	// re-normalizing its own output returns the same string
	again, err := NormalizeTimestamp(iso)
	require.NoError(t, err)
	assert.Equal(t, iso, again)

	// epoch seconds and epoch milliseconds resolve to the same instant
	seconds, err := NormalizeTimestamp(float64(1893456000))
	require.NoError(t, err)
	millis, err := NormalizeTimestamp(float64(1893456000000))
	require.NoError(t, err)
	assert.Equal(t, seconds, millis)
}

func TestNormalizeTimestampRejectsUnsupportedType(t *testing.T) {
	_, err := NormalizeTimestamp(true)
	require.Error(t, err)
}

func TestSelectChannelPrecedence(t *testing.T) {
	raw := map[string]interface{}{
		"channel": "top_level",
		"type":    "bottom_level",
		"data": map[string]interface{}{
			"type": "nested",
		},
	}
	assert.Equal(t, "top_level", selectChannel(raw))

	delete(raw, "channel")
	assert.Equal(t, "nested", selectChannel(raw))

	delete(raw, "data")
	assert.Equal(t, "bottom_level", selectChannel(raw))
}

func TestExtractSequenceFallbackChain(t *testing.T) {
	assert.Equal(t, int64(5), extractSequence(map[string]interface{}{"sequence": 5}))
	assert.Equal(t, int64(6), extractSequence(map[string]interface{}{"seq": 6}))
	assert.Equal(t, int64(7), extractSequence(map[string]interface{}{"sid": 7}))
	assert.Equal(t, int64(0), extractSequence(map[string]interface{}{}))
}
