package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictiontrader/sidecar/internal/config"
	"github.com/predictiontrader/sidecar/internal/kalshi/signer"
	"github.com/predictiontrader/sidecar/internal/ratelimit"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	sgnr := signer.New(config.Credential{KeyID: "key-1", Secret: []byte("secret")})
	limiter := ratelimit.New(ratelimit.Config{ReadRPS: 100, WriteRPS: 100, WaitTimeoutSecs: 1})
	c := New(Config{
		BaseURL:        srv.URL,
		TimeoutSeconds: 2,
		MaxAttempts:    3,
		BackoffSeconds: 0.01,
	}, sgnr, limiter)
	c.sleep = func(time.Duration) {} // no real sleeping in tests
	return c
}

func TestPlaceOrderRejectsInvalidDTOWithoutCallingServer(t *testing.T) {
	var called int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{Ticker: "", Count: 1, Type: OrderTypeMarket})
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
}

func TestPlaceOrderSuccessNormalizesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("KALSHI-ACCESS-SIGNATURE"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"order": map[string]interface{}{
				"id":               "ord-1",
				"market_id":        "MKT-1",
				"side":             "yes",
				"action":           "buy",
				"quantity":         10,
				"filled_quantity":  0,
				"order_status":     "RESTING",
			},
		})
	}))
	defer srv.Close()

	price := 50
	c := newTestClient(t, srv)
	view, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{
		Ticker: "MKT-1", Side: "yes", Action: "buy", Count: 10,
		Type: OrderTypeLimit, YesPrice: &price,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", view.OrderID)
	assert.Equal(t, "MKT-1", view.MarketID)
	assert.Equal(t, 10, view.Count)
	assert.Equal(t, "open", view.LifecycleState)
	assert.Equal(t, "RESTING", view.RawStatus)
}

func TestDoJSONRetriesTransientAndEventuallySucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"cash_balance": 100, "available_balance": 80})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, bal.CashBalance)
	assert.Equal(t, 80, bal.AvailableBalance)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestDoJSONStopsRetryingOnNonRetryableStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.GetBalance(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestGetBalanceAcceptsNestedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"balance": map[string]interface{}{"cash_balance": 500, "available_balance": 400},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500, bal.CashBalance)
	assert.Equal(t, 400, bal.AvailableBalance)
}

func TestCancelOrderFallsBackToRequestedIDWhenAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "canceled"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res, err := c.CancelOrder(context.Background(), "ord-7")
	require.NoError(t, err)
	assert.Equal(t, "ord-7", res.OrderID)
	assert.Equal(t, "canceled", res.LifecycleState)
}

func TestLifecycleStatusNormalizationUnknownFallback(t *testing.T) {
	assert.Equal(t, "unknown", normalizeLifecycleStatus("some_weird_state"))
	assert.Equal(t, "open", normalizeLifecycleStatus("RESTING"))
	assert.Equal(t, "filled", normalizeLifecycleStatus("Executed"))
}

func TestLifecycleStatusNormalizationPendingIsDistinctFromOpen(t *testing.T) {
	assert.Equal(t, "pending", normalizeLifecycleStatus("pending"))
	assert.Equal(t, "pending", normalizeLifecycleStatus("QUEUED"))
	assert.Equal(t, "open", normalizeLifecycleStatus("active"))
}

func TestLifecycleStatusNormalizationRestoredSynonyms(t *testing.T) {
	assert.Equal(t, "partially_filled", normalizeLifecycleStatus("partial_fill"))
	assert.Equal(t, "canceled", normalizeLifecycleStatus("void"))
	assert.Equal(t, "rejected", normalizeLifecycleStatus("declined"))
}
