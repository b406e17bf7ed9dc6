// Package client implements the signed HTTP request pipeline to the
// exchange: sign, rate-limit, send, retry on transient failure, parse into
// typed results.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/predictiontrader/sidecar/internal/canonjson"
	"github.com/predictiontrader/sidecar/internal/kalshi/signer"
	"github.com/predictiontrader/sidecar/internal/ratelimit"
	"github.com/predictiontrader/sidecar/internal/xerr"
)

// Config holds the per-client request-pipeline tuning.
type Config struct {
	BaseURL        string
	TimeoutSeconds float64
	MaxAttempts    int
	BackoffSeconds float64
}

// Client issues signed, rate-limited requests against the exchange REST API.
type Client struct {
	cfg     Config
	signer  *signer.Signer
	limiter *ratelimit.Limiter
	http    *http.Client
	sleep   func(time.Duration)
}

// New builds a Client sharing the process-wide rate limiter.
func New(cfg Config, sgnr *signer.Signer, limiter *ratelimit.Limiter) *Client {
	return &Client{
		cfg:     cfg,
		signer:  sgnr,
		limiter: limiter,
		http:    &http.Client{Timeout: secondsToDuration(cfg.TimeoutSeconds)},
		sleep:   time.Sleep,
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// doJSON issues one signed call, retrying transient failures per the
// linear backoff policy, and decodes a successful non-empty body into out
// (when out is non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var bodyStr string
	if body != nil {
		b, err := canonjson.Marshal(body)
		if err != nil {
			return xerr.Wrap(xerr.CodeSchemaValidation, "encode request body", err)
		}
		bodyStr = string(b)
	}

	maxAttempts := c.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, respBody, err := c.issue(ctx, method, path, bodyStr)
		if err == nil && status < 300 {
			if out != nil && len(respBody) > 0 {
				if jsonErr := json.Unmarshal(respBody, out); jsonErr != nil {
					return xerr.Wrap(xerr.CodeSchemaValidation, "decode response body", jsonErr)
				}
			}
			return nil
		}

		var taxErr *xerr.Error
		if err != nil {
			code := xerr.MapError(err)
			taxErr = xerr.Wrap(code, err.Error(), err)
		} else {
			taxErr = xerr.FromHTTP(status, string(respBody))
		}
		lastErr = taxErr

		if attempt == maxAttempts || !xerr.IsRetryable(taxErr.Code) {
			return taxErr
		}

		backoff := secondsToDuration(c.cfg.BackoffSeconds * float64(attempt))
		if backoff > 0 {
			c.sleep(backoff)
		}
	}
	return lastErr
}

// issue performs exactly one signed HTTP round trip.
func (c *Client) issue(ctx context.Context, method, path, body string) (status int, respBody []byte, err error) {
	bucket := ratelimit.BucketForMethod(method)
	if err := c.limiter.AcquireContext(ctx, bucket); err != nil {
		return 0, nil, err
	}

	headers, err := c.signer.Sign(method, path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("sign request: %w", err)
	}

	url := c.cfg.BaseURL + path
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers.HeaderMap() {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// PlaceOrder validates the DTO, POSTs the canonical payload, and returns the
// normalized order.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (OrderView, error) {
	if err := req.Validate(); err != nil {
		return OrderView{}, xerr.Wrap(xerr.CodeSchemaValidation, err.Error(), err)
	}
	var raw orderEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/portfolio/orders", req, &raw); err != nil {
		return OrderView{}, err
	}
	return raw.Order.normalize(), nil
}

// CancelOrder issues DELETE /portfolio/orders/<id>.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (CancelResult, error) {
	var raw struct {
		OrderID string `json:"order_id"`
		ID      string `json:"id"`
		Status  string `json:"status"`
	}
	path := "/portfolio/orders/" + orderID
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, &raw); err != nil {
		return CancelResult{}, err
	}
	id := raw.OrderID
	if id == "" {
		id = raw.ID
	}
	if id == "" {
		id = orderID
	}
	return CancelResult{
		OrderID:        id,
		LifecycleState: normalizeLifecycleStatus(raw.Status),
		RawStatus:      raw.Status,
	}, nil
}

// GetOrder issues GET /portfolio/orders/<id>.
func (c *Client) GetOrder(ctx context.Context, orderID string) (OrderView, error) {
	var raw orderEnvelope
	path := "/portfolio/orders/" + orderID
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return OrderView{}, err
	}
	return raw.Order.normalize(), nil
}

// GetBalance issues GET /portfolio/balance, accepting either a flat or a
// nested balance:{} response shape.
func (c *Client) GetBalance(ctx context.Context) (Balance, error) {
	var raw map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/portfolio/balance", nil, &raw); err != nil {
		return Balance{}, err
	}
	nested, ok := raw["balance"].(map[string]interface{})
	if ok {
		raw = nested
	}
	return Balance{
		CashBalance:      numberField(raw, "cash_balance"),
		AvailableBalance: numberField(raw, "available_balance"),
	}, nil
}

// GetPositions issues GET /portfolio/positions and passes through the raw
// mapping; the rehydrator parses it.
func (c *Client) GetPositions(ctx context.Context) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/portfolio/positions", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// GetOpenOrders issues GET /portfolio/orders and passes through the raw
// mapping; the rehydrator parses it.
func (c *Client) GetOpenOrders(ctx context.Context) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/portfolio/orders", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// orderEnvelope is the flexible {"order": {...}} response shape shared by
// place/get order calls, tolerating either field-naming convention.
type orderEnvelope struct {
	Order rawOrder `json:"order"`
}

type rawOrder struct {
	OrderID        string      `json:"order_id"`
	ID             string      `json:"id"`
	Ticker         string      `json:"ticker"`
	MarketID       string      `json:"market_id"`
	Side           string      `json:"side"`
	Action         string      `json:"action"`
	Count          json.Number `json:"count"`
	Quantity       json.Number `json:"quantity"`
	FilledCount    json.Number `json:"filled_count"`
	FilledQuantity json.Number `json:"filled_quantity"`
	Status         string      `json:"status"`
	OrderStatus    string      `json:"order_status"`
}

func (r rawOrder) normalize() OrderView {
	id := r.OrderID
	if id == "" {
		id = r.ID
	}
	market := r.Ticker
	if market == "" {
		market = r.MarketID
	}
	status := r.Status
	if status == "" {
		status = r.OrderStatus
	}
	return OrderView{
		OrderID:        id,
		MarketID:       market,
		Side:           r.Side,
		Action:         r.Action,
		Count:          firstNonZeroInt(r.Count, r.Quantity),
		FilledCount:    firstNonZeroInt(r.FilledCount, r.FilledQuantity),
		LifecycleState: normalizeLifecycleStatus(status),
		RawStatus:      status,
	}
}

func firstNonZeroInt(a, b json.Number) int {
	if a != "" {
		if n, err := strconv.Atoi(string(a)); err == nil {
			return n
		}
	}
	if b != "" {
		if n, err := strconv.Atoi(string(b)); err == nil {
			return n
		}
	}
	return 0
}

func numberField(m map[string]interface{}, key string) int {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
