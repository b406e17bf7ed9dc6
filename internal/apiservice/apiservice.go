// Package apiservice is the thin façade between the local REST route
// adapter and the exchange client / bot controller: it decomposes the UI's
// side vocabulary into action+polarity, projects exchange responses into a
// stable OrderView, and delegates bot-control actions.
package apiservice

import (
	"context"
	"fmt"
	"time"

	"github.com/predictiontrader/sidecar/internal/kalshi/client"
)

// OrderExecutor is the subset of exchange operations the API service
// boundary drives.
type OrderExecutor interface {
	PlaceOrder(ctx context.Context, req client.PlaceOrderRequest) (client.OrderView, error)
	CancelOrder(ctx context.Context, orderID string) (client.CancelResult, error)
	GetOrder(ctx context.Context, orderID string) (client.OrderView, error)
	GetBalance(ctx context.Context) (client.Balance, error)
}

// BotController is the injected controller that control_bot delegates to.
type BotController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// PlaceOrderRequest is the local REST DTO, pre-decomposition.
type PlaceOrderRequest struct {
	AccountID     string
	MarketID      string
	Side          string // buy_yes | sell_yes | buy_no | sell_no
	Price         int    // 1..99
	Quantity      int
	ClientOrderID string
}

// BotControlResult is returned by ControlBot.
type BotControlResult struct {
	Status    string
	Action    string
	UpdatedAt time.Time
}

// Service is the API service boundary façade.
type Service struct {
	executor   OrderExecutor
	controller BotController
	now        func() time.Time
}

// New constructs a Service wrapping the given capabilities.
func New(executor OrderExecutor, controller BotController) *Service {
	return &Service{executor: executor, controller: controller, now: time.Now}
}

// decomposeSide splits the UI-facing side into (action, polarity).
func decomposeSide(side string) (action, polarity string, err error) {
	switch side {
	case "buy_yes":
		return "buy", "yes", nil
	case "sell_yes":
		return "sell", "yes", nil
	case "buy_no":
		return "buy", "no", nil
	case "sell_no":
		return "sell", "no", nil
	default:
		return "", "", fmt.Errorf("apiservice: unsupported side %q", side)
	}
}

// PlaceOrder decomposes req.Side into action/polarity, routes the price to
// yes_price or no_price, and delegates to the executor.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (client.OrderView, error) {
	action, polarity, err := decomposeSide(req.Side)
	if err != nil {
		return client.OrderView{}, err
	}
	if req.Price < 1 || req.Price > 99 {
		return client.OrderView{}, fmt.Errorf("apiservice: price must be in [1,99], got %d", req.Price)
	}
	if req.Quantity <= 0 {
		return client.OrderView{}, fmt.Errorf("apiservice: quantity must be > 0")
	}

	creq := client.PlaceOrderRequest{
		Ticker:        req.MarketID,
		Side:          polarity,
		Action:        action,
		Count:         req.Quantity,
		Type:          client.OrderTypeLimit,
		ClientOrderID: req.ClientOrderID,
	}
	price := req.Price
	if polarity == "yes" {
		creq.YesPrice = &price
	} else {
		creq.NoPrice = &price
	}

	if err := creq.Validate(); err != nil {
		return client.OrderView{}, err
	}
	return s.executor.PlaceOrder(ctx, creq)
}

// CancelOrder delegates to the executor.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (client.CancelResult, error) {
	return s.executor.CancelOrder(ctx, orderID)
}

// GetOrder delegates to the executor.
func (s *Service) GetOrder(ctx context.Context, orderID string) (client.OrderView, error) {
	return s.executor.GetOrder(ctx, orderID)
}

// GetBalance delegates to the executor.
func (s *Service) GetBalance(ctx context.Context) (client.Balance, error) {
	return s.executor.GetBalance(ctx)
}

// ControlBot delegates the requested action to the bot controller and
// returns the resulting status per the fixed action->status map.
func (s *Service) ControlBot(ctx context.Context, action string) (BotControlResult, error) {
	var status string
	var err error
	switch action {
	case "start":
		err = s.controller.Start(ctx)
		status = "running"
	case "stop":
		err = s.controller.Stop(ctx)
		status = "stopped"
	case "pause":
		err = s.controller.Pause(ctx)
		status = "paused"
	case "resume":
		err = s.controller.Resume(ctx)
		status = "running"
	default:
		return BotControlResult{}, fmt.Errorf("apiservice: unsupported bot control action %q", action)
	}
	if err != nil {
		return BotControlResult{}, err
	}
	return BotControlResult{Status: status, Action: action, UpdatedAt: s.now()}, nil
}
