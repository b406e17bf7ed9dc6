// Package restapi wires the local-only net/http mux that the Tauri UI
// shell talks to: it decodes PlaceOrder/BotControl bodies, enforces the
// nonce guard, and dispatches to the API service boundary.
package restapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/predictiontrader/sidecar/internal/apiservice"
	"github.com/predictiontrader/sidecar/internal/localauth"
)

// ErrorCode is one of the stable PT-* codes surfaced to the UI.
type ErrorCode string

const (
	CodeInternal   ErrorCode = "PT-INT-001"
	CodeAuth       ErrorCode = "PT-AUTH-001"
	CodeRateLimit  ErrorCode = "PT-HTTP-429"
	CodeNetwork    ErrorCode = "PT-NET-001"
)

// ErrorEnvelope is the fixed error response shape.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the code, message, and optional details.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{Error: ErrorBody{Code: code, Message: message, Details: details}})
}

func writeInternal(w http.ResponseWriter, err error) {
	slog.Error("local api internal error", "error", err)
	writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", "")
}

func writeAuth(w http.ResponseWriter, details string) {
	writeError(w, http.StatusUnauthorized, CodeAuth, "authentication failed", details)
}

// placeOrderRequestDTO is the wire shape for POST /api/orders.
type placeOrderRequestDTO struct {
	AccountID     string `json:"account_id"`
	MarketID      string `json:"market_id"`
	Side          string `json:"side"`
	Price         int    `json:"price"`
	Quantity      int    `json:"quantity"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// botControlRequestDTO is the wire shape for POST /api/bot/control.
type botControlRequestDTO struct {
	Action string `json:"action"`
}

type botControlResponseDTO struct {
	Status    string    `json:"status"`
	Action    string    `json:"action"`
	UpdatedAt time.Time `json:"updated_at"`
}

type balanceResponseDTO struct {
	ContractVersion  int `json:"contract_version"`
	CashBalance      int `json:"cash_balance"`
	AvailableBalance int `json:"available_balance"`
}

// Mux builds the local REST route adapter's http.ServeMux, guarding every
// route with the nonce guard before dispatching to svc.
func Mux(svc *apiservice.Service, guard *localauth.Guard) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/orders", guarded(guard, handlePlaceOrder(svc)))
	mux.HandleFunc("/api/balance", guarded(guard, handleBalance(svc)))
	mux.HandleFunc("/api/bot/control", guarded(guard, handleBotControl(svc)))
	return mux
}

// guarded checks the x-pt-auth-token/x-pt-nonce headers before calling next.
func guarded(guard *localauth.Guard, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("x-pt-auth-token")
		nonceStr := r.Header.Get("x-pt-nonce")
		nonce, err := strconv.ParseInt(nonceStr, 10, 64)
		if err != nil {
			writeAuth(w, "missing or malformed x-pt-nonce")
			return
		}
		if err := guard.Check(token, nonce); err != nil {
			writeAuth(w, err.Error())
			return
		}
		next(w, r)
	}
}

func handlePlaceOrder(svc *apiservice.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, CodeInternal, "method not allowed", "")
			return
		}
		var dto placeOrderRequestDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeError(w, http.StatusBadRequest, CodeInternal, "invalid request body", err.Error())
			return
		}
		out, err := svc.PlaceOrder(r.Context(), apiservice.PlaceOrderRequest{
			AccountID:     dto.AccountID,
			MarketID:      dto.MarketID,
			Side:          dto.Side,
			Price:         dto.Price,
			Quantity:      dto.Quantity,
			ClientOrderID: dto.ClientOrderID,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInternal, "place order failed", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

func handleBalance(svc *apiservice.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bal, err := svc.GetBalance(r.Context())
		if err != nil {
			writeInternal(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(balanceResponseDTO{
			ContractVersion:  1,
			CashBalance:      bal.CashBalance,
			AvailableBalance: bal.AvailableBalance,
		})
	}
}

func handleBotControl(svc *apiservice.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, CodeInternal, "method not allowed", "")
			return
		}
		var dto botControlRequestDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeError(w, http.StatusBadRequest, CodeInternal, "invalid request body", err.Error())
			return
		}
		out, err := svc.ControlBot(r.Context(), dto.Action)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInternal, "bot control failed", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(botControlResponseDTO{
			Status:    out.Status,
			Action:    out.Action,
			UpdatedAt: out.UpdatedAt,
		})
	}
}
