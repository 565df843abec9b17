// Package httpserver exposes the JSON API for creating and inspecting orders.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/blockchain"
	"github.com/coachpo/paywatch/internal/gateway"
	"github.com/coachpo/paywatch/internal/infra/config"
	"github.com/coachpo/paywatch/internal/numeric"
	"github.com/coachpo/paywatch/internal/observability"
	"github.com/coachpo/paywatch/internal/order"
	"github.com/coachpo/paywatch/pkg/dispatcher"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	ordersPath        = "/orders"
	orderDetailPrefix = ordersPath + "/"

	addressesPrefix = "/addresses/"
	ratesPrefix     = "/rates/"
	tipPath         = "/blocks/tip"
	testModePath    = "/config/test-mode"
	configPath      = "/config"
	healthPath      = "/healthz"
)

// Gateway is the subset of gateway.Gateway served over HTTP.
type Gateway interface {
	NewOrder(ctx context.Context, req gateway.OrderRequest) (*order.Order, error)
	LoadOrder(ctx context.Context, id string) (*order.Order, error)
	FetchBalanceFor(ctx context.Context, address string) (int64, error)
	LatestBlockHeight(ctx context.Context) (int64, error)
	CurrentExchangeRate(ctx context.Context, currency string) (decimal.Decimal, error)
	DefaultCurrency() string
	TestMode() bool
	SetTestMode(enabled bool)
}

// Watcher schedules status checks for new orders.
type Watcher interface {
	Watch(o *order.Order) (bool, error)
	Len() int
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	gateway Gateway
	watcher Watcher
	config  config.AppConfig
}

type orderPayload struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Denomination string `json:"denomination"`
	KeychainID   string `json:"keychain_id"`
}

type orderResponse struct {
	ID string `json:"id"`
	order.View
	StatusName   string `json:"status_name"`
	AmountBTC    string `json:"amount_btc"`
	Currency     string `json:"currency,omitempty"`
	ExchangeRate string `json:"exchange_rate,omitempty"`
	TestMode     bool   `json:"test_mode"`
	CreatedAt    string `json:"created_at"`
	Watched      bool   `json:"watched"`
}

// NewHandler creates the HTTP handler for order operations.
// watcher may be nil, in which case new orders are not checked in the background.
func NewHandler(gw Gateway, watcher Watcher, cfg config.AppConfig) http.Handler {
	server := &httpServer{gateway: gw, watcher: watcher, config: cfg}
	mux := http.NewServeMux()

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.createOrder,
	}))
	mux.Handle(orderDetailPrefix, http.HandlerFunc(server.handleOrder))

	mux.Handle(addressesPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getBalance,
	}))
	mux.Handle(ratesPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRate,
	}))
	mux.Handle(tipPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getTip,
	}))
	mux.Handle(testModePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getTestMode,
		http.MethodPut: server.updateTestMode,
	}))
	mux.Handle(configPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.exportConfig,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) createOrder(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	req, err := decodeOrderPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	o, err := s.gateway.NewOrder(r.Context(), req)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	watched := false
	if s.watcher != nil {
		watched, err = s.watcher.Watch(o)
		if err != nil {
			observability.Log().Warn("order watch not scheduled",
				observability.F("order", o.ID()),
				observability.F("error", err))
		}
	}
	w.Header().Set("Location", orderDetailPrefix+o.ID())
	writeJSON(w, http.StatusCreated, newOrderResponse(o, watched))
}

func (s *httpServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getOrder(w, r, id)
		return
	}

	switch strings.TrimSpace(action) {
	case "refresh":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.refreshOrder(w, r, id)
	case "transactions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.orderTransactions(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request, id string) {
	o, err := s.gateway.LoadOrder(r.Context(), id)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(o, s.watching(o)))
}

// refreshOrder queries providers once and applies any resulting status change.
func (s *httpServer) refreshOrder(w http.ResponseWriter, r *http.Request, id string) {
	o, err := s.gateway.LoadOrder(r.Context(), id)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	if _, err := o.Status(r.Context(), true); err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(o, s.watching(o)))
}

func (s *httpServer) orderTransactions(w http.ResponseWriter, r *http.Request, id string) {
	o, err := s.gateway.LoadOrder(r.Context(), id)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	reload, _ := strconv.ParseBool(r.URL.Query().Get("reload"))
	txs, err := o.Transactions(r.Context(), reload)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":        o.ID(),
		"transactions": blockchain.ToRecords(txs),
		"accepted":     blockchain.ToRecords(o.AcceptedTransactions()),
	})
}

func (s *httpServer) getBalance(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, addressesPrefix), "/")
	address, action, _ := strings.Cut(rest, "/")
	if address == "" || action != "balance" {
		writeError(w, http.StatusNotFound, "address balance path required")
		return
	}
	balance, err := s.gateway.FetchBalanceFor(r.Context(), address)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":     address,
		"balance":     balance,
		"balance_btc": numeric.FormatBTC(balance),
	})
}

func (s *httpServer) getRate(w http.ResponseWriter, r *http.Request) {
	currency := strings.ToUpper(strings.Trim(strings.TrimPrefix(r.URL.Path, ratesPrefix), "/"))
	if currency == "" {
		currency = s.gateway.DefaultCurrency()
	}
	rate, err := s.gateway.CurrentExchangeRate(r.Context(), currency)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"currency": currency, "rate": rate.String()})
}

func (s *httpServer) getTip(w http.ResponseWriter, r *http.Request) {
	height, err := s.gateway.LatestBlockHeight(r.Context())
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"height": height})
}

func (s *httpServer) getTestMode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.gateway.TestMode()})
}

func (s *httpServer) updateTestMode(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()
	var payload struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, fmt.Errorf("decode payload: %w", err))
		return
	}
	if payload.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled required")
		return
	}
	if *payload.Enabled && len(s.config.Gateway.TestAddresses) == 0 {
		writeError(w, http.StatusConflict, "no test addresses configured")
		return
	}
	s.gateway.SetTestMode(*payload.Enabled)
	observability.Log().Info("test mode changed", observability.F("enabled", *payload.Enabled))
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.gateway.TestMode()})
}

func (s *httpServer) exportConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildConfigExport(s.config, s.gateway.TestMode()))
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	watched := 0
	if s.watcher != nil {
		watched = s.watcher.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "watched_orders": watched})
}

func (s *httpServer) watching(o *order.Order) bool {
	w, ok := s.watcher.(interface{ Watching(id string) bool })
	return ok && w.Watching(o.ID())
}

func newOrderResponse(o *order.Order, watched bool) orderResponse {
	resp := orderResponse{
		ID:         o.ID(),
		View:       o.View(),
		AmountBTC:  o.AmountInBTCString(),
		Currency:   o.Currency(),
		TestMode:   o.TestMode(),
		CreatedAt:  o.CreatedAt().Format(time.RFC3339),
		Watched:    watched,
		StatusName: o.CurrentStatus().String(),
	}
	if rate, ok := o.ExchangeRate(); ok {
		resp.ExchangeRate = rate.String()
	}
	return resp
}

func decodeOrderPayload(r *http.Request) (gateway.OrderRequest, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload orderPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return gateway.OrderRequest{}, fmt.Errorf("decode payload: %w", err)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(payload.Amount))
	if err != nil {
		return gateway.OrderRequest{}, fmt.Errorf("amount: %w", err)
	}
	req := gateway.OrderRequest{
		Amount:     amount,
		Currency:   payload.Currency,
		KeychainID: strings.TrimSpace(payload.KeychainID),
	}
	if strings.TrimSpace(payload.Denomination) != "" {
		unit, err := numeric.ParseDenomination(payload.Denomination)
		if err != nil {
			return gateway.OrderRequest{}, err
		}
		req.Denomination = unit
	}
	return req, nil
}

// writeGatewayError maps domain and dispatch failures onto HTTP statuses.
func writeGatewayError(w http.ResponseWriter, err error) {
	var (
		allFailed *dispatcher.AdaptersError
		timeout   *dispatcher.AdaptersTimeoutError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidOrderAmount),
		errors.Is(err, errs.ErrInvalidDenomination),
		errors.Is(err, errs.ErrInvalidAddress),
		errors.Is(err, errs.ErrCurrencyNotSupported):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrNoProvidersConfigured):
		status = http.StatusServiceUnavailable
	case errors.As(err, &timeout):
		status = http.StatusGatewayTimeout
	case errors.As(err, &allFailed):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		observability.Log().Warn("request failed", observability.F("status", status), observability.F("error", err))
	}
	writeJSON(w, status, map[string]string{
		"status": "error",
		"error":  err.Error(),
		"code":   string(errs.CanonicalOf(err)),
	})
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if errors.Is(err, errs.ErrInvalidDenomination) {
		writeGatewayError(w, err)
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
