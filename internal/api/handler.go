package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/internal/pricing"
	"github.com/selivandex/coin-resolver/internal/resolver"
	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/models"
)

const maxItems = 100

// Resolver is the read side used by the chat layer
type Resolver interface {
	ResolveMany(ctx context.Context, inputs []string) []resolver.Result
}

// Admin is the operator side of the learning store
type Admin interface {
	ForceBan(ctx context.Context, raw, reason string) error
	ForceUnban(ctx context.Context, raw string) error
	ForceRelearn(ctx context.Context, raw string) (models.Resolution, error)
	Pin(ctx context.Context, raw, canonicalID, chain, contract string) (models.Resolution, error)
	Stats(ctx context.Context) (resolver.Stats, error)
}

// Prices serves quotes by canonical id
type Prices interface {
	GetSmartPrices(ctx context.Context, ids []string) []*models.Quote
	Status() pricing.Status
}

// Handler is the JSON API
type Handler struct {
	resolver   Resolver
	admin      Admin
	prices     Prices
	adminToken string
	mux        *http.ServeMux
}

// NewHandler builds the /v1 routes. Admin routes answer 403 when no admin
// token is configured.
func NewHandler(res Resolver, admin Admin, prices Prices, adminToken string) *Handler {
	h := &Handler{
		resolver:   res,
		admin:      admin,
		prices:     prices,
		adminToken: adminToken,
		mux:        http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /v1/resolve", h.handleResolve)
	h.mux.HandleFunc("GET /v1/price", h.handlePrice)
	h.mux.Handle("POST /v1/admin/ban", h.requireAdmin(h.handleBan))
	h.mux.Handle("POST /v1/admin/unban", h.requireAdmin(h.handleUnban))
	h.mux.Handle("POST /v1/admin/relearn", h.requireAdmin(h.handleRelearn))
	h.mux.Handle("POST /v1/admin/pin", h.requireAdmin(h.handlePin))
	h.mux.Handle("GET /v1/admin/stats", h.requireAdmin(h.handleStats))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// ResolveItem is one entry of a resolve or price answer
type ResolveItem struct {
	Input      string             `json:"input"`
	Resolution *models.Resolution `json:"resolution,omitempty"`
	Quote      *models.Quote      `json:"quote,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// GET /v1/resolve?q=btc,pepe,sd
func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	inputs, ok := listParam(w, r, "q")
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, h.resolveItems(r.Context(), inputs))
}

// GET /v1/price?ids=bitcoin,ethereum or /v1/price?q=btc,pepe
func (h *Handler) handlePrice(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("ids") != "" {
		ids, ok := listParam(w, r, "ids")
		if !ok {
			return
		}
		quotes := h.prices.GetSmartPrices(r.Context(), ids)
		items := make([]ResolveItem, len(ids))
		for i, id := range ids {
			items[i] = ResolveItem{Input: id, Quote: quotes[i]}
			if quotes[i] == nil {
				items[i].Error = "no_price"
			}
		}
		writeJSON(w, http.StatusOK, items)
		return
	}

	inputs, ok := listParam(w, r, "q")
	if !ok {
		return
	}
	items := h.resolveItems(r.Context(), inputs)

	var ids []string
	var idx []int
	for i := range items {
		if items[i].Resolution != nil {
			ids = append(ids, items[i].Resolution.ID)
			idx = append(idx, i)
		}
	}
	if len(ids) > 0 {
		quotes := h.prices.GetSmartPrices(r.Context(), ids)
		for j, i := range idx {
			items[i].Quote = quotes[j]
			if quotes[j] == nil {
				items[i].Error = "no_price"
			}
		}
	}

	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) resolveItems(ctx context.Context, inputs []string) []ResolveItem {
	results := h.resolver.ResolveMany(ctx, inputs)
	items := make([]ResolveItem, len(results))
	for i, res := range results {
		items[i] = ResolveItem{Input: res.Input}
		if res.Err != nil {
			items[i].Error = errorCode(res.Err)
			continue
		}
		resolution := res.Resolution
		items[i].Resolution = &resolution
	}
	return items
}

type adminRequest struct {
	Ticker   string `json:"ticker"`
	Reason   string `json:"reason,omitempty"`
	ID       string `json:"id,omitempty"`
	Chain    string `json:"chain,omitempty"`
	Contract string `json:"contract,omitempty"`
}

func (h *Handler) handleBan(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdmin(w, r)
	if !ok {
		return
	}
	if err := h.admin.ForceBan(r.Context(), req.Ticker, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "banned", "ticker": req.Ticker})
}

func (h *Handler) handleUnban(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdmin(w, r)
	if !ok {
		return
	}
	if err := h.admin.ForceUnban(r.Context(), req.Ticker); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned", "ticker": req.Ticker})
}

func (h *Handler) handleRelearn(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdmin(w, r)
	if !ok {
		return
	}
	res, err := h.admin.ForceRelearn(r.Context(), req.Ticker)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handlePin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdmin(w, r)
	if !ok {
		return
	}
	res, err := h.admin.Pin(r.Context(), req.Ticker, req.ID, req.Chain, req.Contract)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StatsResponse combines learning store and pricing state
type StatsResponse struct {
	Resolver resolver.Stats `json:"resolver"`
	Pricing  pricing.Status `json:"pricing"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.admin.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Resolver: st, Pricing: h.prices.Status()})
}

func (h *Handler) requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			writeJSON(w, http.StatusForbidden, errorBody("admin_disabled"))
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}
		next(w, r)
	})
}

func decodeAdmin(w http.ResponseWriter, r *http.Request) (adminRequest, bool) {
	var req adminRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_body"))
		return req, false
	}
	if strings.TrimSpace(req.Ticker) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("ticker_required"))
		return req, false
	}
	return req, true
}

func listParam(w http.ResponseWriter, r *http.Request, name string) ([]string, bool) {
	var out []string
	for _, v := range strings.Split(r.URL.Query().Get(name), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	switch {
	case len(out) == 0:
		writeJSON(w, http.StatusBadRequest, errorBody(name+"_required"))
		return nil, false
	case len(out) > maxItems:
		writeJSON(w, http.StatusBadRequest, errorBody("too_many_items"))
		return nil, false
	}
	return out, true
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, resolver.ErrInvalidTicker):
		return "invalid_ticker"
	case errors.Is(err, resolver.ErrBanned):
		return "banned"
	case errors.Is(err, resolver.ErrBackingOff):
		return "backing_off"
	case errors.Is(err, resolver.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "invalid_ticker":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "timeout":
		status = http.StatusGatewayTimeout
	case "banned", "backing_off":
		status = http.StatusConflict
	default:
		logger.Error("admin request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody(code))
}

func errorBody(code string) map[string]string {
	return map[string]string{"error": code}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response", zap.Error(err))
	}
}
