package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/berryselect/berrypick/internal/bus"
	"github.com/berryselect/berrypick/internal/domain"
	"github.com/berryselect/berrypick/internal/rules"
	"github.com/berryselect/berrypick/internal/session"
	"github.com/berryselect/berrypick/internal/settlement"
	"github.com/berryselect/berrypick/internal/worker"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Repo       domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Sessions   *session.Service
	Settlement *settlement.Service
	Conditions *rules.Conditions
	Worker     *worker.Worker

	// Tokens enables bearer authentication; nil trusts X-User-ID.
	Tokens *TokenService

	// AdminToken opens the rule routes to callers presenting it.
	AdminToken string

	Version string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	sessions   *session.Service
	settlement *settlement.Service
	conditions *rules.Conditions
	worker     *worker.Worker
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		repo:       d.Repo,
		cache:      d.Cache,
		bus:        d.Bus,
		sessions:   d.Sessions,
		settlement: d.Settlement,
		conditions: d.Conditions,
		worker:     d.Worker,
		version:    d.Version,
	}
}

// CreateSessionRequest is the request body for POST /recommendations/sessions.
type CreateSessionRequest struct {
	Amount      int64  `json:"amount" validate:"gt=0"`
	UseGifticon bool   `json:"useGifticon"`
	MerchantID  string `json:"merchantId"`
}

// CreateSession ranks the caller's instruments for a purchase.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decode(w, r, &req) {
		return
	}

	sess, err := h.sessions.Create(r.Context(), session.CreateRequest{
		UserID:     GetUserID(r.Context()),
		Amount:     req.Amount,
		UseVoucher: req.UseGifticon,
		MerchantID: req.MerchantID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

// GetSession returns one of the caller's sessions.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Detail(r.Context(), chi.URLParam(r, "sessionId"), GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// ChooseOption records the option the caller picked.
func (h *Handler) ChooseOption(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "sessionId query parameter is required",
		})
		return
	}

	sess, err := h.sessions.Choose(r.Context(), sessionID, chi.URLParam(r, "optionId"), GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// SettleRequest is the request body for POST /transactions.
type SettleRequest struct {
	SessionID  string `json:"sessionId" validate:"required"`
	OptionID   string `json:"optionId" validate:"required"`
	MerchantID string `json:"merchantId"`
	PaidAmount *int64 `json:"paidAmount" validate:"required,gte=0"`
	CategoryID string `json:"categoryId"`
}

// Settle records a payment made with a chosen option.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !decode(w, r, &req) {
		return
	}

	tx, err := h.settlement.Settle(r.Context(), settlement.SettleRequest{
		UserID:     GetUserID(r.Context()),
		SessionID:  req.SessionID,
		OptionID:   req.OptionID,
		MerchantID: req.MerchantID,
		PaidAmount: *req.PaidAmount,
		CategoryID: req.CategoryID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, tx)
}

// GetTransaction returns one of the caller's transactions.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.settlement.Get(r.Context(), chi.URLParam(r, "id"), GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// ListTransactionsQuery holds the query parameters of GET /transactions.
type ListTransactionsQuery struct {
	YearMonth  string `json:"yearMonth" validate:"omitempty,yearmonth"`
	CategoryID string `json:"categoryId"`
	Limit      int    `json:"limit" validate:"gte=0,lte=200"`
	Offset     int    `json:"offset" validate:"gte=0"`
}

// ListTransactions returns the caller's transactions, newest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := ListTransactionsQuery{
		YearMonth:  q.Get("yearMonth"),
		CategoryID: q.Get("categoryId"),
	}

	var err error
	if query.Limit, err = intParam(q.Get("limit")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a number"})
		return
	}
	if query.Offset, err = intParam(q.Get("offset")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "offset must be a number"})
		return
	}
	if err := validateStruct(query); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	txs, err := h.settlement.List(r.Context(), GetUserID(r.Context()), domain.TransactionFilter{
		YearMonth:  query.YearMonth,
		CategoryID: query.CategoryID,
		Limit:      query.Limit,
		Offset:     query.Offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// SummaryQuery holds the query parameters of GET /transactions/summary.
type SummaryQuery struct {
	YearMonth  string `json:"yearMonth" validate:"required,yearmonth"`
	CategoryID string `json:"categoryId" validate:"required"`
}

// GetSummary returns the caller's monthly spending in a category.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	query := SummaryQuery{
		YearMonth:  r.URL.Query().Get("yearMonth"),
		CategoryID: r.URL.Query().Get("categoryId"),
	}
	if err := validateStruct(query); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	sum, err := h.settlement.Summary(r.Context(), GetUserID(r.Context()), query.YearMonth, query.CategoryID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sum)
}

// ListRules returns the active rules of a product, highest priority first.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("productId")
	if productID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "productId query parameter is required",
		})
		return
	}

	found, err := h.repo.FindActiveRulesForProduct(r.Context(), productID)
	if err != nil {
		writeError(w, err)
		return
	}

	specs := make([]domain.RuleSpec, 0, len(found))
	for _, rule := range found {
		specs = append(specs, rule.Spec())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": specs,
		"count": len(specs),
	})
}

// CreateRule validates and saves a rule, then announces the change so
// cached rule sets of the product are dropped.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var spec domain.RuleSpec
	if !decode(w, r, &spec) {
		return
	}

	if spec.Anomaly != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "anomaly is read-only",
		})
		return
	}

	rule := spec.Rule()
	if rule.Anomaly != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule: " + rule.Anomaly,
		})
		return
	}

	if h.conditions != nil {
		if err := h.conditions.Validate(rule.Condition); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid condition: " + err.Error(),
			})
			return
		}
	}

	if err := h.repo.SaveRule(ctx, rule); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule saved", "rule_id", rule.ID, "product_id", rule.ProductID)

	h.publish(ctx, domain.TopicRulesChanged, domain.RulesChangedEvent{ProductID: rule.ProductID, RuleID: rule.ID})

	writeJSON(w, http.StatusCreated, rule.Spec())
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
	Cache      *CacheStats       `json:"cache,omitempty"`
	Bus        *bus.Stats        `json:"bus,omitempty"`
	Worker     *worker.Stats     `json:"worker,omitempty"`
}

// CacheStats reports the in-process cache tier.
type CacheStats struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
}

type cacheStatter interface {
	Stats() (size int, capacity int)
}

type busStatter interface {
	Stats() bus.Stats
}

// Health reports the state of every component and its activity counters.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Components: make(map[string]string),
	}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			slog.Warn("health check failed", "component", name, "error", err)
			resp.Components[name] = "down"
			resp.Status = "degraded"
			return
		}
		resp.Components[name] = "up"
	}

	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
		if c, ok := h.cache.(cacheStatter); ok {
			size, capacity := c.Stats()
			resp.Cache = &CacheStats{Size: size, Capacity: capacity}
		}
	}
	if h.bus != nil {
		check("bus", h.bus.Ping)
		if b, ok := h.bus.(busStatter); ok {
			stats := b.Stats()
			resp.Bus = &stats
		}
	}
	if h.worker != nil {
		stats := h.worker.GetStats()
		resp.Worker = &stats
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ready reports whether the database is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// publish emits an event without failing the request.
func (h *Handler) publish(ctx context.Context, topic string, event any) {
	if h.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err == nil {
		err = h.bus.Publish(ctx, topic, payload)
	}
	if err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// decode reads and validates a JSON body, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	if err := validateStruct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return false
	}
	return true
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrLimitExceeded):
		status = http.StatusConflict
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}

	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
