// Package httpapi exposes the ledger service over a JSON HTTP API with
// bearer-token auth. Money amounts cross the wire as integer cents.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"optiledger/backend/internal/domain"
	"optiledger/backend/internal/service"
	"optiledger/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	logger        *zap.Logger
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, logger *zap.Logger, allowedOrigin string) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		logger:        logger,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(a.withCommonHeaders)
	r.Use(a.withRequestLog)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/api/v1/auth/login", a.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth("cashier", "admin"))

		r.Route("/api/v1/sales", func(r chi.Router) {
			r.Post("/", a.handleCreateSale)
			r.Get("/", a.handleListSales)
			r.Get("/{id}", a.handleGetSale)
			r.Post("/{id}/payments", a.handleAddPayment)
			r.Delete("/{id}/payments/{paymentID}", a.handleDeletePayment)
			r.Patch("/{id}/payments/{paymentID}", a.handleReclassifyPayment)
			r.Post("/{id}/return", a.handleReturn)
			r.Post("/{id}/void", a.handleVoid)
		})

		r.Route("/api/v1/shifts", func(r chi.Router) {
			r.Post("/", a.handleOpenShift)
			r.Get("/active", a.handleActiveShift)
			r.Get("/{id}", a.handleGetShift)
			r.Post("/{id}/pre-close", a.handlePreClose)
			r.Post("/{id}/close", a.handleCloseShift)
		})

		r.Route("/api/v1/work-orders", func(r chi.Router) {
			r.Get("/", a.handleListWorkOrders)
			r.Get("/{id}", a.handleGetWorkOrder)
			r.Post("/{id}/advance", a.handleAdvanceWorkOrder)
			r.Post("/{id}/cancel", a.handleCancelWorkOrder)
			r.Post("/{id}/warranty", a.handleWarrantyWorkOrder)
		})

		r.Get("/api/v1/ledger/entries", a.handleLedgerEntries)
		r.Get("/api/v1/ledger/stats", a.handleLedgerStats)
		r.Get("/api/v1/reports/income", a.handleIncomeReport)

		r.Get("/api/v1/patients/{id}", a.handleGetPatient)
		r.Get("/api/v1/products/{sku}", a.handleGetProduct)
		r.Get("/api/v1/inventory-logs", a.handleInventoryLogs)

		r.Get("/api/v1/settings/loyalty", a.handleLoyaltySettings)
		r.Get("/api/v1/settings/terminal-fees", a.handleFeeSchedules)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth("admin"))
		r.Get("/api/v1/audit-logs", a.handleAuditLogs)
		r.Post("/api/v1/users/cashiers", a.handleCreateCashier)
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(startedAt)))
	})
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// ---- sales ----

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var in domain.CreateSaleInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, err := a.service.CreateSale(r.Context(), in)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sale)
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	from, to := parseTimeRange(r)
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	sales, err := a.service.ListSales(r.Context(), r.URL.Query().Get("branch_id"), from, to, limit)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleAddPayment(w http.ResponseWriter, r *http.Request) {
	var in domain.PaymentInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, err := a.service.AddPayment(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleDeletePayment(w http.ResponseWriter, r *http.Request) {
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	sale, err := a.service.DeletePayment(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "paymentID"), reason)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleReclassifyPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string `json:"method"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, err := a.service.UpdatePaymentMethod(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "paymentID"), req.Method)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleReturn(w http.ResponseWriter, r *http.Request) {
	var in domain.ReturnInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	in.SaleID = chi.URLParam(r, "id")

	result, err := a.service.ProcessReturn(r.Context(), in)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleVoid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, err := a.service.VoidSale(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

// ---- shifts ----

func (a *API) handleOpenShift(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	shift, err := a.service.OpenShift(r.Context(), req)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, shift)
}

func (a *API) handleActiveShift(w http.ResponseWriter, r *http.Request) {
	shift, err := a.service.GetActiveShift(r.Context(), r.URL.Query().Get("branch_id"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shift)
}

func (a *API) handleGetShift(w http.ResponseWriter, r *http.Request) {
	shift, err := a.service.GetShift(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shift)
}

func (a *API) handlePreClose(w http.ResponseWriter, r *http.Request) {
	shift, err := a.service.StartShiftClose(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shift)
}

func (a *API) handleCloseShift(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ShiftID = chi.URLParam(r, "id")

	shift, err := a.service.CloseShift(r.Context(), req)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shift)
}

// ---- work orders ----

func (a *API) handleListWorkOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := a.service.ListWorkOrders(r.Context(), r.URL.Query().Get("sale_id"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"work_orders": orders})
}

func (a *API) handleGetWorkOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.GetWorkOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleAdvanceWorkOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.AdvanceWorkOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleCancelWorkOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	order, err := a.service.CancelWorkOrder(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleWarrantyWorkOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	order, err := a.service.ReopenWorkOrderWarranty(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ---- ledger & reports ----

func (a *API) handleLedgerEntries(w http.ResponseWriter, r *http.Request) {
	from, to := parseTimeRange(r)
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 200, 1000)
	entries, err := a.service.ListLedgerEntries(r.Context(), from, to, r.URL.Query().Get("sale_id"), limit)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	from, to := parseTimeRange(r)
	stats, err := a.service.LedgerStats(r.Context(), from, to)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleIncomeReport(w http.ResponseWriter, r *http.Request) {
	from, to := parseTimeRange(r)
	report, err := a.service.IncomeReport(r.Context(), r.URL.Query().Get("branch_id"), from, to)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ---- directory & settings ----

func (a *API) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	patient, err := a.service.GetPatient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), chi.URLParam(r, "sku"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleInventoryLogs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListInventoryLogs(r.Context(), r.URL.Query().Get("sku"), limit)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleLoyaltySettings(w http.ResponseWriter, r *http.Request) {
	settings, err := a.service.LoyaltySettings(r.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *API) handleFeeSchedules(w http.ResponseWriter, r *http.Request) {
	fees, err := a.service.FeeSchedules(r.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": fees})
}

// ---- admin ----

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	from, to := parseTimeRange(r)
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 200, 1000)
	entries, err := a.service.ListAuditEntries(r.Context(), from, to, limit)
	if err != nil {
		a.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	account, err := a.auth.CreateCashier(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// respondError maps service and store errors to HTTP status codes.
func (a *API) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrPatientNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrShiftAlreadyOpen):
		status = http.StatusConflict
	case errors.Is(err, store.ErrNoOpenShift),
		errors.Is(err, store.ErrPatientDeleted),
		errors.Is(err, store.ErrInsufficientPoints),
		errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrSaleCancelled):
		status = http.StatusUnprocessableEntity
	}
	if status >= 500 {
		a.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err)
}

func parseTimeRange(r *http.Request) (time.Time, time.Time) {
	return parseTimeParam(r.URL.Query().Get("from")), parseTimeParam(r.URL.Query().Get("to"))
}

// parseTimeParam accepts RFC3339 or a plain date; zero means unbounded.
func parseTimeParam(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 4xx messages are user-facing. 5xx details stay in the logs.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
