package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"brewline/backend/internal/service"
	"brewline/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	logger        *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		logger:        logger.Named("http"),
	}
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

func (a *API) Handler() http.Handler {
	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusNotFound, "not_found", "route not found")
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r := mux.NewRouter()
	r.NotFoundHandler = notFound
	r.MethodNotAllowedHandler = methodNotAllowed

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)

	// Mismatches under the prefix are answered by the subrouter, not r.
	api := r.PathPrefix("/api/v1").Subrouter()
	api.NotFoundHandler = notFound
	api.MethodNotAllowedHandler = methodNotAllowed

	api.HandleFunc("/auth/login", a.handleLogin).Methods(http.MethodPost)

	api.HandleFunc("/ingredients", a.requireAuth(a.handleListIngredients, service.CapCatalogRead)).Methods(http.MethodGet)
	api.HandleFunc("/ingredients", a.requireAuth(a.handleCreateIngredient, service.CapCatalogWrite)).Methods(http.MethodPost)
	api.HandleFunc("/ingredients/{id}", a.requireAuth(a.handleUpdateIngredient, service.CapCatalogWrite)).Methods(http.MethodPatch)
	api.HandleFunc("/ingredients/{id}", a.requireAuth(a.handleDeleteIngredient, service.CapCatalogWrite)).Methods(http.MethodDelete)
	api.HandleFunc("/ingredients/{id}/lots", a.requireAuth(a.handleListLots, service.CapInventoryRead)).Methods(http.MethodGet)

	api.HandleFunc("/inventory/add-stock", a.requireAuth(a.handleAddStock, service.CapInventoryWrite)).Methods(http.MethodPost)
	api.HandleFunc("/inventory/adjust-stock", a.requireAuth(a.handleAdjustStock, service.CapInventoryWrite)).Methods(http.MethodPost)
	api.HandleFunc("/inventory/stock-take", a.requireAuth(a.handleStockTake, service.CapInventoryWrite)).Methods(http.MethodPost)
	api.HandleFunc("/inventory/transactions", a.requireAuth(a.handleInventoryTransactions, service.CapInventoryRead)).Methods(http.MethodGet)
	api.HandleFunc("/inventory/reconcile", a.requireAuth(a.handleReconcile, service.CapInventoryRead)).Methods(http.MethodGet)
	api.HandleFunc("/inventory/low-stock", a.requireAuth(a.handleLowStock, service.CapInventoryRead)).Methods(http.MethodGet)

	api.HandleFunc("/products", a.requireAuth(a.handleListProducts, service.CapCatalogRead)).Methods(http.MethodGet)
	api.HandleFunc("/products", a.requireAuth(a.handleCreateProduct, service.CapCatalogWrite)).Methods(http.MethodPost)
	api.HandleFunc("/products/{id}", a.requireAuth(a.handleUpdateProduct, service.CapCatalogWrite)).Methods(http.MethodPatch)
	api.HandleFunc("/products/{id}", a.requireAuth(a.handleDeleteProduct, service.CapCatalogWrite)).Methods(http.MethodDelete)

	api.HandleFunc("/toppings", a.requireAuth(a.handleListToppings, service.CapCatalogRead)).Methods(http.MethodGet)
	api.HandleFunc("/toppings", a.requireAuth(a.handleCreateTopping, service.CapCatalogWrite)).Methods(http.MethodPost)
	api.HandleFunc("/toppings/{id}", a.requireAuth(a.handleUpdateTopping, service.CapCatalogWrite)).Methods(http.MethodPatch)
	api.HandleFunc("/toppings/{id}", a.requireAuth(a.handleDeleteTopping, service.CapCatalogWrite)).Methods(http.MethodDelete)

	api.HandleFunc("/orders", a.requireAuth(a.handleListOrders, service.CapOrderRead)).Methods(http.MethodGet)
	api.HandleFunc("/orders", a.requireAuth(a.handleCreateOrder, service.CapOrderCreate)).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", a.requireAuth(a.handleGetOrder, service.CapOrderRead)).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/cancel", a.requireAuth(a.handleCancelOrder, service.CapOrderCancel)).Methods(http.MethodPost)

	api.HandleFunc("/shifts", a.requireAuth(a.handleListShifts, service.CapShiftList)).Methods(http.MethodGet)
	api.HandleFunc("/shifts/open", a.requireAuth(a.handleOpenShift, service.CapShiftUse)).Methods(http.MethodPost)
	api.HandleFunc("/shifts/current", a.requireAuth(a.handleCurrentShift, service.CapShiftUse)).Methods(http.MethodGet)
	api.HandleFunc("/shifts/{id}/close", a.requireAuth(a.handleCloseShift, service.CapShiftUse)).Methods(http.MethodPost)
	api.HandleFunc("/shifts/{id}/summary", a.requireAuth(a.handleShiftSummary, service.CapShiftUse)).Methods(http.MethodGet)

	api.HandleFunc("/reports/daily-sales", a.requireAuth(a.handleDailySales, service.CapReportRead)).Methods(http.MethodGet)
	api.HandleFunc("/reports/product-sales", a.requireAuth(a.handleProductSales, service.CapReportRead)).Methods(http.MethodGet)
	api.HandleFunc("/reports/dashboard", a.requireAuth(a.handleDashboard, service.CapReportRead)).Methods(http.MethodGet)

	api.HandleFunc("/expenses", a.requireAuth(a.handleListExpenses, service.CapReportRead)).Methods(http.MethodGet)
	api.HandleFunc("/expenses", a.requireAuth(a.handleCreateExpense, service.CapExpenseWrite)).Methods(http.MethodPost)
	api.HandleFunc("/audit-logs", a.requireAuth(a.handleAuditLogs, service.CapAuditRead)).Methods(http.MethodGet)

	api.HandleFunc("/users/cashiers", a.requireAuth(a.handleListCashiers, service.CapUserManage)).Methods(http.MethodGet)
	api.HandleFunc("/users/cashiers", a.requireAuth(a.handleCreateCashier, service.CapUserManage)).Methods(http.MethodPost)

	return a.withMiddleware(r)
}

// requireAuth authenticates the bearer token and rejects roles that the
// service policy does not grant capability. The service checks again.
func (a *API) requireAuth(next http.HandlerFunc, capability service.Capability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, r, fmt.Errorf("%w: missing bearer token", store.ErrUnauthorized))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, r, err)
			return
		}

		if !service.Allowed(actor.Role, capability) {
			a.writeError(w, r, fmt.Errorf("%w: role %s cannot %s", store.ErrForbidden, actor.Role, capability))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(startedAt)))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body too large", store.ErrValidation)
		}
		return fmt.Errorf("%w: invalid JSON body: %v", store.ErrValidation, err)
	}
	return nil
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

// parseTimeParam accepts RFC3339 or a bare date. A bare date used as an
// upper bound means the end of that day.
func parseTimeParam(raw string, upper bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		u := t.UTC()
		return &u, nil
	}
	day, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a date or RFC3339 time", store.ErrValidation, raw)
	}
	if upper {
		day = day.AddDate(0, 0, 1)
	}
	return &day, nil
}

// reportRange reads from/to and falls back to the last defaultDays days,
// today included.
func reportRange(r *http.Request, now time.Time, defaultDays int) (time.Time, time.Time, error) {
	from, err := parseTimeParam(r.URL.Query().Get("from"), false)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"), true)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	u := now.UTC()
	tomorrow := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	if to == nil {
		to = &tomorrow
	}
	if from == nil {
		start := to.AddDate(0, 0, -defaultDays)
		from = &start
	}
	return *from, *to, nil
}

func statusFor(err error) int {
	switch store.Kind(err) {
	case "unauthorized":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "conflict", "invalid_state":
		return http.StatusConflict
	case "validation":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status by kind. 5xx bodies never carry the
// underlying message.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := store.Kind(err)
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("internal error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "internal server error"
	}
	writeStatus(w, status, kind, msg)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeStatus(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func writeStatus(w http.ResponseWriter, status int, kind string, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
		"kind":  kind,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
