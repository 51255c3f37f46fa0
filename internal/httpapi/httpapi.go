package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ferrepos/backend/internal/apperror"
	"ferrepos/backend/internal/domain"
	"ferrepos/backend/internal/logger"
	"ferrepos/backend/internal/metrics"
	"ferrepos/backend/internal/service"
)

type API struct {
	service            *service.Service
	auth               *AuthManager
	log                *logger.Logger
	allowedOrigin      string
	loginLimiter       *attemptLimiter
	approvalLimiter    *attemptLimiter
	csrfSecret         []byte
	credentialApproval bool
	now                func() time.Time
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, log *logger.Logger) *API {
	if log == nil {
		log = logger.Default()
	}
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:            svc,
		auth:               auth,
		log:                log.WithComponent("http"),
		allowedOrigin:      allowedOrigin,
		loginLimiter:       newAttemptLimiter(5, time.Minute),
		approvalLimiter:    newAttemptLimiter(8, time.Minute),
		csrfSecret:         csrfSecret,
		credentialApproval: true,
		now:                time.Now,
	}
}

// WithCredentialApproval toggles POST /api/v1/approvals/verify. When off,
// closes are approved only from an admin's own session.
func (a *API) WithCredentialApproval(enabled bool) *API {
	a.credentialApproval = enabled
	return a
}

// csrfTokenForHour signs an hour bucket (Unix seconds truncated to the hour).
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	bucket := a.now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts the current and previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := a.now().UTC().Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(currentBucket))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(prevBucket)))
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
	l.entries[key] = append(kept, now)
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
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("GET /api/v1/auth/csrf-token", a.handleCSRFToken)
	mux.HandleFunc("GET /api/v1/auth/me", a.requireAuth(a.handleMe))

	mux.HandleFunc("GET /api/v1/products", a.requireAuth(a.handleProducts))
	mux.HandleFunc("POST /api/v1/cart/quote", a.requireAuth(a.handleQuote, domain.RoleCashier, domain.RoleAdmin))

	mux.HandleFunc("POST /api/v1/sales", a.requireAuth(a.handleRecordSale, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/sales/{id}", a.requireAuth(a.handleGetSale, domain.RoleCashier, domain.RoleAdmin, domain.RoleAccounting))
	mux.HandleFunc("GET /api/v1/sales/by-invoice/{number}", a.requireAuth(a.handleSaleByInvoice, domain.RoleCashier, domain.RoleAdmin, domain.RoleAccounting))
	mux.HandleFunc("POST /api/v1/sales/{id}/cancel", a.requireAuth(a.handleCancelSale, domain.RoleAdmin))

	mux.HandleFunc("POST /api/v1/inventory/adjustments", a.requireAuth(a.handleStockAdjustment, domain.RoleWarehouse, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/inventory/movements", a.requireAuth(a.handleMovements, domain.RoleWarehouse, domain.RoleAdmin, domain.RoleAccounting))

	mux.HandleFunc("POST /api/v1/shifts/open", a.requireAuth(a.handleShiftOpen, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/shifts/active", a.requireAuth(a.handleShiftActive, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/shifts/{id}", a.requireAuth(a.handleShiftSummary, domain.RoleCashier, domain.RoleAdmin, domain.RoleAccounting))
	mux.HandleFunc("POST /api/v1/shifts/{id}/close", a.requireAuth(a.handleShiftClose, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/shifts/{id}/approve", a.requireAuth(a.handleShiftApprove, domain.RoleCashier, domain.RoleAdmin))

	mux.HandleFunc("POST /api/v1/approvals", a.requireAuth(a.handleApprovalIssue, domain.RoleAdmin))
	if a.credentialApproval {
		mux.HandleFunc("POST /api/v1/approvals/verify", a.requireAuth(a.handleApprovalVerify, domain.RoleCashier, domain.RoleAdmin))
	}

	mux.HandleFunc("GET /api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin, domain.RoleAccounting))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, r, apperror.NewUnauthorized("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, r, apperror.NewUnauthorized(err.Error()))
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, r, apperror.NewInsufficientPrivilege("role "+actor.Role+" may not call this endpoint"))
			return
		}

		ctx := service.WithActor(r.Context(), actor)
		ctx = logger.WithFields(ctx, "actor_id", actor.ID, "actor_role", actor.Role)
		next(w, r.WithContext(ctx))
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

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": a.now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeStatus(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many login attempts")
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	identity, err := a.auth.LookupIdentity(r.Context(), actor.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": identity})
}

// handleCSRFToken returns a stateless token for the X-CSRF-Token header.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// Login is called before a client can hold a CSRF token.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

// checkCSRF rejects state-changing requests without a valid X-CSRF-Token.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeStatus(w, http.StatusForbidden, "CSRF_REJECTED", "missing or invalid CSRF token")
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		ctx := logger.WithLogger(r.Context(), a.log)
		ctx = logger.WithFields(ctx, "request_id", requestID)
		r = r.WithContext(ctx)

		w.Header().Set("X-Request-ID", requestID)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)

		// r.Pattern is filled in by the mux on the same request value.
		metrics.ObserveHTTPRequest(r.Pattern, rec.status, elapsed.Seconds())
		logger.FromContext(ctx).Infow("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperror.NewInvalidInput("request body too large")
		}
		return apperror.NewInvalidInput("malformed JSON body: " + err.Error())
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

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError renders err as {"error": {...}}. 5xx messages are replaced so
// store and driver errors never reach clients; details survive because they
// are built by the service for clients (e.g. the unrecorded invoice number).
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperror.AsAppError(err)
	if !ok {
		appErr = apperror.NewInternal(err)
	}
	status := apperror.HTTPStatusOf(appErr)
	body := errorBody{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	if status >= 500 {
		logger.Error(r.Context(), "request failed", "status", status, "code", appErr.Code, "error", err)
		body.Message = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeStatus(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{"error": errorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
