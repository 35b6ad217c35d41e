package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"intelvault/core"
	"intelvault/metrics"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

type contextKey string

const contextKeyTenant contextKey = "tenant_id"

// limiterIdleTTL is how long an unused per-tenant limiter is kept.
const limiterIdleTTL = 10 * time.Minute

// TenantFromContext returns the tenant resolved by the tenant middleware.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(contextKeyTenant).(string)
	return tenant, ok && tenant != ""
}

func tenantOf(r *http.Request) string {
	tenant, _ := TenantFromContext(r.Context())
	return tenant
}

// tenantMiddleware requires the tenant header on every API request.
func (a *API) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(a.config.API.TenantHeader)
		if tenant == "" {
			writeError(w, core.NewValidationError(a.config.API.TenantHeader, "header is required"), a.logger)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyTenant, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware applies a token bucket per tenant. It smooths bursts;
// the hourly API quota is enforced separately by quotaMiddleware.
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	rps := a.config.API.RateLimit.RequestsPerSecond
	if rps <= 0 {
		return next
	}
	burst := a.config.API.RateLimit.Burst
	if burst <= 0 {
		burst = int(rps) + 1
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantOf(r)
		if !a.limiterFor(tenant, rps, burst).Allow() {
			metrics.RateLimitRejections.Inc()
			w.Header().Set("Retry-After", "1")
			respondJSON(w, core.Result{Error: &core.ErrorInfo{
				Code:    core.CodeQuotaExceeded,
				Message: "rate limit exceeded",
			}}, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) limiterFor(tenant string, rps float64, burst int) *rate.Limiter {
	a.rateLimitersMu.Lock()
	defer a.rateLimitersMu.Unlock()

	entry, ok := a.rateLimiters[tenant]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		a.rateLimiters[tenant] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (a *API) cleanupRateLimiters() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.rateLimitersMu.Lock()
			for tenant, entry := range a.rateLimiters {
				if time.Since(entry.lastSeen) > limiterIdleTTL {
					delete(a.rateLimiters, tenant)
				}
			}
			a.rateLimitersMu.Unlock()
		case <-a.stopCh:
			return
		}
	}
}

// quotaMiddleware charges the request against the tenant's hourly API quota.
func (a *API) quotaMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.svc.RecordAPIRequest(tenantOf(r)); err != nil {
			var qe *core.QuotaExceededError
			if errors.As(err, &qe) {
				w.Header().Set("X-Quota-Limit", strconv.FormatInt(qe.Limit, 10))
			}
			writeError(w, err, a.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && a.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+a.config.API.TenantHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) originAllowed(origin string) bool {
	for _, allowed := range a.config.API.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (a *API) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				a.logger.Errorw("Panic in HTTP handler", "panic", rec, "path", r.URL.Path)
				respondJSON(w, core.Result{Error: &core.ErrorInfo{
					Code:    core.CodeInternal,
					Message: http.StatusText(http.StatusInternalServerError),
				}}, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latency by route template.
func (a *API) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.APIRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
