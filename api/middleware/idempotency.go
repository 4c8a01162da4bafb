package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-core/api/responses"
	"github.com/angelmondragon/commerce-core/internal/idempotency"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	idempotentReplayHdr  = "Idempotent-Replayed"

	defaultIdempotencyTTL  = 24 * time.Hour
	criticalIdempotencyTTL = 7 * 24 * time.Hour
)

type routeMatcher func(string) bool

type idempotencyRule struct {
	method  string
	matcher routeMatcher
	ttl     time.Duration
}

// Rules match chi route patterns, not concrete paths.
var idempotencyRules = []idempotencyRule{
	// 24h TTL endpoints
	{method: http.MethodPost, matcher: matchExact("/api/v1/orders"), ttl: defaultIdempotencyTTL},
	{method: http.MethodPost, matcher: matchPrefixSuffix("/api/v1/orders/", "/transitions"), ttl: defaultIdempotencyTTL},
	{method: http.MethodPost, matcher: matchPrefixSuffix("/api/v1/cashier-payments/", "/transitions"), ttl: defaultIdempotencyTTL},
	{method: http.MethodPut, matcher: matchPrefix("/api/v1/inventory/"), ttl: defaultIdempotencyTTL},
	{method: http.MethodPost, matcher: matchPrefixSuffix("/api/v1/payments/", "/retry"), ttl: defaultIdempotencyTTL},
	{method: http.MethodPost, matcher: matchPrefixSuffix("/api/v1/payments/", "/sync"), ttl: defaultIdempotencyTTL},
	// 7d TTL endpoints
	{method: http.MethodPost, matcher: matchPrefixSuffix("/api/v1/orders/", "/payments"), ttl: criticalIdempotencyTTL},
	{method: http.MethodPost, matcher: matchPrefixSuffix("/api/v1/orders/", "/cashier-payments"), ttl: criticalIdempotencyTTL},
	{method: http.MethodPost, matcher: matchPrefixSuffix("/api/v1/orders/", "/cancel"), ttl: criticalIdempotencyTTL},
	{method: http.MethodPost, matcher: matchPrefixSuffix("/api/v1/payments/", "/refund"), ttl: criticalIdempotencyTTL},
}

type idempotencyGuard interface {
	Do(ctx context.Context, req idempotency.Request, fn idempotency.Handler) (idempotency.Response, bool, error)
}

// Idempotency runs matching routes through the guard. It must be mounted
// where chi has already resolved the full route pattern (Group/With), so the
// route key is stable across concrete paths.
func Idempotency(guard idempotencyGuard, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pattern := routePattern(r)
			ttl, ok := routeTTL(r.Method, pattern)
			if !ok || guard == nil {
				next.ServeHTTP(w, r)
				return
			}

			idempotencyKey := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
			if idempotencyKey == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request"))
				return
			}

			req := idempotency.Request{
				Key:         scopedKey(r.Context(), idempotencyKey),
				Route:       r.Method + " " + pattern,
				RequestHash: requestFingerprint(r, body),
				TTL:         ttl,
			}

			var header http.Header
			resp, replayed, err := guard.Do(r.Context(), req, func(ctx context.Context) (idempotency.Response, error) {
				rec := newResponseCapture()
				inner := r.Clone(ctx)
				inner.Body = io.NopCloser(bytes.NewReader(body))
				next.ServeHTTP(rec, inner)
				header = rec.header
				return idempotency.Response{
					StatusCode:  defaultStatus(rec.status),
					Body:        rec.body.Bytes(),
					ContentType: rec.header.Get("Content-Type"),
				}, nil
			})
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}

			if replayed {
				w.Header().Set(idempotentReplayHdr, "true")
				if logg != nil {
					logg.Info(logg.WithField(r.Context(), "route", req.Route), "idempotent replay")
				}
			} else {
				copyHeader(w.Header(), header)
			}
			writeStoredResponse(w, resp)
		})
	}
}

// scopedKey prefixes the caller key with the tenant so two tenants can't
// collide on the same Idempotency-Key.
func scopedKey(ctx context.Context, key string) string {
	tenantID := TenantIDFromContext(ctx)
	if tenantID == uuid.Nil {
		return key
	}
	return tenantID.String() + ":" + key
}

// requestFingerprint covers the concrete path as well as the body, since
// the route key only carries the pattern.
func requestFingerprint(r *http.Request, body []byte) string {
	payload := make([]byte, 0, len(r.URL.Path)+1+len(body))
	payload = append(payload, r.URL.Path...)
	payload = append(payload, '\n')
	payload = append(payload, body...)
	return idempotency.HashRequest(payload)
}

func writeStoredResponse(w http.ResponseWriter, resp idempotency.Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(defaultStatus(resp.StatusCode))
	_, _ = w.Write(resp.Body)
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		if strings.EqualFold(k, "Content-Type") {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func defaultStatus(value int) int {
	if value == 0 {
		return http.StatusOK
	}
	return value
}

func routePattern(r *http.Request) string {
	if r == nil {
		return ""
	}
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		if pattern := ctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func routeTTL(method, pattern string) (time.Duration, bool) {
	if pattern == "" {
		return 0, false
	}
	for _, rule := range idempotencyRules {
		if rule.method != method {
			continue
		}
		if rule.matcher(pattern) {
			return rule.ttl, true
		}
	}
	return 0, false
}

func matchExact(path string) routeMatcher {
	return func(pattern string) bool {
		return pattern == path
	}
}

func matchPrefix(prefix string) routeMatcher {
	return func(pattern string) bool {
		return strings.HasPrefix(pattern, prefix)
	}
}

func matchPrefixSuffix(prefix, suffix string) routeMatcher {
	return func(pattern string) bool {
		return strings.HasPrefix(pattern, prefix) && strings.HasSuffix(pattern, suffix)
	}
}

// responseCapture buffers the handler output; nothing reaches the client
// until the guard has committed or rolled back.
type responseCapture struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newResponseCapture() *responseCapture {
	return &responseCapture{header: make(http.Header)}
}

func (r *responseCapture) Header() http.Header {
	return r.header
}

func (r *responseCapture) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(b)
}
