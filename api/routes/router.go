package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/commerce-core/api/controllers"
	inventorycontrollers "github.com/angelmondragon/commerce-core/api/controllers/inventory"
	ordercontrollers "github.com/angelmondragon/commerce-core/api/controllers/orders"
	paymentcontrollers "github.com/angelmondragon/commerce-core/api/controllers/payments"
	subscriptioncontrollers "github.com/angelmondragon/commerce-core/api/controllers/subscriptions"
	webhookcontrollers "github.com/angelmondragon/commerce-core/api/controllers/webhooks"
	"github.com/angelmondragon/commerce-core/api/middleware"
	"github.com/angelmondragon/commerce-core/internal/idempotency"
	"github.com/angelmondragon/commerce-core/pkg/config"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	"github.com/angelmondragon/commerce-core/pkg/logger"
	"github.com/angelmondragon/commerce-core/pkg/metrics"
	"github.com/angelmondragon/commerce-core/pkg/redis"
)

// Dependencies is everything the HTTP surface is built from. Nil optional
// fields (Redis, HTTPMetrics, MetricsHandler) switch the matching feature off.
type Dependencies struct {
	Config *config.Config
	Logger *logger.Logger

	DB             controllers.Pinger
	Redis          *redis.Client
	HTTPMetrics    *metrics.HTTPMetrics
	MetricsHandler http.Handler

	Orders        ordercontrollers.Service
	Audit         ordercontrollers.AuditHistory
	Payments      paymentcontrollers.Service
	Inventory     inventorycontrollers.Coordinator
	Subscriptions subscriptioncontrollers.Service
	Webhooks      webhookcontrollers.Pipeline
	Idempotency   *idempotency.Guard
}

var (
	staffRoles   = enums.RolesAtLeast(enums.ActorRoleStaff)
	cashierRoles = enums.RolesAtLeast(enums.ActorRoleCashier)
	managerRoles = enums.RolesAtLeast(enums.ActorRoleManager)
	adminRoles   = enums.RolesAtLeast(enums.ActorRoleAdmin, enums.ActorRoleOps)
)

func NewRouter(deps Dependencies) http.Handler {
	cfg, logg := deps.Config, deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, requestObserver(deps.HTTPMetrics)),
		middleware.CORS(cfg.HTTP.CORSOrigins),
	)

	readiness := map[string]controllers.Pinger{"postgres": deps.DB}
	if deps.Redis != nil {
		readiness["redis"] = deps.Redis
	}
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive())
		r.Get("/ready", controllers.HealthReady(readiness, logg))
	})
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Provider callbacks authenticate by signature, not tenant headers.
	r.Group(func(r chi.Router) {
		if deps.Redis != nil {
			policy := middleware.NewRateLimitPolicy("webhooks", cfg.HTTP.RateLimitWindow, cfg.HTTP.RateLimitPerIP, 0)
			r.Use(middleware.RateLimit(policy, deps.Redis, logg))
		}
		r.Post("/api/v1/webhooks/{provider}", webhookcontrollers.Inbound(deps.Webhooks, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.TenantScope(logg))
		if deps.Redis != nil {
			policy := middleware.NewRateLimitPolicy("api", cfg.HTTP.RateLimitWindow, cfg.HTTP.RateLimitPerIP, cfg.HTTP.RateLimitPerTenant)
			r.Use(middleware.RateLimit(policy, deps.Redis, logg))
		}

		// Role checks run before the idempotency guard so a rejected caller
		// never reaches a stored response and a 403 is never stored.
		idem := func(next http.Handler) http.Handler { return next }
		if deps.Idempotency != nil {
			idem = middleware.Idempotency(deps.Idempotency, logg)
		}
		staff := middleware.RequireRole(logg, staffRoles...)
		cashier := middleware.RequireRole(logg, cashierRoles...)
		manager := middleware.RequireRole(logg, managerRoles...)
		admin := middleware.RequireRole(logg, adminRoles...)

		r.Get("/orders", ordercontrollers.List(deps.Orders, logg))
		r.With(idem).Post("/orders", ordercontrollers.Create(deps.Orders, logg))
		r.Get("/orders/{orderID}", ordercontrollers.Get(deps.Orders, logg))
		r.With(idem).Post("/orders/{orderID}/transitions", ordercontrollers.Transition(deps.Orders, logg))
		r.With(idem).Post("/orders/{orderID}/cancel", ordercontrollers.Cancel(deps.Orders, logg))
		r.Get("/orders/{orderID}/audit", ordercontrollers.Audit(deps.Orders, deps.Audit, logg))

		r.Get("/orders/{orderID}/payments", paymentcontrollers.ListForOrder(deps.Payments, logg))
		r.With(idem).Post("/orders/{orderID}/payments", paymentcontrollers.Create(deps.Payments, logg))
		r.With(cashier, idem).Post("/orders/{orderID}/cashier-payments", paymentcontrollers.DeclareCashier(deps.Payments, logg))
		r.With(manager, idem).Post("/cashier-payments/{cashierPaymentID}/transitions", paymentcontrollers.TransitionCashier(deps.Payments, logg))

		r.Get("/payments/{paymentID}", paymentcontrollers.Get(deps.Payments, logg))
		r.With(idem).Post("/payments/{paymentID}/retry", paymentcontrollers.Retry(deps.Payments, logg))
		r.With(idem).Post("/payments/{paymentID}/sync", paymentcontrollers.Sync(deps.Payments, logg))
		r.With(manager, idem).Post("/payments/{paymentID}/refund", paymentcontrollers.Refund(deps.Payments, logg))

		r.Get("/inventory/{productID}", inventorycontrollers.Get(deps.Inventory, logg))
		r.Get("/inventory/{productID}/movements", inventorycontrollers.Movements(deps.Inventory, logg))
		r.With(staff, idem).Put("/inventory/{productID}/restock", inventorycontrollers.Restock(deps.Inventory, logg))

		r.With(admin).Get("/webhook-subscriptions", subscriptioncontrollers.List(deps.Subscriptions, logg))
		r.With(admin).Post("/webhook-subscriptions", subscriptioncontrollers.Create(deps.Subscriptions, logg))
		r.With(admin).Post("/outbox/{outboxID}/requeue", subscriptioncontrollers.Requeue(deps.Subscriptions, logg))
	})

	return r
}

// requestObserver keeps a nil *HTTPMetrics from reaching the middleware as a
// non-nil interface.
func requestObserver(m *metrics.HTTPMetrics) interface {
	Observe(method, route string, status int, took time.Duration)
} {
	if m == nil {
		return nil
	}
	return m
}
