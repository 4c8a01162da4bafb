package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/angelmondragon/commerce-core/internal/audit"
	"github.com/angelmondragon/commerce-core/internal/inventory"
	"github.com/angelmondragon/commerce-core/internal/orders"
	"github.com/angelmondragon/commerce-core/pkg/alerts"
	"github.com/angelmondragon/commerce-core/pkg/config"
	"github.com/angelmondragon/commerce-core/pkg/db"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	"github.com/angelmondragon/commerce-core/pkg/logger"
	"github.com/angelmondragon/commerce-core/pkg/metrics"
	"github.com/angelmondragon/commerce-core/pkg/outbox"
	"github.com/angelmondragon/commerce-core/pkg/pubsub"
	"github.com/angelmondragon/commerce-core/pkg/ratelimit"
)

// Core is the set of services shared by the api, the cron worker and the
// outbox dispatcher.
type Core struct {
	Config  *config.Config
	Logger  *logger.Logger
	DB      *db.Client
	PubSub  *pubsub.Client
	Alerter alerts.Alerter
	Limits  *ratelimit.Registry

	Audit      *audit.DBRecorder
	OutboxRepo *outbox.Repository
	Outbox     *outbox.Service
	Inventory  *inventory.Coordinator
	Orders     *orders.Service
}

// OpenPubSub connects to Pub/Sub when a project and at least one topic are
// configured. A nil client means alerts stay in the logs and pubsub
// subscriptions cannot be delivered.
func OpenPubSub(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*pubsub.Client, error) {
	if strings.TrimSpace(cfg.GCP.ProjectID) == "" || !cfg.PubSub.Enabled() {
		logg.Warn(ctx, "pubsub not configured; alerts are log-only")
		return nil, nil
	}
	return pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
}

// NewCore builds the order, inventory, outbox and audit services on top of an
// open database. pub may be nil.
func NewCore(cfg *config.Config, dbClient *db.Client, pub *pubsub.Client, logg *logger.Logger) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	if dbClient == nil {
		return nil, fmt.Errorf("database client required")
	}

	core := &Core{
		Config:  cfg,
		Logger:  logg,
		DB:      dbClient,
		PubSub:  pub,
		Alerter: NewAlerter(cfg, pub, logg),
		Limits: ratelimit.NewRegistry(ratelimit.Limit{
			PerSecond: cfg.Outbox.RatePerSecond,
			Burst:     cfg.Outbox.Burst,
		}),
	}

	recorder, err := audit.NewDBRecorder(audit.NewRepository(dbClient.DB()), logg)
	if err != nil {
		return nil, fmt.Errorf("audit recorder: %w", err)
	}
	core.Audit = recorder

	core.OutboxRepo = outbox.NewRepository(dbClient.DB())
	core.Outbox = outbox.NewService(core.OutboxRepo, logg)

	coordinator, err := inventory.NewCoordinator(dbClient, logg, inventory.WithEvents(core.Outbox))
	if err != nil {
		return nil, fmt.Errorf("inventory coordinator: %w", err)
	}
	core.Inventory = coordinator

	orderSvc, err := orders.NewService(dbClient, orders.NewRepository(dbClient.DB()), coordinator, core.Outbox, recorder, logg)
	if err != nil {
		return nil, fmt.Errorf("order service: %w", err)
	}
	core.Orders = orderSvc

	return core, nil
}

// NewAlerter always logs; with a pubsub client and an alerts topic it also
// publishes.
func NewAlerter(cfg *config.Config, pub *pubsub.Client, logg *logger.Logger) alerts.Alerter {
	logAlerter := alerts.NewLogAlerter(logg)
	if pub == nil || strings.TrimSpace(cfg.PubSub.AlertsTopic) == "" {
		return logAlerter
	}
	return alerts.Multi{logAlerter, alerts.NewPubSubAlerter(pub, pub.AlertsTopic(), 0, logg)}
}

// NewDispatcher wires the outbox dispatcher with an HTTP deliverer and, when
// pubsub is available, a pubsub deliverer.
func (c *Core) NewDispatcher(m *metrics.OutboxMetrics) (*outbox.Dispatcher, error) {
	ocfg := c.Config.Outbox
	deliverers := map[enums.DeliveryTransport]outbox.Deliverer{
		enums.TransportHTTP: outbox.NewHTTPDeliverer(&http.Client{Timeout: ocfg.DeliveryTimeout}, ocfg.SignatureHeader),
	}
	if c.PubSub != nil {
		deliverers[enums.TransportPubSub] = outbox.NewPubSubDeliverer(c.PubSub)
	}

	params := outbox.DispatcherParams{
		DB:              c.DB,
		Repository:      c.OutboxRepo,
		Deliverers:      deliverers,
		Limits:          c.Limits,
		Alerter:         c.Alerter,
		Logger:          c.Logger,
		BatchSize:       ocfg.BatchSize,
		MaxAttempts:     ocfg.MaxAttempts,
		BackoffCap:      ocfg.BackoffCap,
		DeliveryTimeout: ocfg.DeliveryTimeout,
	}
	if m != nil {
		params.Metrics = m
	}
	return outbox.NewDispatcher(params)
}

// Close releases the pubsub client. The database is owned by the caller.
func (c *Core) Close(ctx context.Context) {
	if c.PubSub == nil {
		return
	}
	if err := c.PubSub.Close(); err != nil {
		c.Logger.Error(ctx, "error closing pubsub client", err)
	}
}
