package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/angelmondragon/commerce-core/internal/providers"
	"github.com/angelmondragon/commerce-core/internal/webhooks"
	"github.com/angelmondragon/commerce-core/pkg/alerts"
	"github.com/angelmondragon/commerce-core/pkg/config"
	"github.com/angelmondragon/commerce-core/pkg/db"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	"github.com/angelmondragon/commerce-core/pkg/logger"
	"github.com/angelmondragon/commerce-core/pkg/metrics"
	"github.com/angelmondragon/commerce-core/pkg/ratelimit"
	"github.com/angelmondragon/commerce-core/pkg/square"
	"github.com/angelmondragon/commerce-core/pkg/stripe"
)

// newProviderRegistry always registers the manual provider. Stripe and Square
// join only when their credentials are configured.
func newProviderRegistry(ctx context.Context, cfg *config.Config, limits *ratelimit.Registry, logg *logger.Logger) (*providers.Registry, error) {
	registry := providers.NewRegistry(limits, logg)
	if err := registry.Register(providers.NewManualAdapter()); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		client, err := stripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			return nil, fmt.Errorf("stripe client: %w", err)
		}
		adapter, err := providers.NewStripeAdapter(client)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(cfg.Square.AccessToken) != "" {
		client, err := square.NewClient(ctx, cfg.Square, logg)
		if err != nil {
			return nil, fmt.Errorf("square client: %w", err)
		}
		adapter, err := providers.NewSquareAdapter(client)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// newWebhookPipeline registers a verifier per provider. A provider without a
// secret still gets a verifier so its callbacks fail as SecretMissing rather
// than UnsupportedProvider.
func newWebhookPipeline(cfg *config.Config, dbClient *db.Client, handler webhooks.EventHandler, alerter alerts.Alerter, m *metrics.WebhookMetrics, logg *logger.Logger) (*webhooks.Pipeline, error) {
	verifiers := webhooks.NewRegistry()
	verifiers.Register(enums.ProviderStripe, webhooks.NewStripeVerifier(cfg.Webhooks.StripeSecret))
	verifiers.Register(enums.ProviderSquare, webhooks.NewSquareVerifier(cfg.Webhooks.SquareSecret, cfg.Webhooks.SquareNotificationURL))
	verifiers.Register(enums.ProviderManual, webhooks.NewHMACVerifier(enums.ProviderManual, cfg.Webhooks.ManualSecret))

	replay, err := webhooks.NewReplayGuard(dbClient)
	if err != nil {
		return nil, err
	}

	return webhooks.NewPipeline(webhooks.PipelineParams{
		Verifiers: verifiers,
		Replay:    replay,
		Handler:   handler,
		Alerter:   alerter,
		Metrics:   m,
		Logger:    logg,
	})
}
