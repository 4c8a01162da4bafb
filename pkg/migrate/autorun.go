package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/commerce-core/pkg/config"
	"github.com/angelmondragon/commerce-core/pkg/db"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

// OnStartup applies the embedded migrations in dev when COMMERCE_AUTO_MIGRATE
// is set. Everywhere else it only compares the schema version to the newest
// embedded migration and warns when the database is behind; deployed schemas
// move through cmd/migrate.
func OnStartup(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "source": "embedded"})

	if cfg.App.IsDev() && cfg.FeatureFlags.AutoMigrate {
		logg.Info(ctx, "applying embedded migrations (dev auto-run)")
		if err := RunEmbedded(ctx, sqlDB, "up"); err != nil {
			return fmt.Errorf("running goose up: %w", err)
		}
		logg.Info(ctx, "embedded migrations applied")
		return nil
	}

	current, latest, err := SchemaVersions(sqlDB)
	if err != nil {
		logg.Warn(logg.WithField(ctx, "error", err.Error()), "could not read schema version")
		return nil
	}
	if current < latest {
		logg.Warn(logg.WithFields(ctx, map[string]any{
			"schemaVersion":   current,
			"embeddedVersion": latest,
		}), "database schema is behind this build; run cmd/migrate")
	}
	return nil
}

// SchemaVersions returns the applied goose version and the newest embedded one.
func SchemaVersions(sqlDB *sql.DB) (current, latest int64, err error) {
	latest, err = LatestEmbedded()
	if err != nil {
		return 0, 0, err
	}
	if err := prepare(Migrations()); err != nil {
		return 0, 0, err
	}
	defer goose.SetBaseFS(nil)

	current, err = goose.GetDBVersion(sqlDB)
	if err != nil {
		return 0, 0, fmt.Errorf("get db version: %w", err)
	}
	return current, latest, nil
}

// LatestEmbedded is the highest migration version compiled into the binary.
func LatestEmbedded() (int64, error) {
	goose.SetBaseFS(Migrations())
	defer goose.SetBaseFS(nil)

	migrations, err := goose.CollectMigrations(embeddedDir, 0, goose.MaxVersion)
	if err != nil {
		return 0, fmt.Errorf("collect migrations: %w", err)
	}
	last, err := migrations.Last()
	if err != nil {
		return 0, err
	}
	return last.Version, nil
}
