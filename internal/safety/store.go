package safety

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/config"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/database"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/risk"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/vault"
)

// Store kinds accepted in loss_limits.store
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// openStore builds the governor's durable store. Store passwords come from
// Vault when it is enabled.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (risk.Store, func() error, error) {
	noop := func() error { return nil }
	kind := cfg.LossLimitConfig.Store

	if kind == StoreMemory || kind == "" {
		return risk.NewMemoryStore(), noop, nil
	}

	creds, err := resolveCredentials(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	switch kind {
	case StoreRedis:
		redisCfg := cfg.RedisConfig
		redisCfg.Password = creds.RedisPassword
		client := database.NewRedisClient(redisCfg)
		store := database.NewRedisDailyPnLStore(ctx, client, logger)
		store.SetReconnectInterval(config.Seconds(redisCfg.ReconnectIntervalSeconds))
		return store, client.Close, nil

	case StorePostgres:
		dbCfg := database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: creds.PostgresPassword,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}
		db, err := database.NewDB(ctx, dbCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return database.NewPostgresDailyPnLStore(db), func() error { db.Close(); return nil }, nil

	case StoreSQLite:
		store, err := database.NewSQLiteDailyPnLStore(cfg.SQLiteConfig.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown loss limit store %q", kind)
}

func resolveCredentials(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (vault.StoreCredentials, error) {
	fallback := vault.StoreCredentials{
		RedisPassword:    cfg.RedisConfig.Password,
		PostgresPassword: cfg.DatabaseConfig.Password,
	}

	client, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return fallback, fmt.Errorf("failed to create vault client: %w", err)
	}
	if !client.IsEnabled() {
		return fallback, nil
	}

	creds, err := client.ResolveStoreCredentials(ctx, fallback)
	if err != nil {
		logger.Warn().Err(err).Msg("Vault lookup failed, using configured store credentials")
		return fallback, nil
	}
	logger.Info().Msg("Store credentials resolved from Vault")
	return creds, nil
}

// SeedStoreCredentials writes the configured store passwords to Vault so later
// starts can resolve them from there.
func SeedStoreCredentials(ctx context.Context, cfg *config.Config) error {
	client, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}
	if err := client.HealthCheck(ctx); err != nil {
		return err
	}
	return client.StoreCredentials(ctx, vault.StoreCredentials{
		RedisPassword:    cfg.RedisConfig.Password,
		PostgresPassword: cfg.DatabaseConfig.Password,
	})
}
