// Package app wires configuration into the clients every binary needs.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/tiply/ledger-service/internal/chain"
	"github.com/tiply/ledger-service/internal/config"
	"github.com/tiply/ledger-service/internal/rail"
	"github.com/tiply/ledger-service/internal/repo"
	"github.com/tiply/ledger-service/internal/service"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// DefaultConfigPath is used when TIPLY_CONFIG is unset.
const DefaultConfigPath = "internal/config/config.yaml"

// ConfigPath returns the config file to load.
func ConfigPath() string {
	if p := os.Getenv("TIPLY_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

func OpenPostgres(cfg config.PostgresConfig) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return gdb, nil
}

func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewKafkaWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// NewRail picks the rail driver named in config.
func NewRail(cfg config.RailConfig, log *zap.SugaredLogger) (rail.Client, error) {
	switch cfg.Driver {
	case "circle":
		c, err := rail.NewCircleClient(rail.CircleOptions{
			BaseURL:      cfg.BaseURL,
			APIKey:       cfg.APIKey,
			EntitySecret: cfg.EntitySecret,
			Blockchain:   cfg.Blockchain,
			TokenAddress: cfg.TokenAddress,
		}, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "sandbox", "":
		log.Warn("using the sandbox rail; no funds will move")
		return rail.NewSandbox(cfg.SandboxDelay), nil
	default:
		return nil, fmt.Errorf("unknown rail driver %q", cfg.Driver)
	}
}

// NewLedgerService builds the ledger core on top of an opened database and
// Redis client.
func NewLedgerService(cfg *config.Config, repository *repo.Repository, rdb *redis.Client, log *zap.SugaredLogger) (*service.LedgerService, error) {
	opts, err := service.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	rl, err := NewRail(cfg.Rail, log)
	if err != nil {
		return nil, err
	}
	verifier := chain.NewSolanaVerifier(cfg.Chain.RPCEndpoint, cfg.Chain.Commitment)
	locker := repo.NewRedisLocker(rdb, "")
	return service.NewLedgerService(repository, rl, verifier, locker, opts, log), nil
}
