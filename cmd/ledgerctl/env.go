package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tiply/ledger-service/internal/app"
	"github.com/tiply/ledger-service/internal/config"
	"github.com/tiply/ledger-service/internal/logger"
	"github.com/tiply/ledger-service/internal/repo"
	"github.com/tiply/ledger-service/internal/service"
)

// env is what every command needs once the config is loaded.
type env struct {
	cfg  *config.Config
	log  *zap.SugaredLogger
	rdb  *redis.Client
	repo *repo.Repository
	svc  *service.LedgerService
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = app.ConfigPath()
	}
	return config.Load(path)
}

func openEnv(ctx context.Context, cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	gdb, err := app.OpenPostgres(cfg.Postgres)
	if err != nil {
		return nil, err
	}
	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	repository := repo.NewRepository(gdb, rdb, nil, log)
	svc, err := app.NewLedgerService(cfg, repository, rdb, log)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &env{cfg: cfg, log: log, rdb: rdb, repo: repository, svc: svc}, nil
}

func (e *env) Close() {
	_ = e.rdb.Close()
	_ = e.log.Sync()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
