package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/tiply/ledger-service/internal/app"
	"github.com/tiply/ledger-service/internal/config"
	"github.com/tiply/ledger-service/internal/logger"
	"github.com/tiply/ledger-service/internal/repo"
	httptransport "github.com/tiply/ledger-service/internal/transport/http"
)

func main() {
	// 1. load config
	cfg, err := config.Load(app.ConfigPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. postgres
	gdb, err := app.OpenPostgres(cfg.Postgres)
	if err != nil {
		log.Fatalf("%v", err)
	}

	// 4. redis
	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("%v", err)
	}

	// 5. repo & service; the server only writes the outbox, the poller publishes
	repository := repo.NewRepository(gdb, rdb, nil, log)
	if err := repository.AutoMigrate(); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}
	svc, err := app.NewLedgerService(cfg, repository, rdb, log)
	if err != nil {
		log.Fatalf("ledger service: %v", err)
	}

	// 6. gin router
	router := httptransport.NewRouter(svc, httptransport.RouterConfig{
		RateLimit: cfg.RateLimit,
		Auth:      cfg.Auth,
		Probes: map[string]httptransport.Probe{
			"postgres": func(ctx context.Context) error {
				sqlDB, err := gdb.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	}, log)

	// 7. serve until signalled
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Infof("ledger-server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	_ = rdb.Close()
	log.Info("ledger-server stopped")
}
