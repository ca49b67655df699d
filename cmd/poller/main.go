package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/tiply/ledger-service/internal/app"
	"github.com/tiply/ledger-service/internal/config"
	"github.com/tiply/ledger-service/internal/logger"
	"github.com/tiply/ledger-service/internal/repo"
	"github.com/tiply/ledger-service/internal/worker"
)

func main() {
	cfg, err := config.Load(app.ConfigPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := app.OpenPostgres(cfg.Postgres)
	if err != nil {
		log.Fatalf("%v", err)
	}
	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("%v", err)
	}
	kw := app.NewKafkaWriter(cfg.Kafka)
	defer kw.Close()

	repository := repo.NewRepository(gdb, rdb, kw, log)
	svc, err := app.NewLedgerService(cfg, repository, rdb, log)
	if err != nil {
		log.Fatalf("ledger service: %v", err)
	}

	relay := worker.NewRelay(repository, cfg.Worker.OutboxBatch, log)
	sweeper := worker.NewSweeper(svc, cfg.Worker.StaleAfter, cfg.Worker.SweepBatch, cfg.Worker.Workers, log)

	log.Info("ledger-poller started")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relay.Run(ctx, cfg.Worker.PollInterval)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx, cfg.Worker.SweepInterval)
	}()
	wg.Wait()
	log.Info("ledger-poller stopped")
}
