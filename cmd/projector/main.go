package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"
	"github.com/tiply/ledger-service/internal/app"
	"github.com/tiply/ledger-service/internal/config"
	"github.com/tiply/ledger-service/internal/graph"
	"github.com/tiply/ledger-service/internal/logger"
	"github.com/tiply/ledger-service/internal/projection"
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

	client, err := graph.NewNeo4jClient(ctx, graph.Options{
		URI:            cfg.Neo4j.URI,
		Database:       cfg.Neo4j.Database,
		Username:       cfg.Neo4j.Username,
		Password:       cfg.Neo4j.Password,
		MaxConnections: cfg.Neo4j.MaxConnections,
	})
	if err != nil {
		log.Fatalf("graph: %v", err)
	}
	defer client.Close(context.Background())

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
		GroupID: cfg.Kafka.GroupID,
	})
	defer reader.Close()

	log.Infow("ledger-projector started", "topic", cfg.Kafka.Topic, "group", cfg.Kafka.GroupID)
	if err := projection.NewProjector(client, log).Consume(ctx, reader); err != nil {
		log.Fatalf("consume: %v", err)
	}
	log.Info("ledger-projector stopped")
}
