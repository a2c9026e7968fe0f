package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"eventcore/dedup"
	"eventcore/domain"
	"eventcore/processor"
	"eventcore/sourcing"
	"eventcore/streams"
)

// handleOrder is the domain side of the order consumer. A decode or
// validation failure is a processing failure: the entry is quarantined, not
// retried.
func handleOrder(_ context.Context, env streams.Envelope) error {
	order, err := domain.DecodeOrderEvent(env.Payload)
	if err != nil {
		return err
	}
	log.WithField("order", order.ID).Infof("Processing order for %s, amount %.2f", order.Customer, order.Amount)
	return nil
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("Event core starting")

	cfg := loadSettings()
	client := redis.NewClient(redisOptions(cfg.redisConn))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := streams.NewGroupReader(client, cfg.orderStream, cfg.orderGroup, cfg.orderConsumer, int64(cfg.batchCount), cfg.blockTimeout)
	if err := reader.EnsureGroup(ctx); err != nil {
		log.Fatalf("consumer group: %v", err)
	}
	proc := processor.New(
		cfg.orderStream,
		reader,
		dedup.NewGuard(client, cfg.processedPrefix, cfg.idempotencyTTL),
		streams.NewDeadLetterRouter(client, cfg.orderDLQ),
		streams.NewLagMonitor(client, cfg.orderStream, cfg.orderGroup),
		handleOrder,
		cfg.pollInterval,
	)

	productLog := streams.NewLogStore(client, cfg.productStream)
	snaps := sourcing.NewSnapshotManager(
		client,
		productLog,
		dedup.NewGuard(client, cfg.productFoldPrefix, cfg.productTTL),
		cfg.snapshotHashKey,
		cfg.snapshotAggregate,
	)
	products := sourcing.NewService(
		productLog,
		dedup.NewGuard(client, cfg.productClaimPrefix, cfg.productTTL),
		snaps,
		int64(cfg.snapshotThreshold),
	)

	// Warm the read side so the first query does not pay for a full replay.
	if state, err := products.Reconstruct(ctx); err != nil {
		log.WithError(err).Warn("Could not reconstruct product state at startup")
	} else {
		log.Infof("Reconstructed %d products from snapshot and replay", len(state))
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.metricsAddr, nil); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Metrics endpoint stopped")
		}
	}()

	done := make(chan struct{})
	go func() {
		proc.Run(ctx)
		close(done)
	}()

	<-ctx.Done()
	log.Info("Shutdown signal received, draining")
	<-done

	if err := client.Close(); err != nil {
		log.WithError(err).Warn("Redis close")
	}
	log.Info("Event core stopped")
}
