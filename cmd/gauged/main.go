package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"

	httpadapter "github.com/couchcryptid/river-gauge-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/river-gauge-service/internal/adapter/kafka"
	"github.com/couchcryptid/river-gauge-service/internal/adapter/usgs"
	"github.com/couchcryptid/river-gauge-service/internal/config"
	"github.com/couchcryptid/river-gauge-service/internal/domain"
	"github.com/couchcryptid/river-gauge-service/internal/observability"
	"github.com/couchcryptid/river-gauge-service/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	client := usgs.NewClient(cfg.USGSBaseURL, cfg.USGSTimeout, metrics, logger)
	stats := usgs.NewCachedStatistics(client, cfg.StatsCacheSize, clock, cfg.Location, metrics)

	sched := scheduler.New(client, stats, scheduler.Config{
		Sites:    domain.MonitoredSites,
		Interval: cfg.RefreshInterval,
		Timeout:  cfg.RefreshTimeout,
		Location: cfg.Location,
		Clock:    clock,
	}, logger, metrics)

	// Kafka publishing is feature-flagged via KAFKA_ENABLED / KAFKA_BROKERS.
	var publisher *kafkaadapter.Publisher
	if cfg.KafkaEnabled {
		publisher = kafkaadapter.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger, metrics)
		sched.Subscribe(publisher.HandleSnapshot)
		logger.Info("kafka publishing enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	} else {
		logger.Info("kafka publishing disabled")
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, sched, httpadapter.Options{
		Title:           cfg.DashboardTitle,
		RefreshInterval: cfg.RefreshInterval,
		Location:        cfg.Location,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sched.Run(ctx); err != nil {
			logger.Error("scheduler error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop before shutdown timeout")
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka publisher close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
