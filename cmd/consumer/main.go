package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/example/car-relocation/internal/config"
	"github.com/example/car-relocation/internal/logging"
	"github.com/example/car-relocation/internal/observability"
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("car-relocation-consumer", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("consumer stopped")
}

func run(ctx context.Context, cfg config.ConsumerConfig, logger *slog.Logger) error {
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.KafkaBrokers,
		GroupTopics: []string{cfg.KafkaSampleTopic, cfg.KafkaEventTopic},
		GroupID:     cfg.KafkaGroup,
		MinBytes:    10e3,
		MaxBytes:    10e6,
	})
	store := redisLiveStore{c: rc}
	defer reader.Close()

	ops := &http.Server{Addr: cfg.MetricsAddr, Handler: opsMux(rc), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ops server listening", "addr", cfg.MetricsAddr)
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("consuming trip samples", "sample_topic", cfg.KafkaSampleTopic, "event_topic", cfg.KafkaEventTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
		consume(gctx, reader, store, cfg, logger)
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(cfg.PruneInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
			}
			n, err := pruneLive(gctx, store, cfg.RedisLiveKey)
			if err != nil {
				logger.Warn("live position prune failed", "error", err)
			}
			if n > 0 {
				logger.Info("pruned stale live positions", "trips", n)
			}
		}
	})
	return g.Wait()
}

func opsMux(rc *redis.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// consume runs until ctx ends. Read errors back off up to maxBackoff; bad
// messages and failed writes are counted and skipped.
func consume(ctx context.Context, reader *kafka.Reader, store LiveStore, cfg config.ConsumerConfig, logger *slog.Logger) {
	const maxBackoff = 30 * time.Second
	backoff := time.Second

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		if m.Topic == cfg.KafkaEventTopic {
			handleTripEnd(ctx, store, cfg.RedisLiveKey, m, logger)
			continue
		}
		pos, err := decodePosition(m.Value)
		if err != nil {
			observability.ConsumerMessages.WithLabelValues("invalid").Inc()
			logger.Warn("dropping trip sample", "partition", m.Partition, "offset", m.Offset, "error", err)
			continue
		}
		if err := recordPosition(ctx, store, cfg.RedisLiveKey, pos, 3, 200*time.Millisecond); err != nil {
			observability.ConsumerMessages.WithLabelValues("store_error").Inc()
			logger.Error("live position not stored", "trip_id", pos.TripID, "error", err)
			continue
		}
		observability.ConsumerMessages.WithLabelValues("ok").Inc()
	}
}

func handleTripEnd(ctx context.Context, store LiveStore, liveKey string, m kafka.Message, logger *slog.Logger) {
	tripID, ok, err := decodeTripEnd(m.Value)
	if err != nil {
		observability.ConsumerMessages.WithLabelValues("invalid").Inc()
		logger.Warn("dropping lifecycle event", "partition", m.Partition, "offset", m.Offset, "error", err)
		return
	}
	if !ok {
		return
	}
	if err := store.Forget(ctx, liveKey, tripID); err != nil {
		observability.ConsumerMessages.WithLabelValues("store_error").Inc()
		logger.Error("live position not removed", "trip_id", tripID, "error", err)
		return
	}
	observability.ConsumerMessages.WithLabelValues("ended").Inc()
}
