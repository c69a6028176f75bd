package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/car-relocation/internal/chat"
	"github.com/example/car-relocation/internal/config"
	"github.com/example/car-relocation/internal/dispatch"
	"github.com/example/car-relocation/internal/escrow"
	"github.com/example/car-relocation/internal/eta"
	"github.com/example/car-relocation/internal/events"
	"github.com/example/car-relocation/internal/geo"
	httpapi "github.com/example/car-relocation/internal/http"
	"github.com/example/car-relocation/internal/logging"
	"github.com/example/car-relocation/internal/matcher"
	"github.com/example/car-relocation/internal/models"
	"github.com/example/car-relocation/internal/payments"
	"github.com/example/car-relocation/internal/requests"
	"github.com/example/car-relocation/internal/reviews"
	"github.com/example/car-relocation/internal/storage"
	"github.com/example/car-relocation/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("car-relocation-api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, store)

	var rc *redis.Client
	var g geo.Geo = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc)
		g = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
	}

	est := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), DefaultSpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	ws := dispatch.NewWSRegistry(logger)
	sinks := events.Fanout{ws}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventTopic, cfg.KafkaSampleTopic)
		closers = append(closers, kp)
		sinks = append(sinks, kp)
	}
	if cfg.AMQPURL != "" {
		ap, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		closers = append(closers, ap)
		sinks = append(sinks, ap)
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, dispatch.NewPushDispatcher(cfg.WebhookURL, ws))
	}
	publisher := events.BestEffort{Next: sinks, Logger: logger}

	rs := &requests.Service{Store: store, Geo: g, ETA: est, Events: publisher, Logger: logger}
	ledger := &escrow.Ledger{
		Requests: rs,
		Rails:    paymentRails(cfg, logger),
		Fees:     escrow.FeePolicy{BasisPoints: cfg.PlatformFeeBPS},
		Currency: cfg.Currency,
	}
	rs.Settler = ledger

	if n, err := rs.Reindex(ctx); err != nil {
		logger.Warn("pickup reindex failed", "error", err)
	} else {
		logger.Info("pickup index loaded", "pending", n)
	}

	api := httpapi.NewServer(httpapi.Services{
		Requests: rs,
		Matcher:  &matcher.Service{Requests: rs, Geo: g, ETA: est, RadiusM: cfg.NearbyRadiusM, Limit: cfg.NearbyLimit},
		Ledger:   ledger,
		Chat:     &chat.Channel{Store: store, Events: publisher, Logger: logger},
		Tracker:  &tracking.Tracker{Requests: rs},
		Reviews:  &reviews.Service{Requests: rs},
		WS:       ws,
		Ready: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return fmt.Errorf("store: %w", err)
			}
			if rc != nil {
				if err := rc.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
			}
			return nil
		},
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		logger.Info("car-relocation listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return grp.Wait()
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Info("using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if cfg.RunMigrations {
		applied, err := ps.Migrate(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		logger.Info("migrations applied", "files", applied)
	}
	return ps, nil
}

func paymentRails(cfg config.ServerConfig, logger *slog.Logger) payments.Rails {
	rails := payments.Rails{}
	if cfg.StripeAPIKey != "" {
		rails[models.MethodStripe] = payments.NewStripeGateway(cfg.StripeAPIKey)
	} else {
		logger.Warn("STRIPE_API_KEY not set, card payments use the sandbox rail")
		rails[models.MethodStripe] = payments.NewSandbox("pi_sandbox_")
	}
	if cfg.SwishEndpoint != "" {
		rails[models.MethodSwish] = payments.NewSwishGateway(cfg.SwishEndpoint, cfg.SwishPayeeAlias, nil)
	} else {
		logger.Warn("SWISH_ENDPOINT not set, swish payments use the sandbox rail")
		rails[models.MethodSwish] = payments.NewSandbox("swish_sandbox_")
	}
	return rails
}
