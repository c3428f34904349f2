package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/clanops/rustmap/internal/app"
	"github.com/clanops/rustmap/internal/battlemetrics"
	"github.com/clanops/rustmap/internal/guard"
	"github.com/clanops/rustmap/internal/handler"
	"github.com/clanops/rustmap/internal/infra"
	"github.com/clanops/rustmap/internal/repository"
	"github.com/clanops/rustmap/internal/repository/memrepo"
	"github.com/clanops/rustmap/internal/service"
	"github.com/clanops/rustmap/internal/tracker"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

type database interface {
	repository.TxDB
	infra.Pinger
}

// store bundles the transaction root with the repositories that match it.
type store struct {
	db         database
	profiles   repository.ProfileRepository
	sessions   repository.SessionRepository
	activities repository.ActivityRepository
	outbox     repository.OutboxRepository
	close      func()
}

func openStore(ctx context.Context, cfg *infra.Config, logger *slog.Logger) (*store, error) {
	if cfg.StoreDriver == infra.StoreDriverMemory {
		mem := memrepo.New()
		profiles, sessions, activities, outbox := mem.Repositories()
		logger.Warn("using in-memory store, data is lost on restart")
		return &store{db: mem, profiles: profiles, sessions: sessions, activities: activities, outbox: outbox, close: func() {}}, nil
	}

	if cfg.RunMigrations {
		if err := infra.RunMigrations(cfg.DSN(), cfg.MigrationsDir, logger); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	pool, err := infra.NewPostgresPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	logger.Info("connected to postgres")

	return &store{
		db:         pool,
		profiles:   repository.NewPgProfileRepository(),
		sessions:   repository.NewSessionRepository(),
		activities: repository.NewActivityRepository(),
		outbox:     repository.NewOutboxRepository(),
		close:      pool.Close,
	}, nil
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load config
	cfg, err := infra.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if lvl := cfg.SlogLevel(); lvl != slog.LevelInfo {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
		slog.SetDefault(logger)
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	clock := clockwork.NewRealClock()

	// Tracker + services
	engine := tracker.NewEngine(st.profiles, st.sessions, st.activities, st.outbox, clock, logger)
	hub := infra.NewWSHub(splitOrigins(cfg.CORSAllowedOrigins), logger)
	sessionSvc := service.NewSessionService(st.db, engine, st.profiles, st.sessions, st.activities, hub, logger)
	retentionSvc := service.NewRetentionService(st.db, st.sessions, st.activities, cfg.RetentionDays, clock, logger)

	// Outbox relay to Kafka (drains the outbox even when Kafka is disabled)
	producer := infra.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEnabled, logger)
	defer producer.Close()
	breaker := guard.NewCircuitBreaker(cfg.KafkaBreakerFails, cfg.KafkaBreakerReset, clock)
	relay := infra.NewOutboxRelay(st.db, st.outbox, producer, breaker, cfg.KafkaTopicPrefix,
		cfg.OutboxPollInterval, cfg.OutboxBatchSize, clock, logger)

	if retentionSvc.Enabled() {
		sched, err := retentionSvc.Schedule(ctx, cfg.RetentionScheduleInterval)
		if err != nil {
			return fmt.Errorf("schedule retention: %w", err)
		}
		defer func() {
			if err := sched.Shutdown(); err != nil {
				logger.Warn("retention scheduler shutdown", "error", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	// BattleMetrics feed
	var feed handler.FeedController
	if cfg.FeedEnabled {
		client := battlemetrics.NewClient(battlemetrics.Options{
			URL:              cfg.BattleMetricsWSURL,
			Token:            cfg.BattleMetricsToken,
			MaxAttempts:      cfg.FeedMaxAttempts,
			RetryDelay:       cfg.FeedRetryDelay,
			RecoveryInterval: cfg.FeedRecoveryInterval,
		}, sessionSvc, clock, logger)
		for _, id := range cfg.Servers() {
			// Not connected yet: subscriptions are queued and sent on connect.
			if err := client.Subscribe(ctx, id); err != nil {
				return fmt.Errorf("subscribe %s: %w", id, err)
			}
		}
		feed = client
		g.Go(func() error { return client.Run(gctx) })
	} else {
		logger.Info("battlemetrics feed disabled")
	}

	g.Go(func() error { return relay.Run(gctx) })

	r := app.NewRouter(app.RouterDeps{
		DB:          st.db,
		Service:     sessionSvc,
		Feed:        feed,
		Hub:         hub,
		Logger:      logger,
		CORSOrigins: cfg.CORSAllowedOrigins,
		RateLimit:   cfg.APIRateLimit,
	})

	// Start server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("api server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		hub.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
