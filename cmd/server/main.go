package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	jsonhandler "github.com/apex/log/handlers/json"
	texthandler "github.com/apex/log/handlers/text"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"emergency-orchestrator/internal/api"
	"emergency-orchestrator/internal/config"
	"emergency-orchestrator/internal/dispatch"
	"emergency-orchestrator/internal/emergency"
	"emergency-orchestrator/internal/ingest"
	"emergency-orchestrator/internal/metrics"
	"emergency-orchestrator/internal/notify"
	"emergency-orchestrator/internal/platform/rabbitmq"
	"emergency-orchestrator/internal/platform/telegram"
	"emergency-orchestrator/internal/report"
	"emergency-orchestrator/internal/scoring"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	setupLogging(cfg)

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		log.SetHandler(jsonhandler.New(os.Stderr))
	} else {
		log.SetHandler(texthandler.New(os.Stderr))
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	// 1. Infrastructure
	repo, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ledger := dispatch.NewMemoryLedger()
	if cfg.RedisURL != "" {
		rdb, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		ledger = dispatch.NewRedisLedger(rdb, 0)
		log.Info("dispatch ledger backed by redis")
	}

	var publisher *rabbitmq.Publisher
	if cfg.AMQPURL != "" {
		publisher, err = rabbitmq.NewPublisher(cfg.AMQPURL, cfg.NotifyExchange)
		if err != nil {
			return err
		}
		defer publisher.Close()
	}

	// 2. Clients
	var oracle scoring.Oracle = scoring.NewRuleOracle()
	if cfg.ScoringOracle == "http" {
		oracle = scoring.NewHTTPOracle(cfg.ScoringEndpoint, cfg.ScoringAPIKey)
	}
	scorer := scoring.NewGateway(oracle, scoring.Config{
		Timeout:     cfg.ScoringTimeout,
		MaxAttempts: cfg.ScoringMaxAttempts,
	})

	legCfg := dispatch.Config{MaxAttempts: cfg.LegMaxAttempts}
	corridor := dispatch.NewCorridorCoordinator(dispatch.NewHTTPSink(cfg.CorridorEndpoint), ledger, legCfg)
	hospital := dispatch.NewHospitalCoordinator(dispatch.NewHTTPSink(cfg.HospitalEndpoint), ledger, legCfg)

	channels := []notify.Channel{notify.NewLogChannel()}
	if publisher != nil {
		channels = append(channels, notify.NewBrokerChannel(publisher))
	}
	if cfg.TelegramBotToken != "" {
		tg := telegram.NewClient(cfg.TelegramBotToken)
		channels = append(channels, notify.NewTelegramChannels(tg, cfg.OperationsChatID, cfg.FamilyChatID)...)
		channels = append(channels, report.NewService(tg, cfg.OperationsChatID))
		if cfg.OperationsChatID == 0 {
			log.Warn("OPERATIONS_CHAT_ID is not set; operator messages and reports are skipped")
		}
	}
	notifier := notify.New(channels, notify.Config{})

	// 3. Services
	orchestrator := emergency.NewOrchestrator(repo, scorer, corridor, hospital, notifier, emergency.Config{
		Policy: emergency.DecisionPolicy{
			Threshold:     emergency.EscalationThreshold,
			MinConfidence: cfg.MinConfidence,
		},
		DispatchTimeout: cfg.DispatchTimeout,
		StaleAfter:      cfg.StaleAfter,
	})
	orchestrator.StartRecovery(cfg.RecoveryInterval)

	router := ingest.NewRouter(orchestrator, ingest.Config{
		MinDetectionConfidence: cfg.MinDetectionConfidence,
		DetectionRate:          cfg.DetectionRate,
	})

	var subscriber *rabbitmq.Subscriber
	if cfg.AMQPURL != "" {
		subscriber, err = rabbitmq.NewSubscriber(cfg.AMQPURL, cfg.DetectionExchange, cfg.DetectionQueue, cfg.FeedWorkers)
		if err != nil {
			return err
		}
		if err := subscriber.Start(ingest.FeedCallbacks(router, 0)); err != nil {
			return err
		}
		log.WithFields(log.Fields{"exchange": cfg.DetectionExchange, "queue": cfg.DetectionQueue}).Info("detection feed consumer started")
	}

	// 4. Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		api.RegisterRoutes(r, api.NewHandler(router, orchestrator))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	// 5. Shutdown: stop intake first, then let running cases settle.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if subscriber != nil {
		if err := subscriber.Close(); err != nil {
			log.WithError(err).Warn("detection feed shutdown")
		}
	}
	if err := orchestrator.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("cases left for recovery")
	}
	if err := notifier.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("pending notifications dropped")
	}
	log.Info("server stopped")
	return nil
}

// openStore returns the case repository selected by STORE and a close func.
func openStore(ctx context.Context, cfg *config.Config) (emergency.Repository, func(), error) {
	switch cfg.Store {
	case "memory":
		log.Warn("using in-memory store; cases are lost on restart")
		return emergency.NewMemoryRepository(), func() {}, nil

	case "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		// A single writer avoids SQLITE_BUSY on concurrent case updates.
		db.SetMaxOpenConns(1)
		repo, err := emergency.NewSQLiteRepository(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		log.WithField("path", cfg.SQLitePath).Info("connected to sqlite")
		return repo, func() { db.Close() }, nil

	default:
		db, err := connectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			if err := runMigrations(cfg.MigrationsPath, cfg.DatabaseURL); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		return emergency.NewRepository(db), func() { db.Close() }, nil
	}
}

func connectPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Simple retry logic for DB connection
	const attempts = 10
	for i := 1; i <= attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			log.Info("connected to database")
			return db, nil
		}
		log.Infof("waiting for database... (%d/%d)", i, attempts)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	db.Close()
	return nil, fmt.Errorf("could not connect to database: %w", err)
}

func runMigrations(source, dsn string) error {
	m, err := migrate.New(source, dsn)
	if err != nil {
		return fmt.Errorf("migration init failed: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	log.Info("migrations applied")
	return nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}
