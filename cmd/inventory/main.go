package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inventory-tracker/internal/config"
	"inventory-tracker/internal/inventory"
	"inventory-tracker/internal/inventory/cache"
	inventoryhttp "inventory-tracker/internal/inventory/http"
	"inventory-tracker/internal/inventory/hub"
	"inventory-tracker/internal/inventory/messaging"
	"inventory-tracker/internal/inventory/repository"
	"inventory-tracker/internal/inventory/service"
	"inventory-tracker/internal/inventory/validator"

	_ "inventory-tracker/docs"

	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

const (
	metricUpdatesTotal      = "inventory_updates_total"
	metricConflictsTotal    = "inventory_update_conflicts_total"
	metricExhaustedTotal    = "inventory_update_exhausted_total"
	metricHubSubscribers    = "inventory_hub_subscribers"
	metricHubTopics         = "inventory_hub_topics"
	metricHubDeliveredTotal = "inventory_hub_delivered_total"
	metricHubDroppedTotal   = "inventory_hub_dropped_total"
	metricHubStaleTotal     = "inventory_hub_stale_total"
	migrateSourcePrefix     = "file://"
	postgresDriverName      = "postgres"
	redisPingTimeout        = 5 * time.Second
)

type store interface {
	service.Store
	inventoryhttp.HealthChecker
}

// @title        Inventory API
// @version      1.0
// @description  Inventory change ingest with optimistic locking and live change streams.
// @host         localhost:8080
// @BasePath     /
func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	os.Exit(run(logger))
}

func run(logger *slog.Logger) int {
	cfg, err := config.LoadInventory()
	if err != nil {
		logger.Error("load config", "error", err)
		return 1
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger = logger.With("instance_id", instanceID)

	repo, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		return 1
	}
	defer closeStore()

	eventHub := hub.New(hub.Options{
		BufferSize:   cfg.SubscriptionBuffer,
		Policy:       cfg.OverflowPolicy,
		DrainTimeout: cfg.DrainTimeout,
		Logger:       logger,
	})
	defer eventHub.Close()

	metrics := service.Metrics{
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricUpdatesTotal,
			Help: "Total number of committed inventory changes",
		}, []string{"update_type"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricConflictsTotal,
			Help: "Total number of version conflicts seen while applying changes",
		}),
		Exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricExhaustedTotal,
			Help: "Total number of changes rejected after exhausting conflict retries",
		}),
	}
	prometheus.MustRegister(metrics.Updates, metrics.Conflicts, metrics.Exhausted)
	registerHubMetrics(eventHub)

	opts := []service.Option{
		service.WithMaxAttempts(cfg.IngestMaxAttempts),
		service.WithRetryBackoff(cfg.IngestRetryBackoff),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RabbitMQURL != "" {
		rabbitConn, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			logger.Error("connect rabbitmq", "error", err)
			return 1
		}
		defer rabbitConn.Close()

		publisher, err := messaging.NewRabbitPublisher(rabbitConn, inventory.EventsExchange, instanceID)
		if err != nil {
			logger.Error("init publisher", "error", err)
			return 1
		}
		defer publisher.Close()
		opts = append(opts, service.WithPublisher(publisher))

		relay, err := messaging.NewRelay(rabbitConn, inventory.EventsExchange, instanceID, eventHub, logger)
		if err != nil {
			logger.Error("init relay", "error", err)
			return 1
		}
		defer relay.Close()

		go func() {
			if err := relay.Listen(ctx); err != nil {
				logger.Error("relay stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("RABBITMQ_URL not set, events stay on this instance")
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, redisPingTimeout)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Error("ping redis", "error", err)
			return 1
		}
		opts = append(opts, service.WithCache(cache.NewRedis(client, cfg.CacheTTL)))
	}

	svc := service.New(repo, validator.New(), eventHub, logger, metrics, opts...)
	handler := inventoryhttp.NewHandler(svc)
	streams := inventoryhttp.NewStreamHandler(eventHub, svc, logger, inventoryhttp.StreamOptions{
		Heartbeat:      cfg.StreamHeartbeat,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	router := gin.New()
	router.Use(inventoryhttp.RequestIDMiddleware())
	router.Use(inventoryhttp.RecoveryMiddleware(logger))
	router.Use(inventoryhttp.AccessLogMiddleware(logger))
	router.Use(inventoryhttp.CORSMiddleware(cfg.CORSAllowedOrigins))
	inventoryhttp.RegisterRoutes(router, handler, streams, repo)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	// stream handlers only return once their subscription drains
	server.RegisterOnShutdown(eventHub.Close)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("inventory service started", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return 1
	}
	logger.Info("inventory service stopped")
	return exitCode
}

func openStore(cfg config.Inventory, logger *slog.Logger) (store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store, state is lost on restart")
		return repository.NewMemory(), func() {}, nil
	}

	if err := runMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open(postgresDriverName, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.DBPingTimeout)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	return repository.NewPostgres(db), func() { _ = db.Close() }, nil
}

func registerHubMetrics(h *hub.Hub) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: metricHubSubscribers,
			Help: "Number of open change stream subscriptions",
		}, func() float64 { return float64(h.Stats().Subscribers) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: metricHubTopics,
			Help: "Number of topics with at least one subscription",
		}, func() float64 { return float64(h.Stats().Topics) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: metricHubDeliveredTotal,
			Help: "Total number of events queued to subscriptions",
		}, func() float64 { return float64(h.Stats().Delivered) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: metricHubDroppedTotal,
			Help: "Total number of events lost to full subscription queues",
		}, func() float64 { return float64(h.Stats().Dropped) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: metricHubStaleTotal,
			Help: "Total number of stale or duplicate events discarded",
		}, func() float64 { return float64(h.Stats().Stale) }),
	)
}

func runMigrations(databaseURL, migrationsPath string) error {
	m, err := migrate.New(migrateSourcePrefix+migrationsPath, databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}
