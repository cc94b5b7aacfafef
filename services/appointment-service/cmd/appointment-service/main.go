package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/garagebook/garagebook/libs/config"
	"github.com/garagebook/garagebook/libs/db"
	"github.com/garagebook/garagebook/libs/httpx"
	"github.com/garagebook/garagebook/libs/kafkax"
	"github.com/garagebook/garagebook/libs/lock"
	otelx "github.com/garagebook/garagebook/libs/otel"
	"github.com/garagebook/garagebook/libs/runtime"
	"github.com/garagebook/garagebook/services/appointment-service/internal/appointments"
	"github.com/garagebook/garagebook/services/appointment-service/internal/consumer"
	"github.com/garagebook/garagebook/services/appointment-service/internal/handlers"
	"github.com/garagebook/garagebook/services/appointment-service/internal/inbox"
	"github.com/garagebook/garagebook/services/appointment-service/internal/outbox"
	"github.com/garagebook/garagebook/services/appointment-service/internal/storage"
	"github.com/garagebook/garagebook/services/appointment-service/internal/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// store is everything the service needs from persistence. Postgres and Memory both satisfy it.
type store interface {
	appointments.Store
	tasks.Store
	tasks.PendingSource
	handlers.GarageStore
}

func main() {
	cfg, err := loadSettings()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.Service, config.String("LOG_LEVEL", "info"))

	ctx, stop := runtime.ShutdownContext(logger)
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	var (
		st     store
		inb    consumer.Inbox = inbox.NewMemory()
		checks []runtime.ReadyCheck
	)
	switch cfg.StorageDriver {
	case "memory":
		logger.Warn("using in-memory storage; data is lost on restart and events are not published")
		st = storage.NewMemory()
	default:
		pool, err := db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()

		if cfg.MigrateOnStart {
			if err := db.Migrate(pool, storage.Migrations, "migrations"); err != nil {
				logger.Error("db migration failed", "err", err)
				panic(err)
			}
			logger.Info("db migrations applied")
		}

		outboxRepo := outbox.NewRepository()
		st = storage.NewPostgres(pool, outboxRepo)
		inb = inbox.NewRepository(pool)
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})

		publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
			Brokers:   cfg.KafkaBrokers,
			PollEvery: 2 * time.Second,
			BatchSize: 50,
		})
		go publisher.Run(ctx)
		if len(cfg.KafkaBrokers) > 0 {
			checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
		}
	}

	var (
		locker  lock.Locker = lock.NewKeyed()
		limiter httpx.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		locker = lock.NewRedis(rdb, logger, lock.RedisConfig{Prefix: "garagebook:booking-lock"})
		limiter = httpx.NewRedisLimiter(rdb, cfg.RateLimitPerMinute, time.Minute, "garagebook:ratelimit")
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: lock.ReadyCheck(rdb)})
	} else {
		limiter = httpx.NewMemoryLimiter(cfg.RateLimitPerMinute, time.Minute)
	}

	if len(cfg.KafkaBrokers) > 0 && cfg.GarageTopic != "" {
		garageConsumer := consumer.New(logger, inb, consumer.Config{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
			Topic:   cfg.GarageTopic,
		}, consumer.GarageRegistered(st, logger))
		go garageConsumer.Run(ctx)
	}

	expander := tasks.NewExpander(st, logger, tasks.Config{
		MaxAttempts:     uint(cfg.TaskMaxAttempts),
		InitialInterval: cfg.TaskRetryInitial,
	})
	sweeper := tasks.NewSweeper(st, expander, logger, tasks.SweeperConfig{})
	scheduler := cron.New()
	if _, err := sweeper.Schedule(ctx, scheduler, cfg.SweepSchedule); err != nil {
		logger.Error("invalid EXPANSION_SWEEP_SCHEDULE", "schedule", cfg.SweepSchedule, "err", err)
		panic(err)
	}
	scheduler.Start()

	manager := appointments.NewManager(st, locker, expander, logger, appointments.Options{
		Step:       cfg.SlotStep,
		Location:   cfg.Location,
		CancelMode: cfg.CancelMode,
	})
	apptHandler := handlers.NewAppointmentHandler(manager, logger)
	garageHandler := handlers.NewGarageHandler(st, logger)

	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.HandleFunc("/api/v1/slots", apptHandler.Slots)
	mux.HandleFunc("/api/v1/appointments", apptHandler.List)
	mux.HandleFunc("/api/v1/appointments/book", apptHandler.Book)
	mux.HandleFunc("/api/v1/appointments/cancel", apptHandler.Cancel)
	mux.HandleFunc("/api/v1/appointments/status", apptHandler.UpdateStatus)
	mux.HandleFunc("/api/v1/appointments/detail", apptHandler.Detail)
	mux.HandleFunc("/api/v1/appointments/expansion/retry", apptHandler.RetryExpansion)
	mux.HandleFunc("/api/v1/vehicles/history", apptHandler.History)
	mux.HandleFunc("/api/v1/garages/defaults", garageHandler.Defaults)
	mux.HandleFunc("/api/v1/garages/services", garageHandler.Services)
	mux.HandleFunc("/api/v1/garages/hours", garageHandler.Hours)
	mux.HandleFunc("/api/v1/garages/exceptions", garageHandler.Exceptions)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.RateLimit(limiter, logger, true),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(15*time.Second),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "appointment")
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := startGrpcServer(ctx, logger, cfg.GRPCPort, checks); err != nil {
		logger.Error("grpc server failed to start", "err", err)
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "storage", cfg.StorageDriver, "timezone", cfg.Location.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdown(logger, srv, scheduler, expander)
}

func shutdown(logger *slog.Logger, srv *http.Server, scheduler *cron.Cron, expander *tasks.Expander) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	<-scheduler.Stop().Done()
	if err := expander.Close(shutdownCtx); err != nil {
		logger.Warn("task expansions still running at shutdown; the sweeper will resume them", "err", err)
	}
	logger.Info("http server stopped")
}
