package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"clinic-queue/config"
	"clinic-queue/internal/handlers"
	"clinic-queue/internal/jobs"
	"clinic-queue/internal/realtime"
	"clinic-queue/internal/services"
	"clinic-queue/internal/store"
	"clinic-queue/internal/store/memory"
	"clinic-queue/internal/store/postgres"
	"clinic-queue/internal/store/redisstore"
	"clinic-queue/internal/telemetry"
	"clinic-queue/models"
	"clinic-queue/monitoring"
	"clinic-queue/security"
	"clinic-queue/utils"

	_ "clinic-queue/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// backends is everything Start builds before the HTTP server comes up.
type backends struct {
	redis    *redis.Client
	pg       *pgxpool.Pool
	store    store.SessionStore
	queue    jobs.Queue
	locker   jobs.Locker
	schedule jobs.ScheduleStore
	pubnub   *pubnub.PubNub
}

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With("instance", cfg.InstanceID))

	shutdownTracing := telemetry.Setup(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	// Jobs
	scheduler := jobs.NewScheduler(b.queue, b.schedule, b.locker, time.Minute)
	queueService := services.NewQueueService(b.store, scheduler, cfg)

	// Realtime
	hub := realtime.NewHub()
	distributor, err := newDistributor(cfg, hub, b)
	if err != nil {
		return err
	}

	recalculation := services.NewRecalculationService(b.store, scheduler, b.locker, distributor, cfg)
	noShow := services.NewNoShowPolicy(b.store, queueService, scheduler, cfg)
	var notifier services.Notifier = services.LogNotifier{}
	if b.pubnub != nil {
		notifier = services.NewPubNubNotifier(b.pubnub)
	}
	registry, err := services.BuildRegistry(recalculation, noShow, notifier, services.LogReconciler{})
	if err != nil {
		return err
	}
	worker := jobs.NewWorker(b.queue, registry, cfg)

	resolver := realtime.ChainResolver{realtime.NewPocketBaseResolver(app)}
	if cfg.AuthJWTSecret != "" {
		resolver = append(resolver, realtime.NewJWTResolver(cfg.AuthJWTSecret))
	}
	socketServer := realtime.NewSocketServer(hub, queueService, resolver)

	// Handlers
	sessionHandler := handlers.NewSessionHandler(queueService)
	adminHandler := handlers.NewAdminHandler(b.queue, scheduler)
	healthHandler := handlers.NewHealthHandler(b.healthChecks())
	limiter := security.NewRateLimiter(b.redis, cfg.StaffRateLimitPerMinute)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	var monitor *monitoring.Monitor
	if cfg.EnableMetrics {
		monitor = monitoring.NewMonitor(b.queue, b.store, cfg.MetricsInterval)
	}

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		if err := startBackground(ctx, cfg, worker, scheduler, distributor, monitor); err != nil {
			return err
		}
		syncSessionsFromCollection(se.App, queueService)

		api := se.Router.Group("/api/v1")
		api.Bind(apis.RequireAuth())

		// Session endpoints
		api.POST("/sessions", sessionHandler.CreateSession).BindFunc(limiter.Middleware)
		api.GET("/sessions/{sessionId}", sessionHandler.GetSession)
		api.GET("/sessions/{sessionId}/eta", sessionHandler.GetEta)
		api.POST("/sessions/{sessionId}/open", sessionHandler.OpenSession).BindFunc(limiter.Middleware)
		api.POST("/sessions/{sessionId}/close", sessionHandler.CloseSession).BindFunc(limiter.Middleware)
		api.POST("/sessions/{sessionId}/recalculate", sessionHandler.Recalculate).BindFunc(limiter.Middleware)

		// Token endpoints
		api.POST("/sessions/{sessionId}/tokens", sessionHandler.BookToken).BindFunc(limiter.Middleware)
		api.POST("/sessions/{sessionId}/tokens/{tokenNumber}/advance", sessionHandler.AdvanceToken).BindFunc(limiter.Middleware)

		// Admin endpoints
		admin := api.Group("/admin")
		admin.BindFunc(handlers.RequireAdmin)
		admin.GET("/jobs", adminHandler.JobStats)
		admin.GET("/jobs/dead", adminHandler.ListDeadLetters)

		// Realtime channel
		socket := otelhttp.NewHandler(socketServer.Handler("/realtime"), "realtime")
		se.Router.Any("/realtime/{path...}", apis.WrapStdHandler(socket))

		if cfg.EnableMetrics {
			se.Router.GET("/metrics", apis.WrapStdHandler(promhttp.Handler()))
		}
		se.Router.GET("/health", healthHandler.Health)

		slog.Info("Server routes registered", "store", cfg.StoreBackend, "fanout", cfg.FanOutBus)

		return se.Next()
	})

	setupSessionHooks(app, queueService)

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		slog.Info("Shutdown signal received, cleaning up...")
		cancel()
		worker.Shutdown(cfg.JobTimeout)
		scheduler.Stop()
		if err := distributor.Close(); err != nil {
			slog.Warn("Closing distributor", "error", err)
		}
		if monitor != nil {
			monitor.Stop()
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("Flushing traces", "error", err)
		}
		return e.Next()
	})

	// Start server
	return app.Start()
}

func startBackground(ctx context.Context, cfg *config.Config, worker *jobs.Worker, scheduler *jobs.Scheduler, distributor realtime.Distributor, monitor *monitoring.Monitor) error {
	if err := worker.Start(ctx); err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	if err := scheduler.ScheduleRecurring(ctx, models.JobEtaRecalculation, cfg.QueueSweepCron); err != nil {
		return fmt.Errorf("schedule recalculation sweep: %w", err)
	}
	if err := scheduler.ScheduleRecurring(ctx, models.JobAutoNoShow, cfg.NoShowSweepCron); err != nil {
		return fmt.Errorf("schedule no-show sweep: %w", err)
	}
	// A bus that is down at boot leaves this instance in local-only mode.
	if err := distributor.Start(ctx); err != nil {
		slog.Warn("Fan-out bus unavailable, serving local subscribers only", "error", err)
	}
	if monitor != nil {
		monitor.Start()
	}
	return nil
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	needsRedis := cfg.StoreBackend == config.StoreRedis || cfg.FanOutBus == config.BusRedis ||
		(cfg.StoreBackend == config.StorePostgres && cfg.RedisURL != "")
	if needsRedis {
		client, err := utils.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisPoolSize)
		if err != nil {
			return nil, err
		}
		b.redis = client
	}

	switch cfg.StoreBackend {
	case config.StoreMemory:
		b.store = memory.NewStore()
	case config.StoreRedis:
		b.store = redisstore.NewStore(b.redis)
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.pg = pool
		pgStore := postgres.NewStore(pool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			b.close()
			return nil, err
		}
		b.store = pgStore
	default:
		b.close()
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	if b.redis != nil {
		b.queue = jobs.NewRedisQueue(b.redis, cfg.InstanceID)
		b.locker = jobs.NewRedisLocker(b.redis)
		b.schedule = jobs.NewRedisScheduleStore(b.redis)
	} else {
		b.queue = jobs.NewMemoryQueue()
		b.locker = jobs.NewLocalLocker()
		b.schedule = jobs.NewMemoryScheduleStore()
	}

	if cfg.PubNubPublishKey != "" && cfg.PubNubSubscribeKey != "" {
		pnConfig := pubnub.NewConfig()
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		pnConfig.SecretKey = cfg.PubNubSecretKey
		pnConfig.UUID = cfg.InstanceID
		b.pubnub = pubnub.NewPubNub(pnConfig)
	}

	slog.Info("Backends ready", "store", cfg.StoreBackend, "shared_jobs", b.redis != nil)
	return b, nil
}

// newDistributor picks the fan-out bus once at startup.
func newDistributor(cfg *config.Config, hub *realtime.Hub, b *backends) (realtime.Distributor, error) {
	switch cfg.FanOutBus {
	case config.BusNone, "":
		return realtime.NewLocalOnlyDistributor(hub), nil
	case config.BusRedis:
		return realtime.NewFanOutDistributor(hub, realtime.NewRedisBus(b.redis, cfg.FanOutChannel), cfg.InstanceID), nil
	case config.BusPubNub:
		if b.pubnub == nil {
			return nil, fmt.Errorf("FANOUT_BUS=pubnub requires PUBNUB_PUBLISH_KEY and PUBNUB_SUBSCRIBE_KEY")
		}
		return realtime.NewFanOutDistributor(hub, realtime.NewPubNubBus(b.pubnub, cfg.FanOutChannel), cfg.InstanceID), nil
	case config.BusAMQP:
		bus, err := realtime.NewAMQPBus(cfg.AMQPURL, cfg.FanOutChannel)
		if err != nil {
			monitoring.TrackDistributionDegraded(config.BusAMQP)
			slog.Warn("AMQP broker unreachable, serving local subscribers only", "error", err)
			return realtime.NewLocalOnlyDistributor(hub), nil
		}
		return realtime.NewFanOutDistributor(hub, bus, cfg.InstanceID), nil
	}
	return nil, fmt.Errorf("unknown FANOUT_BUS %q", cfg.FanOutBus)
}

func (b *backends) healthChecks() map[string]func(ctx context.Context) error {
	checks := map[string]func(ctx context.Context) error{}
	if b.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return utils.RedisHealthCheck(ctx, b.redis) }
	}
	if b.pg != nil {
		checks["postgres"] = b.pg.Ping
	}
	return checks
}

func (b *backends) close() {
	if b.pg != nil {
		b.pg.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}
