package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hilthontt/relay/internal/infrastructure/configs"
	"github.com/hilthontt/relay/internal/infrastructure/events"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
	"github.com/hilthontt/relay/internal/infrastructure/messaging"
	"github.com/hilthontt/relay/internal/infrastructure/metrics"
	"github.com/hilthontt/relay/internal/infrastructure/ratelimiter"
	"github.com/hilthontt/relay/internal/infrastructure/registry"
	"github.com/hilthontt/relay/internal/infrastructure/session"
	"github.com/hilthontt/relay/internal/infrastructure/tracing"
	"github.com/hilthontt/relay/internal/infrastructure/ws"
	"github.com/hilthontt/relay/internal/persistence/db"
	"github.com/hilthontt/relay/internal/persistence/repository"
	"github.com/hilthontt/relay/internal/presentation/api"
	"github.com/hilthontt/relay/internal/presentation/handler/admin"
	"github.com/hilthontt/relay/internal/presentation/handler/health"
	"github.com/hilthontt/relay/internal/presentation/handler/realtime"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := configs.Load(configs.DetermineConfigPath())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.NewLogger(loggerConfig(cfg.Logger))
	serverID := fmt.Sprintf("%s-%s", cfg.Server.Role, uuid.NewString())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.Tracing, serverID)
	if err != nil {
		logger.Fatal(logging.General, logging.Startup, "failed to initialize the tracer", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}

	m := metrics.New()

	broker := messaging.NewBroker(cfg.RabbitMQ, serverID, logger, m)
	if err := broker.Connect(ctx); err != nil {
		logger.Fatal(logging.RabbitMQ, logging.Startup, "failed to connect to rabbitmq", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}

	validator, closeSource := newValidator(cfg, logger, m)
	audit, closeAudit := newAuditTrail(ctx, cfg.Mongo, logger)

	core := ws.NewCore(ws.Deps{
		Publisher: events.NewEnvelopePublisher(broker),
		Binder:    broker,
		Registry:  registry.New(),
		Limiter: ratelimiter.New(ratelimiter.Options{
			MaxRatePerSecond: cfg.Realtime.EventsPerSecond,
			MaxBurst:         cfg.Realtime.EventBurst,
		}),
		Audit:   audit,
		Logger:  logger,
		Metrics: m,
	})

	consumer := events.NewEnvelopeConsumer(broker, core)
	if err := consumer.Listen(ctx); err != nil {
		logger.Fatal(logging.RabbitMQ, logging.Startup, "failed to start consuming", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}

	app := api.NewApplication(
		*cfg,
		health.NewHandler(broker, core, serverID),
		realtime.NewHandler(cfg.Realtime, validator, core, audit, logger, m),
		admin.NewHandler(core, core, validator, logger),
		m,
		logger,
		ratelimiter.New(ratelimiter.Options{
			MaxRatePerSecond: cfg.RateLimiter.MaxRatePerSecond,
			MaxBurst:         cfg.RateLimiter.MaxBurst,
			CacheTTL:         cfg.RateLimiter.CacheTTL,
			SourceHeaderKey:  cfg.RateLimiter.SourceHeaderKey,
		}),
	)

	logger.Info(logging.General, logging.Startup, "relay started", map[logging.ExtraKey]any{
		logging.ServerID: serverID,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Run(gctx, app.Mount())
	})
	g.Go(func() error {
		<-gctx.Done()

		cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Clients go first so their offline presence is still published.
		core.Shutdown(cleanupCtx)
		return errors.Join(
			consumer.Stop(),
			broker.Close(),
			closeAudit(cleanupCtx),
			closeSource(),
			shutdownTracer(cleanupCtx),
		)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal(logging.General, logging.Shutdown, "relay stopped with error", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}

	logger.Info(logging.General, logging.Shutdown, "relay stopped", map[logging.ExtraKey]any{
		logging.ServerID: serverID,
	})
}

func loggerConfig(cfg configs.LoggerConfig) *logging.LoggerConfig {
	out := logging.NewDefaultConfig()
	out.Logger = cfg.Logger
	out.Level = cfg.Level
	out.Encoding = cfg.Encoding
	out.FilePath = cfg.FilePath
	return out
}

func newValidator(cfg *configs.Config, logger logging.Logger, m *metrics.Metrics) (*session.Validator, func() error) {
	var (
		source  session.Source
		closeFn = func() error { return nil }
	)

	switch cfg.Session.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		source = session.NewRedisSource(client, cfg.Session.RedisPrefix)
		closeFn = client.Close
	default:
		source = session.NewHTTPSource(cfg.Session.ValidationURL, cfg.Session.RequestTimeout, logger)
	}

	validator := session.NewValidator(source, session.Options{
		CacheTTL:      cfg.Session.CacheTTL,
		LookupTimeout: cfg.Session.RequestTimeout,
	}, logger, m)
	return validator, func() error {
		validator.Close()
		return closeFn()
	}
}

// newAuditTrail returns a nil trail when MongoDB is disabled or unreachable.
func newAuditTrail(ctx context.Context, cfg configs.MongoConfig, logger logging.Logger) (ws.AuditTrail, func(context.Context) error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return nil, noop
	}

	client, err := db.NewMongoClient(ctx, cfg, logger)
	if err != nil {
		logger.Error(logging.MongoDB, logging.Startup, "audit trail disabled", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
		return nil, noop
	}

	repo := repository.NewConnectionAuditLogRepository(client.Database(cfg.Database))
	if err := repo.EnsureIndexes(ctx); err != nil {
		logger.Warn(logging.MongoDB, logging.Startup, "failed to ensure audit indexes", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}

	writer := repository.NewAuditWriter(repo, logger, 0)
	return writer, func(ctx context.Context) error {
		return errors.Join(writer.Close(ctx), db.DisconnectMongo(ctx, client, logger))
	}
}
