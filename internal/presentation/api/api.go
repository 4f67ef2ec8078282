package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hilthontt/relay/internal/infrastructure/configs"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
	"github.com/hilthontt/relay/internal/infrastructure/metrics"
	"github.com/hilthontt/relay/internal/infrastructure/ratelimiter"
	adminHandler "github.com/hilthontt/relay/internal/presentation/handler/admin"
	healthHandler "github.com/hilthontt/relay/internal/presentation/handler/health"
	realtimeHandler "github.com/hilthontt/relay/internal/presentation/handler/realtime"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Application struct {
	config          configs.Config
	healthHandler   *healthHandler.Handler
	realtimeHandler *realtimeHandler.Handler
	adminHandler    *adminHandler.Handler
	metrics         *metrics.Metrics
	logger          logging.Logger
	ratelimiter     ratelimiter.Limiter
}

func NewApplication(
	config configs.Config,
	healthHandler *healthHandler.Handler,
	realtimeHandler *realtimeHandler.Handler,
	adminHandler *adminHandler.Handler,
	metrics *metrics.Metrics,
	logger logging.Logger,
	ratelimiter ratelimiter.Limiter,
) *Application {
	return &Application{
		config:          config,
		healthHandler:   healthHandler,
		realtimeHandler: realtimeHandler,
		adminHandler:    adminHandler,
		metrics:         metrics,
		logger:          logger,
		ratelimiter:     ratelimiter,
	}
}

func (app *Application) Mount() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(app.loggerMiddleware)
	r.Use(app.prometheusMiddleware)
	r.Use(app.rateLimiterMiddleware)
	r.Use(app.enableCors)

	// Long-lived upgrade route: no request timeout and no span around it.
	realtimePath := app.config.Realtime.Path
	if realtimePath == "" {
		realtimePath = "/ws"
	}
	r.Get(realtimePath, app.realtimeHandler.Connect)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(otelhttp.NewMiddleware("relay"))

		r.Get("/health", app.healthHandler.GetHealth)
		r.Get("/healthz", app.healthHandler.GetHealth)
		r.Method(http.MethodGet, "/metrics", app.metrics.Handler())

		r.Route("/internal", func(r chi.Router) {
			r.Use(app.internalAuth)

			r.Post("/users/{userId}/events", app.adminHandler.EmitToUser)
			r.Post("/rooms/{roomId}/events", app.adminHandler.EmitToRoom)
			r.Post("/announcements", app.adminHandler.Announce)
			r.Delete("/sessions", app.adminHandler.ClearSessions)
			r.Delete("/sessions/{token}", app.adminHandler.InvalidateSession)
			r.Get("/presence", app.adminHandler.GetPresence)
		})
	})

	return r
}

// Run serves until ctx is cancelled, then shuts the listener down.
func (app *Application) Run(ctx context.Context, mux http.Handler) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", app.config.HTTP.Host, app.config.HTTP.Port),
		Handler:      mux,
		WriteTimeout: app.config.HTTP.WriteTimeout,
		ReadTimeout:  app.config.HTTP.ReadTimeout,
		IdleTimeout:  time.Minute,
	}

	shutdown := make(chan error, 1)

	go func() {
		<-ctx.Done()

		timeout := app.config.HTTP.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		app.logger.Info(logging.General, logging.Shutdown, "http server stopping", map[logging.ExtraKey]any{
			"Addr": srv.Addr,
		})
		shutdown <- srv.Shutdown(shutdownCtx)
	}()

	app.logger.Info(logging.General, logging.Startup, "http server has started", map[logging.ExtraKey]any{
		"Addr": srv.Addr,
	})

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if err := <-shutdown; err != nil {
		return err
	}

	app.logger.Info(logging.General, logging.Shutdown, "http server has stopped", map[logging.ExtraKey]any{
		"Addr": srv.Addr,
	})
	return nil
}
