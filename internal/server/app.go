// Package server builds the application's dependencies and runs the HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedpipe/internal/acquire"
	"github.com/JakeFAU/feedpipe/internal/api"
	"github.com/JakeFAU/feedpipe/internal/config"
	"github.com/JakeFAU/feedpipe/internal/credential"
	"github.com/JakeFAU/feedpipe/internal/dedup"
	"github.com/JakeFAU/feedpipe/internal/dedup/redisstore"
	"github.com/JakeFAU/feedpipe/internal/detector"
	"github.com/JakeFAU/feedpipe/internal/extract"
	"github.com/JakeFAU/feedpipe/internal/fetcher/direct"
	"github.com/JakeFAU/feedpipe/internal/fetcher/headless"
	"github.com/JakeFAU/feedpipe/internal/fetcher/render"
	"github.com/JakeFAU/feedpipe/internal/pipeline"
	"github.com/JakeFAU/feedpipe/internal/policy/ratelimit"
	"github.com/JakeFAU/feedpipe/internal/telemetry"
	"github.com/JakeFAU/feedpipe/internal/tiered"
)

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	pipeline       *pipeline.Pipeline
	apiServer      *api.Server
	cache          *dedup.Cache[acquire.FetchResult]
	browser        *headless.Fetcher
	redis          *redis.Client
	stopSweeper    context.CancelFunc
	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
}

// Pipeline returns the acquisition pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Acquire runs one batch through the pipeline.
func (a *App) Acquire(ctx context.Context, req pipeline.Request) pipeline.Batch {
	return a.pipeline.Acquire(ctx, req)
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the application was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	return build(ctx, cfg, logger)
}

func build(
	ctx context.Context,
	cfg config.Config,
	logger *zap.Logger,
	tracerOpts ...sdktrace.TracerProviderOption,
) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing, tracerOpts...)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	app.logger.Info("building application dependencies")
	fetcher, err := setupTiers(app)
	if err != nil {
		app.abort(ctx)
		return nil, err
	}

	extractor, err := extract.New(cfg.Extract, logger.Named("extract"))
	if err != nil {
		app.abort(ctx)
		return nil, fmt.Errorf("extractor init failed: %w", err)
	}

	if err := setupCache(ctx, app); err != nil {
		app.abort(ctx)
		return nil, err
	}

	resolver := credential.NewResolver(cfg.Credentials, logger.Named("credential"))
	app.pipeline = pipeline.New(cfg.Pipeline(), resolver, app.cache, fetcher, extractor, logger.Named("pipeline"))
	app.apiServer = api.NewServer(app.pipeline, api.Options{
		Preferences: acquire.TierPreferences{
			AllowBrowserTier:        cfg.Batch.Browser,
			AllowExternalRenderTier: cfg.Batch.Render,
		},
		ContentSelector: cfg.Batch.ContentSelector,
		TierTimeout:     cfg.Batch.TierTimeout,
		RequestTimeout:  cfg.Server.RequestTimeout,
	}, logger.Named("api"))

	return app, nil
}

func setupTiers(app *App) (*tiered.Fetcher, error) {
	cfg := app.cfg
	det, err := detector.New(cfg.Detector)
	if err != nil {
		return nil, fmt.Errorf("detector init failed: %w", err)
	}

	limiter := ratelimit.New(cfg.Direct.RateLimit)
	opts := []tiered.Option{
		tiered.WithLogger(app.logger.Named("tiered")),
		tiered.WithTier(direct.New(cfg.Direct.Config,
			direct.WithLimiter(limiter),
			direct.WithLogger(app.logger.Named("direct")),
		)),
		tiered.WithTier(render.New(cfg.Render, resty.New(), app.logger.Named("render"))),
	}
	app.logger.Info("using direct tier",
		zap.String("user_agent", cfg.Direct.UserAgent),
		zap.Float64("rps", cfg.Direct.RateLimit.DefaultRPS),
		zap.Bool("cloudflare_bypass", cfg.Direct.CloudflareBypass),
		zap.Bool("respect_robots", cfg.Direct.RespectRobots),
	)

	if cfg.Browser.Enabled {
		app.browser, err = headless.NewChromedp(cfg.Browser, app.logger.Named("browser"))
		if err != nil {
			app.logger.Warn("browser tier init failed", zap.Error(err))
		} else {
			opts = append(opts, tiered.WithTier(app.browser))
			app.logger.Info("using browser tier", zap.Int("max_parallel", cfg.Browser.MaxParallel))
		}
	}
	if cfg.Render.Endpoint != "" {
		app.logger.Info("using external render tier", zap.String("endpoint", cfg.Render.Endpoint))
	}
	return tiered.New(det, opts...), nil
}

func setupCache(ctx context.Context, app *App) error {
	cfg := app.cfg.Cache
	var store dedup.Store[acquire.FetchResult]
	switch cfg.Backend {
	case config.BackendRedis:
		client, err := redisstore.NewClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis client init failed: %w", err)
		}
		app.redis = client
		store = redisstore.New[acquire.FetchResult](client, redisstore.Options{Prefix: cfg.RedisPrefix})
		app.logger.Info("using redis cache backend", zap.String("prefix", cfg.RedisPrefix))
	default:
		app.logger.Info("using in-memory cache backend")
	}

	app.cache = dedup.New(dedup.Options[acquire.FetchResult]{
		NegativeTTL: cfg.NegativeTTL,
		Store:       store,
		Logger:      app.logger.Named("cache"),
		Name:        "fetch",
	})
	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app.stopSweeper = cancel
	app.cache.StartSweeper(sweepCtx, cfg.SweepInterval)
	return nil
}

// Run starts the HTTP server and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close releases browser sessions, cache connections and telemetry. Calls
// after the first are no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

// abort releases whatever a failed Build already started.
func (a *App) abort(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.stopSweeper != nil {
		a.stopSweeper()
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
