package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"github.com/Egham-7/adaptive-proxy/internal/api"
	"github.com/Egham-7/adaptive-proxy/internal/config"
	"github.com/Egham-7/adaptive-proxy/internal/dispatch"
	"github.com/Egham-7/adaptive-proxy/internal/idleflush"
	"github.com/Egham-7/adaptive-proxy/internal/maintenance"
	"github.com/Egham-7/adaptive-proxy/internal/memcache"
	"github.com/Egham-7/adaptive-proxy/internal/store"
	"github.com/Egham-7/adaptive-proxy/internal/transport"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Proxy represents a caching proxy server instance: one Fiber app bound to
// the persistent store, memory cache, idle flusher, maintenance loop, and
// dispatch engine built from a loaded Config.
type Proxy struct {
	config *config.Config
	app    *fiber.App

	store       *store.Store
	cache       *memcache.Cache
	flusher     *idleflush.Flusher
	maintenance *maintenance.Loop
	engine      *dispatch.Engine
}

// NewProxy creates a new Proxy instance with the given configuration.
// The cfg parameter is required and must not be nil.
func NewProxy(cfg *config.Config) *Proxy {
	if cfg == nil {
		panic("config cannot be nil - use config.LoadFromFile to create one")
	}
	return &Proxy{config: cfg}
}

// Run wires up the store, caches, dispatch engine, and HTTP server, then
// blocks until an interrupt signal triggers graceful shutdown.
func (p *Proxy) Run() error {
	if err := p.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	setupLogLevel(p.config)

	if err := p.initializeEngine(); err != nil {
		return fmt.Errorf("failed to initialize dispatch engine: %w", err)
	}
	defer p.shutdownEngine()

	p.app = createFiberApp(p.config)
	setupMiddleware(p.app, p.config)
	setupRoutes(p.app, p.config, p.engine, p.store, p.cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flushCtx, flushCancel := context.WithCancel(context.Background())
	defer flushCancel()
	go p.flusher.Run(flushCtx)
	go p.maintenance.Run(flushCtx)

	port := p.config.Server.Port
	if port == "" {
		port = "8080"
	}
	listenAddr := ":" + port

	fmt.Printf("caching proxy starting on %s\n", listenAddr)
	fmt.Printf("   environment: %s\n", p.config.Server.Environment)
	fmt.Printf("   go version: %s\n", runtime.Version())
	fmt.Printf("   GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := p.app.Listen(listenAddr); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		fiberlog.Infof("received signal: %v, starting graceful shutdown", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		fiberlog.Info("context cancelled, starting shutdown")
	}

	fiberlog.Info("server shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	shutdownErrChan := make(chan error, 1)
	go func() {
		shutdownErrChan <- p.app.ShutdownWithTimeout(30 * time.Second)
	}()

	select {
	case err := <-shutdownErrChan:
		if err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		fiberlog.Info("server shutdown completed successfully")
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout exceeded")
	}

	return nil
}

func (p *Proxy) initializeEngine() error {
	st, err := store.Open(p.config.DatabaseURL)
	if err != nil {
		return err
	}
	p.store = st

	p.cache = memcache.New(p.config.Cache.MaxItems)

	p.flusher = idleflush.New(idleflush.Config{
		Enabled:              p.config.IdleFlush.Enabled,
		IdleTimeoutSeconds:   p.config.IdleFlush.IdleTimeoutSeconds,
		CheckIntervalSeconds: p.config.IdleFlush.CheckIntervalSeconds,
		BatchWriteSize:       p.config.Cache.BatchWriteSize,
		OverrideMode:         p.config.CacheOverrideMode,
	}, p.cache, p.store)

	p.maintenance = maintenance.New(maintenance.Config{
		IntervalHours:    p.config.CacheMaintenance.IntervalHours,
		RetentionDays:    p.config.CacheMaintenance.RetentionDays,
		MinHitCount:      p.config.CacheMaintenance.MinHitCount,
		TopK:             p.config.CacheMaintenance.TopK,
		CleanupOnStartup: p.config.CacheMaintenance.CleanupOnStartup,
	}, p.store)

	tr := selectTransport(p.config)

	p.engine = dispatch.New(dispatch.Config{
		HitPoolSize:           int64(p.config.CacheHitPoolSize),
		MissPoolSize:          int64(p.config.CacheMissPoolSize),
		MaxConcurrentRequests: int64(p.config.MaxConcurrentRequests),
		CacheVersion:          p.config.CacheVersion,
		CacheOverrideMode:     p.config.CacheOverrideMode,
		ContextTrimEnabled:    p.config.ContextTrim.Enabled,
		MaxContextTokens:      p.config.ContextTrim.MaxContextTokens,
		Headers:               p.config.APIHeaders,
	}, p.cache, p.store, p.flusher, tr, p.config.APIEndpoints)

	return nil
}

func (p *Proxy) shutdownEngine() {
	if p.maintenance != nil {
		p.maintenance.Stop()
	}
	if p.flusher != nil {
		p.flusher.Stop()
	}
	if p.cache != nil {
		p.cache.Close()
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			fiberlog.Errorf("failed to close store: %v", err)
		}
	}
}

func selectTransport(cfg *config.Config) transport.Transport {
	switch {
	case cfg.UseCurl:
		return transport.NewCurlTransport()
	case cfg.UseProxy:
		return transport.NewProxyTransport()
	default:
		return transport.NewFastHTTPTransport()
	}
}

func createFiberApp(cfg *config.Config) *fiber.App {
	isProd := cfg.IsProduction()

	return fiber.New(fiber.Config{
		AppName:           "adaptive-cache-proxy v1.0",
		EnablePrintRoutes: !isProd,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		ReadBufferSize:    8192,
		WriteBufferSize:   8192,
		Prefork:           false,
		CaseSensitive:     true,
		StrictRouting:     false,
		Network:           "tcp",
		ServerHeader:      "adaptive-cache-proxy",
	})
}

func setupMiddleware(app *fiber.App, cfg *config.Config) {
	isProd := cfg.IsProduction()

	app.Use(recover.New(recover.Config{
		EnableStackTrace: !isProd,
	}))

	app.Use(api.RequestIDMiddleware)

	app.Use(limiter.New(limiter.Config{
		Max:               1000,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}))

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	if isProd {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} ${method} ${path} ${latency} ${bytesSent}b\n",
			Output: os.Stdout,
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
			Output: os.Stdout,
		}))
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.Server.AllowedOrigins,
		AllowHeaders:  strings.Join([]string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"}, ", "),
		AllowMethods:  "GET, POST, OPTIONS",
		ExposeHeaders: "Content-Length, Content-Type, X-Request-ID, X-Cache",
		MaxAge:        86400,
	}))

	if !isProd {
		app.Use(pprof.New())
	}
}

func setupLogLevel(cfg *config.Config) {
	switch cfg.GetNormalizedLogLevel() {
	case "trace":
		fiberlog.SetLevel(fiberlog.LevelTrace)
	case "debug":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "info":
		fiberlog.SetLevel(fiberlog.LevelInfo)
	case "warn", "warning":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "error":
		fiberlog.SetLevel(fiberlog.LevelError)
	case "fatal":
		fiberlog.SetLevel(fiberlog.LevelFatal)
	case "panic":
		fiberlog.SetLevel(fiberlog.LevelPanic)
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
	}
}

func setupRoutes(app *fiber.App, cfg *config.Config, engine *dispatch.Engine, st *store.Store, cache *memcache.Cache) {
	completionHandler := api.NewCompletionHandler(engine, cfg.EnableThinking)
	embeddingsHandler := api.NewEmbeddingsHandler(engine)
	modelsHandler := api.NewModelsHandler(cfg.APIEndpoints)
	healthHandler := api.NewHealthHandler(st, cache)

	app.Get("/health", healthHandler.HealthCheck)

	v1 := app.Group("/v1")
	v1.Post("/chat/completions", completionHandler.ChatCompletion)
	v1.Post("/embeddings", embeddingsHandler.Create)
	v1.Get("/models", modelsHandler.List)

	// Unversioned aliases for clients that omit the /v1 prefix.
	app.Post("/chat/completions", completionHandler.ChatCompletion)
	app.Post("/embeddings", embeddingsHandler.Create)
	app.Get("/models", modelsHandler.List)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "adaptive cache proxy",
			"status":  "running",
			"endpoints": fiber.Map{
				"chat":       "/v1/chat/completions",
				"embeddings": "/v1/embeddings",
				"models":     "/v1/models",
				"health":     "/health",
			},
		})
	})
}
