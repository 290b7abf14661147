package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"roomscan/internal/attendance"
	"roomscan/internal/config"
	"roomscan/internal/device"
	"roomscan/internal/feed"
	"roomscan/internal/handler"
	"roomscan/internal/httpmiddleware"
	"roomscan/internal/logging"
	"roomscan/internal/period"
	"roomscan/internal/queue"
	"roomscan/internal/settings"
	"roomscan/internal/store"
)

func main() {
	cfg, cfgErr := config.Load()
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat, "roomscan-api")
	defer func() { _ = logger.Sync() }()
	if cfgErr != nil {
		logger.Warn("configuration fell back to defaults", zap.Error(cfgErr))
	}

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

// backends bundles the stores selected by STORE_BACKEND.
type backends struct {
	ingest   attendance.Store
	device   device.Store
	settings settings.Store
	health   map[string]handler.HealthCheck
	close    func()
}

func openBackends(ctx context.Context, cfg config.App, logger *zap.Logger) (backends, error) {
	if cfg.StoreBackend == "memory" {
		mem := store.NewMemory()
		mem.SetRooms(cfg.SeedRooms...)
		for _, entry := range cfg.SeedStaff {
			id, role, ok := strings.Cut(entry, ":")
			if ok {
				mem.SetStaff(id, strings.ToUpper(role))
			}
		}
		logger.Info("using in-memory store", zap.Int("rooms", len(cfg.SeedRooms)))
		return backends{ingest: mem, device: mem, settings: mem, close: func() {}}, nil
	}

	if cfg.MigrateOnStart {
		if err := store.Migrate(cfg.DatabaseURL, store.EmbeddedEngine); err != nil {
			return backends{}, err
		}
		logger.Info("migrations applied")
	}
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if db == nil {
		return backends{}, err
	}
	if err != nil {
		logger.Warn("db not reachable", zap.Error(err))
	}
	return backends{
		ingest:   attendance.NewRepository(db.Client),
		device:   device.NewRepository(db.Client),
		settings: settings.NewRepository(db.Client),
		health:   map[string]handler.HealthCheck{"db": db.Healthy},
		close:    func() { _ = db.Close() },
	}, nil
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	ctx := context.Background()
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	health := b.health
	if health == nil {
		health = map[string]handler.HealthCheck{}
	}

	var (
		publisher     attendance.Publisher
		recentFeed    handler.Feed
		settingsCache *settings.Cache
		limiter       httpmiddleware.Limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	)
	if cfg.QueueBackend != "memory" {
		redisClient, err := store.NewRedis(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()
		health["redis"] = redisClient.Healthy

		publisher = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
		recentFeed = feed.NewRecorder(redisClient.Client, cfg.FeedSize, cfg.FeedTTL)
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
		settingsCache = settings.NewCache(redisClient.Client, cfg.SettingsCacheTTL)
	}

	periods := period.NewService(b.ingest, cfg.Loc)
	cfgSvc := settings.NewService(b.settings, settingsCache, logger)
	ingest := attendance.NewService(b.ingest, periods, cfgSvc, publisher, logger)
	h := handler.New(handler.Deps{
		Ingest:     ingest,
		Device:     device.NewService(b.device, period.NewService(b.device, cfg.Loc), cfgSvc, logger),
		Settings:   cfgSvc,
		Feed:       recentFeed,
		SigningKey: cfg.JWTSigningKey,
		Issuer:     cfg.JWTIssuer,
		Health:     health,
		Log:        logger,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: !slices.Contains(cfg.AllowedOrigins, "*"),
		MaxAge:           24 * time.Hour,
	}))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.GinMiddleware(limiter, logger))
	h.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}
	if err := ingest.Drain(shutdownCtx); err != nil {
		logger.Warn("feed events still pending at exit", zap.Error(err))
	}
	logger.Info("server exited")
	return nil
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
