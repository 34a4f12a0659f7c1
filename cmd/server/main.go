package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/accgate/accgate/internal/config"
	"github.com/accgate/accgate/internal/database"
	"github.com/accgate/accgate/internal/handlers"
	"github.com/accgate/accgate/internal/logger"
	"github.com/accgate/accgate/internal/models"
	"github.com/accgate/accgate/internal/pricing"
	"github.com/accgate/accgate/internal/providers"
	"github.com/accgate/accgate/internal/proxy"
	"github.com/accgate/accgate/internal/router"
	"github.com/accgate/accgate/internal/services/budget"
	"github.com/accgate/accgate/internal/services/credential"
	"github.com/accgate/accgate/internal/services/ratelimit"
	"github.com/accgate/accgate/internal/services/routing"
	"github.com/accgate/accgate/internal/services/security"
	"github.com/accgate/accgate/internal/services/usagelog"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	db, err := database.Connect(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() { _ = database.Close(db) }()

	redisClient, err := newRedisClient(cfg)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	pricingTable := pricing.NewTable(log)

	credentials := credential.NewStore(&credential.Config{
		DB:       db,
		KeySalt:  cfg.Auth.KeySalt,
		CacheTTL: cfg.Auth.CacheTTL,
		Logger:   log,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(&ratelimit.Config{
			Redis:    redisClient,
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window,
			Logger:   log,
		})
	}

	budgets := budget.NewEngine(&budget.Config{
		DB:      db,
		Redis:   redisClient,
		Pricing: pricingTable,
		Logger:  log,
	})

	modelRouter := routing.New(&routing.Config{
		DB:     db,
		Redis:  redisClient,
		Logger: log,
	})

	securityEngine := security.NewEngine(&security.Config{
		DB: db,
		Defaults: security.Policy{
			Level:             models.DetectionLevel(cfg.Security.DetectionLevel),
			AutoKillEnabled:   cfg.Security.AutoKillEnabled,
			AutoKillThreshold: cfg.Security.AutoKillThreshold,
		},
		RequestBudget:  cfg.Security.RequestBudget,
		ResponseBudget: cfg.Security.ResponseBudget,
		AsyncQueueSize: cfg.Security.AsyncQueueSize,
		Logger:         log,
	},
		security.NewPromptInjectionDetector(),
		security.NewCredentialExposureDetector(),
		security.NewExfiltrationDetector(),
		security.NewToolAbuseDetector(),
		security.NewRunawayLoopDetector(redisClient, log),
		security.NewAnomalyDetector(security.NewBaselineStore(redisClient)),
	)

	usageLog := usagelog.New(&usagelog.Config{
		DB:            db,
		QueueSize:     cfg.UsageLog.QueueSize,
		BatchSize:     cfg.UsageLog.BatchSize,
		FlushInterval: cfg.UsageLog.FlushInterval,
		Logger:        log,
	})
	defer usageLog.Close()

	pipeline := proxy.NewPipeline(&proxy.Config{
		Credentials: credentials,
		Limiter:     limiter,
		Budgets:     budgets,
		Router:      modelRouter,
		Security:    securityEngine,
		Providers: providers.NewRegistry(providers.Config{
			AnthropicAPIKey:  cfg.Upstream.AnthropicAPIKey,
			AnthropicBaseURL: cfg.Upstream.AnthropicBaseURL,
			OpenAIAPIKey:     cfg.Upstream.OpenAIAPIKey,
			OpenAIBaseURL:    cfg.Upstream.OpenAIBaseURL,
			GoogleAPIKey:     cfg.Upstream.GoogleAPIKey,
			GoogleBaseURL:    cfg.Upstream.GoogleBaseURL,
		}),
		Pricing:           pricingTable,
		Estimator:         pricing.NewHeuristicEstimator(),
		UsageLog:          usageLog,
		RequestTimeout:    cfg.Upstream.RequestTimeout,
		StreamIdleTimeout: cfg.Upstream.StreamIdleTimeout,
		Logger:            log,
	})

	health := handlers.NewHealthHandler(db, redisClient)

	apiServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router.New(cfg, log, pipeline, health),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: router.NewMetrics(),
	}

	go func() {
		log.Info("API server starting", zap.String("address", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("API server failed", zap.Error(err))
		}
	}()
	go func() {
		log.Info("Metrics server starting", zap.String("address", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Metrics server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := apiServer.Shutdown(ctx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.Error("Metrics server shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}

func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Redis.Password != "" {
		opt.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opt.DB = cfg.Redis.DB
	}
	if cfg.Redis.PoolSize != 0 {
		opt.PoolSize = cfg.Redis.PoolSize
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
