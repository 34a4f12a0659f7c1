package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/accgate/accgate/internal/config"
	"github.com/accgate/accgate/internal/database"
	"github.com/accgate/accgate/internal/logger"
	"github.com/accgate/accgate/internal/pricing"
	"github.com/accgate/accgate/internal/services/budget"
)

var (
	settlementsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accgate_worker_settlements_retried_total",
		Help: "Settlements successfully replayed by the retry worker.",
	})
	retryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accgate_worker_retry_queue_depth",
		Help: "Settlements currently waiting in the retry queue.",
	})
	deadLetterDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accgate_worker_dead_letter_depth",
		Help: "Settlements parked in the dead letter list.",
	})
)

// The settlement worker replays budget debits that failed on the request
// path. It is safe to run more than one: settlements are idempotent per
// (request, budget) pair.
func main() {
	var (
		configPath = flag.String("config", "", "Path to config file")
		interval   = flag.Duration("interval", 15*time.Second, "Retry processing interval")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Settlement worker starting", zap.Duration("interval", *interval))

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

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatal("Invalid Redis URL", zap.Error(err))
	}
	if cfg.Redis.Password != "" {
		opt.Password = cfg.Redis.Password
	}
	redisClient := redis.NewClient(opt)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Redis ping failed", zap.Error(err))
	}

	engine := budget.NewEngine(&budget.Config{
		DB:      db,
		Redis:   redisClient,
		Pricing: pricing.NewTable(log),
		Logger:  log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("Shutdown signal received")
		cancel()
	}()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Settlement worker stopped")
			return
		case <-ticker.C:
			processed, err := engine.ProcessRetries(ctx)
			if err != nil {
				log.Error("Retry processing failed", zap.Error(err))
				continue
			}
			if processed > 0 {
				settlementsRetried.Add(float64(processed))
				log.Info("Settlements replayed", zap.Int("count", processed))
			}

			pending, dead := engine.RetryQueueDepth(ctx)
			retryQueueDepth.Set(float64(pending))
			deadLetterDepth.Set(float64(dead))
		}
	}
}
