package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay-api/internal/buckets"
	"relay-api/internal/cache"
	"relay-api/internal/config"
	"relay-api/internal/history"
	"relay-api/internal/middleware"
	"relay-api/internal/relay"
	"relay-api/internal/routers"
	"relay-api/internal/setup"
	"relay-api/internal/shared"
	"relay-api/internal/upstream"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Flags / ENV Variables
	port := flag.Int("port", shared.DefaultPort, "Listen port")
	debug := flag.Bool("debug", false, "Debug enabled")
	logFile := flag.String("log-file", "", "Also write JSON logs to this rotating file")
	bodyLimit := flag.String("body-limit", shared.DefaultBodyLimit, "Max request body size")
	providersFile := flag.String("providers-file", "", "YAML provider and retry policy file")

	flag.String("default-url", shared.DefaultProviderURL, "Default provider API root")
	flag.String("openrouter-api-key", "", "Default provider API key, used when callers send none")
	flag.String("deepseek-api-key", "", "DeepSeek API key, enables the deepseek fast path")
	flag.String("stream-mode", string(relay.ModeRaw), "Stream output mode: raw or aggregate")
	flag.Int("max-attempts", shared.DefaultMaxAttempts, "Attempts against the default provider")
	flag.String("backoff", string(relay.BackoffSchedule), "Backoff variant: schedule or exponential")
	flag.Duration("stall-timeout", shared.DefaultStallTimeout, "Max gap between stream chunks")
	flag.Duration("initial-timeout", shared.DefaultInitialTimeout, "Max wait for the first stream chunk")
	flag.Bool("abort-on-partial", false, "Do not retry streams that already relayed bytes")

	historyDir := flag.String("history-dir", shared.DefaultHistoryDir, "Directory for request and response records")
	historyRetention := flag.Duration("history-retention", 0, "Delete history records older than this, 0 keeps everything")
	pruneSchedule := flag.String("history-prune-schedule", shared.DefaultPruneSchedule, "Cron schedule for history pruning")

	writeDSN := flag.String("dsn", "", "Write vitess DSN, enables usage accounting")
	redisAddr := flag.String("redis-addr", "", "Redis host:port, enables the models cache")
	metricsAPIKey := flag.String("metrics-api-key", "", "Metrics api key")

	// .env is optional, real environment variables win
	_ = godotenv.Load()
	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	logger, syncLogs, err := setup.NewLogger(*debug, *logFile)
	if err != nil {
		panic(err)
	}
	defer syncLogs()
	log := logger.Sugar()

	cfg := config.Default()
	if *providersFile != "" {
		if err := cfg.LoadFile(*providersFile); err != nil {
			panic(err)
		}
	}
	var applyErr error
	flag.Visit(func(f *flag.Flag) {
		if err := cfg.Apply(f.Name, f.Value.String()); err != nil && applyErr == nil {
			applyErr = err
		}
	})
	if applyErr != nil {
		panic(applyErr)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid configuration: %s", err))
	}
	selector, skipped := cfg.Selector()
	for _, name := range skipped {
		log.Warnw("Fast path disabled, no api key configured", "provider", name)
	}

	// Usage accounting
	var usage *buckets.UsageCache
	if *writeDSN != "" {
		writeDB, err := sql.Open("mysql", *writeDSN)
		if err != nil {
			panic(fmt.Sprintf("failed initializing sqlClient: %s", err))
		}
		err = writeDB.Ping()
		if err != nil {
			panic(fmt.Sprintf("failed ping to sql db: %s", err))
		}
		defer func() {
			_ = writeDB.Close()
		}()
		usage = buckets.NewUsageCache(log, writeDB)
	}

	// Load Redis connection
	var models *cache.ModelsCache
	if *redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     *redisAddr,
			Password: "",
			DB:       0,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			panic(fmt.Sprintf("failed ping to redis db: %s", err))
		}
		defer func() {
			_ = redisClient.Close()
		}()
		models = cache.NewModelsCache(&cache.RedisStore{Client: redisClient}, log)
	}

	store, err := history.NewStore(*historyDir, log)
	if err != nil {
		panic(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *historyRetention > 0 {
		scheduler := history.NewScheduler(history.NewPruner(*historyDir, *historyRetention, log), *pruneSchedule)
		if err := scheduler.Start(ctx); err != nil {
			panic(err)
		}
		defer scheduler.Stop()
	}

	engine := &relay.Engine{
		Client:   upstream.NewClient(log, shared.DefaultDialTimeout),
		Selector: selector,
		Policy:   cfg.RetryPolicy(),
		Mode:     cfg.Mode(),
		History:  store,
	}
	if usage != nil {
		engine.Usage = usage
	}

	e := echo.New()
	e.HideBanner = true
	e.GET(("/ping"), func(c echo.Context) error {
		return c.String(200, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), middleware.RequireAPIKey(*metricsAPIKey))
	base := e.Group("")
	base.Use(emw.CORS())
	base.Use(emw.BodyLimit(*bodyLimit))
	base.Use(middleware.NewRecoverMiddleware(log))
	base.Use(middleware.NewTrackMiddleware(log))

	// Register routes
	_, err = routers.RegisterRelayRoutes(base, routers.RelayRouterConfig{
		Engine:  engine,
		BaseURL: cfg.DefaultBaseURL(),
		Models:  models,
	})
	if err != nil {
		panic(err)
	}

	log.Infow("Relay starting",
		"port", *port,
		"default_provider", cfg.Default.Name,
		"stream_mode", cfg.Mode(),
		"max_attempts", cfg.Policy.MaxAttempts,
		"backoff", cfg.Policy.Backoff,
		"fast_paths", len(selector.FastPaths),
	)
	go func() {
		if err := e.Start(fmt.Sprintf(":%d", *port)); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	// Wait for interrupt signal to gracefully shut down the server
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shared.DefaultShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Failed graceful shutdown", "error", err)
	}
	if usage != nil {
		done := make(chan struct{})
		go func() {
			usage.Shutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shared.DefaultShutdownTimeout):
			log.Warn("Timed out flushing usage records")
		}
	}
}
