package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/reelforge/jobwatch/internal/auth"
	"github.com/reelforge/jobwatch/internal/client"
	"github.com/reelforge/jobwatch/internal/config"
	"github.com/reelforge/jobwatch/internal/handler"
	"github.com/reelforge/jobwatch/internal/middleware"
	"github.com/reelforge/jobwatch/internal/observability"
	"github.com/reelforge/jobwatch/internal/service"
	"github.com/reelforge/jobwatch/internal/watch"
	ws "github.com/reelforge/jobwatch/internal/websocket"
	"github.com/reelforge/jobwatch/internal/worker"
	"github.com/reelforge/jobwatch/pkg/logger"
)

// @title          Jobwatch API
// @version        1.0
// @description    Submits long-running media jobs to the backend and watches them to completion.
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(&logger.Config{
		Level:        cfg.Server.LogLevel,
		Format:       cfg.Server.LogFormat,
		EnableSource: strings.EqualFold(cfg.Server.LogLevel, "debug"),
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
	redisUp := redisClient.Ping(pingCtx).Err() == nil
	cancelPing()
	if !redisUp {
		log.Warn("redis not available, job history and rate limits are degraded", "addr", cfg.Redis.Addr)
	}

	// Initialize Asynq client
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	// Metrics
	var (
		recorder       watch.Recorder
		metrics        *observability.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		m, h, err := observability.NewMetrics(ctx)
		if err != nil {
			log.Error("failed to initialize metrics", "error", err)
			os.Exit(1)
		}
		metrics, metricsHandler, recorder = m, h, m
	}

	// External clients
	backendClient := client.NewBackendClient(&cfg.Backend, cfg.Kinds, log)

	// R2 client (optional - mirroring is skipped if not configured)
	var storage client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(ctx, &cfg.R2)
		if err != nil {
			log.Warn("R2 client not initialized", "error", err)
		} else {
			storage = r2Client
		}
	} else {
		log.Info("R2 storage not configured, outputs are recorded at their origin url")
	}

	var mirrorKinds []watch.Kind
	for _, k := range cfg.Kinds {
		if k.Mirror {
			mirrorKinds = append(mirrorKinds, watch.Kind(k.Name))
		}
	}

	// Services
	persistService := service.NewPersistService(backendClient, storage, mirrorKinds, log)
	jobService := service.NewJobService(redisClient, log)

	kinds, err := cfg.WatchKinds()
	if err != nil {
		log.Error("invalid kind configuration", "error", err)
		os.Exit(1)
	}
	orchestrator, err := watch.New(watch.Config{
		Submitter:      backendClient,
		Checker:        backendClient,
		Persister:      persistService,
		Kinds:          kinds,
		Recorder:       recorder,
		Logger:         log,
		PersistTimeout: cfg.Persist.Timeout,
	})
	if err != nil {
		log.Error("failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	// WebSocket hub
	hub := ws.NewHub(log)
	go hub.Run(ctx)

	notifiers := []watch.Notifier{hub, jobService.Notifier()}
	if cfg.Persist.RetryEnabled {
		notifiers = append(notifiers, service.NewRetryQueue(asynqClient, cfg.Persist.MaxRetry, log).Notifier())
	}

	// Auth
	var verifiers auth.Chain
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			log.Warn("JWKS verifier not initialized", "error", err)
		} else {
			verifiers = append(verifiers, jwksVerifier)
		}
	}
	if cfg.JWT.Secret != "" {
		verifiers = append(verifiers, auth.NewHMACVerifier(cfg.JWT.Secret))
	}

	var apiAuth fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Info("gateway mode enabled, using header-based auth")
		apiAuth = middleware.GatewayAuth()
	} else {
		apiAuth = middleware.Authenticate(verifiers)
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, log)

	// Fiber app
	appCfg := handler.AppConfig{AccessLog: os.Stdout}
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		appCfg.AccessLogFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
	}
	if metrics != nil {
		appCfg.Middleware = append(appCfg.Middleware, observability.FiberMiddleware(metrics))
	}
	app := handler.NewApp(appCfg)

	handler.RegisterRoutes(app, handler.Routes{
		Jobs:        handler.NewJobHandler(orchestrator, jobService, watch.Notifiers(notifiers...), validator.New(), log),
		Auth:        handler.NewAuthHandler(verifiers),
		Hub:         hub,
		APIAuth:     apiAuth,
		SubmitLimit: rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour),
		Metrics:     metricsHandler,
		Health: func() fiber.Map {
			pingCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			return fiber.Map{
				"backend": backendClient.IsConfigured(),
				"r2":      storage != nil,
				"redis":   redisClient.Ping(pingCtx).Err() == nil,
				"auth":    len(verifiers) > 0 || cfg.Gateway.Enabled,
				"watched": len(orchestrator.Active()),
			}
		},
	})

	// Asynq worker server for persistence retries
	var workerServer *asynq.Server
	if cfg.Persist.RetryEnabled {
		workerServer = startWorkerServer(cfg, redisOpt, persistService, jobService, log)
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown error", "error", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Info("server starting", "addr", addr, "env", cfg.Server.Env, "kinds", orchestrator.Kinds())
	if err := app.Listen(addr); err != nil {
		log.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Warn("orchestrator shutdown incomplete", "error", err)
	}
	if workerServer != nil {
		workerServer.Shutdown()
	}
	if metrics != nil {
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics shutdown error", "error", err)
		}
	}
}

func startWorkerServer(
	cfg *config.Config,
	redisOpt asynq.RedisClientOpt,
	persistService *service.PersistService,
	jobService *service.JobService,
	log *slog.Logger,
) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				service.QueuePersist: 1,
			},
			LogLevel: asynqLogLevel,
		},
	)

	persistWorker := worker.NewPersistWorker(persistService, jobService, log)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypePersistRetry, persistWorker.ProcessTask)

	if err := srv.Start(mux); err != nil {
		log.Error("asynq worker error", "error", err)
		return nil
	}
	return srv
}
