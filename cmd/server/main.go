package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/liyuwei007036/yunjin-sd-api/internal/auth"
	"github.com/liyuwei007036/yunjin-sd-api/internal/client"
	"github.com/liyuwei007036/yunjin-sd-api/internal/config"
	"github.com/liyuwei007036/yunjin-sd-api/internal/handler"
	"github.com/liyuwei007036/yunjin-sd-api/internal/locator"
	"github.com/liyuwei007036/yunjin-sd-api/internal/middleware"
	"github.com/liyuwei007036/yunjin-sd-api/internal/service"
	"github.com/liyuwei007036/yunjin-sd-api/internal/store"
	"github.com/liyuwei007036/yunjin-sd-api/internal/telemetry"
	ws "github.com/liyuwei007036/yunjin-sd-api/internal/websocket"
	"github.com/liyuwei007036/yunjin-sd-api/internal/worker"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(ctx, &cfg.Telemetry, version)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}

	// Task database
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}
	taskStore := store.NewTaskStore(db)

	// Redis backs the rate limiter and, in asynq mode, the job queue
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Shared heavy resources, built on first use
	var memoryStorage *client.MemoryStorage
	if cfg.Storage.Endpoint == "" || cfg.Storage.AccessKey == "" || cfg.Storage.SecretKey == "" {
		log.Println("Info: object storage not configured, keeping images in memory")
		memoryStorage = client.NewMemoryStorage(handler.ImagePathPrefix)
	}
	services := locator.New(
		engineFactory(cfg),
		storageFactory(cfg, memoryStorage),
		func() *service.CallbackService { return service.NewCallbackService(&cfg.Callback) },
	)

	if cfg.Engine.Preload {
		warmCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		if err := services.Warmup(warmCtx); err != nil {
			log.Printf("Warning: model warm-up failed: %v", err)
		}
		cancel()
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Services and the job runner
	taskService := service.NewTaskService(taskStore)
	uploadService := service.NewUploadService(services)
	promptService := service.NewPromptService(client.NewLLMClient(&cfg.LLM), cfg.LLM.PromptPrefix)
	generateWorker := worker.NewGenerateWorker(taskService, services, uploadService, hub, cfg.TriggerTerms())

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	var scheduler worker.Scheduler
	var asynqServer *asynq.Server
	if cfg.Worker.Mode == config.WorkerModeAsynq {
		log.Printf("Info: asynq worker mode, concurrency %d", cfg.Worker.Concurrency)
		scheduler = worker.NewAsynqScheduler(asynq.NewClient(redisOpt))
		asynqServer = worker.NewServer(redisOpt, cfg.Worker.Concurrency, cfg.Server.LogLevel)
		if err := asynqServer.Start(worker.NewServeMux(generateWorker)); err != nil {
			log.Fatalf("Failed to start asynq worker: %v", err)
		}
	} else {
		log.Printf("Info: local worker mode, %d worker(s), queue size %d", cfg.Worker.Concurrency, cfg.Worker.QueueSize)
		scheduler = worker.NewLocalScheduler(generateWorker, cfg.Worker.Concurrency, cfg.Worker.QueueSize)
	}

	generateService := service.NewGenerateService(taskService, promptService, scheduler, cfg.Engine.DefaultScheduler)

	// Authentication
	var apiAuthMiddleware fiber.Handler
	var jwksVerifier *auth.JWKSVerifier
	if cfg.Gateway.Enabled {
		// Behind a ForwardAuth proxy: trust the X-User-* headers
		log.Println("Info: Gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		var tokenVerifier auth.TokenVerifier
		if cfg.Auth.OIDCIssuer != "" {
			jwksVerifier, err = auth.NewJWKSVerifier(cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID)
			if err != nil {
				log.Printf("Warning: JWKS verifier not initialized: %v", err)
			} else {
				tokenVerifier = jwksVerifier
			}
		}
		keys := auth.NewKeySet(cfg.Auth.APIKeys)
		if keys.Empty() && tokenVerifier == nil && cfg.Auth.JWTSecret == "" {
			log.Println("Warning: no API keys or token verifiers configured, every API request will be rejected")
		}
		apiAuthMiddleware = middleware.NewAuthMiddleware(keys, tokenVerifier, cfg.Auth.JWTSecret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	routes := handler.Routes{
		Generate:      handler.NewGenerateHandler(generateService, validate, hub),
		Health:        handler.NewHealthHandler(services),
		Auth:          handler.NewAuthHandler(),
		Authenticate:  apiAuthMiddleware,
		GenerateLimit: rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour),
		PublicHealth:  cfg.Health.NoAuth,
	}
	if memoryStorage != nil {
		routes.Images = handler.NewImageHandler(memoryStorage)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: handler.ErrorHandler,
		BodyLimit:    cfg.Server.BodyLimitMB * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key",
	}))

	handler.Register(app, routes)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Printf("Server error: %v", err)
	}

	// Drain work before releasing the engine and storage it depends on
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		log.Printf("Scheduler shutdown error: %v", err)
	}
	generateWorker.Wait()
	hub.Stop()

	if err := services.Shutdown(shutdownCtx); err != nil {
		log.Printf("Resource shutdown error: %v", err)
	}
	if jwksVerifier != nil {
		jwksVerifier.Close()
	}
	if err := redisClient.Close(); err != nil {
		log.Printf("Redis close error: %v", err)
	}
	if err := taskStore.Close(); err != nil {
		log.Printf("Task store close error: %v", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Printf("Telemetry shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// engineFactory builds the gated engine. Without an engine endpoint the
// mock engine stands in.
func engineFactory(cfg *config.Config) locator.EngineFactory {
	return func(ctx context.Context) (client.ImageEngine, error) {
		sd := client.NewSDClient(&cfg.Engine)
		if !sd.IsConfigured() {
			log.Println("Info: engine not configured, using mock engine")
			return client.NewGatedEngine(client.NewMockEngine(), cfg.Engine.MaxConcurrency), nil
		}
		log.Printf("Info: using engine at %s (device %s)", cfg.Engine.BaseURL, cfg.Engine.Device)
		return client.NewGatedEngine(sd, cfg.Engine.MaxConcurrency), nil
	}
}

func storageFactory(cfg *config.Config, memory *client.MemoryStorage) locator.StorageFactory {
	return func(ctx context.Context) (client.StorageClient, error) {
		if memory != nil {
			return memory, nil
		}
		s3Client, err := client.NewS3Client(ctx, &cfg.Storage)
		if err != nil {
			return nil, err
		}
		return s3Client, nil
	}
}
