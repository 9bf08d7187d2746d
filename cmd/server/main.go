package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/geotask/api/internal/auth"
	"github.com/geotask/api/internal/client"
	"github.com/geotask/api/internal/config"
	"github.com/geotask/api/internal/escrow"
	"github.com/geotask/api/internal/handler"
	"github.com/geotask/api/internal/lifecycle"
	"github.com/geotask/api/internal/lock"
	"github.com/geotask/api/internal/logger"
	"github.com/geotask/api/internal/middleware"
	"github.com/geotask/api/internal/rules"
	"github.com/geotask/api/internal/service"
	"github.com/geotask/api/internal/store"
	ws "github.com/geotask/api/internal/websocket"
	"github.com/geotask/api/internal/worker"
)

// @title          GeoTask API
// @version        1.0
// @description    Location-verified job board with escrowed payouts.
// @host           localhost:8000
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
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init("geotask-api", cfg.Server.LogLevel, cfg.Server.Env)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not available")
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	st, err := openStore(ctx, cfg, redisClient)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
	}
	defer st.Close()

	// Per-job locks must be shared by every instance unless the store is in-process
	var locker lock.Locker
	if cfg.Store.Driver == "memory" {
		locker = lock.NewMemoryLocker()
	} else {
		locker = lock.NewRedisLocker(redisClient, time.Duration(cfg.Escrow.LockTTLSeconds)*time.Second)
	}

	var gateway client.PaymentGateway
	if cfg.Payment.GatewayURL != "" {
		gateway = client.NewGatewayClient(&cfg.Payment)
	} else {
		log.Info().Msg("payment gateway not configured, using simulated gateway")
		gateway = client.NewSimulatedGateway()
	}

	// R2 storage for audit exports (optional - continues if not configured)
	var storage client.ObjectStorage
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Warn().Err(err).Msg("R2 client not initialized")
		} else {
			storage = r2Client
		}
	} else {
		log.Info().Msg("R2 storage not configured, audit exports return mock links")
	}

	// OIDC JWKS verifier (optional - falls back to legacy JWT)
	var tokenVerifier auth.TokenVerifier
	if cfg.OIDC.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			log.Warn().Err(err).Msg("JWKS verifier not initialized")
		} else {
			defer jwksVerifier.Close()
			tokenVerifier = jwksVerifier
		}
	}

	validate := validator.New()

	hub := ws.NewHub()
	go hub.Run()

	gatewayTimeout := time.Duration(cfg.Payment.TimeoutSeconds) * time.Second

	// Core
	ledger := escrow.NewLedger(st)
	engine := rules.NewEngine()
	lc := lifecycle.New(st, ledger, gateway, locker, lifecycle.Options{
		AssignWait:     time.Duration(cfg.Escrow.AssignWaitSeconds) * time.Second,
		GatewayTimeout: gatewayTimeout,
	})

	// Services
	jobService := service.NewJobService(st, lc, engine, ledger, asynqClient, hub)
	completionService := service.NewCompletionService(st, lc, engine, ledger, gateway, locker, hub, service.CompletionOptions{
		GatewayTimeout:     gatewayTimeout,
		HonorManualRelease: cfg.Escrow.HonorManualRelease,
	})
	auditService := service.NewAuditService(st, storage)

	// Handlers
	jobHandler := handler.NewJobHandler(jobService, completionService, auditService, validate)
	verificationHandler := handler.NewVerificationHandler(validate)

	authMiddleware := middleware.NewAuthMiddleware(tokenVerifier, cfg.JWT.Secret)
	authHandler := handler.NewAuthHandler(authMiddleware.Authenticator())

	var apiAuthMiddleware fiber.Handler
	if cfg.ForwardAuth.Enabled {
		// Behind a ForwardAuth proxy: trust the X-User-* headers it sets
		log.Info().Msg("forward auth enabled, using header-based auth")
		apiAuthMiddleware = middleware.ForwardAuthMiddleware()
	} else {
		apiAuthMiddleware = authMiddleware.Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		storeOK := st.Ping(c.Context()) == nil
		status := "ok"
		if !storeOK {
			status = "degraded"
		}
		return c.JSON(fiber.Map{
			"status": status,
			"services": fiber.Map{
				"store":   storeOK,
				"redis":   redisClient.Ping(c.Context()).Err() == nil,
				"gateway": cfg.Payment.GatewayURL != "",
				"r2":      storage != nil,
				"auth":    authMiddleware.Authenticator().Configured(),
			},
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// ForwardAuth verification endpoint
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	jobs := api.Group("/jobs")
	businessOnly := middleware.RequireRole(auth.RoleBusiness)
	workerOnly := middleware.RequireRole(auth.RoleWorker)
	jobs.Post("/", businessOnly, rateLimiter.JobsLimit(cfg.RateLimit.JobsPerHour), jobHandler.Create)
	jobs.Get("/", jobHandler.List)
	jobs.Get("/nearby", jobHandler.Nearby)
	jobs.Get("/:jobId", jobHandler.Get)
	jobs.Post("/:jobId/assign", businessOnly, jobHandler.Assign)
	jobs.Post("/:jobId/start", workerOnly, jobHandler.Start)
	jobs.Post("/:jobId/complete", workerOnly, rateLimiter.CompletionsLimit(cfg.RateLimit.CompletionsPerMin), jobHandler.Complete)
	jobs.Post("/:jobId/validate-payment", jobHandler.ValidatePayment)
	jobs.Post("/:jobId/release", businessOnly, rateLimiter.ReleasesLimit(cfg.RateLimit.ReleasesPerHour), jobHandler.Release)
	jobs.Post("/:jobId/audit/export", businessOnly, jobHandler.ExportAudit)

	api.Post("/verify-location", verificationHandler.VerifyLocation)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, completionService, hub)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info().Str("addr", addr).Str("store", cfg.Store.Driver).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func openStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		log.Warn().Msg("using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), nil
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.Postgres.URL, int32(cfg.Postgres.MaxConns))
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case "redis", "":
		return store.NewRedisStore(redisClient), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func startWorkerServer(cfg *config.Config, releaser worker.Releaser, hub *ws.Hub) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 5,
			Queues: map[string]int{
				service.QueuePayments: 1,
			},
			LogLevel: asynqLogLevel,
		},
	)

	releaseWorker := worker.NewReleaseWorker(releaser, hub)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeRelease, releaseWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Error().Err(err).Msg("asynq worker error")
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
