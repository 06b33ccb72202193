package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"onairos/internal/config"
	"onairos/internal/database"
	"onairos/internal/handlers"
	"onairos/internal/jobs"
	"onairos/internal/logging"
	"onairos/internal/middleware"
	"onairos/internal/models"
	"onairos/internal/services"
	"onairos/pkg/auth"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Onairos Consent Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, DB: %s)", cfg.Port, cfg.DatabasePath)

	// Initialize SQLite database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	receiptStore := database.NewReceiptStore(db)
	resultStore := database.NewTrainingResultStore(db)

	// Default request manifest: file-backed when configured, built-in otherwise
	manifest := defaultManifest()
	if cfg.ManifestPath != "" {
		loaded, err := config.LoadManifest(cfg.ManifestPath)
		if err != nil {
			log.Printf("⚠️  Failed to load manifest from %s: %v (using built-in default)", cfg.ManifestPath, err)
		} else {
			manifest = loaded
			log.Printf("✅ Request manifest loaded from %s (%d categories)", cfg.ManifestPath, len(manifest))
		}
	}

	// JWT auth (optional in development)
	var jwtAuth *auth.LocalJWTAuth
	if cfg.JWTSecret != "" {
		jwtAuth, err = auth.NewLocalJWTAuth(cfg.JWTSecret, 0, 0)
		if err != nil {
			log.Fatalf("❌ Failed to initialize JWT auth: %v", err)
		}
		log.Println("✅ JWT authentication enabled")
	} else {
		log.Println("⚠️  JWT_SECRET not set - auth disabled (development only)")
	}

	// Core services
	connManager := services.NewConnectionManager()
	services.InitMetrics(connManager)
	eventBus := services.NewTrainingEventBus()

	// Redis (optional) for cross-instance training event relay
	var redisService *services.RedisService
	var pubsubService *services.PubSubService
	if cfg.RedisURL != "" {
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️ Failed to connect to Redis: %v (event relay disabled)", err)
			redisService = nil
		} else {
			pubsubService = services.NewPubSubService(redisService, eventBus, uuid.New().String())
			if err := pubsubService.Start(); err != nil {
				log.Printf("⚠️ Failed to start PubSub relay: %v", err)
				pubsubService = nil
			}
		}
	} else {
		log.Println("⚠️ REDIS_URL not set - cross-instance event relay disabled")
	}

	accountService := services.NewAccountService(cfg.APIBaseURL, cfg.APIKey)
	accessService := services.NewAccessService(cfg.APIBaseURL, cfg.APIKey)
	sessionService := services.NewSessionService(accountService, accessService, receiptStore, manifest)
	trainingService := services.NewTrainingService(cfg.TrainerURL, cfg.APIKey, cfg.TrainingWatchdog, eventBus, pubsubService, resultStore)

	// Hot-reload the manifest file when it changes
	if cfg.ManifestPath != "" {
		go startManifestWatcher(cfg.ManifestPath, sessionService)
	}

	// Background jobs
	jobScheduler := jobs.NewJobScheduler()
	jobScheduler.Register("session_reaper", jobs.NewSessionReaperJob(sessionService, cfg.SessionTTL, 5*time.Minute))
	jobScheduler.Register("account_refresh", jobs.NewAccountRefreshJob(sessionService, 2*time.Minute))
	jobScheduler.Register("retention_cleanup", jobs.NewRetentionCleanupJob(receiptStore, resultStore, cfg.ReceiptRetentionDays))
	if err := jobScheduler.Start(); err != nil {
		log.Printf("⚠️  Failed to start job scheduler: %v", err)
	} else {
		log.Println("✅ Background job scheduler started")
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:        "Onairos Consent Server v1.0",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		BodyLimit:      1 * 1024 * 1024, // consent payloads are small
		ReadBufferSize: 16384,           // 16KB for request headers (privacy browsers send extra headers)
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("onairos")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// Load rate limiting configuration
	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Auth=%d/min, Training=%d/min, WS=%d/min",
		rateLimitConfig.GlobalAPIMax,
		rateLimitConfig.AuthenticatedMax,
		rateLimitConfig.TrainingMax,
		rateLimitConfig.WebSocketMax,
	)

	// CORS configuration with environment-based origins
	allowedOrigins := strings.Join(cfg.AllowedOrigins, ",")
	if allowedOrigins == "" {
		// Default to localhost for development
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}

	// Fiber's CORS middleware does not allow AllowCredentials with wildcard origins.
	allowCredentials := allowedOrigins != "*"

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowCredentials,
	}))
	log.Printf("🔒 [SECURITY] CORS allowed origins: %s", allowedOrigins)

	// Global API rate limiter - first line of DDoS defense
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(connManager, sessionService, redisService)
	dataRequestHandler := handlers.NewDataRequestHandler(sessionService)
	receiptsHandler := handlers.NewReceiptsHandler(receiptStore, resultStore)
	consentWSHandler := handlers.NewConsentWebSocketHandler(sessionService, connManager)
	trainingWSHandler := handlers.NewTrainingWebSocketHandler(trainingService, eventBus, connManager)

	// Health check
	app.Get("/health", healthHandler.Handle)

	// REST data-request surface (native mobile). Anonymous sessions are
	// allowed; the identifier rides in the request body.
	app.Use("/api/data-request", middleware.OptionalLocalAuthMiddleware(jwtAuth))
	app.Post("/api/data-request", dataRequestHandler.Create)
	app.Get("/api/data-request/:id", dataRequestHandler.Get)
	app.Post("/api/data-request/:id/toggle", dataRequestHandler.Toggle)
	app.Post("/api/data-request/:id/confirm", dataRequestHandler.Confirm)
	app.Post("/api/data-request/:id/reject", dataRequestHandler.Reject)

	// Consent history (requires auth)
	app.Use("/api/receipts", middleware.LocalAuthMiddleware(jwtAuth))
	app.Use("/api/receipts", middleware.AuthenticatedRateLimiter(rateLimitConfig))
	app.Get("/api/receipts", receiptsHandler.List)

	app.Use("/api/training", middleware.LocalAuthMiddleware(jwtAuth))
	app.Use("/api/training", middleware.AuthenticatedRateLimiter(rateLimitConfig))
	app.Get("/api/training/results", receiptsHandler.ListTrainingResults)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			c.Locals("client_ip", c.IP())
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	wsConnectionLimiter := middleware.WebSocketRateLimiter(rateLimitConfig)
	wsConfig := websocket.Config{
		Origins: strings.Split(allowedOrigins, ","),
	}

	// Consent popup socket: anonymous allowed (the popup can open before
	// the host exchanged a token)
	app.Use("/ws/data-request", wsConnectionLimiter)
	app.Use("/ws/data-request", middleware.OptionalLocalAuthMiddleware(jwtAuth))
	app.Get("/ws/data-request", websocket.New(consentWSHandler.Handle, wsConfig))

	// Training socket: requires an authenticated user
	app.Use("/ws/training", wsConnectionLimiter)
	app.Use("/ws/training", middleware.LocalAuthMiddleware(jwtAuth))
	app.Use("/ws/training", middleware.TrainingRateLimiter(rateLimitConfig))
	app.Get("/ws/training", websocket.New(trainingWSHandler.Handle, wsConfig))

	// Start server
	log.Printf("✅ Server ready on port %s", cfg.Port)
	log.Printf("🔗 Consent endpoint: ws://localhost:%s/ws/data-request", cfg.Port)
	log.Printf("🎓 Training endpoint: ws://localhost:%s/ws/training", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("🛑 Shutting down server...")

		jobScheduler.Stop()

		if pubsubService != nil {
			if err := pubsubService.Stop(); err != nil {
				log.Printf("⚠️ Error stopping PubSub: %v", err)
			}
		}
		if redisService != nil {
			if err := redisService.Close(); err != nil {
				log.Printf("⚠️ Error closing Redis: %v", err)
			}
		}

		// Close live sockets so their read loops unblock and handlers
		// run their cleanup (abandoned consent sessions get rejected).
		for _, conn := range connManager.GetAll() {
			conn.Conn.Close()
		}

		// Shutdown Fiber
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

// defaultManifest is the built-in request set used when no manifest file is
// configured. Mirrors the categories the platform API can activate.
func defaultManifest() models.RequestManifest {
	return models.RequestManifest{
		models.CategoryPersonality: {
			Type:         models.CategoryPersonality,
			Descriptions: "Access to your interest and personality model",
		},
		models.CategoryAvatar: {
			Type:         models.CategoryAvatar,
			Descriptions: "Access to your avatar",
		},
		models.CategoryTraits: {
			Type:         models.CategoryTraits,
			Descriptions: "Access to your trait profile",
		},
	}
}

// startManifestWatcher watches the manifest file for changes and hot-reloads
// the default request set into the session service.
func startManifestWatcher(filePath string, sessions *services.SessionService) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  Failed to create file watcher: %v", err)
		return
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		log.Printf("⚠️  Failed to get absolute path for %s: %v", filePath, err)
		watcher.Close()
		return
	}

	// Watch the directory containing the file (more reliable than watching the file directly)
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  Failed to watch directory %s: %v", dir, err)
		watcher.Close()
		return
	}

	log.Printf("👁️  Watching %s for changes (hot-reload enabled)", filePath)

	// Debounce timer to avoid multiple reloads for rapid file changes
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			// Only react to changes to our specific file
			if filepath.Base(event.Name) != filename {
				continue
			}

			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}

				debounceTimer = time.AfterFunc(debounceDuration, func() {
					manifest, err := config.LoadManifest(filePath)
					if err != nil {
						log.Printf("❌ Failed to reload manifest after file change: %v", err)
						return
					}
					sessions.SetDefaultManifest(manifest)
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  File watcher error: %v", err)
		}
	}
}
