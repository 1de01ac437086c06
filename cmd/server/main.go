package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/config"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/database"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/handlers"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/lifecycle"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/middleware"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/proxypool"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/risk"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/routes"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/services"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/throttle"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/warmup"
)

func main() {
	// Load env
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found")
	}
	// Load and validate configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration:", err)
	}

	if cfg.OperatorKeyHash == "" {
		log.Println("⚠️  WARNING: OPERATOR_KEY_HASH not set. Operator endpoints are unauthenticated.")
		log.Println("   Set it to the argon2id hash of the shared operator key (utils.HashOperatorKey).")
	} else {
		log.Println("✅ Operator key configured")
	}

	// Connect to PostgreSQL
	log.Printf("Connecting to PostgreSQL...")
	if err := database.ConnectPostgres(cfg.PostgresURI); err != nil {
		log.Fatal("Failed to connect to PostgreSQL:", err)
	}
	defer database.DisconnectPostgres()

	// Connect to Redis
	log.Printf("Connecting to Redis...")
	if err := database.ConnectRedis(cfg.RedisURI); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer database.DisconnectRedis()

	// Connect to MongoDB
	log.Printf("Connecting to MongoDB...")
	if err := database.Connect(cfg.MongoURI); err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer database.Disconnect()

	// Ensure MongoDB indexes for the risk signal archive
	if err := risk.EnsureSignalIndexes(context.Background()); err != nil {
		log.Printf("⚠️  WARNING: failed to ensure MongoDB signal indexes: %v", err)
	} else {
		log.Println("✅ MongoDB risk signal indexes ensured")
	}

	// Wire the core
	store := services.NewPostgresStore()
	hub := services.NewEventHub()
	archiver := &risk.MongoArchiver{}

	pool := proxypool.New(cfg.Pool.FailureThreshold, cfg.Pool.ProbeSuccesses, store)
	pool.OnRestore = func(endpoint string) {
		hub.Publish(services.Event{Type: services.EventProxyRestored, Proxy: endpoint})
	}
	engine := risk.NewEngine(cfg.Risk, archiver)
	scheduler := warmup.NewScheduler(cfg.Warmup)
	thr := throttle.New(cfg.Throttle.Window, cfg.Throttle.MaxActions, database.RedisClient)

	core := lifecycle.New(pool, engine, scheduler, thr, store, hub, lifecycle.Options{
		QuarantineDuration: cfg.Risk.QuarantineDuration,
		TokenExpiry:        cfg.Throttle.TokenExpiry,
		AssignWait:         cfg.Pool.AssignWait,
	})

	// Reload last-known state. Proxy assignments and tokens do not survive a
	// restart; endpoints come back Healthy and the prober rediscovers the rest.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	proxies, err := store.LoadProxies(startupCtx)
	if err != nil {
		log.Printf("⚠️  WARNING: failed to load proxies from PostgreSQL: %v", err)
	}
	for _, proxy := range proxies {
		pool.AddProxy(proxy.Endpoint, proxy.Protocol)
	}
	if len(proxies) > 0 {
		log.Printf("✅ Restored %d proxy endpoints from PostgreSQL", len(proxies))
	}
	identities, err := store.LoadIdentities(startupCtx)
	if err != nil {
		log.Printf("⚠️  WARNING: failed to load identities from PostgreSQL: %v", err)
	}
	core.Restore(identities)
	thr.RestoreCooldowns(startupCtx)
	cancelStartup()

	// Start the proxy health prober
	proberCtx, stopProber := context.WithCancel(context.Background())
	defer stopProber()
	pool.StartProber(proberCtx, cfg.Pool.ProbeInterval, proxypool.DialProbe(cfg.Pool.ProbeTimeout))
	log.Println("✅ Proxy health prober started")

	handlers.Init(core, pool, hub, archiver)

	// Setup router
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Operator-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Production: SecurityHeaders → GlobalRateLimit (no host check; no CDN/proxy)
	// Non-production: Redis-based rate limit only
	if cfg.IsProduction() {
		for _, mw := range middleware.ProductionSecurity() {
			r.Use(mw)
		}
		log.Println("✅ Production security enabled (security headers, per-IP rate limiting)")
	} else {
		r.Use(middleware.RateLimitMiddleware)
	}

	// Health check (no rate limit)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	// Setup routes
	routes.SetupRoutes(r, cfg.OperatorKeyHash)

	// Log registered routes for debugging
	log.Println("📋 Registered routes:")
	log.Println("  GET  /health")
	log.Println("  POST /api/identities/{id}/warmup")
	log.Println("  POST /api/identities/{id}/slot")
	log.Println("  POST /api/identities/{id}/outcome")
	log.Println("  GET  /api/identities/{id}")
	log.Println("  GET  /api/identities/{id}/signals")
	log.Println("  POST /api/identities/{id}/release")
	log.Println("  POST /api/identities/{id}/quarantine")
	log.Println("  GET  /api/proxies")
	log.Println("  POST /api/proxies")
	log.Println("  DELETE /api/proxies")
	log.Println("  GET  /api/events/ws")

	log.Printf("🚀 Coordination core running on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
