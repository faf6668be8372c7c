package main

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/virtfleet/virtfleet/control_plane/auth"
	"github.com/virtfleet/virtfleet/control_plane/events"
	"github.com/virtfleet/virtfleet/control_plane/middleware"
	"github.com/virtfleet/virtfleet/control_plane/store"
	"github.com/virtfleet/virtfleet/control_plane/telemetry"
)

func main() {
	cfg := LoadConfig()
	ctx := context.Background()

	// Durable store: Postgres when configured, in-memory otherwise.
	var s store.Store
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		s = pg
		log.Println("✅ Connected to Postgres")
	} else {
		s = store.NewMemoryStore()
		log.Println("⚠️ No VFLEET_POSTGRES_DSN set. Using in-memory store (state is ephemeral).")
	}
	defer s.Close()

	// Hot telemetry cache: Redis when configured, in-memory otherwise.
	var cache telemetry.Cache
	if cfg.RedisAddr != "" {
		rc, err := telemetry.NewRedisCache(cfg.RedisAddr, "", cfg.RedisDB, cfg.CacheTTL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		cache = rc
		log.Printf("✅ Connected to Redis at %s for the telemetry hot cache", cfg.RedisAddr)
	} else {
		cache = telemetry.NewMemoryCache(cfg.CacheTTL)
		log.Println("Using in-memory telemetry cache")
	}
	defer cache.Close()

	publisher := events.NewLogPublisher()
	defer publisher.Close()

	hub := NewAgentHub()
	dispatcher := NewDispatcher(hub, cfg.CommandTimeout)
	reconciler := NewReconciler(s, dispatcher, publisher)
	reconciler.SetCommandTimeout(cfg.CommandTimeout)

	recorder := telemetry.NewRecorder(s, cfg.PersistWindow)
	ingest := telemetry.NewIngestor(cache, recorder)

	tokens := auth.NewTokenIndex(s, cfg.TokenRefresh)
	if err := tokens.Refresh(ctx); err != nil {
		log.Printf("⚠️ Initial token index refresh failed: %v", err)
	}
	tokens.Start(ctx)

	channels := NewChannelServer(hub, dispatcher, tokens, ingest, reconciler, s, publisher)

	janitor := telemetry.NewJanitor(s, cfg.RetentionMaxAge, cfg.RetentionInterval)
	janitor.Start(ctx)

	monitor := NewNodeMonitor(s, hub, cfg.MonitorInterval, cfg.OfflineAfter)
	monitor.Start(ctx)

	api := NewAPI(s, hub, dispatcher, cache, cfg.CommandTimeout)

	if cfg.AdminToken == "dev-admin-token" {
		log.Println("⚠️ VFLEET_ADMIN_TOKEN not set. Using the default dev token; do not run this in production.")
	}
	admin := middleware.AdminAuth(cfg.AdminToken)

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Agent channel: authenticated by per-node bearer tokens, not the admin token.
	http.HandleFunc("/agent/channel", channels.HandleAgentChannel)

	http.Handle("/api/nodes", admin(http.HandlerFunc(api.handleNodes)))
	http.Handle("/api/nodes/", admin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/nodes/connected" {
			api.handleConnectedNodes(w, r)
			return
		}
		api.handleNode(w, r)
	})))

	http.Handle("/api/instances", admin(http.HandlerFunc(api.handleInstances)))
	http.Handle("/api/instances/", admin(http.HandlerFunc(api.handleInstance)))
	http.Handle("/api/forwards/", admin(http.HandlerFunc(api.handleForward)))
	http.Handle("/api/agents/", admin(http.HandlerFunc(api.handleAgent)))

	// Metrics Endpoint
	http.Handle("/metrics", promhttp.Handler())

	log.Printf("[CONFIG] Command timeout: %v, cache TTL: %v, persist window: %v, retention: %v",
		cfg.CommandTimeout, cfg.CacheTTL, cfg.PersistWindow, cfg.RetentionMaxAge)
	log.Printf("VirtFleet Control Plane listening on %s", cfg.ListenAddr)

	handler := middleware.CORSMiddleware(http.DefaultServeMux)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, handler))
}
