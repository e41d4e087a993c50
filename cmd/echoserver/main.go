package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/jaydenbeard/echo-core/internal/config"
	"github.com/jaydenbeard/echo-core/internal/guard"
	"github.com/jaydenbeard/echo-core/internal/httpapi"
	"github.com/jaydenbeard/echo-core/internal/metrics"
	"github.com/jaydenbeard/echo-core/internal/registry"
	"github.com/jaydenbeard/echo-core/internal/store"
	"github.com/jaydenbeard/echo-core/internal/transport"
)

var clock = store.SystemClock{}

func main() {
	cfg := config.Load()

	if err := config.ValidateJWTSecret(cfg.JWTSecret); err != nil {
		log.Fatalf("FATAL: JWT secret validation failed: %v", err)
	}

	log.Printf("starting echo-core node: %s", cfg.ServerID)

	secrets, closeSecrets := openSecretStore(cfg)
	defer closeSecrets()

	redisOpts, err := redis.ParseURL("redis://" + cfg.RedisURL)
	if err != nil {
		redisOpts = &redis.Options{Addr: cfg.RedisURL}
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	serviceRegistry, err := registry.NewConsulRegistry(cfg.ConsulURL, cfg.ServerID, cfg.ServerPort)
	if err != nil {
		log.Fatalf("Failed to connect to Consul: %v", err)
	}
	if err := serviceRegistry.Register(); err != nil {
		log.Fatalf("Failed to register with Consul: %v", err)
	}
	defer func() {
		if err := serviceRegistry.Deregister(); err != nil {
			log.Printf("warning: failed to deregister from Consul: %v", err)
		}
	}()

	rateLimiter := guard.NewRedisRateLimiter(redisClient, 120, time.Minute)

	envelopeQueue := transport.NewRedisQueue(redisClient, cfg.Protocol.SealedTTL)
	hub := transport.NewHubWithQueue(cfg.ServerID, envelopeQueue)
	defer hub.Close()

	prekeyBackend := httpapi.NewRedisBackend(redisClient)
	prekeyServer := httpapi.NewServer(prekeyBackend, []byte(cfg.JWTSecret))
	msgr := newMessenger(secrets, prekeyBackend, clock, hub, cfg)
	mediaMgr := newMediaManager(msgr.sessions, clock)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ws/{recipientId}", rateLimited(rateLimiter, websocketHandler(hub))).Methods(http.MethodGet)
	router.HandleFunc("/v1/messages/send", rateLimited(rateLimiter, msgr.handleSend)).Methods(http.MethodPost)
	router.HandleFunc("/v1/messages/receive", rateLimited(rateLimiter, msgr.handleReceive)).Methods(http.MethodPost)
	router.HandleFunc("/v1/media/attach", rateLimited(rateLimiter, mediaMgr.handleMediaAttach)).Methods(http.MethodPost)
	router.HandleFunc("/v1/media/fetch", rateLimited(rateLimiter, mediaMgr.handleMediaFetch)).Methods(http.MethodPost)
	router.PathPrefix("/prekeys").Handler(http.StripPrefix("/prekeys", prekeyServer.Handler(allowedOrigins())))

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.MetricsMiddleware(router),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("echo-core node %s listening on port %s", cfg.ServerID, cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %v, starting graceful shutdown", sig)

	if err := serviceRegistry.Deregister(); err != nil {
		log.Printf("warning: failed to deregister during shutdown: %v", err)
	}
	time.Sleep(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("warning: http server shutdown error: %v", err)
	}

	log.Println("echo-core node stopped gracefully")
}

// openSecretStore picks the sqlite-backed SecretStore by default so the demo
// runs without a live Postgres; set STORE_DRIVER=postgres to use cfg.PostgresURL.
func openSecretStore(cfg *config.Config) (store.SecretStore, func()) {
	if os.Getenv("STORE_DRIVER") == "postgres" {
		pg, err := store.NewPostgresStore(cfg.PostgresURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		return pg, func() {}
	}

	path := os.Getenv("SQLITE_PATH")
	if path == "" {
		path = "echo-core.db"
	}
	sqlite, err := store.NewSQLiteStore(path)
	if err != nil {
		log.Fatalf("Failed to open sqlite store at %s: %v", path, err)
	}
	return sqlite, func() {}
}

func allowedOrigins() []string {
	return []string{
		"http://localhost:3000",
		"http://localhost:5173",
	}
}

func rateLimited(rl *guard.RedisRateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := r.RemoteAddr
		if err := rl.Allow(r.Context(), caller); err != nil {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func websocketHandler(hub *transport.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recipientID := mux.Vars(r)["recipientId"]
		if recipientID == "" {
			http.Error(w, "missing recipientId", http.StatusBadRequest)
			return
		}
		if err := hub.Upgrade(w, r, recipientID); err != nil {
			http.Error(w, "upgrade failed", http.StatusBadRequest)
			return
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
