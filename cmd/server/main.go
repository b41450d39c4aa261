package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaymesh/device-gateway-service/internal/cache"
	"github.com/relaymesh/device-gateway-service/internal/connection"
	"github.com/relaymesh/device-gateway-service/internal/crypto"
	"github.com/relaymesh/device-gateway-service/internal/monitoring"
	"github.com/relaymesh/device-gateway-service/internal/queue"
	"github.com/relaymesh/device-gateway-service/internal/roster"
	"github.com/relaymesh/device-gateway-service/internal/service"
	"github.com/relaymesh/device-gateway-service/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Optional .env for local development; flags and real env win.
	_ = godotenv.Load()

	var (
		httpPort       = flag.Int("http-port", 8081, "HTTP port for health, metrics and stats")
		dbHost         = flag.String("db-host", "localhost", "Database host")
		dbPort         = flag.Int("db-port", 5432, "Database port")
		dbUser         = flag.String("db-user", "admin", "Database user")
		dbPass         = flag.String("db-pass", "securepassword", "Database password")
		dbName         = flag.String("db-name", "device_gateway", "Database name")
		redisAddr      = flag.String("redis-addr", "localhost:6379", "Redis address, empty disables caching")
		cacheTTL       = flag.Duration("cache-ttl", 5*time.Minute, "Default cache entry TTL")
		queueWorkers   = flag.Int("queue-workers", 4, "Delivery queue worker count")
		queueRate      = flag.Float64("queue-rate", 20, "Delivery sends per second across all workers")
		rosterInterval = flag.Duration("roster-interval", 15*time.Minute, "Periodic roster refresh for connected devices, 0 disables")
	)
	flag.Parse()

	cryptoSvc, err := crypto.NewService(os.Getenv("GATEWAY_MASTER_KEY"))
	if err != nil {
		log.Fatal().Err(err).Msg("GATEWAY_MASTER_KEY is missing or unusable, refusing to start")
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		*dbHost, *dbPort, *dbUser, *dbPass, *dbName)

	ctx := context.Background()
	pool, err := store.Open(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pool.Close()

	devices := store.NewDeviceRepository(pool)
	credentialRows := store.NewCredentialRepository(pool)
	rosterRepo := store.NewRosterRepository(pool)
	messageLogs := store.NewMessageLogRepository(pool)

	var gatewayCache *cache.Cache
	if *redisAddr != "" {
		gatewayCache = cache.NewFromAddr(*redisAddr, *cacheTTL)
		defer gatewayCache.Close()
	} else {
		log.Warn().Msg("Running without a cache, every read hits the database")
	}

	monitoring.InitMetrics()

	credentials := service.NewCredentialService(credentialRows, cryptoSvc)

	registry := connection.NewRegistry()
	dialer := &connection.LoopbackDialer{}
	manager := connection.NewManager(connection.DefaultConfig(), registry, devices, credentials, dialer, rosterRepo, gatewayCache)

	queueCfg := queue.DefaultConfig()
	queueCfg.Workers = *queueWorkers
	queueCfg.RatePerSecond = *queueRate
	deliveryQueue := queue.New(queueCfg, manager, devices, messageLogs)

	rosterSvc := roster.NewService(roster.DefaultConfig(), rosterRepo, manager, gatewayCache)

	stopRefresh := make(chan struct{})
	if *rosterInterval > 0 {
		go refreshRosters(manager, rosterSvc, *rosterInterval, stopRefresh)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"queue":              deliveryQueue.Stats(),
			"active_connections": manager.ActiveConnections(),
			"connected_devices":  manager.ConnectedDevices(),
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *httpPort),
		Handler: mux,
	}
	go func() {
		log.Info().Int("port", *httpPort).Msg("HTTP server for health checks and metrics started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().Msg("Device gateway service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	close(stopRefresh)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deliveryQueue.Shutdown(shutdownCtx)
	manager.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	log.Info().Msg("Server exiting")
}

// refreshRosters keeps the mirrored rosters of connected devices from going
// stale. The min-interval guard inside the service deduplicates overlap with
// caller-triggered syncs.
func refreshRosters(manager *connection.Manager, rosterSvc *roster.Service, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, deviceID := range manager.ConnectedDevices() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if _, err := rosterSvc.SyncContacts(ctx, deviceID, false); err != nil {
					log.Warn().Err(err).Str("device_id", deviceID).Msg("Periodic contact sync failed")
				}
				if _, err := rosterSvc.SyncGroups(ctx, deviceID, false); err != nil {
					log.Warn().Err(err).Str("device_id", deviceID).Msg("Periodic group sync failed")
				}
				cancel()
			}
		case <-stop:
			return
		}
	}
}
