package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/pulseboard/internal/broadcast"
	"github.com/pscheid92/pulseboard/internal/cache"
	"github.com/pscheid92/pulseboard/internal/market"
	"github.com/pscheid92/pulseboard/internal/mood"
	"github.com/pscheid92/pulseboard/internal/platform/config"
	"github.com/pscheid92/pulseboard/internal/platform/logging"
	"github.com/pscheid92/pulseboard/internal/platform/version"
	"github.com/pscheid92/pulseboard/internal/server"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, redisURL string) *goredis.Client {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		slog.Error("Invalid Redis URL", "error", err)
		os.Exit(1)
	}

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *server.Server, engine *mood.Engine, broadcaster *broadcast.Broadcaster, cancelPoller context.CancelFunc, stopSweep func()) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		cancelPoller()
		broadcaster.Shutdown()
		engine.Stop()
		stopSweep()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Version)

	// Redis is optional; without it the mood snapshot lives in memory only.
	var redisClient *goredis.Client
	var snapshotStore mood.SnapshotStore = mood.NewMemoryStore()
	if cfg.RedisURL != "" {
		redisClient = setupRedis(context.Background(), cfg.RedisURL)
		defer func() { _ = redisClient.Close() }()
		snapshotStore = mood.NewRedisStore(redisClient)
	}

	dataCache := cache.New(cfg.CacheDefaultTTL, clock)
	stopSweep := dataCache.StartSweep(cfg.CacheSweepInterval)

	broadcaster := broadcast.NewBroadcaster(clock, cfg.MaxClients, cfg.HeartbeatInterval, cfg.AllowedMissedProbes)

	engine := mood.NewEngine(snapshotStore, broadcaster, dataCache, clock, cfg.MoodHistoryCap)
	engine.Start()

	provider := market.NewHTTPProvider(cfg.PriceAPIBaseURL)
	poller := market.NewPoller(provider, dataCache, broadcaster, cfg.Symbols(), cfg.PricePollInterval, clock)

	pollerCtx, cancelPoller := context.WithCancel(context.Background())
	go poller.Run(pollerCtx)

	srv := server.NewServer(cfg, engine, broadcaster, dataCache, provider, redisClient)

	done := runGracefulShutdown(srv, engine, broadcaster, cancelPoller, stopSweep)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
