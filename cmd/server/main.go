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

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/vpnpanel/realtime/internal/adapter/auth"
	"github.com/vpnpanel/realtime/internal/adapter/httpserver"
	"github.com/vpnpanel/realtime/internal/adapter/redis"
	"github.com/vpnpanel/realtime/internal/adapter/stats"
	"github.com/vpnpanel/realtime/internal/coordination"
	"github.com/vpnpanel/realtime/internal/hub"
	"github.com/vpnpanel/realtime/internal/monitor"
	"github.com/vpnpanel/realtime/internal/platform/config"
	"github.com/vpnpanel/realtime/internal/platform/logging"
	"github.com/vpnpanel/realtime/internal/platform/version"
	"github.com/vpnpanel/realtime/internal/protocol"
	"github.com/vpnpanel/realtime/internal/relay"
)

const leaderKey = "realtime:leader:monitor"

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(cfg *config.Config) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *httpserver.Server, h *hub.Hub, cancelWorkers context.CancelFunc) <-chan struct{} {
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

		h.Stop()
		cancelWorkers()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"version", version.Get().Version,
	)

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	slog.Info("Instance identity", "instance_id", instanceID)

	redisClient := setupRedis(cfg)
	defer func() { _ = redisClient.Close() }()

	verifier := auth.NewJWTVerifier(cfg.TokenSecret)

	h := hub.New(clock)
	dispatcher := protocol.NewDispatcher(h, verifier, clock)

	r := relay.New(redisClient, instanceID, cfg.RelayChannel, clock)
	r.BindLocal(h)

	instances := coordination.NewInstanceRegistry(redisClient, instanceID, cfg.HeartbeatInterval, version.Get().Version, clock)

	election := coordination.NewLeaderElection(redisClient, instanceID, leaderKey, 3*cfg.HeartbeatInterval)
	leadership := coordination.NewLeadership(election, clock, cfg.HeartbeatInterval)

	loadSource := stats.NewRedisLoadSource(redisClient)
	monitorAdapter := monitor.New(loadSource, h, r, leadership.IsLeader, clock, cfg.MonitorInterval)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	go r.Start(workerCtx)
	go instances.Start(workerCtx)
	go leadership.Start(workerCtx)
	go monitorAdapter.Start(workerCtx)

	healthChecks := []httpserver.HealthCheck{
		{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
	}

	srv := httpserver.NewServer(cfg, h, dispatcher, r, instances, verifier, healthChecks)

	done := runGracefulShutdown(srv, h, cancelWorkers)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
