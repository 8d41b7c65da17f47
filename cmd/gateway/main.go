package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hearth/gateway/internal/auth"
	"github.com/hearth/gateway/internal/ban"
	"github.com/hearth/gateway/internal/config"
	"github.com/hearth/gateway/internal/gateway"
	"github.com/hearth/gateway/internal/logging"
	"github.com/hearth/gateway/internal/membership"
	"github.com/hearth/gateway/internal/messaging"
	"github.com/hearth/gateway/internal/moderation"
	"github.com/hearth/gateway/internal/ratelimit"
	"github.com/hearth/gateway/internal/session"
	"github.com/hearth/gateway/internal/store"
	"github.com/hearth/gateway/internal/ws"
)

// backend is the durable side of the gateway: messages, permissions, bot
// credentials and the enforcement audit log.
type backend interface {
	gateway.MessageStore
	gateway.Authorizer
	gateway.AuditLog
	auth.BotResolver
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", logging.FormatJSON)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format).With().
		Str("server", cfg.ServerName).Logger()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to Redis")
	}
	cancel()

	// --- Bus ---
	bus, err := openBus(cfg, rdb, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Bus.Backend).Msg("failed to open bus")
	}

	// --- Durable store ---
	durable, closeStore := openStore(cfg, logger)

	// --- Moderation ---
	var tiers []moderation.Tier
	if cfg.Moderation.ClassifierURL != "" {
		tiers = append(tiers, moderation.NewClassifier(moderation.ClassifierConfig{
			URL:     cfg.Moderation.ClassifierURL,
			Token:   cfg.Moderation.ClassifierToken,
			Timeout: cfg.Moderation.ClassifierTimeout,
		}, nil, logging.Component(logger, "classifier")))
	}
	bridge := moderation.NewRuleBridge(moderation.BridgeConfig{
		Command:        cfg.Moderation.RulesCommand,
		Args:           cfg.Moderation.RulesArgs,
		Timeout:        cfg.Moderation.RuleTimeout,
		RespawnBackoff: cfg.Moderation.RespawnBackoff,
	}, logging.Component(logger, "rules"))
	if err := bridge.Start(); err != nil {
		logger.Warn().Err(err).Str("command", cfg.Moderation.RulesCommand).
			Msg("rule engine unavailable, moderating with the built-in filter only")
	} else {
		tiers = append(tiers, bridge)
	}
	offenses := moderation.NewRedisCounter(rdb, cfg.Moderation.OffenseTTL, logger)
	pipeline := moderation.NewPipeline(tiers, offenses, logging.Component(logger, "moderation"))

	// --- Gateway ---
	gwConfig := gateway.DefaultConfig()
	gwConfig.ServerName = cfg.ServerName
	gwConfig.HeartbeatInterval = cfg.Server.HeartbeatInterval
	gwConfig.FrameRules = ratelimit.FrameRules(cfg.RateLimit.FramesPerSecond, cfg.RateLimit.FramesPerMinute)
	gwConfig.MessageRules = ratelimit.MessageRules(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.MessagesPerMinute)

	gw := gateway.New(gwConfig, gateway.Deps{
		Sessions:   session.NewStore(rdb, cfg.ServerName, cfg.Auth.SessionTTL),
		Verifier:   auth.NewVerifier(cfg.Auth.JWTSecret, durable),
		Bans:       ban.NewStore(rdb),
		Membership: membership.NewIndex(rdb, 0),
		Limiter:    ratelimit.NewLimiter(rdb, logger),
		Moderator:  pipeline,
		Messages:   durable,
		Authz:      durable,
		Audit:      durable,
		Bus:        bus,
	}, logger)

	if err := gw.Broadcaster().Subscribe(); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to the bus")
	}

	// --- WebSocket server ---
	srvConfig := ws.DefaultServerConfig()
	srvConfig.ListenAddr = cfg.Server.ListenAddr
	srvConfig.WorkerPoolSize = cfg.Server.WorkerPoolSize
	srvConfig.MaxConnections = cfg.Server.MaxConnections
	srvConfig.ReadTimeout = cfg.Server.ReadTimeout
	srvConfig.WriteTimeout = cfg.Server.WriteTimeout
	srvConfig.HeartbeatInterval = cfg.Server.HeartbeatInterval

	server := ws.NewServer(srvConfig, gw, logger)

	logger.Info().
		Str("listen_addr", srvConfig.ListenAddr).
		Int("worker_pool", srvConfig.WorkerPoolSize).
		Int("max_connections", srvConfig.MaxConnections).
		Dur("heartbeat_interval", srvConfig.HeartbeatInterval).
		Str("bus", cfg.Bus.Backend).
		Int("moderation_tiers", len(tiers)+1).
		Msg("gateway starting")

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	if err := bridge.Close(); err != nil {
		logger.Warn().Err(err).Msg("rule engine shutdown error")
	}
	if err := bus.Close(); err != nil {
		logger.Warn().Err(err).Msg("bus shutdown error")
	}
	closeStore()
	rdb.Close()
	logger.Info().Msg("gateway stopped")
}

// openBus connects the configured event bus backend.
func openBus(cfg *config.Config, rdb *redis.Client, logger zerolog.Logger) (messaging.Bus, error) {
	if cfg.Bus.Backend == config.BusRedis {
		return messaging.NewRedisBus(rdb, cfg.Bus.Topic, logger), nil
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.ReconnectWait = cfg.NATS.ReconnectWait
	natsConfig.Name = "hearth-gateway-" + cfg.ServerName
	client, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		return nil, err
	}
	return messaging.NewNATSBus(client, cfg.Bus.Topic, logger), nil
}

// openStore returns the PostgreSQL stores when a DSN is configured and an
// in-process store otherwise.
func openStore(cfg *config.Config, logger zerolog.Logger) (backend, func()) {
	if cfg.Postgres.DSN == "" {
		logger.Warn().Msg("no postgres dsn configured, messages are kept in memory")
		return store.NewMemory(), func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := store.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	if cfg.Postgres.Migrate {
		if err := store.Migrate(db); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply migrations")
		}
		logger.Info().Msg("migrations applied")
	}
	return store.NewPostgres(db), func() { db.Close() }
}
