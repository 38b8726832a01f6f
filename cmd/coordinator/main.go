package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/session-coordinator/config"
	"github.com/mossy-p/session-coordinator/internal/game"
	"github.com/mossy-p/session-coordinator/internal/handlers"
	"github.com/mossy-p/session-coordinator/internal/hub"
	"github.com/mossy-p/session-coordinator/internal/identity"
	"github.com/mossy-p/session-coordinator/internal/matchmaking"
	"github.com/mossy-p/session-coordinator/internal/models"
	"github.com/mossy-p/session-coordinator/internal/playback"
	"github.com/mossy-p/session-coordinator/internal/redis"
	"github.com/mossy-p/session-coordinator/internal/registry"
	"github.com/mossy-p/session-coordinator/internal/session"
	"github.com/mossy-p/session-coordinator/internal/store"
	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	storePrefix     = "coord:"
	shutdownTimeout = 30 * time.Second
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("coordinator stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A failed ping is not fatal: the fallback store serves from memory
	// until redis comes back.
	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, starting degraded", "addr", cfg.Redis.Addr(), "error", err)
	} else {
		logger.Info("redis connection established", "addr", cfg.Redis.Addr())
	}
	defer rdb.Close()

	st := store.NewFallbackStore(
		store.NewRedisStore(rdb, storePrefix),
		store.NewMemoryStore(nil),
		logger.With("component", "store"),
	)

	rule, err := matchmaking.RuleByName(cfg.Match.Rule)
	if err != nil {
		return err
	}
	chatWindow, err := matchmaking.ParseWindow(cfg.Match.ChatWindow)
	if err != nil {
		return err
	}

	rooms := registry.New(st, logger.With("component", "registry"),
		registry.WithTTL(cfg.Rooms.TTL),
		registry.WithPlaybackMaxMembers(cfg.Rooms.PlaybackMaxMembers),
	)
	queue := matchmaking.New(st, rooms, logger.With("component", "matchmaking"),
		matchmaking.WithRule(rule),
		matchmaking.WithQueueTTL(cfg.Match.QueueTTL),
		matchmaking.WithWindow(models.KindChat, chatWindow),
	)
	games := game.NewService(rooms, cfg.Session.ForfeitGrace, logger.With("component", "game"))
	pb := playback.NewService(rooms, logger.With("component", "playback"))

	events := hub.New(logger.With("component", "hub"))
	if cfg.Session.Relay {
		relay, closeRelay, err := newRelay(cfg, rdb, logger.With("component", "relay"))
		if err != nil {
			return err
		}
		defer closeRelay()
		events.UseRelay(relay, cfg.InstanceID)
	}

	sessions := session.NewManager(events, rooms, queue, games, pb, session.Config{
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
	}, logger.With("component", "session"))
	defer sessions.Close()

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	handlers.New(rooms, queue, sessions, events, st, logger.With("component", "http")).
		Register(router, identity.NewResolver(cfg.JWTSecret))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting session coordinator",
			"port", cfg.Port,
			"instance_id", cfg.InstanceID,
			"match_rule", rule.Name(),
			"relay", cfg.Session.Relay,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sessions.RunSweeper(gctx, cfg.Rooms.SweepInterval)
	})
	g.Go(func() error {
		return sessions.RunPlaybackSync(gctx, cfg.Session.PlaybackSyncInterval)
	})
	g.Go(func() error {
		return events.Run(gctx)
	})

	return g.Wait()
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// newRelay picks the cross-instance transport: NATS when NATS_URL is set,
// otherwise pub/sub on the redis connection already held for storage.
func newRelay(cfg *config.Config, rdb *goredis.Client, logger *slog.Logger) (hub.Relay, func(), error) {
	if cfg.Session.NatsURL == "" {
		return hub.NewRedisRelay(rdb, hub.DefaultRelayChannel, logger), func() {}, nil
	}

	nc, err := nats.Connect(cfg.Session.NatsURL,
		nats.Name("session-coordinator-"+cfg.InstanceID),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("relaying events over nats", "url", cfg.Session.NatsURL)
	return hub.NewNatsRelay(nc, hub.DefaultRelaySubject, logger), nc.Close, nil
}
