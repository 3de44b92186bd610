// Command chatcore runs the messaging core: the REST API and the websocket
// gateway on one listener, backed by SQLite, with optional Redis presence
// mirroring and Kafka push-notification handoff.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-core/internal/cache"
	"github.com/tbourn/go-chat-core/internal/config"
	"github.com/tbourn/go-chat-core/internal/gateway"
	httpapi "github.com/tbourn/go-chat-core/internal/http"
	"github.com/tbourn/go-chat-core/internal/notify"
	"github.com/tbourn/go-chat-core/internal/observability"
	"github.com/tbourn/go-chat-core/internal/repo"
	"github.com/tbourn/go-chat-core/internal/services"
	"github.com/tbourn/go-chat-core/internal/sysutil"
)

var version = "dev"

func main() {
	// .env is optional; real environment wins.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.ConfigureLogger(cfg.LogLevel, cfg.LogPretty)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appVersion := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, appVersion)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	store := services.NewMessageStore(db,
		cfg.Store.WriteSlotTimeout, cfg.Store.AppendMaxRetries, cfg.Store.AppendRetryBase, cfg.Store.MaxTextRunes)
	tracker := services.NewDeliveryTracker(db)
	presence := services.NewPresenceRegistry(cfg.Presence.OnlineTTL, cfg.Presence.TypingTTL)

	if cfg.Broker.RedisURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err := cache.Dial(dialCtx, cfg.Broker.RedisURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer rdb.Close()
		presence.Mirror = cache.NewRedisPresence(rdb, cfg.Broker.RedisKeyPrefix)
		log.Info().Msg("presence mirrored to redis")
	}

	router := services.NewConversationRouter(store, tracker, presence, nil, nil)
	router.Outbox = services.OutboxOptions{
		Size:    cfg.Broker.NotifyQueueSize,
		Workers: cfg.Broker.NotifyWorkers,
		Timeout: cfg.Broker.NotifyTimeout,
	}
	if len(cfg.Broker.KafkaBrokers) > 0 {
		kn := notify.NewKafkaNotifier(cfg.Broker.KafkaBrokers, cfg.Broker.KafkaTopic)
		defer func() {
			if err := kn.Close(); err != nil {
				log.Warn().Err(err).Msg("kafka writer close")
			}
		}()
		router.Notifier = kn
		log.Info().Strs("brokers", cfg.Broker.KafkaBrokers).Str("topic", cfg.Broker.KafkaTopic).Msg("push notifications via kafka")
	}

	gw := gateway.New(router, gateway.Options{
		QueueSize:        cfg.Gateway.OutboundQueueSize,
		BackfillPageSize: cfg.Gateway.BackfillPageSize,
		InboundRPS:       cfg.Gateway.InboundRPS,
		InboundBurst:     cfg.Gateway.InboundBurst,
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go presence.Run(sweepCtx, cfg.Presence.SweepInterval)

	r := gin.New()
	httpapi.RegisterRoutes(r, router, gw, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("version", appVersion).Msg("chatcore listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked websocket connections are invisible to srv.Shutdown.
	gw.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	stopSweep()
	// Drain queued notifications before the kafka writer closes.
	router.Close()
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("stopped")
}
