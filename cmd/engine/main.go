package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"relaychat/auth"
	"relaychat/config"
	"relaychat/logger"
	"relaychat/metrics"
	"relaychat/service/gateway"
	"relaychat/service/notify"
	"relaychat/service/presence"
	"relaychat/service/registry"
	"relaychat/service/router"
	"relaychat/service/store"
	"relaychat/tools/ids"
)

func main() {
	var confPath string
	flag.StringVar(&confPath, "c", "./config.yml", "config file(s), comma separated")
	flag.Parse()

	cfg, err := config.Load(confPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)
	ids.SetNodeID(cfg.Gateway.NodeID)
	nodeID := "gw-" + strconv.FormatInt(cfg.Gateway.NodeID, 10)
	metrics.Register()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	st, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Errorf("store init: %v", err)
		os.Exit(1)
	}
	dispatcher, err := buildDispatcher(cfg)
	if err != nil {
		logger.Errorf("notify init: %v", err)
		os.Exit(1)
	}

	tracker := presence.NewTracker(presence.Config{
		Debounce:   cfg.Presence.OfflineDebounce,
		SweepEvery: cfg.Presence.SweepEvery,
	})
	defer tracker.Close()

	var mirror *presence.RedisMirror
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Errorf("redis ping: %v", err)
			os.Exit(1)
		}
		mirror = presence.NewRedisMirror(rdb, nodeID, cfg.Redis.PresenceTTL)
		tracker.SetMirror(mirror)
	}

	fanout := registry.NewFanout(cfg.Fanout.Workers, cfg.Fanout.Queue)
	reg := registry.New(tracker, fanout)

	if cfg.Nats.URL != "" {
		bp, err := registry.NewNatsBackplane(cfg.Nats.URL, nodeID, reg)
		if err != nil {
			logger.Errorf("nats backplane: %v", err)
			os.Exit(1)
		}
		defer bp.Close()
		reg.SetBackplane(bp)
	}

	rt := router.New(st, reg, dispatcher, router.Config{
		AppendTimeout: cfg.Router.AppendTimeout,
		TypingTTL:     cfg.Router.TypingTTL,
	})
	defer rt.Close()
	if mirror != nil {
		rt.SetClusterPresence(mirror)
	}

	srv := gateway.NewServer(gateway.Config{
		ReadBufferSize:  cfg.Gateway.ReadBufferSize,
		WriteBufferSize: cfg.Gateway.WriteBufferSize,
		SendQueueSize:   cfg.Gateway.SendQueueSize,
		IdleTimeout:     cfg.Gateway.IdleTimeout,
		WriteTimeout:    cfg.Gateway.WriteTimeout,
	}, buildAuth(cfg), reg, tracker, rt)

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", srv.HandleWS)
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r}
	go func() {
		logger.Infof("engine listening on %s (node=%s store=%s notify=%s)",
			cfg.HTTP.Addr, nodeID, cfg.Store.Backend, cfg.Notify.Backend)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("serve: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	_ = httpSrv.Shutdown(shutCtx)
}

func buildStore(ctx context.Context, cfg *config.Config) (store.ConversationStore, error) {
	switch cfg.Store.Backend {
	case "mongo":
		return store.NewMongoStore(ctx, store.MongoConfig{
			URI:      cfg.Store.Mongo.URI,
			Database: cfg.Store.Mongo.Database,
		})
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Store.Postgres.URL)
	default:
		return store.NewMemoryStore(), nil
	}
}

func buildDispatcher(cfg *config.Config) (notify.Dispatcher, error) {
	if cfg.Notify.Backend == "kafka" {
		return notify.NewKafkaDispatcher(cfg.Notify.Brokers, cfg.Notify.Topic)
	}
	return notify.NewMemoryDispatcher(), nil
}

func buildAuth(cfg *config.Config) auth.Authenticator {
	j := auth.NewJWT([]byte(cfg.Auth.Secret))
	j.Header = cfg.Auth.Header
	j.BearerPrefix = cfg.Auth.BearerPrefix
	j.QueryKey = cfg.Auth.QueryKey
	return j
}
