package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"FoxChat/config"
	"FoxChat/logger"
	"FoxChat/service/bus"
	"FoxChat/service/bus/natsbus"
	"FoxChat/service/bus/redisbus"
	"FoxChat/service/chat"
	"FoxChat/service/metrics"
	"FoxChat/service/storage"
	storageredis "FoxChat/service/storage/redis"
	"FoxChat/tools/ids"
	"FoxChat/tools/security"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	logger.Init(cfg.Server.LogLevel)
	ids.SetNodeID(cfg.Server.NodeID)

	jwtOpts := security.DefaultOptions(cfg.JWT.Secret())
	jwtOpts.Alg = cfg.JWT.Alg
	if len(jwtOpts.Secret) == 0 {
		logger.Errorf("JWT secret is empty, set %s", cfg.JWT.SecretEnv)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	membership, closeMembership := buildMembership(ctx, cfg)
	defer closeMembership()

	observer := metrics.NewObserver(nil)
	server := chat.NewServer(jwtOpts, cfg.Limits, membership, observer)

	consumer, err := buildConsumer(cfg)
	if err != nil {
		logger.Errorf("bus setup: %v", err)
		os.Exit(1)
	}
	if err := consumer.Start(ctx, server.Consume); err != nil {
		logger.Errorf("bus start: %v", err)
		os.Exit(1)
	}
	defer consumer.Close()

	server.StartPingLoop(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	server.RegisterRoutes(router)
	router.GET("/metrics", metrics.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: router}

	go func() {
		logger.Infof("gateway listening on %s (bus=%s)", addr, cfg.Server.Bus)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("listen: %v", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Infof("received %s, shutting down", s)
	case <-ctx.Done():
	}

	server.Shutdown("server is restarting, please reconnect shortly")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
}

// buildMembership picks the Postgres check when a DSN is configured
// and the allow-all fallback otherwise.
func buildMembership(ctx context.Context, cfg *config.Config) (chat.Membership, func()) {
	if cfg.Postgres.DSN == "" {
		logger.Warnf("no postgres dsn configured, chat membership is unchecked")
		return storage.AllowAllMembership{}, func() {}
	}
	pg, err := storage.NewPGMembership(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Errorf("postgres setup: %v", err)
		os.Exit(1)
	}
	return pg, pg.Close
}

func buildConsumer(cfg *config.Config) (bus.Consumer, error) {
	switch cfg.Server.Bus {
	case "nats":
		return natsbus.New(cfg.Nats.URL, cfg.Nats.Subject), nil
	default:
		if err := storageredis.Init(storageredis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}); err != nil {
			return nil, err
		}
		return redisbus.New(storageredis.Get(), cfg.Redis.Channel), nil
	}
}
