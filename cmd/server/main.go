package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koopa0/mini-redis/internal/cache"
	"github.com/koopa0/mini-redis/internal/config"
	"github.com/koopa0/mini-redis/internal/handler"
	"github.com/koopa0/mini-redis/internal/notify"
	"github.com/koopa0/mini-redis/internal/persistence"
	"github.com/koopa0/mini-redis/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// 載入配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 設定日誌
	log, err := logger.Init(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// 持久化後端
	gw, err := persistence.Open(ctx, cfg.Persistence, log)
	if err != nil {
		log.Error("failed to open persistence backend", "backend", cfg.Persistence.Backend, "error", err)
		os.Exit(1)
	}

	policy, err := cache.ParsePolicyType(cfg.Cache.Policy)
	if err != nil {
		log.Error("invalid cache policy", "error", err)
		os.Exit(1)
	}
	expiry, err := cache.ParseExpiryMode(cfg.Cache.Expiry)
	if err != nil {
		log.Error("invalid expiry mode", "error", err)
		os.Exit(1)
	}

	// 事件推送
	hub := notify.NewHub(log)

	var gateway cache.Gateway
	if gw != nil {
		gateway = gw
	}
	store, err := cache.New(cache.Config{
		MaxCapacity:     cfg.Cache.MaxCapacity,
		Policy:          policy,
		Expiry:          expiry,
		SweepInterval:   cfg.Cache.SweepInterval,
		SaveTimeout:     cfg.Persistence.SaveTimeout,
		FlushOnShutdown: cfg.Cache.FlushOnShutdown,
	}, gateway, log, cache.WithListener(hub.Publish))
	if err != nil {
		log.Error("failed to create cache", "error", err)
		os.Exit(1)
	}

	h := handler.New(store, hub, log)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"addr", srv.Addr,
			"policy", policy,
			"expiry", expiry,
			"capacity", cfg.Cache.MaxCapacity,
			"backend", cfg.Persistence.Backend,
		)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			exitCode = 1
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

		// 先停止接收請求，再關閉 WebSocket 連線
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
		cancel()
		hub.Close()
	}

	// 停止背景工作並視設定保存最後一次快照
	store.Shutdown()
	if gw != nil {
		if err := gw.Close(); err != nil {
			log.Error("failed to close persistence backend", "error", err)
		}
	}

	log.Info("server stopped", "stats", store.Stats())
	os.Exit(exitCode)
}
