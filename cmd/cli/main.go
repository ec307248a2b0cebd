package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koopa0/mini-redis/internal/cache"
	"github.com/koopa0/mini-redis/internal/cli"
	"github.com/koopa0/mini-redis/internal/config"
	"github.com/koopa0/mini-redis/internal/persistence"
	"github.com/koopa0/mini-redis/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional config file; its persistence section is used")
		capacity   = flag.Int("capacity", 5, "maximum number of entries")
		policyName = flag.String("policy", "LRU", "eviction policy (LRU or LFU)")
		expiryName = flag.String("expiry", "", "expiry mode (absolute or sliding), required")
		defaultTTL = flag.Duration("default-ttl", 5*time.Second, "ttl used when SET has no PX, 0 disables expiry")
		backend    = flag.String("backend", config.BackendMemory, "persistence backend (none|memory|file|redis|postgres|nats)")
		filePath   = flag.String("file", "", "snapshot path for the file backend")
		logLevel   = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	// 日誌寫到 stderr，避免與命令輸出混在一起
	log, err := logger.Init(logger.Options{Level: *logLevel, Format: "text", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(log, *configPath, *capacity, *policyName, *expiryName, *defaultTTL, *backend, *filePath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, configPath string, capacity int, policyName, expiryName string, defaultTTL time.Duration, backend, filePath string) error {
	policy, err := cache.ParsePolicyType(policyName)
	if err != nil {
		return err
	}
	if expiryName == "" {
		return errors.New("-expiry is required (absolute or sliding)")
	}
	expiry, err := cache.ParseExpiryMode(expiryName)
	if err != nil {
		return err
	}

	persist := config.Default().Persistence
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		persist = cfg.Persistence
	}
	// 命令列參數優先於配置檔
	if configPath == "" || isFlagSet("backend") {
		persist.Backend = backend
	}
	if filePath != "" {
		persist.File.Path = filePath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := persistence.Open(ctx, persist, log)
	if err != nil {
		return fmt.Errorf("open persistence backend: %w", err)
	}
	if gw != nil {
		defer func() {
			if err := gw.Close(); err != nil {
				log.Warn("failed to close persistence backend", "error", err)
			}
		}()
	}

	var gateway cache.Gateway
	if gw != nil {
		gateway = gw
	}
	store, err := cache.New(cache.Config{
		MaxCapacity:     capacity,
		Policy:          policy,
		Expiry:          expiry,
		SaveTimeout:     persist.SaveTimeout,
		FlushOnShutdown: true,
	}, gateway, log)
	if err != nil {
		return err
	}
	defer store.Shutdown()

	shell := cli.NewShell(store, os.Stdout, log, cli.WithDefaultTTL(defaultTTL))
	if err := shell.Run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
