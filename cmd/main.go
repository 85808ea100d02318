package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/relayctrl/internal/config"
	"github.com/l0p7/relayctrl/internal/logging"
	"github.com/l0p7/relayctrl/internal/metrics"
	"github.com/l0p7/relayctrl/internal/relay"
	"github.com/l0p7/relayctrl/internal/relay/cache"
	"github.com/l0p7/relayctrl/internal/relay/conflict"
	"github.com/l0p7/relayctrl/internal/relay/netstatus"
	"github.com/l0p7/relayctrl/internal/relay/queue"
	"github.com/l0p7/relayctrl/internal/relay/ratelimit"
	"github.com/l0p7/relayctrl/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "RELAYCTRL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	responseCache := buildResponseCache(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := responseCache.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()
	if sweep := time.Duration(cfg.Server.Cache.SweepSeconds) * time.Second; sweep > 0 {
		go cache.RunSweeper(ctx, responseCache, sweep, logger.With(slog.String("agent", "cache_sweeper")))
	}

	monitor, manual, prober := buildMonitor(logger, cfg.Server.Netstatus)
	if prober != nil {
		go prober.Run(ctx)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)
	tracker := ratelimit.NewTracker()

	exec, err := relay.NewExecutor(relay.Options{
		Client:          &http.Client{},
		Cache:           responseCache,
		Tracker:         tracker,
		Monitor:         monitor,
		Metrics:         recorder,
		Logger:          logger,
		DefaultTimeout:  time.Duration(cfg.Server.Executor.TimeoutSeconds) * time.Second,
		DefaultRetries:  cfg.Server.Executor.Retries,
		DefaultCacheTTL: time.Duration(cfg.Server.Cache.TTLSeconds) * time.Second,
		Rules:           cfg.Rules,
	})
	if err != nil {
		logger.Error("executor setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	store := buildQueueStore(logger.With(slog.String("agent", "queue_factory")), cfg.Server.Queue)
	mutationQueue := queue.New(store, queue.SenderFunc(exec.SendMutation), logger, queue.Options{
		MaxAttempts: cfg.Server.Queue.MaxAttempts,
	})
	exec.AttachQueue(mutationQueue)
	defer func() {
		if err := mutationQueue.Close(); err != nil {
			logger.Error("queue shutdown failed", slog.Any("error", err))
		}
	}()

	// Queued mutations replay as soon as connectivity returns.
	unsubscribe := monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			report, err := mutationQueue.ReplayAll(ctx)
			if err != nil {
				logger.Error("replay after reconnect failed", slog.Any("error", err))
				return
			}
			if !report.Skipped {
				logger.Info("reconnect replay finished",
					slog.Int("attempted", report.Attempted),
					slog.Int("succeeded", report.Succeeded),
					slog.Int("dropped", report.Dropped))
			}
			recorder.ObserveReplayReport(report.Succeeded, report.Requeued, report.Dropped)
			if size, err := mutationQueue.Size(ctx); err == nil {
				recorder.SetQueueDepth(size)
			}
		}()
	})
	defer unsubscribe()

	engine := conflict.NewEngine(logger)

	var rulesWatcher *config.RulesWatcher
	if cfg.Server.Rules.RulesFile != "" || cfg.Server.Rules.RulesFolder != "" {
		watcher, err := loader.WatchRules(ctx, cfg, func(bundle config.RuleBundle) {
			if err := exec.ReloadRules(bundle.Rules); err != nil {
				logger.Error("rule reload rejected", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("rules watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("rules watcher setup failed", slog.Any("error", err))
		} else {
			rulesWatcher = watcher
			defer rulesWatcher.Stop()
		}
	}

	api, err := server.NewAPI(server.APIOptions{
		Executor:     exec,
		Queue:        mutationQueue,
		Engine:       engine,
		Tracker:      tracker,
		Monitor:      monitor,
		Manual:       manual,
		Recorder:     recorder,
		Metrics:      recorder.Handler(),
		Logger:       logger,
		SkippedRules: cfg.SkippedRules,
	})
	if err != nil {
		logger.Error("unable to construct api", slog.Any("error", err))
		os.Exit(1)
	}

	srv, err := server.New(cfg, logger, server.NewRouter(api))
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildResponseCache(logger *slog.Logger, cfg config.CacheConfig) cache.ResponseCache {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory response cache", slog.Duration("ttl", ttl))
		return cache.NewMemory(ttl)
	case "redis":
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		}, ttl)
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory(ttl)
		}
		logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		return redisCache
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory(ttl)
	}
}

func buildQueueStore(logger *slog.Logger, cfg config.QueueConfig) queue.Store {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		logger.Warn("queue path empty; queued mutations will not survive restarts")
		return queue.NewMemoryStore()
	}
	store, err := queue.NewSQLiteStore(path)
	if err != nil {
		logger.Error("sqlite queue store initialization failed", slog.String("path", path), slog.Any("error", err))
		logger.Warn("falling back to memory queue store")
		return queue.NewMemoryStore()
	}
	logger.Info("using sqlite queue store", slog.String("path", path))
	return store
}

func buildMonitor(logger *slog.Logger, cfg config.NetstatusConfig) (netstatus.Monitor, *netstatus.Manual, *netstatus.Prober) {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	switch mode {
	case "always-online":
		return netstatus.AlwaysOnline{}, nil, nil
	case "probe":
		manual := netstatus.NewManual(cfg.StartOnline)
		interval := time.Duration(cfg.ProbeIntervalSeconds) * time.Second
		prober := netstatus.NewProber(manual, cfg.ProbeTarget, interval, logger)
		return manual, manual, prober
	default:
		manual := netstatus.NewManual(cfg.StartOnline)
		return manual, manual, nil
	}
}
