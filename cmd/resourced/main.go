package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/emberweb/resourced/internal/config"
	"github.com/emberweb/resourced/internal/debug"
	"github.com/emberweb/resourced/internal/dispatch"
	"github.com/emberweb/resourced/internal/fetch"
	"github.com/emberweb/resourced/internal/filemgr"
	"github.com/emberweb/resourced/internal/logging"
	"github.com/emberweb/resourced/internal/monitoring"
	"github.com/emberweb/resourced/internal/state"
	"github.com/emberweb/resourced/internal/workers"
)

// exitWait bounds how long shutdown waits for the dispatch loop's ack
// before giving up and letting the process die.
const exitWait = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	dev := flag.Bool("dev", false, "development mode: colored logs, debug level")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resourced: %v\n", err)
		os.Exit(1)
	}
	if *dev {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "resourced: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	metrics := monitoring.NewMetrics()
	pool := workers.NewPool(cfg.Workers.PoolSize, cfg.Workers.QueueSize, log, metrics)
	files := filemgr.NewManager(pool, log)
	client := fetch.NewClient(cfg, log, metrics)
	schemes := fetch.NewSchemeRegistry()

	public := state.New("public", cfg.Profiles.PublicDir, cfg, log, metrics)
	private := state.New("private", cfg.Profiles.PrivateDir, cfg, log, metrics)

	mgr := dispatch.NewManager(cfg,
		dispatch.Lane{Profile: public, Fetcher: fetch.NewFetcher(cfg, client, public, files, schemes, log, metrics)},
		dispatch.Lane{Profile: private, Fetcher: fetch.NewFetcher(cfg, client, private, files, schemes, log, metrics)},
		files, pool, log, metrics)
	mgr.Start()

	var dbg *debug.Server
	if cfg.Debug.Enabled {
		dbg = debug.New(cfg, mgr, pool, files, metrics, log)
		if err := dbg.Start(); err != nil {
			log.Warn("debug server disabled", zap.Error(err))
			dbg = nil
		}
	}

	log.Info("resourced started",
		zap.String("public_dir", cfg.Profiles.PublicDir),
		zap.String("private_dir", cfg.Profiles.PrivateDir),
		zap.Int("max_concurrent_fetches", cfg.Fetch.MaxConcurrent),
		zap.Bool("debug_server", dbg != nil),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	if dbg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = dbg.Stop(ctx)
		cancel()
	}

	reply := make(chan struct{}, 1)
	mgr.PublicChannel() <- dispatch.Exit{Reply: reply}
	select {
	case <-reply:
		log.Info("shutdown complete")
	case <-time.After(exitWait):
		log.Warn("dispatch loop did not ack exit in time")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
