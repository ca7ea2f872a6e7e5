package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dbbouncer/dbbouncer/internal/api"
	"github.com/dbbouncer/dbbouncer/internal/authpassthrough"
	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/health"
	"github.com/dbbouncer/dbbouncer/internal/metrics"
	"github.com/dbbouncer/dbbouncer/internal/pool"
	"github.com/dbbouncer/dbbouncer/internal/proxy"
	"github.com/dbbouncer/dbbouncer/internal/registry"
	"github.com/dbbouncer/dbbouncer/internal/session"
)

func main() {
	configPath := flag.String("config", "configs/dbbouncer.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("dbbouncer starting...")

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sugar.Infow("configuration loaded", "path", *configPath, "pools", len(cfg.Pools))

	m := metrics.New()

	var prewarmer session.Prewarmer
	if cfg.Plugins != nil && cfg.Plugins.Prewarmer != nil {
		prewarmer = session.Prewarmer{
			Enabled: cfg.Plugins.Prewarmer.Enabled,
			Queries: cfg.Plugins.Prewarmer.Queries,
		}
	}

	backend := session.NewManager(session.Postgres, cfg.General.ConnectTimeout, prewarmer, sugar,
		func(addr pool.Address) pool.ServerStats {
			return m.NewServerStats(addr.PoolName, addr.String())
		})

	reg, err := registry.New(cfg, backend, authpassthrough.Factory)
	if err != nil {
		log.Fatalf("failed to build pool registry: %v", err)
	}

	hc := health.NewChecker(reg, m, health.Config{
		Interval:          cfg.General.HealthcheckDelay,
		ConnectionTimeout: cfg.General.HealthcheckTimeout,
	})
	hc.Start()

	proxyServer := proxy.NewServer(reg, hc, m, cfg.Listen)
	if err := proxyServer.ListenPostgres(cfg.Listen.PostgresPort); err != nil {
		log.Fatalf("failed to start postgres proxy: %v", err)
	}
	if err := proxyServer.ListenMySQL(cfg.Listen.MySQLPort); err != nil {
		log.Fatalf("failed to start mysql proxy: %v", err)
	}

	reload := func() error {
		newCfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		return reg.ReloadFromConfig(newCfg)
	}

	apiServer := api.NewServer(reg, hc, m, reload, cfg.Listen)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		log.Fatalf("failed to start api server: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		sugar.Infow("reloading configuration")
		if err := reg.ReloadFromConfig(newCfg); err != nil {
			sugar.Errorw("config reload failed", "err", err)
		}
	})
	if err != nil {
		sugar.Warnw("config hot-reload not available", "err", err)
	}

	log.Printf("dbbouncer ready - pg:%d mysql:%d api:%d",
		cfg.Listen.PostgresPort, cfg.Listen.MySQLPort, cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	proxyServer.Stop()
	hc.Stop()

	log.Printf("dbbouncer stopped")
}
