// Command copytrader mirrors trades from one master MT5 account onto
// any number of slave accounts, each with its own lot sizing and
// filters, and serves an HTTP control surface for managing the fleet.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"mt5copier/internal/api"
	"mt5copier/internal/config"
	"mt5copier/internal/deploy"
	"mt5copier/internal/engine"
	"mt5copier/internal/monitor"
	"mt5copier/internal/mt5"
	"mt5copier/internal/retry"
	"mt5copier/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("loading config: %v", err)
	}

	log := newLogger(cfg.Logging)
	log.WithFields(logrus.Fields{
		"master": cfg.Master.Name,
		"slaves": len(cfg.Slaves),
	}).Info("copytrader starting")

	st, err := store.New(cfg.Database.Type, cfg.Database.Path, log)
	if err != nil {
		log.Fatalf("creating store: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.Initialize(ctx); err != nil {
		log.Fatalf("initializing store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Warn("store close failed")
		}
	}()

	factory := mt5.Factory(func(host string, port int) mt5.Client {
		client := mt5.NewBridgeClient(host, port)
		client.SetDialTimeout(cfg.ConnectionTimeout())
		return client
	})

	mon := monitor.New(cfg.MasterModel(), factory(cfg.Master.Host, cfg.Master.Port), log)
	retryMgr := retry.NewManager(retry.Config{
		MaxAttempts: cfg.Settings.RetryAttempts,
		BaseDelay:   cfg.RetryDelay(),
	}, log)

	eng := engine.New(mon, st, factory, retryMgr, engine.Config{
		InitialDelay:      cfg.InitialDelay(),
		PollInterval:      cfg.PollingInterval(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}, log)

	for _, slave := range cfg.SlaveModels() {
		if err := eng.AddSlave(ctx, slave); err != nil {
			log.Fatalf("registering slave %s: %v", slave.Name, err)
		}
	}

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("starting engine: %v", err)
	}

	server := api.NewServer(api.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
	}, eng, deploy.NewManager(log), log)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("control api failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("api shutdown failed")
	}

	eng.Stop()
	cancel()
	log.Info("copytrader stopped")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
