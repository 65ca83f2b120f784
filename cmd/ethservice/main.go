package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toshiapp/ethservice/api"
	"github.com/toshiapp/ethservice/db"
	"github.com/toshiapp/ethservice/db/metadb"
	"github.com/toshiapp/ethservice/gateway"
	"github.com/toshiapp/ethservice/log"
	"github.com/toshiapp/ethservice/manager"
	"github.com/toshiapp/ethservice/monitor"
	"github.com/toshiapp/ethservice/notify"
	"github.com/toshiapp/ethservice/storage"
	"github.com/toshiapp/ethservice/types"
	"github.com/toshiapp/ethservice/web3"
)

const shutdownTimeout = 10 * time.Second

// Services holds all the running services
type Services struct {
	Storage  *storage.Storage
	Chain    *web3.Client
	Manager  *manager.Manager
	Monitor  *monitor.Service
	Notifier *notify.Notifier
	API      *api.API
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log.Level, cfg.Log.Output)
	log.Infow("starting ethservice")

	if err := validateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to setup services: %v", err)
	}
	defer shutdownServices(services)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// setupServices initializes and starts all required services
func setupServices(ctx context.Context, cfg *Config) (*Services, error) {
	services := &Services{}

	log.Infow("initializing storage", "datadir", cfg.Datadir, "type", db.TypePebble)
	storagedb, err := metadb.New(db.TypePebble, cfg.Datadir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	services.Storage = storage.New(storagedb)

	services.Chain, err = web3.Dial(ctx, cfg.Ethereum.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ethereum node: %w", err)
	}
	chainID := services.Chain.ChainID()

	var pusher notify.Pusher
	if cfg.Push.URL != "" {
		pusher = notify.NewPushClient(cfg.Push.URL, cfg.Push.Username, cfg.Push.Password)
		log.Infow("push gateway configured", "url", cfg.Push.URL)
	}
	services.Notifier = notify.New(services.Storage, pusher, chainID.String())

	oracle := web3.NewGasOracle(cfg.GasOracle.URL)
	services.Manager = manager.New(services.Storage, services.Chain, services.Notifier, oracle)
	services.Manager.Start(ctx)

	gw := gateway.New(services.Storage, services.Chain, chainID)
	gw.SetQueueTrigger(services.Manager)
	gw.SetNotifyFunc(func(tx *types.Transaction) {
		services.Notifier.TransactionUpdated(tx, types.StatusNew)
	})

	services.Monitor = monitor.New(services.Storage, services.Chain, services.Manager, services.Notifier, chainID)
	services.Monitor.Start(ctx)

	services.API, err = api.New(&api.Config{
		Host:    cfg.API.Host,
		Port:    cfg.API.Port,
		Gateway: gw,
		Tokens:  services.Chain,
		Hub:     services.Notifier.Hub(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start API: %w", err)
	}
	return services, nil
}

// shutdownServices stops everything in reverse dependency order.
func shutdownServices(services *Services) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if services.API != nil {
		if err := services.API.Shutdown(ctx); err != nil {
			log.Warnw("API shutdown failed", "error", err.Error())
		}
	}
	if services.Monitor != nil {
		services.Monitor.Stop()
	}
	if services.Manager != nil {
		services.Manager.Stop()
	}
	if services.Chain != nil {
		services.Chain.Close()
	}
	if services.Storage != nil {
		services.Storage.Close()
	}
	log.Infow("shutdown complete")
}
