package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hdresearch/vmswarm/internal/config"
	"github.com/hdresearch/vmswarm/internal/executor"
	"github.com/hdresearch/vmswarm/internal/facade"
	"github.com/hdresearch/vmswarm/internal/natsbus"
	"github.com/hdresearch/vmswarm/internal/provider"
	"github.com/hdresearch/vmswarm/internal/scheduler"
	"github.com/hdresearch/vmswarm/internal/session"
	"github.com/hdresearch/vmswarm/internal/store"
	"github.com/hdresearch/vmswarm/internal/swarm"
	"github.com/hdresearch/vmswarm/internal/vault"
	"github.com/hdresearch/vmswarm/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("vmswarm %s\n", version)
	case "gateway":
		err = runGateway()
	case "secret":
		err = runSecret(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	case "build-image":
		err = runBuildImage()
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: vmswarm <command>

Commands:
  gateway      Start the vmswarm gateway service
  secret       Manage encrypted secrets
  backup       Archive the data directory
  restore      Restore an archived data directory
  build-image  Build the local provider's node image
  version      Print version
`)
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting vmswarm gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	events, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer events.Close()

	var prov provider.Provider
	if cfg.Provider.Local {
		local, err := provider.NewLocal(cfg.Provider, cfg.SSH.KeyDir)
		if err != nil {
			return fmt.Errorf("init local provider: %w", err)
		}
		if err := local.CleanupStale(ctx); err != nil {
			slog.Warn("stale container cleanup failed", "error", err)
		}
		prov = local
		slog.Info("using local docker provider", "image", cfg.Provider.LocalImage)
	} else {
		prov = provider.NewClient(cfg.Provider)
		slog.Info("using remote vm provider", "base_url", cfg.Provider.BaseURL)
	}

	conn := session.NewConnector(prov, cfg.Provider, cfg.SSH)
	runner := executor.NewSSH(conn, cfg.SSH)

	var v *vault.Vault
	var secrets swarm.SecretSource
	if cfg.Vault.Passphrase != "" {
		v = vault.New(cfg.Vault.Passphrase)
		secrets = &storeSecrets{store: db, vault: v}
	} else {
		slog.Warn("vault passphrase not set, secret injection disabled")
	}

	manager := swarm.NewManager(swarm.Deps{
		Provider:  prov,
		Connector: conn,
		Runner:    runner,
		Store:     db,
		Events:    events,
		Secrets:   secrets,
	}, cfg.Swarm)
	defer manager.Close()

	if err := manager.Resume(ctx); err != nil {
		slog.Warn("swarm resume incomplete", "error", err)
	}

	f := facade.New(runner, cfg.Bridge.MaxReadBytes, cfg.Swarm.CommandTimeout, cfg.Policy.RecordPath)

	sched := scheduler.New(db, manager, events, cfg.Scheduler.PollInterval)
	go sched.Start(ctx)

	ipc := &ipcServer{store: db, swarm: manager, facade: f, prov: prov}
	if err := ipc.subscribe(bus); err != nil {
		return fmt.Errorf("ipc subscribe: %w", err)
	}

	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, prov, manager, f, v, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}
