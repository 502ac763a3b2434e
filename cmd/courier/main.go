package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/courier/internal/retention"
	"github.com/mtzanidakis/courier/internal/store"
	"github.com/mtzanidakis/courier/lib/config"
	"github.com/mtzanidakis/courier/lib/natsbus"
	"github.com/mtzanidakis/courier/lib/protocol"
	"github.com/mtzanidakis/courier/lib/session"
	"github.com/mtzanidakis/courier/lib/vault"
	"github.com/spf13/pflag"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("courier %s\n", version)
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	case "send":
		if err := runSend(os.Args[2:]); err != nil {
			slog.Error("send failed", "error", err)
			os.Exit(1)
		}
	case "listen":
		if err := runListen(os.Args[2:]); err != nil {
			slog.Error("listen failed", "error", err)
			os.Exit(1)
		}
	case "server":
		if err := runServer(os.Args[2:]); err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: courier <command>

Commands:
  server     Run the messaging backend, delivery ledger and retention sweeper
  send       Send a message to an agent's queue
  listen     Consume an agent's queue and print its messages
  backup     Archive backend data and ledger (server stopped)
  restore    Restore an archive made by backup
  version    Print version
`)
}

func loadConfig(args []string) (*config.Config, error) {
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "path to config file (default $COURIER_CONFIG or config/courier.yaml)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return loadConfigFile(*path)
}

func loadConfigFile(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func runServer(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting courier server", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("ledger initialized", "path", cfg.Store.Path)

	client, closeBackend, err := connect(cfg.NATS)
	if err != nil {
		return err
	}
	defer closeBackend()

	// Provisions the message, ack and dedup buckets.
	if _, err := protocol.NewService(ctx, client, cfg.Messaging, db); err != nil {
		return fmt.Errorf("init messaging: %w", err)
	}
	sub, err := protocol.ForwardDeliveries(ctx, client, db)
	if err != nil {
		return fmt.Errorf("init delivery ledger: %w", err)
	}
	defer sub.Unsubscribe()

	var v *vault.Vault
	if cfg.Session.VaultPassphrase != "" {
		if v, err = vault.New(cfg.Session.VaultPassphrase); err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
	}
	sessions, err := session.NewStore(ctx, client, v)
	if err != nil {
		return fmt.Errorf("init sessions: %w", err)
	}

	sched, err := retention.ParseSchedule(cfg.Session.SweepSchedule)
	if err != nil {
		return fmt.Errorf("init retention: %w", err)
	}
	sweeper := retention.New(sessions, db, sched, cfg.Session.TTL)
	go sweeper.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()
	return nil
}

// connect joins an existing backend when a URL is configured and embeds one
// otherwise.
func connect(cfg config.NATSConfig) (*natsbus.Client, func(), error) {
	if cfg.URL != "" {
		client, err := natsbus.NewClientFromURL(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("init nats: %w", err)
		}
		slog.Info("connected to nats", "url", cfg.URL)
		return client, client.Close, nil
	}

	bus, err := natsbus.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init nats: %w", err)
	}
	client, err := natsbus.NewClient(bus)
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("init nats client: %w", err)
	}
	slog.Info("nats started", "port", cfg.Port, "data_dir", cfg.DataDir)
	return client, func() {
		client.Close()
		bus.Close()
	}, nil
}
