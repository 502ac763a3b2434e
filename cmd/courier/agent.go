package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/courier/lib/config"
	"github.com/mtzanidakis/courier/lib/natsbus"
	"github.com/mtzanidakis/courier/lib/protocol"
	"github.com/spf13/pflag"
)

type sendOptions struct {
	configPath string
	out        protocol.Outgoing
	guaranteed bool
	retries    int
}

func parseSendArgs(args []string) (sendOptions, error) {
	flags := pflag.NewFlagSet("send", pflag.ContinueOnError)
	cfgPath := flags.StringP("config", "c", "", "path to config file")
	to := flags.StringP("to", "t", "", "recipient agent")
	from := flags.String("from", "courier-cli", "sender name")
	msgType := flags.String("type", "", "message type")
	payload := flags.StringP("payload", "p", "null", "JSON payload")
	correlation := flags.String("correlation-id", "", "correlation id")
	priority := flags.String("priority", "normal", "low, normal, high or critical")
	ttl := flags.Duration("ttl", 0, "time to live (default messaging.default_ttl)")
	guaranteed := flags.BoolP("guaranteed", "g", false, "wait for the acknowledgment and resend on timeout")
	retries := flags.Int("retries", protocol.UseDefaultRetries, "total sends with --guaranteed (default messaging.max_retries)")
	if err := flags.Parse(args); err != nil {
		return sendOptions{}, err
	}
	if *to == "" || *msgType == "" {
		return sendOptions{}, fmt.Errorf("--to and --type are required")
	}

	var body any
	if err := json.Unmarshal([]byte(*payload), &body); err != nil {
		return sendOptions{}, fmt.Errorf("parse payload: %w", err)
	}
	prio, err := protocol.ParsePriority(*priority)
	if err != nil {
		return sendOptions{}, err
	}

	return sendOptions{
		configPath: *cfgPath,
		out: protocol.Outgoing{
			Type:          *msgType,
			Sender:        *from,
			Recipient:     *to,
			Payload:       body,
			CorrelationID: *correlation,
			Priority:      prio,
			TTL:           *ttl,
		},
		guaranteed: *guaranteed,
		retries:    *retries,
	}, nil
}

func runSend(args []string) error {
	opts, err := parseSendArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: courier send --to <agent> --type <type> [--payload json] [--guaranteed]\n")
		return err
	}
	cfg, err := loadConfigFile(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, closeClient, err := agentService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeClient()

	return sendMessage(ctx, svc, opts, os.Stdout)
}

// sendMessage writes the id of every queued message to w, one per line.
func sendMessage(ctx context.Context, svc *protocol.Service, opts sendOptions, w io.Writer) error {
	if !opts.guaranteed {
		m, err := svc.Send(ctx, opts.out)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, m.ID)
		return nil
	}

	d, err := svc.SendWithGuaranteedDelivery(ctx, opts.out, opts.retries)
	if d != nil {
		for _, id := range d.MessageIDs {
			fmt.Fprintln(w, id)
		}
	}
	if err != nil {
		return err
	}
	slog.Info("delivered", "message", d.AckedID, "attempts", d.Attempts)
	return nil
}

type listenOptions struct {
	configPath string
	recipient  string
	types      []string
	interval   time.Duration
	batch      int
}

func parseListenArgs(args []string) (listenOptions, error) {
	flags := pflag.NewFlagSet("listen", pflag.ContinueOnError)
	cfgPath := flags.StringP("config", "c", "", "path to config file")
	as := flags.StringP("as", "a", "", "agent whose queue to consume")
	types := flags.StringSliceP("type", "t", nil, "message types to accept (repeatable)")
	interval := flags.Duration("interval", time.Second, "poll interval")
	batch := flags.Int("batch", 10, "messages per poll")
	if err := flags.Parse(args); err != nil {
		return listenOptions{}, err
	}
	if *as == "" || len(*types) == 0 {
		return listenOptions{}, fmt.Errorf("--as and at least one --type are required")
	}
	return listenOptions{
		configPath: *cfgPath,
		recipient:  *as,
		types:      *types,
		interval:   *interval,
		batch:      *batch,
	}, nil
}

func runListen(args []string) error {
	opts, err := parseListenArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: courier listen --as <agent> --type <type> [--type <type>...]\n")
		return err
	}
	cfg, err := loadConfigFile(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, closeClient, err := agentService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeClient()

	listen(ctx, svc, opts, os.Stdout)
	return nil
}

// listen prints every accepted message to w as a JSON line and acknowledges
// it, until ctx is done.
func listen(ctx context.Context, svc *protocol.Service, opts listenOptions, w io.Writer) {
	enc := json.NewEncoder(w)
	d := protocol.NewDispatcher(svc, opts.recipient, opts.batch)
	for _, t := range opts.types {
		d.Handle(t, func(_ context.Context, m *protocol.Message) error {
			return enc.Encode(m)
		})
	}
	d.Run(ctx, opts.interval)
}

// agentService connects to a running server the way an agent process does.
// Delivery events go over the bus to the server's ledger.
func agentService(ctx context.Context, cfg *config.Config) (*protocol.Service, func(), error) {
	url := cfg.NATS.URL
	if url == "" {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.NATS.Port)
	}
	client, err := natsbus.NewClientFromURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", url, err)
	}
	svc, err := protocol.NewService(ctx, client, cfg.Messaging, protocol.NewBusLedger(client))
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("init messaging: %w", err)
	}
	return svc, client.Close, nil
}
