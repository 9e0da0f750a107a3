package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/danmuck/mqlink/internal/config"
	"github.com/danmuck/mqlink/internal/diag"
	"github.com/danmuck/mqlink/internal/logging"
	"github.com/danmuck/mqlink/internal/sender"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const usage = `mqsend sends a test message, and optionally sample batches, to an mqreceiver.

Usage:
  mqsend [flags] [host] [port] [message_count]

Flags:
`

type options struct {
	envFile string
	cfg     config.Sender
	queue   string
	count   int
	samples bool
	probe   bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "mqsend: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", opts.envFile, err)
	}
	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return send(ctx, opts)
}

func send(ctx context.Context, opts options) error {
	client := sender.NewClient(opts.cfg.Client)
	defer client.Close()

	if opts.probe {
		if err := client.Probe(ctx); err != nil {
			return err
		}
		logging.Infof("mqsend probe addr=%q ok", client.Addr())
		return nil
	}

	n, err := client.SendTest(ctx, opts.queue, opts.count)
	if err != nil {
		return err
	}
	logging.Infof("mqsend test addr=%q queue=%q records=%d bytes=%d", client.Addr(), opts.queue, opts.count, n)

	if !opts.samples {
		return nil
	}
	pub := sender.NewPublisher(client, opts.cfg.Queues, diag.NewLogSink(log.Logger))
	now := time.Now()
	if err := errors.Join(
		pub.PublishDaily(ctx, sender.SampleDailyBars(now)),
		pub.PublishRealtime(ctx, sender.SampleRealtimeQuotes(now)),
		pub.PublishExRights(ctx, sender.SampleExRights(now)),
		pub.PublishMarketTable(ctx, sender.SampleMarketTable(now)),
	); err != nil {
		return err
	}
	snap := pub.Stats()
	for _, c := range snap.Active() {
		logging.Infof("mqsend sent category=%s records=%d bytes=%d", c, snap[c].Records, snap[c].Bytes)
	}
	return nil
}

func parseArgs(args []string) (options, error) {
	var (
		configPath string
		opts       options
	)
	flags := pflag.NewFlagSet("mqsend", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "TOML sender config")
	flags.StringVar(&opts.envFile, "env", ".env", "dotenv file loaded before logging is configured")
	flags.StringVarP(&opts.queue, "queue", "q", sender.DefaultTestQueue, "queue name for the test message")
	flags.BoolVar(&opts.samples, "samples", false, "also publish one sample batch per category")
	flags.BoolVar(&opts.probe, "probe", false, "only check that the receiver accepts connections")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}

	opts.cfg = config.DefaultSender()
	if configPath != "" {
		loaded, err := config.LoadSender(configPath)
		if err != nil {
			return options{}, err
		}
		opts.cfg = loaded
	}

	opts.count = 1
	pos := flags.Args()
	if len(pos) > 3 {
		return options{}, fmt.Errorf("unexpected argument: %s", pos[3])
	}
	if len(pos) > 0 {
		opts.cfg.Client.Host = pos[0]
	}
	if len(pos) > 1 {
		port, err := strconv.Atoi(pos[1])
		if err != nil {
			return options{}, fmt.Errorf("invalid port %q: %w", pos[1], err)
		}
		opts.cfg.Client.Port = port
	}
	if len(pos) > 2 {
		count, err := strconv.Atoi(pos[2])
		if err != nil || count < 1 {
			return options{}, fmt.Errorf("invalid message_count %q", pos[2])
		}
		opts.count = count
	}
	if err := config.ValidateSender(opts.cfg); err != nil {
		return options{}, err
	}
	return opts, nil
}
