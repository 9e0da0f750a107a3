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
	"github.com/danmuck/mqlink/internal/receiver"
	"github.com/danmuck/mqlink/internal/statusapi"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const usage = `mqreceiver accepts framed queue messages over TCP and reports per-category statistics.

Usage:
  mqreceiver [flags] [port] [host]

Flags:
`

type options struct {
	envFile string
	cfg     config.Receiver
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "mqreceiver: %v\n", err)
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
	return serve(ctx, opts.cfg)
}

func serve(ctx context.Context, cfg config.Receiver) error {
	sinks := diag.Fanout{diag.NewLogSink(log.Logger)}
	var hub *statusapi.Hub
	if cfg.StatusAddr != "" {
		hub = statusapi.NewHub()
		sinks = append(sinks, hub)
	}

	l := receiver.New(cfg.Listener, sinks)
	if err := l.Listen(ctx); err != nil {
		return err
	}

	if hub != nil {
		api := statusapi.New(cfg.StatusAddr, l, hub, cfg.StatusCORSOrigins)
		go func() {
			if err := api.Run(ctx); err != nil {
				logging.Errorf("mqreceiver status api addr=%q err=%v", cfg.StatusAddr, err)
			}
		}()
	}
	return l.Serve(ctx)
}

// parseArgs resolves defaults, then the config file, then flags, then positionals.
func parseArgs(args []string) (options, error) {
	var (
		configPath  string
		envFile     string
		statusAddr  string
		readTimeout time.Duration
		reportEvery int
	)
	flags := pflag.NewFlagSet("mqreceiver", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "TOML receiver config")
	flags.StringVar(&envFile, "env", ".env", "dotenv file loaded before logging is configured")
	flags.StringVar(&statusAddr, "status-addr", "", "HTTP status API address (empty disables)")
	flags.DurationVar(&readTimeout, "read-timeout", 0, "per-read receive timeout (0 waits forever)")
	flags.IntVar(&reportEvery, "report-every", 0, "records between statistics dumps per category")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}

	cfg := config.DefaultReceiver()
	if configPath != "" {
		loaded, err := config.LoadReceiver(configPath)
		if err != nil {
			return options{}, err
		}
		cfg = loaded
	}
	if flags.Changed("status-addr") {
		cfg.StatusAddr = statusAddr
	}
	if flags.Changed("read-timeout") {
		cfg.Listener.ReadTimeout = readTimeout
	}
	if flags.Changed("report-every") {
		cfg.Listener.ReportEvery = reportEvery
	}

	pos := flags.Args()
	if len(pos) > 2 {
		return options{}, fmt.Errorf("unexpected argument: %s", pos[2])
	}
	if len(pos) > 0 {
		port, err := strconv.Atoi(pos[0])
		if err != nil {
			return options{}, fmt.Errorf("invalid port %q: %w", pos[0], err)
		}
		cfg.Listener.Port = port
	}
	if len(pos) > 1 {
		cfg.Listener.Host = pos[1]
	}
	if err := config.ValidateReceiver(cfg); err != nil {
		return options{}, err
	}
	return options{envFile: envFile, cfg: cfg}, nil
}
