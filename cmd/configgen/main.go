package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/mqlink/internal/config"
	"github.com/danmuck/mqlink/internal/logging"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	kind := flags.StringP("kind", "k", config.KindReceiver, "config kind: receiver|sender")
	output := flags.StringP("output", "o", "", "output path for config template")
	validate := flags.Bool("validate", false, "validate an existing config file")
	input := flags.StringP("input", "i", "", "config path for validation (defaults to per-kind path)")
	force := flags.Bool("force", false, "overwrite existing config file")
	if err := flags.Parse(args); err != nil {
		return err
	}
	logging.ConfigureRuntime()

	if *validate {
		path := *input
		if path == "" {
			var err error
			if path, err = defaultPath(*kind); err != nil {
				return err
			}
		}
		if err := config.Validate(path, *kind); err != nil {
			return err
		}
		logging.Infof("configgen validated kind=%s path=%q", *kind, path)
		return nil
	}

	target := *output
	if target == "" {
		var err error
		if target, err = defaultPath(*kind); err != nil {
			return err
		}
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		return err
	}
	logging.Infof("configgen wrote kind=%s path=%q", *kind, target)
	return nil
}

func defaultPath(kind string) (string, error) {
	switch kind {
	case config.KindReceiver:
		return "cmd/mqreceiver/config.toml", nil
	case config.KindSender:
		return "cmd/mqsend/config.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}
