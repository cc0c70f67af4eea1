package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/kvwire/cmd/gen"
	"github.com/luma/kvwire/internal/env"
)

var logLevel string

var RootCmd = &cobra.Command{
	Use:   "kvwire",
	Short: "A client and development server for the kvwire protocol",
	Long: `kvwire talks to key/value servers that accept inline commands and
answer with RESP replies. It can also run an in-memory development server.

Settings are read from KVWIRE_* environment variables and .env.local,
flags take precedence.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error), overrides KVWIRE_LOG_LEVEL")

	RootCmd.AddCommand(ServeCmd, PingCmd, PublishCmd, SubscribeCmd, VersionCmd, gen.RootCmd)
}

func Execute() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config and builds the logger every command starts with.
func setup(ctx context.Context) (*env.Config, *zap.Logger, error) {
	conf, err := env.LoadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	if logLevel != "" {
		conf.LogLevel = logLevel
	}

	log, err := env.MakeLogger(conf.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	return conf, log, nil
}

// signalContext is cancelled on the first interrupt or terminate signal.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
