package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ezsetup/ezpf/pkg/app"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ezpf",
		Short: "ezpf - interactive NAT port-forwarding manager",
		Long:  "A dual-stack TCP/UDP port-forwarding rule manager with persistent nftables state.",
		RunE:  runInteractive,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/ezpf/ezpf.yaml", "path to config file")

	rootCmd.AddCommand(newAddCommand())
	rootCmd.AddCommand(newClearCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// runInteractive starts the menu session with signal handling.
func runInteractive(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer logger.Sync()

	logger.Info("starting ezpf",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	application, err := newApp(logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown. Cancellation unwinds the
	// menu loop so the watchers stop and the deferred Sync runs.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newAddCommand() *cobra.Command {
	var family, port, to, toPort string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add one port forward non-interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			application, err := newApp(logger)
			if err != nil {
				return err
			}
			return application.RunAdd(family, port, to, toPort)
		},
	}

	cmd.Flags().StringVar(&family, "family", "ipv4", "address family (ipv4 or ipv6)")
	cmd.Flags().StringVar(&port, "port", "", "local port to forward")
	cmd.Flags().StringVar(&to, "to", "", "remote address to forward to")
	cmd.Flags().StringVar(&toPort, "to-port", "", "remote port (defaults to local port)")
	cmd.MarkFlagRequired("port")
	cmd.MarkFlagRequired("to")

	return cmd
}

func newClearCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the whole forwarding table",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer logger.Sync()

			application, err := newApp(logger)
			if err != nil {
				return err
			}
			return application.RunClear(yes)
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion of all forwarding rules")

	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the complete live ruleset",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()

			application, err := newApp(logger)
			if err != nil {
				return err
			}
			dump, err := application.RunShow()
			if err != nil {
				return err
			}
			fmt.Print(dump)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ezpf version %s\n", version)
		},
	}
}

// newApp builds the application and runs the fatal environment checks.
func newApp(logger *zap.Logger) (*app.App, error) {
	application, err := app.New(configPath, logger)
	if err != nil {
		return nil, err
	}
	if err := application.Preflight(); err != nil {
		logger.Error("environment check failed", zap.Error(err))
		return nil, err
	}
	return application, nil
}

// newLogger creates a production zap logger with console encoding for readability.
func newLogger() *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	loggerConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger
}
