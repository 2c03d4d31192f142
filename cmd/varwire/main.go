package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"varwire/internal/config"
	"varwire/internal/evaluator"
	"varwire/internal/logging"
	"varwire/internal/runtime"
	"varwire/internal/transport"
)

var (
	// Global flags
	verbose    bool
	configPath string
	rootsPath  string

	// Serve flags
	transportKind string
	peerName      string
	indicateStart bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "varwire",
	Short: "varwire - reactive pub/sub runtime for live program state",
	Long: `varwire exposes live in-process program state to remote subscribers
as JSON blocks. Subscribers install monitors over a variable graph; the
runtime polls the watched values and publishes diffs of whatever changed.

Transports are pluggable: line-delimited JSON over named pipes or stdio,
a watched spool directory, or a websocket stream broker.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd starts a connection around the selected transport.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a connection and serve blocks until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if transportKind != "" {
			cfg.Transport.Kind = transportKind
		}
		if peerName != "" {
			cfg.Name = peerName
		}
		if indicateStart {
			cfg.Connection.IndicateStart = true
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := logging.Initialize(".varwire", cfg.Logging); err != nil {
			return err
		}

		roots, err := loadRoots(rootsPath)
		if err != nil {
			return err
		}

		tr, closeTransport, err := buildTransport(cfg)
		if err != nil {
			return err
		}

		logger.Info("Starting connection",
			zap.String("name", cfg.Name),
			zap.String("transport", cfg.Transport.Kind))

		con, err := runtime.Start(context.Background(), runtime.Options{
			Name:                 cfg.Name,
			Roots:                roots,
			Transport:            tr,
			Evaluator:            evaluator.New(cfg.Eval.Timeout),
			DefaultUpdate:        cfg.Connection.DefaultUpdate,
			Verbosity:            cfg.Connection.Verbosity,
			IndicateStart:        cfg.Connection.IndicateStart,
			VerboseRefs:          cfg.Connection.VerboseRefs,
			DefaultStream:        cfg.Transport.Broker.Stream,
			LongRunningThreshold: cfg.Connection.LongRunningThreshold,
			DieOnFailure:         cfg.Connection.DieOnFailure,
		})
		if err != nil {
			closeTransport()
			return err
		}

		// An interrupt always terminates the process.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Shutting down", zap.String("signal", sig.String()))

		con.Shutdown()
		closeTransport()

		stats := con.Stats()
		logger.Info("Connection stats",
			zap.Int64("blocks_in", stats.BlocksIn),
			zap.Int64("blocks_out", stats.BlocksOut),
			zap.Int64("refresh_cycles", stats.RefreshCycles),
			zap.Int64("block_errors", stats.BlockErrors),
			zap.Int64("send_failures", stats.SendFailures))
		return nil
	},
}

// buildTransport constructs the configured transport and a cleanup func.
func buildTransport(cfg *config.Config) (runtime.Transport, func(), error) {
	switch cfg.Transport.Kind {
	case "", "pipe":
		p, err := transport.OpenPipe(cfg.Transport.Pipe.In, cfg.Transport.Pipe.Out)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	case "spool":
		s, err := transport.NewSpool(cfg.Transport.Spool.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "broker":
		ping, _ := time.ParseDuration(cfg.Transport.Broker.PingEvery)
		b := transport.NewBroker(
			cfg.Transport.Broker.URL,
			cfg.Transport.Broker.Stream,
			cfg.Transport.Broker.Topics,
			ping)
		return b, func() { _ = b.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// loadRoots reads the ambient root values from a yaml or json file.
func loadRoots(path string) (map[string]interface{}, error) {
	if path == "" {
		return map[string]interface{}{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roots file %s: %w", path, err)
	}
	roots := make(map[string]interface{})
	if json.Valid(data) {
		if err := json.Unmarshal(data, &roots); err != nil {
			return nil, fmt.Errorf("failed to parse roots file %s: %w", path, err)
		}
		return roots, nil
	}
	if err := yaml.Unmarshal(data, &roots); err != nil {
		return nil, fmt.Errorf("failed to parse roots file %s: %w", path, err)
	}
	return roots, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to varwire.yaml")

	serveCmd.Flags().StringVar(&transportKind, "transport", "", "transport kind: pipe, spool, or broker")
	serveCmd.Flags().StringVar(&peerName, "name", "", "connection name")
	serveCmd.Flags().StringVar(&rootsPath, "roots", "", "path to a yaml/json file of ambient roots")
	serveCmd.Flags().BoolVar(&indicateStart, "indicate-start", false, "print READY on the first successful outgoing tick")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
