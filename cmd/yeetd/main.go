// yeetd runs a single-node yeet-at ledger: the accounts database, the bank
// with the system and yeet programs, the slot ticker, the JSON-RPC server
// and the geyser account stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fortiblox/yeet-at/pkg/config"
	"github.com/fortiblox/yeet-at/pkg/logging"
	"github.com/fortiblox/yeet-at/pkg/node"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var (
	configPath     = flag.String("config", "", "Path to a YAML config file (default: ./yeetd.yaml if present)")
	statusInterval = flag.Duration("status-interval", 30*time.Second, "Interval between status log lines (0 disables)")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if *showVersion {
		fmt.Printf("yeetd %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("yeetd failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting yeetd", zap.String("version", Version), zap.String("commit", GitCommit))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	nodeConfig := cfg.Node(logger)
	nodeConfig.OnError = func(err error) {
		cancel()
	}

	n, err := node.New(nodeConfig)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	var tick <-chan time.Time
	if *statusInterval > 0 {
		ticker := time.NewTicker(*statusInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			lastErr := n.Status().LastError
			if err := n.Stop(); err != nil {
				return err
			}
			return lastErr
		case <-tick:
			s := n.Status()
			logger.Info("status",
				zap.Uint64("slot", s.Slot),
				zap.Uint64("accounts", s.AccountsCount),
				zap.Uint64("transactions", s.TxsProcessed),
				zap.Int("geyser_subscribers", s.GeyserSubscribers),
				zap.Duration("uptime", s.Uptime.Truncate(time.Second)))
		}
	}
}
