// Pandoras Box CLI.
// Parses flags, wires the RPC client and metrics, and hands the run to the
// runner. SIGINT and SIGTERM cancel the run context.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/unifralabs/pandoras-box/internal/config"
	"github.com/unifralabs/pandoras-box/internal/logging"
	"github.com/unifralabs/pandoras-box/internal/metrics"
	"github.com/unifralabs/pandoras-box/internal/rpc"
	"github.com/unifralabs/pandoras-box/internal/runner"
)

func main() {
	logger, closeLogs, err := logging.Init()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLogs()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		closeLogs()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientCfg := rpc.DefaultClientConfig(cfg.JSONRPCURL)
	clientCfg.Logger = logger
	client := rpc.NewHTTPClient(clientCfg)

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New(nil)
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	if err := runner.New(cfg, client, m, logger).Run(ctx); err != nil {
		logger.Error("run failed", slog.String("error", err.Error()))
		closeLogs()
		os.Exit(1)
	}
}
