// Command facilitator runs the x402 payment facilitator service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	facilitator "github.com/openx402/facilitator"
	"github.com/openx402/facilitator/config"
	"github.com/openx402/facilitator/logger"
	"github.com/openx402/facilitator/metrics"
	"github.com/openx402/facilitator/server"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "facilitator:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.NewZapLogger(cfg.LogLevel)

	opts := []facilitator.Option{facilitator.WithLogger(log)}

	var recorder *metrics.PrometheusRecorder
	if cfg.Metrics {
		recorder = metrics.NewPrometheusRecorder()
		opts = append(opts, facilitator.WithMetrics(recorder))
	}

	f, err := facilitator.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer f.Close()
	f.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(f, log, metricsHandlerOrNil(recorder))
	return srv.Run(ctx, cfg.Listen)
}

// metricsHandlerOrNil avoids handing the server a non-nil interface
// wrapping a nil recorder.
func metricsHandlerOrNil(recorder *metrics.PrometheusRecorder) interface{ Handler() http.Handler } {
	if recorder == nil {
		return nil
	}
	return recorder
}
