// Package main implements a demo CLI wiring a file-replay Source, a
// Dispatcher, a handful of reference Measurements, and the optional
// websocket feed and persist edges end to end: flag-based configuration,
// slog logging, signal-driven shutdown, scaled to one process driving one
// Source rather than a config-file-defined service graph.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/tagtrace/tagstream/channelspace"
	"github.com/tagtrace/tagstream/config"
	"github.com/tagtrace/tagstream/dispatcher"
	"github.com/tagtrace/tagstream/feed"
	"github.com/tagtrace/tagstream/health"
	"github.com/tagtrace/tagstream/measurement"
	"github.com/tagtrace/tagstream/measurements"
	"github.com/tagtrace/tagstream/metric"
	"github.com/tagtrace/tagstream/natsclient"
	"github.com/tagtrace/tagstream/persist"
	"github.com/tagtrace/tagstream/pkg/retry"
	"github.com/tagtrace/tagstream/registry"
	"github.com/tagtrace/tagstream/source"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "tagstream-sim"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	channelspace.Freeze(cfg.ChannelScheme())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metricsRegistry := metric.NewMetricsRegistry()
	disp := dispatcher.New(logger, metricsRegistry.CoreMetrics())
	healthMon := health.NewMonitor()

	src, err := buildSource(ctx, cliCfg, cfg, logger, healthMon)
	if err != nil {
		return err
	}

	measurementBases, feedTap, persistTap, err := buildMeasurements(disp)
	if err != nil {
		return err
	}
	for _, base := range measurementBases {
		if err := base.Start(); err != nil {
			return fmt.Errorf("start measurement %s: %w", base.Name(), err)
		}
	}

	feedMetrics := feed.NewMetrics(metricsRegistry.PrometheusRegistry())
	feedSrv := feed.NewServer(feedTap, "/ws", feed.WithMetrics(feedMetrics), feed.WithPoolMetrics(metricsRegistry))
	go func() {
		logger.Info("feed websocket listening", "addr", cliCfg.ListenAddr, "path", "/ws")
		if err := feedSrv.Serve(ctx, cliCfg.ListenAddr); err != nil {
			logger.Error("feed server exited", "error", err)
		}
	}()

	if cliCfg.RecordDir != "" {
		if err := os.MkdirAll(cliCfg.RecordDir, 0o755); err != nil {
			return fmt.Errorf("create record dir: %w", err)
		}
		writer, err := persist.NewFileWriter(cliCfg.RecordDir, "tagstream", persist.DefaultMaxFileBytes)
		if err != nil {
			return fmt.Errorf("create persist writer: %w", err)
		}
		go runRecorder(ctx, persistTap, writer, logger)
	}

	healthMon.UpdateHealthy("dispatcher", "running")
	runErr := disp.Run(ctx, src)
	healthMon.UpdateUnhealthy("dispatcher", "stopped")

	stopMeasurements(measurementBases, cliCfg.ShutdownTimeout, logger)

	logger.Info("shutdown complete")
	return runErr
}

// stopMeasurements stops every base, giving up and logging a warning if
// timeout elapses first. Base.Stop never blocks on the reference
// measurement set, but a future OnStop hook might.
func stopMeasurements(bases []*measurement.Base, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, base := range bases {
			if err := base.Stop(); err != nil {
				logger.Warn("stop measurement", "name", base.Name(), "error", err)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("measurements did not stop within shutdown timeout", "timeout", timeout)
	}
}

// loadConfig loads the process-wide configuration from path, or returns
// source.DefaultPolicy-backed defaults if path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// buildSource wires the file-replay Source (the default, synthesizing a
// demo stream when no --replay-file is given). If --nats-url is set it also
// connects a natsclient.Client and wires its health callback into
// healthMon; running a second Dispatcher off a network Source concurrently
// is out of scope for this demo, but the connect-and-monitor path alone
// exercises natsclient's bootstrap and steady-state health surface.
func buildSource(
	ctx context.Context,
	cliCfg *CLIConfig,
	cfg *config.Config,
	logger *slog.Logger,
	healthMon *health.Monitor,
) (*source.Source, error) {
	var reader io.Reader
	if cliCfg.ReplayFile != "" {
		f, err := os.Open(cliCfg.ReplayFile)
		if err != nil {
			return nil, fmt.Errorf("open replay file: %w", err)
		}
		reader = f
	} else {
		logger.Info("no --replay-file given, synthesizing a demo tag stream")
		reader = synthesizeDemoStream()
	}

	if cliCfg.NATSURL != "" {
		if err := connectNATS(ctx, cliCfg.NATSURL, logger, healthMon); err != nil {
			return nil, err
		}
	}

	speed := source.ReplaySpeed(cliCfg.ReplaySpeed)
	return source.NewFileReplaySource(ctx, reader, speed, cfg.SourcePolicy()), nil
}

// connectNATS bootstraps a natsclient.Client with persistent retry (distinct
// from the client's own steady-state reconnect/circuit-breaker, which only
// covers a connection already established) and mirrors its health callback
// into the process-wide health.Monitor.
func connectNATS(ctx context.Context, url string, logger *slog.Logger, healthMon *health.Monitor) error {
	client, err := natsclient.NewClient(url)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := retry.Do(connectCtx, retry.Persistent(), func() error {
		return client.Connect(connectCtx)
	}); err != nil {
		return fmt.Errorf("connect to NATS after retries: %w", err)
	}

	client.WithHealthCheck(15 * time.Second)
	client.OnHealthChange(func(healthy bool) {
		if healthy {
			healthMon.UpdateHealthy("nats", "connection healthy")
		} else {
			healthMon.UpdateUnhealthy("nats", "connection unhealthy")
		}
		logger.Info("nats health changed", "healthy", healthy)
	})

	logger.Info("connected to NATS", "url", client.URL())
	return nil
}

// buildMeasurements registers the reference measurement set that exercises
// the demo stream's three channels: a per-channel Counter built through the
// registry (demonstrating schema-validated JSON construction), a start/stop
// Correlation between channels 1 and 2, and two independent TimeTagStream
// taps feeding the websocket edge and the on-disk recorder respectively
// (each buffer can only be drained once, so sharing a single tap between
// two independent consumers would silently starve one of them).
func buildMeasurements(disp *dispatcher.Dispatcher) ([]*measurement.Base, *measurements.TimeTagStream, *measurements.TimeTagStream, error) {
	reg := registry.New()
	if err := registry.RegisterBuiltins(reg); err != nil {
		return nil, nil, nil, fmt.Errorf("register builtin measurement types: %w", err)
	}

	counterConfig, _ := json.Marshal(map[string]any{
		"channels":    []int32{1, 2, 3},
		"binwidth_ps": int64(100_000),
		"n_values":    16,
	})
	counterBase, err := reg.Construct("counter", "demo-counter", counterConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("construct counter: %w", err)
	}

	correlationConfig, _ := json.Marshal(map[string]any{
		"start_channel":      int32(1),
		"stop_channel":       int32(2),
		"binwidth_ps":        int64(10_000),
		"n_bins":             64,
		"max_pending_starts": 256,
	})
	correlationBase, err := reg.Construct("correlation", "demo-correlation", correlationConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("construct correlation: %w", err)
	}

	feedTap, err := measurements.NewTimeTagStream("feed-tap", []int32{1, 2, 3}, 8192)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("construct feed tap: %w", err)
	}
	persistTap, err := measurements.NewTimeTagStream("persist-tap", []int32{1, 2, 3}, 8192)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("construct persist tap: %w", err)
	}

	disp.Attach(counterBase, false)
	disp.Attach(correlationBase, false)
	disp.Attach(feedTap.Base, false)
	disp.Attach(persistTap.Base, false)

	return []*measurement.Base{counterBase, correlationBase, feedTap.Base, persistTap.Base}, feedTap, persistTap, nil
}

// runRecorder periodically drains tap and persists every observed tag until
// ctx is cancelled, closing writer on exit.
func runRecorder(ctx context.Context, tap *measurements.TimeTagStream, writer *persist.FileWriter, logger *slog.Logger) {
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Error("close persist writer", "error", err)
		}
	}()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := writer.WriteBlock(tap.Drain(tap.Pending())); err != nil {
				logger.Error("flush final persist block", "error", err)
			}
			return
		case <-ticker.C:
			if tags := tap.Drain(4096); len(tags) > 0 {
				if err := writer.WriteBlock(tags); err != nil {
					logger.Error("write persist block", "error", err)
				}
			}
		}
	}
}
