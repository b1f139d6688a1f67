package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration for the simulator.
type CLIConfig struct {
	ConfigPath      string
	ReplayFile      string
	ReplaySpeed     float64
	ListenAddr      string
	RecordDir       string
	NATSURL         string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("TAGSTREAM_CONFIG", ""),
		"Path to process-wide YAML configuration (env: TAGSTREAM_CONFIG)")

	flag.StringVar(&cfg.ReplayFile, "replay-file",
		getEnv("TAGSTREAM_REPLAY_FILE", ""),
		"Wire-format tag file to replay; empty generates a synthetic demo stream (env: TAGSTREAM_REPLAY_FILE)")

	flag.Float64Var(&cfg.ReplaySpeed, "replay-speed",
		getEnvFloat("TAGSTREAM_REPLAY_SPEED", 1.0),
		"Replay pacing: 1.0 plays at the recorded rate, 0 disables pacing (env: TAGSTREAM_REPLAY_SPEED)")

	flag.StringVar(&cfg.ListenAddr, "listen",
		getEnv("TAGSTREAM_LISTEN", ":8090"),
		"Websocket feed listen address (env: TAGSTREAM_LISTEN)")

	flag.StringVar(&cfg.RecordDir, "record-dir",
		getEnv("TAGSTREAM_RECORD_DIR", ""),
		"Directory to persist the tapped tag stream to; empty disables recording (env: TAGSTREAM_RECORD_DIR)")

	flag.StringVar(&cfg.NATSURL, "nats-url",
		getEnv("TAGSTREAM_NATS_URL", ""),
		"NATS server URL for an additional network Source; empty disables it (env: TAGSTREAM_NATS_URL)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("TAGSTREAM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: TAGSTREAM_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("TAGSTREAM_LOG_FORMAT", "json"),
		"Log format: json, text (env: TAGSTREAM_LOG_FORMAT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("TAGSTREAM_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: TAGSTREAM_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")

	flag.Usage = printHelp
	flag.Parse()

	return cfg
}

func printHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - time-tag stream processing demo

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		var parsed float64
		if _, err := fmt.Sscanf(v, "%g", &parsed); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}
