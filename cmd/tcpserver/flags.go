package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	Host            string
	Port            string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg, err := parseArgs(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		// flag.ExitOnError has already reported the problem
		os.Exit(2)
	}
	return cfg
}

// parseArgs binds the CLI flags to fs with environment fallbacks read
// through getenv. Empty Host, Port and ShutdownTimeout leave the values from
// the configuration file in place.
func parseArgs(fs *flag.FlagSet, args []string, getenv func(string) string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	env := envLookup(getenv)

	fs.StringVar(&cfg.ConfigPath, "config",
		env.str("ACTIVECORE_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: ACTIVECORE_CONFIG)")

	fs.StringVar(&cfg.ConfigPath, "c",
		env.str("ACTIVECORE_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: ACTIVECORE_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		env.str("ACTIVECORE_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error (env: ACTIVECORE_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		env.str("ACTIVECORE_LOG_FORMAT", ""),
		"Log format: json, text (env: ACTIVECORE_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		env.boolean("ACTIVECORE_DEBUG", false),
		"Enable debug logging (env: ACTIVECORE_DEBUG)")

	fs.StringVar(&cfg.Host, "host", "", "Listen address, overrides server.host")
	fs.StringVar(&cfg.Port, "port", "", "Listen port, overrides server.port")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		env.duration("ACTIVECORE_SHUTDOWN_TIMEOUT", 0),
		"Graceful shutdown timeout, overrides server.shutdown_timeout (env: ACTIVECORE_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(fs)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.Port != "" {
		if p, err := strconv.Atoi(cfg.Port); err != nil || p < 0 || p > 65535 {
			return fmt.Errorf("invalid port: %s", cfg.Port)
		}
	}

	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	out := fs.Output()
	_, _ = fmt.Fprintf(out, `%s - active-object TCP server

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	printExamples(out)
}

func printExamples(out io.Writer) {
	_, _ = fmt.Fprintf(out, `
Examples:
  # Echo server on port 7000 with defaults
  %s

  # Run with a configuration file and text logs
  %s --config=/etc/activecore/server.yaml --log-format=text

  # Override the listen address
  %s --host=127.0.0.1 --port=49000

  # Run with environment variables
  export ACTIVECORE_CONFIG=/etc/activecore/server.json
  export ACTIVECORE_SERVER_WORKERS=8
  %s

  # Validate configuration only
  %s --validate --config=server.yaml

Version: %s
Build: %s
`, appName, appName, appName, appName, appName, Version, BuildTime)
}

// envLookup reads typed environment values, falling back to the default
// when a variable is unset or unparsable
type envLookup func(string) string

func (e envLookup) str(key, defaultValue string) string {
	if value := e(key); value != "" {
		return value
	}
	return defaultValue
}

func (e envLookup) boolean(key string, defaultValue bool) bool {
	if value := e(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (e envLookup) duration(key string, defaultValue time.Duration) time.Duration {
	if value := e(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
