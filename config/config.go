package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/activecore/errors"
)

// Config represents the complete process configuration
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// ServerConfig configures the TCP server
type ServerConfig struct {
	Name            string   `json:"name" yaml:"name"`
	Host            string   `json:"host" yaml:"host"`
	Port            string   `json:"port" yaml:"port"`
	Workers         int      `json:"workers" yaml:"workers"`       // 0 = serialized dispatch
	QueueSize       int      `json:"queue_size" yaml:"queue_size"` // pool backlog
	RetainSessions  bool     `json:"retain_sessions" yaml:"retain_sessions"`
	ReadBufferSize  int      `json:"read_buffer_size" yaml:"read_buffer_size"`
	AcceptRate      float64  `json:"accept_rate" yaml:"accept_rate"` // connections per second, 0 = unlimited
	AcceptBurst     int      `json:"accept_burst" yaml:"accept_burst"`
	Echo            bool     `json:"echo" yaml:"echo"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// NATSConfig configures forwarding of session data to NATS
type NATSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	URL            string   `json:"url" yaml:"url"`
	Subject        string   `json:"subject" yaml:"subject"`
	ClientName     string   `json:"client_name" yaml:"client_name"`
	MaxReconnects  int      `json:"max_reconnects" yaml:"max_reconnects"`
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "tcpserver",
			Host:            "0.0.0.0",
			Port:            "7000",
			QueueSize:       64,
			ReadBufferSize:  4096,
			AcceptBurst:     1,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Subject:        "tcp.sessions",
			ClientName:     "activecore",
			MaxReconnects:  -1,
			ConnectTimeout: Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for values the process cannot run with
func (c *Config) Validate() error {
	var problems []string

	host := strings.TrimSpace(c.Server.Host)
	if host != "" && host != "localhost" && net.ParseIP(strings.Trim(host, "[]")) == nil {
		problems = append(problems, fmt.Sprintf("server.host %q is not an IP address", c.Server.Host))
	}
	if p, err := strconv.Atoi(c.Server.Port); err != nil || p < 0 || p > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %q is not a port", c.Server.Port))
	}
	if c.Server.Workers < 0 {
		problems = append(problems, "server.workers must not be negative")
	}
	if c.Server.Workers > 0 && c.Server.QueueSize < 0 {
		problems = append(problems, "server.queue_size must not be negative")
	}
	if c.Server.ReadBufferSize < 0 {
		problems = append(problems, "server.read_buffer_size must not be negative")
	}
	if c.Server.AcceptRate < 0 {
		problems = append(problems, "server.accept_rate must not be negative")
	}
	if c.Server.AcceptRate > 0 && c.Server.AcceptBurst < 1 {
		problems = append(problems, "server.accept_burst must be at least 1 when accept_rate is set")
	}
	if c.Server.ShutdownTimeout < 0 {
		problems = append(problems, "server.shutdown_timeout must not be negative")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			problems = append(problems, fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port))
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			problems = append(problems, fmt.Sprintf("metrics.path %q must start with /", c.Metrics.Path))
		}
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			problems = append(problems, "nats.url is required when nats is enabled")
		}
		if !isLiteralSubject(c.NATS.Subject) {
			problems = append(problems, fmt.Sprintf("nats.subject %q is not a literal subject", c.NATS.Subject))
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q unknown", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q unknown", c.Log.Format))
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(
			errors.Join(errors.ErrInvalidConfig, fmt.Errorf("%s", strings.Join(problems, "; "))),
			"Config", "Validate", "configuration validation")
	}
	return nil
}

func isLiteralSubject(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\r\n*>") {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
	}
	return true
}

// SaveToFile writes the configuration as JSON or YAML depending on the
// file extension
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch formatOf(path) {
	case formatYAML:
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

type fileFormat int

const (
	formatJSON fileFormat = iota
	formatYAML
)

func formatOf(path string) fileFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "ACTIVECORE",
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones field by field.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnv replaces the environment lookup used for overrides
func (l *Loader) SetEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	l.getenv = getenv
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load applies defaults, every layer and then environment overrides
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		if err := l.loadLayer(cfg, path); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadLayer decodes the file over cfg so only keys present in the file
// change
func (l *Loader) loadLayer(cfg *Config, path string) error {
	data, err := safeReadFile(path)
	if err != nil {
		return err
	}

	switch formatOf(path) {
	case formatYAML:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return errors.Join(errors.ErrInvalidConfig, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return errors.Join(errors.ErrInvalidConfig, err)
		}
	}
	return nil
}

// applyEnvOverrides applies <PREFIX>_SECTION_FIELD environment variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if val := l.getenv(l.envPrefix + "_" + key); val != "" {
			*dst = val
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if val := l.getenv(l.envPrefix + "_" + key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if val := l.getenv(l.envPrefix + "_" + key); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	// Server overrides
	str("SERVER_NAME", &cfg.Server.Name)
	str("SERVER_HOST", &cfg.Server.Host)
	str("SERVER_PORT", &cfg.Server.Port)
	num("SERVER_WORKERS", &cfg.Server.Workers)
	num("SERVER_QUEUE_SIZE", &cfg.Server.QueueSize)
	flag("SERVER_RETAIN_SESSIONS", &cfg.Server.RetainSessions)
	flag("SERVER_ECHO", &cfg.Server.Echo)

	// Metrics overrides
	flag("METRICS_ENABLED", &cfg.Metrics.Enabled)
	num("METRICS_PORT", &cfg.Metrics.Port)

	// NATS overrides
	flag("NATS_ENABLED", &cfg.NATS.Enabled)
	str("NATS_URL", &cfg.NATS.URL)
	str("NATS_SUBJECT", &cfg.NATS.Subject)

	// Log overrides
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	if len(errs) > 0 {
		return errors.Join(errors.ErrInvalidConfig, fmt.Errorf("%v", errs))
	}
	return nil
}
