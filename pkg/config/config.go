// Package config provides configuration handling for the bTCP endpoints.
package config

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/irctrakz/btcp/pkg/core"
	"github.com/irctrakz/btcp/pkg/logging"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the complete endpoint configuration.
type Config struct {
	// Transport contains the protocol parameters.
	Transport core.TransportConfig `json:"transport" yaml:"transport"`

	// Network contains the datagram substrate addressing.
	Network core.NetworkConfig `json:"network" yaml:"network"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (trace, debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Transport: core.DefaultTransportConfig(),
		Network: core.NetworkConfig{
			LocalAddr:  "127.0.0.1:19000",
			RemoteAddr: "127.0.0.1:19001",
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open config file")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return errors.Wrap(err, "failed to read config file")
	}

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return errors.Wrap(err, "failed to parse JSON config")
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return errors.Wrap(err, "failed to parse YAML config")
		}
	default:
		return errors.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv(config *Config) {
	// Transport config
	if val := os.Getenv("BTCP_WINDOW"); val != "" {
		if w, err := strconv.Atoi(val); err == nil {
			config.Transport.WindowSize = w
		}
	}
	if val := os.Getenv("BTCP_TIMEOUT_MS"); val != "" {
		if t, err := strconv.Atoi(val); err == nil {
			config.Transport.TimeoutMS = t
		}
	}
	if val := os.Getenv("BTCP_MAX_RETRIES"); val != "" {
		if r, err := strconv.Atoi(val); err == nil {
			config.Transport.MaxRetries = r
		}
	}
	if val := os.Getenv("BTCP_TICK_INTERVAL_MS"); val != "" {
		if t, err := strconv.Atoi(val); err == nil {
			config.Transport.TickIntervalMS = t
		}
	}
	if val := os.Getenv("BTCP_RECV_BATCH"); val != "" {
		if b, err := strconv.Atoi(val); err == nil {
			config.Transport.RecvBatch = b
		}
	}

	// Network config
	if val := os.Getenv("BTCP_LOCAL_ADDR"); val != "" {
		config.Network.LocalAddr = val
	}
	if val := os.Getenv("BTCP_REMOTE_ADDR"); val != "" {
		config.Network.RemoteAddr = val
	}

	// Logging config
	if val := os.Getenv("BTCP_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("BTCP_LOG_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("BTCP_LOG_MAX_SIZE"); val != "" {
		if maxSize, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = maxSize
		}
	}
	if val := os.Getenv("BTCP_LOG_MAX_BACKUPS"); val != "" {
		if maxBackups, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxBackups = maxBackups
		}
	}
	if val := os.Getenv("BTCP_LOG_MAX_AGE"); val != "" {
		if maxAge, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxAge = maxAge
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate transport config
	if c.Transport.WindowSize <= 0 || c.Transport.WindowSize > 65535 {
		return errors.Errorf("invalid window size: %d", c.Transport.WindowSize)
	}
	if c.Transport.TimeoutMS <= 0 {
		return errors.Errorf("invalid timeout: %d ms", c.Transport.TimeoutMS)
	}
	if c.Transport.MaxRetries <= 0 {
		return errors.Errorf("invalid max retries: %d", c.Transport.MaxRetries)
	}
	if c.Transport.TickIntervalMS <= 0 {
		return errors.Errorf("invalid tick interval: %d ms", c.Transport.TickIntervalMS)
	}
	if c.Transport.RecvBatch <= 0 {
		return errors.Errorf("invalid recv batch: %d", c.Transport.RecvBatch)
	}

	// Validate network config
	if _, err := net.ResolveUDPAddr("udp", c.Network.LocalAddr); err != nil {
		return errors.Wrapf(err, "invalid local address %q", c.Network.LocalAddr)
	}
	if _, err := net.ResolveUDPAddr("udp", c.Network.RemoteAddr); err != nil {
		return errors.Wrapf(err, "invalid remote address %q", c.Network.RemoteAddr)
	}

	// Validate logging config
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
		// Valid levels
	default:
		return errors.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	var level logging.Level
	switch c.Logging.Level {
	case "trace":
		level = logging.TraceLevel
	case "debug":
		level = logging.DebugLevel
	case "info":
		level = logging.InfoLevel
	case "warn":
		level = logging.WarnLevel
	case "error":
		level = logging.ErrorLevel
	default:
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	// Enable file logging if configured
	if c.Logging.File != "" {
		dir := "."
		filename := c.Logging.File
		if lastSlash := strings.LastIndex(c.Logging.File, "/"); lastSlash != -1 {
			dir = c.Logging.File[:lastSlash]
			filename = c.Logging.File[lastSlash+1:]
		}

		err := logging.EnableFileLogging(
			dir,
			filename,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return errors.Wrap(err, "failed to enable file logging")
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
	default:
		return errors.Errorf("unsupported config file format: %s", path)
	}

	if lastSlash := strings.LastIndex(path, "/"); lastSlash != -1 {
		if err := os.MkdirAll(path[:lastSlash], 0755); err != nil {
			return errors.Wrap(err, "failed to create directory")
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}
