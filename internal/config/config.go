// Package config loads the transfile settings file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rudransh-shrivastava/transfile/internal/discovery"
	"github.com/rudransh-shrivastava/transfile/internal/logger"
	"github.com/rudransh-shrivastava/transfile/internal/protocol"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLocalPort    = 50001
	DefaultMinPort      = 1024
	DefaultMaxPort      = 65535
	DefaultWriteTimeout = 10000
	DefaultDatabasePath = "transfile.db"
	DefaultDownloadDir  = "downloads"
	DefaultLogLevel     = "info"

	envPrefix = "TRANSFILE_"
)

// Config holds every tunable of a node. Timeouts are in milliseconds.
type Config struct {
	ConnectTimeout      int      `yaml:"connect_timeout"`
	ConnectIntervalTime int      `yaml:"connect_interval_time"`
	LocalPort           int      `yaml:"local_port"`
	MinPort             int      `yaml:"min_port"`
	MaxPort             int      `yaml:"max_port"`
	ChunkSize           int64    `yaml:"chunk_size"`
	WriteTimeout        int      `yaml:"write_timeout"`
	STUNServers         []string `yaml:"stun_servers"`
	DatabasePath        string   `yaml:"database_path"`
	DownloadDir         string   `yaml:"download_dir"`
	LogLevel            string   `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		ConnectTimeout:      20000,
		ConnectIntervalTime: 500,
		LocalPort:           DefaultLocalPort,
		MinPort:             DefaultMinPort,
		MaxPort:             DefaultMaxPort,
		ChunkSize:           protocol.DefaultChunkSize,
		WriteTimeout:        DefaultWriteTimeout,
		STUNServers:         append([]string(nil), discovery.DefaultSTUNServers...),
		DatabasePath:        DefaultDatabasePath,
		DownloadDir:         DefaultDownloadDir,
		LogLevel:            DefaultLogLevel,
	}
}

// Load reads path over the defaults and applies TRANSFILE_* environment
// overrides. A missing file yields the defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	ints := map[string]*int{
		"CONNECT_TIMEOUT":       &c.ConnectTimeout,
		"CONNECT_INTERVAL_TIME": &c.ConnectIntervalTime,
		"LOCAL_PORT":            &c.LocalPort,
		"MIN_PORT":              &c.MinPort,
		"MAX_PORT":              &c.MaxPort,
		"WRITE_TIMEOUT":         &c.WriteTimeout,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
	}
	if v, ok := os.LookupEnv(envPrefix + "CHUNK_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sCHUNK_SIZE: %w", envPrefix, err)
		}
		c.ChunkSize = n
	}

	strs := map[string]*string{
		"DATABASE_PATH": &c.DatabasePath,
		"DOWNLOAD_DIR":  &c.DownloadDir,
		"LOG_LEVEL":     &c.LogLevel,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	return nil
}

// Validate checks the bounds the connector and operations rely on.
func (c *Config) Validate() error {
	var errs []error
	if c.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connect_timeout must be positive, got %d", c.ConnectTimeout))
	}
	if c.ConnectIntervalTime <= 0 {
		errs = append(errs, fmt.Errorf("connect_interval_time must be positive, got %d", c.ConnectIntervalTime))
	} else if c.ConnectIntervalTime > c.ConnectTimeout {
		errs = append(errs, fmt.Errorf("connect_interval_time %d exceeds connect_timeout %d", c.ConnectIntervalTime, c.ConnectTimeout))
	}
	if c.MinPort < 1 || c.MaxPort > 65535 || c.MinPort > c.MaxPort {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", c.MinPort, c.MaxPort))
	} else if !c.PortAllowed(c.LocalPort) {
		errs = append(errs, fmt.Errorf("local_port %d outside %d-%d", c.LocalPort, c.MinPort, c.MaxPort))
	}
	if c.ChunkSize < 1 || c.ChunkSize > protocol.MaxChunkSize {
		errs = append(errs, fmt.Errorf("chunk_size must be within 1-%d, got %d", protocol.MaxChunkSize, c.ChunkSize))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("write_timeout must not be negative, got %d", c.WriteTimeout))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// PortAllowed reports whether port lies within min_port..max_port.
func (c *Config) PortAllowed(port int) bool {
	return port >= c.MinPort && port <= c.MaxPort
}

func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Millisecond
}

func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.ConnectIntervalTime) * time.Millisecond
}

func (c *Config) WriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Millisecond
}

// Save writes c as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
