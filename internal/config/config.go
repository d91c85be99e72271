// Package config loads the crawler configuration. A Config is read once at
// startup and treated as immutable afterwards.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/serverseeker/internal/db"
	"github.com/anstrom/serverseeker/internal/errors"
	"github.com/anstrom/serverseeker/internal/logging"
	"github.com/anstrom/serverseeker/internal/scanning"
)

// DatabaseURLEnv overrides the database section when set.
const DatabaseURLEnv = "DB_URL"

// Config represents the complete crawler configuration
type Config struct {
	// Daemon configuration
	Daemon DaemonConfig `yaml:"daemon" json:"daemon"`

	// Database configuration
	Database db.Config `yaml:"database" json:"database"`

	// Scanner configuration
	Scanner ScannerConfig `yaml:"scanner" json:"scanner"`

	// Country tracking configuration
	CountryTracking CountryTrackingConfig `yaml:"country_tracking" json:"country_tracking"`

	// Metrics endpoint configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// DaemonConfig holds process-level settings
type DaemonConfig struct {
	// PID file location, empty disables it
	PIDFile string `yaml:"pid_file" json:"pid_file"`

	// Time allowed for in-flight attempts and queued writes to finish
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ScannerConfig holds sweep settings
type ScannerConfig struct {
	// Sweep mode: discovery or rescan
	Mode scanning.Mode `yaml:"mode" json:"mode"`

	// CIDR ranges swept in discovery mode
	Ranges []string `yaml:"ranges" json:"ranges" validate:"min=1"`

	// CIDR ranges never probed
	Exclude []string `yaml:"exclude" json:"exclude"`

	// Port spec such as "25565" or "25565-25570,25575"
	Ports string `yaml:"ports" json:"ports" validate:"required"`

	// Maximum concurrent connection attempts
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"min=1,max=65536"`

	// New connections per second, 0 disables the ceiling
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" validate:"gte=0"`

	// Burst allowed above the rate ceiling
	RateBurst int `yaml:"rate_burst" json:"rate_burst" validate:"gte=0"`

	// Per-attempt deadline covering connect, handshake and decode
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Protocol version announced in the handshake
	ProtocolVersion int32 `yaml:"protocol_version" json:"protocol_version"`

	// Measure round-trip latency with a ping after the status reply
	Ping bool `yaml:"ping" json:"ping"`

	// Restart discovery after the space is exhausted instead of exiting
	Repeat bool `yaml:"repeat" json:"repeat"`

	// Permutation seed, 0 picks a random seed that is then persisted
	Seed uint64 `yaml:"seed" json:"seed"`

	// How often the discovery cursor is saved
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" json:"checkpoint_interval"`

	// Pause between rescan passes
	RescanInterval time.Duration `yaml:"rescan_interval" json:"rescan_interval"`

	// Only servers seen within this window are rescanned, 0 means all
	RescanMaxAge time.Duration `yaml:"rescan_max_age" json:"rescan_max_age"`

	// Host names resolved through DNS and added to every rescan pass
	SeedHosts []string `yaml:"seed_hosts" json:"seed_hosts" validate:"dive,required"`

	// DNS server used for seed hosts, empty uses the system resolver
	Resolver string `yaml:"resolver" json:"resolver" validate:"omitempty,hostname_port"`

	// Records buffered between workers and the sink
	SinkQueueSize int `yaml:"sink_queue_size" json:"sink_queue_size" validate:"min=1"`

	// Goroutines writing to the sink
	SinkWorkers int `yaml:"sink_workers" json:"sink_workers" validate:"min=1"`

	// Retry policy for sink writes
	SinkRetry RetryConfig `yaml:"sink_retry" json:"sink_retry"`
}

// RetryConfig holds retry settings for failed sink writes
type RetryConfig struct {
	// Maximum number of retries
	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"gte=0"`

	// Delay before the first retry
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// Exponential backoff multiplier
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier" validate:"gte=1"`
}

// CountryTrackingConfig holds the IP-to-country dataset settings
type CountryTrackingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Hours between dataset refreshes
	UpdateFrequency int `yaml:"update_frequency" json:"update_frequency" validate:"min=1"`

	// CSV of start_ip,end_ip,country, optionally gzip compressed
	SourceURL string `yaml:"source_url" json:"source_url" validate:"omitempty,url"`

	// Address lookups kept in memory
	CacheSize int `yaml:"cache_size" json:"cache_size" validate:"min=1"`
}

// MetricsConfig holds the HTTP endpoint settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" validate:"required_if=Enabled true"`

	// Listen port
	Port int `yaml:"port" json:"port" validate:"min=0,max=65535"`

	// Path serving the Prometheus exposition
	Path string `yaml:"path" json:"path" validate:"startswith=/"`

	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output" validate:"required"`

	// Include source locations
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			PIDFile:         "",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: db.DefaultConfig(),
		Scanner: ScannerConfig{
			Mode:               scanning.ModeDiscovery,
			Ranges:             []string{"0.0.0.0/0"},
			Exclude:            append([]string(nil), scanning.DefaultExclusions...),
			Ports:              "25565",
			Concurrency:        1024,
			RateLimit:          2000,
			RateBurst:          200,
			Timeout:            5 * time.Second,
			ProtocolVersion:    47,
			Ping:               false,
			Repeat:             true,
			CheckpointInterval: 30 * time.Second,
			RescanInterval:     10 * time.Minute,
			RescanMaxAge:       7 * 24 * time.Hour,
			SinkQueueSize:      1024,
			SinkWorkers:        4,
			SinkRetry: RetryConfig{
				MaxRetries:        3,
				RetryDelay:        500 * time.Millisecond,
				BackoffMultiplier: 2.0,
			},
		},
		CountryTracking: CountryTrackingConfig{
			Enabled:         false,
			UpdateFrequency: 24,
			CacheSize:       65536,
		},
		Metrics: MetricsConfig{
			Enabled:      false,
			ListenAddr:   "127.0.0.1",
			Port:         9100,
			Path:         "/metrics",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
// DB_URL, when set, replaces the database connection settings.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		if err := config.readFile(path); err != nil {
			return nil, err
		}
	}

	if url := os.Getenv(DatabaseURLEnv); url != "" {
		config.Database.URL = url
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// JSON is a subset of YAML, so one decoder serves both extensions.
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}
	return nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = validator.New()

// Validate checks struct constraints first and then the rules that span
// several fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			first := verrs[0]
			return errors.NewConfigFieldError(errors.CodeConfiguration,
				fmt.Sprintf("failed on the %q rule", first.Tag()), first.Namespace(), first.Value())
		}
		return errors.WrapConfigError(errors.CodeConfiguration, "invalid configuration", err)
	}

	if c.Database.URL == "" {
		if c.Database.Host == "" {
			return errors.ErrConfigInvalid("database.host", c.Database.Host)
		}
		if c.Database.Database == "" {
			return errors.ErrConfigInvalid("database.database", c.Database.Database)
		}
		if c.Database.Username == "" {
			return errors.ErrConfigInvalid("database.username", c.Database.Username)
		}
	}

	s := &c.Scanner
	if s.Timeout <= 0 {
		return errors.ErrConfigInvalid("scanner.timeout", s.Timeout)
	}
	if s.CheckpointInterval <= 0 {
		return errors.ErrConfigInvalid("scanner.checkpoint_interval", s.CheckpointInterval)
	}
	if s.Mode == scanning.ModeRescan && s.RescanInterval < 0 {
		return errors.ErrConfigInvalid("scanner.rescan_interval", s.RescanInterval)
	}
	if s.RescanMaxAge < 0 {
		return errors.ErrConfigInvalid("scanner.rescan_max_age", s.RescanMaxAge)
	}
	if s.SinkRetry.RetryDelay < 0 {
		return errors.ErrConfigInvalid("scanner.sink_retry.retry_delay", s.SinkRetry.RetryDelay)
	}
	if _, err := scanning.ParsePorts(s.Ports); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "invalid scanner ports", err)
	}
	if s.Mode == scanning.ModeDiscovery {
		if _, err := s.AddressSpace(); err != nil {
			return errors.WrapConfigError(errors.CodeConfiguration, "invalid scanner address space", err)
		}
	}

	if c.CountryTracking.Enabled && c.CountryTracking.SourceURL == "" {
		return errors.ErrConfigInvalid("country_tracking.source_url", c.CountryTracking.SourceURL)
	}

	if c.Metrics.Enabled && c.Metrics.Port == 0 {
		return errors.ErrConfigInvalid("metrics.port", c.Metrics.Port)
	}

	return nil
}

// AddressSpace builds the discovery space from ranges, exclusions and ports.
func (s *ScannerConfig) AddressSpace() (*scanning.AddressSpace, error) {
	ranges, err := scanning.ParsePrefixes(s.Ranges)
	if err != nil {
		return nil, err
	}
	exclude, err := scanning.ParsePrefixes(s.Exclude)
	if err != nil {
		return nil, err
	}
	ports, err := scanning.ParsePorts(s.Ports)
	if err != nil {
		return nil, err
	}
	return scanning.NewAddressSpace(ranges, exclude, ports)
}

// GovernorConfig returns the concurrency and rate settings.
func (s *ScannerConfig) GovernorConfig() scanning.GovernorConfig {
	return scanning.GovernorConfig{
		Concurrency: s.Concurrency,
		RateLimit:   s.RateLimit,
		Burst:       s.RateBurst,
	}
}

// GetDatabaseConfig returns the database configuration
func (c *Config) GetDatabaseConfig() db.Config {
	return c.Database
}

// GetMetricsAddress returns the full metrics listen address
func (c *Config) GetMetricsAddress() string {
	return net.JoinHostPort(c.Metrics.ListenAddr, strconv.Itoa(c.Metrics.Port))
}

// LoggerConfig converts the logging section for the logging package.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:     logging.LogLevel(c.Logging.Level),
		Format:    logging.LogFormat(c.Logging.Format),
		Output:    c.Logging.Output,
		AddSource: c.Logging.AddSource,
	}
}
