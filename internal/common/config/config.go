// Package config provides configuration management for the conductor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the conductor.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Events     EventsConfig     `mapstructure:"events"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	Completion  CompletionConfig  `mapstructure:"completion"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds the operator HTTP surface configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

// DatabaseConfig holds store connection configuration.
type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path          string `mapstructure:"path"`   // sqlite file path
	DSN           string `mapstructure:"dsn"`    // postgres connection string
	MaxConns      int    `mapstructure:"maxConns"`
	MinConns      int    `mapstructure:"minConns"`
	MigrationsDir string `mapstructure:"migrationsDir"` // if set, applied via internal/store/migrate instead of the built-in schema
}

// NATSConfig holds optional distributed event bus configuration.
// An empty URL means the in-memory bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace is loaded from configuration; no component reads it, so it
	// does not affect how subscriptions are registered or delivered.
	Namespace string `mapstructure:"namespace"`
}

// WatcherConfig holds file watcher / debouncer configuration.
type WatcherConfig struct {
	WatchDir                string        `mapstructure:"watchDir"`
	StabilityThreshold      time.Duration `mapstructure:"stabilityThreshold"`
	DebounceDelay           time.Duration `mapstructure:"debounceDelay"`
	RestartDelay            time.Duration `mapstructure:"restartDelay"`
	MaxConsecutiveFailures  int           `mapstructure:"maxConsecutiveFailures"`
	CriticalPathPatterns    []string      `mapstructure:"criticalPathPatterns"`
	ReplayBufferSize        int           `mapstructure:"replayBufferSize"`
}

// CompletionConfig holds completion poller/validator tuning.
type CompletionConfig struct {
	ActiveInterval    time.Duration   `mapstructure:"activeInterval"`
	QueuedInterval    time.Duration   `mapstructure:"queuedInterval"`
	CompletedInterval time.Duration   `mapstructure:"completedInterval"`
	RetryDelays       []time.Duration `mapstructure:"retryDelays"`
	MaxRetries        int             `mapstructure:"maxRetries"`
	Strictness        string          `mapstructure:"strictness"` // strict|lenient|audit
}

// RecoveryConfig holds crash-detection/recovery tuning.
type RecoveryConfig struct {
	ScanInterval     time.Duration `mapstructure:"scanInterval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeatTimeout"`
	MaxRetryAttempts int           `mapstructure:"maxRetryAttempts"`
}

// HandoffSeed declares one producer->consumer dependency link to materialize
// at startup, before any runtime CreateHandoff call arrives.
type HandoffSeed struct {
	ProducerTask  string `mapstructure:"producerTask"`
	ProducerAgent string `mapstructure:"producerAgent"`
	ConsumerTask  string `mapstructure:"consumerTask"`
	ConsumerAgent string `mapstructure:"consumerAgent"`
}

// CoordinatorConfig seeds the coordinator's completed-task set and handoff
// table from a prior run's state, since the process itself holds no durable
// handoff table of its own.
type CoordinatorConfig struct {
	InitialCompleted []string      `mapstructure:"initialCompleted"`
	Handoffs         []HandoffSeed `mapstructure:"handoffs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./conductor.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "conductor")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "conductor")

	v.SetDefault("watcher.watchDir", "./memory-logs")
	v.SetDefault("watcher.stabilityThreshold", 200*time.Millisecond)
	v.SetDefault("watcher.debounceDelay", 500*time.Millisecond)
	v.SetDefault("watcher.restartDelay", 1*time.Second)
	v.SetDefault("watcher.maxConsecutiveFailures", 3)
	v.SetDefault("watcher.criticalPathPatterns", []string{})
	v.SetDefault("watcher.replayBufferSize", 100)

	v.SetDefault("completion.activeInterval", 1*time.Second)
	v.SetDefault("completion.queuedInterval", 5*time.Second)
	v.SetDefault("completion.completedInterval", 30*time.Second)
	v.SetDefault("completion.retryDelays", []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second})
	v.SetDefault("completion.maxRetries", 3)
	v.SetDefault("completion.strictness", "strict")

	v.SetDefault("recovery.scanInterval", 30*time.Second)
	v.SetDefault("recovery.heartbeatTimeout", 2*time.Minute)
	v.SetDefault("recovery.maxRetryAttempts", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, a config file, and defaults.
// Environment variables use the CONDUCTOR_ prefix with each '.' in the key
// replaced by '_' (e.g. watcher.watchDir is CONDUCTOR_WATCHER_WATCHDIR).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/conductor/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
