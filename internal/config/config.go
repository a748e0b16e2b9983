package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "DRIFTSYNC"
	defaultHTTPAddress    = "127.0.0.1:8484"
	defaultDatabasePath   = "driftsync.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultRemoteBaseURL  = "http://localhost:8080"
	defaultTokenTTL       = 30 * time.Minute
	defaultSyncInterval   = time.Minute
	defaultCallTimeout    = 15 * time.Second
	defaultBatchSize      = 50
	defaultMaxAttempts    = 5
	defaultBackoffBaseMs  = 1_000
	defaultBackoffMaxMs   = 10_000
	defaultAgentID        = "driftsync-agent"
	defaultSyncEntityType = "note"
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFormat    string

	RemoteBaseURL       string
	RemoteSigningSecret string
	AgentID             string
	TokenTTL            time.Duration

	SyncInterval time.Duration
	CallTimeout  time.Duration
	BatchSize    int
	MaxAttempts  int
	EntityTypes  []string

	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.agent_id", defaultAgentID)
	configViper.SetDefault("remote.token_ttl_minutes", int(defaultTokenTTL.Minutes()))
	configViper.SetDefault("sync.interval_seconds", int(defaultSyncInterval.Seconds()))
	configViper.SetDefault("sync.call_timeout_seconds", int(defaultCallTimeout.Seconds()))
	configViper.SetDefault("sync.batch_size", defaultBatchSize)
	configViper.SetDefault("sync.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("sync.entity_types", []string{defaultSyncEntityType})
	configViper.SetDefault("backoff.base_ms", defaultBackoffBaseMs)
	configViper.SetDefault("backoff.max_ms", defaultBackoffMaxMs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		LogFormat:           configViper.GetString("log.format"),
		RemoteBaseURL:       configViper.GetString("remote.base_url"),
		RemoteSigningSecret: configViper.GetString("remote.signing_secret"),
		AgentID:             configViper.GetString("remote.agent_id"),
		TokenTTL:            time.Duration(configViper.GetInt("remote.token_ttl_minutes")) * time.Minute,
		SyncInterval:        time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		CallTimeout:         time.Duration(configViper.GetInt("sync.call_timeout_seconds")) * time.Second,
		BatchSize:           configViper.GetInt("sync.batch_size"),
		MaxAttempts:         configViper.GetInt("sync.max_attempts"),
		EntityTypes:         configViper.GetStringSlice("sync.entity_types"),
		BackoffBase:         time.Duration(configViper.GetInt("backoff.base_ms")) * time.Millisecond,
		BackoffMax:          time.Duration(configViper.GetInt("backoff.max_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.RemoteSigningSecret) == "" {
		return fmt.Errorf("remote.signing_secret is required")
	}
	if strings.TrimSpace(c.AgentID) == "" {
		return fmt.Errorf("remote.agent_id is required")
	}
	if len(c.EntityTypes) == 0 {
		return fmt.Errorf("sync.entity_types is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff bounds are invalid")
	}
	return nil
}
