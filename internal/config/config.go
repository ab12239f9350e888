package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "VISION365"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "vision365.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "vision365_session"
	defaultIssuer       = "vision365-auth"
	defaultRedisAddress = "127.0.0.1:6379"
	defaultRedisPrefix  = "vision365"
)

// Store backends.
const (
	StoreBackendMemory = "memory"
	StoreBackendSQLite = "sqlite"
	StoreBackendRedis  = "redis"
	StoreBackendNone   = "none"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	StoreBackend string
	DatabasePath string

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AllowedOrigins    []string

	LiveStaleAfter       time.Duration
	MutationMaxAttempts  int
	MutationBackoff      time.Duration
	MutationWriteTimeout time.Duration
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
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.backend", StoreBackendSQLite)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.prefix", defaultRedisPrefix)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("live.stale_after_seconds", 30)
	configViper.SetDefault("mutations.max_attempts", 1)
	configViper.SetDefault("mutations.backoff_ms", 250)
	configViper.SetDefault("mutations.write_timeout_ms", 0)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:             configViper.GetString("log.level"),
		StoreBackend:         strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		DatabasePath:         configViper.GetString("database.path"),
		RedisAddress:         configViper.GetString("redis.address"),
		RedisPassword:        configViper.GetString("redis.password"),
		RedisDB:              configViper.GetInt("redis.db"),
		RedisPrefix:          configViper.GetString("redis.prefix"),
		AuthSigningSecret:    configViper.GetString("auth.signing_secret"),
		AuthIssuer:           configViper.GetString("auth.issuer"),
		AuthCookieName:       configViper.GetString("auth.cookie_name"),
		LiveStaleAfter:       time.Duration(configViper.GetInt("live.stale_after_seconds")) * time.Second,
		MutationMaxAttempts:  configViper.GetInt("mutations.max_attempts"),
		MutationBackoff:      time.Duration(configViper.GetInt("mutations.backoff_ms")) * time.Millisecond,
		MutationWriteTimeout: time.Duration(configViper.GetInt("mutations.write_timeout_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.StoreBackend {
	case StoreBackendMemory, StoreBackendNone:
	case StoreBackendSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite store")
		}
	case StoreBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis store")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, sqlite, redis, none", c.StoreBackend)
	}
	if c.MutationMaxAttempts < 1 {
		return fmt.Errorf("mutations.max_attempts must be at least 1")
	}
	if c.LiveStaleAfter < 0 || c.MutationBackoff < 0 || c.MutationWriteTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}
