package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.StoreBackend != StoreBackendSQLite {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.MutationMaxAttempts != 1 || cfg.MutationWriteTimeout != 0 {
		t.Fatalf("expected single attempt without timeout, got %+v", cfg)
	}
	if cfg.LiveStaleAfter != 30*time.Second {
		t.Fatalf("unexpected stale after %v", cfg.LiveStaleAfter)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("VISION365_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("VISION365_STORE_BACKEND", "Redis")
	t.Setenv("VISION365_MUTATIONS_WRITE_TIMEOUT_MS", "1500")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthSigningSecret != "from-env" || cfg.StoreBackend != StoreBackendRedis {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.MutationWriteTimeout != 1500*time.Millisecond {
		t.Fatalf("unexpected write timeout %v", cfg.MutationWriteTimeout)
	}
}

func TestLoadValidates(t *testing.T) {
	cases := map[string]map[string]any{
		"missing secret":  {},
		"unknown backend": {"auth.signing_secret": "s", "store.backend": "postgres"},
		"zero attempts":   {"auth.signing_secret": "s", "mutations.max_attempts": 0},
		"empty db path":   {"auth.signing_secret": "s", "database.path": " "},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range values {
				configViper.Set(key, value)
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
