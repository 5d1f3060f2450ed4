package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("server.name", "example.org")
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if !cfg.Directory.Enabled {
		t.Fatalf("expected user directory to be enabled by default")
	}
	if cfg.Directory.SearchAllUsers || cfg.Directory.PreferLocalUsers {
		t.Fatalf("expected search_all_users and prefer_local_users to default to false")
	}
	if cfg.Directory.DefaultLimit != defaultSearchLimit {
		t.Fatalf("unexpected default limit %d", cfg.Directory.DefaultLimit)
	}
	if cfg.Background.BatchSize != defaultBatchSize {
		t.Fatalf("unexpected batch size %d", cfg.Background.BatchSize)
	}
	if cfg.Background.Interval != defaultBackgroundTick {
		t.Fatalf("unexpected background interval %s", cfg.Background.Interval)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(values map[string]any)
	}{
		{
			name:   "missing-server-name",
			mutate: func(values map[string]any) { delete(values, "server.name") },
		},
		{
			name:   "missing-signing-secret",
			mutate: func(values map[string]any) { delete(values, "auth.signing_secret") },
		},
		{
			name:   "unknown-log-format",
			mutate: func(values map[string]any) { values["log.format"] = "xml" },
		},
		{
			name:   "max-limit-below-default",
			mutate: func(values map[string]any) { values["user_directory.max_limit"] = 5 },
		},
		{
			name:   "zero-batch-size",
			mutate: func(values map[string]any) { values["background.batch_size"] = 0 },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			values := map[string]any{
				"server.name":         "example.org",
				"auth.signing_secret": "secret",
			}
			tc.mutate(values)

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
