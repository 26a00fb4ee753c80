package config

import (
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")

	cfg, err := Load(configViper, true)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != "sqlite" || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database config %q %q", cfg.DatabaseDriver, cfg.DatabasePath)
	}
	if cfg.SessionIssuer != defaultSessionIssuer || cfg.SessionCookieName != defaultCookieName {
		t.Fatalf("unexpected session config %q %q", cfg.SessionIssuer, cfg.SessionCookieName)
	}
	if cfg.BackfillWorkers != defaultBackfillWorkers {
		t.Fatalf("unexpected backfill workers %d", cfg.BackfillWorkers)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("INKWELL_DATABASE_DRIVER", "Postgres")
	t.Setenv("INKWELL_DATABASE_DSN", "postgres://inkwell@localhost/inkwell")
	t.Setenv("INKWELL_HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("INKWELL_SESSION_SIGNING_SECRET", "env-secret")

	cfg, err := Load(NewViper(), true)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DatabaseDriver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", cfg.DatabaseDriver)
	}
	if cfg.SessionSigningSecret != "env-secret" {
		t.Fatalf("expected secret from env, got %q", cfg.SessionSigningSecret)
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "https://a.example|https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name           string
		values         map[string]any
		requireSession bool
		wantErr        string
	}{
		{name: "missing secret", requireSession: true, wantErr: "session.signing_secret"},
		{name: "batch without secret", requireSession: false},
		{name: "unknown driver", values: map[string]any{"database.driver": "mysql"}, wantErr: "database.driver"},
		{name: "postgres without dsn", values: map[string]any{"database.driver": "postgres"}, wantErr: "database.dsn"},
		{name: "no workers", values: map[string]any{"backfill.workers": 0}, wantErr: "backfill.workers"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper, testCase.requireSession)
			if testCase.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.wantErr, err)
			}
		})
	}
}
