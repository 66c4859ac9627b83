package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() err = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Session.EventLogSize != 50 {
		t.Errorf("EventLogSize = %d, want 50", cfg.Session.EventLogSize)
	}
	if cfg.Session.SaveTimeout != 5*time.Second {
		t.Errorf("SaveTimeout = %v, want 5s", cfg.Session.SaveTimeout)
	}
	if len(cfg.Auth.SkipPaths) != 3 {
		t.Errorf("SkipPaths = %v, want 3 entries", cfg.Auth.SkipPaths)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("STORAGE_BACKEND", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/silkroad")
	t.Setenv("SESSION_SAVE_TIMEOUT", "2s")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() err = %v", err)
	}
	if cfg.Server.Addr() != "0.0.0.0:9090" {
		t.Errorf("Addr() = %q", cfg.Server.Addr())
	}
	if cfg.Storage.Backend != BackendPostgres {
		t.Errorf("Backend = %q, want postgres", cfg.Storage.Backend)
	}
	if cfg.Session.SaveTimeout != 2*time.Second {
		t.Errorf("SaveTimeout = %v, want 2s", cfg.Session.SaveTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"postgres-without-dsn", map[string]string{"STORAGE_BACKEND": "postgres"}},
		{"supabase-without-key", map[string]string{"STORAGE_BACKEND": "supabase", "SUPABASE_URL": "http://x"}},
		{"unknown-backend", map[string]string{"STORAGE_BACKEND": "mongo"}},
		{"bad-port", map[string]string{"SERVER_PORT": "70000"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := FromEnv(); err == nil {
				t.Fatalf("expected error, got none")
			}
		})
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("LOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SILKROAD_ENV_FILE", path)
	// godotenv does not override variables that are already set, so make
	// sure the key is absent and restore it afterwards.
	t.Setenv("LOG_LEVEL", "")
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() err = %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
}
