package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv unsets every variable applyEnvOverrides reads so the host
// environment cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"STOCKDESK_API_URL", "STOCKDESK_LIST_TIMEOUT", "STOCKDESK_LIST_RETRIES",
		"DATA_DIR", "SQLITE_PATH", "STOCKDESK_HTTP_ADDR", "STOCKDESK_GRPC_ADDR",
		"LOG_LEVEL", "LOG_FORMAT", "STOCKDESK_CONFIG", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "APCA_API_BASE_URL",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stockdesk.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
api:
  base_url: "http://advice.internal:8000"
  list_timeout: 5s
  list_retries: 3
storage:
  data_dir: "/tmp/stockdesk/data"
  sqlite_path: "/tmp/stockdesk/journal.db"
server:
  http_addr: "0.0.0.0:9000"
  grpc_addr: "0.0.0.0:9001"
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  base_url: "https://paper-api.alpaca.markets"
logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- API --
	if cfg.API.BaseURL != "http://advice.internal:8000" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.API.ListTimeout != 5*time.Second {
		t.Errorf("API.ListTimeout = %v, want 5s", cfg.API.ListTimeout)
	}
	if cfg.API.ListRetries != 3 {
		t.Errorf("API.ListRetries = %d, want 3", cfg.API.ListRetries)
	}

	// -- Storage --
	if cfg.Storage.SQLitePath != "/tmp/stockdesk/journal.db" {
		t.Errorf("Storage.SQLitePath = %q", cfg.Storage.SQLitePath)
	}

	// -- Server --
	if cfg.Server.HTTPAddr != "0.0.0.0:9000" || cfg.Server.GRPCAddr != "0.0.0.0:9001" {
		t.Errorf("Server = %+v", cfg.Server)
	}

	// -- Alpaca --
	if !cfg.Alpaca.Enabled() {
		t.Error("Alpaca.Enabled() = false, want true")
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}
	def := Default()
	if cfg.API != def.API || cfg.Server != def.Server {
		t.Errorf("Load(\"\") = %+v, want defaults %+v", cfg, def)
	}
	if cfg.Alpaca.Enabled() {
		t.Error("Alpaca enabled without credentials")
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "api:\n  base_url: \"http://other:8000\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.BaseURL != "http://other:8000" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.API.ListTimeout != 15*time.Second {
		t.Errorf("API.ListTimeout = %v, want default 15s", cfg.API.ListTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("STOCKDESK_LIST_TIMEOUT", "2s")
	t.Setenv("STOCKDESK_API_URL", "http://env:8000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.API.ListTimeout != 2*time.Second {
		t.Errorf("API.ListTimeout = %v, want 2s", cfg.API.ListTimeout)
	}
	if cfg.API.BaseURL != "http://env:8000" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
}

func TestLoadInvalid(t *testing.T) {
	clearEnv(t)
	tests := map[string]string{
		"bad yaml":      "api: [",
		"zero timeout":  "api:\n  list_timeout: 0s\n",
		"empty url":     "api:\n  base_url: \"\"\n",
		"zero attempts": "api:\n  list_retries: 0\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Error("Load() succeeded, want error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) succeeded, want error")
	}
}

func TestResolve(t *testing.T) {
	clearEnv(t)
	if got := Resolve("explicit.yaml"); got != "explicit.yaml" {
		t.Errorf("Resolve(explicit) = %q", got)
	}
	t.Setenv("STOCKDESK_CONFIG", "/etc/stockdesk.yaml")
	if got := Resolve(""); got != "/etc/stockdesk.yaml" {
		t.Errorf("Resolve(env) = %q", got)
	}
	os.Unsetenv("STOCKDESK_CONFIG")
	t.Chdir(t.TempDir())
	if got := Resolve(""); got != "" {
		t.Errorf("Resolve() without file = %q, want empty", got)
	}
}
