package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for stockdesk.
type Config struct {
	API     API     `yaml:"api"`
	Storage Storage `yaml:"storage"`
	Server  Server  `yaml:"server"`
	Alpaca  Alpaca  `yaml:"alpaca"`
	Logging Logging `yaml:"logging"`
}

// API describes the upstream dashboard API.
type API struct {
	BaseURL string `yaml:"base_url"`
	// ListTimeout bounds non-streaming list requests. Open streams never
	// time out.
	ListTimeout time.Duration `yaml:"list_timeout"`
	ListRetries int           `yaml:"list_retries"`
}

// Storage holds paths for the transcript journal.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds listener addresses of the local relay.
type Server struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Alpaca holds credentials for the optional asset catalog source.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Enabled reports whether credentials are configured.
func (a Alpaca) Enabled() bool {
	return a.APIKey != "" && a.APISecret != ""
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		API: API{
			BaseURL:     "http://localhost:8000",
			ListTimeout: 15 * time.Second,
			ListRetries: 1,
		},
		Storage: Storage{
			DataDir:    "./data",
			SQLitePath: "./data/stockdesk.db",
		},
		Server: Server{
			HTTPAddr: "127.0.0.1:8090",
			GRPCAddr: "127.0.0.1:50061",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultPath is used when neither a flag nor STOCKDESK_CONFIG names a file.
const DefaultPath = "config/stockdesk.yaml"

// Resolve picks the configuration file: an explicit path first, then
// STOCKDESK_CONFIG, then DefaultPath if it exists. An empty result means
// defaults only.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("STOCKDESK_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// Load reads the YAML configuration file at the given path on top of the
// defaults, then applies environment variable overrides. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url cannot be empty")
	}
	if c.API.ListTimeout <= 0 {
		return fmt.Errorf("api.list_timeout must be > 0")
	}
	if c.API.ListRetries < 1 {
		return fmt.Errorf("api.list_retries must be >= 1")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STOCKDESK_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("STOCKDESK_LIST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.API.ListTimeout = d
		}
	}
	if v := os.Getenv("STOCKDESK_LIST_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.ListRetries = n
		}
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("STOCKDESK_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("STOCKDESK_GRPC_ADDR"); v != "" {
		cfg.Server.GRPCAddr = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
}
