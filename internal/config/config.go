// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.clack/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Server: listen address, CORS, proxy trust, rate limiting
//   - Storage: PostgreSQL connection (see storage.go)
//   - Assistant: AI provider, model, embedder, retrieval depth
//   - Client: backend URL, caches, reconnect backoff
//   - Observability: OTLP tracing (see observability.go)
//
// Sensitive data (passwords, tokens) is never logged; the config
// directory uses 0750 permissions. Validation lives in validation.go
// with sentinel errors for errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidTopK indicates the retrieval depth is out of range.
	ErrInvalidTopK = errors.New("invalid retrieval top-k")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidListenAddr indicates the server listen address is invalid.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidCache indicates a cache bound is out of range.
	ErrInvalidCache = errors.New("invalid cache bound")

	// ErrInvalidBackoff indicates a reconnect backoff setting is invalid.
	ErrInvalidBackoff = errors.New("invalid reconnect backoff")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderGoogleAI = "googleai"
)

const (
	// DefaultEmbedderModel outputs 3072 dimensions by default but supports
	// truncation to the 768 our pgvector schema stores.
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultListenAddr is the API server's default bind address.
	DefaultListenAddr = ":8080"

	// DefaultCacheCapacity is the default conversation-cache bound.
	DefaultCacheCapacity = 50

	// DefaultMessagesPerConversation is the default per-conversation bound.
	DefaultMessagesPerConversation = 100
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding sensitive fields (passwords, API keys, tokens), update it.
type Config struct {
	// API server configuration (serve mode)
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // Trust X-Real-IP/X-Forwarded-For (set true behind reverse proxy)
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`
	Dev         bool     `mapstructure:"dev" json:"dev"`

	// Assistant configuration
	Provider      string `mapstructure:"provider" json:"provider"` // "gemini" (default), "ollama"
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	OllamaHost    string `mapstructure:"ollama_host" json:"ollama_host"`
	TopK          int    `mapstructure:"top_k" json:"top_k"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Client configuration (chat mode)
	BackendURL              string        `mapstructure:"backend_url" json:"backend_url"`
	Token                   string        `mapstructure:"token" json:"token"` // SENSITIVE: masked in MarshalJSON
	CacheCapacity           int           `mapstructure:"cache_capacity" json:"cache_capacity"`
	MessagesPerConversation int           `mapstructure:"messages_per_conversation" json:"messages_per_conversation"`
	ReconnectInitialDelay   time.Duration `mapstructure:"reconnect_initial_delay" json:"reconnect_initial_delay"`
	ReconnectMaxDelay       time.Duration `mapstructure:"reconnect_max_delay" json:"reconnect_max_delay"`
	ReconnectMaxRetries     int           `mapstructure:"reconnect_max_retries" json:"reconnect_max_retries"`
	StatePath               string        `mapstructure:"state_path" json:"state_path"`

	// Observability configuration (see observability.go)
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".clack")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, when set, overrides the individual postgres_* values.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// Server defaults
	viper.SetDefault("listen_addr", DefaultListenAddr)
	viper.SetDefault("cors_origins", []string{"http://localhost:5173"})
	viper.SetDefault("trust_proxy", false)
	viper.SetDefault("rate_burst", 60)
	viper.SetDefault("dev", false)

	// Assistant defaults
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("embedder_model", DefaultEmbedderModel)
	viper.SetDefault("ollama_host", "http://localhost:11434")
	viper.SetDefault("top_k", 5)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "clack")
	viper.SetDefault("postgres_password", "clack_dev_password")
	viper.SetDefault("postgres_db_name", "clack")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Client defaults
	viper.SetDefault("backend_url", "http://localhost:8080")
	viper.SetDefault("cache_capacity", DefaultCacheCapacity)
	viper.SetDefault("messages_per_conversation", DefaultMessagesPerConversation)
	viper.SetDefault("reconnect_initial_delay", time.Second)
	viper.SetDefault("reconnect_max_delay", 30*time.Second)
	viper.SetDefault("reconnect_max_retries", 5)

	// Tracing defaults
	viper.SetDefault("tracing.endpoint", "localhost:4318")
	viper.SetDefault("tracing.environment", "dev")
	viper.SetDefault("tracing.service_name", "clack")
}

// bindEnvVariables binds environment variables explicitly instead of
// viper.AutomaticEnv, so the accepted surface stays auditable.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("listen_addr", "CLACK_LISTEN_ADDR")
	mustBind("cors_origins", "CLACK_CORS_ORIGINS")
	mustBind("trust_proxy", "CLACK_TRUST_PROXY")
	mustBind("dev", "CLACK_DEV")

	mustBind("provider", "CLACK_PROVIDER")
	mustBind("model_name", "CLACK_MODEL_NAME")
	mustBind("embedder_model", "CLACK_EMBEDDER_MODEL")
	mustBind("ollama_host", "CLACK_OLLAMA_HOST")

	mustBind("backend_url", "CLACK_BACKEND_URL")
	mustBind("token", "CLACK_TOKEN")

	mustBind("tracing.enabled", "CLACK_TRACING_ENABLED")
	mustBind("tracing.endpoint", "CLACK_TRACING_ENDPOINT")

	// NOTE: GEMINI_API_KEY is read directly by Genkit, not via Viper.
	// Validate() checks its presence when the provider needs it.
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks (U+2588) avoid substring matching against real
// secrets containing "*" or bracketed words.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8
// characters or fewer are fully masked; longer ones keep the first and
// last 2 characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. When adding sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.Token = maskSecret(a.Token)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// FullModelName returns the provider-qualified model name for Genkit.
// Examples: "googleai/gemini-2.5-flash", "ollama/llama3.3".
// A ModelName that already contains "/" is returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	switch c.Provider {
	case ProviderOllama:
		return ProviderOllama + "/" + c.ModelName
	default:
		return ProviderGoogleAI + "/" + c.ModelName
	}
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
