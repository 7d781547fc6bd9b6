package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// 1. Provider and API key. Ollama runs locally without a key.
	switch c.Provider {
	case ProviderGemini:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
				"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
				ErrMissingAPIKey)
		}
	case ProviderOllama:
		if c.OllamaHost == "" {
			return fmt.Errorf("%w: ollama_host cannot be empty with provider %q", ErrInvalidProvider, c.Provider)
		}
	default:
		return fmt.Errorf("%w: %q is not supported, must be one of: %v",
			ErrInvalidProvider, c.Provider, []string{ProviderGemini, ProviderOllama})
	}

	// 2. Model configuration.
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}
	if c.TopK < 1 || c.TopK > 20 {
		return fmt.Errorf("%w: must be between 1 and 20, got %d", ErrInvalidTopK, c.TopK)
	}

	// 3. Server configuration.
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidListenAddr, c.ListenAddr, err)
	}

	// 4. PostgreSQL configuration.
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set in config.yaml",
			ErrInvalidPostgresPassword)
	}
	if c.PostgresPassword == "clack_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}
	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// Modern SSL modes only; allow/prefer are deprecated (MITM vulnerable).
	// Reference: https://www.postgresql.org/docs/current/libpq-ssl.html
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	// 5. Client configuration.
	if c.CacheCapacity < 1 {
		return fmt.Errorf("%w: cache_capacity must be at least 1, got %d", ErrInvalidCache, c.CacheCapacity)
	}
	if c.MessagesPerConversation < 1 {
		return fmt.Errorf("%w: messages_per_conversation must be at least 1, got %d",
			ErrInvalidCache, c.MessagesPerConversation)
	}
	if c.ReconnectInitialDelay <= 0 {
		return fmt.Errorf("%w: reconnect_initial_delay must be positive, got %s",
			ErrInvalidBackoff, c.ReconnectInitialDelay)
	}
	if c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		return fmt.Errorf("%w: reconnect_max_delay %s is below reconnect_initial_delay %s",
			ErrInvalidBackoff, c.ReconnectMaxDelay, c.ReconnectInitialDelay)
	}
	if c.ReconnectMaxRetries < 0 {
		return fmt.Errorf("%w: reconnect_max_retries cannot be negative, got %d",
			ErrInvalidBackoff, c.ReconnectMaxRetries)
	}

	return nil
}
