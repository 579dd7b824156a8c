// Package config holds the agent configuration, loaded from a YAML file
// with environment variable overrides for credentials and endpoints.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPreamble is used when neither the config file nor QUILL_PREAMBLE
// provides one.
const DefaultPreamble = "You are a helpful assistant. Use the provided documentation and tools to answer accurately. Say so when you do not know."

// Config holds the agent configuration.
type Config struct {
	// Provider selects the completion backend: "anthropic", "openai", or
	// "ollama".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// OllamaBaseURL points at a local Ollama server. Empty means the
	// default http://localhost:11434.
	OllamaBaseURL string `yaml:"ollama_base_url"`

	// EmbedProvider selects the embedding backend for retrieval: "openai"
	// or "ollama".
	EmbedProvider string `yaml:"embed_provider"`
	// EmbedModel is the embedding model. Empty uses the backend's default.
	EmbedModel string `yaml:"embed_model"`

	// Preamble is the system prompt.
	Preamble string `yaml:"preamble"`

	// MCPServerURL is the tool server endpoint. Empty disables tools.
	MCPServerURL string `yaml:"mcp_server_url"`

	// DataDir holds the SQLite database. Empty keeps everything in memory.
	DataDir string `yaml:"data_dir"`

	// Budget settings
	WindowTokens      int     `yaml:"window_tokens"`      // context budget per request
	ResponseTokens    int     `yaml:"response_tokens"`    // reply cap
	HistoryFraction   float64 `yaml:"history_fraction"`   // share of post-floor budget
	RetrievalFraction float64 `yaml:"retrieval_fraction"` // share of post-history budget

	// Loop settings
	MaxTurns   int `yaml:"max_turns"`   // model round-trips per user turn
	KeepRecent int `yaml:"keep_recent"` // messages compaction never touches

	// Retrieval settings
	TopN int `yaml:"top_n"` // candidates pulled before budget selection

	// Ingest settings
	Ingest IngestConfig `yaml:"ingest"`

	// Credentials come from the environment only, never the file.
	AnthropicAPIKey string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
}

// IngestConfig configures the documentation ingestion pipeline.
type IngestConfig struct {
	Paths        []string `yaml:"paths"`
	ChunkSize    int      `yaml:"chunk_size"`    // characters per chunk
	ChunkOverlap int      `yaml:"chunk_overlap"` // characters shared between chunks
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Provider:          "anthropic",
		Model:             "claude-sonnet-4-20250514",
		EmbedProvider:     "openai",
		Preamble:          DefaultPreamble,
		WindowTokens:      100000,
		ResponseTokens:    4096,
		HistoryFraction:   0.6,
		RetrievalFraction: 0.25,
		MaxTurns:          20,
		KeepRecent:        2,
		TopN:              30,
		Ingest: IngestConfig{
			ChunkSize:    1500,
			ChunkOverlap: 200,
		},
	}
}

// Load reads config from path, falling back to defaults when the file is
// absent, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.Preamble = os.ExpandEnv(cfg.Preamble)
	cfg.MCPServerURL = os.ExpandEnv(cfg.MCPServerURL)
	cfg.DataDir = os.ExpandEnv(cfg.DataDir)

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func applyEnv(cfg *Config) {
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")

	if v := os.Getenv("QUILL_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("QUILL_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("QUILL_PREAMBLE"); v != "" {
		cfg.Preamble = v
	}
	if v := os.Getenv("QUILL_MCP_SERVER_URL"); v != "" {
		cfg.MCPServerURL = v
	}
	if v := os.Getenv("QUILL_OLLAMA_BASE_URL"); v != "" {
		cfg.OllamaBaseURL = v
	}
	if v := os.Getenv("QUILL_EMBED_PROVIDER"); v != "" {
		cfg.EmbedProvider = v
	}
	if v := os.Getenv("QUILL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
}

// Validate checks settings that would break the loop at runtime.
func (c *Config) Validate() error {
	switch c.Provider {
	case "anthropic", "openai", "ollama":
	default:
		return fmt.Errorf("unknown provider %q (want anthropic, openai, or ollama)", c.Provider)
	}
	switch c.EmbedProvider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unknown embed provider %q (want openai or ollama)", c.EmbedProvider)
	}
	if c.WindowTokens <= 0 {
		return fmt.Errorf("window_tokens must be positive, got %d", c.WindowTokens)
	}
	if c.ResponseTokens <= 0 {
		return fmt.Errorf("response_tokens must be positive, got %d", c.ResponseTokens)
	}
	if c.HistoryFraction <= 0 || c.HistoryFraction >= 1 {
		return fmt.Errorf("history_fraction must be in (0,1), got %v", c.HistoryFraction)
	}
	if c.RetrievalFraction < 0 || c.RetrievalFraction >= 1 {
		return fmt.Errorf("retrieval_fraction must be in [0,1), got %v", c.RetrievalFraction)
	}
	return nil
}

// DatabasePath returns the SQLite path under DataDir, empty when DataDir is
// unset.
func (c *Config) DatabasePath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "quill.db")
}
