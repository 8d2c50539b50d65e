package config

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LocalEmbedderConfig configures the deterministic local embedder.
type LocalEmbedderConfig struct {
	Dimension int `yaml:"dimension"`
}

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// EmbedderConfig selects and configures the embedding backend.
type EmbedderConfig struct {
	Type   string                `yaml:"type"`
	Local  *LocalEmbedderConfig  `yaml:"local,omitempty"`
	OpenAI *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
}

// OpenAILLMConfig holds configuration for the OpenAI-compatible chat backend.
type OpenAILLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	TimeoutSecs int     `yaml:"timeout_secs"`
}

// GeminiLLMConfig holds configuration for the Gemini chat backend.
type GeminiLLMConfig struct {
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// LLMConfig selects and configures the language model backend.
type LLMConfig struct {
	Type   string           `yaml:"type"`
	OpenAI *OpenAILLMConfig `yaml:"openai,omitempty"`
	Gemini *GeminiLLMConfig `yaml:"gemini,omitempty"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL              string `yaml:"url"`
	APIKey           string `yaml:"api_key"`
	CollectionPrefix string `yaml:"collection_prefix"`
	TimeoutSecs      int    `yaml:"timeout_secs"`
}

// PgVectorConfig contains connection details for a Postgres+pgvector store.
type PgVectorConfig struct {
	DSN       string `yaml:"dsn"`
	Dimension int    `yaml:"dimension"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type     string          `yaml:"type"`
	Qdrant   *QdrantConfig   `yaml:"qdrant,omitempty"`
	PgVector *PgVectorConfig `yaml:"pgvector,omitempty"`
}

// RetrievalConfig holds the query tuning parameters. These are deployment
// tuning, not protocol: the threshold scale depends on the embedding backend.
type RetrievalConfig struct {
	TopK             int     `yaml:"top_k"`
	ScoreThreshold   float64 `yaml:"score_threshold"`
	QueryTimeoutSecs int     `yaml:"query_timeout_secs"`
}

// IngestConfig bounds ingestion concurrency and retries.
type IngestConfig struct {
	Concurrency    int  `yaml:"concurrency"`
	EmbedBatchSize int  `yaml:"embed_batch_size"`
	EmbedAttempts  int  `yaml:"embed_attempts"`
	DisableDedupe  bool `yaml:"disable_dedupe"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedder    EmbedderConfig    `yaml:"embedder"`
	LLM         LLMConfig         `yaml:"llm"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Ingest      IngestConfig      `yaml:"ingest"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyConfigDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/securequery/config.yaml.
// If neither exists, it writes defaults to the user path and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "securequery", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		Embedder:    EmbedderConfig{Type: "local"},
		LLM:         LLMConfig{Type: "openai", OpenAI: &OpenAILLMConfig{}},
		VectorStore: VectorStoreConfig{Type: "memory"},
		Retrieval:   RetrievalConfig{TopK: 5, ScoreThreshold: 0.25, QueryTimeoutSecs: 60},
		Ingest:      IngestConfig{Concurrency: 4, EmbedBatchSize: 16, EmbedAttempts: 3},
	}
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.ScoreThreshold == 0 {
		cfg.Retrieval.ScoreThreshold = 0.25
	}
	if cfg.Retrieval.QueryTimeoutSecs == 0 {
		cfg.Retrieval.QueryTimeoutSecs = 60
	}
	if cfg.Ingest.Concurrency == 0 {
		cfg.Ingest.Concurrency = 4
	}
	if cfg.Ingest.EmbedBatchSize == 0 {
		cfg.Ingest.EmbedBatchSize = 16
	}
	if cfg.Ingest.EmbedAttempts == 0 {
		cfg.Ingest.EmbedAttempts = 3
	}
	if cfg.Embedder.Type == "openai" && cfg.Embedder.OpenAI != nil {
		if cfg.Embedder.OpenAI.BaseURL == "" {
			cfg.Embedder.OpenAI.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Embedder.OpenAI.APIKeyEnv == "" {
			cfg.Embedder.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
		}
		if cfg.Embedder.OpenAI.Model == "" {
			cfg.Embedder.OpenAI.Model = "text-embedding-3-small"
		}
		if cfg.Embedder.OpenAI.TimeoutSecs == 0 {
			cfg.Embedder.OpenAI.TimeoutSecs = 30
		}
	}
	if cfg.LLM.Type == "openai" {
		if cfg.LLM.OpenAI == nil {
			cfg.LLM.OpenAI = &OpenAILLMConfig{}
		}
		if cfg.LLM.OpenAI.APIKeyEnv == "" {
			cfg.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
		}
		if cfg.LLM.OpenAI.TimeoutSecs == 0 {
			cfg.LLM.OpenAI.TimeoutSecs = 60
		}
	}
	if cfg.LLM.Type == "gemini" {
		if cfg.LLM.Gemini == nil {
			cfg.LLM.Gemini = &GeminiLLMConfig{}
		}
		if cfg.LLM.Gemini.APIKeyEnv == "" {
			cfg.LLM.Gemini.APIKeyEnv = "GEMINI_API_KEY"
		}
		if cfg.LLM.Gemini.TimeoutSecs == 0 {
			cfg.LLM.Gemini.TimeoutSecs = 60
		}
	}
}
