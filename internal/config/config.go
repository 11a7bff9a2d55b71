// Package config loads settings from a JSON file, PERSONAS_* environment
// variables and a local secrets file, in increasing order of precedence for
// everything but secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Cluster   ClusterConfig
	Synthesis SynthesisConfig
}

type ServerConfig struct {
	Port     int
	APIToken string // empty disables bearer auth on /v1
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	MaxRetries  int
	BaseBackoff time.Duration
	Timeout     time.Duration
}

type EmbeddingConfig struct {
	Provider      string
	OllamaBaseURL string
	Model         string
	GenAIAPIKey   string
}

type ClusterConfig struct {
	MinFraction      float64
	SelectionEpsilon float64
}

type SynthesisConfig struct {
	Mode string
}

const (
	ProviderOllama = "ollama"
	ProviderGenAI  = "genai"
)

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		LLM: LLMConfig{
			BaseURL:     "https://api.groq.com/openai/v1",
			Model:       "llama-3.1-8b-instant",
			MaxTokens:   600,
			MaxRetries:  5,
			BaseBackoff: time.Second,
			Timeout:     30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:      ProviderOllama,
			OllamaBaseURL: "http://localhost:11434",
			Model:         "nomic-embed-text",
		},
		Cluster: ClusterConfig{
			MinFraction:      0.05,
			SelectionEpsilon: 0.0,
		},
		Synthesis: SynthesisConfig{Mode: "sequential"},
	}
}

// Load reads configuration from the JSON config file, environment variables
// and the secrets file. Secrets are taken from PERSONAS_* variables first,
// then the provider's conventional variable (GROQ_API_KEY, GEMINI_API_KEY),
// then the secrets file.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

const secretService = "personas"

var fallbackEnv = map[string]string{
	"llm.api_key":             "GROQ_API_KEY",
	"embedding.genai_api_key": "GEMINI_API_KEY",
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if s.secret == "" || s.extract(cfg).(string) != "" {
			continue
		}
		if v := os.Getenv(fallbackEnv[s.key]); v != "" {
			s.apply(&cfg, v)
			continue
		}
		if v, err := secrets.Get(secretService, s.secret); err == nil && v != "" {
			s.apply(&cfg, strings.TrimSpace(v))
		}
	}
	return cfg, nil
}

// Validate reports settings that make the generation pipeline unusable.
func (c Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("missing required config: LLM API key. " +
			"Set " + envPrefix + "LLM_API_KEY or GROQ_API_KEY, or run: personas config set llm.api_key <key>")
	}
	switch c.Embedding.Provider {
	case ProviderOllama:
	case ProviderGenAI:
		if c.Embedding.GenAIAPIKey == "" {
			return fmt.Errorf("embedding provider %q requires embedding.genai_api_key or GEMINI_API_KEY", ProviderGenAI)
		}
	default:
		return fmt.Errorf("unknown embedding provider %q (want %s or %s)", c.Embedding.Provider, ProviderOllama, ProviderGenAI)
	}
	if c.Cluster.MinFraction <= 0 || c.Cluster.MinFraction > 1 {
		return fmt.Errorf("cluster.min_fraction must be in (0, 1], got %v", c.Cluster.MinFraction)
	}
	if c.Cluster.SelectionEpsilon < 0 {
		return fmt.Errorf("cluster.selection_epsilon must be non-negative, got %v", c.Cluster.SelectionEpsilon)
	}
	if c.LLM.MaxRetries < 1 {
		return fmt.Errorf("llm.max_retries must be at least 1, got %d", c.LLM.MaxRetries)
	}
	return nil
}
