package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  string // secrets file account; empty for plain keys
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

const envPrefix = "PERSONAS_"

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: envPrefix + "SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: envPrefix + "SERVER_API_TOKEN",
		secret:  "api_token",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: envPrefix + "LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: envPrefix + "STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "llm.base_url", typ: kString, env: envPrefix + "LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: envPrefix + "LLM_API_KEY",
		secret:  "llm_api_key",
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString, env: envPrefix + "LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.max_tokens", typ: kInt, env: envPrefix + "LLM_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxTokens },
	},
	{
		key: "llm.max_retries", typ: kInt, env: envPrefix + "LLM_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxRetries },
	},
	{
		key: "llm.base_backoff", typ: kDuration, env: envPrefix + "LLM_BASE_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.BaseBackoff },
	},
	{
		key: "llm.timeout", typ: kDuration, env: envPrefix + "LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "embedding.provider", typ: kString, env: envPrefix + "EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.ollama_base_url", typ: kString, env: envPrefix + "EMBEDDING_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.OllamaBaseURL },
	},
	{
		key: "embedding.model", typ: kString, env: envPrefix + "EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.genai_api_key", typ: kString, env: envPrefix + "EMBEDDING_GENAI_API_KEY",
		secret:  "genai_api_key",
		apply:   func(cfg *Config, v any) { cfg.Embedding.GenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.GenAIAPIKey },
	},
	{
		key: "cluster.min_fraction", typ: kFloat, env: envPrefix + "CLUSTER_MIN_FRACTION",
		apply:   func(cfg *Config, v any) { cfg.Cluster.MinFraction = v.(float64) },
		extract: func(cfg Config) any { return cfg.Cluster.MinFraction },
	},
	{
		key: "cluster.selection_epsilon", typ: kFloat, env: envPrefix + "CLUSTER_SELECTION_EPSILON",
		apply:   func(cfg *Config, v any) { cfg.Cluster.SelectionEpsilon = v.(float64) },
		extract: func(cfg Config) any { return cfg.Cluster.SelectionEpsilon },
	},
	{
		key: "synthesis.mode", typ: kString, env: envPrefix + "SYNTHESIS_MODE",
		apply:   func(cfg *Config, v any) { cfg.Synthesis.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Synthesis.Mode },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts raw to the Go type of the key.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret != "" {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring unparsable config value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring unparsable environment variable", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
