package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool

	// account names a secret in the secrets file; fallbackEnv is read when
	// env is unset.
	account     string
	fallbackEnv string

	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "REMEDY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "REMEDY_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "server.max_conns", typ: kInt, env: "REMEDY_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.api_token", typ: kString, env: "REMEDY_SERVER_API_TOKEN",
		secret: true, account: "api_token",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "REMEDY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "executor.enabled", typ: kBool, env: "REMEDY_EXECUTOR_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Executor.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Executor.Enabled },
	},
	{
		key: "executor.interpreter", typ: kString, env: "REMEDY_EXECUTOR_INTERPRETER",
		apply:   func(cfg *Config, v any) { cfg.Executor.Interpreter = v.(string) },
		extract: func(cfg Config) any { return cfg.Executor.Interpreter },
	},
	{
		key: "executor.timeout_seconds", typ: kInt, env: "REMEDY_EXECUTOR_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Executor.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Executor.TimeoutSeconds },
	},
	{
		key: "validator.interpreter", typ: kString, env: "REMEDY_VALIDATOR_INTERPRETER",
		apply:   func(cfg *Config, v any) { cfg.Validator.Interpreter = v.(string) },
		extract: func(cfg Config) any { return cfg.Validator.Interpreter },
	},
	{
		key: "generation.backend", typ: kString, env: "REMEDY_GENERATION_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Generation.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Backend },
	},
	{
		key: "generation.temperature", typ: kFloat, env: "REMEDY_GENERATION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Generation.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.Temperature },
	},
	{
		key: "generation.max_tokens", typ: kInt, env: "REMEDY_GENERATION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxTokens },
	},
	{
		key: "ollama.base_url", typ: kString, env: "REMEDY_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "REMEDY_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "REMEDY_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.keep_alive", typ: kString, env: "REMEDY_OLLAMA_KEEP_ALIVE",
		apply:   func(cfg *Config, v any) { cfg.Ollama.KeepAlive = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.KeepAlive },
	},
	{
		key: "gemini.api_key", typ: kString, env: "REMEDY_GEMINI_API_KEY",
		secret: true, account: "gemini_api_key", fallbackEnv: "GEMINI_API_KEY",
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "gemini.base_url", typ: kString, env: "REMEDY_GEMINI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.BaseURL },
	},
	{
		key: "gemini.model", typ: kString, env: "REMEDY_GEMINI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Model },
	},
	{
		key: "gemini.embed_model", typ: kString, env: "REMEDY_GEMINI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.EmbedModel },
	},
	{
		key: "retrieval.enabled", typ: kBool, env: "REMEDY_RETRIEVAL_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.Enabled },
	},
	{
		key: "retrieval.embedder", typ: kString, env: "REMEDY_RETRIEVAL_EMBEDDER",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Embedder = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Embedder },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "REMEDY_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.reranking_enabled", typ: kBool, env: "REMEDY_RETRIEVAL_RERANKING_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankingEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankingEnabled },
	},
	{
		key: "retrieval.reranking_timeout", typ: kString, env: "REMEDY_RETRIEVAL_RERANKING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankingTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankingTimeout },
	},
	{
		key: "retrieval.reranking_threshold", typ: kFloat, env: "REMEDY_RETRIEVAL_RERANKING_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankingThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankingThreshold },
	},
	{
		key: "lint.enabled", typ: kBool, env: "REMEDY_LINT_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Lint.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Lint.Enabled },
	},
	{
		key: "log.level", typ: kString, env: "REMEDY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts a textual value to the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// applyBackend copies stored values into cfg. Secrets are never read from the
// config file, and a value that does not parse keeps the default.
func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("config: ignoring unparsable value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides lets REMEDY_* variables win over the file. For keys with
// a fallbackEnv, that variable is consulted when the primary one is empty.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name, raw := s.env, os.Getenv(s.env)
		if raw == "" && s.fallbackEnv != "" {
			name, raw = s.fallbackEnv, os.Getenv(s.fallbackEnv)
		}
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("config: ignoring unparsable environment value", "env", name, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
