// Package config loads remedy's settings from a JSON file, REMEDY_*
// environment variables and a local secrets file, in that order of
// increasing precedence for secrets.
package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Executor   ExecutorConfig
	Validator  ValidatorConfig
	Generation GenerationConfig
	Ollama     OllamaConfig
	Gemini     GeminiConfig
	Retrieval  RetrievalConfig
	Lint       LintConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
	// MaxConns bounds concurrent HTTP connections, and so concurrent
	// sandbox processes.
	MaxConns int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type ExecutorConfig struct {
	Enabled        bool
	Interpreter    string
	TimeoutSeconds int
}

type ValidatorConfig struct {
	Interpreter string
}

type GenerationConfig struct {
	Backend     string
	Temperature float64
	MaxTokens   int
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
	KeepAlive  string
}

type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	EmbedModel string
}

type RetrievalConfig struct {
	Enabled            bool
	Embedder           string
	TopK               int
	RerankingEnabled   bool
	RerankingTimeout   string
	RerankingThreshold float64
}

type LintConfig struct {
	Enabled bool
}

type LogConfig struct {
	Level string
}

// Backend and embedder choices.
const (
	BackendAuto   = "auto"
	BackendOllama = "ollama"
	BackendGemini = "gemini"
	BackendNone   = "none"
	EmbedderHash  = "hash"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 16,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Executor: ExecutorConfig{
			Enabled:        true,
			Interpreter:    "python3",
			TimeoutSeconds: 30,
		},
		Validator: ValidatorConfig{
			Interpreter: "python3",
		},
		Generation: GenerationConfig{
			Backend:     BackendAuto,
			Temperature: 0.3,
			MaxTokens:   1000,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "qwen2.5-coder:7b",
			EmbedModel: "nomic-embed-text",
			KeepAlive:  "10m",
		},
		Gemini: GeminiConfig{
			Model:      "gemini-2.5-flash",
			EmbedModel: "gemini-embedding-001",
		},
		Retrieval: RetrievalConfig{
			Enabled:            true,
			Embedder:           BackendAuto,
			TopK:               5,
			RerankingTimeout:   "5s",
			RerankingThreshold: 0.3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/remedy/config.json, then applies REMEDY_* environment
// overrides. Secrets are read from the environment only, falling back to
// $XDG_DATA_HOME/remedy/secrets.json.
func Load() (Config, error) {
	return loadWith(newJSONFile(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretReader abstracts the secrets file for testing.
type secretReader interface {
	Get(account string) (string, error)
}

func loadWith(b Backend, secrets secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects out-of-range values and unknown choices.
func (c Config) Validate() error {
	switch c.Generation.Backend {
	case BackendAuto, BackendOllama, BackendGemini, BackendNone:
	default:
		return fmt.Errorf("invalid generation.backend %q: want auto, ollama, gemini or none", c.Generation.Backend)
	}
	switch c.Retrieval.Embedder {
	case BackendAuto, BackendOllama, BackendGemini, EmbedderHash, BackendNone:
	default:
		return fmt.Errorf("invalid retrieval.embedder %q: want auto, ollama, gemini, hash or none", c.Retrieval.Embedder)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Executor.TimeoutSeconds <= 0 {
		return fmt.Errorf("invalid executor.timeout_seconds %d: must be positive", c.Executor.TimeoutSeconds)
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return fmt.Errorf("invalid generation.temperature %v: want 0..2", c.Generation.Temperature)
	}
	if _, err := time.ParseDuration(c.Retrieval.RerankingTimeout); err != nil {
		return fmt.Errorf("invalid retrieval.reranking_timeout %q: %w", c.Retrieval.RerankingTimeout, err)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	return nil
}

// ExecutorTimeout is executor.timeout_seconds as a duration.
func (c Config) ExecutorTimeout() time.Duration {
	return time.Duration(c.Executor.TimeoutSeconds) * time.Second
}

// RerankingTimeout parses retrieval.reranking_timeout, defaulting to 5s.
func (c Config) RerankingTimeout() time.Duration {
	d, err := time.ParseDuration(c.Retrieval.RerankingTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
