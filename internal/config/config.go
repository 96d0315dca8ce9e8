package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for rsagent.
type Config struct {
	General   GeneralConfig   `json:"general"`
	LLM       LLMConfig       `json:"llm"`
	Embedding EmbeddingConfig `json:"embedding"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Jobs      JobsConfig      `json:"jobs"`
	Memory    MemoryConfig    `json:"memory"`
	Server    ServerConfig    `json:"server"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	DataDir            string `json:"dataDir"`
	LogLevel           string `json:"logLevel"`
	LogFile            string `json:"logFile,omitempty"`
	TurnTimeoutSeconds int    `json:"turnTimeoutSeconds"`
	HistoryWindow      int    `json:"historyWindow"` // recent messages fed to the classifier
}

// LLMConfig configures the completion collaborator used for classification,
// answering and parameter synthesis.
type LLMConfig struct {
	FailoverChain   []string                  `json:"failoverChain"`
	Providers       map[string]ProviderConfig `json:"providers"`
	TimeoutSeconds  int                       `json:"timeoutSeconds"`
	CooldownSeconds int                       `json:"cooldownSeconds"` // how long an unreachable provider is skipped
}

type ProviderConfig struct {
	Enabled         bool   `json:"enabled"`
	Kind            string `json:"kind"` // "ollama" | "openai" | "anthropic"
	APIBase         string `json:"apiBase,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	Model           string `json:"model,omitempty"`
	RateLimitPerMin int    `json:"rateLimitPerMinute,omitempty"`
}

// EmbeddingConfig lists embedding models in priority order. The first
// candidate that answers a probe becomes the active model.
type EmbeddingConfig struct {
	Candidates          []EmbeddingCandidate `json:"candidates"`
	TimeoutSeconds      int                  `json:"timeoutSeconds"`
	RecheckAfterSeconds int                  `json:"recheckAfterSeconds"`
}

type EmbeddingCandidate struct {
	Backend string `json:"backend"` // "ollama" | "genai"
	Model   string `json:"model"`
	APIBase string `json:"apiBase,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
}

// KnowledgeConfig configures chunking, retrieval and directory watching.
type KnowledgeConfig struct {
	ChunkSize         int    `json:"chunkSize"`    // words per chunk
	ChunkOverlap      int    `json:"chunkOverlap"` // overlapping words
	SearchTopK        int    `json:"searchTopK"`
	IngestConcurrency int    `json:"ingestConcurrency"`
	Persist           bool   `json:"persist"`
	WatchDir          string `json:"watchDir,omitempty"`
}

// JobsConfig configures the remote simulation job service.
type JobsConfig struct {
	APIBase           string  `json:"apiBase"`
	APIKey            string  `json:"apiKey,omitempty"`
	TimeoutSeconds    int     `json:"timeoutSeconds"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	Burst             int     `json:"burst"`
	MaxAttempts       int     `json:"maxAttempts"`
	SchemaDir         string  `json:"schemaDir,omitempty"`
}

type MemoryConfig struct {
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

// ServerConfig configures the HTTP API. An empty APIKey disables auth.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	APIKey       string `json:"apiKey,omitempty"`
	ProgressPath string `json:"progressPath"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.rsagent).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rsagent"
	}
	return filepath.Join(home, ".rsagent")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.Knowledge.WatchDir = ExpandPath(cfg.Knowledge.WatchDir)
	cfg.Jobs.SchemaDir = ExpandPath(cfg.Jobs.SchemaDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values. All problems are
// reported together.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.TurnTimeoutSeconds < 1 {
		errs = append(errs, "general.turnTimeoutSeconds must be >= 1")
	}
	if cfg.General.HistoryWindow < 0 {
		errs = append(errs, "general.historyWindow must be >= 0")
	}

	if cfg.LLM.CooldownSeconds < 0 {
		errs = append(errs, "llm.cooldownSeconds must be >= 0")
	}
	for _, name := range cfg.LLM.FailoverChain {
		if _, ok := cfg.LLM.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("llm.failoverChain references unknown provider: %s", name))
		}
	}
	for name, pc := range cfg.LLM.Providers {
		switch pc.Kind {
		case "ollama":
		case "openai":
			if pc.Enabled && pc.APIBase == "" {
				errs = append(errs, fmt.Sprintf("llm.providers.%s: apiBase is required", name))
			}
		case "anthropic":
			if pc.Enabled && pc.APIKey == "" {
				errs = append(errs, fmt.Sprintf("llm.providers.%s: apiKey is required", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("llm.providers.%s: kind must be ollama, openai or anthropic", name))
		}
	}

	for i, c := range cfg.Embedding.Candidates {
		switch c.Backend {
		case "ollama", "genai":
		default:
			errs = append(errs, fmt.Sprintf("embedding.candidates[%d]: backend must be ollama or genai", i))
		}
		if c.Model == "" {
			errs = append(errs, fmt.Sprintf("embedding.candidates[%d]: model is required", i))
		}
	}

	if cfg.Knowledge.ChunkSize < 16 {
		errs = append(errs, "knowledge.chunkSize must be >= 16")
	}
	if cfg.Knowledge.ChunkOverlap < 0 || cfg.Knowledge.ChunkOverlap >= cfg.Knowledge.ChunkSize {
		errs = append(errs, "knowledge.chunkOverlap must be >= 0 and < chunkSize")
	}
	if cfg.Knowledge.SearchTopK < 1 {
		errs = append(errs, "knowledge.searchTopK must be >= 1")
	}
	if cfg.Knowledge.IngestConcurrency < 1 {
		errs = append(errs, "knowledge.ingestConcurrency must be >= 1")
	}

	if cfg.Jobs.MaxAttempts < 1 || cfg.Jobs.MaxAttempts > 10 {
		errs = append(errs, "jobs.maxAttempts must be between 1 and 10")
	}
	if cfg.Jobs.TimeoutSeconds < 1 {
		errs = append(errs, "jobs.timeoutSeconds must be >= 1")
	}
	if cfg.Jobs.RequestsPerSecond < 0 {
		errs = append(errs, "jobs.requestsPerSecond must be >= 0")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.ProgressPath, "/") {
		errs = append(errs, "server.progressPath must start with /")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
