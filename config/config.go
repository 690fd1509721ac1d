// Package config loads the daemon configuration: YAML file merged over
// built-in defaults, with the file path overridable from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the full memoryd configuration.
type ServerConfig struct {
	Server    ListenConfig    `yaml:"server,omitempty"`
	Storage   StorageConfig   `yaml:"storage,omitempty"`
	Engine    EngineConfig    `yaml:"engine,omitempty"`
	LLM       LLMConfig       `yaml:"llm,omitempty"`
	Workers   WorkersConfig   `yaml:"workers,omitempty"`
	Realtime  RealtimeConfig  `yaml:"realtime,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// ListenConfig controls the daemon's listeners.
type ListenConfig struct {
	Socket string `yaml:"socket,omitempty"` // Unix socket path (default: /tmp/memoryd.sock)
	TCP    string `yaml:"tcp,omitempty"`    // TCP address (e.g., localhost:50052)
}

// StorageConfig selects and locates the storage backends.
type StorageConfig struct {
	// DataDir holds the SQLite databases and embedded vector files.
	DataDir string `yaml:"data_dir,omitempty"`

	// VectorBackend is "chromem" (embedded, default) or "qdrant".
	VectorBackend string       `yaml:"vector_backend,omitempty"`
	Qdrant        QdrantConfig `yaml:"qdrant,omitempty"`

	// Redis enables the shared event bus and lease manager. When unset,
	// in-process implementations are used.
	Redis RedisConfig `yaml:"redis,omitempty"`
}

// QdrantConfig locates a Qdrant server.
type QdrantConfig struct {
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	UseTLS     bool   `yaml:"use_tls,omitempty"`
	Collection string `yaml:"collection,omitempty"`
}

// RedisConfig locates a Redis server.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// EngineConfig tunes the memory engine.
type EngineConfig struct {
	MaxTextBytes       int           `yaml:"max_text_bytes,omitempty"`
	DedupThreshold     float64       `yaml:"dedup_threshold,omitempty"`
	DedupTopK          int           `yaml:"dedup_top_k,omitempty"`
	SemanticWeight     float64       `yaml:"semantic_weight,omitempty"`
	LexicalWeight      float64       `yaml:"lexical_weight,omitempty"`
	RecencyWeight      float64       `yaml:"recency_weight,omitempty"`
	RecencyTauDays     float64       `yaml:"recency_tau_days,omitempty"`
	DefaultSharePolicy string        `yaml:"default_share_policy,omitempty"`
	AdmissionLimit     int64         `yaml:"admission_limit,omitempty"`
	UndoRetention      time.Duration `yaml:"undo_retention,omitempty"`
}

// LLMConfig selects embedding and completion providers.
type LLMConfig struct {
	// EmbedProvider is "local", "openai" or "ollama".
	EmbedProvider string `yaml:"embed_provider,omitempty"`
	// CompleteProvider is "none", "anthropic", "openai" or "ollama".
	CompleteProvider string `yaml:"complete_provider,omitempty"`
	// EmbedDimensions applies to the local provider.
	EmbedDimensions int `yaml:"embed_dimensions,omitempty"`
	// EmbedCacheSize caps the in-process embedding cache.
	EmbedCacheSize int `yaml:"embed_cache_size,omitempty"`

	// RateRPS and RateBurst shape the per-provider-key token bucket that
	// gates every outbound provider call.
	RateRPS   float64 `yaml:"rate_rps,omitempty"`
	RateBurst int     `yaml:"rate_burst,omitempty"`

	Anthropic AnthropicConfig `yaml:"anthropic,omitempty"`
	OpenAI    OpenAIConfig    `yaml:"openai,omitempty"`
	Ollama    OllamaConfig    `yaml:"ollama,omitempty"`
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key,omitempty"`
	Model  string `yaml:"model,omitempty"`
}

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey        string `yaml:"api_key,omitempty"`
	BaseURL       string `yaml:"base_url,omitempty"`
	EmbedModel    string `yaml:"embed_model,omitempty"`
	CompleteModel string `yaml:"complete_model,omitempty"`
}

// OllamaConfig configures the Ollama provider. Host comes from OLLAMA_HOST.
type OllamaConfig struct {
	EmbedModel    string `yaml:"embed_model,omitempty"`
	CompleteModel string `yaml:"complete_model,omitempty"`
}

// WorkersConfig schedules the lifecycle workers. Schedules use cron
// expressions; an empty schedule keeps the worker's default.
type WorkersConfig struct {
	Paused bool `yaml:"paused,omitempty"`
	// DryRun plans lifecycle actions without applying them.
	DryRun bool `yaml:"dry_run,omitempty"`
	// DedupRequireApproval makes the dedup worker plan merges without
	// applying them until an operator approves the run. On by default;
	// a pointer so an explicit false in the file survives the merge.
	DedupRequireApproval *bool `yaml:"dedup_require_approval,omitempty"`

	DedupSchedule     string `yaml:"dedup_schedule,omitempty"`
	SummarizeSchedule string `yaml:"summarize_schedule,omitempty"`
	ExpirySchedule    string `yaml:"expiry_schedule,omitempty"`
	SessionSchedule   string `yaml:"session_schedule,omitempty"`
	PurgeSchedule     string `yaml:"purge_schedule,omitempty"`
	BackupSchedule    string `yaml:"backup_schedule,omitempty"`

	// ExpiryGrace is how long an archived memory survives before the
	// expiry worker deletes it.
	ExpiryGrace time.Duration `yaml:"expiry_grace,omitempty"`
	// ExpiryDefaultPolicy is "archive" (expired memories hide, then age
	// out after the grace) or "delete" (expired memories go directly).
	ExpiryDefaultPolicy string `yaml:"expiry_default_policy,omitempty"`
	// BackupKeep is how many snapshots to retain before flagging pruning.
	BackupKeep int `yaml:"backup_keep,omitempty"`

	// SummarizeMinChars is the size above which a memory is eligible for
	// lifecycle summarization.
	SummarizeMinChars int `yaml:"summarize_min_chars,omitempty"`
	// SummarizeMinAge keeps fresh memories out of summarization.
	SummarizeMinAge time.Duration `yaml:"summarize_min_age,omitempty"`
	// SummarizeTargetChars is the length condensed text aims for.
	SummarizeTargetChars int `yaml:"summarize_target_chars,omitempty"`
}

// DedupApproval resolves the require-approval toggle; unset means on.
func (w WorkersConfig) DedupApproval() bool {
	return w.DedupRequireApproval == nil || *w.DedupRequireApproval
}

// RealtimeConfig tunes the event coordinator.
type RealtimeConfig struct {
	// QueueSize bounds each subscriber's pending event queue.
	QueueSize int `yaml:"queue_size,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	File   string `yaml:"file,omitempty"`
	Level  string `yaml:"level,omitempty"`
	Pretty bool   `yaml:"pretty,omitempty"`
}

// TelemetryConfig controls the metrics endpoint.
type TelemetryConfig struct {
	// MetricsAddr serves Prometheus metrics when set (e.g. localhost:9090).
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	// SlowQueryThreshold logs any operation slower than this.
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold,omitempty"`
}

// Defaults returns the built-in configuration.
func Defaults() ServerConfig {
	return ServerConfig{
		Server: ListenConfig{
			Socket: "/tmp/memoryd.sock",
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			VectorBackend: "chromem",
			Qdrant: QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				Collection: "memories",
			},
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Engine: EngineConfig{
			MaxTextBytes:       1 << 20,
			DedupThreshold:     0.95,
			DedupTopK:          5,
			SemanticWeight:     0.5,
			LexicalWeight:      0.3,
			RecencyWeight:      0.2,
			RecencyTauDays:     30,
			DefaultSharePolicy: "private",
			AdmissionLimit:     64,
			UndoRetention:      7 * 24 * time.Hour,
		},
		LLM: LLMConfig{
			EmbedProvider:    "local",
			CompleteProvider: "none",
			EmbedDimensions:  1024,
			EmbedCacheSize:   4096,
			RateRPS:          2,
			RateBurst:        4,
		},
		Workers: WorkersConfig{
			DedupRequireApproval: boolPtr(true),
			DedupSchedule:        "0 3 * * 0",
			SummarizeSchedule:    "0 4 1 * *",
			ExpirySchedule:       "0 2 * * *",
			SessionSchedule:      "0 * * * *",
			PurgeSchedule:        "30 2 * * *",
			BackupSchedule:       "0 1 * * *",
			ExpiryGrace:          30 * 24 * time.Hour,
			ExpiryDefaultPolicy:  "archive",
			BackupKeep:           7,
			SummarizeMinChars:    1000,
			SummarizeMinAge:      30 * 24 * time.Hour,
			SummarizeTargetChars: 200,
		},
		Realtime: RealtimeConfig{
			QueueSize: 256,
		},
		Logging: LoggingConfig{
			File:  "memoryd.log",
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			SlowQueryThreshold: 500 * time.Millisecond,
		},
	}
}

func boolPtr(b bool) *bool { return &b }

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.memoryd"
	}
	return filepath.Join(homeDir, ".memoryd")
}

// Path returns the config file location, overridable via MEMORYD_CONFIG_PATH.
func Path() string {
	if envPath := os.Getenv("MEMORYD_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	return filepath.Join(defaultDataDir(), "config.yaml")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Load reads the config file at path and merges it over the defaults.
// A missing file yields the defaults.
func Load(path string) (*ServerConfig, error) {
	cfg := Defaults()

	data, err := os.ReadFile(expandPath(path))
	if os.IsNotExist(err) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fileCfg ServerConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration, creating the directory if needed.
func Save(cfg *ServerConfig, path string) error {
	expanded := expandPath(path)
	if err := os.MkdirAll(filepath.Dir(expanded), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(expanded, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
