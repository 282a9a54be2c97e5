package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/dotsetgreg/personamem/pkg/memory"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Embedding    EmbeddingConfig    `json:"embedding" yaml:"embedding"`
	Memory       MemoryConfig       `json:"memory" yaml:"memory"`
	Worker       WorkerConfig       `json:"worker" yaml:"worker"`
	Coordinator  CoordinatorConfig  `json:"coordinator" yaml:"coordinator"`
	Queue        QueueConfig        `json:"queue" yaml:"queue"`
	SessionState SessionStateConfig `json:"session_state" yaml:"session_state"`
	Log          LogConfig          `json:"log" yaml:"log"`
	mu           sync.RWMutex
}

// StorageConfig selects the vector backend: sqlite, chromem, hnsw or milvus.
type StorageConfig struct {
	Backend          string `json:"backend" yaml:"backend" env:"PERSONAMEM_STORAGE_BACKEND"`
	SQLitePath       string `json:"sqlite_path" yaml:"sqlite_path" env:"PERSONAMEM_STORAGE_SQLITE_PATH"`
	ChromemDir       string `json:"chromem_dir" yaml:"chromem_dir" env:"PERSONAMEM_STORAGE_CHROMEM_DIR"`
	ChromemPersist   bool   `json:"chromem_persist" yaml:"chromem_persist" env:"PERSONAMEM_STORAGE_CHROMEM_PERSIST"`
	MilvusAddress    string `json:"milvus_address" yaml:"milvus_address" env:"PERSONAMEM_STORAGE_MILVUS_ADDRESS"`
	MilvusCollection string `json:"milvus_collection" yaml:"milvus_collection" env:"PERSONAMEM_STORAGE_MILVUS_COLLECTION"`
	RetryAttempts    int    `json:"retry_attempts" yaml:"retry_attempts" env:"PERSONAMEM_STORAGE_RETRY_ATTEMPTS"`
}

// EmbeddingConfig selects the embedder: local or ollama.
type EmbeddingConfig struct {
	Provider     string            `json:"provider" yaml:"provider" env:"PERSONAMEM_EMBEDDING_PROVIDER"`
	OllamaURL    string            `json:"ollama_url" yaml:"ollama_url" env:"PERSONAMEM_EMBEDDING_OLLAMA_URL"`
	Models       map[string]string `json:"models" yaml:"models" env:"PERSONAMEM_EMBEDDING_MODELS"`
	DefaultModel string            `json:"default_model" yaml:"default_model" env:"PERSONAMEM_EMBEDDING_DEFAULT_MODEL"`
	SummaryModel string            `json:"summary_model" yaml:"summary_model" env:"PERSONAMEM_EMBEDDING_SUMMARY_MODEL"`
	CacheSize    int               `json:"cache_size" yaml:"cache_size" env:"PERSONAMEM_EMBEDDING_CACHE_SIZE"`
}

type MemoryConfig struct {
	KeepaliveSeconds       int                  `json:"keepalive_seconds" yaml:"keepalive_seconds" env:"PERSONAMEM_MEMORY_KEEPALIVE_SECONDS"`
	MinTurnsForSummary     int                  `json:"min_turns_for_summary" yaml:"min_turns_for_summary" env:"PERSONAMEM_MEMORY_MIN_TURNS_FOR_SUMMARY"`
	Thresholds             map[string]float64   `json:"thresholds" yaml:"thresholds" env:"PERSONAMEM_MEMORY_THRESHOLDS"`
	Rerank                 memory.RerankWeights `json:"rerank" yaml:"rerank"`
	Dimensions             map[string]int       `json:"dimensions" yaml:"dimensions" env:"PERSONAMEM_MEMORY_DIMENSIONS"`
	VectorWeights          map[string]float64   `json:"vector_weights" yaml:"vector_weights" env:"PERSONAMEM_MEMORY_VECTOR_WEIGHTS"`
	DegradedVectorReuse    bool                 `json:"degraded_vector_reuse" yaml:"degraded_vector_reuse" env:"PERSONAMEM_MEMORY_DEGRADED_VECTOR_REUSE"`
	ContradictionThreshold float64              `json:"contradiction_threshold" yaml:"contradiction_threshold" env:"PERSONAMEM_MEMORY_CONTRADICTION_THRESHOLD"`
	ContradictionTopN      int                  `json:"contradiction_top_n" yaml:"contradiction_top_n" env:"PERSONAMEM_MEMORY_CONTRADICTION_TOP_N"`
	SummaryMaxChars        int                  `json:"summary_max_chars" yaml:"summary_max_chars" env:"PERSONAMEM_MEMORY_SUMMARY_MAX_CHARS"`
	RecencyHalfLifeHours   int                  `json:"recency_half_life_hours" yaml:"recency_half_life_hours" env:"PERSONAMEM_MEMORY_RECENCY_HALF_LIFE_HOURS"`
	ExtractFacts           bool                 `json:"extract_facts" yaml:"extract_facts" env:"PERSONAMEM_MEMORY_EXTRACT_FACTS"`
}

type WorkerConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled" env:"PERSONAMEM_WORKER_ENABLED"`
	PollMS         int    `json:"poll_ms" yaml:"poll_ms" env:"PERSONAMEM_WORKER_POLL_MS"`
	LeaseSeconds   int    `json:"lease_seconds" yaml:"lease_seconds" env:"PERSONAMEM_WORKER_LEASE_SECONDS"`
	SweepSchedule  string `json:"sweep_schedule" yaml:"sweep_schedule" env:"PERSONAMEM_WORKER_SWEEP_SCHEDULE"`
	MaxJobAttempts int    `json:"max_job_attempts" yaml:"max_job_attempts" env:"PERSONAMEM_WORKER_MAX_JOB_ATTEMPTS"`
	BackoffSeconds int    `json:"backoff_seconds" yaml:"backoff_seconds" env:"PERSONAMEM_WORKER_BACKOFF_SECONDS"`
}

type CoordinatorConfig struct {
	KnownBots   []string `json:"known_bots" yaml:"known_bots" env:"PERSONAMEM_COORDINATOR_KNOWN_BOTS"`
	Concurrency int      `json:"concurrency" yaml:"concurrency" env:"PERSONAMEM_COORDINATOR_CONCURRENCY"`
	TimeoutMS   int      `json:"timeout_ms" yaml:"timeout_ms" env:"PERSONAMEM_COORDINATOR_TIMEOUT_MS"`
}

// QueueConfig selects the summarization job queue: sqlite or kafka.
type QueueConfig struct {
	Kind            string   `json:"kind" yaml:"kind" env:"PERSONAMEM_QUEUE_KIND"`
	Brokers         []string `json:"brokers" yaml:"brokers" env:"PERSONAMEM_QUEUE_BROKERS"`
	Topic           string   `json:"topic" yaml:"topic" env:"PERSONAMEM_QUEUE_TOPIC"`
	GroupID         string   `json:"group_id" yaml:"group_id" env:"PERSONAMEM_QUEUE_GROUP_ID"`
	DeadLetterTopic string   `json:"dead_letter_topic" yaml:"dead_letter_topic" env:"PERSONAMEM_QUEUE_DEAD_LETTER_TOPIC"`
}

// SessionStateConfig selects where session windows live: sqlite or redis.
type SessionStateConfig struct {
	Kind          string `json:"kind" yaml:"kind" env:"PERSONAMEM_SESSION_STATE_KIND"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr" env:"PERSONAMEM_SESSION_STATE_REDIS_ADDR"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty" env:"PERSONAMEM_SESSION_STATE_REDIS_PASSWORD"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db" env:"PERSONAMEM_SESSION_STATE_REDIS_DB"`
	Prefix        string `json:"prefix" yaml:"prefix" env:"PERSONAMEM_SESSION_STATE_PREFIX"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level" env:"PERSONAMEM_LOG_LEVEL"`
}

func DefaultConfig() *Config {
	tuning := memory.DefaultTuning()
	thresholds := map[string]float64{}
	for qt, v := range tuning.Thresholds {
		thresholds[string(qt)] = v
	}
	return &Config{
		Storage: StorageConfig{
			Backend:          "sqlite",
			SQLitePath:       "~/.personamem/state/memory.db",
			ChromemDir:       "~/.personamem/chromem",
			MilvusCollection: "personamem",
			RetryAttempts:    3,
		},
		Embedding: EmbeddingConfig{
			Provider:     "local",
			OllamaURL:    "http://localhost:11434",
			Models:       map[string]string{},
			DefaultModel: "nomic-embed-text",
			CacheSize:    10_000,
		},
		Memory: MemoryConfig{
			KeepaliveSeconds:       int(tuning.Keepalive / time.Second),
			MinTurnsForSummary:     tuning.MinTurnsForSummary,
			Thresholds:             thresholds,
			Rerank:                 tuning.Rerank,
			Dimensions:             memory.DefaultDimensions(),
			VectorWeights:          tuning.VectorWeights,
			ContradictionThreshold: tuning.ContradictionThreshold,
			ContradictionTopN:      tuning.ContradictionTopN,
			SummaryMaxChars:        tuning.SummaryMaxChars,
			RecencyHalfLifeHours:   int(tuning.RecencyHalfLife / time.Hour),
		},
		Worker: WorkerConfig{
			Enabled:        true,
			PollMS:         800,
			LeaseSeconds:   45,
			SweepSchedule:  "*/5 * * * *",
			MaxJobAttempts: 5,
			BackoffSeconds: 2,
		},
		Coordinator: CoordinatorConfig{
			KnownBots:   []string{},
			Concurrency: 4,
			TimeoutMS:   3000,
		},
		Queue: QueueConfig{
			Kind:    "sqlite",
			Topic:   "personamem.jobs",
			GroupID: "personamem-workers",
		},
		SessionState: SessionStateConfig{
			Kind:   "sqlite",
			Prefix: "personamem",
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads path (JSON, or YAML for .yaml/.yml) over the defaults
// and applies PERSONAMEM_* environment overrides. A missing file yields
// defaults plus environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile exports the KEY=value pairs of a dotenv file into the process
// environment so LoadConfig picks them up. Variables already set win.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(expandHome(path)); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate rejects settings the engine cannot start with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !oneOf(c.Storage.Backend, "sqlite", "chromem", "hnsw", "milvus") {
		return fmt.Errorf("storage.backend must be sqlite, chromem, hnsw or milvus, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "milvus" && strings.TrimSpace(c.Storage.MilvusAddress) == "" {
		return fmt.Errorf("storage.milvus_address is required for the milvus backend")
	}
	if !oneOf(c.Embedding.Provider, "local", "ollama") {
		return fmt.Errorf("embedding.provider must be local or ollama, got %q", c.Embedding.Provider)
	}
	if !oneOf(c.Queue.Kind, "sqlite", "kafka") {
		return fmt.Errorf("queue.kind must be sqlite or kafka, got %q", c.Queue.Kind)
	}
	if c.Queue.Kind == "kafka" && len(c.Queue.Brokers) == 0 {
		return fmt.Errorf("queue.brokers is required for the kafka queue")
	}
	if !oneOf(c.SessionState.Kind, "sqlite", "redis") {
		return fmt.Errorf("session_state.kind must be sqlite or redis, got %q", c.SessionState.Kind)
	}
	if c.SessionState.Kind == "redis" && strings.TrimSpace(c.SessionState.RedisAddr) == "" {
		return fmt.Errorf("session_state.redis_addr is required for the redis session store")
	}
	needsSQLite := c.Storage.Backend == "sqlite" || c.Queue.Kind == "sqlite" || c.SessionState.Kind == "sqlite"
	if needsSQLite && strings.TrimSpace(c.Storage.SQLitePath) == "" {
		return fmt.Errorf("storage.sqlite_path is required")
	}
	if len(c.Memory.Dimensions) == 0 {
		return fmt.Errorf("memory.dimensions must declare at least one vector")
	}
	for name, d := range c.Memory.Dimensions {
		if d <= 0 {
			return fmt.Errorf("memory.dimensions.%s must be positive, got %d", name, d)
		}
	}
	for qt, v := range c.Memory.Thresholds {
		if v < 0 || v > 1 {
			return fmt.Errorf("memory.thresholds.%s must be within [0,1], got %v", qt, v)
		}
	}
	if c.Memory.ContradictionThreshold < 0 || c.Memory.ContradictionThreshold > 1 {
		return fmt.Errorf("memory.contradiction_threshold must be within [0,1]")
	}
	if c.Worker.SweepSchedule != "" && !gronx.New().IsValid(c.Worker.SweepSchedule) {
		return fmt.Errorf("worker.sweep_schedule %q is not a valid cron expression", c.Worker.SweepSchedule)
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// Tuning converts the memory section into engine tuning.
func (c *Config) Tuning() memory.Tuning {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := c.Memory
	thresholds := make(map[memory.QueryType]float64, len(m.Thresholds))
	for k, v := range m.Thresholds {
		thresholds[memory.QueryType(k)] = v
	}
	weights := make(map[string]float64, len(m.VectorWeights))
	for k, v := range m.VectorWeights {
		weights[k] = v
	}
	return memory.Tuning{
		Keepalive:              time.Duration(m.KeepaliveSeconds) * time.Second,
		MinTurnsForSummary:     m.MinTurnsForSummary,
		Thresholds:             thresholds,
		Rerank:                 m.Rerank,
		VectorWeights:          weights,
		ContradictionThreshold: m.ContradictionThreshold,
		ContradictionTopN:      m.ContradictionTopN,
		SummaryMaxChars:        m.SummaryMaxChars,
		RecencyHalfLife:        time.Duration(m.RecencyHalfLifeHours) * time.Hour,
		DegradedVectorReuse:    m.DegradedVectorReuse,
	}
}

// Dimensions returns a copy of the configured dimension table.
func (c *Config) Dimensions() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.Memory.Dimensions))
	for k, v := range c.Memory.Dimensions {
		out[k] = v
	}
	return out
}

// EngineConfig returns the worker and coordinator settings of the engine.
func (c *Config) EngineConfig() memory.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return memory.Config{
		WorkerPoll:     time.Duration(c.Worker.PollMS) * time.Millisecond,
		WorkerLease:    time.Duration(c.Worker.LeaseSeconds) * time.Second,
		SweepSchedule:  c.Worker.SweepSchedule,
		MaxJobAttempts: c.Worker.MaxJobAttempts,
		JobBackoff:     time.Duration(c.Worker.BackoffSeconds) * time.Second,
		DisableWorker:  !c.Worker.Enabled,
		ExtractFacts:   c.Memory.ExtractFacts,
		Coordinator: memory.CoordinatorConfig{
			KnownBots:   append([]string(nil), c.Coordinator.KnownBots...),
			Concurrency: c.Coordinator.Concurrency,
			Timeout:     time.Duration(c.Coordinator.TimeoutMS) * time.Millisecond,
		},
	}
}

func (c *Config) SQLitePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.SQLitePath)
}

func (c *Config) ChromemDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.ChromemDir)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
