// Package config loads Mnemosyne configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// JobConfig controls one evolution job.
type JobConfig struct {
	Enabled     bool
	Interval    time.Duration `validate:"min=1h"`
	BatchSize   int           `validate:"min=1,max=10000"`
	MaxDuration time.Duration `validate:"min=1m,max=30m"`
}

// ConsolidationConfig extends the JobConfig of the consolidation job.
type ConsolidationConfig struct {
	JobConfig
	DecisionMode     string  `validate:"oneof=heuristic llm_always llm_selective llm_with_fallback"`
	MaxCostPerRunUSD float64 `validate:"min=0"`

	// The similarity band routed to the reasoning service in llm_selective
	// mode; pairs outside it stay heuristic.
	LLMRangeLow  float64 `validate:"min=0,max=1,ltefield=LLMRangeHigh"`
	LLMRangeHigh float64 `validate:"min=0,max=1"`
}

// EvolutionConfig gathers the four background jobs.
type EvolutionConfig struct {
	Enabled       bool
	Importance    JobConfig
	LinkDecay     JobConfig
	Archival      JobConfig
	Consolidation ConsolidationConfig
}

// SupervisionConfig bounds the actor restart policy.
type SupervisionConfig struct {
	MaxConcurrentAgents int           `validate:"min=1"`
	MaxRestarts         int           `validate:"min=1"`
	RestartWindow       time.Duration `validate:"min=1s"`
	HeartbeatInterval   time.Duration `validate:"min=100ms"`
}

// EditorConfig controls the collaborative buffer.
type EditorConfig struct {
	ReadOnly bool
}

// Config is the single configuration object passed into components.
// Secrets stay on this struct and never reach logs or events unredacted.
type Config struct {
	DatabasePath     string `validate:"required"`
	LLMAPIKey        string
	EmbeddingModel   string
	EventBusCapacity int `validate:"min=1"`
	ListenAddr       string
	Evolution        EvolutionConfig
	Supervision      SupervisionConfig
	Editor           EditorConfig
}

// HasLLM reports whether operations needing the external reasoning service
// can run. Absence degrades to heuristic paths rather than failing.
func (c *Config) HasLLM() bool {
	return c.LLMAPIKey != ""
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present (godotenv); real env vars win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbPath := os.Getenv("MNEMOSYNE_DB")
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home dir: %w", err)
		}
		dbPath = home + "/.mnemosyne/mnemosyne.db"
	}

	cfg := &Config{
		DatabasePath:     dbPath,
		LLMAPIKey:        os.Getenv("ANTHROPIC_API_KEY"),
		EmbeddingModel:   envStr("MNEMOSYNE_EMBEDDING_MODEL", "local-hash-v1"),
		EventBusCapacity: envInt("MNEMOSYNE_EVENT_BUS_CAPACITY", 1000),
		ListenAddr:       envStr("MNEMOSYNE_LISTEN", "127.0.0.1:7463"),
		Evolution:        loadEvolution(),
		Supervision: SupervisionConfig{
			MaxConcurrentAgents: envInt("MNEMOSYNE_MAX_CONCURRENT_AGENTS", 4),
			MaxRestarts:         envInt("MNEMOSYNE_MAX_RESTARTS", 3),
			RestartWindow:       envDuration("MNEMOSYNE_RESTART_WINDOW", time.Minute),
			HeartbeatInterval:   envDuration("MNEMOSYNE_HEARTBEAT_INTERVAL", 5*time.Second),
		},
		Editor: EditorConfig{
			ReadOnly: envBool("MNEMOSYNE_EDITOR_READ_ONLY", false),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadEvolution() EvolutionConfig {
	base := JobConfig{
		Enabled:     true,
		Interval:    envDuration("MNEMOSYNE_EVOLUTION_INTERVAL", 6*time.Hour),
		BatchSize:   envInt("MNEMOSYNE_EVOLUTION_BATCH", 200),
		MaxDuration: envDuration("MNEMOSYNE_EVOLUTION_MAX_DURATION", 5*time.Minute),
	}
	return EvolutionConfig{
		Enabled:    envBool("MNEMOSYNE_EVOLUTION_ENABLED", true),
		Importance: base,
		LinkDecay:  base,
		Archival:   base,
		Consolidation: ConsolidationConfig{
			JobConfig:        base,
			DecisionMode:     envStr("MNEMOSYNE_CONSOLIDATION_MODE", "heuristic"),
			MaxCostPerRunUSD: envFloat("MNEMOSYNE_CONSOLIDATION_MAX_COST_USD", 0.50),
			LLMRangeLow:      envFloat("MNEMOSYNE_CONSOLIDATION_LLM_RANGE_LOW", 0.85),
			LLMRangeHigh:     envFloat("MNEMOSYNE_CONSOLIDATION_LLM_RANGE_HIGH", 0.92),
		},
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
