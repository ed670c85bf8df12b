package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MNEMOSYNE_DB", t.TempDir()+"/m.db")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.EventBusCapacity)
	assert.Equal(t, 4, cfg.Supervision.MaxConcurrentAgents)
	assert.Equal(t, 3, cfg.Supervision.MaxRestarts)
	assert.Equal(t, time.Minute, cfg.Supervision.RestartWindow)
	assert.True(t, cfg.Evolution.Enabled)
	assert.Equal(t, "heuristic", cfg.Evolution.Consolidation.DecisionMode)
	assert.Equal(t, 0.85, cfg.Evolution.Consolidation.LLMRangeLow)
	assert.Equal(t, 0.92, cfg.Evolution.Consolidation.LLMRangeHigh)
	assert.False(t, cfg.HasLLM())
}

func TestLoadRejectsInvertedLLMRange(t *testing.T) {
	t.Setenv("MNEMOSYNE_DB", t.TempDir()+"/m.db")
	t.Setenv("MNEMOSYNE_CONSOLIDATION_LLM_RANGE_LOW", "0.95")
	t.Setenv("MNEMOSYNE_CONSOLIDATION_LLM_RANGE_HIGH", "0.85")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MNEMOSYNE_DB", t.TempDir()+"/m.db")
	t.Setenv("MNEMOSYNE_EVENT_BUS_CAPACITY", "250")
	t.Setenv("MNEMOSYNE_MAX_CONCURRENT_AGENTS", "2")
	t.Setenv("MNEMOSYNE_EVOLUTION_INTERVAL", "2h")
	t.Setenv("MNEMOSYNE_CONSOLIDATION_MODE", "llm_with_fallback")
	t.Setenv("MNEMOSYNE_EDITOR_READ_ONLY", "true")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.EventBusCapacity)
	assert.Equal(t, 2, cfg.Supervision.MaxConcurrentAgents)
	assert.Equal(t, 2*time.Hour, cfg.Evolution.Importance.Interval)
	assert.Equal(t, "llm_with_fallback", cfg.Evolution.Consolidation.DecisionMode)
	assert.True(t, cfg.Editor.ReadOnly)
	assert.True(t, cfg.HasLLM())
}

func TestLoadRejectsBadConsolidationMode(t *testing.T) {
	t.Setenv("MNEMOSYNE_DB", t.TempDir()+"/m.db")
	t.Setenv("MNEMOSYNE_CONSOLIDATION_MODE", "guess")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsTooFrequentEvolution(t *testing.T) {
	t.Setenv("MNEMOSYNE_DB", t.TempDir()+"/m.db")
	t.Setenv("MNEMOSYNE_EVOLUTION_INTERVAL", "10m")

	_, err := Load()
	assert.Error(t, err)
}
