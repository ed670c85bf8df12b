package evolution

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemosyne-dev/mnemosyne/internal/config"
	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

func testJobConfig() config.JobConfig {
	return config.JobConfig{
		Enabled:     true,
		Interval:    6 * time.Hour,
		BatchSize:   500,
		MaxDuration: 5 * time.Minute,
	}
}

func newEvolutionStore(t *testing.T) *memory.Store {
	t.Helper()
	s, err := memory.Open(memory.InMemory, memory.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestImportanceRecalibrationRaisesHeavilyUsedMemory(t *testing.T) {
	s := newEvolutionStore(t)
	ctx := context.Background()

	m, err := s.StoreMemory(ctx, &memory.Memory{
		Namespace:   types.Global(),
		Content:     "hot path cache invalidation rule",
		Importance:  2,
		AccessCount: 200,
	})
	require.NoError(t, err)

	job := &importanceJob{store: s, cfg: testJobConfig()}
	report, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MemoriesProcessed)
	assert.Equal(t, 1, report.ChangesMade)

	got, err := s.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Greater(t, got.Importance, 2)
	assert.LessOrEqual(t, got.Importance, 10)
}

func TestImportanceRecalibrationIsSmoothed(t *testing.T) {
	s := newEvolutionStore(t)
	ctx := context.Background()

	m, err := s.StoreMemory(ctx, &memory.Memory{
		Namespace:   types.Global(),
		Content:     "rarely needed trivia",
		Importance:  10,
		AccessCount: 0,
	})
	require.NoError(t, err)

	job := &importanceJob{store: s, cfg: testJobConfig()}
	_, err = job.Run(ctx)
	require.NoError(t, err)

	got, err := s.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	// One run moves importance only a fraction of the way toward the
	// recomputed target, never all the way to the floor.
	assert.Less(t, got.Importance, 10)
	assert.Greater(t, got.Importance, 5)
}

func TestLinkDecayWeakensAndDropsStaleLinks(t *testing.T) {
	s := newEvolutionStore(t)
	ctx := context.Background()

	a, err := s.StoreMemory(ctx, &memory.Memory{Namespace: types.Global(), Content: "source"})
	require.NoError(t, err)
	b, err := s.StoreMemory(ctx, &memory.Memory{Namespace: types.Global(), Content: "strong target"})
	require.NoError(t, err)
	c, err := s.StoreMemory(ctx, &memory.Memory{Namespace: types.Global(), Content: "weak target"})
	require.NoError(t, err)
	d, err := s.StoreMemory(ctx, &memory.Memory{Namespace: types.Global(), Content: "pinned target"})
	require.NoError(t, err)

	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	require.NoError(t, s.AddLink(ctx, a.ID, memory.Link{TargetID: b.ID, Type: memory.LinkRelatedTo, Strength: 0.8, CreatedAt: old}))
	require.NoError(t, s.AddLink(ctx, a.ID, memory.Link{TargetID: c.ID, Type: memory.LinkRelatedTo, Strength: 0.055, CreatedAt: old}))
	require.NoError(t, s.AddLink(ctx, a.ID, memory.Link{TargetID: d.ID, Type: memory.LinkRelatedTo, Strength: 0.055, CreatedAt: old, UserCreated: true}))

	job := &linkDecayJob{store: s, cfg: testJobConfig()}
	report, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ChangesMade)

	got, err := s.GetMemory(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got.Links, 2)
	byTarget := map[types.ID]memory.Link{}
	for _, l := range got.Links {
		byTarget[l.TargetID] = l
	}
	assert.InDelta(t, 0.72, byTarget[b.ID].Strength, 0.001)
	assert.NotContains(t, byTarget, c.ID)
	// User-created links are never decayed.
	assert.InDelta(t, 0.055, byTarget[d.ID].Strength, 0.0001)
}

func TestArchivalArchivesOldUnusedMemories(t *testing.T) {
	s := newEvolutionStore(t)
	ctx := context.Background()

	stale, err := s.StoreMemory(ctx, &memory.Memory{Namespace: types.Global(), Content: "forgotten detail", Importance: 2})
	require.NoError(t, err)
	pinned, err := s.StoreMemory(ctx, &memory.Memory{Namespace: types.Global(), Content: "user pinned detail", Importance: 2, UserCreated: true})
	require.NoError(t, err)
	fresh, err := s.StoreMemory(ctx, &memory.Memory{Namespace: types.Global(), Content: "recent detail", Importance: 2})
	require.NoError(t, err)

	old := time.Now().UTC().Add(-120 * 24 * time.Hour)
	_, err = s.DB().Exec(`UPDATE memories SET last_accessed_at = ? WHERE id IN (?, ?)`,
		old, stale.ID.String(), pinned.ID.String())
	require.NoError(t, err)

	job := &archivalJob{store: s, cfg: testJobConfig()}
	report, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ChangesMade)

	got, err := s.GetMemory(ctx, stale.ID)
	require.NoError(t, err)
	assert.True(t, got.IsArchived)

	for _, id := range []types.ID{pinned.ID, fresh.ID} {
		got, err := s.GetMemory(ctx, id)
		require.NoError(t, err)
		assert.False(t, got.IsArchived)
	}

	// Reversible.
	require.NoError(t, s.UnarchiveMemory(ctx, stale.ID))
	got, err = s.GetMemory(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, got.IsArchived)
}

func consolidationConfig(mode string) config.ConsolidationConfig {
	return config.ConsolidationConfig{
		JobConfig:        testJobConfig(),
		DecisionMode:     mode,
		MaxCostPerRunUSD: 0.50,
	}
}

func similarPair(t *testing.T, s *memory.Store, sim float64) (*memory.Memory, *memory.Memory) {
	t.Helper()
	ctx := context.Background()

	first, err := s.StoreMemory(ctx, &memory.Memory{
		Namespace: types.Global(),
		Content:   "JWT access tokens expire after 1 hour",
		Keywords:  []string{"jwt", "auth"},
		Embedding: []float32{1, 0, 0},
	})
	require.NoError(t, err)
	// Wait out the timestamp granularity so creation order is stable.
	time.Sleep(5 * time.Millisecond)

	second, err := s.StoreMemory(ctx, &memory.Memory{
		Namespace: types.Global(),
		Content:   "JWT expiration is one hour for access tokens",
		Keywords:  []string{"jwt"},
		Embedding: []float32{float32(sim), float32(math.Sqrt(1 - sim*sim)), 0},
	})
	require.NoError(t, err)
	return first, second
}

func TestConsolidationHeuristicMergesNearDuplicates(t *testing.T) {
	s := newEvolutionStore(t)
	ctx := context.Background()

	first, second := similarPair(t, s, 0.95)

	job := newConsolidationJob(s, nil, consolidationConfig("heuristic"), slog.New(slog.DiscardHandler))
	report, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.ChangesMade)

	survivor, err := s.GetMemory(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, survivor.IsArchived)
	assert.Contains(t, survivor.Content, "JWT access tokens expire after 1 hour")
	assert.ElementsMatch(t, []string{"jwt", "auth"}, survivor.Keywords)

	archived, err := s.GetMemory(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, archived.IsArchived)
	assert.Equal(t, first.ID, archived.SupersededBy)
}

func TestConsolidationKeepBothIsRememberedAcrossRuns(t *testing.T) {
	s := newEvolutionStore(t)
	ctx := context.Background()

	similarPair(t, s, 0.82)

	job := newConsolidationJob(s, nil, consolidationConfig("heuristic"), slog.New(slog.DiscardHandler))
	report, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.MemoriesProcessed)
	assert.Equal(t, 0, report.ChangesMade)

	report, err = job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.MemoriesProcessed, "reviewed pair should not be revisited")
}

type recordingBridge struct {
	calls     int
	spent     float64
	decision  string
	available bool
}

func (b *recordingBridge) Call(ctx context.Context, op string, in map[string]string) (map[string]string, error) {
	b.calls++
	b.spent += 0.10
	return map[string]string{"decision": b.decision}, nil
}

func (b *recordingBridge) Available() bool   { return b.available }
func (b *recordingBridge) SpentUSD() float64 { return b.spent }

func TestConsolidationLlmModeUsesBridge(t *testing.T) {
	s := newEvolutionStore(t)
	ctx := context.Background()

	first, second := similarPair(t, s, 0.95)
	bridge := &recordingBridge{decision: "supersede", available: true}

	job := newConsolidationJob(s, bridge, consolidationConfig("llm_always"), slog.New(slog.DiscardHandler))
	report, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, bridge.calls)
	assert.Equal(t, 1, report.ChangesMade)

	archived, err := s.GetMemory(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, archived.IsArchived)
	assert.Equal(t, first.ID, archived.SupersededBy)
}

func TestConsolidationSelectiveModeHonorsConfiguredBand(t *testing.T) {
	s := newEvolutionStore(t)
	ctx := context.Background()

	// 0.86 sits inside the default selective band but outside the
	// configured one, so the bridge stays untouched.
	similarPair(t, s, 0.86)
	bridge := &recordingBridge{decision: "keep_both", available: true}

	cfg := consolidationConfig("llm_selective")
	cfg.LLMRangeLow = 0.95
	cfg.LLMRangeHigh = 0.99
	job := newConsolidationJob(s, bridge, cfg, slog.New(slog.DiscardHandler))
	_, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, bridge.calls, "pair outside the configured band must stay heuristic")

	// Same pair, band widened to cover it: now it goes to the bridge.
	s2 := newEvolutionStore(t)
	similarPair(t, s2, 0.86)
	bridge2 := &recordingBridge{decision: "keep_both", available: true}
	cfg.LLMRangeLow = 0.82
	cfg.LLMRangeHigh = 0.92
	job2 := newConsolidationJob(s2, bridge2, cfg, slog.New(slog.DiscardHandler))
	_, err = job2.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, bridge2.calls)
}

func TestConsolidationExhaustedBudgetFallsBackToHeuristic(t *testing.T) {
	s := newEvolutionStore(t)
	ctx := context.Background()

	similarPair(t, s, 0.95)
	bridge := &recordingBridge{decision: "keep_both", available: true, spent: 10.0}

	cfg := consolidationConfig("llm_always")
	cfg.MaxCostPerRunUSD = 0.0
	job := newConsolidationJob(s, bridge, cfg, slog.New(slog.DiscardHandler))
	report, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, bridge.calls, "over-budget run must not call the bridge")
	// The heuristic still consolidates the near-duplicates.
	assert.Equal(t, 1, report.ChangesMade)
}

func TestEngineRunAllProducesReports(t *testing.T) {
	s := newEvolutionStore(t)

	cfg := config.EvolutionConfig{
		Enabled:       true,
		Importance:    testJobConfig(),
		LinkDecay:     testJobConfig(),
		Archival:      testJobConfig(),
		Consolidation: consolidationConfig("heuristic"),
	}
	engine, err := NewEngine(s, nil, nil, cfg, nil)
	require.NoError(t, err)

	reports := engine.RunAll(context.Background())
	require.Len(t, reports, 4)
	names := make([]string, 0, 4)
	for _, r := range reports {
		names = append(names, r.Job)
	}
	assert.ElementsMatch(t, names, []string{
		"importance_recalibration", "link_decay", "archival", "consolidation",
	})
	assert.Len(t, engine.LastReports(), 4)
}
