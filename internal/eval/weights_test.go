package eval

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

func newTestWeightStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db)
	require.NoError(t, err)
	return s
}

func TestDefaultsSumToOne(t *testing.T) {
	for _, contextType := range []string{"memory", "work_item"} {
		var sum float64
		for _, w := range Defaults(contextType) {
			sum += w
		}
		assert.InDelta(t, 1.0, sum, 1e-9, "context type %s", contextType)
	}
}

func TestResolveFallsBackOutward(t *testing.T) {
	s := newTestWeightStore(t)
	ctx := context.Background()

	sessionKey := Key{
		Namespace:   types.Session("proj", "s1"),
		ContextType: "memory",
		AgentRole:   "executor",
	}

	// Nothing stored anywhere: defaults.
	ws, err := s.Resolve(ctx, sessionKey)
	require.NoError(t, err)
	assert.True(t, ws.ID.IsZero())
	assert.Equal(t, Defaults("memory"), ws.Weights)

	// Store at project scope: session resolution finds it.
	projectKey := sessionKey.withNamespace(types.Project("proj"))
	_, err = s.RecordFeedback(ctx, projectKey, map[string]float64{"keyword_score": 1}, OutcomeSuccess)
	require.NoError(t, err)

	ws, err = s.Resolve(ctx, sessionKey)
	require.NoError(t, err)
	assert.Equal(t, types.Project("proj"), ws.Key.Namespace)
	assert.Equal(t, 1, ws.SampleCount)
}

func TestFeedbackMovesWeightsBoundedly(t *testing.T) {
	s := newTestWeightStore(t)
	ctx := context.Background()

	key := Key{Namespace: types.Global(), ContextType: "memory", AgentRole: "executor"}
	before := Defaults("memory")

	ws, err := s.RecordFeedback(ctx, key, map[string]float64{"keyword_score": 1.0}, OutcomeSuccess)
	require.NoError(t, err)

	assert.Greater(t, ws.Weights["keyword_score"], before["keyword_score"])
	assert.LessOrEqual(t, ws.Weights["keyword_score"]-before["keyword_score"], learningRate+1e-9)

	var sum float64
	for _, w := range ws.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestIrrelevantOutcomeLowersActiveWeights(t *testing.T) {
	s := newTestWeightStore(t)
	ctx := context.Background()

	key := Key{Namespace: types.Global(), ContextType: "memory"}
	before := Defaults("memory")

	ws, err := s.RecordFeedback(ctx, key, map[string]float64{"semantic_score": 1.0}, OutcomeIrrelevant)
	require.NoError(t, err)
	assert.Less(t, ws.Weights["semantic_score"], before["semantic_score"])
}

func TestWeightsNeverReachZero(t *testing.T) {
	s := newTestWeightStore(t)
	ctx := context.Background()

	key := Key{Namespace: types.Global(), ContextType: "memory"}
	var ws *WeightSet
	var err error
	for i := 0; i < 50; i++ {
		ws, err = s.RecordFeedback(ctx, key, map[string]float64{"access_bonus": 1.0}, OutcomeIrrelevant)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, ws.Weights["access_bonus"], minWeight/2)
}

func TestSampleCountMonotoneAndConfidenceGrows(t *testing.T) {
	s := newTestWeightStore(t)
	ctx := context.Background()

	key := Key{Namespace: types.Global(), ContextType: "memory"}
	var lastCount int
	var lastConfidence float64
	for i := 0; i < 10; i++ {
		ws, err := s.RecordFeedback(ctx, key, map[string]float64{"keyword_score": 0.5}, OutcomeSuccess)
		require.NoError(t, err)
		assert.Greater(t, ws.SampleCount, lastCount)
		assert.GreaterOrEqual(t, ws.Confidence, lastConfidence)
		assert.LessOrEqual(t, ws.Confidence, 1.0)
		lastCount = ws.SampleCount
		lastConfidence = ws.Confidence
	}
}

func TestConfidenceReachesNinetyPercentByHundredSamples(t *testing.T) {
	s := newTestWeightStore(t)
	ctx := context.Background()

	key := Key{Namespace: types.Project("p"), ContextType: "memory"}
	var ws *WeightSet
	var err error
	for i := 0; i < 100; i++ {
		ws, err = s.RecordFeedback(ctx, key, map[string]float64{"recency_decay": 0.3}, OutcomeSuccess)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, ws.Confidence, 0.9)
}

func TestConfidentSessionEvidencePromotesToProject(t *testing.T) {
	s := newTestWeightStore(t)
	ctx := context.Background()

	sessionKey := Key{Namespace: types.Session("p", "s1"), ContextType: "memory"}
	for i := 0; i < 120; i++ {
		_, err := s.RecordFeedback(ctx, sessionKey, map[string]float64{"keyword_score": 1.0}, OutcomeSuccess)
		require.NoError(t, err)
	}

	projectWS, err := s.Get(ctx, sessionKey.withNamespace(types.Project("p")))
	require.NoError(t, err)
	require.NotNil(t, projectWS, "confident session weights should promote to project scope")
	assert.Greater(t, projectWS.Weights["keyword_score"], Defaults("memory")["keyword_score"])
}

func TestEvaluatorRenormalizesOverPresentFeatures(t *testing.T) {
	s := newTestWeightStore(t)
	e := NewEvaluator(s, nil)

	// Only two features present; score is their weighted mean, not the
	// full-blend fraction.
	score := e.Score(context.Background(), memory.ScoreRequest{
		Features:    map[string]float64{"keyword_score": 1.0, "importance_boost": 1.0},
		Namespace:   types.Global(),
		ContextType: "memory",
	})
	assert.InDelta(t, 1.0, score, 1e-9)

	score = e.Score(context.Background(), memory.ScoreRequest{
		Features:    map[string]float64{"keyword_score": 0.0, "importance_boost": 0.0},
		Namespace:   types.Global(),
		ContextType: "memory",
	})
	assert.Zero(t, score)
}

func TestEvaluatorScoreStaysInUnitInterval(t *testing.T) {
	s := newTestWeightStore(t)
	e := NewEvaluator(s, nil)

	score := e.Score(context.Background(), memory.ScoreRequest{
		Features:    map[string]float64{"keyword_score": 5.0, "semantic_score": -3.0},
		Namespace:   types.Global(),
		ContextType: "memory",
	})
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}
