// Package eval learns and applies per-context feature weights for scoring
// retrieval candidates. Weight sets are scoped like memories (session,
// project, global) and fall back outward when a narrower scope has no
// learned weights yet.
package eval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// confidenceK is chosen so confidence reaches 0.9 at roughly 100 samples:
// 1 - e^(-k*100) = 0.9.
var confidenceK = math.Log(10) / 100.0

// learningRate bounds how far one outcome can move a weight.
const learningRate = 0.05

// minWeight keeps every feature in play; a weight driven to zero could
// never recover through the multiplicative update.
const minWeight = 0.01

// promoteConfidence is the confidence a narrower weight set needs before
// its evidence is blended into the next broader scope.
const promoteConfidence = 0.9

// Key identifies a weight set. WorkPhase and TaskType are optional
// refinements; empty means "any".
type Key struct {
	Namespace   types.Namespace
	ContextType string
	AgentRole   string
	WorkPhase   string
	TaskType    string
}

func (k Key) withNamespace(ns types.Namespace) Key {
	k.Namespace = ns
	return k
}

// WeightSet holds learned feature weights for one key. Weights always sum
// to 1.0 over their features.
type WeightSet struct {
	ID          types.ID           `json:"id"`
	Key         Key                `json:"key"`
	Weights     map[string]float64 `json:"weights"`
	SampleCount int                `json:"sample_count"`
	Confidence  float64            `json:"confidence"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Defaults returns the built-in weights for a context type. The result sums
// to 1.0 and is a fresh copy each call.
func Defaults(contextType string) map[string]float64 {
	switch contextType {
	case "work_item":
		return map[string]float64{
			"keyword_score":    0.20,
			"semantic_score":   0.20,
			"importance_boost": 0.25,
			"recency_decay":    0.25,
			"graph_proximity":  0.05,
			"access_bonus":     0.05,
		}
	default: // "memory"
		return map[string]float64{
			"keyword_score":    0.25,
			"semantic_score":   0.25,
			"importance_boost": 0.15,
			"recency_decay":    0.15,
			"graph_proximity":  0.10,
			"access_bonus":     0.10,
		}
	}
}

// Store persists weight sets in the shared database.
type Store struct {
	db *sql.DB
}

// NewStore creates the weight_sets schema on the shared handle.
func NewStore(db *sql.DB) (*Store, error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS weight_sets (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			context_type TEXT NOT NULL,
			agent_role TEXT NOT NULL DEFAULT '',
			work_phase TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL DEFAULT '',
			weights TEXT NOT NULL,
			sample_count INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0.0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (scope, context_type, agent_role, work_phase, task_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_weight_sets_scope ON weight_sets(scope, context_type)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return nil, types.WrapError(types.STORAGE_OPEN_FAILED, "failed to create weight_sets schema", err)
		}
	}
	return &Store{db: db}, nil
}

// Get fetches the weight set stored exactly at key, or nil when absent.
func (s *Store) Get(ctx context.Context, key Key) (*WeightSet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, weights, sample_count, confidence, created_at, updated_at
		 FROM weight_sets
		 WHERE scope = ? AND context_type = ? AND agent_role = ? AND work_phase = ? AND task_type = ?`,
		key.Namespace.String(), key.ContextType, key.AgentRole, key.WorkPhase, key.TaskType)

	var ws WeightSet
	var weightsRaw string
	err := row.Scan(&ws.ID, &weightsRaw, &ws.SampleCount, &ws.Confidence, &ws.CreatedAt, &ws.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "failed to load weight set", err)
	}
	if err := json.Unmarshal([]byte(weightsRaw), &ws.Weights); err != nil {
		return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "corrupt weight set", err)
	}
	ws.Key = key
	return &ws, nil
}

// Resolve walks Session -> Project -> Global and finally the built-in
// defaults, returning the first weight set found. The returned set always
// has weights; a defaults-backed set has a zero ID and sample count.
func (s *Store) Resolve(ctx context.Context, key Key) (*WeightSet, error) {
	for _, scope := range resolutionOrder(key.Namespace) {
		ws, err := s.Get(ctx, key.withNamespace(scope))
		if err != nil {
			return nil, err
		}
		if ws != nil {
			return ws, nil
		}
	}
	return &WeightSet{Key: key, Weights: Defaults(key.ContextType)}, nil
}

func resolutionOrder(ns types.Namespace) []types.Namespace {
	switch ns.Kind {
	case types.ScopeSession:
		return []types.Namespace{ns, types.Project(ns.Project), types.Global()}
	case types.ScopeProject:
		return []types.Namespace{ns, types.Global()}
	default:
		return []types.Namespace{types.Global()}
	}
}

// save inserts or updates the row, guarding against lost sample counts:
// an update only lands when the stored sample_count still matches what we
// read, otherwise it fails with CONFLICT and the caller re-reads.
func (s *Store) save(ctx context.Context, ws *WeightSet, expectedSamples int) error {
	weightsRaw, err := json.Marshal(ws.Weights)
	if err != nil {
		return types.WrapError(types.STORAGE_WRITE_FAILED, "failed to encode weights", err)
	}
	now := time.Now().UTC()
	ws.UpdatedAt = now

	if ws.ID.IsZero() {
		ws.ID = types.NewID()
		ws.CreatedAt = now
		_, err := s.db.ExecContext(ctx, `INSERT INTO weight_sets
			(id, scope, context_type, agent_role, work_phase, task_type,
			 weights, sample_count, confidence, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ws.ID.String(), ws.Key.Namespace.String(), ws.Key.ContextType, ws.Key.AgentRole,
			ws.Key.WorkPhase, ws.Key.TaskType,
			string(weightsRaw), ws.SampleCount, ws.Confidence, ws.CreatedAt, ws.UpdatedAt)
		if err != nil {
			return types.WrapError(types.CONFLICT, "weight set insert raced", err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `UPDATE weight_sets SET
		weights = ?, sample_count = ?, confidence = ?, updated_at = ?
		WHERE id = ? AND sample_count = ?`,
		string(weightsRaw), ws.SampleCount, ws.Confidence, ws.UpdatedAt,
		ws.ID.String(), expectedSamples)
	if err != nil {
		return types.WrapError(types.STORAGE_WRITE_FAILED, "failed to save weight set", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewRetryableError(types.CONFLICT, "weight set changed concurrently")
	}
	return nil
}

// Outcome is the Reviewer's verdict on how useful the scored candidates
// turned out to be.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeReworkNeeded Outcome = "rework_needed"
	OutcomeIrrelevant   Outcome = "irrelevant"
)

func (o Outcome) reward() float64 {
	switch o {
	case OutcomeSuccess:
		return 1.0
	case OutcomeReworkNeeded:
		return 0.4
	default:
		return 0.0
	}
}

// RecordFeedback moves the weight set at key toward the features that were
// active when outcome was observed. Features that contributed to a success
// gain weight; features that contributed to an irrelevant result lose it.
// Retries once on a concurrent-update conflict.
func (s *Store) RecordFeedback(ctx context.Context, key Key, features map[string]float64, outcome Outcome) (*WeightSet, error) {
	for attempt := 0; attempt < 3; attempt++ {
		ws, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ws == nil {
			ws = &WeightSet{Key: key, Weights: Defaults(key.ContextType)}
		}
		expected := ws.SampleCount
		prevConfidence := ws.Confidence

		applyGradient(ws.Weights, features, outcome.reward())
		ws.SampleCount++
		ws.Confidence = 1 - math.Exp(-confidenceK*float64(ws.SampleCount))

		err = s.save(ctx, ws, expected)
		if err == nil {
			// Promote once, when the evidence first becomes confident.
			if prevConfidence < promoteConfidence && ws.Confidence >= promoteConfidence {
				if err := s.promote(ctx, ws); err != nil {
					return nil, err
				}
			}
			return ws, nil
		}
		if !types.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, types.NewError(types.CONFLICT, "weight set update kept losing races")
}

// applyGradient nudges each weight toward (reward - 0.5) scaled by how
// strongly the feature fired, then renormalizes to sum 1 with a floor.
func applyGradient(weights, features map[string]float64, reward float64) {
	direction := reward - 0.5
	for name, activation := range features {
		w, ok := weights[name]
		if !ok {
			continue
		}
		delta := learningRate * direction * activation
		if delta > learningRate {
			delta = learningRate
		}
		if delta < -learningRate {
			delta = -learningRate
		}
		weights[name] = w + delta
	}
	normalizeWeights(weights)
}

func normalizeWeights(weights map[string]float64) {
	var sum float64
	for name, w := range weights {
		if w < minWeight {
			w = minWeight
			weights[name] = w
		}
		sum += w
	}
	if sum == 0 {
		return
	}
	for name := range weights {
		weights[name] /= sum
	}
}

// promote blends a confident narrow weight set into the next broader scope,
// weighted by sample counts so a mature global set is not yanked around by
// one session.
func (s *Store) promote(ctx context.Context, ws *WeightSet) error {
	if ws.Confidence < promoteConfidence {
		return nil
	}
	var broader types.Namespace
	switch ws.Key.Namespace.Kind {
	case types.ScopeSession:
		broader = types.Project(ws.Key.Namespace.Project)
	case types.ScopeProject:
		broader = types.Global()
	default:
		return nil
	}

	key := ws.Key.withNamespace(broader)
	target, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if target == nil {
		target = &WeightSet{Key: key, Weights: Defaults(key.ContextType)}
	}
	expected := target.SampleCount

	total := float64(ws.SampleCount + target.SampleCount)
	if total == 0 {
		return nil
	}
	for name := range target.Weights {
		narrow, ok := ws.Weights[name]
		if !ok {
			continue
		}
		target.Weights[name] = (narrow*float64(ws.SampleCount) + target.Weights[name]*float64(target.SampleCount)) / total
	}
	normalizeWeights(target.Weights)
	target.SampleCount += ws.SampleCount
	target.Confidence = 1 - math.Exp(-confidenceK*float64(target.SampleCount))

	if err := s.save(ctx, target, expected); err != nil {
		if types.IsRetryable(err) {
			// A racing promotion already carried evidence upward.
			return nil
		}
		return err
	}
	return nil
}

// List returns every stored weight set, for diagnostics.
func (s *Store) List(ctx context.Context) ([]*WeightSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, context_type, agent_role, work_phase, task_type,
		        weights, sample_count, confidence, created_at, updated_at
		 FROM weight_sets ORDER BY scope, context_type`)
	if err != nil {
		return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "failed to list weight sets", err)
	}
	defer rows.Close()

	var out []*WeightSet
	for rows.Next() {
		var ws WeightSet
		var scope, weightsRaw string
		if err := rows.Scan(&ws.ID, &scope, &ws.Key.ContextType, &ws.Key.AgentRole,
			&ws.Key.WorkPhase, &ws.Key.TaskType,
			&weightsRaw, &ws.SampleCount, &ws.Confidence, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, err
		}
		ns, err := types.ParseNamespace(scope)
		if err != nil {
			return nil, fmt.Errorf("weight set %s: %w", ws.ID, err)
		}
		ws.Key.Namespace = ns
		if err := json.Unmarshal([]byte(weightsRaw), &ws.Weights); err != nil {
			return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "corrupt weight set", err)
		}
		out = append(out, &ws)
	}
	return out, rows.Err()
}
