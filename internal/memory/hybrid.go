package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mnemosyne-dev/mnemosyne/internal/events"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// recencyTauDays controls the exponential recency decay: a memory updated
// tau days ago contributes 1/e of a fresh one.
const recencyTauDays = 30.0

// Scorer turns a feature vector into a scalar relevance in [0,1]. The
// evaluation package provides a learned-weights implementation; the default
// scorer uses fixed weights renormalized over the features present.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) float64
}

// ScoreRequest carries everything a scorer may condition on.
type ScoreRequest struct {
	Features    map[string]float64
	Namespace   types.Namespace
	ContextType string
	AgentRole   string
}

// defaultWeights are the fallback when no learned weight set applies. They
// sum to 1.0 over the full feature set.
var defaultWeights = map[string]float64{
	"keyword_score":    0.25,
	"semantic_score":   0.25,
	"importance_boost": 0.15,
	"recency_decay":    0.15,
	"graph_proximity":  0.10,
	"access_bonus":     0.10,
}

type defaultScorer struct{}

// Score renormalizes the default weights over the features actually present,
// so a missing vector index degrades the blend instead of zeroing it.
func (defaultScorer) Score(_ context.Context, req ScoreRequest) float64 {
	var sum, weightSum float64
	for name, value := range req.Features {
		w, ok := defaultWeights[name]
		if !ok {
			continue
		}
		sum += w * value
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}

// HybridOptions narrows a hybrid search and selects the scoring context.
type HybridOptions struct {
	Namespace       *types.Namespace
	Limit           int
	ExpandGraph     bool
	IncludeArchived bool
	AgentRole       string
	Scorer          Scorer
}

// HybridSearch blends keyword, vector and optionally graph-walk evidence
// into one ranked result. Memories and counters never change; the one side
// effect is the traversal timestamp on links the graph walk follows, which
// link decay reads. Archived memories are excluded unless IncludeArchived
// is set.
func (s *Store) HybridSearch(ctx context.Context, query string, opts HybridOptions) ([]Scored, error) {
	if strings.TrimSpace(query) == "" {
		return nil, types.NewError(types.VALIDATION_FAILED, "search query cannot be empty")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > maxSearchResults {
		limit = maxSearchResults
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = defaultScorer{}
	}
	searchOpts := SearchOptions{
		Namespace:       opts.Namespace,
		Limit:           limit * 2,
		IncludeArchived: opts.IncludeArchived,
		// Unrelated memories with faintly positive cosine similarity are
		// noise, not evidence.
		MinSimilarity: 0.25,
	}

	candidates := make(map[types.ID]*Scored)

	keywordHits, err := s.KeywordSearch(ctx, query, searchOpts)
	if err != nil && types.CodeOf(err) != types.VALIDATION_FAILED {
		return nil, err
	}
	for i := range keywordHits {
		hit := keywordHits[i]
		candidates[hit.Memory.ID] = &hit
	}

	if vectorHits, err := s.VectorSearch(ctx, query, searchOpts); err == nil {
		for i := range vectorHits {
			hit := vectorHits[i]
			if existing, ok := candidates[hit.Memory.ID]; ok {
				existing.Features["semantic_score"] = hit.Features["semantic_score"]
			} else {
				candidates[hit.Memory.ID] = &hit
			}
		}
	} else {
		s.logger.Debug("vector search unavailable for hybrid query", "error", err)
	}

	if opts.ExpandGraph {
		if err := s.expandGraph(ctx, candidates, opts); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	results := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		addBaseFeatures(c, now)
		var ns types.Namespace
		if opts.Namespace != nil {
			ns = *opts.Namespace
		} else {
			ns = c.Memory.Namespace
		}
		c.Score = scorer.Score(ctx, ScoreRequest{
			Features:    c.Features,
			Namespace:   ns,
			ContextType: "memory",
			AgentRole:   opts.AgentRole,
		})
		results = append(results, *c)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.UpdatedAt.After(results[j].Memory.UpdatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}

	s.publish(ctx, events.KindSearchPerformed, map[string]any{
		"query_length": len(query),
		"results":      len(results),
		"graph":        opts.ExpandGraph,
	})
	return results, nil
}

// expandGraph walks outgoing links from the current candidates up to two
// hops, adding targets weighted by path strength. It only ever adds
// candidates; direct keyword or vector evidence is never displaced. Every
// edge the walk uses is stamped as traversed.
func (s *Store) expandGraph(ctx context.Context, candidates map[types.ID]*Scored, opts HybridOptions) error {
	type frontier struct {
		id       types.ID
		strength float64
	}
	seeds := make([]frontier, 0, len(candidates))
	for id := range candidates {
		seeds = append(seeds, frontier{id: id, strength: 1.0})
	}

	for depth := 1; depth <= 2; depth++ {
		var next []frontier
		// Each hop past the first costs half its strength, so distant
		// neighbors rank below direct ones of equal link strength.
		damping := 1.0
		if depth > 1 {
			damping = 0.5
		}
		for _, f := range seeds {
			links, err := s.loadLinks(ctx, f.id)
			if err != nil {
				return err
			}
			for _, l := range links {
				proximity := f.strength * l.Strength * damping
				if existing, ok := candidates[l.TargetID]; ok {
					if proximity > existing.Features["graph_proximity"] {
						existing.Features["graph_proximity"] = proximity
					}
					s.markTraversed(ctx, f.id, l.TargetID)
					continue
				}
				target, err := s.GetMemory(ctx, l.TargetID)
				if err != nil {
					continue
				}
				if !opts.IncludeArchived && (target.IsArchived || expired(target)) {
					continue
				}
				if opts.Namespace != nil && !opts.Namespace.CanSee(target.Namespace) {
					continue
				}
				candidates[l.TargetID] = &Scored{
					Memory:   target,
					Features: map[string]float64{"graph_proximity": proximity},
				}
				s.markTraversed(ctx, f.id, l.TargetID)
				next = append(next, frontier{id: l.TargetID, strength: proximity})
			}
		}
		seeds = next
		if len(seeds) == 0 {
			break
		}
	}
	return nil
}

// markTraversed is best-effort; a failed stamp never fails the search.
func (s *Store) markTraversed(ctx context.Context, sourceID, targetID types.ID) {
	if err := s.MarkLinkTraversed(ctx, sourceID, targetID); err != nil {
		s.logger.Debug("failed to mark link traversal", "source", sourceID, "error", err)
	}
}

func addBaseFeatures(c *Scored, now time.Time) {
	m := c.Memory
	c.Features["importance_boost"] = float64(m.Importance) / 10.0
	ageDays := now.Sub(m.UpdatedAt).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}
	c.Features["recency_decay"] = math.Exp(-ageDays / recencyTauDays)
	c.Features["access_bonus"] = float64(m.AccessCount) / (float64(m.AccessCount) + 10.0)
}
