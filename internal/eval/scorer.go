package eval

import (
	"context"
	"log/slog"

	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
)

// Evaluator scores retrieval candidates with learned weights. It satisfies
// memory.Scorer so the hybrid search can plug it in without the memory
// package knowing about weight storage.
type Evaluator struct {
	store  *Store
	logger *slog.Logger
}

func NewEvaluator(store *Store, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Evaluator{store: store, logger: logger}
}

// Score blends the request's features under the resolved weight set,
// renormalizing over the features actually present so missing evidence
// (no vector index, no graph hits) degrades the blend instead of zeroing
// it. The result is always in [0,1].
func (e *Evaluator) Score(ctx context.Context, req memory.ScoreRequest) float64 {
	ws, err := e.store.Resolve(ctx, Key{
		Namespace:   req.Namespace,
		ContextType: req.ContextType,
		AgentRole:   req.AgentRole,
	})
	if err != nil {
		e.logger.Warn("weight resolution failed, using defaults", "error", err)
		ws = &WeightSet{Weights: Defaults(req.ContextType)}
	}

	var sum, weightSum float64
	for name, value := range req.Features {
		w, ok := ws.Weights[name]
		if !ok {
			continue
		}
		if value < 0 {
			value = 0
		}
		if value > 1 {
			value = 1
		}
		sum += w * value
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}
