package semantic

import (
	"context"
	"log/slog"
	"time"
)

// Analyzer is one tier's analysis pass over a content snapshot.
type Analyzer interface {
	Tier() Tier
	Analyze(ctx context.Context, content []byte) ([]Span, error)
}

// Change tells the engine what an edit touched. For deletions the range
// covers the surrounding context window, not just the removed bytes, so
// spans that depended on deleted text are re-derived.
type Change struct {
	Start   int
	End     int
	Deleted bool
}

// Engine fans content out to its registered analyzers and merges their
// spans with both caches in front.
type Engine struct {
	analyzers []Analyzer
	ranges    *SpanCache
	results   *ResultCache
	logger    *slog.Logger
}

type EngineOptions struct {
	CacheSize int
	ResultTTL time.Duration
	Logger    *slog.Logger
}

func NewEngine(analyzers []Analyzer, opts EngineOptions) (*Engine, error) {
	ranges, err := NewSpanCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		analyzers: analyzers,
		ranges:    ranges,
		results:   NewResultCache(opts.ResultTTL),
		logger:    logger,
	}, nil
}

// Analyze returns the merged spans for a content snapshot. Identical
// content within the TTL window is served from the result cache; the
// covering byte range is additionally cached for invalidation by edits.
func (e *Engine) Analyze(ctx context.Context, content []byte) ([]Span, error) {
	hash := HashContent(content)
	if spans, ok := e.results.Get(hash); ok {
		return spans, nil
	}
	key := RangeKey{Start: 0, End: len(content)}
	if spans, ok := e.ranges.Get(key); ok {
		return spans, nil
	}

	var all []Span
	for _, a := range e.analyzers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		spans, err := a.Analyze(ctx, content)
		if err != nil {
			return nil, err
		}
		all = append(all, spans...)
	}
	merged := Merge(all)

	e.results.Put(hash, merged)
	e.ranges.Put(key, merged)
	return merged, nil
}

// NotifyChange invalidates cached ranges the change intersects. The hash
// cache needs no invalidation: changed content hashes differently.
func (e *Engine) NotifyChange(ch Change) {
	removed := e.ranges.Invalidate(ch.Start, ch.End)
	if removed > 0 {
		e.logger.Debug("invalidated cached analysis",
			"start", ch.Start, "end", ch.End, "ranges", removed, "deleted", ch.Deleted)
	}
}
