// Package semantic defines the analysis contract between the editor and
// its language engines: tiered spans, the merge discipline that resolves
// overlaps between tiers, and the caches that keep re-analysis cheap.
package semantic

import "sort"

// Tier ranks analysis layers. Higher tiers carry more derived meaning and
// win overlap conflicts.
type Tier int

const (
	TierStructural Tier = iota + 1
	TierRelational
	TierAnalytical
)

func (t Tier) String() string {
	switch t {
	case TierStructural:
		return "structural"
	case TierRelational:
		return "relational"
	case TierAnalytical:
		return "analytical"
	default:
		return "unknown"
	}
}

// Span is a half-open byte range [Start, End) tagged with its analysis
// tier and kind.
type Span struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Tier  Tier   `json:"tier"`
	Kind  string `json:"kind"`
}

func (s Span) Len() int { return s.End - s.Start }

// Intersects reports whether the span overlaps [start, end).
func (s Span) Intersects(start, end int) bool {
	return s.Start < end && start < s.End
}

// Merge resolves overlaps across tiers. Higher-tier spans keep their full
// extent; lower-tier spans are split around them, and every surviving
// fragment is kept. The result is sorted by start and overlap-free.
func Merge(spans []Span) []Span {
	if len(spans) == 0 {
		return nil
	}
	// Claim territory tier by tier, highest first. Equal tiers settle on
	// start order so the merge is deterministic.
	ordered := make([]Span, len(spans))
	copy(ordered, spans)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Tier != ordered[j].Tier {
			return ordered[i].Tier > ordered[j].Tier
		}
		return ordered[i].Start < ordered[j].Start
	})

	var result []Span
	for _, span := range ordered {
		if span.Len() <= 0 {
			continue
		}
		result = append(result, subtract(span, result)...)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Start != result[j].Start {
			return result[i].Start < result[j].Start
		}
		return result[i].Tier > result[j].Tier
	})
	return result
}

// subtract returns the fragments of span not covered by any claimed span.
func subtract(span Span, claimed []Span) []Span {
	fragments := []Span{span}
	for _, c := range claimed {
		var next []Span
		for _, f := range fragments {
			if !f.Intersects(c.Start, c.End) {
				next = append(next, f)
				continue
			}
			if f.Start < c.Start {
				left := f
				left.End = c.Start
				next = append(next, left)
			}
			if f.End > c.End {
				right := f
				right.Start = c.End
				next = append(next, right)
			}
		}
		fragments = next
		if len(fragments) == 0 {
			break
		}
	}
	return fragments
}
