package evolution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mnemosyne-dev/mnemosyne/internal/config"
	"github.com/mnemosyne-dev/mnemosyne/internal/llm"
	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// Candidate pair selection band. Below simLow the pair is unrelated; above
// simHigh the content hash would already have deduplicated it.
const (
	simLow  = 0.80
	simHigh = 0.995

	// The heuristic merges above this similarity and otherwise keeps both
	// unless one content subsumes the other.
	heuristicMergeThreshold = 0.92

	// llm_selective band defaults when the config leaves it unset.
	defaultLLMRangeLow  = 0.85
	defaultLLMRangeHigh = heuristicMergeThreshold
)

// Decision is the outcome for one candidate pair.
type Decision struct {
	Kind          DecisionKind
	Into          types.ID // Merge: survivor
	MergedContent string   // Merge: combined content
	Kept          types.ID // Supersede: survivor
	Superseded    types.ID // Supersede: archived
}

type DecisionKind string

const (
	DecideMerge     DecisionKind = "merge"
	DecideSupersede DecisionKind = "supersede"
	DecideKeepBoth  DecisionKind = "keep_both"
)

type consolidationJob struct {
	store  *memory.Store
	bridge llm.Bridge
	cfg    config.ConsolidationConfig
	logger *slog.Logger

	schemaOnce sync.Once
	schemaErr  error
}

func newConsolidationJob(store *memory.Store, bridge llm.Bridge, cfg config.ConsolidationConfig, logger *slog.Logger) *consolidationJob {
	if bridge == nil {
		bridge = llm.Unavailable{}
	}
	return &consolidationJob{store: store, bridge: bridge, cfg: cfg, logger: logger}
}

func (j *consolidationJob) Name() string { return "consolidation" }

// ensureSchema creates the reviewed-pairs table that stops KeepBoth pairs
// from being re-examined every run.
func (j *consolidationJob) ensureSchema() error {
	j.schemaOnce.Do(func() {
		_, j.schemaErr = j.store.DB().Exec(`CREATE TABLE IF NOT EXISTS consolidation_reviewed (
			pair_key TEXT PRIMARY KEY,
			decided_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	})
	return j.schemaErr
}

func (j *consolidationJob) Run(ctx context.Context) (Report, error) {
	ctx, cancel := deadlineFor(ctx, j.cfg.JobConfig)
	defer cancel()

	var report Report
	if err := j.ensureSchema(); err != nil {
		return report, err
	}

	batch, err := j.store.ListMemories(ctx, memory.SearchOptions{Limit: j.cfg.BatchSize})
	if err != nil {
		return report, err
	}

	pairs := selectPairs(batch)
	spendAtStart := j.bridge.SpentUSD()
	budgetLeft := func() bool {
		return j.bridge.SpentUSD()-spendAtStart < j.cfg.MaxCostPerRunUSD
	}

	for _, p := range pairs {
		if ctx.Err() != nil {
			break
		}
		done, err := j.alreadyReviewed(ctx, p)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		if done {
			continue
		}
		report.MemoriesProcessed += 2

		decision, err := j.decide(ctx, p, budgetLeft())
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		if err := j.apply(ctx, p, decision); err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		if decision.Kind != DecideKeepBoth {
			report.ChangesMade++
		}
	}
	return report, nil
}

type pair struct {
	a, b       *memory.Memory
	similarity float64
}

func pairKey(p pair) string {
	ids := []string{p.a.ID.String(), p.b.ID.String()}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}

// selectPairs finds same-namespace pairs whose embedding similarity falls
// in the consolidation band and that share at least one keyword.
func selectPairs(batch []*memory.Memory) []pair {
	var pairs []pair
	for i := 0; i < len(batch); i++ {
		for k := i + 1; k < len(batch); k++ {
			a, b := batch[i], batch[k]
			if a.Namespace != b.Namespace {
				continue
			}
			if len(a.Embedding) == 0 || len(b.Embedding) == 0 {
				continue
			}
			if !sharesKeyword(a.Keywords, b.Keywords) {
				continue
			}
			sim := memory.CosineSimilarity(a.Embedding, b.Embedding)
			if sim < simLow || sim > simHigh {
				continue
			}
			// Keep the older memory first so merges stabilize on the
			// original id.
			if b.CreatedAt.Before(a.CreatedAt) {
				a, b = b, a
			}
			pairs = append(pairs, pair{a: a, b: b, similarity: sim})
		}
	}
	return pairs
}

func sharesKeyword(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, k := range a {
		set[strings.ToLower(k)] = true
	}
	for _, k := range b {
		if set[strings.ToLower(k)] {
			return true
		}
	}
	return false
}

func (j *consolidationJob) alreadyReviewed(ctx context.Context, p pair) (bool, error) {
	var n int
	err := j.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM consolidation_reviewed WHERE pair_key = ?`, pairKey(p)).Scan(&n)
	return n > 0, err
}

func (j *consolidationJob) markReviewed(ctx context.Context, p pair) error {
	_, err := j.store.DB().ExecContext(ctx,
		`INSERT OR IGNORE INTO consolidation_reviewed (pair_key) VALUES (?)`, pairKey(p))
	return err
}

// decide picks the outcome for a pair according to the configured decision
// mode. withBudget=false forces the heuristic regardless of mode.
func (j *consolidationJob) decide(ctx context.Context, p pair, withBudget bool) (Decision, error) {
	mode := j.cfg.DecisionMode
	useLLM := false
	switch mode {
	case "llm_always":
		useLLM = true
	case "llm_selective":
		// Only ambiguous pairs go to the reasoning service; the clear-cut
		// ends of the band stay heuristic.
		lo, hi := j.cfg.LLMRangeLow, j.cfg.LLMRangeHigh
		if hi <= lo {
			lo, hi = defaultLLMRangeLow, defaultLLMRangeHigh
		}
		useLLM = p.similarity >= lo && p.similarity < hi
	case "llm_with_fallback":
		useLLM = true
	}
	if !withBudget || !j.bridge.Available() {
		useLLM = false
	}

	if useLLM {
		decision, err := j.decideLLM(ctx, p)
		if err == nil {
			return decision, nil
		}
		if mode == "llm_always" {
			return Decision{}, err
		}
		j.logger.Debug("consolidation falling back to heuristic", "error", err)
	}
	return heuristicDecide(p), nil
}

func heuristicDecide(p pair) Decision {
	if p.similarity >= heuristicMergeThreshold {
		return Decision{
			Kind:          DecideMerge,
			Into:          p.a.ID,
			MergedContent: mergeContent(p.a.Content, p.b.Content),
		}
	}
	// One memory's content subsuming the other means the longer one can
	// stand in for both.
	aLower, bLower := strings.ToLower(p.a.Content), strings.ToLower(p.b.Content)
	if strings.Contains(aLower, bLower) {
		return Decision{Kind: DecideSupersede, Kept: p.a.ID, Superseded: p.b.ID}
	}
	if strings.Contains(bLower, aLower) {
		return Decision{Kind: DecideSupersede, Kept: p.b.ID, Superseded: p.a.ID}
	}
	return Decision{Kind: DecideKeepBoth}
}

func mergeContent(a, b string) string {
	if strings.Contains(strings.ToLower(a), strings.ToLower(b)) {
		return a
	}
	if strings.Contains(strings.ToLower(b), strings.ToLower(a)) {
		return b
	}
	return a + "\n\n" + b
}

func (j *consolidationJob) decideLLM(ctx context.Context, p pair) (Decision, error) {
	outputs, err := j.bridge.Call(ctx, "consolidation_decision", map[string]string{
		"memory_a": p.a.Content,
		"memory_b": p.b.Content,
	})
	if err != nil {
		return Decision{}, err
	}
	switch outputs["decision"] {
	case "merge":
		merged := outputs["merged_content"]
		if merged == "" {
			merged = mergeContent(p.a.Content, p.b.Content)
		}
		return Decision{Kind: DecideMerge, Into: p.a.ID, MergedContent: merged}, nil
	case "supersede":
		kept, superseded := p.a.ID, p.b.ID
		if outputs["keep"] == "b" {
			kept, superseded = p.b.ID, p.a.ID
		}
		return Decision{Kind: DecideSupersede, Kept: kept, Superseded: superseded}, nil
	case "keep_both":
		return Decision{Kind: DecideKeepBoth}, nil
	default:
		return Decision{}, types.NewError(types.BRIDGE_CALL_FAILED,
			fmt.Sprintf("unexpected consolidation decision %q", outputs["decision"]))
	}
}

func (j *consolidationJob) apply(ctx context.Context, p pair, d Decision) error {
	switch d.Kind {
	case DecideMerge:
		survivor, other := p.a, p.b
		if d.Into == p.b.ID {
			survivor, other = p.b, p.a
		}
		full, err := j.store.GetMemory(ctx, survivor.ID)
		if err != nil {
			return err
		}
		full.Content = d.MergedContent
		full.Keywords = mergeUnique(full.Keywords, other.Keywords)
		full.Tags = mergeUnique(full.Tags, other.Tags)
		if other.Importance > full.Importance {
			full.Importance = other.Importance
		}
		if _, err := j.store.UpdateMemory(ctx, full); err != nil {
			return err
		}
		if err := j.store.ArchiveMemory(ctx, other.ID, survivor.ID); err != nil {
			return err
		}
	case DecideSupersede:
		if err := j.store.ArchiveMemory(ctx, d.Superseded, d.Kept); err != nil {
			return err
		}
	case DecideKeepBoth:
		// Remember the verdict so the pair is not revisited next run.
	}
	return j.markReviewed(ctx, p)
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
