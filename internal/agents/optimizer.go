package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mnemosyne-dev/mnemosyne/internal/events"
	"github.com/mnemosyne-dev/mnemosyne/internal/llm"
	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
	"github.com/mnemosyne-dev/mnemosyne/internal/orchestrator"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// optimizer retrieval limits. Context blocks stay small so downstream
// prompts do not balloon.
const (
	optimizerMemoryLimit = 8
	optimizerSkillLimit  = 5
)

// Optimizer gathers relevant memories and skills for a work item and packs
// them into a context block the Executor can prepend to its prompt.
type Optimizer struct {
	base
	store     *memory.Store
	scorer    memory.Scorer
	ledger    *FeatureLedger
	namespace types.Namespace
}

func NewOptimizer(store *memory.Store, scorer memory.Scorer, ledger *FeatureLedger, ns types.Namespace, bridge llm.Bridge, bus *events.Bus, logger *slog.Logger) *Optimizer {
	return &Optimizer{
		base:      newBase(orchestrator.RoleOptimizer, bridge, bus, logger),
		store:     store,
		scorer:    scorer,
		ledger:    ledger,
		namespace: ns,
	}
}

func (o *Optimizer) Handle(ctx context.Context, msg any) error {
	if done, err := o.handleCommon(ctx, msg); done {
		return err
	}
	exec, ok := msg.(orchestrator.ExecuteMsg)
	if !ok {
		return unknownMessage(o.logger, msg)
	}
	if o.takeCancelled(exec.Item.ID) {
		return o.failed(ctx, exec, types.NewError(types.CANCELLED, "cancelled before execution"))
	}

	block, err := o.buildContext(ctx, exec.Item)
	if err != nil {
		return o.failed(ctx, exec, err)
	}
	return o.completed(ctx, exec, block)
}

// buildContext runs hybrid retrieval plus a skills lookup and renders both
// into a plain-text block. Memories actually surfaced here count as
// accessed.
func (o *Optimizer) buildContext(ctx context.Context, item orchestrator.WorkItem) (string, error) {
	results, err := o.store.HybridSearch(ctx, item.Description, memory.HybridOptions{
		Namespace:   &o.namespace,
		Limit:       optimizerMemoryLimit,
		ExpandGraph: true,
		AgentRole:   orchestrator.RoleOptimizer,
		Scorer:      o.scorer,
	})
	if err != nil {
		return "", err
	}
	if err := checkpoint(ctx); err != nil {
		return "", err
	}
	if o.ledger != nil && len(results) > 0 {
		o.ledger.Record(item.Phase, averageFeatures(results))
	}

	skills, err := o.store.ListSkills(ctx, o.namespace)
	if err != nil {
		return "", err
	}
	if len(skills) > optimizerSkillLimit {
		skills = skills[:optimizerSkillLimit]
	}

	var sb strings.Builder
	if len(results) > 0 {
		sb.WriteString("## Relevant memories\n")
		for _, r := range results {
			title := r.Memory.Summary
			if title == "" {
				title = r.Memory.Content
			}
			fmt.Fprintf(&sb, "- [%s, importance %d] %s\n", r.Memory.Type, r.Memory.Importance, title)
			if err := o.store.IncrementAccess(ctx, r.Memory.ID); err != nil {
				o.logger.Warn("access count update failed", "memory", r.Memory.ID, "error", err)
			}
		}
	}
	if len(skills) > 0 {
		sb.WriteString("\n## Applicable skills\n")
		for _, sk := range skills {
			fmt.Fprintf(&sb, "- %s: %s\n", sk.Name, sk.Description)
			if err := o.store.IncrementSkillUsage(ctx, sk.ID); err != nil {
				o.logger.Warn("skill usage update failed", "skill", sk.ID, "error", err)
			}
		}
	}
	if sb.Len() == 0 {
		return "No stored context matched this task.", nil
	}
	return sb.String(), nil
}

// averageFeatures collapses per-result activations into one vector the
// weight learner can attribute an outcome to.
func averageFeatures(results []memory.Scored) map[string]float64 {
	sums := make(map[string]float64)
	for _, r := range results {
		for name, v := range r.Features {
			sums[name] += v
		}
	}
	for name := range sums {
		sums[name] /= float64(len(results))
	}
	return sums
}

// Remember stores a distilled insight produced while working. It is also
// how the other agents persist what they learn.
func (o *Optimizer) Remember(ctx context.Context, content, summary string, keywords []string) (*memory.Memory, error) {
	return o.store.StoreMemory(ctx, &memory.Memory{
		Namespace: o.namespace,
		Content:   content,
		Summary:   summary,
		Keywords:  keywords,
		Type:      memory.TypeInsight,
	})
}
