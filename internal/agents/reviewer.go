package agents

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/mnemosyne-dev/mnemosyne/internal/eval"
	"github.com/mnemosyne-dev/mnemosyne/internal/events"
	"github.com/mnemosyne-dev/mnemosyne/internal/llm"
	"github.com/mnemosyne-dev/mnemosyne/internal/orchestrator"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// FeatureLedger shares retrieval feature activations between the Optimizer
// that produced them and the Reviewer that later judges the outcome. Keyed
// by phase: one retrieval context feeds one phase's work.
type FeatureLedger struct {
	mu      sync.Mutex
	byPhase map[orchestrator.Phase]map[string]float64
}

func NewFeatureLedger() *FeatureLedger {
	return &FeatureLedger{byPhase: make(map[orchestrator.Phase]map[string]float64)}
}

func (l *FeatureLedger) Record(phase orchestrator.Phase, features map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byPhase[phase] = features
}

// Take returns and clears the features recorded for a phase.
func (l *FeatureLedger) Take(phase orchestrator.Phase) map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := l.byPhase[phase]
	delete(l.byPhase, phase)
	return f
}

// Reviewer validates agent output. Its verdicts gate phase advancement and
// feed the retrieval weight learner.
type Reviewer struct {
	base
	evalStore *eval.Store
	ledger    *FeatureLedger
	namespace types.Namespace
}

func NewReviewer(evalStore *eval.Store, ledger *FeatureLedger, ns types.Namespace, bridge llm.Bridge, bus *events.Bus, logger *slog.Logger) *Reviewer {
	return &Reviewer{
		base:      newBase(orchestrator.RoleReviewer, bridge, bus, logger),
		evalStore: evalStore,
		ledger:    ledger,
		namespace: ns,
	}
}

func (r *Reviewer) Handle(ctx context.Context, msg any) error {
	if done, err := r.handleCommon(ctx, msg); done {
		return err
	}
	exec, ok := msg.(orchestrator.ExecuteMsg)
	if !ok {
		return unknownMessage(r.logger, msg)
	}
	if r.takeCancelled(exec.Item.ID) {
		return r.failed(ctx, exec, types.NewError(types.CANCELLED, "cancelled before execution"))
	}

	switch exec.Item.TaskType {
	case "extract_requirements":
		reqs, err := r.ExtractRequirements(ctx, exec.Item.Description)
		if err != nil {
			return r.failed(ctx, exec, err)
		}
		return r.completed(ctx, exec, strings.Join(reqs, "\n"))
	default:
		return r.review(ctx, exec)
	}
}

// review runs the full validation pass, records outcome feedback and
// reports the verdict back as a phase approval.
func (r *Reviewer) review(ctx context.Context, exec orchestrator.ExecuteMsg) error {
	subject := exec.Item.Description
	if exec.Item.Feedback != "" {
		subject += "\n\nPrior feedback:\n" + exec.Item.Feedback
	}

	passed, issues, err := r.Validate(ctx, subject, exec.Item.Result)
	if err != nil {
		return r.failed(ctx, exec, err)
	}

	r.recordOutcome(ctx, exec.Item, passed)

	r.reply(exec.ReplyTo, orchestrator.ApprovalMsg{
		Phase:    exec.Item.Phase,
		Approved: passed,
		Feedback: issues,
	})
	if !passed {
		return r.completed(ctx, exec, "rejected: "+strings.Join(issues, "; "))
	}
	return r.completed(ctx, exec, "approved")
}

// Validate chains the three content checks, honoring cancellation between
// each. The verdict is the conjunction; issues accumulate across checks.
func (r *Reviewer) Validate(ctx context.Context, subject, artifact string) (bool, []string, error) {
	passed := true
	var issues []string
	checks := []func(context.Context, string, string) (bool, []string, error){
		r.ValidateSemantics,
		r.CheckCompleteness,
		r.CheckCorrectness,
	}
	for _, check := range checks {
		if err := checkpoint(ctx); err != nil {
			return false, issues, err
		}
		ok, found, err := check(ctx, subject, artifact)
		if err != nil {
			return false, issues, err
		}
		passed = passed && ok
		issues = append(issues, found...)
	}
	return passed, issues, nil
}

// ExtractRequirements pulls explicit and implied requirements out of a
// prompt. Without a bridge it falls back to modal-verb sentence scanning.
func (r *Reviewer) ExtractRequirements(ctx context.Context, prompt string) ([]string, error) {
	if !r.bridge.Available() {
		return extractRequirementsHeuristic(prompt), nil
	}
	out, err := r.bridge.Call(ctx, "extract_requirements", map[string]string{"prompt": prompt})
	if err != nil {
		return nil, err
	}
	return splitLines(out["requirements"]), nil
}

// ValidateSemantics checks that the artifact means what the subject asked
// for.
func (r *Reviewer) ValidateSemantics(ctx context.Context, subject, artifact string) (bool, []string, error) {
	return r.check(ctx, "semantic_validation", subject, artifact)
}

// CheckCompleteness checks that nothing the subject requires is missing
// from the artifact.
func (r *Reviewer) CheckCompleteness(ctx context.Context, subject, artifact string) (bool, []string, error) {
	return r.check(ctx, "completeness_check", subject, artifact)
}

// CheckCorrectness looks for internal contradictions and errors in the
// artifact itself.
func (r *Reviewer) CheckCorrectness(ctx context.Context, subject, artifact string) (bool, []string, error) {
	return r.check(ctx, "correctness_check", subject, artifact)
}

func (r *Reviewer) check(ctx context.Context, operation, subject, artifact string) (bool, []string, error) {
	if !r.bridge.Available() {
		if strings.TrimSpace(artifact) == "" {
			return false, []string{operation + ": artifact is empty"}, nil
		}
		return true, nil, nil
	}
	out, err := r.bridge.Call(ctx, operation, map[string]string{
		"subject":  subject,
		"artifact": artifact,
	})
	if err != nil {
		return false, nil, err
	}
	passed := strings.EqualFold(out["passed"], "true")
	return passed, splitLines(out["issues"]), nil
}

// recordOutcome feeds the weight learner. The features come from the
// Optimizer's retrieval for this phase; no features means nothing was
// retrieved and there is nothing to learn from.
func (r *Reviewer) recordOutcome(ctx context.Context, item orchestrator.WorkItem, passed bool) {
	if r.evalStore == nil || r.ledger == nil {
		return
	}
	features := r.ledger.Take(item.Phase)
	if len(features) == 0 {
		return
	}
	outcome := eval.OutcomeSuccess
	if !passed {
		outcome = eval.OutcomeReworkNeeded
	}
	key := eval.Key{
		Namespace:   r.namespace,
		ContextType: "work_item",
		AgentRole:   orchestrator.RoleOptimizer,
		WorkPhase:   string(item.Phase),
		TaskType:    item.TaskType,
	}
	if _, err := r.evalStore.RecordFeedback(ctx, key, features, outcome); err != nil {
		r.logger.Warn("outcome feedback failed", "phase", item.Phase, "error", err)
	}
}

func extractRequirementsHeuristic(prompt string) []string {
	var reqs []string
	for _, sentence := range strings.FieldsFunc(prompt, func(r rune) bool {
		return r == '.' || r == '\n' || r == ';'
	}) {
		s := strings.TrimSpace(sentence)
		lower := strings.ToLower(s)
		for _, marker := range []string{"must", "should", "shall", "needs to", "has to", "require"} {
			if strings.Contains(lower, marker) {
				reqs = append(reqs, s)
				break
			}
		}
	}
	return reqs
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
