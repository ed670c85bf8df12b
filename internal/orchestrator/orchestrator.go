package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mnemosyne-dev/mnemosyne/internal/events"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// Sender is the minimal mailbox surface the orchestrator needs; satisfied
// by *supervise.Ref.
type Sender interface {
	Send(msg any) error
}

// Messages handled by the orchestrator actor.
type (
	// StartPipelineMsg kicks off a fresh pipeline for a task description.
	StartPipelineMsg struct{ Description string }

	// SubmitMsg enqueues an externally created work item.
	SubmitMsg struct{ Item *WorkItem }

	// TickMsg triggers a dispatch pass. Sent on a timer and after every
	// state change.
	TickMsg struct{}

	// CompletedMsg is an agent's success reply.
	CompletedMsg struct {
		ItemID types.ID
		Result string
	}

	// FailedMsg is an agent's failure reply.
	FailedMsg struct {
		ItemID types.ID
		Reason string
	}

	// ApprovalMsg is the Reviewer's verdict on the current phase.
	ApprovalMsg struct {
		Phase    Phase
		Approved bool
		Feedback []string
	}

	// RejectionMsg reports a completed artifact the Reviewer rejected;
	// the orchestrator answers with a targeted rework item.
	RejectionMsg struct {
		ItemID   types.ID
		Feedback []string
	}

	// ActorCrashedMsg reports that an agent actor crashed and is being
	// restarted; its in-flight items go back to the queue.
	ActorCrashedMsg struct{ Actor string }

	// ResumeMsg is operator input that lifts a deadlock halt.
	ResumeMsg struct{}

	// PingMsg asks for nothing; agents and the CLI use it as liveness probe.
	PingMsg struct{}
)

// ExecuteMsg is what the orchestrator sends to an agent actor.
type ExecuteMsg struct {
	Item    WorkItem
	ReplyTo Sender
}

// CancelMsg tells an agent to abandon a specific item.
type CancelMsg struct{ ItemID types.ID }

// stallThreshold is how long every InFlight item must be stuck, with no
// ready work, before the dispatcher declares a deadlock.
const defaultStallThreshold = 10 * time.Minute

// Orchestrator is the dispatcher actor. All state transitions happen on
// its single mailbox goroutine; only the item store is shared.
type Orchestrator struct {
	store  *ItemStore
	bus    *events.Bus
	logger *slog.Logger

	maxConcurrent  int
	stallThreshold time.Duration

	self   Sender
	agents map[string]Sender

	phase  Phase
	halted bool

	// dependencyIndex maps each blocked item to the set of items it still
	// waits on. Rebuilt from the store on start, maintained incrementally.
	dependencyIndex map[types.ID]map[types.ID]bool
}

func New(store *ItemStore, bus *events.Bus, maxConcurrent int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Orchestrator{
		store:           store,
		bus:             bus,
		logger:          logger,
		maxConcurrent:   maxConcurrent,
		stallThreshold:  defaultStallThreshold,
		agents:          make(map[string]Sender),
		phase:           PhasePromptToSpec,
		dependencyIndex: make(map[types.ID]map[types.ID]bool),
	}
}

func (o *Orchestrator) Name() string { return "orchestrator" }

// SetSelf wires the orchestrator's own mailbox so agents can reply.
// Must be called right after Spawn, before any dispatch.
func (o *Orchestrator) SetSelf(self Sender) { o.self = self }

// RegisterAgent binds a role to its actor mailbox.
func (o *Orchestrator) RegisterAgent(role string, s Sender) { o.agents[role] = s }

// Phase returns the current pipeline phase.
func (o *Orchestrator) Phase() Phase { return o.phase }

// Recover replays persisted state after a restart: InFlight items return to
// Ready with an attempt charged and the dependency index is rebuilt.
func (o *Orchestrator) Recover(ctx context.Context) error {
	n, err := o.store.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.Info("recovered in-flight work items", "count", n)
	}
	pending, err := o.store.ListByStatus(ctx, StatusPending)
	if err != nil {
		return err
	}
	for _, item := range pending {
		deps := make(map[types.ID]bool, len(item.DependsOn))
		for _, dep := range item.DependsOn {
			deps[dep] = true
		}
		o.dependencyIndex[item.ID] = deps
	}
	return nil
}

func (o *Orchestrator) Handle(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case StartPipelineMsg:
		return o.StartPipeline(ctx, m.Description)
	case SubmitMsg:
		return o.submit(ctx, m.Item)
	case TickMsg:
		return o.dispatch(ctx)
	case CompletedMsg:
		return o.completed(ctx, m)
	case FailedMsg:
		return o.failed(ctx, m)
	case ApprovalMsg:
		return o.approval(ctx, m)
	case RejectionMsg:
		return o.rejection(ctx, m)
	case ActorCrashedMsg:
		return o.actorCrashed(ctx, m)
	case ResumeMsg:
		o.halted = false
		return o.dispatch(ctx)
	case PingMsg:
		return nil
	default:
		o.logger.Debug("orchestrator ignoring unknown message", "type", fmt.Sprintf("%T", msg))
		return nil
	}
}

// StartPipeline resets the phase machine and enqueues the first phase's
// template items for the given task description.
func (o *Orchestrator) StartPipeline(ctx context.Context, description string) error {
	o.phase = PhasePromptToSpec
	o.halted = false
	if err := o.enqueueTemplates(ctx, o.phase, description); err != nil {
		return err
	}
	o.publish(ctx, events.KindPhaseChanged, map[string]any{
		"phase":       string(o.phase),
		"description": description,
	})
	return o.dispatch(ctx)
}

func (o *Orchestrator) submit(ctx context.Context, item *WorkItem) error {
	for _, dep := range item.DependsOn {
		if _, err := o.store.Get(ctx, dep); err != nil {
			return types.WrapError(types.DEPENDENCY_UNKNOWN,
				fmt.Sprintf("work item depends on unknown item %s", dep), err)
		}
	}
	if err := o.store.Insert(ctx, item); err != nil {
		return err
	}
	if item.Status == StatusPending {
		deps := make(map[types.ID]bool, len(item.DependsOn))
		for _, dep := range item.DependsOn {
			deps[dep] = true
		}
		o.dependencyIndex[item.ID] = deps
	}
	return o.dispatch(ctx)
}

// dispatch promotes unblocked items, then assigns Ready items to agents in
// priority order up to the concurrency limit.
func (o *Orchestrator) dispatch(ctx context.Context) error {
	if o.halted {
		return nil
	}
	if err := o.promoteUnblocked(ctx); err != nil {
		return err
	}

	inFlight, err := o.store.ListByStatus(ctx, StatusInFlight)
	if err != nil {
		return err
	}
	ready, err := o.store.ListByStatus(ctx, StatusReady)
	if err != nil {
		return err
	}

	if len(ready) == 0 && len(inFlight) > 0 && o.allStalled(inFlight) {
		o.halted = true
		o.publish(ctx, events.KindDeadlockDetected, map[string]any{
			"in_flight": len(inFlight),
			"stalled":   o.stallThreshold.String(),
		})
		o.logger.Error("dispatch deadlocked, halting until operator resume",
			"in_flight", len(inFlight))
		return types.NewError(types.DEADLOCK_DETECTED, "all in-flight work is stalled and nothing is ready")
	}

	slots := o.maxConcurrent - len(inFlight)
	for _, item := range ready {
		if slots <= 0 {
			break
		}
		agent, ok := o.agents[item.Role]
		if !ok {
			o.logger.Warn("no agent registered for role", "role", item.Role, "item", item.ID)
			continue
		}

		now := time.Now().UTC()
		item.Status = StatusInFlight
		item.StartedAt = &now
		if err := o.store.Update(ctx, item); err != nil {
			return err
		}
		if err := agent.Send(ExecuteMsg{Item: *item, ReplyTo: o.self}); err != nil {
			// Put it back; a full mailbox clears on a later tick.
			item.Status = StatusReady
			item.StartedAt = nil
			if uerr := o.store.Update(ctx, item); uerr != nil {
				return uerr
			}
			o.logger.Debug("agent mailbox unavailable", "role", item.Role, "error", err)
			continue
		}
		slots--
	}
	return nil
}

// promoteUnblocked moves Pending items whose dependencies are all Done to
// Ready, updating the dependency index.
func (o *Orchestrator) promoteUnblocked(ctx context.Context) error {
	for id, deps := range o.dependencyIndex {
		for dep := range deps {
			depItem, err := o.store.Get(ctx, dep)
			if err != nil {
				return err
			}
			if depItem.Status == StatusDone {
				delete(deps, dep)
			}
		}
		if len(deps) > 0 {
			continue
		}
		item, err := o.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if item.Status == StatusPending {
			item.Status = StatusReady
			if err := o.store.Update(ctx, item); err != nil {
				return err
			}
		}
		delete(o.dependencyIndex, id)
	}
	return nil
}

func (o *Orchestrator) allStalled(inFlight []*WorkItem) bool {
	now := time.Now().UTC()
	for _, item := range inFlight {
		if item.StartedAt == nil || now.Sub(*item.StartedAt) < o.stallThreshold {
			return false
		}
	}
	return true
}

func (o *Orchestrator) completed(ctx context.Context, m CompletedMsg) error {
	item, err := o.store.Get(ctx, m.ItemID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	item.Status = StatusDone
	item.Result = m.Result
	item.CompletedAt = &now
	if err := o.store.Update(ctx, item); err != nil {
		return err
	}
	o.publish(ctx, events.KindAgentCompleted, map[string]any{
		"item_id": item.ID.String(),
		"role":    item.Role,
		"phase":   string(item.Phase),
	})
	return o.dispatch(ctx)
}

// failed reschedules with decayed priority, or marks Failed once attempts
// run out.
func (o *Orchestrator) failed(ctx context.Context, m FailedMsg) error {
	item, err := o.store.Get(ctx, m.ItemID)
	if err != nil {
		return err
	}
	item.Attempts++
	item.FailReason = m.Reason
	item.StartedAt = nil

	if item.Attempts >= item.MaxAttempts {
		item.Status = StatusFailed
		if err := o.store.Update(ctx, item); err != nil {
			return err
		}
		o.publish(ctx, events.KindWorkItemFailed, map[string]any{
			"item_id":  item.ID.String(),
			"role":     item.Role,
			"attempts": item.Attempts,
			"reason":   types.Redact(m.Reason),
		})
		return o.dispatch(ctx)
	}

	item.Status = StatusReady
	item.Priority--
	if err := o.store.Update(ctx, item); err != nil {
		return err
	}
	o.logger.Info("work item rescheduled", "item", item.ID, "attempt", item.Attempts, "priority", item.Priority)
	return o.dispatch(ctx)
}

// approval advances the phase machine. Phases never regress; an approval
// for an earlier phase is an error.
func (o *Orchestrator) approval(ctx context.Context, m ApprovalMsg) error {
	if phaseOrder[m.Phase] < phaseOrder[o.phase] {
		return types.NewError(types.PHASE_REGRESSION,
			fmt.Sprintf("approval for %s but pipeline is at %s", m.Phase, o.phase))
	}
	if m.Phase != o.phase {
		// Approval for a future phase means the reviewer is out of sync.
		return types.NewError(types.VALIDATION_FAILED,
			fmt.Sprintf("approval for %s does not match current phase %s", m.Phase, o.phase))
	}
	if !m.Approved {
		o.logger.Info("phase approval withheld", "phase", o.phase, "issues", len(m.Feedback))
		return nil
	}

	next, ok := o.phase.Next()
	if !ok {
		o.publish(ctx, events.KindPhaseChanged, map[string]any{"phase": string(o.phase), "final": true})
		return nil
	}
	o.phase = next
	if err := o.enqueueTemplates(ctx, next, strings.Join(m.Feedback, "; ")); err != nil {
		return err
	}
	o.publish(ctx, events.KindPhaseChanged, map[string]any{"phase": string(next)})
	return o.dispatch(ctx)
}

// actorCrashed returns the crashed actor's in-flight items to Ready with
// an attempt charged, the same transition crash recovery applies at
// startup. Items out of attempts are marked Failed instead.
func (o *Orchestrator) actorCrashed(ctx context.Context, m ActorCrashedMsg) error {
	inFlight, err := o.store.ListByStatus(ctx, StatusInFlight)
	if err != nil {
		return err
	}
	requeued := 0
	for _, item := range inFlight {
		if item.Role != m.Actor {
			continue
		}
		item.Attempts++
		item.StartedAt = nil
		item.FailReason = fmt.Sprintf("agent %s crashed", m.Actor)
		if item.Attempts >= item.MaxAttempts {
			item.Status = StatusFailed
			if err := o.store.Update(ctx, item); err != nil {
				return err
			}
			o.publish(ctx, events.KindWorkItemFailed, map[string]any{
				"item_id":  item.ID.String(),
				"role":     item.Role,
				"attempts": item.Attempts,
				"reason":   item.FailReason,
			})
			continue
		}
		item.Status = StatusReady
		if err := o.store.Update(ctx, item); err != nil {
			return err
		}
		requeued++
	}
	if requeued > 0 {
		o.logger.Warn("requeued in-flight items after agent crash", "agent", m.Actor, "count", requeued)
	}
	return o.dispatch(ctx)
}

// rejection creates a targeted rework item carrying the reviewer's
// feedback, slightly above the original's priority.
func (o *Orchestrator) rejection(ctx context.Context, m RejectionMsg) error {
	original, err := o.store.Get(ctx, m.ItemID)
	if err != nil {
		return err
	}
	rework := &WorkItem{
		Phase:       original.Phase,
		Role:        original.Role,
		TaskType:    original.TaskType,
		Description: "Rework: " + original.Description,
		Priority:    original.Priority + 1,
		ReworkOf:    original.ID,
		Feedback:    strings.Join(m.Feedback, "\n"),
	}
	if err := o.store.Insert(ctx, rework); err != nil {
		return err
	}
	o.logger.Info("created rework item", "original", original.ID, "rework", rework.ID)
	return o.dispatch(ctx)
}

func (o *Orchestrator) publish(ctx context.Context, kind events.Kind, payload map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, events.New(kind, payload))
}
