// Package agents holds the actor implementations the orchestrator
// dispatches work to: the Optimizer retrieves and enriches context, the
// Reviewer validates outputs and feeds the weight learner, the Executor
// produces artifacts through the LLM bridge.
package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mnemosyne-dev/mnemosyne/internal/events"
	"github.com/mnemosyne-dev/mnemosyne/internal/llm"
	"github.com/mnemosyne-dev/mnemosyne/internal/orchestrator"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// base carries the plumbing every agent shares. Cancellation is tracked as
// a set of item IDs; the mailbox is serial, so a Cancel that arrives before
// an Execute makes the Execute a no-op reply.
type base struct {
	name      string
	bridge    llm.Bridge
	bus       *events.Bus
	logger    *slog.Logger
	cancelled map[types.ID]bool
}

func newBase(name string, bridge llm.Bridge, bus *events.Bus, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if bridge == nil {
		bridge = llm.Unavailable{}
	}
	return base{
		name:      name,
		bridge:    bridge,
		bus:       bus,
		logger:    logger.With("agent", name),
		cancelled: make(map[types.ID]bool),
	}
}

func (b *base) Name() string { return b.name }

// takeCancelled consumes a pending cancellation for the item.
func (b *base) takeCancelled(id types.ID) bool {
	if b.cancelled[id] {
		delete(b.cancelled, id)
		return true
	}
	return false
}

func (b *base) cancel(id types.ID) { b.cancelled[id] = true }

func (b *base) publish(ctx context.Context, kind events.Kind, payload map[string]any) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(ctx, events.New(kind, payload))
}

// reply sends the orchestrator the outcome of an Execute. A dead reply
// mailbox is logged, not fatal: the dispatcher recovers stuck items itself.
func (b *base) reply(replyTo orchestrator.Sender, msg any) {
	if replyTo == nil {
		return
	}
	if err := replyTo.Send(msg); err != nil {
		b.logger.Warn("reply to orchestrator failed", "error", err)
	}
}

func (b *base) completed(ctx context.Context, exec orchestrator.ExecuteMsg, result string) error {
	b.publish(ctx, events.KindAgentCompleted, map[string]any{
		"agent":   b.name,
		"item_id": exec.Item.ID.String(),
		"task":    exec.Item.TaskType,
	})
	b.reply(exec.ReplyTo, orchestrator.CompletedMsg{ItemID: exec.Item.ID, Result: result})
	return nil
}

func (b *base) failed(ctx context.Context, exec orchestrator.ExecuteMsg, cause error) error {
	b.publish(ctx, events.KindAgentFailed, map[string]any{
		"agent":   b.name,
		"item_id": exec.Item.ID.String(),
		"code":    string(types.CodeOf(cause)),
		"reason":  types.Redact(cause.Error()),
	})
	b.reply(exec.ReplyTo, orchestrator.FailedMsg{ItemID: exec.Item.ID, Reason: cause.Error()})
	// Errors travel back as FailedMsg; returning them here would trip the
	// supervisor's restart logic for routine work failures.
	if types.CodeOf(cause) == types.FATAL {
		return cause
	}
	return nil
}

// handleCommon covers the messages every agent treats identically. The
// second return reports whether the message was consumed.
func (b *base) handleCommon(ctx context.Context, msg any) (bool, error) {
	switch m := msg.(type) {
	case orchestrator.CancelMsg:
		b.cancel(m.ItemID)
		return true, nil
	case orchestrator.PingMsg:
		return true, nil
	}
	return false, nil
}

// checkpoint is called between an agent's internal steps so cancellation
// and shutdown cut long work short.
func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.CANCELLED, "work cancelled", err)
	}
	return nil
}

func unknownMessage(logger *slog.Logger, msg any) error {
	logger.Debug("ignoring unknown message", "type", fmt.Sprintf("%T", msg))
	return nil
}
