package agents

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mnemosyne-dev/mnemosyne/internal/events"
	"github.com/mnemosyne-dev/mnemosyne/internal/llm"
	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
	"github.com/mnemosyne-dev/mnemosyne/internal/orchestrator"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// Executor produces artifacts through the LLM bridge. When the bridge
// output includes a test run, the executor parses it into a uniform record
// and remembers failures so later retrievals surface them.
type Executor struct {
	base
	store     *memory.Store
	namespace types.Namespace
}

func NewExecutor(store *memory.Store, ns types.Namespace, bridge llm.Bridge, bus *events.Bus, logger *slog.Logger) *Executor {
	return &Executor{
		base:      newBase(orchestrator.RoleExecutor, bridge, bus, logger),
		store:     store,
		namespace: ns,
	}
}

func (e *Executor) Handle(ctx context.Context, msg any) error {
	if done, err := e.handleCommon(ctx, msg); done {
		return err
	}
	exec, ok := msg.(orchestrator.ExecuteMsg)
	if !ok {
		return unknownMessage(e.logger, msg)
	}
	if e.takeCancelled(exec.Item.ID) {
		return e.failed(ctx, exec, types.NewError(types.CANCELLED, "cancelled before execution"))
	}

	result, err := e.produce(ctx, exec.Item)
	if err != nil {
		return e.failed(ctx, exec, err)
	}
	return e.completed(ctx, exec, result)
}

func (e *Executor) produce(ctx context.Context, item orchestrator.WorkItem) (string, error) {
	inputs := map[string]string{
		"task":  item.Description,
		"phase": string(item.Phase),
	}
	if item.Feedback != "" {
		inputs["feedback"] = item.Feedback
	}
	out, err := e.bridge.Call(ctx, "produce_artifact", inputs)
	if err != nil {
		return "", err
	}
	artifact := out["artifact"]
	if artifact == "" {
		return "", types.NewError(types.BRIDGE_CALL_FAILED, "bridge returned no artifact")
	}
	if err := checkpoint(ctx); err != nil {
		return "", err
	}

	if raw := out["test_output"]; raw != "" {
		run := ParseTestOutput(raw)
		if run != nil {
			e.recordTestRun(ctx, item, run)
		}
	}
	return artifact, nil
}

// recordTestRun publishes the parsed result and persists failing runs as
// bug_fix memories keyed to the task.
func (e *Executor) recordTestRun(ctx context.Context, item orchestrator.WorkItem, run *TestExecution) {
	e.publish(ctx, events.KindAgentCompleted, map[string]any{
		"agent":     e.name,
		"item_id":   item.ID.String(),
		"framework": run.Framework,
		"passed":    run.Passed,
		"failed":    run.Failed,
		"skipped":   run.Skipped,
	})
	if run.Failed == 0 {
		return
	}
	record, _ := json.Marshal(run)
	_, err := e.store.StoreMemory(ctx, &memory.Memory{
		Namespace: e.namespace,
		Content:   "Test failures while working on: " + item.Description + "\n" + string(record),
		Summary:   "Failing tests observed during " + item.TaskType,
		Type:      memory.TypeBugFix,
		Keywords:  []string{"test-failure", run.Framework, item.TaskType},
	})
	if err != nil {
		e.logger.Warn("failed to remember test failures", "error", err)
	}
}
