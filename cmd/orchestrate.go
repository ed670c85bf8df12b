package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnemosyne-dev/mnemosyne/internal/agents"
	"github.com/mnemosyne-dev/mnemosyne/internal/eval"
	"github.com/mnemosyne-dev/mnemosyne/internal/orchestrator"
	"github.com/mnemosyne-dev/mnemosyne/internal/supervise"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate <task>",
	Short: "Run the agent pipeline for one task",
	Long: `Drive a task through the four pipeline phases with the Optimizer,
Reviewer and Executor agents. Requires ANTHROPIC_API_KEY for LLM-backed
steps; without it the reviewer degrades to heuristics and the executor
fails fast.

Examples:
  mnemosyne orchestrate "add rate limiting to the public API"
  mnemosyne orchestrate "migrate sessions to redis" --timeout 30m`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return runOrchestrate(args[0], timeout)
	},
}

func init() {
	orchestrateCmd.Flags().Duration("timeout", 15*time.Minute, "Abort the pipeline after this long")
}

func runOrchestrate(task string, timeout time.Duration) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return a.instrument(ctx, "orchestrate", func() error {
		sup := supervise.New(a.cfg.Supervision, a.bus, a.logger)

		itemStore, err := orchestrator.NewItemStore(a.store.DB())
		if err != nil {
			return err
		}
		orch := orchestrator.New(itemStore, a.bus, a.cfg.Supervision.MaxConcurrentAgents, a.logger)
		orchRef, err := sup.Spawn(orch, 256)
		if err != nil {
			return err
		}
		orch.SetSelf(orchRef)
		if err := orch.Recover(ctx); err != nil {
			return err
		}
		sup.OnCrash(func(name string) {
			if err := orchRef.Send(orchestrator.ActorCrashedMsg{Actor: name}); err != nil {
				a.logger.Warn("crash requeue dropped", "actor", name, "error", err)
			}
		})

		evaluator := eval.NewEvaluator(a.evalStore, a.logger)
		ledger := agents.NewFeatureLedger()
		ns := types.Global()
		actors := map[string]supervise.Actor{
			orchestrator.RoleOptimizer: agents.NewOptimizer(a.store, evaluator, ledger, ns, a.bridge, a.bus, a.logger),
			orchestrator.RoleReviewer:  agents.NewReviewer(a.evalStore, ledger, ns, a.bridge, a.bus, a.logger),
			orchestrator.RoleExecutor:  agents.NewExecutor(a.store, ns, a.bridge, a.bus, a.logger),
		}
		for role, actor := range actors {
			ref, err := sup.Spawn(actor, 64)
			if err != nil {
				return err
			}
			orch.RegisterAgent(role, ref)
		}

		if err := orchRef.Send(orchestrator.StartPipelineMsg{Description: task}); err != nil {
			return err
		}
		fmt.Printf("Pipeline started: %s\n", task)

		err = waitForPipeline(ctx, orchRef, itemStore)

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if stopErr := sup.Stop(stopCtx); stopErr != nil {
			a.logger.Warn("supervisor shutdown incomplete", "error", stopErr)
		}
		return err
	})
}

// waitForPipeline polls the queue until nothing is pending, ready or in
// flight, ticking the dispatcher along the way.
func waitForPipeline(ctx context.Context, orchRef *supervise.Ref, itemStore *orchestrator.ItemStore) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return types.WrapError(types.CANCELLED, "pipeline timed out", ctx.Err())
		case <-ticker.C:
		}

		if err := orchRef.Send(orchestrator.TickMsg{}); err != nil {
			return err
		}
		open, err := itemStore.ListByStatus(ctx,
			orchestrator.StatusPending, orchestrator.StatusReady, orchestrator.StatusInFlight)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			continue
		}

		failed, err := itemStore.ListByStatus(ctx, orchestrator.StatusFailed)
		if err != nil {
			return err
		}
		done, err := itemStore.ListByStatus(ctx, orchestrator.StatusDone)
		if err != nil {
			return err
		}
		fmt.Printf("Pipeline finished: %d done, %d failed\n", len(done), len(failed))
		for _, item := range failed {
			fmt.Printf("  failed: %s (%s) %s\n", item.Description, item.Role, types.Redact(item.FailReason))
		}
		if len(failed) > 0 {
			return fmt.Errorf("pipeline completed with %d failed items", len(failed))
		}
		return nil
	}
}
