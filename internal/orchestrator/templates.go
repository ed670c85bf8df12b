package orchestrator

import (
	"context"

	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// Agent roles known to the dispatcher.
const (
	RoleOptimizer = "optimizer"
	RoleReviewer  = "reviewer"
	RoleExecutor  = "executor"
)

// itemTemplate is a phase's built-in work item shape. DependsOn refers to
// other templates in the same phase by task type.
type itemTemplate struct {
	Role      string
	TaskType  string
	Summary   string
	Priority  int
	DependsOn []string
}

// phaseTemplates defines the standing decomposition of each phase. Context
// gathering runs first so downstream items start with enriched input.
var phaseTemplates = map[Phase][]itemTemplate{
	PhasePromptToSpec: {
		{Role: RoleOptimizer, TaskType: "gather_context", Summary: "Retrieve relevant memories and skills for the prompt", Priority: 5},
		{Role: RoleReviewer, TaskType: "extract_requirements", Summary: "Extract explicit and implied requirements from the prompt", Priority: 5},
		{Role: RoleExecutor, TaskType: "draft_spec", Summary: "Draft the specification from prompt and requirements", Priority: 4,
			DependsOn: []string{"gather_context", "extract_requirements"}},
	},
	PhaseSpecToFullSpec: {
		{Role: RoleOptimizer, TaskType: "enrich_context", Summary: "Augment the draft with prior decisions and conventions", Priority: 5},
		{Role: RoleExecutor, TaskType: "expand_spec", Summary: "Expand the draft into a full specification", Priority: 4,
			DependsOn: []string{"enrich_context"}},
		{Role: RoleReviewer, TaskType: "validate_spec", Summary: "Check the full specification for completeness and consistency", Priority: 3,
			DependsOn: []string{"expand_spec"}},
	},
	PhaseFullSpecToPlan: {
		{Role: RoleExecutor, TaskType: "plan_generation", Summary: "Break the specification into an ordered implementation plan", Priority: 5},
		{Role: RoleReviewer, TaskType: "plan_review", Summary: "Review the plan for coverage and ordering", Priority: 4,
			DependsOn: []string{"plan_generation"}},
	},
	PhasePlanToArtifact: {
		{Role: RoleExecutor, TaskType: "artifact_production", Summary: "Produce the artifacts the plan calls for", Priority: 5},
		{Role: RoleReviewer, TaskType: "verification", Summary: "Verify produced artifacts against the specification", Priority: 4,
			DependsOn: []string{"artifact_production"}},
	},
}

// enqueueTemplates instantiates a phase's built-in items, resolving
// template dependencies to the freshly assigned IDs.
func (o *Orchestrator) enqueueTemplates(ctx context.Context, phase Phase, description string) error {
	templates, ok := phaseTemplates[phase]
	if !ok {
		return nil
	}
	idByTask := make(map[string]types.ID, len(templates))
	for _, tpl := range templates {
		item := &WorkItem{
			Phase:       phase,
			Role:        tpl.Role,
			TaskType:    tpl.TaskType,
			Description: tpl.Summary,
			Priority:    tpl.Priority,
		}
		if description != "" {
			item.Description = tpl.Summary + ": " + description
		}
		for _, dep := range tpl.DependsOn {
			item.DependsOn = append(item.DependsOn, idByTask[dep])
		}
		if err := o.store.Insert(ctx, item); err != nil {
			return err
		}
		idByTask[tpl.TaskType] = item.ID
		if item.Status == StatusPending {
			deps := make(map[types.ID]bool, len(item.DependsOn))
			for _, dep := range item.DependsOn {
				deps[dep] = true
			}
			o.dependencyIndex[item.ID] = deps
		}
	}
	return nil
}
