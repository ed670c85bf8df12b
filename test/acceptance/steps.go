package acceptance

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cucumber/godog"

	"github.com/mnemosyne-dev/mnemosyne/internal/config"
	"github.com/mnemosyne-dev/mnemosyne/internal/evolution"
	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// testContext holds state between steps of one scenario.
type testContext struct {
	store   *memory.Store
	ids     map[string]types.ID
	results []memory.Scored
}

func (tc *testContext) reset(context.Context) error {
	if tc.store != nil {
		tc.store.Close()
	}
	store, err := memory.Open(memory.InMemory, memory.Options{})
	if err != nil {
		return err
	}
	tc.store = store
	tc.ids = make(map[string]types.ID)
	tc.results = nil
	return nil
}

func (tc *testContext) aMemoryWithImportance(name, content string, importance int) error {
	m, err := tc.store.StoreMemory(context.Background(), &memory.Memory{
		Namespace:  types.Global(),
		Content:    content,
		Importance: importance,
	})
	if err != nil {
		return err
	}
	tc.ids[name] = m.ID
	return nil
}

func (tc *testContext) aMemoryInProject(name, project, content string) error {
	m, err := tc.store.StoreMemory(context.Background(), &memory.Memory{
		Namespace: types.Project(project),
		Content:   content,
	})
	if err != nil {
		return err
	}
	tc.ids[name] = m.ID
	return nil
}

func (tc *testContext) memoriesAreLinked(source, target string) error {
	return tc.store.AddLink(context.Background(), tc.ids[source], memory.Link{
		TargetID: tc.ids[target],
		Type:     memory.LinkReferences,
		Strength: 0.9,
	})
}

func (tc *testContext) iRecall(query string) error {
	return tc.recall(query, nil, false)
}

func (tc *testContext) iRecallWithGraphExpansion(query string) error {
	return tc.recall(query, nil, true)
}

func (tc *testContext) iRecallInProject(query, project string) error {
	ns := types.Project(project)
	return tc.recall(query, &ns, false)
}

func (tc *testContext) recall(query string, ns *types.Namespace, graph bool) error {
	results, err := tc.store.HybridSearch(context.Background(), query, memory.HybridOptions{
		Namespace:   ns,
		ExpandGraph: graph,
	})
	if err != nil {
		return err
	}
	tc.results = results
	return nil
}

func (tc *testContext) theFirstResultIs(name string) error {
	if len(tc.results) == 0 {
		return fmt.Errorf("no results")
	}
	if tc.results[0].Memory.ID != tc.ids[name] {
		return fmt.Errorf("first result is %q, want %q", tc.results[0].Memory.Summary, name)
	}
	return nil
}

func (tc *testContext) theResultsInclude(name string) error {
	for _, r := range tc.results {
		if r.Memory.ID == tc.ids[name] {
			return nil
		}
	}
	return fmt.Errorf("results do not include %q", name)
}

func (tc *testContext) theResultsDoNotInclude(name string) error {
	if err := tc.theResultsInclude(name); err == nil {
		return fmt.Errorf("results unexpectedly include %q", name)
	}
	return nil
}

// twoNearDuplicates stores two memories with hand-crafted embeddings whose
// cosine similarity sits above the heuristic merge threshold.
func (tc *testContext) twoNearDuplicates() error {
	sim := 0.95
	ctx := context.Background()

	first, err := tc.store.StoreMemory(ctx, &memory.Memory{
		Namespace: types.Global(),
		Content:   "JWT access tokens expire after 1 hour",
		Keywords:  []string{"jwt", "auth"},
		Embedding: []float32{1, 0, 0},
	})
	if err != nil {
		return err
	}
	tc.ids["first"] = first.ID

	time.Sleep(5 * time.Millisecond)
	second, err := tc.store.StoreMemory(ctx, &memory.Memory{
		Namespace: types.Global(),
		Content:   "JWT expiration is one hour for access tokens",
		Keywords:  []string{"jwt"},
		Embedding: []float32{float32(sim), float32(math.Sqrt(1 - sim*sim)), 0},
	})
	if err != nil {
		return err
	}
	tc.ids["second"] = second.ID
	return nil
}

func (tc *testContext) theEvolutionJobsRun() error {
	job := config.JobConfig{
		Enabled:     true,
		Interval:    6 * time.Hour,
		BatchSize:   500,
		MaxDuration: 5 * time.Minute,
	}
	engine, err := evolution.NewEngine(tc.store, nil, nil, config.EvolutionConfig{
		Enabled:    true,
		Importance: job,
		LinkDecay:  job,
		Archival:   job,
		Consolidation: config.ConsolidationConfig{
			JobConfig:    job,
			DecisionMode: "heuristic",
		},
	}, nil)
	if err != nil {
		return err
	}
	for _, report := range engine.RunAll(context.Background()) {
		if len(report.Errors) > 0 {
			return fmt.Errorf("job %s reported errors: %v", report.Job, report.Errors)
		}
	}
	return nil
}

func (tc *testContext) oneDuplicateArchivedSuperseded() error {
	ctx := context.Background()
	first, err := tc.store.GetMemory(ctx, tc.ids["first"])
	if err != nil {
		return err
	}
	second, err := tc.store.GetMemory(ctx, tc.ids["second"])
	if err != nil {
		return err
	}

	switch {
	case second.IsArchived && second.SupersededBy == first.ID:
		return nil
	case first.IsArchived && first.SupersededBy == second.ID:
		return nil
	default:
		return fmt.Errorf("neither duplicate was archived with a superseded_by pointer")
	}
}

// InitializeScenario binds the step definitions.
func InitializeScenario(sc *godog.ScenarioContext) {
	tc := &testContext{}

	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		return ctx, tc.reset(ctx)
	})
	sc.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
		if tc.store != nil {
			tc.store.Close()
			tc.store = nil
		}
		return ctx, nil
	})

	sc.Step(`^a clean memory store$`, func() error { return nil })
	sc.Step(`^a memory "([^"]*)" with content "([^"]*)" and importance (\d+)$`, tc.aMemoryWithImportance)
	sc.Step(`^a memory "([^"]*)" in project "([^"]*)" with content "([^"]*)"$`, tc.aMemoryInProject)
	sc.Step(`^"([^"]*)" links to "([^"]*)"$`, tc.memoriesAreLinked)
	sc.Step(`^I recall "([^"]*)"$`, tc.iRecall)
	sc.Step(`^I recall "([^"]*)" with graph expansion$`, tc.iRecallWithGraphExpansion)
	sc.Step(`^I recall "([^"]*)" in project "([^"]*)"$`, tc.iRecallInProject)
	sc.Step(`^the first result is "([^"]*)"$`, tc.theFirstResultIs)
	sc.Step(`^the results include "([^"]*)"$`, tc.theResultsInclude)
	sc.Step(`^the results do not include "([^"]*)"$`, tc.theResultsDoNotInclude)
	sc.Step(`^two near-duplicate memories about token expiry$`, tc.twoNearDuplicates)
	sc.Step(`^the evolution jobs run$`, tc.theEvolutionJobsRun)
	sc.Step(`^one of the duplicates is archived and superseded by the other$`, tc.oneDuplicateArchivedSuperseded)
}
