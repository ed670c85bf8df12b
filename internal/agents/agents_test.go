package agents

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemosyne-dev/mnemosyne/internal/eval"
	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
	"github.com/mnemosyne-dev/mnemosyne/internal/orchestrator"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// replyRecorder captures what an agent sends back to the orchestrator.
type replyRecorder struct {
	mu   sync.Mutex
	msgs []any
}

func (r *replyRecorder) Send(msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *replyRecorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// scriptedBridge returns canned outputs per operation.
type scriptedBridge struct {
	outputs map[string]map[string]string
	err     error
	calls   []string
}

func (b *scriptedBridge) Call(_ context.Context, operation string, _ map[string]string) (map[string]string, error) {
	b.calls = append(b.calls, operation)
	if b.err != nil {
		return nil, b.err
	}
	return b.outputs[operation], nil
}

func (b *scriptedBridge) Available() bool   { return true }
func (b *scriptedBridge) SpentUSD() float64 { return 0 }

func newAgentStore(t *testing.T) *memory.Store {
	t.Helper()
	store, err := memory.Open(memory.InMemory, memory.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func execMsg(taskType, description string, reply orchestrator.Sender) orchestrator.ExecuteMsg {
	return orchestrator.ExecuteMsg{
		Item: orchestrator.WorkItem{
			ID:          types.NewID(),
			Phase:       orchestrator.PhasePromptToSpec,
			TaskType:    taskType,
			Description: description,
		},
		ReplyTo: reply,
	}
}

func TestOptimizerBuildsContextFromMemories(t *testing.T) {
	store := newAgentStore(t)
	ctx := context.Background()

	stored, err := store.StoreMemory(ctx, &memory.Memory{
		Namespace:  types.Global(),
		Content:    "Database migrations run through the versioned schema_meta table",
		Summary:    "Migration strategy",
		Keywords:   []string{"database", "migrations"},
		Importance: 8,
	})
	require.NoError(t, err)
	_, err = store.UpsertSkill(ctx, &memory.Skill{
		Namespace:   types.Global(),
		Name:        "schema-review",
		Description: "Check migrations for destructive statements",
	})
	require.NoError(t, err)

	ledger := NewFeatureLedger()
	opt := NewOptimizer(store, nil, ledger, types.Global(), nil, nil, nil)
	reply := &replyRecorder{}

	require.NoError(t, opt.Handle(ctx, execMsg("gather_context", "plan the database migrations", reply)))

	msgs := reply.all()
	require.Len(t, msgs, 1)
	done, ok := msgs[0].(orchestrator.CompletedMsg)
	require.True(t, ok)
	assert.Contains(t, done.Result, "Migration strategy")
	assert.Contains(t, done.Result, "schema-review")

	got, err := store.GetMemory(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)

	features := ledger.Take(orchestrator.PhasePromptToSpec)
	assert.NotEmpty(t, features)
}

func TestOptimizerCancelledBeforeExecution(t *testing.T) {
	store := newAgentStore(t)
	opt := NewOptimizer(store, nil, nil, types.Global(), nil, nil, nil)
	reply := &replyRecorder{}

	exec := execMsg("gather_context", "anything", reply)
	require.NoError(t, opt.Handle(context.Background(), orchestrator.CancelMsg{ItemID: exec.Item.ID}))
	require.NoError(t, opt.Handle(context.Background(), exec))

	msgs := reply.all()
	require.Len(t, msgs, 1)
	failed, ok := msgs[0].(orchestrator.FailedMsg)
	require.True(t, ok)
	assert.Contains(t, failed.Reason, "cancelled")
}

func TestReviewerExtractsRequirementsHeuristically(t *testing.T) {
	rev := NewReviewer(nil, nil, types.Global(), nil, nil, nil)
	reply := &replyRecorder{}

	prompt := "The service must rate limit requests. Users should see clear errors. It is fast."
	require.NoError(t, rev.Handle(context.Background(), execMsg("extract_requirements", prompt, reply)))

	msgs := reply.all()
	require.Len(t, msgs, 1)
	done := msgs[0].(orchestrator.CompletedMsg)
	assert.Contains(t, done.Result, "must rate limit")
	assert.Contains(t, done.Result, "should see clear errors")
	assert.NotContains(t, done.Result, "It is fast")
}

func TestReviewerRejectionCarriesIssues(t *testing.T) {
	bridge := &scriptedBridge{outputs: map[string]map[string]string{
		"semantic_validation": {"passed": "true"},
		"completeness_check":  {"passed": "false", "issues": "missing error handling\nno input validation"},
		"correctness_check":   {"passed": "true"},
	}}
	rev := NewReviewer(nil, nil, types.Global(), bridge, nil, nil)
	reply := &replyRecorder{}

	exec := execMsg("verification", "verify the parser", reply)
	exec.Item.Result = "func Parse() {}"
	require.NoError(t, rev.Handle(context.Background(), exec))

	var approval *orchestrator.ApprovalMsg
	for _, msg := range reply.all() {
		if a, ok := msg.(orchestrator.ApprovalMsg); ok {
			approval = &a
		}
	}
	require.NotNil(t, approval)
	assert.False(t, approval.Approved)
	assert.Contains(t, approval.Feedback, "missing error handling")
	assert.Contains(t, approval.Feedback, "no input validation")
	assert.Equal(t, []string{"semantic_validation", "completeness_check", "correctness_check"}, bridge.calls)
}

func TestReviewerApprovalFeedsWeightLearner(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	evalStore, err := eval.NewStore(db)
	require.NoError(t, err)

	ledger := NewFeatureLedger()
	ledger.Record(orchestrator.PhasePromptToSpec, map[string]float64{
		"keyword_score": 0.9, "semantic_score": 0.7,
	})

	bridge := &scriptedBridge{outputs: map[string]map[string]string{
		"semantic_validation": {"passed": "true"},
		"completeness_check":  {"passed": "true"},
		"correctness_check":   {"passed": "true"},
	}}
	rev := NewReviewer(evalStore, ledger, types.Global(), bridge, nil, nil)
	reply := &replyRecorder{}

	exec := execMsg("validate_spec", "check the draft", reply)
	exec.Item.Result = "the draft"
	require.NoError(t, rev.Handle(context.Background(), exec))

	sets, err := evalStore.List(context.Background())
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, 1, sets[0].SampleCount)

	// Ledger entries are consumed on use.
	assert.Empty(t, ledger.Take(orchestrator.PhasePromptToSpec))
}

func TestExecutorProducesArtifactAndRemembersTestFailures(t *testing.T) {
	store := newAgentStore(t)
	bridge := &scriptedBridge{outputs: map[string]map[string]string{
		"produce_artifact": {
			"artifact":    "package parser",
			"test_output": "test result: FAILED. 10 passed; 2 failed; 0 ignored; 0 measured",
		},
	}}
	exe := NewExecutor(store, types.Global(), bridge, nil, nil)
	reply := &replyRecorder{}

	require.NoError(t, exe.Handle(context.Background(), execMsg("artifact_production", "build the parser", reply)))

	msgs := reply.all()
	require.Len(t, msgs, 1)
	done := msgs[0].(orchestrator.CompletedMsg)
	assert.Equal(t, "package parser", done.Result)

	results, err := store.KeywordSearch(context.Background(), "test-failure", memory.SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, memory.TypeBugFix, results[0].Memory.Type)
}

func TestExecutorFailsWhenBridgeFails(t *testing.T) {
	store := newAgentStore(t)
	bridge := &scriptedBridge{err: types.NewError(types.BRIDGE_CALL_FAILED, "model unavailable")}
	exe := NewExecutor(store, types.Global(), bridge, nil, nil)
	reply := &replyRecorder{}

	require.NoError(t, exe.Handle(context.Background(), execMsg("artifact_production", "build it", reply)))

	msgs := reply.all()
	require.Len(t, msgs, 1)
	failed, ok := msgs[0].(orchestrator.FailedMsg)
	require.True(t, ok)
	assert.Contains(t, failed.Reason, "model unavailable")
}

func TestExecutorRejectsEmptyArtifact(t *testing.T) {
	store := newAgentStore(t)
	bridge := &scriptedBridge{outputs: map[string]map[string]string{
		"produce_artifact": {"artifact": ""},
	}}
	exe := NewExecutor(store, types.Global(), bridge, nil, nil)
	reply := &replyRecorder{}

	require.NoError(t, exe.Handle(context.Background(), execMsg("artifact_production", "build it", reply)))

	failed, ok := reply.all()[0].(orchestrator.FailedMsg)
	require.True(t, ok)
	assert.True(t, strings.Contains(failed.Reason, "no artifact"))
}
