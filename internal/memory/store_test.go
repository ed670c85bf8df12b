package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemory, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stored, err := s.StoreMemory(ctx, &Memory{
		Namespace:  types.Project("mnemosyne"),
		Content:    "Use WAL mode for concurrent readers",
		Summary:    "sqlite journal mode",
		Type:       TypeConfiguration,
		Keywords:   []string{"sqlite", "wal"},
		Tags:       []string{"storage"},
		Importance: 7,
		Confidence: 0.8,
	})
	require.NoError(t, err)
	require.False(t, stored.ID.IsZero())
	assert.NotEmpty(t, stored.Embedding)

	got, err := s.GetMemory(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "Use WAL mode for concurrent readers", got.Content)
	assert.Equal(t, types.Project("mnemosyne"), got.Namespace)
	assert.Equal(t, 7, got.Importance)
	assert.Equal(t, []string{"sqlite", "wal"}, got.Keywords)
}

func TestGetMemoryNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMemory(context.Background(), types.NewID())
	require.Error(t, err)
	assert.Equal(t, types.NOT_FOUND, types.CodeOf(err))
}

func TestStoreRejectsEmptyContent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.StoreMemory(context.Background(), &Memory{Namespace: types.Global(), Content: "   "})
	require.Error(t, err)
	assert.Equal(t, types.VALIDATION_FAILED, types.CodeOf(err))
}

func TestStoreRejectsOversizedContent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.StoreMemory(context.Background(), &Memory{
		Namespace: types.Global(),
		Content:   strings.Repeat("x", MaxContentBytes+1),
	})
	require.Error(t, err)
	assert.Equal(t, types.VALIDATION_FAILED, types.CodeOf(err))
}

func TestImportanceClampedOnWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	high, err := s.StoreMemory(ctx, &Memory{Namespace: types.Global(), Content: "too high", Importance: 42})
	require.NoError(t, err)
	assert.Equal(t, 10, high.Importance)

	low, err := s.StoreMemory(ctx, &Memory{Namespace: types.Global(), Content: "too low", Importance: -3})
	require.NoError(t, err)
	assert.Equal(t, 1, low.Importance)
}

func TestDuplicateContentMergesInsteadOfDuplicating(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.StoreMemory(ctx, &Memory{
		Namespace:  types.Global(),
		Content:    "prefer context.Context as the first parameter",
		Keywords:   []string{"context"},
		Importance: 4,
	})
	require.NoError(t, err)

	second, err := s.StoreMemory(ctx, &Memory{
		Namespace:  types.Global(),
		Content:    "prefer context.Context as the first parameter",
		Keywords:   []string{"style"},
		Tags:       []string{"go"},
		Importance: 8,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.ElementsMatch(t, []string{"context", "style"}, second.Keywords)
	assert.Equal(t, []string{"go"}, second.Tags)
	assert.Equal(t, 8, second.Importance)

	total, _, err := s.CountMemories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestDuplicateContentInDifferentNamespaceIsSeparate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.StoreMemory(ctx, &Memory{Namespace: types.Global(), Content: "same words"})
	require.NoError(t, err)
	b, err := s.StoreMemory(ctx, &Memory{Namespace: types.Project("p"), Content: "same words"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestArchiveIsReversible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.StoreMemory(ctx, &Memory{Namespace: types.Global(), Content: "old fact", Keywords: []string{"fact"}})
	require.NoError(t, err)

	require.NoError(t, s.ArchiveMemory(ctx, m.ID, ""))
	got, err := s.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.IsArchived)

	hits, err := s.KeywordSearch(ctx, "fact", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, s.UnarchiveMemory(ctx, m.ID))
	hits, err = s.KeywordSearch(ctx, "fact", SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSupersededMemoryRecordsReplacement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old, err := s.StoreMemory(ctx, &Memory{Namespace: types.Global(), Content: "v1 of the rule"})
	require.NoError(t, err)
	replacement, err := s.StoreMemory(ctx, &Memory{Namespace: types.Global(), Content: "v2 of the rule"})
	require.NoError(t, err)

	require.NoError(t, s.ArchiveMemory(ctx, old.ID, replacement.ID))
	got, err := s.GetMemory(ctx, old.ID)
	require.NoError(t, err)
	assert.True(t, got.IsArchived)
	assert.Equal(t, replacement.ID, got.SupersededBy)
}

func TestIncrementAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.StoreMemory(ctx, &Memory{Namespace: types.Global(), Content: "accessed often"})
	require.NoError(t, err)
	require.NoError(t, s.IncrementAccess(ctx, m.ID))
	require.NoError(t, s.IncrementAccess(ctx, m.ID))

	got, err := s.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
}

func TestSelfLinkRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.StoreMemory(ctx, &Memory{Namespace: types.Global(), Content: "lonely"})
	require.NoError(t, err)

	err = s.AddLink(ctx, m.ID, Link{TargetID: m.ID, Type: LinkRelatedTo, Strength: 0.5})
	require.Error(t, err)
	assert.Equal(t, types.VALIDATION_FAILED, types.CodeOf(err))
}

func TestLinkCannotTargetNarrowerNamespace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	global, err := s.StoreMemory(ctx, &Memory{Namespace: types.Global(), Content: "broad"})
	require.NoError(t, err)
	session, err := s.StoreMemory(ctx, &Memory{
		Namespace: types.Session("proj", "s1"),
		Content:   "narrow",
	})
	require.NoError(t, err)

	err = s.AddLink(ctx, global.ID, Link{TargetID: session.ID, Type: LinkReferences, Strength: 0.5})
	require.Error(t, err)
	assert.Equal(t, types.VALIDATION_FAILED, types.CodeOf(err))

	// The other direction is allowed: session memories may reference global.
	err = s.AddLink(ctx, session.ID, Link{TargetID: global.ID, Type: LinkReferences, Strength: 0.5})
	require.NoError(t, err)
}

func TestKeywordSearchRespectsNamespaceVisibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreMemory(ctx, &Memory{Namespace: types.Global(), Content: "shared database convention"})
	require.NoError(t, err)
	_, err = s.StoreMemory(ctx, &Memory{Namespace: types.Project("alpha"), Content: "alpha database schema"})
	require.NoError(t, err)
	_, err = s.StoreMemory(ctx, &Memory{Namespace: types.Project("beta"), Content: "beta database schema"})
	require.NoError(t, err)

	alpha := types.Project("alpha")
	hits, err := s.KeywordSearch(ctx, "database", SearchOptions{Namespace: &alpha})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.NotEqual(t, types.Project("beta"), h.Memory.Namespace)
	}

	sess := types.Session("alpha", "s1")
	hits, err = s.KeywordSearch(ctx, "database", SearchOptions{Namespace: &sess})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestKeywordSearchCapsAtTwenty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := s.StoreMemory(ctx, &Memory{
			Namespace: types.Global(),
			Content:   "widget number " + strings.Repeat("a", i+1),
			Keywords:  []string{"widget"},
		})
		require.NoError(t, err)
	}

	hits, err := s.KeywordSearch(ctx, "widget", SearchOptions{Limit: 5000})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(hits), 20)
}

func TestUpdateMemoryIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.StoreMemory(ctx, &Memory{Namespace: types.Global(), Content: "draft", Importance: 5})
	require.NoError(t, err)

	m.Content = "final"
	m.Importance = 9
	updated, err := s.UpdateMemory(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, 9, updated.Importance)

	got, err := s.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", got.Content)

	hits, err := s.KeywordSearch(ctx, "final", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	hits, err = s.KeywordSearch(ctx, "draft", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestVectorSearchFindsSimilarContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreMemory(ctx, &Memory{Namespace: types.Global(), Content: "postgres connection pooling configuration"})
	require.NoError(t, err)
	_, err = s.StoreMemory(ctx, &Memory{Namespace: types.Global(), Content: "favorite hiking trails in the alps"})
	require.NoError(t, err)

	hits, err := s.VectorSearch(ctx, "postgres connection pooling", SearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Memory.Content, "postgres")
}

func TestOpenNewerSchemaFailsWithMigrationRequired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mnemosyne.db")

	s, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE schema_meta SET value = '99' WHERE key = 'schema_version'`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path, Options{})
	require.Error(t, err)
	assert.Equal(t, types.MIGRATION_REQUIRED, types.CodeOf(err))
}

func TestSkillsLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sk, err := s.UpsertSkill(ctx, &Skill{
		Name:         "commit-style",
		Namespace:    types.Project("alpha"),
		Description:  "conventional commits",
		Instructions: "prefix with feat/fix/chore",
	})
	require.NoError(t, err)
	require.NoError(t, s.IncrementSkillUsage(ctx, sk.ID))

	sess := types.Session("alpha", "s1")
	skills, err := s.ListSkills(ctx, sess)
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, 1, skills[0].UsageCount)

	other := types.Project("beta")
	skills, err = s.ListSkills(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, skills)
}
