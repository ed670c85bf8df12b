package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mnemosyne-dev/mnemosyne/internal/events"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// schemaVersion is the newest on-disk layout this build understands. Opening
// a database written by a newer build fails with MIGRATION_REQUIRED rather
// than corrupting it.
const schemaVersion = 1

const maxSearchResults = 1000

// InMemory is the connection mode for throwaway test databases.
const InMemory = ":memory:"

// Store is the SQLite-backed memory store. All writes are transactional
// across the canonical row, the link table, the FTS index and the vector
// index.
type Store struct {
	db       *sql.DB
	embedder Embedder
	vec      *vecIndex
	bus      *events.Bus
	logger   *slog.Logger
}

// Options configures optional collaborators. Zero values get sane defaults:
// a local hash embedder and a discarding logger.
type Options struct {
	Embedder Embedder
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Open opens or creates the database at path. Pass InMemory for an
// ephemeral store.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", path+dsnParams(path))
	if err != nil {
		return nil, types.WrapError(types.STORAGE_OPEN_FAILED, "failed to open database", err)
	}
	// A single connection keeps the FTS and vec virtual tables, triggers and
	// transactions on one SQLite handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON; PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, types.WrapError(types.STORAGE_OPEN_FAILED, "failed to configure database", err)
	}

	if err := checkSchemaVersion(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, types.WrapError(types.STORAGE_OPEN_FAILED, "migration failed", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	embedder := opts.Embedder
	if embedder == nil {
		embedder = GetEmbedder()
	}

	return &Store{
		db:       db,
		embedder: embedder,
		vec:      newVecIndex(db, embedder.Dimensions(), logger),
		bus:      opts.Bus,
		logger:   logger,
	}, nil
}

func dsnParams(path string) string {
	if path == InMemory {
		return ""
	}
	return "?_journal_mode=WAL&_busy_timeout=5000"
}

func checkSchemaVersion(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return types.WrapError(types.STORAGE_OPEN_FAILED, "failed to create schema_meta", err)
	}
	var stored int
	err := db.QueryRow(`SELECT CAST(value AS INTEGER) FROM schema_meta WHERE key = 'schema_version'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err := db.Exec(`INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
		return err
	case err != nil:
		return types.WrapError(types.STORAGE_OPEN_FAILED, "failed to read schema version", err)
	case stored > schemaVersion:
		return types.NewError(types.MIGRATION_REQUIRED,
			fmt.Sprintf("database schema version %d is newer than supported version %d", stored, schemaVersion))
	default:
		return nil
	}
}

func migrate(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL DEFAULT 'global',
			content TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '',
			memory_type TEXT NOT NULL DEFAULT 'insight',
			keywords TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '[]',
			related_files TEXT NOT NULL DEFAULT '[]',
			related_entities TEXT NOT NULL DEFAULT '[]',
			importance INTEGER NOT NULL DEFAULT 5,
			confidence REAL NOT NULL DEFAULT 0.0,
			access_count INTEGER NOT NULL DEFAULT 0,
			user_created INTEGER NOT NULL DEFAULT 0,
			content_hash TEXT NOT NULL,
			embedding TEXT,
			embedding_model TEXT NOT NULL DEFAULT '',
			is_archived INTEGER NOT NULL DEFAULT 0,
			superseded_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_accessed_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_hash ON memories(namespace, content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_archived ON memories(is_archived)`,
		`CREATE TABLE IF NOT EXISTS memory_links (
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			link_type TEXT NOT NULL,
			strength REAL NOT NULL DEFAULT 0.5,
			reason TEXT NOT NULL DEFAULT '',
			user_created INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			last_traversed_at TIMESTAMP,
			PRIMARY KEY (source_id, target_id, link_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_links_target ON memory_links(target_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content, summary, keywords, tags,
			content='memories',
			content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content, summary, keywords, tags)
			VALUES (new.rowid, new.content, new.summary, new.keywords, new.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content, summary, keywords, tags)
			VALUES ('delete', old.rowid, old.content, old.summary, old.keywords, old.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content, summary, keywords, tags)
			VALUES ('delete', old.rowid, old.content, old.summary, old.keywords, old.tags);
			INSERT INTO memories_fts(rowid, content, summary, keywords, tags)
			VALUES (new.rowid, new.content, new.summary, new.keywords, new.tags);
		END`,
		`CREATE TABLE IF NOT EXISTS skills (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			namespace TEXT NOT NULL DEFAULT 'global',
			description TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL DEFAULT '',
			usage_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (namespace, name)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle so sibling stores (events, work items,
// weights) can share one database file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (s *Store) publish(ctx context.Context, kind events.Kind, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.New(kind, payload))
}

// StoreMemory validates and persists m, assigning an id if absent. If a
// memory with identical content already exists in the same namespace the
// existing row is enriched (keywords and tags merged, importance raised to
// the max of the two) and returned instead of a duplicate.
func (s *Store) StoreMemory(ctx context.Context, m *Memory) (*Memory, error) {
	if strings.TrimSpace(m.Content) == "" {
		return nil, types.NewError(types.VALIDATION_FAILED, "memory content cannot be empty")
	}
	if len(m.Content) > MaxContentBytes {
		return nil, types.NewError(types.VALIDATION_FAILED,
			fmt.Sprintf("memory content is %d bytes, limit is %d", len(m.Content), MaxContentBytes))
	}
	m.Importance = ClampImportance(m.Importance)
	if m.Confidence < 0 {
		m.Confidence = 0
	}
	if m.Confidence > 1 {
		m.Confidence = 1
	}
	if m.Type == "" {
		m.Type = TypeInsight
	}

	hash := contentHash(m.Content)
	if existing, err := s.findByHash(ctx, m.Namespace, hash); err == nil && existing != nil {
		return s.mergeDuplicate(ctx, existing, m)
	}

	if m.ID.IsZero() {
		m.ID = types.NewID()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.LastAccessedAt = now

	if len(m.Embedding) == 0 {
		if emb, err := s.embedder.Embed(m.Content + " " + m.Summary); err == nil {
			m.Embedding = emb
			m.EmbeddingModel = s.embedder.Model()
		} else {
			s.logger.Warn("embedding failed, storing without vector", "memory_id", m.ID, "error", err)
		}
	}

	for i := range m.Links {
		if err := s.validateLink(ctx, m, &m.Links[i]); err != nil {
			return nil, err
		}
		if m.Links[i].CreatedAt.IsZero() {
			m.Links[i].CreatedAt = now
		}
	}

	err := s.inTx(func(tx *sql.Tx) error {
		if err := insertMemoryRow(tx, m, hash); err != nil {
			return err
		}
		for _, l := range m.Links {
			if err := insertLinkRow(tx, m.ID, l); err != nil {
				return err
			}
		}
		return s.vec.insert(tx, m.ID.String(), m.Embedding)
	})
	if err != nil {
		return nil, types.WrapError(types.STORAGE_WRITE_FAILED, "failed to store memory", err)
	}

	s.publish(ctx, events.KindMemoryStored, map[string]any{
		"memory_id":   m.ID.String(),
		"namespace":   m.Namespace.String(),
		"memory_type": string(m.Type),
		"importance":  m.Importance,
	})
	return m, nil
}

func (s *Store) findByHash(ctx context.Context, ns types.Namespace, hash string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx,
		selectMemory+` WHERE namespace = ? AND content_hash = ? AND is_archived = 0`,
		ns.String(), hash)
	m, err := scanMemory(row)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) mergeDuplicate(ctx context.Context, existing, incoming *Memory) (*Memory, error) {
	links, err := s.loadLinks(ctx, existing.ID)
	if err != nil {
		return nil, err
	}
	existing.Links = links
	existing.Keywords = mergeStrings(existing.Keywords, incoming.Keywords)
	existing.Tags = mergeStrings(existing.Tags, incoming.Tags)
	if incoming.Importance > existing.Importance {
		existing.Importance = incoming.Importance
	}
	if incoming.Confidence > existing.Confidence {
		existing.Confidence = incoming.Confidence
	}
	updated, err := s.UpdateMemory(ctx, existing)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("deduplicated memory by content hash", "memory_id", existing.ID)
	return updated, nil
}

func mergeStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// GetMemory fetches a memory by id, including its outgoing links.
func (s *Store) GetMemory(ctx context.Context, id types.ID) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, selectMemory+` WHERE id = ?`, id.String())
	m, err := scanMemory(row)
	if err != nil {
		return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "failed to load memory", err)
	}
	if m == nil {
		return nil, types.NewError(types.NOT_FOUND, fmt.Sprintf("memory %s not found", id))
	}
	links, err := s.loadLinks(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Links = links
	return m, nil
}

// UpdateMemory rewrites the canonical row, links and vector entry in one
// transaction. The content hash and embedding are recomputed when the
// content changed.
func (s *Store) UpdateMemory(ctx context.Context, m *Memory) (*Memory, error) {
	if m.ID.IsZero() {
		return nil, types.NewError(types.VALIDATION_FAILED, "memory id required for update")
	}
	if strings.TrimSpace(m.Content) == "" {
		return nil, types.NewError(types.VALIDATION_FAILED, "memory content cannot be empty")
	}
	if len(m.Content) > MaxContentBytes {
		return nil, types.NewError(types.VALIDATION_FAILED,
			fmt.Sprintf("memory content is %d bytes, limit is %d", len(m.Content), MaxContentBytes))
	}
	current, err := s.GetMemory(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	m.Importance = ClampImportance(m.Importance)
	m.CreatedAt = current.CreatedAt
	m.UpdatedAt = time.Now().UTC()

	hash := contentHash(m.Content)
	if m.Content != current.Content || len(m.Embedding) == 0 {
		if emb, err := s.embedder.Embed(m.Content + " " + m.Summary); err == nil {
			m.Embedding = emb
			m.EmbeddingModel = s.embedder.Model()
		}
	}

	for i := range m.Links {
		if err := s.validateLink(ctx, m, &m.Links[i]); err != nil {
			return nil, err
		}
		if m.Links[i].CreatedAt.IsZero() {
			m.Links[i].CreatedAt = m.UpdatedAt
		}
	}

	err = s.inTx(func(tx *sql.Tx) error {
		if err := updateMemoryRow(tx, m, hash); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM memory_links WHERE source_id = ?`, m.ID.String()); err != nil {
			return err
		}
		for _, l := range m.Links {
			if err := insertLinkRow(tx, m.ID, l); err != nil {
				return err
			}
		}
		return s.vec.insert(tx, m.ID.String(), m.Embedding)
	})
	if err != nil {
		return nil, types.WrapError(types.STORAGE_WRITE_FAILED, "failed to update memory", err)
	}
	return m, nil
}

// ArchiveMemory soft-deletes a memory. When supersededBy is non-zero the
// replacement is recorded so the archival is explainable and reversible.
func (s *Store) ArchiveMemory(ctx context.Context, id types.ID, supersededBy types.ID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET is_archived = 1, superseded_by = ?, updated_at = ? WHERE id = ?`,
		supersededBy.String(), time.Now().UTC(), id.String())
	if err != nil {
		return types.WrapError(types.STORAGE_WRITE_FAILED, "failed to archive memory", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewError(types.NOT_FOUND, fmt.Sprintf("memory %s not found", id))
	}
	return nil
}

// UnarchiveMemory reverses an archival.
func (s *Store) UnarchiveMemory(ctx context.Context, id types.ID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET is_archived = 0, superseded_by = '', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id.String())
	if err != nil {
		return types.WrapError(types.STORAGE_WRITE_FAILED, "failed to unarchive memory", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewError(types.NOT_FOUND, fmt.Sprintf("memory %s not found", id))
	}
	return nil
}

// DeleteMemory removes a memory permanently, links and embedding included.
// Only the HTTP delete endpoint reaches for this; internal flows archive
// instead so evolution can reverse them.
func (s *Store) DeleteMemory(ctx context.Context, id types.ID) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM memory_links WHERE source_id = ? OR target_id = ?`, id.String(), id.String()); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, id.String()); err != nil {
			return err
		}
		return s.vec.delete(tx, id.String())
	})
}

// IncrementAccess bumps access_count and last_accessed_at.
func (s *Store) IncrementAccess(ctx context.Context, id types.ID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		time.Now().UTC(), id.String())
	if err != nil {
		return types.WrapError(types.STORAGE_WRITE_FAILED, "failed to record access", err)
	}
	return nil
}

func (s *Store) validateLink(ctx context.Context, m *Memory, l *Link) error {
	if l.TargetID == m.ID {
		return types.NewError(types.VALIDATION_FAILED, "memory cannot link to itself")
	}
	target, err := s.GetMemory(ctx, l.TargetID)
	if err != nil {
		return types.WrapError(types.VALIDATION_FAILED,
			fmt.Sprintf("link target %s does not exist", l.TargetID), err)
	}
	// Links may only point at the same or a broader namespace, otherwise a
	// global memory could leak session-scoped content through graph walks.
	if !m.Namespace.Broader(target.Namespace) {
		return types.NewError(types.VALIDATION_FAILED,
			fmt.Sprintf("link from %s cannot target narrower namespace %s", m.Namespace, target.Namespace))
	}
	if l.Strength <= 0 || l.Strength > 1 {
		l.Strength = 0.5
	}
	return nil
}

// AddLink appends a single link without rewriting the whole memory.
func (s *Store) AddLink(ctx context.Context, sourceID types.ID, link Link) error {
	source, err := s.GetMemory(ctx, sourceID)
	if err != nil {
		return err
	}
	if err := s.validateLink(ctx, source, &link); err != nil {
		return err
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	err = s.inTx(func(tx *sql.Tx) error {
		return insertLinkRow(tx, sourceID, link)
	})
	if err != nil {
		return types.WrapError(types.STORAGE_WRITE_FAILED, "failed to add link", err)
	}
	return nil
}

// MarkLinkTraversed records a graph-walk traversal; link decay spares
// recently traversed edges.
func (s *Store) MarkLinkTraversed(ctx context.Context, sourceID, targetID types.ID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memory_links SET last_traversed_at = ? WHERE source_id = ? AND target_id = ?`,
		time.Now().UTC(), sourceID.String(), targetID.String())
	return err
}

func (s *Store) loadLinks(ctx context.Context, id types.ID) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_id, link_type, strength, reason, user_created, created_at, last_traversed_at
		 FROM memory_links WHERE source_id = ?`, id.String())
	if err != nil {
		return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "failed to load links", err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		var target string
		var traversed sql.NullTime
		if err := rows.Scan(&target, &l.Type, &l.Strength, &l.Reason, &l.UserCreated, &l.CreatedAt, &traversed); err != nil {
			return nil, err
		}
		l.TargetID = types.ID(target)
		if traversed.Valid {
			t := traversed.Time
			l.LastTraversedAt = &t
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// SearchOptions narrows keyword and vector searches.
type SearchOptions struct {
	Namespace       *types.Namespace
	Limit           int
	IncludeArchived bool
	// MinSimilarity drops vector hits below this cosine similarity.
	MinSimilarity float64
}

func (o SearchOptions) clampedLimit(def int) int {
	limit := o.Limit
	if limit <= 0 {
		limit = def
	}
	if limit > maxSearchResults {
		limit = maxSearchResults
	}
	return limit
}

// namespaceClause returns an IN (...) predicate over the visible namespaces,
// or an always-true clause when no namespace filter was given.
func (o SearchOptions) namespaceClause() (string, []any) {
	if o.Namespace == nil {
		return "1=1", nil
	}
	visible := o.Namespace.Visible()
	placeholders := make([]string, len(visible))
	args := make([]any, len(visible))
	for i, ns := range visible {
		placeholders[i] = "?"
		args[i] = ns
	}
	return "namespace IN (" + strings.Join(placeholders, ",") + ")", args
}

func (o SearchOptions) archivedClause() string {
	if o.IncludeArchived {
		return "1=1"
	}
	return "is_archived = 0 AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)"
}

// KeywordSearch runs a BM25 full-text query over content, summary, keywords
// and tags. Returns at most 20 results ordered by rank.
func (s *Store) KeywordSearch(ctx context.Context, query string, opts SearchOptions) ([]Scored, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, types.NewError(types.VALIDATION_FAILED, "search query cannot be empty")
	}
	limit := opts.clampedLimit(20)
	if limit > 20 {
		limit = 20
	}
	nsClause, nsArgs := opts.namespaceClause()

	args := []any{ftsQuery(query)}
	args = append(args, nsArgs...)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, selectMemoryPrefixed("m")+`, -fts.rank AS score
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE memories_fts MATCH ?
		  AND `+prefixClause(nsClause, "m")+`
		  AND `+prefixClause(opts.archivedClause(), "m")+`
		ORDER BY fts.rank
		LIMIT ?`, args...)
	if err != nil {
		return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "keyword search failed", err)
	}
	defer rows.Close()

	var results []Scored
	for rows.Next() {
		m, score, err := scanMemoryWithScore(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, Scored{
			Memory:   m,
			Score:    score,
			Features: map[string]float64{"keyword_score": score},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "keyword search failed", err)
	}
	normalizeScores(results, "keyword_score")
	return results, nil
}

// ftsQuery quotes each term so user input cannot inject FTS5 syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		if t != "" {
			quoted = append(quoted, `"`+t+`"`)
		}
	}
	return strings.Join(quoted, " OR ")
}

func normalizeScores(results []Scored, feature string) {
	var max float64
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	if max <= 0 {
		return
	}
	for i := range results {
		results[i].Score /= max
		results[i].Features[feature] = results[i].Score
	}
}

// VectorSearch embeds the query and returns the nearest memories by cosine
// similarity. Falls back to a linear scan of stored embeddings when the
// sqlite-vec index is unavailable.
func (s *Store) VectorSearch(ctx context.Context, query string, opts SearchOptions) ([]Scored, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, types.NewError(types.VALIDATION_FAILED, "search query cannot be empty")
	}
	queryEmb, err := s.embedder.Embed(query)
	if err != nil {
		return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "failed to embed query", err)
	}
	limit := opts.clampedLimit(10)

	if s.vec.available {
		if results, err := s.vectorSearchIndexed(ctx, queryEmb, limit, opts); err == nil {
			return results, nil
		}
		s.logger.Warn("indexed vector search failed, falling back to linear scan")
	}
	return s.vectorSearchLinear(ctx, queryEmb, limit, opts)
}

func (s *Store) vectorSearchIndexed(ctx context.Context, queryEmb []float32, limit int, opts SearchOptions) ([]Scored, error) {
	// Over-fetch: namespace and archive filters are applied after the KNN.
	hits, err := s.vec.search(queryEmb, limit*4)
	if err != nil {
		return nil, err
	}
	var results []Scored
	for _, hit := range hits {
		m, err := s.GetMemory(ctx, types.ID(hit.MemoryID))
		if err != nil {
			continue
		}
		if !opts.IncludeArchived && (m.IsArchived || expired(m)) {
			continue
		}
		if opts.Namespace != nil && !opts.Namespace.CanSee(m.Namespace) {
			continue
		}
		sim := 1.0 - hit.Distance
		if sim < 0 {
			sim = 0
		}
		if sim < opts.MinSimilarity {
			continue
		}
		results = append(results, Scored{
			Memory:   m,
			Score:    sim,
			Features: map[string]float64{"semantic_score": sim},
		})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (s *Store) vectorSearchLinear(ctx context.Context, queryEmb []float32, limit int, opts SearchOptions) ([]Scored, error) {
	nsClause, nsArgs := opts.namespaceClause()
	rows, err := s.db.QueryContext(ctx,
		selectMemory+` WHERE embedding IS NOT NULL AND `+nsClause+` AND `+opts.archivedClause(),
		nsArgs...)
	if err != nil {
		return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "vector scan failed", err)
	}
	defer rows.Close()

	var results []Scored
	for rows.Next() {
		m, err := scanMemoryRows(rows)
		if err != nil {
			return nil, err
		}
		if len(m.Embedding) != len(queryEmb) {
			continue
		}
		sim := cosineSimilarity(queryEmb, m.Embedding)
		if sim <= 0 || sim < opts.MinSimilarity {
			continue
		}
		results = append(results, Scored{
			Memory:   m,
			Score:    sim,
			Features: map[string]float64{"semantic_score": sim},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "vector scan failed", err)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func expired(m *Memory) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(time.Now().UTC())
}

// ListMemories pages through a namespace, oldest update first, for the
// evolution jobs. A nil namespace lists everything.
func (s *Store) ListMemories(ctx context.Context, opts SearchOptions) ([]*Memory, error) {
	nsClause, nsArgs := opts.namespaceClause()
	limit := opts.clampedLimit(100)
	args := append(nsArgs, limit)

	rows, err := s.db.QueryContext(ctx,
		selectMemory+` WHERE `+nsClause+` AND `+opts.archivedClause()+` ORDER BY updated_at ASC LIMIT ?`,
		args...)
	if err != nil {
		return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "failed to list memories", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemoryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMemories reports total and archived row counts for diagnostics.
func (s *Store) CountMemories(ctx context.Context) (total, archived int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(is_archived), 0) FROM memories`).Scan(&total, &archived)
	if err != nil {
		return 0, 0, types.WrapError(types.STORAGE_QUERY_FAILED, "failed to count memories", err)
	}
	return total, archived, nil
}

func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

const selectMemory = `SELECT id, namespace, content, summary, context, memory_type,
	keywords, tags, related_files, related_entities,
	importance, confidence, access_count, user_created,
	embedding, embedding_model, is_archived, superseded_by,
	created_at, updated_at, last_accessed_at, expires_at
	FROM memories`

func selectMemoryPrefixed(alias string) string {
	cols := []string{"id", "namespace", "content", "summary", "context", "memory_type",
		"keywords", "tags", "related_files", "related_entities",
		"importance", "confidence", "access_count", "user_created",
		"embedding", "embedding_model", "is_archived", "superseded_by",
		"created_at", "updated_at", "last_accessed_at", "expires_at"}
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return "SELECT " + strings.Join(cols, ", ")
}

func prefixClause(clause, alias string) string {
	if clause == "1=1" {
		return clause
	}
	clause = strings.ReplaceAll(clause, "namespace", alias+".namespace")
	clause = strings.ReplaceAll(clause, "is_archived", alias+".is_archived")
	clause = strings.ReplaceAll(clause, "expires_at", alias+".expires_at")
	return clause
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryInto(scanner rowScanner, extra ...any) (*Memory, error) {
	var m Memory
	var nsRaw, embRaw, supersededBy string
	var embedding sql.NullString
	var expires sql.NullTime
	var keywords, tags, relatedFiles, relatedEntities string

	dest := []any{
		&m.ID, &nsRaw, &m.Content, &m.Summary, &m.Context, &m.Type,
		&keywords, &tags, &relatedFiles, &relatedEntities,
		&m.Importance, &m.Confidence, &m.AccessCount, &m.UserCreated,
		&embedding, &m.EmbeddingModel, &m.IsArchived, &supersededBy,
		&m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &expires,
	}
	dest = append(dest, extra...)
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}

	ns, err := types.ParseNamespace(nsRaw)
	if err != nil {
		return nil, err
	}
	m.Namespace = ns
	m.SupersededBy = types.ID(supersededBy)
	if expires.Valid {
		t := expires.Time
		m.ExpiresAt = &t
	}
	json.Unmarshal([]byte(keywords), &m.Keywords)
	json.Unmarshal([]byte(tags), &m.Tags)
	json.Unmarshal([]byte(relatedFiles), &m.RelatedFiles)
	json.Unmarshal([]byte(relatedEntities), &m.RelatedEntities)
	if embedding.Valid {
		embRaw = embedding.String
		json.Unmarshal([]byte(embRaw), &m.Embedding)
	}
	return &m, nil
}

func scanMemory(row *sql.Row) (*Memory, error) {
	m, err := scanMemoryInto(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func scanMemoryRows(rows *sql.Rows) (*Memory, error) {
	return scanMemoryInto(rows)
}

func scanMemoryWithScore(rows *sql.Rows) (*Memory, float64, error) {
	var score float64
	m, err := scanMemoryInto(rows, &score)
	if err != nil {
		return nil, 0, err
	}
	return m, score, nil
}

func insertMemoryRow(tx *sql.Tx, m *Memory, hash string) error {
	keywords, _ := json.Marshal(m.Keywords)
	tags, _ := json.Marshal(m.Tags)
	relatedFiles, _ := json.Marshal(m.RelatedFiles)
	relatedEntities, _ := json.Marshal(m.RelatedEntities)
	var embedding any
	if len(m.Embedding) > 0 {
		b, _ := json.Marshal(m.Embedding)
		embedding = string(b)
	}
	_, err := tx.Exec(`INSERT INTO memories (
		id, namespace, content, summary, context, memory_type,
		keywords, tags, related_files, related_entities,
		importance, confidence, access_count, user_created,
		content_hash, embedding, embedding_model, is_archived, superseded_by,
		created_at, updated_at, last_accessed_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.Namespace.String(), m.Content, m.Summary, m.Context, string(m.Type),
		string(keywords), string(tags), string(relatedFiles), string(relatedEntities),
		m.Importance, m.Confidence, m.AccessCount, m.UserCreated,
		hash, embedding, m.EmbeddingModel, m.IsArchived, m.SupersededBy.String(),
		m.CreatedAt, m.UpdatedAt, m.LastAccessedAt, m.ExpiresAt)
	return err
}

func updateMemoryRow(tx *sql.Tx, m *Memory, hash string) error {
	keywords, _ := json.Marshal(m.Keywords)
	tags, _ := json.Marshal(m.Tags)
	relatedFiles, _ := json.Marshal(m.RelatedFiles)
	relatedEntities, _ := json.Marshal(m.RelatedEntities)
	var embedding any
	if len(m.Embedding) > 0 {
		b, _ := json.Marshal(m.Embedding)
		embedding = string(b)
	}
	_, err := tx.Exec(`UPDATE memories SET
		namespace = ?, content = ?, summary = ?, context = ?, memory_type = ?,
		keywords = ?, tags = ?, related_files = ?, related_entities = ?,
		importance = ?, confidence = ?, access_count = ?, user_created = ?,
		content_hash = ?, embedding = ?, embedding_model = ?, is_archived = ?, superseded_by = ?,
		updated_at = ?, last_accessed_at = ?, expires_at = ?
		WHERE id = ?`,
		m.Namespace.String(), m.Content, m.Summary, m.Context, string(m.Type),
		string(keywords), string(tags), string(relatedFiles), string(relatedEntities),
		m.Importance, m.Confidence, m.AccessCount, m.UserCreated,
		hash, embedding, m.EmbeddingModel, m.IsArchived, m.SupersededBy.String(),
		m.UpdatedAt, m.LastAccessedAt, m.ExpiresAt,
		m.ID.String())
	return err
}

func insertLinkRow(tx *sql.Tx, sourceID types.ID, l Link) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO memory_links (
		source_id, target_id, link_type, strength, reason, user_created, created_at, last_traversed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sourceID.String(), l.TargetID.String(), string(l.Type), l.Strength, l.Reason,
		l.UserCreated, l.CreatedAt, l.LastTraversedAt)
	return err
}
