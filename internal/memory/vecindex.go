package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	sqlite_vec.Auto()
}

// execer is satisfied by both *sql.DB and *sql.Tx so vec index writes can
// join the canonical row's transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// vecIndex manages the sqlite-vec KNN index. If the extension fails to load
// all operations are no-ops and search falls back to a linear cosine scan.
type vecIndex struct {
	db         *sql.DB
	dimensions int
	available  bool
}

type vecResult struct {
	MemoryID string
	Distance float64
}

func newVecIndex(db *sql.DB, dimensions int, logger *slog.Logger) *vecIndex {
	vi := &vecIndex{db: db, dimensions: dimensions}
	if err := vi.ensureSchema(); err != nil {
		logger.Warn("sqlite-vec unavailable, vector search uses linear scan", "error", err)
		vi.available = false
	} else {
		vi.available = true
	}
	return vi
}

func (vi *vecIndex) ensureSchema() error {
	var vecVersion string
	if err := vi.db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		return fmt.Errorf("vec_version() failed: %w", err)
	}

	if _, err := vi.db.Exec(`CREATE TABLE IF NOT EXISTS vec_metadata (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return fmt.Errorf("failed to create vec_metadata: %w", err)
	}

	// vec0 requires integer rowids; memories use uuid text ids.
	if _, err := vi.db.Exec(`CREATE TABLE IF NOT EXISTS memory_vec_ids (
		vec_id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id TEXT UNIQUE NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create vec id mapping: %w", err)
	}

	vi.handleDimensionChange()

	createSQL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_embeddings USING vec0(embedding float[%d] distance_metric=cosine)`,
		vi.dimensions,
	)
	if _, err := vi.db.Exec(createSQL); err != nil {
		return fmt.Errorf("failed to create vec0 table: %w", err)
	}

	vi.db.Exec(`INSERT OR REPLACE INTO vec_metadata (key, value) VALUES ('dimensions', ?)`,
		fmt.Sprintf("%d", vi.dimensions))
	return nil
}

// handleDimensionChange drops the vec0 table when the embedder dimensions
// changed since the last run (e.g. switching local -> API embeddings).
func (vi *vecIndex) handleDimensionChange() {
	var stored string
	if err := vi.db.QueryRow(`SELECT value FROM vec_metadata WHERE key = 'dimensions'`).Scan(&stored); err != nil {
		return
	}
	if stored == fmt.Sprintf("%d", vi.dimensions) {
		return
	}
	vi.db.Exec(`DROP TABLE IF EXISTS memory_embeddings`)
	vi.db.Exec(`DELETE FROM memory_vec_ids`)
}

// insert adds or replaces a memory's embedding, running on tx when the call
// is part of a larger atomic write.
func (vi *vecIndex) insert(tx execer, memoryID string, embedding []float32) error {
	if !vi.available || len(embedding) == 0 || len(embedding) != vi.dimensions {
		return nil
	}

	var vecID int64
	err := tx.QueryRow(`SELECT vec_id FROM memory_vec_ids WHERE memory_id = ?`, memoryID).Scan(&vecID)
	if err == sql.ErrNoRows {
		result, err := tx.Exec(`INSERT INTO memory_vec_ids (memory_id) VALUES (?)`, memoryID)
		if err != nil {
			return fmt.Errorf("failed to create vec id mapping: %w", err)
		}
		vecID, _ = result.LastInsertId()
	} else if err != nil {
		return err
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}

	// vec0 has no ON CONFLICT; delete first.
	tx.Exec(`DELETE FROM memory_embeddings WHERE rowid = ?`, vecID)
	if _, err := tx.Exec(`INSERT INTO memory_embeddings (rowid, embedding) VALUES (?, ?)`, vecID, blob); err != nil {
		return fmt.Errorf("failed to insert into vec0: %w", err)
	}
	return nil
}

func (vi *vecIndex) delete(tx execer, memoryID string) error {
	if !vi.available {
		return nil
	}
	var vecID int64
	if err := tx.QueryRow(`SELECT vec_id FROM memory_vec_ids WHERE memory_id = ?`, memoryID).Scan(&vecID); err != nil {
		return nil
	}
	tx.Exec(`DELETE FROM memory_embeddings WHERE rowid = ?`, vecID)
	tx.Exec(`DELETE FROM memory_vec_ids WHERE vec_id = ?`, vecID)
	return nil
}

// search performs a KNN query and returns memory ids with cosine distances.
func (vi *vecIndex) search(queryEmbedding []float32, limit int) ([]vecResult, error) {
	if !vi.available {
		return nil, fmt.Errorf("vec index not available")
	}

	blob, err := sqlite_vec.SerializeFloat32(queryEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}

	rows, err := vi.db.Query(`
		SELECT rowid, distance
		FROM memory_embeddings
		WHERE embedding MATCH ?
		ORDER BY distance
		LIMIT ?
	`, blob, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type rowResult struct {
		rowID    int64
		distance float64
	}
	var rowResults []rowResult
	for rows.Next() {
		var r rowResult
		if err := rows.Scan(&r.rowID, &r.distance); err != nil {
			continue
		}
		rowResults = append(rowResults, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rowResults) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(rowResults))
	args := make([]any, len(rowResults))
	for i, rr := range rowResults {
		placeholders[i] = "?"
		args[i] = rr.rowID
	}

	mapRows, err := vi.db.Query(
		`SELECT vec_id, memory_id FROM memory_vec_ids WHERE vec_id IN (`+strings.Join(placeholders, ",")+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer mapRows.Close()

	idMap := make(map[int64]string)
	for mapRows.Next() {
		var vecID int64
		var memID string
		if err := mapRows.Scan(&vecID, &memID); err != nil {
			continue
		}
		idMap[vecID] = memID
	}

	var results []vecResult
	for _, rr := range rowResults {
		if memID, ok := idMap[rr.rowID]; ok {
			results = append(results, vecResult{MemoryID: memID, Distance: rr.distance})
		}
	}
	return results, nil
}
