package evolution

import (
	"context"
	"math"
	"time"

	"github.com/mnemosyne-dev/mnemosyne/internal/config"
	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

const (
	// Link decay tuning.
	decayIdle     = 30 * 24 * time.Hour
	decayFactor   = 0.9
	strengthFloor = 0.05

	// Archival thresholds.
	archiveAge           = 90 * 24 * time.Hour
	archiveMaxAccess     = 2
	archiveMaxImportance = 3

	// Importance smoothing: how much one run may move a memory toward its
	// recomputed target. Small values damp oscillation between runs.
	importanceSmoothing = 0.3
)

// importanceJob recomputes importance from observed usage: access counts,
// recency, how many other memories link in, and the user-created flag.
type importanceJob struct {
	store *memory.Store
	cfg   config.JobConfig
}

func (j *importanceJob) Name() string { return "importance_recalibration" }

func (j *importanceJob) Run(ctx context.Context) (Report, error) {
	ctx, cancel := deadlineFor(ctx, j.cfg)
	defer cancel()

	var report Report
	batch, err := j.store.ListMemories(ctx, memory.SearchOptions{Limit: j.cfg.BatchSize})
	if err != nil {
		return report, err
	}

	now := time.Now().UTC()
	db := j.store.DB()
	for _, m := range batch {
		if ctx.Err() != nil {
			// Deadline reached: yield, the next tick resumes.
			break
		}
		report.MemoriesProcessed++

		var inbound int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM memory_links WHERE target_id = ?`, m.ID.String()).Scan(&inbound); err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}

		target := importanceTarget(m, inbound, now)
		smoothed := float64(m.Importance) + importanceSmoothing*(target-float64(m.Importance))
		next := memory.ClampImportance(int(math.Round(smoothed)))
		if next == m.Importance {
			continue
		}

		if _, err := db.ExecContext(ctx,
			`UPDATE memories SET importance = ? WHERE id = ?`, next, m.ID.String()); err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.ChangesMade++
	}
	return report, nil
}

// importanceTarget maps usage evidence onto the 1..10 scale.
func importanceTarget(m *memory.Memory, inbound int, now time.Time) float64 {
	access := float64(m.AccessCount) / (float64(m.AccessCount) + 10.0)
	ageDays := now.Sub(m.LastAccessedAt).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Exp(-ageDays / 30.0)
	links := float64(inbound) / (float64(inbound) + 3.0)

	target := 1.0 + 4.0*access + 2.0*recency + 2.0*links
	if m.UserCreated {
		target += 1.0
	}
	return target
}

// linkDecayJob weakens links that have not been traversed recently and
// drops the ones that fall below the floor. User-created links are spared.
type linkDecayJob struct {
	store *memory.Store
	cfg   config.JobConfig
}

func (j *linkDecayJob) Name() string { return "link_decay" }

func (j *linkDecayJob) Run(ctx context.Context) (Report, error) {
	ctx, cancel := deadlineFor(ctx, j.cfg)
	defer cancel()

	var report Report
	cutoff := time.Now().UTC().Add(-decayIdle)
	db := j.store.DB()

	rows, err := db.QueryContext(ctx,
		`SELECT source_id, target_id, link_type, strength FROM memory_links
		 WHERE user_created = 0 AND COALESCE(last_traversed_at, created_at) < ?
		 LIMIT ?`, cutoff, j.cfg.BatchSize)
	if err != nil {
		return report, err
	}
	type stale struct {
		source, target, linkType string
		strength                 float64
	}
	var candidates []stale
	for rows.Next() {
		var c stale
		if err := rows.Scan(&c.source, &c.target, &c.linkType, &c.strength); err != nil {
			rows.Close()
			return report, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, err
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		report.MemoriesProcessed++
		next := c.strength * decayFactor
		if next < strengthFloor {
			_, err = db.ExecContext(ctx,
				`DELETE FROM memory_links WHERE source_id = ? AND target_id = ? AND link_type = ?`,
				c.source, c.target, c.linkType)
		} else {
			_, err = db.ExecContext(ctx,
				`UPDATE memory_links SET strength = ? WHERE source_id = ? AND target_id = ? AND link_type = ?`,
				next, c.source, c.target, c.linkType)
		}
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.ChangesMade++
	}
	return report, nil
}

// archivalJob soft-deletes memories that are old, unimportant and unused.
// Archival is reversible; nothing is ever hard-deleted here.
type archivalJob struct {
	store *memory.Store
	cfg   config.JobConfig
}

func (j *archivalJob) Name() string { return "archival" }

func (j *archivalJob) Run(ctx context.Context) (Report, error) {
	ctx, cancel := deadlineFor(ctx, j.cfg)
	defer cancel()

	var report Report
	cutoff := time.Now().UTC().Add(-archiveAge)

	rows, err := j.store.DB().QueryContext(ctx,
		`SELECT id FROM memories
		 WHERE is_archived = 0 AND user_created = 0
		   AND importance <= ? AND access_count <= ? AND last_accessed_at < ?
		 LIMIT ?`,
		archiveMaxImportance, archiveMaxAccess, cutoff, j.cfg.BatchSize)
	if err != nil {
		return report, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return report, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		report.MemoriesProcessed++
		if err := j.store.ArchiveMemory(ctx, types.ID(id), ""); err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.ChangesMade++
	}
	return report, nil
}
