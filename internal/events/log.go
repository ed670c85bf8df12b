package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// Log is the durable, append-only event store. It owns the events table on
// the shared database handle.
type Log struct {
	db *sql.DB
}

const logSchema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	instance_id TEXT,
	kind TEXT NOT NULL,
	payload TEXT,
	timestamp DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`

// NewLog creates the event log, migrating its table if needed.
func NewLog(db *sql.DB) (*Log, error) {
	if _, err := db.Exec(logSchema); err != nil {
		return nil, types.WrapError(types.STORAGE_OPEN_FAILED, "create events table", err)
	}
	return &Log{db: db}, nil
}

// Append stores one event. Duplicate ids are ignored so a restarted
// persistence actor can replay its backlog without doubling rows.
func (l *Log) Append(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return types.WrapError(types.VALIDATION_FAILED, "event payload not serializable", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, instance_id, kind, payload, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, ev.ID.String(), ev.InstanceID, string(ev.Kind), string(payload), ev.Timestamp)
	if err != nil {
		return types.WrapRetryable(types.STORAGE_WRITE_FAILED, "append event", err)
	}
	return nil
}

// Since returns events at or after the given time, oldest first, optionally
// restricted to one kind. limit <= 0 means no limit.
func (l *Log) Since(ctx context.Context, since time.Time, kind Kind, limit int) ([]Event, error) {
	q := `SELECT id, instance_id, kind, payload, timestamp FROM events WHERE timestamp >= ?`
	args := []any{since}
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY timestamp ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, types.WrapRetryable(types.STORAGE_QUERY_FAILED, "query events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var id, kindStr, payload string
		var instance sql.NullString
		if err := rows.Scan(&id, &instance, &kindStr, &payload, &ev.Timestamp); err != nil {
			continue
		}
		ev.ID = types.ID(id)
		ev.Kind = Kind(kindStr)
		if instance.Valid {
			ev.InstanceID = instance.String
		}
		if payload != "" && payload != "null" {
			_ = json.Unmarshal([]byte(payload), &ev.Payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count returns the number of persisted events.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}
