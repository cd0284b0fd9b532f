package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// DefaultLimit is used when List is called with a non-positive limit.
	DefaultLimit = 50

	// MaxLimit caps the number of rows a single List call returns.
	MaxLimit = 200

	// timeLayout is fixed width so string comparison in SQL orders correctly.
	timeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Entry is one recorded channel value.
type Entry struct {
	ID         int64     `json:"id"`
	ThingID    string    `json:"thing_id"`
	ChannelID  string    `json:"channel_id"`
	Value      any       `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Repository reads and writes channel_state_history rows.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a repository on an open, migrated database.
//
// Parameters:
//   - db: Open SQLite connection
//
// Returns:
//   - *Repository: Repository ready for use
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Record inserts a history entry. A zero ObservedAt is set to now.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - e: Entry to persist; ID is ignored
//
// Returns:
//   - error: Validation error or the underlying database error
func (r *Repository) Record(ctx context.Context, e Entry) error {
	if e.ThingID == "" {
		return ErrMissingThingID
	}
	if e.ChannelID == "" {
		return ErrMissingChannelID
	}
	if e.ObservedAt.IsZero() {
		e.ObservedAt = r.now()
	}

	valueJSON, err := json.Marshal(e.Value)
	if err != nil {
		return fmt.Errorf("marshalling value: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO channel_state_history (thing_id, channel_id, value, unit, observed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.ThingID,
		e.ChannelID,
		string(valueJSON),
		e.Unit,
		formatTime(e.ObservedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting channel history: %w", err)
	}
	return nil
}

// List returns the most recent entries for one channel, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - thingID, channelID: Channel to query
//   - limit: Maximum entries (DefaultLimit when <= 0, capped at MaxLimit)
//
// Returns:
//   - []Entry: Entries ordered by observed_at DESC; empty, never nil
//   - error: Validation error or the underlying query error
func (r *Repository) List(ctx context.Context, thingID, channelID string, limit int) ([]Entry, error) {
	if thingID == "" {
		return nil, ErrMissingThingID
	}
	if channelID == "" {
		return nil, ErrMissingChannelID
	}
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, thing_id, channel_id, value, unit, observed_at
		 FROM channel_state_history
		 WHERE thing_id = ? AND channel_id = ?
		 ORDER BY observed_at DESC, id DESC
		 LIMIT ?`,
		thingID,
		channelID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying channel history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var valueJSON, observedAt string
		if err := rows.Scan(&e.ID, &e.ThingID, &e.ChannelID, &valueJSON, &e.Unit, &observedAt); err != nil {
			return nil, fmt.Errorf("scanning channel history: %w", err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &e.Value); err != nil {
			return nil, fmt.Errorf("unmarshalling value: %w", err)
		}
		if e.ObservedAt, err = time.Parse(timeLayout, observedAt); err != nil {
			return nil, fmt.Errorf("parsing observed_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries observed more than olderThan ago.
//
// Returns:
//   - int64: Number of rows deleted
//   - error: ErrInvalidRetention or the underlying database error
func (r *Repository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidRetention
	}

	cutoff := formatTime(r.now().Add(-olderThan))
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM channel_state_history WHERE observed_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting channel history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
