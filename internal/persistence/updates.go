package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Persisted update types. Callers submit daily, milestone or mentor_meeting.
const (
	UpdateProgress  = "progress"
	UpdateMilestone = "milestone"
	UpdateMeeting   = "meeting"
)

// Update is one append-only progress note.
type Update struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"team_id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UpdateTypeFor maps a submitted update kind onto the persisted enum.
// Unknown kinds are stored as progress.
func UpdateTypeFor(kind string) string {
	switch kind {
	case "milestone":
		return UpdateMilestone
	case "mentor_meeting", "meeting":
		return UpdateMeeting
	default:
		return UpdateProgress
	}
}

// InsertUpdate appends an update and returns its id.
func (s *Store) InsertUpdate(ctx context.Context, u Update) (string, error) {
	if u.TeamID == "" {
		return "", fmt.Errorf("insert update: team id is required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	typ := UpdateTypeFor(u.Type)

	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO updates (id, team_id, content, type, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, u.ID, u.TeamID, u.Content, typ, nullString(u.CreatedBy), u.CreatedAt.UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert update: %w", err)
	}
	return u.ID, nil
}

// ListRecentUpdates returns a team's updates, most recent first.
func (s *Store) ListRecentUpdates(ctx context.Context, teamID string, limit int) ([]Update, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, content, type, COALESCE(created_by, ''), created_at
		FROM updates
		WHERE team_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	var out []Update
	for rows.Next() {
		var u Update
		if err := rows.Scan(&u.ID, &u.TeamID, &u.Content, &u.Type, &u.CreatedBy, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("updates rows: %w", err)
	}
	return out, nil
}
