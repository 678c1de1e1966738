package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/piefi/oracle/internal/bus"
	"github.com/piefi/oracle/internal/stage"
)

// Team is a program team with its embedded members, tasks and status.
type Team struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Stage       stage.Stage `json:"stage"`
	Tags        []string    `json:"tags"`
	MentorID    string      `json:"mentor_id,omitempty"`
	AccessCode  string      `json:"-"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Members     []Member    `json:"members,omitempty"`
	Tasks       []TeamTask  `json:"tasks,omitempty"`
	Status      *TeamStatus `json:"status,omitempty"`
}

type Member struct {
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

type TeamTask struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

// TeamStatus is the single current-status row of a team. Each write fully
// replaces the previous one.
type TeamStatus struct {
	TeamID         string    `json:"team_id"`
	Summary        string    `json:"summary"`
	PendingActions []string  `json:"pending_actions"`
	LastUpdateAt   time.Time `json:"last_update_at"`
}

// CreateTeam inserts a team and its members in one transaction.
func (s *Store) CreateTeam(ctx context.Context, t Team) error {
	if t.ID == "" || t.Name == "" {
		return fmt.Errorf("create team: id and name are required")
	}
	if t.Stage == "" {
		t.Stage = stage.Ideation
	}
	if !t.Stage.Valid() {
		return fmt.Errorf("create team: invalid stage %q", t.Stage)
	}
	tags, err := json.Marshal(nonNil(t.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	now := time.Now().UTC()

	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create team: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO teams (id, name, description, stage, tags, mentor_id, access_code, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.Name, t.Description, string(t.Stage), string(tags),
			nullString(t.MentorID), nullString(t.AccessCode), now, now); err != nil {
			return fmt.Errorf("insert team: %w", err)
		}
		for _, m := range t.Members {
			role := m.Role
			if role == "" {
				role = "builder"
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(team_id, user_id) DO UPDATE SET role = excluded.role;
			`, t.ID, m.UserID, role, now); err != nil {
				return fmt.Errorf("insert team member: %w", err)
			}
		}
		for _, task := range t.Tasks {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO team_tasks (team_id, title, done, created_at) VALUES (?, ?, ?, ?);
			`, t.ID, task.Title, boolToInt(task.Done), now); err != nil {
				return fmt.Errorf("insert team task: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create team: %w", err)
		}
		return nil
	})
}

// GetTeam loads a team with members, tasks and status. Returns ErrNotFound
// when the team does not exist.
func (s *Store) GetTeam(ctx context.Context, teamID string) (*Team, error) {
	var (
		t        Team
		stageRaw string
		tagsRaw  string
		mentor   sql.NullString
		code     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, stage, tags, mentor_id, access_code, created_at, updated_at
		FROM teams WHERE id = ?;
	`, teamID).Scan(&t.ID, &t.Name, &t.Description, &stageRaw, &tagsRaw, &mentor, &code, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get team: %w", err)
	}
	t.Stage = stage.Stage(stageRaw)
	t.MentorID = mentor.String
	t.AccessCode = code.String
	if err := json.Unmarshal([]byte(tagsRaw), &t.Tags); err != nil {
		return nil, fmt.Errorf("decode team tags: %w", err)
	}

	if t.Members, err = s.listMembers(ctx, teamID); err != nil {
		return nil, err
	}
	if t.Tasks, err = s.listTasks(ctx, teamID); err != nil {
		return nil, err
	}
	status, err := s.GetTeamStatus(ctx, teamID)
	switch {
	case err == nil:
		t.Status = status
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return &t, nil
}

// ListTeams returns all teams without their embedded relations.
func (s *Store) ListTeams(ctx context.Context) ([]Team, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, stage, created_at, updated_at FROM teams ORDER BY name;
	`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var out []Team
	for rows.Next() {
		var t Team
		var st string
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &st, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		t.Stage = stage.Stage(st)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("teams rows: %w", err)
	}
	return out, nil
}

func (s *Store) listMembers(ctx context.Context, teamID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, role, joined_at FROM team_members WHERE team_id = ? ORDER BY joined_at, user_id;
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) listTasks(ctx context.Context, teamID string) ([]TeamTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, done, created_at FROM team_tasks WHERE team_id = ? ORDER BY id;
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team tasks: %w", err)
	}
	defer rows.Close()
	var out []TeamTask
	for rows.Next() {
		var task TeamTask
		var done int
		if err := rows.Scan(&task.ID, &task.Title, &done, &task.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan team task: %w", err)
		}
		task.Done = done != 0
		out = append(out, task)
	}
	return out, rows.Err()
}

// SetTeamStage moves the team to next if it differs from the stored stage.
// It reports whether a change was written and the previous stage, and
// publishes team.stage_changed after commit.
func (s *Store) SetTeamStage(ctx context.Context, teamID string, next stage.Stage) (changed bool, prev stage.Stage, err error) {
	if !next.Valid() {
		return false, "", fmt.Errorf("set team stage: invalid stage %q", next)
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin set stage: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var cur string
		if err := tx.QueryRowContext(ctx, `SELECT stage FROM teams WHERE id = ?;`, teamID).Scan(&cur); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read team stage: %w", err)
		}
		prev = stage.Stage(cur)
		if prev == next {
			changed = false
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE teams SET stage = ?, updated_at = ? WHERE id = ?;
		`, string(next), time.Now().UTC(), teamID); err != nil {
			return fmt.Errorf("update team stage: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit set stage: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, prev, err
	}
	if changed {
		s.publish(bus.TopicTeamStageChanged, bus.TeamStageChanged{
			TeamID:   teamID,
			OldStage: string(prev),
			NewStage: string(next),
		})
	}
	return changed, prev, nil
}

// UpsertTeamStatus replaces the team's status row (last write wins).
func (s *Store) UpsertTeamStatus(ctx context.Context, st TeamStatus) error {
	actions, err := json.Marshal(nonNil(st.PendingActions))
	if err != nil {
		return fmt.Errorf("marshal pending actions: %w", err)
	}
	if st.LastUpdateAt.IsZero() {
		st.LastUpdateAt = time.Now().UTC()
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO team_status (team_id, summary, pending_actions, last_update_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(team_id) DO UPDATE SET
				summary = excluded.summary,
				pending_actions = excluded.pending_actions,
				last_update_at = excluded.last_update_at;
		`, st.TeamID, st.Summary, string(actions), st.LastUpdateAt.UTC())
		if err != nil {
			return fmt.Errorf("upsert team status: %w", err)
		}
		return nil
	})
}

func (s *Store) GetTeamStatus(ctx context.Context, teamID string) (*TeamStatus, error) {
	var (
		st      TeamStatus
		actions string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT team_id, summary, pending_actions, last_update_at FROM team_status WHERE team_id = ?;
	`, teamID).Scan(&st.TeamID, &st.Summary, &actions, &st.LastUpdateAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get team status: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &st.PendingActions); err != nil {
		return nil, fmt.Errorf("decode pending actions: %w", err)
	}
	return &st, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
