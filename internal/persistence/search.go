package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Document source types.
const (
	SourceKnowledge = "knowledge"
	SourceResource  = "resource"
)

// Document is a knowledge-base entry visible to the roles in RoleVisibility.
type Document struct {
	ID             string         `json:"id"`
	Title          string         `json:"title,omitempty"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SourceType     string         `json:"source_type"`
	RoleVisibility []string       `json:"role_visibility"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Profile is a program participant that can be suggested or mentioned.
type Profile struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Bio       string    `json:"bio,omitempty"`
	Skills    []string  `json:"skills,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentQuery selects documents for a caller. Role is mandatory: only
// documents whose role_visibility contains it are returned.
type DocumentQuery struct {
	Role       string
	Terms      []string
	SourceType string // empty matches every source type
	Limit      int
}

func (s *Store) InsertDocument(ctx context.Context, d Document) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.SourceType == "" {
		d.SourceType = SourceKnowledge
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	meta := d.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal document metadata: %w", err)
	}
	roles, err := json.Marshal(nonNil(d.RoleVisibility))
	if err != nil {
		return "", fmt.Errorf("marshal role visibility: %w", err)
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO documents (id, title, content, metadata, source_type, role_visibility, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				content = excluded.content,
				metadata = excluded.metadata,
				source_type = excluded.source_type,
				role_visibility = excluded.role_visibility;
		`, d.ID, d.Title, d.Content, string(metaJSON), d.SourceType, string(roles), d.CreatedAt.UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return d.ID, nil
}

// SearchDocuments returns documents containing any of the terms, most
// matching terms first. No terms yields no rows.
func (s *Store) SearchDocuments(ctx context.Context, q DocumentQuery) ([]Document, error) {
	if q.Role == "" {
		return nil, fmt.Errorf("search documents: role is required")
	}
	if len(q.Terms) == 0 {
		return nil, nil
	}
	if q.Limit <= 0 {
		q.Limit = 3
	}

	m, hitArgs := anyTermMatch(q.Terms, "content", "title")
	var b strings.Builder
	args := make([]any, 0, 2*len(hitArgs)+3)
	b.WriteString(`SELECT id, title, content, metadata, source_type, role_visibility, created_at, (`)
	b.WriteString(m.score)
	b.WriteString(`) AS hits FROM documents
		WHERE EXISTS (SELECT 1 FROM json_each(documents.role_visibility) WHERE json_each.value = ?)
		AND (`)
	b.WriteString(m.where)
	b.WriteString(`)`)
	args = append(args, hitArgs...)
	args = append(args, q.Role)
	args = append(args, hitArgs...)
	if q.SourceType != "" {
		b.WriteString(` AND source_type = ?`)
		args = append(args, q.SourceType)
	}
	b.WriteString(` ORDER BY hits DESC, created_at DESC LIMIT ?;`)
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			d           Document
			meta, roles string
			hits        int
		)
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &meta, &d.SourceType, &roles, &d.CreatedAt, &hits); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
			return nil, fmt.Errorf("decode document metadata: %w", err)
		}
		if err := json.Unmarshal([]byte(roles), &d.RoleVisibility); err != nil {
			return nil, fmt.Errorf("decode role visibility: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("documents rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p Profile) error {
	if p.UserID == "" || p.Name == "" {
		return fmt.Errorf("upsert profile: user id and name are required")
	}
	if p.Role == "" {
		p.Role = "builder"
	}
	skills, err := json.Marshal(nonNil(p.Skills))
	if err != nil {
		return fmt.Errorf("marshal skills: %w", err)
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO profiles (user_id, name, role, bio, skills, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				name = excluded.name,
				role = excluded.role,
				bio = excluded.bio,
				skills = excluded.skills,
				updated_at = excluded.updated_at;
		`, p.UserID, p.Name, p.Role, p.Bio, string(skills), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("upsert profile: %w", err)
		}
		return nil
	})
}

// SearchProfiles matches terms against name, bio and skills, never
// returning excludeUserID.
func (s *Store) SearchProfiles(ctx context.Context, terms []string, excludeUserID string, limit int) ([]Profile, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	m, termArgs := anyTermMatch(terms, "name", "bio", "skills")
	query := `SELECT user_id, name, role, bio, skills, updated_at, (` + m.score + `) AS hits
		FROM profiles WHERE user_id != ? AND (` + m.where + `)
		ORDER BY hits DESC, name LIMIT ?;`
	args := make([]any, 0, 2*len(termArgs)+2)
	args = append(args, termArgs...)
	args = append(args, excludeUserID)
	args = append(args, termArgs...)
	args = append(args, limit)
	return s.queryProfiles(ctx, query, args...)
}

// SearchMentions matches names (typically @handles from the note) against
// profile names.
func (s *Store) SearchMentions(ctx context.Context, names []string, limit int) ([]Profile, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}
	m, termArgs := anyTermMatch(names, "name", "user_id")
	query := `SELECT user_id, name, role, bio, skills, updated_at, (` + m.score + `) AS hits
		FROM profiles WHERE ` + m.where + `
		ORDER BY hits DESC, name LIMIT ?;`
	args := make([]any, 0, 2*len(termArgs)+1)
	args = append(args, termArgs...)
	args = append(args, termArgs...)
	args = append(args, limit)
	return s.queryProfiles(ctx, query, args...)
}

func (s *Store) queryProfiles(ctx context.Context, query string, args ...any) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var (
			p      Profile
			skills string
			hits   int
		)
		if err := rows.Scan(&p.UserID, &p.Name, &p.Role, &p.Bio, &skills, &p.UpdatedAt, &hits); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		if err := json.Unmarshal([]byte(skills), &p.Skills); err != nil {
			return nil, fmt.Errorf("decode skills: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profiles rows: %w", err)
	}
	return out, nil
}

type termMatch struct {
	where string // OR of every term over every column
	score string // number of terms that hit any column
}

// anyTermMatch builds OR-of-terms LIKE clauses over cols. The returned
// args bind one pattern per term per column and are used once for score
// and once for where.
func anyTermMatch(terms []string, cols ...string) (termMatch, []any) {
	var where, score []string
	var args []any
	for _, t := range terms {
		pat := likePattern(t)
		var perTerm []string
		for _, c := range cols {
			perTerm = append(perTerm, "LOWER("+c+") LIKE ? ESCAPE '\\'")
			args = append(args, pat)
		}
		clause := "(" + strings.Join(perTerm, " OR ") + ")"
		where = append(where, clause)
		score = append(score, "(CASE WHEN "+clause+" THEN 1 ELSE 0 END)")
	}
	return termMatch{
		where: strings.Join(where, " OR "),
		score: strings.Join(score, " + "),
	}, args
}

func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(term)) + "%"
}
