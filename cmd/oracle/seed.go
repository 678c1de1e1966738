package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piefi/oracle/internal/persistence"
	"github.com/piefi/oracle/internal/stage"
)

// seedFile is the YAML layout accepted by "oracle seed".
type seedFile struct {
	Teams []struct {
		ID          string   `yaml:"id"`
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		Stage       string   `yaml:"stage"`
		Tags        []string `yaml:"tags"`
		MentorID    string   `yaml:"mentor_id"`
		Members     []struct {
			UserID string `yaml:"user_id"`
			Role   string `yaml:"role"`
		} `yaml:"members"`
		Tasks []string `yaml:"tasks"`
	} `yaml:"teams"`

	Profiles []struct {
		UserID string   `yaml:"user_id"`
		Name   string   `yaml:"name"`
		Role   string   `yaml:"role"`
		Bio    string   `yaml:"bio"`
		Skills []string `yaml:"skills"`
	} `yaml:"profiles"`

	Documents []struct {
		ID             string         `yaml:"id"`
		Title          string         `yaml:"title"`
		Content        string         `yaml:"content"`
		SourceType     string         `yaml:"source_type"`
		RoleVisibility []string       `yaml:"role_visibility"`
		Metadata       map[string]any `yaml:"metadata"`
	} `yaml:"documents"`
}

type seedResult struct {
	Teams        int
	TeamsSkipped int
	Profiles     int
	Documents    int
}

// seedStore is the write side "oracle seed" needs.
type seedStore interface {
	GetTeam(ctx context.Context, teamID string) (*persistence.Team, error)
	CreateTeam(ctx context.Context, t persistence.Team) error
	UpsertProfile(ctx context.Context, p persistence.Profile) error
	InsertDocument(ctx context.Context, d persistence.Document) (string, error)
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load teams, profiles and knowledge-base documents from YAML",
		Long: `Load seed data into the local database. Existing teams are left alone;
profiles and documents with an id are upserted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			sf, err := readSeedFile(args[0])
			if err != nil {
				return err
			}
			store, err := persistence.Open(cfg.DatabasePath(), nil)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			res, err := applySeed(cmd.Context(), store, sf)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d teams (%d already present), %d profiles, %d documents\n",
				res.Teams, res.TeamsSkipped, res.Profiles, res.Documents)
			return nil
		},
	}
}

func readSeedFile(path string) (seedFile, error) {
	var sf seedFile
	data, err := os.ReadFile(path)
	if err != nil {
		return sf, fmt.Errorf("read seed file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return sf, fmt.Errorf("parse seed file: %w", err)
	}
	return sf, nil
}

func applySeed(ctx context.Context, store seedStore, sf seedFile) (seedResult, error) {
	var res seedResult
	for _, t := range sf.Teams {
		if _, err := store.GetTeam(ctx, t.ID); err == nil {
			res.TeamsSkipped++
			continue
		} else if !errors.Is(err, persistence.ErrNotFound) {
			return res, fmt.Errorf("team %s: %w", t.ID, err)
		}
		team := persistence.Team{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Tags:        t.Tags,
			MentorID:    t.MentorID,
		}
		if t.Stage != "" {
			st, ok := stage.Parse(t.Stage)
			if !ok {
				return res, fmt.Errorf("team %s: unknown stage %q", t.ID, t.Stage)
			}
			team.Stage = st
		}
		for _, m := range t.Members {
			team.Members = append(team.Members, persistence.Member{UserID: m.UserID, Role: m.Role})
		}
		for _, title := range t.Tasks {
			team.Tasks = append(team.Tasks, persistence.TeamTask{Title: title})
		}
		if err := store.CreateTeam(ctx, team); err != nil {
			return res, fmt.Errorf("team %s: %w", t.ID, err)
		}
		res.Teams++
	}

	for _, p := range sf.Profiles {
		if err := store.UpsertProfile(ctx, persistence.Profile{
			UserID: p.UserID,
			Name:   p.Name,
			Role:   p.Role,
			Bio:    p.Bio,
			Skills: p.Skills,
		}); err != nil {
			return res, fmt.Errorf("profile %s: %w", p.UserID, err)
		}
		res.Profiles++
	}

	for i, d := range sf.Documents {
		if len(d.RoleVisibility) == 0 {
			return res, fmt.Errorf("document %d (%s): role_visibility is required", i, d.Title)
		}
		if _, err := store.InsertDocument(ctx, persistence.Document{
			ID:             d.ID,
			Title:          d.Title,
			Content:        d.Content,
			SourceType:     d.SourceType,
			RoleVisibility: d.RoleVisibility,
			Metadata:       d.Metadata,
		}); err != nil {
			return res, fmt.Errorf("document %d (%s): %w", i, d.Title, err)
		}
		res.Documents++
	}
	return res, nil
}
