package persistence_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/piefi/oracle/internal/persistence"
	"github.com/piefi/oracle/internal/stage"
)

func TestStore_BackupRestores(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	seedTeam(t, store, "T1", stage.Testing)
	if _, err := store.InsertUpdate(ctx, persistence.Update{TeamID: "T1", Content: "ran the beta", Type: "daily"}); err != nil {
		t.Fatalf("insert update: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backups", "oracle-backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := store.Backup(ctx, dest); err == nil {
		t.Fatal("second backup to the same path should fail")
	}

	restored, err := persistence.Open(dest, nil)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer restored.Close()
	team, err := restored.GetTeam(ctx, "T1")
	if err != nil || team.Stage != stage.Testing {
		t.Fatalf("restored team = %+v, err = %v", team, err)
	}
	updates, err := restored.ListRecentUpdates(ctx, "T1", 5)
	if err != nil || len(updates) != 1 {
		t.Fatalf("restored updates = %+v, err = %v", updates, err)
	}
}
