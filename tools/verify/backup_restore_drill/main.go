// Command backup_restore_drill seeds a scratch oracle database, backs it up
// and restores it, then prints the timings and a PASS/FAIL verdict.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/piefi/oracle/internal/persistence"
	"github.com/piefi/oracle/internal/stage"
)

const (
	teams          = 10
	updatesPerTeam = 4
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "oracle-backup-drill-*")
	if err != nil {
		fail("mktemp_error", err)
	}
	defer os.RemoveAll(baseDir)

	store, err := persistence.Open(filepath.Join(baseDir, "oracle.db"), nil)
	if err != nil {
		fail("open_store_error", err)
	}
	defer store.Close()

	stages := stage.All()
	for i := 0; i < teams; i++ {
		id := fmt.Sprintf("drill-%02d", i)
		if err := store.CreateTeam(ctx, persistence.Team{ID: id, Name: "Drill " + id, Stage: stages[i%len(stages)]}); err != nil {
			fail("create_team_error", err)
		}
		for j := 0; j < updatesPerTeam; j++ {
			if _, err := store.InsertUpdate(ctx, persistence.Update{TeamID: id, Content: fmt.Sprintf("update %d", j), Type: "daily"}); err != nil {
				fail("insert_update_error", err)
			}
		}
		if _, err := store.InsertOracleLog(ctx, persistence.OracleLog{Query: "drill", Response: "ok", Role: "builder", TeamID: id}); err != nil {
			fail("insert_log_error", err)
		}
	}

	backupPath := filepath.Join(baseDir, "backup.db")
	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fail("backup_error", err)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath, nil)
	if err != nil {
		fail("open_restore_error", err)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	restoredTeams, err := restored.ListTeams(ctx)
	if err != nil {
		fail("list_teams_error", err)
	}
	var updateCount, logCount int
	for _, t := range restoredTeams {
		u, err := restored.ListRecentUpdates(ctx, t.ID, updatesPerTeam+1)
		if err != nil {
			fail("list_updates_error", err)
		}
		updateCount += len(u)
	}
	logs, err := restored.ListOracleLogs(ctx, "", 500)
	if err != nil {
		fail("list_logs_error", err)
	}
	logCount = len(logs)

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_teams=%d\n", len(restoredTeams))
	fmt.Printf("restored_updates=%d\n", updateCount)
	fmt.Printf("restored_oracle_logs=%d\n", logCount)

	if len(restoredTeams) != teams || updateCount != teams*updatesPerTeam || logCount != teams {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func fail(key string, err error) {
	fmt.Printf("%s=%v\n", key, err)
	os.Exit(1)
}
