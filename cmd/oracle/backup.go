package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/piefi/oracle/internal/persistence"
)

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup [dest]",
		Short: "Write a consistent copy of the database",
		Long:  "Write a consistent copy of the database. Safe while the server is running. The default destination is backups/oracle-<timestamp>.db under the home directory.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			dest := filepath.Join(cfg.HomeDir, "backups", "oracle-"+time.Now().UTC().Format("20060102T150405Z")+".db")
			if len(args) == 1 {
				dest = args[0]
			}
			store, err := persistence.Open(cfg.DatabasePath(), nil)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			if err := store.Backup(cmd.Context(), dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", dest)
			return nil
		},
	}
}
