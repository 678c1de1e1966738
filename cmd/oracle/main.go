package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/piefi/oracle/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3.0-dev"

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "oracle",
		Short: "PieFi Oracle: stage classification and feedback for program teams",
		Long: `The oracle classifies team updates into a venture stage, writes feedback
and suggested actions, and keeps each team's status current.

Run "oracle serve" to start the HTTP API. The other commands work offline
against the local database or the running server.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("home", "", "data directory (default $ORACLE_HOME or ~/.piefi-oracle)")

	root.AddCommand(
		newServeCmd(),
		newClassifyCmd(),
		newCoerceCmd(),
		newStatusCmd(),
		newSeedCmd(),
		newDoctorCmd(),
		newBackupCmd(),
	)
	return root
}

// loadConfig honours --home, falling back to ORACLE_HOME and the default.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	home, _ := cmd.Flags().GetString("home")
	if home == "" {
		return config.Load()
	}
	return config.LoadFrom(home)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// loadDotEnv sets variables from a KEY=VALUE file without overriding the
// environment. A missing or unreadable file is ignored.
func loadDotEnv(path string) {
	_ = godotenv.Load(path)
}
