package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/piefi/oracle/internal/config"
	"github.com/piefi/oracle/internal/doctor"
)

var errDoctorFailed = errors.New("one or more checks failed")

func newDoctorCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, credentials, database and network before serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfgPtr *config.Config
			if cfg, err := loadConfig(cmd); err == nil {
				cfgPtr = &cfg
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "config load: %v\n", err)
			}
			d := doctor.Run(cmd.Context(), cfgPtr, Version)
			if err := printDiagnosis(cmd.OutOrStdout(), d, asJSON); err != nil {
				return err
			}
			if d.Failed() {
				return errDoctorFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the diagnosis as JSON")
	return cmd
}

var statusStyles = map[string]lipgloss.Style{
	doctor.Pass: okStyle,
	doctor.Warn: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
	doctor.Fail: badStyle,
	doctor.Skip: labelStyle.Width(0),
}

func printDiagnosis(w io.Writer, d doctor.Diagnosis, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}
	styled := isTerminal(w)
	rows := make([]row, 0, len(d.Results))
	for _, r := range d.Results {
		status := r.Status
		if styled {
			status = statusStyles[r.Status].Render(r.Status)
		}
		value := status + " " + r.Message
		if r.Detail != "" {
			value += " (" + r.Detail + ")"
		}
		rows = append(rows, row{r.Name, value})
	}
	title := fmt.Sprintf("Oracle doctor %s (%s/%s, %s)", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
	printReport(w, styled, title, rows)
	return nil
}
