package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/piefi/oracle/internal/stage"
)

func newClassifyCmd() *cobra.Command {
	var (
		current string
		history []string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "classify <note>",
		Short: "Score a note with the offline keyword classifier",
		Long: `Run the keyword stage scorer on a note without calling a model or
touching the database. Earlier updates can be supplied with --history,
most recent first.`,
		Example: `  oracle classify "shipped the MVP to 20 beta users"
  oracle classify --current testing --history "fixed onboarding bugs" "launching on product hunt friday"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cur stage.Stage
			if current != "" {
				s, ok := stage.Parse(current)
				if !ok {
					return fmt.Errorf("unknown stage %q (want one of %s)", current, stageList())
				}
				cur = s
			}
			res := stage.Score(strings.Join(args, " "), history, cur)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			styled := isTerminal(out)
			rows := []row{
				{"stage", renderStage(res.Stage, styled)},
				{"confidence", fmt.Sprintf("%.2f", res.Confidence)},
				{"reasoning", res.Reasoning},
			}
			for _, s := range stage.All() {
				rows = append(rows, row{"  " + string(s), fmt.Sprintf("%.2f", res.Scores[s])})
			}
			printReport(out, styled, "Keyword classification", rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&current, "current", "", "team's currently recorded stage")
	cmd.Flags().StringSliceVar(&history, "history", nil, "earlier update texts, most recent first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newCoerceCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "coerce <text>",
		Short:   "Map free-form stage text onto a canonical stage",
		Example: `  oracle coerce "SCALE-UP!!"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			s := stage.Coerce(strings.Join(args, " "))
			fmt.Fprintln(out, renderStage(s, isTerminal(out)))
			return nil
		},
	}
}

func stageList() string {
	names := make([]string, 0, len(stage.All()))
	for _, s := range stage.All() {
		names = append(names, string(s))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
