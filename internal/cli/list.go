package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/contentloop/internal/store"
)

var listStatus string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List A/B experiments",
	Long:  `List A/B experiments with their status and outcome.`,
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "only show running or completed experiments")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	var status store.ExperimentStatus
	switch listStatus {
	case "":
	case string(store.ExperimentRunning), string(store.ExperimentCompleted):
		status = store.ExperimentStatus(listStatus)
	default:
		return fmt.Errorf("invalid status: must be 'running' or 'completed'")
	}

	return withStore(func(s *store.SQLiteStore) error {
		exps, err := s.ListExperiments(cmd.Context(), status, 0)
		if err != nil {
			return fmt.Errorf("failed to list experiments: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(exps) == 0 {
			fmt.Fprintln(out, "No experiments yet.")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Create one with:")
			fmt.Fprintln(out, "  contentloop create <name> --content <content-id>")
			return nil
		}

		// Print table
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCONTENT\tSTATUS\tWINNER\tLIFT\tP-VALUE\tSTARTED")
		for _, e := range exps {
			winner := "-"
			if e.Winner != nil {
				winner = string(*e.Winner)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.ID,
				e.Name,
				e.ContentID,
				e.Status,
				winner,
				formatOptional(e.Lift, "%.1f%%"),
				formatOptional(e.PValue, "%.4f"),
				e.StartedAt.Format("2006-01-02"),
			)
		}
		return w.Flush()
	})
}
