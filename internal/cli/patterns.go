package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/contentloop/internal/store"
)

func init() {
	patternsCmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect learnt patterns",
	}
	patternsCmd.AddCommand(newPatternsListCmd(), newPatternsDeactivateCmd())
	rootCmd.AddCommand(patternsCmd)
}

func newPatternsListCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List patterns, most trusted first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				pats, err := s.ListPatterns(cmd.Context(), !all)
				if err != nil {
					return err
				}
				if len(pats) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No patterns yet. They are recorded when analyzed experiments complete.")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTIER\tCATEGORY\tNAME\tTESTS\tWINS\tWIN RATE\tAVG LIFT\tACTIVE")
				for _, p := range pats {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%.1f%%\t%.1f%%\t%t\n",
						p.ID, p.Tier, p.Category, p.Name, p.TestCount, p.WinCount, p.WinRate, p.AvgLift, p.Active)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include deactivated patterns")
	return cmd
}

func newPatternsDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <pattern-id>",
		Short: "Exclude a pattern from future prompt versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				if err := s.DeactivatePattern(cmd.Context(), args[0]); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("pattern '%s' not found", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pattern %s deactivated\n", args[0])
				return nil
			})
		},
	}
}
