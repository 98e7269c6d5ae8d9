package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/headline-goat/contentloop/internal/promptpolicy"
	"github.com/headline-goat/contentloop/internal/store"
)

func init() {
	promptCmd := &cobra.Command{
		Use:   "prompt",
		Short: "Inspect and regenerate the generation prompt",
	}
	promptCmd.AddCommand(newPromptShowCmd(), newPromptHistoryCmd(), newPromptRegenerateCmd())
	rootCmd.AddCommand(promptCmd)
}

func newPromptShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active prompt version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				pv, err := promptpolicy.Active(cmd.Context(), s)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "VERSION: %s\n", pv.Version)
				if pv.Name != "" {
					fmt.Fprintf(out, "NAME: %s\n", pv.Name)
				}
				fmt.Fprintf(out, "APPLIED PATTERNS: %d\n", len(pv.AppliedPatternIDs))
				fmt.Fprintln(out)
				fmt.Fprintln(out, "--- system prompt ---")
				fmt.Fprintln(out, pv.SystemPrompt)
				fmt.Fprintln(out, "--- user template ---")
				fmt.Fprintln(out, pv.UserTemplate)
				return nil
			})
		},
	}
}

func newPromptHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List prompt versions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				versions, err := s.ListPromptVersions(cmd.Context())
				if err != nil {
					return err
				}
				if len(versions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No prompt versions yet; the default prompt is in use.")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tSTATUS\tPATTERNS\tCREATED")
				for _, pv := range versions {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
						pv.Version, pv.Status, len(pv.AppliedPatternIDs), pv.CreatedAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
}

func newPromptRegenerateCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Mint a new prompt version from the active patterns",
		Long: `Mint a new prompt version from the active patterns now, without
waiting for the regeneration thresholds. The previous version is
deprecated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				prompt := promptui.Prompt{
					Label:     "Replace the active prompt version",
					IsConfirm: true,
				}
				if _, err := prompt.Run(); err != nil {
					if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) {
						fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
						return nil
					}
					return err
				}
			}

			return withApp(func(a *app) error {
				d, err := a.policy().Regenerate(cmd.Context())
				if err != nil {
					return err
				}
				if !d.Updated {
					fmt.Fprintf(cmd.OutOrStdout(), "Prompt not replaced: %s\n", d.Reason)
					return nil
				}
				a.metrics.PromptRegenerated()
				from := d.PreviousVersion
				if from == "" {
					from = promptpolicy.DefaultVersion
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Prompt %s -> %s (%d patterns applied)\n", from, d.NewVersion, d.PatternsApplied)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation")
	return cmd
}
