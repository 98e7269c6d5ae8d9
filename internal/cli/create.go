package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/headline-goat/contentloop/internal/store"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	var (
		contentID  string
		control    string
		treatment  string
		hypothesis string
		section    string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new A/B experiment",
		Long: `Create a running A/B experiment between two variants of one article.

Both variants should be registered with 'contentloop content upsert' so
the analysis can compare their titles and sections.

Examples:
  contentloop create intro-question --content coffee-heart
  contentloop create faq-first --content coffee-heart --section faq \
    --hypothesis "Leading with the FAQ keeps readers scrolling"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			controlTag, err := store.ParseVariantTag(control)
			if err != nil {
				return err
			}
			treatmentTag, err := store.ParseVariantTag(treatment)
			if err != nil {
				return err
			}

			return withStore(func(s *store.SQLiteStore) error {
				e := &store.Experiment{
					ContentID:     contentID,
					Name:          args[0],
					Hypothesis:    hypothesis,
					TargetSection: section,
					Control:       controlTag,
					Treatment:     treatmentTag,
				}
				if err := s.CreateExperiment(cmd.Context(), e); err != nil {
					return fmt.Errorf("failed to create experiment: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created experiment '%s' (%s)\n", e.Name, e.ID)
				fmt.Fprintf(out, "  Content: %s\n", e.ContentID)
				fmt.Fprintf(out, "  Control: %s  Treatment: %s\n", e.Control, e.Treatment)
				if section != "" {
					fmt.Fprintf(out, "  Section: %s\n", section)
				}
				if hypothesis != "" {
					fmt.Fprintf(out, "  Hypothesis: %s\n", hypothesis)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&contentID, "content", "c", "", "content id the variants belong to (required)")
	cmd.Flags().StringVar(&control, "control", "A", "control variant tag")
	cmd.Flags().StringVar(&treatment, "treatment", "B", "treatment variant tag")
	cmd.Flags().StringVar(&hypothesis, "hypothesis", "", "what the treatment is expected to change")
	cmd.Flags().StringVar(&section, "section", "", "section the variants differ in (intro, faq, ...)")
	cmd.MarkFlagRequired("content")

	return cmd
}
