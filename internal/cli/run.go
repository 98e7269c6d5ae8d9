package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/headline-goat/contentloop/internal/pipeline"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an evaluation cycle",
		Long: `Evaluate running experiments, analyze winners, record patterns and
regenerate the prompt when enough trusted patterns are unapplied.

The run summary is printed as JSON. An invariant violation aborts the
run with a non-zero exit status.

Examples:
  contentloop run experiments
  contentloop run topics
  contentloop run all`,
	}

	cmd.AddCommand(
		newRunSubCmd("experiments", "Evaluate running A/B experiments", func(ctx context.Context, e *pipeline.Engine) (*pipeline.RunSummary, error) {
			return e.RunExperiments(ctx)
		}),
		newRunSubCmd("topics", "Evaluate topic experiments whose duration has elapsed", func(ctx context.Context, e *pipeline.Engine) (*pipeline.RunSummary, error) {
			return e.RunTopicExperiments(ctx)
		}),
		newRunAllCmd(),
	)
	return cmd
}

type runFunc func(ctx context.Context, e *pipeline.Engine) (*pipeline.RunSummary, error)

func newRunSubCmd(use, short string, run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				engine, err := a.engine(cmd.Context())
				if err != nil {
					return err
				}
				sum, err := run(cmd.Context(), engine)
				if err != nil {
					return fmt.Errorf("run aborted: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
}

func newRunAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the A/B cycle, then the topic cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				engine, err := a.engine(cmd.Context())
				if err != nil {
					return err
				}
				ab, err := engine.RunExperiments(cmd.Context())
				if err != nil {
					return fmt.Errorf("run aborted: %w", err)
				}
				topics, err := engine.RunTopicExperiments(cmd.Context())
				if err != nil {
					return fmt.Errorf("run aborted: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), map[string]*pipeline.RunSummary{
					"experiments": ab,
					"topics":      topics,
				})
			})
		},
	}
}
