package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/headline-goat/contentloop/internal/ranking"
	"github.com/headline-goat/contentloop/internal/store"
)

func init() {
	topicCmd := &cobra.Command{
		Use:   "topic",
		Short: "Manage topic experiments",
		Long: `Topic experiments compare groups ("arms") of articles framed with
different topic patterns. When the duration has elapsed, 'contentloop run
topics' ranks the arms by the primary metric and records the winner.

Known arms:
` + catalogueHelp(),
	}
	topicCmd.AddCommand(
		newTopicCreateCmd(),
		newTopicAddMemberCmd(),
		newTopicTransitionCmd("start", "Start a draft topic experiment", func(s *store.SQLiteStore, cmd *cobra.Command, id string) error {
			return s.StartTopicExperiment(cmd.Context(), id, time.Now())
		}),
		newTopicTransitionCmd("cancel", "Cancel a draft or running topic experiment", func(s *store.SQLiteStore, cmd *cobra.Command, id string) error {
			return s.CancelTopicExperiment(cmd.Context(), id)
		}),
		newTopicListCmd(),
		newTopicShowCmd(),
	)
	rootCmd.AddCommand(topicCmd)
}

func catalogueHelp() string {
	arms := make([]string, 0, len(ranking.Catalogue))
	for arm := range ranking.Catalogue {
		arms = append(arms, arm)
	}
	sort.Strings(arms)
	var b strings.Builder
	for _, arm := range arms {
		fmt.Fprintf(&b, "  %s  %s\n", arm, ranking.Catalogue[arm])
	}
	return b.String()
}

// promptMetric asks for the primary metric when none was given.
func promptMetric() (store.Metric, error) {
	items := make([]string, len(store.Metrics))
	for i, m := range store.Metrics {
		items[i] = string(m)
	}

	prompt := promptui.Select{
		Label: "Primary metric",
		Items: items,
		Size:  len(items),
	}

	idx, _, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return "", fmt.Errorf("cancelled")
		}
		return "", err
	}
	return store.Metrics[idx], nil
}

func newTopicCreateCmd() *cobra.Command {
	var (
		arms          string
		metric        string
		duration      int
		description   string
		promptVersion string
		start         bool
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a topic experiment",
		Long: `Create a topic experiment in draft, or running with --start.
Without --metric an interactive picker asks for the primary metric.

Examples:
  contentloop topic create june-health --arms pattern_a,pattern_b,pattern_c --metric bounce_rate
  contentloop topic create june-health --arms pattern_a,pattern_e --duration 21 --start`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			armList := strings.Split(arms, ",")
			for i := range armList {
				armList[i] = strings.TrimSpace(armList[i])
			}
			if len(armList) < 2 {
				return fmt.Errorf("need at least 2 arms. Example: --arms \"pattern_a,pattern_b\"")
			}

			var m store.Metric
			var err error
			if metric == "" {
				m, err = promptMetric()
			} else {
				m, err = store.ParseMetric(metric)
			}
			if err != nil {
				return err
			}

			status := store.TopicDraft
			if start {
				status = store.TopicRunning
			}

			return withStore(func(s *store.SQLiteStore) error {
				te := &store.TopicExperiment{
					Name:          args[0],
					Description:   description,
					PromptVersion: promptVersion,
					Arms:          armList,
					PrimaryMetric: m,
					DurationDays:  duration,
					Status:        status,
				}
				if err := s.CreateTopicExperiment(cmd.Context(), te); err != nil {
					return fmt.Errorf("failed to create topic experiment: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created topic experiment '%s' (%s) as %s\n", te.Name, te.ID, te.Status)
				for i, arm := range te.Arms {
					fmt.Fprintf(out, "  %d: %s (%s)\n", i, arm, ranking.Label(arm))
				}
				fmt.Fprintf(out, "  Metric: %s, duration: %d days\n", te.PrimaryMetric, te.DurationDays)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&arms, "arms", "a", "", "comma-separated arm names (required)")
	cmd.Flags().StringVarP(&metric, "metric", "m", "", "primary metric: engagement_score, avg_time_on_page, scroll_depth_avg, bounce_rate")
	cmd.Flags().IntVarP(&duration, "duration", "d", 14, "duration in days")
	cmd.Flags().StringVar(&description, "description", "", "what the experiment explores")
	cmd.Flags().StringVar(&promptVersion, "prompt-version", "", "prompt version the articles were generated with")
	cmd.Flags().BoolVar(&start, "start", false, "start immediately instead of creating a draft")
	cmd.MarkFlagRequired("arms")

	return cmd
}

func newTopicAddMemberCmd() *cobra.Command {
	var variant string

	cmd := &cobra.Command{
		Use:   "add-member <experiment-id> <arm> <content-id>",
		Short: "Add an article variant to an arm",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, err := store.ParseVariantTag(variant)
			if err != nil {
				return err
			}
			return withStore(func(s *store.SQLiteStore) error {
				if err := s.AddArmMember(cmd.Context(), args[0], args[1], args[2], tag); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("topic experiment '%s' not found", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s/%s to %s\n", args[2], tag, args[1])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&variant, "variant", "v", "A", "variant tag of the article")
	return cmd
}

func newTopicTransitionCmd(use, short string, apply func(*store.SQLiteStore, *cobra.Command, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <experiment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withStore(func(s *store.SQLiteStore) error {
				if err := apply(s, cmd, id); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("topic experiment '%s' not found", id)
					}
					return err
				}
				te, err := s.GetTopicExperiment(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Topic experiment '%s' is now %s\n", te.Name, te.Status)
				return nil
			})
		},
	}
}

func newTopicListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List topic experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				tes, err := s.ListTopicExperiments(cmd.Context())
				if err != nil {
					return err
				}
				if len(tes) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No topic experiments yet.")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tMETRIC\tARMS\tWINNER\tENDS")
				for _, te := range tes {
					winner := "-"
					if te.WinnerArm != nil {
						winner = *te.WinnerArm
					}
					ends := "-"
					if te.StartedAt != nil {
						ends = te.WindowEnd().Format("2006-01-02")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						te.ID, te.Name, strings.ToUpper(string(te.Status)), te.PrimaryMetric, len(te.Arms), winner, ends)
				}
				return w.Flush()
			})
		},
	}
}

func newTopicShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <experiment-id>",
		Short: "Show arms, members and results of a topic experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				te, err := s.GetTopicExperiment(cmd.Context(), args[0])
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("topic experiment '%s' not found", args[0])
					}
					return err
				}
				members, err := s.ListArmMembers(cmd.Context(), te.ID)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "TOPIC EXPERIMENT: %s (%s)\n", te.Name, te.ID)
				fmt.Fprintf(out, "STATUS: %s\n", te.Status)
				fmt.Fprintf(out, "METRIC: %s\n", te.PrimaryMetric)
				if te.StartedAt != nil {
					fmt.Fprintf(out, "WINDOW: %s - %s\n", te.StartedAt.Format("2006-01-02"), te.WindowEnd().Format("2006-01-02"))
				}
				fmt.Fprintln(out)

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ARM\tCONTENT\tVARIANT\tVIEWS\tAVG TIME\tBOUNCE\tSCROLL\tENGAGEMENT")
				for _, m := range members {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t%.2f\t%.1f\t%.2f\n",
						m.Arm, m.ContentID, m.Tag, formatNumber(m.Rollup.TotalViews),
						m.Rollup.AvgTime, m.Rollup.AvgBounce, m.Rollup.AvgScroll, m.Rollup.AvgEngagement)
				}
				if err := w.Flush(); err != nil {
					return err
				}

				if te.WinnerArm != nil {
					fmt.Fprintf(out, "\nWinner: %s (%s)\n", *te.WinnerArm, ranking.Label(*te.WinnerArm))
				}
				if te.AnalysisNotes != "" {
					fmt.Fprintf(out, "Analysis: %s\n", te.AnalysisNotes)
				}
				return nil
			})
		},
	}
}
