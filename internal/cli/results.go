package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/headline-goat/contentloop/internal/stats"
	"github.com/headline-goat/contentloop/internal/store"
)

var resultsCmd = &cobra.Command{
	Use:   "results <experiment-id>",
	Short: "Show detailed results for an A/B experiment",
	Long: `Show the stored outcome of an experiment and a fresh evaluation of
its current window, without changing any state.`,
	Args: cobra.ExactArgs(1),
	RunE: runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	id := args[0]

	return withApp(func(a *app) error {
		ctx := cmd.Context()

		e, err := a.store.GetExperiment(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("experiment '%s' not found", id)
			}
			return fmt.Errorf("failed to get experiment: %w", err)
		}

		since := time.Now().AddDate(0, 0, -a.cfg.Evaluation.WindowDays)
		if e.EndedAt != nil {
			since = e.EndedAt.AddDate(0, 0, -a.cfg.Evaluation.WindowDays)
		}
		windows := make(map[store.VariantTag]store.ArmWindow, 2)
		for _, tag := range []store.VariantTag{e.Control, e.Treatment} {
			w, err := a.store.ArmWindow(ctx, e.ContentID, tag, since)
			if errors.Is(err, store.ErrNotFound) {
				w = &store.ArmWindow{}
			} else if err != nil {
				return fmt.Errorf("failed to aggregate variant %s: %w", tag, err)
			}
			windows[tag] = *w
		}

		ev := stats.NewEvaluator(a.cfg.Evaluation.MinSampleSize, a.cfg.Evaluation.PValueThreshold).
			Evaluate(windows[e.Control], windows[e.Treatment])

		out := cmd.OutOrStdout()
		// Print header
		fmt.Fprintf(out, "EXPERIMENT: %s (%s)\n", e.Name, e.ID)
		fmt.Fprintf(out, "CONTENT: %s\n", e.ContentID)
		fmt.Fprintf(out, "STATUS: %s\n", e.Status)
		if e.Hypothesis != "" {
			fmt.Fprintf(out, "HYPOTHESIS: %s\n", e.Hypothesis)
		}
		fmt.Fprintf(out, "STARTED: %s\n", e.StartedAt.Format("2006-01-02"))
		fmt.Fprintln(out)

		// Print table header
		fmt.Fprintln(out, "ARM        VARIANT  VIEWS    DAYS  AVG SCORE")
		fmt.Fprintln(out, strings.Repeat("─", 46))
		for _, arm := range []struct {
			name string
			tag  store.VariantTag
		}{{"control", e.Control}, {"treatment", e.Treatment}} {
			w := windows[arm.tag]
			indicator := ""
			if e.Winner != nil && *e.Winner == arm.tag {
				indicator = " ← WINNER"
			}
			fmt.Fprintf(out, "%-9s  %-7s  %-7s  %-4d  %.2f%s\n",
				arm.name, arm.tag, formatNumber(w.TotalViews), len(w.ScoreSamples), w.AvgScore, indicator)
		}
		fmt.Fprintln(out)

		if e.Status == store.ExperimentCompleted {
			fmt.Fprintf(out, "Recorded: lift %s, p-value %s, confidence %s\n",
				formatOptional(e.Lift, "%.1f%%"), formatOptional(e.PValue, "%.4f"), formatOptional(e.ConfidenceLevel, "%.1f%%"))
		}

		switch ev.Conclusion {
		case stats.Significant:
			fmt.Fprintf(out, "Current window: %s wins with %.1f%% lift (%.1f%% confidence)\n", *ev.Winner, ev.Lift, ev.ConfidenceLevel())
		case stats.Inconclusive:
			fmt.Fprintf(out, "Current window: not yet significant (lift %.1f%%, p=%s)\n", ev.Lift, formatOptional(ev.PValue, "%.4f"))
		case stats.InsufficientData:
			fmt.Fprintf(out, "Current window: not enough data (need %d views per variant)\n", a.cfg.Evaluation.MinSampleSize)
		default:
			fmt.Fprintf(out, "Current window: evaluation failed: %v\n", ev.Err)
		}
		if ev.Degraded {
			fmt.Fprintln(out, "  (one arm has a single day: one-sample test against its value)")
		}
		return nil
	})
}
