package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/contentloop/internal/pipeline"
)

var ingestFormat string

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Import daily metric snapshots",
	Long: `Import daily metrics per content variant from a JSON array or CSV file.

Each row is scored and upserted by (content_id, variant, date), so
re-importing a day replaces it. Rates are fractions: bounce_rate 0.42,
not 42.

CSV columns:
  content_id,variant,date,views,sessions,avg_time_on_page,bounce_rate,scroll_25,scroll_50,scroll_75,scroll_100

Examples:
  contentloop ingest metrics-2024-03-01.csv
  contentloop ingest metrics.json`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestFormat, "format", "f", "", "input format (csv or json, default from file extension)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := args[0]

	format := ingestFormat
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	if format != "csv" && format != "json" {
		return fmt.Errorf("invalid format: must be 'csv' or 'json'")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	samples, err := pipeline.ReadSamples(f, format)
	if err != nil {
		return err
	}

	return withApp(func(a *app) error {
		res, err := pipeline.Ingest(cmd.Context(), a.store, samples, a.cfg.Scoring.Profile)
		if err != nil {
			return fmt.Errorf("failed to ingest metrics: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Upserted %d snapshot(s), rejected %d\n", res.Upserted, res.Rejected)
		for _, e := range res.Errors {
			fmt.Fprintf(out, "  %s\n", e)
		}
		if res.Upserted == 0 && res.Rejected > 0 {
			return fmt.Errorf("no valid rows in %s", path)
		}
		return nil
	})
}
