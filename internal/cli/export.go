package cli

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/headline-goat/contentloop/internal/store"
)

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export <patterns|prompts>",
	Short: "Export patterns or prompt versions",
	Long: `Export learnt patterns or prompt versions in CSV or JSON format.

Examples:
  contentloop export patterns --format csv > patterns.csv
  contentloop export prompts --format json > prompts.json`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"patterns", "prompts"},
	RunE:      runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "output format (csv or json)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	if exportFormat != "csv" && exportFormat != "json" {
		return fmt.Errorf("invalid format: must be 'csv' or 'json'")
	}

	return withStore(func(s *store.SQLiteStore) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "patterns":
			pats, err := s.ListPatterns(cmd.Context(), false)
			if err != nil {
				return fmt.Errorf("failed to get patterns: %w", err)
			}
			if exportFormat == "csv" {
				return exportPatternsCSV(out, pats)
			}
			return exportPatternsJSON(out, pats)
		case "prompts":
			versions, err := s.ListPromptVersions(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get prompt versions: %w", err)
			}
			if exportFormat == "csv" {
				return exportPromptsCSV(out, versions)
			}
			return exportPromptsJSON(out, versions)
		}
		return fmt.Errorf("unknown export %q: must be 'patterns' or 'prompts'", args[0])
	})
}

func exportPatternsCSV(w io.Writer, pats []*store.Pattern) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	// Write header
	if err := cw.Write([]string{"id", "name", "category", "topic_pattern_type", "tier", "test_count", "win_count",
		"win_rate", "avg_lift", "is_active", "source_experiments", "prompt_instruction"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	// Write rows
	for _, p := range pats {
		row := []string{
			p.ID,
			p.Name,
			string(p.Category),
			p.TopicPatternType,
			string(p.Tier),
			strconv.Itoa(p.TestCount),
			strconv.Itoa(p.WinCount),
			strconv.FormatFloat(p.WinRate, 'f', 2, 64),
			strconv.FormatFloat(p.AvgLift, 'f', 2, 64),
			strconv.FormatBool(p.Active),
			strings.Join(p.SourceExperiments, ";"),
			p.PromptInstruction,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	return nil
}

type jsonPattern struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Category          string   `json:"category"`
	TopicPatternType  string   `json:"topic_pattern_type,omitempty"`
	Description       string   `json:"description"`
	PromptInstruction string   `json:"prompt_instruction"`
	Tier              string   `json:"confidence_tier"`
	TestCount         int      `json:"test_count"`
	WinCount          int      `json:"win_count"`
	WinRate           float64  `json:"win_rate"`
	AvgLift           float64  `json:"avg_lift"`
	Active            bool     `json:"is_active"`
	SourceExperiments []string `json:"source_experiments"`
	UpdatedAt         int64    `json:"updated_at"`
}

func exportPatternsJSON(w io.Writer, pats []*store.Pattern) error {
	export := struct {
		Patterns []jsonPattern `json:"patterns"`
	}{Patterns: make([]jsonPattern, len(pats))}

	for i, p := range pats {
		export.Patterns[i] = jsonPattern{
			ID:                p.ID,
			Name:              p.Name,
			Category:          string(p.Category),
			TopicPatternType:  p.TopicPatternType,
			Description:       p.Description,
			PromptInstruction: p.PromptInstruction,
			Tier:              string(p.Tier),
			TestCount:         p.TestCount,
			WinCount:          p.WinCount,
			WinRate:           p.WinRate,
			AvgLift:           p.AvgLift,
			Active:            p.Active,
			SourceExperiments: p.SourceExperiments,
			UpdatedAt:         p.UpdatedAt.Unix(),
		}
	}
	return printJSON(w, export)
}

func exportPromptsCSV(w io.Writer, versions []*store.PromptVersion) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write([]string{"version", "status", "applied_patterns", "activated_at", "deprecated_at", "created_at"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, pv := range versions {
		row := []string{
			pv.Version,
			string(pv.Status),
			strings.Join(pv.AppliedPatternIDs, ";"),
			unixOrEmpty(pv.ActivatedAt),
			unixOrEmpty(pv.DeprecatedAt),
			strconv.FormatInt(pv.CreatedAt.Unix(), 10),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	return nil
}

type jsonPrompt struct {
	Version           string   `json:"version"`
	Name              string   `json:"name"`
	Status            string   `json:"status"`
	SystemPrompt      string   `json:"system_prompt"`
	UserTemplate      string   `json:"user_template"`
	AppliedPatternIDs []string `json:"applied_pattern_ids"`
	CreatedAt         int64    `json:"created_at"`
}

func exportPromptsJSON(w io.Writer, versions []*store.PromptVersion) error {
	export := struct {
		Prompts []jsonPrompt `json:"prompts"`
	}{Prompts: make([]jsonPrompt, len(versions))}

	for i, pv := range versions {
		export.Prompts[i] = jsonPrompt{
			Version:           pv.Version,
			Name:              pv.Name,
			Status:            string(pv.Status),
			SystemPrompt:      pv.SystemPrompt,
			UserTemplate:      pv.UserTemplate,
			AppliedPatternIDs: pv.AppliedPatternIDs,
			CreatedAt:         pv.CreatedAt.Unix(),
		}
	}
	return printJSON(w, export)
}

func unixOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.Unix(), 10)
}
