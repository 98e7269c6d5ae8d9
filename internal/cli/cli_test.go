package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/headline-goat/contentloop/internal/pipeline"
	"github.com/headline-goat/contentloop/internal/store"
)

// runCLI executes the root command with args against dbPath.
func runCLI(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--db", dbPath, "--log-level", "error"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, dbPath string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, dbPath, args...)
	if err != nil {
		t.Fatalf("%s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func setupCLI(t *testing.T) string {
	t.Helper()
	t.Setenv("CONTENTLOOP_ANALYSIS_BACKEND", "none")
	return filepath.Join(t.TempDir(), "test.db")
}

// writeMetrics writes three recent days per variant; B reads for much
// longer than A.
func writeMetrics(t *testing.T, contentID string) string {
	t.Helper()
	var rows []string
	for i, times := range [][2]int{{60, 150}, {62, 155}, {58, 145}} {
		date := time.Now().AddDate(0, 0, -i).Format("2006-01-02")
		rows = append(rows,
			fmt.Sprintf(`{"content_id":%q,"variant":"A","date":%q,"views":100,"avg_time_on_page":%d,"bounce_rate":0.5}`, contentID, date, times[0]),
			fmt.Sprintf(`{"content_id":%q,"variant":"B","date":%q,"views":100,"avg_time_on_page":%d,"bounce_rate":0.5}`, contentID, date, times[1]),
		)
	}
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := os.WriteFile(path, []byte("["+strings.Join(rows, ",")+"]"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func openStore(t *testing.T, dbPath string) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestList_Empty(t *testing.T) {
	db := setupCLI(t)

	out := mustRun(t, db, "list", "--status", "")
	if !strings.Contains(out, "No experiments yet.") {
		t.Errorf("expected empty message, got:\n%s", out)
	}

	if _, err := runCLI(t, db, "list", "--status", "paused"); err == nil {
		t.Error("expected invalid status to fail")
	}
}

func TestExperimentWorkflow(t *testing.T) {
	db := setupCLI(t)

	mustRun(t, db, "content", "upsert", "coffee-heart", "--variant", "A", "--title", "Is coffee good for your heart?")
	mustRun(t, db, "content", "upsert", "coffee-heart", "--variant", "B", "--title", "What cardiologists say about coffee")

	out := mustRun(t, db, "create", "long-intro", "--content", "coffee-heart", "--section", "intro")
	if !strings.Contains(out, "Created experiment 'long-intro'") {
		t.Fatalf("unexpected create output:\n%s", out)
	}

	out = mustRun(t, db, "ingest", writeMetrics(t, "coffee-heart"))
	if !strings.Contains(out, "Upserted 6 snapshot(s), rejected 0") {
		t.Errorf("unexpected ingest output:\n%s", out)
	}

	s := openStore(t, db)
	exps, err := s.ListExperiments(context.Background(), store.ExperimentRunning, 0)
	if err != nil || len(exps) != 1 {
		t.Fatalf("expected one running experiment, got %d (%v)", len(exps), err)
	}
	id := exps[0].ID

	out = mustRun(t, db, "results", id)
	if !strings.Contains(out, "EXPERIMENT: long-intro") || !strings.Contains(out, "treatment wins") {
		t.Errorf("unexpected results output:\n%s", out)
	}

	out = mustRun(t, db, "run", "experiments")
	var sum pipeline.RunSummary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("run output is not a summary: %v\n%s", err, out)
	}
	if sum.Status != pipeline.StatusSuccess {
		t.Errorf("expected success, got %q", sum.Status)
	}

	e, err := s.GetExperiment(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != store.ExperimentCompleted || e.Winner == nil || *e.Winner != store.VariantB {
		t.Errorf("expected B to win, got status %s winner %v", e.Status, e.Winner)
	}

	out = mustRun(t, db, "list", "--status", "completed")
	if !strings.Contains(out, "long-intro") || !strings.Contains(out, "completed") {
		t.Errorf("expected completed experiment in list:\n%s", out)
	}
}

func TestResults_NotFound(t *testing.T) {
	db := setupCLI(t)

	if _, err := runCLI(t, db, "results", "missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestIngest_Rejected(t *testing.T) {
	db := setupCLI(t)

	path := filepath.Join(t.TempDir(), "metrics.csv")
	csv := "content_id,variant,date,views,bounce_rate\ncoffee-heart,A,2024-03-01,100,45\n"
	if err := os.WriteFile(path, []byte(csv), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, db, "ingest", path)
	if err == nil {
		t.Fatal("expected an all-rejected file to fail")
	}
	if !strings.Contains(out, "row 1:") {
		t.Errorf("expected the rejection to be reported, got:\n%s", out)
	}

	if _, err := runCLI(t, db, "ingest", filepath.Join(t.TempDir(), "metrics.xml")); err == nil {
		t.Error("expected unknown extension to fail")
	}
}

func TestTopicWorkflow(t *testing.T) {
	db := setupCLI(t)

	out := mustRun(t, db, "topic", "create", "june", "--arms", "pattern_a,pattern_b", "--metric", "bounce_rate", "--duration", "7")
	if !strings.Contains(out, "as draft") || !strings.Contains(out, "flip common wisdom") {
		t.Fatalf("unexpected create output:\n%s", out)
	}

	s := openStore(t, db)
	tes, err := s.ListTopicExperiments(context.Background())
	if err != nil || len(tes) != 1 {
		t.Fatalf("expected one topic experiment, got %d (%v)", len(tes), err)
	}
	id := tes[0].ID

	mustRun(t, db, "topic", "add-member", id, "pattern_a", "a1")
	if _, err := runCLI(t, db, "topic", "add-member", id, "pattern_z", "z1"); err == nil {
		t.Error("expected unknown arm to fail")
	}

	out = mustRun(t, db, "topic", "start", id)
	if !strings.Contains(out, "is now running") {
		t.Errorf("unexpected start output:\n%s", out)
	}
	if _, err := runCLI(t, db, "topic", "start", id); err == nil {
		t.Error("expected starting a running experiment to fail")
	}

	out = mustRun(t, db, "topic", "list")
	if !strings.Contains(out, "RUNNING") || !strings.Contains(out, "bounce_rate") {
		t.Errorf("unexpected list output:\n%s", out)
	}

	out = mustRun(t, db, "topic", "show", id)
	if !strings.Contains(out, "pattern_a") || !strings.Contains(out, "a1") {
		t.Errorf("unexpected show output:\n%s", out)
	}

	mustRun(t, db, "topic", "cancel", id)
	te, err := s.GetTopicExperiment(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if te.Status != store.TopicCancelled {
		t.Errorf("expected cancelled, got %s", te.Status)
	}

	if _, err := runCLI(t, db, "topic", "cancel", "missing"); err == nil {
		t.Error("expected unknown experiment to fail")
	}
}

func TestPatternsAndPrompt(t *testing.T) {
	db := setupCLI(t)
	s := openStore(t, db)
	ctx := context.Background()

	p, err := s.UpdatePattern(ctx, store.PatternKey{Name: "question intro", Category: store.CategoryIntro},
		func(p *store.Pattern, exists bool) error {
			p.TestCount, p.WinCount, p.WinRate, p.AvgLift = 5, 5, 100, 12
			p.Tier = store.TierHigh
			p.PromptInstruction = "Open with a question."
			p.SourceExperiments = []string{"e1", "e2", "e3", "e4", "e5"}
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}

	out := mustRun(t, db, "patterns", "list")
	if !strings.Contains(out, "question intro") || !strings.Contains(out, "HIGH") {
		t.Errorf("unexpected patterns output:\n%s", out)
	}

	out = mustRun(t, db, "prompt", "show")
	if !strings.Contains(out, "VERSION: default") {
		t.Errorf("expected the default prompt, got:\n%s", out)
	}

	out = mustRun(t, db, "prompt", "regenerate", "--yes")
	if !strings.Contains(out, "default -> v1.0") {
		t.Errorf("unexpected regenerate output:\n%s", out)
	}

	out = mustRun(t, db, "prompt", "show")
	if !strings.Contains(out, "VERSION: v1.0") || !strings.Contains(out, "Open with a question.") {
		t.Errorf("expected v1.0 with the pattern instruction, got:\n%s", out)
	}

	out = mustRun(t, db, "export", "prompts", "--format", "csv")
	if !strings.HasPrefix(out, "version,status,applied_patterns") || !strings.Contains(out, p.ID) {
		t.Errorf("unexpected prompt export:\n%s", out)
	}

	mustRun(t, db, "patterns", "deactivate", p.ID)
	out = mustRun(t, db, "patterns", "list")
	if !strings.Contains(out, "No patterns yet.") {
		t.Errorf("expected deactivated pattern to be hidden, got:\n%s", out)
	}

	out = mustRun(t, db, "export", "patterns", "--format", "json")
	var export struct {
		Patterns []struct {
			Name   string `json:"name"`
			Active bool   `json:"is_active"`
		} `json:"patterns"`
	}
	if err := json.Unmarshal([]byte(out), &export); err != nil {
		t.Fatalf("export is not JSON: %v\n%s", err, out)
	}
	if len(export.Patterns) != 1 || export.Patterns[0].Active {
		t.Errorf("expected the inactive pattern in the export, got %+v", export.Patterns)
	}

	if _, err := runCLI(t, db, "export", "events", "--format", "csv"); err == nil {
		t.Error("expected unknown export to fail")
	}
}

func TestToken(t *testing.T) {
	db := setupCLI(t)
	t.Setenv("CONTENTLOOP_SERVER_TOKEN", "")

	if _, err := runCLI(t, db, "token"); err == nil {
		t.Error("expected an error without a running server")
	}

	if err := os.WriteFile(getTokenFilePath(db), []byte("abc123\n"), 0600); err != nil {
		t.Fatal(err)
	}
	out := mustRun(t, db, "token", "--raw")
	if strings.TrimSpace(out) != "abc123" {
		t.Errorf("expected raw token, got %q", out)
	}
}
