package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/headline-goat/contentloop/internal/scoring"
)

// chdirTemp moves into an empty directory so no stray contentloop.yaml is read.
func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	c, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.Evaluation.MinSampleSize != 50 {
		t.Errorf("expected min sample size 50, got %d", c.Evaluation.MinSampleSize)
	}
	if c.Evaluation.PValueThreshold != 0.15 {
		t.Errorf("expected p threshold 0.15, got %v", c.Evaluation.PValueThreshold)
	}
	if c.Policy.MinNewHigh != 1 || c.Policy.MinUnappliedMedium != 3 || c.Policy.MaxOptionalLow != 3 {
		t.Errorf("unexpected policy defaults: %+v", c.Policy)
	}
	if c.Analysis.Timeout != 120*time.Second || c.Analysis.TopicTimeout != 180*time.Second {
		t.Errorf("unexpected timeouts: %v %v", c.Analysis.Timeout, c.Analysis.TopicTimeout)
	}
	if c.Run.Concurrency != 4 || c.Run.ABBatchLimit != 10 || c.Run.TopicBatchLimit != 5 {
		t.Errorf("unexpected run defaults: %+v", c.Run)
	}
	if c.Database.Path != "./contentloop.db" {
		t.Errorf("unexpected db path %q", c.Database.Path)
	}
	if c.Scoring.Profile != scoring.Full {
		t.Errorf("expected full scoring profile, got %q", c.Scoring.Profile)
	}
}

func TestLoad_ScoringProfile(t *testing.T) {
	chdirTemp(t)

	t.Setenv("CONTENTLOOP_SCORING_PROFILE", "Collector")
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Scoring.Profile != scoring.Collector {
		t.Errorf("expected collector profile, got %q", c.Scoring.Profile)
	}

	t.Setenv("CONTENTLOOP_SCORING_PROFILE", "weighted")
	if _, err := Load(""); err == nil {
		t.Error("expected an unknown scoring profile to fail")
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	yaml := `
evaluation:
  min_sample_size: 100
  p_value_threshold: 0.05
analysis:
  backend: cli
  timeout: 30s
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONTENTLOOP_SERVER_PORT", "7070")
	t.Setenv("CONTENTLOOP_POLICY_MIN_NEW_HIGH", "2")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.Evaluation.MinSampleSize != 100 {
		t.Errorf("expected 100 from file, got %d", c.Evaluation.MinSampleSize)
	}
	if c.Evaluation.PValueThreshold != 0.05 {
		t.Errorf("expected 0.05 from file, got %v", c.Evaluation.PValueThreshold)
	}
	if c.Analysis.Backend != "cli" || c.Analysis.Timeout != 30*time.Second {
		t.Errorf("unexpected analysis config: %+v", c.Analysis)
	}
	if c.Server.Port != 7070 {
		t.Errorf("expected env to override file port, got %d", c.Server.Port)
	}
	if c.Policy.MinNewHigh != 2 {
		t.Errorf("expected env min_new_high 2, got %d", c.Policy.MinNewHigh)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestLoad_OverrideWins(t *testing.T) {
	chdirTemp(t)

	v := viper.New()
	v.Set("database.path", "/tmp/flag.db")

	c, err := LoadFrom(v, "")
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if c.Database.Path != "/tmp/flag.db" {
		t.Errorf("expected override path, got %q", c.Database.Path)
	}
}

func TestValidate(t *testing.T) {
	chdirTemp(t)

	tests := map[string]string{
		"CONTENTLOOP_ANALYSIS_BACKEND":             "gemini",
		"CONTENTLOOP_EVALUATION_P_VALUE_THRESHOLD": "1.5",
		"CONTENTLOOP_RUN_CONCURRENCY":              "0",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(""); err == nil {
				t.Errorf("expected %s=%s to be rejected", key, val)
			}
		})
	}
}

func TestValidateAnalysis(t *testing.T) {
	var c Config
	c.Analysis.Backend = "openai"
	if err := c.ValidateAnalysis(); err == nil {
		t.Error("expected missing api key to be rejected")
	}
	c.Analysis.APIKey = "sk"
	if err := c.ValidateAnalysis(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	c.Analysis.Backend = "none"
	c.Analysis.APIKey = ""
	if err := c.ValidateAnalysis(); err != nil {
		t.Errorf("none backend needs nothing, got %v", err)
	}
}
