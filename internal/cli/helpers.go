package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/headline-goat/contentloop/internal/analysis"
	"github.com/headline-goat/contentloop/internal/config"
	"github.com/headline-goat/contentloop/internal/logging"
	"github.com/headline-goat/contentloop/internal/metrics"
	"github.com/headline-goat/contentloop/internal/patterns"
	"github.com/headline-goat/contentloop/internal/pipeline"
	"github.com/headline-goat/contentloop/internal/promptpolicy"
	"github.com/headline-goat/contentloop/internal/stats"
	"github.com/headline-goat/contentloop/internal/store"
)

// app is what a command needs once configuration is loaded.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	store   *store.SQLiteStore
	metrics *metrics.Recorder
	redis   *redis.Client
}

func loadConfig() (*config.Config, error) {
	return config.LoadFrom(v, cfgFile)
}

// withApp loads configuration, opens the database, executes the function,
// and handles cleanup. Logs go to stderr so stdout stays parseable.
func withApp(fn func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	a := &app{
		cfg:     cfg,
		log:     logging.NewWithOutput(os.Stderr, cfg.Log.Level, cfg.Log.Format),
		store:   s,
		metrics: metrics.NewRecorder(),
	}
	defer func() {
		if a.redis != nil {
			a.redis.Close()
		}
	}()
	return fn(a)
}

// withStore opens the database, executes the function, and handles cleanup.
func withStore(fn func(*store.SQLiteStore) error) error {
	return withApp(func(a *app) error { return fn(a.store) })
}

// locker returns a Redis-backed locker when redis.url is set.
func (a *app) locker(ctx context.Context) (patterns.Locker, error) {
	if a.cfg.Redis.URL == "" {
		return patterns.NewLocalLocker(), nil
	}
	client, err := patterns.DialRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	a.redis = client
	return patterns.NewRedisLocker(client, 30*time.Second, a.log), nil
}

func (a *app) policy() *promptpolicy.Policy {
	return promptpolicy.New(a.store, promptpolicy.Config{
		MinNewHigh:         a.cfg.Policy.MinNewHigh,
		MinUnappliedMedium: a.cfg.Policy.MinUnappliedMedium,
		MaxOptionalLow:     a.cfg.Policy.MaxOptionalLow,
	}, a.log)
}

// analyzer builds the configured backend, rate limited.
func (a *app) analyzer() (analysis.Analyzer, error) {
	if err := a.cfg.ValidateAnalysis(); err != nil {
		return nil, err
	}
	switch a.cfg.Analysis.Backend {
	case "openai":
		o, err := analysis.NewOpenAIAnalyzer(a.cfg.Analysis.APIKey, a.cfg.Analysis.BaseURL, a.cfg.Analysis.Model, a.log)
		if err != nil {
			return nil, err
		}
		return analysis.NewLimited(o, a.cfg.Analysis.RequestsPerMinute), nil
	case "cli":
		return analysis.NewLimited(&analysis.CommandAnalyzer{Path: a.cfg.Analysis.CLIPath}, a.cfg.Analysis.RequestsPerMinute), nil
	}
	return analysis.Disabled{}, nil
}

// engine wires every component of an evaluation run.
func (a *app) engine(ctx context.Context) (*pipeline.Engine, error) {
	locker, err := a.locker(ctx)
	if err != nil {
		return nil, err
	}
	analyzer, err := a.analyzer()
	if err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.Deps{
		Store:     a.store,
		Evaluator: stats.NewEvaluator(a.cfg.Evaluation.MinSampleSize, a.cfg.Evaluation.PValueThreshold),
		Tracker:   patterns.NewTracker(a.store, locker, a.log),
		Policy:    a.policy(),
		Analyzer:  analyzer,
		Metrics:   a.metrics,
		Log:       a.log,
	}, pipeline.Options{
		WindowDays:      a.cfg.Evaluation.WindowDays,
		Concurrency:     a.cfg.Run.Concurrency,
		ABBatchLimit:    a.cfg.Run.ABBatchLimit,
		TopicBatchLimit: a.cfg.Run.TopicBatchLimit,
		AnalysisTimeout: a.cfg.Analysis.Timeout,
		TopicTimeout:    a.cfg.Analysis.TopicTimeout,
	}), nil
}

// getTokenFilePath returns the path to the token file
func getTokenFilePath(dbPath string) string {
	// Store token file alongside the database
	return filepath.Join(filepath.Dir(dbPath), ".contentloop-token")
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}

func formatOptional(f *float64, format string) string {
	if f == nil {
		return "-"
	}
	return fmt.Sprintf(format, *f)
}
