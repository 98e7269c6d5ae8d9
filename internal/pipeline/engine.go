// Package pipeline runs the evaluation cycles: it evaluates experiments,
// asks the analysis backend why winners won, feeds the named patterns to
// the confidence tracker and lets the prompt policy react.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/headline-goat/contentloop/internal/analysis"
	"github.com/headline-goat/contentloop/internal/metrics"
	"github.com/headline-goat/contentloop/internal/patterns"
	"github.com/headline-goat/contentloop/internal/promptpolicy"
	"github.com/headline-goat/contentloop/internal/stats"
	"github.com/headline-goat/contentloop/internal/store"
)

const (
	DefaultWindowDays      = 7
	DefaultConcurrency     = 4
	DefaultABBatchLimit    = 10
	DefaultTopicBatchLimit = 5
	DefaultAnalysisTimeout = 120 * time.Second
	DefaultTopicTimeout    = 180 * time.Second
)

// TimeoutError reports an external call that exceeded its bound. The unit
// of work is skipped until the next run.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

type Options struct {
	WindowDays      int
	Concurrency     int
	ABBatchLimit    int
	TopicBatchLimit int
	AnalysisTimeout time.Duration
	TopicTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.WindowDays <= 0 {
		o.WindowDays = DefaultWindowDays
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.ABBatchLimit <= 0 {
		o.ABBatchLimit = DefaultABBatchLimit
	}
	if o.TopicBatchLimit <= 0 {
		o.TopicBatchLimit = DefaultTopicBatchLimit
	}
	if o.AnalysisTimeout <= 0 {
		o.AnalysisTimeout = DefaultAnalysisTimeout
	}
	if o.TopicTimeout <= 0 {
		o.TopicTimeout = DefaultTopicTimeout
	}
	return o
}

// Deps are the collaborators an Engine drives. Decoder and Metrics may be
// nil.
type Deps struct {
	Store     store.Store
	Evaluator *stats.Evaluator
	Tracker   *patterns.Tracker
	Policy    *promptpolicy.Policy
	Analyzer  analysis.Analyzer
	Decoder   analysis.Decoder
	Metrics   *metrics.Recorder
	Log       logrus.FieldLogger
}

type Engine struct {
	store     store.Store
	evaluator *stats.Evaluator
	tracker   *patterns.Tracker
	policy    *promptpolicy.Policy
	analyzer  analysis.Analyzer
	decoder   analysis.Decoder
	metrics   *metrics.Recorder
	log       logrus.FieldLogger
	opts      Options
	now       func() time.Time
}

func New(d Deps, opts Options) *Engine {
	if d.Decoder == nil {
		d.Decoder = analysis.JSONDecoder{}
	}
	if d.Evaluator == nil {
		d.Evaluator = stats.NewEvaluator(0, 0)
	}
	if d.Analyzer == nil {
		d.Analyzer = analysis.Disabled{}
	}
	return &Engine{
		store:     d.Store,
		evaluator: d.Evaluator,
		tracker:   d.Tracker,
		policy:    d.Policy,
		analyzer:  d.Analyzer,
		decoder:   d.Decoder,
		metrics:   d.Metrics,
		log:       d.Log,
		opts:      opts.withDefaults(),
		now:       time.Now,
	}
}

// UnitResult is the outcome of one experiment or topic experiment.
type UnitResult struct {
	ID               string   `json:"id"`
	Name             string   `json:"name,omitempty"`
	Outcome          string   `json:"outcome"`
	Winner           *string  `json:"winner,omitempty"`
	Lift             *float64 `json:"lift,omitempty"`
	PValue           *float64 `json:"p_value,omitempty"`
	Degraded         bool     `json:"degraded,omitempty"`
	Ranking          []string `json:"ranking,omitempty"`
	NoData           []string `json:"no_data,omitempty"`
	Analyzed         bool     `json:"analyzed"`
	PatternsRecorded int      `json:"patterns_recorded,omitempty"`
	Summary          string   `json:"summary,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// RunSummary is what a run reports to its caller.
type RunSummary struct {
	Status        string                 `json:"status"`
	AnalyzedCount int                    `json:"analyzed_count"`
	ErrorCount    int                    `json:"error_count"`
	Results       []*UnitResult          `json:"results"`
	Prompt        *promptpolicy.Decision `json:"prompt,omitempty"`
	PromptError   string                 `json:"prompt_error,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	FinishedAt    time.Time              `json:"finished_at"`
}

const (
	StatusSuccess = "success"
	// StatusHousekeepingFailed means every unit was processed but the
	// prompt policy check could not complete.
	StatusHousekeepingFailed = "housekeeping_failed"
)

func (s *RunSummary) tally() {
	for _, r := range s.Results {
		if r.Analyzed {
			s.AnalyzedCount++
		}
		if r.Error != "" {
			s.ErrorCount++
		}
	}
}

// IsInvariantViolation reports whether err must abort a run.
func IsInvariantViolation(err error) bool {
	var iv *store.InvariantViolation
	return errors.As(err, &iv)
}

// housekeeping runs the prompt policy once at the end of a run.
func (e *Engine) housekeeping(ctx context.Context, sum *RunSummary) error {
	sum.Status = StatusSuccess
	if e.policy == nil {
		return nil
	}
	d, err := e.policy.Check(ctx)
	if err != nil {
		if IsInvariantViolation(err) {
			return err
		}
		e.log.WithError(err).Error("Prompt policy check failed")
		sum.Status = StatusHousekeepingFailed
		sum.PromptError = err.Error()
		return nil
	}
	sum.Prompt = d
	if d.Updated {
		e.metrics.PromptRegenerated()
	}
	return nil
}

// callAnalyzer bounds one analysis call by timeout and decodes the answer.
func (e *Engine) callAnalyzer(ctx context.Context, req analysis.Request, timeout time.Duration) (*analysis.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := e.analyzer.Complete(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			e.metrics.AnalysisFailed(string(req.Kind), "timeout")
			return nil, &TimeoutError{Op: string(req.Kind) + " analysis", Timeout: timeout}
		}
		e.metrics.AnalysisFailed(string(req.Kind), "backend")
		return nil, err
	}

	res, err := e.decoder.Decode(text)
	if err != nil {
		e.metrics.AnalysisFailed(string(req.Kind), "malformed")
		return nil, err
	}
	return res, nil
}

func (e *Engine) recordPattern(ctx context.Context, obs patterns.Observation) error {
	p, err := e.tracker.Record(ctx, obs)
	if err != nil {
		return err
	}
	e.metrics.PatternUpdated(string(p.Tier))
	return nil
}
