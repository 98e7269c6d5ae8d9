package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/headline-goat/contentloop/internal/analysis"
	"github.com/headline-goat/contentloop/internal/patterns"
	"github.com/headline-goat/contentloop/internal/stats"
	"github.com/headline-goat/contentloop/internal/store"
)

const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// RunExperiments evaluates running two-arm experiments, analyzes the ones
// that have a winner and have not been analyzed yet, then runs the prompt
// policy. Per-experiment failures are reported in the summary; only an
// invariant violation or a failing store listing is returned as an error.
func (e *Engine) RunExperiments(ctx context.Context) (*RunSummary, error) {
	defer e.metrics.ObserveRun("experiment", time.Now())
	sum := &RunSummary{StartedAt: e.now(), Results: []*UnitResult{}}

	running, err := e.store.ListExperiments(ctx, store.ExperimentRunning, e.opts.ABBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list running experiments: %w", err)
	}
	e.log.WithField("count", len(running)).Info("Evaluating running experiments")

	evaluated := make([]*UnitResult, len(running))
	err = e.forEach(ctx, len(running), func(ctx context.Context, i int) error {
		r, err := e.evaluateExperiment(ctx, running[i])
		evaluated[i] = r
		return err
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*UnitResult, len(evaluated))
	for _, r := range evaluated {
		sum.Results = append(sum.Results, r)
		byID[r.ID] = r
	}

	pending, err := e.store.ListUnanalyzedExperiments(ctx, e.opts.ABBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unanalyzed experiments: %w", err)
	}
	e.log.WithField("count", len(pending)).Info("Analyzing completed experiments")

	analyzed := make([]*UnitResult, len(pending))
	err = e.forEach(ctx, len(pending), func(ctx context.Context, i int) error {
		r, ok := byID[pending[i].ID]
		if !ok {
			r = completedResult(pending[i])
			analyzed[i] = r
		}
		return e.analyzeExperiment(ctx, pending[i], r)
	})
	if err != nil {
		return nil, err
	}
	for _, r := range analyzed {
		if r != nil {
			sum.Results = append(sum.Results, r)
		}
	}

	if err := e.housekeeping(ctx, sum); err != nil {
		return nil, err
	}
	sum.tally()
	sum.FinishedAt = e.now()
	return sum, nil
}

// forEach runs fn for 0..n-1 with bounded concurrency. The first non-nil
// error cancels the rest and is returned.
func (e *Engine) forEach(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error { return fn(gctx, i) })
	}
	return g.Wait()
}

func completedResult(exp *store.Experiment) *UnitResult {
	r := &UnitResult{ID: exp.ID, Name: exp.Name, Outcome: OutcomeCompleted, Lift: exp.Lift, PValue: exp.PValue}
	if exp.Winner != nil {
		w := string(*exp.Winner)
		r.Winner = &w
	}
	return r
}

// evaluateExperiment applies the statistical decision to one experiment.
// The returned error is non-nil only for invariant violations.
func (e *Engine) evaluateExperiment(ctx context.Context, exp *store.Experiment) (*UnitResult, error) {
	log := e.log.WithField("experiment_id", exp.ID)
	r := &UnitResult{ID: exp.ID, Name: exp.Name}

	since := e.now().AddDate(0, 0, -e.opts.WindowDays)
	control, err := e.window(ctx, exp.ContentID, exp.Control, since)
	if err != nil {
		return e.unitFailed(log, r, "experiment", err)
	}
	treatment, err := e.window(ctx, exp.ContentID, exp.Treatment, since)
	if err != nil {
		return e.unitFailed(log, r, "experiment", err)
	}

	ev := e.evaluator.Evaluate(*control, *treatment)
	r.Outcome = string(ev.Conclusion)
	r.PValue = ev.PValue
	r.Degraded = ev.Degraded
	log = log.WithFields(logrus.Fields{
		"conclusion":      ev.Conclusion,
		"control_views":   ev.ControlViews,
		"treatment_views": ev.TreatmentViews,
	})
	if ev.Degraded {
		log.Warn("Single aggregate per arm, test power is degraded")
	}

	switch ev.Conclusion {
	case stats.Significant:
		winner := exp.Treatment
		if *ev.Winner == stats.Control {
			winner = exp.Control
		}
		if err := e.store.CompleteExperiment(ctx, exp.ID, winner, ev.Lift, *ev.PValue, ev.ConfidenceLevel()); err != nil {
			return e.unitFailed(log, r, "experiment", err)
		}
		w, lift := string(winner), ev.Lift
		r.Winner, r.Lift = &w, &lift
		log.WithFields(logrus.Fields{"winner": winner, "lift": lift, "p_value": *ev.PValue}).Info("Experiment completed")

	case stats.Inconclusive:
		if err := e.store.RecordLift(ctx, exp.ID, ev.Lift, ev.PValue); err != nil {
			return e.unitFailed(log, r, "experiment", err)
		}
		lift := ev.Lift
		r.Lift = &lift
		log.WithField("lift", lift).Info("Experiment inconclusive, lift recorded")

	case stats.InsufficientData:
		r.Reason = fmt.Sprintf("%v: control %d views, treatment %d views, need %d",
			ev.Err, ev.ControlViews, ev.TreatmentViews, e.evaluator.MinSampleSize)
		log.Debug("Not enough views yet")

	case stats.Errored:
		r.Error = ev.Err.Error()
		log.WithError(ev.Err).Warn("Statistical test failed, experiment left running")
	}

	e.metrics.Unit("experiment", r.Outcome)
	return r, nil
}

// window returns the arm window, or an empty one when the variant has no
// metrics since the given day.
func (e *Engine) window(ctx context.Context, contentID string, tag store.VariantTag, since time.Time) (*store.ArmWindow, error) {
	w, err := e.store.ArmWindow(ctx, contentID, tag, since)
	if errors.Is(err, store.ErrNotFound) {
		return &store.ArmWindow{}, nil
	}
	return w, err
}

// unitFailed folds err into r unless it must abort the run.
func (e *Engine) unitFailed(log logrus.FieldLogger, r *UnitResult, kind string, err error) (*UnitResult, error) {
	if IsInvariantViolation(err) {
		return r, err
	}
	r.Outcome = OutcomeError
	r.Error = err.Error()
	log.WithError(err).Error("Unit of work failed")
	e.metrics.Unit(kind, OutcomeError)
	return r, nil
}

// analyzeExperiment asks why the winner won and records every named
// pattern. The experiment is marked analyzed only when all of that
// succeeded, so a failed unit is retried on the next run; patterns that
// already list the experiment are not counted again.
func (e *Engine) analyzeExperiment(ctx context.Context, exp *store.Experiment, r *UnitResult) error {
	log := e.log.WithField("experiment_id", exp.ID)
	fail := func(err error) error {
		if IsInvariantViolation(err) {
			return err
		}
		r.Error = err.Error()
		log.WithError(err).Error("Experiment analysis failed")
		return nil
	}

	input, err := e.experimentInput(ctx, exp)
	if err != nil {
		return fail(err)
	}
	req, err := analysis.ExperimentRequest(input)
	if err != nil {
		return fail(err)
	}
	res, err := e.callAnalyzer(ctx, req, e.opts.AnalysisTimeout)
	if err != nil {
		return fail(err)
	}

	lift := exp.Lift
	if res.Lift != nil {
		lift = res.Lift
	}
	observations := make([]patterns.Observation, 0, len(res.Patterns))
	for i, p := range res.Patterns {
		obs := patterns.Observation{
			Key:          store.PatternKey{Name: p.Name, Category: p.StoreCategory()},
			Description:  p.Description,
			Instruction:  p.PromptInstruction,
			Lift:         lift,
			ExperimentID: exp.ID,
			Won:          true,
		}
		if err := obs.Validate(); err != nil {
			return fail(&analysis.FormatError{Reason: fmt.Sprintf("pattern %d: %v", i, err)})
		}
		observations = append(observations, obs)
	}
	for _, obs := range observations {
		if err := e.recordPattern(ctx, obs); err != nil {
			return fail(err)
		}
		r.PatternsRecorded++
	}

	if err := e.store.MarkExperimentAnalyzed(ctx, exp.ID); err != nil {
		return fail(err)
	}
	r.Analyzed = true
	r.Summary = res.Summary
	log.WithField("patterns", r.PatternsRecorded).Info("Experiment analyzed")
	return nil
}

func (e *Engine) experimentInput(ctx context.Context, exp *store.Experiment) (analysis.ExperimentInput, error) {
	in := analysis.ExperimentInput{
		Name:          exp.Name,
		Hypothesis:    exp.Hypothesis,
		TargetSection: exp.TargetSection,
		PValue:        "n/a",
	}
	if exp.Winner != nil {
		in.Winner = string(*exp.Winner)
	}
	if exp.PValue != nil {
		in.PValue = fmt.Sprintf("%.4f", *exp.PValue)
	}
	if exp.Lift != nil {
		in.Lift = *exp.Lift
	}

	end := e.now()
	if exp.EndedAt != nil {
		end = *exp.EndedAt
	}
	since := end.AddDate(0, 0, -e.opts.WindowDays)

	for _, v := range []struct {
		tag  store.VariantTag
		role string
	}{{exp.Control, "control"}, {exp.Treatment, "treatment"}} {
		s, err := e.variantSummary(ctx, exp.ContentID, v.tag, since)
		if err != nil {
			return in, err
		}
		s.Role = v.role
		in.Variants = append(in.Variants, s)
	}
	return in, nil
}

// variantSummary describes one variant's content and its metrics since the
// given day. A variant without stored content is described by metrics only.
func (e *Engine) variantSummary(ctx context.Context, contentID string, tag store.VariantTag, since time.Time) (analysis.VariantSummary, error) {
	s := analysis.VariantSummary{Tag: tag}

	c, err := e.store.GetContent(ctx, contentID, tag)
	switch {
	case err == nil:
		s.Title = c.Title
		s.Intro, s.SectionCount, s.FAQCount = analysis.SummarizeSections(c.Sections)
	case !errors.Is(err, store.ErrNotFound):
		return s, err
	}

	snaps, err := e.store.ListMetrics(ctx, contentID, tag)
	if err != nil {
		return s, err
	}
	var days, sessions, reached75 int
	for _, m := range snaps {
		if m.Date.Before(since) {
			continue
		}
		days++
		s.AvgTime += m.AvgTimeOnPage
		s.BounceRatePct += m.BounceRate * 100
		s.Engagement += m.EngagementScore
		sessions += m.Sessions
		reached75 += m.Scroll.P75
	}
	if days > 0 {
		s.AvgTime /= float64(days)
		s.BounceRatePct /= float64(days)
		s.Engagement /= float64(days)
	}
	if sessions > 0 {
		s.Scroll75Rate = float64(reached75) / float64(sessions) * 100
	}
	return s, nil
}
