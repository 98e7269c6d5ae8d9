package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/headline-goat/contentloop/internal/analysis"
	"github.com/headline-goat/contentloop/internal/patterns"
	"github.com/headline-goat/contentloop/internal/ranking"
	"github.com/headline-goat/contentloop/internal/store"
)

// TopicResults is the document stored on a completed topic experiment.
type TopicResults struct {
	*ranking.Result
	Analysis *analysis.Result `json:"analysis,omitempty"`
}

// RunTopicExperiments completes every running topic experiment whose
// duration has elapsed: it refreshes arm rollups, ranks the arms, asks for
// an analysis, stores the outcome and records the winning arm as a
// topic-level pattern. It then runs the prompt policy.
func (e *Engine) RunTopicExperiments(ctx context.Context) (*RunSummary, error) {
	defer e.metrics.ObserveRun("topic", time.Now())
	sum := &RunSummary{StartedAt: e.now(), Results: []*UnitResult{}}

	due, err := e.store.ListDueTopicExperiments(ctx, e.now(), e.opts.TopicBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due topic experiments: %w", err)
	}
	e.log.WithField("count", len(due)).Info("Completing due topic experiments")

	results := make([]*UnitResult, len(due))
	err = e.forEach(ctx, len(due), func(ctx context.Context, i int) error {
		r, err := e.processTopic(ctx, due[i])
		results[i] = r
		return err
	})
	if err != nil {
		return nil, err
	}
	sum.Results = append(sum.Results, results...)

	if err := e.housekeeping(ctx, sum); err != nil {
		return nil, err
	}
	sum.tally()
	sum.FinishedAt = e.now()
	return sum, nil
}

func (e *Engine) processTopic(ctx context.Context, t *store.TopicExperiment) (*UnitResult, error) {
	log := e.log.WithFields(logrus.Fields{"experiment_id": t.ID, "metric": t.PrimaryMetric})
	r := &UnitResult{ID: t.ID, Name: t.Name}

	if _, err := e.store.RefreshArmRollups(ctx, t.ID, *t.StartedAt, t.WindowEnd()); err != nil {
		return e.unitFailed(log, r, "topic", err)
	}
	members, err := e.store.ListArmMembers(ctx, t.ID)
	if err != nil {
		return e.unitFailed(log, r, "topic", err)
	}
	if len(members) == 0 {
		r.Outcome = OutcomeSkipped
		r.Reason = "no articles assigned to any arm"
		log.Warn("Topic experiment has no arm members, skipping")
		e.metrics.Unit("topic", OutcomeSkipped)
		return r, nil
	}

	groups, titles := groupMembers(t.Arms, members)
	rank := ranking.Rank(groups, t.PrimaryMetric)
	r.Winner, r.Ranking, r.NoData, r.Lift = rank.Winner, rank.Ranking, rank.NoData, rank.WinnerLift

	req, err := analysis.TopicRequest(analysis.TopicInput{
		Name:        t.Name,
		Description: t.Description,
		Metric:      t.PrimaryMetric,
		Arms:        t.Arms,
		Ranking:     rank,
		Titles:      titles,
	})
	if err != nil {
		return e.unitFailed(log, r, "topic", err)
	}

	res, err := e.callAnalyzer(ctx, req, e.opts.TopicTimeout)
	switch {
	case errors.Is(err, analysis.ErrAnalyzerDisabled):
		// The ranking alone decides the winner.
		r.Error = err.Error()
	case err != nil:
		return e.unitFailed(log, r, "topic", err)
	}

	doc, err := json.Marshal(TopicResults{Result: rank, Analysis: res})
	if err != nil {
		return e.unitFailed(log, r, "topic", fmt.Errorf("failed to encode topic results: %w", err))
	}
	notes := ""
	if res != nil {
		notes = res.Summary
		r.Summary = res.Summary
		r.Analyzed = true
	}
	// Completed experiments are never listed again, so the pattern is
	// recorded first.
	if rank.Winner != nil {
		if err := e.recordPattern(ctx, topicObservation(t.ID, *rank.Winner, rank.WinnerLift, res)); err != nil {
			r.Analyzed = false
			return e.unitFailed(log, r, "topic", fmt.Errorf("failed to record topic pattern: %w", err))
		}
		r.PatternsRecorded = 1
	}

	if err := e.store.CompleteTopicExperiment(ctx, t.ID, rank.Winner, doc, notes); err != nil {
		r.Analyzed = false
		return e.unitFailed(log, r, "topic", err)
	}
	r.Outcome = OutcomeCompleted
	e.metrics.Unit("topic", OutcomeCompleted)

	log.WithFields(logrus.Fields{"winner": r.Winner, "ranking": rank.Ranking}).Info("Topic experiment completed")
	return r, nil
}

// groupMembers buckets members by arm in the experiment's arm order.
func groupMembers(arms []string, members []*store.ArmMember) ([]ranking.Group, map[string][]string) {
	idx := make(map[string]int, len(arms))
	groups := make([]ranking.Group, 0, len(arms))
	for _, a := range arms {
		idx[a] = len(groups)
		groups = append(groups, ranking.Group{Arm: a})
	}

	titles := make(map[string][]string)
	for _, m := range members {
		i, ok := idx[m.Arm]
		if !ok {
			i = len(groups)
			idx[m.Arm] = i
			groups = append(groups, ranking.Group{Arm: m.Arm})
		}
		groups[i].Members = append(groups[i].Members, m.Rollup)
		if m.Title != "" {
			titles[m.Arm] = append(titles[m.Arm], m.Title)
		}
	}
	return groups, titles
}

func topicObservation(experimentID, arm string, lift *float64, res *analysis.Result) patterns.Observation {
	label := ranking.Label(arm)
	obs := patterns.Observation{
		Key: store.PatternKey{
			Name:             "topic pattern: " + label,
			Category:         store.CategoryTopic,
			TopicPatternType: arm,
		},
		Instruction:  fmt.Sprintf("Prefer topics framed as %q.", label),
		Lift:         lift,
		ExperimentID: experimentID,
		Won:          true,
	}
	if res != nil && res.WinnerInsights != nil {
		obs.Description = res.WinnerInsights.WhySuccessful
	}
	return obs
}
