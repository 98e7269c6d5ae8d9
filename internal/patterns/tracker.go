// Package patterns tracks how often authoring patterns explain winning
// variants and derives their confidence tiers.
package patterns

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/headline-goat/contentloop/internal/store"
)

// Repository is the slice of the store the tracker writes through.
type Repository interface {
	UpdatePattern(ctx context.Context, key store.PatternKey, fn store.PatternMutator) (*store.Pattern, error)
}

// Observation is one occurrence of a pattern in an experiment analysis.
type Observation struct {
	Key          store.PatternKey
	Description  string
	Instruction  string
	Lift         *float64 // nil counts as 0
	ExperimentID string
	// Won is true when the pattern explains the winning arm. Analyses only
	// name patterns of winners, so callers in the run cycle always set it.
	Won bool
}

// Validate reports an observation the tracker would refuse.
func (o Observation) Validate() error {
	if strings.TrimSpace(o.Key.Name) == "" && o.Key.TopicPatternType == "" {
		return errors.New("pattern name is required")
	}
	if o.Key.Category == "" {
		return errors.New("pattern category is required")
	}
	if o.ExperimentID == "" {
		return errors.New("source experiment id is required")
	}
	return nil
}

// Tracker owns the counters and tier of every pattern.
type Tracker struct {
	repo   Repository
	locker Locker
	log    logrus.FieldLogger
}

func NewTracker(repo Repository, locker Locker, log logrus.FieldLogger) *Tracker {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Tracker{repo: repo, locker: locker, log: log}
}

// Record upserts the observed pattern and merges the observation into its
// counters, running lift average, tier and audit trail. Updates to the
// same key are serialized through the tracker's locker. Recording the same
// experiment twice for a pattern leaves it unchanged.
func (t *Tracker) Record(ctx context.Context, obs Observation) (*store.Pattern, error) {
	if err := obs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pattern observation: %w", err)
	}

	unlock, err := t.locker.Lock(ctx, obs.Key.String())
	if err != nil {
		return nil, fmt.Errorf("failed to lock pattern %s: %w", obs.Key, err)
	}
	defer unlock()

	var before store.Tier
	var created, merged bool
	p, err := t.repo.UpdatePattern(ctx, obs.Key, func(p *store.Pattern, exists bool) error {
		before = p.Tier
		created = !exists
		merged = Merge(p, exists, obs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update pattern %s: %w", obs.Key, err)
	}

	entry := t.log.WithFields(logrus.Fields{
		"pattern":       obs.Key.String(),
		"experiment_id": obs.ExperimentID,
		"test_count":    p.TestCount,
		"win_rate":      p.WinRate,
		"tier":          p.Tier,
	})
	switch {
	case !merged:
		entry.Debug("Pattern already counts this experiment")
	case created:
		entry.Info("Pattern created")
	case before != p.Tier:
		entry.WithField("previous_tier", before).Info("Pattern tier changed")
	default:
		entry.Debug("Pattern updated")
	}
	return p, nil
}

// Merge applies obs to p and reports whether it did. exists is false for a
// pattern seen for the first time. An experiment already listed in
// p.SourceExperiments is not counted again.
func Merge(p *store.Pattern, exists bool, obs Observation) bool {
	if exists && slices.Contains(p.SourceExperiments, obs.ExperimentID) {
		return false
	}
	lift := 0.0
	if obs.Lift != nil && !math.IsNaN(*obs.Lift) {
		lift = *obs.Lift
	}
	win := 0
	if obs.Won {
		win = 1
	}

	if !exists {
		p.TestCount = 1
		p.WinCount = win
		p.AvgLift = round2(lift)
		p.Active = true
	} else {
		p.TestCount++
		p.WinCount += win
		n := float64(p.TestCount)
		p.AvgLift = round2((p.AvgLift*(n-1) + lift) / n)
	}

	// topic patterns take the latest winner explanation
	if obs.Description != "" && (p.Description == "" || p.TopicPatternType != "") {
		p.Description = obs.Description
	}
	if p.PromptInstruction == "" {
		p.PromptInstruction = obs.Instruction
	}
	p.WinRate = round2(float64(p.WinCount) / float64(p.TestCount) * 100)
	p.Tier = TierFor(p.TestCount, p.WinRate)
	p.SourceExperiments = append(p.SourceExperiments, obs.ExperimentID)
	return true
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
