package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleActivePrompt is returned when the active prompt version changed
	// between reading it and replacing it.
	ErrStaleActivePrompt = errors.New("active prompt version changed concurrently")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the record's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// InvariantViolation reports persisted state that breaks a hard invariant.
// It must abort the run and is never corrected automatically.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s: %s", e.Invariant, e.Detail)
}

// PatternMutator is applied to a pattern inside the upsert transaction.
// exists is false when no row matched the key; p is then a zero Pattern
// carrying the key fields.
type PatternMutator func(p *Pattern, exists bool) error

// Store defines the persistence operations the engine depends on.
type Store interface {
	// Content
	UpsertContent(ctx context.Context, c *ContentVariant) error
	GetContent(ctx context.Context, contentID string, tag VariantTag) (*ContentVariant, error)

	// Metrics
	UpsertMetric(ctx context.Context, m *MetricSnapshot) error
	ArmWindow(ctx context.Context, contentID string, tag VariantTag, since time.Time) (*ArmWindow, error)
	ListMetrics(ctx context.Context, contentID string, tag VariantTag) ([]*MetricSnapshot, error)

	// Two-arm experiments
	CreateExperiment(ctx context.Context, e *Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	ListExperiments(ctx context.Context, status ExperimentStatus, limit int) ([]*Experiment, error)
	ListUnanalyzedExperiments(ctx context.Context, limit int) ([]*Experiment, error)
	CompleteExperiment(ctx context.Context, id string, winner VariantTag, lift, pValue, confidence float64) error
	RecordLift(ctx context.Context, id string, lift float64, pValue *float64) error
	MarkExperimentAnalyzed(ctx context.Context, id string) error

	// Topic experiments
	CreateTopicExperiment(ctx context.Context, t *TopicExperiment) error
	GetTopicExperiment(ctx context.Context, id string) (*TopicExperiment, error)
	ListTopicExperiments(ctx context.Context) ([]*TopicExperiment, error)
	ListDueTopicExperiments(ctx context.Context, now time.Time, limit int) ([]*TopicExperiment, error)
	StartTopicExperiment(ctx context.Context, id string, at time.Time) error
	CancelTopicExperiment(ctx context.Context, id string) error
	CompleteTopicExperiment(ctx context.Context, id string, winnerArm *string, results []byte, notes string) error
	AddArmMember(ctx context.Context, experimentID, arm, contentID string, tag VariantTag) error
	ListArmMembers(ctx context.Context, experimentID string) ([]*ArmMember, error)
	RefreshArmRollups(ctx context.Context, experimentID string, from, to time.Time) (int, error)

	// Patterns
	UpdatePattern(ctx context.Context, key PatternKey, fn PatternMutator) (*Pattern, error)
	GetPattern(ctx context.Context, id string) (*Pattern, error)
	ListPatterns(ctx context.Context, activeOnly bool) ([]*Pattern, error)
	DeactivatePattern(ctx context.Context, id string) error

	// Prompt versions
	ActivePromptVersion(ctx context.Context) (*PromptVersion, error)
	ReplaceActivePrompt(ctx context.Context, previousID string, next *PromptVersion) error
	ListPromptVersions(ctx context.Context) ([]*PromptVersion, error)

	// Lifecycle
	Close() error
}
