package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// VariantTag identifies one variant of a content item.
type VariantTag string

const (
	VariantA VariantTag = "A"
	VariantB VariantTag = "B"
)

// ParseVariantTag validates a variant tag coming from outside the core.
func ParseVariantTag(s string) (VariantTag, error) {
	switch VariantTag(strings.ToUpper(strings.TrimSpace(s))) {
	case VariantA:
		return VariantA, nil
	case VariantB:
		return VariantB, nil
	}
	return "", fmt.Errorf("invalid variant tag %q (want A or B)", s)
}

type ContentState string

const (
	ContentPublished ContentState = "published"
	ContentRetired   ContentState = "retired"
)

// ContentVariant is one published rendition of a content item.
// Sections is kept as raw JSON; the core never looks inside it.
type ContentVariant struct {
	ContentID    string
	Tag          VariantTag
	Title        string
	Description  string
	Sections     json.RawMessage
	TopicPattern string
	State        ContentState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ScrollBuckets counts readers reaching each scroll depth threshold.
type ScrollBuckets struct {
	P25  int `json:"25"`
	P50  int `json:"50"`
	P75  int `json:"75"`
	P100 int `json:"100"`
}

// Total returns the number of scroll events across all buckets.
func (b ScrollBuckets) Total() int {
	return b.P25 + b.P50 + b.P75 + b.P100
}

// AverageDepth returns the count-weighted mean scroll depth in percent.
func (b ScrollBuckets) AverageDepth() float64 {
	total := b.Total()
	if total < 1 {
		total = 1
	}
	return float64(b.P25*25+b.P50*50+b.P75*75+b.P100*100) / float64(total)
}

// MetricSnapshot is one day of traffic for one variant.
// Rows are upserted by (ContentID, Tag, Date) and never edited otherwise.
type MetricSnapshot struct {
	ContentID       string
	Tag             VariantTag
	Date            time.Time
	Views           int
	Sessions        int
	AvgTimeOnPage   float64
	BounceRate      float64 // fraction in [0,1]
	Scroll          ScrollBuckets
	ScrollDepthAvg  float64
	EngagementScore float64
}

// ArmWindow aggregates one variant's snapshots over an evaluation window.
type ArmWindow struct {
	AvgScore     float64
	TotalViews   int
	ScoreSamples []float64
}

type ExperimentStatus string

const (
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentCompleted ExperimentStatus = "completed"
)

// Experiment is a two-arm test between two variants of the same content.
type Experiment struct {
	ID              string
	ContentID       string
	Name            string
	Hypothesis      string
	TargetSection   string
	Control         VariantTag
	Treatment       VariantTag
	Status          ExperimentStatus
	Winner          *VariantTag
	Lift            *float64
	PValue          *float64
	ConfidenceLevel *float64
	StartedAt       time.Time
	EndedAt         *time.Time
	AnalyzedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type TopicStatus string

const (
	TopicDraft     TopicStatus = "draft"
	TopicRunning   TopicStatus = "running"
	TopicCompleted TopicStatus = "completed"
	TopicCancelled TopicStatus = "cancelled"
)

// ParseTopicStatus validates a topic experiment status.
func ParseTopicStatus(s string) (TopicStatus, error) {
	switch st := TopicStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case TopicDraft, TopicRunning, TopicCompleted, TopicCancelled:
		return st, nil
	}
	return "", fmt.Errorf("invalid topic experiment status %q", s)
}

// Metric selects the rollup field topic experiments are ranked by.
type Metric string

const (
	MetricEngagement Metric = "engagement_score"
	MetricTimeOnPage Metric = "avg_time_on_page"
	MetricScroll     Metric = "scroll_depth_avg"
	MetricBounce     Metric = "bounce_rate"
)

// Metrics lists every selectable ranking metric.
var Metrics = []Metric{MetricEngagement, MetricTimeOnPage, MetricScroll, MetricBounce}

// ParseMetric validates a metric selector. "avg_engagement" is accepted
// as an alias of the engagement score.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case MetricEngagement, MetricTimeOnPage, MetricScroll, MetricBounce:
		return m, nil
	case "avg_engagement", "engagement":
		return MetricEngagement, nil
	}
	return "", fmt.Errorf("invalid metric %q", s)
}

// Inverted reports whether lower values of the metric are better.
func (m Metric) Inverted() bool {
	return m == MetricBounce
}

// TopicExperiment compares N groups ("arms") of articles.
type TopicExperiment struct {
	ID            string
	Name          string
	Description   string
	PromptVersion string
	Arms          []string
	PrimaryMetric Metric
	DurationDays  int
	Status        TopicStatus
	WinnerArm     *string
	Results       json.RawMessage
	AnalysisNotes string
	StartedAt     *time.Time
	EndedAt       *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WindowEnd returns the end of the measurement window, or the zero time
// if the experiment has not started.
func (t *TopicExperiment) WindowEnd() time.Time {
	if t.StartedAt == nil {
		return time.Time{}
	}
	return t.StartedAt.AddDate(0, 0, t.DurationDays)
}

// Due reports whether a running experiment has reached its duration.
func (t *TopicExperiment) Due(now time.Time) bool {
	return t.Status == TopicRunning && t.StartedAt != nil && !now.Before(t.WindowEnd())
}

// Rollup is the metrics summary stored on an arm membership.
type Rollup struct {
	TotalViews    int     `json:"total_views"`
	AvgTime       float64 `json:"avg_time"`
	AvgBounce     float64 `json:"avg_bounce"`
	AvgScroll     float64 `json:"avg_scroll"`
	AvgEngagement float64 `json:"avg_engagement"`
}

// ArmMember maps a content variant into an arm of a topic experiment.
type ArmMember struct {
	ExperimentID string
	Arm          string
	ContentID    string
	Tag          VariantTag
	Title        string
	Rollup       Rollup
	UpdatedAt    *time.Time
}

type Category string

const (
	CategoryIntro     Category = "intro"
	CategoryTitle     Category = "title"
	CategoryStructure Category = "structure"
	CategoryFAQ       Category = "faq"
	CategoryVisual    Category = "visual"
	CategoryMeta      Category = "meta"
	CategoryOther     Category = "other"
	CategoryTopic     Category = "topic"
)

// ParseCategory validates a pattern category.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryIntro, CategoryTitle, CategoryStructure, CategoryFAQ,
		CategoryVisual, CategoryMeta, CategoryOther, CategoryTopic:
		return c, nil
	}
	return "", fmt.Errorf("invalid pattern category %q", s)
}

// Tier is a pattern's confidence tier.
type Tier string

const (
	TierExperimental Tier = "EXPERIMENTAL"
	TierLow          Tier = "LOW"
	TierMedium       Tier = "MEDIUM"
	TierHigh         Tier = "HIGH"
)

// ParseTier validates a stored tier string.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToUpper(strings.TrimSpace(s))); t {
	case TierExperimental, TierLow, TierMedium, TierHigh:
		return t, nil
	}
	return "", fmt.Errorf("invalid confidence tier %q", s)
}

// Rank orders tiers for display: HIGH first.
func (t Tier) Rank() int {
	switch t {
	case TierHigh:
		return 1
	case TierMedium:
		return 2
	case TierLow:
		return 3
	}
	return 4
}

// PatternKey identifies a pattern for upserts. Topic-level patterns are
// keyed by TopicPatternType alone.
type PatternKey struct {
	Name             string
	Category         Category
	TopicPatternType string
}

func (k PatternKey) String() string {
	if k.TopicPatternType != "" {
		return "topic:" + k.TopicPatternType
	}
	return string(k.Category) + ":" + k.Name
}

// Pattern is a reusable authoring instruction learnt from winning variants.
type Pattern struct {
	ID                string
	Name              string
	Category          Category
	TopicPatternType  string
	Description       string
	PromptInstruction string
	TestCount         int
	WinCount          int
	WinRate           float64
	AvgLift           float64
	Tier              Tier
	SourceExperiments []string
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Key returns the upsert key of the pattern.
func (p *Pattern) Key() PatternKey {
	return PatternKey{Name: p.Name, Category: p.Category, TopicPatternType: p.TopicPatternType}
}

type PromptStatus string

const (
	PromptActive     PromptStatus = "active"
	PromptDeprecated PromptStatus = "deprecated"
)

// PromptVersion is a versioned generation prompt.
type PromptVersion struct {
	ID                string
	Version           string
	Name              string
	Description       string
	SystemPrompt      string
	UserTemplate      string
	AppliedPatternIDs []string
	Status            PromptStatus
	ActivatedAt       *time.Time
	DeprecatedAt      *time.Time
	CreatedAt         time.Time
}

// Applies reports whether the version already carries the pattern id.
func (v *PromptVersion) Applies(patternID string) bool {
	if v == nil {
		return false
	}
	for _, id := range v.AppliedPatternIDs {
		if id == patternID {
			return true
		}
	}
	return false
}
