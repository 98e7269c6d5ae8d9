package store_test

import (
	"testing"
	"time"

	"github.com/headline-goat/contentloop/internal/store"
)

func TestScrollBuckets_AverageDepth(t *testing.T) {
	b := store.ScrollBuckets{P25: 2, P50: 0, P75: 1, P100: 1}
	if got := b.AverageDepth(); got != 56.25 {
		t.Errorf("got %f, want 56.25", got)
	}
	if got := (store.ScrollBuckets{}).AverageDepth(); got != 0 {
		t.Errorf("got %f for empty buckets, want 0", got)
	}
}

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in   string
		want store.Metric
		ok   bool
	}{
		{"bounce_rate", store.MetricBounce, true},
		{"AVG_ENGAGEMENT", store.MetricEngagement, true},
		{"scroll_depth_avg", store.MetricScroll, true},
		{"clicks", "", false},
	}
	for _, tt := range tests {
		got, err := store.ParseMetric(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseMetric(%q) error = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMetric(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if !store.MetricBounce.Inverted() || store.MetricEngagement.Inverted() {
		t.Error("only bounce_rate should be inverted")
	}
}

func TestTopicExperiment_Due(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	te := &store.TopicExperiment{Status: store.TopicRunning, DurationDays: 7, StartedAt: &started}

	if te.Due(started.AddDate(0, 0, 6)) {
		t.Error("should not be due after 6 days")
	}
	if !te.Due(started.AddDate(0, 0, 7)) {
		t.Error("should be due after exactly 7 days")
	}

	te.Status = store.TopicCancelled
	if te.Due(started.AddDate(0, 0, 30)) {
		t.Error("cancelled experiments are never due")
	}
}

func TestTier_Rank(t *testing.T) {
	if store.TierHigh.Rank() >= store.TierMedium.Rank() || store.TierLow.Rank() >= store.TierExperimental.Rank() {
		t.Error("tiers should rank HIGH < MEDIUM < LOW < EXPERIMENTAL")
	}
}

func TestPromptVersion_AppliesNil(t *testing.T) {
	var v *store.PromptVersion
	if v.Applies("x") {
		t.Error("nil version applies nothing")
	}
}
