package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/headline-goat/contentloop/internal/scoring"
	"github.com/headline-goat/contentloop/internal/store"
)

func TestSample_Snapshot(t *testing.T) {
	s := Sample{
		ContentID:     "coffee-heart",
		Variant:       "b",
		Date:          "2024-03-01",
		Views:         100,
		AvgTimeOnPage: 150,
		BounceRate:    0.4,
		Scroll:        store.ScrollBuckets{P25: 40, P50: 30, P75: 20, P100: 10},
	}

	m, err := s.Snapshot(scoring.Full)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if m.Tag != store.VariantB {
		t.Errorf("expected tag B, got %s", m.Tag)
	}
	if m.Sessions != 100 {
		t.Errorf("expected sessions to fall back to views, got %d", m.Sessions)
	}
	if m.ScrollDepthAvg != 50 {
		t.Errorf("expected scroll depth avg 50, got %v", m.ScrollDepthAvg)
	}
	// 0.25*50 + 0.35*20 + 0.25*60 + 0.15*100
	if m.EngagementScore != 49.5 {
		t.Errorf("expected engagement score 49.5, got %v", m.EngagementScore)
	}
}

func TestSample_SnapshotRejects(t *testing.T) {
	base := Sample{ContentID: "x", Variant: "A", Date: "2024-03-01", Views: 10, BounceRate: 0.5}

	tests := map[string]func(s *Sample){
		"percentage bounce": func(s *Sample) { s.BounceRate = 45 },
		"negative views":    func(s *Sample) { s.Views = -1 },
		"bad variant":       func(s *Sample) { s.Variant = "C" },
		"bad date":          func(s *Sample) { s.Date = "03/01/2024" },
		"missing content":   func(s *Sample) { s.ContentID = "" },
		"negative scroll":   func(s *Sample) { s.Scroll.P75 = -3 },
		"engagement > 1":    func(s *Sample) { s.EngagementRate = 1.5 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			s := base
			mutate(&s)
			if _, err := s.Snapshot(scoring.Full); err == nil {
				t.Errorf("expected %s to be rejected", name)
			}
		})
	}
}

func TestReadSamples_CSV(t *testing.T) {
	in := `content_id,variant,date,views,sessions,avg_time_on_page,bounce_rate,engagement_rate,scroll_75
coffee-heart,A,2024-03-01,120,100,95.5,0.35,0.62,40
coffee-heart,B,2024-03-01,110,,80,0.5,,
`
	samples, err := ReadSamples(strings.NewReader(in), "csv")
	if err != nil {
		t.Fatalf("ReadSamples failed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0].Views != 120 || samples[0].Sessions != 100 || samples[0].Scroll.P75 != 40 || samples[0].EngagementRate != 0.62 {
		t.Errorf("unexpected first sample: %+v", samples[0])
	}
	if samples[1].Sessions != 0 || samples[1].BounceRate != 0.5 {
		t.Errorf("unexpected second sample: %+v", samples[1])
	}
}

func TestReadSamples_Errors(t *testing.T) {
	if _, err := ReadSamples(strings.NewReader("variant,date\nA,2024-03-01\n"), "csv"); err == nil {
		t.Error("expected missing content_id column to fail")
	}
	if _, err := ReadSamples(strings.NewReader("content_id,variant,date,views\nx,A,2024-03-01,many\n"), "csv"); err == nil {
		t.Error("expected non-numeric views to fail")
	}
	if _, err := ReadSamples(strings.NewReader("[]"), "xml"); err == nil {
		t.Error("expected unknown format to fail")
	}
}

func TestIngest(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	samples, err := ReadSamples(strings.NewReader(`[
		{"content_id": "p1", "variant": "A", "date": "2024-03-01", "views": 50, "avg_time_on_page": 60, "bounce_rate": 0.3},
		{"content_id": "p1", "variant": "A", "date": "2024-03-02", "views": 70, "avg_time_on_page": 60, "bounce_rate": 30},
		{"content_id": "p1", "variant": "A", "date": "2024-03-01", "views": 80, "avg_time_on_page": 60, "bounce_rate": 0.3}
	]`), "json")
	if err != nil {
		t.Fatalf("ReadSamples failed: %v", err)
	}

	res, err := Ingest(context.Background(), s, samples, scoring.Full)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.Upserted != 2 || res.Rejected != 1 {
		t.Errorf("expected 2 upserted and 1 rejected, got %+v", res)
	}
	if len(res.Errors) != 1 || !strings.HasPrefix(res.Errors[0], "row 2:") {
		t.Errorf("unexpected errors: %v", res.Errors)
	}

	rows, err := s.ListMetrics(context.Background(), "p1", store.VariantA)
	if err != nil {
		t.Fatalf("ListMetrics failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Views != 80 {
		t.Errorf("expected one upserted row with 80 views, got %+v", rows)
	}
	if rows[0].EngagementScore <= 0 {
		t.Errorf("expected a computed engagement score, got %v", rows[0].EngagementScore)
	}
}

func TestIngest_ScoringProfiles(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	sample := Sample{
		Variant:        "A",
		Date:           "2024-03-01",
		Views:          100,
		AvgTimeOnPage:  30,
		BounceRate:     0.4,
		EngagementRate: 0.7,
	}
	tests := []struct {
		contentID string
		profile   scoring.Profile
		want      float64
	}{
		// 0.40*50 + 0.30*60 + 0.30*70
		{"raw-ga", scoring.Collector, 59},
		// 0.25*10 + 0.35*0 + 0.25*60 + 0.15*100
		{"article", scoring.Full, 32.5},
	}
	for _, tt := range tests {
		smp := sample
		smp.ContentID = tt.contentID
		res, err := Ingest(ctx, s, []Sample{smp}, tt.profile)
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if res.Upserted != 1 {
			t.Fatalf("expected one upserted row, got %+v", res)
		}

		rows, err := s.ListMetrics(ctx, tt.contentID, store.VariantA)
		if err != nil {
			t.Fatalf("ListMetrics failed: %v", err)
		}
		if len(rows) != 1 || rows[0].EngagementScore != tt.want {
			t.Errorf("%s profile: expected score %v, got %+v", tt.profile, tt.want, rows)
		}
	}
}
