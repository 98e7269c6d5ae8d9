package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/headline-goat/contentloop/internal/scoring"
	"github.com/headline-goat/contentloop/internal/store"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Sample is one day of traffic for one variant as delivered by the
// metrics collector. Rates are fractions in [0,1].
type Sample struct {
	ContentID      string              `json:"content_id" validate:"required"`
	Variant        string              `json:"variant" validate:"required"`
	Date           string              `json:"date" validate:"required,datetime=2006-01-02"`
	Views          int                 `json:"views" validate:"gte=0"`
	Sessions       int                 `json:"sessions" validate:"gte=0"`
	AvgTimeOnPage  float64             `json:"avg_time_on_page" validate:"gte=0"`
	BounceRate     float64             `json:"bounce_rate" validate:"gte=0,lte=1"`
	EngagementRate float64             `json:"engagement_rate" validate:"gte=0,lte=1"`
	Scroll         store.ScrollBuckets `json:"scroll"`
}

// Snapshot validates s and derives the stored snapshot: average scroll
// depth and the engagement score under profile. Missing sessions fall back
// to views.
func (s Sample) Snapshot(profile scoring.Profile) (*store.MetricSnapshot, error) {
	if err := validate.Struct(s); err != nil {
		return nil, fmt.Errorf("invalid metric sample for %s/%s: %w", s.ContentID, s.Variant, err)
	}
	if s.Scroll.P25 < 0 || s.Scroll.P50 < 0 || s.Scroll.P75 < 0 || s.Scroll.P100 < 0 {
		return nil, fmt.Errorf("invalid metric sample for %s/%s: negative scroll count", s.ContentID, s.Variant)
	}
	tag, err := store.ParseVariantTag(s.Variant)
	if err != nil {
		return nil, err
	}
	date, err := time.Parse("2006-01-02", s.Date)
	if err != nil {
		return nil, fmt.Errorf("invalid metric date %q: %w", s.Date, err)
	}

	m := &store.MetricSnapshot{
		ContentID:     s.ContentID,
		Tag:           tag,
		Date:          date,
		Views:         s.Views,
		Sessions:      s.Sessions,
		AvgTimeOnPage: s.AvgTimeOnPage,
		BounceRate:    s.BounceRate,
		Scroll:        s.Scroll,
	}
	if m.Sessions == 0 {
		m.Sessions = m.Views
	}
	m.ScrollDepthAvg = m.Scroll.AverageDepth()
	in := scoring.FromSnapshot(m)
	in.EngagementRate = s.EngagementRate
	m.EngagementScore = scoring.Score(profile, in)
	return m, nil
}

// IngestResult counts what Ingest wrote.
type IngestResult struct {
	Upserted int      `json:"upserted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// Ingest scores every sample under profile and upserts it. Invalid samples
// are rejected individually; a store failure stops the batch.
func Ingest(ctx context.Context, s store.Store, samples []Sample, profile scoring.Profile) (*IngestResult, error) {
	res := &IngestResult{}
	for i, smp := range samples {
		m, err := smp.Snapshot(profile)
		if err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: %v", i+1, err))
			continue
		}
		if err := s.UpsertMetric(ctx, m); err != nil {
			return res, err
		}
		res.Upserted++
	}
	return res, nil
}

// ReadSamples decodes samples in "json" (an array) or "csv" format. CSV
// input needs a header row naming the columns:
//
//	content_id,variant,date,views,sessions,avg_time_on_page,bounce_rate,engagement_rate,scroll_25,scroll_50,scroll_75,scroll_100
func ReadSamples(r io.Reader, format string) ([]Sample, error) {
	switch format {
	case "json":
		var out []Sample
		if err := json.NewDecoder(r).Decode(&out); err != nil {
			return nil, fmt.Errorf("failed to decode samples: %w", err)
		}
		return out, nil
	case "csv":
		return readCSV(r)
	}
	return nil, fmt.Errorf("invalid format %q: must be 'csv' or 'json'", format)
}

func readCSV(r io.Reader) ([]Sample, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range []string{"content_id", "variant", "date"} {
		if _, ok := col[req]; !ok {
			return nil, fmt.Errorf("csv header is missing %q", req)
		}
	}

	var out []Sample
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv line %d: %w", line, err)
		}

		get := func(name string) string {
			if i, ok := col[name]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		var perr error
		atoi := func(name string) int {
			v := get(name)
			if v == "" || perr != nil {
				return 0
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				perr = fmt.Errorf("line %d: invalid %s %q", line, name, v)
			}
			return n
		}
		atof := func(name string) float64 {
			v := get(name)
			if v == "" || perr != nil {
				return 0
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				perr = fmt.Errorf("line %d: invalid %s %q", line, name, v)
			}
			return f
		}

		s := Sample{
			ContentID:      get("content_id"),
			Variant:        get("variant"),
			Date:           get("date"),
			Views:          atoi("views"),
			Sessions:       atoi("sessions"),
			AvgTimeOnPage:  atof("avg_time_on_page"),
			BounceRate:     atof("bounce_rate"),
			EngagementRate: atof("engagement_rate"),
			Scroll: store.ScrollBuckets{
				P25:  atoi("scroll_25"),
				P50:  atoi("scroll_50"),
				P75:  atoi("scroll_75"),
				P100: atoi("scroll_100"),
			},
		}
		if perr != nil {
			return nil, perr
		}
		out = append(out, s)
	}
	return out, nil
}
