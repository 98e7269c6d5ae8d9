// Package scoring turns raw traffic metrics into a single engagement score
// in [0, 100].
package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/headline-goat/contentloop/internal/store"
)

// Profile selects one of the two weighted scoring formulas.
type Profile string

const (
	// Full weighs time, deep scroll rate, bounce and volume. Used for
	// article metrics.
	Full Profile = "full"
	// Collector weighs time, bounce and engagement rate. Used for raw
	// analytics ingestion.
	Collector Profile = "collector"
)

func ParseProfile(s string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(s))); p {
	case Full, Collector:
		return p, nil
	case "":
		return Full, nil
	}
	return "", fmt.Errorf("invalid scoring profile %q (want full or collector)", s)
}

// Inputs are the raw metric fields a score is computed from.
type Inputs struct {
	Views          float64
	AvgTimeOnPage  float64 // seconds
	BounceRate     float64 // fraction in [0,1]
	Scroll75Rate   float64 // percent of sessions reaching 75% depth
	EngagementRate float64 // fraction in [0,1]
}

// FromSnapshot derives scoring inputs from a stored daily snapshot.
func FromSnapshot(m *store.MetricSnapshot) Inputs {
	in := Inputs{
		Views:         float64(m.Views),
		AvgTimeOnPage: m.AvgTimeOnPage,
		BounceRate:    m.BounceRate,
	}
	if m.Sessions > 0 {
		in.Scroll75Rate = float64(m.Scroll.P75) / float64(m.Sessions) * 100
	}
	return in
}

// Score computes the engagement score of in under profile p.
// The result is always in [0, 100] and rounded to 4 decimals.
func Score(p Profile, in Inputs) float64 {
	var score float64
	switch p {
	case Collector:
		score = 0.40*normalize(in.AvgTimeOnPage, 60) +
			0.30*clamp(100-fraction(in.BounceRate)*100) +
			0.30*clamp(fraction(in.EngagementRate)*100)
	default:
		score = 0.25*normalize(in.AvgTimeOnPage, 300) +
			0.35*normalize(in.Scroll75Rate, 100) +
			0.25*clamp((1-fraction(in.BounceRate))*100) +
			0.15*normalize(in.Views, 100)
	}
	return round(clamp(score), 4)
}

func normalize(x, limit float64) float64 {
	return clamp(finite(x) / limit * 100)
}

func fraction(x float64) float64 {
	x = finite(x)
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func clamp(x float64) float64 {
	x = finite(x)
	if x < 0 {
		return 0
	}
	if x > 100 {
		return 100
	}
	return x
}

// finite maps NaN to 0 and infinities to the largest finite values so
// the clamps above stay well defined.
func finite(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return 0
	case math.IsInf(x, 1):
		return math.MaxFloat64
	case math.IsInf(x, -1):
		return -math.MaxFloat64
	}
	return x
}

func round(x float64, digits int) float64 {
	pow := math.Pow(10, float64(digits))
	return math.Round(x*pow) / pow
}
