// Package ranking aggregates topic experiment arms and orders them by a
// primary metric.
package ranking

import (
	"math"
	"sort"

	"github.com/headline-goat/contentloop/internal/stats"
	"github.com/headline-goat/contentloop/internal/store"
)

// Catalogue maps the known topic pattern arms to display labels.
var Catalogue = map[string]string{
	"pattern_a": "flip common wisdom",
	"pattern_b": "favorite thing + fear",
	"pattern_c": "SNS trend",
	"pattern_d": "bust old wisdom",
	"pattern_e": "number + twist",
}

// Label returns the display label of an arm, or the arm itself.
func Label(arm string) string {
	if l, ok := Catalogue[arm]; ok {
		return l
	}
	return arm
}

// Group is one arm with the rollups of its members, in grouping order.
type Group struct {
	Arm     string
	Members []store.Rollup
}

// ArmStats aggregates one non-empty arm.
type ArmStats struct {
	Arm           string     `json:"arm"`
	Label         string     `json:"label"`
	Count         int        `json:"article_count"`
	TotalViews    int        `json:"total_pageviews"`
	AvgTime       float64    `json:"avg_time_on_page"`
	AvgBounce     float64    `json:"avg_bounce_rate"`
	AvgScroll     float64    `json:"avg_scroll_depth"`
	AvgEngagement float64    `json:"avg_engagement"`
	BounceCI      [2]float64 `json:"bounce_rate_ci95"`
	Rank          int        `json:"rank"`
}

// Value returns the aggregate the metric selects.
func (a *ArmStats) Value(m store.Metric) float64 {
	switch m {
	case store.MetricTimeOnPage:
		return a.AvgTime
	case store.MetricScroll:
		return a.AvgScroll
	case store.MetricBounce:
		return a.AvgBounce
	}
	return a.AvgEngagement
}

// Result is the ranking of a topic experiment.
type Result struct {
	Metric  store.Metric         `json:"primary_metric"`
	Stats   map[string]*ArmStats `json:"pattern_stats"`
	Ranking []string             `json:"ranking"`
	Winner  *string              `json:"winner"`
	// NoData lists arms without members; they are not ranked.
	NoData []string `json:"no_data,omitempty"`
	// WinnerLift is the winner's relative improvement over the runner-up
	// in percent, positive when the winner is better.
	WinnerLift *float64 `json:"winner_lift,omitempty"`
}

// Rank aggregates every group and orders the non-empty ones by metric:
// descending, or ascending for inverted metrics. Ties keep grouping order.
func Rank(groups []Group, metric store.Metric) *Result {
	res := &Result{Metric: metric, Stats: make(map[string]*ArmStats), Ranking: []string{}}

	var ranked []*ArmStats
	for _, g := range groups {
		if len(g.Members) == 0 {
			res.NoData = append(res.NoData, g.Arm)
			continue
		}
		a := aggregate(g)
		res.Stats[g.Arm] = a
		ranked = append(ranked, a)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if metric.Inverted() {
			return ranked[i].Value(metric) < ranked[j].Value(metric)
		}
		return ranked[i].Value(metric) > ranked[j].Value(metric)
	})

	for i, a := range ranked {
		a.Rank = i + 1
		res.Ranking = append(res.Ranking, a.Arm)
	}
	if len(ranked) > 0 {
		w := ranked[0].Arm
		res.Winner = &w
	}
	if len(ranked) > 1 {
		best, next := ranked[0].Value(metric), ranked[1].Value(metric)
		l := stats.Lift(next, best)
		if metric.Inverted() {
			l = -l
		}
		res.WinnerLift = &l
	}
	return res
}

func aggregate(g Group) *ArmStats {
	a := &ArmStats{Arm: g.Arm, Label: Label(g.Arm), Count: len(g.Members)}

	var tm, bounce, scroll, eng float64
	for _, m := range g.Members {
		a.TotalViews += m.TotalViews
		tm += m.AvgTime
		bounce += m.AvgBounce
		scroll += m.AvgScroll
		eng += m.AvgEngagement
	}
	n := float64(len(g.Members))
	a.AvgTime = round2(tm / n)
	a.AvgBounce = round2(bounce / n)
	a.AvgScroll = round2(scroll / n)
	a.AvgEngagement = round2(eng / n)

	lo, hi := stats.WilsonInterval(bounce/n, a.TotalViews, 0.95)
	a.BounceCI = [2]float64{round4(lo), round4(hi)}
	return a
}

func round2(x float64) float64 { return math.Round(x*100) / 100 }
func round4(x float64) float64 { return math.Round(x*10000) / 10000 }
