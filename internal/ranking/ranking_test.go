package ranking_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/contentloop/internal/ranking"
	"github.com/headline-goat/contentloop/internal/store"
)

func TestRank_BounceIsInverted(t *testing.T) {
	groups := []ranking.Group{
		{Arm: "pattern_b", Members: []store.Rollup{
			{TotalViews: 500, AvgBounce: 0.40, AvgEngagement: 90},
			{TotalViews: 500, AvgBounce: 0.40, AvgEngagement: 80},
		}},
		{Arm: "pattern_a", Members: []store.Rollup{
			{TotalViews: 200, AvgBounce: 0.10, AvgEngagement: 20},
		}},
	}

	res := ranking.Rank(groups, store.MetricBounce)

	require.NotNil(t, res.Winner)
	assert.Equal(t, "pattern_a", *res.Winner)
	assert.Equal(t, []string{"pattern_a", "pattern_b"}, res.Ranking)
	assert.Equal(t, 1, res.Stats["pattern_a"].Rank)
	require.NotNil(t, res.WinnerLift)
	assert.Equal(t, 75.0, *res.WinnerLift)

	// The same data ranked by engagement flips the order.
	res = ranking.Rank(groups, store.MetricEngagement)
	assert.Equal(t, "pattern_b", *res.Winner)
}

func TestRank_Aggregates(t *testing.T) {
	res := ranking.Rank([]ranking.Group{{Arm: "pattern_e", Members: []store.Rollup{
		{TotalViews: 10, AvgTime: 100, AvgScroll: 50, AvgBounce: 0.2, AvgEngagement: 40},
		{TotalViews: 30, AvgTime: 50, AvgScroll: 25, AvgBounce: 0.3, AvgEngagement: 45},
		{TotalViews: 0, AvgTime: 0, AvgScroll: 0, AvgBounce: 0, AvgEngagement: 0},
	}}}, store.MetricTimeOnPage)

	a := res.Stats["pattern_e"]
	require.NotNil(t, a)
	assert.Equal(t, 3, a.Count)
	assert.Equal(t, 40, a.TotalViews)
	assert.Equal(t, 50.0, a.AvgTime)
	assert.Equal(t, 25.0, a.AvgScroll)
	assert.Equal(t, 0.17, a.AvgBounce)
	assert.Equal(t, 28.33, a.AvgEngagement)
	assert.Equal(t, "number + twist", a.Label)
	assert.Nil(t, res.WinnerLift, "a single arm has no runner-up")
}

func TestRank_EmptyArmsAreReportedNotRanked(t *testing.T) {
	res := ranking.Rank([]ranking.Group{
		{Arm: "pattern_a"},
		{Arm: "pattern_c", Members: []store.Rollup{{AvgEngagement: 10}}},
	}, store.MetricScroll)

	assert.Equal(t, []string{"pattern_a"}, res.NoData)
	assert.Equal(t, []string{"pattern_c"}, res.Ranking)
	_, ok := res.Stats["pattern_a"]
	assert.False(t, ok)
}

func TestRank_NoMembersAtAll(t *testing.T) {
	res := ranking.Rank([]ranking.Group{{Arm: "x"}, {Arm: "y"}}, store.MetricEngagement)
	assert.Nil(t, res.Winner)
	assert.Empty(t, res.Ranking)
	assert.Len(t, res.NoData, 2)
}

func TestRank_TiesKeepGroupingOrder(t *testing.T) {
	same := []store.Rollup{{AvgEngagement: 50}}
	res := ranking.Rank([]ranking.Group{
		{Arm: "second", Members: same},
		{Arm: "first", Members: same},
	}, store.MetricEngagement)
	assert.Equal(t, []string{"second", "first"}, res.Ranking)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "SNS trend", ranking.Label("pattern_c"))
	assert.Equal(t, "custom", ranking.Label("custom"))
}
