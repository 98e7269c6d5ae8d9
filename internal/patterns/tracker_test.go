package patterns_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/contentloop/internal/patterns"
	"github.com/headline-goat/contentloop/internal/store"
)

func newTracker(t *testing.T) (*patterns.Tracker, *store.SQLiteStore) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "patterns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger, _ := test.NewNullLogger()
	return patterns.NewTracker(s, patterns.NewLocalLocker(), logger), s
}

func lift(v float64) *float64 { return &v }

func TestTierFor(t *testing.T) {
	cases := []struct {
		tests   int
		winRate float64
		want    store.Tier
	}{
		{1, 100, store.TierExperimental},
		{2, 100, store.TierExperimental},
		{3, 55, store.TierLow},
		{3, 54.9, store.TierExperimental},
		{6, 60, store.TierMedium},
		{6, 59, store.TierLow},
		{11, 65, store.TierHigh},
		{11, 64, store.TierMedium},
		{40, 50, store.TierExperimental},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, patterns.TierFor(c.tests, c.winRate), "tests=%d winRate=%v", c.tests, c.winRate)
	}
}

func TestRecord_TierTransitionsOnConsecutiveWins(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()
	key := store.PatternKey{Name: "question hook", Category: store.CategoryIntro}

	want := map[int]store.Tier{
		1: store.TierExperimental, 2: store.TierExperimental,
		3: store.TierLow, 5: store.TierLow,
		6: store.TierMedium, 10: store.TierMedium,
		11: store.TierHigh, 12: store.TierHigh,
	}

	for n := 1; n <= 12; n++ {
		p, err := tracker.Record(ctx, patterns.Observation{
			Key:          key,
			Lift:         lift(10),
			ExperimentID: fmt.Sprintf("exp-%d", n),
			Won:          true,
		})
		require.NoError(t, err)

		assert.Equal(t, n, p.TestCount)
		assert.Equal(t, 100.0, p.WinRate)
		assert.Len(t, p.SourceExperiments, p.TestCount)
		if tier, ok := want[n]; ok {
			assert.Equal(t, tier, p.Tier, "after %d updates", n)
		}
	}
}

func TestRecord_RunningLiftAverage(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()
	key := store.PatternKey{Name: "faq block", Category: store.CategoryFAQ}

	for i, l := range []*float64{lift(10), lift(20), nil} {
		_, err := tracker.Record(ctx, patterns.Observation{Key: key, Lift: l, ExperimentID: fmt.Sprint(i), Won: true})
		require.NoError(t, err)
	}

	p, err := tracker.Record(ctx, patterns.Observation{Key: key, Lift: lift(30), ExperimentID: "3", Won: true})
	require.NoError(t, err)
	// (10 + 20 + 0 + 30) / 4
	assert.Equal(t, 15.0, p.AvgLift)
}

func TestRecord_LossesLowerWinRateAndTier(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()
	key := store.PatternKey{Name: "listicle", Category: store.CategoryStructure}

	var p *store.Pattern
	var err error
	for i := 0; i < 6; i++ {
		p, err = tracker.Record(ctx, patterns.Observation{Key: key, ExperimentID: fmt.Sprint(i), Won: true})
		require.NoError(t, err)
	}
	require.Equal(t, store.TierMedium, p.Tier)

	for i := 6; i < 10; i++ {
		p, err = tracker.Record(ctx, patterns.Observation{Key: key, ExperimentID: fmt.Sprint(i), Won: false})
		require.NoError(t, err)
	}
	assert.Equal(t, 10, p.TestCount)
	assert.Equal(t, 6, p.WinCount)
	assert.Equal(t, 60.0, p.WinRate)
	assert.Equal(t, store.TierMedium, p.Tier)

	p, err = tracker.Record(ctx, patterns.Observation{Key: key, ExperimentID: "10", Won: false})
	require.NoError(t, err)
	// 6/11 = 54.55% falls below every rung
	assert.Equal(t, store.TierExperimental, p.Tier, "tier is re-evaluated on every update")
	assert.Len(t, p.SourceExperiments, 11)
}

func TestRecord_TopicPatternKeyedByType(t *testing.T) {
	tracker, s := newTracker(t)
	ctx := context.Background()

	for i, name := range []string{"topic pattern: flip common wisdom", "renamed"} {
		_, err := tracker.Record(ctx, patterns.Observation{
			Key:          store.PatternKey{Name: name, Category: store.CategoryTopic, TopicPatternType: "pattern_a"},
			Description:  "surprising angle",
			ExperimentID: fmt.Sprint(i),
			Won:          true,
		})
		require.NoError(t, err)
	}

	all, err := s.ListPatterns(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].TestCount)
	assert.Equal(t, "pattern_a", all[0].TopicPatternType)
	assert.Equal(t, "surprising angle", all[0].Description)
}

func TestRecord_SameExperimentCountsOnce(t *testing.T) {
	tracker, s := newTracker(t)
	ctx := context.Background()
	key := store.PatternKey{Name: "question intro", Category: store.CategoryIntro}

	for i := 0; i < 3; i++ {
		p, err := tracker.Record(ctx, patterns.Observation{Key: key, Lift: lift(20), ExperimentID: "exp-1", Won: true})
		require.NoError(t, err)
		assert.Equal(t, 1, p.TestCount)
	}

	all, err := s.ListPatterns(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 1, all[0].TestCount)
	assert.Equal(t, 1, all[0].WinCount)
	assert.Equal(t, 20.0, all[0].AvgLift)
	assert.Equal(t, store.TierExperimental, all[0].Tier)
	assert.Equal(t, []string{"exp-1"}, all[0].SourceExperiments)
}

func TestMerge_SkipsKnownExperiment(t *testing.T) {
	p := &store.Pattern{TestCount: 2, WinCount: 2, WinRate: 100, AvgLift: 10, SourceExperiments: []string{"a", "b"}}
	obs := patterns.Observation{Key: p.Key(), ExperimentID: "b", Won: true}

	assert.False(t, patterns.Merge(p, true, obs))
	assert.Equal(t, 2, p.TestCount)

	obs.ExperimentID = "c"
	assert.True(t, patterns.Merge(p, true, obs))
	assert.Equal(t, 3, p.TestCount)
	assert.Equal(t, []string{"a", "b", "c"}, p.SourceExperiments)
}

func TestRecord_RejectsIncompleteObservation(t *testing.T) {
	tracker, _ := newTracker(t)
	_, err := tracker.Record(context.Background(), patterns.Observation{
		Key: store.PatternKey{Name: "x", Category: store.CategoryIntro},
	})
	assert.Error(t, err)
}

func TestRecord_ConcurrentUpdatesAreNotLost(t *testing.T) {
	tracker, s := newTracker(t)
	ctx := context.Background()
	key := store.PatternKey{Name: "numbered title", Category: store.CategoryTitle}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tracker.Record(ctx, patterns.Observation{Key: key, Lift: lift(5), ExperimentID: fmt.Sprint(i), Won: true})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := s.ListPatterns(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 20, all[0].TestCount)
	assert.Len(t, all[0].SourceExperiments, 20)
	assert.Equal(t, 5.0, all[0].AvgLift)
}

func TestLocalLocker_RespectsContext(t *testing.T) {
	l := patterns.NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock2()
}
