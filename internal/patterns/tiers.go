package patterns

import "github.com/headline-goat/contentloop/internal/store"

type threshold struct {
	tier       store.Tier
	minTests   int
	minWinRate float64
}

// ladder is checked top-down; the first satisfied rung wins.
var ladder = []threshold{
	{store.TierHigh, 11, 65},
	{store.TierMedium, 6, 60},
	{store.TierLow, 3, 55},
}

// TierFor derives the confidence tier from a test count and a win rate
// in percent.
func TierFor(testCount int, winRate float64) store.Tier {
	for _, r := range ladder {
		if testCount >= r.minTests && winRate >= r.minWinRate {
			return r.tier
		}
	}
	return store.TierExperimental
}
