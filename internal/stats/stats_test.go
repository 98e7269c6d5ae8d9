package stats_test

import (
	"errors"
	"math"
	"testing"

	"github.com/headline-goat/contentloop/internal/stats"
	"github.com/headline-goat/contentloop/internal/store"
)

var (
	controlSamples   = []float64{48, 50, 52, 49, 51, 50, 50}
	treatmentSamples = []float64{68, 70, 72, 69, 71, 70, 70}
)

func TestWelchTTest_ClearDifference(t *testing.T) {
	res, err := stats.WelchTTest(controlSamples, treatmentSamples)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.T >= 0 {
		t.Errorf("expected negative t when the first arm is lower, got %f", res.T)
	}
	if res.PValue > 1e-6 {
		t.Errorf("expected tiny p-value, got %g", res.PValue)
	}
	if res.Degraded {
		t.Error("full samples should not be degraded")
	}
}

func TestWelchTTest_KnownValue(t *testing.T) {
	// t = -3/sqrt(2.5), df = 6.25/1.0625
	res, err := stats.WelchTTest([]float64{1, 2, 3, 4, 5}, []float64{2, 4, 6, 8, 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(res.T-(-1.8973665961010275)) > 1e-9 {
		t.Errorf("got t=%f, want -1.8974", res.T)
	}
	if math.Abs(res.DF-5.882352941176471) > 1e-9 {
		t.Errorf("got df=%f, want 5.8824", res.DF)
	}
	if math.Abs(res.PValue-0.107531) > 1e-5 {
		t.Errorf("got p=%f, want 0.1075", res.PValue)
	}
}

func TestWelchTTest_IdenticalMeans(t *testing.T) {
	res, err := stats.WelchTTest([]float64{1, 2, 3}, []float64{3, 2, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(res.PValue-1) > 1e-9 {
		t.Errorf("got p=%f, want 1", res.PValue)
	}
}

func TestWelchTTest_SingleObservationFallsBack(t *testing.T) {
	res, err := stats.WelchTTest([]float64{50}, treatmentSamples)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Degraded {
		t.Error("expected degraded flag")
	}
	if res.T >= 0 {
		t.Errorf("expected negative t, got %f", res.T)
	}
}

func TestWelchTTest_DegenerateInputs(t *testing.T) {
	cases := map[string][2][]float64{
		"both single":   {{50}, {70}},
		"zero variance": {{50, 50, 50}, {70, 70}},
		"empty":         {{}, {1, 2}},
		"nan":           {{1, math.NaN()}, {1, 2}},
	}
	for name, c := range cases {
		_, err := stats.WelchTTest(c[0], c[1])
		var te *stats.TestError
		if !errors.As(err, &te) {
			t.Errorf("%s: got %v, want TestError", name, err)
		}
	}
}

func TestEvaluate_SignificantTreatment(t *testing.T) {
	ev := stats.NewEvaluator(0, 0)
	res := ev.Evaluate(
		store.ArmWindow{AvgScore: 50, TotalViews: 100, ScoreSamples: controlSamples},
		store.ArmWindow{AvgScore: 70, TotalViews: 100, ScoreSamples: treatmentSamples},
	)

	if res.Conclusion != stats.Significant {
		t.Fatalf("got conclusion %s, want significant (err=%v)", res.Conclusion, res.Err)
	}
	if res.Winner == nil || *res.Winner != stats.Treatment {
		t.Errorf("got winner %v, want treatment", res.Winner)
	}
	if res.Lift != 40.0 {
		t.Errorf("got lift %f, want 40", res.Lift)
	}
	if res.ConfidenceLevel() < 99 {
		t.Errorf("got confidence %f, want >= 99", res.ConfidenceLevel())
	}
}

func TestEvaluate_InsufficientData(t *testing.T) {
	ev := stats.NewEvaluator(50, 0.15)
	res := ev.Evaluate(
		store.ArmWindow{AvgScore: 50, TotalViews: 10, ScoreSamples: controlSamples},
		store.ArmWindow{AvgScore: 70, TotalViews: 10, ScoreSamples: treatmentSamples},
	)
	if res.Conclusion != stats.InsufficientData {
		t.Errorf("got conclusion %s, want insufficient_data", res.Conclusion)
	}
	if res.Winner != nil {
		t.Errorf("got winner %v, want nil", *res.Winner)
	}
	if !errors.Is(res.Err, stats.ErrInsufficientData) {
		t.Errorf("got err %v, want ErrInsufficientData", res.Err)
	}
}

func TestEvaluate_InconclusiveKeepsLift(t *testing.T) {
	ev := stats.NewEvaluator(50, 0.15)
	res := ev.Evaluate(
		store.ArmWindow{AvgScore: 50, TotalViews: 200, ScoreSamples: []float64{30, 70, 40, 60}},
		store.ArmWindow{AvgScore: 52, TotalViews: 200, ScoreSamples: []float64{32, 72, 42, 62}},
	)
	if res.Conclusion != stats.Inconclusive {
		t.Fatalf("got conclusion %s, want inconclusive", res.Conclusion)
	}
	if res.Winner != nil {
		t.Error("inconclusive result must not carry a winner")
	}
	if res.Lift != 4.0 {
		t.Errorf("got lift %f, want 4", res.Lift)
	}
}

func TestEvaluate_ZeroVarianceIsError(t *testing.T) {
	ev := stats.NewEvaluator(50, 0.15)
	res := ev.Evaluate(
		store.ArmWindow{AvgScore: 50, TotalViews: 100},
		store.ArmWindow{AvgScore: 70, TotalViews: 100},
	)
	if res.Conclusion != stats.Errored {
		t.Fatalf("got conclusion %s, want error", res.Conclusion)
	}
	if res.Winner != nil {
		t.Error("errored evaluation must not carry a winner")
	}
	var te *stats.TestError
	if !errors.As(res.Err, &te) {
		t.Errorf("got err %v, want TestError", res.Err)
	}
}

func TestLift_ZeroControl(t *testing.T) {
	if got := stats.Lift(0, 70); got != 0 {
		t.Errorf("got %f, want 0", got)
	}
	if got := stats.Lift(60, 45); got != -25 {
		t.Errorf("got %f, want -25", got)
	}
}

func TestWilsonInterval(t *testing.T) {
	lower, upper := stats.WilsonInterval(0.1, 100, 0.95)
	if lower <= 0 || lower >= 0.1 || upper <= 0.1 || upper >= 0.2 {
		t.Errorf("got [%f, %f], want an interval around 0.1", lower, upper)
	}
	if l, u := stats.WilsonInterval(0.5, 0, 0.95); l != 0 || u != 0 {
		t.Errorf("got [%f, %f] for zero trials, want [0, 0]", l, u)
	}
}

func TestZScore_Approximation(t *testing.T) {
	if got := stats.ZScore(0.80); math.Abs(got-1.2816) > 1e-3 {
		t.Errorf("got %f, want ~1.2816", got)
	}
}
