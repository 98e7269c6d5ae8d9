package stats

import (
	"errors"
	"math"

	"github.com/headline-goat/contentloop/internal/store"
)

const (
	DefaultMinSampleSize   = 50
	DefaultPValueThreshold = 0.15
)

// ErrInsufficientData is reported when either arm has fewer views than
// the minimum sample size. Nothing should change; the experiment is
// evaluated again next cycle.
var ErrInsufficientData = errors.New("insufficient data")

// Conclusion is the outcome class of a two-arm evaluation.
type Conclusion string

const (
	Significant      Conclusion = "significant"
	Inconclusive     Conclusion = "inconclusive"
	InsufficientData Conclusion = "insufficient_data"
	Errored          Conclusion = "error"
)

// Arm names one side of a two-arm experiment.
type Arm string

const (
	Control   Arm = "control"
	Treatment Arm = "treatment"
)

// Evaluator decides two-arm experiments.
type Evaluator struct {
	MinSampleSize   int
	PValueThreshold float64
}

// NewEvaluator returns an evaluator, substituting defaults for
// non-positive settings.
func NewEvaluator(minSampleSize int, pValueThreshold float64) *Evaluator {
	if minSampleSize <= 0 {
		minSampleSize = DefaultMinSampleSize
	}
	if pValueThreshold <= 0 || pValueThreshold >= 1 {
		pValueThreshold = DefaultPValueThreshold
	}
	return &Evaluator{MinSampleSize: minSampleSize, PValueThreshold: pValueThreshold}
}

// Evaluation is the result of comparing control and treatment.
type Evaluation struct {
	Conclusion     Conclusion `json:"conclusion"`
	Winner         *Arm       `json:"winner"`
	PValue         *float64   `json:"p_value,omitempty"`
	Lift           float64    `json:"lift"`
	ControlScore   float64    `json:"control_score"`
	TreatmentScore float64    `json:"treatment_score"`
	ControlViews   int        `json:"control_views"`
	TreatmentViews int        `json:"treatment_views"`
	Degraded       bool       `json:"degraded,omitempty"`
	Err            error      `json:"-"`
}

// ConfidenceLevel returns (1 - p) as a percentage, or 0 without a p-value.
func (e *Evaluation) ConfidenceLevel() float64 {
	if e.PValue == nil {
		return 0
	}
	return round((1-*e.PValue)*100, 2)
}

// Evaluate compares the two arms' score samples with Welch's t-test.
// An arm without per-day samples is represented by its average alone.
func (ev *Evaluator) Evaluate(control, treatment store.ArmWindow) *Evaluation {
	res := &Evaluation{
		ControlScore:   control.AvgScore,
		TreatmentScore: treatment.AvgScore,
		ControlViews:   control.TotalViews,
		TreatmentViews: treatment.TotalViews,
	}

	if control.TotalViews < ev.MinSampleSize || treatment.TotalViews < ev.MinSampleSize {
		res.Conclusion = InsufficientData
		res.Err = ErrInsufficientData
		return res
	}

	res.Lift = Lift(control.AvgScore, treatment.AvgScore)

	tt, err := WelchTTest(samplesOf(control), samplesOf(treatment))
	if err != nil {
		res.Conclusion = Errored
		res.Err = err
		return res
	}
	p := tt.PValue
	res.PValue = &p
	res.Degraded = tt.Degraded

	if p >= ev.PValueThreshold {
		res.Conclusion = Inconclusive
		return res
	}

	winner := Control
	if treatment.AvgScore > control.AvgScore {
		winner = Treatment
	}
	res.Conclusion = Significant
	res.Winner = &winner
	return res
}

// Lift returns the percentage change of treatment over control rounded to
// two decimals. A non-positive control yields 0.
func Lift(control, treatment float64) float64 {
	if control <= 0 {
		return 0
	}
	return round((treatment-control)/control*100, 2)
}

func samplesOf(w store.ArmWindow) []float64 {
	if len(w.ScoreSamples) == 0 {
		return []float64{w.AvgScore}
	}
	return w.ScoreSamples
}

func round(x float64, digits int) float64 {
	pow := math.Pow(10, float64(digits))
	return math.Round(x*pow) / pow
}
