package stats

import (
	"fmt"
	"math"
)

// TestError reports input the significance test cannot work with, such
// as arms without variance.
type TestError struct {
	Reason string
}

func (e *TestError) Error() string {
	return fmt.Sprintf("statistical test failed: %s", e.Reason)
}

// TTest is the outcome of a two-sample comparison of means.
type TTest struct {
	T      float64
	DF     float64
	PValue float64 // two-sided
	// Degraded is set when one arm had a single observation and the
	// comparison fell back to a one-sample test against that value.
	Degraded bool
}

// WelchTTest compares the means of a and b without assuming equal
// variances. T is positive when mean(a) > mean(b).
//
// When exactly one arm has a single observation, the other arm is tested
// against that value with a one-sample t-test and the result is marked
// Degraded. Two single-valued arms, empty arms, non-finite values and
// zero variance all return a *TestError.
func WelchTTest(a, b []float64) (TTest, error) {
	if len(a) == 0 || len(b) == 0 {
		return TTest{}, &TestError{Reason: "both arms need at least one observation"}
	}
	for _, xs := range [][]float64{a, b} {
		for _, x := range xs {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return TTest{}, &TestError{Reason: "non-finite observation"}
			}
		}
	}

	switch {
	case len(a) == 1 && len(b) == 1:
		return TTest{}, &TestError{Reason: "both arms have a single observation"}
	case len(a) == 1:
		res, err := oneSample(b, a[0])
		res.T = -res.T
		return res, err
	case len(b) == 1:
		return oneSample(a, b[0])
	}

	ma, va := meanVar(a)
	mb, vb := meanVar(b)
	na, nb := float64(len(a)), float64(len(b))

	sa, sb := va/na, vb/nb
	se2 := sa + sb
	if se2 == 0 {
		return TTest{}, &TestError{Reason: "zero variance in both arms"}
	}

	t := (ma - mb) / math.Sqrt(se2)
	df := se2 * se2 / (sa*sa/(na-1) + sb*sb/(nb-1))

	return TTest{T: t, DF: df, PValue: studentTwoSided(t, df)}, nil
}

func oneSample(xs []float64, mu float64) (TTest, error) {
	m, v := meanVar(xs)
	n := float64(len(xs))
	if v == 0 {
		return TTest{}, &TestError{Reason: "zero variance in single-sample comparison"}
	}
	t := (m - mu) / math.Sqrt(v/n)
	df := n - 1
	return TTest{T: t, DF: df, PValue: studentTwoSided(t, df), Degraded: true}, nil
}

// meanVar returns the mean and the unbiased sample variance.
func meanVar(xs []float64) (mean, variance float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs) - 1)
	return mean, variance
}

// studentTwoSided returns P(|T| >= |t|) for Student's t with df degrees
// of freedom.
func studentTwoSided(t, df float64) float64 {
	if math.IsInf(t, 0) {
		return 0
	}
	if df > 1e5 {
		return 2 * (1 - normalCDF(math.Abs(t)))
	}
	return regIncBeta(df/(df+t*t), df/2, 0.5)
}

// normalCDF approximates the standard normal CDF using Abramowitz and
// Stegun formula 7.1.26.
func normalCDF(x float64) float64 {
	a1 := 0.254829592
	a2 := -0.284496736
	a3 := 1.421413741
	a4 := -1.453152027
	a5 := 1.061405429
	p := 0.3275911

	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt(2)

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}

// regIncBeta is the regularized incomplete beta function I_x(a, b).
func regIncBeta(x, a, b float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	lgab, _ := math.Lgamma(a + b)
	lga, _ := math.Lgamma(a)
	lgb, _ := math.Lgamma(b)
	front := math.Exp(lgab - lga - lgb + a*math.Log(x) + b*math.Log(1-x))

	if x < (a+1)/(a+b+2) {
		return front * betaContinuedFraction(x, a, b) / a
	}
	return 1 - front*betaContinuedFraction(1-x, b, a)/b
}

// betaContinuedFraction evaluates the continued fraction for the
// incomplete beta function with the modified Lentz method.
func betaContinuedFraction(x, a, b float64) float64 {
	const (
		maxIter = 300
		eps     = 1e-14
		tiny    = 1e-300
	)

	qab := a + b
	qap := a + 1
	qam := a - 1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d

	for m := 1; m <= maxIter; m++ {
		fm := float64(m)
		m2 := 2 * fm

		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < eps {
			break
		}
	}
	return h
}
