// Package analysis talks to the AI collaborator that explains experiment
// outcomes and names reusable patterns.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Kind distinguishes the two analysis requests.
type Kind string

const (
	KindExperiment Kind = "experiment"
	KindTopic      Kind = "topic"
)

// Request is one analysis call.
type Request struct {
	Kind   Kind
	System string
	User   string
}

// Analyzer returns the model's raw text answer for a request.
type Analyzer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ErrAnalyzerDisabled is returned by the "none" backend.
var ErrAnalyzerDisabled = errors.New("analysis backend disabled")

// Disabled never calls out.
type Disabled struct{}

func (Disabled) Complete(context.Context, Request) (string, error) {
	return "", ErrAnalyzerDisabled
}

// Limited paces calls to the wrapped analyzer.
type Limited struct {
	next    Analyzer
	limiter *rate.Limiter
}

// NewLimited allows perMinute calls per minute with no bursts. A
// non-positive perMinute returns next unchanged.
func NewLimited(next Analyzer, perMinute int) Analyzer {
	if perMinute <= 0 {
		return next
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

func (l *Limited) Complete(ctx context.Context, req Request) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	return l.next.Complete(ctx, req)
}
