// Package promptpolicy decides when trusted patterns warrant a new
// generation prompt version and composes it.
package promptpolicy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/headline-goat/contentloop/internal/store"
)

const (
	DefaultMinNewHigh         = 1
	DefaultMinUnappliedMedium = 3
	DefaultMaxOptionalLow     = 3

	// DefaultVersion labels the built-in prompt served when no version has
	// been minted yet.
	DefaultVersion = "default"
)

// ActiveReader reads the active prompt version.
type ActiveReader interface {
	ActivePromptVersion(ctx context.Context) (*store.PromptVersion, error)
}

// Repository is the slice of the store the policy reads and writes.
type Repository interface {
	ActiveReader
	ListPatterns(ctx context.Context, activeOnly bool) ([]*store.Pattern, error)
	ReplaceActivePrompt(ctx context.Context, previousID string, next *store.PromptVersion) error
}

type Config struct {
	MinNewHigh         int
	MinUnappliedMedium int
	MaxOptionalLow     int
}

func DefaultConfig() Config {
	return Config{
		MinNewHigh:         DefaultMinNewHigh,
		MinUnappliedMedium: DefaultMinUnappliedMedium,
		MaxOptionalLow:     DefaultMaxOptionalLow,
	}
}

// Policy is the only writer of prompt versions.
type Policy struct {
	repo Repository
	cfg  Config
	log  logrus.FieldLogger
}

func New(repo Repository, cfg Config, log logrus.FieldLogger) *Policy {
	return &Policy{repo: repo, cfg: cfg, log: log}
}

// Decision reports what a Check did.
type Decision struct {
	Updated         bool   `json:"updated"`
	Reason          string `json:"reason,omitempty"`
	PreviousVersion string `json:"previous_version,omitempty"`
	NewVersion      string `json:"new_version,omitempty"`
	UnappliedHigh   int    `json:"unapplied_high"`
	UnappliedMedium int    `json:"unapplied_medium"`
	PatternsApplied int    `json:"patterns_applied,omitempty"`
}

// Check mints a new active prompt version when enough HIGH or MEDIUM
// patterns are missing from the current one. Calling it again without new
// patterns changes nothing. More than one active version is returned as
// an *store.InvariantViolation.
func (p *Policy) Check(ctx context.Context) (*Decision, error) {
	return p.check(ctx, false)
}

// Regenerate mints a new version from the active patterns regardless of
// the trigger thresholds.
func (p *Policy) Regenerate(ctx context.Context) (*Decision, error) {
	return p.check(ctx, true)
}

func (p *Policy) check(ctx context.Context, force bool) (*Decision, error) {
	current, err := p.repo.ActivePromptVersion(ctx)
	if errors.Is(err, store.ErrNotFound) {
		current = nil
	} else if err != nil {
		return nil, err
	}

	patterns, err := p.repo.ListPatterns(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}

	d := &Decision{}
	if current != nil {
		d.PreviousVersion = current.Version
	}
	for _, pat := range Unapplied(current, patterns) {
		if pat.Tier == store.TierHigh {
			d.UnappliedHigh++
		} else {
			d.UnappliedMedium++
		}
	}

	log := p.log.WithFields(logrus.Fields{
		"version":          d.PreviousVersion,
		"unapplied_high":   d.UnappliedHigh,
		"unapplied_medium": d.UnappliedMedium,
	})

	if !force && !p.ShouldRegenerate(d.UnappliedHigh, d.UnappliedMedium) {
		d.Reason = "trigger conditions not met"
		log.Debug("Prompt regeneration not needed")
		return d, nil
	}

	next, err := Compose(current, patterns, p.cfg.MaxOptionalLow)
	if err != nil {
		return nil, err
	}

	previousID := ""
	if current != nil {
		previousID = current.ID
	}
	err = p.repo.ReplaceActivePrompt(ctx, previousID, next)
	if errors.Is(err, store.ErrStaleActivePrompt) {
		d.Reason = "active version changed concurrently"
		log.Warn("Active prompt changed during regeneration, skipping")
		return d, nil
	}
	if err != nil {
		return nil, err
	}

	d.Updated = true
	d.NewVersion = next.Version
	d.PatternsApplied = len(next.AppliedPatternIDs)
	log.WithFields(logrus.Fields{
		"new_version":      next.Version,
		"patterns_applied": d.PatternsApplied,
	}).Info("Prompt version regenerated")
	return d, nil
}

// ShouldRegenerate applies the trigger thresholds.
func (p *Policy) ShouldRegenerate(newHigh, unappliedMedium int) bool {
	return newHigh >= p.cfg.MinNewHigh || unappliedMedium >= p.cfg.MinUnappliedMedium
}

// Unapplied returns the active HIGH and MEDIUM patterns the current
// version does not carry. current may be nil.
func Unapplied(current *store.PromptVersion, patterns []*store.Pattern) []*store.Pattern {
	var out []*store.Pattern
	for _, p := range patterns {
		if !p.Active || (p.Tier != store.TierHigh && p.Tier != store.TierMedium) {
			continue
		}
		if !current.Applies(p.ID) {
			out = append(out, p)
		}
	}
	return out
}

// Compose builds the successor of current from the active patterns.
// patterns should be ordered by tier then win rate, as ListPatterns does.
func Compose(current *store.PromptVersion, patterns []*store.Pattern, maxLow int) (*store.PromptVersion, error) {
	var active []*store.Pattern
	var high, medium, low int
	applied := []string{}
	for _, p := range patterns {
		if !p.Active {
			continue
		}
		active = append(active, p)
		switch p.Tier {
		case store.TierHigh:
			high++
			applied = append(applied, p.ID)
		case store.TierMedium:
			medium++
			applied = append(applied, p.ID)
		case store.TierLow:
			low++
		}
	}

	instructions, err := RenderInstructions(active, maxLow)
	if err != nil {
		return nil, err
	}
	system, err := SystemPrompt(instructions)
	if err != nil {
		return nil, err
	}

	version := "v1.0"
	if current != nil {
		version = NextVersion(current.Version)
	}

	return &store.PromptVersion{
		Version:           version,
		Name:              "auto update " + version,
		Description:       fmt.Sprintf("patterns applied: HIGH %d, MEDIUM %d, LOW %d", high, medium, low),
		SystemPrompt:      system,
		UserTemplate:      DefaultUserTemplate,
		AppliedPatternIDs: applied,
	}, nil
}

// NextVersion bumps the minor part of a "vMAJOR.MINOR" string. A missing
// minor counts as 0; anything unparseable yields "v1.1".
func NextVersion(prev string) string {
	parts := strings.Split(strings.ReplaceAll(prev, "v", ""), ".")
	major, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return "v1.1"
	}
	minor := 0
	if len(parts) > 1 {
		if minor, err = strconv.Atoi(strings.TrimSpace(parts[1])); err != nil {
			return "v1.1"
		}
	}
	return fmt.Sprintf("v%d.%d", major, minor+1)
}

// Default is the built-in prompt, without pattern instructions.
func Default() (*store.PromptVersion, error) {
	system, err := SystemPrompt("")
	if err != nil {
		return nil, err
	}
	return &store.PromptVersion{
		Version:      DefaultVersion,
		Name:         "default",
		SystemPrompt: system,
		UserTemplate: DefaultUserTemplate,
		Status:       store.PromptActive,
	}, nil
}

// Active returns the active prompt version, or Default when none exists.
func Active(ctx context.Context, repo ActiveReader) (*store.PromptVersion, error) {
	v, err := repo.ActivePromptVersion(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return Default()
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}
