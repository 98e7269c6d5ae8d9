package analysis

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/headline-goat/contentloop/internal/store"
)

// validate is shared by every decoder; validator caches struct metadata.
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// FormatError reports an analysis response that holds no usable JSON
// object. It fails only the unit of work that requested the analysis.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed analysis response: %s: %v", e.Reason, e.Err)
	}
	return "malformed analysis response: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// Pattern is an authoring pattern named by an analysis.
type Pattern struct {
	Name              string `json:"name" validate:"required,max=200"`
	Category          string `json:"category"`
	Description       string `json:"description"`
	PromptInstruction string `json:"prompt_instruction"`
}

// StoreCategory maps the free-form category to a pattern category.
// Unknown values, and "topic" which is reserved for arm-level patterns,
// become "other".
func (p Pattern) StoreCategory() store.Category {
	c, err := store.ParseCategory(p.Category)
	if err != nil || c == store.CategoryTopic {
		return store.CategoryOther
	}
	return c
}

// WinnerInsights explains the winning arm of a topic experiment.
type WinnerInsights struct {
	Pattern       string   `json:"pattern"`
	WhySuccessful string   `json:"why_successful"`
	KeyElements   []string `json:"key_elements,omitempty"`
}

// Result is the decoded analysis.
type Result struct {
	Summary         string            `json:"summary" validate:"required"`
	WinReason       string            `json:"win_reason,omitempty"`
	Patterns        []Pattern         `json:"patterns" validate:"dive"`
	NextHypotheses  []json.RawMessage `json:"next_hypotheses,omitempty"`
	Recommendations []string          `json:"recommendations,omitempty"`
	Lift            *float64          `json:"lift,omitempty"`
	WinnerInsights  *WinnerInsights   `json:"winner_insights,omitempty"`
}

// Decoder extracts a Result from free-form model output.
type Decoder interface {
	Decode(text string) (*Result, error)
}

// JSONDecoder takes the first ```json fenced block, or else the first
// balanced top-level {...} span.
type JSONDecoder struct{}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

func (JSONDecoder) Decode(text string) (*Result, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return nil, &FormatError{Reason: "no JSON object found"}
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, &FormatError{Reason: "invalid JSON", Err: err}
	}
	for i := range res.Patterns {
		res.Patterns[i].Name = strings.TrimSpace(res.Patterns[i].Name)
	}
	if err := validate.Struct(&res); err != nil {
		return nil, &FormatError{Reason: "unexpected shape", Err: err}
	}

	for i := range res.Patterns {
		res.Patterns[i].Category = string(res.Patterns[i].StoreCategory())
	}
	return &res, nil
}

func extractJSON(text string) (string, bool) {
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	return firstObject(text)
}

// firstObject returns the first balanced {...} span, skipping braces that
// appear inside JSON strings.
func firstObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
