package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/contentloop/internal/ranking"
	"github.com/headline-goat/contentloop/internal/store"
)

const sampleAnswer = `{
  "summary": "Question-led intros keep readers",
  "win_reason": "B opens with a question",
  "patterns": [
    {"name": " question intro ", "category": "intro", "description": "hooks", "prompt_instruction": "Open with a question"},
    {"name": "wall of text", "category": "layout", "description": "", "prompt_instruction": ""},
    {"name": "arm", "category": "topic", "description": "", "prompt_instruction": ""}
  ],
  "next_hypotheses": [{"hypothesis": "try numbers", "priority": "high"}],
  "recommendations": ["shorter intro"]
}`

func TestJSONDecoder_Fenced(t *testing.T) {
	text := "Here is my analysis:\n```json\n" + sampleAnswer + "\n```\nThanks {not json}"

	res, err := JSONDecoder{}.Decode(text)
	require.NoError(t, err)

	assert.Equal(t, "Question-led intros keep readers", res.Summary)
	require.Len(t, res.Patterns, 3)
	assert.Equal(t, "question intro", res.Patterns[0].Name)
	assert.Equal(t, "intro", res.Patterns[0].Category)
	assert.Equal(t, "other", res.Patterns[1].Category, "unknown category")
	assert.Equal(t, "other", res.Patterns[2].Category, "topic is reserved")
	assert.Len(t, res.NextHypotheses, 1)
}

func TestJSONDecoder_BareObject(t *testing.T) {
	text := `Sure. {"summary": "brace } inside string", "patterns": []} and {"summary": "second"}`

	res, err := JSONDecoder{}.Decode(text)
	require.NoError(t, err)
	assert.Equal(t, "brace } inside string", res.Summary)
	assert.Empty(t, res.Patterns)
}

func TestJSONDecoder_TopicInsights(t *testing.T) {
	text := `{"summary": "s", "patterns": [], "winner_insights": {"pattern": "pattern_b", "why_successful": "fear sells", "key_elements": ["fear"]}}`

	res, err := JSONDecoder{}.Decode(text)
	require.NoError(t, err)
	require.NotNil(t, res.WinnerInsights)
	assert.Equal(t, "pattern_b", res.WinnerInsights.Pattern)
	assert.Equal(t, "fear sells", res.WinnerInsights.WhySuccessful)
}

func TestJSONDecoder_Malformed(t *testing.T) {
	cases := map[string]string{
		"no object":       "I could not decide.",
		"unbalanced":      `{"summary": "x"`,
		"invalid json":    "```json\n{summary: x}\n```",
		"missing summary": `{"patterns": []}`,
		"unnamed pattern": `{"summary": "x", "patterns": [{"category": "intro"}]}`,
		"blank pattern":   `{"summary": "x", "patterns": [{"name": "question intro", "category": "intro"}, {"name": "   ", "category": "faq"}]}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := JSONDecoder{}.Decode(text)
			var fe *FormatError
			assert.True(t, errors.As(err, &fe), "got %v", err)
		})
	}
}

func TestOpenAIAnalyzer_Complete(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"{\"summary\":\"ok\"}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	log, _ := test.NewNullLogger()
	a, err := NewOpenAIAnalyzer("sk-test", srv.URL+"/v1", "m", log)
	require.NoError(t, err)

	out, err := a.Complete(context.Background(), Request{Kind: KindExperiment, System: "sys", User: "usr"})
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, out)

	assert.Equal(t, "m", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "usr", got.Messages[1].Content)
}

func TestOpenAIAnalyzer_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	log, _ := test.NewNullLogger()
	a, err := NewOpenAIAnalyzer("sk-test", srv.URL+"/v1", "", log)
	require.NoError(t, err)

	_, err = a.Complete(context.Background(), Request{})
	var fe *FormatError
	assert.True(t, errors.As(err, &fe))
}

func TestNewOpenAIAnalyzer_RequiresKey(t *testing.T) {
	log, _ := test.NewNullLogger()
	_, err := NewOpenAIAnalyzer("", "", "", log)
	assert.Error(t, err)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "assistant")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCommandAnalyzer_Complete(t *testing.T) {
	path := writeScript(t, `
[ "$1" = "-p" ] || exit 2
[ "$3" = "--output-format" ] || exit 3
echo '{"type":"result","result":"{\"summary\":\"from cli\"}"}'`)

	out, err := (&CommandAnalyzer{Path: path}).Complete(context.Background(), Request{System: "s", User: "u"})
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"from cli"}`, out)
}

func TestCommandAnalyzer_Failure(t *testing.T) {
	path := writeScript(t, `echo "quota exceeded" >&2; exit 1`)

	_, err := (&CommandAnalyzer{Path: path}).Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestCommandAnalyzer_NotJSON(t *testing.T) {
	path := writeScript(t, `echo "plain text"`)

	_, err := (&CommandAnalyzer{Path: path}).Complete(context.Background(), Request{})
	var fe *FormatError
	assert.True(t, errors.As(err, &fe))
}

func TestCommandAnalyzer_Timeout(t *testing.T) {
	path := writeScript(t, `exec sleep 5`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := (&CommandAnalyzer{Path: path}).Complete(ctx, Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type countingAnalyzer struct{ calls int }

func (c *countingAnalyzer) Complete(context.Context, Request) (string, error) {
	c.calls++
	return "{}", nil
}

func TestLimited(t *testing.T) {
	next := &countingAnalyzer{}
	assert.Same(t, Analyzer(next), NewLimited(next, 0))

	l := NewLimited(next, 1)
	_, err := l.Complete(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Complete(ctx, Request{})
	assert.Error(t, err, "second call within the minute must wait")
	assert.Equal(t, 1, next.calls)
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrAnalyzerDisabled)
}

func TestExperimentRequest(t *testing.T) {
	req, err := ExperimentRequest(ExperimentInput{
		Name:       "intro test",
		Hypothesis: "questions hook readers",
		Variants: []VariantSummary{
			{Tag: store.VariantA, Role: "control", Title: "Old", AvgTime: 60, BounceRatePct: 50},
			{Tag: store.VariantB, Role: "treatment", Title: "New", AvgTime: 90, BounceRatePct: 30},
		},
		Winner: "B",
		PValue: "0.0400",
		Lift:   25,
	})
	require.NoError(t, err)

	assert.Equal(t, KindExperiment, req.Kind)
	assert.Contains(t, req.System, "structure:")
	assert.Contains(t, req.User, "### Variant B (treatment)")
	assert.Contains(t, req.User, "Avg time on page: 90.0s")
	assert.Contains(t, req.User, "**Lift**: 25.00%")
	assert.Contains(t, req.User, `"prompt_instruction"`)
}

func TestTopicRequest(t *testing.T) {
	rank := ranking.Rank([]ranking.Group{
		{Arm: "pattern_a", Members: []store.Rollup{{TotalViews: 10, AvgEngagement: 0.4}}},
		{Arm: "pattern_b", Members: []store.Rollup{{TotalViews: 20, AvgEngagement: 0.6}}},
		{Arm: "pattern_c"},
	}, store.MetricEngagement)

	req, err := TopicRequest(TopicInput{
		Name:    "june topics",
		Metric:  store.MetricEngagement,
		Arms:    []string{"pattern_a", "pattern_b", "pattern_c"},
		Ranking: rank,
		Titles:  map[string][]string{"pattern_b": {"Coffee and your heart"}},
	})
	require.NoError(t, err)

	assert.Equal(t, KindTopic, req.Kind)
	assert.Contains(t, req.System, "- pattern_e: number + twist")
	assert.Contains(t, req.System, "winner_insights")
	assert.Contains(t, req.User, "1. pattern_b (favorite thing + fear)")
	assert.Contains(t, req.User, "No data: pattern_c")
	assert.Contains(t, req.User, "Coffee and your heart")
	assert.Less(t, strings.Index(req.User, "1. pattern_b"), strings.Index(req.User, "2. pattern_a"))
}

func TestSummarizeSections(t *testing.T) {
	raw := json.RawMessage(`[
		{"type": "intro", "content": "Did you know?"},
		{"type": "body", "content": "..."},
		{"type": "faq", "items": [{"q": "1"}, {"q": "2"}]},
		{"type": "faq", "items": [{"q": "3"}]}
	]`)

	intro, sections, faqs := SummarizeSections(raw)
	assert.Equal(t, "Did you know?", intro)
	assert.Equal(t, 4, sections)
	assert.Equal(t, 3, faqs)

	intro, sections, faqs = SummarizeSections(json.RawMessage(`{"not": "a list"}`))
	assert.Equal(t, "", intro)
	assert.Zero(t, sections+faqs)
}
