package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/headline-goat/contentloop/internal/ranking"
	"github.com/headline-goat/contentloop/internal/store"
)

const experimentSystemPrompt = `You are an expert in A/B testing health content.

## Role
1. Analyze A/B test results and identify why the winner won.
2. Extract reusable content patterns.
3. Propose concrete instructions to apply when generating future content.

## Principles
- Judge from the data, do not speculate
- Derive concrete, actionable patterns
- Consider reader psychology and behavior

## Pattern categories
- intro: opening and hook (first sentence, question lead, ...)
- title: title and click appeal
- structure: body structure (conclusion first, progressive build-up, ...)
- faq: FAQ and conclusion (number of Q&As, summary style)
- visual: visual elements (images, infographics)
- meta: meta information (category, tags)
- other: anything else
`

const experimentUserTemplate = `## A/B test analysis

### Test
- Name: {{.Name}}
- Hypothesis: {{.Hypothesis}}
- Target section: {{.TargetSection}}
{{range .Variants}}
### Variant {{.Tag}} ({{.Role}})
**Title**: {{.Title}}

**Intro**:
{{.Intro}}

**Structure**:
- Sections: {{.SectionCount}}
- FAQ items: {{.FAQCount}}

**Performance**:
- Avg time on page: {{printf "%.1f" .AvgTime}}s
- Scroll 75% reach rate: {{printf "%.1f" .Scroll75Rate}}%
- Bounce rate: {{printf "%.1f" .BounceRatePct}}%
- Engagement score: {{printf "%.2f" .Engagement}}

---
{{end}}
### Statistics
- **Winner**: {{.Winner}}
- **p-value**: {{.PValue}}
- **Lift**: {{printf "%.2f" .Lift}}%

---

## Request

Output the analysis as JSON in the following format. Do not include any
text outside the JSON.

` + "```json" + `
{
  "summary": "one or two sentence key insight",
  "win_reason": "why the winner won, concrete and data driven",
  "patterns": [
    {
      "name": "pattern name (e.g. question-led intro)",
      "category": "intro|title|structure|faq|visual|meta|other",
      "description": "why the pattern works",
      "prompt_instruction": "concrete instruction for content generation"
    }
  ],
  "next_hypotheses": [
    {"hypothesis": "next test hypothesis", "target_section": "section", "expected_lift": 10, "priority": "high|medium|low"}
  ],
  "recommendations": ["improvement to apply right away"]
}
` + "```\n"

const topicSystemPrompt = `You are a health content analyst.

Analyze the results of a topic pattern experiment to:
1. Decide which topic pattern is most effective
2. Explain why the winning pattern succeeded
3. Identify strengths and weaknesses of each pattern
4. Recommend the next experiments

## Topic pattern types
{{range $arm, $label := .Catalogue}}- {{$arm}}: {{$label}}
{{end}}
## Response format

Respond with JSON in this format:

` + "```json" + `
{
  "summary": "one or two sentence summary",
  "winner_insights": {
    "pattern": "pattern_x",
    "why_successful": "why it succeeded",
    "key_elements": ["success factor"]
  },
  "patterns": [],
  "recommendations": ["recommendation"],
  "next_hypotheses": [{"hypothesis": "next experiment", "patterns": ["pattern_a", "pattern_b"]}]
}
` + "```\n"

const topicUserTemplate = `## Topic pattern experiment: {{.Name}}

{{.Description}}

- Primary metric: {{.Metric}}
- Patterns tested: {{join .Arms ", "}}

### Ranking
{{range $i, $arm := .Ranking.Ranking}}{{with index $.Ranking.Stats $arm}}{{.Rank}}. {{.Arm}} ({{.Label}}): {{.Count}} articles, {{.TotalViews}} views, avg time {{printf "%.1f" .AvgTime}}s, bounce {{printf "%.2f" .AvgBounce}}, scroll {{printf "%.1f" .AvgScroll}}, engagement {{printf "%.2f" .AvgEngagement}}
{{end}}{{end}}
{{- if .Ranking.NoData}}
No data: {{join .Ranking.NoData ", "}}
{{end}}
### Articles
{{range $arm, $titles := .Titles}}- {{$arm}}: {{join $titles "; "}}
{{end}}`

var (
	experimentUserTmpl = template.Must(template.New("experiment").Parse(experimentUserTemplate))
	topicSystemTmpl    = template.Must(template.New("topic-system").Parse(topicSystemPrompt))
	topicUserTmpl      = template.Must(template.New("topic").Funcs(template.FuncMap{"join": strings.Join}).Parse(topicUserTemplate))
)

// VariantSummary describes one side of a two-arm experiment.
type VariantSummary struct {
	Tag           store.VariantTag
	Role          string
	Title         string
	Intro         string
	SectionCount  int
	FAQCount      int
	AvgTime       float64
	Scroll75Rate  float64
	BounceRatePct float64
	Engagement    float64
}

// ExperimentInput is everything the two-arm analysis prompt shows.
type ExperimentInput struct {
	Name          string
	Hypothesis    string
	TargetSection string
	Variants      []VariantSummary
	Winner        string
	PValue        string
	Lift          float64
}

// ExperimentRequest renders the two-arm analysis request.
func ExperimentRequest(in ExperimentInput) (Request, error) {
	var buf bytes.Buffer
	if err := experimentUserTmpl.Execute(&buf, in); err != nil {
		return Request{}, fmt.Errorf("failed to render experiment prompt: %w", err)
	}
	return Request{Kind: KindExperiment, System: experimentSystemPrompt, User: buf.String()}, nil
}

// TopicInput is everything the topic analysis prompt shows.
type TopicInput struct {
	Name        string
	Description string
	Metric      store.Metric
	Arms        []string
	Ranking     *ranking.Result
	Titles      map[string][]string
}

// TopicRequest renders the topic experiment analysis request.
func TopicRequest(in TopicInput) (Request, error) {
	var sys, user bytes.Buffer
	if err := topicSystemTmpl.Execute(&sys, struct{ Catalogue map[string]string }{ranking.Catalogue}); err != nil {
		return Request{}, fmt.Errorf("failed to render topic system prompt: %w", err)
	}
	if err := topicUserTmpl.Execute(&user, in); err != nil {
		return Request{}, fmt.Errorf("failed to render topic prompt: %w", err)
	}
	return Request{Kind: KindTopic, System: sys.String(), User: user.String()}, nil
}

type section struct {
	Type    string            `json:"type"`
	Content string            `json:"content"`
	Items   []json.RawMessage `json:"items"`
}

// SummarizeSections reads the intro text, section count and FAQ item
// count from a variant's sections document. Unreadable documents yield
// zero values.
func SummarizeSections(raw json.RawMessage) (intro string, sections, faqs int) {
	var secs []section
	if len(raw) == 0 || json.Unmarshal(raw, &secs) != nil {
		return "", 0, 0
	}
	for _, s := range secs {
		switch s.Type {
		case "intro":
			if intro == "" {
				intro = s.Content
			}
		case "faq":
			faqs += len(s.Items)
		}
	}
	return intro, len(secs), faqs
}
