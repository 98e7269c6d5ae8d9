package promptpolicy

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/headline-goat/contentloop/internal/store"
)

const baseSystemPrompt = `You are a medical expert and health content writer.
You write health content that readers can easily understand, grounded in accurate medical information.

## Writing principles
1. Reference trustworthy medical papers and guidelines.
2. Explain technical terms in plain language.
3. Provide practical information that helps readers make health decisions.
4. Include a medical disclaimer.
{{.Instructions}}
`

// DefaultUserTemplate is rendered by the content generator with a Brief.
const DefaultUserTemplate = `Write a health article on the following topic:

Topic: {{.Topic}}
Category: {{.Category}}
Target audience: {{.TargetAudience}}

## Requirements
- Title: an engaging, SEO-optimized title
- Intro: an opening that captures the reader's interest
- Body: information delivered in a clear structure
- Conclusion: key takeaways and next steps
- Sources: trustworthy references

## Output format
Respond in JSON:
{
  "title": "article title",
  "description": "SEO description (about 150 characters)",
  "sections": [
    {"type": "intro", "heading": null, "content": "intro text"},
    {"type": "main", "heading": "section heading", "content": "body text"},
    {"type": "faq", "heading": "Frequently asked questions", "items": [{"q": "question", "a": "answer"}]},
    {"type": "conclusion", "heading": "Conclusion", "content": "conclusion text"}
  ],
  "tags": ["tag1", "tag2"],
  "sources": ["source1", "source2"]
}
`

const instructionsTemplate = `{{if or .High .Medium .Low}}
## Proven content patterns (validated by A/B tests)
{{- if .High}}

### [MUST] Verified patterns (always apply)
{{- range .High}}
- **{{.Name}}** ({{.Category}}): {{.PromptInstruction}}
{{- end}}
{{- end}}
{{- if .Medium}}

### [SHOULD] High win-rate patterns (apply when possible)
{{- range .Medium}}
- **{{.Name}}** ({{.Category}}): {{.PromptInstruction}}
{{- end}}
{{- end}}
{{- if .Low}}

### [OPTIONAL] Patterns under test
{{- range .Low}}
- {{.Name}}: {{.PromptInstruction}}
{{- end}}
{{- end}}
{{end}}`

var (
	systemTmpl       = template.Must(template.New("system").Parse(baseSystemPrompt))
	instructionsTmpl = template.Must(template.New("instructions").Parse(instructionsTemplate))
)

type bands struct {
	High, Medium, Low []*store.Pattern
}

// RenderInstructions renders patterns into must/should/optional bands.
// At most maxLow LOW patterns are included; EXPERIMENTAL ones never are.
// Patterns keep their input order within a band.
func RenderInstructions(patterns []*store.Pattern, maxLow int) (string, error) {
	var b bands
	for _, p := range patterns {
		switch p.Tier {
		case store.TierHigh:
			b.High = append(b.High, p)
		case store.TierMedium:
			b.Medium = append(b.Medium, p)
		case store.TierLow:
			if len(b.Low) < maxLow {
				b.Low = append(b.Low, p)
			}
		}
	}

	var buf bytes.Buffer
	if err := instructionsTmpl.Execute(&buf, b); err != nil {
		return "", fmt.Errorf("failed to render pattern instructions: %w", err)
	}
	return buf.String(), nil
}

// SystemPrompt embeds rendered instructions in the base system prompt.
func SystemPrompt(instructions string) (string, error) {
	var buf bytes.Buffer
	if err := systemTmpl.Execute(&buf, struct{ Instructions string }{instructions}); err != nil {
		return "", fmt.Errorf("failed to render system prompt: %w", err)
	}
	return buf.String(), nil
}

// Brief fills a version's user template.
type Brief struct {
	Topic          string
	Category       string
	TargetAudience string
}

// RenderUser renders a stored user template for one article brief.
func RenderUser(userTemplate string, brief Brief) (string, error) {
	tmpl, err := template.New("user").Parse(userTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse user template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, brief); err != nil {
		return "", fmt.Errorf("failed to render user template: %w", err)
	}
	return buf.String(), nil
}
