package agent

import (
	"context"
	"fmt"
	"strings"
	"text/template"
)

// Prompt asks for one piece of generated text.
type Prompt struct {
	Purpose string
	Facts   map[string]string
}

// Text purposes the agents request.
const (
	PurposeFollowUpSubject = "follow_up_subject"
	PurposeFollowUpBody    = "follow_up_body"
	PurposeDealCoaching    = "deal_coaching"
	PurposeCheckInBody     = "check_in_body"
)

// TextGenerator produces drafts and coaching notes. The language model
// integration lives outside this module.
type TextGenerator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

var defaultTemplates = map[string]string{
	PurposeFollowUpSubject: `Following up{{with .title}}: {{.}}{{end}}`,
	PurposeFollowUpBody: `Hi {{or .name "there"}},

Thanks for the {{or .kind "conversation"}}{{with .title}} ({{.}}){{end}}.{{with .summary}} {{.}}{{end}}
Let me know if anything else comes up.`,
	PurposeCheckInBody: `Hi {{or .name "there"}},

It has been {{.days}} days since we last spoke. How are things going?`,
	PurposeDealCoaching: `{{.deal}} moved from {{.from}} to {{.to}}. {{.advice}}`,
}

// TemplateGenerator renders fixed templates. It is the fallback when no
// model-backed generator is configured, and keeps agent output
// deterministic in tests.
type TemplateGenerator struct {
	templates map[string]*template.Template
}

func NewTemplateGenerator() *TemplateGenerator {
	g := &TemplateGenerator{templates: make(map[string]*template.Template, len(defaultTemplates))}
	for purpose, text := range defaultTemplates {
		g.templates[purpose] = template.Must(template.New(purpose).Option("missingkey=zero").Parse(text))
	}
	return g
}

func (g *TemplateGenerator) Generate(_ context.Context, p Prompt) (string, error) {
	t, ok := g.templates[p.Purpose]
	if !ok {
		return "", fmt.Errorf("agent: no template for %q", p.Purpose)
	}
	var b strings.Builder
	if err := t.Execute(&b, p.Facts); err != nil {
		return "", fmt.Errorf("agent: render %s: %w", p.Purpose, err)
	}
	return strings.TrimSpace(b.String()), nil
}
