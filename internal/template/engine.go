package template

import (
	"fmt"
	"html"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/foxzi/mailbatch/internal/placeholder"
)

var collapseSpace = regexp.MustCompile(`[ \t]*\n[ \t\n]*`)

// Engine renders templates for a recipient row
type Engine struct {
	text   *bluemonday.Policy
	logger *slog.Logger
}

// NewEngine creates a new template engine
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		text:   bluemonday.StrictPolicy(),
		logger: logger,
	}
}

// Render substitutes placeholders in subject and body. The plain text
// preview strips all markup from the rendered body. Unresolved
// placeholders are reported and left in place.
func (e *Engine) Render(tmpl *Template, row placeholder.Lookuper) *RenderResult {
	result := &RenderResult{
		Subject: placeholder.Render(tmpl.Subject, row),
		HTML:    placeholder.Render(tmpl.Body, row),
	}
	result.Text = e.PlainText(result.HTML)

	seen := make(map[string]bool)
	for _, text := range []string{tmpl.Subject, tmpl.Body} {
		for _, name := range placeholder.Missing(text, row) {
			key := strings.ToLower(name)
			if seen[key] {
				continue
			}
			seen[key] = true
			result.Missing = append(result.Missing, name)
			e.logger.Warn("placeholder has no matching column", "template", tmpl.Name, "placeholder", name)
		}
	}

	return result
}

// PlainText converts an HTML body to readable text
func (e *Engine) PlainText(body string) string {
	body = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "</p>\n", "</div>", "</div>\n").Replace(body)
	text := html.UnescapeString(e.text.Sanitize(body))
	return strings.TrimSpace(collapseSpace.ReplaceAllString(text, "\n"))
}

// Validate checks that a template can drive a batch
func (e *Engine) Validate(tmpl *Template) error {
	if tmpl == nil {
		return fmt.Errorf("template is nil")
	}
	if strings.TrimSpace(tmpl.Name) == "" {
		return fmt.Errorf("template name is required")
	}
	if strings.TrimSpace(tmpl.Subject) == "" {
		return fmt.Errorf("template %q has no subject", tmpl.Name)
	}
	for i, a := range tmpl.Attachments {
		if strings.TrimSpace(a.Source) == "" {
			return fmt.Errorf("template %q attachment %d has no source", tmpl.Name, i)
		}
	}
	return nil
}
