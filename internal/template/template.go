package template

import (
	"context"
	"time"
)

// Template is an email template selectable by name. Templates are
// loaded once per session and referenced, never copied.
type Template struct {
	ID          string       `json:"id" yaml:"-"`
	Name        string       `json:"name" yaml:"name"`
	Label       string       `json:"label,omitempty" yaml:"label,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Subject     string       `json:"subject" yaml:"subject"`
	Body        string       `json:"body" yaml:"-"`
	Attachments []Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Version     int          `json:"version" yaml:"-"`
	CreatedAt   time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"-"`
}

// Attachment describes a file attached to every message of a template
type Attachment struct {
	// Source is a locator: URL, s3://bucket/key, file path or a path
	// relative to the template source
	Source string `json:"source" yaml:"source"`
	// Name is the display filename
	Name string `json:"name" yaml:"name"`
}

// HasAttachments reports whether the template carries attachments
func (t *Template) HasAttachments() bool {
	return t != nil && len(t.Attachments) > 0
}

// DisplayName returns the label, falling back to the name
func (t *Template) DisplayName() string {
	if t.Label != "" {
		return t.Label
	}
	return t.Name
}

// Provider lists the available templates
type Provider interface {
	List(ctx context.Context) ([]*Template, error)
}

// RenderResult contains a template rendered for one recipient
type RenderResult struct {
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
	Missing []string `json:"missing,omitempty"`
}
