// Package compose drives the fields and lifecycle of the host's compose
// surface: recipient, subject, body, attachments, open, discard and send.
package compose

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/foxzi/mailbatch/internal/dataset"
	"github.com/foxzi/mailbatch/internal/placeholder"
	"github.com/foxzi/mailbatch/internal/surface"
	"github.com/foxzi/mailbatch/internal/template"
	"github.com/foxzi/mailbatch/internal/waiter"
)

// Timeouts bounds every wait the controller performs
type Timeouts struct {
	Open        time.Duration
	Expand      time.Duration
	Discard     time.Duration
	Send        time.Duration
	UploadGrace time.Duration
	Upload      time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Open:        10 * time.Second,
		Expand:      3 * time.Second,
		Discard:     5 * time.Second,
		Send:        10 * time.Second,
		UploadGrace: 3 * time.Second,
		Upload:      10 * time.Minute,
	}
}

// Fetcher loads attachment bytes
type Fetcher interface {
	FetchAll(ctx context.Context, atts []template.Attachment) ([]surface.File, error)
}

// Controller performs compose field operations. Every operation can be
// called on its own and repeating it has no further effect.
type Controller struct {
	surface  surface.Surface
	waiter   *waiter.Waiter
	sel      surface.Selectors
	fetcher  Fetcher
	timeouts Timeouts
	logger   *slog.Logger
}

// NewController creates a compose controller
func NewController(s surface.Surface, w *waiter.Waiter, sel surface.Selectors, fetcher Fetcher, timeouts Timeouts, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{
		surface:  s,
		waiter:   w,
		sel:      sel,
		fetcher:  fetcher,
		timeouts: timeouts,
		logger:   logger,
	}
}

func (c *Controller) count(ctx context.Context, selector string) int {
	if selector == "" {
		return 0
	}
	n, err := c.surface.Count(ctx, selector)
	if err != nil {
		c.logger.Debug("surface count failed", "selector", selector, "error", err)
		return 0
	}
	return n
}

// SetRecipient writes the recipient field. An empty value clears it.
func (c *Controller) SetRecipient(ctx context.Context, value string) error {
	if err := c.surface.SetValue(ctx, c.sel.Recipient, value); err != nil {
		return &SurfaceError{Op: "set recipient", Selector: c.sel.Recipient, Err: err}
	}
	return nil
}

// SetSubject writes the subject field. An empty value clears it.
func (c *Controller) SetSubject(ctx context.Context, value string) error {
	if err := c.surface.SetValue(ctx, c.sel.Subject, value); err != nil {
		return &SurfaceError{Op: "set subject", Selector: c.sel.Subject, Err: err}
	}
	return nil
}

// SetBody writes the HTML body. An empty value clears it.
func (c *Controller) SetBody(ctx context.Context, html string) error {
	if err := c.surface.SetHTML(ctx, c.sel.Body, html); err != nil {
		return &SurfaceError{Op: "set body", Selector: c.sel.Body, Err: err}
	}
	return nil
}

// ClearAttachments removes attachments already on the draft
func (c *Controller) ClearAttachments(ctx context.Context) {
	if c.sel.AttachmentRemove == "" {
		return
	}
	n, err := c.surface.ClickAll(ctx, c.sel.AttachmentRemove)
	if err != nil {
		c.logger.Warn("failed to remove attachments", "error", err)
		return
	}
	if n == 0 {
		return
	}
	if ok, _ := c.waiter.AwaitRemoval(ctx, c.sel.AttachmentRemove, c.timeouts.Discard); !ok {
		c.logger.Warn("attachments still present after removal", "count", c.count(ctx, c.sel.AttachmentRemove))
	}
}

// SetAttachments replaces the draft's attachments and tracks the upload.
// onUploading is told when an upload starts and always ends with false.
// Failures are logged and never returned, so a broken attachment does
// not abort the message.
func (c *Controller) SetAttachments(ctx context.Context, atts []template.Attachment, onUploading func(bool)) {
	if onUploading == nil {
		onUploading = func(bool) {}
	}

	c.ClearAttachments(ctx)
	if len(atts) == 0 {
		onUploading(false)
		return
	}

	if c.fetcher == nil {
		c.logger.Error("attachments configured but no fetcher available", "count", len(atts))
		onUploading(false)
		return
	}

	files, err := c.fetcher.FetchAll(ctx, atts)
	if err != nil {
		c.logger.Error("failed to fetch attachments", "error", err)
		onUploading(false)
		return
	}

	if err := c.surface.SetFiles(ctx, c.sel.FileInput, files); err != nil {
		c.logger.Error("failed to install attachments", "selector", c.sel.FileInput, "error", err)
		onUploading(false)
		return
	}

	c.trackUpload(ctx, onUploading)
}

func (c *Controller) trackUpload(ctx context.Context, onUploading func(bool)) {
	defer onUploading(false)

	if c.sel.Progress == "" {
		return
	}

	el, err := c.waiter.AwaitAppearance(ctx, c.sel.Progress, c.timeouts.UploadGrace)
	if err != nil || el == nil {
		return
	}

	onUploading(true)
	start := time.Now()
	ok, err := c.waiter.AwaitRemoval(ctx, c.sel.Progress, c.timeouts.Upload)
	switch {
	case err != nil:
		c.logger.Debug("upload wait interrupted", "error", err)
	case !ok:
		c.logger.Warn("attachment upload did not finish in time", "timeout", c.timeouts.Upload)
	default:
		c.logger.Debug("attachment upload finished", "duration", time.Since(start))
	}
}

// SetTemplateFields writes the template's subject, body and, when
// includeAttachments is set, its attachments. A nil template clears all
// three.
func (c *Controller) SetTemplateFields(ctx context.Context, tmpl *template.Template, includeAttachments bool, onUploading func(bool)) error {
	if tmpl == nil {
		return c.setFields(ctx, "", "", nil, true, onUploading)
	}
	return c.setFields(ctx, tmpl.Subject, tmpl.Body, tmpl.Attachments, includeAttachments, onUploading)
}

func (c *Controller) setFields(ctx context.Context, subject, body string, atts []template.Attachment, includeAttachments bool, onUploading func(bool)) error {
	if err := c.SetSubject(ctx, subject); err != nil {
		return err
	}
	if err := c.SetBody(ctx, body); err != nil {
		return err
	}
	if includeAttachments {
		c.SetAttachments(ctx, atts, onUploading)
	}
	return nil
}

// FillRow fills the draft for one recipient row and reports whether a
// row was applied. A template without a subject clears the draft. A nil
// row fills the template unrendered with an empty recipient.
func (c *Controller) FillRow(ctx context.Context, tmpl *template.Template, row *dataset.Row, includeAttachments bool, onUploading func(bool)) (bool, error) {
	if tmpl == nil || tmpl.Subject == "" {
		if err := c.SetRecipient(ctx, ""); err != nil {
			return false, err
		}
		return false, c.SetTemplateFields(ctx, nil, includeAttachments, onUploading)
	}

	if row == nil {
		if err := c.SetRecipient(ctx, ""); err != nil {
			return false, err
		}
		return false, c.SetTemplateFields(ctx, tmpl, includeAttachments, onUploading)
	}

	if err := c.SetRecipient(ctx, row.Email()); err != nil {
		return false, err
	}

	for _, text := range []string{tmpl.Subject, tmpl.Body} {
		if missing := placeholder.Missing(text, row); len(missing) > 0 {
			c.logger.Warn("placeholders without matching column", "template", tmpl.Name, "placeholders", missing)
		}
	}

	subject := placeholder.Render(tmpl.Subject, row)
	body := placeholder.Render(tmpl.Body, row)
	if err := c.setFields(ctx, subject, body, tmpl.Attachments, includeAttachments, onUploading); err != nil {
		return false, err
	}
	return true, nil
}

// IsOpen reports whether the compose surface is open
func (c *Controller) IsOpen(ctx context.Context) bool {
	return c.count(ctx, c.sel.Recipient) > 0
}

// Open opens a new compose surface unless one is already open, then
// expands it when the host offers an expand affordance
func (c *Controller) Open(ctx context.Context) error {
	if c.IsOpen(ctx) {
		return nil
	}

	if err := c.surface.Click(ctx, c.sel.Compose); err != nil {
		return &SurfaceError{Op: "open", Selector: c.sel.Compose, Err: err}
	}

	el, err := c.waiter.AwaitAppearance(ctx, c.sel.Recipient, c.timeouts.Open)
	if err != nil {
		return err
	}
	if el == nil {
		return &SurfaceError{Op: "open", Selector: c.sel.Recipient, Err: waiter.ErrTimeout}
	}

	c.expand(ctx)
	return ctx.Err()
}

func (c *Controller) expand(ctx context.Context) {
	if c.sel.Fullscreen == "" || c.count(ctx, c.sel.Fullscreen) == 0 {
		return
	}
	if err := c.surface.Click(ctx, c.sel.Fullscreen); err != nil {
		c.logger.Debug("expand compose failed", "error", err)
		return
	}
	if c.sel.Expanded == "" {
		return
	}
	if el, _ := c.waiter.AwaitVisible(ctx, c.sel.Expanded, c.timeouts.Expand); el == nil {
		c.logger.Debug("compose did not report expanded state", "selector", c.sel.Expanded)
	}
}

// DiscardDraft clicks every discard affordance and waits for the
// surface to close. Not closing in time is logged, not returned.
func (c *Controller) DiscardDraft(ctx context.Context) error {
	n, err := c.surface.ClickAll(ctx, c.sel.Discard)
	if err != nil {
		c.logger.Warn("discard click failed", "error", err)
	}
	if n == 0 && !c.IsOpen(ctx) {
		return nil
	}

	ok, err := c.waiter.AwaitRemoval(ctx, c.sel.Recipient, c.timeouts.Discard)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Warn("compose surface still open after discard")
	}
	return nil
}

// Send submits the draft. In mock mode the draft is discarded and the
// send reported as successful without touching the send affordance. In
// real mode the draft is discarded afterwards whatever the outcome.
func (c *Controller) Send(ctx context.Context, label string, mock bool) (result SendResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("send panicked", "recipient", label, "panic", r)
			result = SendResult{Message: fmt.Sprint(r)}
		}
	}()

	if mock {
		if err := c.DiscardDraft(ctx); err != nil {
			return SendResult{Message: err.Error()}
		}
		c.logger.Info("mock send", "recipient", label)
		return SendResult{Success: true, Message: "mock send"}
	}

	result = c.submit(ctx, label)

	if err := c.DiscardDraft(ctx); err != nil && result.Success {
		c.logger.Warn("discard after send failed", "recipient", label, "error", err)
	}
	return result
}

func (c *Controller) submit(ctx context.Context, label string) SendResult {
	if err := c.surface.Click(ctx, c.sel.Send); err != nil {
		return SendResult{Message: (&SurfaceError{Op: "send", Selector: c.sel.Send, Err: err}).Error()}
	}

	var rejected bool
	_, err := c.waiter.Until(ctx, c.timeouts.Send, func(ctx context.Context) bool {
		if c.count(ctx, c.sel.Error) > 0 {
			rejected = true
			return true
		}
		return !c.IsOpen(ctx)
	})
	if err != nil {
		return SendResult{Message: err.Error()}
	}

	if !rejected {
		c.logger.Info("message sent", "recipient", label)
		return SendResult{Success: true}
	}

	text, err := c.surface.Text(ctx, c.sel.Error)
	if err != nil || text == "" {
		text = "send rejected by host"
	}
	if err := c.surface.Remove(ctx, c.sel.Error); err != nil {
		c.logger.Debug("failed to remove error indicator", "error", err)
	}

	c.logger.Warn("message rejected", "recipient", label, "reason", text)
	return SendResult{Rejected: true, Message: text}
}

// WatchUploads reports upload progress indicator changes until stop is
// called
func (c *Controller) WatchUploads(ctx context.Context, onChange func(uploading bool)) (stop func()) {
	if c.sel.Progress == "" {
		onChange(false)
		return func() {}
	}
	return c.waiter.ObserveExistence(ctx, c.sel.Progress, onChange)
}
