package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/mailbatch/internal/compose"
	"github.com/foxzi/mailbatch/internal/dataset"
	"github.com/foxzi/mailbatch/internal/history"
	"github.com/foxzi/mailbatch/internal/metrics"
	"github.com/foxzi/mailbatch/internal/notify"
	"github.com/foxzi/mailbatch/internal/placeholder"
	"github.com/foxzi/mailbatch/internal/tabular"
	"github.com/foxzi/mailbatch/internal/template"
)

// Orchestrator owns the send session, the dataset and the template
// selection. One batch runs at a time.
type Orchestrator struct {
	composer Composer
	writer   Writer
	notifier notify.Notifier
	quota    Quota
	history  Recorder
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	ds        *dataset.Dataset
	fileName  string
	tmpl      *template.Template
	state     State
	index     int
	uploading bool
	uploadAt  time.Time
	last      *Summary

	stopRequested atomic.Bool
	stopCh        chan struct{}
	stopClosed    bool
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithNotifier sets the notification collaborator
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithQuota enables the send quota for real sends
func WithQuota(q Quota) Option {
	return func(o *Orchestrator) { o.quota = q }
}

// WithHistory records every finished batch
func WithHistory(r Recorder) Option {
	return func(o *Orchestrator) { o.history = r }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source used for row timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator
func New(c Composer, w Writer, cfg Config, opts ...Option) *Orchestrator {
	if !cfg.EmailPolicy.Valid() {
		cfg.EmailPolicy = dataset.PolicyLenient
	}
	o := &Orchestrator{
		composer: c,
		writer:   w,
		notifier: notify.Discard{},
		cfg:      cfg,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Load replaces the dataset and adds the tracking columns
func (o *Orchestrator) Load(ds *dataset.Dataset, fileName string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateSending {
		return ErrBusy
	}
	if ds != nil {
		for _, col := range []string{dataset.ColumnStatus, dataset.ColumnTime, dataset.ColumnReason} {
			tabular.AddMissingColumn(ds, col)
		}
	}
	o.ds = ds
	o.fileName = fileName
	o.index = 0
	return nil
}

// SelectTemplate selects the template used for every row. The
// orchestrator keeps the reference, not a copy.
func (o *Orchestrator) SelectTemplate(t *template.Template) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateSending {
		return ErrBusy
	}
	o.tmpl = t
	return nil
}

// Dataset returns the loaded dataset
func (o *Orchestrator) Dataset() *dataset.Dataset {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ds
}

// Progress returns the current position
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progressLocked()
}

func (o *Orchestrator) progressLocked() Progress {
	return Progress{
		Sending: o.state == StateSending,
		Index:   o.index,
		Total:   o.ds.Len(),
	}
}

// CanSend reports whether a batch could start now
func (o *Orchestrator) CanSend() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.canSendLocked()
}

func (o *Orchestrator) canSendLocked() bool {
	return o.tmpl != nil && o.tmpl.Subject != "" &&
		len(o.ds.RecipientEmails()) > 0 &&
		o.index < o.ds.Len() &&
		o.state != StateSending &&
		!o.uploading
}

// Status returns a snapshot for reporting
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	p := o.progressLocked()
	st := Status{
		State:     o.state,
		Progress:  p,
		Label:     p.Label(),
		Uploading: o.uploading,
		Mock:      o.cfg.MockMode,
		CanSend:   o.canSendLocked(),
		FileName:  o.fileName,
		Counts:    o.ds.Counts(),
		Last:      o.last,
	}
	if o.tmpl != nil {
		st.Template = o.tmpl.DisplayName()
	}
	return st
}

func (o *Orchestrator) setUploading(uploading bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case uploading && !o.uploading:
		o.uploadAt = o.now()
	case !uploading && o.uploading:
		metrics.ObserveUploadWait(o.now().Sub(o.uploadAt).Seconds())
	}
	o.uploading = uploading
}

// Preview opens the compose surface and fills it with the first row so
// the user sees what will be sent. Without rows the recipient stays
// empty and the template is filled unrendered.
func (o *Orchestrator) Preview(ctx context.Context) (bool, error) {
	o.mu.Lock()
	if o.state == StateSending {
		o.mu.Unlock()
		return false, ErrBusy
	}
	tmpl := o.tmpl
	var row *dataset.Row
	if o.ds.Len() > 0 {
		row = o.ds.Rows[0]
	}
	o.mu.Unlock()

	if err := o.composer.Open(ctx); err != nil {
		return false, err
	}
	return o.composer.FillRow(ctx, tmpl, row, o.cfg.IncludeAttachments, o.setUploading)
}

// Stop asks a running batch to end at its next checkpoint. It reports
// whether a batch was running.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateSending {
		return false
	}
	o.stopRequested.Store(true)
	if !o.stopClosed {
		close(o.stopCh)
		o.stopClosed = true
	}
	o.logger.Info("stop requested", "processed", o.index)
	return true
}

// Dismiss stops any batch and discards the draft, as when the user
// closes the batch dialog
func (o *Orchestrator) Dismiss(ctx context.Context) error {
	o.Stop()
	return o.composer.DiscardDraft(ctx)
}

func (o *Orchestrator) validateLocked() error {
	switch {
	case o.state == StateSending:
		return ErrBusy
	case o.ds.Len() == 0:
		return &ValidationError{Reason: "no recipient rows loaded"}
	case o.tmpl == nil:
		return &ValidationError{Reason: "no template selected"}
	case o.tmpl.Subject == "":
		return &ValidationError{Reason: fmt.Sprintf("template %q has no subject", o.tmpl.DisplayName())}
	}
	return nil
}

// run is the bookkeeping of one batch
type run struct {
	summary  *Summary
	messages []history.Message
	handle   notify.Handle
}

// Run processes every row in order and finalizes the batch. Per-row
// failures are recorded on the row and never end the batch. The summary
// is returned even when saving the results fails.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	o.mu.Lock()
	if err := o.validateLocked(); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.state = StateSending
	o.index = 0
	o.stopRequested.Store(false)
	o.stopCh = make(chan struct{})
	o.stopClosed = false
	ds, tmpl := o.ds, o.tmpl

	r := &run{summary: &Summary{
		Mock:      o.cfg.MockMode,
		Total:     ds.Len(),
		StartedAt: o.now(),
	}}
	label := o.progressLocked().Label()
	o.mu.Unlock()

	o.logger.Info("batch started",
		"template", tmpl.DisplayName(),
		"rows", ds.Len(),
		"mock", o.cfg.MockMode,
	)
	metrics.SetSending(true, ds.Len())
	r.handle = o.notifier.ShowPersistent(label, notify.KindInfo)

	stopWatch := o.composer.WatchUploads(ctx, o.setUploading)
	state := o.loop(ctx, ds, tmpl, r)
	stopWatch()

	return o.finalize(ctx, ds, tmpl, state, r)
}

// cancelled is checked after every suspension point
func (o *Orchestrator) cancelled(ctx context.Context) bool {
	return o.stopRequested.Load() || ctx.Err() != nil
}

// pause waits d unless the batch is stopped first
func (o *Orchestrator) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !o.cancelled(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return !o.cancelled(ctx)
	case <-o.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) advance() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.index++
	return o.index
}

func (o *Orchestrator) position() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.index
}

func (o *Orchestrator) showProgress(r *run) {
	o.mu.Lock()
	label := o.progressLocked().Label()
	o.mu.Unlock()

	o.notifier.Close(r.handle)
	r.handle = o.notifier.ShowPersistent(label, notify.KindInfo)
}

func (o *Orchestrator) loop(ctx context.Context, ds *dataset.Dataset, tmpl *template.Template, r *run) State {
	total := ds.Len()

	for {
		if o.cancelled(ctx) {
			return StateStopped
		}

		i := o.position()
		for i < total && ds.Rows[i].Status() == dataset.StatusSent {
			o.notifier.ShowTransient(fmt.Sprintf("Row %d already sent, skipping", i+1), notify.KindInfo)
			r.summary.Skipped++
			metrics.IncRows(metrics.RowSkipped, o.cfg.MockMode)
			i = o.advance()
		}
		if i >= total {
			return StateComplete
		}

		row := ds.Rows[i]
		email := row.Email()
		metrics.SetSending(true, total-i)
		o.showProgress(r)
		log := o.logger.With("row", i+1, "email", email)

		if !o.cfg.EmailPolicy.Accepts(email) {
			log.Warn("row skipped by email policy", "policy", o.cfg.EmailPolicy)
			o.recordFailure(r, i, row, tmpl, "invalid email address", "policy")
			o.advance()
			continue
		}

		if !o.cfg.MockMode && o.quota != nil {
			res, err := o.quota.Allow(ctx, email)
			if err != nil {
				log.Error("quota check failed", "error", err)
			} else if !res.Allowed {
				r.summary.QuotaReason = res.Reason()
				metrics.IncQuotaDenied(string(res.DeniedBy))
				log.Warn("send quota reached", "level", res.DeniedBy, "retry_after", res.RetryAfter)
				o.notifier.ShowTransient(res.Reason(), notify.KindWarning)
				return StateStopped
			}
		}

		if err := o.composer.Open(ctx); err != nil {
			if o.cancelled(ctx) {
				return StateStopped
			}
			log.Error("compose surface not available", "error", err)
			o.recordFailure(r, i, row, tmpl, err.Error(), failureCause(err))
			o.advance()
			continue
		}
		if o.cancelled(ctx) {
			return StateStopped
		}

		if _, err := o.composer.FillRow(ctx, tmpl, row, o.cfg.IncludeAttachments, o.setUploading); err != nil {
			if o.cancelled(ctx) {
				return StateStopped
			}
			log.Error("failed to fill draft", "error", err)
			o.recordFailure(r, i, row, tmpl, err.Error(), failureCause(err))
			if derr := o.composer.DiscardDraft(ctx); derr != nil {
				log.Debug("discard after fill failure", "error", derr)
			}
			o.advance()
			continue
		}
		if o.cancelled(ctx) {
			return StateStopped
		}

		if !tmpl.HasAttachments() && !o.pause(ctx, o.cfg.MinDwellWithoutAttachments) {
			return StateStopped
		}

		res := o.composer.Send(ctx, email, o.cfg.MockMode)
		if res.Success {
			o.recordSuccess(r, i, row, tmpl)
		} else {
			cause := "error"
			if res.Rejected {
				cause = "rejected"
			}
			o.recordFailure(r, i, row, tmpl, res.Message, cause)
		}

		if next := o.advance(); next < total {
			if !o.pause(ctx, o.cfg.InterSendDelay) {
				return StateStopped
			}
		}
	}
}

func failureCause(err error) string {
	var se *compose.SurfaceError
	if errors.As(err, &se) {
		return "surface"
	}
	return "error"
}

func (o *Orchestrator) recordSuccess(r *run, i int, row *dataset.Row, tmpl *template.Template) {
	now := o.now()
	o.mu.Lock()
	row.MarkSent(now)
	o.mu.Unlock()

	r.summary.Sent++
	r.messages = append(r.messages, history.Message{
		Row:     i,
		To:      row.Email(),
		Subject: placeholder.Render(tmpl.Subject, row),
		Status:  string(dataset.StatusSent),
		At:      now,
	})
	metrics.IncRows(metrics.RowSent, o.cfg.MockMode)
}

func (o *Orchestrator) recordFailure(r *run, i int, row *dataset.Row, tmpl *template.Template, reason, cause string) {
	now := o.now()
	o.mu.Lock()
	row.MarkFailed(now, reason)
	o.mu.Unlock()

	r.summary.Failed++
	r.messages = append(r.messages, history.Message{
		Row:     i,
		To:      row.Email(),
		Subject: placeholder.Render(tmpl.Subject, row),
		Status:  string(dataset.StatusFailed),
		Reason:  reason,
		At:      now,
	})
	metrics.IncRows(metrics.RowFailed, o.cfg.MockMode)
	metrics.IncSendFailed(cause)
	o.logger.Warn("row failed", "row", i+1, "email", row.Email(), "reason", reason)
}

// finalize resets the session, reports the summary and persists the
// dataset. It runs for completed and stopped batches alike.
func (o *Orchestrator) finalize(ctx context.Context, ds *dataset.Dataset, tmpl *template.Template, state State, r *run) (*Summary, error) {
	ctx = context.WithoutCancel(ctx)
	s := r.summary

	o.mu.Lock()
	if state == StateStopped {
		s.Remaining = ds.Len() - o.index
	}
	o.state = StateIdle
	o.index = 0
	o.mu.Unlock()

	s.State = state
	s.FinishedAt = o.now()

	o.notifier.Close(r.handle)
	kind := notify.KindSuccess
	if state != StateComplete || s.Failed > 0 {
		kind = notify.KindWarning
	}
	o.notifier.ShowTransient(s.String(), kind)

	var writeErr error
	if o.writer != nil {
		out, err := o.writer.Write(ctx, ds, o.fileName)
		if err != nil {
			writeErr = fmt.Errorf("failed to save results: %w", err)
			s.OutputErr = err.Error()
			o.logger.Error("failed to save results", "error", err)
			o.notifier.ShowTransient("Failed to save results: "+err.Error(), notify.KindError)
		} else {
			s.Output = out
			o.notifier.ShowTransient("Results saved to "+out, notify.KindInfo)
		}
	}

	if o.history != nil {
		entry := &history.Run{
			Template:   tmpl.DisplayName(),
			FileName:   o.fileName,
			Output:     s.Output,
			OutputErr:  s.OutputErr,
			Mock:       s.Mock,
			State:      string(state),
			Total:      s.Total,
			Sent:       s.Sent,
			Failed:     s.Failed,
			Skipped:    s.Skipped,
			Summary:    s.String(),
			StartedAt:  s.StartedAt,
			FinishedAt: s.FinishedAt,
			Messages:   r.messages,
		}
		if err := o.history.Save(ctx, entry); err != nil {
			o.logger.Error("failed to record batch history", "error", err)
		} else {
			s.RunID = entry.ID
		}
	}

	metrics.SetSending(false, 0)
	metrics.ObserveBatch(string(state), s.FinishedAt.Sub(s.StartedAt).Seconds())

	o.mu.Lock()
	o.last = s
	o.mu.Unlock()

	o.logger.Info("batch finished",
		"state", state,
		"sent", s.Sent,
		"failed", s.Failed,
		"skipped", s.Skipped,
		"remaining", s.Remaining,
		"output", s.Output,
	)
	return s, writeErr
}
