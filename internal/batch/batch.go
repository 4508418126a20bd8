// Package batch runs a spreadsheet of recipients through the host's
// compose surface one row at a time and records the outcome on each row.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/mailbatch/internal/compose"
	"github.com/foxzi/mailbatch/internal/dataset"
	"github.com/foxzi/mailbatch/internal/history"
	"github.com/foxzi/mailbatch/internal/quota"
	"github.com/foxzi/mailbatch/internal/template"
)

// State of the orchestrator
type State string

const (
	StateIdle     State = "idle"
	StateSending  State = "sending"
	StateStopped  State = "stopped"
	StateComplete State = "complete"
)

var (
	// ErrValidation matches every ValidationError
	ErrValidation = errors.New("batch validation failed")

	// ErrBusy is returned when a batch is already sending
	ErrBusy = errors.New("a batch is already sending")
)

// ValidationError explains why a batch could not start
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "cannot start batch: " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Config holds the pacing and behavior options of a batch
type Config struct {
	// MockMode fills every draft but discards it instead of sending
	MockMode bool

	// InterSendDelay paces consecutive sends
	InterSendDelay time.Duration

	// MinDwellWithoutAttachments keeps a filled draft visible before
	// sending when the template has no attachments
	MinDwellWithoutAttachments time.Duration

	IncludeAttachments bool
	EmailPolicy        dataset.EmailPolicy
}

// DefaultConfig returns the standard pacing
func DefaultConfig() Config {
	return Config{
		InterSendDelay:             5 * time.Second,
		MinDwellWithoutAttachments: 2 * time.Second,
		IncludeAttachments:         true,
		EmailPolicy:                dataset.PolicyLenient,
	}
}

// Composer is the compose surface as the orchestrator uses it
type Composer interface {
	Open(ctx context.Context) error
	FillRow(ctx context.Context, tmpl *template.Template, row *dataset.Row, includeAttachments bool, onUploading func(bool)) (bool, error)
	Send(ctx context.Context, label string, mock bool) compose.SendResult
	DiscardDraft(ctx context.Context) error
	WatchUploads(ctx context.Context, onChange func(uploading bool)) (stop func())
}

// Writer persists the dataset after a batch
type Writer interface {
	Write(ctx context.Context, ds *dataset.Dataset, originalName string) (string, error)
}

// Quota decides whether another message may go out
type Quota interface {
	Allow(ctx context.Context, recipient string) (*quota.Result, error)
}

// Recorder stores finished runs
type Recorder interface {
	Save(ctx context.Context, run *history.Run) error
}

// Progress is the position of the running batch
type Progress struct {
	Sending bool `json:"sending"`
	Index   int  `json:"index"`
	Total   int  `json:"total"`
}

// Label is the text of the send button
func (p Progress) Label() string {
	if p.Sending {
		return fmt.Sprintf("Sending (%d/%d)", p.Index, p.Total)
	}
	return "Start sending"
}

// Summary is the result of one batch
type Summary struct {
	RunID       string    `json:"run_id,omitempty"`
	State       State     `json:"state"`
	Mock        bool      `json:"mock"`
	Total       int       `json:"total"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Remaining   int       `json:"remaining"`
	QuotaReason string    `json:"quota_reason,omitempty"`
	Output      string    `json:"output,omitempty"`
	OutputErr   string    `json:"output_error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// String is the one-line summary shown to the user
func (s *Summary) String() string {
	var b strings.Builder
	if s.State == StateComplete {
		b.WriteString("Batch complete")
	} else {
		b.WriteString("Batch stopped")
	}
	if s.Mock {
		b.WriteString(" (mock)")
	}
	fmt.Fprintf(&b, ": %d sent, %d failed, %d skipped", s.Sent, s.Failed, s.Skipped)
	if s.Remaining > 0 {
		fmt.Fprintf(&b, ", %d not processed", s.Remaining)
	}
	if s.QuotaReason != "" {
		b.WriteString("; " + s.QuotaReason)
	}
	return b.String()
}

// Status is a point-in-time view of the orchestrator
type Status struct {
	State     State          `json:"state"`
	Progress  Progress       `json:"progress"`
	Label     string         `json:"label"`
	Uploading bool           `json:"uploading"`
	Mock      bool           `json:"mock"`
	CanSend   bool           `json:"can_send"`
	Template  string         `json:"template,omitempty"`
	FileName  string         `json:"file_name,omitempty"`
	Counts    dataset.Counts `json:"counts"`
	Last      *Summary       `json:"last,omitempty"`
}
