// Package notify shows status notices to the operator: short-lived
// transient messages and one replaceable persistent message.
package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Kind classifies a notice
type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

// Handle identifies a persistent notice
type Handle uint64

// Notice is one shown message
type Notice struct {
	ID         Handle    `json:"id"`
	Message    string    `json:"message"`
	Kind       Kind      `json:"kind"`
	Persistent bool      `json:"persistent"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notifier is the notification port used by the orchestrator
type Notifier interface {
	ShowTransient(msg string, kind Kind)
	ShowPersistent(msg string, kind Kind) Handle
	Close(h Handle)
}

// DefaultHistory is the number of transient notices a Board keeps
const DefaultHistory = 50

// Board keeps the current persistent notice and the most recent
// transient ones, and logs every notice
type Board struct {
	mu      sync.RWMutex
	current *Notice
	recent  []Notice
	history int
	next    Handle
	logger  *slog.Logger
	now     func() time.Time
}

// NewBoard creates a board keeping up to history transient notices
func NewBoard(history int, logger *slog.Logger) *Board {
	if history <= 0 {
		history = DefaultHistory
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Board{history: history, logger: logger, now: time.Now}
}

func (b *Board) log(msg string, kind Kind, persistent bool) {
	level := slog.LevelInfo
	switch kind {
	case KindWarning:
		level = slog.LevelWarn
	case KindError:
		level = slog.LevelError
	}
	b.logger.Log(context.Background(), level, msg, "kind", string(kind), "persistent", persistent)
}

// ShowTransient records a short-lived notice
func (b *Board) ShowTransient(msg string, kind Kind) {
	b.mu.Lock()
	b.next++
	b.recent = append(b.recent, Notice{ID: b.next, Message: msg, Kind: kind, CreatedAt: b.now()})
	if len(b.recent) > b.history {
		b.recent = append([]Notice(nil), b.recent[len(b.recent)-b.history:]...)
	}
	b.mu.Unlock()

	b.log(msg, kind, false)
}

// ShowPersistent replaces the current persistent notice and returns
// its handle
func (b *Board) ShowPersistent(msg string, kind Kind) Handle {
	b.mu.Lock()
	b.next++
	n := &Notice{ID: b.next, Message: msg, Kind: kind, Persistent: true, CreatedAt: b.now()}
	b.current = n
	b.mu.Unlock()

	b.log(msg, kind, true)
	return n.ID
}

// Update changes the text of the persistent notice h. It reports false
// when h is no longer shown.
func (b *Board) Update(h Handle, msg string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || b.current.ID != h {
		return false
	}
	b.current.Message = msg
	return true
}

// Close removes the persistent notice h if it is still shown
func (b *Board) Close(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil && b.current.ID == h {
		b.current = nil
	}
}

// Current returns the persistent notice, if any
func (b *Board) Current() (Notice, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return Notice{}, false
	}
	return *b.current, true
}

// Recent returns transient notices, oldest first
func (b *Board) Recent() []Notice {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Notice(nil), b.recent...)
}

// Discard is a Notifier that drops everything
type Discard struct{}

func (Discard) ShowTransient(string, Kind) {}

func (Discard) ShowPersistent(string, Kind) Handle { return 0 }

func (Discard) Close(Handle) {}
