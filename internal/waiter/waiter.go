// Package waiter waits for compose surface elements to appear, disappear
// or become visible. Waits are driven by the surface's change
// notifications when available and by bounded polling otherwise.
package waiter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/mailbatch/internal/surface"
)

// ErrTimeout is available to callers that turn a timed-out wait into a
// failure. The waiter itself signals timeouts with nil/false results.
var ErrTimeout = errors.New("timed out waiting for surface")

// DefaultPollInterval is used when no interval is configured
const DefaultPollInterval = 100 * time.Millisecond

// Waiter observes a surface
type Waiter struct {
	surface surface.Surface
	poll    time.Duration
	logger  *slog.Logger
}

// New creates a waiter. A non-positive poll interval uses the default.
func New(s surface.Surface, poll time.Duration, logger *slog.Logger) *Waiter {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Waiter{surface: s, poll: poll, logger: logger}
}

// Condition is evaluated after every observed change
type Condition func(ctx context.Context) bool

// Until evaluates cond immediately and then after every change until it
// holds or timeout elapses. It returns false on timeout and ctx.Err()
// when the context ends first. Subscriptions are released on every path.
func (w *Waiter) Until(ctx context.Context, timeout time.Duration, cond Condition) (bool, error) {
	if cond(ctx) {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var changes <-chan struct{}
	if obs, ok := w.surface.(surface.Observable); ok {
		ch, cancel := obs.Subscribe()
		defer cancel()
		changes = ch
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			// One last look so a change racing the deadline is not lost
			return cond(ctx), nil
		case <-changes:
		case <-ticker.C:
		}
		if cond(ctx) {
			return true, nil
		}
	}
}

func (w *Waiter) count(ctx context.Context, selector string) int {
	n, err := w.surface.Count(ctx, selector)
	if err != nil {
		w.logger.Debug("surface count failed", "selector", selector, "error", err)
		return 0
	}
	return n
}

// AwaitAppearance returns the first match of selector, or nil if none
// appears within timeout
func (w *Waiter) AwaitAppearance(ctx context.Context, selector string, timeout time.Duration) (*surface.Element, error) {
	var found int
	ok, err := w.Until(ctx, timeout, func(ctx context.Context) bool {
		found = w.count(ctx, selector)
		return found > 0
	})
	if err != nil || !ok {
		return nil, err
	}
	return &surface.Element{Selector: selector, Count: found}, nil
}

// AwaitRemoval returns true once selector matches nothing, or false on
// timeout. It returns without waiting when nothing matches already.
func (w *Waiter) AwaitRemoval(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	return w.Until(ctx, timeout, func(ctx context.Context) bool {
		return w.count(ctx, selector) == 0
	})
}

// AwaitVisible returns the first match once its visibility is not
// "hidden", or nil on timeout
func (w *Waiter) AwaitVisible(ctx context.Context, selector string, timeout time.Duration) (*surface.Element, error) {
	ok, err := w.Until(ctx, timeout, func(ctx context.Context) bool {
		visible, err := w.surface.Visible(ctx, selector)
		if err != nil {
			w.logger.Debug("surface visibility check failed", "selector", selector, "error", err)
			return false
		}
		return visible
	})
	if err != nil || !ok {
		return nil, err
	}
	return &surface.Element{Selector: selector, Count: w.count(ctx, selector)}, nil
}

// ObserveExistence calls onChange with the current existence of
// selector, then again after every change notification and whenever
// polling sees the state flip. The returned function stops observing
// and waits for the observer to exit; it is safe to call more than once.
func (w *Waiter) ObserveExistence(ctx context.Context, selector string, onChange func(exists bool)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)

	var changes <-chan struct{}
	unsubscribe := func() {}
	if obs, ok := w.surface.(surface.Observable); ok {
		changes, unsubscribe = obs.Subscribe()
	}

	last := w.count(ctx, selector) > 0
	onChange(last)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsubscribe()

		ticker := time.NewTicker(w.poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				last = w.count(ctx, selector) > 0
				onChange(last)
			case <-ticker.C:
				if exists := w.count(ctx, selector) > 0; exists != last {
					last = exists
					onChange(exists)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
