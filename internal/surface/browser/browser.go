// Package browser drives a webmail tab of a Chrome instance over the
// DevTools protocol.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/chromedp/chromedp"

	"github.com/foxzi/mailbatch/internal/surface"
)

// Options configures how the browser is reached
type Options struct {
	// RemoteURL is the DevTools websocket of a running browser. When
	// empty a browser is launched.
	RemoteURL string

	// UserDataDir is the profile of a launched browser, where the
	// webmail session lives
	UserDataDir string

	Headless bool

	// StartURL is opened once the tab exists
	StartURL string
}

// Surface is a surface.Surface backed by one browser tab
type Surface struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.Mutex
	fileDir string
}

// New connects to or launches a browser and opens the start page
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Surface, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if opts.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, opts.RemoteURL)
	} else {
		execOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		execOpts = append(execOpts, chromedp.Flag("headless", opts.Headless))
		if opts.UserDataDir != "" {
			execOpts = append(execOpts, chromedp.UserDataDir(opts.UserDataDir))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, execOpts...)
	}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	s := &Surface{
		ctx: tabCtx,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
		logger: logger,
	}

	actions := []chromedp.Action{}
	if opts.StartURL != "" {
		actions = append(actions, chromedp.Navigate(opts.StartURL))
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		s.cancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	logger.Info("browser surface ready", "remote", opts.RemoteURL != "", "url", opts.StartURL)
	return s, nil
}

// Close closes the tab and, when launched by New, the browser
func (s *Surface) Close() error {
	s.cancel()

	s.mu.Lock()
	dir := s.fileDir
	s.fileDir = ""
	s.mu.Unlock()

	if dir != "" {
		return os.RemoveAll(dir)
	}
	return nil
}

// run executes actions on the tab, aborting when ctx ends
func (s *Surface) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *Surface) eval(ctx context.Context, script string, res any) error {
	return s.run(ctx, chromedp.Evaluate(script, res))
}

// onFirst evaluates body with el bound to the first match and reports
// surface.ErrNotFound when nothing matches
func (s *Surface) onFirst(ctx context.Context, selector, body string, args ...any) error {
	var found bool
	if err := s.eval(ctx, firstScript(selector, body, args...), &found); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: %w", selector, surface.ErrNotFound)
	}
	return nil
}

// Count returns the number of elements matching selector
func (s *Surface) Count(ctx context.Context, selector string) (int, error) {
	var n int
	err := s.eval(ctx, fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(selector)), &n)
	return n, err
}

// Visible reports whether the first match exists and is not hidden
func (s *Surface) Visible(ctx context.Context, selector string) (bool, error) {
	var visible bool
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		return !!el && getComputedStyle(el).visibility !== "hidden";
	})()`, jsString(selector))
	err := s.eval(ctx, script, &visible)
	return visible, err
}

// SetValue writes an input value and dispatches an input event
func (s *Surface) SetValue(ctx context.Context, selector, value string) error {
	return s.onFirst(ctx, selector, `el.value = %s;
		el.dispatchEvent(new Event("input", { bubbles: true }));`, jsString(value))
}

// SetHTML replaces the inner HTML of an editable element
func (s *Surface) SetHTML(ctx context.Context, selector, html string) error {
	return s.onFirst(ctx, selector, `el.innerHTML = %s;
		el.dispatchEvent(new Event("input", { bubbles: true }));`, jsString(html))
}

// Click clicks the first match
func (s *Surface) Click(ctx context.Context, selector string) error {
	return s.onFirst(ctx, selector, `el.click();`)
}

// ClickAll clicks every match
func (s *Surface) ClickAll(ctx context.Context, selector string) (int, error) {
	var n int
	script := fmt.Sprintf(`(() => {
		const els = Array.from(document.querySelectorAll(%s));
		els.forEach((el) => el.click());
		return els.length;
	})()`, jsString(selector))
	err := s.eval(ctx, script, &n)
	return n, err
}

// Text returns the text content of the first match
func (s *Surface) Text(ctx context.Context, selector string) (string, error) {
	var res struct {
		Found bool   `json:"found"`
		Text  string `json:"text"`
	}
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		return el ? { found: true, text: el.textContent || "" } : { found: false, text: "" };
	})()`, jsString(selector))
	if err := s.eval(ctx, script, &res); err != nil {
		return "", err
	}
	if !res.Found {
		return "", fmt.Errorf("%s: %w", selector, surface.ErrNotFound)
	}
	return res.Text, nil
}

// Remove detaches every match from the document
func (s *Surface) Remove(ctx context.Context, selector string) error {
	var n int
	script := fmt.Sprintf(`(() => {
		const els = Array.from(document.querySelectorAll(%s));
		els.forEach((el) => el.remove());
		return els.length;
	})()`, jsString(selector))
	return s.eval(ctx, script, &n)
}

// SetFiles installs files on a file input. The bytes are staged in a
// session directory because DevTools takes file paths; setting them
// fires the input's change event.
func (s *Surface) SetFiles(ctx context.Context, selector string, files []surface.File) error {
	n, err := s.Count(ctx, selector)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", selector, surface.ErrNotFound)
	}

	paths, err := s.stage(files)
	if err != nil {
		return err
	}
	return s.run(ctx, chromedp.SetUploadFiles(selector, paths, chromedp.ByQuery))
}

func (s *Surface) stage(files []surface.File) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fileDir == "" {
		dir, err := os.MkdirTemp("", "mailbatch-upload-")
		if err != nil {
			return nil, fmt.Errorf("failed to create upload dir: %w", err)
		}
		s.fileDir = dir
	}

	batchDir, err := os.MkdirTemp(s.fileDir, "set-")
	if err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	// One directory per file keeps equal display names apart
	paths := make([]string, 0, len(files))
	for i, f := range files {
		dir := filepath.Join(batchDir, strconv.Itoa(i))
		if err := os.Mkdir(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create upload dir: %w", err)
		}
		p := filepath.Join(dir, stagedName(f.Name, i))
		if err := os.WriteFile(p, f.Data, 0600); err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", f.Name, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// stagedName strips directories from a display name and falls back to
// attachment-N when nothing usable remains
func stagedName(name string, i int) string {
	base := filepath.Base(name)
	switch base {
	case ".", "..", string(filepath.Separator):
		return "attachment-" + strconv.Itoa(i+1)
	}
	return base
}

// jsString renders s as a JavaScript string literal
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// firstScript wraps body in a function binding el to the first match of
// selector. The function returns whether a match existed.
func firstScript(selector, body string, args ...any) string {
	if len(args) > 0 {
		body = fmt.Sprintf(body, args...)
	}
	return fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		%s
		return true;
	})()`, jsString(selector), body)
}
