package sim

import (
	"sync"
	"time"

	"github.com/foxzi/mailbatch/internal/surface"
)

// Message is a message the simulated webmail accepted for sending
type Message struct {
	To          string
	Subject     string
	Body        string
	Attachments []string
}

// WebmailOptions scripts the timing and failure behavior of the
// simulated host
type WebmailOptions struct {
	OpenDelay      time.Duration
	ExpandDelay    time.Duration
	SendDelay      time.Duration
	DiscardDelay   time.Duration
	UploadDuration time.Duration

	// Reject returns a non-empty error text to show an error indicator
	// instead of sending
	Reject func(to string) string

	// StayOpenAfterSend keeps the compose surface open after a send
	StayOpenAfterSend bool
}

// Webmail is a Sim wired with compose, send, discard and upload
// behaviors that follow a Selectors table
type Webmail struct {
	*Sim
	sel  surface.Selectors
	opts WebmailOptions

	mu       sync.Mutex
	sent     []Message
	discards int
}

// NewWebmail creates a simulated webmail client with an inbox view
// showing the compose button
func NewWebmail(sel surface.Selectors, opts WebmailOptions) *Webmail {
	w := &Webmail{Sim: New(), sel: sel, opts: opts}

	w.Add(sel.Compose, &Node{Text: "Compose"})
	w.OnClick(sel.Compose, w.openCompose)
	w.OnClick(sel.Fullscreen, w.expand)
	w.OnClick(sel.Send, w.send)
	w.OnClick(sel.Discard, w.discard)
	w.OnClick(sel.AttachmentRemove, func() { w.PopOne(sel.AttachmentRemove) })
	w.OnFiles(sel.FileInput, w.upload)

	return w
}

func (w *Webmail) after(d time.Duration, fn func()) {
	if d <= 0 {
		fn()
		return
	}
	time.AfterFunc(d, fn)
}

func (w *Webmail) openCompose() {
	w.after(w.opts.OpenDelay, func() {
		w.Ensure(w.sel.Subject, &Node{})
		w.Ensure(w.sel.Body, &Node{})
		w.Ensure(w.sel.FileInput, &Node{})
		w.Ensure(w.sel.Send, &Node{Text: "Send"})
		w.Ensure(w.sel.Discard, &Node{})
		w.Ensure(w.sel.Fullscreen, &Node{})
		w.Ensure(w.sel.Expanded, &Node{Hidden: true})
		// recipient last: its appearance marks the surface as ready
		w.Ensure(w.sel.Recipient, &Node{})
	})
}

func (w *Webmail) expand() {
	w.after(w.opts.ExpandDelay, func() {
		w.SetHidden(w.sel.Expanded, false)
	})
}

func (w *Webmail) closeCompose() {
	w.Delete(
		w.sel.Recipient,
		w.sel.Subject,
		w.sel.Body,
		w.sel.FileInput,
		w.sel.Send,
		w.sel.Discard,
		w.sel.Fullscreen,
		w.sel.Expanded,
		w.sel.AttachmentRemove,
		w.sel.Progress,
	)
}

func (w *Webmail) send() {
	to, _ := w.Node(w.sel.Recipient)
	subject, _ := w.Node(w.sel.Subject)
	body, _ := w.Node(w.sel.Body)
	input, _ := w.Node(w.sel.FileInput)

	if w.opts.Reject != nil {
		if reason := w.opts.Reject(to.Value); reason != "" {
			w.after(w.opts.SendDelay, func() {
				w.Add(w.sel.Error, &Node{Text: reason})
			})
			return
		}
	}

	msg := Message{To: to.Value, Subject: subject.Value, Body: body.HTML}
	for _, f := range input.Files {
		msg.Attachments = append(msg.Attachments, f.Name)
	}

	w.after(w.opts.SendDelay, func() {
		w.mu.Lock()
		w.sent = append(w.sent, msg)
		w.mu.Unlock()
		if !w.opts.StayOpenAfterSend {
			w.closeCompose()
		}
	})
}

func (w *Webmail) discard() {
	w.mu.Lock()
	w.discards++
	w.mu.Unlock()
	w.after(w.opts.DiscardDelay, w.closeCompose)
}

func (w *Webmail) upload(files []surface.File) {
	if len(files) == 0 {
		return
	}
	chips := func() {
		for _, f := range files {
			w.Add(w.sel.AttachmentRemove, &Node{Text: f.Name})
		}
	}
	if w.opts.UploadDuration <= 0 {
		chips()
		return
	}
	w.Add(w.sel.Progress, &Node{})
	time.AfterFunc(w.opts.UploadDuration, func() {
		chips()
		w.Delete(w.sel.Progress)
	})
}

// Sent returns the messages accepted so far
func (w *Webmail) Sent() []Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Message, len(w.sent))
	copy(out, w.sent)
	return out
}

// Discards returns how many times the discard affordance was clicked
func (w *Webmail) Discards() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.discards
}
