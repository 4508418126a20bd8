// Package surface defines the compose surface port: the host webmail UI
// the batch engine drives but does not control.
package surface

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a selector matches no element
var ErrNotFound = errors.New("element not found")

// File is an attachment ready to be installed on a file input
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Element is a handle to the first element matched by a selector
type Element struct {
	Selector string
	Count    int
}

// Surface is the set of operations the engine needs from the host UI.
// Elements are addressed by selector; single-element operations act on
// the first match.
type Surface interface {
	// Count returns the number of elements matching selector
	Count(ctx context.Context, selector string) (int, error)
	// Visible reports whether the first match exists and its visibility
	// style is not "hidden"
	Visible(ctx context.Context, selector string) (bool, error)
	// SetValue writes an input value and dispatches an input event
	SetValue(ctx context.Context, selector, value string) error
	// SetHTML replaces the inner HTML of an editable element
	SetHTML(ctx context.Context, selector, html string) error
	// Click clicks the first match
	Click(ctx context.Context, selector string) error
	// ClickAll clicks every match and returns how many were clicked
	ClickAll(ctx context.Context, selector string) (int, error)
	// Text returns the text content of the first match
	Text(ctx context.Context, selector string) (string, error)
	// Remove detaches every match from the document
	Remove(ctx context.Context, selector string) error
	// SetFiles installs files on a file input as one set and dispatches
	// a change event
	SetFiles(ctx context.Context, selector string, files []File) error
}

// Observable is implemented by surfaces that can push change
// notifications. The returned channel receives a value after each
// mutation batch; cancel releases the subscription.
type Observable interface {
	Subscribe() (changes <-chan struct{}, cancel func())
}
