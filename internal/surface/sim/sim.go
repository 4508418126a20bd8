// Package sim provides an in-memory compose surface with change
// notifications. Selectors are matched literally.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/foxzi/mailbatch/internal/surface"
)

// Node is a simulated element
type Node struct {
	Value  string
	HTML   string
	Text   string
	Hidden bool
	Files  []surface.File
}

// Sim is a thread-safe in-memory element tree keyed by selector
type Sim struct {
	mu       sync.Mutex
	nodes    map[string][]*Node
	onClick  map[string]func()
	onFiles  map[string]func([]surface.File)
	clicks   map[string]int
	subs     map[int]chan struct{}
	nextSub  int
	failures map[string]error
}

// New creates an empty surface
func New() *Sim {
	return &Sim{
		nodes:    make(map[string][]*Node),
		onClick:  make(map[string]func()),
		onFiles:  make(map[string]func([]surface.File)),
		clicks:   make(map[string]int),
		subs:     make(map[int]chan struct{}),
		failures: make(map[string]error),
	}
}

// Add appends a node under selector
func (s *Sim) Add(selector string, n *Node) {
	s.mu.Lock()
	s.nodes[selector] = append(s.nodes[selector], n)
	s.mu.Unlock()
	s.notify()
}

// Ensure adds a node under selector only if none exists
func (s *Sim) Ensure(selector string, n *Node) {
	s.mu.Lock()
	if len(s.nodes[selector]) > 0 {
		s.mu.Unlock()
		return
	}
	s.nodes[selector] = append(s.nodes[selector], n)
	s.mu.Unlock()
	s.notify()
}

// Delete removes every node under the given selectors
func (s *Sim) Delete(selectors ...string) {
	s.mu.Lock()
	for _, sel := range selectors {
		delete(s.nodes, sel)
	}
	s.mu.Unlock()
	s.notify()
}

// PopOne removes the first node under selector
func (s *Sim) PopOne(selector string) {
	s.mu.Lock()
	if nodes := s.nodes[selector]; len(nodes) > 0 {
		s.nodes[selector] = nodes[1:]
		if len(s.nodes[selector]) == 0 {
			delete(s.nodes, selector)
		}
	}
	s.mu.Unlock()
	s.notify()
}

// SetHidden toggles the visibility style of the first node
func (s *Sim) SetHidden(selector string, hidden bool) {
	s.mu.Lock()
	if nodes := s.nodes[selector]; len(nodes) > 0 {
		nodes[0].Hidden = hidden
	}
	s.mu.Unlock()
	s.notify()
}

// Node returns a copy of the first node under selector
func (s *Sim) Node(selector string) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := s.nodes[selector]
	if len(nodes) == 0 {
		return Node{}, false
	}
	return *nodes[0], true
}

// OnClick registers a click handler for selector
func (s *Sim) OnClick(selector string, fn func()) {
	s.mu.Lock()
	s.onClick[selector] = fn
	s.mu.Unlock()
}

// OnFiles registers a handler invoked after files are installed
func (s *Sim) OnFiles(selector string, fn func([]surface.File)) {
	s.mu.Lock()
	s.onFiles[selector] = fn
	s.mu.Unlock()
}

// FailOn makes every operation on selector return err
func (s *Sim) FailOn(selector string, err error) {
	s.mu.Lock()
	if err == nil {
		delete(s.failures, selector)
	} else {
		s.failures[selector] = err
	}
	s.mu.Unlock()
}

// Clicks returns how many times selector was clicked
func (s *Sim) Clicks(selector string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clicks[selector]
}

// Subscribe implements surface.Observable
func (s *Sim) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions
func (s *Sim) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Sim) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Sim) first(selector string) (*Node, error) {
	if err := s.failures[selector]; err != nil {
		return nil, err
	}
	nodes := s.nodes[selector]
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", surface.ErrNotFound, selector)
	}
	return nodes[0], nil
}

// Count implements surface.Surface
func (s *Sim) Count(ctx context.Context, selector string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[selector]; err != nil {
		return 0, err
	}
	return len(s.nodes[selector]), nil
}

// Visible implements surface.Surface
func (s *Sim) Visible(ctx context.Context, selector string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[selector]; err != nil {
		return false, err
	}
	nodes := s.nodes[selector]
	return len(nodes) > 0 && !nodes[0].Hidden, nil
}

// SetValue implements surface.Surface
func (s *Sim) SetValue(ctx context.Context, selector, value string) error {
	s.mu.Lock()
	n, err := s.first(selector)
	if err == nil {
		n.Value = value
	}
	s.mu.Unlock()
	if err == nil {
		s.notify()
	}
	return err
}

// SetHTML implements surface.Surface
func (s *Sim) SetHTML(ctx context.Context, selector, html string) error {
	s.mu.Lock()
	n, err := s.first(selector)
	if err == nil {
		n.HTML = html
	}
	s.mu.Unlock()
	if err == nil {
		s.notify()
	}
	return err
}

// Click implements surface.Surface
func (s *Sim) Click(ctx context.Context, selector string) error {
	s.mu.Lock()
	_, err := s.first(selector)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.clicks[selector]++
	fn := s.onClick[selector]
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// ClickAll implements surface.Surface
func (s *Sim) ClickAll(ctx context.Context, selector string) (int, error) {
	s.mu.Lock()
	if err := s.failures[selector]; err != nil {
		s.mu.Unlock()
		return 0, err
	}
	n := len(s.nodes[selector])
	s.clicks[selector] += n
	fn := s.onClick[selector]
	s.mu.Unlock()

	if fn != nil {
		for i := 0; i < n; i++ {
			fn()
		}
	}
	return n, nil
}

// Text implements surface.Surface
func (s *Sim) Text(ctx context.Context, selector string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.first(selector)
	if err != nil {
		return "", err
	}
	return n.Text, nil
}

// Remove implements surface.Surface
func (s *Sim) Remove(ctx context.Context, selector string) error {
	s.mu.Lock()
	if err := s.failures[selector]; err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.nodes, selector)
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetFiles implements surface.Surface
func (s *Sim) SetFiles(ctx context.Context, selector string, files []surface.File) error {
	s.mu.Lock()
	n, err := s.first(selector)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	n.Files = append([]surface.File(nil), files...)
	fn := s.onFiles[selector]
	s.mu.Unlock()

	s.notify()
	if fn != nil {
		fn(files)
	}
	return nil
}
