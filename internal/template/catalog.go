package template

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Catalog holds the templates of one session. Templates are loaded once
// and handed out by reference.
type Catalog struct {
	mu        sync.RWMutex
	templates []*Template
	byName    map[string]*Template
}

// NewCatalog creates a catalog from already loaded templates
func NewCatalog(templates []*Template) *Catalog {
	c := &Catalog{}
	c.set(templates)
	return c
}

// LoadCatalog lists templates from p into a new catalog
func LoadCatalog(ctx context.Context, p Provider) (*Catalog, error) {
	templates, err := p.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	return NewCatalog(templates), nil
}

func (c *Catalog) set(templates []*Template) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.templates = make([]*Template, 0, len(templates))
	c.byName = make(map[string]*Template, len(templates))
	for _, t := range templates {
		if t == nil || t.Name == "" {
			continue
		}
		if _, dup := c.byName[strings.ToLower(t.Name)]; dup {
			continue
		}
		c.templates = append(c.templates, t)
		c.byName[strings.ToLower(t.Name)] = t
	}
}

// Get returns the template registered under name, matched without
// regard to case, or nil
func (c *Catalog) Get(name string) *Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byName[strings.ToLower(name)]
}

// All returns templates in provider order
func (c *Catalog) All() []*Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Template(nil), c.templates...)
}

// Names returns template names in provider order
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.templates))
	for i, t := range c.templates {
		names[i] = t.Name
	}
	return names
}

// Len returns the number of templates
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.templates)
}
