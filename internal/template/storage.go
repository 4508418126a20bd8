package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketTemplates = []byte("templates")

var errStop = errors.New("stop")

// Storage keeps imported templates in bbolt, keyed by name. It is also
// a Provider, so a batch can run from stored templates without a
// template directory.
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new template storage
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTemplates)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create templates bucket: %w", err)
	}
	return &Storage{db: db}, nil
}

// Put stores the template under its name. Replacing a stored template
// keeps its ID and creation time and bumps the version.
func (s *Storage) Put(ctx context.Context, tmpl *Template) error {
	if tmpl.Name == "" {
		return fmt.Errorf("template name is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		now := time.Now()

		if data := b.Get([]byte(tmpl.Name)); data != nil {
			var prev Template
			if err := json.Unmarshal(data, &prev); err != nil {
				return fmt.Errorf("failed to decode stored template %q: %w", tmpl.Name, err)
			}
			tmpl.ID = prev.ID
			tmpl.Version = prev.Version + 1
			tmpl.CreatedAt = prev.CreatedAt
		} else {
			tmpl.ID = uuid.New().String()
			tmpl.Version = 1
			tmpl.CreatedAt = now
		}
		tmpl.UpdatedAt = now

		data, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}
		return b.Put([]byte(tmpl.Name), data)
	})
}

// Get returns the template stored under name, or nil
func (s *Storage) Get(ctx context.Context, name string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(name))
		if data == nil {
			return nil
		}
		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})

	return tmpl, err
}

// Find resolves a name, a full ID or an ID prefix of at least 8
// characters. It returns nil when nothing matches.
func (s *Storage) Find(ctx context.Context, ref string) (*Template, error) {
	tmpl, err := s.Get(ctx, ref)
	if err != nil || tmpl != nil {
		return tmpl, err
	}
	if len(ref) < 8 {
		return nil, nil
	}

	err = s.each(func(t *Template) bool {
		if strings.HasPrefix(t.ID, ref) {
			tmpl = t
			return false
		}
		return true
	})
	return tmpl, err
}

// List returns every stored template ordered by name
func (s *Storage) List(ctx context.Context) ([]*Template, error) {
	var templates []*Template
	err := s.each(func(t *Template) bool {
		templates = append(templates, t)
		return true
	})
	return templates, err
}

// Delete removes the template stored under name and reports whether
// it existed.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	var found bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		if b.Get([]byte(name)) == nil {
			return nil
		}
		found = true
		return b.Delete([]byte(name))
	})
	return found, err
}

// Count returns the number of stored templates
func (s *Storage) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketTemplates).Stats().KeyN
		return nil
	})
	return n, err
}

// each walks the bucket in key order until fn returns false. Entries
// that fail to decode are skipped.
func (s *Storage) each(fn func(*Template) bool) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var t Template
			if json.Unmarshal(v, &t) != nil {
				return nil
			}
			if !fn(&t) {
				return errStop
			}
			return nil
		})
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}
