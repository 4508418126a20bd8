// Package history records finished batch runs and, for mock runs, the
// messages that would have been sent.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns   = []byte("runs")
	bucketRunIDs = []byte("run_ids")
)

// Message is the outcome of one row of a run
type Message struct {
	Row     int       `json:"row"`
	To      string    `json:"to"`
	Subject string    `json:"subject,omitempty"`
	Status  string    `json:"status"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Run is one finished batch
type Run struct {
	ID         string    `json:"id"`
	Template   string    `json:"template"`
	FileName   string    `json:"file_name"`
	Output     string    `json:"output,omitempty"`
	OutputErr  string    `json:"output_error,omitempty"`
	Mock       bool      `json:"mock"`
	State      string    `json:"state"`
	Total      int       `json:"total"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Summary    string    `json:"summary"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Messages   []Message `json:"messages,omitempty"`
}

// Storage provides run history storage
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new history storage using the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRuns); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketRunIDs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create history buckets: %w", err)
	}

	return &Storage{db: db}, nil
}

// Save stores a run, assigning an ID when it has none
func (s *Storage) Save(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		ids := tx.Bucket(bucketRunIDs)

		if old := ids.Get([]byte(run.ID)); old != nil {
			if err := runs.Delete(old); err != nil {
				return err
			}
		}

		indexKey := makeIndexKey(run.FinishedAt, run.ID)

		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}

		if err := runs.Put(indexKey, data); err != nil {
			return err
		}
		return ids.Put([]byte(run.ID), indexKey)
	})
}

// Get retrieves a run by ID, including its messages
func (s *Storage) Get(ctx context.Context, id string) (*Run, error) {
	var run *Run

	err := s.db.View(func(tx *bolt.Tx) error {
		indexKey := tx.Bucket(bucketRunIDs).Get([]byte(id))
		if indexKey == nil {
			return nil
		}
		data := tx.Bucket(bucketRuns).Get(indexKey)
		if data == nil {
			return nil
		}

		run = &Run{}
		return json.Unmarshal(data, run)
	})

	return run, err
}

// ListFilter contains filters for listing runs
type ListFilter struct {
	Template string
	MockOnly bool
	Limit    int
	Offset   int
}

// List returns runs matching the filter, newest first, without messages
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Run, error) {
	var runs []*Run

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				continue
			}

			if filter.Template != "" && run.Template != filter.Template {
				continue
			}
			if filter.MockOnly && !run.Mock {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			run.Messages = nil
			runs = append(runs, &run)

			if filter.Limit > 0 && len(runs) >= filter.Limit {
				break
			}
		}

		return nil
	})

	return runs, err
}

// Delete removes a run by ID
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketRunIDs)
		indexKey := ids.Get([]byte(id))
		if indexKey == nil {
			return nil
		}
		if err := tx.Bucket(bucketRuns).Delete(indexKey); err != nil {
			return err
		}
		return ids.Delete([]byte(id))
	})
}

// Clear removes runs finished more than olderThan ago; zero removes all
func (s *Storage) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		ids := tx.Bucket(bucketRunIDs)
		c := runs.Cursor()

		var keysToDelete [][]byte
		var idsToDelete []string

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				continue
			}
			if olderThan > 0 && run.FinishedAt.After(cutoff) {
				continue
			}
			keysToDelete = append(keysToDelete, k)
			idsToDelete = append(idsToDelete, run.ID)
		}

		for i, k := range keysToDelete {
			if err := runs.Delete(k); err != nil {
				return err
			}
			if err := ids.Delete([]byte(idsToDelete[i])); err != nil {
				return err
			}
			count++
		}

		return nil
	})

	return count, err
}

// Stats contains history statistics
type Stats struct {
	Runs     int64     `json:"runs"`
	MockRuns int64     `json:"mock_runs"`
	Sent     int64     `json:"sent"`
	Failed   int64     `json:"failed"`
	NewestAt time.Time `json:"newest_at,omitempty"`
}

// Stats returns history statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return nil
			}

			stats.Runs++
			if run.Mock {
				stats.MockRuns++
			}
			stats.Sent += int64(run.Sent)
			stats.Failed += int64(run.Failed)
			if run.FinishedAt.After(stats.NewestAt) {
				stats.NewestAt = run.FinishedAt
			}
			return nil
		})
	})

	return stats, err
}

// makeIndexKey orders runs by finish time. UTC keeps keys sortable.
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z") + ":" + id)
}
