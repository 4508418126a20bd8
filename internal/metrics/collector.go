package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

var bucketMetrics = []byte("metrics")

var countersKey = []byte("counters")

// Sample is one persisted counter series
type Sample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Collector keeps counters across restarts and refreshes system gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector and restores persisted counters into m
func NewCollector(db *bolt.DB, m *Metrics, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// counterVecs maps persisted family names to their vectors
func (c *Collector) counterVecs() map[string]*prometheus.CounterVec {
	m := c.metrics
	return map[string]*prometheus.CounterVec{
		"mailbatch_rows_total":         m.RowsTotal,
		"mailbatch_sends_failed_total": m.SendsFailed,
		"mailbatch_batches_total":      m.BatchesTotal,
		"mailbatch_quota_denied_total": m.QuotaDeniedTotal,
		"mailbatch_api_requests_total": m.APIRequestsTotal,
		"mailbatch_api_errors_total":   m.APIErrorsTotal,
	}
}

func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(countersKey)
		if data == nil {
			return nil
		}

		var samples []Sample
		if err := json.Unmarshal(data, &samples); err != nil {
			return nil // Skip invalid data
		}

		vecs := c.counterVecs()
		for _, s := range samples {
			vec, ok := vecs[s.Name]
			if !ok {
				continue
			}
			counter, err := vec.GetMetricWith(prometheus.Labels(s.Labels))
			if err != nil {
				continue
			}
			counter.Add(s.Value)
		}
		return nil
	})
}

// Snapshot returns the current value of every persisted counter series
func (c *Collector) Snapshot() ([]Sample, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	vecs := c.counterVecs()
	var samples []Sample
	for _, mf := range families {
		if _, ok := vecs[mf.GetName()]; !ok {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := make(map[string]string, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			samples = append(samples, Sample{
				Name:   mf.GetName(),
				Labels: labels,
				Value:  metric.GetCounter().GetValue(),
			})
		}
	}
	return samples, nil
}

func (c *Collector) persistCounters() error {
	samples, err := c.Snapshot()
	if err != nil {
		return err
	}

	data, err := json.Marshal(samples)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(countersKey, data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	c.collectSystemMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics()
		}
	}
}

func (c *Collector) collectSystemMetrics() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}
}
