// Package quota caps how many messages a host account sends per hour
// and per day, globally and per recipient domain. Counters survive
// restarts in bbolt.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketQuota = []byte("send_quota")

// Level is the scope a limit applies to
type Level string

const (
	LevelGlobal          Level = "global"
	LevelRecipientDomain Level = "recipient_domain"
)

// Config contains quota configuration
type Config struct {
	// Global limits every message of the account
	Global *LimitConfig `yaml:"global,omitempty"`

	// PerRecipientDomain limits messages to one recipient domain
	PerRecipientDomain *LimitConfig `yaml:"per_recipient_domain,omitempty"`

	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// Enabled reports whether any limit is configured
func (c *Config) Enabled() bool {
	return c != nil && (c.Global.active() || c.PerRecipientDomain.active())
}

// LimitConfig contains limit values. Zero means unlimited.
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

func (l *LimitConfig) active() bool {
	return l != nil && (l.MessagesPerHour > 0 || l.MessagesPerDay > 0)
}

// Counter tracks sends in the current windows
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// at returns the counter as seen at now, with elapsed windows zeroed
func (c Counter) at(now time.Time) Counter {
	if now.Sub(c.HourStart) >= time.Hour {
		c.HourlyCount, c.HourStart = 0, now
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		c.DailyCount, c.DayStart = 0, now
	}
	return c
}

// Result is the outcome of a quota check
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Reason describes a denial for the operator
func (r *Result) Reason() string {
	if r.Allowed {
		return ""
	}
	scope := "account"
	if r.DeniedBy == LevelRecipientDomain {
		scope = strings.TrimPrefix(r.DeniedKey, string(LevelRecipientDomain)+":")
	}
	return fmt.Sprintf("send quota reached for %s, retry in %s", scope, r.RetryAfter.Round(time.Minute))
}

// Stats contains counter values for one key
type Stats struct {
	Level       Level     `json:"level"`
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter enforces quotas. Counters live in memory and are flushed to
// bbolt periodically and on Stop.
type Limiter struct {
	db       *bolt.DB
	config   *Config
	now      func() time.Time
	mu       sync.RWMutex
	counters map[string]*Counter
	dirty    map[string]bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a limiter and starts background persistence
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQuota)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quota bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		now:      time.Now,
		counters: make(map[string]*Counter),
		dirty:    make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.flushLoop()
	return l, nil
}

// Allow checks every applicable limit for a message to recipient and
// counts the message when all pass
func (l *Limiter) Allow(ctx context.Context, recipient string) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rules := l.rules(recipient)
	for _, r := range rules {
		if res := r.deny(l.current(r.key, now), now); res != nil {
			return res, nil
		}
	}

	for _, r := range rules {
		c := l.current(r.key, now)
		c.HourlyCount++
		c.DailyCount++
		l.counters[r.key] = &c
		l.dirty[r.key] = true
	}
	return &Result{Allowed: true}, nil
}

// Check reports whether a message to recipient would be allowed
// without counting it
func (l *Limiter) Check(ctx context.Context, recipient string) (*Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	for _, r := range l.rules(recipient) {
		if res := r.deny(l.current(r.key, now), now); res != nil {
			return res, nil
		}
	}
	return &Result{Allowed: true}, nil
}

// GetStats returns the counters for a level and key
func (l *Limiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	k := makeKey(level, key)
	if _, ok := l.counters[k]; !ok {
		return &Stats{Level: level, Key: key}, nil
	}

	c := l.current(k, l.now())
	return &Stats{
		Level:       level,
		Key:         key,
		HourlyCount: c.HourlyCount,
		DailyCount:  c.DailyCount,
		HourStart:   c.HourStart,
		DayStart:    c.DayStart,
	}, nil
}

// Stop ends background persistence and flushes counters
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.flush()
}

// current returns the counter for key at now without storing it
func (l *Limiter) current(key string, now time.Time) Counter {
	if c, ok := l.counters[key]; ok {
		return c.at(now)
	}
	return Counter{HourStart: now, DayStart: now}
}

type rule struct {
	level Level
	key   string
	limit *LimitConfig
}

func (r rule) deny(c Counter, now time.Time) *Result {
	var windowEnd time.Time
	switch {
	case r.limit.MessagesPerHour > 0 && c.HourlyCount >= r.limit.MessagesPerHour:
		windowEnd = c.HourStart.Add(time.Hour)
	case r.limit.MessagesPerDay > 0 && c.DailyCount >= r.limit.MessagesPerDay:
		windowEnd = c.DayStart.Add(24 * time.Hour)
	default:
		return nil
	}
	return &Result{DeniedBy: r.level, DeniedKey: r.key, RetryAfter: windowEnd.Sub(now)}
}

func (l *Limiter) rules(recipient string) []rule {
	var rules []rule
	if l.config.Global.active() {
		rules = append(rules, rule{LevelGlobal, makeKey(LevelGlobal, "global"), l.config.Global})
	}
	if l.config.PerRecipientDomain.active() {
		if domain := RecipientDomain(recipient); domain != "" {
			rules = append(rules, rule{LevelRecipientDomain, makeKey(LevelRecipientDomain, domain), l.config.PerRecipientDomain})
		}
	}
	return rules
}

// RecipientDomain returns the lower-cased domain of an address, or ""
func RecipientDomain(addr string) string {
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = parsed.Address
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}

func (l *Limiter) load() error {
	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuota).ForEach(func(k, v []byte) error {
			var c Counter
			if json.Unmarshal(v, &c) == nil {
				l.counters[string(k)] = &c
			}
			return nil
		})
	})
}

// flush writes the counters changed since the last flush
func (l *Limiter) flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.dirty) == 0 {
		return nil
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuota)
		for key := range l.dirty {
			data, err := json.Marshal(l.counters[key])
			if err != nil {
				return err
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		clear(l.dirty)
	}
	return err
}

func (l *Limiter) flushLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
