package quota

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) (*bolt.DB, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "quota_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	db, err := bolt.Open(filepath.Join(dir, "test.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open db: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}

	return db, cleanup
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLimiter(t *testing.T, db *bolt.DB, cfg *Config, c *clock) *Limiter {
	t.Helper()
	limiter, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	if c != nil {
		limiter.now = c.now
	}
	return limiter
}

func TestNewLimiterDefaultConfig(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter := newTestLimiter(t, db, nil, nil)
	defer limiter.Stop()

	if limiter.config.FlushInterval != 10*time.Second {
		t.Errorf("expected default FlushInterval=10s, got %v", limiter.config.FlushInterval)
	}
	if limiter.config.Enabled() {
		t.Error("empty config should not be enabled")
	}

	res, err := limiter.Allow(context.Background(), "a@x.com")
	if err != nil || !res.Allowed {
		t.Errorf("Allow() without limits = %+v, %v", res, err)
	}
}

func TestAllowGlobalHourly(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	c := &clock{t: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)}
	limiter := newTestLimiter(t, db, &Config{Global: &LimitConfig{MessagesPerHour: 2}}, c)
	defer limiter.Stop()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "a@x.com")
		if err != nil || !res.Allowed {
			t.Fatalf("Allow() #%d = %+v, %v", i, res, err)
		}
	}

	res, _ := limiter.Allow(ctx, "b@y.com")
	if res.Allowed {
		t.Fatal("Allow() beyond hourly limit should be denied")
	}
	if res.DeniedBy != LevelGlobal {
		t.Errorf("DeniedBy = %v, want %v", res.DeniedBy, LevelGlobal)
	}
	if res.RetryAfter != time.Hour {
		t.Errorf("RetryAfter = %v, want 1h", res.RetryAfter)
	}
	if res.Reason() == "" {
		t.Error("Reason() is empty for a denial")
	}

	c.t = c.t.Add(time.Hour)
	res, _ = limiter.Allow(ctx, "b@y.com")
	if !res.Allowed {
		t.Error("Allow() after window reset should pass")
	}
}

func TestAllowRecipientDomain(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter := newTestLimiter(t, db, &Config{PerRecipientDomain: &LimitConfig{MessagesPerDay: 1}}, nil)
	defer limiter.Stop()
	ctx := context.Background()

	if res, _ := limiter.Allow(ctx, "Ann <ann@Example.com>"); !res.Allowed {
		t.Fatal("first message to domain denied")
	}
	if res, _ := limiter.Allow(ctx, "bob@example.com"); res.Allowed || res.DeniedBy != LevelRecipientDomain {
		t.Errorf("second message to domain = %+v, want domain denial", res)
	}
	if res, _ := limiter.Allow(ctx, "bob@other.com"); !res.Allowed {
		t.Error("other domain should not be limited")
	}

	stats, err := limiter.GetStats(ctx, LevelRecipientDomain, "example.com")
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.DailyCount != 1 {
		t.Errorf("GetStats() daily = %d, want 1", stats.DailyCount)
	}
}

func TestCheckDoesNotCount(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	limiter := newTestLimiter(t, db, &Config{Global: &LimitConfig{MessagesPerHour: 1}}, nil)
	defer limiter.Stop()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if res, _ := limiter.Check(ctx, "a@x.com"); !res.Allowed {
			t.Fatal("Check() should not consume quota")
		}
	}
	limiter.Allow(ctx, "a@x.com")
	if res, _ := limiter.Check(ctx, "a@x.com"); res.Allowed {
		t.Error("Check() after limit reached should deny")
	}
}

func TestPersistence(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	cfg := &Config{Global: &LimitConfig{MessagesPerDay: 5}}
	limiter := newTestLimiter(t, db, cfg, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		limiter.Allow(ctx, "a@x.com")
	}
	if err := limiter.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := limiter.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	reloaded := newTestLimiter(t, db, cfg, nil)
	defer reloaded.Stop()

	stats, _ := reloaded.GetStats(ctx, LevelGlobal, "global")
	if stats.DailyCount != 3 {
		t.Errorf("reloaded daily count = %d, want 3", stats.DailyCount)
	}
}

func TestRecipientDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a@Example.COM", "example.com"},
		{"Ann <ann@x.org>", "x.org"},
		{"no-at-sign", ""},
		{"@x.com", ""},
		{"a@", ""},
	}
	for _, tt := range tests {
		if got := RecipientDomain(tt.in); got != tt.want {
			t.Errorf("RecipientDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
