package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "history.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}
	return storage
}

func TestStorage_SaveAndGet(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	run := &Run{
		Template: "welcome",
		FileName: "list.xlsx",
		Mock:     true,
		State:    "complete",
		Total:    2,
		Sent:     2,
		Messages: []Message{
			{Row: 0, To: "a@x.com", Subject: "Hi a@x.com", Status: "sent"},
			{Row: 1, To: "b@x.com", Subject: "Hi b@x.com", Status: "sent"},
		},
	}
	if err := storage.Save(ctx, run); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if run.ID == "" {
		t.Fatal("Save() did not assign an ID")
	}
	if run.FinishedAt.IsZero() {
		t.Error("Save() did not set FinishedAt")
	}

	got, err := storage.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil")
	}
	if len(got.Messages) != 2 || got.Messages[1].Subject != "Hi b@x.com" {
		t.Errorf("Get() messages = %+v", got.Messages)
	}

	missing, err := storage.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Get(nope) = %v, %v; want nil, nil", missing, err)
	}
}

func TestStorage_SaveReplaces(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	run := &Run{Template: "t", State: "stopped", FinishedAt: time.Now().Add(-time.Minute)}
	if err := storage.Save(ctx, run); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	run.State = "complete"
	run.FinishedAt = time.Now()
	if err := storage.Save(ctx, run); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	list, err := storage.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].State != "complete" {
		t.Errorf("List() = %+v, want single updated run", list)
	}
}

func TestStorage_List(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	runs := []*Run{
		{Template: "a", FinishedAt: base, Messages: []Message{{To: "x"}}},
		{Template: "b", Mock: true, FinishedAt: base.Add(time.Minute)},
		{Template: "a", Mock: true, FinishedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range runs {
		if err := storage.Save(ctx, r); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	all, err := storage.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != runs[2].ID || all[2].ID != runs[0].ID {
		t.Errorf("List() not newest first")
	}
	if all[2].Messages != nil {
		t.Error("List() should omit messages")
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   int
	}{
		{"by template", ListFilter{Template: "a"}, 2},
		{"mock only", ListFilter{MockOnly: true}, 2},
		{"limit", ListFilter{Limit: 1}, 1},
		{"offset", ListFilter{Offset: 2}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := storage.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("List() len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestStorage_DeleteAndClear(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	old := &Run{Template: "old", FinishedAt: time.Now().Add(-48 * time.Hour), Sent: 3}
	recent := &Run{Template: "recent", FinishedAt: time.Now(), Sent: 1, Failed: 1, Mock: true}
	extra := &Run{Template: "extra", FinishedAt: time.Now()}
	for _, r := range []*Run{old, recent, extra} {
		if err := storage.Save(ctx, r); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Runs != 3 || stats.MockRuns != 1 || stats.Sent != 4 || stats.Failed != 1 {
		t.Errorf("Stats() = %+v", stats)
	}

	if err := storage.Delete(ctx, extra.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got, _ := storage.Get(ctx, extra.ID); got != nil {
		t.Error("Get() after Delete() should return nil")
	}

	n, err := storage.Clear(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Clear() = %d, want 1", n)
	}
	if got, _ := storage.Get(ctx, old.ID); got != nil {
		t.Error("old run survived Clear()")
	}
	if got, _ := storage.Get(ctx, recent.ID); got == nil {
		t.Error("recent run removed by Clear()")
	}
}
