package template

import (
	"context"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "templates.db"), 0600, nil)
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

func TestStorage_Put(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	tmpl := &Template{
		Name:        "welcome",
		Subject:     "Hello {{name}}",
		Body:        "<p>Welcome!</p>",
		Attachments: []Attachment{{Source: "files/guide.pdf", Name: "guide.pdf"}},
	}
	if err := storage.Put(ctx, tmpl); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if tmpl.ID == "" || tmpl.Version != 1 || tmpl.CreatedAt.IsZero() {
		t.Errorf("Put() metadata = id %q version %d created %v", tmpl.ID, tmpl.Version, tmpl.CreatedAt)
	}

	got, err := storage.Get(ctx, "welcome")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.Body != "<p>Welcome!</p>" {
		t.Fatalf("Get() = %+v", got)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Name != "guide.pdf" {
		t.Errorf("Get() attachments = %+v", got.Attachments)
	}
}

func TestStorage_PutReplaces(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	first := &Template{Name: "welcome", Subject: "v1"}
	if err := storage.Put(ctx, first); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	second := &Template{Name: "welcome", Subject: "v2"}
	if err := storage.Put(ctx, second); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("replaced ID = %s, want %s", second.ID, first.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on replace")
	}

	got, _ := storage.Get(ctx, "welcome")
	if got == nil || got.Subject != "v2" || got.Version != 2 {
		t.Errorf("Get() = %+v, want subject v2 version 2", got)
	}

	n, err := storage.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestStorage_PutRequiresName(t *testing.T) {
	storage := newTestStorage(t)
	if err := storage.Put(context.Background(), &Template{Subject: "Hello"}); err == nil {
		t.Error("Put() should fail without a name")
	}
}

func TestStorage_GetMissing(t *testing.T) {
	storage := newTestStorage(t)
	got, err := storage.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil", got)
	}
}

func TestStorage_Find(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	tmpl := &Template{Name: "welcome", Subject: "Hello"}
	if err := storage.Put(ctx, tmpl); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	tests := []struct {
		name  string
		ref   string
		found bool
	}{
		{"by name", "welcome", true},
		{"by id", tmpl.ID, true},
		{"by id prefix", tmpl.ID[:8], true},
		{"short prefix", tmpl.ID[:4], false},
		{"unknown", "goodbye", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := storage.Find(ctx, tt.ref)
			if err != nil {
				t.Fatalf("Find() error = %v", err)
			}
			if (got != nil) != tt.found {
				t.Fatalf("Find(%q) = %+v, want found %v", tt.ref, got, tt.found)
			}
			if got != nil && got.Name != "welcome" {
				t.Errorf("Find() name = %s", got.Name)
			}
		})
	}
}

func TestStorage_List(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for _, name := range []string{"welcome", "goodbye", "newsletter"} {
		if err := storage.Put(ctx, &Template{Name: name, Subject: "Test"}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	list, err := storage.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"goodbye", "newsletter", "welcome"}
	if len(list) != len(want) {
		t.Fatalf("List() len = %d, want %d", len(list), len(want))
	}
	for i, tmpl := range list {
		if tmpl.Name != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, tmpl.Name, want[i])
		}
	}
}

func TestStorage_Delete(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if err := storage.Put(ctx, &Template{Name: "welcome", Subject: "Hello"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	found, err := storage.Delete(ctx, "welcome")
	if err != nil || !found {
		t.Fatalf("Delete() = %v, %v", found, err)
	}
	if got, _ := storage.Get(ctx, "welcome"); got != nil {
		t.Error("Get() after delete should return nil")
	}

	found, err = storage.Delete(ctx, "welcome")
	if err != nil || found {
		t.Errorf("second Delete() = %v, %v", found, err)
	}
}
