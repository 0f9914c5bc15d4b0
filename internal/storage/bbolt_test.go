package storage

import (
	"path/filepath"
	"slices"
	"testing"
	"time"

	"converse/internal/models"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_RoundTrip(t *testing.T) {
	c := newTestCache(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []models.Message{
		{ID: "m1", ThreadID: "t1", SenderID: "u1", Content: "hello", ContentType: models.ContentTypeText, CreatedAt: base},
		{ID: "m2", ThreadID: "t1", SenderID: "u2", Content: "hi", ContentType: models.ContentTypeText, CreatedAt: base.Add(time.Minute)},
	}
	if err := c.PutMessages("t1", msgs); err != nil {
		t.Fatalf("PutMessages failed: %v", err)
	}

	got, err := c.ListMessages("t1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	for i, m := range got {
		want := msgs[i]
		if m.ID != want.ID || m.SenderID != want.SenderID || m.Content != want.Content {
			t.Errorf("message %d mismatch: got %+v, want %+v", i, m, want)
		}
		if !m.CreatedAt.Equal(want.CreatedAt) {
			t.Errorf("message %d timestamp: got %v, want %v", i, m.CreatedAt, want.CreatedAt)
		}
	}
}

func TestCache_OrdersByCreationTime(t *testing.T) {
	c := newTestCache(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Stored out of order on purpose; keys sort by timestamp.
	if err := c.PutMessages("t1", []models.Message{
		{ID: "m3", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "m1", CreatedAt: base},
		{ID: "m2", CreatedAt: base.Add(time.Minute)},
	}); err != nil {
		t.Fatalf("PutMessages failed: %v", err)
	}

	got, err := c.ListMessages("t1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	if !slices.Equal(ids, []string{"m1", "m2", "m3"}) {
		t.Errorf("expected chronological order, got %v", ids)
	}
}

func TestCache_PutIsIdempotent(t *testing.T) {
	c := newTestCache(t)

	msg := models.Message{ID: "m1", CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	for range 2 {
		if err := c.PutMessages("t1", []models.Message{msg}); err != nil {
			t.Fatalf("PutMessages failed: %v", err)
		}
	}

	got, err := c.ListMessages("t1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 message after re-put, got %d", len(got))
	}
}

func TestCache_Threads(t *testing.T) {
	c := newTestCache(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := c.PutMessages("t1", []models.Message{{ID: "m1", CreatedAt: base}}); err != nil {
		t.Fatalf("PutMessages failed: %v", err)
	}
	if err := c.PutMessages("t2", []models.Message{{ID: "m2", CreatedAt: base.Add(time.Hour)}}); err != nil {
		t.Fatalf("PutMessages failed: %v", err)
	}

	ids, err := c.Threads()
	if err != nil {
		t.Fatalf("Threads failed: %v", err)
	}
	slices.Sort(ids)
	if !slices.Equal(ids, []string{"t1", "t2"}) {
		t.Errorf("expected [t1 t2], got %v", ids)
	}
}

func TestCache_ListUnknownThread(t *testing.T) {
	c := newTestCache(t)

	got, err := c.ListMessages("missing")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no messages, got %d", len(got))
	}
}

func TestCache_RejectsEmptyThreadID(t *testing.T) {
	c := newTestCache(t)

	if err := c.PutMessages("", []models.Message{{ID: "m1"}}); err == nil {
		t.Error("expected error for empty thread id")
	}
}

func TestDBMessage_KeyOrdering(t *testing.T) {
	a := &DBMessage{ID: "a", CreatedAt: 100}
	b := &DBMessage{ID: "b", CreatedAt: 200}
	if string(a.Key()) >= string(b.Key()) {
		t.Error("earlier message must sort before later one")
	}

	// Equal timestamps fall back to id order and never collide.
	c := &DBMessage{ID: "c", CreatedAt: 100}
	if string(a.Key()) == string(c.Key()) {
		t.Error("distinct messages with equal timestamps must have distinct keys")
	}
}
