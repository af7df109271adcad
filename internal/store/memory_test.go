package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"routeconsole/internal/model"
)

func TestMemorySessionsScopedByOrg(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec := model.SessionRecord{ID: "s1", OrganizationID: "org-a", Step: "select", State: []byte(`{"step":"select"}`)}
	if err := m.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := m.GetSession(ctx, "org-a", "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if string(got.State) != `{"step":"select"}` || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, err := m.GetSession(ctx, "org-b", "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other org must not see session, got %v", err)
	}
	if err := m.DeleteSession(ctx, "org-b", "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other org must not delete session, got %v", err)
	}
}

func TestMemorySaveKeepsCreatedAt(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	_ = m.SaveSession(ctx, model.SessionRecord{ID: "s1", OrganizationID: "o", Step: "select"})
	now = now.Add(time.Minute)
	_ = m.SaveSession(ctx, model.SessionRecord{ID: "s1", OrganizationID: "o", Step: "locations"})

	got, _ := m.GetSession(ctx, "o", "s1")
	if got.Step != "locations" {
		t.Fatalf("step not updated: %s", got.Step)
	}
	if !got.CreatedAt.Equal(now.Add(-time.Minute)) || !got.UpdatedAt.Equal(now) {
		t.Fatalf("timestamps: created=%v updated=%v", got.CreatedAt, got.UpdatedAt)
	}
	list, _ := m.ListSessions(ctx, "o", 0)
	if len(list) != 1 {
		t.Fatalf("re-saving must not duplicate the index, got %d", len(list))
	}
}

func TestMemoryListAndDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	for _, id := range []string{"s1", "s2", "s3"} {
		now = now.Add(time.Second)
		_ = m.SaveSession(ctx, model.SessionRecord{ID: id, OrganizationID: "o", Step: "select"})
	}
	list, err := m.ListSessions(ctx, "o", 2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 || list[0].ID != "s3" || list[1].ID != "s2" {
		t.Fatalf("want newest first, got %+v", list)
	}
	if err := m.DeleteSession(ctx, "o", "s2"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	list, _ = m.ListSessions(ctx, "o", 0)
	if len(list) != 2 {
		t.Fatalf("want 2 after delete, got %d", len(list))
	}
	if _, err := m.GetSession(ctx, "o", "s2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted session still readable: %v", err)
	}
}
