package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/V4T54L/event-intake/internal/domain"
)

func TestEventRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepository()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		user := "u1"
		if i == 3 {
			user = "u2"
		}
		e := domain.Event{ID: fmt.Sprintf("evt_%d", i), UserID: user, Event: "click", ReceivedAt: base.Add(time.Duration(i) * time.Second)}
		if err := repo.Put(ctx, e); err != nil {
			t.Fatalf("Put() error: %v", err)
		}
	}

	got, err := repo.ListByUser(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("ListByUser() error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "evt_2" || got[1].ID != "evt_1" {
		t.Errorf("ListByUser() got %+v", got)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrEventNotFound) {
		t.Errorf("Get() expected ErrEventNotFound, got %v", err)
	}

	n, err := repo.DeleteByUser(ctx, "u1")
	if err != nil || n != 3 {
		t.Errorf("DeleteByUser() got %d, %v; want 3", n, err)
	}
	if c, _ := repo.Count(ctx); c != 1 {
		t.Errorf("Count() got %d, want 1", c)
	}

	n, err = repo.DeleteAll(ctx)
	if err != nil || n != 1 {
		t.Errorf("DeleteAll() got %d, %v; want 1", n, err)
	}
}

func TestEventRepository_SameInstantUsesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepository()
	ts := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		_ = repo.Put(ctx, domain.Event{ID: id, UserID: "u1", ReceivedAt: ts})
	}

	got, _ := repo.ListRecent(ctx, 0)
	if len(got) != 3 || got[0].ID != "c" || got[2].ID != "a" {
		t.Errorf("ListRecent() got %+v", got)
	}
}
