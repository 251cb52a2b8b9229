package storage

import (
	"context"
	"testing"
	"time"

	"github.com/example/safety-net/internal/models"
)

func TestMemoryStoreNewestFirstAndDedup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.SaveAlert(ctx, models.AlertEvent{ID: id, OriginatorID: "u", IssuedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.SaveAlert(ctx, models.AlertEvent{ID: "a", OriginatorID: "other", IssuedAt: base.Add(time.Hour)})

	got, err := s.ListAlerts(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("unexpected order %+v", got)
	}
	if a, _ := s.Get("a"); a.OriginatorID != "u" {
		t.Fatal("duplicate save overwrote the first record")
	}
}

func TestMemoryStoreAssignsID(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SaveAlert(context.Background(), models.AlertEvent{OriginatorID: "u"}); err != nil {
		t.Fatal(err)
	}
	all, _ := s.ListAlerts(context.Background(), 0)
	if len(all) != 1 || all[0].ID == "" {
		t.Fatalf("unexpected %+v", all)
	}
}
