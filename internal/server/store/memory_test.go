package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/scanreport/internal/common"
	"github.com/dmitrijs2005/scanreport/internal/server/models"
)

func TestMemoryStore_SessionRoundTrip(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if _, err := m.LoadSession(ctx, "missing"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want ErrorNotFound, got %v", err)
	}

	s := &models.Session{ID: "s1", TargetURL: "https://example.com", Status: models.StatusQueued}
	if err := m.SaveSession(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	// the stored copy must be isolated from later caller mutation
	s.Status = models.StatusFailed

	got, err := m.LoadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("stored session aliased caller memory: %+v", got)
	}

	if err := m.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.LoadSession(ctx, "s1"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want ErrorNotFound after delete, got %v", err)
	}
}

func TestMemoryStore_ExpiryIndex(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = m.AddExpiry(ctx, "due", now.Add(-time.Minute))
	_ = m.AddExpiry(ctx, "exact", now)
	_ = m.AddExpiry(ctx, "future", now.Add(time.Hour))

	due, err := m.DueExpiries(ctx, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("want 2 due ids, got %v", due)
	}

	_ = m.RemoveExpiry(ctx, "due")
	_ = m.RemoveExpiry(ctx, "exact")
	due, _ = m.DueExpiries(ctx, now)
	if len(due) != 0 {
		t.Fatalf("want no due ids after removal, got %v", due)
	}
}

func TestMemoryStore_LedgerAndPending(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if _, err := m.LoadLedger(ctx, "s1"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want ErrorNotFound, got %v", err)
	}

	l := &Ledger{SessionID: "s1", Step: 2, ScanID: "ext-1"}
	if err := m.SaveLedger(ctx, l); err != nil {
		t.Fatalf("save ledger: %v", err)
	}
	_ = m.AddPending(ctx, "s1")

	got, err := m.LoadLedger(ctx, "s1")
	if err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if got.Step != 2 || got.ScanID != "ext-1" {
		t.Fatalf("unexpected ledger: %+v", got)
	}

	pending, _ := m.PendingWorkflows(ctx)
	if len(pending) != 1 || pending[0] != "s1" {
		t.Fatalf("unexpected pending set: %v", pending)
	}

	_ = m.DeleteLedger(ctx, "s1")
	_ = m.RemovePending(ctx, "s1")
	if _, err := m.LoadLedger(ctx, "s1"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want ErrorNotFound after delete, got %v", err)
	}
}
