package snapshot

import (
	"testing"
)

type accountState struct {
	Balance int64
}

func TestMemoryStore_SaveIsIdempotentPerVersion(t *testing.T) {
	store := NewMemoryStore()

	if err := store.Save("Account-1", accountState{Balance: 100}, 3); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save("Account-1", accountState{Balance: 999}, 3); err != nil {
		t.Fatalf("second save at same version: %v", err)
	}

	history, err := store.GetHistory("Account-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].State.(accountState).Balance != 100 {
		t.Fatalf("second save overwrote the first: balance = %d", history[0].State.(accountState).Balance)
	}
}

func TestMemoryStore_GetReturnsHighestVersion(t *testing.T) {
	store := NewMemoryStore()

	// Saved out of order on purpose.
	for _, v := range []int64{5, 2, 9} {
		if err := store.Save("Account-1", accountState{Balance: v * 10}, v); err != nil {
			t.Fatalf("save v%d: %v", v, err)
		}
	}

	latest, err := store.Get("Account-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if latest == nil || latest.Version != 9 {
		t.Fatalf("latest = %+v, want version 9", latest)
	}
}

func TestMemoryStore_GetOnAbsentStreamReturnsNil(t *testing.T) {
	store := NewMemoryStore()
	latest, err := store.Get("nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if latest != nil {
		t.Fatalf("latest = %+v, want nil", latest)
	}
}

func TestMemoryStore_DeleteOlderThanPrunes(t *testing.T) {
	store := NewMemoryStore()
	for _, v := range []int64{1, 2, 3, 4} {
		if err := store.Save("Account-1", accountState{}, v); err != nil {
			t.Fatalf("save v%d: %v", v, err)
		}
	}

	if err := store.DeleteOlderThan("Account-1", 3); err != nil {
		t.Fatalf("prune: %v", err)
	}

	history, err := store.GetHistory("Account-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	for _, snap := range history {
		if snap.Version < 3 {
			t.Fatalf("version %d survived the prune", snap.Version)
		}
	}
}

func TestMemoryStore_RejectsEmptyStreamID(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Save("", accountState{}, 1); err == nil {
		t.Fatal("expected validation error for empty streamId")
	}
}
