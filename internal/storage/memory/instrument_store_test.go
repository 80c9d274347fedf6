package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

func TestInstrumentStore_LookupSymbolHandlesReuse(t *testing.T) {
	store := NewInstrumentStore()
	ctx := context.Background()
	switchover := time.Date(2022, 6, 9, 0, 0, 0, 0, time.UTC)

	old := &domain.Instrument{ID: 1, Symbol: "FB", Aliases: []domain.Alias{
		{Symbol: "FB", Vendor: "v", Start: time.Date(2012, 5, 18, 0, 0, 0, 0, time.UTC), End: &switchover},
		{Symbol: "META", Vendor: "v", Start: switchover},
	}}
	reused := &domain.Instrument{ID: 2, Symbol: "FB", Aliases: []domain.Alias{
		{Symbol: "FB", Vendor: "v", Start: switchover.AddDate(0, 1, 0)},
	}}
	for _, inst := range []*domain.Instrument{old, reused} {
		if err := store.Insert(ctx, inst); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := store.LookupSymbol(ctx, "FB", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("LookupSymbol failed: %v", err)
	}
	if got.ID != 1 {
		t.Errorf("Expected instrument 1 for FB in 2020, got %d", got.ID)
	}

	got, err = store.LookupSymbol(ctx, "fb", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("LookupSymbol failed: %v", err)
	}
	if got.ID != 2 {
		t.Errorf("Expected instrument 2 for FB in 2023, got %d", got.ID)
	}

	// Gap between the two FB aliases
	_, err = store.LookupSymbol(ctx, "FB", switchover.AddDate(0, 0, 5))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound inside alias gap, got %v", err)
	}
}
