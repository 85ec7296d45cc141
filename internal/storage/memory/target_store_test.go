package memory

import (
	"context"
	"errors"
	"testing"

	"vessel-telemetry/internal/domain"
	"vessel-telemetry/internal/storage"
)

func TestTargetStore_InsertAndGet(t *testing.T) {
	store := NewTargetStore()
	ctx := context.Background()

	target := &domain.Target{
		ID:                  "rv-atlantis/sst",
		Kind:                domain.FeedSensor,
		Measurement:         "tsg",
		ValueField:          "sst",
		ExtraFields:         []string{"salinity"},
		PositionMeasurement: "gnss",
	}
	if err := store.Insert(ctx, target); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.GetByID(ctx, "rv-atlantis/sst")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Measurement != "tsg" || got.ValueField != "sst" {
		t.Errorf("Unexpected target: %+v", got)
	}

	// Returned copies must not alias stored state
	got.ExtraFields[0] = "mutated"
	again, _ := store.GetByID(ctx, "rv-atlantis/sst")
	if again.ExtraFields[0] != "salinity" {
		t.Errorf("Store state was mutated through returned copy")
	}
}

func TestTargetStore_NotFound(t *testing.T) {
	store := NewTargetStore()

	_, err := store.GetByID(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTargetStore_DuplicateKey(t *testing.T) {
	store := NewTargetStore()
	ctx := context.Background()

	target := &domain.Target{ID: "a", Kind: domain.FeedPosition, PositionMeasurement: "gnss"}
	if err := store.Insert(ctx, target); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Insert(ctx, target); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestTargetStore_ListOrdered(t *testing.T) {
	store := NewTargetStore()
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if err := store.Insert(ctx, &domain.Target{ID: id, Kind: domain.FeedPosition, PositionMeasurement: "gnss"}); err != nil {
			t.Fatalf("Insert %s failed: %v", id, err)
		}
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "c" {
		t.Errorf("Expected targets ordered a,b,c, got %v", list)
	}
}

func TestTargetStore_InvalidInput(t *testing.T) {
	store := NewTargetStore()

	if err := store.Insert(context.Background(), nil); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for nil target, got %v", err)
	}
	if err := store.Insert(context.Background(), &domain.Target{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty ID, got %v", err)
	}
}
