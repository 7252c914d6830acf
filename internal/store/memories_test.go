package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryCRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.StoreMemory(ctx, "u1", "prefers espresso over filter coffee", "preferences")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := st.StoreMemory(ctx, "u1", "   ", ""); err == nil {
		t.Fatal("expected error for blank content")
	}

	got, err := st.GetMemory(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Category != "preferences" {
		t.Fatalf("category = %q", got.Category)
	}

	if err := st.UpdateMemory(ctx, id, "switched to decaf"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = st.GetMemory(ctx, id)
	if got.Content != "switched to decaf" {
		t.Fatalf("content = %q", got.Content)
	}

	if err := st.DeleteMemory(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteMemory(ctx, id); !errors.Is(err, ErrMemoryNotFound) {
		t.Fatalf("double delete err = %v, want ErrMemoryNotFound", err)
	}
	if _, err := st.GetMemory(ctx, id); !errors.Is(err, ErrMemoryNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
}

func TestStoreMemoryDefaultsCategory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id, err := st.StoreMemory(ctx, "u1", "has a dog named Rex", "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := st.GetMemory(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Category != "general" {
		t.Fatalf("category = %q, want general", got.Category)
	}
}

func TestRetrieveMemoriesRanksByOverlap(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	facts := []string{
		"works as a marine biologist in Lisbon",
		"allergic to peanuts",
		"training for the Lisbon half marathon in October",
		"sister's birthday is March 3rd",
	}
	for _, f := range facts {
		if _, err := st.StoreMemory(ctx, "u1", f, ""); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	got, err := st.RetrieveMemories(ctx, "u1", "how is the marathon training going in Lisbon", 2)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("retrieved %d memories, want 2", len(got))
	}
	// Two overlapping words (training, lisbon, marathon) beat one (lisbon).
	if got[0].Content != facts[2] {
		t.Fatalf("top match = %q", got[0].Content)
	}

	// Memories of another user never leak.
	if _, err := st.StoreMemory(ctx, "u2", "also training for a marathon", ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err = st.RetrieveMemories(ctx, "u1", "marathon", 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	for _, m := range got {
		if m.UserID != "u1" {
			t.Fatalf("leaked memory from %s", m.UserID)
		}
	}
}

func TestRetrieveMemoriesEmptyQueryReturnsRecent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for _, f := range []string{"fact one", "fact two", "fact three"} {
		if _, err := st.StoreMemory(ctx, "u1", f, ""); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	got, err := st.RetrieveMemories(ctx, "u1", "", 2)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("retrieved %d, want 2", len(got))
	}
}
