package blockcache

import (
	"context"
	"testing"

	"github.com/xaya/xayax/block"
	"github.com/xaya/xayax/testchain"
)

func TestMemoryStorageGetRangeRequiresContiguousPrefix(t *testing.T) {
	store := NewMemoryStorage()
	if err := store.Store([]block.Block{
		{Height: 0}, {Height: 1}, {Height: 3},
	}); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := store.GetRange(0, 3)
	if err != nil {
		t.Fatalf("get range: %v", err)
	}
	if got != nil {
		t.Fatalf("expected gap at height 2 to produce a miss, got %v", got)
	}

	got, err = store.GetRange(0, 2)
	if err != nil {
		t.Fatalf("get range: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 contiguous blocks, got %d", len(got))
	}
}

func TestChainServesCloseToTipWithoutCaching(t *testing.T) {
	base := testchain.New("test", block.Block{Hash: "genesis", Height: 0})
	base.Attach(block.Block{Hash: "b1", Parent: "genesis", Height: 1})

	store := NewMemoryStorage()
	chain := New(base, store, 10)

	if _, err := chain.GetTipHeight(context.Background()); err != nil {
		t.Fatalf("get tip height: %v", err)
	}
	if _, err := chain.GetBlockRange(context.Background(), 0, 1); err != nil {
		t.Fatalf("get block range: %v", err)
	}

	if cached, _ := store.GetRange(0, 1); cached != nil {
		t.Fatal("expected block near the tip to not be cached")
	}
}

func TestChainCachesFinalisedRange(t *testing.T) {
	base := testchain.New("test", block.Block{Hash: "genesis", Height: 0})
	for i := uint64(1); i <= 20; i++ {
		base.Attach(block.Block{Hash: "h", Height: i, Parent: "h"})
	}

	store := NewMemoryStorage()
	chain := New(base, store, 5)

	if _, err := chain.GetTipHeight(context.Background()); err != nil {
		t.Fatalf("get tip height: %v", err)
	}
	if _, err := chain.GetBlockRange(context.Background(), 0, 2); err != nil {
		t.Fatalf("get block range: %v", err)
	}

	if cached, _ := store.GetRange(0, 2); cached == nil {
		t.Fatal("expected finalised range to be cached")
	}
}
