package chainstate

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/xaya/xayax/block"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := Open(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.SetChain("test"); err != nil {
		t.Fatalf("set chain: %v", err)
	}
	genesis := &block.Block{Hash: "genesis", Height: 0}
	if err := store.ImportTip(genesis); err != nil {
		t.Fatalf("import genesis: %v", err)
	}
	return store
}

func TestSetChainRejectsMismatch(t *testing.T) {
	store := openTestStore(t)
	if err := store.SetChain("test"); err != nil {
		t.Fatalf("re-setting matching chain id: %v", err)
	}
	if err := store.SetChain("other"); err == nil {
		t.Fatal("expected mismatched chain id to be rejected")
	}
}

func TestSetTipExtendsMainChain(t *testing.T) {
	store := openTestStore(t)

	blk := &block.Block{Hash: "b1", Parent: "genesis", Height: 1}
	ok, prevTip, err := store.SetTip(blk)
	if err != nil {
		t.Fatalf("set tip: %v", err)
	}
	if !ok {
		t.Fatal("expected set tip to succeed")
	}
	if prevTip.Hash != "genesis" {
		t.Fatalf("expected previous tip genesis, got %s", prevTip.Hash)
	}

	tip, err := store.GetTip()
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.Hash != "b1" {
		t.Fatalf("expected tip b1, got %s", tip.Hash)
	}
}

func TestSetTipFailsWithoutSideEffectsWhenParentUnknown(t *testing.T) {
	store := openTestStore(t)

	blk := &block.Block{Hash: "orphan", Parent: "nowhere", Height: 5}
	ok, _, err := store.SetTip(blk)
	if err != nil {
		t.Fatalf("set tip: %v", err)
	}
	if ok {
		t.Fatal("expected set tip to fail for an unknown parent")
	}

	tip, err := store.GetTip()
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.Hash != "genesis" {
		t.Fatalf("expected tip unchanged at genesis, got %s", tip.Hash)
	}
}

func TestSetTipPromotesForkBranch(t *testing.T) {
	store := openTestStore(t)

	a1 := &block.Block{Hash: "a1", Parent: "genesis", Height: 1}
	a2 := &block.Block{Hash: "a2", Parent: "a1", Height: 2}
	for _, blk := range []*block.Block{a1, a2} {
		if ok, _, err := store.SetTip(blk); err != nil || !ok {
			t.Fatalf("set tip %s: ok=%v err=%v", blk.Hash, ok, err)
		}
	}

	b1 := &block.Block{Hash: "b1", Parent: "genesis", Height: 1}
	if ok, _, err := store.SetTip(b1); err != nil || !ok {
		t.Fatalf("set tip b1: ok=%v err=%v", ok, err)
	}

	tip, err := store.GetTip()
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.Hash != "b1" {
		t.Fatalf("expected new tip b1, got %s", tip.Hash)
	}

	if _, err := store.GetHashForHeight(2); err != ErrNotFound {
		t.Fatalf("expected no main-chain block at height 2 after reorg, got err=%v", err)
	}

	detaches, err := store.GetForkBranch("a2")
	if err != nil {
		t.Fatalf("get fork branch: %v", err)
	}
	if len(detaches) != 2 || detaches[0].Hash != "a2" || detaches[1].Hash != "a1" {
		t.Fatalf("expected detaches [a2, a1], got %v", detaches)
	}
}

// TestSetTipOnExistingMainChainBlockRelabelsStaleDescendants exercises the
// valid but previously-untested SetTip call pattern where the new tip
// is already stored on BranchMain itself, but with higher blocks on
// that same branch left over from before this call. Those strict
// descendants must be relabelled off main, or the "one main-chain block
// per height" invariant breaks.
func TestSetTipOnExistingMainChainBlockRelabelsStaleDescendants(t *testing.T) {
	store := openTestStore(t)

	b1 := &block.Block{Hash: "b1", Parent: "genesis", Height: 1}
	b2 := &block.Block{Hash: "b2", Parent: "b1", Height: 2}
	for _, blk := range []*block.Block{b1, b2} {
		if ok, _, err := store.SetTip(blk); err != nil || !ok {
			t.Fatalf("set tip %s: ok=%v err=%v", blk.Hash, ok, err)
		}
	}

	// b1 is already on BranchMain; calling SetTip on it again must
	// relabel b2 (its strict branch-0 descendant) off main.
	if ok, _, err := store.SetTip(b1); err != nil || !ok {
		t.Fatalf("re-set tip b1: ok=%v err=%v", ok, err)
	}

	tip, err := store.GetTip()
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.Hash != "b1" {
		t.Fatalf("expected tip b1, got %s", tip.Hash)
	}

	if _, err := store.GetHashForHeight(2); err != ErrNotFound {
		t.Fatalf("expected no main-chain block at height 2 after re-setting b1, got err=%v", err)
	}

	detaches, err := store.GetForkBranch("b2")
	if err != nil {
		t.Fatalf("get fork branch: %v", err)
	}
	if len(detaches) != 1 || detaches[0].Hash != "b2" {
		t.Fatalf("expected b2 relabelled onto its own branch, got %v", detaches)
	}
}

func TestGetForkBranchEmptyForMainChainBlock(t *testing.T) {
	store := openTestStore(t)
	blk := &block.Block{Hash: "b1", Parent: "genesis", Height: 1}
	if ok, _, err := store.SetTip(blk); err != nil || !ok {
		t.Fatalf("set tip: ok=%v err=%v", ok, err)
	}

	detaches, err := store.GetForkBranch("b1")
	if err != nil {
		t.Fatalf("get fork branch: %v", err)
	}
	if len(detaches) != 0 {
		t.Fatalf("expected no detaches for a main-chain block, got %v", detaches)
	}
}

func TestGetForkBranchUnknownHash(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetForkBranch("nowhere"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestImportTipPrunesBelow(t *testing.T) {
	store := openTestStore(t)
	blk := &block.Block{Hash: "b1", Parent: "genesis", Height: 1}
	if ok, _, err := store.SetTip(blk); err != nil || !ok {
		t.Fatalf("set tip: ok=%v err=%v", ok, err)
	}

	anchor := &block.Block{Hash: "anchor", Parent: "b1", Height: 5}
	if err := store.ImportTip(anchor); err != nil {
		t.Fatalf("import tip: %v", err)
	}

	if _, err := store.GetByHash("genesis"); err != ErrNotFound {
		t.Fatalf("expected genesis to be pruned, got err=%v", err)
	}

	lowest, err := store.GetLowestUnprunedHeight()
	if err != nil {
		t.Fatalf("get lowest unpruned height: %v", err)
	}
	if lowest != 5 {
		t.Fatalf("expected lowest unpruned height 5, got %d", lowest)
	}
}

func TestSanityCheckPassesOnLinearChain(t *testing.T) {
	store := openTestStore(t)
	blk := &block.Block{Hash: "b1", Parent: "genesis", Height: 1}
	if ok, _, err := store.SetTip(blk); err != nil || !ok {
		t.Fatalf("set tip: ok=%v err=%v", ok, err)
	}
	if err := store.SanityCheck(); err != nil {
		t.Fatalf("sanity check: %v", err)
	}
}
