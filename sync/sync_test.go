package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/xaya/xayax/block"
	"github.com/xaya/xayax/chainstate"
	"github.com/xaya/xayax/testchain"
)

type recordingNotifier struct {
	calls []struct {
		oldTip   *block.Block
		attaches []block.Block
	}
}

func (n *recordingNotifier) TipUpdatedFrom(oldTip *block.Block, attaches []block.Block) {
	n.calls = append(n.calls, struct {
		oldTip   *block.Block
		attaches []block.Block
	}{oldTip, attaches})
}

func newTestStore(t *testing.T) *chainstate.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := chainstate.Open(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.SetChain("test"); err != nil {
		t.Fatalf("set chain: %v", err)
	}
	if err := store.ImportTip(&block.Block{Hash: "genesis", Height: 0}); err != nil {
		t.Fatalf("import genesis: %v", err)
	}
	return store
}

func TestUpdateStepAttachesNewBlocks(t *testing.T) {
	store := newTestStore(t)
	chain := testchain.New("test", block.Block{Hash: "genesis", Height: 0})
	chain.Attach(block.Block{Hash: "b1", Parent: "genesis", Height: 1})

	notifier := &recordingNotifier{}
	worker := New(chain, store, notifier, 10)

	caughtUp, err := worker.UpdateStep(context.Background())
	if err != nil {
		t.Fatalf("update step: %v", err)
	}
	if !caughtUp {
		t.Fatal("expected to be caught up after attaching the only new block")
	}

	tip, err := store.GetTip()
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.Hash != "b1" {
		t.Fatalf("expected tip b1, got %s", tip.Hash)
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.calls))
	}
	last := notifier.calls[0]
	if last.oldTip.Hash != "genesis" {
		t.Fatalf("expected notification oldTip genesis, got %s", last.oldTip.Hash)
	}
	if len(last.attaches) != 1 || last.attaches[0].Hash != "b1" {
		t.Fatalf("expected attaches [b1], got %v", last.attaches)
	}
}

func TestUpdateStepNoOpWhenCaughtUp(t *testing.T) {
	store := newTestStore(t)
	chain := testchain.New("test", block.Block{Hash: "genesis", Height: 0})

	worker := New(chain, store, &recordingNotifier{}, 10)
	caughtUp, err := worker.UpdateStep(context.Background())
	if err != nil {
		t.Fatalf("update step: %v", err)
	}
	if !caughtUp {
		t.Fatal("expected caught up with no new blocks available")
	}
}

func TestUpdateStepRelabelsShallowReorg(t *testing.T) {
	store := newTestStore(t)
	chain := testchain.New("test", block.Block{Hash: "genesis", Height: 0})
	chain.Attach(block.Block{Hash: "a1", Parent: "genesis", Height: 1})

	notifier := &recordingNotifier{}
	worker := New(chain, store, notifier, 10)
	if _, err := worker.UpdateStep(context.Background()); err != nil {
		t.Fatalf("initial update step: %v", err)
	}

	// Reorg the underlying chain onto a different block at height 1; the
	// new candidate's parent (genesis) is still known to the store, so
	// this resolves within a single UpdateStep via SetTip's relabeling.
	chain.Reorg(1, []block.Block{{Hash: "b1", Parent: "genesis", Height: 1}})

	caughtUp, err := worker.UpdateStep(context.Background())
	if err != nil {
		t.Fatalf("update step during reorg: %v", err)
	}
	if !caughtUp {
		t.Fatal("expected caught up after resolving the reorg")
	}

	tip, err := store.GetTip()
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.Hash != "b1" {
		t.Fatalf("expected tip b1 after reorg, got %s", tip.Hash)
	}

	if len(notifier.calls) != 2 {
		t.Fatalf("expected two notifications (initial attach + reorg), got %d", len(notifier.calls))
	}
	reorgCall := notifier.calls[1]
	if reorgCall.oldTip.Hash != "a1" {
		t.Fatalf("expected reorg notification oldTip a1, got %s", reorgCall.oldTip.Hash)
	}
}

// TestFastSyncImportsAtAnchorNotBareTip covers the S3-style case where
// the connector is far ahead of the store (more than maxReorgDepth):
// the re-import must land maxReorgDepth below the connector's own tip,
// not at the bare tip itself, so a full reorg buffer survives the
// catch-up rather than leaving zero room for the very next reorg.
func TestFastSyncImportsAtAnchorNotBareTip(t *testing.T) {
	store := newTestStore(t)
	chain := testchain.New("test", block.Block{Hash: "genesis", Height: 0})
	parent := "genesis"
	for h := uint64(1); h <= 20; h++ {
		hash := fmt.Sprintf("b%d", h)
		chain.Attach(block.Block{Hash: hash, Parent: parent, Height: h})
		parent = hash
	}

	worker := New(chain, store, &recordingNotifier{}, 5)
	if err := worker.fastSyncIfBehind(0); err != nil {
		t.Fatalf("fast sync: %v", err)
	}

	tip, err := store.GetTip()
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.Height != 15 {
		t.Fatalf("expected anchor import at height 15 (20-5), got %d", tip.Height)
	}

	lowest, err := store.GetLowestUnprunedHeight()
	if err != nil {
		t.Fatalf("get lowest unpruned height: %v", err)
	}
	if lowest != 15 {
		t.Fatalf("expected lowest unpruned height 15, got %d", lowest)
	}
}

func TestUpdateStepReorgBeyondPruningIsFatal(t *testing.T) {
	store := newTestStore(t)
	chain := testchain.New("test", block.Block{Hash: "genesis", Height: 0})

	notifier := &recordingNotifier{}
	worker := New(chain, store, notifier, 10)

	blocks := []block.Block{
		{Hash: "a1", Parent: "genesis", Height: 1},
		{Hash: "a2", Parent: "a1", Height: 2},
		{Hash: "a3", Parent: "a2", Height: 3},
	}
	for _, blk := range blocks {
		chain.Attach(blk)
		if _, err := worker.UpdateStep(context.Background()); err != nil {
			t.Fatalf("update step attaching %s: %v", blk.Hash, err)
		}
	}

	// Prune away everything below height 3, so the pre-reorg history the
	// store would need to walk back through to find the new fork point
	// is gone.
	if err := store.Prune(2); err != nil {
		t.Fatalf("prune: %v", err)
	}

	// Reorg all the way back to genesis with an entirely disjoint chain;
	// the new chain's parent at height 1 is unknown to the pruned store,
	// and hunting for the fork point would have to walk below the
	// pruning horizon.
	chain.Reorg(1, []block.Block{
		{Hash: "c1", Parent: "genesis", Height: 1},
		{Hash: "c2", Parent: "c1", Height: 2},
		{Hash: "c3", Parent: "c2", Height: 3},
	})

	_, err := worker.UpdateStep(context.Background())
	if !errors.Is(err, ErrReorgExceedsPruning) {
		t.Fatalf("expected ErrReorgExceedsPruning, got %v", err)
	}
}
