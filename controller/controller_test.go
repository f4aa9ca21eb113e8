package controller

import (
	"context"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/xaya/xayax/block"
	"github.com/xaya/xayax/chainstate"
	"github.com/xaya/xayax/testchain"
)

func newTestController(t *testing.T, addr string, genesis block.Block) (*Controller, *testchain.Chain, *chainstate.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := chainstate.Open(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	chain := testchain.New("test", genesis)
	ctl, err := New(Config{
		ZMQAddress:    addr,
		MaxReorgDepth: 2,
		BlockRange:    8,
		TrackedGames:  []string{"game1"},
	}, chain, store)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() { _ = ctl.zmq.Close() })
	return ctl, chain, store
}

func TestBootstrapGenesisSeedsEmptyStore(t *testing.T) {
	genesis := block.Block{Hash: "genesis", Height: 0}
	ctl, _, store := newTestController(t, "tcp://127.0.0.1:28711", genesis)

	if err := ctl.bootstrapGenesis(context.Background()); err != nil {
		t.Fatalf("bootstrap genesis: %v", err)
	}

	tip, err := store.GetTip()
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.Hash != "genesis" {
		t.Fatalf("expected genesis tip, got %q", tip.Hash)
	}
}

func TestBootstrapGenesisNoopWhenTipAlreadySet(t *testing.T) {
	genesis := block.Block{Hash: "genesis", Height: 0}
	ctl, _, store := newTestController(t, "tcp://127.0.0.1:28713", genesis)

	if err := store.ImportTip(&block.Block{Hash: "other-genesis", Height: 0}); err != nil {
		t.Fatalf("import tip: %v", err)
	}

	if err := ctl.bootstrapGenesis(context.Background()); err != nil {
		t.Fatalf("bootstrap genesis: %v", err)
	}

	tip, err := store.GetTip()
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.Hash != "other-genesis" {
		t.Fatalf("expected existing tip to survive, got %q", tip.Hash)
	}
}

func TestSendUpdatesReplaysAttachesFromGenesis(t *testing.T) {
	genesis := block.Block{Hash: "genesis", Height: 0}
	ctl, chain, store := newTestController(t, "tcp://127.0.0.1:28715", genesis)

	if err := ctl.bootstrapGenesis(context.Background()); err != nil {
		t.Fatalf("bootstrap genesis: %v", err)
	}
	chain.Attach(block.Block{Hash: "b1", Parent: "genesis", Height: 1})
	chain.Attach(block.Block{Hash: "b2", Parent: "b1", Height: 2})
	if ok, _, err := store.SetTip(&block.Block{Hash: "b1", Parent: "genesis", Height: 1}); err != nil || !ok {
		t.Fatalf("set tip b1: ok=%v err=%v", ok, err)
	}
	if ok, _, err := store.SetTip(&block.Block{Hash: "b2", Parent: "b1", Height: 2}); err != nil || !ok {
		t.Fatalf("set tip b2: ok=%v err=%v", ok, err)
	}

	result, err := ctl.SendUpdates(context.Background(), "genesis", "game1", "")
	if err != nil {
		t.Fatalf("send updates: %v", err)
	}
	if result.Reqtoken == "" {
		t.Fatal("expected a non-empty reqtoken")
	}
	if result.Steps.Detach != 0 {
		t.Fatalf("expected no detaches from genesis, got %d", result.Steps.Detach)
	}
	if result.Steps.Attach != 2 {
		t.Fatalf("expected 2 attaches (b1, b2), got %d", result.Steps.Attach)
	}
	if result.Toblock != "b2" {
		t.Fatalf("expected toblock b2, got %q", result.Toblock)
	}
}

func TestSendUpdatesStopsAtRequestedToBlock(t *testing.T) {
	genesis := block.Block{Hash: "genesis", Height: 0}
	ctl, chain, store := newTestController(t, "tcp://127.0.0.1:28717", genesis)

	if err := ctl.bootstrapGenesis(context.Background()); err != nil {
		t.Fatalf("bootstrap genesis: %v", err)
	}
	chain.Attach(block.Block{Hash: "b1", Parent: "genesis", Height: 1})
	chain.Attach(block.Block{Hash: "b2", Parent: "b1", Height: 2})
	if ok, _, err := store.SetTip(&block.Block{Hash: "b1", Parent: "genesis", Height: 1}); err != nil || !ok {
		t.Fatalf("set tip b1: ok=%v err=%v", ok, err)
	}

	result, err := ctl.SendUpdates(context.Background(), "genesis", "game1", "b1")
	if err != nil {
		t.Fatalf("send updates: %v", err)
	}
	if result.Steps.Attach != 1 {
		t.Fatalf("expected exactly 1 attach, got %d", result.Steps.Attach)
	}
	if result.Toblock != "b1" {
		t.Fatalf("expected toblock b1, got %q", result.Toblock)
	}
}

func TestSendUpdatesDetachesBackToForkPoint(t *testing.T) {
	genesis := block.Block{Hash: "genesis", Height: 0}
	ctl, chain, store := newTestController(t, "tcp://127.0.0.1:28719", genesis)

	if err := ctl.bootstrapGenesis(context.Background()); err != nil {
		t.Fatalf("bootstrap genesis: %v", err)
	}
	chain.Attach(block.Block{Hash: "a1", Parent: "genesis", Height: 1})
	if ok, _, err := store.SetTip(&block.Block{Hash: "a1", Parent: "genesis", Height: 1}); err != nil || !ok {
		t.Fatalf("set tip a1: ok=%v err=%v", ok, err)
	}
	// The caller's fromblock (a1) is reorged away in favor of b1.
	chain.Reorg(1, []block.Block{{Hash: "b1", Parent: "genesis", Height: 1}})
	if ok, _, err := store.SetTip(&block.Block{Hash: "b1", Parent: "genesis", Height: 1}); err != nil || !ok {
		t.Fatalf("set tip b1: ok=%v err=%v", ok, err)
	}

	result, err := ctl.SendUpdates(context.Background(), "a1", "game1", "")
	if err != nil {
		t.Fatalf("send updates: %v", err)
	}
	if result.Steps.Detach != 1 {
		t.Fatalf("expected 1 detach (a1), got %d", result.Steps.Detach)
	}
	if result.Steps.Attach != 1 {
		t.Fatalf("expected 1 attach (b1), got %d", result.Steps.Attach)
	}
}

// TestSendUpdatesSkipsAttachesTheChainstateNeverCommitted covers the
// race guard between resolveDetaches and the upstream GetBlockRange
// call: if the chainstate itself never attached the top block of the
// range the connector just reported (because the sync worker moved on
// to something else in between), nothing should be published.
func TestSendUpdatesSkipsAttachesTheChainstateNeverCommitted(t *testing.T) {
	genesis := block.Block{Hash: "genesis", Height: 0}
	ctl, chain, _ := newTestController(t, "tcp://127.0.0.1:28721", genesis)

	if err := ctl.bootstrapGenesis(context.Background()); err != nil {
		t.Fatalf("bootstrap genesis: %v", err)
	}
	// The connector has moved on to a2, but the chainstate (store) was
	// never told about either block, simulating a sync worker that
	// reorged onto an entirely different branch in between.
	chain.Attach(block.Block{Hash: "a1", Parent: "genesis", Height: 1})
	chain.Attach(block.Block{Hash: "a2", Parent: "a1", Height: 2})

	result, err := ctl.SendUpdates(context.Background(), "genesis", "game1", "")
	if err != nil {
		t.Fatalf("send updates: %v", err)
	}
	if result.Steps.Attach != 0 {
		t.Fatalf("expected no attaches published, got %d", result.Steps.Attach)
	}
	if result.Toblock != "genesis" {
		t.Fatalf("expected toblock genesis, got %q", result.Toblock)
	}
}
