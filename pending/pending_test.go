package pending

import (
	"testing"

	"github.com/xaya/xayax/block"
)

type recordingSink struct {
	received [][]block.Move
}

func (s *recordingSink) SendPendingMoves(moves []block.Move) {
	s.received = append(s.received, moves)
}

func TestPendingMovesDroppedBeforeFirstChainstateTip(t *testing.T) {
	sink := &recordingSink{}
	gate := New(sink)

	gate.PendingMoves([]block.Move{{Txid: "tx1", Name: "g"}})

	if len(sink.received) != 0 {
		t.Fatalf("expected pending moves to be dropped before any chainstate tip, got %d flushes", len(sink.received))
	}
}

func TestPendingMovesFlushWhenGateIsOpen(t *testing.T) {
	sink := &recordingSink{}
	gate := New(sink)

	gate.ChainstateTipChanged("tip1")
	gate.NotifiedTip("tip1")

	gate.PendingMoves([]block.Move{{Txid: "tx1", Name: "g"}})

	if len(sink.received) != 1 {
		t.Fatalf("expected one flush, got %d", len(sink.received))
	}
	if !sink.received[0][0].IsPending {
		t.Fatal("expected move to be marked pending")
	}
}

func TestPendingMovesQueuedWhileGateIsClosed(t *testing.T) {
	sink := &recordingSink{}
	gate := New(sink)

	gate.ChainstateTipChanged("tip1")
	gate.NotifiedTip("tip0") // notification lags behind chainstate

	gate.PendingMoves([]block.Move{{Txid: "tx1", Name: "g"}})

	if len(sink.received) != 0 {
		t.Fatalf("expected pending moves to stay queued while gate is closed, got %d flushes", len(sink.received))
	}
}

// TestChainstateTipCatchingUpDrainsQueue exercises the exact S4 timing:
// a pending batch queued while the gate is closed is released once a
// later, independently-arriving ChainstateTipChanged call matches the
// notification tip already recorded.
func TestChainstateTipCatchingUpDrainsQueue(t *testing.T) {
	sink := &recordingSink{}
	gate := New(sink)

	gate.ChainstateTipChanged("tip0")
	gate.NotifiedTip("tip1") // notification is ahead; gate closed

	gate.PendingMoves([]block.Move{{Txid: "tx1", Name: "g"}})
	if len(sink.received) != 0 {
		t.Fatalf("expected pending moves to queue while gate is closed, got %d flushes", len(sink.received))
	}

	gate.ChainstateTipChanged("tip1") // chainstate catches up to the notification tip
	if len(sink.received) != 1 {
		t.Fatalf("expected queue to drain once chainstate tip matches notification tip, got %d flushes", len(sink.received))
	}
}

func TestNotifiedTipDiscardsStaleQueue(t *testing.T) {
	sink := &recordingSink{}
	gate := New(sink)

	gate.ChainstateTipChanged("tip0")
	gate.NotifiedTip("tip0")
	gate.ChainstateTipChanged("tip1") // gate closes; nothing queued yet

	gate.PendingMoves([]block.Move{{Txid: "tx1", Name: "g"}})
	if len(sink.received) != 0 {
		t.Fatalf("expected pending moves to queue while gate is closed, got %d flushes", len(sink.received))
	}

	gate.NotifiedTip("tip1") // the connector announces tip1; the stale queue is dropped, not flushed
	if len(sink.received) != 0 {
		t.Fatalf("expected NotifiedTip to discard the queue rather than flush it, got %d flushes", len(sink.received))
	}
}
