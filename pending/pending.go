// Package pending implements the pending-move gate (C6): a small state
// machine that withholds pending-move notifications until the
// subscriber's view of the chain tip has caught up, so a GSP never sees
// a pending move that looks like it belongs to a block it hasn't
// received yet.
package pending

import (
	"sync"

	"github.com/xaya/xayax/block"
	"github.com/xaya/xayax/metrics"
)

// Sink receives the moves the gate has decided are safe to publish.
type Sink interface {
	SendPendingMoves(moves []block.Move)
}

// Gate tracks the chainstate's tip (as attached by the sync worker) and
// the notification tip (as last announced by the connector's TipChanged
// callback), and only forwards pending moves to the sink when the two
// agree.
type Gate struct {
	mu sync.Mutex

	sink Sink

	haveChainstateTip bool
	chainstateTip     string
	notificationTip   string

	queued []block.Move
}

// New builds a pending Gate delivering through sink.
func New(sink Sink) *Gate {
	return &Gate{sink: sink}
}

// ChainstateTipChanged is called by the controller whenever a new block
// (or run of blocks) has been attached to the chainstate. If the
// subscriber's own notification tip already agrees with the new
// chainstate tip, anything queued while the two disagreed is released
// now.
func (g *Gate) ChainstateTipChanged(hash string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.haveChainstateTip = true
	g.chainstateTip = hash
	if g.chainstateTip == g.notificationTip {
		g.drainLocked()
	}
	g.reportDepthLocked()
}

// NotifiedTip is called whenever the connector announces hash as its new
// tip, before the sync worker has necessarily committed that block to
// the chainstate. Unlike ChainstateTipChanged, this never releases a
// queue: a notification tip moving forward means the block the queue was
// accumulated against is about to be superseded by a fresher one, so
// whatever was queued is stale and is discarded rather than flushed.
func (g *Gate) NotifiedTip(hash string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notificationTip = hash
	g.queued = nil
	g.reportDepthLocked()
}

// PendingMoves is called by the BaseChain connector with newly observed
// mempool moves. Before the chainstate has ever reported a tip there is
// nothing to gate against, so everything is dropped. Afterwards, moves
// are forwarded immediately if the gate is open (chainstateTip ==
// notificationTip) and queued otherwise, to be released or discarded by
// a later ChainstateTipChanged/NotifiedTip call.
func (g *Gate) PendingMoves(moves []block.Move) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.haveChainstateTip {
		return
	}

	for i := range moves {
		moves[i].IsPending = true
	}

	if g.chainstateTip == g.notificationTip {
		g.sink.SendPendingMoves(moves)
		return
	}
	g.queued = append(g.queued, moves...)
	g.reportDepthLocked()
}

// drainLocked must be called with mu held.
func (g *Gate) drainLocked() {
	if len(g.queued) == 0 {
		return
	}
	moves := g.queued
	g.queued = nil
	g.sink.SendPendingMoves(moves)
}

func (g *Gate) reportDepthLocked() {
	metrics.PendingQueueDepthGauge.Set(float64(len(g.queued)))
}
