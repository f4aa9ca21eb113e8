// Package basechain defines the contract a connector implements to hook
// an underlying blockchain (UTXO or account-based) up to the xayax core.
// The core never imports a concrete connector; it only depends on this
// interface, which keeps every chain-specific detail out of C1-C8.
package basechain

import (
	"context"

	"github.com/xaya/xayax/block"
)

// Callbacks is the set of notifications a BaseChain implementation
// delivers back into the core. All methods may be called from any
// goroutine and must return quickly; slow work belongs on the
// connector's own goroutines.
type Callbacks interface {
	// TipChanged is invoked whenever the connector believes its view of
	// the chain tip may have changed, including on reorgs, carrying the
	// connector's own hash for that tip. The core never trusts hash by
	// itself as the new chainstate tip — it is a wakeup/notification-tip
	// signal only; the sync worker always re-derives the committed truth
	// from GetTipHeight/GetBlockRange.
	TipChanged(hash string)

	// PendingMoves is invoked with moves seen in the mempool, for chains
	// where EnablePending succeeded. The slice may be empty, signalling
	// only "something about the mempool changed."
	PendingMoves(moves []block.Move)
}

// BaseChain is the external collaborator a connector implements. The
// core holds one instance per running chain and never constructs one
// itself.
type BaseChain interface {
	// SetCallbacks installs the callbacks the connector must invoke.
	// Called exactly once, before Start.
	SetCallbacks(c Callbacks)

	// Start begins whatever background work the connector needs
	// (subscriptions, polling loops) to keep its view of the chain
	// current and fire Callbacks.TipChanged.
	Start(ctx context.Context) error

	// EnablePending asks the connector to also track the mempool and
	// fire Callbacks.PendingMoves. Returns false if the underlying
	// chain or connector configuration does not support it; this is
	// not an error, just a capability the core must accommodate.
	EnablePending() bool

	// GetTipHeight returns the connector's current view of the chain's
	// best height.
	GetTipHeight(ctx context.Context) (uint64, error)

	// GetBlockRange returns count consecutive blocks starting at
	// height start, in ascending height order. It may return fewer
	// blocks than requested if the chain is shorter, but must never
	// return a range with a gap.
	GetBlockRange(ctx context.Context, start, count uint64) ([]block.Block, error)

	// GetMainchainHeight returns the height of the given block hash if
	// it is part of the connector's current main chain, or -1 if it is
	// not (e.g. it was reorged out, or never existed).
	GetMainchainHeight(ctx context.Context, hash string) (int64, error)

	// GetMempool returns the txids currently known to the connector's
	// mempool, best effort.
	GetMempool(ctx context.Context) ([]string, error)

	// VerifyMessage checks a signature over msg and returns the
	// canonical address that produced it.
	VerifyMessage(ctx context.Context, msg, signature string) (string, error)

	// GetChain returns the short chain identifier (e.g. "main", "test",
	// "regtest") the connector is configured for.
	GetChain() string

	// GetVersion returns a connector-defined version number, surfaced
	// verbatim in getnetworkinfo.
	GetVersion() uint64
}
