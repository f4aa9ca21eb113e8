// Package testchain implements an in-memory fake basechain.BaseChain
// used by the core's own test suite and by cmd/xayax-test for local
// development without a real node. It plays the role
// original_source/src/testutils.hpp plays for the upstream test suite.
package testchain

import (
	"context"
	"fmt"
	"sync"

	"github.com/xaya/xayax/basechain"
	"github.com/xaya/xayax/block"
)

// Chain is a mutex-guarded, script-driven fake chain. Tests build up
// its block list with Attach/Reorg and call QueuePendingMoves directly; the
// chain notifies whatever Callbacks were registered synchronously.
type Chain struct {
	mu      sync.Mutex
	chain   string
	version uint64
	blocks  []block.Block // ascending height, current main chain only
	mempool []string

	cb basechain.Callbacks

	signers map[string]string // signature -> address, for VerifyMessage
}

// New builds an empty testchain seeded with a genesis block.
func New(chainID string, genesis block.Block) *Chain {
	return &Chain{
		chain:   chainID,
		version: 1,
		blocks:  []block.Block{genesis},
		signers: make(map[string]string),
	}
}

func (c *Chain) SetCallbacks(cb basechain.Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

func (c *Chain) Start(ctx context.Context) error { return nil }

func (c *Chain) EnablePending() bool { return true }

func (c *Chain) GetTipHeight(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[len(c.blocks)-1].Height, nil
}

func (c *Chain) GetBlockRange(ctx context.Context, start, count uint64) ([]block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]block.Block, 0, count)
	for _, b := range c.blocks {
		if b.Height >= start && b.Height < start+count {
			out = append(out, b)
		}
	}
	return out, nil
}

func (c *Chain) GetMainchainHeight(ctx context.Context, hash string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.blocks {
		if b.Hash == hash {
			return int64(b.Height), nil
		}
	}
	return -1, nil
}

func (c *Chain) GetMempool(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.mempool))
	copy(out, c.mempool)
	return out, nil
}

// SetSigner registers that signature should be reported as produced by
// addr, for tests to script VerifyMessage without real cryptography.
func (c *Chain) SetSigner(signature, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signers[signature] = addr
}

func (c *Chain) VerifyMessage(ctx context.Context, msg, signature string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, ok := c.signers[signature]
	if !ok {
		return "", fmt.Errorf("testchain: unknown signature %q", signature)
	}
	return addr, nil
}

func (c *Chain) GetChain() string { return c.chain }

func (c *Chain) GetVersion() uint64 { return c.version }

// Attach appends blk as the new tip and fires TipChanged with its hash,
// for tests driving the sync worker forward.
func (c *Chain) Attach(blk block.Block) {
	c.mu.Lock()
	c.blocks = append(c.blocks, blk)
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb.TipChanged(blk.Hash)
	}
}

// Reorg replaces every block above (and including) the join height with
// newBlocks, simulating the underlying chain reorganising.
func (c *Chain) Reorg(joinHeight uint64, newBlocks []block.Block) {
	c.mu.Lock()
	kept := c.blocks[:0:0]
	for _, b := range c.blocks {
		if b.Height < joinHeight {
			kept = append(kept, b)
		}
	}
	c.blocks = append(kept, newBlocks...)
	tip := c.blocks[len(c.blocks)-1]
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb.TipChanged(tip.Hash)
	}
}

// QueuePendingMoves fires PendingMoves directly to the registered
// callbacks, and records the txids in the fake mempool.
func (c *Chain) QueuePendingMoves(moves []block.Move) {
	c.mu.Lock()
	for _, mv := range moves {
		c.mempool = append(c.mempool, mv.Txid)
	}
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb.PendingMoves(moves)
	}
}
