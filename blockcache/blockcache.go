// Package blockcache implements the optional read-through block cache
// (C3) in front of an upstream BaseChain connector, grounded on
// original_source/src/blockcache.hpp/.cpp's BlockCacheChain.
package blockcache

import (
	"context"

	"github.com/xaya/xayax/basechain"
	"github.com/xaya/xayax/block"
)

// Storage is the cache backend contract. Implementations store blocks
// assumed to already be finalised, and never need to forget or rewrite
// them once stored.
type Storage interface {
	// Store saves all of the given blocks.
	Store(blocks []block.Block) error

	// GetRange returns the requested range if every block in it is
	// cached, or nil if any block is missing (a partial prefix may be
	// returned by implementations that find it convenient, but callers
	// must treat anything shorter than count as a cache miss).
	GetRange(start, count uint64) ([]block.Block, error)
}

// Chain wraps another BaseChain as ground truth and transparently caches
// blocks once they are minDepth behind the chain's tip, so repeated
// GetBlockRange calls over already-finalised history never reach the
// upstream connector twice.
type Chain struct {
	base     basechain.BaseChain
	store    Storage
	minDepth uint64

	lastTipHeight uint64
}

// New builds a caching wrapper around base, using store as the backend
// and treating blocks more than minDepth behind the tip as finalised.
func New(base basechain.BaseChain, store Storage, minDepth uint64) *Chain {
	return &Chain{base: base, store: store, minDepth: minDepth}
}

func (c *Chain) SetCallbacks(cb basechain.Callbacks) { c.base.SetCallbacks(cb) }

func (c *Chain) Start(ctx context.Context) error { return c.base.Start(ctx) }

func (c *Chain) EnablePending() bool { return c.base.EnablePending() }

func (c *Chain) GetTipHeight(ctx context.Context) (uint64, error) {
	h, err := c.base.GetTipHeight(ctx)
	if err == nil {
		c.lastTipHeight = h
	}
	return h, err
}

func (c *Chain) GetBlockRange(ctx context.Context, start, count uint64) ([]block.Block, error) {
	// Ranges close to the tip are never served from or written to the
	// cache: they are not yet finalised, and querying for them would
	// just be a wasted lookup.
	if start+count+c.minDepth > c.lastTipHeight+1 {
		return c.base.GetBlockRange(ctx, start, count)
	}

	cached, err := c.store.GetRange(start, count)
	if err != nil {
		return nil, err
	}
	if uint64(len(cached)) == count {
		return cached, nil
	}

	fresh, err := c.base.GetBlockRange(ctx, start, count)
	if err != nil {
		return nil, err
	}
	if err := c.store.Store(fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (c *Chain) GetMainchainHeight(ctx context.Context, hash string) (int64, error) {
	return c.base.GetMainchainHeight(ctx, hash)
}

func (c *Chain) GetMempool(ctx context.Context) ([]string, error) {
	return c.base.GetMempool(ctx)
}

func (c *Chain) VerifyMessage(ctx context.Context, msg, signature string) (string, error) {
	return c.base.VerifyMessage(ctx, msg, signature)
}

func (c *Chain) GetChain() string { return c.base.GetChain() }

func (c *Chain) GetVersion() uint64 { return c.base.GetVersion() }
