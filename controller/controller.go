// Package controller owns the lifecycle of a single chain's xayax
// components (C8): it wires chainstate, sync, the pending gate, the ZMQ
// publisher and the RPC façade together and starts/stops them as a
// unit.
package controller

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/xaya/xayax/basechain"
	"github.com/xaya/xayax/block"
	"github.com/xaya/xayax/chainstate"
	"github.com/xaya/xayax/logging"
	"github.com/xaya/xayax/metrics"
	"github.com/xaya/xayax/pending"
	"github.com/xaya/xayax/rpc"
	xsync "github.com/xaya/xayax/sync"
	"github.com/xaya/xayax/zmqpub"
)

// Config carries the per-chain settings the controller needs beyond the
// wiring of its components.
type Config struct {
	ZMQAddress           string
	RPCAddress           string
	RPCCorsOrigins       []string
	MaxReorgDepth        uint64
	BlockRange           uint64
	TrackedGames         []string
	WatchForPendingMoves bool
}

// Controller owns one chain's full pipeline: connector, chainstate,
// sync worker, pending gate, ZMQ publisher and RPC façade.
type Controller struct {
	cfg   Config
	chain basechain.BaseChain
	store *chainstate.Store

	zmq     *zmqpub.Publisher
	pending *pending.Gate
	syncer  *xsync.Worker
	rpcSrv  *rpc.Server

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// New assembles a Controller. The chain connector must not have had
// Start called on it yet; the controller calls it.
func New(cfg Config, chain basechain.BaseChain, store *chainstate.Store) (*Controller, error) {
	if cfg.BlockRange == 0 {
		cfg.BlockRange = xsync.DefaultMaxBlockRange
	}

	zmq, err := zmqpub.New(cfg.ZMQAddress, chain.GetChain())
	if err != nil {
		return nil, fmt.Errorf("controller: start zmq publisher: %w", err)
	}
	for _, g := range cfg.TrackedGames {
		zmq.TrackGame(g)
	}

	c := &Controller{cfg: cfg, chain: chain, store: store, zmq: zmq}
	c.pending = pending.New(pendingSink{zmq})
	c.syncer = xsync.New(chain, store, notifier{c}, cfg.MaxReorgDepth)

	rpcSrv, err := rpc.New(c)
	if err != nil {
		zmq.Close()
		return nil, fmt.Errorf("controller: build rpc server: %w", err)
	}
	c.rpcSrv = rpcSrv

	chain.SetCallbacks(callbacks{c})
	return c, nil
}

// bootstrapGenesis seeds the chainstate with the connector's own block 0
// the very first time a chain is synced, so a brand new store never has
// to be told separately what its genesis block is; every later start
// finds a tip already there and does nothing.
func (c *Controller) bootstrapGenesis(ctx context.Context) error {
	if _, err := c.store.GetTip(); err == nil {
		return nil
	} else if err != chainstate.ErrNotFound {
		return fmt.Errorf("get tip: %w", err)
	}

	blocks, err := c.chain.GetBlockRange(ctx, 0, 1)
	if err != nil {
		return fmt.Errorf("get genesis block: %w", err)
	}
	if len(blocks) == 0 {
		return fmt.Errorf("connector reported no block at height 0")
	}
	if err := c.store.ImportTip(&blocks[0]); err != nil {
		return fmt.Errorf("import genesis block: %w", err)
	}
	return nil
}

// Run starts every component and blocks until ctx is cancelled or Stop
// is called.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.chain.Start(ctx); err != nil {
		return fmt.Errorf("controller: start chain connector: %w", err)
	}
	if err := c.bootstrapGenesis(ctx); err != nil {
		return fmt.Errorf("controller: bootstrap genesis: %w", err)
	}
	if c.cfg.WatchForPendingMoves {
		if !c.chain.EnablePending() {
			logging.Logger.Warningf("connector for chain %s does not support pending moves", c.chain.GetChain())
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.syncer.Run(ctx)
	}()
	go func() {
		errCh <- c.rpcSrv.Serve(c.cfg.RPCAddress, c.cfg.RPCCorsOrigins)
	}()

	select {
	case <-ctx.Done():
		return c.shutdown()
	case err := <-errCh:
		if errors.Is(err, xsync.ErrReorgExceedsPruning) {
			logging.Logger.Errorf("chain %s: %v", c.chain.GetChain(), err)
		}
		_ = c.shutdown()
		return err
	}
}

// Stop requests an orderly shutdown; it is safe to call from the RPC
// "stop" method or from a signal handler.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Controller) shutdown() error {
	shutCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = c.rpcSrv.Shutdown(shutCtx)
	return c.zmq.Close()
}

// Backend interface implementation, used by the rpc package.

func (c *Controller) Chain() basechain.BaseChain { return c.chain }
func (c *Controller) Store() *chainstate.Store   { return c.store }
func (c *Controller) TrackedGames() []string     { return c.zmq.TrackedGames() }

func (c *Controller) ZMQEndpoints() map[string]string {
	out := make(map[string]string)
	for _, topic := range []string{"game-block-attach", "game-block-detach", "game-pending-move"} {
		out[topic] = c.cfg.ZMQAddress
	}
	return out
}

// SendUpdates implements the game_sendupdates catch-up algorithm: it
// resolves fromBlock's fork branch (falling back to the upstream
// connector if the chainstate itself no longer has it), replays the
// resulting detaches and attaches over the same ZMQ path a live tip
// update would use, tagged with a freshly minted reqtoken, and reports
// how many of each it sent.
func (c *Controller) SendUpdates(ctx context.Context, fromBlock, gameID, toBlock string) (rpc.UpdatesResult, error) {
	reqtoken, err := newReqtoken()
	if err != nil {
		return rpc.UpdatesResult{}, fmt.Errorf("controller: mint reqtoken: %w", err)
	}
	result := rpc.UpdatesResult{Reqtoken: reqtoken}

	detaches, forkHeight, err := c.resolveDetaches(ctx, fromBlock)
	if err != nil {
		return rpc.UpdatesResult{}, err
	}
	for i := range detaches {
		blk := detaches[i]
		if err := c.zmq.SendBlockDetach(&blk, reqtoken); err != nil {
			return rpc.UpdatesResult{}, fmt.Errorf("controller: send detach %s: %w", blk.Hash, err)
		}
		result.Steps.Detach++
	}

	forkPoint := fromBlock
	if len(detaches) > 0 {
		forkPoint = detaches[len(detaches)-1].Parent
	}

	count := c.cfg.BlockRange
	attaches, err := c.chain.GetBlockRange(ctx, uint64(forkHeight)+1, count)
	if err != nil {
		return rpc.UpdatesResult{}, fmt.Errorf("controller: get block range: %w", err)
	}

	if len(attaches) > 0 && attaches[0].Parent != forkPoint {
		// The chain raced ahead of us between resolving the fork point
		// and fetching attaches; report what was sent so far rather than
		// an inconsistent attach list, and let the caller retry.
		result.Error = true
		result.Toblock = forkPoint
		return result, nil
	}

	if toBlock != "" {
		for i := range attaches {
			if attaches[i].Hash == toBlock {
				attaches = attaches[:i+1]
				break
			}
		}
	}

	if ok, err := c.attachesStillAgreeWithChainstate(attaches); err != nil {
		return rpc.UpdatesResult{}, err
	} else if !ok {
		// The sync worker reorged away from this exact attach range
		// between resolveDetaches and GetBlockRange above; the
		// chainstate no longer agrees with what was just fetched, so
		// nothing is published and the caller is told to retry from
		// forkPoint.
		result.Toblock = forkPoint
		return result, nil
	}

	result.Toblock = forkPoint
	for i := range attaches {
		blk := attaches[i]
		if err := c.zmq.SendBlockAttach(&blk, reqtoken); err != nil {
			return rpc.UpdatesResult{}, fmt.Errorf("controller: send attach %s: %w", blk.Hash, err)
		}
		result.Steps.Attach++
		result.Toblock = blk.Hash
	}

	return result, nil
}

// resolveDetaches returns the blocks that must be detached to unwind
// from fromBlock back onto the current main chain, and the height of
// the main-chain block they fork from. If the chainstate has pruned
// fromBlock's own history, it falls back to asking the upstream
// connector directly whether fromBlock is still on its main chain.
func (c *Controller) resolveDetaches(ctx context.Context, fromBlock string) ([]block.Block, int64, error) {
	detaches, err := c.store.GetForkBranch(fromBlock)
	if err == nil {
		forkHeight, err := c.forkHeightOf(detaches, fromBlock)
		if err != nil {
			return nil, 0, err
		}
		return detaches, forkHeight, nil
	}
	if err != chainstate.ErrNotFound {
		return nil, 0, fmt.Errorf("controller: get fork branch: %w", err)
	}

	height, err := c.chain.GetMainchainHeight(ctx, fromBlock)
	if err != nil {
		return nil, 0, fmt.Errorf("controller: query upstream mainchain height: %w", err)
	}
	if height < 0 {
		return nil, 0, fmt.Errorf("controller: fromblock %s is unknown to both chainstate and upstream", fromBlock)
	}
	return nil, height, nil
}

// attachesStillAgreeWithChainstate guards against the race between
// resolveDetaches and GetBlockRange above: it re-checks, against the
// chainstate itself, that the highest-height block about to be
// attached is one the chainstate actually still knows about. A miss
// here means the sync worker reorged the store out from under this
// exact range while it was being assembled. The check is skipped when
// that block's height already lies below the pruning horizon, since
// the chainstate is not expected to still have an opinion about it.
func (c *Controller) attachesStillAgreeWithChainstate(attaches []block.Block) (bool, error) {
	if len(attaches) == 0 {
		return true, nil
	}
	top := attaches[len(attaches)-1]

	lowest, err := c.store.GetLowestUnprunedHeight()
	if err != nil {
		return false, fmt.Errorf("controller: get lowest unpruned height: %w", err)
	}
	if int64(top.Height) < lowest {
		return true, nil
	}

	if _, err := c.store.GetHeightForHash(top.Hash); err != nil {
		if err == chainstate.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("controller: get height for hash %s: %w", top.Hash, err)
	}
	return true, nil
}

func (c *Controller) forkHeightOf(detaches []block.Block, fromBlock string) (int64, error) {
	if len(detaches) == 0 {
		blk, err := c.store.GetByHash(fromBlock)
		if err != nil {
			return 0, fmt.Errorf("controller: get fromblock %s: %w", fromBlock, err)
		}
		return int64(blk.Height), nil
	}
	last := detaches[len(detaches)-1]
	return int64(last.Height) - 1, nil
}

func newReqtoken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// callbacks adapts basechain.Callbacks onto the controller's internal
// handlers, keeping the BaseChain-facing surface separate from the
// sync-worker-facing Notifier below.
type callbacks struct{ c *Controller }

func (cb callbacks) TipChanged(hash string) {
	cb.c.pending.NotifiedTip(hash)
	cb.c.syncer.Wake()
}

func (cb callbacks) PendingMoves(moves []block.Move) {
	cb.c.pending.PendingMoves(moves)
}

// notifier adapts sync.Worker's per-step callback onto the pending gate
// and ZMQ publisher.
type notifier struct{ c *Controller }

func (n notifier) TipUpdatedFrom(oldTip *block.Block, attaches []block.Block) {
	detaches, err := n.c.store.GetForkBranch(oldTip.Hash)
	if err != nil && err != chainstate.ErrNotFound {
		logging.Logger.Errorf("failed to compute detach list from %s: %v", oldTip.Hash, err)
		return
	}

	for i := range detaches {
		blk := detaches[i]
		if err := n.c.zmq.SendBlockDetach(&blk, ""); err != nil {
			logging.Logger.Errorf("failed to publish block detach for %s: %v", blk.Hash, err)
		}
	}
	for i := range attaches {
		blk := attaches[i]
		if err := n.c.zmq.SendBlockAttach(&blk, ""); err != nil {
			logging.Logger.Errorf("failed to publish block attach for %s: %v", blk.Hash, err)
		}
	}

	if len(attaches) == 0 {
		return
	}
	newTip := attaches[len(attaches)-1]
	n.c.pending.ChainstateTipChanged(newTip.Hash)
	metrics.ChainTipHeightGauge.Set(float64(newTip.Height))

	if newTip.Height > n.c.cfg.MaxReorgDepth {
		pruneUpTo := newTip.Height - n.c.cfg.MaxReorgDepth - 1
		if err := n.c.store.Prune(pruneUpTo); err != nil {
			logging.Logger.Errorf("failed to prune up to height %d: %v", pruneUpTo, err)
			return
		}
		lowest, err := n.c.store.GetLowestUnprunedHeight()
		if err == nil {
			metrics.LowestUnprunedHeightGauge.Set(float64(lowest))
		}
	}
}

// pendingSink adapts the ZMQ publisher onto pending.Sink.
type pendingSink struct{ zmq *zmqpub.Publisher }

func (s pendingSink) SendPendingMoves(moves []block.Move) {
	if err := s.zmq.SendPendingMoves(moves); err != nil {
		logging.Logger.Errorf("failed to publish pending moves: %v", err)
	}
}
