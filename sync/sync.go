// Package sync implements the single-writer background sync loop (C4)
// that keeps a chainstate.Store up to date with a basechain.BaseChain.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaya/xayax/basechain"
	"github.com/xaya/xayax/block"
	"github.com/xaya/xayax/chainstate"
	"github.com/xaya/xayax/logging"
	"github.com/xaya/xayax/metrics"
)

const (
	// DefaultMaxBlockRange is the maximum size of the block window
	// requested per step; the window starts at 1.
	DefaultMaxBlockRange = 128

	// DefaultUpdateTimeout bounds a single UpdateStep call.
	DefaultUpdateTimeout = 5 * time.Second

	// idleWait is how long Run waits for a wakeup once it has caught up
	// to the connector's tip, before polling again anyway.
	idleWait = 2 * time.Second
)

// ErrReorgExceedsPruning is returned by UpdateStep (and propagated as a
// fatal error out of Run) when a reorg's fork point cannot be located
// without reaching below the lowest height the chainstate still
// retains. Recovering from this would require re-importing history the
// store has already discarded, which Run treats as unrecoverable rather
// than silently falling back to a fast re-import from the wrong anchor.
var ErrReorgExceedsPruning = errors.New("sync: reorg exceeds pruning depth")

// Notifier is driven after each persisted step with the tip as it stood
// before the step and the ordered run of blocks newly attached on top of
// it. oldTip.Hash is used by callers to compute the corresponding
// detach list via chainstate.Store.GetForkBranch.
type Notifier interface {
	TipUpdatedFrom(oldTip *block.Block, attaches []block.Block)
}

// Worker runs the sync loop for a single chain.
type Worker struct {
	chain    basechain.BaseChain
	store    *chainstate.Store
	notifier Notifier

	maxReorgDepth uint64
	maxBlockRange uint64
	updateTimeout time.Duration

	numBlocks uint64
	wake      chan struct{}
}

// New builds a sync Worker. maxReorgDepth is how far behind the
// connector's tip the store may fall before fastSyncIfBehind re-imports
// at an anchor; the search for a reorg's fork point is bounded by the
// store's lowest unpruned height, not by maxReorgDepth.
func New(chain basechain.BaseChain, store *chainstate.Store, notifier Notifier, maxReorgDepth uint64) *Worker {
	return &Worker{
		chain:         chain,
		store:         store,
		notifier:      notifier,
		maxReorgDepth: maxReorgDepth,
		maxBlockRange: DefaultMaxBlockRange,
		updateTimeout: DefaultUpdateTimeout,
		numBlocks:     1,
		wake:          make(chan struct{}, 1),
	}
}

// Wake nudges a Run loop that is idling between steps to try again
// immediately, called by the connector's TipChanged callback so a fresh
// block doesn't wait out idleWait before being picked up.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run blocks, repeatedly calling UpdateStep until ctx is cancelled or a
// step returns a fatal error. It records the connector's chain id once,
// at startup, and relies on chainstate.Store.SetChain to turn any later
// mismatch (a datadir reused against the wrong chain) into a fatal error
// here too.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.store.SetChain(w.chain.GetChain()); err != nil {
		return fmt.Errorf("sync: set chain: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		stepCtx, cancel := context.WithTimeout(ctx, w.updateTimeout)
		caughtUp, err := w.UpdateStep(stepCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if errors.Is(err, ErrReorgExceedsPruning) {
				return err
			}
			// Anything else is treated as a transient upstream problem:
			// log and retry rather than taking the whole process down.
			logging.Logger.Warningf("sync: update step failed, retrying: %v", err)
			if !w.waitForWakeOrTimeout(ctx, idleWait) {
				return ctx.Err()
			}
			continue
		}
		if caughtUp {
			w.numBlocks = 1
			metrics.SyncWindowSizeGauge.Set(1)
			if !w.waitForWakeOrTimeout(ctx, idleWait) {
				return ctx.Err()
			}
		}
	}
}

func (w *Worker) waitForWakeOrTimeout(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.wake:
		return true
	case <-timer.C:
		return true
	}
}

// UpdateStep performs one unit of sync work. It re-requests the block at
// the store's current tip height (not tip height + 1) so that SetTip can
// tell a no-op re-confirmation apart from a reorg at the very last
// height; if the connector's block at that height no longer matches,
// UpdateStep widens its fetch window downward hunting for the fork
// point, giving up with ErrReorgExceedsPruning once the window would
// have to reach below GetLowestUnprunedHeight. Once the fork point (or
// lack of one) is found, it attaches the rest of the fetched run inside
// a single UpdateBatch and reports caughtUp=true once the connector's
// own tip has been reached.
func (w *Worker) UpdateStep(ctx context.Context) (caughtUp bool, err error) {
	localTip, err := w.store.GetTip()
	if err != nil {
		return false, fmt.Errorf("sync: get tip: %w", err)
	}

	lowest, err := w.store.GetLowestUnprunedHeight()
	if err != nil {
		return false, fmt.Errorf("sync: get lowest unpruned height: %w", err)
	}

	chainHeight, err := w.chain.GetTipHeight(ctx)
	if err != nil {
		return false, fmt.Errorf("sync: get chain tip height: %w", err)
	}

	startHeight := localTip.Height
	window := w.numBlocks
	if window == 0 {
		window = 1
	}

	var first *block.Block
	for {
		// Request window new blocks plus the one at startHeight itself,
		// which is re-fetched purely to confirm it still chains the way
		// the store expects.
		blocks, err := w.chain.GetBlockRange(ctx, startHeight, window+1)
		if err != nil {
			return false, fmt.Errorf("sync: get block range: %w", err)
		}
		if len(blocks) == 0 {
			if startHeight == localTip.Height {
				return true, nil
			}
			return false, fmt.Errorf("%w: connector returned no blocks at height %d", ErrReorgExceedsPruning, startHeight)
		}

		candidate := blocks[0]
		ok, _, err := w.store.SetTip(&candidate)
		if err != nil {
			return false, fmt.Errorf("sync: set tip %s: %w", candidate.Hash, err)
		}
		if ok {
			first = &candidate
			rest := blocks[1:]
			lastHeight := candidate.Height
			if len(rest) > 0 {
				lastHeight = rest[len(rest)-1].Height
			}
			caughtUp := lastHeight >= chainHeight
			return w.commitForward(localTip, first, rest, caughtUp)
		}

		// The block the connector reports at startHeight doesn't chain
		// onto anything the store knows; the fork point is further back
		// than this window reaches. Widen and retry.
		if startHeight <= uint64(lowest) {
			return false, fmt.Errorf("%w: fork point at or below lowest retained height %d", ErrReorgExceedsPruning, lowest)
		}
		window *= 2
		if window > w.maxBlockRange {
			window = w.maxBlockRange
		}
		step := window / 2
		if step == 0 {
			step = 1
		}
		if startHeight < step {
			startHeight = 0
		} else {
			startHeight -= step
		}
		if int64(startHeight) < lowest {
			startHeight = uint64(lowest)
		}
	}
}

// commitForward attaches first followed by rest inside a single
// UpdateBatch, notifies the caller if the effective tip moved, grows the
// fetch window for next time, and triggers a fast-sync re-import if the
// connector is still more than maxReorgDepth ahead once the batch lands.
func (w *Worker) commitForward(localTip, first *block.Block, rest []block.Block, caughtUp bool) (bool, error) {
	// first is only newly attached if it is not the store's own tip being
	// re-confirmed at the same height.
	attaches := make([]block.Block, 0, 1+len(rest))
	if first.Hash != localTip.Hash {
		attaches = append(attaches, *first)
	}

	err := w.store.UpdateBatch(func(tx *chainstate.Store) error {
		for i := range rest {
			blk := rest[i]
			ok, _, err := tx.SetTip(&blk)
			if err != nil {
				return fmt.Errorf("set tip %s: %w", blk.Hash, err)
			}
			if !ok {
				// A new reorg raced in while we were attaching forward;
				// stop here and let the next UpdateStep deal with it.
				return nil
			}
			attaches = append(attaches, blk)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("sync: commit forward: %w", err)
	}

	newTip := *localTip
	if len(attaches) > 0 {
		newTip = attaches[len(attaches)-1]
	}
	if newTip.Hash != localTip.Hash {
		w.notifier.TipUpdatedFrom(localTip, attaches)
	}

	metrics.ChainTipHeightGauge.Set(float64(newTip.Height))
	if !caughtUp {
		w.increaseNumBlocks()
	}

	if err := w.fastSyncIfBehind(newTip.Height); err != nil {
		return false, err
	}

	return caughtUp, nil
}

// fastSyncIfBehind re-imports directly at anchorHeight = chainHeight -
// maxReorgDepth, skipping individual block attachment, when the
// connector is still more than maxReorgDepth ahead of the store after a
// successful step: walking forward one window at a time would never
// catch up in a reasonable number of steps during initial sync.
// Importing at the anchor rather than at the connector's bare tip
// leaves a full maxReorgDepth of retained history below the new tip, so
// the very next ordinary reorg still has room to find its fork point
// instead of immediately hitting ErrReorgExceedsPruning.
func (w *Worker) fastSyncIfBehind(localHeight uint64) error {
	chainHeight, err := w.chain.GetTipHeight(context.Background())
	if err != nil {
		return fmt.Errorf("sync: fast sync: get chain tip height: %w", err)
	}
	if chainHeight <= localHeight || chainHeight-localHeight <= w.maxReorgDepth {
		return nil
	}

	anchorHeight := uint64(0)
	if chainHeight > w.maxReorgDepth {
		anchorHeight = chainHeight - w.maxReorgDepth
	}

	blocks, err := w.chain.GetBlockRange(context.Background(), anchorHeight, 1)
	if err != nil {
		return fmt.Errorf("sync: fast sync: get block range: %w", err)
	}
	if len(blocks) == 0 {
		return nil
	}
	if err := w.store.ImportTip(&blocks[0]); err != nil {
		return fmt.Errorf("sync: fast sync: import tip: %w", err)
	}
	w.numBlocks = 1
	metrics.SyncWindowSizeGauge.Set(1)
	metrics.ChainTipHeightGauge.Set(float64(blocks[0].Height))
	return nil
}

// increaseNumBlocks doubles the sync window, capped at maxBlockRange.
func (w *Worker) increaseNumBlocks() {
	w.numBlocks *= 2
	if w.numBlocks > w.maxBlockRange {
		w.numBlocks = w.maxBlockRange
	}
	metrics.SyncWindowSizeGauge.Set(float64(w.numBlocks))
}
