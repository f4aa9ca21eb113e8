// Package chainstate persists the tree of blocks xayax has synced for a
// single underlying chain, and exposes the branch-relabelling operations
// the sync worker, the RPC façade and the pending gate need to reason
// about reorgs.
//
// It is grounded on the teacher's GORM DAO pattern (db/dao.go, db/type.go)
// and on the branch/label algorithm in
// original_source/src/chainstate.cpp's MarkAsTip/GetForkBranch.
package chainstate

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/xaya/xayax/block"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("chainstate: not found")

// blockRow is the GORM model backing the single "blocks" table described
// in SPEC_FULL.md §6.4. Moves and other per-block data are folded into a
// JSON envelope column rather than a protobuf blob (see DESIGN.md).
type blockRow struct {
	Hash   string `gorm:"primaryKey;size:128"`
	Parent string `gorm:"size:128;index:idx_parent"`
	Height uint64 `gorm:"uniqueIndex:idx_branch_height,priority:2"`
	Branch uint64 `gorm:"uniqueIndex:idx_branch_height,priority:1"`
	Data   []byte
}

func (*blockRow) TableName() string { return "blocks" }

// variableRow backs the small key/value table used for the persisted
// chain id and other scalars (§6.4).
type variableRow struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value string
}

func (*variableRow) TableName() string { return "variables" }

const (
	varChainID = "chain"

	// BranchMain is the label of the chain the core currently considers
	// authoritative. All other branches are forks kept around only long
	// enough to be pruned or reattached.
	BranchMain uint64 = 0
)

// Store is the Chainstate store (C2). One Store corresponds to one
// underlying chain and one on-disk database file.
type Store struct {
	db *gorm.DB
}

// Open wraps an already-configured *gorm.DB (sqlite in production, per
// SPEC_FULL.md §4.1) and ensures the schema exists.
func Open(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&blockRow{}, &variableRow{}); err != nil {
		return nil, fmt.Errorf("chainstate: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// SetChain records id as the chain this store belongs to the first time
// it is called, and fatally rejects every later call with a different
// id: a chainstate database must never be reused across chains, and a
// mismatch here is a caller bug or an operator pointing the wrong
// datadir at the wrong connector, not a recoverable condition (§4.1,
// §7's "chain-id mismatch" row).
func (s *Store) SetChain(id string) error {
	var v variableRow
	err := s.db.Take(&v, "name = ?", varChainID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&variableRow{Name: varChainID, Value: id}).Error
	}
	if err != nil {
		return fmt.Errorf("chainstate: load chain id: %w", err)
	}
	if v.Value != id {
		return fmt.Errorf("chainstate: chain id mismatch: store has %q, connector is %q", v.Value, id)
	}
	return nil
}

// UpdateBatch runs fn inside a transaction, rolling back all writes if
// fn returns an error. gorm's Transaction runs a call made from inside
// an existing transaction as a SAVEPOINT, so nested UpdateBatch calls
// nest as savepoints with no extra bookkeeping, matching the upstream
// UpdateBatch semantics.
func (s *Store) UpdateBatch(fn func(tx *Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// GetTip returns the highest block of BranchMain, or ErrNotFound if the
// store holds nothing yet.
func (s *Store) GetTip() (*block.Block, error) {
	return s.getHighestOnBranch(BranchMain)
}

func (s *Store) getHighestOnBranch(branch uint64) (*block.Block, error) {
	var row blockRow
	err := s.db.Where("branch = ?", branch).Order("height desc").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(&row)
}

// GetTipHeight returns the height of the main-chain tip, or -1 if the
// store is still empty.
func (s *Store) GetTipHeight() (int64, error) {
	tip, err := s.GetTip()
	if errors.Is(err, ErrNotFound) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return int64(tip.Height), nil
}

// GetLowestUnprunedHeight returns the height of the lowest main-chain
// block still retained, or -1 if the store is empty.
func (s *Store) GetLowestUnprunedHeight() (int64, error) {
	var row blockRow
	err := s.db.Where("branch = ?", BranchMain).Order("height asc").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return int64(row.Height), nil
}

// GetByHash returns the block with the given hash, on any branch.
func (s *Store) GetByHash(hash string) (*block.Block, error) {
	var row blockRow
	err := s.db.Take(&row, "hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(&row)
}

// GetHashForHeight returns the main-chain block hash at height, or
// ErrNotFound if no main-chain block is stored at that height.
func (s *Store) GetHashForHeight(height uint64) (string, error) {
	var row blockRow
	err := s.db.Take(&row, "branch = ? AND height = ?", BranchMain, height).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return row.Hash, nil
}

// GetHeightForHash returns the height of hash on whichever branch it
// currently lives on, or ErrNotFound if hash is not stored at all.
func (s *Store) GetHeightForHash(hash string) (int64, error) {
	var row blockRow
	err := s.db.Take(&row, "hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return -1, ErrNotFound
	}
	if err != nil {
		return -1, err
	}
	return int64(row.Height), nil
}

// ImportTip installs blk directly as the main-chain tip without
// checking that its parent is already stored, and prunes every
// main-chain block strictly below it. Used for the initial anchor
// import and for the fast-sync catch-up re-import once a reorg has gone
// back further than the worker is willing to walk block by block.
func (s *Store) ImportTip(blk *block.Block) error {
	return s.UpdateBatch(func(tx *Store) error {
		var existing blockRow
		err := tx.db.Take(&existing, "hash = ?", blk.Hash).Error
		switch {
		case err == nil:
			if err := tx.db.Model(&blockRow{}).Where("hash = ?", blk.Hash).
				Updates(map[string]interface{}{"branch": BranchMain, "data": mustEncode(blk)}).Error; err != nil {
				return fmt.Errorf("chainstate: ImportTip: relabel %s: %w", blk.Hash, err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.db.Delete(&blockRow{}, "branch = ? AND height = ?", BranchMain, blk.Height).Error; err != nil {
				return fmt.Errorf("chainstate: ImportTip: clear height %d: %w", blk.Height, err)
			}
			if err := tx.db.Create(&blockRow{
				Hash:   blk.Hash,
				Parent: blk.Parent,
				Height: blk.Height,
				Branch: BranchMain,
				Data:   mustEncode(blk),
			}).Error; err != nil {
				return fmt.Errorf("chainstate: ImportTip: insert %s: %w", blk.Hash, err)
			}
		default:
			return err
		}
		if blk.Height == 0 {
			return nil
		}
		return tx.Prune(blk.Height - 1)
	})
}

// SetTip tries to extend the main chain with blk. If blk is already
// stored (on any branch), the branch it lives on is promoted to main.
// Otherwise blk.Parent must already be stored; if it is not, SetTip
// returns ok=false without any side effects — the caller is expected to
// widen its search and retry, not treat this as an error. previousTip is
// the tip as it stood before this call, for the caller's own bookkeeping
// (e.g. computing the detached range after a reorg).
func (s *Store) SetTip(blk *block.Block) (ok bool, previousTip *block.Block, err error) {
	err = s.UpdateBatch(func(tx *Store) error {
		var getErr error
		previousTip, getErr = tx.GetTip()
		if getErr != nil && !errors.Is(getErr, ErrNotFound) {
			return getErr
		}

		var row blockRow
		lookErr := tx.db.Take(&row, "hash = ?", blk.Hash).Error
		switch {
		case lookErr == nil:
			if err := tx.markAsTip(blk); err != nil {
				return err
			}
			ok = true
			return nil
		case errors.Is(lookErr, gorm.ErrRecordNotFound):
			var parentRow blockRow
			perr := tx.db.Take(&parentRow, "hash = ?", blk.Parent).Error
			if errors.Is(perr, gorm.ErrRecordNotFound) {
				ok = false
				return nil
			}
			if perr != nil {
				return perr
			}
			branch, err := tx.nextFreeBranch()
			if err != nil {
				return err
			}
			if err := tx.db.Create(&blockRow{
				Hash:   blk.Hash,
				Parent: blk.Parent,
				Height: blk.Height,
				Branch: branch,
				Data:   mustEncode(blk),
			}).Error; err != nil {
				return fmt.Errorf("chainstate: SetTip: insert %s: %w", blk.Hash, err)
			}
			if err := tx.markAsTip(blk); err != nil {
				return err
			}
			ok = true
			return nil
		default:
			return lookErr
		}
	})
	if err != nil {
		return false, nil, err
	}
	return ok, previousTip, nil
}

// markAsTip relabels branches so that the chain ending at newTip becomes
// BranchMain, following the algorithm in
// original_source/src/chainstate.cpp: Chainstate::MarkAsTip. It walks
// the new branch down to its join with the old main chain, relabels the
// segment of the old main chain above the join point to a fresh branch
// id, and promotes the new branch to BranchMain. newTip must already be
// stored; if it is already on BranchMain, only the main-chain blocks
// above it are relabelled to a fresh branch id.
func (s *Store) markAsTip(newTip *block.Block) error {
	var newRow blockRow
	if err := s.db.Take(&newRow, "hash = ?", newTip.Hash).Error; err != nil {
		return fmt.Errorf("chainstate: markAsTip: new tip not stored: %w", err)
	}
	if newRow.Branch == BranchMain {
		// newTip is already on the main chain, but it may not be the
		// tip of it: anything stored above it on branch 0 is a stale
		// continuation from before this call and must be relabelled off
		// main, the same way the original Chainstate::MarkAsTip
		// unconditionally does regardless of which branch newTip started on.
		freshBranch, err := s.nextFreeBranch()
		if err != nil {
			return err
		}
		if err := s.db.Model(&blockRow{}).
			Where("branch = ? AND height > ?", BranchMain, newTip.Height).
			Update("branch", freshBranch).Error; err != nil {
			return fmt.Errorf("chainstate: markAsTip: relabel stale descendants: %w", err)
		}
		return nil
	}
	forkBranch := newRow.Branch

	joinHeight, err := s.findJoinHeight(newTip.Hash)
	if err != nil {
		return err
	}

	freshBranch, err := s.nextFreeBranch()
	if err != nil {
		return err
	}
	if err := s.db.Model(&blockRow{}).
		Where("branch = ? AND height > ?", BranchMain, joinHeight).
		Update("branch", freshBranch).Error; err != nil {
		return fmt.Errorf("chainstate: markAsTip: relabel old tip: %w", err)
	}

	if err := s.db.Model(&blockRow{}).
		Where("branch = ?", forkBranch).
		Update("branch", BranchMain).Error; err != nil {
		return fmt.Errorf("chainstate: markAsTip: promote fork: %w", err)
	}
	return nil
}

// findJoinHeight walks the chain containing hash downward until it
// finds an ancestor already on BranchMain, and returns that ancestor's
// height. It returns -1 if hash's chain reaches all the way to the
// (parentless) genesis without ever touching BranchMain.
func (s *Store) findJoinHeight(hash string) (int64, error) {
	for {
		var row blockRow
		if err := s.db.Take(&row, "hash = ?", hash).Error; err != nil {
			return 0, fmt.Errorf("chainstate: findJoinHeight: broken chain at %s: %w", hash, err)
		}
		if row.Parent == "" {
			return -1, nil
		}
		var parent blockRow
		if err := s.db.Take(&parent, "hash = ?", row.Parent).Error; err != nil {
			return 0, fmt.Errorf("chainstate: findJoinHeight: missing parent of %s: %w", hash, err)
		}
		if parent.Branch == BranchMain {
			return int64(parent.Height), nil
		}
		hash = parent.Hash
	}
}

// GetForkBranch returns the blocks, ordered from hash itself down to
// (but not including) the first main-chain ancestor it finds, walking
// parent pointers. If hash is already on the main chain, it returns an
// empty slice. If hash is not stored at all, it returns ErrNotFound. If
// the walk runs off the edge of what is still retained (the chain was
// pruned past the fork point), it stops there and returns what it has
// accumulated, rather than erroring.
func (s *Store) GetForkBranch(hash string) ([]block.Block, error) {
	var out []block.Block
	cur := hash
	first := true
	for {
		var row blockRow
		err := s.db.Take(&row, "hash = ?", cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if first {
				return nil, ErrNotFound
			}
			break
		}
		if err != nil {
			return nil, err
		}
		if row.Branch == BranchMain {
			break
		}
		blk, err := decode(&row)
		if err != nil {
			return nil, err
		}
		out = append(out, *blk)
		first = false
		if row.Parent == "" {
			break
		}
		cur = row.Parent
	}
	return out, nil
}

func (s *Store) nextFreeBranch() (uint64, error) {
	var max uint64
	row := s.db.Model(&blockRow{}).Select("COALESCE(MAX(branch), 0) as m").Row()
	if row == nil {
		return BranchMain + 1, nil
	}
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max + 1, nil
}

// Prune deletes every main-chain block with height <= upToHeight.
// Blocks on other branches are left alone; no method of Store deletes
// them.
func (s *Store) Prune(upToHeight uint64) error {
	return s.db.Delete(&blockRow{}, "branch = ? AND height <= ?", BranchMain, upToHeight).Error
}

// SanityCheck verifies a handful of invariants that should always hold
// if the branch-relabelling logic above is correct: the main chain has
// exactly one tip, and every main-chain block's parent is either absent
// (genesis) or itself on the main chain at height-1. It walks the whole
// retained main chain on each call; the controller does not call it.
func (s *Store) SanityCheck() error {
	tip, err := s.GetTip()
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("chainstate: SanityCheck: get tip: %w", err)
	}

	cur := tip
	for !cur.IsGenesis() {
		var parent blockRow
		err := s.db.Take(&parent, "hash = ?", cur.Parent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("chainstate: SanityCheck: missing parent %s of %s", cur.Parent, cur.Hash)
		}
		if err != nil {
			return fmt.Errorf("chainstate: SanityCheck: %w", err)
		}
		if parent.Branch != BranchMain {
			return fmt.Errorf("chainstate: SanityCheck: parent %s of main-chain block %s is not on the main chain", cur.Parent, cur.Hash)
		}
		if parent.Height != cur.Height-1 {
			return fmt.Errorf("chainstate: SanityCheck: parent %s of %s has height %d, expected %d", cur.Parent, cur.Hash, parent.Height, cur.Height-1)
		}
		next, err := decode(&parent)
		if err != nil {
			return fmt.Errorf("chainstate: SanityCheck: %w", err)
		}
		cur = next
	}
	return nil
}

func decode(row *blockRow) (*block.Block, error) {
	var blk block.Block
	if err := json.Unmarshal(row.Data, &blk); err != nil {
		return nil, fmt.Errorf("chainstate: corrupt block row %s: %w", row.Hash, err)
	}
	return &blk, nil
}

func mustEncode(blk *block.Block) []byte {
	data, err := json.Marshal(blk)
	if err != nil {
		panic(fmt.Sprintf("chainstate: block %s is not JSON-encodable: %v", blk.Hash, err))
	}
	return data
}
