package blockcache

import (
	"sort"
	"sync"

	"github.com/xaya/xayax/block"
)

// MemoryStorage is an in-memory Storage implementation for tests and
// local development, grounded directly on InMemoryBlockStorage in
// original_source/src/blockcache.cpp: a height-ordered map, not an LRU,
// because contiguous-range lookups need ordered iteration that an LRU's
// eviction policy would undermine.
type MemoryStorage struct {
	mu   sync.Mutex
	data map[uint64]block.Block
}

// NewMemoryStorage returns an empty in-memory cache.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[uint64]block.Block)}
}

func (m *MemoryStorage) Store(blocks []block.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range blocks {
		m.data[b.Height] = b
	}
	return nil
}

func (m *MemoryStorage) GetRange(start, count uint64) ([]block.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]block.Block, 0, count)
	for h := start; h < start+count; h++ {
		b, ok := m.data[h]
		if !ok {
			return nil, nil
		}
		res = append(res, b)
	}
	return res, nil
}

// heights is an internal helper retained for debugging/tests: it
// returns the cached heights in ascending order.
func (m *MemoryStorage) heights() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, 0, len(m.data))
	for h := range m.data {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
