package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mbd888/marketescrow/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode and tests.
type MemoryStore struct {
	txs map[string]*Transaction
	mu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs: make(map[string]*Transaction),
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[tx.ID]; ok {
		return ErrDuplicate
	}
	m.txs[tx.ID] = tx.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, notFound("", id)
	}
	return tx.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, expected int64, next *Transaction) error {
	if next.Version != expected+1 {
		return fmt.Errorf("escrow store: next version %d does not follow %d", next.Version, expected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.txs[next.ID]
	if !ok {
		return notFound("", next.ID)
	}
	if cur.Version != expected {
		return ErrVersionConflict
	}
	m.txs[next.ID] = next.Clone()
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, statuses []Status, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if !containsStatus(statuses, tx.Status) {
			continue
		}
		if after != nil && !after.Precedes(tx.CreatedAt(), tx.ID) {
			continue
		}
		result = append(result, tx.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].CreatedAt(), result[j].CreatedAt()
		if a.Equal(b) {
			return result[i].ID < result[j].ID
		}
		return a.Before(b)
	})
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, party string, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := NormalizeParty(party)
	var result []*Transaction
	for _, tx := range m.txs {
		if tx.BuyerParty != p && tx.SellerParty != p {
			continue
		}
		if after != nil && !after.Follows(tx.CreatedAt(), tx.ID) {
			continue
		}
		result = append(result, tx.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].CreatedAt(), result[j].CreatedAt()
		if a.Equal(b) {
			return result[i].ID > result[j].ID
		}
		return a.After(b)
	})
	return truncate(result, limit), nil
}

func (m *MemoryStore) Snapshot(ctx context.Context) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		result = append(result, tx.Clone())
	}
	return result, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func truncate(txs []*Transaction, limit int) []*Transaction {
	if limit > 0 && len(txs) > limit {
		return txs[:limit]
	}
	return txs
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
