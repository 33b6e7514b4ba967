package gridstore

import (
	"context"
	"dca-grid-bot-go/internal/models"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps grids in process memory. Used for paper trading and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	grids map[Key]record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grids: make(map[Key]record)}
}

func (m *MemoryStore) update(symbol string, side models.PositionSide, fn func(*record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := Key{symbol, side}
	r := m.grids[k]
	fn(&r)
	r.UpdatedAt = time.Now()
	if r.empty() {
		delete(m.grids, k)
		return
	}
	m.grids[k] = r
}

func (m *MemoryStore) get(symbol string, side models.PositionSide) record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grids[Key{symbol, side}]
}

func (m *MemoryStore) StorePrices(_ context.Context, symbol string, side models.PositionSide, prices []models.PriceLevel) error {
	cp := clonePrices(side, prices)
	m.update(symbol, side, func(r *record) { r.Prices = cp })
	return nil
}

func (m *MemoryStore) GetPrices(_ context.Context, symbol string, side models.PositionSide) ([]models.PriceLevel, error) {
	return models.SortPrices(side, m.get(symbol, side).Prices), nil
}

func (m *MemoryStore) StoreQuantities(_ context.Context, symbol string, side models.PositionSide, quantities []models.QuantityRecord) error {
	cp := make([]models.QuantityRecord, len(quantities))
	copy(cp, quantities)
	m.update(symbol, side, func(r *record) { r.Quantities = cp })
	return nil
}

func (m *MemoryStore) GetQuantities(_ context.Context, symbol string, side models.PositionSide) ([]models.QuantityRecord, error) {
	return models.SortQuantities(m.get(symbol, side).Quantities), nil
}

func (m *MemoryStore) StoreRootPrice(_ context.Context, symbol string, side models.PositionSide, price float64) error {
	m.update(symbol, side, func(r *record) { r.RootPrice = price })
	return nil
}

func (m *MemoryStore) GetRootPrice(_ context.Context, symbol string, side models.PositionSide) (float64, error) {
	return m.get(symbol, side).RootPrice, nil
}

func (m *MemoryStore) Reset(_ context.Context, symbol string, side models.PositionSide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grids, Key{symbol, side})
	return nil
}

func (m *MemoryStore) Keys(_ context.Context) ([]Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]Key, 0, len(m.grids))
	for k := range m.grids {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
