package gridstore

import (
	"context"
	"dca-grid-bot-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v3"
)

const badgerPrefix = "grid/"

// BadgerStore is the BadgerDB implementation of Store. Each list lives under
// its own key, grid/{symbol}/{side}/{prices|quantities|root}, as JSON.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open database. The caller owns db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func badgerKey(symbol string, side models.PositionSide, field string) []byte {
	return []byte(badgerPrefix + symbol + "/" + string(side) + "/" + field)
}

func (s *BadgerStore) put(symbol string, side models.PositionSide, field string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(symbol, side, field), data)
	})
}

// load decodes the key into v. A missing key leaves v untouched.
func (s *BadgerStore) load(symbol string, side models.PositionSide, field string, v any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(symbol, side, field))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *BadgerStore) StorePrices(_ context.Context, symbol string, side models.PositionSide, prices []models.PriceLevel) error {
	return s.put(symbol, side, "prices", clonePrices(side, prices))
}

func (s *BadgerStore) GetPrices(_ context.Context, symbol string, side models.PositionSide) ([]models.PriceLevel, error) {
	var prices []models.PriceLevel
	if err := s.load(symbol, side, "prices", &prices); err != nil {
		return nil, err
	}
	return models.SortPrices(side, prices), nil
}

func (s *BadgerStore) StoreQuantities(_ context.Context, symbol string, side models.PositionSide, quantities []models.QuantityRecord) error {
	return s.put(symbol, side, "quantities", quantities)
}

func (s *BadgerStore) GetQuantities(_ context.Context, symbol string, side models.PositionSide) ([]models.QuantityRecord, error) {
	var quantities []models.QuantityRecord
	if err := s.load(symbol, side, "quantities", &quantities); err != nil {
		return nil, err
	}
	return models.SortQuantities(quantities), nil
}

func (s *BadgerStore) StoreRootPrice(_ context.Context, symbol string, side models.PositionSide, price float64) error {
	return s.put(symbol, side, "root", price)
}

func (s *BadgerStore) GetRootPrice(_ context.Context, symbol string, side models.PositionSide) (float64, error) {
	var price float64
	err := s.load(symbol, side, "root", &price)
	return price, err
}

// Reset deletes all three keys in one transaction.
func (s *BadgerStore) Reset(_ context.Context, symbol string, side models.PositionSide) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, field := range []string{"prices", "quantities", "root"} {
			if err := txn.Delete(badgerKey(symbol, side, field)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Keys(_ context.Context) ([]Key, error) {
	seen := make(map[Key]bool)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			parts := strings.Split(strings.TrimPrefix(string(it.Item().Key()), badgerPrefix), "/")
			if len(parts) != 3 {
				return fmt.Errorf("malformed grid key %q", it.Item().Key())
			}
			seen[Key{Symbol: parts[0], PositionSide: models.PositionSide(parts[1])}] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys, nil
}

// Close is a no-op: the badger database is shared with the mode repository
// and closed by its owner.
func (s *BadgerStore) Close() error { return nil }
