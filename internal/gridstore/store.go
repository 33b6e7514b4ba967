// Package gridstore persists the price and quantity ladders per
// (symbol, position side). Lists are replaced whole on every write and are
// returned sorted on read: prices away from the anchor, quantities by
// accumulated quantity.
package gridstore

import (
	"context"
	"dca-grid-bot-go/internal/models"
	"fmt"
	"time"
)

// Key identifies one grid.
type Key struct {
	Symbol       string              `json:"symbol"`
	PositionSide models.PositionSide `json:"position_side"`
}

func (k Key) String() string {
	return k.Symbol + "/" + string(k.PositionSide)
}

// Store is implemented by the memory, badger and sqlite backends.
type Store interface {
	StorePrices(ctx context.Context, symbol string, side models.PositionSide, prices []models.PriceLevel) error
	GetPrices(ctx context.Context, symbol string, side models.PositionSide) ([]models.PriceLevel, error)
	StoreQuantities(ctx context.Context, symbol string, side models.PositionSide, quantities []models.QuantityRecord) error
	GetQuantities(ctx context.Context, symbol string, side models.PositionSide) ([]models.QuantityRecord, error)
	StoreRootPrice(ctx context.Context, symbol string, side models.PositionSide, price float64) error
	// GetRootPrice returns 0 when no root price is stored.
	GetRootPrice(ctx context.Context, symbol string, side models.PositionSide) (float64, error)
	// Reset clears prices, quantities and root price for the key.
	Reset(ctx context.Context, symbol string, side models.PositionSide) error
	// Keys lists every key with any stored data.
	Keys(ctx context.Context) ([]Key, error)
	Close() error
}

// IsCorrectlyFilledFor reports whether both ladders are stored for the key.
func IsCorrectlyFilledFor(ctx context.Context, s Store, symbol string, side models.PositionSide) (bool, error) {
	prices, err := s.GetPrices(ctx, symbol, side)
	if err != nil {
		return false, err
	}
	quantities, err := s.GetQuantities(ctx, symbol, side)
	if err != nil {
		return false, err
	}
	return len(prices) > 0 && len(quantities) > 0, nil
}

// Load reads the full snapshot for a key.
func Load(ctx context.Context, s Store, symbol string, side models.PositionSide) (models.GridSnapshot, error) {
	snap := models.GridSnapshot{Symbol: symbol, PositionSide: side}
	var err error
	if snap.RootPrice, err = s.GetRootPrice(ctx, symbol, side); err != nil {
		return snap, fmt.Errorf("load root price %s/%s: %w", symbol, side, err)
	}
	if snap.Prices, err = s.GetPrices(ctx, symbol, side); err != nil {
		return snap, fmt.Errorf("load prices %s/%s: %w", symbol, side, err)
	}
	if snap.Quantities, err = s.GetQuantities(ctx, symbol, side); err != nil {
		return snap, fmt.Errorf("load quantities %s/%s: %w", symbol, side, err)
	}
	return snap, nil
}

// Save writes root price, then prices, then quantities, so a concurrent
// reader never sees quantities without their prices.
func Save(ctx context.Context, s Store, snap models.GridSnapshot) error {
	if err := s.StoreRootPrice(ctx, snap.Symbol, snap.PositionSide, snap.RootPrice); err != nil {
		return fmt.Errorf("store root price %s/%s: %w", snap.Symbol, snap.PositionSide, err)
	}
	if err := s.StorePrices(ctx, snap.Symbol, snap.PositionSide, snap.Prices); err != nil {
		return fmt.Errorf("store prices %s/%s: %w", snap.Symbol, snap.PositionSide, err)
	}
	if err := s.StoreQuantities(ctx, snap.Symbol, snap.PositionSide, snap.Quantities); err != nil {
		return fmt.Errorf("store quantities %s/%s: %w", snap.Symbol, snap.PositionSide, err)
	}
	return nil
}

// record is the serialized form shared by the key-value backends.
type record struct {
	RootPrice  float64                 `json:"root_price,omitempty"`
	Prices     []models.PriceLevel     `json:"prices,omitempty"`
	Quantities []models.QuantityRecord `json:"quantities,omitempty"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

func (r record) empty() bool {
	return r.RootPrice == 0 && len(r.Prices) == 0 && len(r.Quantities) == 0
}

func clonePrices(side models.PositionSide, in []models.PriceLevel) []models.PriceLevel {
	out := make([]models.PriceLevel, len(in))
	for i, p := range in {
		out[i] = models.PriceLevel{PositionSide: side, Price: p.Price}
	}
	return out
}
