package models

import (
	"fmt"
	"sort"
	"time"
)

// PriceLevel 网格中的一个价格档位
type PriceLevel struct {
	PositionSide PositionSide `json:"position_side"`
	Price        float64      `json:"price"` // 已按交易所价格精度取整
}

// QuantityRecord 一个档位的下单数量
type QuantityRecord struct {
	Quantity            float64 `json:"quantity"`             // 已取整
	RawQuantity         float64 `json:"raw_quantity"`         // 未取整
	AccumulatedQuantity float64 `json:"accumulated_quantity"` // 该档位成交后的总仓位
}

// MaxPositionSize is the position size at which this rung is still pending:
// the accumulated quantity before the rung itself fills.
func (q QuantityRecord) MaxPositionSize() float64 {
	return q.AccumulatedQuantity - q.Quantity
}

// GridSnapshot 某个 (symbol, position_side) 的完整网格
// 价格和数量列表总是一起被替换，不会原地修改
type GridSnapshot struct {
	Symbol       string           `json:"symbol"`
	PositionSide PositionSide     `json:"position_side"`
	RootPrice    float64          `json:"root_price"`
	Prices       []PriceLevel     `json:"prices"`
	Quantities   []QuantityRecord `json:"quantities"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// IsInitialized reports whether both ladders are present.
func (g GridSnapshot) IsInitialized() bool {
	return len(g.Prices) > 0 && len(g.Quantities) > 0
}

// Rungs returns the number of usable (price, quantity) pairs.
func (g GridSnapshot) Rungs() int {
	if len(g.Prices) < len(g.Quantities) {
		return len(g.Prices)
	}
	return len(g.Quantities)
}

// SortPrices returns a new slice ordered away from the anchor: descending for
// LONG, ascending for SHORT.
func SortPrices(side PositionSide, prices []PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(prices))
	copy(out, prices)
	sort.SliceStable(out, func(i, j int) bool {
		if side == Short {
			return out[i].Price < out[j].Price
		}
		return out[i].Price > out[j].Price
	})
	return out
}

// SortQuantities returns a new slice ordered by accumulated quantity.
func SortQuantities(quantities []QuantityRecord) []QuantityRecord {
	out := make([]QuantityRecord, len(quantities))
	copy(out, quantities)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AccumulatedQuantity < out[j].AccumulatedQuantity
	})
	return out
}

// Mode (symbol, position_side) 的运行模式
type Mode string

const (
	ModeNormal          Mode = "NORMAL"
	ModeManual          Mode = "MANUAL"
	ModePanic           Mode = "PANIC"
	ModeExitOnly        Mode = "EXIT_ONLY"
	ModeGracefulStop    Mode = "GRACEFUL_STOP"
	ModeWiggle          Mode = "WIGGLE"
	ModeNoOrdersAllowed Mode = "NO_ORDERS_ALLOWED"
)

// AllModes lists every mode in declaration order.
var AllModes = []Mode{ModeNormal, ModeManual, ModePanic, ModeExitOnly, ModeGracefulStop, ModeWiggle, ModeNoOrdersAllowed}

// ParseMode 解析模式名称
func ParseMode(s string) (Mode, error) {
	for _, m := range AllModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// IsCancelOnly reports whether the mode forbids new entries.
func (m Mode) IsCancelOnly() bool {
	switch m {
	case ModePanic, ModeExitOnly, ModeGracefulStop, ModeNoOrdersAllowed:
		return true
	}
	return false
}
