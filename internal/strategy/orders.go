package strategy

import (
	"dca-grid-bot-go/internal/models"
)

// beyondEntry reports whether price adds to the position at a better average
// than the current entry.
func beyondEntry(side models.PositionSide, price, entry float64) bool {
	if entry <= 0 {
		return true
	}
	if side == models.Short {
		return price > entry
	}
	return price < entry
}

// DCAOrders pairs stored prices and quantities by rung and returns the rungs
// the position has not reached yet. A rung is pending while the position is
// not larger than the size it had before that rung fills.
func DCAOrders(cfg models.SymbolConfig, snap models.GridSnapshot, pos models.Position, info models.SymbolInformation) []models.DesiredOrder {
	if !snap.IsInitialized() {
		return nil
	}
	tolerance := info.QtyStep / 2
	var out []models.DesiredOrder
	for i := 0; i < snap.Rungs(); i++ {
		price, q := snap.Prices[i].Price, snap.Quantities[i]
		if q.Quantity <= 0 || q.MaxPositionSize() < pos.Quantity-tolerance {
			continue
		}
		if !beyondEntry(cfg.PositionSide, price, pos.EntryPrice) {
			continue
		}
		out = append(out, models.DesiredOrder{
			Purpose:      models.PurposeDCA,
			Symbol:       cfg.Symbol,
			Side:         cfg.PositionSide.EntrySide(),
			PositionSide: cfg.PositionSide,
			Type:         models.OrderTypeLimit,
			Price:        price,
			Quantity:     q.Quantity,
			TimeInForce:  models.TimeInForceGTX,
		})
	}
	return out
}

// TakeProfitOrder is a reduce-only limit closing the whole position at
// tp_distance from the average entry.
func TakeProfitOrder(cfg models.SymbolConfig, pos models.Position, info models.SymbolInformation) (models.DesiredOrder, bool) {
	if !pos.IsOpen() || cfg.TPDistance <= 0 || pos.EntryPrice <= 0 {
		return models.DesiredOrder{}, false
	}
	qty := models.RoundDownToStep(pos.Quantity, info.QtyStep)
	if qty <= 0 {
		return models.DesiredOrder{}, false
	}
	var price float64
	if cfg.PositionSide == models.Short {
		price = models.RoundToStep(pos.EntryPrice*(1-cfg.TPDistance), info.PriceStep)
	} else {
		price = models.RoundToStep(pos.EntryPrice*(1+cfg.TPDistance), info.PriceStep)
	}
	return models.DesiredOrder{
		Purpose:      models.PurposeTP,
		Symbol:       cfg.Symbol,
		Side:         cfg.PositionSide.ExitSide(),
		PositionSide: cfg.PositionSide,
		Type:         models.OrderTypeLimit,
		Price:        price,
		Quantity:     qty,
		ReduceOnly:   true,
		TimeInForce:  models.TimeInForceGTC,
	}, true
}

// StoplossOrder is a reduce-only stop-market at stoploss_distance against
// the average entry. It is not placed when the distance is 0.
func StoplossOrder(cfg models.SymbolConfig, pos models.Position, info models.SymbolInformation) (models.DesiredOrder, bool) {
	if !pos.IsOpen() || cfg.StoplossDistance <= 0 || pos.EntryPrice <= 0 {
		return models.DesiredOrder{}, false
	}
	qty := models.RoundDownToStep(pos.Quantity, info.QtyStep)
	if qty <= 0 {
		return models.DesiredOrder{}, false
	}
	var stop float64
	if cfg.PositionSide == models.Short {
		stop = models.RoundToStep(pos.EntryPrice*(1+cfg.StoplossDistance), info.PriceStep)
	} else {
		stop = models.RoundToStep(pos.EntryPrice*(1-cfg.StoplossDistance), info.PriceStep)
	}
	return models.DesiredOrder{
		Purpose:      models.PurposeStoploss,
		Symbol:       cfg.Symbol,
		Side:         cfg.PositionSide.ExitSide(),
		PositionSide: cfg.PositionSide,
		Type:         models.OrderTypeStopMarket,
		StopPrice:    stop,
		Quantity:     qty,
		ReduceOnly:   true,
	}, true
}
