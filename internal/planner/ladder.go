package planner

import (
	"dca-grid-bot-go/internal/levels"
	"dca-grid-bot-go/internal/models"
	"math"

	"go.uber.org/zap"
)

// beyond reports whether price lies on the DCA side of anchor.
func beyond(side models.PositionSide, anchor, price float64) bool {
	if side == models.Short {
		return price > anchor
	}
	return price < anchor
}

// PriceLadder turns provider levels into the ordered DCA price ladder. LONG
// ladders descend below the anchor, SHORT ladders ascend above it. An empty
// result means no grid this cycle; the reason has already been logged.
func (p *Planner) PriceLadder(side models.PositionSide, anchor float64, res levels.Result, info models.SymbolInformation, grid models.GridConfig) []models.PriceLevel {
	log := p.logger.With(zap.String("symbol", info.Symbol), zap.String("position_side", string(side)), zap.Float64("anchor_price", anchor))

	primary, secondary := res.Supports, res.Resistances
	if side == models.Short {
		primary, secondary = res.Resistances, res.Supports
	}

	var raw []float64
	for _, price := range primary {
		if beyond(side, anchor, price) {
			raw = append(raw, price)
		}
	}
	for _, price := range secondary {
		if !beyond(side, anchor, price) || overlaps(price, raw, grid.Overlap) {
			continue
		}
		raw = append(raw, price)
	}

	seen := make(map[float64]bool, len(raw))
	ladder := make([]models.PriceLevel, 0, len(raw))
	for _, price := range raw {
		rounded := models.RoundToStep(price, info.PriceStep)
		if !info.PriceInBounds(rounded) || !beyond(side, anchor, rounded) || seen[rounded] {
			continue
		}
		seen[rounded] = true
		ladder = append(ladder, models.PriceLevel{PositionSide: side, Price: rounded})
	}
	ladder = models.SortPrices(side, ladder)

	if grid.MinimumDistanceBetweenLevels > 0 {
		ladder = enforceMinimumDistance(ladder, grid.MinimumDistanceBetweenLevels)
	}

	if grid.NrClusters > 0 && len(ladder) < grid.NrClusters {
		if !grid.OverrideInsufficientLevelsAvailable {
			log.Warn("Insufficient levels available, entry denied",
				zap.Int("levels_found", len(ladder)),
				zap.Int("nr_clusters", grid.NrClusters),
				zap.Float64s("levels", ladderPrices(ladder)))
			return nil
		}
		log.Info("Insufficient levels available, continuing by override",
			zap.Int("levels_found", len(ladder)),
			zap.Int("nr_clusters", grid.NrClusters))
	}
	if len(ladder) == 0 {
		log.Info("No usable price levels beyond anchor",
			zap.Float64s("supports", res.Supports),
			zap.Float64s("resistances", res.Resistances))
	}
	return ladder
}

// overlaps reports whether price is within tolerance (a fraction) of any
// existing level.
func overlaps(price float64, existing []float64, tolerance float64) bool {
	for _, e := range existing {
		if e == price || (tolerance > 0 && math.Abs(price-e)/e <= tolerance) {
			return true
		}
	}
	return false
}

// enforceMinimumDistance walks the sorted ladder and drops rungs closer than
// minDistance (a fraction) to the previously kept rung.
func enforceMinimumDistance(ladder []models.PriceLevel, minDistance float64) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(ladder))
	for _, l := range ladder {
		if len(out) > 0 {
			prev := out[len(out)-1].Price
			if math.Abs(l.Price-prev)/prev < minDistance {
				continue
			}
		}
		out = append(out, l)
	}
	return out
}

func ladderPrices(ladder []models.PriceLevel) []float64 {
	out := make([]float64, len(ladder))
	for i, l := range ladder {
		out[i] = l.Price
	}
	return out
}
