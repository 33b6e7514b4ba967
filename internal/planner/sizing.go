package planner

import (
	"dca-grid-bot-go/internal/models"
	"math"

	"go.uber.org/zap"
)

// maxSkippedRungs bounds how many candidate rungs a multiplier ladder may
// skip for being below the exchange minimums.
const maxSkippedRungs = 64

// SizingInput carries everything a quantity ladder depends on.
type SizingInput struct {
	Symbol       string
	PositionSide models.PositionSide
	Anchor       float64
	Prices       []float64 // ordered away from the anchor
	Info         models.SymbolInformation
	Grid         models.GridConfig
	Seed         float64 // initial entry quantity
	PositionQty  float64 // open position; 0 means the ladder starts from Seed
	EntryPrice   float64 // average entry of PositionQty; 0 means Anchor
	Budget       float64 // wallet balance times exposure; 0 disables the check
}

func (in SizingInput) baseline() (qty, price float64) {
	qty, price = in.PositionQty, in.EntryPrice
	if qty <= 0 {
		qty = in.Seed
	}
	if price <= 0 {
		price = in.Anchor
	}
	return qty, price
}

// minimumFor is the smallest order the exchange accepts at price.
func minimumFor(price float64, info models.SymbolInformation) float64 {
	m := math.Max(info.MinQty, info.QtyStep)
	if info.MinCost > 0 && price > 0 {
		m = math.Max(m, models.RoundUpToStep(info.MinCost/price, info.QtyStep))
	}
	return m
}

// InitialEntryQuantity sizes the first entry from its quote cost, raised to
// the exchange minimum when needed.
func InitialEntryQuantity(cost, price float64, info models.SymbolInformation) float64 {
	if price <= 0 {
		return 0
	}
	qty := models.RoundDownToStep(cost/price, info.QtyStep)
	if floor := minimumFor(price, info); qty < floor {
		qty = models.RoundUpToStep(floor, info.QtyStep)
	}
	return qty
}

// Quantities builds the quantity ladder with the configured sizing policy.
func (p *Planner) Quantities(in SizingInput) []models.QuantityRecord {
	if len(in.Prices) == 0 {
		return nil
	}
	switch in.Grid.SizingPolicy() {
	case models.SizingRatioPower:
		return p.ratioPower(in)
	case models.SizingDCAMultiplier:
		return p.multiplier(in, in.Grid.DCAQuantityMultiplier, true)
	case models.SizingPreviousMultiple:
		return p.multiplier(in, in.Grid.PreviousQuantityMultiplier, false)
	case models.SizingDesiredDistance:
		return p.desiredDistance(in)
	}
	p.logger.Error("No single sizing policy configured",
		zap.String("symbol", in.Symbol),
		zap.Any("policies", in.Grid.SizingPolicies()))
	return nil
}

func (p *Planner) sizingLogger(in SizingInput) *zap.Logger {
	return p.logger.With(
		zap.String("symbol", in.Symbol),
		zap.String("position_side", string(in.PositionSide)),
		zap.String("sizing_policy", string(in.Grid.SizingPolicy())))
}

// ratioPower spreads max_size over the rungs as a geometric series with
// ratio (1+5^(ratio_power/2))/2, so ratio_power 1 yields the golden ratio.
func (p *Planner) ratioPower(in SizingInput) []models.QuantityRecord {
	log := p.sizingLogger(in)
	steps := len(in.Prices)
	ratio := (1 + math.Pow(5, in.Grid.RatioPower/2)) / 2

	maxSize := in.Grid.MaxSize
	if maxSize <= 0 {
		if in.Budget <= 0 {
			log.Warn("Insufficient funds for ratio power ladder",
				zap.Float64("budget", in.Budget))
			return nil
		}
		maxSize = in.Budget / in.Prices[steps-1]
	}
	first := maxSize * (1 - ratio) / (1 - math.Pow(ratio, float64(steps)))

	acc, _ := in.baseline()
	out := make([]models.QuantityRecord, 0, steps)
	for i := 0; i < steps; i++ {
		raw := first * math.Pow(ratio, float64(i))
		qty := models.RoundDownToStep(raw, in.Info.QtyStep)
		if in.Info.MaxQty > 0 && qty > in.Info.MaxQty {
			qty = models.RoundDownToStep(in.Info.MaxQty, in.Info.QtyStep)
		}
		price := in.Prices[len(out)]
		if floor := minimumFor(price, in.Info); qty <= 0 || qty < floor {
			log.Info("Skipping rung below exchange minimum",
				zap.Int("rung", i),
				zap.Float64("price", price),
				zap.Float64("quantity", qty),
				zap.Float64("minimum_quantity", floor))
			continue
		}
		acc += qty
		out = append(out, models.QuantityRecord{Quantity: qty, RawQuantity: raw, AccumulatedQuantity: acc})
	}
	if len(out) == 0 {
		log.Warn("Insufficient funds for even the first rung",
			zap.Float64("max_size", maxSize),
			zap.Float64("first_quantity", first),
			zap.Float64("deepest_price", in.Prices[steps-1]))
	}
	return out
}

// multiplier grows quantities geometrically from the seed. With accumulated
// set the multiplier applies to the running position total, otherwise to
// the previous rung. Rungs below the exchange minimum are skipped but still
// advance the progression.
func (p *Planner) multiplier(in SizingInput, m float64, accumulated bool) []models.QuantityRecord {
	log := p.sizingLogger(in)
	target := len(in.Prices)
	if n := in.Grid.MinimumNumberDCAQuantities; n > 0 && n < target {
		target = n
	}

	baseQty, basePrice := in.baseline()
	seed := in.Seed
	if seed <= 0 {
		seed = baseQty
	}
	rawAcc := baseQty
	acc := baseQty
	cost := baseQty * basePrice

	out := make([]models.QuantityRecord, 0, target)
	for i := 0; len(out) < target && i < target+maxSkippedRungs; i++ {
		var raw float64
		if accumulated {
			next := rawAcc * m
			raw = next - rawAcc
			rawAcc = next
		} else {
			raw = seed * math.Pow(m, float64(i))
		}
		qty := models.RoundDownToStep(raw, in.Info.QtyStep)
		if in.Info.MaxQty > 0 && qty > in.Info.MaxQty {
			qty = models.RoundDownToStep(in.Info.MaxQty, in.Info.QtyStep)
		}
		price := in.Prices[len(out)]
		if floor := minimumFor(price, in.Info); qty <= 0 || qty < floor {
			log.Info("Skipping rung below exchange minimum",
				zap.Int("rung", i),
				zap.Float64("price", price),
				zap.Float64("quantity", qty),
				zap.Float64("minimum_quantity", floor),
				zap.Float64("minimum_cost", in.Info.MinCost))
			continue
		}
		if in.Grid.MaxSize > 0 && acc+qty > in.Grid.MaxSize {
			log.Info("Ladder reached max size",
				zap.Float64("accumulated_quantity", acc),
				zap.Float64("max_size", in.Grid.MaxSize),
				zap.Int("rungs", len(out)))
			break
		}
		if in.Budget > 0 && cost+qty*price > in.Budget {
			p.logBudget(log, in, len(out), cost+qty*price)
			break
		}
		acc += qty
		cost += qty * price
		out = append(out, models.QuantityRecord{Quantity: qty, RawQuantity: raw, AccumulatedQuantity: acc})
	}
	return out
}

// desiredDistance sizes each rung so that, once filled, the average entry
// sits desired_position_distance_after_dca away from the rung price. The
// resulting quantities are not monotonic.
func (p *Planner) desiredDistance(in SizingInput) []models.QuantityRecord {
	log := p.sizingLogger(in)
	d := in.Grid.DesiredPositionDistanceAfterDCA
	prices := in.Prices
	if n := in.Grid.MinimumNumberDCAQuantities; n > 0 && n < len(prices) {
		prices = prices[:n]
	}

	qtyPos, avg := in.baseline()
	cost := qtyPos * avg
	out := make([]models.QuantityRecord, 0, len(prices))
	for i, level := range prices {
		target := level * (1 + d)
		if in.PositionSide == models.Short {
			target = level * (1 - d)
		}
		var raw float64
		if beyond(in.PositionSide, avg, target) {
			raw = qtyPos * (avg - target) / (target - level)
		}
		qty := models.RoundDownToStep(raw, in.Info.QtyStep)
		if floor := minimumFor(level, in.Info); qty < floor {
			log.Debug("Clamping rung to exchange minimum",
				zap.Int("rung", i),
				zap.Float64("price", level),
				zap.Float64("quantity", qty),
				zap.Float64("minimum_quantity", floor))
			qty = models.RoundUpToStep(floor, in.Info.QtyStep)
		}
		if in.Info.MaxQty > 0 && qty > in.Info.MaxQty {
			qty = models.RoundDownToStep(in.Info.MaxQty, in.Info.QtyStep)
		}
		if in.Budget > 0 && cost+qty*level > in.Budget {
			p.logBudget(log, in, len(out), cost+qty*level)
			break
		}
		avg = (qtyPos*avg + qty*level) / (qtyPos + qty)
		qtyPos += qty
		cost += qty * level
		out = append(out, models.QuantityRecord{Quantity: qty, RawQuantity: raw, AccumulatedQuantity: qtyPos})
	}
	return out
}

func (p *Planner) logBudget(log *zap.Logger, in SizingInput, rungs int, required float64) {
	if rungs == 0 {
		log.Warn("Insufficient funds for even the first rung",
			zap.Float64("required_cost", required),
			zap.Float64("budget", in.Budget))
		return
	}
	log.Info("Ladder truncated by wallet exposure",
		zap.Int("rungs", rungs),
		zap.Float64("required_cost", required),
		zap.Float64("budget", in.Budget))
}
