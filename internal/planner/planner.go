// Package planner builds DCA grids: it asks the level provider for support
// and resistance prices, turns them into a price ladder, sizes every rung
// with one of the configured policies and persists the result.
package planner

import (
	"context"
	"dca-grid-bot-go/internal/config"
	"dca-grid-bot-go/internal/gridstore"
	"dca-grid-bot-go/internal/levels"
	"dca-grid-bot-go/internal/models"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Planner struct {
	levels levels.Provider
	store  gridstore.Store
	logger *zap.Logger
	now    func() time.Time
}

func New(provider levels.Provider, store gridstore.Store, logger *zap.Logger) *Planner {
	return &Planner{levels: provider, store: store, logger: logger, now: time.Now}
}

// Input is the market and account state a grid is built against.
type Input struct {
	Config        models.SymbolConfig
	AnchorPrice   float64
	Info          models.SymbolInformation
	WalletBalance float64
	PositionQty   float64 // open position, 0 when flat
	EntryPrice    float64 // average entry of the open position
}

func (in Input) budget() float64 {
	if in.WalletBalance <= 0 || in.Config.WalletExposure <= 0 {
		return 0
	}
	return in.WalletBalance * in.Config.WalletExposure
}

func (in Input) sizing(prices []models.PriceLevel) SizingInput {
	return SizingInput{
		Symbol:       in.Config.Symbol,
		PositionSide: in.Config.PositionSide,
		Anchor:       in.AnchorPrice,
		Prices:       ladderPrices(prices),
		Info:         in.Info,
		Grid:         in.Config.Grid,
		Seed:         InitialEntryQuantity(in.Config.InitialEntryCost, in.AnchorPrice, in.Info),
		PositionQty:  in.PositionQty,
		EntryPrice:   in.EntryPrice,
		Budget:       in.budget(),
	}
}

// LevelRequest translates the grid configuration into a provider request.
func (p *Planner) LevelRequest(in Input) (levels.Request, error) {
	g := in.Config.Grid
	now := p.now()
	start, err := config.LookbackStart(now, g.Period, g.PeriodStartDate)
	if err != nil {
		return levels.Request{}, err
	}
	req := levels.Request{
		Symbol:       in.Config.Symbol,
		PositionSide: in.Config.PositionSide,
		Algorithm:    g.LevelAlgorithm,
		Timeframe:    g.PeriodTimeframe,
		Start:        start,
		AnchorPrice:  in.AnchorPrice,
		PriceStep:    in.Info.PriceStep,
		Outer: levels.OuterPrice{
			Fixed:       g.OuterPrice,
			Distance:    g.OuterPriceDistance,
			LevelNr:     g.OuterPriceLevelNr,
			Timeframe:   g.OuterPriceTimeframe,
			MinDistance: g.MinimumDistanceToOuterPrice,
			MaxDistance: g.MaximumDistanceFromOuterPrice,
		},
	}
	if g.OuterPricePeriod != "" {
		if req.Outer.Start, err = config.LookbackStart(now, g.OuterPricePeriod, ""); err != nil {
			return levels.Request{}, err
		}
	}
	return req, nil
}

// Build computes a fresh grid at the anchor price and stores it. An empty
// snapshot with a nil error means no grid this cycle (no level found,
// insufficient levels or funds); the reason has been logged.
func (p *Planner) Build(ctx context.Context, in Input) (models.GridSnapshot, error) {
	symbol, side := in.Config.Symbol, in.Config.PositionSide
	empty := models.GridSnapshot{Symbol: symbol, PositionSide: side}
	log := p.logger.With(zap.String("symbol", symbol), zap.String("position_side", string(side)))

	req, err := p.LevelRequest(in)
	if err != nil {
		return empty, err
	}
	res, err := p.levels.Levels(ctx, req)
	if err != nil {
		return empty, fmt.Errorf("levels %s/%s: %w", symbol, side, err)
	}
	if !res.Found {
		log.Info("No level found, skipping grid this cycle",
			zap.Float64("anchor_price", in.AnchorPrice),
			zap.String("reason", res.Reason))
		return empty, nil
	}

	prices := p.PriceLadder(side, in.AnchorPrice, res, in.Info, in.Config.Grid)
	if len(prices) == 0 {
		return empty, nil
	}
	quantities := p.Quantities(in.sizing(prices))
	if len(quantities) == 0 {
		log.Warn("No quantities for grid, skipping this cycle",
			zap.Float64("anchor_price", in.AnchorPrice),
			zap.Float64("wallet_balance", in.WalletBalance),
			zap.Float64s("prices", ladderPrices(prices)))
		return empty, nil
	}

	snap := models.GridSnapshot{
		Symbol:       symbol,
		PositionSide: side,
		RootPrice:    in.AnchorPrice,
		Prices:       prices,
		Quantities:   quantities,
		UpdatedAt:    p.now(),
	}
	if err := gridstore.Save(ctx, p.store, snap); err != nil {
		return empty, err
	}
	log.Info("Grid built",
		zap.Float64("root_price", snap.RootPrice),
		zap.Int("rungs", snap.Rungs()),
		zap.Float64s("prices", ladderPrices(prices)),
		zap.Float64s("quantities", quantityValues(quantities)))
	return snap, nil
}

// RefillQuantities re-derives the quantity ladder from the current position
// over the stored prices, leaving the prices untouched. Without stored
// prices it falls back to Build.
func (p *Planner) RefillQuantities(ctx context.Context, in Input) (models.GridSnapshot, error) {
	symbol, side := in.Config.Symbol, in.Config.PositionSide
	snap, err := gridstore.Load(ctx, p.store, symbol, side)
	if err != nil {
		return snap, err
	}
	if len(snap.Prices) == 0 {
		return p.Build(ctx, in)
	}
	quantities := p.Quantities(in.sizing(snap.Prices))
	if err := p.store.StoreQuantities(ctx, symbol, side, quantities); err != nil {
		return snap, fmt.Errorf("store quantities %s/%s: %w", symbol, side, err)
	}
	snap.Quantities = quantities
	p.logger.Info("Grid quantities refilled",
		zap.String("symbol", symbol),
		zap.String("position_side", string(side)),
		zap.Float64("position_qty", in.PositionQty),
		zap.Float64s("quantities", quantityValues(quantities)))
	return snap, nil
}

// Load returns the stored grid.
func (p *Planner) Load(ctx context.Context, symbol string, side models.PositionSide) (models.GridSnapshot, error) {
	return gridstore.Load(ctx, p.store, symbol, side)
}

// IsCorrectlyFilled reports whether a usable grid is stored.
func (p *Planner) IsCorrectlyFilled(ctx context.Context, symbol string, side models.PositionSide) (bool, error) {
	return gridstore.IsCorrectlyFilledFor(ctx, p.store, symbol, side)
}

// Reset erases the stored grid.
func (p *Planner) Reset(ctx context.Context, symbol string, side models.PositionSide) error {
	return p.store.Reset(ctx, symbol, side)
}

func quantityValues(q []models.QuantityRecord) []float64 {
	out := make([]float64, len(q))
	for i, r := range q {
		out[i] = r.Quantity
	}
	return out
}
