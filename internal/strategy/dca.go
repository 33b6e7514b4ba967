// Package strategy implements the DCA grid strategy: it reacts to routed
// triggers by building grids with the planner and enforcing the entry, DCA,
// take-profit and stop-loss orders with the reconciler.
package strategy

import (
	"context"
	"dca-grid-bot-go/internal/dispatcher"
	"dca-grid-bot-go/internal/exchange"
	"dca-grid-bot-go/internal/metrics"
	"dca-grid-bot-go/internal/models"
	"dca-grid-bot-go/internal/planner"
	"dca-grid-bot-go/internal/reconcile"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ModeSetter switches the mode of a key. The dispatcher implements it.
type ModeSetter interface {
	SetMode(symbol string, side models.PositionSide, mode models.Mode) error
}

// DCA is the grid strategy for every configured (symbol, position side).
type DCA struct {
	dispatcher.BaseStrategy

	configs    map[dispatcher.Key]models.SymbolConfig
	exchange   exchange.Exchange
	planner    *planner.Planner
	reconciler *reconcile.Reconciler
	modes      ModeSetter
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewDCA(configs []models.SymbolConfig, ex exchange.Exchange, p *planner.Planner, r *reconcile.Reconciler, logger *zap.Logger, m *metrics.Metrics) *DCA {
	byKey := make(map[dispatcher.Key]models.SymbolConfig, len(configs))
	for _, c := range configs {
		byKey[dispatcher.Key{Symbol: c.Symbol, PositionSide: c.PositionSide}] = c
	}
	return &DCA{
		configs:    byKey,
		exchange:   ex,
		planner:    p,
		reconciler: r,
		logger:     logger,
		metrics:    m,
	}
}

// SetModeSetter binds the mode mutator used after a stop-loss fill.
func (s *DCA) SetModeSetter(m ModeSetter) {
	s.modes = m
}

// Config returns the configuration of a key.
func (s *DCA) Config(symbol string, side models.PositionSide) (models.SymbolConfig, bool) {
	c, ok := s.configs[dispatcher.Key{Symbol: symbol, PositionSide: side}]
	return c, ok
}

func (s *DCA) config(ev dispatcher.Event) (models.SymbolConfig, error) {
	c, ok := s.Config(ev.Symbol, ev.PositionSide)
	if !ok {
		return c, fmt.Errorf("no configuration for %s/%s", ev.Symbol, ev.PositionSide)
	}
	return c, nil
}

func (s *DCA) log(ev dispatcher.Event) *zap.Logger {
	return s.logger.With(
		zap.String("symbol", ev.Symbol),
		zap.String("position_side", string(ev.PositionSide)),
		zap.String("trigger", string(ev.Trigger)),
		zap.String("mode", string(ev.Mode)))
}

// market is the exchange state one callback works against.
type market struct {
	price    float64
	info     models.SymbolInformation
	balance  float64
	position models.Position
}

func (s *DCA) market(ctx context.Context, cfg models.SymbolConfig) (market, error) {
	var (
		m   market
		err error
	)
	if m.price, err = s.exchange.Price(ctx, cfg.Symbol); err != nil {
		return m, fmt.Errorf("price: %w", err)
	}
	if m.info, err = s.exchange.SymbolInformation(ctx, cfg.Symbol); err != nil {
		return m, fmt.Errorf("symbol information: %w", err)
	}
	if m.balance, err = s.exchange.SymbolBalance(ctx, cfg.Symbol); err != nil {
		return m, fmt.Errorf("balance: %w", err)
	}
	if m.position, err = s.exchange.Position(ctx, cfg.Symbol, cfg.PositionSide); err != nil {
		return m, fmt.Errorf("position: %w", err)
	}
	return m, nil
}

func (m market) plannerInput(cfg models.SymbolConfig) planner.Input {
	return planner.Input{
		Config:        cfg,
		AnchorPrice:   m.price,
		Info:          m.info,
		WalletBalance: m.balance,
		PositionQty:   m.position.Quantity,
		EntryPrice:    m.position.EntryPrice,
	}
}

// manage brings every order purpose of a key in line with the current
// position and mode.
func (s *DCA) manage(ctx context.Context, ev dispatcher.Event) error {
	cfg, err := s.config(ev)
	if err != nil {
		return err
	}
	m, err := s.market(ctx, cfg)
	if err != nil {
		return err
	}
	if !m.position.IsOpen() {
		return s.flat(ctx, ev, cfg, m)
	}
	return s.inPosition(ctx, ev, cfg, m)
}

// flat clears exit orders and, in NORMAL mode, places the initial entry.
func (s *DCA) flat(ctx context.Context, ev dispatcher.Event, cfg models.SymbolConfig, m market) error {
	for _, purpose := range []models.OrderPurpose{models.PurposeDCA, models.PurposeTP, models.PurposeStoploss} {
		if err := s.enforce(ctx, cfg, purpose, nil, reconcile.Options{}); err != nil {
			return err
		}
	}
	if ev.Mode != models.ModeNormal {
		return s.enforce(ctx, cfg, models.PurposeInitialEntry, nil, reconcile.Options{})
	}
	return s.enter(ctx, ev, cfg, m)
}

// enter builds a fresh grid at the current price and places the initial
// entry, either at market or as a limit at the first rung.
func (s *DCA) enter(ctx context.Context, ev dispatcher.Event, cfg models.SymbolConfig, m market) error {
	log := s.log(ev)
	snap, err := s.planner.Build(ctx, m.plannerInput(cfg))
	if err != nil {
		return fmt.Errorf("build grid: %w", err)
	}
	if !snap.IsInitialized() {
		return s.enforce(ctx, cfg, models.PurposeInitialEntry, nil, reconcile.Options{})
	}
	s.metrics.GridRungs(cfg.Symbol, cfg.PositionSide, snap.Rungs())

	entry := models.DesiredOrder{
		Purpose:      models.PurposeInitialEntry,
		Symbol:       cfg.Symbol,
		Side:         cfg.PositionSide.EntrySide(),
		PositionSide: cfg.PositionSide,
		Type:         models.OrderTypeMarket,
	}
	price := m.price
	if cfg.EntryOrderType == models.OrderTypeLimit {
		price = snap.Prices[0].Price
		entry.Type = models.OrderTypeLimit
		entry.Price = price
		entry.TimeInForce = models.TimeInForceGTX
	}
	entry.Quantity = planner.InitialEntryQuantity(cfg.InitialEntryCost, price, m.info)
	if entry.Quantity <= 0 {
		log.Warn("Initial entry quantity is zero, not entering",
			zap.Float64("initial_entry_cost", cfg.InitialEntryCost),
			zap.Float64("price", price))
		return nil
	}
	if cost := entry.Quantity * price; m.balance > 0 && cost > m.balance*float64(max(cfg.Leverage, 1)) {
		log.Warn("Insufficient funds for initial entry",
			zap.Float64("cost", cost),
			zap.Float64("wallet_balance", m.balance),
			zap.Int("leverage", cfg.Leverage))
		return nil
	}

	out, err := s.reconciler.Reconcile(ctx, cfg.Symbol, cfg.PositionSide, models.PurposeInitialEntry,
		[]models.DesiredOrder{entry}, reconcile.Options{PropagateCreateErrors: entry.Type == models.OrderTypeLimit})
	if errors.Is(err, exchange.ErrPriceAlreadyPassed) {
		log.Info("Initial entry price already passed, retrying next cycle", zap.Float64("price", entry.Price))
		return nil
	}
	if err != nil {
		return err
	}
	if out.Changed {
		log.Info("Initial entry placed", zap.Stringer("order", entry))
	}
	return nil
}

// inPosition manages DCA, take-profit and stop-loss orders of an open
// position.
func (s *DCA) inPosition(ctx context.Context, ev dispatcher.Event, cfg models.SymbolConfig, m market) error {
	if err := s.enforce(ctx, cfg, models.PurposeInitialEntry, nil, reconcile.Options{}); err != nil {
		return err
	}

	dcaOrders := []models.DesiredOrder(nil)
	if ev.Mode == models.ModeNormal {
		snap, err := s.ensureGrid(ctx, ev, cfg, m)
		if err != nil {
			return err
		}
		dcaOrders = DCAOrders(cfg, snap, m.position, m.info)
	}
	side := cfg.PositionSide
	if err := s.enforce(ctx, cfg, models.PurposeDCA, dcaOrders, reconcile.Options{LowestPriceFirst: side == models.Short}); err != nil {
		return err
	}
	if err := s.enforceExits(ctx, cfg, m); err != nil {
		return err
	}
	return nil
}

// enforceExits reconciles take-profit (cancel before create) and stop-loss
// (create before cancel) orders for the position.
func (s *DCA) enforceExits(ctx context.Context, cfg models.SymbolConfig, m market) error {
	var tp, sl []models.DesiredOrder
	if o, ok := TakeProfitOrder(cfg, m.position, m.info); ok {
		tp = append(tp, o)
	}
	if o, ok := StoplossOrder(cfg, m.position, m.info); ok {
		sl = append(sl, o)
	}
	if err := s.enforce(ctx, cfg, models.PurposeTP, tp, reconcile.Options{}); err != nil {
		return err
	}
	return s.enforce(ctx, cfg, models.PurposeStoploss, sl, reconcile.Options{CreateBeforeCancel: true})
}

// ensureGrid returns the stored grid, rebuilding it when a position exists
// but no usable grid is stored.
func (s *DCA) ensureGrid(ctx context.Context, ev dispatcher.Event, cfg models.SymbolConfig, m market) (models.GridSnapshot, error) {
	ok, err := s.planner.IsCorrectlyFilled(ctx, cfg.Symbol, cfg.PositionSide)
	if err != nil {
		return models.GridSnapshot{}, err
	}
	if ok {
		return s.planner.Load(ctx, cfg.Symbol, cfg.PositionSide)
	}
	s.log(ev).Warn("Open position without a grid, rebuilding",
		zap.Float64("position_qty", m.position.Quantity),
		zap.Float64("entry_price", m.position.EntryPrice),
		zap.Float64("price", m.price))
	snap, err := s.planner.Build(ctx, m.plannerInput(cfg))
	if err != nil {
		return snap, fmt.Errorf("rebuild grid: %w", err)
	}
	s.metrics.GridRungs(cfg.Symbol, cfg.PositionSide, snap.Rungs())
	return snap, nil
}

func (s *DCA) enforce(ctx context.Context, cfg models.SymbolConfig, purpose models.OrderPurpose, desired []models.DesiredOrder, opts reconcile.Options) error {
	_, err := s.reconciler.Reconcile(ctx, cfg.Symbol, cfg.PositionSide, purpose, desired, opts)
	return err
}

// cancelAll cancels every open order of a key.
func (s *DCA) cancelAll(ctx context.Context, cfg models.SymbolConfig) error {
	for _, purpose := range []models.OrderPurpose{
		models.PurposeInitialEntry, models.PurposeDCA, models.PurposeTP, models.PurposeStoploss,
		models.PurposeTPRefill, models.PurposeWiggle,
	} {
		if err := s.enforce(ctx, cfg, purpose, nil, reconcile.Options{}); err != nil {
			return err
		}
	}
	return nil
}
