package strategy

import (
	"context"
	"dca-grid-bot-go/internal/dispatcher"
	"dca-grid-bot-go/internal/models"
	"dca-grid-bot-go/internal/reconcile"

	"go.uber.org/zap"
)

func (s *DCA) OnStrategyActivated(ctx context.Context, ev dispatcher.Event) error {
	return s.manage(ctx, ev)
}

// OnOpenPositionOnStartup resumes with the stored grid table; manage only
// rebuilds when nothing usable is stored.
func (s *DCA) OnOpenPositionOnStartup(ctx context.Context, ev dispatcher.Event) error {
	ok, err := s.planner.IsCorrectlyFilled(ctx, ev.Symbol, ev.PositionSide)
	if err != nil {
		return err
	}
	s.log(ev).Info("Resuming open position", zap.Bool("stored_grid", ok))
	return s.manage(ctx, ev)
}

func (s *DCA) OnNoPositionOnStartup(ctx context.Context, ev dispatcher.Event) error {
	return s.manage(ctx, ev)
}

func (s *DCA) OnModeChanged(ctx context.Context, ev dispatcher.Event) error {
	return s.manage(ctx, ev)
}

// OnStoplossFilled erases the grid, cancels what is left and switches to the
// configured mode after a stop-loss.
func (s *DCA) OnStoplossFilled(ctx context.Context, ev dispatcher.Event) error {
	cfg, err := s.config(ev)
	if err != nil {
		return err
	}
	log := s.log(ev)
	if ev.Fill != nil {
		log.Warn("Stop-loss filled", zap.Float64("price", ev.Fill.Price), zap.Float64("quantity", ev.Fill.Quantity))
	}
	if err := s.cancelAll(ctx, cfg); err != nil {
		return err
	}
	if err := s.planner.Reset(ctx, cfg.Symbol, cfg.PositionSide); err != nil {
		return err
	}
	next := cfg.ModeAfterStoploss
	if next == "" {
		next = models.ModeManual
	}
	if s.modes == nil {
		log.Error("No mode setter bound, staying in current mode", zap.String("wanted", string(next)))
		return nil
	}
	return s.modes.SetMode(cfg.Symbol, cfg.PositionSide, next)
}

// OnPositionClosed erases the grid; the next cycle starts from scratch.
func (s *DCA) OnPositionClosed(ctx context.Context, ev dispatcher.Event) error {
	if err := s.planner.Reset(ctx, ev.Symbol, ev.PositionSide); err != nil {
		return err
	}
	s.log(ev).Info("Position closed, grid erased")
	if ev.Mode.IsCancelOnly() {
		return nil
	}
	return s.manage(ctx, ev)
}

func (s *DCA) OnInitialEntryFilled(ctx context.Context, ev dispatcher.Event) error {
	return s.manage(ctx, ev)
}

func (s *DCA) OnDCAOrderFilled(ctx context.Context, ev dispatcher.Event) error {
	return s.manage(ctx, ev)
}

func (s *DCA) OnEntryFilled(ctx context.Context, ev dispatcher.Event) error {
	return s.manage(ctx, ev)
}

func (s *DCA) OnPositionChange(ctx context.Context, ev dispatcher.Event) error {
	return s.manage(ctx, ev)
}

func (s *DCA) OnTPOrderFilled(ctx context.Context, ev dispatcher.Event) error {
	return s.afterReduce(ctx, ev)
}

// OnTPRefillFilled re-derives the quantity ladder for the reduced position
// over the stored prices.
func (s *DCA) OnTPRefillFilled(ctx context.Context, ev dispatcher.Event) error {
	cfg, err := s.config(ev)
	if err != nil {
		return err
	}
	m, err := s.market(ctx, cfg)
	if err != nil {
		return err
	}
	if !m.position.IsOpen() {
		return s.afterReduce(ctx, ev)
	}
	if _, err := s.planner.RefillQuantities(ctx, m.plannerInput(cfg)); err != nil {
		return err
	}
	return s.inPosition(ctx, ev, cfg, m)
}

func (s *DCA) OnReduceFilled(ctx context.Context, ev dispatcher.Event) error {
	return s.afterReduce(ctx, ev)
}

func (s *DCA) OnPositionReduced(ctx context.Context, ev dispatcher.Event) error {
	return s.afterReduce(ctx, ev)
}

func (s *DCA) OnWiggleIncreaseFilled(ctx context.Context, ev dispatcher.Event) error {
	return s.manage(ctx, ev)
}

func (s *DCA) OnWiggleDecreaseFilled(ctx context.Context, ev dispatcher.Event) error {
	return s.afterReduce(ctx, ev)
}

func (s *DCA) OnUnknownOrderFilled(ctx context.Context, ev dispatcher.Event) error {
	if ev.Fill != nil {
		s.log(ev).Warn("Fill of an order not placed by this bot",
			zap.String("client_order_id", ev.Fill.ClientOrderID),
			zap.Float64("price", ev.Fill.Price),
			zap.Float64("quantity", ev.Fill.Quantity))
	}
	return s.manage(ctx, ev)
}

func (s *DCA) OnOrderCancelled(ctx context.Context, ev dispatcher.Event) error {
	return s.manage(ctx, ev)
}

func (s *DCA) OnWalletChanged(ctx context.Context, ev dispatcher.Event) error {
	return s.manage(ctx, ev)
}

func (s *DCA) OnNoOpenPosition(ctx context.Context, ev dispatcher.Event) error {
	return s.manage(ctx, ev)
}

// OnManualPlaceGrid rebuilds the grid at the current price and enforces it.
func (s *DCA) OnManualPlaceGrid(ctx context.Context, ev dispatcher.Event) error {
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
	snap, err := s.planner.Build(ctx, m.plannerInput(cfg))
	if err != nil {
		return err
	}
	s.metrics.GridRungs(cfg.Symbol, cfg.PositionSide, snap.Rungs())
	return s.inPosition(ctx, ev, cfg, m)
}

// OnManualRemoveGrid cancels the DCA orders and erases the stored grid.
func (s *DCA) OnManualRemoveGrid(ctx context.Context, ev dispatcher.Event) error {
	cfg, err := s.config(ev)
	if err != nil {
		return err
	}
	if err := s.enforce(ctx, cfg, models.PurposeDCA, nil, reconcile.Options{}); err != nil {
		return err
	}
	s.metrics.GridRungs(cfg.Symbol, cfg.PositionSide, 0)
	return s.planner.Reset(ctx, cfg.Symbol, cfg.PositionSide)
}

func (s *DCA) OnNewData(ctx context.Context, ev dispatcher.Event) error {
	return s.manage(ctx, ev)
}

func (s *DCA) OnPeriodicCheck(ctx context.Context, ev dispatcher.Event) error {
	return s.manage(ctx, ev)
}

func (s *DCA) OnPulse(ctx context.Context, ev dispatcher.Event) error {
	return s.manage(ctx, ev)
}

// OnCancelOnly runs once per batch in cancel-only modes. GRACEFUL_STOP keeps
// protecting an open position; the other modes cancel everything.
func (s *DCA) OnCancelOnly(ctx context.Context, ev dispatcher.Event) error {
	cfg, err := s.config(ev)
	if err != nil {
		return err
	}
	if ev.Mode != models.ModeGracefulStop {
		return s.cancelAll(ctx, cfg)
	}
	for _, purpose := range []models.OrderPurpose{models.PurposeInitialEntry, models.PurposeDCA} {
		if err := s.enforce(ctx, cfg, purpose, nil, reconcile.Options{}); err != nil {
			return err
		}
	}
	m, err := s.market(ctx, cfg)
	if err != nil {
		return err
	}
	return s.enforceExits(ctx, cfg, m)
}

func (s *DCA) OnShutdown(_ context.Context, ev dispatcher.Event) error {
	s.log(ev).Info("Strategy stopped, open orders are left in place")
	return nil
}

// afterReduce starts over when the position is gone and otherwise resizes
// the exits.
func (s *DCA) afterReduce(ctx context.Context, ev dispatcher.Event) error {
	cfg, err := s.config(ev)
	if err != nil {
		return err
	}
	pos, err := s.exchange.Position(ctx, cfg.Symbol, cfg.PositionSide)
	if err != nil {
		return err
	}
	if !pos.IsOpen() {
		return s.OnPositionClosed(ctx, ev)
	}
	return s.manage(ctx, ev)
}
