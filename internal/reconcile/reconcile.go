// Package reconcile makes the exchange's open orders for one (symbol, side,
// purpose) equal to a desired set with minimal churn.
//
// Orders are compared by effective price, quantity, side, position side and
// type. Calling Reconcile twice with the same desired set against the state
// left by the first call produces no exchange calls.
package reconcile

import (
	"context"
	"dca-grid-bot-go/internal/exchange"
	"dca-grid-bot-go/internal/metrics"
	"dca-grid-bot-go/internal/models"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// ErrCancelRace is returned when cancelling the only open initial entry
// failed; creating a new one could double the entry.
var ErrCancelRace = errors.New("cancel of initial entry failed, aborting to avoid duplicate entry")

// Options tune one reconcile call.
type Options struct {
	// CreateBeforeCancel places new orders before removing stale ones so a
	// position is never briefly unprotected.
	CreateBeforeCancel bool
	// LowestPriceFirst submits limit orders in ascending price order.
	LowestPriceFirst bool
	// PropagateCreateErrors returns price-passed and invalid-price create
	// errors instead of swallowing them.
	PropagateCreateErrors bool
}

// Outcome reports what a reconcile did.
type Outcome struct {
	Changed   bool
	Aborted   bool // initial entry requested while a position is already open
	Created   int
	Cancelled int
}

type Reconciler struct {
	executor exchange.OrderExecutor
	view     exchange.StateView
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(executor exchange.OrderExecutor, view exchange.StateView, logger *zap.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{executor: executor, view: view, logger: logger, metrics: m}
}

type orderKey string

func keyOf(o models.DesiredOrder) orderKey {
	return orderKey(fmt.Sprintf("%s|%s|%s|%s|%s",
		models.Normalize(o.EffectivePrice()), models.Normalize(o.Quantity), o.Side, o.PositionSide, o.Type))
}

// Diff splits observed and desired orders into what must be cancelled and
// what must be created. Observed duplicates beyond the desired count are
// cancelled.
func Diff(desired []models.DesiredOrder, observed []models.ObservedOrder) (toCancel []models.ObservedOrder, toCreate []models.DesiredOrder) {
	want := make(map[orderKey]int, len(desired))
	for _, d := range desired {
		want[keyOf(d)]++
	}
	for _, o := range observed {
		k := keyOf(o.DesiredOrder)
		if want[k] > 0 {
			want[k]--
			continue
		}
		toCancel = append(toCancel, o)
	}

	have := make(map[orderKey]int, len(observed))
	for _, o := range observed {
		have[keyOf(o.DesiredOrder)]++
	}
	for _, d := range desired {
		k := keyOf(d)
		if have[k] > 0 {
			have[k]--
			continue
		}
		toCreate = append(toCreate, d)
	}
	return toCancel, toCreate
}

// Reconcile enforces desired against the observed open orders of one
// (symbol, side, purpose).
func (r *Reconciler) Reconcile(ctx context.Context, symbol string, side models.PositionSide, purpose models.OrderPurpose, desired []models.DesiredOrder, opts Options) (Outcome, error) {
	log := r.logger.With(
		zap.String("symbol", symbol),
		zap.String("position_side", string(side)),
		zap.String("purpose", string(purpose)))

	observed, err := r.view.OpenOrders(ctx, symbol, side, purpose)
	if err != nil {
		r.metrics.Reconciled(symbol, side, purpose, "error")
		return Outcome{}, fmt.Errorf("open orders %s/%s %s: %w", symbol, side, purpose, err)
	}
	if len(desired) == 0 && len(observed) == 0 {
		r.metrics.Reconciled(symbol, side, purpose, "unchanged")
		return Outcome{}, nil
	}

	if hasInitialEntry(desired) {
		pos, err := r.view.Position(ctx, symbol, side)
		if err != nil {
			r.metrics.Reconciled(symbol, side, purpose, "error")
			return Outcome{}, fmt.Errorf("position %s/%s: %w", symbol, side, err)
		}
		if pos.IsOpen() {
			log.Info("Position already open, not placing initial entry",
				zap.Float64("position_qty", pos.Quantity),
				zap.Float64("entry_price", pos.EntryPrice))
			r.metrics.Reconciled(symbol, side, purpose, "aborted")
			return Outcome{Aborted: true}, nil
		}
	}

	toCancel, toCreate := Diff(desired, observed)
	if len(toCancel) == 0 && len(toCreate) == 0 {
		r.metrics.Reconciled(symbol, side, purpose, "unchanged")
		return Outcome{}, nil
	}

	var out Outcome
	if opts.CreateBeforeCancel {
		if err := r.create(ctx, log, symbol, side, purpose, toCreate, opts, &out); err != nil {
			return out, err
		}
		if err := r.cancel(ctx, log, symbol, side, purpose, toCancel, observed, &out); err != nil {
			return out, err
		}
	} else {
		if err := r.cancel(ctx, log, symbol, side, purpose, toCancel, observed, &out); err != nil {
			return out, err
		}
		if err := r.create(ctx, log, symbol, side, purpose, toCreate, opts, &out); err != nil {
			return out, err
		}
	}
	out.Changed = out.Created > 0 || out.Cancelled > 0
	if out.Changed {
		r.metrics.Reconciled(symbol, side, purpose, "changed")
	} else {
		r.metrics.Reconciled(symbol, side, purpose, "unchanged")
	}
	return out, nil
}

func (r *Reconciler) cancel(ctx context.Context, log *zap.Logger, symbol string, side models.PositionSide, purpose models.OrderPurpose, toCancel, observed []models.ObservedOrder, out *Outcome) error {
	if len(toCancel) == 0 {
		return nil
	}
	log.Info("Cancelling orders", zap.Int("count", len(toCancel)), zap.Stringers("orders", observedOrders(toCancel)))
	ok := r.executor.CancelOrders(ctx, toCancel)
	if !ok && soleInitialEntry(observed) {
		r.metrics.Reconciled(symbol, side, purpose, "cancel_race")
		return ErrCancelRace
	}
	cancelled := len(toCancel)
	if !ok {
		cancelled = r.countGone(ctx, symbol, side, purpose, toCancel)
		log.Warn("Some cancels failed, next reconcile retries", zap.Int("cancelled", cancelled))
	}
	out.Cancelled += cancelled
	r.metrics.OrdersCancelled(symbol, side, purpose, cancelled)
	return nil
}

// countGone counts the orders of toCancel no longer open after a partly
// failed cancel. An unreadable order book counts as nothing cancelled.
func (r *Reconciler) countGone(ctx context.Context, symbol string, side models.PositionSide, purpose models.OrderPurpose, toCancel []models.ObservedOrder) int {
	open, err := r.view.OpenOrders(ctx, symbol, side, purpose)
	if err != nil {
		return 0
	}
	still := make(map[int64]bool, len(open))
	for _, o := range open {
		still[o.OrderID] = true
	}
	gone := 0
	for _, o := range toCancel {
		if !still[o.OrderID] {
			gone++
		}
	}
	return gone
}

// failedCreates counts the orders rejected by a CreateOrders call. A joined
// error carries one entry per rejected order; any other error means the
// whole batch failed.
func failedCreates(err error, total int) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return min(len(joined.Unwrap()), total)
	}
	return total
}

func (r *Reconciler) create(ctx context.Context, log *zap.Logger, symbol string, side models.PositionSide, purpose models.OrderPurpose, toCreate []models.DesiredOrder, opts Options, out *Outcome) error {
	if len(toCreate) == 0 {
		return nil
	}
	ordered := CreationOrder(toCreate, opts.LowestPriceFirst)
	log.Info("Creating orders", zap.Int("count", len(ordered)), zap.Stringers("orders", desiredOrders(ordered)))
	err := r.executor.CreateOrders(ctx, ordered)
	created := len(ordered) - failedCreates(err, len(ordered))
	out.Created += created
	r.metrics.OrdersCreated(symbol, side, purpose, created)
	if err == nil {
		return nil
	}
	if !opts.PropagateCreateErrors && exchange.IsSwallowable(err) {
		log.Info("Ignoring create errors for passed or invalid prices", zap.Error(err))
		return nil
	}
	r.metrics.Reconciled(symbol, side, purpose, "error")
	return fmt.Errorf("create orders %s/%s %s: %w", symbol, side, purpose, err)
}

// CreationOrder returns limit and stop orders sorted by effective price,
// followed by market orders in their original order.
func CreationOrder(orders []models.DesiredOrder, lowestPriceFirst bool) []models.DesiredOrder {
	var priced, market []models.DesiredOrder
	for _, o := range orders {
		if o.Type == models.OrderTypeMarket {
			market = append(market, o)
			continue
		}
		priced = append(priced, o)
	}
	sort.SliceStable(priced, func(i, j int) bool {
		if lowestPriceFirst {
			return priced[i].EffectivePrice() < priced[j].EffectivePrice()
		}
		return priced[i].EffectivePrice() > priced[j].EffectivePrice()
	})
	return append(priced, market...)
}

func hasInitialEntry(orders []models.DesiredOrder) bool {
	for _, o := range orders {
		if o.Purpose == models.PurposeInitialEntry {
			return true
		}
	}
	return false
}

func soleInitialEntry(observed []models.ObservedOrder) bool {
	n := 0
	for _, o := range observed {
		if o.Purpose == models.PurposeInitialEntry {
			n++
		}
	}
	return n == 1
}

func desiredOrders(orders []models.DesiredOrder) []fmt.Stringer {
	out := make([]fmt.Stringer, len(orders))
	for i, o := range orders {
		out[i] = o
	}
	return out
}

func observedOrders(orders []models.ObservedOrder) []fmt.Stringer {
	out := make([]fmt.Stringer, len(orders))
	for i, o := range orders {
		out[i] = o.DesiredOrder
	}
	return out
}
