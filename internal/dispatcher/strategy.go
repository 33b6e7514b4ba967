package dispatcher

import (
	"context"
	"dca-grid-bot-go/internal/models"
	"time"
)

// Event is one trigger for a (symbol, position side). Mode is filled in by
// the dispatcher with the mode active when the event is processed.
type Event struct {
	Symbol       string
	PositionSide models.PositionSide
	Trigger      models.Trigger
	Mode         models.Mode
	Fill         *models.Fill
	Time         time.Time
}

// Strategy receives routed triggers. Each trigger maps to exactly one
// callback. OnCancelOnly runs once per batch while the key is in a
// cancel-only mode.
type Strategy interface {
	OnStrategyActivated(ctx context.Context, ev Event) error
	OnOpenPositionOnStartup(ctx context.Context, ev Event) error
	OnNoPositionOnStartup(ctx context.Context, ev Event) error
	OnModeChanged(ctx context.Context, ev Event) error
	OnStoplossFilled(ctx context.Context, ev Event) error
	OnPositionClosed(ctx context.Context, ev Event) error
	OnInitialEntryFilled(ctx context.Context, ev Event) error
	OnDCAOrderFilled(ctx context.Context, ev Event) error
	OnEntryFilled(ctx context.Context, ev Event) error
	OnPositionChange(ctx context.Context, ev Event) error
	OnTPOrderFilled(ctx context.Context, ev Event) error
	OnTPRefillFilled(ctx context.Context, ev Event) error
	OnReduceFilled(ctx context.Context, ev Event) error
	OnPositionReduced(ctx context.Context, ev Event) error
	OnWiggleIncreaseFilled(ctx context.Context, ev Event) error
	OnWiggleDecreaseFilled(ctx context.Context, ev Event) error
	OnUnknownOrderFilled(ctx context.Context, ev Event) error
	OnOrderCancelled(ctx context.Context, ev Event) error
	OnWalletChanged(ctx context.Context, ev Event) error
	OnNoOpenPosition(ctx context.Context, ev Event) error
	OnManualPlaceGrid(ctx context.Context, ev Event) error
	OnManualRemoveGrid(ctx context.Context, ev Event) error
	OnNewData(ctx context.Context, ev Event) error
	OnOrderbookUpdated(ctx context.Context, ev Event) error
	OnPeriodicCheck(ctx context.Context, ev Event) error
	OnPulse(ctx context.Context, ev Event) error

	OnCancelOnly(ctx context.Context, ev Event) error
	OnShutdown(ctx context.Context, ev Event) error
}

// BaseStrategy implements every callback as a no-op. Embed it and override
// the callbacks a strategy reacts to.
type BaseStrategy struct{}

func (BaseStrategy) OnStrategyActivated(context.Context, Event) error     { return nil }
func (BaseStrategy) OnOpenPositionOnStartup(context.Context, Event) error { return nil }
func (BaseStrategy) OnNoPositionOnStartup(context.Context, Event) error   { return nil }
func (BaseStrategy) OnModeChanged(context.Context, Event) error           { return nil }
func (BaseStrategy) OnStoplossFilled(context.Context, Event) error        { return nil }
func (BaseStrategy) OnPositionClosed(context.Context, Event) error        { return nil }
func (BaseStrategy) OnInitialEntryFilled(context.Context, Event) error    { return nil }
func (BaseStrategy) OnDCAOrderFilled(context.Context, Event) error        { return nil }
func (BaseStrategy) OnEntryFilled(context.Context, Event) error           { return nil }
func (BaseStrategy) OnPositionChange(context.Context, Event) error        { return nil }
func (BaseStrategy) OnTPOrderFilled(context.Context, Event) error         { return nil }
func (BaseStrategy) OnTPRefillFilled(context.Context, Event) error        { return nil }
func (BaseStrategy) OnReduceFilled(context.Context, Event) error          { return nil }
func (BaseStrategy) OnPositionReduced(context.Context, Event) error       { return nil }
func (BaseStrategy) OnWiggleIncreaseFilled(context.Context, Event) error  { return nil }
func (BaseStrategy) OnWiggleDecreaseFilled(context.Context, Event) error  { return nil }
func (BaseStrategy) OnUnknownOrderFilled(context.Context, Event) error    { return nil }
func (BaseStrategy) OnOrderCancelled(context.Context, Event) error        { return nil }
func (BaseStrategy) OnWalletChanged(context.Context, Event) error         { return nil }
func (BaseStrategy) OnNoOpenPosition(context.Context, Event) error        { return nil }
func (BaseStrategy) OnManualPlaceGrid(context.Context, Event) error       { return nil }
func (BaseStrategy) OnManualRemoveGrid(context.Context, Event) error      { return nil }
func (BaseStrategy) OnNewData(context.Context, Event) error               { return nil }
func (BaseStrategy) OnOrderbookUpdated(context.Context, Event) error      { return nil }
func (BaseStrategy) OnPeriodicCheck(context.Context, Event) error         { return nil }
func (BaseStrategy) OnPulse(context.Context, Event) error                 { return nil }
func (BaseStrategy) OnCancelOnly(context.Context, Event) error            { return nil }
func (BaseStrategy) OnShutdown(context.Context, Event) error              { return nil }

type route struct {
	trigger models.Trigger
	call    func(Strategy, context.Context, Event) error
	// informational triggers are dropped while the key is in a
	// cancel-only mode
	informational bool
}

// routes is the fixed order in which callbacks run within one batch.
var routes = []route{
	{models.TriggerStrategyActivated, Strategy.OnStrategyActivated, true},
	{models.TriggerOpenPositionStartup, Strategy.OnOpenPositionOnStartup, true},
	{models.TriggerNoPositionStartup, Strategy.OnNoPositionOnStartup, true},
	{models.TriggerModeChanged, Strategy.OnModeChanged, true},
	{models.TriggerStoplossFilled, Strategy.OnStoplossFilled, true},
	{models.TriggerPositionClosed, Strategy.OnPositionClosed, false},
	{models.TriggerInitialEntryFilled, Strategy.OnInitialEntryFilled, true},
	{models.TriggerDCAOrderFilled, Strategy.OnDCAOrderFilled, true},
	{models.TriggerEntryFilled, Strategy.OnEntryFilled, true},
	{models.TriggerPositionChange, Strategy.OnPositionChange, true},
	{models.TriggerTPOrderFilled, Strategy.OnTPOrderFilled, true},
	{models.TriggerTPRefillFilled, Strategy.OnTPRefillFilled, true},
	{models.TriggerReduceFilled, Strategy.OnReduceFilled, true},
	{models.TriggerPositionReduced, Strategy.OnPositionReduced, true},
	{models.TriggerWiggleIncreaseFilled, Strategy.OnWiggleIncreaseFilled, true},
	{models.TriggerWiggleDecreaseFilled, Strategy.OnWiggleDecreaseFilled, true},
	{models.TriggerUnknownOrderFilled, Strategy.OnUnknownOrderFilled, true},
	{models.TriggerOrderCancelled, Strategy.OnOrderCancelled, true},
	{models.TriggerWalletChanged, Strategy.OnWalletChanged, true},
	{models.TriggerNoOpenPosition, Strategy.OnNoOpenPosition, true},
	{models.TriggerManualPlaceGrid, Strategy.OnManualPlaceGrid, true},
	{models.TriggerManualRemoveGrid, Strategy.OnManualRemoveGrid, false},
	{models.TriggerNewData, Strategy.OnNewData, true},
	{models.TriggerOrderbookUpdated, Strategy.OnOrderbookUpdated, true},
	{models.TriggerPeriodicCheck, Strategy.OnPeriodicCheck, true},
	{models.TriggerPulse, Strategy.OnPulse, true},
}

// suppressedBy lists triggers that make another trigger in the same batch
// redundant.
var suppressedBy = map[models.Trigger][]models.Trigger{
	models.TriggerPositionChange: {models.TriggerInitialEntryFilled, models.TriggerDCAOrderFilled, models.TriggerEntryFilled},
	models.TriggerPulse:          {models.TriggerPeriodicCheck},
}
