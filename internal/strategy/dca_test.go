package strategy

import (
	"context"
	"dca-grid-bot-go/internal/dispatcher"
	"dca-grid-bot-go/internal/exchange"
	"dca-grid-bot-go/internal/gridstore"
	"dca-grid-bot-go/internal/levels"
	"dca-grid-bot-go/internal/models"
	"dca-grid-bot-go/internal/persistence"
	"dca-grid-bot-go/internal/planner"
	"dca-grid-bot-go/internal/reconcile"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticProvider struct {
	result levels.Result
}

func (p staticProvider) Levels(context.Context, levels.Request) (levels.Result, error) {
	return p.result, nil
}

// countingExchange counts order calls made through the paper exchange.
type countingExchange struct {
	*exchange.PaperExchange
	mu      sync.Mutex
	creates int
	cancels int
}

func (c *countingExchange) CreateOrders(ctx context.Context, orders []models.DesiredOrder) error {
	c.mu.Lock()
	c.creates++
	c.mu.Unlock()
	return c.PaperExchange.CreateOrders(ctx, orders)
}

func (c *countingExchange) CancelOrders(ctx context.Context, orders []models.ObservedOrder) bool {
	c.mu.Lock()
	c.cancels++
	c.mu.Unlock()
	return c.PaperExchange.CancelOrders(ctx, orders)
}

func (c *countingExchange) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates + c.cancels
}

type modeRecorder struct {
	sync.Mutex
	modes []models.Mode
}

func (m *modeRecorder) SetMode(_ string, _ models.PositionSide, mode models.Mode) error {
	m.Lock()
	defer m.Unlock()
	m.modes = append(m.modes, mode)
	return nil
}

type testEnv struct {
	paper    *exchange.PaperExchange
	exchange *countingExchange
	store    gridstore.Store
	planner  *planner.Planner
	strategy *DCA
	modes    *modeRecorder
	cfg      models.SymbolConfig
}

func longConfig() models.SymbolConfig {
	return models.SymbolConfig{
		Symbol:            "BTCUSDT",
		PositionSide:      models.Long,
		Leverage:          1,
		InitialEntryCost:  100,
		EntryOrderType:    models.OrderTypeMarket,
		TPDistance:        0.01,
		StoplossDistance:  0.3,
		ModeAfterStoploss: models.ModeGracefulStop,
		Grid: models.GridConfig{
			LevelAlgorithm:        "pivots",
			Period:                "3d",
			PeriodTimeframe:       "1h",
			DCAQuantityMultiplier: 2,
		},
	}
}

func newTestEnv(t *testing.T, cfg models.SymbolConfig, res levels.Result) *testEnv {
	t.Helper()
	paper := exchange.NewPaperExchange(models.PaperConfig{
		InitialBalance: 10000, PriceStep: 0.1, QtyStep: 1, MinQty: 1,
	}, zap.NewNop())
	ex := &countingExchange{PaperExchange: paper}
	store := gridstore.NewMemoryStore()
	p := planner.New(staticProvider{result: res}, store, zap.NewNop())
	r := reconcile.New(ex, ex, zap.NewNop(), nil)
	s := NewDCA([]models.SymbolConfig{cfg}, ex, p, r, zap.NewNop(), nil)
	modes := &modeRecorder{}
	s.SetModeSetter(modes)
	return &testEnv{paper: paper, exchange: ex, store: store, planner: p, strategy: s, modes: modes, cfg: cfg}
}

func (e *testEnv) event(trigger models.Trigger, mode models.Mode) dispatcher.Event {
	return dispatcher.Event{Symbol: e.cfg.Symbol, PositionSide: e.cfg.PositionSide, Trigger: trigger, Mode: mode}
}

func (e *testEnv) open(t *testing.T, purpose models.OrderPurpose) []models.ObservedOrder {
	t.Helper()
	orders, err := e.paper.OpenOrders(context.Background(), e.cfg.Symbol, e.cfg.PositionSide, purpose)
	require.NoError(t, err)
	return orders
}

func (e *testEnv) position(t *testing.T) models.Position {
	t.Helper()
	pos, err := e.paper.Position(context.Background(), e.cfg.Symbol, e.cfg.PositionSide)
	require.NoError(t, err)
	return pos
}

func orderPrices(orders []models.ObservedOrder) []float64 {
	out := make([]float64, len(orders))
	for i, o := range orders {
		out[i] = o.EffectivePrice()
	}
	return out
}

func orderQuantities(orders []models.ObservedOrder) []float64 {
	out := make([]float64, len(orders))
	for i, o := range orders {
		out[i] = o.Quantity
	}
	return out
}

var longLevels = levels.Found([]float64{95, 90, 85}, []float64{105}, 0)

func TestDCA_LongCycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, longConfig(), longLevels)
	s := env.strategy
	env.paper.SetPrice("BTCUSDT", 100)

	// flat: grid is built and the market entry fills
	require.NoError(t, s.OnNoOpenPosition(ctx, env.event(models.TriggerNoOpenPosition, models.ModeNormal)))
	pos := env.position(t)
	assert.Equal(t, 1.0, pos.Quantity)
	assert.Equal(t, 100.0, pos.EntryPrice)
	ok, err := env.planner.IsCorrectlyFilled(ctx, "BTCUSDT", models.Long)
	require.NoError(t, err)
	assert.True(t, ok)

	// entry filled: DCA ladder, take-profit and stop-loss are placed
	require.NoError(t, s.OnInitialEntryFilled(ctx, env.event(models.TriggerInitialEntryFilled, models.ModeNormal)))
	dca := env.open(t, models.PurposeDCA)
	assert.Equal(t, []float64{95, 90, 85}, orderPrices(dca))
	assert.Equal(t, []float64{1, 2, 4}, orderQuantities(dca))
	tp := env.open(t, models.PurposeTP)
	require.Len(t, tp, 1)
	assert.Equal(t, 101.0, tp[0].Price)
	assert.True(t, tp[0].ReduceOnly)
	sl := env.open(t, models.PurposeStoploss)
	require.Len(t, sl, 1)
	assert.Equal(t, 70.0, sl[0].StopPrice)
	assert.Equal(t, models.OrderTypeStopMarket, sl[0].Type)

	// nothing changed: no exchange calls
	calls := env.exchange.calls()
	require.NoError(t, s.OnPulse(ctx, env.event(models.TriggerPulse, models.ModeNormal)))
	assert.Equal(t, calls, env.exchange.calls())

	// first DCA fills: exits follow the new average entry
	env.paper.SetPrice("BTCUSDT", 94)
	require.NoError(t, s.OnDCAOrderFilled(ctx, env.event(models.TriggerDCAOrderFilled, models.ModeNormal)))
	pos = env.position(t)
	assert.Equal(t, 2.0, pos.Quantity)
	assert.InDelta(t, 97.5, pos.EntryPrice, 1e-9)
	assert.Equal(t, []float64{90, 85}, orderPrices(env.open(t, models.PurposeDCA)))
	tp = env.open(t, models.PurposeTP)
	require.Len(t, tp, 1)
	assert.InDelta(t, 98.5, tp[0].Price, 1e-9)
	assert.Equal(t, 2.0, tp[0].Quantity)
	sl = env.open(t, models.PurposeStoploss)
	require.Len(t, sl, 1)
	assert.InDelta(t, 68.3, sl[0].StopPrice, 1e-9)

	// take-profit closes the position; a new cycle starts at the new price
	env.paper.SetPrice("BTCUSDT", 99)
	balance, err := env.paper.SymbolBalance(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 10002, balance, 1e-9)
	require.NoError(t, s.OnTPOrderFilled(ctx, env.event(models.TriggerTPOrderFilled, models.ModeNormal)))
	assert.Empty(t, env.open(t, models.PurposeDCA))
	assert.Empty(t, env.open(t, models.PurposeStoploss))
	pos = env.position(t)
	assert.Equal(t, 1.0, pos.Quantity)
	assert.Equal(t, 99.0, pos.EntryPrice)
	snap, err := env.planner.Load(ctx, "BTCUSDT", models.Long)
	require.NoError(t, err)
	assert.Equal(t, 99.0, snap.RootPrice)
}

func TestDCA_ShortLimitEntry(t *testing.T) {
	ctx := context.Background()
	cfg := longConfig()
	cfg.PositionSide = models.Short
	cfg.EntryOrderType = models.OrderTypeLimit
	env := newTestEnv(t, cfg, levels.Found([]float64{95}, []float64{105, 110, 115}, 0))
	env.paper.SetPrice("BTCUSDT", 100)

	require.NoError(t, env.strategy.OnNoOpenPosition(ctx, env.event(models.TriggerNoOpenPosition, models.ModeNormal)))
	entry := env.open(t, models.PurposeInitialEntry)
	require.Len(t, entry, 1)
	assert.Equal(t, 105.0, entry[0].Price)
	assert.Equal(t, models.Sell, entry[0].Side)
	assert.Equal(t, models.TimeInForceGTX, entry[0].TimeInForce)

	calls := env.exchange.calls()
	require.NoError(t, env.strategy.OnPulse(ctx, env.event(models.TriggerPulse, models.ModeNormal)))
	assert.Equal(t, calls, env.exchange.calls(), "unchanged entry is left alone")

	// entry fills: DCA rungs above the entry, ascending
	env.paper.SetPrice("BTCUSDT", 106)
	require.NoError(t, env.strategy.OnInitialEntryFilled(ctx, env.event(models.TriggerInitialEntryFilled, models.ModeNormal)))
	dca := env.open(t, models.PurposeDCA)
	assert.Equal(t, []float64{110, 115}, orderPrices(dca))
	for _, o := range dca {
		assert.Equal(t, models.Sell, o.Side)
	}
	tp := env.open(t, models.PurposeTP)
	require.Len(t, tp, 1)
	assert.Equal(t, models.Buy, tp[0].Side)
	assert.InDelta(t, 104.0, tp[0].Price, 1e-9)
}

func TestDCA_SelfHealsMissingGrid(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, longConfig(), longLevels)
	env.paper.SetPrice("BTCUSDT", 100)
	env.paper.SetPosition("BTCUSDT", models.Long, 1, 100)

	require.NoError(t, env.strategy.OnOpenPositionOnStartup(ctx, env.event(models.TriggerOpenPositionStartup, models.ModeNormal)))
	ok, err := env.planner.IsCorrectlyFilled(ctx, "BTCUSDT", models.Long)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, env.open(t, models.PurposeDCA), 3)
	assert.Len(t, env.open(t, models.PurposeTP), 1)
}

func TestDCA_ResumesStoredTable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, longConfig(), longLevels)
	env.paper.SetPrice("BTCUSDT", 93)
	env.paper.SetPosition("BTCUSDT", models.Long, 2, 97.5)
	require.NoError(t, gridstore.Save(ctx, env.store, models.GridSnapshot{
		Symbol: "BTCUSDT", PositionSide: models.Long, RootPrice: 100,
		Prices: []models.PriceLevel{{PositionSide: models.Long, Price: 95}, {PositionSide: models.Long, Price: 90}, {PositionSide: models.Long, Price: 85}},
		Quantities: []models.QuantityRecord{
			{Quantity: 1, AccumulatedQuantity: 2}, {Quantity: 2, AccumulatedQuantity: 4}, {Quantity: 4, AccumulatedQuantity: 8},
		},
	}))

	require.NoError(t, env.strategy.OnOpenPositionOnStartup(ctx, env.event(models.TriggerOpenPositionStartup, models.ModeNormal)))
	dca := env.open(t, models.PurposeDCA)
	assert.Equal(t, []float64{90, 85}, orderPrices(dca))
	assert.Equal(t, []float64{2, 4}, orderQuantities(dca))
}

func TestDCA_WiggleKeepsExitsOnly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, longConfig(), longLevels)
	env.paper.SetPrice("BTCUSDT", 100)
	require.NoError(t, env.strategy.OnNoOpenPosition(ctx, env.event(models.TriggerNoOpenPosition, models.ModeNormal)))
	require.NoError(t, env.strategy.OnInitialEntryFilled(ctx, env.event(models.TriggerInitialEntryFilled, models.ModeNormal)))
	require.Len(t, env.open(t, models.PurposeDCA), 3)

	require.NoError(t, env.strategy.OnModeChanged(ctx, env.event(models.TriggerModeChanged, models.ModeWiggle)))
	assert.Empty(t, env.open(t, models.PurposeDCA))
	assert.Len(t, env.open(t, models.PurposeTP), 1)
	assert.Len(t, env.open(t, models.PurposeStoploss), 1)
}

func TestDCA_CancelOnlyModes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, longConfig(), longLevels)
	env.paper.SetPrice("BTCUSDT", 100)
	require.NoError(t, env.strategy.OnNoOpenPosition(ctx, env.event(models.TriggerNoOpenPosition, models.ModeNormal)))
	require.NoError(t, env.strategy.OnInitialEntryFilled(ctx, env.event(models.TriggerInitialEntryFilled, models.ModeNormal)))

	require.NoError(t, env.strategy.OnCancelOnly(ctx, env.event("", models.ModeGracefulStop)))
	assert.Empty(t, env.open(t, models.PurposeDCA))
	assert.Len(t, env.open(t, models.PurposeTP), 1, "graceful stop still protects the position")

	require.NoError(t, env.strategy.OnCancelOnly(ctx, env.event("", models.ModePanic)))
	assert.Empty(t, env.open(t, ""))
	assert.True(t, env.position(t).IsOpen())
}

func TestDCA_StoplossSwitchesMode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, longConfig(), longLevels)
	env.paper.SetPrice("BTCUSDT", 100)
	require.NoError(t, env.strategy.OnNoOpenPosition(ctx, env.event(models.TriggerNoOpenPosition, models.ModeNormal)))
	require.NoError(t, env.strategy.OnInitialEntryFilled(ctx, env.event(models.TriggerInitialEntryFilled, models.ModeNormal)))

	ev := env.event(models.TriggerStoplossFilled, models.ModeNormal)
	ev.Fill = &models.Fill{Price: 69, Quantity: 1}
	require.NoError(t, env.strategy.OnStoplossFilled(ctx, ev))
	assert.Empty(t, env.open(t, ""))
	ok, err := env.planner.IsCorrectlyFilled(ctx, "BTCUSDT", models.Long)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []models.Mode{models.ModeGracefulStop}, env.modes.modes)
}

func TestDCA_ManualRemoveGrid(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, longConfig(), longLevels)
	env.paper.SetPrice("BTCUSDT", 100)
	require.NoError(t, env.strategy.OnNoOpenPosition(ctx, env.event(models.TriggerNoOpenPosition, models.ModeNormal)))
	require.NoError(t, env.strategy.OnInitialEntryFilled(ctx, env.event(models.TriggerInitialEntryFilled, models.ModeNormal)))

	require.NoError(t, env.strategy.OnManualRemoveGrid(ctx, env.event(models.TriggerManualRemoveGrid, models.ModeNormal)))
	assert.Empty(t, env.open(t, models.PurposeDCA))
	assert.Len(t, env.open(t, models.PurposeTP), 1)
	ok, err := env.planner.IsCorrectlyFilled(ctx, "BTCUSDT", models.Long)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDCA_NoLevelFoundPlacesNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, longConfig(), levels.NotFound("outer price too close"))
	env.paper.SetPrice("BTCUSDT", 100)

	require.NoError(t, env.strategy.OnNoOpenPosition(ctx, env.event(models.TriggerNoOpenPosition, models.ModeNormal)))
	assert.False(t, env.position(t).IsOpen())
	assert.Zero(t, env.exchange.calls())
}

func TestDCA_ModeSwitchThroughDispatcher(t *testing.T) {
	env := newTestEnv(t, longConfig(), longLevels)
	env.paper.SetPrice("BTCUSDT", 100)
	d := dispatcher.New(env.strategy, persistence.NewMemoryModeRepository(), zap.NewNop(), nil, dispatcher.Options{Workers: 1})
	env.strategy.SetModeSetter(d)

	_, err := d.Register("BTCUSDT", models.Long, models.ModeManual)
	require.NoError(t, err)
	for _, trig := range []models.Trigger{
		models.TriggerNoOpenPosition, models.TriggerPeriodicCheck, models.TriggerPulse,
		models.TriggerManualPlaceGrid, models.TriggerDCAOrderFilled, models.TriggerPositionClosed,
	} {
		d.Dispatch(dispatcher.Event{Symbol: "BTCUSDT", PositionSide: models.Long, Trigger: trig})
	}

	// switching to NORMAL lets the next trigger through
	require.NoError(t, d.SetMode("BTCUSDT", models.Long, models.ModeNormal))
	assert.Eventually(t, func() bool {
		pos, _ := env.paper.Position(context.Background(), "BTCUSDT", models.Long)
		return pos.IsOpen()
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

func TestDCA_ManualModeIgnoresBatch(t *testing.T) {
	env := newTestEnv(t, longConfig(), longLevels)
	env.paper.SetPrice("BTCUSDT", 100)
	d := dispatcher.New(env.strategy, persistence.NewMemoryModeRepository(), zap.NewNop(), nil, dispatcher.Options{Workers: 1})
	_, err := d.Register("BTCUSDT", models.Long, models.ModeManual)
	require.NoError(t, err)

	d.DispatchAll(models.TriggerNoOpenPosition)
	d.DispatchAll(models.TriggerManualPlaceGrid)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.Zero(t, env.exchange.calls())
}
