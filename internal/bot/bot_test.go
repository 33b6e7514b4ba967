package bot

import (
	"context"
	"errors"
	"dca-grid-bot-go/internal/exchange"
	"dca-grid-bot-go/internal/gridstore"
	"dca-grid-bot-go/internal/levels"
	"dca-grid-bot-go/internal/models"
	"dca-grid-bot-go/internal/persistence"
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

type countingRunner struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (r *countingRunner) Run(ctx context.Context) {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	<-ctx.Done()
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

// flakyModes 在 failLoads 次 LoadMode 调用内返回错误
type flakyModes struct {
	*persistence.MemoryModeRepository
	mu        sync.Mutex
	failLoads int
}

func (f *flakyModes) LoadMode(symbol string, side models.PositionSide) (models.Mode, error) {
	f.mu.Lock()
	if f.failLoads > 0 {
		f.failLoads--
		f.mu.Unlock()
		return "", errors.New("db closed")
	}
	f.mu.Unlock()
	return f.MemoryModeRepository.LoadMode(symbol, side)
}

func testConfig() *models.Config {
	return &models.Config{
		Dispatcher: models.DispatcherConfig{Workers: 2},
		Symbols: []models.SymbolConfig{{
			Symbol:           "BTCUSDT",
			PositionSide:     models.Long,
			Leverage:         3,
			InitialMode:      models.ModeNormal,
			InitialEntryCost: 100,
			EntryOrderType:   models.OrderTypeMarket,
			TPDistance:       0.01,
			Grid: models.GridConfig{
				LevelAlgorithm:        "pivots",
				Period:                "3d",
				PeriodTimeframe:       "1h",
				DCAQuantityMultiplier: 2,
			},
		}},
	}
}

func newPaperBot(t *testing.T) (*DCABot, *exchange.PaperExchange, gridstore.Store, persistence.ModeRepository) {
	t.Helper()
	paper := exchange.NewPaperExchange(models.PaperConfig{
		InitialBalance: 10000, PriceStep: 0.1, QtyStep: 1, MinQty: 1,
	}, zap.NewNop())
	store := gridstore.NewMemoryStore()
	modes := persistence.NewMemoryModeRepository()
	b := New(testConfig(), Deps{
		Exchange: paper,
		Store:    store,
		Modes:    modes,
		Levels:   staticProvider{result: levels.Found([]float64{95, 90, 85}, []float64{105}, 0)},
	}, zap.NewNop())
	return b, paper, store, modes
}

func TestPrefetchTasks(t *testing.T) {
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	symbols := []models.SymbolConfig{
		{Symbol: "BTCUSDT", PositionSide: models.Long, Grid: models.GridConfig{Period: "3d", PeriodTimeframe: "1h"}},
		{Symbol: "BTCUSDT", PositionSide: models.Short, Grid: models.GridConfig{Period: "3d", PeriodTimeframe: "1h"}},
		{Symbol: "ETHUSDT", PositionSide: models.Long, Grid: models.GridConfig{
			Period: "1w", PeriodTimeframe: "4h", OuterPricePeriod: "2w", OuterPriceTimeframe: "1d",
		}},
	}
	tasks, err := prefetchTasks(symbols, now)
	require.NoError(t, err)
	require.Len(t, tasks, 3, "duplicate series are fetched once")
	assert.Equal(t, "BTCUSDT", tasks[0].Symbol)
	assert.Equal(t, now.Add(-72*time.Hour), tasks[0].Start)
	assert.Equal(t, "4h", tasks[1].Timeframe)
	assert.Equal(t, "1d", tasks[2].Timeframe)
	assert.Equal(t, now.Add(-14*24*time.Hour), tasks[2].Start)

	_, err = prefetchTasks([]models.SymbolConfig{{Symbol: "X", Grid: models.GridConfig{Period: "soon", PeriodTimeframe: "1h"}}}, now)
	assert.Error(t, err)
}

func TestDCABot_PaperCycle(t *testing.T) {
	b, paper, store, modes := newPaperBot(t)
	runner := &countingRunner{}
	b.AddRunner(runner)

	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	assert.Error(t, b.Start(ctx), "second start is rejected")

	mode, ok := b.Dispatcher().Mode("BTCUSDT", models.Long)
	require.True(t, ok)
	assert.Equal(t, models.ModeNormal, mode)
	stored, err := modes.LoadMode("BTCUSDT", models.Long)
	require.NoError(t, err)
	assert.Equal(t, models.ModeNormal, stored)

	// the first mark price drives the paper exchange and a PULSE
	b.Events().OnPrice("BTCUSDT", 100)

	require.Eventually(t, func() bool {
		pos, err := paper.Position(ctx, "BTCUSDT", models.Long)
		return err == nil && pos.IsOpen()
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		dca, _ := paper.OpenOrders(ctx, "BTCUSDT", models.Long, models.PurposeDCA)
		tp, _ := paper.OpenOrders(ctx, "BTCUSDT", models.Long, models.PurposeTP)
		return len(dca) == 3 && len(tp) == 1
	}, 5*time.Second, 10*time.Millisecond)

	ok, err = gridstore.IsCorrectlyFilledFor(ctx, store, "BTCUSDT", models.Long)
	require.NoError(t, err)
	assert.True(t, ok)

	// a DCA fill reported by the paper exchange resizes the take-profit
	b.Events().OnPrice("BTCUSDT", 94)
	require.Eventually(t, func() bool {
		tp, _ := paper.OpenOrders(ctx, "BTCUSDT", models.Long, models.PurposeTP)
		return len(tp) == 1 && tp[0].Quantity == 2
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(stopCtx))
	require.NoError(t, b.Stop(stopCtx), "stopping twice is a no-op")

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.True(t, runner.started)
	assert.True(t, runner.stopped)

	// orders stay on the exchange after shutdown
	dca, err := paper.OpenOrders(ctx, "BTCUSDT", models.Long, models.PurposeDCA)
	require.NoError(t, err)
	assert.Len(t, dca, 2)
}

func TestDCABot_RestoresPersistedMode(t *testing.T) {
	b, paper, _, modes := newPaperBot(t)
	require.NoError(t, modes.SaveMode("BTCUSDT", models.Long, models.ModeManual))

	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = b.Stop(stopCtx)
	}()

	mode, _ := b.Dispatcher().Mode("BTCUSDT", models.Long)
	assert.Equal(t, models.ModeManual, mode)

	b.Events().OnPrice("BTCUSDT", 100)
	time.Sleep(100 * time.Millisecond)
	pos, err := paper.Position(ctx, "BTCUSDT", models.Long)
	require.NoError(t, err)
	assert.False(t, pos.IsOpen(), "MANUAL ignores every trigger")
	orders, err := paper.OpenOrders(ctx, "BTCUSDT", models.Long, "")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestDCABot_StartCanBeRetriedAfterFailure(t *testing.T) {
	paper := exchange.NewPaperExchange(models.PaperConfig{
		InitialBalance: 10000, PriceStep: 0.1, QtyStep: 1, MinQty: 1,
	}, zap.NewNop())
	modes := &flakyModes{MemoryModeRepository: persistence.NewMemoryModeRepository(), failLoads: 1}
	b := New(testConfig(), Deps{
		Exchange: paper,
		Store:    gridstore.NewMemoryStore(),
		Modes:    modes,
		Levels:   staticProvider{result: levels.Found([]float64{95, 90, 85}, []float64{105}, 0)},
	}, zap.NewNop())

	ctx := context.Background()
	require.Error(t, b.Start(ctx))
	require.NoError(t, b.Start(ctx), "a failed start leaves the bot stopped")

	mode, ok := b.Dispatcher().Mode("BTCUSDT", models.Long)
	require.True(t, ok)
	assert.Equal(t, models.ModeNormal, mode)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(stopCtx))
}
