package exchange

import (
	"context"
	"dca-grid-bot-go/internal/models"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fillRecorder struct {
	sync.Mutex
	fills []models.Fill
}

func (r *fillRecorder) record(f models.Fill) {
	r.Lock()
	defer r.Unlock()
	r.fills = append(r.fills, f)
}

func (r *fillRecorder) all() []models.Fill {
	r.Lock()
	defer r.Unlock()
	return append([]models.Fill(nil), r.fills...)
}

func newTestPaper(t *testing.T) (*PaperExchange, *fillRecorder) {
	t.Helper()
	e := NewPaperExchange(models.PaperConfig{InitialBalance: 1000, PriceStep: 0.1, QtyStep: 0.001}, zap.NewNop())
	rec := &fillRecorder{}
	e.OnFill(rec.record)
	return e, rec
}

func longOrder(purpose models.OrderPurpose, side models.Side, typ models.OrderType, price, qty float64) models.DesiredOrder {
	return models.DesiredOrder{
		Purpose:      purpose,
		Symbol:       "BTCUSDT",
		Side:         side,
		PositionSide: models.Long,
		Type:         typ,
		Price:        price,
		Quantity:     qty,
	}
}

func TestPaperExchange_LongLifecycle(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestPaper(t)
	e.SetPrice("BTCUSDT", 100)

	require.NoError(t, e.CreateOrders(ctx, []models.DesiredOrder{
		longOrder(models.PurposeInitialEntry, models.Buy, models.OrderTypeMarket, 0, 1),
		longOrder(models.PurposeDCA, models.Buy, models.OrderTypeLimit, 90, 2),
		longOrder(models.PurposeDCA, models.Buy, models.OrderTypeLimit, 80, 4),
	}))

	pos, err := e.Position(ctx, "BTCUSDT", models.Long)
	require.NoError(t, err)
	assert.Equal(t, 1.0, pos.Quantity)
	assert.Equal(t, 100.0, pos.EntryPrice)

	dca, err := e.OpenOrders(ctx, "BTCUSDT", models.Long, models.PurposeDCA)
	require.NoError(t, err)
	assert.Len(t, dca, 2)
	short, err := e.OpenOrders(ctx, "BTCUSDT", models.Short, "")
	require.NoError(t, err)
	assert.Empty(t, short)

	e.SetPrice("BTCUSDT", 89)
	pos, _ = e.Position(ctx, "BTCUSDT", models.Long)
	assert.Equal(t, 3.0, pos.Quantity)
	assert.InDelta(t, (100+180)/3.0, pos.EntryPrice, 1e-9)

	fills := rec.all()
	require.Len(t, fills, 2)
	assert.Equal(t, models.PurposeInitialEntry, fills[0].Purpose)
	assert.Equal(t, models.PurposeDCA, fills[1].Purpose)
	assert.Equal(t, 90.0, fills[1].Price)

	// take profit closes the position and books the profit
	require.NoError(t, e.CreateOrders(ctx, []models.DesiredOrder{
		longOrder(models.PurposeTP, models.Sell, models.OrderTypeLimit, 100, 3),
	}))
	e.SetPrice("BTCUSDT", 100)
	pos, _ = e.Position(ctx, "BTCUSDT", models.Long)
	assert.False(t, pos.IsOpen())
	balance, err := e.SymbolBalance(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 1020, balance, 1e-9)
}

func TestPaperExchange_ShortStoploss(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestPaper(t)
	e.SetPrice("BTCUSDT", 100)
	e.SetPosition("BTCUSDT", models.Short, 2, 100)

	sl := models.DesiredOrder{
		Purpose:      models.PurposeStoploss,
		Symbol:       "BTCUSDT",
		Side:         models.Buy,
		PositionSide: models.Short,
		Type:         models.OrderTypeStopMarket,
		StopPrice:    110,
		Quantity:     2,
		ReduceOnly:   true,
	}
	require.NoError(t, e.CreateOrders(ctx, []models.DesiredOrder{sl}))
	e.SetPrice("BTCUSDT", 105)
	assert.Empty(t, rec.all())

	e.SetPrice("BTCUSDT", 111)
	require.Len(t, rec.all(), 1)
	balance, _ := e.SymbolBalance(ctx, "BTCUSDT")
	assert.InDelta(t, 1000-22, balance, 1e-9)
}

func TestPaperExchange_Rejections(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestPaper(t)
	e.SetPrice("BTCUSDT", 100)

	postOnly := longOrder(models.PurposeDCA, models.Buy, models.OrderTypeLimit, 101, 1)
	postOnly.TimeInForce = models.TimeInForceGTX
	err := e.CreateOrders(ctx, []models.DesiredOrder{postOnly})
	assert.ErrorIs(t, err, ErrPriceAlreadyPassed)

	stop := models.DesiredOrder{
		Purpose: models.PurposeStoploss, Symbol: "BTCUSDT", Side: models.Sell,
		PositionSide: models.Long, Type: models.OrderTypeStopMarket, StopPrice: 101, Quantity: 1,
	}
	assert.ErrorIs(t, e.CreateOrders(ctx, []models.DesiredOrder{stop}), ErrPriceAlreadyPassed)

	offStep := longOrder(models.PurposeDCA, models.Buy, models.OrderTypeLimit, 90.05, 1)
	err = e.CreateOrders(ctx, []models.DesiredOrder{offStep, longOrder(models.PurposeDCA, models.Buy, models.OrderTypeLimit, 90, 1)})
	assert.ErrorIs(t, err, ErrInvalidPrice)
	assert.True(t, IsSwallowable(err))

	open, _ := e.OpenOrders(ctx, "BTCUSDT", models.Long, "")
	assert.Len(t, open, 1, "valid orders in the batch are still placed")
}

func TestPaperExchange_ReduceOnlyWithoutPositionExpires(t *testing.T) {
	ctx := context.Background()
	e, rec := newTestPaper(t)
	e.SetPrice("BTCUSDT", 100)
	require.NoError(t, e.CreateOrders(ctx, []models.DesiredOrder{
		longOrder(models.PurposeTP, models.Sell, models.OrderTypeLimit, 105, 1),
	}))
	e.SetPrice("BTCUSDT", 106)
	assert.Empty(t, rec.all())
	open, _ := e.OpenOrders(ctx, "BTCUSDT", models.Long, "")
	assert.Empty(t, open)
}

func TestPaperExchange_Cancel(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestPaper(t)
	e.SetPrice("BTCUSDT", 100)
	require.NoError(t, e.CreateOrders(ctx, []models.DesiredOrder{
		longOrder(models.PurposeDCA, models.Buy, models.OrderTypeLimit, 90, 1),
	}))
	open, _ := e.OpenOrders(ctx, "BTCUSDT", models.Long, "")
	require.Len(t, open, 1)

	assert.True(t, e.CancelOrders(ctx, open))
	assert.False(t, e.CancelOrders(ctx, open), "already gone")
}
