package bot

import (
	"dca-grid-bot-go/internal/dispatcher"
	"dca-grid-bot-go/internal/models"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	events []dispatcher.Event
}

func (s *recordingSink) Dispatch(ev dispatcher.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) triggers() []models.Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Trigger, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Trigger
	}
	return out
}

func newTestRouter() (*EventRouter, *recordingSink) {
	sink := &recordingSink{}
	r := NewEventRouter(sink, []models.SymbolConfig{
		{Symbol: "BTCUSDT", PositionSide: models.Long},
		{Symbol: "BTCUSDT", PositionSide: models.Short},
		{Symbol: "ETHUSDT", PositionSide: models.Long},
	}, zap.NewNop())
	return r, sink
}

func TestEventRouter_OnPrice(t *testing.T) {
	r, sink := newTestRouter()
	var fed []float64
	r.prices = func(_ string, price float64) { fed = append(fed, price) }

	r.OnPrice("BTCUSDT", 100)
	r.OnPrice("DOGEUSDT", 1)

	assert.Equal(t, []float64{100, 1}, fed)
	assert.Equal(t, []models.Trigger{models.TriggerPulse, models.TriggerPulse}, sink.triggers())
	assert.Equal(t, models.Long, sink.events[0].PositionSide)
	assert.Equal(t, models.Short, sink.events[1].PositionSide)
}

func TestEventRouter_OnFill(t *testing.T) {
	tests := []struct {
		purpose models.OrderPurpose
		want    models.Trigger
	}{
		{models.PurposeInitialEntry, models.TriggerInitialEntryFilled},
		{models.PurposeDCA, models.TriggerDCAOrderFilled},
		{models.PurposeTP, models.TriggerTPOrderFilled},
		{models.PurposeStoploss, models.TriggerStoplossFilled},
		{models.PurposeTPRefill, models.TriggerTPRefillFilled},
		{models.PurposeUnknown, models.TriggerUnknownOrderFilled},
	}
	for _, tt := range tests {
		t.Run(string(tt.purpose), func(t *testing.T) {
			r, sink := newTestRouter()
			r.OnFill(models.Fill{Symbol: "ETHUSDT", PositionSide: models.Long, Purpose: tt.purpose, Price: 10, Quantity: 1})
			require.Len(t, sink.events, 1)
			assert.Equal(t, tt.want, sink.events[0].Trigger)
			require.NotNil(t, sink.events[0].Fill)
			assert.Equal(t, 10.0, sink.events[0].Fill.Price)
		})
	}

	r, sink := newTestRouter()
	r.OnFill(models.Fill{Symbol: "ETHUSDT", PositionSide: models.Short, Purpose: models.PurposeDCA})
	assert.Empty(t, sink.events, "ETHUSDT SHORT is not configured")
}

func TestEventRouter_WiggleAndRefillFromUserStream(t *testing.T) {
	r, sink := newTestRouter()

	buy := orderUpdate("FILLED", "TRADE", "wg_a", "LONG")
	r.OnOrderUpdate(buy)
	sell := orderUpdate("FILLED", "TRADE", "wg_b", "LONG")
	sell.Order.Side = "SELL"
	r.OnOrderUpdate(sell)
	refill := orderUpdate("FILLED", "TRADE", "tpr_c", "SHORT")
	r.OnOrderUpdate(refill)

	assert.Equal(t, []models.Trigger{
		models.TriggerWiggleIncreaseFilled,
		models.TriggerWiggleDecreaseFilled,
		models.TriggerTPRefillFilled,
	}, sink.triggers())
	assert.Equal(t, models.PurposeWiggle, sink.events[0].Fill.Purpose)
}

func orderUpdate(status, execType, clientID, side string) models.OrderUpdateEvent {
	return models.OrderUpdateEvent{
		EventType: "ORDER_TRADE_UPDATE",
		Order: models.OrderUpdateInfo{
			Symbol:        "BTCUSDT",
			ClientOrderID: clientID,
			Side:          "BUY",
			OrigQty:       "2",
			Price:         "95",
			AvgPrice:      "94.9",
			ExecutionType: execType,
			Status:        status,
			OrderID:       42,
			ExecutedPrice: "94.9",
			PositionSide:  side,
		},
	}
}

func TestEventRouter_OnOrderUpdate(t *testing.T) {
	r, sink := newTestRouter()

	r.OnOrderUpdate(orderUpdate("NEW", "NEW", "dca_x", "LONG"))
	assert.Empty(t, sink.events)

	r.OnOrderUpdate(orderUpdate("FILLED", "TRADE", "dca_x", "LONG"))
	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, models.TriggerDCAOrderFilled, ev.Trigger)
	assert.Equal(t, models.Long, ev.PositionSide)
	require.NotNil(t, ev.Fill)
	assert.Equal(t, 94.9, ev.Fill.Price)
	assert.Equal(t, 2.0, ev.Fill.Quantity)
	assert.Equal(t, int64(42), ev.Fill.OrderID)
	assert.Equal(t, models.PurposeDCA, ev.Fill.Purpose)

	r.OnOrderUpdate(orderUpdate("PARTIALLY_FILLED", "TRADE", "tp_x", "SHORT"))
	r.OnOrderUpdate(orderUpdate("EXPIRED", "EXPIRED", "dca_y", "LONG"))
	r.OnOrderUpdate(orderUpdate("CANCELED", "CANCELED", "web_manual", "LONG"))
	r.OnOrderUpdate(orderUpdate("FILLED", "TRADE", "dca_z", "BOTH"))

	assert.Equal(t, []models.Trigger{
		models.TriggerDCAOrderFilled,
		models.TriggerPositionChange,
		models.TriggerOrderCancelled,
	}, sink.triggers())
}

func TestEventRouter_OnAccountUpdate(t *testing.T) {
	r, sink := newTestRouter()

	r.OnAccountUpdate(models.AccountUpdateEvent{UpdateData: models.AccountUpdateData{
		Reason:   "ORDER",
		Balances: []models.BalanceUpdate{{Asset: "USDT", WalletBalance: "1000"}},
		Positions: []models.PositionUpdate{
			{Symbol: "BTCUSDT", PositionAmount: "0", PositionSide: "LONG"},
			{Symbol: "BTCUSDT", PositionAmount: "-3", PositionSide: "SHORT"},
			{Symbol: "BTCUSDT", PositionAmount: "1", PositionSide: "BOTH"},
		},
	}})
	assert.Equal(t, []models.Trigger{models.TriggerPositionClosed, models.TriggerPositionChange}, sink.triggers())

	sink.events = nil
	r.OnAccountUpdate(models.AccountUpdateEvent{UpdateData: models.AccountUpdateData{
		Reason:   "DEPOSIT",
		Balances: []models.BalanceUpdate{{Asset: "USDT", WalletBalance: "2000"}},
	}})
	assert.Len(t, sink.events, 3)
	for _, ev := range sink.events {
		assert.Equal(t, models.TriggerWalletChanged, ev.Trigger)
	}
}
