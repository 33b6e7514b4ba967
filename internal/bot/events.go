package bot

import (
	"dca-grid-bot-go/internal/dispatcher"
	"dca-grid-bot-go/internal/exchange"
	"dca-grid-bot-go/internal/models"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// EventSink 接收转换后的触发器
type EventSink interface {
	Dispatch(ev dispatcher.Event)
}

// EventRouter 把价格、成交和账户事件转换为策略触发器
type EventRouter struct {
	sink   EventSink
	sides  map[string][]models.PositionSide
	prices func(symbol string, price float64)
	logger *zap.Logger
	now    func() time.Time
}

// NewEventRouter 只为配置过的 (symbol, position_side) 产生触发器
func NewEventRouter(sink EventSink, symbols []models.SymbolConfig, logger *zap.Logger) *EventRouter {
	sides := make(map[string][]models.PositionSide)
	for _, s := range symbols {
		sides[s.Symbol] = append(sides[s.Symbol], s.PositionSide)
	}
	return &EventRouter{sink: sink, sides: sides, logger: logger, now: time.Now}
}

func (r *EventRouter) configured(symbol string, side models.PositionSide) bool {
	for _, s := range r.sides[symbol] {
		if s == side {
			return true
		}
	}
	return false
}

func (r *EventRouter) emit(symbol string, side models.PositionSide, trigger models.Trigger, fill *models.Fill) {
	if !r.configured(symbol, side) {
		return
	}
	r.sink.Dispatch(dispatcher.Event{Symbol: symbol, PositionSide: side, Trigger: trigger, Fill: fill, Time: r.now()})
}

// OnPrice 在价格更新时为该交易对的每个方向产生 PULSE
func (r *EventRouter) OnPrice(symbol string, price float64) {
	if r.prices != nil {
		r.prices(symbol, price)
	}
	for _, side := range r.sides[symbol] {
		r.emit(symbol, side, models.TriggerPulse, nil)
	}
}

// OnFill 按成交订单的用途产生对应的 *_FILLED 触发器
func (r *EventRouter) OnFill(fill models.Fill) {
	f := fill
	r.logger.Info("订单成交",
		zap.String("symbol", f.Symbol),
		zap.String("position_side", string(f.PositionSide)),
		zap.String("purpose", string(f.Purpose)),
		zap.Float64("price", f.Price),
		zap.Float64("quantity", f.Quantity))
	r.emit(f.Symbol, f.PositionSide, f.Trigger(), &f)
}

// OnOrderUpdate 处理用户数据流中的 ORDER_TRADE_UPDATE
func (r *EventRouter) OnOrderUpdate(ev models.OrderUpdateEvent) {
	o := ev.Order
	side, err := models.ParsePositionSide(o.PositionSide)
	if err != nil {
		// 单向持仓 (BOTH) 的订单不属于本机器人
		return
	}
	purpose := exchange.PurposeFromClientOrderID(o.ClientOrderID)

	switch o.Status {
	case "FILLED":
		if o.ExecutionType != "TRADE" {
			return
		}
		price := parseFloat(o.AvgPrice)
		if price == 0 {
			price = parseFloat(o.ExecutedPrice)
		}
		r.OnFill(models.Fill{
			Symbol:        o.Symbol,
			PositionSide:  side,
			Side:          models.Side(o.Side),
			Purpose:       purpose,
			Price:         price,
			Quantity:      parseFloat(o.OrigQty),
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Time:          time.UnixMilli(o.TradeTime),
		})
	case "PARTIALLY_FILLED":
		r.emit(o.Symbol, side, models.TriggerPositionChange, nil)
	case "CANCELED", "EXPIRED":
		if purpose == models.PurposeUnknown {
			return
		}
		r.emit(o.Symbol, side, models.TriggerOrderCancelled, nil)
	}
}

// OnAccountUpdate 处理 ACCOUNT_UPDATE: 仓位变化与非交易原因的余额变化
func (r *EventRouter) OnAccountUpdate(ev models.AccountUpdateEvent) {
	data := ev.UpdateData
	for _, p := range data.Positions {
		side, err := models.ParsePositionSide(p.PositionSide)
		if err != nil {
			continue
		}
		if parseFloat(p.PositionAmount) == 0 {
			r.emit(p.Symbol, side, models.TriggerPositionClosed, nil)
		} else {
			r.emit(p.Symbol, side, models.TriggerPositionChange, nil)
		}
	}
	if data.Reason == "ORDER" || len(data.Balances) == 0 {
		return
	}
	r.logger.Info("钱包余额变化", zap.String("reason", data.Reason))
	for symbol, sides := range r.sides {
		for _, side := range sides {
			r.emit(symbol, side, models.TriggerWalletChanged, nil)
		}
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
