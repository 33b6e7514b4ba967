package models

import (
	"fmt"
	"strings"
	"time"
)

// PositionSide 持仓方向 (对冲模式下 LONG / SHORT 各自独立)
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// ParsePositionSide 解析配置或URL中的持仓方向，大小写不敏感
func ParsePositionSide(s string) (PositionSide, error) {
	switch PositionSide(strings.ToUpper(strings.TrimSpace(s))) {
	case Long:
		return Long, nil
	case Short:
		return Short, nil
	}
	return "", fmt.Errorf("unknown position side %q", s)
}

// EntrySide 返回增加该方向仓位的下单方向
func (p PositionSide) EntrySide() Side {
	if p == Short {
		return Sell
	}
	return Buy
}

// ExitSide 返回减少该方向仓位的下单方向
func (p PositionSide) ExitSide() Side {
	if p == Short {
		return Buy
	}
	return Sell
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType is the closed set of order types the engine places.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopLimit  OrderType = "STOP"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderPurpose 订单用途，用于按用途分别对账
type OrderPurpose string

const (
	PurposeInitialEntry OrderPurpose = "INITIAL_ENTRY"
	PurposeDCA          OrderPurpose = "DCA"
	PurposeTP           OrderPurpose = "TP"
	PurposeStoploss     OrderPurpose = "STOPLOSS"
	PurposeTPRefill     OrderPurpose = "TP_REFILL"
	PurposeWiggle       OrderPurpose = "WIGGLE"
	PurposeManual       OrderPurpose = "MANUAL"
	PurposeUnknown      OrderPurpose = "UNKNOWN"
)

const (
	TimeInForceGTC = "GTC"
	TimeInForceGTX = "GTX" // post only
)

// DesiredOrder 引擎希望在交易所存在的订单
type DesiredOrder struct {
	Purpose      OrderPurpose `json:"purpose"`
	Symbol       string       `json:"symbol"`
	Side         Side         `json:"side"`
	PositionSide PositionSide `json:"position_side"`
	Type         OrderType    `json:"type"`
	Price        float64      `json:"price,omitempty"`      // 市价单为0
	StopPrice    float64      `json:"stop_price,omitempty"` // 仅止损类订单
	Quantity     float64      `json:"quantity"`
	ReduceOnly   bool         `json:"reduce_only"`
	TimeInForce  string       `json:"time_in_force,omitempty"`
}

// EffectivePrice is the price an order is compared and sorted by: the limit
// price when set, the trigger price for stop-market orders.
func (o DesiredOrder) EffectivePrice() float64 {
	if o.Price != 0 {
		return o.Price
	}
	return o.StopPrice
}

func (o DesiredOrder) String() string {
	return fmt.Sprintf("%s %s %s/%s %s %v@%v", o.Purpose, o.Symbol, o.Side, o.PositionSide, o.Type, o.Quantity, o.EffectivePrice())
}

// ObservedOrder 交易所报告的挂单，对本引擎只读
type ObservedOrder struct {
	DesiredOrder
	OrderID       int64  `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
}

// Position 定义了持仓信息 (数量取绝对值)
type Position struct {
	Symbol       string       `json:"symbol"`
	PositionSide PositionSide `json:"position_side"`
	Quantity     float64      `json:"quantity"`
	EntryPrice   float64      `json:"entry_price"`
}

// IsOpen reports whether the position holds any quantity.
func (p Position) IsOpen() bool {
	return p.Quantity > 0
}

// SymbolInformation 交易对的交易规则
type SymbolInformation struct {
	Symbol     string  `json:"symbol"`
	QuoteAsset string  `json:"quote_asset"`
	PriceStep  float64 `json:"price_step"`
	QtyStep    float64 `json:"qty_step"`
	MinQty     float64 `json:"min_qty"`
	MaxQty     float64 `json:"max_qty"`
	MinCost    float64 `json:"min_cost"`
	MinPrice   float64 `json:"min_price"`
	MaxPrice   float64 `json:"max_price"`
}

// PriceInBounds reports whether price is inside the exchange's min/max price
// filter. Unset bounds are ignored.
func (s SymbolInformation) PriceInBounds(price float64) bool {
	if s.MinPrice > 0 && price < s.MinPrice {
		return false
	}
	if s.MaxPrice > 0 && price > s.MaxPrice {
		return false
	}
	return true
}

// Fill 一次成交回报
type Fill struct {
	Symbol        string       `json:"symbol"`
	PositionSide  PositionSide `json:"position_side"`
	Side          Side         `json:"side"`
	Purpose       OrderPurpose `json:"purpose"`
	Price         float64      `json:"price"`
	Quantity      float64      `json:"quantity"`
	OrderID       int64        `json:"order_id"`
	ClientOrderID string       `json:"client_order_id"`
	Time          time.Time    `json:"time"`
}

// Candle K线
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// OrderUpdateEvent 是从用户数据流接收到的订单更新事件的完整结构
type OrderUpdateEvent struct {
	EventType       string          `json:"e"` // Event type, e.g., "ORDER_TRADE_UPDATE"
	EventTime       int64           `json:"E"` // Event time
	TransactionTime int64           `json:"T"` // Transaction time
	Order           OrderUpdateInfo `json:"o"` // Order information
}

// OrderUpdateInfo 包含了订单更新的具体信息
type OrderUpdateInfo struct {
	Symbol        string `json:"s"`  // Symbol
	ClientOrderID string `json:"c"`  // Client Order ID
	Side          string `json:"S"`  // Side
	OrderType     string `json:"o"`  // Order Type
	OrigQty       string `json:"q"`  // Original Quantity
	Price         string `json:"p"`  // Price
	AvgPrice      string `json:"ap"` // Average Price
	ActivatePrice string `json:"AP"` // Activation Price, 与 ap 仅大小写不同, 必须单独声明
	ExecutionType string `json:"x"`  // Execution Type
	Status        string `json:"X"`  // Order Status
	OrderID       int64  `json:"i"`  // Order ID
	ExecutedQty   string `json:"l"`  // Last Executed Quantity
	ExecutedPrice string `json:"L"`  // Last Executed Price
	TradeTime     int64  `json:"T"`  // Trade Time
	TradeID       int64  `json:"t"`  // Trade ID, 与 T 仅大小写不同, 必须单独声明
	IsReduceOnly  bool   `json:"R"`  // Is this a reduce only order?
	PositionSide  string `json:"ps"` // Position Side
	RealizedPnL   string `json:"rp"` // Realized Profit of the trade
}

// AccountUpdateEvent 代表了 ACCOUNT_UPDATE WebSocket 事件的完整结构。
type AccountUpdateEvent struct {
	EventType       string            `json:"e"` // 事件类型
	EventTime       int64             `json:"E"` // 事件时间
	TransactionTime int64             `json:"T"` // 撮合引擎交易时间
	UpdateData      AccountUpdateData `json:"a"` // 账户更新的具体数据
}

// AccountUpdateData 包含账户更新中的余额和仓位信息。
type AccountUpdateData struct {
	Reason    string           `json:"m"` // 事件发生的原因，例如 "ORDER"
	Balances  []BalanceUpdate  `json:"B"` // 余额更新列表
	Positions []PositionUpdate `json:"P"` // 仓位更新列表
}

// BalanceUpdate 代表单个资产的余额更新。
type BalanceUpdate struct {
	Asset         string `json:"a"`  // 资产名称
	WalletBalance string `json:"wb"` // 钱包余额
}

// PositionUpdate 代表单个仓位的更新。
type PositionUpdate struct {
	Symbol         string `json:"s"`  // 交易对
	PositionAmount string `json:"pa"` // 仓位数量
	EntryPrice     string `json:"ep"` // 开仓均价
	PositionSide   string `json:"ps"` // 持仓方向 (BOTH, LONG, SHORT)
}
