package exchange

import (
	"context"
	"dca-grid-bot-go/internal/models"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
)

const testnetBaseURL = "https://testnet.binancefuture.com"

// NewFuturesClient 根据配置创建币安U本位合约客户端
func NewFuturesClient(cfg *models.Config) *futures.Client {
	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.IsTestnet:
		client.BaseURL = testnetBaseURL
	}
	return client
}

// LiveExchange 实现了 Exchange 接口，用于与真实的币安合约交易所进行交互。
// 账户需处于双向持仓模式 (hedge mode)。
type LiveExchange struct {
	client *futures.Client
	logger *zap.Logger

	mu      sync.Mutex
	symbols map[string]models.SymbolInformation
}

// NewLiveExchange 创建一个新的 LiveExchange 实例
func NewLiveExchange(client *futures.Client, logger *zap.Logger) *LiveExchange {
	return &LiveExchange{
		client:  client,
		logger:  logger,
		symbols: make(map[string]models.SymbolInformation),
	}
}

// SyncTime 与币安服务器同步时间，计算时间偏移。
func (e *LiveExchange) SyncTime(ctx context.Context) error {
	offset, err := e.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return fmt.Errorf("与币安服务器同步时间失败: %w", err)
	}
	e.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", offset))
	return nil
}

// translateError 将币安错误码映射为可识别的错误
func translateError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case -2021, -5022: // would immediately trigger / post only rejected
		return fmt.Errorf("%w: %s", ErrPriceAlreadyPassed, apiErr.Message)
	case -1111, -4014, -4016, -4024: // precision, tick size, price limits
		return fmt.Errorf("%w: %s", ErrInvalidPrice, apiErr.Message)
	case -1121:
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, apiErr.Message)
	}
	return err
}

func apiCode(err error) int64 {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// --- StateView ---

func (e *LiveExchange) OpenOrders(ctx context.Context, symbol string, side models.PositionSide, purpose models.OrderPurpose) ([]models.ObservedOrder, error) {
	orders, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取挂单失败 %s: %w", symbol, translateError(err))
	}
	out := make([]models.ObservedOrder, 0, len(orders))
	for _, o := range orders {
		if models.PositionSide(o.PositionSide) != side {
			continue
		}
		observed := toObserved(o)
		if purpose != "" && observed.Purpose != purpose {
			continue
		}
		out = append(out, observed)
	}
	return out, nil
}

func toObserved(o *futures.Order) models.ObservedOrder {
	price, _ := strconv.ParseFloat(o.Price, 64)
	stopPrice, _ := strconv.ParseFloat(o.StopPrice, 64)
	qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
	return models.ObservedOrder{
		DesiredOrder: models.DesiredOrder{
			Purpose:      PurposeFromClientOrderID(o.ClientOrderID),
			Symbol:       o.Symbol,
			Side:         models.Side(o.Side),
			PositionSide: models.PositionSide(o.PositionSide),
			Type:         models.OrderType(o.Type),
			Price:        price,
			StopPrice:    stopPrice,
			Quantity:     qty,
			ReduceOnly:   o.ReduceOnly,
			TimeInForce:  string(o.TimeInForce),
		},
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
	}
}

// Position 返回 (symbol, side) 的持仓，数量取绝对值
func (e *LiveExchange) Position(ctx context.Context, symbol string, side models.PositionSide) (models.Position, error) {
	risks, err := e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.Position{}, fmt.Errorf("获取持仓信息失败 %s: %w", symbol, translateError(err))
	}
	pos := models.Position{Symbol: symbol, PositionSide: side}
	for _, r := range risks {
		if r.Symbol != symbol || models.PositionSide(r.PositionSide) != side {
			continue
		}
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		pos.Quantity = math.Abs(amt)
		pos.EntryPrice = entry
	}
	return pos, nil
}

// SymbolBalance 返回交易对计价资产的钱包余额
func (e *LiveExchange) SymbolBalance(ctx context.Context, symbol string) (float64, error) {
	info, err := e.SymbolInformation(ctx, symbol)
	if err != nil {
		return 0, err
	}
	balances, err := e.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取账户余额失败: %w", translateError(err))
	}
	for _, b := range balances {
		if b.Asset == info.QuoteAsset {
			return strconv.ParseFloat(b.Balance, 64)
		}
	}
	return 0, fmt.Errorf("未找到 %s 余额", info.QuoteAsset)
}

// SymbolInformation 获取交易对的交易规则，首次查询后缓存
func (e *LiveExchange) SymbolInformation(ctx context.Context, symbol string) (models.SymbolInformation, error) {
	e.mu.Lock()
	info, ok := e.symbols[symbol]
	e.mu.Unlock()
	if ok {
		return info, nil
	}

	exchangeInfo, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return models.SymbolInformation{}, fmt.Errorf("获取交易规则失败: %w", translateError(err))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range exchangeInfo.Symbols {
		e.symbols[s.Symbol] = parseSymbol(s.Symbol, s.QuoteAsset, s.Filters)
	}
	info, ok = e.symbols[symbol]
	if !ok {
		return models.SymbolInformation{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return info, nil
}

func parseSymbol(symbol, quote string, filters []map[string]interface{}) models.SymbolInformation {
	info := models.SymbolInformation{Symbol: symbol, QuoteAsset: quote}
	for _, f := range filters {
		switch f["filterType"] {
		case "PRICE_FILTER":
			info.PriceStep = filterValue(f, "tickSize")
			info.MinPrice = filterValue(f, "minPrice")
			info.MaxPrice = filterValue(f, "maxPrice")
		case "LOT_SIZE":
			info.QtyStep = filterValue(f, "stepSize")
			info.MinQty = filterValue(f, "minQty")
			info.MaxQty = filterValue(f, "maxQty")
		case "MIN_NOTIONAL":
			info.MinCost = filterValue(f, "notional")
		}
	}
	return info
}

func filterValue(f map[string]interface{}, key string) float64 {
	s, _ := f[key].(string)
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// Price 获取指定交易对的当前价格。
func (e *LiveExchange) Price(ctx context.Context, symbol string) (float64, error) {
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取价格失败 %s: %w", symbol, translateError(err))
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return strconv.ParseFloat(p.Price, 64)
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

// --- OrderExecutor ---

func (e *LiveExchange) CreateOrders(ctx context.Context, orders []models.DesiredOrder) error {
	var errs []error
	for _, o := range orders {
		if err := e.createOrder(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w", o, err))
		}
	}
	return errors.Join(errs...)
}

func (e *LiveExchange) createOrder(ctx context.Context, o models.DesiredOrder) error {
	// 双向持仓模式下方向由 side + positionSide 决定，不能发送 reduceOnly
	svc := e.client.NewCreateOrderService().
		Symbol(o.Symbol).
		Side(futures.SideType(o.Side)).
		PositionSide(futures.PositionSideType(o.PositionSide)).
		Type(futures.OrderType(o.Type)).
		Quantity(models.Normalize(o.Quantity)).
		NewClientOrderID(NewClientOrderID(o.Purpose))

	switch o.Type {
	case models.OrderTypeLimit:
		tif := o.TimeInForce
		if tif == "" {
			tif = models.TimeInForceGTC
		}
		svc = svc.TimeInForce(futures.TimeInForceType(tif)).Price(models.Normalize(o.Price))
	case models.OrderTypeStopLimit:
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC).Price(models.Normalize(o.Price)).StopPrice(models.Normalize(o.StopPrice))
	case models.OrderTypeStopMarket:
		svc = svc.StopPrice(models.Normalize(o.StopPrice))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		e.logger.Error("下单请求失败，交易所返回错误", zap.Stringer("order", o), zap.Error(err))
		return translateError(err)
	}
	e.logger.Info("下单成功",
		zap.Stringer("order", o),
		zap.Int64("order_id", res.OrderID),
		zap.String("client_order_id", res.ClientOrderID))
	return nil
}

func (e *LiveExchange) CancelOrders(ctx context.Context, orders []models.ObservedOrder) bool {
	ok := true
	for _, o := range orders {
		if _, err := e.client.NewCancelOrderService().Symbol(o.Symbol).OrderID(o.OrderID).Do(ctx); err != nil {
			e.logger.Warn("撤单失败",
				zap.Stringer("order", o.DesiredOrder),
				zap.Int64("order_id", o.OrderID),
				zap.Error(err))
			ok = false
			continue
		}
		e.logger.Info("撤单成功", zap.Stringer("order", o.DesiredOrder), zap.Int64("order_id", o.OrderID))
	}
	return ok
}

// --- 账户设置 ---

// SetLeverage 设置杠杆。
func (e *LiveExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return translateError(err)
}

// EnableHedgeMode 开启双向持仓模式。
func (e *LiveExchange) EnableHedgeMode(ctx context.Context) error {
	err := e.client.NewChangePositionModeService().DualSide(true).Do(ctx)
	// 错误码 -4059 (无需更改) 表示已是目标模式
	if apiCode(err) == -4059 {
		e.logger.Info("持仓模式无需更改，已是目标模式。")
		return nil
	}
	return err
}

// --- 用户数据流 ---

// CreateListenKey 创建一个新的 listenKey 用于 WebSocket 连接。
func (e *LiveExchange) CreateListenKey(ctx context.Context) (string, error) {
	key, err := e.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("创建 listenKey 失败: %w", err)
	}
	return key, nil
}

// KeepAliveListenKey 延长 listenKey 的有效期。
func (e *LiveExchange) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	if err := e.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return fmt.Errorf("保持 listenKey 存活失败: %w", err)
	}
	return nil
}

