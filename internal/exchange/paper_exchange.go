package exchange

import (
	"context"
	"dca-grid-bot-go/internal/models"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type paperKey struct {
	symbol string
	side   models.PositionSide
}

type paperPosition struct {
	qty      float64
	avgEntry float64
}

// PaperExchange 实现了 Exchange 接口，在内存中模拟双向持仓的合约交易所。
// 价格由 SetPrice 推动，挂单在价格穿越时成交。
type PaperExchange struct {
	mu        sync.Mutex
	logger    *zap.Logger
	cfg       models.PaperConfig
	now       func() time.Time
	wallet    float64
	prices    map[string]float64
	positions map[paperKey]*paperPosition
	orders    map[int64]*models.ObservedOrder
	nextID    int64
	onFill    []func(models.Fill)
	leverage  map[string]int
}

// NewPaperExchange 创建一个新的 PaperExchange 实例。
func NewPaperExchange(cfg models.PaperConfig, logger *zap.Logger) *PaperExchange {
	return &PaperExchange{
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		wallet:    cfg.InitialBalance,
		prices:    make(map[string]float64),
		positions: make(map[paperKey]*paperPosition),
		orders:    make(map[int64]*models.ObservedOrder),
		nextID:    1,
		leverage:  make(map[string]int),
	}
}

// OnFill 注册成交回调。回调在释放锁之后调用。
func (e *PaperExchange) OnFill(fn func(models.Fill)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFill = append(e.onFill, fn)
}

// SetPrice 模拟价格变动并触发订单成交检查。
func (e *PaperExchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	e.prices[symbol] = price
	fills := e.matchAt(symbol, price)
	handlers := e.onFill
	e.mu.Unlock()

	e.notify(handlers, fills)
}

// SetPosition 直接设置持仓 (用于恢复场景与测试)。
func (e *PaperExchange) SetPosition(symbol string, side models.PositionSide, qty, entryPrice float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[paperKey{symbol, side}] = &paperPosition{qty: qty, avgEntry: entryPrice}
}

func (e *PaperExchange) notify(handlers []func(models.Fill), fills []models.Fill) {
	for _, f := range fills {
		for _, h := range handlers {
			h(f)
		}
	}
}

// matchAt 按订单ID顺序检查哪些挂单可以在指定价格点成交。必须在持有锁的情况下调用。
func (e *PaperExchange) matchAt(symbol string, price float64) []models.Fill {
	ids := make([]int64, 0, len(e.orders))
	for id, o := range e.orders {
		if o.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var fills []models.Fill
	for _, id := range ids {
		o := e.orders[id]
		if !triggered(o.DesiredOrder, price) {
			continue
		}
		fillPrice := o.Price
		if o.Type == models.OrderTypeStopMarket {
			fillPrice = price
		}
		if f, ok := e.fill(o, fillPrice); ok {
			fills = append(fills, f)
		}
	}
	return fills
}

func triggered(o models.DesiredOrder, price float64) bool {
	switch o.Type {
	case models.OrderTypeLimit:
		if o.Side == models.Buy {
			return price <= o.Price
		}
		return price >= o.Price
	case models.OrderTypeStopMarket, models.OrderTypeStopLimit:
		if o.Side == models.Buy {
			return price >= o.StopPrice
		}
		return price <= o.StopPrice
	}
	return false
}

// fill 处理一个已成交的订单，更新持仓和钱包。必须在持有锁的情况下调用。
func (e *PaperExchange) fill(o *models.ObservedOrder, price float64) (models.Fill, bool) {
	delete(e.orders, o.OrderID)

	key := paperKey{o.Symbol, o.PositionSide}
	pos := e.positions[key]
	if pos == nil {
		pos = &paperPosition{}
		e.positions[key] = pos
	}

	qty := o.Quantity
	if o.Side == o.PositionSide.EntrySide() {
		pos.avgEntry = (pos.avgEntry*pos.qty + price*qty) / (pos.qty + qty)
		pos.qty += qty
	} else {
		// 只减仓：无持仓时订单过期
		if pos.qty <= 1e-12 {
			e.logger.Info("[模拟盘] 只减仓订单过期，无持仓", zap.Stringer("order", o.DesiredOrder))
			return models.Fill{}, false
		}
		qty = math.Min(qty, pos.qty)
		pnl := (price - pos.avgEntry) * qty
		if o.PositionSide == models.Short {
			pnl = -pnl
		}
		e.wallet += pnl
		pos.qty -= qty
		if pos.qty <= 1e-12 {
			pos.qty, pos.avgEntry = 0, 0
		}
	}

	e.logger.Info("[模拟盘] 订单成交",
		zap.Stringer("order", o.DesiredOrder),
		zap.Float64("fill_price", price),
		zap.Float64("position_qty", pos.qty),
		zap.Float64("avg_entry", pos.avgEntry),
		zap.Float64("wallet", e.wallet))

	return models.Fill{
		Symbol:        o.Symbol,
		PositionSide:  o.PositionSide,
		Side:          o.Side,
		Purpose:       o.Purpose,
		Price:         price,
		Quantity:      qty,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Time:          e.now(),
	}, true
}

// --- StateView ---

func (e *PaperExchange) OpenOrders(_ context.Context, symbol string, side models.PositionSide, purpose models.OrderPurpose) ([]models.ObservedOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ObservedOrder, 0)
	for _, o := range e.orders {
		if o.Symbol != symbol || o.PositionSide != side {
			continue
		}
		if purpose != "" && o.Purpose != purpose {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (e *PaperExchange) Position(_ context.Context, symbol string, side models.PositionSide) (models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := models.Position{Symbol: symbol, PositionSide: side}
	if p := e.positions[paperKey{symbol, side}]; p != nil {
		pos.Quantity, pos.EntryPrice = p.qty, p.avgEntry
	}
	return pos, nil
}

func (e *PaperExchange) SymbolBalance(_ context.Context, _ string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wallet, nil
}

// SymbolInformation 为模拟盘提供配置中的交易规则
func (e *PaperExchange) SymbolInformation(_ context.Context, symbol string) (models.SymbolInformation, error) {
	quote := "USDT"
	for _, q := range []string{"USDT", "USDC", "BUSD"} {
		if strings.HasSuffix(symbol, q) {
			quote = q
			break
		}
	}
	return models.SymbolInformation{
		Symbol:     symbol,
		QuoteAsset: quote,
		PriceStep:  e.cfg.PriceStep,
		QtyStep:    e.cfg.QtyStep,
		MinQty:     e.cfg.MinQty,
		MinCost:    e.cfg.MinCost,
	}, nil
}

func (e *PaperExchange) Price(_ context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	price, ok := e.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s yet", symbol)
	}
	return price, nil
}

// --- OrderExecutor ---

func (e *PaperExchange) CreateOrders(_ context.Context, orders []models.DesiredOrder) error {
	e.mu.Lock()
	var (
		errs  []error
		fills []models.Fill
	)
	for _, o := range orders {
		f, filled, err := e.place(o)
		if err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w", o, err))
			continue
		}
		if filled {
			fills = append(fills, f)
		}
	}
	handlers := e.onFill
	e.mu.Unlock()

	e.notify(handlers, fills)
	return errors.Join(errs...)
}

// place 必须在持有锁的情况下调用。市价单立即按当前价成交。
func (e *PaperExchange) place(o models.DesiredOrder) (models.Fill, bool, error) {
	price, ok := e.prices[o.Symbol]
	if !ok {
		return models.Fill{}, false, fmt.Errorf("no price for %s yet", o.Symbol)
	}
	if o.Quantity <= 0 {
		return models.Fill{}, false, errors.New("quantity must be positive")
	}
	if o.Type != models.OrderTypeMarket && e.cfg.PriceStep > 0 {
		p := o.EffectivePrice()
		if math.Abs(models.RoundToStep(p, e.cfg.PriceStep)-p) > 1e-9 {
			return models.Fill{}, false, fmt.Errorf("%w: %v not a multiple of %v", ErrInvalidPrice, p, e.cfg.PriceStep)
		}
	}
	if o.Type != models.OrderTypeMarket && triggered(o, price) {
		if o.Type != models.OrderTypeLimit || o.TimeInForce == models.TimeInForceGTX {
			return models.Fill{}, false, fmt.Errorf("%w: %s at market %v", ErrPriceAlreadyPassed, o, price)
		}
	}

	observed := &models.ObservedOrder{
		DesiredOrder:  o,
		OrderID:       e.nextID,
		ClientOrderID: NewClientOrderID(o.Purpose),
	}
	e.nextID++

	if o.Type == models.OrderTypeMarket {
		f, filled := e.fill(observed, price)
		return f, filled, nil
	}
	if triggered(o, price) {
		// 穿越市价的 GTC 限价单按挂单价立即成交
		f, filled := e.fill(observed, o.Price)
		return f, filled, nil
	}
	e.orders[observed.OrderID] = observed
	return models.Fill{}, false, nil
}

func (e *PaperExchange) CancelOrders(_ context.Context, orders []models.ObservedOrder) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ok := true
	for _, o := range orders {
		if _, open := e.orders[o.OrderID]; !open {
			e.logger.Warn("[模拟盘] 撤单失败，订单不存在", zap.Int64("order_id", o.OrderID))
			ok = false
			continue
		}
		delete(e.orders, o.OrderID)
	}
	return ok
}

func (e *PaperExchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage[symbol] = leverage
	return nil
}
