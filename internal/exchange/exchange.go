package exchange

import (
	"context"
	"dca-grid-bot-go/internal/models"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

var (
	// ErrPriceAlreadyPassed 限价单价格已被市场穿越 (会立即成交或被拒绝)
	ErrPriceAlreadyPassed = errors.New("price already passed by the market")
	// ErrInvalidPrice 价格不符合交易所的价格步长或上下限
	ErrInvalidPrice = errors.New("invalid price")
	// ErrUnknownSymbol 交易所没有该交易对
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// StateView 交易所状态的只读视图
type StateView interface {
	// OpenOrders 返回 (symbol, side) 的挂单; purpose 为空时返回全部用途
	OpenOrders(ctx context.Context, symbol string, side models.PositionSide, purpose models.OrderPurpose) ([]models.ObservedOrder, error)
	Position(ctx context.Context, symbol string, side models.PositionSide) (models.Position, error)
	SymbolBalance(ctx context.Context, symbol string) (float64, error)
	SymbolInformation(ctx context.Context, symbol string) (models.SymbolInformation, error)
	Price(ctx context.Context, symbol string) (float64, error)
}

// OrderExecutor 下单与撤单
type OrderExecutor interface {
	// CreateOrders submits the orders in the given order. Every order is
	// attempted; the failures are returned joined.
	CreateOrders(ctx context.Context, orders []models.DesiredOrder) error
	// CancelOrders reports whether every cancel succeeded.
	CancelOrders(ctx context.Context, orders []models.ObservedOrder) bool
}

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得机器人可以在真实交易和模拟盘之间轻松切换。
type Exchange interface {
	StateView
	OrderExecutor
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

var purposePrefixes = map[models.OrderPurpose]string{
	models.PurposeInitialEntry: "ie",
	models.PurposeDCA:          "dca",
	models.PurposeTP:           "tp",
	models.PurposeStoploss:     "sl",
	models.PurposeTPRefill:     "tpr",
	models.PurposeWiggle:       "wg",
	models.PurposeManual:       "man",
}

// NewClientOrderID 生成带用途前缀的客户端订单ID, 例如 "dca_4bXk..."。
// 长度不超过币安限制的36个字符。
func NewClientOrderID(purpose models.OrderPurpose) string {
	prefix, ok := purposePrefixes[purpose]
	if !ok {
		prefix = "man"
	}
	id := uuid.New()
	return prefix + "_" + base62.EncodeToString(id[:])
}

// PurposeFromClientOrderID 从客户端订单ID还原订单用途
func PurposeFromClientOrderID(clientOrderID string) models.OrderPurpose {
	prefix, _, ok := strings.Cut(clientOrderID, "_")
	if !ok {
		return models.PurposeUnknown
	}
	for purpose, p := range purposePrefixes {
		if p == prefix {
			return purpose
		}
	}
	return models.PurposeUnknown
}

// IsSwallowable reports whether err consists only of create failures a
// reconcile may ignore: prices the market already passed or prices the
// exchange rejects.
func IsSwallowable(err error) bool {
	if err == nil {
		return true
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !IsSwallowable(e) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, ErrPriceAlreadyPassed) || errors.Is(err, ErrInvalidPrice)
}
