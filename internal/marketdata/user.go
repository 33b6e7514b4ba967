package marketdata

import (
	"context"
	"dca-grid-bot-go/internal/models"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ListenKeySource 创建并续期用户数据流的 listenKey
type ListenKeySource interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
}

// UserHandler 接收用户数据流事件
type UserHandler interface {
	OnOrderUpdate(ev models.OrderUpdateEvent)
	OnAccountUpdate(ev models.AccountUpdateEvent)
}

// UserStream 用户数据流, 每次连接时申请新的 listenKey 并定期续期
type UserStream struct {
	*Stream
	keys      ListenKeySource
	logger    *zap.Logger
	keepAlive time.Duration

	listenKey chan string
}

// NewUserStream 创建用户数据流
func NewUserStream(wsBaseURL string, keys ListenKeySource, handler UserHandler, logger *zap.Logger) *UserStream {
	u := &UserStream{
		keys:      keys,
		logger:    logger,
		keepAlive: 30 * time.Minute,
		listenKey: make(chan string, 1),
	}
	base := strings.TrimRight(wsBaseURL, "/")
	u.Stream = newStream("user_data", func(ctx context.Context) (string, error) {
		key, err := keys.CreateListenKey(ctx)
		if err != nil {
			return "", err
		}
		// 只保留最新的 listenKey
		select {
		case <-u.listenKey:
		default:
		}
		u.listenKey <- key
		return fmt.Sprintf("%s/ws/%s", base, key), nil
	}, func(message []byte) error {
		return dispatchUserEvent(message, handler)
	}, logger)
	return u
}

// Run 运行数据流和 listenKey 续期循环直到 ctx 结束
func (u *UserStream) Run(ctx context.Context) {
	go u.keepAliveLoop(ctx)
	u.Stream.Run(ctx)
}

func (u *UserStream) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(u.keepAlive)
	defer ticker.Stop()
	var key string
	for {
		select {
		case <-ctx.Done():
			return
		case key = <-u.listenKey:
		case <-ticker.C:
			if key == "" {
				continue
			}
			if err := u.keys.KeepAliveListenKey(ctx, key); err != nil {
				u.logger.Warn("listenKey 续期失败", zap.Error(err))
			}
		}
	}
}

func dispatchUserEvent(message []byte, handler UserHandler) error {
	var header struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(message, &header); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	switch header.EventType {
	case "ORDER_TRADE_UPDATE":
		var ev models.OrderUpdateEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			return fmt.Errorf("decode order update: %w", err)
		}
		handler.OnOrderUpdate(ev)
	case "ACCOUNT_UPDATE":
		var ev models.AccountUpdateEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			return fmt.Errorf("decode account update: %w", err)
		}
		handler.OnAccountUpdate(ev)
	case "listenKeyExpired":
		return errReconnect
	}
	return nil
}
