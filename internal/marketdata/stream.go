// Package marketdata keeps websocket streams to the exchange alive: the
// public mark price stream that drives PULSE triggers and the user data
// stream that reports fills and account changes.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// errReconnect 由消息处理函数返回，要求关闭当前连接并重连
var errReconnect = errors.New("stream requested reconnect")

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // 必须小于 pongWait
	writeWait  = 10 * time.Second
)

// Stream 维护一个 WebSocket 连接，断开后自动重连
type Stream struct {
	name           string
	url            func(ctx context.Context) (string, error)
	handle         func(message []byte) error
	logger         *zap.Logger
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
}

func newStream(name string, url func(ctx context.Context) (string, error), handle func([]byte) error, logger *zap.Logger) *Stream {
	return &Stream{
		name:           name,
		url:            url,
		handle:         handle,
		logger:         logger.With(zap.String("stream", name)),
		reconnectDelay: 5 * time.Second,
		dialer:         websocket.DefaultDialer,
	}
}

// Run 连接并读取消息直到 ctx 结束，连接断开后等待 reconnectDelay 再重连
func (s *Stream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.logger.Info("WebSocket循环已停止")
			return
		}
		if err := s.runOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("WebSocket连接已断开，准备重连", zap.Error(err), zap.Duration("delay", s.reconnectDelay))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("WebSocket循环已停止")
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) runOnce(ctx context.Context) error {
	url, err := s.url(ctx)
	if err != nil {
		return fmt.Errorf("resolve url: %w", err)
	}
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("WebSocket连接失败: %w", err)
	}
	defer conn.Close()
	s.logger.Info("WebSocket连接成功")

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					s.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭，ReadMessage 随后返回错误
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}
		if err := s.handle(message); err != nil {
			if errors.Is(err, errReconnect) {
				return err
			}
			s.logger.Debug("忽略无法解析的消息", zap.Error(err), zap.ByteString("message", message))
		}
	}
}
