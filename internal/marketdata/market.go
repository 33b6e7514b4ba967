package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// markPriceEvent markPriceUpdate 事件
// E/e 与 P/p 仅大小写不同, 都要声明字段
type markPriceEvent struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	SettlePrice     string `json:"P"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// MarkPriceURL builds the combined mark price stream URL for the symbols.
func MarkPriceURL(wsBaseURL string, symbols []string) string {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@markPrice@1s")
	}
	return fmt.Sprintf("%s/stream?streams=%s", strings.TrimRight(wsBaseURL, "/"), strings.Join(streams, "/"))
}

// NewMarkPriceStream 订阅标记价格，每次更新调用 onPrice
func NewMarkPriceStream(wsBaseURL string, symbols []string, onPrice func(symbol string, price float64), logger *zap.Logger) *Stream {
	url := MarkPriceURL(wsBaseURL, symbols)
	return newStream("mark_price", func(context.Context) (string, error) { return url, nil },
		func(message []byte) error {
			symbol, price, err := parseMarkPrice(message)
			if err != nil {
				return err
			}
			onPrice(symbol, price)
			return nil
		}, logger)
}

func parseMarkPrice(message []byte) (string, float64, error) {
	var combined combinedMessage
	if err := json.Unmarshal(message, &combined); err != nil {
		return "", 0, fmt.Errorf("decode combined message: %w", err)
	}
	payload := []byte(combined.Data)
	if len(payload) == 0 {
		payload = message
	}
	var ev markPriceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", 0, fmt.Errorf("decode mark price: %w", err)
	}
	if ev.EventType != "markPriceUpdate" || ev.Symbol == "" {
		return "", 0, fmt.Errorf("unexpected event %q", ev.EventType)
	}
	price, err := strconv.ParseFloat(ev.MarkPrice, 64)
	if err != nil {
		return "", 0, fmt.Errorf("解析价格失败: %w", err)
	}
	return ev.Symbol, price, nil
}
