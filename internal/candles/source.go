package candles

import (
	"context"
	"dca-grid-bot-go/internal/models"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

// Source 提供从 start 到当前时间的K线
type Source interface {
	Candles(ctx context.Context, symbol, timeframe string, start time.Time) ([]models.Candle, error)
}

// BinanceSource 从币安U本位合约下载K线
type BinanceSource struct {
	client *futures.Client
	pause  time.Duration
}

// NewBinanceSource 创建一个新的下载器实例，公共接口不需要API Key
func NewBinanceSource(client *futures.Client) *BinanceSource {
	if client == nil {
		client = futures.NewClient("", "")
	}
	return &BinanceSource{client: client, pause: 200 * time.Millisecond}
}

// Candles 分页下载，每次最多1500条
func (s *BinanceSource) Candles(ctx context.Context, symbol, timeframe string, start time.Time) ([]models.Candle, error) {
	var out []models.Candle
	end := time.Now()
	for t := start; t.Before(end); {
		klines, err := s.client.NewKlinesService().
			Symbol(symbol).
			Interval(timeframe).
			StartTime(t.UnixMilli()).
			Limit(1500).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("download klines %s %s: %w", symbol, timeframe, err)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			c, err := toCandle(k)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		if len(klines) < 1500 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pause): // 避免过于频繁的请求
		}
	}
	return out, nil
}

func toCandle(k *futures.Kline) (models.Candle, error) {
	var c models.Candle
	fields := []struct {
		raw string
		dst *float64
	}{
		{k.Open, &c.Open}, {k.High, &c.High}, {k.Low, &c.Low}, {k.Close, &c.Close}, {k.Volume, &c.Volume},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return c, fmt.Errorf("parse kline value %q: %w", f.raw, err)
		}
		*f.dst = v
	}
	c.OpenTime = time.UnixMilli(k.OpenTime).UTC()
	c.CloseTime = time.UnixMilli(k.CloseTime).UTC()
	return c, nil
}
