package levels

import (
	"context"
	"dca-grid-bot-go/internal/models"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

// OuterPrice bounds the ladder. At most one of Fixed, Distance and LevelNr
// is set; none of them means the ladder is unbounded.
type OuterPrice struct {
	Fixed       float64
	Distance    float64
	LevelNr     int
	Timeframe   string
	Start       time.Time
	MinDistance float64
	MaxDistance float64
}

// Request describes one level lookup.
type Request struct {
	Symbol       string
	PositionSide models.PositionSide
	Algorithm    string
	Timeframe    string
	Start        time.Time
	AnchorPrice  float64
	PriceStep    float64
	Outer        OuterPrice
}

// Result is either Found with both level lists or NotFound with a reason.
// Supports are ordered descending, resistances ascending.
type Result struct {
	Found       bool
	Supports    []float64
	Resistances []float64
	OuterPrice  float64
	Reason      string
}

// Found builds a successful result.
func Found(supports, resistances []float64, outer float64) Result {
	return Result{Found: true, Supports: supports, Resistances: resistances, OuterPrice: outer}
}

// NotFound builds a "no level found" result.
func NotFound(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// Provider returns support and resistance prices for a request.
type Provider interface {
	Levels(ctx context.Context, req Request) (Result, error)
}

// CandleSource supplies candle history from start up to now.
type CandleSource interface {
	Candles(ctx context.Context, symbol, timeframe string, start time.Time) ([]models.Candle, error)
}

// CandleProvider runs a registered Algorithm over candle history.
type CandleProvider struct {
	source CandleSource
	cache  *PeakCache
	logger *zap.Logger
}

func NewCandleProvider(source CandleSource, cache *PeakCache, logger *zap.Logger) *CandleProvider {
	if cache == nil {
		cache = NewPeakCache()
	}
	return &CandleProvider{source: source, cache: cache, logger: logger}
}

func (p *CandleProvider) Levels(ctx context.Context, req Request) (Result, error) {
	supports, resistances, err := p.levels(ctx, req.Symbol, req.Algorithm, req.Timeframe, req.Start, req.PriceStep)
	if err != nil {
		return Result{}, err
	}

	outer, res := p.outerPrice(ctx, req)
	if res != nil {
		p.logger.Info("No level found",
			zap.String("symbol", req.Symbol),
			zap.String("position_side", string(req.PositionSide)),
			zap.Float64("anchor_price", req.AnchorPrice),
			zap.String("reason", res.Reason))
		return *res, nil
	}
	if outer > 0 {
		if req.PositionSide == models.Short {
			resistances = append(bound(resistances, req.AnchorPrice, outer), outer)
			supports = bound(supports, 0, outer)
		} else {
			supports = append(bound(supports, outer, req.AnchorPrice), outer)
			resistances = bound(resistances, outer, math.Inf(1))
		}
	}
	return Found(supports, resistances, outer), nil
}

func (p *CandleProvider) levels(ctx context.Context, symbol, algorithm, timeframe string, start time.Time, step float64) ([]float64, []float64, error) {
	algo, err := Lookup(algorithm)
	if err != nil {
		return nil, nil, err
	}
	candles, err := p.source.Candles(ctx, symbol, timeframe, start)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch candles %s %s: %w", symbol, timeframe, err)
	}
	key := CacheKey{Symbol: symbol, Timeframe: timeframe, Algorithm: algorithm}
	covered := start
	if len(candles) > 0 {
		covered = candles[0].OpenTime
	}
	peaks := p.cache.Merge(key, start, covered, algo.Peaks(candles))

	supportSet := make(map[float64]bool)
	resistanceSet := make(map[float64]bool)
	for _, pk := range peaks {
		price := models.RoundToStep(pk.Price, step)
		if pk.Kind == Support {
			supportSet[price] = true
		} else {
			resistanceSet[price] = true
		}
	}
	supports := keys(supportSet)
	sort.Sort(sort.Reverse(sort.Float64Slice(supports)))
	resistances := keys(resistanceSet)
	sort.Float64s(resistances)
	return supports, resistances, nil
}

// outerPrice resolves the outer bound. A non-nil Result means no level found.
func (p *CandleProvider) outerPrice(ctx context.Context, req Request) (float64, *Result) {
	o := req.Outer
	anchor := req.AnchorPrice
	var outer float64

	switch {
	case o.Fixed > 0:
		outer = o.Fixed
	case o.Distance > 0:
		if req.PositionSide == models.Short {
			outer = anchor * (1 + o.Distance)
		} else {
			outer = anchor * (1 - o.Distance)
		}
	case o.LevelNr > 0:
		tf := o.Timeframe
		if tf == "" {
			tf = req.Timeframe
		}
		start := o.Start
		if start.IsZero() {
			start = req.Start
		}
		supports, resistances, err := p.levels(ctx, req.Symbol, req.Algorithm, tf, start, req.PriceStep)
		if err != nil {
			r := NotFound("outer price levels unavailable: %v", err)
			return 0, &r
		}
		var candidates []float64
		if req.PositionSide == models.Short {
			candidates = bound(resistances, anchor, math.Inf(1))
		} else {
			candidates = bound(supports, 0, anchor)
		}
		if len(candidates) < o.LevelNr {
			r := NotFound("outer price level %d requested, only %d levels beyond anchor %v", o.LevelNr, len(candidates), anchor)
			return 0, &r
		}
		outer = candidates[o.LevelNr-1]
	default:
		return 0, nil
	}

	outer = models.RoundToStep(outer, req.PriceStep)
	if (req.PositionSide == models.Short && outer <= anchor) || (req.PositionSide != models.Short && outer >= anchor) {
		r := NotFound("outer price %v is on the wrong side of anchor %v", outer, anchor)
		return 0, &r
	}
	distance := math.Abs(anchor-outer) / anchor
	if o.MinDistance > 0 && distance < o.MinDistance {
		r := NotFound("outer price %v is %.4f from anchor %v, minimum distance is %.4f", outer, distance, anchor, o.MinDistance)
		return 0, &r
	}
	if o.MaxDistance > 0 && distance > o.MaxDistance {
		r := NotFound("outer price %v is %.4f from anchor %v, maximum distance is %.4f", outer, distance, anchor, o.MaxDistance)
		return 0, &r
	}
	return outer, nil
}

// bound keeps prices strictly between lo and hi, preserving order.
func bound(prices []float64, lo, hi float64) []float64 {
	out := make([]float64, 0, len(prices))
	for _, p := range prices {
		if p > lo && p < hi {
			out = append(out, p)
		}
	}
	return out
}

func keys(m map[float64]bool) []float64 {
	out := make([]float64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
