package levels

import (
	"dca-grid-bot-go/internal/models"
	"fmt"
	"math"
	"sort"
	"time"
)

// PeakKind tells whether a peak held price from below or from above.
type PeakKind int

const (
	Support PeakKind = iota
	Resistance
)

func (k PeakKind) String() string {
	if k == Resistance {
		return "resistance"
	}
	return "support"
}

// Peak is a price level detected in candle history.
type Peak struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
	Kind  PeakKind  `json:"kind"`
}

// Algorithm turns candles into peaks. Implementations are pure functions
// of their input and hold no per-symbol state.
type Algorithm interface {
	Peaks(candles []models.Candle) []Peak
}

// Registry is the closed set of level algorithms selectable by name.
var Registry = map[string]Algorithm{
	"pivots":         Pivots{Window: 3},
	"volume_profile": VolumeProfile{Buckets: 50, Threshold: 1.5},
}

// Lookup returns the registered algorithm.
func Lookup(name string) (Algorithm, error) {
	a, ok := Registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown level algorithm %q", name)
	}
	return a, nil
}

// Pivots detects swing lows (support) and swing highs (resistance): a candle
// whose low/high is the extreme of Window candles on both sides.
type Pivots struct {
	Window int
}

func (p Pivots) Peaks(candles []models.Candle) []Peak {
	w := p.Window
	if w < 1 {
		w = 1
	}
	var peaks []Peak
	for i := w; i < len(candles)-w; i++ {
		c := candles[i]
		isLow, isHigh := true, true
		for j := i - w; j <= i+w; j++ {
			if j == i {
				continue
			}
			if candles[j].Low <= c.Low {
				isLow = false
			}
			if candles[j].High >= c.High {
				isHigh = false
			}
		}
		if isLow {
			peaks = append(peaks, Peak{Time: c.OpenTime, Price: c.Low, Kind: Support})
		}
		if isHigh {
			peaks = append(peaks, Peak{Time: c.OpenTime, Price: c.High, Kind: Resistance})
		}
	}
	return peaks
}

// VolumeProfile buckets traded volume by price and reports the buckets whose
// volume exceeds Threshold times the mean. Nodes below the period VWAP are
// supports, nodes above are resistances.
type VolumeProfile struct {
	Buckets   int
	Threshold float64
}

func (v VolumeProfile) Peaks(candles []models.Candle) []Peak {
	if len(candles) == 0 || v.Buckets < 1 {
		return nil
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	var pv, vol float64
	for _, c := range candles {
		lo = math.Min(lo, c.Low)
		hi = math.Max(hi, c.High)
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * c.Volume
		vol += c.Volume
	}
	if hi <= lo || vol == 0 {
		return nil
	}
	vwap := pv / vol
	width := (hi - lo) / float64(v.Buckets)

	volumes := make([]float64, v.Buckets)
	lastSeen := make([]time.Time, v.Buckets)
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		idx := int((typical - lo) / width)
		if idx >= v.Buckets {
			idx = v.Buckets - 1
		}
		volumes[idx] += c.Volume
		lastSeen[idx] = c.OpenTime
	}

	mean := vol / float64(v.Buckets)
	var peaks []Peak
	for i, bv := range volumes {
		if bv < mean*v.Threshold {
			continue
		}
		price := lo + (float64(i)+0.5)*width
		kind := Support
		if price > vwap {
			kind = Resistance
		}
		peaks = append(peaks, Peak{Time: lastSeen[i], Price: price, Kind: kind})
	}
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].Time.Before(peaks[j].Time) })
	return peaks
}
