package levels

import (
	"sort"
	"sync"
	"time"
)

// CacheKey identifies one peak series.
type CacheKey struct {
	Symbol    string
	Timeframe string
	Algorithm string
}

// PeakCache keeps detected peaks per (symbol, timeframe, algorithm) so that
// peaks from candles the source no longer returns survive inside the window.
// Peaks older than the window start are evicted on every Merge.
type PeakCache struct {
	mu      sync.Mutex
	entries map[CacheKey][]Peak
}

func NewPeakCache() *PeakCache {
	return &PeakCache{entries: make(map[CacheKey][]Peak)}
}

// Merge replaces the cached peaks at or after covered (the first candle the
// algorithm just ran over) with peaks, keeps older cached peaks not before
// start and returns the resulting series ordered by time.
func (c *PeakCache) Merge(key CacheKey, start, covered time.Time, peaks []Peak) []Peak {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing := c.entries[key]
	merged := make([]Peak, 0, len(existing)+len(peaks))
	for _, p := range existing {
		if p.Time.Before(covered) {
			merged = append(merged, p)
		}
	}
	merged = append(merged, peaks...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Time.Before(merged[j].Time) })
	merged = purge(merged, start)
	c.entries[key] = merged

	out := make([]Peak, len(merged))
	copy(out, merged)
	return out
}

// PurgeBefore evicts peaks older than start for key.
func (c *PeakCache) PurgeBefore(key CacheKey, start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = purge(c.entries[key], start)
}

// Len returns the number of cached peaks for key.
func (c *PeakCache) Len(key CacheKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries[key])
}

func purge(peaks []Peak, start time.Time) []Peak {
	i := sort.Search(len(peaks), func(i int) bool { return !peaks[i].Time.Before(start) })
	return peaks[i:]
}
