package candles

import (
	"context"
	"dca-grid-bot-go/internal/metrics"
	"dca-grid-bot-go/internal/models"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one candle series to warm up.
type Task struct {
	Symbol    string
	Timeframe string
	Start     time.Time
}

// Report summarises a prefetch round.
type Report struct {
	Completed int
	Failed    int
	Cancelled int // never started before the timeout
	Leaked    int // still running after cancellation and grace period
}

const (
	taskPending int32 = iota
	taskRunning
	taskDone
)

type cacheKey struct {
	symbol    string
	timeframe string
}

type cacheEntry struct {
	start     time.Time
	candles   []models.Candle
	fetchedAt time.Time
}

// Prefetcher fetches candle series in parallel on a bounded pool and serves
// them from memory afterwards. It satisfies Source.
type Prefetcher struct {
	source  Source
	workers int
	timeout time.Duration
	grace   time.Duration
	maxAge  time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
}

// PrefetcherOption configures a Prefetcher.
type PrefetcherOption func(*Prefetcher)

// WithGrace sets how long cancelled tasks get to exit before they count as leaked.
func WithGrace(d time.Duration) PrefetcherOption {
	return func(p *Prefetcher) { p.grace = d }
}

// WithMaxAge sets how long a cached series is served without refetching.
func WithMaxAge(d time.Duration) PrefetcherOption {
	return func(p *Prefetcher) { p.maxAge = d }
}

func WithMetrics(m *metrics.Metrics) PrefetcherOption {
	return func(p *Prefetcher) { p.metrics = m }
}

func WithClock(now func() time.Time) PrefetcherOption {
	return func(p *Prefetcher) { p.now = now }
}

func NewPrefetcher(source Source, workers int, timeout time.Duration, logger *zap.Logger, opts ...PrefetcherOption) *Prefetcher {
	if workers < 1 {
		workers = 1
	}
	p := &Prefetcher{
		source:  source,
		workers: workers,
		timeout: timeout,
		grace:   time.Second,
		maxAge:  time.Minute,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[cacheKey]cacheEntry),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Prefetch warms the cache for all tasks. It returns once every task has
// finished or the overall timeout expired; tasks that keep running after
// cancellation are reported as leaked rather than waited for.
func (p *Prefetcher) Prefetch(ctx context.Context, tasks []Task) Report {
	began := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	states := make([]atomic.Int32, len(tasks))
	failed := make([]atomic.Bool, len(tasks))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				states[i].Store(taskRunning)
				if _, err := p.fetch(ctx, tasks[i]); err != nil {
					failed[i].Store(true)
					p.logger.Warn("Candle prefetch failed",
						zap.String("symbol", tasks[i].Symbol),
						zap.String("timeframe", tasks[i].Timeframe),
						zap.Error(err))
				}
				states[i].Store(taskDone)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range tasks {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		cancel()
		select {
		case <-finished:
		case <-time.After(p.grace):
		}
	}

	var r Report
	for i := range tasks {
		switch states[i].Load() {
		case taskPending:
			r.Cancelled++
		case taskRunning:
			r.Leaked++
		case taskDone:
			if failed[i].Load() {
				r.Failed++
			} else {
				r.Completed++
			}
		}
	}
	if r.Leaked > 0 {
		p.logger.Warn("Candle prefetch tasks still running after timeout",
			zap.Int("leaked", r.Leaked),
			zap.Duration("timeout", p.timeout))
	}
	p.metrics.PrefetchLeaked(r.Leaked)
	p.metrics.PrefetchDuration(time.Since(began).Seconds())
	p.logger.Info("Candle prefetch finished",
		zap.Int("completed", r.Completed),
		zap.Int("failed", r.Failed),
		zap.Int("cancelled", r.Cancelled),
		zap.Int("leaked", r.Leaked))
	return r
}

// Candles serves a cached series when it covers start and is fresh enough,
// otherwise it fetches through the underlying source.
func (p *Prefetcher) Candles(ctx context.Context, symbol, timeframe string, start time.Time) ([]models.Candle, error) {
	key := cacheKey{symbol, timeframe}
	p.mu.RLock()
	entry, ok := p.cache[key]
	p.mu.RUnlock()
	if ok && !entry.start.After(start) && p.now().Sub(entry.fetchedAt) < p.maxAge {
		return since(entry.candles, start), nil
	}
	return p.fetch(ctx, Task{Symbol: symbol, Timeframe: timeframe, Start: start})
}

func (p *Prefetcher) fetch(ctx context.Context, t Task) ([]models.Candle, error) {
	candles, err := p.source.Candles(ctx, t.Symbol, t.Timeframe, t.Start)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.cache[cacheKey{t.Symbol, t.Timeframe}] = cacheEntry{start: t.Start, candles: candles, fetchedAt: p.now()}
	p.mu.Unlock()
	return since(candles, t.Start), nil
}

func since(candles []models.Candle, start time.Time) []models.Candle {
	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		if !c.OpenTime.Before(start) {
			out = append(out, c)
		}
	}
	return out
}
