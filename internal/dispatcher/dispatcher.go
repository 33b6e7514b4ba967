// Package dispatcher routes asynchronous triggers to strategy callbacks,
// gated by the mode of each (symbol, position side).
//
// Every registered key owns one worker goroutine that drains its inbox into
// batches, so triggers for one key are processed strictly in sequence. A
// bounded semaphore limits how many keys process a batch at the same time.
package dispatcher

import (
	"context"
	"dca-grid-bot-go/internal/metrics"
	"dca-grid-bot-go/internal/models"
	"dca-grid-bot-go/internal/persistence"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const inboxSize = 256

// Key identifies one (symbol, position side).
type Key struct {
	Symbol       string
	PositionSide models.PositionSide
}

func (k Key) String() string {
	return k.Symbol + "/" + string(k.PositionSide)
}

// Options configure a Dispatcher.
type Options struct {
	Workers       int           // keys processed concurrently
	PulseInterval time.Duration // minimum time between PULSE callbacks per key
	Clock         func() time.Time
}

type worker struct {
	key   Key
	inbox chan Event

	mu      sync.Mutex
	mode    models.Mode
	lastRun time.Time
}

func (w *worker) getMode() models.Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

func (w *worker) setMode(m models.Mode) models.Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.mode
	w.mode = m
	return prev
}

// Dispatcher owns the mode of every registered key.
type Dispatcher struct {
	strategy Strategy
	repo     persistence.ModeRepository
	logger   *zap.Logger
	metrics  *metrics.Metrics
	opts     Options

	sem      chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping atomic.Bool

	mu      sync.RWMutex
	workers map[Key]*worker
}

// New creates a Dispatcher. repo persists modes across restarts.
func New(strategy Strategy, repo persistence.ModeRepository, logger *zap.Logger, m *metrics.Metrics, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		strategy: strategy,
		repo:     repo,
		logger:   logger,
		metrics:  m,
		opts:     opts,
		sem:      make(chan struct{}, opts.Workers),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[Key]*worker),
	}
}

// Register starts the worker for a key. The persisted mode wins over
// initial; initial is used (and persisted) when nothing is stored.
func (d *Dispatcher) Register(symbol string, side models.PositionSide, initial models.Mode) (models.Mode, error) {
	key := Key{symbol, side}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.workers[key]; ok {
		return "", fmt.Errorf("%s already registered", key)
	}

	mode, err := d.repo.LoadMode(symbol, side)
	if err != nil {
		return "", fmt.Errorf("load mode %s: %w", key, err)
	}
	if mode == "" {
		mode = initial
		if mode == "" {
			mode = models.ModeNormal
		}
		if err := d.repo.SaveMode(symbol, side, mode); err != nil {
			return "", fmt.Errorf("save mode %s: %w", key, err)
		}
	} else {
		d.logger.Info("Restored persisted mode", zap.Stringer("key", key), zap.String("mode", string(mode)))
	}

	w := &worker{key: key, inbox: make(chan Event, inboxSize), mode: mode}
	d.workers[key] = w
	d.metrics.SetMode(symbol, side, mode)
	d.wg.Add(1)
	go d.run(w)
	return mode, nil
}

// Mode returns the active mode of a key.
func (d *Dispatcher) Mode(symbol string, side models.PositionSide) (models.Mode, bool) {
	w := d.worker(Key{symbol, side})
	if w == nil {
		return "", false
	}
	return w.getMode(), true
}

// Modes returns the active mode of every registered key, ordered by key.
func (d *Dispatcher) Modes() []persistence.ModeRecord {
	d.mu.RLock()
	out := make([]persistence.ModeRecord, 0, len(d.workers))
	for k, w := range d.workers {
		out = append(out, persistence.ModeRecord{Symbol: k.Symbol, PositionSide: k.PositionSide, Mode: w.getMode()})
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].PositionSide < out[j].PositionSide
	})
	return out
}

// ErrUnknownKey is returned for keys that were never registered.
var ErrUnknownKey = errors.New("symbol/side not registered")

// SetMode is the only mode mutator. It persists the new mode and emits
// MODE_CHANGED for the key.
func (d *Dispatcher) SetMode(symbol string, side models.PositionSide, mode models.Mode) error {
	key := Key{symbol, side}
	w := d.worker(key)
	if w == nil {
		return fmt.Errorf("%s: %w", key, ErrUnknownKey)
	}
	if err := d.repo.SaveMode(symbol, side, mode); err != nil {
		return fmt.Errorf("save mode %s: %w", key, err)
	}
	prev := w.setMode(mode)
	d.metrics.SetMode(symbol, side, mode)
	d.logger.Info("Mode changed",
		zap.Stringer("key", key),
		zap.String("from", string(prev)),
		zap.String("to", string(mode)))
	d.Dispatch(Event{Symbol: symbol, PositionSide: side, Trigger: models.TriggerModeChanged})
	return nil
}

// Dispatch queues a trigger for its key. Triggers for unknown keys, or sent
// after Stop, are dropped.
func (d *Dispatcher) Dispatch(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = d.opts.Clock()
	}
	if d.stopping.Load() {
		d.metrics.TriggersDropped(ev.Symbol, ev.PositionSide, "stopped", 1)
		return
	}
	w := d.worker(Key{ev.Symbol, ev.PositionSide})
	if w == nil {
		d.logger.Warn("Dropping trigger for unregistered key",
			zap.String("symbol", ev.Symbol),
			zap.String("position_side", string(ev.PositionSide)),
			zap.String("trigger", string(ev.Trigger)))
		d.metrics.TriggersDropped(ev.Symbol, ev.PositionSide, "unregistered", 1)
		return
	}
	if ev.Trigger == models.TriggerShutdown {
		select {
		case w.inbox <- ev:
		case <-d.ctx.Done():
		}
		return
	}
	// callbacks dispatch into their own inbox, so a full inbox drops
	// instead of blocking the worker on itself
	select {
	case w.inbox <- ev:
	default:
		d.logger.Warn("Inbox full, dropping trigger",
			zap.Stringer("key", w.key),
			zap.String("trigger", string(ev.Trigger)))
		d.metrics.TriggersDropped(ev.Symbol, ev.PositionSide, "inbox_full", 1)
	}
}

// DispatchAll queues a trigger for every registered key.
func (d *Dispatcher) DispatchAll(trigger models.Trigger) {
	d.mu.RLock()
	keys := make([]Key, 0, len(d.workers))
	for k := range d.workers {
		keys = append(keys, k)
	}
	d.mu.RUnlock()
	for _, k := range keys {
		d.Dispatch(Event{Symbol: k.Symbol, PositionSide: k.PositionSide, Trigger: trigger})
	}
}

// Stop emits SHUTDOWN to every key and waits for the workers to finish
// their shutdown callbacks, or for ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.DispatchAll(models.TriggerShutdown)
	d.stopping.Store(true)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	defer d.cancel()
	select {
	case <-done:
		d.logger.Info("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher stop timed out, workers still running")
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(k Key) *worker {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.workers[k]
}

// run drains the inbox of one key into batches until SHUTDOWN.
func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()
	for {
		var batch []Event
		select {
		case ev := <-w.inbox:
			batch = append(batch, ev)
		case <-d.ctx.Done():
			return
		}
	drain:
		for {
			select {
			case ev := <-w.inbox:
				batch = append(batch, ev)
			default:
				break drain
			}
		}

		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		stop := d.process(w, batch)
		<-d.sem
		if stop {
			return
		}
	}
}

// process handles one batch. It reports whether the key shut down.
func (d *Dispatcher) process(w *worker, batch []Event) (stop bool) {
	key := w.key
	log := d.logger.With(zap.String("symbol", key.Symbol), zap.String("position_side", string(key.PositionSide)))
	defer func() {
		if r := recover(); r != nil {
			log.Error("Strategy callback panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	mode := w.getMode()
	latest := make(map[models.Trigger]Event, len(batch))
	for _, ev := range batch {
		ev.Mode = mode
		latest[ev.Trigger] = ev
	}

	if ev, ok := latest[models.TriggerShutdown]; ok {
		// 即使 OnShutdown panic, worker 也必须退出
		stop = true
		d.call(log, key, models.TriggerShutdown, Strategy.OnShutdown, ev)
		if n := len(batch) - 1; n > 0 {
			d.metrics.TriggersDropped(key.Symbol, key.PositionSide, "shutdown", n)
		}
		return true
	}

	if mode == models.ModeManual {
		log.Debug("Manual mode, ignoring triggers", zap.Int("count", len(batch)))
		d.metrics.TriggersDropped(key.Symbol, key.PositionSide, "manual", len(batch))
		return false
	}

	for t, by := range suppressedBy {
		if _, ok := latest[t]; !ok {
			continue
		}
		for _, s := range by {
			if _, ok := latest[s]; ok {
				delete(latest, t)
				d.metrics.TriggersDropped(key.Symbol, key.PositionSide, "suppressed", 1)
				break
			}
		}
	}

	if _, ok := latest[models.TriggerPulse]; ok {
		w.mu.Lock()
		throttled := d.opts.PulseInterval > 0 && !w.lastRun.IsZero() && d.opts.Clock().Sub(w.lastRun) < d.opts.PulseInterval
		w.mu.Unlock()
		if throttled {
			delete(latest, models.TriggerPulse)
			d.metrics.TriggersDropped(key.Symbol, key.PositionSide, "throttled", 1)
		}
	}

	cancelOnly := mode.IsCancelOnly()
	if cancelOnly && len(latest) > 0 {
		d.call(log, key, "CANCEL_ONLY", Strategy.OnCancelOnly, Event{
			Symbol: key.Symbol, PositionSide: key.PositionSide, Mode: mode, Time: d.opts.Clock(),
		})
	}

	ran := false
	for _, r := range routes {
		ev, ok := latest[r.trigger]
		if !ok {
			continue
		}
		if cancelOnly && r.informational {
			d.metrics.TriggersDropped(key.Symbol, key.PositionSide, "cancel_only", 1)
			continue
		}
		d.call(log, key, r.trigger, r.call, ev)
		ran = true
	}

	if ran || cancelOnly {
		w.mu.Lock()
		w.lastRun = d.opts.Clock()
		w.mu.Unlock()
	}
	return false
}

func (d *Dispatcher) call(log *zap.Logger, key Key, trigger models.Trigger, fn func(Strategy, context.Context, Event) error, ev Event) {
	d.metrics.TriggerDispatched(key.Symbol, key.PositionSide, trigger)
	if err := fn(d.strategy, d.ctx, ev); err != nil {
		log.Error("Strategy callback failed",
			zap.String("trigger", string(trigger)),
			zap.String("mode", string(ev.Mode)),
			zap.Error(err))
	}
}
