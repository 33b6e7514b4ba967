package bot

import (
	"context"
	"dca-grid-bot-go/internal/candles"
	"dca-grid-bot-go/internal/config"
	"dca-grid-bot-go/internal/dispatcher"
	"dca-grid-bot-go/internal/exchange"
	"dca-grid-bot-go/internal/gridstore"
	"dca-grid-bot-go/internal/levels"
	"dca-grid-bot-go/internal/metrics"
	"dca-grid-bot-go/internal/models"
	"dca-grid-bot-go/internal/persistence"
	"dca-grid-bot-go/internal/planner"
	"dca-grid-bot-go/internal/reconcile"
	"dca-grid-bot-go/internal/strategy"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner 是随机器人一起启动的后台循环 (例如 WebSocket 数据流)
type Runner interface {
	Run(ctx context.Context)
}

// Deps 机器人运行所需的外部组件
type Deps struct {
	Exchange exchange.Exchange
	Candles  candles.Source
	Store    gridstore.Store
	Modes    persistence.ModeRepository
	Metrics  *metrics.Metrics
	// Levels 为空时由 Candles 和 K线预取构建
	Levels levels.Provider
}

// DCABot 把网格规划、对账、策略和触发器调度组装在一起
type DCABot struct {
	config     *models.Config
	exchange   exchange.Exchange
	store      gridstore.Store
	prefetcher *candles.Prefetcher
	planner    *planner.Planner
	strategy   *strategy.DCA
	dispatcher *dispatcher.Dispatcher
	events     *EventRouter
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	runners   []Runner
}

// New 创建一个新的机器人实例
func New(cfg *models.Config, deps Deps, logger *zap.Logger) *DCABot {
	b := &DCABot{
		config:   cfg,
		exchange: deps.Exchange,
		store:    deps.Store,
		metrics:  deps.Metrics,
		logger:   logger,
	}

	provider := deps.Levels
	if provider == nil {
		b.prefetcher = candles.NewPrefetcher(deps.Candles, cfg.Prefetch.Workers, cfg.Prefetch.Timeout,
			logger.Named("prefetch"), candles.WithMetrics(deps.Metrics))
		provider = levels.NewCandleProvider(b.prefetcher, levels.NewPeakCache(), logger.Named("levels"))
	}
	b.planner = planner.New(provider, deps.Store, logger.Named("planner"))
	reconciler := reconcile.New(deps.Exchange, deps.Exchange, logger.Named("reconcile"), deps.Metrics)
	b.strategy = strategy.NewDCA(cfg.Symbols, deps.Exchange, b.planner, reconciler, logger.Named("strategy"), deps.Metrics)
	b.dispatcher = dispatcher.New(b.strategy, deps.Modes, logger.Named("dispatcher"), deps.Metrics, dispatcher.Options{
		Workers:       cfg.Dispatcher.Workers,
		PulseInterval: cfg.Dispatcher.PulseInterval,
	})
	b.strategy.SetModeSetter(b.dispatcher)
	b.events = NewEventRouter(b.dispatcher, cfg.Symbols, logger.Named("events"))

	// 模拟盘: 价格推动撮合，成交回报直接转换为触发器
	if paper, ok := deps.Exchange.(*exchange.PaperExchange); ok {
		b.events.prices = paper.SetPrice
		paper.OnFill(b.events.OnFill)
	}
	return b
}

// Dispatcher exposes the trigger dispatcher to the API and the streams.
func (b *DCABot) Dispatcher() *dispatcher.Dispatcher { return b.dispatcher }

// Events returns the router that turns stream events into triggers.
func (b *DCABot) Events() *EventRouter { return b.events }

// AddRunner 注册一个在 Start 时启动、在 Stop 时结束的后台循环
func (b *DCABot) AddRunner(r Runner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runners = append(b.runners, r)
}

// Start 启动机器人: 设置杠杆、预取K线、注册所有 (symbol, side) 并发送启动触发器
func (b *DCABot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.isRunning {
		b.mu.Unlock()
		return fmt.Errorf("机器人已在运行")
	}
	b.isRunning = true
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	runners := append([]Runner(nil), b.runners...)
	b.mu.Unlock()

	started := false
	defer func() {
		if started {
			return
		}
		cancel()
		b.mu.Lock()
		b.isRunning = false
		b.mu.Unlock()
	}()

	leverage := make(map[string]int)
	for _, s := range b.config.Symbols {
		if s.Leverage > leverage[s.Symbol] {
			leverage[s.Symbol] = s.Leverage
		}
	}
	for symbol, lev := range leverage {
		if err := b.exchange.SetLeverage(ctx, symbol, lev); err != nil {
			b.logger.Warn("设置杠杆失败", zap.String("symbol", symbol), zap.Int("leverage", lev), zap.Error(err))
		}
	}

	if b.prefetcher != nil {
		tasks, err := prefetchTasks(b.config.Symbols, time.Now())
		if err != nil {
			return err
		}
		report := b.prefetcher.Prefetch(ctx, tasks)
		b.logger.Info("K线预取完成",
			zap.Int("completed", report.Completed),
			zap.Int("failed", report.Failed),
			zap.Int("cancelled", report.Cancelled),
			zap.Int("leaked", report.Leaked))
	}

	for _, s := range b.config.Symbols {
		// 上一次失败的 Start 可能已经注册过
		mode, registered := b.dispatcher.Mode(s.Symbol, s.PositionSide)
		if !registered {
			var err error
			mode, err = b.dispatcher.Register(s.Symbol, s.PositionSide, s.InitialMode)
			if err != nil {
				return fmt.Errorf("register %s/%s: %w", s.Symbol, s.PositionSide, err)
			}
		}
		trigger := models.TriggerNoPositionStartup
		pos, err := b.exchange.Position(ctx, s.Symbol, s.PositionSide)
		if err != nil {
			b.logger.Warn("启动时获取持仓失败", zap.String("symbol", s.Symbol), zap.Error(err))
		} else if pos.IsOpen() {
			trigger = models.TriggerOpenPositionStartup
		}
		b.logger.Info("交易对已注册",
			zap.String("symbol", s.Symbol),
			zap.String("position_side", string(s.PositionSide)),
			zap.String("mode", string(mode)),
			zap.String("startup_trigger", string(trigger)))
		b.dispatcher.Dispatch(dispatcher.Event{Symbol: s.Symbol, PositionSide: s.PositionSide, Trigger: trigger, Time: time.Now()})
	}

	b.goRun(func() { b.periodicLoop(runCtx) })
	b.goRun(func() { b.monitorStatus(runCtx) })
	for _, r := range runners {
		r := r
		b.goRun(func() { r.Run(runCtx) })
	}

	started = true
	b.logger.Info("DCA 网格机器人已启动", zap.Int("keys", len(b.config.Symbols)))
	return nil
}

func (b *DCABot) goRun(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// prefetchTasks 列出所有网格配置需要的K线序列
func prefetchTasks(symbols []models.SymbolConfig, now time.Time) ([]candles.Task, error) {
	var tasks []candles.Task
	seen := make(map[candles.Task]bool)
	add := func(t candles.Task) {
		if t.Timeframe == "" || seen[t] {
			return
		}
		seen[t] = true
		tasks = append(tasks, t)
	}
	for _, s := range symbols {
		g := s.Grid
		start, err := config.LookbackStart(now, g.Period, g.PeriodStartDate)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", s.Symbol, s.PositionSide, err)
		}
		add(candles.Task{Symbol: s.Symbol, Timeframe: g.PeriodTimeframe, Start: start})
		if g.OuterPricePeriod != "" {
			outer, err := config.LookbackStart(now, g.OuterPricePeriod, "")
			if err != nil {
				return nil, fmt.Errorf("%s/%s: %w", s.Symbol, s.PositionSide, err)
			}
			tf := g.OuterPriceTimeframe
			if tf == "" {
				tf = g.PeriodTimeframe
			}
			add(candles.Task{Symbol: s.Symbol, Timeframe: tf, Start: outer})
		}
	}
	return tasks, nil
}

// periodicLoop 定期发送 PERIODIC_CHECK 用于自愈和重新对账
func (b *DCABot) periodicLoop(ctx context.Context) {
	interval := b.config.Dispatcher.PeriodicCheckInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.dispatcher.DispatchAll(models.TriggerPeriodicCheck)
		}
	}
}

// monitorStatus 定期打印状态
func (b *DCABot) monitorStatus(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.printStatus(ctx)
		}
	}
}

func (b *DCABot) printStatus(ctx context.Context) {
	for _, rec := range b.dispatcher.Modes() {
		log := b.logger.With(zap.String("symbol", rec.Symbol), zap.String("position_side", string(rec.PositionSide)))
		pos, err := b.exchange.Position(ctx, rec.Symbol, rec.PositionSide)
		if err != nil {
			log.Warn("获取持仓失败", zap.Error(err))
			continue
		}
		orders, err := b.exchange.OpenOrders(ctx, rec.Symbol, rec.PositionSide, "")
		if err != nil {
			log.Warn("获取挂单失败", zap.Error(err))
			continue
		}
		snap, err := gridstore.Load(ctx, b.store, rec.Symbol, rec.PositionSide)
		if err != nil {
			log.Warn("读取网格失败", zap.Error(err))
			continue
		}
		log.Info("状态",
			zap.String("mode", string(rec.Mode)),
			zap.Float64("position", pos.Quantity),
			zap.Float64("entry_price", pos.EntryPrice),
			zap.Int("open_orders", len(orders)),
			zap.Int("grid_rungs", snap.Rungs()))
	}
}

// Stop 停止机器人: 通知策略关闭并等待所有后台循环退出。挂单保持不变。
func (b *DCABot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.isRunning {
		b.mu.Unlock()
		return nil
	}
	b.isRunning = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	err := b.dispatcher.Stop(ctx)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	b.logger.Info("DCA 网格机器人已停止")
	return err
}
