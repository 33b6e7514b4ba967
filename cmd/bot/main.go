package main

import (
	"context"
	"dca-grid-bot-go/internal/api"
	"dca-grid-bot-go/internal/bot"
	"dca-grid-bot-go/internal/candles"
	"dca-grid-bot-go/internal/config"
	"dca-grid-bot-go/internal/exchange"
	"dca-grid-bot-go/internal/gridstore"
	"dca-grid-bot-go/internal/logger"
	"dca-grid-bot-go/internal/marketdata"
	"dca-grid-bot-go/internal/metrics"
	"dca-grid-bot-go/internal/models"
	"dca-grid-bot-go/internal/persistence"
	"dca-grid-bot-go/internal/reporter"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file (json or yaml)")
	mode := flag.String("mode", "live", "running mode: live, paper or grid")
	flag.Parse()

	// 在加载配置之前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	log := logger.InitLogger(cfg.Log)
	defer log.Sync()

	switch *mode {
	case "live", "paper":
		if err := run(cfg, *mode, log); err != nil {
			log.Fatal("机器人运行失败", zap.Error(err))
		}
	case "grid":
		if err := printGrids(cfg, log); err != nil {
			log.Fatal("读取网格失败", zap.Error(err))
		}
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live'、'paper' 或 'grid'。", *mode)
	}
}

// openStores 打开模式存储和网格存储，返回的函数负责关闭它们
func openStores(cfg *models.Config) (gridstore.Store, persistence.ModeRepository, func(), error) {
	db, err := persistence.OpenBadger(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	store, err := gridstore.Open(cfg.GridStore, db)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	closeAll := func() {
		_ = store.Close()
		_ = db.Close()
	}
	return store, persistence.NewBadgerModeRepository(db), closeAll, nil
}

func symbolList(cfg *models.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range cfg.Symbols {
		if !seen[s.Symbol] {
			seen[s.Symbol] = true
			out = append(out, s.Symbol)
		}
	}
	return out
}

// run 运行实盘或模拟盘
func run(cfg *models.Config, mode string, log *zap.Logger) error {
	ctx := context.Background()
	if cfg.IsTestnet {
		log.Info("正在使用币安测试网...")
	}
	client := exchange.NewFuturesClient(cfg)

	var (
		ex   exchange.Exchange
		live *exchange.LiveExchange
	)
	if mode == "live" {
		if cfg.APIKey == "" || cfg.SecretKey == "" {
			return fmt.Errorf("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
		}
		live = exchange.NewLiveExchange(client, log.Named("exchange"))
		if err := live.SyncTime(ctx); err != nil {
			return fmt.Errorf("时间同步失败: %w", err)
		}
		if err := live.EnableHedgeMode(ctx); err != nil {
			return fmt.Errorf("开启双向持仓失败: %w", err)
		}
		ex = live
		log.Info("--- 启动实时交易模式 ---")
	} else {
		ex = exchange.NewPaperExchange(cfg.Paper, log.Named("paper"))
		log.Info("--- 启动模拟盘模式 ---", zap.Float64("initial_balance", cfg.Paper.InitialBalance))
	}

	store, modes, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	dcaBot := bot.New(cfg, bot.Deps{
		Exchange: ex,
		Candles:  candles.NewBinanceSource(client),
		Store:    store,
		Modes:    modes,
		Metrics:  m,
	}, log)

	dcaBot.AddRunner(marketdata.NewMarkPriceStream(cfg.WSBaseURL, symbolList(cfg), dcaBot.Events().OnPrice, log.Named("marketdata")))
	if live != nil {
		dcaBot.AddRunner(marketdata.NewUserStream(cfg.WSBaseURL, live, dcaBot.Events(), log.Named("userdata")))
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(dcaBot.Dispatcher(), store, reg, log.Named("api"))
		server.Start(cfg.API.Listen)
	}

	if err := dcaBot.Start(ctx); err != nil {
		return fmt.Errorf("机器人启动失败: %w", err)
	}

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("收到退出信号，正在停止...")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(stopCtx); err != nil {
			log.Warn("API 服务关闭失败", zap.Error(err))
		}
	}
	if err := dcaBot.Stop(stopCtx); err != nil {
		log.Warn("机器人停止超时", zap.Error(err))
	}
	log.Info("机器人已成功停止，网格和模式已保存。")
	return nil
}

// printGrids 以表格形式打印所有已存储的网格
func printGrids(cfg *models.Config, log *zap.Logger) error {
	store, modes, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	ctx := context.Background()
	keys, err := store.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		log.Info("没有已存储的网格")
		return nil
	}
	for _, k := range keys {
		snap, err := gridstore.Load(ctx, store, k.Symbol, k.PositionSide)
		if err != nil {
			return err
		}
		reporter.RenderGrid(os.Stdout, snap, nil)
		if mode, err := modes.LoadMode(k.Symbol, k.PositionSide); err == nil && mode != "" {
			fmt.Printf("mode: %s\n\n", mode)
		}
	}
	return nil
}
