package config

import (
	"dca-grid-bot-go/internal/models"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMutuallyExclusive 多个仓位策略同时配置
var ErrMutuallyExclusive = errors.New("sizing policies are mutually exclusive")

// EnvPrefix 环境变量前缀, e.g. DCABOT_API_KEY
const EnvPrefix = "DCABOT"

// LoadConfig 从指定路径加载配置文件(JSON/YAML)并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &models.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	// API密钥优先从环境变量读取 (.env 由 main 加载)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("BINANCE_API_KEY")
	}
	if cfg.SecretKey == "" {
		cfg.SecretKey = os.Getenv("BINANCE_SECRET_KEY")
	}

	applySymbolDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "https://fapi.binance.com")
	v.SetDefault("ws_base_url", "wss://fstream.binance.com")
	v.SetDefault("db_path", "data/bot.db")
	v.SetDefault("grid_store.backend", "badger")
	v.SetDefault("api.listen", "127.0.0.1:8080")
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.pulse_interval", "5s")
	v.SetDefault("dispatcher.periodic_check_interval", "1m")
	v.SetDefault("prefetch.workers", 4)
	v.SetDefault("prefetch.timeout", "60s")
	v.SetDefault("paper.initial_balance", 1000.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file", "logs/bot.log")
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
}

func applySymbolDefaults(cfg *models.Config) {
	for i := range cfg.Symbols {
		s := &cfg.Symbols[i]
		s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
		s.PositionSide = models.PositionSide(strings.ToUpper(string(s.PositionSide)))
		if s.InitialMode == "" {
			s.InitialMode = models.ModeNormal
		}
		if s.ModeAfterStoploss == "" {
			s.ModeAfterStoploss = models.ModeManual
		}
		if s.EntryOrderType == "" {
			s.EntryOrderType = models.OrderTypeMarket
		}
		s.EntryOrderType = models.OrderType(strings.ToUpper(string(s.EntryOrderType)))
		if s.Grid.LevelAlgorithm == "" {
			s.Grid.LevelAlgorithm = "pivots"
		}
		if s.Grid.PeriodTimeframe == "" {
			s.Grid.PeriodTimeframe = "1h"
		}
		if s.Grid.OuterPriceTimeframe == "" {
			s.Grid.OuterPriceTimeframe = s.Grid.PeriodTimeframe
		}
	}
}

var validTimeframes = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// names registered in levels.Registry
var knownLevelAlgorithms = map[string]bool{"pivots": true, "volume_profile": true}

// Validate 校验配置，任何错误都会阻止对应的 symbol 启动
func Validate(cfg *models.Config) error {
	var errs []error

	switch cfg.GridStore.Backend {
	case "memory", "badger", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("grid_store.backend %q must be memory, badger or sqlite", cfg.GridStore.Backend))
	}
	if cfg.Dispatcher.Workers < 1 {
		errs = append(errs, errors.New("dispatcher.workers must be at least 1"))
	}
	if cfg.Prefetch.Workers < 1 {
		errs = append(errs, errors.New("prefetch.workers must be at least 1"))
	}
	if len(cfg.Symbols) == 0 {
		errs = append(errs, errors.New("no symbols configured"))
	}

	seen := make(map[string]bool)
	for i, s := range cfg.Symbols {
		key := s.Symbol + "/" + string(s.PositionSide)
		if seen[key] {
			errs = append(errs, fmt.Errorf("symbols[%d]: duplicate %s", i, key))
		}
		seen[key] = true
		if err := ValidateSymbol(s); err != nil {
			errs = append(errs, fmt.Errorf("symbols[%d] %s: %w", i, key, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateSymbol checks a single symbol configuration.
func ValidateSymbol(s models.SymbolConfig) error {
	var errs []error
	if s.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if _, err := models.ParsePositionSide(string(s.PositionSide)); err != nil {
		errs = append(errs, err)
	}
	if _, err := models.ParseMode(string(s.InitialMode)); err != nil {
		errs = append(errs, fmt.Errorf("initial_mode: %w", err))
	}
	if _, err := models.ParseMode(string(s.ModeAfterStoploss)); err != nil {
		errs = append(errs, fmt.Errorf("mode_after_stoploss: %w", err))
	}
	if s.EntryOrderType != models.OrderTypeMarket && s.EntryOrderType != models.OrderTypeLimit {
		errs = append(errs, fmt.Errorf("entry_order_type %q must be MARKET or LIMIT", s.EntryOrderType))
	}
	if s.InitialEntryCost <= 0 {
		errs = append(errs, errors.New("initial_entry_cost must be positive"))
	}
	if s.WalletExposure < 0 || s.WalletExposure > 10 {
		errs = append(errs, fmt.Errorf("wallet_exposure %v out of range [0, 10]", s.WalletExposure))
	}
	if s.TPDistance < 0 || s.TPDistance >= 1 {
		errs = append(errs, fmt.Errorf("tp_distance %v out of range [0, 1)", s.TPDistance))
	}
	if s.StoplossDistance < 0 || s.StoplossDistance >= 1 {
		errs = append(errs, fmt.Errorf("stoploss_distance %v out of range [0, 1)", s.StoplossDistance))
	}
	if err := ValidateGrid(s.Grid); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateGrid checks the grid section, including sizing policy exclusivity.
func ValidateGrid(g models.GridConfig) error {
	var errs []error

	policies := g.SizingPolicies()
	switch len(policies) {
	case 0:
		errs = append(errs, errors.New("one of ratio_power, dca_quantity_multiplier, previous_quantity_multiplier, desired_position_distance_after_dca is required"))
	case 1:
	default:
		errs = append(errs, fmt.Errorf("%w: %v", ErrMutuallyExclusive, policies))
	}

	if !knownLevelAlgorithms[g.LevelAlgorithm] {
		errs = append(errs, fmt.Errorf("unknown level_algorithm %q", g.LevelAlgorithm))
	}
	if g.Period == "" {
		errs = append(errs, errors.New("period is required"))
	} else if _, err := ParsePeriod(g.Period); err != nil {
		errs = append(errs, err)
	}
	if g.OuterPricePeriod != "" {
		if _, err := ParsePeriod(g.OuterPricePeriod); err != nil {
			errs = append(errs, fmt.Errorf("outer_price_period: %w", err))
		}
	}
	if g.PeriodStartDate != "" {
		if _, err := ParseStartDate(g.PeriodStartDate); err != nil {
			errs = append(errs, err)
		}
	}
	if !validTimeframes[g.PeriodTimeframe] {
		errs = append(errs, fmt.Errorf("unknown period_timeframe %q", g.PeriodTimeframe))
	}
	if !validTimeframes[g.OuterPriceTimeframe] {
		errs = append(errs, fmt.Errorf("unknown outer_price_timeframe %q", g.OuterPriceTimeframe))
	}

	outer := 0
	if g.OuterPrice > 0 {
		outer++
	}
	if g.OuterPriceDistance > 0 {
		outer++
	}
	if g.OuterPriceLevelNr > 0 {
		outer++
	}
	if outer > 1 {
		errs = append(errs, errors.New("outer_price, outer_price_distance and outer_price_level_nr are mutually exclusive"))
	}

	for name, v := range map[string]float64{
		"overlap":                             g.Overlap,
		"minimum_distance_between_levels":     g.MinimumDistanceBetweenLevels,
		"outer_price_distance":                g.OuterPriceDistance,
		"minimum_distance_to_outer_price":     g.MinimumDistanceToOuterPrice,
		"maximum_distance_from_outer_price":   g.MaximumDistanceFromOuterPrice,
		"desired_position_distance_after_dca": g.DesiredPositionDistanceAfterDCA,
	} {
		if v < 0 || v >= 1 {
			errs = append(errs, fmt.Errorf("%s %v out of range [0, 1)", name, v))
		}
	}
	if g.MinimumDistanceToOuterPrice > 0 && g.MaximumDistanceFromOuterPrice > 0 &&
		g.MinimumDistanceToOuterPrice > g.MaximumDistanceFromOuterPrice {
		errs = append(errs, errors.New("minimum_distance_to_outer_price exceeds maximum_distance_from_outer_price"))
	}
	if g.RatioPower < 0 {
		errs = append(errs, fmt.Errorf("ratio_power %v must be positive", g.RatioPower))
	}
	if g.DCAQuantityMultiplier < 0 || g.PreviousQuantityMultiplier < 0 {
		errs = append(errs, errors.New("quantity multipliers must be positive"))
	}
	// accumulated multiplier of 1 or less never adds to the position
	if g.DCAQuantityMultiplier > 0 && g.DCAQuantityMultiplier <= 1 {
		errs = append(errs, fmt.Errorf("dca_quantity_multiplier %v must be greater than 1", g.DCAQuantityMultiplier))
	}
	if g.NrClusters < 0 || g.MinimumNumberDCAQuantities < 0 || g.OuterPriceLevelNr < 0 {
		errs = append(errs, errors.New("nr_clusters, minimum_number_dca_quantities and outer_price_level_nr must not be negative"))
	}
	if g.MaxSize < 0 {
		errs = append(errs, errors.New("max_size must not be negative"))
	}
	return errors.Join(errs...)
}

// ParsePeriod 解析 "30m", "4h", "3d", "2w", "1M" 形式的回溯周期
// 月份按30天计算
func ParsePeriod(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid period %q", s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid period %q", s)
	}
	day := 24 * time.Hour
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * day, nil
	case 'w':
		return time.Duration(n) * 7 * day, nil
	case 'M':
		return time.Duration(n) * 30 * day, nil
	}
	return 0, fmt.Errorf("invalid period unit in %q", s)
}

// ParseStartDate accepts RFC3339 or a plain date.
func ParseStartDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid period_start_date %q", s)
	}
	return t, nil
}

// LookbackStart resolves when a lookback window begins: the explicit start
// date when configured, otherwise now minus the period.
func LookbackStart(now time.Time, period, startDate string) (time.Time, error) {
	if startDate != "" {
		return ParseStartDate(startDate)
	}
	d, err := ParsePeriod(period)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-d), nil
}
