package models

import "time"

// Config 定义了整个应用的配置结构
type Config struct {
	IsTestnet  bool             `mapstructure:"is_testnet" json:"is_testnet"`
	BaseURL    string           `mapstructure:"base_url" json:"base_url"`
	WSBaseURL  string           `mapstructure:"ws_base_url" json:"ws_base_url"`
	APIKey     string           `mapstructure:"api_key" json:"-"`
	SecretKey  string           `mapstructure:"secret_key" json:"-"`
	DBPath     string           `mapstructure:"db_path" json:"db_path"`
	GridStore  GridStoreConfig  `mapstructure:"grid_store" json:"grid_store"`
	API        APIConfig        `mapstructure:"api" json:"api"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" json:"dispatcher"`
	Prefetch   PrefetchConfig   `mapstructure:"prefetch" json:"prefetch"`
	Paper      PaperConfig      `mapstructure:"paper" json:"paper"`
	Log        LogConfig        `mapstructure:"log" json:"log"`
	Symbols    []SymbolConfig   `mapstructure:"symbols" json:"symbols"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `mapstructure:"level" json:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `mapstructure:"output" json:"output"`           // 输出位置, "console", "file", or "both"
	File       string `mapstructure:"file" json:"file"`               // 日志文件路径
	MaxSize    int    `mapstructure:"max_size" json:"max_size"`       // 每个日志文件的最大大小 (MB)
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"` // 保留的旧日志文件的最大数量
	MaxAge     int    `mapstructure:"max_age" json:"max_age"`         // 保留的旧日志文件的最大天数
	Compress   bool   `mapstructure:"compress" json:"compress"`       // 是否压缩旧的日志文件
}

// GridStoreConfig 网格存储后端
type GridStoreConfig struct {
	Backend string `mapstructure:"backend" json:"backend"` // memory | badger | sqlite
	Path    string `mapstructure:"path" json:"path"`
}

// APIConfig REST 控制接口
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Listen  string `mapstructure:"listen" json:"listen"`
}

// DispatcherConfig 触发器调度
type DispatcherConfig struct {
	Workers               int           `mapstructure:"workers" json:"workers"`
	PulseInterval         time.Duration `mapstructure:"pulse_interval" json:"pulse_interval"`
	PeriodicCheckInterval time.Duration `mapstructure:"periodic_check_interval" json:"periodic_check_interval"`
}

// PrefetchConfig K线预取
type PrefetchConfig struct {
	Workers int           `mapstructure:"workers" json:"workers"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// PaperConfig 模拟盘参数
type PaperConfig struct {
	InitialBalance float64 `mapstructure:"initial_balance" json:"initial_balance"`
	PriceStep      float64 `mapstructure:"price_step" json:"price_step"`
	QtyStep        float64 `mapstructure:"qty_step" json:"qty_step"`
	MinQty         float64 `mapstructure:"min_qty" json:"min_qty"`
	MinCost        float64 `mapstructure:"min_cost" json:"min_cost"`
}

// SymbolConfig 单个 (symbol, position_side) 的策略配置
type SymbolConfig struct {
	Symbol            string       `mapstructure:"symbol" json:"symbol"`
	PositionSide      PositionSide `mapstructure:"position_side" json:"position_side"`
	Leverage          int          `mapstructure:"leverage" json:"leverage"`
	InitialMode       Mode         `mapstructure:"initial_mode" json:"initial_mode"`
	WalletExposure    float64      `mapstructure:"wallet_exposure" json:"wallet_exposure"`
	InitialEntryCost  float64      `mapstructure:"initial_entry_cost" json:"initial_entry_cost"`
	EntryOrderType    OrderType    `mapstructure:"entry_order_type" json:"entry_order_type"`
	TPDistance        float64      `mapstructure:"tp_distance" json:"tp_distance"`
	StoplossDistance  float64      `mapstructure:"stoploss_distance" json:"stoploss_distance"`
	ModeAfterStoploss Mode         `mapstructure:"mode_after_stoploss" json:"mode_after_stoploss"`
	Grid              GridConfig   `mapstructure:"grid" json:"grid"`
}

// GridConfig 网格构建参数
type GridConfig struct {
	LevelAlgorithm  string `mapstructure:"level_algorithm" json:"level_algorithm"`
	Period          string `mapstructure:"period" json:"period"` // e.g. "3d", "2w", "1M"
	PeriodTimeframe string `mapstructure:"period_timeframe" json:"period_timeframe"`
	PeriodStartDate string `mapstructure:"period_start_date" json:"period_start_date"` // RFC3339 或 2006-01-02
	NrClusters      int    `mapstructure:"nr_clusters" json:"nr_clusters"`

	OuterPrice                    float64 `mapstructure:"outer_price" json:"outer_price"`
	OuterPriceDistance            float64 `mapstructure:"outer_price_distance" json:"outer_price_distance"`
	OuterPricePeriod              string  `mapstructure:"outer_price_period" json:"outer_price_period"`
	OuterPriceTimeframe           string  `mapstructure:"outer_price_timeframe" json:"outer_price_timeframe"`
	OuterPriceLevelNr             int     `mapstructure:"outer_price_level_nr" json:"outer_price_level_nr"`
	MinimumDistanceToOuterPrice   float64 `mapstructure:"minimum_distance_to_outer_price" json:"minimum_distance_to_outer_price"`
	MaximumDistanceFromOuterPrice float64 `mapstructure:"maximum_distance_from_outer_price" json:"maximum_distance_from_outer_price"`

	Overlap                      float64 `mapstructure:"overlap" json:"overlap"`
	MinimumDistanceBetweenLevels float64 `mapstructure:"minimum_distance_between_levels" json:"minimum_distance_between_levels"`

	// 以下四种仓位策略互斥
	RatioPower                      float64 `mapstructure:"ratio_power" json:"ratio_power"`
	DCAQuantityMultiplier           float64 `mapstructure:"dca_quantity_multiplier" json:"dca_quantity_multiplier"`
	PreviousQuantityMultiplier      float64 `mapstructure:"previous_quantity_multiplier" json:"previous_quantity_multiplier"`
	DesiredPositionDistanceAfterDCA float64 `mapstructure:"desired_position_distance_after_dca" json:"desired_position_distance_after_dca"`

	MaxSize                             float64 `mapstructure:"max_size" json:"max_size"`
	MinimumNumberDCAQuantities          int     `mapstructure:"minimum_number_dca_quantities" json:"minimum_number_dca_quantities"`
	OverrideInsufficientLevelsAvailable bool    `mapstructure:"override_insufficient_levels_available" json:"override_insufficient_levels_available"`
}

// SizingPolicy names the quantity-ladder policy a grid config selects.
type SizingPolicy string

const (
	SizingNone             SizingPolicy = ""
	SizingRatioPower       SizingPolicy = "ratio_power"
	SizingDCAMultiplier    SizingPolicy = "dca_quantity_multiplier"
	SizingPreviousMultiple SizingPolicy = "previous_quantity_multiplier"
	SizingDesiredDistance  SizingPolicy = "desired_position_distance_after_dca"
)

// SizingPolicies returns every policy whose field is set.
func (g GridConfig) SizingPolicies() []SizingPolicy {
	var out []SizingPolicy
	if g.RatioPower != 0 {
		out = append(out, SizingRatioPower)
	}
	if g.DCAQuantityMultiplier != 0 {
		out = append(out, SizingDCAMultiplier)
	}
	if g.PreviousQuantityMultiplier != 0 {
		out = append(out, SizingPreviousMultiple)
	}
	if g.DesiredPositionDistanceAfterDCA != 0 {
		out = append(out, SizingDesiredDistance)
	}
	return out
}

// SizingPolicy returns the single configured policy, or SizingNone.
func (g GridConfig) SizingPolicy() SizingPolicy {
	p := g.SizingPolicies()
	if len(p) != 1 {
		return SizingNone
	}
	return p[0]
}
