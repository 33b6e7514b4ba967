package config

import (
	"dca-grid-bot-go/internal/models"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "is_testnet": true,
  "grid_store": {"backend": "sqlite", "path": "grid.db"},
  "dispatcher": {"workers": 2, "pulse_interval": "2s"},
  "log": {"level": "debug", "output": "console"},
  "symbols": [
    {
      "symbol": "btcusdt",
      "position_side": "long",
      "initial_entry_cost": 20,
      "wallet_exposure": 1.5,
      "tp_distance": 0.01,
      "grid": {
        "period": "2w",
        "period_timeframe": "4h",
        "nr_clusters": 5,
        "outer_price_distance": 0.3,
        "ratio_power": 1.0
      }
    }
  ]
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validSymbol() models.SymbolConfig {
	return models.SymbolConfig{
		Symbol:            "ETHUSDT",
		PositionSide:      models.Short,
		InitialMode:       models.ModeNormal,
		ModeAfterStoploss: models.ModeManual,
		EntryOrderType:    models.OrderTypeLimit,
		InitialEntryCost:  10,
		Grid: models.GridConfig{
			LevelAlgorithm:        "pivots",
			Period:                "3d",
			PeriodTimeframe:       "1h",
			OuterPriceTimeframe:   "1h",
			DCAQuantityMultiplier: 2,
		},
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.True(t, cfg.IsTestnet)
	assert.Equal(t, "sqlite", cfg.GridStore.Backend)
	assert.Equal(t, 2, cfg.Dispatcher.Workers)
	assert.Equal(t, 2*time.Second, cfg.Dispatcher.PulseInterval)
	assert.Equal(t, time.Minute, cfg.Dispatcher.PeriodicCheckInterval, "default applies")
	require.Len(t, cfg.Symbols, 1)

	s := cfg.Symbols[0]
	assert.Equal(t, "BTCUSDT", s.Symbol)
	assert.Equal(t, models.Long, s.PositionSide)
	assert.Equal(t, models.ModeNormal, s.InitialMode)
	assert.Equal(t, models.ModeManual, s.ModeAfterStoploss)
	assert.Equal(t, models.OrderTypeMarket, s.EntryOrderType)
	assert.Equal(t, "pivots", s.Grid.LevelAlgorithm)
	assert.Equal(t, "4h", s.Grid.OuterPriceTimeframe)
	assert.Equal(t, models.SizingRatioPower, s.Grid.SizingPolicy())
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("DCABOT_GRID_STORE_BACKEND", "memory")
	t.Setenv("BINANCE_API_KEY", "key-from-env")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.GridStore.Backend)
	assert.Equal(t, "key-from-env", cfg.APIKey)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestValidateGrid_SizingPolicies(t *testing.T) {
	s := validSymbol()
	require.NoError(t, ValidateSymbol(s))

	s.Grid.RatioPower = 1
	err := ValidateSymbol(s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMutuallyExclusive)

	s.Grid.RatioPower = 0
	s.Grid.DCAQuantityMultiplier = 0
	err = ValidateSymbol(s)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMutuallyExclusive)
}

func TestValidate_Ranges(t *testing.T) {
	cases := map[string]func(*models.SymbolConfig){
		"empty symbol":     func(s *models.SymbolConfig) { s.Symbol = "" },
		"bad side":         func(s *models.SymbolConfig) { s.PositionSide = "BOTH" },
		"bad mode":         func(s *models.SymbolConfig) { s.InitialMode = "SLEEPY" },
		"overlap":          func(s *models.SymbolConfig) { s.Grid.Overlap = 1.5 },
		"period":           func(s *models.SymbolConfig) { s.Grid.Period = "3y" },
		"timeframe":        func(s *models.SymbolConfig) { s.Grid.PeriodTimeframe = "7m" },
		"algorithm":        func(s *models.SymbolConfig) { s.Grid.LevelAlgorithm = "astrology" },
		"outer exclusive":  func(s *models.SymbolConfig) { s.Grid.OuterPrice = 10; s.Grid.OuterPriceDistance = 0.2 },
		"min above max":    func(s *models.SymbolConfig) { s.Grid.MinimumDistanceToOuterPrice = 0.3; s.Grid.MaximumDistanceFromOuterPrice = 0.1 },
		"entry order type": func(s *models.SymbolConfig) { s.EntryOrderType = models.OrderTypeStopMarket },
		"multiplier of 1":  func(s *models.SymbolConfig) { s.Grid.DCAQuantityMultiplier = 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := validSymbol()
			mutate(&s)
			assert.Error(t, ValidateSymbol(s))
		})
	}
}

func TestValidate_DuplicateKeys(t *testing.T) {
	cfg := &models.Config{
		GridStore:  models.GridStoreConfig{Backend: "memory"},
		Dispatcher: models.DispatcherConfig{Workers: 1},
		Prefetch:   models.PrefetchConfig{Workers: 1},
		Symbols:    []models.SymbolConfig{validSymbol(), validSymbol()},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate ETHUSDT/SHORT")
}

func TestParsePeriod(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"15m", 15 * time.Minute, false},
		{"4h", 4 * time.Hour, false},
		{"3d", 3 * day, false},
		{"2w", 14 * day, false},
		{"1M", 30 * day, false},
		{"0d", 0, true},
		{"d", 0, true},
		{"1.5h", 0, true},
		{"5y", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePeriod(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestLookbackStart(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	start, err := LookbackStart(now, "2d", "")
	require.NoError(t, err)
	assert.Equal(t, now.Add(-48*time.Hour), start)

	start, err = LookbackStart(now, "2d", "2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), start)
}
