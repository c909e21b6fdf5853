package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/conf"

	"copytrader/pkg/confkit"
	"copytrader/pkg/mirror"
)

// Unlimited marks a count limit as disabled ("x" in the environment).
const Unlimited = -1

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Config is the full run configuration. Every field can come from the
// environment; an optional YAML file (etc/copytrader.yaml) provides the same
// keys with ${VAR} expansion for operators who prefer files.
type Config struct {
	TargetAddress   string `json:",optional"`
	FollowerAddress string `json:",optional"`
	PrivateKey      string `json:",optional"`
	Testnet         bool   `json:",optional"`

	SizingMode         string `json:",default=proportional"` // proportional | fixed
	FixedSizeUSD       string `json:",optional"`
	AutoAdjustSize     bool   `json:",default=true"`
	UseLimitOrders     bool   `json:",optional"`
	TriggerIsMarket    bool   `json:",optional"`
	LeverageMode       string `json:",default=match"` // match | scaled | fixed
	MaxSlippagePct     string `json:",default=3"`
	MinEntryQualityPct string `json:",optional"`

	MaxPositionSize     string `json:",optional"`
	MaxTotalExposure    string `json:",optional"`
	MaxAccountEquity    string `json:",optional"`
	MinPositionNotional string `json:",optional"`
	MaxOpenTrades       string `json:",optional"` // integer or "x" for unlimited
	MaxOpenOrders       string `json:",optional"`

	BlockedAssets      string `json:",optional"` // comma separated
	CopyOpenPositions  bool   `json:",optional"`
	CopyExistingOrders bool   `json:",optional"`
	CloseOnExit        bool   `json:",optional"`

	SimulatedTrading bool   `json:",optional"`
	SimulatedBalance string `json:",default=10000"`

	ReportInterval    string `json:",default=1h"`
	StreamMaxFailures int    `json:",default=10"`
}

// MustLoad loads and validates, panicking on error. Main uses Load so it can
// map failures to exit codes.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// fileConfig is the file-shaped twin of Config. It deliberately carries no
// methods: go-zero's conf loader auto-runs Validate on anything implementing
// its Validator interface, and a partial file must not be rejected before the
// environment overlay has filled in the rest.
type fileConfig Config

// Load reads the optional YAML file, then lets environment variables win.
// Validation failures are configuration errors the process cannot recover
// from.
func Load(path string) (*Config, error) {
	confkit.LoadDotenvOnce()

	var cfg Config
	if path != "" && confkit.FileExists(path) {
		loaded, err := confkit.LoadFile[fileConfig](path, true)
		if err != nil {
			return nil, err
		}
		cfg = Config(*loaded)
	} else {
		// defaults only; conf.FillDefault walks the json default tags
		if err := conf.FillDefault(&cfg); err != nil {
			return nil, fmt.Errorf("fill config defaults: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays the documented environment surface on top of whatever
// the file provided. Environment always wins.
func (c *Config) applyEnv() {
	setString(&c.TargetAddress, "TARGET_WALLET_ADDRESS")
	setString(&c.FollowerAddress, "FOLLOWER_WALLET_ADDRESS")
	setString(&c.PrivateKey, "HYPERLIQUID_PRIVATE_KEY")
	setBool(&c.Testnet, "HYPERLIQUID_TESTNET")

	setString(&c.SizingMode, "SIZING_MODE")
	setString(&c.FixedSizeUSD, "FIXED_SIZE_USD")
	setBool(&c.AutoAdjustSize, "AUTO_ADJUST_SIZE")
	setBool(&c.UseLimitOrders, "USE_LIMIT_ORDERS")
	setBool(&c.TriggerIsMarket, "TRIGGER_IS_MARKET")
	setString(&c.LeverageMode, "LEVERAGE_MODE")
	setString(&c.MaxSlippagePct, "MAX_SLIPPAGE_PCT")
	setString(&c.MinEntryQualityPct, "MIN_ENTRY_QUALITY_PCT")

	setString(&c.MaxPositionSize, "MAX_POSITION_SIZE")
	setString(&c.MaxTotalExposure, "MAX_TOTAL_EXPOSURE")
	setString(&c.MaxAccountEquity, "MAX_ACCOUNT_EQUITY")
	setString(&c.MinPositionNotional, "MIN_POSITION_NOTIONAL")
	setString(&c.MaxOpenTrades, "MAX_OPEN_TRADES")
	setString(&c.MaxOpenOrders, "MAX_OPEN_ORDERS")

	setString(&c.BlockedAssets, "BLOCKED_ASSETS")
	setBool(&c.CopyOpenPositions, "COPY_OPEN_POSITIONS")
	setBool(&c.CopyExistingOrders, "COPY_EXISTING_ORDERS")
	setBool(&c.CloseOnExit, "CLOSE_ON_EXIT")

	setBool(&c.SimulatedTrading, "SIMULATED_TRADING")
	setString(&c.SimulatedBalance, "SIMULATED_BALANCE")

	setString(&c.ReportInterval, "REPORT_INTERVAL")
	setInt(&c.StreamMaxFailures, "STREAM_MAX_FAILURES")
}

func setString(dst *string, key string) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		*dst = strings.TrimSpace(value)
	}
}

func setBool(dst *bool, key string) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func setInt(dst *int, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*dst = n
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if !addressPattern.MatchString(c.TargetAddress) {
		return errors.New("config: TARGET_WALLET_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	if !c.SimulatedTrading {
		if !addressPattern.MatchString(c.FollowerAddress) {
			return errors.New("config: FOLLOWER_WALLET_ADDRESS must be a 0x-prefixed 20-byte hex address")
		}
		if strings.TrimSpace(c.PrivateKey) == "" {
			return errors.New("config: HYPERLIQUID_PRIVATE_KEY is required unless SIMULATED_TRADING is on")
		}
	}

	switch strings.ToLower(c.SizingMode) {
	case "", "proportional":
		c.SizingMode = "proportional"
	case "fixed":
		c.SizingMode = "fixed"
		if _, err := c.decimal(c.FixedSizeUSD, "FIXED_SIZE_USD"); err != nil {
			return err
		}
		if strings.TrimSpace(c.FixedSizeUSD) == "" {
			return errors.New("config: SIZING_MODE=fixed requires FIXED_SIZE_USD")
		}
	default:
		return fmt.Errorf("config: SIZING_MODE must be proportional or fixed, got %q", c.SizingMode)
	}

	switch strings.ToLower(c.LeverageMode) {
	case "", "match":
		c.LeverageMode = string(mirror.LeverageMatch)
	case "scaled":
		c.LeverageMode = string(mirror.LeverageScaled)
	case "fixed":
		c.LeverageMode = string(mirror.LeverageFixed)
	default:
		return fmt.Errorf("config: LEVERAGE_MODE must be match, scaled or fixed, got %q", c.LeverageMode)
	}

	for _, key := range []struct{ value, name string }{
		{c.MaxSlippagePct, "MAX_SLIPPAGE_PCT"},
		{c.MinEntryQualityPct, "MIN_ENTRY_QUALITY_PCT"},
		{c.MaxPositionSize, "MAX_POSITION_SIZE"},
		{c.MaxTotalExposure, "MAX_TOTAL_EXPOSURE"},
		{c.MaxAccountEquity, "MAX_ACCOUNT_EQUITY"},
		{c.MinPositionNotional, "MIN_POSITION_NOTIONAL"},
		{c.SimulatedBalance, "SIMULATED_BALANCE"},
	} {
		if _, err := c.decimal(key.value, key.name); err != nil {
			return err
		}
	}
	if _, err := c.countLimit(c.MaxOpenTrades, "MAX_OPEN_TRADES"); err != nil {
		return err
	}
	if _, err := c.countLimit(c.MaxOpenOrders, "MAX_OPEN_ORDERS"); err != nil {
		return err
	}
	if _, err := time.ParseDuration(c.ReportInterval); err != nil {
		return fmt.Errorf("config: REPORT_INTERVAL: %w", err)
	}
	if c.StreamMaxFailures <= 0 {
		return errors.New("config: STREAM_MAX_FAILURES must be positive")
	}
	return nil
}

func (c *Config) decimal(value, name string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s: %w", name, err)
	}
	if d.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("config: %s must not be negative", name)
	}
	return d, nil
}

// countLimit parses an integer limit where "x" (or empty) means unlimited.
func (c *Config) countLimit(value, name string) (int, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" || trimmed == "x" {
		return Unlimited, nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer or \"x\": %w", name, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", name)
	}
	return n, nil
}

// Blocked returns the blocked assets list.
func (c *Config) Blocked() []string {
	if strings.TrimSpace(c.BlockedAssets) == "" {
		return nil
	}
	parts := strings.Split(c.BlockedAssets, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if symbol := strings.TrimSpace(part); symbol != "" {
			out = append(out, symbol)
		}
	}
	return out
}

// Slippage returns the market-order slippage as a fraction (3 → 0.03).
func (c *Config) Slippage() decimal.Decimal {
	pct, _ := c.decimal(c.MaxSlippagePct, "MAX_SLIPPAGE_PCT")
	return pct.Div(decimal.NewFromInt(100))
}

// Report returns the parsed report interval.
func (c *Config) Report() time.Duration {
	d, _ := time.ParseDuration(c.ReportInterval)
	return d
}

// Settings assembles the sizing policy. Validate must have succeeded first.
func (c *Config) Settings() mirror.Settings {
	fixed, _ := c.decimal(c.FixedSizeUSD, "FIXED_SIZE_USD")
	if c.SizingMode != "fixed" {
		fixed = decimal.Zero
	}
	minQuality, _ := c.decimal(c.MinEntryQualityPct, "MIN_ENTRY_QUALITY_PCT")
	maxPosition, _ := c.decimal(c.MaxPositionSize, "MAX_POSITION_SIZE")
	maxExposure, _ := c.decimal(c.MaxTotalExposure, "MAX_TOTAL_EXPOSURE")
	maxEquity, _ := c.decimal(c.MaxAccountEquity, "MAX_ACCOUNT_EQUITY")
	minNotional, _ := c.decimal(c.MinPositionNotional, "MIN_POSITION_NOTIONAL")
	maxTrades, _ := c.countLimit(c.MaxOpenTrades, "MAX_OPEN_TRADES")
	maxOrders, _ := c.countLimit(c.MaxOpenOrders, "MAX_OPEN_ORDERS")

	return mirror.Settings{
		AutoAdjustSize:      c.AutoAdjustSize,
		FixedSizeUSD:        fixed,
		Slippage:            c.Slippage(),
		UseLimitOrders:      c.UseLimitOrders,
		TriggerIsMarket:     c.TriggerIsMarket,
		MinEntryQualityPct:  minQuality,
		LeverageMode:        mirror.LeverageMode(c.LeverageMode),
		MaxPositionSizeUSD:  maxPosition,
		MaxTotalExposureUSD: maxExposure,
		MaxOpenTrades:       maxTrades,
		MaxOpenOrders:       maxOrders,
		MaxAccountEquityUSD: maxEquity,
		MinNotionalUSD:      minNotional,
	}
}

// SimBalance returns the simulated starting balance.
func (c *Config) SimBalance() decimal.Decimal {
	balance, _ := c.decimal(c.SimulatedBalance, "SIMULATED_BALANCE")
	return balance
}
