package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"copytrader/pkg/mirror"
)

const (
	testTarget   = "0x1111111111111111111111111111111111111111"
	testFollower = "0x2222222222222222222222222222222222222222"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("NO_DOTENV", "1")
	t.Setenv("TARGET_WALLET_ADDRESS", testTarget)
	t.Setenv("FOLLOWER_WALLET_ADDRESS", testFollower)
	t.Setenv("HYPERLIQUID_PRIVATE_KEY", "0x4c0883a69102937d6231471b5dbb6204fe5129617082796fe3f6a4ab2ed5f8d2")
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MAX_SLIPPAGE_PCT", "5")
	t.Setenv("BLOCKED_ASSETS", "DOGE, PEPE")
	t.Setenv("MAX_OPEN_TRADES", "x")
	t.Setenv("MAX_OPEN_ORDERS", "20")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, testTarget, cfg.TargetAddress)
	require.Equal(t, "0.05", cfg.Slippage().String())
	require.Equal(t, []string{"DOGE", "PEPE"}, cfg.Blocked())

	settings := cfg.Settings()
	require.Equal(t, Unlimited, settings.MaxOpenTrades)
	require.Equal(t, 20, settings.MaxOpenOrders)
	require.True(t, settings.AutoAdjustSize)
	require.Equal(t, mirror.LeverageMatch, settings.LeverageMode)
}

func TestLoadRejectsBadTargetAddress(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TARGET_WALLET_ADDRESS", "not-an-address")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "TARGET_WALLET_ADDRESS")
}

func TestLoadSimulatedNeedsNoKey(t *testing.T) {
	t.Setenv("NO_DOTENV", "1")
	t.Setenv("TARGET_WALLET_ADDRESS", testTarget)
	t.Setenv("SIMULATED_TRADING", "true")
	t.Setenv("SIMULATED_BALANCE", "25000")

	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.SimulatedTrading)
	require.Equal(t, "25000", cfg.SimBalance().String())
}

func TestLoadFixedSizingRequiresAmount(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SIZING_MODE", "fixed")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "FIXED_SIZE_USD")

	t.Setenv("FIXED_SIZE_USD", "250")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "250", cfg.Settings().FixedSizeUSD.String())
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MAX_SLIPPAGE_PCT", "4")

	dir := t.TempDir()
	path := filepath.Join(dir, "copytrader.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"MaxSlippagePct: \"2\"\nReportInterval: 30m\nCloseOnExit: true\n",
	), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	// environment wins over the file
	require.Equal(t, "0.04", cfg.Slippage().String())
	require.Equal(t, "30m0s", cfg.Report().String())
	require.True(t, cfg.CloseOnExit)
}

func TestLoadRejectsBadCountLimit(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MAX_OPEN_TRADES", "many")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "MAX_OPEN_TRADES")
}

func TestLoadReportIntervalValidated(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("REPORT_INTERVAL", "soon")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "REPORT_INTERVAL")
}
