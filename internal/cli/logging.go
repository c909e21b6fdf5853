package cli

import (
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"copytrader/internal/config"
)

// ConfigSummaryLines returns human readable lines describing the loaded
// configuration. Secrets are never included.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}

	network := "mainnet"
	if cfg.Testnet {
		network = "testnet"
	}
	mode := "live"
	if cfg.SimulatedTrading {
		mode = fmt.Sprintf("simulated (balance $%s)", cfg.SimBalance().String())
	}

	lines := []string{
		fmt.Sprintf("Target: %s", cfg.TargetAddress),
		fmt.Sprintf("Follower: %s", followerLine(cfg)),
		fmt.Sprintf("Network: %s", network),
		fmt.Sprintf("Trading mode: %s", mode),
		fmt.Sprintf("Sizing: %s%s", cfg.SizingMode, fixedSuffix(cfg)),
		fmt.Sprintf("Leverage mode: %s", cfg.LeverageMode),
		fmt.Sprintf("Slippage: %s%%", cfg.MaxSlippagePct),
		fmt.Sprintf("Copy open positions: %t, existing orders: %t", cfg.CopyOpenPositions, cfg.CopyExistingOrders),
		fmt.Sprintf("Close on exit: %t", cfg.CloseOnExit),
		fmt.Sprintf("Report interval: %s", cfg.Report()),
	}
	if blocked := cfg.Blocked(); len(blocked) > 0 {
		lines = append(lines, fmt.Sprintf("Blocked assets: %s", strings.Join(blocked, ", ")))
	}
	return lines
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	lines := ConfigSummaryLines(cfg)
	if len(lines) == 0 {
		return
	}
	logx.Info("configuration summary")
	for _, line := range lines {
		logx.Infof("config • %s", line)
	}
}

func followerLine(cfg *config.Config) string {
	if cfg.SimulatedTrading && strings.TrimSpace(cfg.FollowerAddress) == "" {
		return "simulated account"
	}
	return cfg.FollowerAddress
}

func fixedSuffix(cfg *config.Config) string {
	if cfg.SizingMode != "fixed" {
		return ""
	}
	return fmt.Sprintf(" ($%s per open)", cfg.FixedSizeUSD)
}
