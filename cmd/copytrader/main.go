package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeromicro/go-zero/core/logx"

	"copytrader/internal/cli"
	"copytrader/internal/config"
	"copytrader/pkg/exchange"
	_ "copytrader/pkg/exchange/hyperliquid" // registers the hyperliquid gateway
	"copytrader/pkg/exchange/sim"
	"copytrader/pkg/mirror"
	"copytrader/pkg/stream"
)

// Exit codes: 0 clean shutdown, 1 configuration or auth failure, 2 stream
// failure beyond the reconnect policy.
const (
	exitOK     = 0
	exitConfig = 1
	exitStream = 2
)

var configFile = flag.String("f", "etc/copytrader.yaml", "optional config file; environment variables win")

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Printf("[main] configuration error: %v", err)
		return exitConfig
	}
	cli.LogConfigSummary(cfg)

	// The reader always talks to the real exchange: target snapshots and
	// market data are real even in simulated mode. An empty private key
	// yields a read-only client.
	reader, err := exchange.BuildGateway("hyperliquid", &exchange.GatewayConfig{
		Testnet: cfg.Testnet,
	})
	if err != nil {
		log.Printf("[main] reader gateway: %v", err)
		return exitConfig
	}

	var trader exchange.Gateway
	followerAddress := cfg.FollowerAddress
	if cfg.SimulatedTrading {
		// built directly rather than through the registry: the price
		// source is a live object no config section can carry
		trader = sim.New(sim.WithBalance(cfg.SimBalance()), sim.WithPriceSource(reader))
		if followerAddress == "" {
			followerAddress = "sim"
		}
		logx.Infof("main: simulated trading, starting balance $%s", cfg.SimBalance().String())
	} else {
		live, err := exchange.BuildGateway("hyperliquid", &exchange.GatewayConfig{
			Testnet:        cfg.Testnet,
			PrivateKey:     cfg.PrivateKey,
			AccountAddress: cfg.FollowerAddress,
		})
		if err != nil {
			log.Printf("[main] follower gateway: %v", err)
			return exitConfig
		}
		trader = live
	}

	subscriber := stream.New(cfg.TargetAddress, cfg.Testnet, stream.WithMaxFailures(cfg.StreamMaxFailures))
	notifier := mirror.LogNotifier{}
	differ := mirror.NewDiffer(cfg.Blocked())
	executor := mirror.NewExecutor(trader, followerAddress, cfg.Slippage(), notifier)

	supervisor := mirror.NewSupervisor(mirror.SupervisorConfig{
		TargetAddress:     cfg.TargetAddress,
		FollowerAddress:   followerAddress,
		Settings:          cfg.Settings(),
		CopyOpenPositions: cfg.CopyOpenPositions,
		CopyOpenOrders:    cfg.CopyExistingOrders,
		CloseOnExit:       cfg.CloseOnExit,
		ReportInterval:    cfg.Report(),
	}, reader, trader, subscriber, differ, executor, notifier)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logx.Infof("main: mirroring %s, press Ctrl+C to stop", cfg.TargetAddress)
	err = supervisor.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logx.Info("main: clean shutdown")
		return exitOK
	case errors.Is(err, stream.ErrTooManyFailures):
		logx.Errorf("main: stream failed permanently: %v", err)
		return exitStream
	case exchange.IsAuth(err):
		logx.Errorf("main: authentication failure: %v", err)
		return exitConfig
	default:
		logx.Errorf("main: session ended with error: %v", err)
		return exitStream
	}
}
