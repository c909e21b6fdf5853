package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"copytrader/pkg/exchange"
	"copytrader/pkg/stream"
)

// scriptedSource replays updates and then blocks until canceled.
type scriptedSource struct {
	updates chan stream.Update
	err     error
}

func newScriptedSource(updates ...stream.Update) *scriptedSource {
	src := &scriptedSource{updates: make(chan stream.Update, len(updates)+8)}
	for _, update := range updates {
		src.updates <- update
	}
	return src
}

func (s *scriptedSource) Run(ctx context.Context) error {
	<-ctx.Done()
	if s.err != nil {
		return s.err
	}
	return ctx.Err()
}

func (s *scriptedSource) Updates() <-chan stream.Update { return s.updates }

// supervisorGateway extends the fake gateway with scripted snapshots and
// asset metadata so the supervisor can bootstrap. The snapshot is guarded by
// the embedded mutex; tests swap it mid-session.
type supervisorGateway struct {
	*fakeGateway
	snapshot      *exchange.AccountSnapshot
	snapshotCalls int
	assets        map[string]exchange.AssetMeta
	mids          map[string]decimal.Decimal
}

func newSupervisorGateway(snap *exchange.AccountSnapshot) *supervisorGateway {
	return &supervisorGateway{
		fakeGateway: newFakeGateway(),
		snapshot:    snap,
		assets: map[string]exchange.AssetMeta{
			"BTC": {Symbol: "BTC", Index: 0, SzDecimals: 3, MaxLeverage: 50},
			"ETH": {Symbol: "ETH", Index: 1, SzDecimals: 2, MaxLeverage: 25},
		},
		mids: map[string]decimal.Decimal{"BTC": d("60000"), "ETH": d("4000")},
	}
}

func (g *supervisorGateway) Snapshot(ctx context.Context, address string) (*exchange.AccountSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshotCalls++
	return g.snapshot.Clone(), nil
}

func (g *supervisorGateway) setSnapshot(snap *exchange.AccountSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshot = snap
}

func (g *supervisorGateway) snapshots() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotCalls
}

func (g *supervisorGateway) Asset(ctx context.Context, symbol string) (*exchange.AssetMeta, error) {
	meta, ok := g.assets[symbol]
	if !ok {
		return nil, &exchange.RejectionError{Reason: "unknown asset " + symbol}
	}
	return &meta, nil
}

func (g *supervisorGateway) MidPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return g.mids[symbol], nil
}

func targetAccount() *exchange.AccountSnapshot {
	snap := snapWith()
	snap.Balance = d("100000")
	snap.Equity = d("100000")
	return snap
}

func followerAccount() *exchange.AccountSnapshot {
	snap := snapWith()
	snap.Balance = d("1000")
	snap.Equity = d("1000")
	return snap
}

func newTestSupervisor(t *testing.T, cfg SupervisorConfig, reader, trader *supervisorGateway, src Source) (*Supervisor, *Executor) {
	t.Helper()
	cfg.TargetAddress = "0xtarget"
	cfg.FollowerAddress = "0xfollower"
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Millisecond
	}
	differ := NewDiffer(nil, WithFlushWindow(20*time.Millisecond))
	executor := NewExecutor(trader, "0xfollower", d("0.03"), NopNotifier{})
	sup := NewSupervisor(cfg, reader, trader, src, differ, executor, NopNotifier{})
	return sup, executor
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSupervisorCopiesStreamedOpen(t *testing.T) {
	reader := newSupervisorGateway(targetAccount())
	trader := newSupervisorGateway(followerAccount())
	src := newScriptedSource(stream.Update{
		Fills: []exchange.Fill{{
			OrderID: 1, Symbol: "BTC", Size: d("0.5"), Price: d("60000"),
			Direction: exchange.DirectionOpenLong,
		}},
		Positions: []exchange.Position{{Symbol: "BTC", Size: d("0.5"), EntryPrice: d("60000"), Leverage: 10}},
	})

	cfg := SupervisorConfig{Settings: defaultSettings()}
	sup, _ := newTestSupervisor(t, cfg, reader, trader, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// ratio 0.01: the 0.5 open becomes 0.005 on the follower
	waitFor(t, 5*time.Second, func() bool {
		trader.mu.Lock()
		defer trader.mu.Unlock()
		return len(trader.markets) == 1
	})
	require.Equal(t, "0.005", trader.markets[0].Size.String())
	require.Equal(t, exchange.SideBuy, trader.markets[0].Side)
	require.Equal(t, 10, trader.leverages["BTC"])

	sup.Stop()
	require.NoError(t, <-done)
}

func TestSupervisorResyncRefreshesState(t *testing.T) {
	reader := newSupervisorGateway(targetAccount())
	trader := newSupervisorGateway(followerAccount())
	src := newScriptedSource()

	cfg := SupervisorConfig{Settings: defaultSettings()}
	sup, _ := newTestSupervisor(t, cfg, reader, trader, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// let bootstrap seed from the flat snapshot first
	waitFor(t, 5*time.Second, func() bool { return reader.snapshots() >= 1 })

	// the gap hid a BTC open; the fresh snapshot carries it
	gapped := targetAccount()
	gapped.Positions["BTC"] = exchange.Position{Symbol: "BTC", Size: d("0.5"), EntryPrice: d("60000"), Leverage: 10}
	reader.setSnapshot(gapped)
	src.updates <- stream.Update{Resync: true}

	waitFor(t, 5*time.Second, func() bool {
		trader.mu.Lock()
		defer trader.mu.Unlock()
		return len(trader.markets) == 1
	})
	require.Equal(t, "0.005", trader.markets[0].Size.String())

	// an identical resync must not double-copy
	src.updates <- stream.Update{Resync: true}
	time.Sleep(100 * time.Millisecond)
	trader.mu.Lock()
	count := len(trader.markets)
	trader.mu.Unlock()
	require.Equal(t, 1, count)

	sup.Stop()
	require.NoError(t, <-done)
}

func TestSupervisorBootstrapCopiesOpenPositions(t *testing.T) {
	target := targetAccount()
	target.Positions["ETH"] = exchange.Position{Symbol: "ETH", Size: d("-2"), EntryPrice: d("4000"), Leverage: 5}
	reader := newSupervisorGateway(target)
	trader := newSupervisorGateway(followerAccount())
	src := newScriptedSource()

	cfg := SupervisorConfig{Settings: defaultSettings(), CopyOpenPositions: true}
	sup, _ := newTestSupervisor(t, cfg, reader, trader, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		trader.mu.Lock()
		defer trader.mu.Unlock()
		return len(trader.markets) == 1
	})
	require.Equal(t, exchange.SideSell, trader.markets[0].Side)
	require.Equal(t, "0.02", trader.markets[0].Size.String())

	sup.Stop()
	require.NoError(t, <-done)
}

func TestSupervisorPauseGatesOpens(t *testing.T) {
	reader := newSupervisorGateway(targetAccount())
	trader := newSupervisorGateway(followerAccount())
	src := newScriptedSource()

	cfg := SupervisorConfig{Settings: defaultSettings()}
	sup, executor := newTestSupervisor(t, cfg, reader, trader, src)
	executor.SetFollowerSnapshot(followerAccount())

	// the pause must gate an update that is already waiting in the channel
	src.updates <- stream.Update{
		Positions: []exchange.Position{{Symbol: "BTC", Size: d("0.5"), EntryPrice: d("60000"), Leverage: 10}},
	}
	sup.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	trader.mu.Lock()
	opens := len(trader.markets)
	trader.mu.Unlock()
	require.Zero(t, opens)

	sup.Resume()
	src.updates <- stream.Update{
		Positions: []exchange.Position{{Symbol: "BTC", Size: d("1"), EntryPrice: d("60000"), Leverage: 10}},
	}
	waitFor(t, 5*time.Second, func() bool {
		trader.mu.Lock()
		defer trader.mu.Unlock()
		return len(trader.markets) == 1
	})

	sup.Stop()
	require.NoError(t, <-done)
}

func TestSupervisorReportRefreshesRatio(t *testing.T) {
	reader := newSupervisorGateway(targetAccount())
	trader := newSupervisorGateway(followerAccount())
	src := newScriptedSource()

	cfg := SupervisorConfig{Settings: defaultSettings(), ReportInterval: 20 * time.Millisecond}
	sup, _ := newTestSupervisor(t, cfg, reader, trader, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// bootstrap sees 1000/100000; the follower balance then doubles
	waitFor(t, 5*time.Second, func() bool { return trader.snapshots() >= 1 })
	grown := followerAccount()
	grown.Balance = d("2000")
	grown.Equity = d("2000")
	trader.setSnapshot(grown)

	// a snapshot fetched strictly after the swap means a report picked it up
	fetched := trader.snapshots()
	waitFor(t, 5*time.Second, func() bool { return trader.snapshots() > fetched })

	src.updates <- stream.Update{
		Positions: []exchange.Position{{Symbol: "BTC", Size: d("0.5"), EntryPrice: d("60000"), Leverage: 10}},
	}
	waitFor(t, 5*time.Second, func() bool {
		trader.mu.Lock()
		defer trader.mu.Unlock()
		return len(trader.markets) == 1
	})
	// ratio 0.02 now, not the stale bootstrap 0.01
	require.Equal(t, "0.01", trader.markets[0].Size.String())

	sup.Stop()
	require.NoError(t, <-done)
}

func TestSupervisorCloseOnExitFlattens(t *testing.T) {
	reader := newSupervisorGateway(targetAccount())
	follower := followerAccount()
	follower.Positions["BTC"] = exchange.Position{Symbol: "BTC", Size: d("0.005"), EntryPrice: d("60000"), Leverage: 10}
	trader := newSupervisorGateway(follower)
	src := newScriptedSource()

	cfg := SupervisorConfig{Settings: defaultSettings(), CloseOnExit: true}
	sup, _ := newTestSupervisor(t, cfg, reader, trader, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	sup.Stop()
	require.NoError(t, <-done)

	trader.mu.Lock()
	defer trader.mu.Unlock()
	require.Len(t, trader.markets, 1)
	require.Equal(t, exchange.SideSell, trader.markets[0].Side)
	require.Equal(t, "0.005", trader.markets[0].Size.String())
	require.True(t, trader.markets[0].ReduceOnly)
}

func TestSupervisorStreamFailurePropagates(t *testing.T) {
	reader := newSupervisorGateway(targetAccount())
	trader := newSupervisorGateway(followerAccount())
	src := newScriptedSource()
	src.err = stream.ErrTooManyFailures

	cfg := SupervisorConfig{Settings: defaultSettings()}
	sup, _ := newTestSupervisor(t, cfg, reader, trader, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	err := <-done
	require.Error(t, err)
}
