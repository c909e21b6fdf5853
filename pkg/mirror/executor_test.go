package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"copytrader/pkg/exchange"
)

// fakeGateway records every call and serves scripted results.
type fakeGateway struct {
	mu        sync.Mutex
	markets   []exchange.MarketRequest
	limits    []exchange.LimitRequest
	triggers  []exchange.TriggerRequest
	cancels   [][2]interface{} // symbol, orderID
	leverages map[string]int
	nextOid   int64
	fillAll   bool
	failWith  error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{leverages: make(map[string]int), nextOid: 1000, fillAll: true}
}

func (g *fakeGateway) Meta(ctx context.Context) ([]exchange.AssetMeta, error) { return nil, nil }

func (g *fakeGateway) Asset(ctx context.Context, symbol string) (*exchange.AssetMeta, error) {
	return &exchange.AssetMeta{Symbol: symbol, SzDecimals: 4, MaxLeverage: 50}, nil
}

func (g *fakeGateway) MidPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return d("60000"), nil
}

func (g *fakeGateway) Snapshot(ctx context.Context, address string) (*exchange.AccountSnapshot, error) {
	return emptySnapshot(), nil
}

func (g *fakeGateway) OpenOrders(ctx context.Context, address string) ([]exchange.Order, error) {
	return nil, nil
}

func (g *fakeGateway) SetLeverage(ctx context.Context, symbol string, leverage int, isCross bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leverages[symbol] = leverage
	return nil
}

func (g *fakeGateway) PlaceMarket(ctx context.Context, req exchange.MarketRequest) (*exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return nil, g.failWith
	}
	g.markets = append(g.markets, req)
	g.nextOid++
	return &exchange.OrderResult{OrderID: g.nextOid, Filled: true, FilledSize: req.Size, AvgPrice: d("60000")}, nil
}

func (g *fakeGateway) PlaceLimit(ctx context.Context, req exchange.LimitRequest) (*exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return nil, g.failWith
	}
	g.limits = append(g.limits, req)
	g.nextOid++
	return &exchange.OrderResult{OrderID: g.nextOid, Filled: g.fillAll, FilledSize: req.Size}, nil
}

func (g *fakeGateway) PlaceTrigger(ctx context.Context, req exchange.TriggerRequest) (*exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return nil, g.failWith
	}
	g.triggers = append(g.triggers, req)
	g.nextOid++
	return &exchange.OrderResult{OrderID: g.nextOid}, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, symbol string, orderID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, [2]interface{}{symbol, orderID})
	return nil
}

func (g *fakeGateway) CancelAll(ctx context.Context, symbol string) error { return nil }

var _ exchange.Gateway = (*fakeGateway)(nil)

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (n *recordingNotifier) Send(kind string, payload map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

func (n *recordingNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.kinds...)
}

func TestExecutorMarketOpenSetsLeverageFirst(t *testing.T) {
	gw := newFakeGateway()
	notifier := &recordingNotifier{}
	exec := NewExecutor(gw, "0xfollower", d("0.03"), notifier)
	exec.SetFollowerSnapshot(emptySnapshot())

	exec.Submit(context.Background(), IntendedAction{
		Kind: ActionMarketOpen, Symbol: "BTC", Side: exchange.SideBuy,
		Size: d("0.005"), Leverage: 10,
	})
	exec.Shutdown()

	require.Len(t, gw.markets, 1)
	require.Equal(t, 10, gw.leverages["BTC"])
	require.Equal(t, "0.005", gw.markets[0].Size.String())
	require.True(t, len(gw.markets[0].Cloid) == 34 && gw.markets[0].Cloid[:2] == "0x")
	require.Contains(t, notifier.seen(), NotifyCopied)
	require.Equal(t, int64(1), exec.TradesCopied())

	// follower cache tracked the fill
	snap := exec.FollowerSnapshot()
	require.Equal(t, "0.005", snap.Positions["BTC"].Size.String())
}

func TestExecutorCloseClampedToCachedPosition(t *testing.T) {
	gw := newFakeGateway()
	exec := NewExecutor(gw, "0xfollower", d("0.03"), NopNotifier{})
	exec.SetFollowerSnapshot(snapWith(exchange.Position{Symbol: "BTC", Size: d("0.003"), EntryPrice: d("60000")}))

	// sized from a stale snapshot that claimed 0.005 held
	exec.Submit(context.Background(), IntendedAction{
		Kind: ActionMarketClose, Symbol: "BTC", Side: exchange.SideSell, Size: d("0.005"), ReduceOnly: true,
	})
	exec.Shutdown()

	require.Len(t, gw.markets, 1)
	require.Equal(t, "0.003", gw.markets[0].Size.String())
	require.True(t, gw.markets[0].ReduceOnly)
}

func TestExecutorCancelMapsTargetToFollowerOrder(t *testing.T) {
	gw := newFakeGateway()
	gw.fillAll = false
	exec := NewExecutor(gw, "0xfollower", d("0.03"), NopNotifier{})
	exec.SetFollowerSnapshot(emptySnapshot())

	exec.Submit(context.Background(), IntendedAction{
		Kind: ActionLimitPlace, Symbol: "ETH", Side: exchange.SideBuy,
		Size: d("0.1"), Price: d("3900"), TargetOrderID: 777,
	})
	exec.Submit(context.Background(), IntendedAction{
		Kind: ActionCancel, Symbol: "ETH", TargetOrderID: 777,
	})
	exec.Shutdown()

	require.Len(t, gw.limits, 1)
	require.Len(t, gw.cancels, 1)
	require.Equal(t, "ETH", gw.cancels[0][0])
	require.Equal(t, int64(1001), gw.cancels[0][1])
}

func TestExecutorCancelWithoutMirrorIsNoop(t *testing.T) {
	gw := newFakeGateway()
	exec := NewExecutor(gw, "0xfollower", d("0.03"), NopNotifier{})

	exec.Submit(context.Background(), IntendedAction{Kind: ActionCancel, Symbol: "ETH", TargetOrderID: 999})
	exec.Shutdown()
	require.Empty(t, gw.cancels)
}

func TestExecutorRejectionNotifies(t *testing.T) {
	gw := newFakeGateway()
	gw.failWith = &exchange.RejectionError{Reason: "insufficient margin"}
	notifier := &recordingNotifier{}
	exec := NewExecutor(gw, "0xfollower", d("0.03"), notifier)

	exec.Submit(context.Background(), IntendedAction{
		Kind: ActionMarketOpen, Symbol: "BTC", Side: exchange.SideBuy, Size: d("0.005"),
	})
	exec.Shutdown()

	require.Contains(t, notifier.seen(), NotifyRejection)
	require.Equal(t, int64(0), exec.TradesCopied())
}

func TestExecutorTriggerPlacement(t *testing.T) {
	gw := newFakeGateway()
	exec := NewExecutor(gw, "0xfollower", d("0.03"), NopNotifier{})
	exec.SetFollowerSnapshot(snapWith(exchange.Position{Symbol: "ETH", Size: d("0.02"), EntryPrice: d("3900")}))

	exec.Submit(context.Background(), IntendedAction{
		Kind: ActionTriggerPlace, Symbol: "ETH", Side: exchange.SideSell,
		Size: d("0.01"), TriggerPrice: d("4000"),
		TriggerKind: exchange.OrderKindTriggerTP, TriggerCondition: exchange.TriggerAbove,
		TargetOrderID: 555,
	})
	exec.Shutdown()

	require.Len(t, gw.triggers, 1)
	require.Equal(t, "tp", gw.triggers[0].TPSL)
	require.True(t, gw.triggers[0].ReduceOnly)

	snap := exec.FollowerSnapshot()
	require.Len(t, snap.Orders, 1)
}

func TestExecutorSameSymbolActionsRunInOrder(t *testing.T) {
	gw := newFakeGateway()
	exec := NewExecutor(gw, "0xfollower", d("0.03"), NopNotifier{})
	exec.SetFollowerSnapshot(emptySnapshot())

	for i := 0; i < 5; i++ {
		exec.Submit(context.Background(), IntendedAction{
			Kind: ActionMarketOpen, Symbol: "BTC", Side: exchange.SideBuy, Size: d("0.001"),
		})
	}
	exec.Shutdown()

	require.Len(t, gw.markets, 5)
	snap := exec.FollowerSnapshot()
	require.Equal(t, "0.005", snap.Positions["BTC"].Size.String())
}

func TestExecutorShutdownIsIdempotent(t *testing.T) {
	exec := NewExecutor(newFakeGateway(), "0xfollower", d("0.03"), NopNotifier{})
	done := make(chan struct{})
	go func() {
		exec.Shutdown()
		exec.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hung")
	}
}
