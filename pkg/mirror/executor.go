package mirror

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"copytrader/pkg/exchange"
)

const shutdownGrace = 5 * time.Second

// Executor submits sized actions to the follower's gateway. Actions for the
// same symbol run strictly in order on a per-symbol queue; different symbols
// proceed independently.
type Executor struct {
	gateway  exchange.Gateway
	address  string
	notifier Notifier
	slippage decimal.Decimal

	mu       sync.Mutex
	queues   map[string]chan queuedAction
	follower *exchange.AccountSnapshot
	// orderMap links a target orderId to the follower order it spawned so
	// target cancels can find their mirror.
	orderMap map[int64]followerOrder
	copied   int64
	wg       sync.WaitGroup
	closed   bool
}

type followerOrder struct {
	orderID int64
	symbol  string
}

type queuedAction struct {
	ctx    context.Context
	action IntendedAction
}

// NewExecutor wires an executor to the follower gateway. The notifier
// receives copy confirmations, rejections and errors.
func NewExecutor(gateway exchange.Gateway, address string, slippage decimal.Decimal, notifier Notifier) *Executor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Executor{
		gateway:  gateway,
		address:  address,
		notifier: notifier,
		slippage: slippage,
		queues:   make(map[string]chan queuedAction),
		orderMap: make(map[int64]followerOrder),
	}
}

// SetFollowerSnapshot replaces the cached follower state. The supervisor
// refreshes it at bootstrap and after resyncs.
func (e *Executor) SetFollowerSnapshot(snap *exchange.AccountSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if snap != nil {
		e.follower = snap.Clone()
	}
}

// FollowerSnapshot returns a copy of the cached follower state.
func (e *Executor) FollowerSnapshot() *exchange.AccountSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.follower == nil {
		return emptySnapshot()
	}
	return e.follower.Clone()
}

// TradesCopied reports how many actions completed successfully.
func (e *Executor) TradesCopied() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copied
}

// Submit enqueues an action on its symbol's queue. It never blocks the
// caller beyond queue backpressure.
func (e *Executor) Submit(ctx context.Context, action IntendedAction) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	queue, ok := e.queues[action.Symbol]
	if !ok {
		queue = make(chan queuedAction, 64)
		e.queues[action.Symbol] = queue
		e.wg.Add(1)
		go e.drain(queue)
	}
	e.mu.Unlock()

	select {
	case queue <- queuedAction{ctx: ctx, action: action}:
	case <-ctx.Done():
	}
}

// Shutdown stops accepting work and waits up to the grace period for
// in-flight actions to finish.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, queue := range e.queues {
		close(queue)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logx.Errorf("executor: shutdown grace expired with actions in flight")
	}
}

func (e *Executor) drain(queue chan queuedAction) {
	defer e.wg.Done()
	for item := range queue {
		e.execute(item.ctx, item.action)
	}
}

func (e *Executor) execute(ctx context.Context, action IntendedAction) {
	var err error
	switch action.Kind {
	case ActionMarketOpen:
		err = e.marketOpen(ctx, action)
	case ActionMarketClose:
		err = e.marketClose(ctx, action)
	case ActionLimitPlace:
		err = e.limitPlace(ctx, action)
	case ActionTriggerPlace:
		err = e.triggerPlace(ctx, action)
	case ActionCancel:
		err = e.cancel(ctx, action)
	default:
		logx.Errorf("executor: unknown action kind %q", action.Kind)
		return
	}
	if err == nil {
		return
	}

	payload := map[string]interface{}{
		"symbol": action.Symbol,
		"kind":   string(action.Kind),
		"error":  err.Error(),
	}
	switch {
	case exchange.IsRejection(err):
		logx.Errorf("executor: %s %s rejected: %v", action.Kind, action.Symbol, err)
		e.notifier.Send(NotifyRejection, payload)
	case exchange.IsNetwork(err):
		logx.Errorf("executor: %s %s failed after retries: %v", action.Kind, action.Symbol, err)
		e.notifier.Send(NotifyError, payload)
	default:
		logx.Errorf("executor: %s %s failed: %v", action.Kind, action.Symbol, err)
		e.notifier.Send(NotifyError, payload)
	}
}

func (e *Executor) marketOpen(ctx context.Context, action IntendedAction) error {
	// Leverage first so margin is allocated at the copied multiple. A
	// failure here is survivable: the venue keeps its previous setting.
	if action.Leverage > 0 {
		if err := e.gateway.SetLeverage(ctx, action.Symbol, action.Leverage, true); err != nil {
			logx.Errorf("executor: set leverage %dx on %s failed, opening anyway: %v", action.Leverage, action.Symbol, err)
		}
	}

	result, err := e.gateway.PlaceMarket(ctx, exchange.MarketRequest{
		Symbol:   action.Symbol,
		Side:     action.Side,
		Size:     action.Size,
		Slippage: e.slippage,
		Cloid:    newCloid(),
	})
	if err != nil {
		return err
	}
	e.recordFill(action, result)
	return nil
}

func (e *Executor) marketClose(ctx context.Context, action IntendedAction) error {
	size := action.Size
	// Clamp against the live cache: a close sized from a stale snapshot
	// must never flip the position.
	e.mu.Lock()
	if e.follower != nil {
		if pos, ok := e.follower.Position(action.Symbol); ok && size.GreaterThan(pos.AbsSize()) {
			size = pos.AbsSize()
		}
	}
	e.mu.Unlock()
	if size.Sign() <= 0 {
		return nil
	}

	result, err := e.gateway.PlaceMarket(ctx, exchange.MarketRequest{
		Symbol:     action.Symbol,
		Side:       action.Side,
		Size:       size,
		Slippage:   e.slippage,
		ReduceOnly: true,
		Cloid:      newCloid(),
	})
	if err != nil {
		return err
	}
	e.recordFill(action, result)
	return nil
}

func (e *Executor) limitPlace(ctx context.Context, action IntendedAction) error {
	result, err := e.gateway.PlaceLimit(ctx, exchange.LimitRequest{
		Symbol:     action.Symbol,
		Side:       action.Side,
		Size:       action.Size,
		Price:      action.Price,
		TIF:        "Gtc",
		ReduceOnly: action.ReduceOnly,
		Cloid:      newCloid(),
	})
	if err != nil {
		return err
	}
	e.recordPlacement(action, result)
	return nil
}

func (e *Executor) triggerPlace(ctx context.Context, action IntendedAction) error {
	result, err := e.gateway.PlaceTrigger(ctx, exchange.TriggerRequest{
		Symbol:       action.Symbol,
		Side:         action.Side,
		Size:         action.Size,
		TriggerPrice: action.TriggerPrice,
		TPSL:         string(action.TriggerKind),
		IsMarket:     action.TriggerIsMarket,
		ReduceOnly:   true,
		Cloid:        newCloid(),
	})
	if err != nil {
		return err
	}
	e.recordPlacement(action, result)
	return nil
}

func (e *Executor) cancel(ctx context.Context, action IntendedAction) error {
	e.mu.Lock()
	mirror, ok := e.orderMap[action.TargetOrderID]
	if ok {
		delete(e.orderMap, action.TargetOrderID)
	}
	e.mu.Unlock()
	if !ok {
		// never copied, nothing to cancel
		return nil
	}

	if err := e.gateway.Cancel(ctx, mirror.symbol, mirror.orderID); err != nil {
		return err
	}
	e.mu.Lock()
	if e.follower != nil {
		delete(e.follower.Orders, mirror.orderID)
	}
	e.copied++
	e.mu.Unlock()
	e.notifier.Send(NotifyCopied, map[string]interface{}{
		"symbol": action.Symbol,
		"kind":   string(ActionCancel),
		"oid":    mirror.orderID,
	})
	return nil
}

// recordFill folds a filled result into the follower cache and announces
// the copy.
func (e *Executor) recordFill(action IntendedAction, result *exchange.OrderResult) {
	filledSize := action.Size
	if result != nil && result.FilledSize.Sign() > 0 {
		filledSize = result.FilledSize
	}
	delta := filledSize
	if action.Side == exchange.SideSell {
		delta = delta.Neg()
	}

	e.mu.Lock()
	if e.follower == nil {
		e.follower = emptySnapshot()
	}
	pos := e.follower.Positions[action.Symbol]
	pos.Symbol = action.Symbol
	pos.Size = pos.Size.Add(delta)
	if action.Leverage > 0 {
		pos.Leverage = action.Leverage
	}
	if result != nil && result.AvgPrice.Sign() > 0 && !action.ReduceOnly {
		pos.EntryPrice = result.AvgPrice
	}
	if pos.Size.IsZero() {
		delete(e.follower.Positions, action.Symbol)
	} else {
		e.follower.Positions[action.Symbol] = pos
	}
	e.copied++
	e.mu.Unlock()

	payload := map[string]interface{}{
		"symbol": action.Symbol,
		"kind":   string(action.Kind),
		"side":   string(action.Side),
		"size":   filledSize.String(),
	}
	if result != nil && result.AvgPrice.Sign() > 0 {
		payload["price"] = result.AvgPrice.String()
	}
	e.notifier.Send(NotifyCopied, payload)
}

// recordPlacement tracks a resting follower order against its target order.
func (e *Executor) recordPlacement(action IntendedAction, result *exchange.OrderResult) {
	if result == nil {
		return
	}
	if result.Filled {
		e.recordFill(action, result)
		return
	}

	e.mu.Lock()
	if e.follower == nil {
		e.follower = emptySnapshot()
	}
	order := exchange.Order{
		ID:           result.OrderID,
		Symbol:       action.Symbol,
		Side:         action.Side,
		Size:         action.Size,
		LimitPrice:   action.Price,
		TriggerPrice: action.TriggerPrice,
		ReduceOnly:   action.ReduceOnly,
	}
	if action.Kind == ActionTriggerPlace {
		order.Kind = action.TriggerKind
		order.TriggerCondition = action.TriggerCondition
		order.ReduceOnly = true
	} else {
		order.Kind = exchange.OrderKindLimit
	}
	e.follower.Orders[result.OrderID] = order
	if action.TargetOrderID != 0 {
		e.orderMap[action.TargetOrderID] = followerOrder{orderID: result.OrderID, symbol: action.Symbol}
	}
	e.copied++
	e.mu.Unlock()

	e.notifier.Send(NotifyCopied, map[string]interface{}{
		"symbol": action.Symbol,
		"kind":   string(action.Kind),
		"side":   string(action.Side),
		"size":   action.Size.String(),
		"oid":    result.OrderID,
	})
}

// newCloid returns a client order id in the venue's 16-byte hex format.
func newCloid() string {
	id := uuid.New()
	return "0x" + strings.ToLower(hex.EncodeToString(id[:]))
}
