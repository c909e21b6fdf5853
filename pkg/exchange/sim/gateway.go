// Package sim is a paper-trading Gateway: market orders fill synchronously
// against the latest reference price, resting and trigger orders sit in an
// in-memory book, and balance tracks realised PnL. It lets the full engine
// run against live target data without touching the follower account.
package sim

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/pkg/exchange"
)

var defaultBalance = decimal.NewFromInt(10000)

// PriceSource supplies real market data for fills and metadata. The live
// hyperliquid client satisfies it; a nil source falls back to locally set
// marks.
type PriceSource interface {
	Meta(ctx context.Context) ([]exchange.AssetMeta, error)
	Asset(ctx context.Context, symbol string) (*exchange.AssetMeta, error)
	MidPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Gateway is the in-memory paper-trading venue.
type Gateway struct {
	source PriceSource

	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]*positionState
	orders    map[int64]exchange.Order
	leverage  map[string]int
	marks     map[string]decimal.Decimal
	nextOid   int64
	nextAsset int
	assets    map[string]exchange.AssetMeta
}

type positionState struct {
	symbol string
	size   decimal.Decimal // signed
	entry  decimal.Decimal
}

// Option customises the simulator.
type Option func(*Gateway)

// WithBalance sets the starting paper balance.
func WithBalance(balance decimal.Decimal) Option {
	return func(g *Gateway) {
		if balance.Sign() > 0 {
			g.cash = balance
		}
	}
}

// WithPriceSource wires live market data for fills and asset metadata.
func WithPriceSource(source PriceSource) Option {
	return func(g *Gateway) {
		g.source = source
	}
}

// New constructs a simulator with the default balance.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		cash:      defaultBalance,
		positions: make(map[string]*positionState),
		orders:    make(map[int64]exchange.Order),
		leverage:  make(map[string]int),
		marks:     make(map[string]decimal.Decimal),
		nextOid:   1,
		nextAsset: 0,
		assets:    make(map[string]exchange.AssetMeta),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func canonical(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

// SetMark updates the local reference price used when no PriceSource is set.
func (g *Gateway) SetMark(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marks[canonical(symbol)] = price
}

// Meta returns live metadata when a source is wired, otherwise the locally
// registered assets.
func (g *Gateway) Meta(ctx context.Context) ([]exchange.AssetMeta, error) {
	if g.source != nil {
		return g.source.Meta(ctx)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]exchange.AssetMeta, 0, len(g.assets))
	for _, meta := range g.assets {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Asset resolves metadata, registering unseen symbols with permissive
// defaults when no source is wired.
func (g *Gateway) Asset(ctx context.Context, symbol string) (*exchange.AssetMeta, error) {
	if g.source != nil {
		return g.source.Asset(ctx, symbol)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := canonical(symbol)
	if key == "" {
		return nil, &exchange.InvariantError{Reason: "empty symbol"}
	}
	if meta, ok := g.assets[key]; ok {
		return &meta, nil
	}
	meta := exchange.AssetMeta{Symbol: key, Index: g.nextAsset, SzDecimals: 4, MaxLeverage: 50}
	g.nextAsset++
	g.assets[key] = meta
	return &meta, nil
}

// MidPrice prefers the live source, then the local mark, then the position
// entry price.
func (g *Gateway) MidPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if g.source != nil {
		return g.source.MidPrice(ctx, symbol)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.referencePriceLocked(canonical(symbol))
}

func (g *Gateway) referencePriceLocked(key string) (decimal.Decimal, error) {
	if px, ok := g.marks[key]; ok && px.Sign() > 0 {
		return px, nil
	}
	if pos, ok := g.positions[key]; ok && pos.entry.Sign() > 0 {
		return pos.entry, nil
	}
	return decimal.Zero, fmt.Errorf("sim: no reference price for %s", key)
}

// Snapshot builds the paper account state; the address is ignored.
func (g *Gateway) Snapshot(ctx context.Context, address string) (*exchange.AccountSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := &exchange.AccountSnapshot{
		Balance:    g.cash,
		Equity:     g.cash,
		Positions:  make(map[string]exchange.Position, len(g.positions)),
		Orders:     make(map[int64]exchange.Order, len(g.orders)),
		CapturedAt: time.Now(),
	}
	for key, state := range g.positions {
		mark, err := g.referencePriceLocked(key)
		if err != nil {
			mark = state.entry
		}
		unrealized := state.size.Mul(mark.Sub(state.entry))
		snap.Equity = snap.Equity.Add(unrealized)
		lev := g.leverage[key]
		if lev < 1 {
			lev = 1
		}
		snap.Positions[key] = exchange.Position{
			Symbol:     key,
			Size:       state.size,
			EntryPrice: state.entry,
			Leverage:   lev,
		}
	}
	for oid, order := range g.orders {
		snap.Orders[oid] = order
	}
	return snap, nil
}

// OpenOrders lists the resting paper orders; the address is ignored.
func (g *Gateway) OpenOrders(ctx context.Context, address string) ([]exchange.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]exchange.Order, 0, len(g.orders))
	for _, order := range g.orders {
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetLeverage records the preference for margin accounting.
func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int, isCross bool) error {
	if leverage < 1 {
		return &exchange.InvariantError{Reason: fmt.Sprintf("leverage must be >= 1, got %d", leverage)}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leverage[canonical(symbol)] = leverage
	return nil
}

// PlaceMarket fills immediately at the reference price adjusted by nothing;
// paper fills ignore slippage.
func (g *Gateway) PlaceMarket(ctx context.Context, req exchange.MarketRequest) (*exchange.OrderResult, error) {
	if req.Size.Sign() <= 0 {
		return nil, &exchange.InvariantError{Reason: "size must be positive"}
	}
	price, err := g.MidPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	filled, err := g.applyFillLocked(canonical(req.Symbol), price, req.Size, req.Side, req.ReduceOnly)
	if err != nil {
		return nil, err
	}
	oid := g.nextOid
	g.nextOid++
	return &exchange.OrderResult{
		OrderID:    oid,
		Filled:     true,
		FilledSize: filled,
		AvgPrice:   price,
	}, nil
}

// PlaceLimit rests the order in the paper book; it never fills on its own.
func (g *Gateway) PlaceLimit(ctx context.Context, req exchange.LimitRequest) (*exchange.OrderResult, error) {
	if req.Size.Sign() <= 0 || req.Price.Sign() <= 0 {
		return nil, &exchange.InvariantError{Reason: "size and price must be positive"}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	oid := g.nextOid
	g.nextOid++
	g.orders[oid] = exchange.Order{
		ID:         oid,
		Symbol:     canonical(req.Symbol),
		Side:       req.Side,
		Kind:       exchange.OrderKindLimit,
		Size:       req.Size,
		LimitPrice: req.Price,
		ReduceOnly: req.ReduceOnly,
		Timestamp:  time.Now().UnixMilli(),
	}
	return &exchange.OrderResult{OrderID: oid}, nil
}

// PlaceTrigger rests a TP/SL order in the paper book.
func (g *Gateway) PlaceTrigger(ctx context.Context, req exchange.TriggerRequest) (*exchange.OrderResult, error) {
	if req.Size.Sign() <= 0 || req.TriggerPrice.Sign() <= 0 {
		return nil, &exchange.InvariantError{Reason: "size and trigger price must be positive"}
	}
	kind := exchange.OrderKindTriggerTP
	if req.TPSL == "sl" {
		kind = exchange.OrderKindTriggerSL
	}
	cond := exchange.TriggerAbove
	if kind == exchange.OrderKindTriggerSL && req.Side == exchange.SideSell ||
		kind == exchange.OrderKindTriggerTP && req.Side == exchange.SideBuy {
		cond = exchange.TriggerBelow
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	oid := g.nextOid
	g.nextOid++
	g.orders[oid] = exchange.Order{
		ID:               oid,
		Symbol:           canonical(req.Symbol),
		Side:             req.Side,
		Kind:             kind,
		Size:             req.Size,
		TriggerPrice:     req.TriggerPrice,
		TriggerCondition: cond,
		ReduceOnly:       req.ReduceOnly,
		Timestamp:        time.Now().UnixMilli(),
	}
	return &exchange.OrderResult{OrderID: oid}, nil
}

// Cancel removes a resting paper order.
func (g *Gateway) Cancel(ctx context.Context, symbol string, orderID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.orders[orderID]; !ok {
		return &exchange.RejectionError{Reason: fmt.Sprintf("order %d not found", orderID)}
	}
	delete(g.orders, orderID)
	return nil
}

// CancelAll removes every resting order, optionally scoped to symbol.
func (g *Gateway) CancelAll(ctx context.Context, symbol string) error {
	key := canonical(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	for oid, order := range g.orders {
		if key == "" || canonical(order.Symbol) == key {
			delete(g.orders, oid)
		}
	}
	return nil
}

// applyFillLocked mutates the paper position and realises PnL on closes.
// Reduce-only fills are clamped to the open size.
func (g *Gateway) applyFillLocked(key string, price, size decimal.Decimal, side exchange.Side, reduceOnly bool) (decimal.Decimal, error) {
	state := g.positions[key]
	delta := size
	if side == exchange.SideSell {
		delta = size.Neg()
	}

	if reduceOnly {
		if state == nil || state.size.IsZero() {
			return decimal.Zero, nil
		}
		if state.size.Sign() == delta.Sign() {
			return decimal.Zero, &exchange.RejectionError{Reason: "reduce-only order would increase position"}
		}
		if delta.Abs().GreaterThan(state.size.Abs()) {
			delta = state.size.Neg()
		}
	} else if state == nil {
		state = &positionState{symbol: key}
		g.positions[key] = state
	}

	oldSize := state.size
	newSize := oldSize.Add(delta)

	// Realise PnL on the closed portion.
	if !oldSize.IsZero() && oldSize.Sign() != delta.Sign() {
		closed := decimal.Min(oldSize.Abs(), delta.Abs())
		direction := decimal.NewFromInt(1)
		if oldSize.Sign() < 0 {
			direction = decimal.NewFromInt(-1)
		}
		g.cash = g.cash.Add(closed.Mul(price.Sub(state.entry)).Mul(direction))
	}

	switch {
	case oldSize.IsZero():
		state.entry = price
	case oldSize.Sign() == delta.Sign():
		state.entry = oldSize.Mul(state.entry).Add(delta.Mul(price)).Div(newSize)
	case oldSize.Sign()*newSize.Sign() < 0:
		// flipped through zero
		state.entry = price
	}

	state.size = newSize
	if state.size.IsZero() {
		delete(g.positions, key)
	}
	g.marks[key] = price
	return delta.Abs(), nil
}

var _ exchange.Gateway = (*Gateway)(nil)

// Registry hook for exchange.BuildGateway.
func init() {
	exchange.RegisterGateway("sim", func(name string, cfg *exchange.GatewayConfig) (exchange.Gateway, error) {
		return New(), nil
	})
}
