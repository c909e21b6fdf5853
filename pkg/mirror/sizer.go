package mirror

import (
	"fmt"

	"github.com/shopspring/decimal"

	"copytrader/pkg/exchange"
)

// minOpenNotionalUSD is the exchange's floor for new orders. Closes are
// exempt so positions never get stranded below the floor.
var minOpenNotionalUSD = decimal.NewFromInt(10)

// ActionKind is what the executor should do for one event.
type ActionKind string

const (
	ActionMarketOpen   ActionKind = "market_open"
	ActionMarketClose  ActionKind = "market_close"
	ActionLimitPlace   ActionKind = "limit_place"
	ActionTriggerPlace ActionKind = "trigger_place"
	ActionCancel       ActionKind = "cancel"
)

// LeverageMode controls how the follower's leverage tracks the target.
type LeverageMode string

const (
	// LeverageMatch copies the target's leverage, clamped to the asset cap.
	LeverageMatch LeverageMode = "match"
	// LeverageScaled multiplies the target's leverage by the balance ratio.
	// Kept for operators migrating older deployments.
	LeverageScaled LeverageMode = "scaled"
	// LeverageFixed never touches leverage.
	LeverageFixed LeverageMode = "fixed"
)

// Settings is the static sizing policy loaded from configuration.
type Settings struct {
	// AutoAdjustSize scales sizes by the balance ratio. Off means 1:1.
	AutoAdjustSize bool
	// FixedSizeUSD, when positive, opens every position with this notional
	// instead of ratio scaling.
	FixedSizeUSD decimal.Decimal
	// Slippage for market orders, as a fraction (0.03 = 3%).
	Slippage decimal.Decimal
	// UseLimitOrders mirrors opens as resting limit orders at the target's
	// price instead of immediate market orders.
	UseLimitOrders bool
	// TriggerIsMarket makes copied TP/SL orders execute as market orders.
	TriggerIsMarket bool
	// MinEntryQualityPct skips opens when the live mid has drifted more than
	// this percentage from the target's price. Zero disables the gate.
	MinEntryQualityPct decimal.Decimal
	LeverageMode       LeverageMode

	// Risk caps. Zero disables a cap; MaxOpenTrades and MaxOpenOrders use
	// -1 for unlimited so an explicit 0 still means "no new ones".
	MaxPositionSizeUSD  decimal.Decimal
	MaxTotalExposureUSD decimal.Decimal
	MaxOpenTrades       int
	MaxOpenOrders       int
	MaxAccountEquityUSD decimal.Decimal

	// MinNotionalUSD raises the open-order notional floor above the
	// exchange's $10 minimum. Values below the minimum are ignored.
	MinNotionalUSD decimal.Decimal
}

func (s Settings) minNotional() decimal.Decimal {
	if s.MinNotionalUSD.GreaterThan(minOpenNotionalUSD) {
		return s.MinNotionalUSD
	}
	return minOpenNotionalUSD
}

// Context is the live state the sizer reads. All snapshots are caller-owned
// read-only copies.
type Context struct {
	Ratio    decimal.Decimal
	Follower *exchange.AccountSnapshot
	Target   *exchange.AccountSnapshot
	Asset    exchange.AssetMeta
	// Mid is the current mid price, zero when unavailable (the entry
	// quality gate is then skipped).
	Mid decimal.Decimal
	// Exposure is the follower's current total position notional.
	Exposure decimal.Decimal
	Paused   bool
}

// IntendedAction is a fully sized instruction for the executor.
type IntendedAction struct {
	Kind       ActionKind
	Symbol     string
	Side       exchange.Side
	Size       decimal.Decimal
	Price      decimal.Decimal
	ReduceOnly bool

	TriggerPrice     decimal.Decimal
	TriggerCondition exchange.TriggerCondition
	TriggerKind      exchange.OrderKind
	TriggerIsMarket  bool

	// Leverage to apply before opening; zero means leave as is.
	Leverage int

	// TargetOrderID links placements and cancels back to the target order.
	TargetOrderID int64
}

// Skip explains why an event produced no action. AutoPause asks the
// supervisor to stop copying new opens.
type Skip struct {
	Reason    string
	AutoPause bool
}

func skip(format string, args ...interface{}) (*IntendedAction, *Skip) {
	return nil, &Skip{Reason: fmt.Sprintf(format, args...)}
}

// Size turns one canonical event into an action or a skip. It is pure:
// all state arrives through ctx.
func Size(evt Event, ctx Context, cfg Settings) (*IntendedAction, *Skip) {
	switch evt.Kind {
	case EventPositionOpened, EventPositionIncreased:
		return sizeOpen(evt, ctx, cfg)
	case EventPositionReduced, EventPositionClosed:
		return sizeClose(evt, ctx, cfg)
	case EventOrderFilled:
		if evt.IsOpen() {
			return sizeOpen(evt, ctx, cfg)
		}
		return sizeClose(evt, ctx, cfg)
	case EventOrderPlaced:
		if evt.Order == nil {
			return skip("order event without order payload")
		}
		if evt.Order.IsTrigger() {
			return sizeTrigger(evt, ctx, cfg)
		}
		return sizeLimit(evt, ctx, cfg)
	case EventOrderCanceled:
		return &IntendedAction{
			Kind:          ActionCancel,
			Symbol:        evt.Symbol,
			TargetOrderID: evt.OrderID,
		}, nil
	default:
		return skip("unhandled event kind %q", evt.Kind)
	}
}

// openSize applies the sizing policy to a target open of the given size at
// the given reference price.
func openSize(targetSize, price decimal.Decimal, ctx Context, cfg Settings) decimal.Decimal {
	switch {
	case cfg.FixedSizeUSD.Sign() > 0 && price.Sign() > 0:
		return cfg.FixedSizeUSD.Div(price)
	case !cfg.AutoAdjustSize:
		return targetSize
	default:
		return targetSize.Mul(ctx.Ratio)
	}
}

func sizeOpen(evt Event, ctx Context, cfg Settings) (*IntendedAction, *Skip) {
	if ctx.Paused {
		return skip("paused, not copying opens")
	}

	price := evt.Price
	if price.Sign() <= 0 {
		price = ctx.Mid
	}

	if cfg.MinEntryQualityPct.Sign() > 0 && ctx.Mid.Sign() > 0 && evt.Price.Sign() > 0 {
		drift := ctx.Mid.Sub(evt.Price).Abs().Div(evt.Price).Mul(decimal.NewFromInt(100))
		if drift.GreaterThan(cfg.MinEntryQualityPct) {
			return skip("entry quality %s%% exceeds limit %s%%", drift.StringFixed(2), cfg.MinEntryQualityPct.String())
		}
	}

	size := openSize(evt.Size, price, ctx, cfg).Round(int32(ctx.Asset.SzDecimals))
	if size.Sign() <= 0 {
		return skip("scaled size rounds to zero")
	}

	notional := decimal.Zero
	if price.Sign() > 0 {
		notional = size.Mul(price)
		if floor := cfg.minNotional(); notional.LessThan(floor) {
			return skip("notional $%s below $%s minimum", notional.StringFixed(2), floor.String())
		}
	}
	if s := checkRiskCaps(evt.Symbol, notional, ctx, cfg); s != nil {
		return nil, s
	}

	action := &IntendedAction{
		Kind:     ActionMarketOpen,
		Symbol:   evt.Symbol,
		Side:     evt.Side,
		Size:     size,
		Price:    price,
		Leverage: followerLeverage(evt.Leverage, ctx, cfg),
	}
	if cfg.UseLimitOrders && evt.Price.Sign() > 0 {
		action.Kind = ActionLimitPlace
		action.Price = evt.Price
	}
	return action, nil
}

// checkRiskCaps gates new exposure. Order matters: the equity cap wins so
// auto-pause fires before softer skips.
func checkRiskCaps(symbol string, notional decimal.Decimal, ctx Context, cfg Settings) *Skip {
	if cfg.MaxAccountEquityUSD.Sign() > 0 && ctx.Follower != nil &&
		ctx.Follower.Equity.GreaterThanOrEqual(cfg.MaxAccountEquityUSD) {
		return &Skip{
			Reason:    fmt.Sprintf("equity $%s at or above cap $%s", ctx.Follower.Equity.StringFixed(2), cfg.MaxAccountEquityUSD.String()),
			AutoPause: true,
		}
	}
	if cfg.MaxPositionSizeUSD.Sign() > 0 && notional.GreaterThan(cfg.MaxPositionSizeUSD) {
		return &Skip{Reason: fmt.Sprintf("notional $%s exceeds per-position cap $%s", notional.StringFixed(2), cfg.MaxPositionSizeUSD.String())}
	}
	if cfg.MaxTotalExposureUSD.Sign() > 0 && ctx.Exposure.Add(notional).GreaterThan(cfg.MaxTotalExposureUSD) {
		return &Skip{Reason: fmt.Sprintf("total exposure would exceed cap $%s", cfg.MaxTotalExposureUSD.String())}
	}
	if cfg.MaxOpenTrades >= 0 && ctx.Follower != nil {
		if _, held := ctx.Follower.Position(symbol); !held && openPositionCount(ctx.Follower) >= cfg.MaxOpenTrades {
			return &Skip{Reason: fmt.Sprintf("open trades at limit %d", cfg.MaxOpenTrades)}
		}
	}
	return nil
}

func openPositionCount(snap *exchange.AccountSnapshot) int {
	count := 0
	for _, pos := range snap.Positions {
		if pos.IsOpen() {
			count++
		}
	}
	return count
}

func followerLeverage(targetLeverage int, ctx Context, cfg Settings) int {
	if cfg.LeverageMode == LeverageFixed || targetLeverage <= 0 {
		return 0
	}
	lev := targetLeverage
	if cfg.LeverageMode == LeverageScaled && ctx.Ratio.Sign() > 0 {
		lev = int(decimal.NewFromInt(int64(targetLeverage)).Mul(ctx.Ratio).Round(0).IntPart())
	}
	if lev < 1 {
		lev = 1
	}
	if ctx.Asset.MaxLeverage > 0 && lev > ctx.Asset.MaxLeverage {
		lev = ctx.Asset.MaxLeverage
	}
	return lev
}

// sizeClose sizes a close against the FOLLOWER's position by the target's
// close fraction, never exceeding what the follower holds. Closes run even
// while paused.
func sizeClose(evt Event, ctx Context, cfg Settings) (*IntendedAction, *Skip) {
	if ctx.Follower == nil {
		return skip("no follower snapshot")
	}
	pos, held := ctx.Follower.Position(evt.Symbol)
	if !held {
		return skip("no follower position in %s to close", evt.Symbol)
	}

	closeRatio := decimal.NewFromInt(1)
	if evt.Kind != EventPositionClosed && evt.PriorSize.Sign() > 0 {
		closeRatio = evt.Size.Div(evt.PriorSize)
		if closeRatio.GreaterThan(decimal.NewFromInt(1)) {
			closeRatio = decimal.NewFromInt(1)
		}
	}

	size := pos.AbsSize().Mul(closeRatio).Round(int32(ctx.Asset.SzDecimals))
	if size.GreaterThan(pos.AbsSize()) {
		size = pos.AbsSize()
	}
	if size.Sign() <= 0 {
		return skip("close size rounds to zero")
	}

	return &IntendedAction{
		Kind:       ActionMarketClose,
		Symbol:     evt.Symbol,
		Side:       pos.Side().Opposite(),
		Size:       size,
		ReduceOnly: true,
	}, nil
}

// sizeTrigger copies a TP/SL order, sized from the follower position by the
// target's order-to-position fraction. Reduce-only, so it runs while paused.
func sizeTrigger(evt Event, ctx Context, cfg Settings) (*IntendedAction, *Skip) {
	order := evt.Order
	if ctx.Follower == nil {
		return skip("no follower snapshot")
	}
	pos, held := ctx.Follower.Position(evt.Symbol)
	if !held {
		return skip("no follower position in %s for trigger", evt.Symbol)
	}
	if s := checkOrderCap(ctx, cfg); s != nil {
		return nil, s
	}

	fraction := decimal.NewFromInt(1)
	if ctx.Target != nil {
		if targetPos, ok := ctx.Target.Position(evt.Symbol); ok && targetPos.AbsSize().Sign() > 0 {
			fraction = order.Size.Div(targetPos.AbsSize())
			if fraction.GreaterThan(decimal.NewFromInt(1)) {
				fraction = decimal.NewFromInt(1)
			}
		}
	}
	size := pos.AbsSize().Mul(fraction).Round(int32(ctx.Asset.SzDecimals))
	if size.GreaterThan(pos.AbsSize()) {
		size = pos.AbsSize()
	}
	if size.Sign() <= 0 {
		return skip("trigger size rounds to zero")
	}

	kind := order.Kind
	if !order.IsTrigger() || kind == exchange.OrderKindLimit {
		kind = classifyTrigger(order.Side, order.TriggerCondition)
	}

	return &IntendedAction{
		Kind:             ActionTriggerPlace,
		Symbol:           evt.Symbol,
		Side:             order.Side,
		Size:             size,
		TriggerPrice:     order.TriggerPrice,
		TriggerCondition: order.TriggerCondition,
		TriggerKind:      kind,
		TriggerIsMarket:  cfg.TriggerIsMarket,
		ReduceOnly:       true,
		TargetOrderID:    order.ID,
	}, nil
}

// classifyTrigger derives TP vs SL from the order side and trigger
// condition. Selling above or buying below locks in profit.
func classifyTrigger(side exchange.Side, condition exchange.TriggerCondition) exchange.OrderKind {
	switch {
	case condition == exchange.TriggerAbove && side == exchange.SideSell:
		return exchange.OrderKindTriggerTP
	case condition == exchange.TriggerAbove && side == exchange.SideBuy:
		return exchange.OrderKindTriggerSL
	case condition == exchange.TriggerBelow && side == exchange.SideSell:
		return exchange.OrderKindTriggerSL
	default:
		return exchange.OrderKindTriggerTP
	}
}

// sizeLimit copies a resting limit order. These add exposure, so the paused
// gate and open caps apply.
func sizeLimit(evt Event, ctx Context, cfg Settings) (*IntendedAction, *Skip) {
	order := evt.Order
	if order.ReduceOnly {
		// reduce-only limit: size against the follower position
		if ctx.Follower == nil {
			return skip("no follower snapshot")
		}
		pos, held := ctx.Follower.Position(evt.Symbol)
		if !held {
			return skip("no follower position in %s for reduce-only order", evt.Symbol)
		}
		size := pos.AbsSize()
		if ctx.Target != nil {
			if targetPos, ok := ctx.Target.Position(evt.Symbol); ok && targetPos.AbsSize().Sign() > 0 {
				fraction := order.Size.Div(targetPos.AbsSize())
				if fraction.LessThan(decimal.NewFromInt(1)) {
					size = pos.AbsSize().Mul(fraction)
				}
			}
		}
		size = size.Round(int32(ctx.Asset.SzDecimals))
		if size.Sign() <= 0 {
			return skip("reduce-only size rounds to zero")
		}
		return &IntendedAction{
			Kind:          ActionLimitPlace,
			Symbol:        evt.Symbol,
			Side:          order.Side,
			Size:          size,
			Price:         order.LimitPrice,
			ReduceOnly:    true,
			TargetOrderID: order.ID,
		}, nil
	}

	if ctx.Paused {
		return skip("paused, not copying new orders")
	}
	if s := checkOrderCap(ctx, cfg); s != nil {
		return nil, s
	}

	size := openSize(order.Size, order.LimitPrice, ctx, cfg).Round(int32(ctx.Asset.SzDecimals))
	if size.Sign() <= 0 {
		return skip("scaled order size rounds to zero")
	}
	notional := size.Mul(order.LimitPrice)
	if floor := cfg.minNotional(); notional.LessThan(floor) {
		return skip("order notional $%s below $%s minimum", notional.StringFixed(2), floor.String())
	}
	if s := checkRiskCaps(evt.Symbol, notional, ctx, cfg); s != nil {
		return nil, s
	}

	return &IntendedAction{
		Kind:          ActionLimitPlace,
		Symbol:        evt.Symbol,
		Side:          order.Side,
		Size:          size,
		Price:         order.LimitPrice,
		TargetOrderID: order.ID,
	}, nil
}

func checkOrderCap(ctx Context, cfg Settings) *Skip {
	if cfg.MaxOpenOrders >= 0 && ctx.Follower != nil && len(ctx.Follower.Orders) >= cfg.MaxOpenOrders {
		return &Skip{Reason: fmt.Sprintf("open orders at limit %d", cfg.MaxOpenOrders)}
	}
	return nil
}
