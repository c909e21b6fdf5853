package exchange

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind distinguishes resting limit orders from trigger orders.
type OrderKind string

const (
	OrderKindLimit     OrderKind = "limit"
	OrderKindTriggerTP OrderKind = "tp"
	OrderKindTriggerSL OrderKind = "sl"
)

// TriggerCondition is the comparison that fires a trigger order.
type TriggerCondition string

const (
	// TriggerAbove fires when the mark price rises to or above the trigger price.
	TriggerAbove TriggerCondition = "gt"
	// TriggerBelow fires when the mark price falls to or below the trigger price.
	TriggerBelow TriggerCondition = "lt"
)

// AssetMeta is per-asset listing metadata, immutable for the process lifetime.
type AssetMeta struct {
	Symbol      string
	Index       int
	SzDecimals  int
	MaxLeverage int
}

// Position is an open perpetual position. Size is signed: positive long,
// negative short. A zero size means no position.
type Position struct {
	Symbol     string
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   int
}

// IsOpen reports whether the position has non-zero size.
func (p Position) IsOpen() bool {
	return !p.Size.IsZero()
}

// Side returns the order side that grows the position.
func (p Position) Side() Side {
	if p.Size.Sign() < 0 {
		return SideSell
	}
	return SideBuy
}

// AbsSize returns the unsigned position size.
func (p Position) AbsSize() decimal.Decimal {
	return p.Size.Abs()
}

// Order is a resting order on the book.
type Order struct {
	ID               int64
	Symbol           string
	Side             Side
	Kind             OrderKind
	Size             decimal.Decimal
	LimitPrice       decimal.Decimal
	TriggerPrice     decimal.Decimal
	TriggerCondition TriggerCondition
	ReduceOnly       bool
	Timestamp        int64
}

// IsTrigger reports whether the order is a TP/SL trigger order.
func (o Order) IsTrigger() bool {
	return o.Kind == OrderKindTriggerTP || o.Kind == OrderKindTriggerSL
}

// Direction classifies a fill relative to the account's position.
type Direction string

const (
	DirectionOpenLong   Direction = "Open Long"
	DirectionOpenShort  Direction = "Open Short"
	DirectionCloseLong  Direction = "Close Long"
	DirectionCloseShort Direction = "Close Short"
)

// IsOpen reports whether the fill grew a position.
func (d Direction) IsOpen() bool {
	return strings.HasPrefix(string(d), "Open")
}

// IsClose reports whether the fill reduced a position.
func (d Direction) IsClose() bool {
	return strings.HasPrefix(string(d), "Close")
}

// Side returns the taker side of the fill.
func (d Direction) Side() Side {
	switch d {
	case DirectionOpenLong, DirectionCloseShort:
		return SideBuy
	default:
		return SideSell
	}
}

// Fill is a single execution reported by the exchange. Size is unsigned;
// StartPosition is the signed position size before the fill.
type Fill struct {
	OrderID       int64
	Symbol        string
	Size          decimal.Decimal
	Price         decimal.Decimal
	Direction     Direction
	Crossed       bool
	StartPosition decimal.Decimal
	Time          int64
}

// AccountSnapshot is a point-in-time view of one account. Balance is the
// withdrawable amount; Equity is the full account value including
// unrealised PnL.
type AccountSnapshot struct {
	Balance    decimal.Decimal
	Equity     decimal.Decimal
	Positions  map[string]Position
	Orders     map[int64]Order
	CapturedAt time.Time
}

// Clone returns a deep copy so callers can hold the snapshot without
// aliasing the owner's maps.
func (s *AccountSnapshot) Clone() *AccountSnapshot {
	if s == nil {
		return nil
	}
	out := &AccountSnapshot{
		Balance:    s.Balance,
		Equity:     s.Equity,
		Positions:  make(map[string]Position, len(s.Positions)),
		Orders:     make(map[int64]Order, len(s.Orders)),
		CapturedAt: s.CapturedAt,
	}
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	for k, v := range s.Orders {
		out.Orders[k] = v
	}
	return out
}

// Position returns the snapshot position for symbol, if open.
func (s *AccountSnapshot) Position(symbol string) (Position, bool) {
	p, ok := s.Positions[symbol]
	return p, ok && p.IsOpen()
}
