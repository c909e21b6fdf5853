package mirror

import (
	"time"

	"github.com/shopspring/decimal"

	"copytrader/pkg/exchange"
)

// EventKind tags the canonical events the differ emits.
type EventKind string

const (
	EventPositionOpened    EventKind = "position_opened"
	EventPositionIncreased EventKind = "position_increased"
	EventPositionReduced   EventKind = "position_reduced"
	EventPositionClosed    EventKind = "position_closed"
	EventOrderPlaced       EventKind = "order_placed"
	EventOrderFilled       EventKind = "order_filled"
	EventOrderCanceled     EventKind = "order_canceled"
)

// Event is one canonical target-account change, carrying enough context for
// sizing without reaching back into differ state.
type Event struct {
	Kind   EventKind
	Symbol string

	// Side is the target's action side: the opening side for opens, the
	// closing (selling-out) side for closes.
	Side exchange.Side

	// Size is the unsigned delta the event describes.
	Size decimal.Decimal

	// Price is the event's reference price: fill price for fills, entry
	// price for position events.
	Price decimal.Decimal

	// PriorSize is the unsigned target position size before the event.
	// For fills it derives from startPosition.
	PriorSize decimal.Decimal

	Leverage  int
	Direction exchange.Direction // set for fill-derived events

	// Order is attached to order_placed events.
	Order *exchange.Order
	// OrderID identifies the target order for order-scoped events.
	OrderID int64

	Time time.Time
}

// IsOpen reports whether the event grows target exposure.
func (e Event) IsOpen() bool {
	switch e.Kind {
	case EventPositionOpened, EventPositionIncreased:
		return true
	case EventOrderFilled:
		return e.Direction.IsOpen()
	default:
		return false
	}
}

// IsClose reports whether the event reduces target exposure.
func (e Event) IsClose() bool {
	switch e.Kind {
	case EventPositionReduced, EventPositionClosed:
		return true
	case EventOrderFilled:
		return e.Direction.IsClose()
	default:
		return false
	}
}
