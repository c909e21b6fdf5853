package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// MarketRequest is an immediate-execution order, expressed on the wire as an
// IOC limit at the mid price adjusted by Slippage (fraction, e.g. 0.03).
type MarketRequest struct {
	Symbol     string
	Side       Side
	Size       decimal.Decimal
	Slippage   decimal.Decimal
	ReduceOnly bool
	Cloid      string
}

// LimitRequest is a resting limit order.
type LimitRequest struct {
	Symbol     string
	Side       Side
	Size       decimal.Decimal
	Price      decimal.Decimal
	TIF        string // "Gtc", "Ioc" or "Alo"
	ReduceOnly bool
	Cloid      string
}

// TriggerRequest is a TP/SL trigger order. When IsMarket is false the
// attached limit price defaults to the trigger price moved by the fallback
// slippage in the aggressive direction.
type TriggerRequest struct {
	Symbol       string
	Side         Side
	Size         decimal.Decimal
	TriggerPrice decimal.Decimal
	TPSL         string // "tp" or "sl"
	IsMarket     bool
	ReduceOnly   bool
	Cloid        string
}

// OrderResult is the interpreted outcome of a placement.
type OrderResult struct {
	OrderID    int64
	Filled     bool
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
}

// Gateway is the venue-facing surface the engine trades and reads through.
// Placement methods return a typed error from errors.go on failure; a nil
// error with Filled=false means the order is resting.
type Gateway interface {
	// Meta returns the full asset directory.
	Meta(ctx context.Context) ([]AssetMeta, error)
	// Asset resolves metadata for a single symbol.
	Asset(ctx context.Context, symbol string) (*AssetMeta, error)
	// MidPrice returns the current mid price for symbol.
	MidPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	// Snapshot captures the account state for address.
	Snapshot(ctx context.Context, address string) (*AccountSnapshot, error)
	// OpenOrders lists resting orders for address.
	OpenOrders(ctx context.Context, address string) ([]Order, error)

	SetLeverage(ctx context.Context, symbol string, leverage int, isCross bool) error
	PlaceMarket(ctx context.Context, req MarketRequest) (*OrderResult, error)
	PlaceLimit(ctx context.Context, req LimitRequest) (*OrderResult, error)
	PlaceTrigger(ctx context.Context, req TriggerRequest) (*OrderResult, error)
	Cancel(ctx context.Context, symbol string, orderID int64) error
	// CancelAll cancels every resting order, or only those for symbol when
	// symbol is non-empty.
	CancelAll(ctx context.Context, symbol string) error
}
