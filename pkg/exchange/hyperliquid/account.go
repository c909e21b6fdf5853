package hyperliquid

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"copytrader/pkg/exchange"
)

// Snapshot captures the clearinghouse state and resting orders for address.
func (c *Client) Snapshot(ctx context.Context, address string) (*exchange.AccountSnapshot, error) {
	if !common.IsHexAddress(address) {
		return nil, &exchange.InvariantError{Reason: fmt.Sprintf("invalid account address %q", address)}
	}
	user := common.HexToAddress(address).Hex()

	var state clearinghouseState
	if err := c.doInfoRequest(ctx, InfoRequest{Type: "clearinghouseState", User: user}, &state); err != nil {
		return nil, err
	}
	if strings.TrimSpace(state.MarginSummary.AccountValue) == "" {
		return nil, fmt.Errorf("hyperliquid: clearinghouseState missing margin summary for %s", address)
	}

	equity, err := decimal.NewFromString(state.MarginSummary.AccountValue)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: parse account value: %w", err)
	}
	balance := equity
	if strings.TrimSpace(state.Withdrawable) != "" {
		if w, err := decimal.NewFromString(state.Withdrawable); err == nil {
			balance = w
		}
	}

	snap := &exchange.AccountSnapshot{
		Balance:    balance,
		Equity:     equity,
		Positions:  make(map[string]exchange.Position),
		Orders:     make(map[int64]exchange.Order),
		CapturedAt: time.Now(),
	}
	for _, entry := range state.AssetPositions {
		pos, err := parsePosition(entry.Position)
		if err != nil {
			return nil, err
		}
		if pos.IsOpen() {
			snap.Positions[canonicalSymbol(pos.Symbol)] = pos
		}
	}

	orders, err := c.OpenOrders(ctx, address)
	if err != nil {
		return nil, err
	}
	for _, order := range orders {
		snap.Orders[order.ID] = order
	}
	return snap, nil
}

// OpenOrders lists resting orders for address via frontendOpenOrders.
func (c *Client) OpenOrders(ctx context.Context, address string) ([]exchange.Order, error) {
	if !common.IsHexAddress(address) {
		return nil, &exchange.InvariantError{Reason: fmt.Sprintf("invalid account address %q", address)}
	}
	var entries []openOrderEntry
	if err := c.doInfoRequest(ctx, InfoRequest{
		Type: "frontendOpenOrders",
		User: common.HexToAddress(address).Hex(),
	}, &entries); err != nil {
		return nil, err
	}
	orders := make([]exchange.Order, 0, len(entries))
	for _, raw := range entries {
		order, err := parseOpenOrder(raw)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func parsePosition(detail positionDetail) (exchange.Position, error) {
	szi, err := decimal.NewFromString(strings.TrimSpace(detail.Szi))
	if err != nil {
		return exchange.Position{}, fmt.Errorf("hyperliquid: parse position size %q for %s: %w", detail.Szi, detail.Coin, err)
	}
	entry := decimal.Zero
	if strings.TrimSpace(detail.EntryPx) != "" {
		entry, err = decimal.NewFromString(detail.EntryPx)
		if err != nil {
			return exchange.Position{}, fmt.Errorf("hyperliquid: parse entry price %q for %s: %w", detail.EntryPx, detail.Coin, err)
		}
	}
	lev := detail.Leverage.Value
	if lev < 1 {
		lev = 1
	}
	return exchange.Position{
		Symbol:     detail.Coin,
		Size:       szi,
		EntryPrice: entry,
		Leverage:   lev,
	}, nil
}

func parseOpenOrder(raw openOrderEntry) (exchange.Order, error) {
	size, err := decimal.NewFromString(strings.TrimSpace(raw.Sz))
	if err != nil {
		return exchange.Order{}, fmt.Errorf("hyperliquid: parse order size %q (oid %d): %w", raw.Sz, raw.Oid, err)
	}
	order := exchange.Order{
		ID:         raw.Oid,
		Symbol:     raw.Coin,
		Side:       parseOrderSide(raw.Side),
		Kind:       parseOrderKind(raw.OrderType, raw.IsTrigger),
		Size:       size,
		ReduceOnly: raw.ReduceOnly,
		Timestamp:  raw.Timestamp,
	}
	if strings.TrimSpace(raw.LimitPx) != "" {
		if px, err := decimal.NewFromString(raw.LimitPx); err == nil {
			order.LimitPrice = px
		}
	}
	if strings.TrimSpace(raw.TriggerPx) != "" {
		if px, err := decimal.NewFromString(raw.TriggerPx); err == nil {
			order.TriggerPrice = px
		}
	}
	order.TriggerCondition = parseTriggerCondition(raw.TriggerCondition)
	return order, nil
}

func parseOrderSide(side string) exchange.Side {
	if strings.EqualFold(strings.TrimSpace(side), "A") {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func parseOrderKind(orderType string, isTrigger bool) exchange.OrderKind {
	lower := strings.ToLower(orderType)
	switch {
	case strings.Contains(lower, "take profit"):
		return exchange.OrderKindTriggerTP
	case strings.Contains(lower, "stop"):
		return exchange.OrderKindTriggerSL
	case isTrigger:
		return exchange.OrderKindTriggerSL
	default:
		return exchange.OrderKindLimit
	}
}

func parseTriggerCondition(cond string) exchange.TriggerCondition {
	lower := strings.ToLower(strings.TrimSpace(cond))
	switch {
	case lower == "gt", strings.HasPrefix(lower, "above"):
		return exchange.TriggerAbove
	case lower == "lt", strings.HasPrefix(lower, "below"):
		return exchange.TriggerBelow
	default:
		return ""
	}
}
