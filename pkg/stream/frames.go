package stream

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"copytrader/pkg/exchange"
)

// Update is one decoded stream delivery. Resync is set after a reconnect:
// the consumer must refresh its snapshot before applying further updates.
type Update struct {
	Resync    bool
	Fills     []exchange.Fill
	Positions []exchange.Position
	Orders    []exchange.Order
	OrderIDs  []int64 // ids present in the orders frame, including closed ones
}

// IsEmpty reports whether the update carries no payload.
func (u Update) IsEmpty() bool {
	return !u.Resync && len(u.Fills) == 0 && len(u.Positions) == 0 && len(u.Orders) == 0
}

type wireFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wireUserEvents struct {
	Fills     []wireFill     `json:"fills"`
	Positions []wirePosition `json:"positions"`
	Orders    []wireOrder    `json:"orders"`
}

type wireFill struct {
	Coin          string `json:"coin"`
	Px            string `json:"px"`
	Sz            string `json:"sz"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	StartPosition string `json:"startPosition"`
	Dir           string `json:"dir"`
	Oid           int64  `json:"oid"`
	Crossed       bool   `json:"crossed"`
}

// wirePosition tolerates both flat and nested position payloads.
type wirePosition struct {
	Coin     string `json:"coin"`
	Szi      string `json:"szi"`
	Position struct {
		Coin     string `json:"coin"`
		Szi      string `json:"szi"`
		EntryPx  string `json:"entryPx"`
		Leverage struct {
			Value int `json:"value"`
		} `json:"leverage"`
	} `json:"position"`
}

type wireOrder struct {
	Coin             string `json:"coin"`
	Side             string `json:"side"`
	LimitPx          string `json:"limitPx"`
	Sz               string `json:"sz"`
	Oid              int64  `json:"oid"`
	Timestamp        int64  `json:"timestamp"`
	OrderType        string `json:"orderType"`
	IsTrigger        bool   `json:"isTrigger"`
	TriggerPx        string `json:"triggerPx"`
	TriggerCondition string `json:"triggerCondition"`
	ReduceOnly       bool   `json:"reduceOnly"`
	Status           string `json:"status"`
}

// decodeUserEvents converts a raw user-events payload into typed domain
// values. Records with malformed numerics are logged and skipped rather than
// poisoning the whole frame.
func decodeUserEvents(data json.RawMessage) (Update, error) {
	var wire wireUserEvents
	if err := json.Unmarshal(data, &wire); err != nil {
		return Update{}, err
	}
	var update Update
	for _, raw := range wire.Fills {
		fill, err := decodeFill(raw)
		if err != nil {
			logx.Errorf("stream: drop malformed fill oid=%d coin=%s: %v", raw.Oid, raw.Coin, err)
			continue
		}
		update.Fills = append(update.Fills, fill)
	}
	for _, raw := range wire.Positions {
		pos, err := decodePosition(raw)
		if err != nil {
			logx.Errorf("stream: drop malformed position coin=%s: %v", raw.Coin, err)
			continue
		}
		update.Positions = append(update.Positions, pos)
	}
	for _, raw := range wire.Orders {
		update.OrderIDs = append(update.OrderIDs, raw.Oid)
		if strings.EqualFold(raw.Status, "canceled") || strings.EqualFold(raw.Status, "filled") {
			continue
		}
		order, err := decodeOrder(raw)
		if err != nil {
			logx.Errorf("stream: drop malformed order oid=%d coin=%s: %v", raw.Oid, raw.Coin, err)
			continue
		}
		update.Orders = append(update.Orders, order)
	}
	return update, nil
}

func decodeFill(raw wireFill) (exchange.Fill, error) {
	size, err := decimal.NewFromString(strings.TrimSpace(raw.Sz))
	if err != nil {
		return exchange.Fill{}, err
	}
	price, err := decimal.NewFromString(strings.TrimSpace(raw.Px))
	if err != nil {
		return exchange.Fill{}, err
	}
	start := decimal.Zero
	if strings.TrimSpace(raw.StartPosition) != "" {
		start, err = decimal.NewFromString(raw.StartPosition)
		if err != nil {
			return exchange.Fill{}, err
		}
	}
	return exchange.Fill{
		OrderID:       raw.Oid,
		Symbol:        raw.Coin,
		Size:          size.Abs(),
		Price:         price,
		Direction:     exchange.Direction(raw.Dir),
		Crossed:       raw.Crossed,
		StartPosition: start,
		Time:          raw.Time,
	}, nil
}

func decodePosition(raw wirePosition) (exchange.Position, error) {
	coin := raw.Coin
	if coin == "" {
		coin = raw.Position.Coin
	}
	szi := raw.Szi
	if strings.TrimSpace(szi) == "" {
		szi = raw.Position.Szi
	}
	size, err := decimal.NewFromString(strings.TrimSpace(szi))
	if err != nil {
		return exchange.Position{}, err
	}
	entry := decimal.Zero
	if strings.TrimSpace(raw.Position.EntryPx) != "" {
		entry, err = decimal.NewFromString(raw.Position.EntryPx)
		if err != nil {
			return exchange.Position{}, err
		}
	}
	lev := raw.Position.Leverage.Value
	if lev < 1 {
		lev = 1
	}
	return exchange.Position{
		Symbol:     coin,
		Size:       size,
		EntryPrice: entry,
		Leverage:   lev,
	}, nil
}

func decodeOrder(raw wireOrder) (exchange.Order, error) {
	size, err := decimal.NewFromString(strings.TrimSpace(raw.Sz))
	if err != nil {
		return exchange.Order{}, err
	}
	order := exchange.Order{
		ID:         raw.Oid,
		Symbol:     raw.Coin,
		Side:       decodeSide(raw.Side),
		Kind:       decodeKind(raw.OrderType, raw.IsTrigger),
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
	order.TriggerCondition = decodeTriggerCondition(raw.TriggerCondition)
	return order, nil
}

func decodeSide(side string) exchange.Side {
	if strings.EqualFold(strings.TrimSpace(side), "A") {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func decodeKind(orderType string, isTrigger bool) exchange.OrderKind {
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

func decodeTriggerCondition(cond string) exchange.TriggerCondition {
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
