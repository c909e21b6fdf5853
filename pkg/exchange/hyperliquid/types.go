package hyperliquid

import "encoding/json"

// ActionType enumerates supported exchange actions.
type ActionType string

const (
	// ActionTypeOrder submits one or more orders.
	ActionTypeOrder ActionType = "order"
	// ActionTypeCancel cancels specific orders by oid.
	ActionTypeCancel ActionType = "cancel"
	// ActionTypeUpdateLeverage adjusts leverage settings.
	ActionTypeUpdateLeverage ActionType = "updateLeverage"
)

// Action encodes the payload sent to the exchange endpoint. Field order
// matters: the msgpack serialization of this struct is part of the signed
// action hash, so fields must appear exactly as the venue expects them.
type Action struct {
	Type     ActionType      `json:"type" msgpack:"type"`
	Orders   []orderPayload  `json:"orders,omitempty" msgpack:"orders,omitempty"`
	Cancels  []cancelPayload `json:"cancels,omitempty" msgpack:"cancels,omitempty"`
	Grouping string          `json:"grouping,omitempty" msgpack:"grouping,omitempty"`
	Asset    *int            `json:"asset,omitempty" msgpack:"asset,omitempty"`
	IsCross  *bool           `json:"isCross,omitempty" msgpack:"isCross,omitempty"`
	Leverage int             `json:"leverage,omitempty" msgpack:"leverage,omitempty"`
}

type orderPayload struct {
	Asset      int              `json:"a" msgpack:"a"`
	IsBuy      bool             `json:"b" msgpack:"b"`
	LimitPx    string           `json:"p" msgpack:"p"`
	Sz         string           `json:"s" msgpack:"s"`
	ReduceOnly bool             `json:"r" msgpack:"r"`
	OrderType  orderTypePayload `json:"t" msgpack:"t"`
	Cloid      string           `json:"c,omitempty" msgpack:"c,omitempty"`
}

type orderTypePayload struct {
	Limit   *limitOrderPayload   `json:"limit,omitempty" msgpack:"limit,omitempty"`
	Trigger *triggerOrderPayload `json:"trigger,omitempty" msgpack:"trigger,omitempty"`
}

type limitOrderPayload struct {
	TIF string `json:"tif" msgpack:"tif"`
}

type triggerOrderPayload struct {
	IsMarket  bool   `json:"isMarket" msgpack:"isMarket"`
	TriggerPx string `json:"triggerPx" msgpack:"triggerPx"`
	Tpsl      string `json:"tpsl" msgpack:"tpsl"`
}

type cancelPayload struct {
	Asset int   `json:"a" msgpack:"a"`
	Oid   int64 `json:"o" msgpack:"o"`
}

// ExchangeRequest is the signed request envelope for exchange actions.
// VaultAddress is serialized as explicit null when absent.
type ExchangeRequest struct {
	Action       Action    `json:"action"`
	Nonce        int64     `json:"nonce"`
	Signature    Signature `json:"signature"`
	VaultAddress *string   `json:"vaultAddress"`
}

// Signature represents an ECDSA signature in the venue's hex encoding.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

// InfoRequest targets read-only endpoints that do not require signatures.
type InfoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

// exchangeResponse is the envelope returned by the exchange endpoint. The
// response field is a struct on success and frequently a bare string on
// rejection, so it is decoded in two passes.
type exchangeResponse struct {
	Status   string           `json:"status"`
	Response exchangeRespBody `json:"response"`
}

type exchangeRespBody struct {
	Type string           `json:"type"`
	Data exchangeRespData `json:"data"`

	// Message holds the raw string body when the venue returned
	// {"status":"err","response":"..."}.
	Message string `json:"-"`
}

type exchangeRespData struct {
	Statuses []orderStatusEntry `json:"statuses"`
}

type orderStatusEntry struct {
	Resting *restingStatus `json:"resting,omitempty"`
	Filled  *filledStatus  `json:"filled,omitempty"`
	Error   string         `json:"error,omitempty"`

	// Plain holds bare string statuses such as "success" that cancel
	// responses use instead of an object.
	Plain string `json:"-"`
}

// UnmarshalJSON accepts both the object form and the bare string form.
func (s *orderStatusEntry) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.Plain)
	}
	type alias orderStatusEntry
	var decoded alias
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*s = orderStatusEntry(decoded)
	return nil
}

type restingStatus struct {
	Oid int64 `json:"oid"`
}

type filledStatus struct {
	Oid     int64  `json:"oid"`
	TotalSz string `json:"totalSz"`
	AvgPx   string `json:"avgPx"`
}

// metaResponse carries the asset universe from {"type":"meta"}.
type metaResponse struct {
	Universe []assetUniverseEntry `json:"universe"`
}

type assetUniverseEntry struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
	IsDelisted  bool   `json:"isDelisted"`
}

// clearinghouseState is the response to {"type":"clearinghouseState"}.
type clearinghouseState struct {
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalNtlPos     string `json:"totalNtlPos"`
		TotalMarginUsed string `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	Withdrawable   string `json:"withdrawable"`
	AssetPositions []struct {
		Type     string         `json:"type"`
		Position positionDetail `json:"position"`
	} `json:"assetPositions"`
	Time int64 `json:"time"`
}

type positionDetail struct {
	Coin     string `json:"coin"`
	Szi      string `json:"szi"`
	EntryPx  string `json:"entryPx"`
	Leverage struct {
		Type  string `json:"type"`
		Value int    `json:"value"`
	} `json:"leverage"`
	PositionValue string `json:"positionValue"`
}

// openOrderEntry is one order from {"type":"frontendOpenOrders"}.
type openOrderEntry struct {
	Coin             string `json:"coin"`
	Side             string `json:"side"` // "B" buy, "A" sell
	LimitPx          string `json:"limitPx"`
	Sz               string `json:"sz"`
	OrigSz           string `json:"origSz"`
	Oid              int64  `json:"oid"`
	Timestamp        int64  `json:"timestamp"`
	OrderType        string `json:"orderType"`
	IsTrigger        bool   `json:"isTrigger"`
	TriggerPx        string `json:"triggerPx"`
	TriggerCondition string `json:"triggerCondition"`
	ReduceOnly       bool   `json:"reduceOnly"`
}
