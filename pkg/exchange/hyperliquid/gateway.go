package hyperliquid

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"copytrader/pkg/exchange"
)

// compile-time conformance
var _ exchange.Gateway = (*Client)(nil)

// SetLeverage submits an updateLeverage action for symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, isCross bool) error {
	if leverage < 1 {
		return &exchange.InvariantError{Reason: fmt.Sprintf("leverage must be >= 1, got %d", leverage)}
	}
	meta, err := c.Asset(ctx, symbol)
	if err != nil {
		return err
	}
	if leverage > meta.MaxLeverage {
		return &exchange.InvariantError{Reason: fmt.Sprintf("leverage %d exceeds max %d for %s", leverage, meta.MaxLeverage, symbol)}
	}
	asset := meta.Index
	action := Action{
		Type:     ActionTypeUpdateLeverage,
		Asset:    &asset,
		IsCross:  &isCross,
		Leverage: leverage,
	}
	resp, err := c.doExchangeRequest(ctx, action)
	if err != nil {
		return err
	}
	_, err = interpretResponse(resp, false)
	return err
}

// PlaceMarket submits an IOC limit order at mid adjusted by the request
// slippage (falling back to the client default).
func (c *Client) PlaceMarket(ctx context.Context, req exchange.MarketRequest) (*exchange.OrderResult, error) {
	if err := validatePositive("size", req.Size); err != nil {
		return nil, err
	}
	meta, err := c.Asset(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	mid, err := c.MidPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	slippage := req.Slippage
	if slippage.Sign() <= 0 {
		slippage = c.slippage
	}
	limit := RoundPriceToSigFigs(slippagePrice(mid, req.Side, slippage), priceSigFigs)
	order := orderPayload{
		Asset:      meta.Index,
		IsBuy:      req.Side == exchange.SideBuy,
		LimitPx:    limit.String(),
		Sz:         FormatSize(req.Size, meta.SzDecimals),
		ReduceOnly: req.ReduceOnly,
		OrderType:  orderTypePayload{Limit: &limitOrderPayload{TIF: "Ioc"}},
		Cloid:      req.Cloid,
	}
	return c.submitOrder(ctx, order, "na")
}

// PlaceLimit submits a resting limit order.
func (c *Client) PlaceLimit(ctx context.Context, req exchange.LimitRequest) (*exchange.OrderResult, error) {
	if err := validatePositive("size", req.Size); err != nil {
		return nil, err
	}
	if err := validatePositive("price", req.Price); err != nil {
		return nil, err
	}
	meta, err := c.Asset(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	tif := req.TIF
	if tif == "" {
		tif = "Gtc"
	}
	order := orderPayload{
		Asset:      meta.Index,
		IsBuy:      req.Side == exchange.SideBuy,
		LimitPx:    FormatPrice(req.Price),
		Sz:         FormatSize(req.Size, meta.SzDecimals),
		ReduceOnly: req.ReduceOnly,
		OrderType:  orderTypePayload{Limit: &limitOrderPayload{TIF: tif}},
		Cloid:      req.Cloid,
	}
	return c.submitOrder(ctx, order, "na")
}

// PlaceTrigger submits a TP/SL trigger order grouped as normalTpsl. When the
// request is not trigger-market, the attached limit price is the trigger
// price moved 5% in the aggressive direction.
func (c *Client) PlaceTrigger(ctx context.Context, req exchange.TriggerRequest) (*exchange.OrderResult, error) {
	if err := validatePositive("size", req.Size); err != nil {
		return nil, err
	}
	if err := validatePositive("trigger price", req.TriggerPrice); err != nil {
		return nil, err
	}
	if req.TPSL != "tp" && req.TPSL != "sl" {
		return nil, &exchange.InvariantError{Reason: fmt.Sprintf("tpsl must be tp or sl, got %q", req.TPSL)}
	}
	meta, err := c.Asset(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	trigger := RoundPriceToSigFigs(req.TriggerPrice, priceSigFigs)
	limit := RoundPriceToSigFigs(slippagePrice(trigger, req.Side, triggerFallbackSlippage), priceSigFigs)
	order := orderPayload{
		Asset:      meta.Index,
		IsBuy:      req.Side == exchange.SideBuy,
		LimitPx:    limit.String(),
		Sz:         FormatSize(req.Size, meta.SzDecimals),
		ReduceOnly: req.ReduceOnly,
		OrderType: orderTypePayload{Trigger: &triggerOrderPayload{
			IsMarket:  req.IsMarket,
			TriggerPx: trigger.String(),
			Tpsl:      req.TPSL,
		}},
		Cloid: req.Cloid,
	}
	return c.submitOrder(ctx, order, "normalTpsl")
}

// Cancel removes a single resting order by oid.
func (c *Client) Cancel(ctx context.Context, symbol string, orderID int64) error {
	meta, err := c.Asset(ctx, symbol)
	if err != nil {
		return err
	}
	action := Action{
		Type:    ActionTypeCancel,
		Cancels: []cancelPayload{{Asset: meta.Index, Oid: orderID}},
	}
	resp, err := c.doExchangeRequest(ctx, action)
	if err != nil {
		return err
	}
	_, err = interpretResponse(resp, false)
	return err
}

// CancelAll cancels every resting order for the signer, or only those for
// symbol when non-empty. The venue has no bulk cancel, so the open-order
// list is fetched and canceled in one batch action.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	if c.address == "" {
		return errNoSigner
	}
	orders, err := c.OpenOrders(ctx, c.address)
	if err != nil {
		return err
	}
	key := canonicalSymbol(symbol)
	var cancels []cancelPayload
	for _, order := range orders {
		if key != "" && canonicalSymbol(order.Symbol) != key {
			continue
		}
		meta, err := c.Asset(ctx, order.Symbol)
		if err != nil {
			continue
		}
		cancels = append(cancels, cancelPayload{Asset: meta.Index, Oid: order.ID})
	}
	if len(cancels) == 0 {
		return nil
	}
	action := Action{Type: ActionTypeCancel, Cancels: cancels}
	resp, err := c.doExchangeRequest(ctx, action)
	if err != nil {
		return err
	}
	_, err = interpretResponse(resp, false)
	return err
}

func (c *Client) submitOrder(ctx context.Context, order orderPayload, grouping string) (*exchange.OrderResult, error) {
	action := Action{
		Type:     ActionTypeOrder,
		Orders:   []orderPayload{order},
		Grouping: grouping,
	}
	resp, err := c.doExchangeRequest(ctx, action)
	if err != nil {
		return nil, err
	}
	return interpretResponse(resp, true)
}

// interpretResponse maps the venue's heterogeneous response shapes to an
// OrderResult or a typed rejection.
func interpretResponse(resp *exchangeResponse, wantStatus bool) (*exchange.OrderResult, error) {
	if resp == nil {
		return nil, fmt.Errorf("hyperliquid: empty exchange response")
	}
	if !strings.EqualFold(resp.Status, "ok") {
		reason := resp.Response.Message
		if reason == "" && len(resp.Response.Data.Statuses) > 0 {
			reason = resp.Response.Data.Statuses[0].Error
		}
		if reason == "" {
			reason = fmt.Sprintf("status %q", resp.Status)
		}
		return nil, &exchange.RejectionError{Reason: reason}
	}
	if !wantStatus {
		return nil, nil
	}
	statuses := resp.Response.Data.Statuses
	if len(statuses) == 0 {
		return nil, fmt.Errorf("hyperliquid: exchange response missing statuses")
	}
	st := statuses[0]
	switch {
	case st.Error != "":
		return nil, &exchange.RejectionError{Reason: st.Error}
	case st.Filled != nil:
		result := &exchange.OrderResult{OrderID: st.Filled.Oid, Filled: true}
		if sz, err := decimal.NewFromString(st.Filled.TotalSz); err == nil {
			result.FilledSize = sz
		}
		if px, err := decimal.NewFromString(st.Filled.AvgPx); err == nil {
			result.AvgPrice = px
		}
		return result, nil
	case st.Resting != nil:
		return &exchange.OrderResult{OrderID: st.Resting.Oid}, nil
	default:
		return nil, fmt.Errorf("hyperliquid: unrecognised order status")
	}
}

// Registry hook for exchange.BuildGateway.
func init() {
	exchange.RegisterGateway("hyperliquid", func(name string, cfg *exchange.GatewayConfig) (exchange.Gateway, error) {
		var opts []ClientOption
		if cfg.VaultAddress != "" {
			opts = append(opts, WithVaultAddress(cfg.VaultAddress))
		}
		return NewClient(cfg.PrivateKey, cfg.Testnet, opts...)
	})
}
