package hyperliquid

import (
	"fmt"

	"github.com/shopspring/decimal"

	"copytrader/pkg/exchange"
)

// FormatSize rounds a quantity to the asset's szDecimals and renders it as a
// plain decimal string with trailing zeros stripped.
func FormatSize(size decimal.Decimal, szDecimals int) string {
	return size.Abs().Round(int32(szDecimals)).String()
}

// RoundPriceToSigFigs rounds a price to the given number of significant
// figures using exact decimal arithmetic.
func RoundPriceToSigFigs(px decimal.Decimal, figs int32) decimal.Decimal {
	if px.IsZero() || figs <= 0 {
		return px
	}
	// Digits left of the decimal point: coefficient length plus exponent.
	intDigits := int32(px.Abs().NumDigits()) + px.Exponent()
	return px.Round(figs - intDigits)
}

// FormatPrice renders a price at 5 significant figures, no trailing zeros,
// no scientific notation.
func FormatPrice(px decimal.Decimal) string {
	return RoundPriceToSigFigs(px, priceSigFigs).String()
}

// slippagePrice moves a reference price by the given fraction in the
// aggressive direction for the side.
func slippagePrice(mid decimal.Decimal, side exchange.Side, slippage decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == exchange.SideBuy {
		return mid.Mul(one.Add(slippage))
	}
	return mid.Mul(one.Sub(slippage))
}

// validatePositive rejects zero or negative sizes and prices before they
// reach the signing path.
func validatePositive(name string, v decimal.Decimal) error {
	if v.Sign() <= 0 {
		return &exchange.InvariantError{Reason: fmt.Sprintf("%s must be positive, got %s", name, v.String())}
	}
	return nil
}
