// Package amm implements the constant-product pricing kernel over the
// RICH/USD reserve pair. All functions are pure: they quote candidate
// reserves without touching the input pool, so a caller can margin-check the
// candidate and either apply or discard it.
package amm

import (
	apperrors "trading_arena/pkg/errors"
)

// Pool holds the AMM reserves. X is RICH, Y is USD, K = X*Y.
type Pool struct {
	X float64
	Y float64
	K float64
}

// NewPool seeds a pool from a USD depth and a starting price.
func NewPool(usdLiquidity, price float64) Pool {
	y := usdLiquidity
	x := y / price
	return Pool{X: x, Y: y, K: x * y}
}

// Valid reports whether the pool has positive reserves.
func (p Pool) Valid() bool {
	return p.X > 0 && p.Y > 0 && p.K > 0
}

// Price is the instantaneous mid, Y/X.
func (p Pool) Price() float64 {
	return p.Y / p.X
}

// BuyQuote is the candidate outcome of swapping USD in for RICH out.
type BuyQuote struct {
	Pool    Pool    // candidate reserves with K re-derived
	RichOut float64 // RICH delivered to the buyer
	Fee     float64 // charged on the USD input
	Price   float64 // effective execution price, usd_eff / rich_out
}

// SellQuote is the candidate outcome of swapping RICH in for USD out.
type SellQuote struct {
	Pool     Pool
	UsdOut   float64 // net USD delivered to the seller
	GrossOut float64 // USD removed from the pool before fee
	Fee      float64 // charged on the gross USD output
	Price    float64 // effective execution price, usd_out / rich_in
}

// QuoteBuy prices a market buy of usdIn against the pool. The fee comes off
// the input before it reaches the reserves: y' = y + usd_eff, x' = k / y'.
func QuoteBuy(p Pool, usdIn, feeRate float64) (BuyQuote, error) {
	if usdIn <= 0 {
		return BuyQuote{}, apperrors.ErrInvalidAmount
	}
	if !p.Valid() {
		return BuyQuote{}, apperrors.ErrPoolInvalid
	}

	fee := usdIn * feeRate
	usdEff := usdIn - fee
	if usdEff <= 0 {
		return BuyQuote{}, apperrors.ErrAmountTooSmall
	}

	yNew := p.Y + usdEff
	xNew := p.K / yNew
	richOut := p.X - xNew
	if richOut <= 0 || xNew <= 0 {
		return BuyQuote{}, apperrors.ErrInsufficientLiquidity
	}

	return BuyQuote{
		Pool:    Pool{X: xNew, Y: yNew, K: xNew * yNew},
		RichOut: richOut,
		Fee:     fee,
		Price:   usdEff / richOut,
	}, nil
}

// QuoteSell prices a market sell of richIn against the pool. The fee is
// taken on the gross USD output: x' = x + rich_in, y' = k / x'.
func QuoteSell(p Pool, richIn, feeRate float64) (SellQuote, error) {
	if richIn <= 0 {
		return SellQuote{}, apperrors.ErrInvalidAmount
	}
	if !p.Valid() {
		return SellQuote{}, apperrors.ErrPoolInvalid
	}

	xNew := p.X + richIn
	yNew := p.K / xNew
	gross := p.Y - yNew
	if gross <= 0 || yNew <= 0 {
		return SellQuote{}, apperrors.ErrInsufficientLiquidity
	}

	fee := gross * feeRate
	usdOut := gross - fee
	if usdOut <= 0 {
		return SellQuote{}, apperrors.ErrAmountTooSmall
	}

	return SellQuote{
		Pool:     Pool{X: xNew, Y: yNew, K: xNew * yNew},
		UsdOut:   usdOut,
		GrossOut: gross,
		Fee:      fee,
		Price:    usdOut / richIn,
	}, nil
}
