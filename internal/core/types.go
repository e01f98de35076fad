// Package core defines the shared domain types and interfaces of the arena.
package core

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the flattening side for a position sign.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Player is a wallet row. Code is the primary identity; Pos > 0 is a long,
// Pos < 0 a short, Pos == 0 flat.
type Player struct {
	Code      string  `json:"code"`
	Nick      string  `json:"nick"`
	Cash      float64 `json:"cash"`
	Pos       float64 `json:"pos"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
}

// Trade is an append-only execution record. ID ordering is commit ordering.
type Trade struct {
	ID        int64   `json:"id"`
	Code      string  `json:"code"`
	TS        int64   `json:"ts"`
	Side      Side    `json:"side"`
	Qty       float64 `json:"qty"`
	Price     float64 `json:"price"`
	Notional  float64 `json:"notional"`
	Fee       float64 `json:"fee"`
	CashAfter float64 `json:"cash_after"`
	PosAfter  float64 `json:"pos_after"`
}

// Candle is one OHLC bucket. TS is the bucket start in unix seconds.
type Candle struct {
	TS    int64   `json:"ts"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Touch folds a price observation into the candle.
func (c *Candle) Touch(price float64) {
	c.Close = price
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
}

// NewCandle opens a flat candle at the given bucket and price.
func NewCandle(ts int64, price float64) Candle {
	return Candle{TS: ts, Open: price, High: price, Low: price, Close: price}
}

// EngineState is the fixed set of persisted market-state keys. It is the only
// shape the store exposes for the market_state table; callers never see the
// raw key/value rows.
type EngineState struct {
	Price    float64
	CandleTS int64
	PoolX    float64
	PoolY    float64
	PoolK    float64
	Started  bool
}

// PoolView is the wire shape of the AMM reserves.
type PoolView struct {
	XRich float64 `json:"x_rich"`
	YUSD  float64 `json:"y_usd"`
	K     float64 `json:"k"`
}

// Snapshot is the public view of the live market.
type Snapshot struct {
	Started bool     `json:"started"`
	Price   float64  `json:"price"`
	Pool    PoolView `json:"pool"`
	Candle  Candle   `json:"candle"`
}

// TradeResult is the outcome of an accepted market order. Side-specific
// fields are omitted from JSON when zero.
type TradeResult struct {
	Side       Side    `json:"side"`
	TS         int64   `json:"ts"`
	TradeID    int64   `json:"trade_id"`
	UsdIn      float64 `json:"usd_in,omitempty"`
	RichIn     float64 `json:"rich_in,omitempty"`
	Fee        float64 `json:"fee"`
	RichOut    float64 `json:"rich_out,omitempty"`
	UsdOut     float64 `json:"usd_out,omitempty"`
	AvgPrice   float64 `json:"avg_price"`
	PriceAfter float64 `json:"price_after"`
	CashAfter  float64 `json:"cash_after"`
	PosAfter   float64 `json:"pos_after"`
}

// Equity is the mark-to-market account value.
func Equity(cash, pos, price float64) float64 {
	return cash + pos*price
}
