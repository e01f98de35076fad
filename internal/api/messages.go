package api

// Message is the envelope for every WebSocket frame.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// WebSocket message types.
const (
	TypeSnapshot = "snapshot" // market snapshot, sent on every tick
	TypeTrade    = "trade"    // an accepted execution
)

// TradeEvent is the broadcast payload for an execution. The player code is
// included so clients can highlight their own fills.
type TradeEvent struct {
	Code       string  `json:"code"`
	Side       string  `json:"side"`
	TS         int64   `json:"ts"`
	Qty        float64 `json:"qty"`
	AvgPrice   float64 `json:"avg_price"`
	PriceAfter float64 `json:"price_after"`
}
