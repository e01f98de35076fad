package market

import "trading_arena/internal/core"

// AggCandle is one aggregated timeframe bucket as served to charting
// clients; Time is the bucket start in unix seconds.
type AggCandle struct {
	Time  int64   `json:"time"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Bucket floors ts to the start of its width-second bucket.
func Bucket(ts, width int64) int64 {
	if width < 1 {
		width = 1
	}
	return (ts / width) * width
}

// Aggregate folds base candles (ascending by ts) into tfSeconds buckets.
// Open comes from the first row in a bucket, close from the last, high/low
// from the extremes.
func Aggregate(raw []core.Candle, tfSeconds int64) []AggCandle {
	if len(raw) == 0 {
		return nil
	}
	if tfSeconds < 1 {
		tfSeconds = 1
	}

	var out []AggCandle
	cur := AggCandle{Time: -1}

	for _, r := range raw {
		bucket := Bucket(r.TS, tfSeconds)
		if cur.Time == -1 {
			cur = AggCandle{Time: bucket, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close}
			continue
		}
		if bucket != cur.Time {
			out = append(out, cur)
			cur = AggCandle{Time: bucket, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close}
			continue
		}
		if r.High > cur.High {
			cur.High = r.High
		}
		if r.Low < cur.Low {
			cur.Low = r.Low
		}
		cur.Close = r.Close
	}

	out = append(out, cur)
	return out
}
