// Package pnl reconstructs cost basis and realized profit by replaying a
// player's trade log. Nothing here touches storage; callers feed trades in id
// order and get pure results back.
package pnl

import "trading_arena/internal/core"

// flatEps absorbs float residue when a position is closed out exactly.
const flatEps = 1e-12

// Stats is the replay outcome: weighted-average entry price of the open
// position, cumulative realized PnL net of fees, and the reconstructed
// position.
type Stats struct {
	Avg      float64
	Realized float64
	Pos      float64
}

// Replay folds the trade log into Stats. Trades must be in ascending id
// order. A fill that crosses through zero realizes against the old average
// and re-opens the remainder at the fill price.
func Replay(trades []core.Trade) Stats {
	var pos, avg, realized float64

	for _, t := range trades {
		qty, price, fee := t.Qty, t.Price, t.Fee

		switch t.Side {
		case core.SideBuy:
			if pos >= 0 {
				newPos := pos + qty
				if newPos > 0 {
					avg = (avg*pos + price*qty) / newPos
				} else {
					avg = 0
				}
				pos = newPos
			} else {
				closeQty := min(qty, -pos)
				realized += (avg - price) * closeQty
				pos += qty
				if pos > flatEps {
					avg = price
				} else if abs(pos) <= flatEps {
					pos, avg = 0, 0
				}
			}
			realized -= fee

		case core.SideSell:
			if pos <= 0 {
				newPos := pos - qty
				if newPos < 0 {
					avg = (avg*(-pos) + price*qty) / (-newPos)
				} else {
					avg = 0
				}
				pos = newPos
			} else {
				closeQty := min(qty, pos)
				realized += (price - avg) * closeQty
				pos -= qty
				if pos < -flatEps {
					avg = price
				} else if abs(pos) <= flatEps {
					pos, avg = 0, 0
				}
			}
			realized -= fee
		}
	}

	return Stats{Avg: avg, Realized: realized, Pos: pos}
}

// Unrealized marks an open position against the given price. Positions with
// no cost basis carry no unrealized PnL.
func Unrealized(avg, pos, price float64) float64 {
	switch {
	case pos > 0 && avg > 0:
		return (price - avg) * pos
	case pos < 0 && avg > 0:
		return (avg - price) * (-pos)
	default:
		return 0
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
