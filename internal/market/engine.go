// Package market hosts the trading engine: the AMM pool, the live candle,
// market order execution, the tick loop and the synthetic history seeder.
package market

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"trading_arena/internal/amm"
	"trading_arena/internal/config"
	"trading_arena/internal/core"
	"trading_arena/internal/pnl"
	"trading_arena/internal/store"
	apperrors "trading_arena/pkg/errors"
	"trading_arena/pkg/telemetry"
)

// leverageSlack absorbs float residue in the exposure comparison.
const leverageSlack = 1e-9

// Engine owns the market state. All mutation happens under mu; every trade
// is computed against candidate values, persisted, and only then applied to
// memory, so a failed write never leaves the pool and the database apart.
type Engine struct {
	cfg      config.MarketConfig
	st       *store.Store
	log      core.Logger
	clock    core.Clock
	pnlCache *pnl.Cache
	metrics  *telemetry.MetricsHolder

	mu      sync.Mutex
	pool    amm.Pool
	price   float64
	candle  core.Candle
	started bool

	lmu       sync.RWMutex
	listeners []core.MarketListener
}

// NewEngine wires an engine over the given store. metrics may be nil in
// tests.
func NewEngine(cfg config.MarketConfig, st *store.Store, pnlCache *pnl.Cache, metrics *telemetry.MetricsHolder, clock core.Clock, log core.Logger) *Engine {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Engine{
		cfg:      cfg,
		st:       st,
		log:      log.WithField("component", "engine"),
		clock:    clock,
		pnlCache: pnlCache,
		metrics:  metrics,
	}
}

// AddListener registers a market event listener. Callbacks run outside the
// engine lock.
func (e *Engine) AddListener(l core.MarketListener) {
	e.lmu.Lock()
	e.listeners = append(e.listeners, l)
	e.lmu.Unlock()
}

func (e *Engine) notifyTrade(code string, res core.TradeResult) {
	e.lmu.RLock()
	ls := e.listeners
	e.lmu.RUnlock()
	for _, l := range ls {
		l.OnTrade(code, res)
	}
}

func (e *Engine) notifyTick(snap core.Snapshot) {
	e.lmu.RLock()
	ls := e.listeners
	e.lmu.RUnlock()
	for _, l := range ls {
		l.OnTick(snap)
	}
}

func (e *Engine) candleSeconds() int64 {
	if e.cfg.CandleSeconds < 1 {
		return 1
	}
	return e.cfg.CandleSeconds
}

// InitOrLoad restores persisted state after a restart. The last stored
// candle close anchors the price; a valid persisted pool overrides it.
func (e *Engine) InitOrLoad(ctx context.Context) error {
	last, err := e.st.LastCandle(ctx)
	if err != nil {
		return fmt.Errorf("failed to load last candle: %w", err)
	}
	st, err := e.st.LoadEngineState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load engine state: %w", err)
	}

	e.mu.Lock()
	e.price = e.cfg.StartPrice
	if last != nil {
		e.price = last.Close
	}
	e.started = st.Started
	if st.PoolX > 0 && st.PoolY > 0 && st.PoolK > 0 {
		e.pool = amm.Pool{X: st.PoolX, Y: st.PoolY, K: st.PoolK}
		e.price = e.pool.Price()
	}

	now := e.clock.Now().Unix()
	e.candle = core.NewCandle(Bucket(now, e.candleSeconds()), e.price)
	persist := e.stateLocked()
	e.mu.Unlock()

	if err := e.st.SaveEngineState(ctx, persist); err != nil {
		return fmt.Errorf("failed to persist engine state: %w", err)
	}

	e.log.Info("engine state loaded",
		"started", persist.Started, "price", persist.Price)
	return nil
}

// stateLocked snapshots the persisted shape; callers hold mu.
func (e *Engine) stateLocked() core.EngineState {
	return core.EngineState{
		Price:    e.price,
		CandleTS: e.candle.TS,
		PoolX:    e.pool.X,
		PoolY:    e.pool.Y,
		PoolK:    e.pool.K,
		Started:  e.started,
	}
}

// StartGame initializes the pool and flips the market live. Calling it on a
// running market is a no-op returning the current snapshot.
func (e *Engine) StartGame(ctx context.Context) (core.Snapshot, error) {
	e.mu.Lock()
	if e.started && e.pool.Valid() {
		snap := e.snapshotLocked()
		e.mu.Unlock()
		return snap, nil
	}

	usdLiq := math.Max(1000.0, e.cfg.InitialUSDLiquidity)
	p0 := math.Max(0.0001, e.price)
	pool := amm.NewPool(usdLiq, p0)
	price := pool.Price()

	now := e.clock.Now().Unix()
	candle := core.NewCandle(Bucket(now, e.candleSeconds()), price)
	persist := core.EngineState{
		Price:    price,
		CandleTS: candle.TS,
		PoolX:    pool.X,
		PoolY:    pool.Y,
		PoolK:    pool.K,
		Started:  true,
	}

	if err := e.st.SaveEngineState(ctx, persist); err != nil {
		e.mu.Unlock()
		return core.Snapshot{}, fmt.Errorf("failed to persist game start: %w", err)
	}

	e.pool = pool
	e.price = price
	e.candle = candle
	e.started = true
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.log.Info("game started", "price", price, "pool_x", pool.X, "pool_y", pool.Y)
	return snap, nil
}

// CurrentPrice returns the live mark.
func (e *Engine) CurrentPrice() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.price
}

// Snapshot returns the public market view.
func (e *Engine) Snapshot() core.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() core.Snapshot {
	return core.Snapshot{
		Started: e.started,
		Price:   e.price,
		Pool:    core.PoolView{XRich: e.pool.X, YUSD: e.pool.Y, K: e.pool.K},
		Candle:  e.candle,
	}
}

func (e *Engine) marginOK(cash, pos, price float64) bool {
	equity := core.Equity(cash, pos, price)
	if equity < e.cfg.MinEquity {
		return false
	}
	lev := e.cfg.LeverageMax
	if lev <= 0 {
		return false
	}
	return math.Abs(pos)*price <= equity*lev+leverageSlack
}

// rollCandle folds price into the live candle in candidate space: it returns
// the updated live candle and, when the bucket turned over, the candle that
// just closed. Callers hold mu.
func (e *Engine) rollCandle(now int64, price float64) (live core.Candle, closed *core.Candle) {
	bucket := Bucket(now, e.candleSeconds())
	if bucket != e.candle.TS {
		prev := e.candle
		return core.NewCandle(bucket, price), &prev
	}
	live = e.candle
	live.Touch(price)
	return live, nil
}

func (e *Engine) countTrade(ctx context.Context, side core.Side, notional float64, start time.Time) {
	m := e.metrics
	if m == nil || m.TradesTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("side", string(side)))
	m.TradesTotal.Add(ctx, 1, attrs)
	m.VolumeUSDTotal.Add(ctx, notional, attrs)
	m.TradeLatency.Record(ctx, time.Since(start).Seconds(), attrs)
}

func (e *Engine) countRejection(ctx context.Context, side core.Side, err error) {
	m := e.metrics
	if m == nil || m.TradesRejected == nil {
		return
	}
	m.TradesRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("side", string(side)),
		attribute.String("reason", err.Error()),
	))
}

func (e *Engine) setPriceGauge(price float64) {
	if e.metrics != nil {
		e.metrics.SetPrice(price)
	}
}

// MarketBuy swaps usdIn of the player's cash for RICH at the pool price. A
// buy with an open short covers it; crossing zero flips the position long.
func (e *Engine) MarketBuy(ctx context.Context, code string, usdIn float64) (core.TradeResult, error) {
	start := e.clock.Now()
	if usdIn <= 0 {
		return core.TradeResult{}, apperrors.ErrInvalidAmount
	}

	res, err := e.executeBuy(ctx, code, usdIn, start)
	if err != nil {
		e.countRejection(ctx, core.SideBuy, err)
		return core.TradeResult{}, err
	}

	e.notifyTrade(code, res)
	return res, nil
}

func (e *Engine) executeBuy(ctx context.Context, code string, usdIn float64, start time.Time) (core.TradeResult, error) {
	now := start.Unix()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return core.TradeResult{}, apperrors.ErrMarketNotStarted
	}
	if !e.pool.Valid() {
		return core.TradeResult{}, apperrors.ErrPoolInvalid
	}

	p, err := e.st.GetPlayer(ctx, code)
	if err != nil {
		return core.TradeResult{}, err
	}
	if p == nil {
		return core.TradeResult{}, apperrors.ErrUnknownPlayer
	}
	if p.Cash < usdIn {
		return core.TradeResult{}, apperrors.ErrInsufficientFunds
	}

	q, err := amm.QuoteBuy(e.pool, usdIn, e.cfg.FeeRate)
	if err != nil {
		return core.TradeResult{}, err
	}

	priceAfter := q.Pool.Price()
	cashAfter := p.Cash - usdIn
	posAfter := p.Pos + q.RichOut
	if !e.marginOK(cashAfter, posAfter, priceAfter) {
		return core.TradeResult{}, apperrors.ErrMarginExceeded
	}

	trade := core.Trade{
		Code:      code,
		TS:        now,
		Side:      core.SideBuy,
		Qty:       q.RichOut,
		Price:     q.Price,
		Notional:  usdIn,
		Fee:       q.Fee,
		CashAfter: cashAfter,
		PosAfter:  posAfter,
	}

	live, closed := e.rollCandle(now, priceAfter)
	persist := core.EngineState{
		Price:    priceAfter,
		CandleTS: live.TS,
		PoolX:    q.Pool.X,
		PoolY:    q.Pool.Y,
		PoolK:    q.Pool.K,
		Started:  true,
	}

	id, err := e.st.CommitTrade(ctx, trade, &persist, closed)
	if err != nil {
		return core.TradeResult{}, fmt.Errorf("failed to commit trade: %w", err)
	}

	e.pool = q.Pool
	e.price = priceAfter
	e.candle = live
	e.pnlCache.Invalidate(code)
	e.setPriceGauge(priceAfter)
	e.countTrade(ctx, core.SideBuy, usdIn, start)

	return core.TradeResult{
		Side:       core.SideBuy,
		TS:         now,
		TradeID:    id,
		UsdIn:      usdIn,
		Fee:        q.Fee,
		RichOut:    q.RichOut,
		AvgPrice:   q.Price,
		PriceAfter: priceAfter,
		CashAfter:  cashAfter,
		PosAfter:   posAfter,
	}, nil
}

// MarketSell swaps richIn into USD at the pool price. Selling more than the
// held position opens or extends a short; there is no cash gate because the
// proceeds are credited immediately.
func (e *Engine) MarketSell(ctx context.Context, code string, richIn float64) (core.TradeResult, error) {
	start := e.clock.Now()
	if richIn <= 0 {
		return core.TradeResult{}, apperrors.ErrInvalidAmount
	}

	res, err := e.executeSell(ctx, code, richIn, start)
	if err != nil {
		e.countRejection(ctx, core.SideSell, err)
		return core.TradeResult{}, err
	}

	e.notifyTrade(code, res)
	return res, nil
}

func (e *Engine) executeSell(ctx context.Context, code string, richIn float64, start time.Time) (core.TradeResult, error) {
	now := start.Unix()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return core.TradeResult{}, apperrors.ErrMarketNotStarted
	}
	if !e.pool.Valid() {
		return core.TradeResult{}, apperrors.ErrPoolInvalid
	}

	p, err := e.st.GetPlayer(ctx, code)
	if err != nil {
		return core.TradeResult{}, err
	}
	if p == nil {
		return core.TradeResult{}, apperrors.ErrUnknownPlayer
	}

	q, err := amm.QuoteSell(e.pool, richIn, e.cfg.FeeRate)
	if err != nil {
		return core.TradeResult{}, err
	}

	priceAfter := q.Pool.Price()
	cashAfter := p.Cash + q.UsdOut
	posAfter := p.Pos - richIn
	if !e.marginOK(cashAfter, posAfter, priceAfter) {
		return core.TradeResult{}, apperrors.ErrMarginExceeded
	}

	trade := core.Trade{
		Code:      code,
		TS:        now,
		Side:      core.SideSell,
		Qty:       richIn,
		Price:     q.Price,
		Notional:  q.UsdOut,
		Fee:       q.Fee,
		CashAfter: cashAfter,
		PosAfter:  posAfter,
	}

	live, closed := e.rollCandle(now, priceAfter)
	persist := core.EngineState{
		Price:    priceAfter,
		CandleTS: live.TS,
		PoolX:    q.Pool.X,
		PoolY:    q.Pool.Y,
		PoolK:    q.Pool.K,
		Started:  true,
	}

	id, err := e.st.CommitTrade(ctx, trade, &persist, closed)
	if err != nil {
		return core.TradeResult{}, fmt.Errorf("failed to commit trade: %w", err)
	}

	e.pool = q.Pool
	e.price = priceAfter
	e.candle = live
	e.pnlCache.Invalidate(code)
	e.setPriceGauge(priceAfter)
	e.countTrade(ctx, core.SideSell, q.UsdOut, start)

	return core.TradeResult{
		Side:       core.SideSell,
		TS:         now,
		TradeID:    id,
		RichIn:     richIn,
		Fee:        q.Fee,
		UsdOut:     q.UsdOut,
		AvgPrice:   q.Price,
		PriceAfter: priceAfter,
		CashAfter:  cashAfter,
		PosAfter:   posAfter,
	}, nil
}

// Tick advances the clock-driven bookkeeping: it keeps the live candle
// rolling even with no trades, persists the closed bucket, and runs the
// stop-out scan when enabled. Price never moves here.
func (e *Engine) Tick(ctx context.Context) {
	now := e.clock.Now().Unix()

	e.mu.Lock()
	live, closed := e.rollCandle(now, e.price)
	persist := e.stateLocked()
	persist.CandleTS = live.TS

	if closed != nil {
		if err := e.st.UpsertCandle(ctx, *closed); err != nil {
			e.mu.Unlock()
			e.log.Error("failed to persist closed candle", "ts", closed.TS, "error", err)
			return
		}
	}
	if err := e.st.SaveEngineState(ctx, persist); err != nil {
		e.mu.Unlock()
		e.log.Error("failed to persist tick state", "error", err)
		return
	}

	e.candle = live
	started := e.started
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if started && e.cfg.StopoutEquity > 0 {
		e.liquidateUnderwater(ctx, now)
	}

	e.notifyTick(snap)
}

// liquidateUnderwater force-flattens every wallet whose equity at the mark
// is at or below the stop-out floor. The close is synthetic: it books a
// zero-fee trade at the mark and does not touch the pool.
func (e *Engine) liquidateUnderwater(ctx context.Context, now int64) {
	players, err := e.st.PlayersWithPosition(ctx)
	if err != nil {
		e.log.Error("failed to scan open positions", "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.SetPlayersWithPosition(int64(len(players)))
	}

	mark := e.CurrentPrice()

	for _, p := range players {
		equity := core.Equity(p.Cash, p.Pos, mark)
		if equity > e.cfg.StopoutEquity {
			continue
		}

		side := core.SideSell
		if p.Pos < 0 {
			side = core.SideBuy
		}
		qty := math.Abs(p.Pos)

		trade := core.Trade{
			Code:      p.Code,
			TS:        now,
			Side:      side,
			Qty:       qty,
			Price:     mark,
			Notional:  qty * mark,
			Fee:       0,
			CashAfter: 0,
			PosAfter:  0,
		}

		id, err := e.st.CommitTrade(ctx, trade, nil, nil)
		if err != nil {
			e.log.Error("failed to book liquidation", "code", p.Code, "error", err)
			continue
		}
		e.pnlCache.Invalidate(p.Code)
		if e.metrics != nil && e.metrics.LiquidationsTotal != nil {
			e.metrics.LiquidationsTotal.Add(ctx, 1)
		}
		e.log.Warn("position liquidated",
			"code", p.Code, "equity", equity, "qty", qty, "mark", mark)

		e.notifyTrade(p.Code, core.TradeResult{
			Side:       side,
			TS:         now,
			TradeID:    id,
			Fee:        0,
			AvgPrice:   mark,
			PriceAfter: mark,
			CashAfter:  0,
			PosAfter:   0,
		})
	}
}

// Run drives the tick loop until ctx is canceled. Late ticks catch up by
// scheduling from the previous deadline rather than from now.
func (e *Engine) Run(ctx context.Context) error {
	tick := time.Duration(e.cfg.TickSeconds * float64(time.Second))
	if tick <= 0 {
		tick = time.Second
	}

	next := e.clock.Now()
	for {
		now := e.clock.Now()
		if now.Before(next) {
			wait := next.Sub(now)
			if wait > 50*time.Millisecond {
				wait = 50 * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		e.Tick(ctx)
		next = next.Add(tick)
	}
}

// Candles serves the aggregated chart feed: recent base rows with the live
// candle spliced over the newest bucket, folded into tf-second candles.
func (e *Engine) Candles(ctx context.Context, tfSeconds int64, limit int) ([]AggCandle, error) {
	if limit < 10 {
		limit = 10
	} else if limit > 2000 {
		limit = 2000
	}
	if tfSeconds < 1 {
		tfSeconds = 1
	} else if tfSeconds > 86400 {
		tfSeconds = 86400
	}

	needRows := int64(limit) * tfSeconds
	if needRows < 500 {
		needRows = 500
	} else if needRows > 60000 {
		needRows = 60000
	}

	raw, err := e.st.RecentCandles(ctx, int(needRows))
	if err != nil {
		return nil, err
	}

	live := e.Snapshot().Candle
	if n := len(raw); n > 0 && raw[n-1].TS == live.TS {
		raw[n-1] = live
	} else {
		raw = append(raw, live)
	}

	agg := Aggregate(raw, tfSeconds)
	if len(agg) > limit {
		agg = agg[len(agg)-limit:]
	}
	return agg, nil
}

// PlayerStats replays (or recalls from cache) the player's trade log.
func (e *Engine) PlayerStats(ctx context.Context, code string) (pnl.Stats, error) {
	lastID, err := e.st.LastTradeID(ctx, code)
	if err != nil {
		return pnl.Stats{}, err
	}

	stats, ok := e.pnlCache.Get(code, lastID)
	if !ok {
		trades, err := e.st.ListTradesAsc(ctx, code)
		if err != nil {
			return pnl.Stats{}, err
		}
		stats = pnl.Replay(trades)
		e.pnlCache.Put(code, lastID, stats)
	}

	return stats, nil
}
