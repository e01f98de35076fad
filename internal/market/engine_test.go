package market

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_arena/internal/config"
	"trading_arena/internal/core"
	"trading_arena/internal/pnl"
	"trading_arena/internal/store"
	apperrors "trading_arena/pkg/errors"
	"trading_arena/pkg/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testMarketConfig() config.MarketConfig {
	return config.MarketConfig{
		CandleSeconds:       1,
		TickSeconds:         1.0,
		StartPrice:          100,
		InitialUSDLiquidity: 200000,
		FeeRate:             0,
		MinEquity:           0,
		LeverageMax:         3,
		StopoutEquity:       0,
		InitialCash:         10000,
	}
}

func newTestEngine(t *testing.T, cfg config.MarketConfig) (*Engine, *store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "arena.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	e := NewEngine(cfg, st, pnl.NewCache(2*time.Second, clk), nil, clk, logging.Nop())
	require.NoError(t, e.InitOrLoad(context.Background()))
	return e, st, clk
}

func join(t *testing.T, st *store.Store, code string, cash float64) {
	t.Helper()
	require.NoError(t, st.UpsertPlayer(context.Background(), code, code, cash, 1))
}

func TestStartGame_InitializesPool(t *testing.T) {
	e, _, _ := newTestEngine(t, testMarketConfig())
	ctx := context.Background()

	snap, err := e.StartGame(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Started)
	assert.InDelta(t, 100, snap.Price, 1e-9)
	assert.InDelta(t, 200000, snap.Pool.YUSD, 1e-9)
	assert.InDelta(t, 2000, snap.Pool.XRich, 1e-9)
	assert.InDelta(t, 400000000, snap.Pool.K, 1e-3)

	// Second call is a no-op.
	again, err := e.StartGame(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Pool, again.Pool)
}

func TestStartGame_SurvivesRestart(t *testing.T) {
	cfg := testMarketConfig()
	st, err := store.Open(filepath.Join(t.TempDir(), "arena.db"), logging.Nop())
	require.NoError(t, err)
	defer st.Close()

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ctx := context.Background()

	e1 := NewEngine(cfg, st, pnl.NewCache(0, clk), nil, clk, logging.Nop())
	require.NoError(t, e1.InitOrLoad(ctx))
	_, err = e1.StartGame(ctx)
	require.NoError(t, err)

	join(t, st, "p1", 10000)
	res, err := e1.MarketBuy(ctx, "p1", 1000)
	require.NoError(t, err)

	// Fresh engine over the same database picks up the moved pool.
	e2 := NewEngine(cfg, st, pnl.NewCache(0, clk), nil, clk, logging.Nop())
	require.NoError(t, e2.InitOrLoad(ctx))

	snap := e2.Snapshot()
	assert.True(t, snap.Started)
	assert.InDelta(t, res.PriceAfter, snap.Price, 1e-9)
}

func TestMarketBuy_MovesPriceAndWallet(t *testing.T) {
	e, st, _ := newTestEngine(t, testMarketConfig())
	ctx := context.Background()

	_, err := e.StartGame(ctx)
	require.NoError(t, err)
	join(t, st, "p1", 10000)

	res, err := e.MarketBuy(ctx, "p1", 1000)
	require.NoError(t, err)

	// y 200000 -> 201000, x -> 400e6/201000.
	wantRich := 2000.0 - 400000000.0/201000.0
	assert.InDelta(t, wantRich, res.RichOut, 1e-9)
	assert.InDelta(t, 1000.0/wantRich, res.AvgPrice, 1e-9)
	assert.InDelta(t, 9000, res.CashAfter, 1e-9)
	assert.InDelta(t, wantRich, res.PosAfter, 1e-9)
	assert.Greater(t, res.PriceAfter, 100.0)
	assert.Positive(t, res.TradeID)

	p, err := st.GetPlayer(ctx, "p1")
	require.NoError(t, err)
	assert.InDelta(t, 9000, p.Cash, 1e-9)
	assert.InDelta(t, wantRich, p.Pos, 1e-9)

	// Persisted state matches memory.
	persisted, err := st.LoadEngineState(ctx)
	require.NoError(t, err)
	assert.InDelta(t, res.PriceAfter, persisted.Price, 1e-9)
}

func TestMarketBuy_Rejections(t *testing.T) {
	e, st, _ := newTestEngine(t, testMarketConfig())
	ctx := context.Background()
	join(t, st, "p1", 10000)

	_, err := e.MarketBuy(ctx, "p1", 100)
	assert.ErrorIs(t, err, apperrors.ErrMarketNotStarted)

	_, err = e.StartGame(ctx)
	require.NoError(t, err)

	_, err = e.MarketBuy(ctx, "p1", 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	_, err = e.MarketBuy(ctx, "p1", -5)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	_, err = e.MarketBuy(ctx, "ghost", 100)
	assert.ErrorIs(t, err, apperrors.ErrUnknownPlayer)

	_, err = e.MarketBuy(ctx, "p1", 10001)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestMarketSell_OpensShort(t *testing.T) {
	e, st, _ := newTestEngine(t, testMarketConfig())
	ctx := context.Background()

	_, err := e.StartGame(ctx)
	require.NoError(t, err)
	join(t, st, "p1", 10000)

	res, err := e.MarketSell(ctx, "p1", 10)
	require.NoError(t, err)

	assert.Negative(t, res.PosAfter)
	assert.Greater(t, res.CashAfter, 10000.0)
	assert.Less(t, res.PriceAfter, 100.0)
	assert.InDelta(t, res.UsdOut/10, res.AvgPrice, 1e-9)
}

func TestMargin_LeverageCapRejectsAndLeavesStateUntouched(t *testing.T) {
	cfg := testMarketConfig()
	cfg.LeverageMax = 1
	e, st, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	_, err := e.StartGame(ctx)
	require.NoError(t, err)
	join(t, st, "p1", 10000)

	before := e.Snapshot()

	// Shorting 300 RICH at ~100 is ~30k exposure on 10k equity.
	_, err = e.MarketSell(ctx, "p1", 300)
	assert.ErrorIs(t, err, apperrors.ErrMarginExceeded)

	after := e.Snapshot()
	assert.Equal(t, before.Pool, after.Pool)
	assert.Equal(t, before.Price, after.Price)

	p, err := st.GetPlayer(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, p.Cash)
	assert.Zero(t, p.Pos)

	trades, err := st.ListTradesAsc(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestMargin_ZeroLeverageRejectsEverything(t *testing.T) {
	cfg := testMarketConfig()
	cfg.LeverageMax = 0
	e, st, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	_, err := e.StartGame(ctx)
	require.NoError(t, err)
	join(t, st, "p1", 10000)

	_, err = e.MarketBuy(ctx, "p1", 1)
	assert.ErrorIs(t, err, apperrors.ErrMarginExceeded)
}

func TestTick_FlatCandleRollover(t *testing.T) {
	e, st, clk := newTestEngine(t, testMarketConfig())
	ctx := context.Background()

	_, err := e.StartGame(ctx)
	require.NoError(t, err)

	first := e.Snapshot().Candle
	price := e.CurrentPrice()

	clk.advance(1 * time.Second)
	e.Tick(ctx)

	snap := e.Snapshot()
	assert.Equal(t, first.TS+1, snap.Candle.TS)
	assert.Equal(t, price, snap.Candle.Open)
	assert.Equal(t, price, snap.Candle.Close)

	// The closed bucket landed in the store, flat.
	stored, err := st.LastCandle(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, first.TS, stored.TS)
	assert.Equal(t, first.Open, stored.Open)
	assert.Equal(t, first.Close, stored.Close)
}

func TestTrade_RollsCandleAcrossBuckets(t *testing.T) {
	e, st, clk := newTestEngine(t, testMarketConfig())
	ctx := context.Background()

	_, err := e.StartGame(ctx)
	require.NoError(t, err)
	join(t, st, "p1", 10000)

	firstTS := e.Snapshot().Candle.TS

	_, err = e.MarketBuy(ctx, "p1", 500)
	require.NoError(t, err)

	clk.advance(1 * time.Second)
	res, err := e.MarketBuy(ctx, "p1", 500)
	require.NoError(t, err)

	// The second trade closed the first bucket and opened a new one.
	snap := e.Snapshot()
	assert.Equal(t, firstTS+1, snap.Candle.TS)
	assert.InDelta(t, res.PriceAfter, snap.Candle.Close, 1e-12)

	stored, err := st.LastCandle(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, firstTS, stored.TS)
}

func TestLiquidation_FlattensUnderwaterPlayer(t *testing.T) {
	cfg := testMarketConfig()
	cfg.StopoutEquity = 1 // any equity at or below 1 USD is stopped out
	e, st, clk := newTestEngine(t, cfg)
	ctx := context.Background()

	_, err := e.StartGame(ctx)
	require.NoError(t, err)
	join(t, st, "under", 10000)

	// Force an underwater wallet directly: short 150 with only 100 cash.
	_, err = st.CommitTrade(ctx, core.Trade{
		Code: "under", TS: clk.Now().Unix(), Side: core.SideSell,
		Qty: 150, Price: 100, Notional: 15000,
		CashAfter: 100, PosAfter: -150,
	}, nil, nil)
	require.NoError(t, err)

	clk.advance(1 * time.Second)
	e.Tick(ctx)

	p, err := st.GetPlayer(ctx, "under")
	require.NoError(t, err)
	assert.Zero(t, p.Cash)
	assert.Zero(t, p.Pos)

	trades, err := st.ListTradesAsc(ctx, "under")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	liq := trades[1]
	assert.Equal(t, core.SideBuy, liq.Side)
	assert.Equal(t, 150.0, liq.Qty)
	assert.Zero(t, liq.Fee)
	assert.Zero(t, liq.CashAfter)
	assert.Zero(t, liq.PosAfter)
}

func TestLiquidation_DisabledByDefault(t *testing.T) {
	e, st, clk := newTestEngine(t, testMarketConfig())
	ctx := context.Background()

	_, err := e.StartGame(ctx)
	require.NoError(t, err)
	join(t, st, "under", 10000)
	_, err = st.CommitTrade(ctx, core.Trade{
		Code: "under", TS: clk.Now().Unix(), Side: core.SideSell,
		Qty: 150, Price: 100, Notional: 15000,
		CashAfter: 100, PosAfter: -150,
	}, nil, nil)
	require.NoError(t, err)

	clk.advance(1 * time.Second)
	e.Tick(ctx)

	p, err := st.GetPlayer(ctx, "under")
	require.NoError(t, err)
	assert.Equal(t, -150.0, p.Pos)
}

func TestPlayerStats_RefreshesAfterTrade(t *testing.T) {
	e, st, _ := newTestEngine(t, testMarketConfig())
	ctx := context.Background()

	_, err := e.StartGame(ctx)
	require.NoError(t, err)
	join(t, st, "p1", 10000)

	stats, err := e.PlayerStats(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, stats.Pos)

	res, err := e.MarketBuy(ctx, "p1", 1000)
	require.NoError(t, err)

	// The commit invalidated the memo, so stats see the new trade at once.
	stats, err = e.PlayerStats(ctx, "p1")
	require.NoError(t, err)
	assert.InDelta(t, res.PosAfter, stats.Pos, 1e-9)
	assert.InDelta(t, res.AvgPrice, stats.Avg, 1e-9)
}

func TestCandles_ServesLiveBucket(t *testing.T) {
	e, _, _ := newTestEngine(t, testMarketConfig())
	ctx := context.Background()

	_, err := e.StartGame(ctx)
	require.NoError(t, err)

	out, err := e.Candles(ctx, 1, 100)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	live := e.Snapshot().Candle
	lastBucket := out[len(out)-1]
	assert.Equal(t, live.TS, lastBucket.Time)
	assert.Equal(t, live.Close, lastBucket.Close)
}

func TestConcurrentTrades_KeepPoolConsistent(t *testing.T) {
	e, st, _ := newTestEngine(t, testMarketConfig())
	ctx := context.Background()

	_, err := e.StartGame(ctx)
	require.NoError(t, err)

	const players = 8
	codes := make([]string, players)
	for i := range codes {
		codes[i] = string(rune('a'+i)) + "-code"
		join(t, st, codes[i], 10000)
	}

	var wg sync.WaitGroup
	for _, code := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if _, err := e.MarketBuy(ctx, code, 50); err != nil {
					t.Errorf("buy: %v", err)
					return
				}
				if _, err := e.MarketSell(ctx, code, 0.2); err != nil {
					t.Errorf("sell: %v", err)
					return
				}
			}
		}(code)
	}
	wg.Wait()

	snap := e.Snapshot()
	assert.InDelta(t, snap.Pool.XRich*snap.Pool.YUSD, snap.Pool.K, math.Abs(snap.Pool.K)*1e-12)
	assert.InDelta(t, snap.Pool.YUSD/snap.Pool.XRich, snap.Price, 1e-9)

	// Memory and disk agree after the dust settles.
	persisted, err := st.LoadEngineState(ctx)
	require.NoError(t, err)
	assert.InDelta(t, snap.Price, persisted.Price, 1e-9)
	assert.InDelta(t, snap.Pool.XRich, persisted.PoolX, 1e-9)
}

type recordingListener struct {
	mu     sync.Mutex
	trades []core.TradeResult
	ticks  int
}

func (r *recordingListener) OnTrade(_ string, res core.TradeResult) {
	r.mu.Lock()
	r.trades = append(r.trades, res)
	r.mu.Unlock()
}

func (r *recordingListener) OnTick(core.Snapshot) {
	r.mu.Lock()
	r.ticks++
	r.mu.Unlock()
}

func TestListeners_ReceiveTradesAndTicks(t *testing.T) {
	e, st, clk := newTestEngine(t, testMarketConfig())
	ctx := context.Background()

	rec := &recordingListener{}
	e.AddListener(rec)

	_, err := e.StartGame(ctx)
	require.NoError(t, err)
	join(t, st, "p1", 10000)

	_, err = e.MarketBuy(ctx, "p1", 100)
	require.NoError(t, err)

	clk.advance(1 * time.Second)
	e.Tick(ctx)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.trades, 1)
	assert.Equal(t, core.SideBuy, rec.trades[0].Side)
	assert.Equal(t, 1, rec.ticks)
}
