package player

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_arena/internal/config"
	"trading_arena/internal/market"
	"trading_arena/internal/pnl"
	"trading_arena/internal/store"
	"trading_arena/pkg/concurrency"
	apperrors "trading_arena/pkg/errors"
	"trading_arena/pkg/logging"
)

func newFixture(t *testing.T) (*Service, *market.Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "arena.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.MarketConfig{
		CandleSeconds:       1,
		TickSeconds:         1,
		StartPrice:          100,
		InitialUSDLiquidity: 200000,
		LeverageMax:         3,
		InitialCash:         10000,
	}
	eng := market.NewEngine(cfg, st, pnl.NewCache(2*time.Second, nil), nil, nil, logging.Nop())
	require.NoError(t, eng.InitOrLoad(context.Background()))

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test"}, logging.Nop())
	t.Cleanup(pool.Stop)

	svc := NewService(st, eng, pool, cfg.InitialCash, nil, logging.Nop())
	return svc, eng, st
}

func TestJoin_Validation(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		code    string
		nick    string
		wantErr error
	}{
		{"code too short", "abc", "nick", apperrors.ErrInvalidCode},
		{"code with space", "ab cd", "nick", apperrors.ErrInvalidCode},
		{"code too long", strings.Repeat("x", 65), "nick", apperrors.ErrInvalidCode},
		{"empty nick", "good-code", "   ", apperrors.ErrInvalidNick},
		{"nick too long", "good-code", strings.Repeat("n", 33), apperrors.ErrInvalidNick},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Join(ctx, tt.code, tt.nick)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestJoin_GrantsInitialCashOnce(t *testing.T) {
	svc, eng, _ := newFixture(t)
	ctx := context.Background()

	res, err := svc.Join(ctx, "my-code", " alice ")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "alice", res.Nick)
	assert.Equal(t, 10000.0, res.InitialCash)

	_, err = eng.StartGame(ctx)
	require.NoError(t, err)
	_, err = eng.MarketBuy(ctx, "my-code", 1000)
	require.NoError(t, err)

	// Rejoining renames but never refunds.
	_, err = svc.Join(ctx, "my-code", "alice2")
	require.NoError(t, err)

	me, err := svc.Me(ctx, "my-code")
	require.NoError(t, err)
	assert.Equal(t, "alice2", me.Nick)
	assert.InDelta(t, 9000, me.Cash, 1e-6)
}

func TestMe_UnknownPlayer(t *testing.T) {
	svc, _, _ := newFixture(t)
	_, err := svc.Me(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperrors.ErrUnknownPlayer)
}

func TestMe_MarksToMarket(t *testing.T) {
	svc, eng, _ := newFixture(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, "my-code", "alice")
	require.NoError(t, err)
	_, err = eng.StartGame(ctx)
	require.NoError(t, err)

	res, err := eng.MarketBuy(ctx, "my-code", 1000)
	require.NoError(t, err)

	me, err := svc.Me(ctx, "my-code")
	require.NoError(t, err)

	assert.True(t, me.OK)
	assert.InDelta(t, res.CashAfter, me.Cash, 1e-6)
	assert.InDelta(t, res.PosAfter, me.Pos, 1e-6)
	assert.InDelta(t, res.PriceAfter, me.Price, 1e-6)
	assert.InDelta(t, me.Cash+me.Pos*me.Price, me.Equity, 1e-6)
	assert.InDelta(t, res.AvgPrice, me.AvgPrice, 1e-6)
	// Bought below the post-trade price, so the mark shows a gain.
	assert.Positive(t, me.PnlUnrealized)
	assert.InDelta(t, me.PnlRealized+me.PnlUnrealized, me.PnlTotal, 1e-9)
	assert.InDelta(t, me.Pos, me.PosCalc, 1e-6)
}

func TestLeaderboard_RanksByEquity(t *testing.T) {
	svc, eng, _ := newFixture(t)
	ctx := context.Background()

	_, err := eng.StartGame(ctx)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		code := fmt.Sprintf("player-%d", i)
		_, err := svc.Join(ctx, code, code)
		require.NoError(t, err)
	}

	// player-0 buys early and player-1 buys late, so player-0 rides the
	// push upward; the idle wallets sit at initial cash.
	_, err = eng.MarketBuy(ctx, "player-0", 5000)
	require.NoError(t, err)
	_, err = eng.MarketBuy(ctx, "player-1", 5000)
	require.NoError(t, err)

	rows, err := svc.Leaderboard(ctx, 50)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	for i := 1; i < len(rows); i++ {
		assert.GreaterOrEqual(t, rows[i-1].Equity, rows[i].Equity)
	}
	assert.Equal(t, "player-0", rows[0].Nick)
}

func TestLeaderboard_Empty(t *testing.T) {
	svc, _, _ := newFixture(t)
	rows, err := svc.Leaderboard(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestTrades_ClampsAndOrders(t *testing.T) {
	svc, eng, _ := newFixture(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, "my-code", "alice")
	require.NoError(t, err)
	_, err = eng.StartGame(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := eng.MarketBuy(ctx, "my-code", 10)
		require.NoError(t, err)
	}

	trades, err := svc.Trades(ctx, "my-code", 3)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Less(t, trades[0].ID, trades[2].ID)

	_, err = svc.Trades(ctx, "ghost", 10)
	assert.ErrorIs(t, err, apperrors.ErrUnknownPlayer)
}
