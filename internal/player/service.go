// Package player implements join, account views and the leaderboard on top
// of the engine and the store.
package player

import (
	"context"
	"sort"
	"strings"

	"trading_arena/internal/core"
	"trading_arena/internal/market"
	"trading_arena/internal/pnl"
	"trading_arena/internal/store"
	"trading_arena/pkg/concurrency"
	apperrors "trading_arena/pkg/errors"
	"trading_arena/pkg/money"
)

const (
	codeMinLen = 4
	codeMaxLen = 64
	nickMaxLen = 32
)

// JoinResult is the response to a successful join.
type JoinResult struct {
	OK          bool    `json:"ok"`
	Code        string  `json:"code"`
	Nick        string  `json:"nick"`
	InitialCash float64 `json:"initial_cash"`
}

// MeView is the marked-to-market account view.
type MeView struct {
	OK            bool    `json:"ok"`
	Code          string  `json:"code"`
	Nick          string  `json:"nick"`
	Cash          float64 `json:"cash"`
	Pos           float64 `json:"pos"`
	Price         float64 `json:"price"`
	Equity        float64 `json:"equity"`
	AvgPrice      float64 `json:"avg_price"`
	PnlRealized   float64 `json:"pnl_realized"`
	PnlUnrealized float64 `json:"pnl_unrealized"`
	PnlTotal      float64 `json:"pnl_total"`
	PosCalc       float64 `json:"pos_calc"`
}

// LeaderboardRow is one ranked wallet.
type LeaderboardRow struct {
	Nick   string  `json:"nick"`
	Equity float64 `json:"equity"`
	Pnl    float64 `json:"pnl"`
	Pos    float64 `json:"pos"`
	Cash   float64 `json:"cash"`
}

// Service exposes player operations. The leaderboard replay fan-out runs on
// the shared worker pool since each wallet's stats are independent.
type Service struct {
	st          *store.Store
	eng         *market.Engine
	pool        *concurrency.WorkerPool
	clock       core.Clock
	log         core.Logger
	initialCash float64
}

// NewService wires the player service.
func NewService(st *store.Store, eng *market.Engine, pool *concurrency.WorkerPool, initialCash float64, clock core.Clock, log core.Logger) *Service {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Service{
		st:          st,
		eng:         eng,
		pool:        pool,
		clock:       clock,
		log:         log.WithField("component", "player"),
		initialCash: initialCash,
	}
}

// Join registers or refreshes a player. The code is the identity: a repeat
// join with the same code keeps the wallet and only updates the nick.
func (s *Service) Join(ctx context.Context, code, nick string) (JoinResult, error) {
	code = strings.TrimSpace(code)
	nick = strings.TrimSpace(nick)

	if len(code) < codeMinLen || len(code) > codeMaxLen || strings.Contains(code, " ") {
		return JoinResult{}, apperrors.ErrInvalidCode
	}
	if nick == "" || len(nick) > nickMaxLen {
		return JoinResult{}, apperrors.ErrInvalidNick
	}

	now := s.clock.Now().Unix()
	if err := s.st.UpsertPlayer(ctx, code, nick, s.initialCash, now); err != nil {
		return JoinResult{}, err
	}

	s.log.Info("player joined", "code", code, "nick", nick)
	return JoinResult{OK: true, Code: code, Nick: nick, InitialCash: s.initialCash}, nil
}

// Me returns the account view for a code, or ErrUnknownPlayer.
func (s *Service) Me(ctx context.Context, code string) (MeView, error) {
	p, err := s.st.GetPlayer(ctx, code)
	if err != nil {
		return MeView{}, err
	}
	if p == nil {
		return MeView{}, apperrors.ErrUnknownPlayer
	}

	stats, err := s.eng.PlayerStats(ctx, code)
	if err != nil {
		return MeView{}, err
	}

	return s.buildMeView(*p, stats), nil
}

func (s *Service) buildMeView(p core.Player, stats pnl.Stats) MeView {
	price := s.eng.CurrentPrice()
	equity := core.Equity(p.Cash, p.Pos, price)
	unrealized := pnl.Unrealized(stats.Avg, p.Pos, price)

	return MeView{
		OK:            true,
		Code:          p.Code,
		Nick:          p.Nick,
		Cash:          money.Round8(p.Cash),
		Pos:           money.Round8(p.Pos),
		Price:         money.Round8(price),
		Equity:        money.Round8(equity),
		AvgPrice:      money.Round8(stats.Avg),
		PnlRealized:   money.Round8(stats.Realized),
		PnlUnrealized: money.Round8(unrealized),
		PnlTotal:      money.Round8(stats.Realized + unrealized),
		PosCalc:       money.Round8(stats.Pos),
	}
}

// Leaderboard ranks the most recently active wallets by equity. Each
// wallet's replay runs as its own pool task; results keep their slot so the
// fan-in is race-free.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	if limit < 1 {
		limit = 1
	} else if limit > 500 {
		limit = 500
	}

	players, err := s.st.ListPlayers(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(players) == 0 {
		return []LeaderboardRow{}, nil
	}

	price := s.eng.CurrentPrice()
	rows := make([]LeaderboardRow, len(players))
	errs := make([]error, len(players))

	group := s.pool.Group()
	for i, p := range players {
		group.Submit(func() {
			stats, err := s.eng.PlayerStats(ctx, p.Code)
			if err != nil {
				errs[i] = err
				return
			}
			unrealized := pnl.Unrealized(stats.Avg, p.Pos, price)
			rows[i] = LeaderboardRow{
				Nick:   p.Nick,
				Equity: money.Round8(core.Equity(p.Cash, p.Pos, price)),
				Pnl:    money.Round8(stats.Realized + unrealized),
				Pos:    money.Round8(p.Pos),
				Cash:   money.Round8(p.Cash),
			}
		})
	}
	group.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Equity > rows[j].Equity
	})
	return rows, nil
}

// Trades returns the player's most recent executions, oldest first.
func (s *Service) Trades(ctx context.Context, code string, limit int) ([]core.Trade, error) {
	if limit < 1 {
		limit = 1
	} else if limit > 200 {
		limit = 200
	}

	p, err := s.st.GetPlayer(ctx, code)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.ErrUnknownPlayer
	}

	return s.st.ListRecentTrades(ctx, code, limit)
}
