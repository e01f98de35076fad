package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"trading_arena/internal/core"
	"trading_arena/internal/player"
	apperrors "trading_arena/pkg/errors"
	"trading_arena/pkg/money"
)

type joinRequest struct {
	Code string `json:"code"`
	Nick string `json:"nick"`
}

type tradeRequest struct {
	Code string  `json:"code"`
	Side string  `json:"side"`
	Usd  float64 `json:"usd"`
}

type tradeResponse struct {
	OK bool `json:"ok"`
	core.TradeResult
	Me player.MeView `json:"me"`
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{OK: false, Error: err.Error()})
}

// statusFor maps domain errors to HTTP statuses: unknown players are 404,
// rejected requests are 400, anything else is a server fault.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrUnknownPlayer):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidCode),
		errors.Is(err, apperrors.ErrInvalidNick),
		errors.Is(err, apperrors.ErrInvalidAmount),
		errors.Is(err, apperrors.ErrInvalidSide),
		errors.Is(err, apperrors.ErrMarketNotStarted),
		errors.Is(err, apperrors.ErrPoolInvalid),
		errors.Is(err, apperrors.ErrInsufficientFunds),
		errors.Is(err, apperrors.ErrInsufficientLiquidity),
		errors.Is(err, apperrors.ErrAmountTooSmall),
		errors.Is(err, apperrors.ErrMarginExceeded):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"hint": "frontend is hosted separately; use /api/* for data",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"ts":      s.clock.Now().Unix(),
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.StartGame(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ErrInvalidCode)
		return
	}

	res, err := s.players.Join(r.Context(), req.Code, req.Nick)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	me, err := s.players.Me(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, me)
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ErrInvalidAmount)
		return
	}

	code := strings.TrimSpace(req.Code)
	side := core.Side(strings.ToUpper(strings.TrimSpace(req.Side)))

	// The player must exist before the order reaches the engine so the
	// caller can tell 404 from a rejected trade.
	if _, err := s.players.Me(r.Context(), code); err != nil {
		writeError(w, err)
		return
	}

	var (
		res core.TradeResult
		err error
	)
	switch side {
	case core.SideBuy:
		res, err = s.engine.MarketBuy(r.Context(), code, req.Usd)
	case core.SideSell:
		// Sell requests arrive in USD; convert to RICH at the pre-trade
		// price so both sides of the UI speak the same unit.
		price := math.Max(0.0001, s.engine.CurrentPrice())
		res, err = s.engine.MarketSell(r.Context(), code, req.Usd/price)
	default:
		err = apperrors.ErrInvalidSide
	}
	if err != nil {
		writeError(w, err)
		return
	}

	me, err := s.players.Me(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tradeResponse{
		OK:          true,
		TradeResult: roundResult(res),
		Me:          me,
	})
}

func roundResult(res core.TradeResult) core.TradeResult {
	res.UsdIn = money.Round8(res.UsdIn)
	res.RichIn = money.Round8(res.RichIn)
	res.Fee = money.Round8(res.Fee)
	res.RichOut = money.Round8(res.RichOut)
	res.UsdOut = money.Round8(res.UsdOut)
	res.AvgPrice = money.Round8(res.AvgPrice)
	res.PriceAfter = money.Round8(res.PriceAfter)
	res.CashAfter = money.Round8(res.CashAfter)
	res.PosAfter = money.Round8(res.PosAfter)
	return res
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	limit := queryInt(r, "limit", 50)

	trades, err := s.players.Trades(r.Context(), code, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if trades == nil {
		trades = []core.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 200)
	tf := queryInt(r, "tf", 300)

	out, err := s.engine.Candles(r.Context(), int64(tf), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	rows, err := s.players.Leaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
