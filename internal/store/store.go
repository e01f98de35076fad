// Package store provides the sqlite-backed persistence layer: players,
// trades, candles and the fixed-key market state. Writers are serialized by
// the engine lock; readers run concurrently against the WAL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/mattn/go-sqlite3"

	"trading_arena/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS players (
	code TEXT PRIMARY KEY,
	nick TEXT NOT NULL,
	cash REAL NOT NULL,
	pos REAL NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	code TEXT NOT NULL,
	ts INTEGER NOT NULL,
	side TEXT NOT NULL CHECK(side IN ('BUY','SELL')),
	qty REAL NOT NULL,
	price REAL NOT NULL,
	notional REAL NOT NULL,
	fee REAL NOT NULL,
	cash_after REAL NOT NULL,
	pos_after REAL NOT NULL,
	FOREIGN KEY(code) REFERENCES players(code)
);

CREATE INDEX IF NOT EXISTS idx_trades_code_id ON trades(code, id);

CREATE TABLE IF NOT EXISTS candles (
	ts INTEGER PRIMARY KEY,
	open REAL NOT NULL,
	high REAL NOT NULL,
	low  REAL NOT NULL,
	close REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS market_state (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
`

// Fixed market_state keys. Callers never see these; the store maps them to
// core.EngineState.
const (
	statePrice     = "price"
	stateCandleTS  = "candle_ts"
	statePoolX     = "pool_x"
	statePoolY     = "pool_y"
	statePoolK     = "pool_k"
	stateStarted   = "started"
	stateSeededTag = "seeded_tag"
)

// Store wraps the sqlite handle.
type Store struct {
	db  *sql.DB
	log core.Logger

	writeRetry retrypolicy.RetryPolicy[any]
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, log core.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL keeps readers off the writer's back; busy_timeout bounds waits.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	retry := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return isBusy(err) }).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	return &Store{db: db, log: log, writeRetry: retry}, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// run executes a write with bounded retry on transient lock contention.
func (s *Store) run(fn func() error) error {
	return failsafe.With(s.writeRetry).Run(fn)
}

// ---------- players ----------

// UpsertPlayer creates the wallet on first join with the given cash and a
// flat position; later joins only refresh nick and updated_at.
func (s *Store) UpsertPlayer(ctx context.Context, code, nick string, initialCash float64, now int64) error {
	return s.run(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO players(code, nick, cash, pos, created_at, updated_at)
			VALUES(?,?,?,?,?,?)
			ON CONFLICT(code) DO UPDATE SET
			  nick=excluded.nick,
			  updated_at=excluded.updated_at`,
			code, nick, initialCash, 0.0, now, now)
		return err
	})
}

// GetPlayer returns the wallet row, or nil when the code is unknown.
func (s *Store) GetPlayer(ctx context.Context, code string) (*core.Player, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT code, nick, cash, pos, created_at, updated_at
		FROM players WHERE code = ?`, code)

	var p core.Player
	err := row.Scan(&p.Code, &p.Nick, &p.Cash, &p.Pos, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read player: %w", err)
	}
	return &p, nil
}

// ListPlayers returns up to limit wallets, most recently active first.
func (s *Store) ListPlayers(ctx context.Context, limit int) ([]core.Player, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, nick, cash, pos, created_at, updated_at
		FROM players ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}
	defer rows.Close()

	return scanPlayers(rows)
}

// PlayersWithPosition returns every wallet holding a nonzero position.
func (s *Store) PlayersWithPosition(ctx context.Context) ([]core.Player, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, nick, cash, pos, created_at, updated_at
		FROM players WHERE pos != 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	defer rows.Close()

	return scanPlayers(rows)
}

func scanPlayers(rows *sql.Rows) ([]core.Player, error) {
	var out []core.Player
	for rows.Next() {
		var p core.Player
		if err := rows.Scan(&p.Code, &p.Nick, &p.Cash, &p.Pos, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------- trades ----------

// CommitTrade persists one logical trade commit atomically: the wallet
// update, the trade row and, when supplied, the engine state and a candle
// closed by the same execution. Returns the assigned trade id.
func (s *Store) CommitTrade(ctx context.Context, t core.Trade, st *core.EngineState, closed *core.Candle) (int64, error) {
	var id int64
	err := s.run(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if _, err := tx.ExecContext(ctx, `
			UPDATE players SET cash = ?, pos = ?, updated_at = ? WHERE code = ?`,
			t.CashAfter, t.PosAfter, t.TS, t.Code); err != nil {
			return fmt.Errorf("failed to update wallet: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO trades (code, ts, side, qty, price, notional, fee, cash_after, pos_after)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			t.Code, t.TS, string(t.Side), t.Qty, t.Price, t.Notional, t.Fee, t.CashAfter, t.PosAfter)
		if err != nil {
			return fmt.Errorf("failed to insert trade: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read trade id: %w", err)
		}

		if closed != nil {
			if err := upsertCandleTx(ctx, tx, *closed); err != nil {
				return err
			}
		}
		if st != nil {
			if err := saveEngineStateTx(ctx, tx, *st); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListRecentTrades returns the newest trades for a player, oldest first.
func (s *Store) ListRecentTrades(ctx context.Context, code string, limit int) ([]core.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, ts, side, qty, price, notional, fee, cash_after, pos_after
		FROM trades WHERE code = ? ORDER BY id DESC LIMIT ?`, code, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	return trades, nil
}

// ListTradesAsc returns the full trade log for a player in id order.
func (s *Store) ListTradesAsc(ctx context.Context, code string) ([]core.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, ts, side, qty, price, notional, fee, cash_after, pos_after
		FROM trades WHERE code = ? ORDER BY id ASC`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// LastTradeID returns the highest trade id for a player, 0 when none.
func (s *Store) LastTradeID(ctx context.Context, code string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM trades WHERE code = ?`, code).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read last trade id: %w", err)
	}
	return id, nil
}

// TradeCount returns the number of trades for a player.
func (s *Store) TradeCount(ctx context.Context, code string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE code = ?`, code).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return n, nil
}

func scanTrades(rows *sql.Rows) ([]core.Trade, error) {
	var out []core.Trade
	for rows.Next() {
		var t core.Trade
		var side string
		if err := rows.Scan(&t.ID, &t.Code, &t.TS, &side, &t.Qty, &t.Price, &t.Notional, &t.Fee, &t.CashAfter, &t.PosAfter); err != nil {
			return nil, err
		}
		t.Side = core.Side(side)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---------- candles ----------

// UpsertCandle writes one OHLC bucket keyed by its start timestamp.
func (s *Store) UpsertCandle(ctx context.Context, c core.Candle) error {
	return s.run(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()
		if err := upsertCandleTx(ctx, tx, c); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func upsertCandleTx(ctx context.Context, tx *sql.Tx, c core.Candle) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO candles(ts, open, high, low, close)
		VALUES(?,?,?,?,?)
		ON CONFLICT(ts) DO UPDATE SET
		  open=excluded.open,
		  high=excluded.high,
		  low=excluded.low,
		  close=excluded.close`,
		c.TS, c.Open, c.High, c.Low, c.Close)
	if err != nil {
		return fmt.Errorf("failed to upsert candle: %w", err)
	}
	return nil
}

// LastCandle returns the most recent candle, or nil when the table is empty.
func (s *Store) LastCandle(ctx context.Context) (*core.Candle, error) {
	return s.oneCandle(ctx, `
		SELECT ts, open, high, low, close FROM candles ORDER BY ts DESC LIMIT 1`)
}

// EarliestCandle returns the oldest candle, or nil when the table is empty.
func (s *Store) EarliestCandle(ctx context.Context) (*core.Candle, error) {
	return s.oneCandle(ctx, `
		SELECT ts, open, high, low, close FROM candles ORDER BY ts ASC LIMIT 1`)
}

func (s *Store) oneCandle(ctx context.Context, query string) (*core.Candle, error) {
	var c core.Candle
	err := s.db.QueryRowContext(ctx, query).Scan(&c.TS, &c.Open, &c.High, &c.Low, &c.Close)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read candle: %w", err)
	}
	return &c, nil
}

// RecentCandles returns up to limitRows of the newest candles in ascending
// time order.
func (s *Store) RecentCandles(ctx context.Context, limitRows int) ([]core.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close
		FROM candles ORDER BY ts DESC LIMIT ?`, limitRows)
	if err != nil {
		return nil, fmt.Errorf("failed to list candles: %w", err)
	}
	defer rows.Close()

	var out []core.Candle
	for rows.Next() {
		var c core.Candle
		if err := rows.Scan(&c.TS, &c.Open, &c.High, &c.Low, &c.Close); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ---------- engine state ----------

// SaveEngineState persists the fixed-key market state.
func (s *Store) SaveEngineState(ctx context.Context, st core.EngineState) error {
	return s.run(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()
		if err := saveEngineStateTx(ctx, tx, st); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func saveEngineStateTx(ctx context.Context, tx *sql.Tx, st core.EngineState) error {
	started := "0"
	if st.Started {
		started = "1"
	}
	pairs := [][2]string{
		{statePrice, formatFloat(st.Price)},
		{stateCandleTS, strconv.FormatInt(st.CandleTS, 10)},
		{statePoolX, formatFloat(st.PoolX)},
		{statePoolY, formatFloat(st.PoolY)},
		{statePoolK, formatFloat(st.PoolK)},
		{stateStarted, started},
	}
	for _, kv := range pairs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO market_state(k,v) VALUES(?,?)
			ON CONFLICT(k) DO UPDATE SET v=excluded.v`, kv[0], kv[1]); err != nil {
			return fmt.Errorf("failed to write state %s: %w", kv[0], err)
		}
	}
	return nil
}

// LoadEngineState reads the persisted market state; missing keys leave zero
// values in the result.
func (s *Store) LoadEngineState(ctx context.Context) (core.EngineState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT k, v FROM market_state`)
	if err != nil {
		return core.EngineState{}, fmt.Errorf("failed to read market state: %w", err)
	}
	defer rows.Close()

	var st core.EngineState
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return core.EngineState{}, err
		}
		switch k {
		case statePrice:
			st.Price = parseFloat(v)
		case stateCandleTS:
			st.CandleTS, _ = strconv.ParseInt(v, 10, 64)
		case statePoolX:
			st.PoolX = parseFloat(v)
		case statePoolY:
			st.PoolY = parseFloat(v)
		case statePoolK:
			st.PoolK = parseFloat(v)
		case stateStarted:
			st.Started = v == "1"
		}
	}
	return st, rows.Err()
}

// SeededTag returns the recorded seed configuration tag, "" when unset.
func (s *Store) SeededTag(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT v FROM market_state WHERE k = ?`, stateSeededTag).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read seeded tag: %w", err)
	}
	return v, nil
}

// SetSeededTag records the seed configuration tag.
func (s *Store) SetSeededTag(ctx context.Context, tag string) error {
	return s.run(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO market_state(k,v) VALUES(?,?)
			ON CONFLICT(k) DO UPDATE SET v=excluded.v`, stateSeededTag, tag)
		return err
	})
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
