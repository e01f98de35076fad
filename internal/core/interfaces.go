package core

import "time"

// Logger is the structured logging interface used across the arena.
// Fields are alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
}

// Clock abstracts wall time so the tick loop and candle buckets are
// controllable in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// MarketListener receives engine events after they are committed. Callbacks
// run outside the engine lock and must not call back into it synchronously
// except through the public read API.
type MarketListener interface {
	OnTrade(code string, res TradeResult)
	OnTick(snap Snapshot)
}
