package market

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"trading_arena/internal/config"
	"trading_arena/internal/core"
	"trading_arena/internal/store"
)

// meanReversion pulls the synthetic walk back toward the anchor price so a
// week of history stays in a believable range.
const meanReversion = 0.015

// Seeder backfills synthetic chart history before the oldest stored candle.
// It never books trades and never touches the pool; it only extends the
// candles table backwards in coarse buckets.
type Seeder struct {
	cfg        config.SeedConfig
	startPrice float64
	st         *store.Store
	log        core.Logger
	clock      core.Clock
	rng        *rand.Rand
}

// NewSeeder builds a seeder. rng may be nil for a time-seeded source.
func NewSeeder(cfg config.SeedConfig, startPrice float64, st *store.Store, clock core.Clock, log core.Logger, rng *rand.Rand) *Seeder {
	if clock == nil {
		clock = core.RealClock{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Seeder{
		cfg:        cfg,
		startPrice: startPrice,
		st:         st,
		log:        log.WithField("component", "seeder"),
		clock:      clock,
		rng:        rng,
	}
}

// Tag identifies the seed configuration; changing any knob changes the tag
// so old fills are recognizably from a different regime.
func (s *Seeder) Tag() string {
	return fmt.Sprintf("v2|secs=%d|cs=%d|step=%.8f|p0=%.6f",
		s.cfg.Seconds, s.seedCS(), s.cfg.StepPct, s.startPrice)
}

func (s *Seeder) seedCS() int64 {
	if s.cfg.CandleSeconds < 1 {
		return 1
	}
	return s.cfg.CandleSeconds
}

// Run extends history back to now minus the configured window. Existing
// candles are never overwritten; generation stops at the current earliest
// bucket. Re-running with enough coverage is a no-op.
func (s *Seeder) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	now := s.clock.Now().Unix()
	cs := s.seedCS()
	targetStart := Bucket(now-s.cfg.Seconds, cs)

	earliest, err := s.st.EarliestCandle(ctx)
	if err != nil {
		return fmt.Errorf("failed to read earliest candle: %w", err)
	}
	if earliest != nil && earliest.TS <= targetStart {
		return s.st.SetSeededTag(ctx, s.Tag())
	}

	endTS := Bucket(now, cs)
	lastClose := s.startPrice
	if earliest != nil {
		endTS = earliest.TS
		// Anchor on the open of the first real candle so the seam is invisible.
		lastClose = earliest.Open
	}

	var written int
	for ts := targetStart; ts < endTS; ts += cs {
		step := (s.rng.Float64()*2 - 1) * s.cfg.StepPct
		mr := (s.startPrice - lastClose) / s.startPrice * meanReversion
		close := math.Max(0.0001, lastClose*(1+step+mr))

		c := core.Candle{
			TS:    ts,
			Open:  lastClose,
			High:  math.Max(lastClose, close),
			Low:   math.Min(lastClose, close),
			Close: close,
		}
		if err := s.st.UpsertCandle(ctx, c); err != nil {
			return fmt.Errorf("failed to write seed candle: %w", err)
		}

		lastClose = close
		written++
	}

	if err := s.st.SetSeededTag(ctx, s.Tag()); err != nil {
		return err
	}
	s.log.Info("history seeded",
		"candles", written, "from", targetStart, "to", endTS)
	return nil
}
