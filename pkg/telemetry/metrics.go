package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTradesTotal        = "arena_trades_total"
	MetricTradesRejected     = "arena_trades_rejected_total"
	MetricTradeLatency       = "arena_trade_latency_seconds"
	MetricVolumeUSDTotal     = "arena_volume_usd_total"
	MetricLiquidationsTotal  = "arena_liquidations_total"
	MetricPrice              = "arena_price"
	MetricPlayersWithPosGage = "arena_players_with_position"
)

// MetricsHolder holds the initialized instruments shared across components.
type MetricsHolder struct {
	TradesTotal        metric.Int64Counter
	TradesRejected     metric.Int64Counter
	TradeLatency       metric.Float64Histogram
	VolumeUSDTotal     metric.Float64Counter
	LiquidationsTotal  metric.Int64Counter
	Price              metric.Float64ObservableGauge
	PlayersWithPos     metric.Int64ObservableGauge

	mu             sync.RWMutex
	lastPrice      float64
	playersWithPos int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics creates the instruments on the given meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.TradesTotal, err = meter.Int64Counter(MetricTradesTotal,
		metric.WithDescription("Total accepted trades")); err != nil {
		return err
	}
	if m.TradesRejected, err = meter.Int64Counter(MetricTradesRejected,
		metric.WithDescription("Total rejected trades")); err != nil {
		return err
	}
	if m.TradeLatency, err = meter.Float64Histogram(MetricTradeLatency,
		metric.WithDescription("Trade execution latency in seconds")); err != nil {
		return err
	}
	if m.VolumeUSDTotal, err = meter.Float64Counter(MetricVolumeUSDTotal,
		metric.WithDescription("Total traded USD notional")); err != nil {
		return err
	}
	if m.LiquidationsTotal, err = meter.Int64Counter(MetricLiquidationsTotal,
		metric.WithDescription("Total forced stop-out liquidations")); err != nil {
		return err
	}

	if m.Price, err = meter.Float64ObservableGauge(MetricPrice,
		metric.WithDescription("Current RICH/USD price"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			o.Observe(m.lastPrice)
			return nil
		})); err != nil {
		return err
	}
	if m.PlayersWithPos, err = meter.Int64ObservableGauge(MetricPlayersWithPosGage,
		metric.WithDescription("Players holding a nonzero position"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			o.Observe(m.playersWithPos)
			return nil
		})); err != nil {
		return err
	}

	return nil
}

// SetPrice records the latest mark for the price gauge.
func (m *MetricsHolder) SetPrice(price float64) {
	m.mu.Lock()
	m.lastPrice = price
	m.mu.Unlock()
}

// SetPlayersWithPosition records the open-position player count.
func (m *MetricsHolder) SetPlayersWithPosition(n int64) {
	m.mu.Lock()
	m.playersWithPos = n
	m.mu.Unlock()
}
