package simbroker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func tradeWithPnL(gross, commission float64) Trade {
	return Trade{GrossPnL: gross, Commission: commission, NetPnL: gross - commission}
}

func TestComputeMetrics_Empty(t *testing.T) {
	m := ComputeMetrics(nil, nil, 10000)
	assert.Equal(t, 0, m.TotalTrades)
	assert.Equal(t, 0.0, m.WinRate)
	assert.Equal(t, 0.0, m.Expectancy)
	assert.Equal(t, 0.0, m.ProfitFactor)
	assert.Equal(t, 0.0, m.MaxDrawdown)
	assert.Equal(t, 0.0, m.SharpeRatio)
}

func TestComputeMetrics_Counts(t *testing.T) {
	trades := []Trade{
		tradeWithPnL(100, 5),  // +95
		tradeWithPnL(-50, 5),  // -55
		tradeWithPnL(200, 10), // +190
		tradeWithPnL(5, 5),    // 0, counts as losing
	}
	m := ComputeMetrics(trades, nil, 10000)

	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 2, m.LosingTrades)
	assert.InDelta(t, 0.5, m.WinRate, 1e-9)
	assert.InDelta(t, (95.0+190.0)/2, m.AvgProfit, 1e-9)
	assert.InDelta(t, -55.0/2, m.AvgLoss, 1e-9)
	assert.InDelta(t, 255.0, m.TotalGrossPnL, 1e-9)
	assert.InDelta(t, 25.0, m.TotalCommissions, 1e-9)
	assert.InDelta(t, 230.0, m.TotalNetPnL, 1e-9)
	assert.InDelta(t, 230.0/4, m.Expectancy, 1e-9)
	assert.InDelta(t, 2.3, m.ReturnPct, 1e-9)
	assert.InDelta(t, 285.0/55.0, m.ProfitFactor, 1e-9)
}

func TestComputeMetrics_ProfitFactorWithoutLosses(t *testing.T) {
	// Undefined without losing trades; reported as 0 rather than infinity
	// so the report stays JSON-encodable.
	m := ComputeMetrics([]Trade{tradeWithPnL(100, 0)}, nil, 10000)
	assert.Equal(t, 0.0, m.ProfitFactor)
	assert.Equal(t, 1.0, m.WinRate)
}

func TestMaxDrawdown(t *testing.T) {
	ts := time.Now()
	curve := []EquityPoint{
		{Timestamp: ts, Equity: 10000},
		{Timestamp: ts, Equity: 10500},
		{Timestamp: ts, Equity: 9800},
		{Timestamp: ts, Equity: 10200},
		{Timestamp: ts, Equity: 9700},
		{Timestamp: ts, Equity: 10600},
	}
	m := ComputeMetrics(nil, curve, 10000)

	// Worst decline is from the 10500 peak down to 9700.
	assert.InDelta(t, 800.0, m.MaxDrawdown, 1e-9)
	assert.InDelta(t, 800.0/10500.0*100, m.MaxDrawdownPct, 1e-9)
}

func TestSharpe_ZeroForConstantEquity(t *testing.T) {
	ts := time.Now()
	curve := []EquityPoint{
		{Timestamp: ts, Equity: 10000},
		{Timestamp: ts, Equity: 10000},
		{Timestamp: ts, Equity: 10000},
	}
	m := ComputeMetrics(nil, curve, 10000)
	assert.Equal(t, 0.0, m.SharpeRatio)
}

func TestSharpe_PositiveForRisingEquity(t *testing.T) {
	ts := time.Now()
	curve := []EquityPoint{
		{Timestamp: ts, Equity: 10000},
		{Timestamp: ts, Equity: 10100},
		{Timestamp: ts, Equity: 10150},
		{Timestamp: ts, Equity: 10300},
	}
	m := ComputeMetrics(nil, curve, 10000)
	assert.Greater(t, m.SharpeRatio, 0.0)
}
