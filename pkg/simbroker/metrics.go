package simbroker

import "math"

// Metrics is the canonical summary of a backtest run. Field names are the
// contract consumed by report validators.
type Metrics struct {
	TotalTrades      int     `json:"total_trades"`
	WinningTrades    int     `json:"winning_trades"`
	LosingTrades     int     `json:"losing_trades"`
	WinRate          float64 `json:"win_rate"`
	AvgProfit        float64 `json:"avg_profit"`
	AvgLoss          float64 `json:"avg_loss"`
	Expectancy       float64 `json:"expectancy"`
	TotalGrossPnL    float64 `json:"total_gross_pnl"`
	TotalCommissions float64 `json:"total_commissions"`
	TotalNetPnL      float64 `json:"total_net_pnl"`
	ReturnPct        float64 `json:"return_pct"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	ProfitFactor     float64 `json:"profit_factor"`
}

// ComputeMetrics derives the summary metrics from the closed trades and the
// equity curve. Trades with net P&L of exactly zero count as losing.
func ComputeMetrics(trades []Trade, curve []EquityPoint, startingBalance float64) Metrics {
	m := Metrics{TotalTrades: len(trades)}

	var sumWins, sumLosses float64 // sumLosses <= 0
	for _, t := range trades {
		m.TotalGrossPnL += t.GrossPnL
		m.TotalCommissions += t.Commission
		m.TotalNetPnL += t.NetPnL
		if t.NetPnL > 0 {
			m.WinningTrades++
			sumWins += t.NetPnL
		} else {
			m.LosingTrades++
			sumLosses += t.NetPnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	}
	if m.WinningTrades > 0 {
		m.AvgProfit = sumWins / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = sumLosses / float64(m.LosingTrades)
	}
	// Expectancy is the mean net P&L per trade; with AvgLoss negative this
	// equals win_rate*avg_profit + (1-win_rate)*avg_loss.
	if m.TotalTrades > 0 {
		m.Expectancy = m.TotalNetPnL / float64(m.TotalTrades)
	}
	if startingBalance > 0 {
		m.ReturnPct = m.TotalNetPnL / startingBalance * 100
	}
	if sumLosses < 0 {
		m.ProfitFactor = sumWins / -sumLosses
	}

	m.MaxDrawdown, m.MaxDrawdownPct = maxDrawdown(curve)
	m.SharpeRatio = sharpe(curve)
	return m
}

// maxDrawdown returns the largest peak-to-trough equity decline, absolute
// and as a percentage of the peak.
func maxDrawdown(curve []EquityPoint) (float64, float64) {
	var peak, maxAbs, maxPct float64
	for i, p := range curve {
		if i == 0 || p.Equity > peak {
			peak = p.Equity
		}
		dd := peak - p.Equity
		if dd > maxAbs {
			maxAbs = dd
		}
		if peak > 0 {
			if pct := dd / peak * 100; pct > maxPct {
				maxPct = pct
			}
		}
	}
	return maxAbs, maxPct
}

// sharpe computes the per-bar Sharpe ratio (mean over stddev of simple
// equity returns, risk-free rate zero, no annualization). Returns 0 when
// there are fewer than two usable returns or the returns are constant.
func sharpe(curve []EquityPoint) float64 {
	var returns []float64
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev != 0 {
			returns = append(returns, (curve[i].Equity-prev)/prev)
		}
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}
