package simbroker

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runSmallBacktest(t *testing.T) *Broker {
	t.Helper()
	b := newTestBroker(t, testConfig())

	_, err := b.PlaceOrder(&OrderRequest{
		Symbol: "EURUSD", Side: SideBuy, Volume: 1,
		StopLoss: 95, TakeProfit: 103,
	})
	require.NoError(t, err)
	b.StepBar(bar(0, 100, 101, 99, 100))
	b.StepBar(bar(1, 100, 104, 98, 102))
	require.Len(t, b.GetTrades(), 1)
	return b
}

func TestGenerateReport(t *testing.T) {
	b := runSmallBacktest(t)
	report := b.GenerateReport()

	assert.Equal(t, 1, report.Metrics.TotalTrades)
	assert.Len(t, report.Trades, 1)
	assert.Len(t, report.EquityCurve, 2)
	assert.Equal(t, 10000.0, report.Config.StartingBalance)
	assert.Contains(t, report.Summary, "1 trades")
}

func TestSaveReport_WritesAllFiles(t *testing.T) {
	b := runSmallBacktest(t)
	dir := filepath.Join(t.TempDir(), "report")
	require.NoError(t, b.SaveReport(dir))

	for _, name := range []string{TradesFileName, EquityCurveFileName, ReportFileName} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Greater(t, info.Size(), int64(0), name)
	}
}

func TestSaveReport_TradesCSVColumns(t *testing.T) {
	b := runSmallBacktest(t)
	dir := t.TempDir()
	require.NoError(t, b.SaveReport(dir))

	f, err := os.Open(filepath.Join(dir, TradesFileName))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{
		"trade_id", "symbol", "side", "volume",
		"entry_time", "entry_price", "exit_time", "exit_price",
		"gross_pnl", "commission", "net_pnl", "close_reason",
	}, rows[0])
	assert.Equal(t, "trade_1", rows[1][0])
	assert.Equal(t, "tp", rows[1][11])
}

func TestSaveReport_EquityCSVColumns(t *testing.T) {
	b := runSmallBacktest(t)
	dir := t.TempDir()
	require.NoError(t, b.SaveReport(dir))

	f, err := os.Open(filepath.Join(dir, EquityCurveFileName))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"timestamp", "balance", "equity", "used_margin", "free_margin", "margin_level"}, rows[0])
}

func TestSaveReport_JSONFieldNames(t *testing.T) {
	b := runSmallBacktest(t)
	dir := t.TempDir()
	require.NoError(t, b.SaveReport(dir))

	data, err := os.ReadFile(filepath.Join(dir, ReportFileName))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"metrics", "trades", "equity_curve", "config", "summary"} {
		assert.Contains(t, doc, key)
	}

	var metrics map[string]float64
	require.NoError(t, json.Unmarshal(doc["metrics"], &metrics))
	for _, key := range []string{
		"total_trades", "winning_trades", "losing_trades", "win_rate",
		"avg_profit", "avg_loss", "expectancy", "total_gross_pnl",
		"total_commissions", "total_net_pnl", "return_pct",
		"max_drawdown", "max_drawdown_pct", "sharpe_ratio", "profit_factor",
	} {
		assert.Contains(t, metrics, key)
	}
}
