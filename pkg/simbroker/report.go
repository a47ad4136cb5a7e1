package simbroker

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Report file names. Validators look these up by exact name.
const (
	TradesFileName      = "trades.csv"
	EquityCurveFileName = "equity_curve.csv"
	ReportFileName      = "test_report.json"
)

// Report is the full backtest result document written to test_report.json.
type Report struct {
	Metrics     Metrics       `json:"metrics"`
	Trades      []Trade       `json:"trades"`
	EquityCurve []EquityPoint `json:"equity_curve"`
	Config      Config        `json:"config"`
	Summary     string        `json:"summary"`
}

// GenerateReport assembles the report for the run so far.
func (b *Broker) GenerateReport() *Report {
	trades := b.GetTrades()
	curve := b.GetEquityCurve()
	metrics := ComputeMetrics(trades, curve, b.cfg.StartingBalance)
	return &Report{
		Metrics:     metrics,
		Trades:      trades,
		EquityCurve: curve,
		Config:      b.cfg,
		Summary: fmt.Sprintf("%d trades, net P&L %.2f (%.2f%%), win rate %.1f%%, max drawdown %.2f%%",
			metrics.TotalTrades, metrics.TotalNetPnL, metrics.ReturnPct,
			metrics.WinRate*100, metrics.MaxDrawdownPct),
	}
}

// SaveReport writes trades.csv, equity_curve.csv, and test_report.json into
// dir, creating it if needed.
func (b *Broker) SaveReport(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}
	report := b.GenerateReport()

	if err := writeTradesCSV(filepath.Join(dir, TradesFileName), report.Trades); err != nil {
		return err
	}
	if err := writeEquityCSV(filepath.Join(dir, EquityCurveFileName), report.EquityCurve); err != nil {
		return err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ReportFileName), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", ReportFileName, err)
	}
	return nil
}

func writeTradesCSV(path string, trades []Trade) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"trade_id", "symbol", "side", "volume",
		"entry_time", "entry_price", "exit_time", "exit_price",
		"gross_pnl", "commission", "net_pnl", "close_reason",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("writing trades header: %w", err)
	}
	for _, t := range trades {
		row := []string{
			t.TradeID, t.Symbol, string(t.Side), formatFloat(t.Volume),
			t.EntryTime.UTC().Format(time.RFC3339), formatFloat(t.EntryPrice),
			t.ExitTime.UTC().Format(time.RFC3339), formatFloat(t.ExitPrice),
			formatFloat(t.GrossPnL), formatFloat(t.Commission),
			formatFloat(t.NetPnL), string(t.CloseReason),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("writing trade %s: %w", t.TradeID, err)
		}
	}
	w.Flush()
	return w.Error()
}

func writeEquityCSV(path string, curve []EquityPoint) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"timestamp", "balance", "equity", "used_margin", "free_margin", "margin_level"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("writing equity header: %w", err)
	}
	for _, p := range curve {
		row := []string{
			p.Timestamp.UTC().Format(time.RFC3339),
			formatFloat(p.Balance), formatFloat(p.Equity),
			formatFloat(p.UsedMargin), formatFloat(p.FreeMargin),
			formatFloat(p.MarginLevel),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("writing equity row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
