// Package simbroker implements a deterministic bar-driven backtest engine.
// Given the same configuration (including the RNG seed) and bar series, two
// runs produce field-identical trades, equity curve, and metrics. The Tester
// relies on that reproducibility for its determinism check.
package simbroker

import (
	"errors"
	"time"
)

// Side is the direction of an order or position.
type Side string

// Order and position sides.
const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

// Order statuses.
const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// CloseReason records why a position was closed.
type CloseReason string

// Close reasons. Validators match on these strings.
const (
	CloseStopLoss   CloseReason = "sl"
	CloseTakeProfit CloseReason = "tp"
	CloseManual     CloseReason = "manual"
	CloseMargin     CloseReason = "margin"
	CloseEndOfData  CloseReason = "end"
)

// Event types emitted by step_bar.
const (
	EventOrderFilled    = "ORDER_FILLED"
	EventOrderRejected  = "ORDER_REJECTED"
	EventPositionOpened = "POSITION_OPENED"
	EventPositionClosed = "POSITION_CLOSED"
	EventMarginCall     = "MARGIN_CALL"
	EventStopOut        = "STOP_OUT"
)

// Sentinel errors returned by broker operations.
var (
	ErrInvalidOrder       = errors.New("invalid order request")
	ErrInsufficientMargin = errors.New("insufficient free margin")
	ErrHedgingDisabled    = errors.New("hedging is disabled")
	ErrOrderNotFound      = errors.New("order not found")
	ErrPositionNotFound   = errors.New("position not found")
	ErrNoBars             = errors.New("no bars processed yet")
)

// Bar is one OHLC candle. Bars must be fed in chronological order.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume,omitempty"`
}

// OrderRequest is a market order submitted for next-bar fill.
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Volume     float64 `json:"volume"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Comment    string  `json:"comment,omitempty"`
}

// Order is a queued or processed market order.
type Order struct {
	ID         string      `json:"id"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Volume     float64     `json:"volume"`
	StopLoss   float64     `json:"stop_loss,omitempty"`
	TakeProfit float64     `json:"take_profit,omitempty"`
	Status     OrderStatus `json:"status"`
	Comment    string      `json:"comment,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Fill records one execution with its slippage and commission.
type Fill struct {
	OrderID    string    `json:"order_id"`
	PositionID string    `json:"position_id"`
	Price      float64   `json:"price"`
	Slippage   float64   `json:"slippage"`
	Commission float64   `json:"commission"`
	Timestamp  time.Time `json:"timestamp"`
}

// Position is an open market exposure.
type Position struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Volume      float64   `json:"volume"`
	EntryPrice  float64   `json:"entry_price"`
	EntryTime   time.Time `json:"entry_time"`
	StopLoss    float64   `json:"stop_loss,omitempty"`
	TakeProfit  float64   `json:"take_profit,omitempty"`
	FloatingPnL float64   `json:"floating_pnl"`
	Commission  float64   `json:"commission"`
	Comment     string    `json:"comment,omitempty"`
}

// Trade is a closed round trip. Field names are the canonical report names.
type Trade struct {
	TradeID     string      `json:"trade_id"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Volume      float64     `json:"volume"`
	EntryTime   time.Time   `json:"entry_time"`
	EntryPrice  float64     `json:"entry_price"`
	ExitTime    time.Time   `json:"exit_time"`
	ExitPrice   float64     `json:"exit_price"`
	GrossPnL    float64     `json:"gross_pnl"`
	Commission  float64     `json:"commission"`
	NetPnL      float64     `json:"net_pnl"`
	CloseReason CloseReason `json:"close_reason"`
}

// EquityPoint is one row of the equity curve, appended once per bar.
type EquityPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Balance     float64   `json:"balance"`
	Equity      float64   `json:"equity"`
	UsedMargin  float64   `json:"used_margin"`
	FreeMargin  float64   `json:"free_margin"`
	MarginLevel float64   `json:"margin_level"`
}

// Account is the current account snapshot.
type Account struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	UsedMargin  float64 `json:"used_margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
}

// Event is one broker-level occurrence during step_bar.
type Event struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	OrderID    string    `json:"order_id,omitempty"`
	PositionID string    `json:"position_id,omitempty"`
	Price      float64   `json:"price,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Message    string    `json:"message,omitempty"`
}
