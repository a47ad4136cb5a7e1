package simbroker

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Broker is the backtest engine. It is driven sequentially: callers feed bars
// one at a time through StepBar and interleave order operations between bars.
// A single workflow's backtest is never parallelized, so the broker holds no
// locks. IDs are sequence-numbered rather than random so two runs with the
// same seed produce identical output.
type Broker struct {
	cfg Config
	rng *rand.Rand

	balance   float64
	pending   []*Order
	orders    map[string]*Order
	positions []*Position
	trades    []Trade
	fills     []Fill
	curve     []EquityPoint

	lastBar *Bar

	orderSeq    int
	positionSeq int
	tradeSeq    int
}

// New creates a broker from a validated config.
func New(cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("broker config: %w", err)
	}
	return &Broker{
		cfg:     cfg,
		rng:     newSeededRNG(cfg.RNGSeed),
		balance: cfg.StartingBalance,
		orders:  make(map[string]*Order),
	}, nil
}

// PlaceOrder validates and queues a market order for fill at the next bar's
// open. The margin check uses the last seen close price.
func (b *Broker) PlaceOrder(req *OrderRequest) (*Order, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return nil, fmt.Errorf("%w: side must be buy or sell, got %q", ErrInvalidOrder, req.Side)
	}
	if req.Volume <= 0 {
		return nil, fmt.Errorf("%w: volume must be positive, got %v", ErrInvalidOrder, req.Volume)
	}
	if !b.cfg.AllowHedging {
		opposite := SideSell
		if req.Side == SideSell {
			opposite = SideBuy
		}
		for _, pos := range b.positions {
			if pos.Symbol == req.Symbol && pos.Side == opposite {
				return nil, fmt.Errorf("%w: open %s position on %s", ErrHedgingDisabled, opposite, req.Symbol)
			}
		}
	}
	if b.lastBar != nil {
		required := b.marginRequired(req.Volume, b.lastBar.Close)
		if required > b.freeMargin(b.lastBar.Close) {
			return nil, fmt.Errorf("%w: need %.2f, free %.2f", ErrInsufficientMargin, required, b.freeMargin(b.lastBar.Close))
		}
	}

	b.orderSeq++
	order := &Order{
		ID:         fmt.Sprintf("order_%d", b.orderSeq),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     req.Volume,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Status:     OrderPending,
		Comment:    req.Comment,
		CreatedAt:  b.currentTime(),
	}
	b.orders[order.ID] = order
	b.pending = append(b.pending, order)
	if b.cfg.Debug {
		slog.Debug("Order queued", "order_id", order.ID, "side", order.Side, "volume", order.Volume)
	}
	return order, nil
}

// CancelOrder cancels a pending order. Filled orders cannot be cancelled.
func (b *Broker) CancelOrder(orderID string) error {
	order, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Status != OrderPending {
		return fmt.Errorf("%w: %s is %s", ErrOrderNotFound, orderID, order.Status)
	}
	order.Status = OrderCancelled
	for i, p := range b.pending {
		if p.ID == orderID {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			break
		}
	}
	return nil
}

// ClosePosition manually closes a position at the given price, with exit
// slippage and commission applied.
func (b *Broker) ClosePosition(positionID string, price float64) (*Trade, error) {
	for _, pos := range b.positions {
		if pos.ID == positionID {
			trade := b.closeAt(pos, price, b.currentTime(), CloseManual)
			return trade, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
}

// CloseAll closes every open position at the last bar's close. Used to
// finalize a run at end of data.
func (b *Broker) CloseAll() ([]Trade, error) {
	if b.lastBar == nil {
		return nil, ErrNoBars
	}
	var closed []Trade
	for len(b.positions) > 0 {
		trade := b.closeAt(b.positions[0], b.lastBar.Close, b.lastBar.Timestamp, CloseEndOfData)
		closed = append(closed, *trade)
	}
	return closed, nil
}

// StepBar advances the simulation by one bar and returns the events it
// generated. The transition order is fixed: fill pending orders at the open,
// walk open positions through the bar for SL/TP, compute equity and margin,
// apply margin-call and stop-out rules, then append the equity point.
func (b *Broker) StepBar(bar Bar) []Event {
	var events []Event

	// 1. Fill pending orders at the open, entry slippage always adverse.
	pending := b.pending
	b.pending = nil
	for _, order := range pending {
		events = append(events, b.fill(order, bar)...)
	}

	// 2. SL/TP resolution along the documented intrabar sequence.
	for _, pos := range b.openPositions() {
		if level, reason, hit := intrabarExit(pos, bar); hit {
			posID := pos.ID
			trade := b.closeAt(pos, level, bar.Timestamp, reason)
			events = append(events, Event{
				Type:       EventPositionClosed,
				Timestamp:  bar.Timestamp,
				PositionID: posID,
				Price:      trade.ExitPrice,
				Reason:     string(reason),
			})
		}
	}

	// 3. Mark open positions to the close and compute margin state.
	for _, pos := range b.positions {
		pos.FloatingPnL = b.floatingPnL(pos, bar.Close)
	}
	b.lastBar = &bar

	// 4. Margin call, then forced liquidation largest floating loss first.
	level := b.marginLevel(bar.Close)
	if len(b.positions) > 0 && level < b.cfg.MarginCallLevel {
		events = append(events, Event{
			Type:      EventMarginCall,
			Timestamp: bar.Timestamp,
			Message:   fmt.Sprintf("margin level %.2f below %.2f", level, b.cfg.MarginCallLevel),
		})
	}
	for len(b.positions) > 0 && b.marginLevel(bar.Close) < b.cfg.StopOutLevel {
		worst := b.positions[0]
		for _, pos := range b.positions[1:] {
			if pos.FloatingPnL < worst.FloatingPnL {
				worst = pos
			}
		}
		worstID := worst.ID
		trade := b.closeAt(worst, bar.Close, bar.Timestamp, CloseMargin)
		events = append(events, Event{
			Type:       EventStopOut,
			Timestamp:  bar.Timestamp,
			PositionID: worstID,
			Price:      trade.ExitPrice,
			Reason:     string(CloseMargin),
		})
	}

	// 5. Equity point for this bar.
	b.curve = append(b.curve, b.equityPoint(bar))
	return events
}

// fill executes one pending order at the bar open. The margin check is
// repeated at the fill price; a gap can invalidate a margin check that
// passed at placement time.
func (b *Broker) fill(order *Order, bar Bar) []Event {
	required := b.marginRequired(order.Volume, bar.Open)
	if required > b.freeMargin(bar.Open) {
		order.Status = OrderCancelled
		return []Event{{
			Type:      EventOrderRejected,
			Timestamp: bar.Timestamp,
			OrderID:   order.ID,
			Reason:    "insufficient_margin",
		}}
	}

	price, slip := b.applySlippage(bar.Open, order.Side)
	// Entry commission is recorded on the fill but settles against the
	// balance only when the position closes. Balance moves on close alone.
	commission := b.commissionFor(order.Volume, price)

	b.positionSeq++
	pos := &Position{
		ID:         fmt.Sprintf("pos_%d", b.positionSeq),
		Symbol:     order.Symbol,
		Side:       order.Side,
		Volume:     order.Volume,
		EntryPrice: price,
		EntryTime:  bar.Timestamp,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
		Commission: commission,
		Comment:    order.Comment,
	}
	b.positions = append(b.positions, pos)
	order.Status = OrderFilled

	b.fills = append(b.fills, Fill{
		OrderID:    order.ID,
		PositionID: pos.ID,
		Price:      price,
		Slippage:   slip,
		Commission: commission,
		Timestamp:  bar.Timestamp,
	})
	return []Event{
		{Type: EventOrderFilled, Timestamp: bar.Timestamp, OrderID: order.ID, Price: price},
		{Type: EventPositionOpened, Timestamp: bar.Timestamp, PositionID: pos.ID, Price: price},
	}
}

// intrabarExit walks the bar in the side's documented sequence and returns
// the first SL or TP level reached. Long bars traverse open, high, low,
// close; short bars traverse open, low, high, close. Within one leg the
// level nearer the leg's start wins.
func intrabarExit(pos *Position, bar Bar) (float64, CloseReason, bool) {
	var path []float64
	if pos.Side == SideBuy {
		path = []float64{bar.Open, bar.High, bar.Low, bar.Close}
	} else {
		path = []float64{bar.Open, bar.Low, bar.High, bar.Close}
	}

	for i := 0; i < len(path)-1; i++ {
		from, to := path[i], path[i+1]
		slHit := pos.StopLoss > 0 && between(pos.StopLoss, from, to)
		tpHit := pos.TakeProfit > 0 && between(pos.TakeProfit, from, to)
		switch {
		case slHit && tpHit:
			if math.Abs(pos.StopLoss-from) <= math.Abs(pos.TakeProfit-from) {
				return pos.StopLoss, CloseStopLoss, true
			}
			return pos.TakeProfit, CloseTakeProfit, true
		case slHit:
			return pos.StopLoss, CloseStopLoss, true
		case tpHit:
			return pos.TakeProfit, CloseTakeProfit, true
		}
	}
	return 0, "", false
}

func between(level, a, b float64) bool {
	return level >= math.Min(a, b) && level <= math.Max(a, b)
}

// closeAt realizes a position at the given price level. Exit slippage is
// adverse to the closing execution and exit commission is charged.
func (b *Broker) closeAt(pos *Position, level float64, ts time.Time, reason CloseReason) *Trade {
	exitSide := SideSell
	if pos.Side == SideSell {
		exitSide = SideBuy
	}
	exitPrice, slip := b.applySlippage(level, exitSide)
	exitCommission := b.commissionFor(pos.Volume, exitPrice)

	gross := b.floatingPnL(pos, exitPrice)
	b.balance += gross - pos.Commission - exitCommission

	b.tradeSeq++
	trade := Trade{
		TradeID:     fmt.Sprintf("trade_%d", b.tradeSeq),
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		Volume:      pos.Volume,
		EntryTime:   pos.EntryTime,
		EntryPrice:  pos.EntryPrice,
		ExitTime:    ts,
		ExitPrice:   exitPrice,
		GrossPnL:    gross,
		Commission:  pos.Commission + exitCommission,
		NetPnL:      gross - pos.Commission - exitCommission,
		CloseReason: reason,
	}
	b.trades = append(b.trades, trade)
	b.fills = append(b.fills, Fill{
		PositionID: pos.ID,
		Price:      exitPrice,
		Slippage:   slip,
		Commission: exitCommission,
		Timestamp:  ts,
	})
	b.removePosition(pos.ID)
	if b.cfg.Debug {
		slog.Debug("Position closed", "position_id", pos.ID, "reason", reason, "net_pnl", trade.NetPnL)
	}
	return &trade
}

func (b *Broker) removePosition(id string) {
	for i, pos := range b.positions {
		if pos.ID == id {
			b.positions = append(b.positions[:i], b.positions[i+1:]...)
			return
		}
	}
}

// openPositions returns a snapshot so closes during iteration are safe.
func (b *Broker) openPositions() []*Position {
	out := make([]*Position, len(b.positions))
	copy(out, b.positions)
	return out
}

func (b *Broker) floatingPnL(pos *Position, price float64) float64 {
	diff := price - pos.EntryPrice
	if pos.Side == SideSell {
		diff = -diff
	}
	return diff * pos.Volume * b.cfg.LotSize
}

func (b *Broker) marginRequired(volume, price float64) float64 {
	return volume * b.cfg.LotSize * price / b.cfg.Leverage
}

func (b *Broker) usedMargin() float64 {
	var used float64
	for _, pos := range b.positions {
		used += b.marginRequired(pos.Volume, pos.EntryPrice)
	}
	return used
}

func (b *Broker) equity(price float64) float64 {
	eq := b.balance
	for _, pos := range b.positions {
		eq += b.floatingPnL(pos, price)
	}
	return eq
}

func (b *Broker) freeMargin(price float64) float64 {
	return b.equity(price) - b.usedMargin()
}

// marginLevel returns equity over used margin as a percentage, or +Inf when
// nothing is open.
func (b *Broker) marginLevel(price float64) float64 {
	used := b.usedMargin()
	if used == 0 {
		return math.Inf(1)
	}
	return b.equity(price) / used * 100
}

// equityPoint snapshots the account after the bar. The margin level is
// recorded as 0 when no positions are open because the curve is serialized
// to JSON and CSV, which cannot carry infinity.
func (b *Broker) equityPoint(bar Bar) EquityPoint {
	level := b.marginLevel(bar.Close)
	if math.IsInf(level, 1) {
		level = 0
	}
	return EquityPoint{
		Timestamp:   bar.Timestamp,
		Balance:     b.balance,
		Equity:      b.equity(bar.Close),
		UsedMargin:  b.usedMargin(),
		FreeMargin:  b.freeMargin(bar.Close),
		MarginLevel: level,
	}
}

func (b *Broker) currentTime() time.Time {
	if b.lastBar != nil {
		return b.lastBar.Timestamp
	}
	return time.Time{}
}

// GetAccount returns the current account snapshot at the last close.
func (b *Broker) GetAccount() Account {
	price := 0.0
	if b.lastBar != nil {
		price = b.lastBar.Close
	}
	return Account{
		Balance:     b.balance,
		Equity:      b.equity(price),
		UsedMargin:  b.usedMargin(),
		FreeMargin:  b.freeMargin(price),
		MarginLevel: b.marginLevel(price),
	}
}

// GetPositions returns copies of the open positions.
func (b *Broker) GetPositions() []Position {
	out := make([]Position, len(b.positions))
	for i, pos := range b.positions {
		out[i] = *pos
	}
	return out
}

// GetTrades returns the closed trades in close order.
func (b *Broker) GetTrades() []Trade {
	out := make([]Trade, len(b.trades))
	copy(out, b.trades)
	return out
}

// GetEquityCurve returns the per-bar equity points.
func (b *Broker) GetEquityCurve() []EquityPoint {
	out := make([]EquityPoint, len(b.curve))
	copy(out, b.curve)
	return out
}
