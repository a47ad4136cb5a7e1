package simbroker

// commissionFor computes the commission for one fill. Commission is charged
// separately on entry and exit and recorded on each Fill.
func (b *Broker) commissionFor(volume, price float64) float64 {
	switch b.cfg.Commission.Model {
	case CommissionPerLot:
		return volume * b.cfg.Commission.Value
	case CommissionPercent:
		return volume * b.cfg.LotSize * price * b.cfg.Commission.Value
	default:
		return b.cfg.Commission.Value
	}
}
