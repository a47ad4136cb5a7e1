package simbroker

import "math/rand/v2"

// slippageFor computes the adverse price adjustment for an execution at the
// given price. The returned value is always >= 0; callers add it for buys and
// subtract it for sells so slippage never favors the trader.
func (b *Broker) slippageFor(price float64) float64 {
	switch b.cfg.Slippage.Model {
	case SlippageRandom:
		// Uniform in [0, max] points. Draw order is part of the determinism
		// contract: one draw per execution, in execution order.
		return b.rng.Float64() * b.cfg.Slippage.Value * b.cfg.PointSize
	case SlippagePercent:
		return price * b.cfg.Slippage.Value
	default:
		return b.cfg.Slippage.Value * b.cfg.PointSize
	}
}

// applySlippage shifts the price adversely for the given execution side.
// side is the direction of the execution itself: opening a short and closing
// a long are both sells.
func (b *Broker) applySlippage(price float64, executionSide Side) (float64, float64) {
	slip := b.slippageFor(price)
	if executionSide == SideBuy {
		return price + slip, slip
	}
	return price - slip, slip
}

func newSeededRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}
