package simbroker

import "fmt"

// Slippage model names.
const (
	SlippageFixed   = "fixed"
	SlippageRandom  = "random"
	SlippagePercent = "percent"
)

// Commission model names.
const (
	CommissionPerLot  = "per_lot"
	CommissionPercent = "percent"
	CommissionFlat    = "flat"
)

// SlippageConfig selects a slippage model. Value is points for fixed,
// max points for random, and a fraction of price for percent.
type SlippageConfig struct {
	Model string  `json:"model" yaml:"model"`
	Value float64 `json:"value" yaml:"value"`
}

// CommissionConfig selects a commission model. Value is currency per lot for
// per_lot, a fraction of notional for percent, and currency per fill for flat.
type CommissionConfig struct {
	Model string  `json:"model" yaml:"model"`
	Value float64 `json:"value" yaml:"value"`
}

// Config is the full broker configuration. All monetary values are in the
// account currency; margin levels are percentages.
type Config struct {
	StartingBalance float64          `json:"starting_balance" yaml:"starting_balance"`
	Leverage        float64          `json:"leverage" yaml:"leverage"`
	LotSize         float64          `json:"lot_size" yaml:"lot_size"`
	PointSize       float64          `json:"point_size" yaml:"point_size"`
	Slippage        SlippageConfig   `json:"slippage_model" yaml:"slippage_model"`
	Commission      CommissionConfig `json:"commission_model" yaml:"commission_model"`
	MarginCallLevel float64          `json:"margin_call_level" yaml:"margin_call_level"`
	StopOutLevel    float64          `json:"stop_out_level" yaml:"stop_out_level"`
	AllowHedging    bool             `json:"allow_hedging" yaml:"allow_hedging"`
	RNGSeed         uint64           `json:"rng_seed" yaml:"rng_seed"`
	Debug           bool             `json:"debug" yaml:"debug"`
}

// DefaultConfig returns a config with conventional retail-FX style defaults.
func DefaultConfig() Config {
	return Config{
		StartingBalance: 10000,
		Leverage:        100,
		LotSize:         100000,
		PointSize:       0.0001,
		Slippage:        SlippageConfig{Model: SlippageFixed, Value: 0},
		Commission:      CommissionConfig{Model: CommissionFlat, Value: 0},
		MarginCallLevel: 100,
		StopOutLevel:    50,
		AllowHedging:    true,
		RNGSeed:         42,
	}
}

// Validate checks the config for values the engine cannot run with.
func (c Config) Validate() error {
	if c.StartingBalance <= 0 {
		return fmt.Errorf("starting_balance must be positive, got %v", c.StartingBalance)
	}
	if c.Leverage <= 0 {
		return fmt.Errorf("leverage must be positive, got %v", c.Leverage)
	}
	if c.LotSize <= 0 {
		return fmt.Errorf("lot_size must be positive, got %v", c.LotSize)
	}
	if c.PointSize <= 0 {
		return fmt.Errorf("point_size must be positive, got %v", c.PointSize)
	}
	if c.StopOutLevel > c.MarginCallLevel {
		return fmt.Errorf("stop_out_level %v must not exceed margin_call_level %v", c.StopOutLevel, c.MarginCallLevel)
	}
	switch c.Slippage.Model {
	case SlippageFixed, SlippageRandom, SlippagePercent:
	default:
		return fmt.Errorf("unknown slippage model %q", c.Slippage.Model)
	}
	if c.Slippage.Value < 0 {
		return fmt.Errorf("slippage value must not be negative, got %v", c.Slippage.Value)
	}
	switch c.Commission.Model {
	case CommissionPerLot, CommissionPercent, CommissionFlat:
	default:
		return fmt.Errorf("unknown commission model %q", c.Commission.Model)
	}
	if c.Commission.Value < 0 {
		return fmt.Errorf("commission value must not be negative, got %v", c.Commission.Value)
	}
	return nil
}
