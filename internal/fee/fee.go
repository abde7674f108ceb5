// Package fee computes the platform and payment-processor fees deducted from
// a transaction's gross amount.
//
// All amounts are integer minor currency units (won, cents). Each fee
// component is rounded half-up independently, so a settlement's totals are
// always the sum of its per-item figures.
package fee

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidRate is returned when a rate is outside [0, 1].
	ErrInvalidRate = errors.New("fee: rate out of range")
	// ErrNegativeGross is returned for a gross amount below zero.
	ErrNegativeGross = errors.New("fee: negative gross amount")
	// ErrNegativeNet is returned when the configured rates consume more than
	// the gross amount. It is a configuration error and never recoverable.
	ErrNegativeNet = errors.New("fee: negative net amount")
)

var one = decimal.NewFromInt(1)

// Rates are the commission rates applied to every item of a settlement.
type Rates struct {
	Platform  decimal.Decimal
	Processor decimal.Decimal
}

// DefaultRates are the marketplace commission (10%) and the payment
// processor cost (3.5%).
var DefaultRates = Rates{
	Platform:  decimal.RequireFromString("0.10"),
	Processor: decimal.RequireFromString("0.035"),
}

// ParseRates builds Rates from decimal strings such as "0.10".
func ParseRates(platform, processor string) (Rates, error) {
	p, err := decimal.NewFromString(platform)
	if err != nil {
		return Rates{}, fmt.Errorf("parse platform rate %q: %w", platform, err)
	}
	q, err := decimal.NewFromString(processor)
	if err != nil {
		return Rates{}, fmt.Errorf("parse processor rate %q: %w", processor, err)
	}
	rates := Rates{Platform: p, Processor: q}
	if err := rates.Validate(); err != nil {
		return Rates{}, err
	}
	return rates, nil
}

// Validate checks each rate lies in [0, 1].
func (r Rates) Validate() error {
	if r.Platform.IsNegative() || r.Platform.GreaterThan(one) {
		return fmt.Errorf("%w: platform rate %s", ErrInvalidRate, r.Platform)
	}
	if r.Processor.IsNegative() || r.Processor.GreaterThan(one) {
		return fmt.Errorf("%w: processor rate %s", ErrInvalidRate, r.Processor)
	}
	return nil
}

// Breakdown is the fee split of a single gross amount.
type Breakdown struct {
	Gross        int64 `json:"gross_amount"`
	PlatformFee  int64 `json:"platform_fee"`
	ProcessorFee int64 `json:"processor_fee"`
	Net          int64 `json:"net_amount"`
}

// Calculator applies a fixed set of Rates. It holds no other state.
type Calculator struct {
	rates Rates
}

// NewCalculator returns a calculator for the given rates.
func NewCalculator(rates Rates) (*Calculator, error) {
	if err := rates.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{rates: rates}, nil
}

// Rates returns the rates the calculator was built with.
func (c *Calculator) Rates() Rates {
	return c.rates
}

// Compute splits gross into platform fee, processor fee and net payable.
func (c *Calculator) Compute(gross int64) (Breakdown, error) {
	if gross < 0 {
		return Breakdown{}, fmt.Errorf("%w: %d", ErrNegativeGross, gross)
	}

	platformFee := applyRate(gross, c.rates.Platform)
	processorFee := applyRate(gross, c.rates.Processor)
	net := gross - platformFee - processorFee
	if net < 0 {
		return Breakdown{}, fmt.Errorf("%w: gross %d, platform fee %d, processor fee %d",
			ErrNegativeNet, gross, platformFee, processorFee)
	}

	return Breakdown{
		Gross:        gross,
		PlatformFee:  platformFee,
		ProcessorFee: processorFee,
		Net:          net,
	}, nil
}

// applyRate rounds gross*rate half-up to a whole minor unit. gross is never
// negative here, so decimal's half-away-from-zero rounding is half-up.
func applyRate(gross int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(gross).Mul(rate).Round(0).IntPart()
}
