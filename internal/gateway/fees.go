package gateway

import (
	"fmt"

	"paycore/internal/common/money"
)

// FeeSchedule describes a versioned fee schedule: a percentage in basis points
// applied first, then a currency-specific fixed fee added on top. Schedules
// are immutable; a pricing change ships as a new version.
type FeeSchedule struct {
	Version    string                   `json:"version"`
	PercentBps int64                    `json:"percent_bps"`
	FixedMinor map[money.Currency]int64 `json:"fixed_minor"`
}

// FeeBreakdown is the deterministic result of applying a fee schedule.
type FeeBreakdown struct {
	ScheduleVersion string      `json:"schedule_version"`
	PercentageFee   money.Money `json:"percentage_fee"`
	FixedFee        money.Money `json:"fixed_fee"`
	TotalFee        money.Money `json:"total_fee"`
	NetAmount       money.Money `json:"net_amount"`
}

// Calculate applies the schedule to an amount. Pure: identical inputs always
// produce identical output, and net + total fee == gross.
func (f FeeSchedule) Calculate(amount money.Money) (FeeBreakdown, error) {
	if !money.IsSupported(amount.Currency) {
		return FeeBreakdown{}, fmt.Errorf("unsupported currency: %s", amount.Currency)
	}
	if amount.IsNegative() {
		return FeeBreakdown{}, fmt.Errorf("amount must not be negative")
	}

	percentageFee := amount.Percentage(f.PercentBps)
	fixedFee := money.New(f.FixedMinor[amount.Currency], amount.Currency)
	totalFee := percentageFee.MustAdd(fixedFee)
	netAmount := amount.MustSub(totalFee)

	return FeeBreakdown{
		ScheduleVersion: f.Version,
		PercentageFee:   percentageFee,
		FixedFee:        fixedFee,
		TotalFee:        totalFee,
		NetAmount:       netAmount,
	}, nil
}
