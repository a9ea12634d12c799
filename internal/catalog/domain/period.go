package domain

import "fmt"

// PeriodUnit is the billing period granularity of a subscription.
type PeriodUnit string

const (
	PeriodWeek  PeriodUnit = "week"
	PeriodMonth PeriodUnit = "month"
	PeriodYear  PeriodUnit = "year"
)

// ParsePeriodUnit validates a wire-format period unit.
func ParsePeriodUnit(raw string) (PeriodUnit, error) {
	switch PeriodUnit(raw) {
	case PeriodWeek, PeriodMonth, PeriodYear:
		return PeriodUnit(raw), nil
	default:
		return "", fmt.Errorf("unknown period unit %q", raw)
	}
}

// NormalizePeriod converts day-based platform periods to the engine's
// units; storefronts report weekly plans as 7 days.
func NormalizePeriod(count int, unit string) (int, PeriodUnit, error) {
	if unit == "day" {
		if count%7 == 0 {
			return count / 7, PeriodWeek, nil
		}
		return 0, "", fmt.Errorf("unsupported day-based period %d", count)
	}
	u, err := ParsePeriodUnit(unit)
	if err != nil {
		return 0, "", err
	}
	return count, u, nil
}
