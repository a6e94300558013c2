package investment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/points"
)

var hundred = decimal.NewFromInt(100)

// Settings is the process-wide Investment Settings record. It is passed to
// the sweeper on every run rather than read from shared state, so a run is
// fully determined by its inputs.
type Settings struct {
	AutoInvestEnabled    bool            `json:"auto_invest_enabled"`
	InvestmentPercentage decimal.Decimal `json:"investment_percentage"`
	MinimumThreshold     points.Points   `json:"minimum_threshold"`
	InvestmentPlatform   string          `json:"investment_platform"`
	InvestmentType       string          `json:"investment_type"`
	ExpectedReturnRate   decimal.Decimal `json:"expected_return_rate"`
	ProcessingDay        int             `json:"processing_day"`
	MaturityDays         int             `json:"maturity_days"`
}

func DefaultSettings() Settings {
	return Settings{
		AutoInvestEnabled:    false,
		InvestmentPercentage: decimal.NewFromInt(20),
		MinimumThreshold:     150,
		InvestmentPlatform:   "default",
		InvestmentType:       "conservative",
		ExpectedReturnRate:   decimal.NewFromInt(5),
		ProcessingDay:        1,
		MaturityDays:         365,
	}
}

func (s Settings) Validate() error {
	switch {
	case s.InvestmentPercentage.IsNegative() || s.InvestmentPercentage.GreaterThan(hundred):
		return points.Invalid("investment_percentage", "must be between 0 and 100")
	case s.MinimumThreshold < 0:
		return points.Invalid("minimum_threshold", "must not be negative")
	case s.ProcessingDay < 1 || s.ProcessingDay > 31:
		return points.Invalid("processing_day", "must be between 1 and 31")
	case s.MaturityDays < 0:
		return points.Invalid("maturity_days", "must not be negative")
	case s.ExpectedReturnRate.LessThan(hundred.Neg()):
		return points.Invalid("expected_return_rate", "cannot lose more than the principal")
	}
	return nil
}

// Investable is floor(available * percentage / 100).
func (s Settings) Investable(available points.Points) points.Points {
	if available <= 0 {
		return 0
	}
	v := decimal.NewFromInt(int64(available)).Mul(s.InvestmentPercentage).Div(hundred)
	return points.Points(v.Floor().IntPart())
}

// ExpectedReturn is amount * (1 + rate/100), rounded to two places.
func ExpectedReturn(amount points.Points, rate decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(rate.Div(hundred))
	return decimal.NewFromInt(int64(amount)).Mul(factor).Round(2)
}

// =============================================================================
// PERIODS
// =============================================================================

const periodLayout = "2006-01"

// PeriodKey names the sweep period containing t, e.g. "2026-10".
func PeriodKey(t time.Time) string { return t.UTC().Format(periodLayout) }

// ParsePeriodKey validates a YYYY-MM period key.
func ParsePeriodKey(key string) (time.Time, error) {
	t, err := time.Parse(periodLayout, key)
	if err != nil {
		return time.Time{}, points.Invalid("period", "must be YYYY-MM, got %q", key)
	}
	return t, nil
}

// IsProcessingDay reports whether t falls on the configured processing day.
// Days past the end of a short month run on its last day.
func IsProcessingDay(t time.Time, day int) bool {
	t = t.UTC()
	last := time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		day = last
	}
	return t.Day() == day
}

func maturity(from time.Time, days int) *time.Time {
	if days <= 0 {
		return nil
	}
	m := from.AddDate(0, 0, days)
	return &m
}

func sweepKey(period string, id points.StudentID) string {
	return fmt.Sprintf("sweep:%s:%s", period, id)
}
