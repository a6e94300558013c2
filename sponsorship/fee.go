package sponsorship

import (
	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/points"
)

var hundred = decimal.NewFromInt(100)

// Skim splits a monetary allocation into the part credited to the student
// and the management fee retained by the platform. The fee is rounded to
// cents; net is whatever remains, so net + fee == amount exactly.
func Skim(amount, percent decimal.Decimal) (net, fee decimal.Decimal) {
	fee = amount.Mul(percent).Div(hundred).Round(2)
	return amount.Sub(fee), fee
}

// ToPoints converts money to whole points, rounding down.
func ToPoints(money, pointsPerDollar decimal.Decimal) points.Points {
	return points.Points(money.Mul(pointsPerDollar).Floor().IntPart())
}
