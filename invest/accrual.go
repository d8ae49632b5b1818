/*
accrual.go - Profit accrual calculation for one position

PURPOSE:
  Pure functions that resolve a position's effective payout terms and
  compute the profit for one cycle. No I/O, no clock reads, no mutation.

RESOLUTION ORDER (explicit, replacing the source's plan?.field || fallback):
  Rate:      1. plan.ProfitRate when a plan is present and the rate is set
             2. position.DailyProfitRate otherwise
  Frequency: 1. plan.PayoutFrequencyDays when a plan is present and set (>= 1)
             2. default of 1 day otherwise
  Plan name: plan.Name when present, else "Custom Plan"

PROFIT:
  profit = principal * rate / 100
  Rate is in percent units. All arithmetic is decimal.Decimal so
  thousands of cycles accumulate no binary-float drift.

SEE ALSO:
  - engine.go: Calls Compute for each due position
  - errors.go: ErrInvalidRate, ErrInvalidFrequency
*/
package invest

import (
	"github.com/shopspring/decimal"
)

// Terms are a position's resolved payout parameters for one cycle.
type Terms struct {
	Rate          decimal.Decimal // percent per cycle
	FrequencyDays int
	PlanName      string
	CapitalBack   bool
}

// Accrual is the result of computing one payout cycle.
type Accrual struct {
	Profit decimal.Decimal
	Terms  Terms
}

var oneHundred = decimal.NewFromInt(100)

// ResolveTerms determines the effective rate, frequency and plan name for
// a position. plan may be nil (custom position).
func ResolveTerms(pos *Position, plan *Plan) (Terms, error) {
	terms := Terms{
		Rate:          pos.DailyProfitRate,
		FrequencyDays: 1,
		PlanName:      "Custom Plan",
	}

	if plan != nil {
		if !plan.ProfitRate.IsZero() {
			terms.Rate = plan.ProfitRate
		}
		if plan.PayoutFrequencyDays != 0 {
			terms.FrequencyDays = plan.PayoutFrequencyDays
		}
		if plan.Name != "" {
			terms.PlanName = plan.Name
		}
		terms.CapitalBack = plan.CapitalBackOnMaturity
	}

	if terms.Rate.LessThanOrEqual(decimal.Zero) {
		return Terms{}, &TermsError{
			PositionID: pos.ID,
			PlanID:     pos.PlanID,
			Field:      "profit_rate",
			Cause:      ErrInvalidRate,
		}
	}
	if terms.FrequencyDays < 1 {
		return Terms{}, &TermsError{
			PositionID: pos.ID,
			PlanID:     pos.PlanID,
			Field:      "payout_frequency_days",
			Cause:      ErrInvalidFrequency,
		}
	}

	return terms, nil
}

// Compute resolves terms and calculates the profit for one cycle.
func Compute(pos *Position, plan *Plan) (Accrual, error) {
	terms, err := ResolveTerms(pos, plan)
	if err != nil {
		return Accrual{}, err
	}

	profit := pos.Principal.Mul(terms.Rate).Div(oneHundred)

	return Accrual{Profit: profit, Terms: terms}, nil
}
