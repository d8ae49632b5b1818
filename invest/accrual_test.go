package invest_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/investment-engine/invest"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func activePosition(id string, principal string) *invest.Position {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	return &invest.Position{
		ID:             invest.PositionID(id),
		UserID:         "user-1",
		Principal:      dec(principal),
		TotalPaid:      decimal.Zero,
		CurrentDay:     0,
		DurationDays:   30,
		Status:         invest.PositionActive,
		NextPayoutDate: now,
		CreatedAt:      now,
	}
}

// =============================================================================
// TERMS RESOLUTION TESTS
// =============================================================================

func TestResolveTerms_PlanOverridesPositionRate(t *testing.T) {
	// GIVEN: A position with its own daily rate, subscribed to a plan
	//        with a different rate and frequency
	// WHEN: Resolving terms
	// THEN: The plan's values win

	pos := activePosition("pos-1", "1000")
	pos.PlanID = "plan-1"
	pos.DailyProfitRate = dec("9")

	plan := &invest.Plan{
		ID:                  "plan-1",
		Name:                "Gold",
		ProfitRate:          dec("2.5"),
		PayoutFrequencyDays: 7,
	}

	terms, err := invest.ResolveTerms(pos, plan)
	require.NoError(t, err)

	assert.True(t, terms.Rate.Equal(dec("2.5")), "plan rate should win, got %s", terms.Rate)
	assert.Equal(t, 7, terms.FrequencyDays)
	assert.Equal(t, "Gold", terms.PlanName)
}

func TestResolveTerms_CustomPositionDefaults(t *testing.T) {
	// GIVEN: A custom position (no plan) with its own rate
	// WHEN: Resolving terms
	// THEN: Falls back to the position's rate, one-day frequency,
	//       "Custom Plan" label, and no capital return

	pos := activePosition("pos-1", "500")
	pos.DailyProfitRate = dec("1.5")

	terms, err := invest.ResolveTerms(pos, nil)
	require.NoError(t, err)

	assert.True(t, terms.Rate.Equal(dec("1.5")))
	assert.Equal(t, 1, terms.FrequencyDays)
	assert.Equal(t, "Custom Plan", terms.PlanName)
	assert.False(t, terms.CapitalBack)
}

func TestResolveTerms_PlanWithUnsetFields_FallsThrough(t *testing.T) {
	// GIVEN: A plan with zero rate and unset frequency
	// WHEN: Resolving terms for a position holding its own rate
	// THEN: Rate comes from the position, frequency defaults to 1

	pos := activePosition("pos-1", "1000")
	pos.PlanID = "plan-1"
	pos.DailyProfitRate = dec("0.8")

	plan := &invest.Plan{ID: "plan-1", Name: "Sparse"}

	terms, err := invest.ResolveTerms(pos, plan)
	require.NoError(t, err)

	assert.True(t, terms.Rate.Equal(dec("0.8")))
	assert.Equal(t, 1, terms.FrequencyDays)
	assert.Equal(t, "Sparse", terms.PlanName)
}

func TestResolveTerms_ZeroRate_Rejected(t *testing.T) {
	// GIVEN: A position whose resolved rate is zero everywhere
	// WHEN: Resolving terms
	// THEN: TermsError wrapping ErrInvalidRate

	pos := activePosition("pos-1", "1000")

	_, err := invest.ResolveTerms(pos, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, invest.ErrInvalidRate)

	var termsErr *invest.TermsError
	require.ErrorAs(t, err, &termsErr)
	assert.Equal(t, invest.PositionID("pos-1"), termsErr.PositionID)
	assert.Equal(t, "profit_rate", termsErr.Field)
}

func TestResolveTerms_NegativeRate_Rejected(t *testing.T) {
	pos := activePosition("pos-1", "1000")
	pos.DailyProfitRate = dec("-2")

	_, err := invest.ResolveTerms(pos, nil)
	assert.ErrorIs(t, err, invest.ErrInvalidRate)
}

func TestResolveTerms_NegativeFrequency_Rejected(t *testing.T) {
	// GIVEN: A plan with a negative payout frequency
	// WHEN: Resolving terms
	// THEN: TermsError wrapping ErrInvalidFrequency

	pos := activePosition("pos-1", "1000")
	pos.PlanID = "plan-1"

	plan := &invest.Plan{
		ID:                  "plan-1",
		Name:                "Broken",
		ProfitRate:          dec("2"),
		PayoutFrequencyDays: -3,
	}

	_, err := invest.ResolveTerms(pos, plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, invest.ErrInvalidFrequency)
	assert.True(t, invest.IsDataError(err))
}

// =============================================================================
// PROFIT COMPUTATION TESTS
// =============================================================================

func TestCompute_ProfitIsPrincipalTimesRateOverHundred(t *testing.T) {
	// GIVEN: Principal 1000, plan rate 2%
	// WHEN: Computing one cycle
	// THEN: Profit is exactly 20

	pos := activePosition("pos-1", "1000")
	pos.PlanID = "plan-1"
	plan := &invest.Plan{ID: "plan-1", Name: "Gold", ProfitRate: dec("2")}

	acc, err := invest.Compute(pos, plan)
	require.NoError(t, err)

	assert.True(t, acc.Profit.Equal(dec("20")), "expected 20, got %s", acc.Profit)
}

func TestCompute_DecimalPrecision_NoFloatDrift(t *testing.T) {
	// GIVEN: Principal 0.1 at rate 0.1% - values that misbehave in
	//        binary floating point
	// WHEN: Computing one cycle
	// THEN: Profit is exactly 0.0001

	pos := activePosition("pos-1", "0.1")
	pos.DailyProfitRate = dec("0.1")

	acc, err := invest.Compute(pos, nil)
	require.NoError(t, err)

	assert.True(t, acc.Profit.Equal(dec("0.0001")), "expected 0.0001, got %s", acc.Profit)
}

func TestCompute_RepeatedAccrualSumsExactly(t *testing.T) {
	// GIVEN: Principal 999.99 at 0.7% per cycle
	// WHEN: Accruing 1000 cycles
	// THEN: The sum equals profit*1000 exactly, digit for digit

	pos := activePosition("pos-1", "999.99")
	pos.DailyProfitRate = dec("0.7")

	acc, err := invest.Compute(pos, nil)
	require.NoError(t, err)

	total := decimal.Zero
	for i := 0; i < 1000; i++ {
		total = total.Add(acc.Profit)
	}

	expected := acc.Profit.Mul(decimal.NewFromInt(1000))
	assert.True(t, total.Equal(expected), "expected %s, got %s", expected, total)
}

func TestCompute_InvalidTermsPropagate(t *testing.T) {
	pos := activePosition("pos-1", "1000")

	_, err := invest.Compute(pos, nil)
	assert.True(t, errors.Is(err, invest.ErrInvalidRate))
}
