package invest_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/investment-engine/invest"
	"github.com/warp/investment-engine/invest/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

func newTestEngine(m *store.Memory) *invest.Engine {
	return &invest.Engine{
		Positions:    m,
		Plans:        m,
		Users:        m,
		Books:        m,
		Runs:         m,
		Lease:        invest.NewRunLease("payout-run", time.Minute),
		Workers:      2,
		RetryBackoff: time.Millisecond,
	}
}

func seedUser(t *testing.T, m *store.Memory, id, firstName string) {
	t.Helper()
	err := m.CreateUser(context.Background(), &invest.User{
		ID:        invest.UserID(id),
		FirstName: firstName,
		Email:     fmt.Sprintf("%s@example.com", id),
		CreatedAt: testNow,
	})
	require.NoError(t, err)
}

func seedPlan(t *testing.T, m *store.Memory, id, name, rate string, freqDays int, capitalBack bool) {
	t.Helper()
	err := m.CreatePlan(context.Background(), &invest.Plan{
		ID:                    invest.PlanID(id),
		Name:                  name,
		ProfitRate:            dec(rate),
		PayoutFrequencyDays:   freqDays,
		CapitalBackOnMaturity: capitalBack,
		DurationDays:          30,
		CreatedAt:             testNow,
	})
	require.NoError(t, err)
}

func seedPosition(t *testing.T, m *store.Memory, pos *invest.Position) {
	t.Helper()
	require.NoError(t, m.CreatePosition(context.Background(), pos))
}

func duePosition(id, userID, planID, principal string, currentDay, durationDays int) *invest.Position {
	return &invest.Position{
		ID:             invest.PositionID(id),
		UserID:         invest.UserID(userID),
		PlanID:         invest.PlanID(planID),
		Principal:      dec(principal),
		TotalPaid:      decimal.Zero,
		CurrentDay:     currentDay,
		DurationDays:   durationDays,
		Status:         invest.PositionActive,
		NextPayoutDate: testNow.Add(-time.Hour), // due an hour ago
		CreatedAt:      testNow.AddDate(0, 0, -currentDay),
	}
}

// recordingNotifier captures notices for assertions.
type recordingNotifier struct {
	mu      sync.Mutex
	notices []invest.PayoutNotice
	fail    bool
}

func (n *recordingNotifier) Notify(_ context.Context, _, _ string, notice invest.PayoutNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("smtp down")
	}
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

// =============================================================================
// BASIC ACCRUAL CYCLE
// =============================================================================

func TestEngine_SingleDuePosition_CreditsAndAdvances(t *testing.T) {
	// GIVEN: One active position, due, on a 2%/day plan, principal 1000
	// WHEN: A payout run executes
	// THEN: Wallet +20, one profit ledger entry, day 0 -> 1, next payout
	//       one day later, position still active

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	pos := duePosition("pos-1", "user-1", "plan-1", "1000", 0, 30)
	seedPosition(t, m, pos)

	engine := newTestEngine(m)
	summary, err := engine.RunAt(context.Background(), invest.TriggerManual, testNow)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.Completed)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 0, summary.Errored)

	balance, err := m.Balance(context.Background(), "user-1", "USD")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("20")), "expected 20, got %s", balance)

	entries, err := m.ListEntriesByPosition(context.Background(), "pos-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, invest.EntryInvestmentProfit, entries[0].Kind)
	assert.Equal(t, invest.EntrySuccess, entries[0].Status)
	assert.Equal(t, "system", entries[0].Method)
	assert.Equal(t, "Gold", entries[0].PlanName)
	assert.Equal(t, 1, entries[0].DayIndex)

	got, err := m.GetPosition(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentDay)
	assert.Equal(t, invest.PositionActive, got.Status)
	assert.True(t, got.TotalPaid.Equal(dec("20")))
	assert.Equal(t, pos.NextPayoutDate.AddDate(0, 0, 1), got.NextPayoutDate,
		"cadence advances from the scheduled date, not from now")
}

func TestEngine_WeeklyPlan_AdvancesByFrequency(t *testing.T) {
	// GIVEN: A 7-day frequency plan at 3.5%
	// WHEN: One run executes
	// THEN: Day jumps by 7 and the next payout is 7 days out

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-7", "Weekly", "3.5", 7, false)
	pos := duePosition("pos-1", "user-1", "plan-7", "2000", 7, 28)
	seedPosition(t, m, pos)

	engine := newTestEngine(m)
	_, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)

	got, err := m.GetPosition(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, 14, got.CurrentDay)
	assert.Equal(t, pos.NextPayoutDate.AddDate(0, 0, 7), got.NextPayoutDate)
	assert.True(t, got.TotalPaid.Equal(dec("70")), "2000 * 3.5%% = 70, got %s", got.TotalPaid)
}

func TestEngine_CustomPosition_UsesOwnRate(t *testing.T) {
	// GIVEN: A plan-less position carrying its own 1.5% daily rate
	// WHEN: One run executes
	// THEN: Profit accrues from the position's rate under "Custom Plan"

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	pos := duePosition("pos-1", "user-1", "", "800", 0, 10)
	pos.DailyProfitRate = dec("1.5")
	seedPosition(t, m, pos)

	engine := newTestEngine(m)
	summary, err := engine.RunAt(context.Background(), invest.TriggerManual, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	entries, err := m.ListEntriesByPosition(context.Background(), "pos-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Custom Plan", entries[0].PlanName)
	assert.True(t, entries[0].Amount.Equal(dec("12")), "800 * 1.5%% = 12, got %s", entries[0].Amount)
}

func TestEngine_NotDuePosition_Untouched(t *testing.T) {
	// GIVEN: An active position whose next payout is tomorrow
	// WHEN: A run executes today
	// THEN: Nothing is selected, nothing mutates

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	pos := duePosition("pos-1", "user-1", "plan-1", "1000", 0, 30)
	pos.NextPayoutDate = testNow.AddDate(0, 0, 1)
	seedPosition(t, m, pos)

	engine := newTestEngine(m)
	summary, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Processed)
	balance, _ := m.Balance(context.Background(), "user-1", "USD")
	assert.True(t, balance.IsZero())
}

// =============================================================================
// MATURITY AND CAPITAL RETURN
// =============================================================================

func TestEngine_MaturingPosition_CompletesAndReturnsCapital(t *testing.T) {
	// GIVEN: A position on its final cycle (day 29 of 30) on a
	//        capital-back plan, principal 1000 at 2%
	// WHEN: The run executes
	// THEN: Final profit 20 + capital 1000 credited, position completed

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, true)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 29, 30))

	engine := newTestEngine(m)
	summary, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Completed)

	balance, err := m.Balance(context.Background(), "user-1", "USD")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("1020")), "expected 1020, got %s", balance)

	entries, err := m.ListEntriesByPosition(context.Background(), "pos-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	kinds := map[invest.EntryKind]decimal.Decimal{}
	for _, e := range entries {
		kinds[e.Kind] = e.Amount
	}
	assert.True(t, kinds[invest.EntryInvestmentProfit].Equal(dec("20")))
	assert.True(t, kinds[invest.EntryCapitalReturn].Equal(dec("1000")))

	got, err := m.GetPosition(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, invest.PositionCompleted, got.Status)
	assert.Equal(t, 30, got.CurrentDay)
}

func TestEngine_MaturingPosition_NoCapitalBackPlan(t *testing.T) {
	// GIVEN: A maturing position on a plan WITHOUT capital return
	// WHEN: The run executes
	// THEN: Only the final profit is credited; completed anyway

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Silver", "2", 1, false)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 29, 30))

	engine := newTestEngine(m)
	_, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)

	balance, _ := m.Balance(context.Background(), "user-1", "USD")
	assert.True(t, balance.Equal(dec("20")), "no capital should return, got %s", balance)

	got, _ := m.GetPosition(context.Background(), "pos-1")
	assert.Equal(t, invest.PositionCompleted, got.Status)
}

func TestEngine_MaturingCustomPosition_NeverReturnsCapital(t *testing.T) {
	// GIVEN: A custom (plan-less) position on its final cycle
	// WHEN: The run executes
	// THEN: Principal stays put; only profit is credited

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	pos := duePosition("pos-1", "user-1", "", "500", 9, 10)
	pos.DailyProfitRate = dec("1")
	seedPosition(t, m, pos)

	engine := newTestEngine(m)
	_, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)

	balance, _ := m.Balance(context.Background(), "user-1", "USD")
	assert.True(t, balance.Equal(dec("5")))

	got, _ := m.GetPosition(context.Background(), "pos-1")
	assert.Equal(t, invest.PositionCompleted, got.Status)
}

func TestEngine_CompletedPosition_NeverReselected(t *testing.T) {
	// GIVEN: A position completed by a previous run
	// WHEN: Another run executes
	// THEN: It is not selected; no further credits

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, true)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 29, 30))

	engine := newTestEngine(m)
	_, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)

	summary, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)

	balance, _ := m.Balance(context.Background(), "user-1", "USD")
	assert.True(t, balance.Equal(dec("1020")), "balance must not move after completion")
}

// =============================================================================
// IDEMPOTENCY AND DOUBLE-PAY DEFENSE
// =============================================================================

func TestEngine_SameCycleRunTwice_SecondRunSkips(t *testing.T) {
	// GIVEN: A position processed once at time T
	// WHEN: A second run executes at the same T (overlapping trigger
	//       that slipped past selection)
	// THEN: The position is no longer due, so nothing happens twice

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 0, 30))

	engine := newTestEngine(m)
	_, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)

	summary, err := engine.RunAt(context.Background(), invest.TriggerFast, testNow)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)

	balance, _ := m.Balance(context.Background(), "user-1", "USD")
	assert.True(t, balance.Equal(dec("20")), "single credit expected, got %s", balance)
}

func TestEngine_PriorRunCreditedButNotAdvanced_RepairsAdvance(t *testing.T) {
	// GIVEN: A prior run credited day 1's profit (idempotency key taken)
	//        but crashed before advancing the position
	// WHEN: The next run selects the still-due position
	// THEN: No second credit; the advance is repaired and counted as
	//       processed

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 0, 30))

	// Simulate the prior run's surviving ledger entry.
	_, err := m.Append(context.Background(), invest.LedgerEntry{
		ID:             "entry-prior",
		UserID:         "user-1",
		Amount:         dec("20"),
		AssetSymbol:    "USD",
		Kind:           invest.EntryInvestmentProfit,
		Status:         invest.EntrySuccess,
		Method:         "system",
		PositionID:     "pos-1",
		DayIndex:       1,
		IdempotencyKey: "profit:pos-1:1",
		CreatedAt:      testNow.Add(-time.Minute),
	})
	require.NoError(t, err)

	engine := newTestEngine(m)
	summary, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	// Exactly one ledger entry for day 1, and the position advanced.
	entries, err := m.ListEntriesByPosition(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	got, err := m.GetPosition(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentDay)
}

func TestEngine_AlreadyAdvancedElsewhere_SkippedWithoutMutation(t *testing.T) {
	// GIVEN: Between selection and write, another run credited AND
	//        advanced the position (duplicate key + advance conflict)
	// WHEN: This run reaches the write phase
	// THEN: Outcome is skipped; nothing counted as an error

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 0, 30))

	_, err := m.Append(context.Background(), invest.LedgerEntry{
		ID:             "entry-prior",
		UserID:         "user-1",
		IdempotencyKey: "profit:pos-1:1",
		PositionID:     "pos-1",
		Amount:         dec("20"),
		AssetSymbol:    "USD",
		Kind:           invest.EntryInvestmentProfit,
	})
	require.NoError(t, err)
	m.AdvanceErr = invest.ErrPositionConflict

	engine := newTestEngine(m)
	summary, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Errored)
}

func TestEngine_SkippedPosition_DoesNotNotify(t *testing.T) {
	// GIVEN: A position another run already credited and advanced, and a
	//        notifier with an operator copy configured
	// WHEN: This run resolves it through the skip path
	// THEN: No money moved, so neither the user nor the operator is emailed

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 0, 30))

	_, err := m.Append(context.Background(), invest.LedgerEntry{
		ID:             "entry-prior",
		UserID:         "user-1",
		IdempotencyKey: "profit:pos-1:1",
		PositionID:     "pos-1",
		Amount:         dec("20"),
		AssetSymbol:    "USD",
		Kind:           invest.EntryInvestmentProfit,
	})
	require.NoError(t, err)
	m.AdvanceErr = invest.ErrPositionConflict

	notifier := &recordingNotifier{}
	engine := newTestEngine(m)
	engine.Notifier = notifier
	engine.OperatorEmail = "ops@example.com"

	summary, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, notifier.count(), "a skipped position must not email anyone")
}

func TestEngine_LeaseHeld_RunRejected(t *testing.T) {
	// GIVEN: Another trigger currently holds the run lease
	// WHEN: A run is requested
	// THEN: ErrRunInProgress, and no position is touched

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 0, 30))

	engine := newTestEngine(m)
	require.NoError(t, engine.Lease.TryAcquire("other-run"))

	summary, err := engine.RunAt(context.Background(), invest.TriggerManual, testNow)
	assert.ErrorIs(t, err, invest.ErrRunInProgress)
	assert.Nil(t, summary)

	balance, _ := m.Balance(context.Background(), "user-1", "USD")
	assert.True(t, balance.IsZero())
}

func TestEngine_LeaseReleasedAfterRun(t *testing.T) {
	m := store.NewMemory()
	engine := newTestEngine(m)

	_, err := engine.RunAt(context.Background(), invest.TriggerManual, testNow)
	require.NoError(t, err)

	assert.False(t, engine.Lease.Held(), "lease must be released when the run ends")
}

// =============================================================================
// FAILURE ISOLATION
// =============================================================================

func TestEngine_MissingUser_SkippedOthersProceed(t *testing.T) {
	// GIVEN: Two due positions, one owned by a deleted user
	// WHEN: The run executes
	// THEN: The orphan is skipped, the healthy one is paid

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	seedPosition(t, m, duePosition("pos-orphan", "user-ghost", "plan-1", "1000", 0, 30))
	seedPosition(t, m, duePosition("pos-ok", "user-1", "plan-1", "1000", 0, 30))

	engine := newTestEngine(m)
	summary, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)

	balance, _ := m.Balance(context.Background(), "user-1", "USD")
	assert.True(t, balance.Equal(dec("20")))
}

func TestEngine_InvalidRate_SkippedAsDataError(t *testing.T) {
	// GIVEN: A custom position with no rate anywhere
	// WHEN: The run executes
	// THEN: Skipped with ErrInvalidRate; no money moves

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPosition(t, m, duePosition("pos-1", "user-1", "", "1000", 0, 30))

	engine := newTestEngine(m)
	summary, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	require.Len(t, summary.Outcomes, 1)
	assert.ErrorIs(t, summary.Outcomes[0].Err, invest.ErrInvalidRate)

	balance, _ := m.Balance(context.Background(), "user-1", "USD")
	assert.True(t, balance.IsZero())
}

func TestEngine_CreditFailure_RetriedThenErrored(t *testing.T) {
	// GIVEN: A store that fails every credit
	// WHEN: The run executes
	// THEN: The position errors after bounded retries; the position is
	//       NOT advanced, so the next run retries it

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 0, 30))
	m.CreditErr = errors.New("disk full")

	engine := newTestEngine(m)
	summary, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Errored)

	got, _ := m.GetPosition(context.Background(), "pos-1")
	assert.Equal(t, 0, got.CurrentDay, "failed position must stay due for the next run")

	// Recovery: clear the fault and rerun.
	m.CreditErr = nil
	summary, err = engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
}

func TestEngine_AdvanceFailure_EscalatedAsDesync(t *testing.T) {
	// GIVEN: Credits land but the position write fails hard
	// WHEN: The run executes
	// THEN: The outcome is a desync carrying the credited amounts

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 0, 30))
	m.AdvanceErr = errors.New("connection reset")

	notifier := &recordingNotifier{}
	engine := newTestEngine(m)
	engine.Notifier = notifier
	summary, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Errored)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, invest.OutcomeDesync, summary.Outcomes[0].Kind)

	var desync *invest.PersistenceDesyncError
	require.ErrorAs(t, summary.Outcomes[0].Err, &desync)
	assert.Equal(t, invest.PositionID("pos-1"), desync.PositionID)
	assert.True(t, desync.CreditedProfit.Equal(dec("20")))

	// The money DID move; that's what makes this an alert, not a retry.
	balance, _ := m.Balance(context.Background(), "user-1", "USD")
	assert.True(t, balance.Equal(dec("20")))

	// The position record is stale, so no success notice goes out.
	assert.Equal(t, 0, notifier.count())
}

func TestEngine_NotifierFailure_NeverAffectsMoney(t *testing.T) {
	// GIVEN: A notifier that always fails
	// WHEN: The run executes
	// THEN: Credits and advances land normally

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 0, 30))

	engine := newTestEngine(m)
	engine.Notifier = &recordingNotifier{fail: true}

	summary, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.Errored)

	balance, _ := m.Balance(context.Background(), "user-1", "USD")
	assert.True(t, balance.Equal(dec("20")))
}

func TestEngine_Notifications_UserAndOperator(t *testing.T) {
	// GIVEN: An operator email is configured
	// WHEN: One position pays out
	// THEN: Two notices (user + operator) with the payout details

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 0, 30))

	notifier := &recordingNotifier{}
	engine := newTestEngine(m)
	engine.Notifier = notifier
	engine.OperatorEmail = "ops@example.com"

	_, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)

	require.Equal(t, 2, notifier.count())
	notice := notifier.notices[0]
	assert.Equal(t, "profit_credited", notice.Event)
	assert.Equal(t, "Ada", notice.UserFirstName)
	assert.Equal(t, "Gold", notice.PlanName)
	assert.True(t, notice.Profit.Equal(dec("20")))
}

// =============================================================================
// CANCELLATION
// =============================================================================

// cancellingBooks cancels the run context the first time a credit lands,
// then holds the worker long enough for the feed loop to observe the
// cancellation before handing out the next position.
type cancellingBooks struct {
	invest.Books
	cancel context.CancelFunc
	once   sync.Once
}

func (b *cancellingBooks) Credit(ctx context.Context, entry invest.LedgerEntry) (decimal.Decimal, error) {
	b.once.Do(func() {
		b.cancel()
		time.Sleep(50 * time.Millisecond)
	})
	return b.Books.Credit(ctx, entry)
}

func TestEngine_Cancellation_FinishesInFlightLeavesRestUntouched(t *testing.T) {
	// GIVEN: Three due positions, one worker, and a context that is
	//        cancelled while the first position's credit is in flight
	// WHEN: The run executes
	// THEN: The in-flight position finishes its writes, the remaining
	//       positions are untouched and not error-marked, and the run
	//       returns cleanly

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 0, 30))
	seedPosition(t, m, duePosition("pos-2", "user-1", "plan-1", "1000", 0, 30))
	seedPosition(t, m, duePosition("pos-3", "user-1", "plan-1", "1000", 0, 30))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newTestEngine(m)
	engine.Workers = 1
	engine.Books = &cancellingBooks{Books: m, cancel: cancel}

	summary, err := engine.RunAt(ctx, invest.TriggerManual, testNow)
	require.NoError(t, err)

	// Only the in-flight position was processed; nothing was error-marked.
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.Errored)
	assert.Equal(t, 0, summary.Skipped)
	require.Len(t, summary.Outcomes, 1)

	// The in-flight position's writes all landed.
	first, err := m.GetPosition(context.Background(), summary.Outcomes[0].PositionID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.CurrentDay)
	assert.True(t, first.TotalPaid.Equal(dec("20")))

	// The other two were never touched.
	for _, id := range []invest.PositionID{"pos-1", "pos-2", "pos-3"} {
		if id == first.ID {
			continue
		}
		pos, err := m.GetPosition(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, 0, pos.CurrentDay, "position %s", id)
		assert.True(t, pos.TotalPaid.IsZero(), "position %s", id)
		assert.Equal(t, invest.PositionActive, pos.Status)
	}

	// Exactly one cycle's profit moved.
	balance, _ := m.Balance(context.Background(), "user-1", "USD")
	assert.True(t, balance.Equal(dec("20")), "balance = %s", balance)
}

// =============================================================================
// BATCH BEHAVIOR AND CONSERVATION
// =============================================================================

func TestEngine_ManyPositions_MoneyConservation(t *testing.T) {
	// GIVEN: 40 due positions across 10 users on the same 2% plan
	// WHEN: One run executes with parallel workers
	// THEN: Every position pays exactly principal*2%, total wallet
	//       balances equal the ledger sum

	m := store.NewMemory()
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	for u := 0; u < 10; u++ {
		seedUser(t, m, fmt.Sprintf("user-%d", u), "User")
	}
	expectedTotal := decimal.Zero
	for i := 0; i < 40; i++ {
		principal := decimal.NewFromInt(int64(100 * (i + 1)))
		pos := duePosition(fmt.Sprintf("pos-%02d", i), fmt.Sprintf("user-%d", i%10), "plan-1", principal.String(), 0, 30)
		seedPosition(t, m, pos)
		expectedTotal = expectedTotal.Add(principal.Mul(dec("2")).Div(dec("100")))
	}

	engine := newTestEngine(m)
	engine.Workers = 8
	summary, err := engine.RunAt(context.Background(), invest.TriggerDaily, testNow)
	require.NoError(t, err)
	assert.Equal(t, 40, summary.Processed)

	walletTotal := decimal.Zero
	for u := 0; u < 10; u++ {
		bal, err := m.Balance(context.Background(), invest.UserID(fmt.Sprintf("user-%d", u)), "USD")
		require.NoError(t, err)
		walletTotal = walletTotal.Add(bal)
	}
	assert.True(t, walletTotal.Equal(expectedTotal),
		"wallets hold %s, ledger implies %s", walletTotal, expectedTotal)
}

func TestEngine_RunRecords_SavedWithCounts(t *testing.T) {
	// GIVEN: A run that processes one position and skips one orphan
	// WHEN: It completes
	// THEN: The run log holds a completed record with matching counts

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 0, 30))
	seedPosition(t, m, duePosition("pos-2", "user-ghost", "plan-1", "1000", 0, 30))

	engine := newTestEngine(m)
	_, err := engine.RunAt(context.Background(), invest.TriggerManual, testNow)
	require.NoError(t, err)

	runs, err := m.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, invest.TriggerManual, run.Trigger)
	assert.Equal(t, invest.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Processed)
	assert.Equal(t, 1, run.Skipped)
	require.NotNil(t, run.CompletedAt)
}

func TestEngine_TotalPaidAndDay_MonotonicAcrossCycles(t *testing.T) {
	// GIVEN: One position run through 5 daily cycles
	// WHEN: Each cycle executes at its due time
	// THEN: CurrentDay and TotalPaid only ever grow

	m := store.NewMemory()
	seedUser(t, m, "user-1", "Ada")
	seedPlan(t, m, "plan-1", "Gold", "2", 1, false)
	seedPosition(t, m, duePosition("pos-1", "user-1", "plan-1", "1000", 0, 30))

	engine := newTestEngine(m)

	lastDay := 0
	lastPaid := decimal.Zero
	for cycle := 0; cycle < 5; cycle++ {
		at := testNow.AddDate(0, 0, cycle)
		summary, err := engine.RunAt(context.Background(), invest.TriggerDaily, at)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Processed, "cycle %d", cycle)

		got, err := m.GetPosition(context.Background(), "pos-1")
		require.NoError(t, err)
		assert.Greater(t, got.CurrentDay, lastDay)
		assert.True(t, got.TotalPaid.GreaterThan(lastPaid))
		lastDay, lastPaid = got.CurrentDay, got.TotalPaid
	}

	assert.Equal(t, 5, lastDay)
	assert.True(t, lastPaid.Equal(dec("100")), "5 cycles * 20 = 100, got %s", lastPaid)
}
