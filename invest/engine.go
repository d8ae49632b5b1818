/*
engine.go - Payout orchestrator

PURPOSE:
  Drives one payout cycle: streams due positions, computes profit,
  credits wallet+ledger atomically, advances each position's lifecycle,
  handles maturity capital return, fires notifications, and aggregates
  per-position outcomes into a run summary.

PER-POSITION STATE MACHINE:
  Selected -> UserResolved -> ProfitCredited -> [MaturityHandled]
           -> PositionAdvanced -> Notified -> Done
  with an Error sink reachable from any state. A failure on one position
  records an outcome and moves on; it never aborts the batch. The only
  run-fatal condition is failing to obtain the due stream at all.

DOUBLE-PAY DEFENSE (two layers):
  1. RunLease: all triggers serialize through one lease, so two runs
     never execute concurrently.
  2. Idempotent credit + guarded advance: the profit credit's
     idempotency key is derived from (position, day index), and the
     position write re-validates due-ness. If a prior run credited but
     crashed before advancing, the next run sees ErrDuplicateEntry,
     skips the money movement, and repairs the position advance - the
     gap is detectable and self-healing.

CONCURRENCY WITHIN A RUN:
  Positions are independent, so a small worker pool processes them in
  parallel. All wallet mutations are store-level atomic increments, so
  two positions of the same user cannot lose updates. Cancellation is
  checkpointed between positions; an in-flight position finishes its
  state machine rather than being interrupted mid-write.

SEE ALSO:
  - accrual.go: Profit computation
  - lease.go: Run-level mutual exclusion
  - api/scheduler.go: Timers and the manual trigger
*/
package invest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// OUTCOMES AND RUN SUMMARY
// =============================================================================

type OutcomeKind string

const (
	// OutcomeProcessed: profit credited and position advanced.
	OutcomeProcessed OutcomeKind = "processed"
	// OutcomeCompleted: processed, and the position matured this cycle.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeSkipped: nothing mutated (missing user, bad terms, or the
	// position was no longer due at write time).
	OutcomeSkipped OutcomeKind = "skipped"
	// OutcomeErrored: store failure before any money moved for this cycle.
	OutcomeErrored OutcomeKind = "errored"
	// OutcomeDesync: money moved but the position could not be advanced.
	// Escalated distinctly; reconciliation consumes this signal.
	OutcomeDesync OutcomeKind = "desync"
)

// Outcome is the per-position result recorded by the orchestrator.
type Outcome struct {
	PositionID PositionID
	UserID     UserID
	Kind       OutcomeKind
	Profit     decimal.Decimal
	Err        error
}

// RunSummary aggregates one run. Counts follow the outcome kinds;
// Completed positions are also counted in Processed.
type RunSummary struct {
	RunID      RunID
	Trigger    RunTrigger
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int
	Completed  int
	Skipped    int
	Errored    int
	Outcomes   []Outcome
	StreamErr  error // non-nil if the due stream broke mid-run
}

// =============================================================================
// ENGINE
// =============================================================================

const (
	defaultWorkers       = 4
	creditAttempts       = 3
	defaultRetryBackoff  = 250 * time.Millisecond
	systemMethod         = "system"
	subjectProfit        = "Investment Profit Credited"
	subjectCapitalReturn = "Investment Completed - Capital Returned"
)

// Engine is the payout orchestrator. All fields except OperatorEmail and
// tuning knobs are required.
type Engine struct {
	Positions PositionStore
	Plans     PlanCatalog
	Users     UserDirectory
	Books     Books
	Runs      RunLog   // optional; runs are not recorded when nil
	Notifier  Notifier // optional; notifications skipped when nil
	Lease     *RunLease

	// OperatorEmail receives a copy of every payout notice.
	OperatorEmail string

	// Workers bounds within-run parallelism. <= 0 means defaultWorkers.
	Workers int

	// RetryBackoff is the base delay between credit retries.
	// <= 0 means defaultRetryBackoff. Tests shrink it.
	RetryBackoff time.Duration
}

// Run executes one payout cycle at the current time.
func (e *Engine) Run(ctx context.Context, trigger RunTrigger) (*RunSummary, error) {
	return e.RunAt(ctx, trigger, time.Now().UTC())
}

// RunAt executes one payout cycle as of now. It acquires the run lease,
// streams due positions, processes each through the state machine, and
// returns the aggregated summary. ErrRunInProgress is returned without
// processing when a prior run still holds the lease.
func (e *Engine) RunAt(ctx context.Context, trigger RunTrigger, now time.Time) (*RunSummary, error) {
	runID := RunID(fmt.Sprintf("run-%s", uuid.NewString()))

	if e.Lease != nil {
		if err := e.Lease.TryAcquire(string(runID)); err != nil {
			log.Printf("[Engine] Run skipped: %v", err)
			return nil, err
		}
		defer e.Lease.Release(string(runID))
	}

	summary := &RunSummary{RunID: runID, Trigger: trigger, StartedAt: now}
	e.saveRun(ctx, summary, RunRunning, "")

	cursor, err := e.Positions.FindDue(ctx, now)
	if err != nil {
		// The one run-fatal condition: no due stream at all.
		wrapped := fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		log.Printf("[Engine] Run %s aborted: %v", runID, wrapped)
		summary.FinishedAt = time.Now().UTC()
		e.saveRun(ctx, summary, RunFailed, wrapped.Error())
		return summary, wrapped
	}
	defer cursor.Close()

	e.processAll(ctx, cursor, now, summary)
	summary.StreamErr = cursor.Err()

	summary.FinishedAt = time.Now().UTC()
	status, errText := RunCompleted, ""
	if summary.StreamErr != nil {
		status, errText = RunFailed, summary.StreamErr.Error()
		log.Printf("[Engine] Run %s: due stream broke mid-run: %v", runID, summary.StreamErr)
	}
	e.saveRun(ctx, summary, status, errText)

	log.Printf("[Engine] Run %s (%s): %d processed (%d completed), %d skipped, %d errored",
		runID, trigger, summary.Processed, summary.Completed, summary.Skipped, summary.Errored)

	return summary, nil
}

// processAll fans due positions out to the worker pool and aggregates
// outcomes. Cancellation stops feeding new positions; in-flight ones run
// to their next safe checkpoint.
func (e *Engine) processAll(ctx context.Context, cursor DueCursor, now time.Time, summary *RunSummary) {
	workers := e.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	jobs := make(chan DuePosition)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for due := range jobs {
				outcome := e.processPosition(ctx, now, due)
				mu.Lock()
				summary.Outcomes = append(summary.Outcomes, outcome)
				switch outcome.Kind {
				case OutcomeProcessed:
					summary.Processed++
				case OutcomeCompleted:
					summary.Processed++
					summary.Completed++
				case OutcomeSkipped:
					summary.Skipped++
				case OutcomeErrored, OutcomeDesync:
					summary.Errored++
				}
				mu.Unlock()
			}
		}()
	}

	for cursor.Next() {
		select {
		case jobs <- cursor.Current():
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		}
	}
	close(jobs)
	wg.Wait()
}

// processPosition runs the per-position state machine. It never panics
// the batch: every failure becomes an Outcome.
func (e *Engine) processPosition(ctx context.Context, now time.Time, due DuePosition) Outcome {
	pos := due.Position

	// Selected -> UserResolved
	user, err := e.Users.Find(ctx, pos.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			log.Printf("[Engine] Skipping position %s: user %s not found", pos.ID, pos.UserID)
			return Outcome{PositionID: pos.ID, UserID: pos.UserID, Kind: OutcomeSkipped, Err: ErrUserNotFound}
		}
		return Outcome{PositionID: pos.ID, UserID: pos.UserID, Kind: OutcomeErrored, Err: err}
	}

	accrual, err := Compute(pos, due.Plan)
	if err != nil {
		// Malformed plan/position data: skip, flag for operator review.
		log.Printf("[Engine] Data integrity warning on position %s: %v", pos.ID, err)
		return Outcome{PositionID: pos.ID, UserID: pos.UserID, Kind: OutcomeSkipped, Err: err}
	}

	terms := accrual.Terms
	dayIndex := pos.CurrentDay + terms.FrequencyDays

	// UserResolved -> ProfitCredited
	profitEntry := LedgerEntry{
		ID:             LedgerEntryID(uuid.NewString()),
		UserID:         pos.UserID,
		Amount:         accrual.Profit,
		AssetSymbol:    pos.Asset(),
		Kind:           EntryInvestmentProfit,
		Status:         EntrySuccess,
		Method:         systemMethod,
		PlanName:       terms.PlanName,
		PositionID:     pos.ID,
		DayIndex:       dayIndex,
		IdempotencyKey: fmt.Sprintf("profit:%s:%d", pos.ID, dayIndex),
		CreatedAt:      now,
	}

	profitCredited := true
	if _, err := e.creditWithRetry(ctx, profitEntry); err != nil {
		if !errors.Is(err, ErrDuplicateEntry) {
			return Outcome{PositionID: pos.ID, UserID: pos.UserID, Kind: OutcomeErrored, Err: err}
		}
		// This cycle was already credited by a prior run that failed to
		// advance the position. No money moves again; fall through and
		// repair the advance.
		profitCredited = false
		log.Printf("[Engine] Position %s day %d already credited, repairing advance", pos.ID, dayIndex)
	}

	// ProfitCredited -> PositionAdvanced (in memory; persisted last).
	// nextPayoutDate advances from the previous SCHEDULED date, not from
	// now, so late processing never drifts the cadence.
	adv := PositionAdvance{
		CurrentDay:     dayIndex,
		TotalPaid:      pos.TotalPaid.Add(accrual.Profit),
		NextPayoutDate: pos.NextPayoutDate.AddDate(0, 0, terms.FrequencyDays),
		LastUpdated:    now,
		Status:         PositionActive,
	}

	// PositionAdvanced -> MaturityHandled
	matured := dayIndex >= pos.DurationDays
	capitalReturned := decimal.Zero
	if matured {
		adv.Status = PositionCompleted

		// Custom positions never auto-return principal.
		if terms.CapitalBack && !pos.IsCustom() {
			capitalEntry := LedgerEntry{
				ID:             LedgerEntryID(uuid.NewString()),
				UserID:         pos.UserID,
				Amount:         pos.Principal,
				AssetSymbol:    pos.Asset(),
				Kind:           EntryCapitalReturn,
				Status:         EntrySuccess,
				Method:         systemMethod,
				PlanName:       terms.PlanName,
				PositionID:     pos.ID,
				DayIndex:       dayIndex,
				IdempotencyKey: fmt.Sprintf("capital:%s", pos.ID),
				CreatedAt:      now,
			}
			if _, err := e.creditWithRetry(ctx, capitalEntry); err != nil {
				if !errors.Is(err, ErrDuplicateEntry) {
					// Profit landed but capital didn't; leave the position
					// un-advanced so the next run retries via the repair path.
					return Outcome{PositionID: pos.ID, UserID: pos.UserID, Kind: OutcomeErrored,
						Profit: accrual.Profit, Err: fmt.Errorf("capital return failed: %w", err)}
				}
			} else {
				capitalReturned = pos.Principal
			}
		}
	}

	// -> PositionAdvanced: persist, re-validating due-ness at write time.
	if err := e.Positions.TryAdvance(ctx, pos.ID, now, adv); err != nil {
		if errors.Is(err, ErrPositionConflict) && !profitCredited {
			// Repair found nothing to repair: another run already
			// advanced this position. Nothing was mutated here.
			return Outcome{PositionID: pos.ID, UserID: pos.UserID, Kind: OutcomeSkipped, Err: err}
		}
		desync := &PersistenceDesyncError{
			PositionID:      pos.ID,
			UserID:          pos.UserID,
			CreditedProfit:  accrual.Profit,
			CreditedCapital: capitalReturned,
			Cause:           err,
		}
		log.Printf("[Engine] ALERT persistence desync: %v", desync)
		return Outcome{PositionID: pos.ID, UserID: pos.UserID, Kind: OutcomeDesync,
			Profit: accrual.Profit, Err: desync}
	}

	// -> Notified: only after the advance landed, so a position resolved
	// via the skip or desync path never emails anyone.
	e.notify(ctx, user, pos, adv, terms, accrual.Profit, capitalReturned, matured, now)

	kind := OutcomeProcessed
	if matured {
		kind = OutcomeCompleted
	}
	return Outcome{PositionID: pos.ID, UserID: pos.UserID, Kind: kind, Profit: accrual.Profit}
}

// creditWithRetry performs the atomic wallet+ledger credit with bounded
// backoff. ErrDuplicateEntry is returned immediately: retrying a
// duplicate can never succeed.
func (e *Engine) creditWithRetry(ctx context.Context, entry LedgerEntry) (decimal.Decimal, error) {
	backoff := e.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	var lastErr error
	for attempt := 0; attempt < creditAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff << (attempt - 1)):
			case <-ctx.Done():
				return decimal.Zero, ctx.Err()
			}
		}

		balance, err := e.Books.Credit(ctx, entry)
		if err == nil {
			return balance, nil
		}
		if errors.Is(err, ErrDuplicateEntry) {
			return decimal.Zero, err
		}
		lastErr = err
		log.Printf("[Engine] Credit attempt %d/%d failed for %s: %v",
			attempt+1, creditAttempts, entry.IdempotencyKey, err)
	}
	return decimal.Zero, lastErr
}

// notify sends the user and operator notices. Failures are logged and
// never roll back financial steps or abort subsequent positions.
func (e *Engine) notify(ctx context.Context, user *User, pos *Position, adv PositionAdvance,
	terms Terms, profit, capitalReturned decimal.Decimal, matured bool, now time.Time) {

	if e.Notifier == nil {
		return
	}

	event, subject := "profit_credited", subjectProfit
	if matured {
		event, subject = "position_completed", subjectCapitalReturn
	}

	notice := PayoutNotice{
		Event:           event,
		UserFirstName:   user.FirstName,
		PlanName:        terms.PlanName,
		Profit:          profit,
		AssetSymbol:     pos.Asset(),
		TotalPaid:       adv.TotalPaid,
		CapitalReturned: capitalReturned,
		At:              now,
	}

	if err := e.Notifier.Notify(ctx, user.Email, subject, notice); err != nil {
		log.Printf("[Engine] Notification to %s failed (ignored): %v", user.Email, err)
	}
	if e.OperatorEmail != "" {
		if err := e.Notifier.Notify(ctx, e.OperatorEmail, subject, notice); err != nil {
			log.Printf("[Engine] Operator notification failed (ignored): %v", err)
		}
	}
}

func (e *Engine) saveRun(ctx context.Context, summary *RunSummary, status RunStatus, errText string) {
	if e.Runs == nil {
		return
	}

	run := PayoutRun{
		ID:        summary.RunID,
		Trigger:   summary.Trigger,
		Status:    status,
		Processed: summary.Processed,
		Completed: summary.Completed,
		Skipped:   summary.Skipped,
		Errored:   summary.Errored,
		Error:     errText,
		StartedAt: summary.StartedAt,
		CreatedAt: summary.StartedAt,
	}
	if status != RunRunning {
		completed := summary.FinishedAt
		run.CompletedAt = &completed
	}

	if err := e.Runs.SaveRun(ctx, run); err != nil {
		log.Printf("[Engine] Failed to save run record %s: %v", summary.RunID, err)
	}
}
