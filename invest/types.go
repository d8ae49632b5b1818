/*
Package invest contains the core investment payout engine.

PURPOSE:
  This package holds the domain model and algorithms for recurring
  investment payouts: positions, plans, wallet balances, the append-only
  ledger, profit accrual, and the orchestrator that drives one payout
  cycle across all due positions.

KEY CONCEPTS IN THIS FILE (types.go):
  - Position: One user's stake in a plan (or a custom arrangement)
  - Plan: Named template for rate, payout frequency, maturity policy
  - LedgerEntry: An immutable record of a financial movement
  - WalletBalance: Per-user, per-asset balance (mutated only atomically)
  - User: Minimal owner record, read by the engine to address payouts

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for all money - no float drift
  2. Immutability: Ledger entries are never modified after creation
  3. One-way lifecycle: active -> completed, never back
  4. Idempotency: Every financial credit carries an idempotency key

SEE ALSO:
  - accrual.go: Rate/frequency resolution and profit computation
  - engine.go: Per-position payout state machine
  - stores.go: Persistence and notifier interfaces
*/
package invest

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PositionID string
type PlanID string
type UserID string
type LedgerEntryID string
type RunID string

// =============================================================================
// POSITION - One user's stake in a plan or custom arrangement
// =============================================================================

type PositionStatus string

const (
	PositionActive    PositionStatus = "active"
	PositionCompleted PositionStatus = "completed"
)

// Position is a user's investment stake.
//
// INVARIANTS:
//   - While Status == active, CurrentDay < DurationDays.
//   - Transitions to completed exactly once, when CurrentDay >= DurationDays
//     after an accrual step. Never reverts.
//   - TotalPaid and CurrentDay are monotonically non-decreasing.
//   - The payout engine is the sole mutator of CurrentDay, TotalPaid,
//     NextPayoutDate, LastUpdated, and Status after creation.
type Position struct {
	ID     PositionID
	UserID UserID

	// PlanID is empty for custom positions. Custom positions use
	// DailyProfitRate and never auto-return principal.
	PlanID PlanID

	Principal       decimal.Decimal
	DailyProfitRate decimal.Decimal // percent units; used only when PlanID is empty
	AssetSymbol     string          // defaults to "USD"

	CurrentDay   int
	DurationDays int
	TotalPaid    decimal.Decimal

	Status         PositionStatus
	NextPayoutDate time.Time
	LastUpdated    time.Time
	CreatedAt      time.Time
}

func (p *Position) IsCustom() bool { return p.PlanID == "" }

func (p *Position) Matured() bool { return p.CurrentDay >= p.DurationDays }

// Asset returns the position's asset symbol, defaulting to USD.
func (p *Position) Asset() string {
	if p.AssetSymbol == "" {
		return "USD"
	}
	return p.AssetSymbol
}

// =============================================================================
// PLAN - Template defining rate, frequency, and maturity policy
// =============================================================================

// Plan parameters are read-only from the engine's perspective.
// ProfitRate is in percent units (2 means 2% of principal per cycle).
// PayoutFrequencyDays <= 0 means "not set"; the calculator defaults to 1.
type Plan struct {
	ID                    PlanID
	Name                  string
	ProfitRate            decimal.Decimal
	PayoutFrequencyDays   int
	CapitalBackOnMaturity bool
	DurationDays          int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// =============================================================================
// USER - Owner record, read-only for the engine
// =============================================================================

type User struct {
	ID        UserID
	FirstName string
	Email     string
	CreatedAt time.Time
}

// =============================================================================
// WALLET BALANCE - Keyed by (user, asset), mutated only via atomic increment
// =============================================================================

type WalletBalance struct {
	UserID      UserID
	AssetSymbol string
	Balance     decimal.Decimal
	UpdatedAt   time.Time
}

// =============================================================================
// LEDGER ENTRY - Immutable record of a financial movement
// =============================================================================

type EntryKind string

const (
	EntryInvestmentProfit EntryKind = "investment_profit"
	EntryCapitalReturn    EntryKind = "capital_return"
	EntryDeposit          EntryKind = "deposit"
	EntryWithdrawal       EntryKind = "withdrawal"
)

type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntrySuccess EntryStatus = "success"
	EntryFailed  EntryStatus = "failed"
)

// LedgerEntry is append-only. Engine-created entries (profit, capital
// return) are written with status success and never touched again.
type LedgerEntry struct {
	ID          LedgerEntryID
	UserID      UserID
	Amount      decimal.Decimal
	AssetSymbol string
	Kind        EntryKind
	Status      EntryStatus
	Method      string // "system" for engine-created entries

	// Structured details for audit and reconciliation.
	PlanName   string
	PositionID PositionID
	DayIndex   int

	// IdempotencyKey is unique across the ledger. The engine derives it
	// from (position, cycle) so a doubly-selected position cannot be
	// credited twice.
	IdempotencyKey string

	CreatedAt time.Time
}

// =============================================================================
// PAYOUT RUN - Audit record of one orchestrator invocation
// =============================================================================

type RunTrigger string

const (
	TriggerDaily  RunTrigger = "daily"
	TriggerFast   RunTrigger = "fast"
	TriggerManual RunTrigger = "manual"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// PayoutRun records one orchestrator run for audit and UI display.
type PayoutRun struct {
	ID          RunID
	Trigger     RunTrigger
	Status      RunStatus
	Processed   int
	Completed   int
	Skipped     int
	Errored     int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}
