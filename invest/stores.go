/*
stores.go - Persistence and collaborator interfaces for the payout engine

PURPOSE:
  Defines the seam between the orchestrator and its collaborators. The
  engine only sees these interfaces; sqlite and in-memory implementations
  live in store/sqlite and invest/store.

KEY INTERFACES:
  PositionStore: Due-position streaming and guarded position advances
  PlanCatalog:   Read-only plan lookup (engine view)
  WalletStore:   Atomic per-(user,asset) balance increments
  Ledger:        Append-only financial records
  Books:         Wallet credit + ledger append as ONE atomic unit
  UserDirectory: Owner lookup
  RunLog:        Payout-run audit records
  Notifier:      Best-effort message delivery

ATOMIC CREDIT CONTRACT:
  The source system issued the wallet increment and the ledger append as
  two independent writes - a known consistency gap. Books.Credit closes
  it: both writes commit together or not at all, keyed by the entry's
  idempotency key. A duplicate key rejects the whole unit, which is how
  a doubly-selected position is detected at write time.

GUARDED ADVANCE CONTRACT:
  TryAdvance re-validates due-ness at write time: the update applies only
  while the position is still active and still due. Zero rows affected
  means another run got there first (ErrPositionConflict).

SEE ALSO:
  - store/sqlite/sqlite.go: Production implementation
  - invest/store/memory.go: In-memory implementation for tests
*/
package invest

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DUE-POSITION SELECTION
// =============================================================================

// DuePosition joins a due position with its plan. Plan is nil for custom
// positions.
type DuePosition struct {
	Position *Position
	Plan     *Plan
}

// DueCursor streams due positions incrementally so large result sets are
// never materialized wholesale.
//
// Usage mirrors sql.Rows:
//
//	cur, err := store.FindDue(ctx, now)
//	defer cur.Close()
//	for cur.Next() {
//	    due := cur.Current()
//	    ...
//	}
//	if err := cur.Err(); err != nil { ... }
type DueCursor interface {
	Next() bool
	Current() DuePosition
	Err() error
	Close() error
}

// =============================================================================
// POSITION STORE
// =============================================================================

// PositionAdvance is the field set the engine writes when a cycle lands.
type PositionAdvance struct {
	CurrentDay     int
	TotalPaid      decimal.Decimal
	NextPayoutDate time.Time
	LastUpdated    time.Time
	Status         PositionStatus
}

type PositionStore interface {
	// FindDue streams all positions with status=active and
	// nextPayoutDate <= now, each joined with its plan (if any).
	// No side effects.
	FindDue(ctx context.Context, now time.Time) (DueCursor, error)

	// TryAdvance applies adv to the position only while it is still
	// active and still due at or before dueBy (optimistic write-time
	// re-validation). Returns ErrPositionConflict when the guard fails.
	TryAdvance(ctx context.Context, id PositionID, dueBy time.Time, adv PositionAdvance) error

	GetPosition(ctx context.Context, id PositionID) (*Position, error)
	CreatePosition(ctx context.Context, pos *Position) error
	ListPositionsByUser(ctx context.Context, userID UserID) ([]Position, error)
}

// =============================================================================
// PLAN CATALOG
// =============================================================================

// PlanCatalog is the engine's read-only view of plans.
type PlanCatalog interface {
	// GetPlan returns ErrPlanNotFound for unknown ids.
	GetPlan(ctx context.Context, id PlanID) (*Plan, error)
}

// PlanStore extends PlanCatalog with the management operations the API
// exposes. The engine never sees these.
type PlanStore interface {
	PlanCatalog

	CreatePlan(ctx context.Context, plan *Plan) error
	UpdatePlan(ctx context.Context, plan *Plan) error
	DeletePlan(ctx context.Context, id PlanID) error
	ListPlans(ctx context.Context) ([]Plan, error)
}

// =============================================================================
// WALLET, LEDGER, BOOKS
// =============================================================================

// WalletStore mutates balances only via atomic increments. There is
// deliberately no Set or read-modify-write operation.
type WalletStore interface {
	// CreditWallet atomically increments the (user, asset) balance and
	// returns the new balance. A missing wallet row is created at zero
	// first.
	CreditWallet(ctx context.Context, userID UserID, asset string, amount decimal.Decimal) (decimal.Decimal, error)

	Balance(ctx context.Context, userID UserID, asset string) (decimal.Decimal, error)
	ListWalletsByUser(ctx context.Context, userID UserID) ([]WalletBalance, error)
}

// Ledger is append-only. No Update, no Delete.
type Ledger interface {
	Append(ctx context.Context, entry LedgerEntry) (LedgerEntryID, error)
	ListEntriesByUser(ctx context.Context, userID UserID) ([]LedgerEntry, error)
	ListEntriesByPosition(ctx context.Context, positionID PositionID) ([]LedgerEntry, error)
}

// Books couples the wallet increment and the ledger append into one
// atomic unit. Credit rejects the whole unit with ErrDuplicateEntry when
// the entry's idempotency key already exists.
type Books interface {
	Credit(ctx context.Context, entry LedgerEntry) (decimal.Decimal, error)
}

// =============================================================================
// USERS, RUNS
// =============================================================================

type UserDirectory interface {
	// Find returns ErrUserNotFound for unknown ids.
	Find(ctx context.Context, id UserID) (*User, error)

	CreateUser(ctx context.Context, user *User) error
	ListUsers(ctx context.Context) ([]User, error)
}

// RunLog records orchestrator runs for audit and the runs listing.
type RunLog interface {
	SaveRun(ctx context.Context, run PayoutRun) error
	ListRuns(ctx context.Context, limit int) ([]PayoutRun, error)
}

// =============================================================================
// NOTIFIER - External collaborator, best-effort only
// =============================================================================

// PayoutNotice is the structured summary handed to the notifier.
// Presentation (templating) is the notifier's problem, not the engine's.
type PayoutNotice struct {
	Event           string // "profit_credited" or "position_completed"
	UserFirstName   string
	PlanName        string
	Profit          decimal.Decimal
	AssetSymbol     string
	TotalPaid       decimal.Decimal
	CapitalReturned decimal.Decimal // zero unless capital was returned
	At              time.Time
}

// Notifier delivers a notice to one recipient. At-least-once attempted;
// no delivery guarantee is surfaced to the caller. Failures are the
// caller's to log, never to propagate.
type Notifier interface {
	Notify(ctx context.Context, recipient, subject string, notice PayoutNotice) error
}
