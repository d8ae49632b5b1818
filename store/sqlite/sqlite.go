/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces for the investment payout engine.

PURPOSE:
  Implements every persistence interface the engine and API consume
  (PositionStore, PlanStore, WalletStore, Ledger, Books, UserDirectory,
  RunLog) using SQLite. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  users:          Position owners (engine reads, API writes)
  plans:          Investment plan templates
  positions:      Investment positions and their lifecycle fields
  wallets:        Per-(user, asset) balances
  ledger_entries: Append-only financial records
  payout_runs:    Orchestrator run audit records

ATOMIC CREDIT:
  Books.Credit writes the ledger entry and the wallet increment inside
  ONE database transaction. The ledger's unique idempotency-key index is
  the duplicate-payout tripwire: a replayed cycle aborts the transaction
  before any balance moves.

GUARDED ADVANCE:
  TryAdvance is a single UPDATE whose WHERE clause re-validates that the
  position is still active and still due. Zero rows affected means
  another run advanced it first (ErrPositionConflict).

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements touch ledger_entries.

DECIMALS:
  Monetary values are stored as TEXT and parsed with shopspring/decimal,
  never as floats. Balance increments happen inside exclusive
  transactions, so they are linearizable without decimal SQL arithmetic.

CONCURRENCY:
  Writers are serialized with a sync.Mutex (SQLite has a single writer
  anyway). Reads are not mutex-guarded: WAL mode gives readers snapshot
  isolation, which lets the due-position cursor stream while per-position
  writes land.

SEE ALSO:
  - invest/stores.go: Interface definitions and contracts
  - invest/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/investment-engine/invest"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writers
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		email TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		profit_rate TEXT NOT NULL,
		payout_frequency_days INTEGER NOT NULL DEFAULT 0,
		capital_back INTEGER NOT NULL DEFAULT 0,
		duration_days INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		plan_id TEXT NOT NULL DEFAULT '',
		principal TEXT NOT NULL,
		daily_profit_rate TEXT NOT NULL DEFAULT '0',
		asset_symbol TEXT NOT NULL DEFAULT 'USD',
		current_day INTEGER NOT NULL DEFAULT 0,
		duration_days INTEGER NOT NULL,
		total_paid TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'active',
		next_payout_date TEXT NOT NULL,
		last_updated TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Hot path: due-position selection
	CREATE INDEX IF NOT EXISTS idx_positions_due
		ON positions(status, next_payout_date);
	CREATE INDEX IF NOT EXISTS idx_positions_user
		ON positions(user_id);

	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT NOT NULL,
		asset_symbol TEXT NOT NULL,
		balance TEXT NOT NULL DEFAULT '0',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, asset_symbol)
	);

	-- Ledger (append-only; no UPDATE/DELETE ever)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		asset_symbol TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		method TEXT NOT NULL,
		plan_name TEXT,
		position_id TEXT,
		day_index INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_user
		ON ledger_entries(user_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_position
		ON ledger_entries(position_id) WHERE position_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_ledger_idempotency
		ON ledger_entries(idempotency_key) WHERE idempotency_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS payout_runs (
		id TEXT PRIMARY KEY,
		trigger_kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		processed INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		errored INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payout_runs_started
		ON payout_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// USER DIRECTORY (invest.UserDirectory)
// =============================================================================

func (s *Store) Find(ctx context.Context, id invest.UserID) (*invest.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, email, created_at FROM users WHERE id = ?`, id)

	var u invest.User
	var createdAt string
	if err := row.Scan(&u.ID, &u.FirstName, &u.Email, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, invest.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, user *invest.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, first_name, email, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.FirstName, user.Email, formatTime(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]invest.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, first_name, email, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []invest.User
	for rows.Next() {
		var u invest.User
		var createdAt string
		if err := rows.Scan(&u.ID, &u.FirstName, &u.Email, &createdAt); err != nil {
			return nil, err
		}
		u.CreatedAt = parseTime(createdAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

// =============================================================================
// PLAN STORE (invest.PlanStore)
// =============================================================================

func (s *Store) GetPlan(ctx context.Context, id invest.PlanID) (*invest.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, profit_rate, payout_frequency_days, capital_back,
		       duration_days, created_at, updated_at
		FROM plans WHERE id = ?`, id)

	plan, err := scanPlan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, invest.ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return plan, nil
}

func (s *Store) CreatePlan(ctx context.Context, plan *invest.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, profit_rate, payout_frequency_days,
		                   capital_back, duration_days, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.Name, plan.ProfitRate.String(), plan.PayoutFrequencyDays,
		boolToInt(plan.CapitalBackOnMaturity), plan.DurationDays,
		formatTime(plan.CreatedAt), formatTime(plan.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

func (s *Store) UpdatePlan(ctx context.Context, plan *invest.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE plans SET name = ?, profit_rate = ?, payout_frequency_days = ?,
		       capital_back = ?, duration_days = ?, updated_at = ?
		WHERE id = ?`,
		plan.Name, plan.ProfitRate.String(), plan.PayoutFrequencyDays,
		boolToInt(plan.CapitalBackOnMaturity), plan.DurationDays,
		formatTime(plan.UpdatedAt), plan.ID)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return invest.ErrPlanNotFound
	}
	return nil
}

func (s *Store) DeletePlan(ctx context.Context, id invest.PlanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return invest.ErrPlanNotFound
	}
	return nil
}

func (s *Store) ListPlans(ctx context.Context) ([]invest.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, profit_rate, payout_frequency_days, capital_back,
		       duration_days, created_at, updated_at
		FROM plans ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []invest.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *plan)
	}
	return out, rows.Err()
}

// =============================================================================
// POSITION STORE (invest.PositionStore)
// =============================================================================

const positionColumns = `id, user_id, plan_id, principal, daily_profit_rate,
	asset_symbol, current_day, duration_days, total_paid, status,
	next_payout_date, last_updated, created_at`

func (s *Store) CreatePosition(ctx context.Context, pos *invest.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (id, user_id, plan_id, principal, daily_profit_rate,
		       asset_symbol, current_day, duration_days, total_paid, status,
		       next_payout_date, last_updated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, pos.UserID, pos.PlanID, pos.Principal.String(),
		pos.DailyProfitRate.String(), pos.Asset(), pos.CurrentDay,
		pos.DurationDays, pos.TotalPaid.String(), pos.Status,
		formatTime(pos.NextPayoutDate), formatTime(pos.LastUpdated),
		formatTime(pos.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}
	return nil
}

func (s *Store) GetPosition(ctx context.Context, id invest.PositionID) (*invest.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)

	pos, err := scanPosition(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, invest.ErrPositionNotFound
		}
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	return pos, nil
}

func (s *Store) ListPositionsByUser(ctx context.Context, userID invest.UserID) ([]invest.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = ? ORDER BY created_at, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []invest.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

// FindDue streams active positions with next_payout_date <= now, joined
// with their plan. The cursor wraps sql.Rows, so large due sets are read
// incrementally rather than materialized.
func (s *Store) FindDue(ctx context.Context, now time.Time) (invest.DueCursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.user_id, p.plan_id, p.principal, p.daily_profit_rate,
		       p.asset_symbol, p.current_day, p.duration_days, p.total_paid,
		       p.status, p.next_payout_date, p.last_updated, p.created_at,
		       pl.id, pl.name, pl.profit_rate, pl.payout_frequency_days,
		       pl.capital_back, pl.duration_days, pl.created_at, pl.updated_at
		FROM positions p
		LEFT JOIN plans pl ON pl.id = p.plan_id AND p.plan_id != ''
		WHERE p.status = 'active' AND p.next_payout_date <= ?
		ORDER BY p.next_payout_date, p.id`,
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query due positions: %w", err)
	}

	return &dueCursor{rows: rows}, nil
}

// TryAdvance re-validates due-ness in the WHERE clause. Zero rows
// affected means the position advanced under us (or was completed).
func (s *Store) TryAdvance(ctx context.Context, id invest.PositionID, dueBy time.Time, adv invest.PositionAdvance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET current_day = ?, total_paid = ?, next_payout_date = ?,
		    last_updated = ?, status = ?
		WHERE id = ? AND status = 'active' AND next_payout_date <= ?`,
		adv.CurrentDay, adv.TotalPaid.String(), formatTime(adv.NextPayoutDate),
		formatTime(adv.LastUpdated), adv.Status, id, formatTime(dueBy))
	if err != nil {
		return fmt.Errorf("failed to advance position: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM positions WHERE id = ?`, id).Scan(&exists); err == nil && exists == 0 {
			return invest.ErrPositionNotFound
		}
		return invest.ErrPositionConflict
	}
	return nil
}

// =============================================================================
// BOOKS (invest.Books) - atomic wallet credit + ledger append
// =============================================================================

// Credit writes the ledger entry and increments the wallet balance in a
// single transaction. A duplicate idempotency key aborts both writes.
func (s *Store) Credit(ctx context.Context, entry invest.LedgerEntry) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := appendEntryTx(ctx, tx, entry); err != nil {
		return decimal.Zero, err
	}

	balance, err := incrementWalletTx(ctx, tx, entry.UserID, entry.AssetSymbol, entry.Amount, entry.CreatedAt)
	if err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("failed to commit credit: %w", err)
	}
	return balance, nil
}

// =============================================================================
// WALLET STORE (invest.WalletStore)
// =============================================================================

func (s *Store) CreditWallet(ctx context.Context, userID invest.UserID, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	balance, err := incrementWalletTx(ctx, tx, userID, asset, amount, time.Now().UTC())
	if err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("failed to commit wallet credit: %w", err)
	}
	return balance, nil
}

func (s *Store) Balance(ctx context.Context, userID invest.UserID, asset string) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM wallets WHERE user_id = ? AND asset_symbol = ?`,
		userID, asset).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load balance: %w", err)
	}
	return parseDecimal(raw)
}

func (s *Store) ListWalletsByUser(ctx context.Context, userID invest.UserID) ([]invest.WalletBalance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, asset_symbol, balance, updated_at
		 FROM wallets WHERE user_id = ? ORDER BY asset_symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var out []invest.WalletBalance
	for rows.Next() {
		var w invest.WalletBalance
		var raw, updatedAt string
		if err := rows.Scan(&w.UserID, &w.AssetSymbol, &raw, &updatedAt); err != nil {
			return nil, err
		}
		if w.Balance, err = parseDecimal(raw); err != nil {
			return nil, err
		}
		w.UpdatedAt = parseTime(updatedAt)
		out = append(out, w)
	}
	return out, rows.Err()
}

// =============================================================================
// LEDGER (invest.Ledger)
// =============================================================================

func (s *Store) Append(ctx context.Context, entry invest.LedgerEntry) (invest.LedgerEntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := appendEntryTx(ctx, s.db, entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

func (s *Store) ListEntriesByUser(ctx context.Context, userID invest.UserID) ([]invest.LedgerEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE user_id = ? ORDER BY created_at, id`, userID)
}

func (s *Store) ListEntriesByPosition(ctx context.Context, positionID invest.PositionID) ([]invest.LedgerEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE position_id = ? ORDER BY created_at, id`, positionID)
}

// =============================================================================
// RUN LOG (invest.RunLog)
// =============================================================================

func (s *Store) SaveRun(ctx context.Context, run invest.PayoutRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = formatTime(*run.CompletedAt)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_runs (id, trigger_kind, status, processed, completed,
		       skipped, errored, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		       status = excluded.status, processed = excluded.processed,
		       completed = excluded.completed, skipped = excluded.skipped,
		       errored = excluded.errored, error = excluded.error,
		       completed_at = excluded.completed_at`,
		run.ID, run.Trigger, run.Status, run.Processed, run.Completed,
		run.Skipped, run.Errored, run.Error, formatTime(run.StartedAt),
		completedAt, formatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save payout run: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]invest.PayoutRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_kind, status, processed, completed, skipped,
		       errored, COALESCE(error, ''), started_at, completed_at, created_at
		FROM payout_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payout runs: %w", err)
	}
	defer rows.Close()

	var out []invest.PayoutRun
	for rows.Next() {
		var run invest.PayoutRun
		var startedAt, createdAt string
		var completedAt sql.NullString
		if err := rows.Scan(&run.ID, &run.Trigger, &run.Status, &run.Processed,
			&run.Completed, &run.Skipped, &run.Errored, &run.Error,
			&startedAt, &completedAt, &createdAt); err != nil {
			return nil, err
		}
		run.StartedAt = parseTime(startedAt)
		run.CreatedAt = parseTime(createdAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			run.CompletedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// =============================================================================
// DUE CURSOR
// =============================================================================

type dueCursor struct {
	rows *sql.Rows
	cur  invest.DuePosition
	err  error
}

func (c *dueCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}

	var pos invest.Position
	var principal, dailyRate, totalPaid, nextPayout, lastUpdated, createdAt string
	var planID, planName, planRate sql.NullString
	var planFreq, planCapital, planDuration sql.NullInt64
	var planCreated, planUpdated sql.NullString

	if err := c.rows.Scan(
		&pos.ID, &pos.UserID, &pos.PlanID, &principal, &dailyRate,
		&pos.AssetSymbol, &pos.CurrentDay, &pos.DurationDays, &totalPaid,
		&pos.Status, &nextPayout, &lastUpdated, &createdAt,
		&planID, &planName, &planRate, &planFreq, &planCapital,
		&planDuration, &planCreated, &planUpdated,
	); err != nil {
		c.err = err
		return false
	}

	if pos.Principal, c.err = parseDecimal(principal); c.err != nil {
		return false
	}
	if pos.DailyProfitRate, c.err = parseDecimal(dailyRate); c.err != nil {
		return false
	}
	if pos.TotalPaid, c.err = parseDecimal(totalPaid); c.err != nil {
		return false
	}
	pos.NextPayoutDate = parseTime(nextPayout)
	pos.LastUpdated = parseTime(lastUpdated)
	pos.CreatedAt = parseTime(createdAt)

	due := invest.DuePosition{Position: &pos}
	if planID.Valid && planID.String != "" {
		plan := &invest.Plan{
			ID:                    invest.PlanID(planID.String),
			Name:                  planName.String,
			PayoutFrequencyDays:   int(planFreq.Int64),
			CapitalBackOnMaturity: planCapital.Int64 != 0,
			DurationDays:          int(planDuration.Int64),
			CreatedAt:             parseTime(planCreated.String),
			UpdatedAt:             parseTime(planUpdated.String),
		}
		if plan.ProfitRate, c.err = parseDecimal(planRate.String); c.err != nil {
			return false
		}
		due.Plan = plan
	}

	c.cur = due
	return true
}

func (c *dueCursor) Current() invest.DuePosition { return c.cur }

func (c *dueCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *dueCursor) Close() error { return c.rows.Close() }

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

const entryColumns = `id, user_id, amount, asset_symbol, kind, status, method,
	COALESCE(plan_name, ''), COALESCE(position_id, ''), day_index,
	COALESCE(idempotency_key, ''), created_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func appendEntryTx(ctx context.Context, db execer, entry invest.LedgerEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, amount, asset_symbol, kind,
		       status, method, plan_name, position_id, day_index,
		       idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Amount.String(), entry.AssetSymbol,
		entry.Kind, entry.Status, entry.Method, entry.PlanName,
		entry.PositionID, entry.DayIndex, nullString(entry.IdempotencyKey),
		formatTime(entry.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return invest.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// incrementWalletTx performs the balance increment inside the caller's
// transaction, so the read-add-write is exclusive and linearizable.
func incrementWalletTx(ctx context.Context, tx interface {
	execer
	queryRower
}, userID invest.UserID, asset string, amount decimal.Decimal, at time.Time) (decimal.Decimal, error) {

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, asset_symbol, balance, updated_at)
		VALUES (?, ?, '0', ?)
		ON CONFLICT(user_id, asset_symbol) DO NOTHING`,
		userID, asset, formatTime(at)); err != nil {
		return decimal.Zero, fmt.Errorf("failed to ensure wallet: %w", err)
	}

	var raw string
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM wallets WHERE user_id = ? AND asset_symbol = ?`,
		userID, asset).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("failed to read wallet: %w", err)
	}

	current, err := parseDecimal(raw)
	if err != nil {
		return decimal.Zero, err
	}
	next := current.Add(amount)

	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = ?, updated_at = ?
		WHERE user_id = ? AND asset_symbol = ?`,
		next.String(), formatTime(at), userID, asset); err != nil {
		return decimal.Zero, fmt.Errorf("failed to increment wallet: %w", err)
	}
	return next, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]invest.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []invest.LedgerEntry
	for rows.Next() {
		var e invest.LedgerEntry
		var amount, createdAt string
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &e.AssetSymbol, &e.Kind,
			&e.Status, &e.Method, &e.PlanName, &e.PositionID, &e.DayIndex,
			&e.IdempotencyKey, &createdAt); err != nil {
			return nil, err
		}
		if e.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanPlan(row interface{ Scan(...any) error }) (*invest.Plan, error) {
	var p invest.Plan
	var rate, createdAt, updatedAt string
	var capitalBack int
	if err := row.Scan(&p.ID, &p.Name, &rate, &p.PayoutFrequencyDays,
		&capitalBack, &p.DurationDays, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if p.ProfitRate, err = parseDecimal(rate); err != nil {
		return nil, err
	}
	p.CapitalBackOnMaturity = capitalBack != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func scanPosition(row interface{ Scan(...any) error }) (*invest.Position, error) {
	var pos invest.Position
	var principal, dailyRate, totalPaid, nextPayout, lastUpdated, createdAt string
	if err := row.Scan(&pos.ID, &pos.UserID, &pos.PlanID, &principal, &dailyRate,
		&pos.AssetSymbol, &pos.CurrentDay, &pos.DurationDays, &totalPaid,
		&pos.Status, &nextPayout, &lastUpdated, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if pos.Principal, err = parseDecimal(principal); err != nil {
		return nil, err
	}
	if pos.DailyProfitRate, err = parseDecimal(dailyRate); err != nil {
		return nil, err
	}
	if pos.TotalPaid, err = parseDecimal(totalPaid); err != nil {
		return nil, err
	}
	pos.NextPayoutDate = parseTime(nextPayout)
	pos.LastUpdated = parseTime(lastUpdated)
	pos.CreatedAt = parseTime(createdAt)
	return &pos, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed decimal %q: %w", s, err)
	}
	return d, nil
}

// timeLayout is RFC3339 with a fixed-width fraction. RFC3339Nano trims
// trailing zeros, which breaks the lexicographic <= comparisons the due
// query and the advance guard rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
