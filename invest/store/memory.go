// Package store provides an in-memory implementation of the invest store
// interfaces, for tests and development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/investment-engine/invest"
)

// =============================================================================
// MEMORY STORE - Implements every invest store interface
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	users     map[invest.UserID]invest.User
	plans     map[invest.PlanID]invest.Plan
	positions map[invest.PositionID]invest.Position
	wallets   map[walletKey]decimal.Decimal
	entries   []invest.LedgerEntry
	idemKeys  map[string]bool
	runs      []invest.PayoutRun

	// CreditErr, when set, makes Books.Credit fail. Test hook.
	CreditErr error
	// AdvanceErr, when set, makes TryAdvance fail. Test hook.
	AdvanceErr error
}

type walletKey struct {
	UserID invest.UserID
	Asset  string
}

func NewMemory() *Memory {
	return &Memory{
		users:     make(map[invest.UserID]invest.User),
		plans:     make(map[invest.PlanID]invest.Plan),
		positions: make(map[invest.PositionID]invest.Position),
		wallets:   make(map[walletKey]decimal.Decimal),
		idemKeys:  make(map[string]bool),
	}
}

// =============================================================================
// USER DIRECTORY
// =============================================================================

func (m *Memory) Find(_ context.Context, id invest.UserID) (*invest.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, invest.ErrUserNotFound
	}
	return &u, nil
}

func (m *Memory) CreateUser(_ context.Context, user *invest.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = *user
	return nil
}

func (m *Memory) ListUsers(_ context.Context) ([]invest.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]invest.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// PLAN STORE
// =============================================================================

func (m *Memory) GetPlan(_ context.Context, id invest.PlanID) (*invest.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, invest.ErrPlanNotFound
	}
	return &p, nil
}

func (m *Memory) CreatePlan(_ context.Context, plan *invest.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.ID] = *plan
	return nil
}

func (m *Memory) UpdatePlan(_ context.Context, plan *invest.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plans[plan.ID]; !ok {
		return invest.ErrPlanNotFound
	}
	m.plans[plan.ID] = *plan
	return nil
}

func (m *Memory) DeletePlan(_ context.Context, id invest.PlanID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plans[id]; !ok {
		return invest.ErrPlanNotFound
	}
	delete(m.plans, id)
	return nil
}

func (m *Memory) ListPlans(_ context.Context) ([]invest.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]invest.Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// POSITION STORE
// =============================================================================

func (m *Memory) GetPosition(_ context.Context, id invest.PositionID) (*invest.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[id]
	if !ok {
		return nil, invest.ErrPositionNotFound
	}
	return &p, nil
}

func (m *Memory) CreatePosition(_ context.Context, pos *invest.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.ID] = *pos
	return nil
}

func (m *Memory) ListPositionsByUser(_ context.Context, userID invest.UserID) ([]invest.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []invest.Position
	for _, p := range m.positions {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindDue snapshots the due set under the read lock and streams it from
// a cursor, mirroring the sql.Rows shape of the sqlite store.
func (m *Memory) FindDue(_ context.Context, now time.Time) (invest.DueCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []invest.DuePosition
	for _, p := range m.positions {
		if p.Status != invest.PositionActive || p.NextPayoutDate.After(now) {
			continue
		}
		pos := p
		d := invest.DuePosition{Position: &pos}
		if p.PlanID != "" {
			if plan, ok := m.plans[p.PlanID]; ok {
				pl := plan
				d.Plan = &pl
			}
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Position.ID < due[j].Position.ID })

	return &memoryCursor{due: due}, nil
}

func (m *Memory) TryAdvance(_ context.Context, id invest.PositionID, dueBy time.Time, adv invest.PositionAdvance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AdvanceErr != nil {
		return m.AdvanceErr
	}

	p, ok := m.positions[id]
	if !ok {
		return invest.ErrPositionNotFound
	}
	if p.Status != invest.PositionActive || p.NextPayoutDate.After(dueBy) {
		return invest.ErrPositionConflict
	}

	p.CurrentDay = adv.CurrentDay
	p.TotalPaid = adv.TotalPaid
	p.NextPayoutDate = adv.NextPayoutDate
	p.LastUpdated = adv.LastUpdated
	p.Status = adv.Status
	m.positions[id] = p
	return nil
}

// =============================================================================
// WALLET + LEDGER + BOOKS
// =============================================================================

func (m *Memory) Credit(ctx context.Context, entry invest.LedgerEntry) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreditErr != nil {
		return decimal.Zero, m.CreditErr
	}

	if entry.IdempotencyKey != "" && m.idemKeys[entry.IdempotencyKey] {
		return decimal.Zero, invest.ErrDuplicateEntry
	}

	// Ledger append and wallet increment commit together.
	m.entries = append(m.entries, entry)
	if entry.IdempotencyKey != "" {
		m.idemKeys[entry.IdempotencyKey] = true
	}

	k := walletKey{UserID: entry.UserID, Asset: entry.AssetSymbol}
	m.wallets[k] = m.wallets[k].Add(entry.Amount)
	return m.wallets[k], nil
}

// CreditWallet atomically increments a balance without a ledger entry.
// Satisfies the WalletStore interface for non-engine flows.
func (m *Memory) CreditWallet(_ context.Context, userID invest.UserID, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := walletKey{UserID: userID, Asset: asset}
	m.wallets[k] = m.wallets[k].Add(amount)
	return m.wallets[k], nil
}

func (m *Memory) Balance(_ context.Context, userID invest.UserID, asset string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.wallets[walletKey{UserID: userID, Asset: asset}], nil
}

func (m *Memory) ListWalletsByUser(_ context.Context, userID invest.UserID) ([]invest.WalletBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []invest.WalletBalance
	for k, bal := range m.wallets {
		if k.UserID == userID {
			out = append(out, invest.WalletBalance{UserID: k.UserID, AssetSymbol: k.Asset, Balance: bal})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetSymbol < out[j].AssetSymbol })
	return out, nil
}

func (m *Memory) Append(_ context.Context, entry invest.LedgerEntry) (invest.LedgerEntryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.IdempotencyKey != "" && m.idemKeys[entry.IdempotencyKey] {
		return "", invest.ErrDuplicateEntry
	}
	m.entries = append(m.entries, entry)
	if entry.IdempotencyKey != "" {
		m.idemKeys[entry.IdempotencyKey] = true
	}
	return entry.ID, nil
}

func (m *Memory) ListEntriesByUser(_ context.Context, userID invest.UserID) ([]invest.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []invest.LedgerEntry
	for _, e := range m.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) ListEntriesByPosition(_ context.Context, positionID invest.PositionID) ([]invest.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []invest.LedgerEntry
	for _, e := range m.entries {
		if e.PositionID == positionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// RUN LOG
// =============================================================================

func (m *Memory) SaveRun(_ context.Context, run invest.PayoutRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]invest.PayoutRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]invest.PayoutRun, len(m.runs))
	copy(out, m.runs)
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// MEMORY CURSOR
// =============================================================================

type memoryCursor struct {
	due []invest.DuePosition
	idx int
	cur invest.DuePosition
}

func (c *memoryCursor) Next() bool {
	if c.idx >= len(c.due) {
		return false
	}
	c.cur = c.due[c.idx]
	c.idx++
	return true
}

func (c *memoryCursor) Current() invest.DuePosition { return c.cur }
func (c *memoryCursor) Err() error                  { return nil }
func (c *memoryCursor) Close() error                { return nil }
