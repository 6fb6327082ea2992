package account

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flipside-exchange/flipside/pkg/clob"
	"github.com/flipside-exchange/flipside/pkg/num"
)

func posKey(userID, marketID string, outcome clob.Outcome) string {
	return userID + "|" + marketID + "|" + outcome.String()
}

// Manager is the authoritative in-memory view of users, balances and
// positions. A single mutex serializes balance mutations across markets,
// so a user always observes a consistent available+locked total even when
// two market workers touch them concurrently. Persistence is written
// through by the engine's ledger batch.
type Manager struct {
	mu        sync.RWMutex
	users     map[string]*User
	balances  map[string]*Balance
	positions map[string]*Position

	// starter is credited to a balance on first creation. Configured,
	// never hardcoded.
	starter num.Money
}

func NewManager(starterBalance num.Money) *Manager {
	return &Manager{
		users:     make(map[string]*User),
		balances:  make(map[string]*Balance),
		positions: make(map[string]*Position),
		starter:   starterBalance,
	}
}

// CreateUser registers a new user and grants the starter balance.
func (m *Manager) CreateUser(name string, role Role) (*User, *Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := &User{
		ID:        uuid.NewString(),
		Name:      name,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	m.users[u.ID] = u
	b := &Balance{UserID: u.ID, Available: m.starter}
	m.balances[u.ID] = b
	return u, b
}

// Restore loads persisted state at boot. It bypasses the starter grant.
func (m *Manager) Restore(users []*User, balances []*Balance, positions []*Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range users {
		m.users[u.ID] = u
	}
	for _, b := range balances {
		m.balances[b.UserID] = b
	}
	for _, p := range positions {
		m.positions[posKey(p.UserID, p.MarketID, clob.Outcome(p.Outcome))] = p
	}
}

// User returns a user by id, or nil.
func (m *Manager) User(id string) *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[id]
}

// BalanceOf returns a copy of the user's balance.
func (m *Manager) BalanceOf(userID string) (Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[userID]
	if !ok {
		return Balance{}, fmt.Errorf("no balance for user %s", userID)
	}
	return *b, nil
}

// Lock moves cash from available to locked, failing if the user cannot
// cover it.
func (m *Manager) Lock(userID string, amount num.Money) error {
	if amount < 0 {
		return fmt.Errorf("lock amount cannot be negative: %s", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[userID]
	if !ok {
		return clob.Rejectf(clob.RejectInsufficientBalance, "no balance for user %s", userID)
	}
	if b.Available < amount {
		return clob.Rejectf(clob.RejectInsufficientBalance, "have %s, need %s", b.Available, amount)
	}
	b.Available -= amount
	b.Locked += amount
	return nil
}

// Unlock releases locked cash back to available.
func (m *Manager) Unlock(userID string, amount num.Money) error {
	if amount < 0 {
		return fmt.Errorf("unlock amount cannot be negative: %s", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[userID]
	if !ok {
		return fmt.Errorf("no balance for user %s", userID)
	}
	if b.Locked < amount {
		return fmt.Errorf("user %s: cannot unlock %s, locked is %s", userID, amount, b.Locked)
	}
	b.Locked -= amount
	b.Available += amount
	return nil
}

// SpendLocked consumes locked cash (it leaves the user and backs minted
// share pairs or pays a counterparty).
func (m *Manager) SpendLocked(userID string, amount num.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[userID]
	if !ok {
		return fmt.Errorf("no balance for user %s", userID)
	}
	if b.Locked < amount {
		return fmt.Errorf("user %s: cannot spend %s from locked %s", userID, amount, b.Locked)
	}
	b.Locked -= amount
	return nil
}

// Credit adds cash to available (trade proceeds, refunds, payouts).
func (m *Manager) Credit(userID string, amount num.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[userID]
	if !ok {
		return fmt.Errorf("no balance for user %s", userID)
	}
	b.Available += amount
	return nil
}

// Position returns a copy of the user's position for one outcome.
func (m *Manager) Position(userID, marketID string, outcome clob.Outcome) Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.positions[posKey(userID, marketID, outcome)]; ok {
		return *p
	}
	return Position{UserID: userID, MarketID: marketID, Outcome: int8(outcome)}
}

// PositionsOf returns copies of the user's non-empty positions.
func (m *Manager) PositionsOf(userID string) []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Position
	for _, p := range m.positions {
		if p.UserID == userID && p.Quantity > 0 {
			out = append(out, *p)
		}
	}
	return out
}

// MarketPositions returns copies of every non-empty position in a market.
func (m *Manager) MarketPositions(marketID string) []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Position
	for _, p := range m.positions {
		if p.MarketID == marketID && p.Quantity > 0 {
			out = append(out, *p)
		}
	}
	return out
}

// CommitShares escrows free shares against a resting SELL. Fails with
// INSUFFICIENT_SHARES if the free quantity cannot cover it.
func (m *Manager) CommitShares(userID, marketID string, outcome clob.Outcome, qty num.Quantity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[posKey(userID, marketID, outcome)]
	if !ok || p.Free() < qty {
		free := num.Quantity(0)
		if ok {
			free = p.Free()
		}
		return clob.Rejectf(clob.RejectInsufficientShares, "have %s free %s shares, need %s", free, outcome, qty)
	}
	p.Committed += qty
	return nil
}

// ReleaseShares undoes a commitment (cancel, or market-sell leftover).
func (m *Manager) ReleaseShares(userID, marketID string, outcome clob.Outcome, qty num.Quantity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[posKey(userID, marketID, outcome)]
	if !ok || p.Committed < qty {
		return fmt.Errorf("user %s market %s: cannot release %s committed shares", userID, marketID, qty)
	}
	p.Committed -= qty
	return nil
}

// AddShares credits bought (or minted) shares at the given cash cost.
func (m *Manager) AddShares(userID, marketID string, outcome clob.Outcome, qty num.Quantity, cost num.Money) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := posKey(userID, marketID, outcome)
	p, ok := m.positions[key]
	if !ok {
		p = &Position{UserID: userID, MarketID: marketID, Outcome: int8(outcome)}
		m.positions[key] = p
	}
	p.Quantity += qty
	p.CostBasis += cost
	return p
}

// RemoveCommittedShares consumes committed shares on a sell fill,
// reducing cost basis pro rata. Clears the basis entirely when the
// position reaches zero.
func (m *Manager) RemoveCommittedShares(userID, marketID string, outcome clob.Outcome, qty num.Quantity) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[posKey(userID, marketID, outcome)]
	if !ok || p.Committed < qty || p.Quantity < qty {
		return nil, fmt.Errorf("user %s market %s: cannot consume %s committed %s shares", userID, marketID, qty, outcome)
	}
	removed := num.Money(int64(p.CostBasis) * int64(qty) / int64(p.Quantity))
	p.Quantity -= qty
	p.Committed -= qty
	p.CostBasis -= removed
	if p.Quantity == 0 {
		p.CostBasis = 0
	}
	return p, nil
}

// ClearPosition zeroes a position at resolution. Returns the quantity
// that was held.
func (m *Manager) ClearPosition(userID, marketID string, outcome clob.Outcome) num.Quantity {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := posKey(userID, marketID, outcome)
	p, ok := m.positions[key]
	if !ok {
		return 0
	}
	qty := p.Quantity
	p.Quantity = 0
	p.Committed = 0
	p.CostBasis = 0
	return qty
}

// TotalCash sums available plus locked across every user. Used by the
// engine's conservation check.
func (m *Manager) TotalCash() num.Money {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total num.Money
	for _, b := range m.balances {
		total += b.Total()
	}
	return total
}

// ValidateAll checks every balance and position invariant.
func (m *Manager) ValidateAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.balances {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	for _, p := range m.positions {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotBalance returns the balance entity for persistence.
func (m *Manager) SnapshotBalance(userID string) *Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.balances[userID]; ok {
		cp := *b
		return &cp
	}
	return nil
}

// SnapshotPosition returns the position entity for persistence.
func (m *Manager) SnapshotPosition(userID, marketID string, outcome clob.Outcome) *Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.positions[posKey(userID, marketID, outcome)]; ok {
		cp := *p
		return &cp
	}
	return nil
}
