// Package engine runs the exchange core: one single-writer worker per
// market owns that market's book and serializes every mutation through a
// command channel. A command's full effect (orders, trades, balances,
// positions, events) is staged in one ledger transaction and committed
// atomically before anything is broadcast.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flipside-exchange/flipside/pkg/clob"
	"github.com/flipside-exchange/flipside/pkg/clob/account"
	"github.com/flipside-exchange/flipside/pkg/clob/ledger"
	"github.com/flipside-exchange/flipside/pkg/clob/market"
	"github.com/flipside-exchange/flipside/pkg/metrics"
	"github.com/flipside-exchange/flipside/pkg/num"
)

// PublishFunc broadcasts one envelope on a topic. nil disables broadcast.
type PublishFunc func(topic string, env *clob.Envelope)

// Options tunes the engine independently of the ambient config surface.
type Options struct {
	// CommandBuffer is the per-market command channel depth.
	CommandBuffer int
	// SnapshotDepth bounds book snapshots served to subscribers.
	SnapshotDepth int
	// CheckInvariants re-verifies cash conservation after every commit
	// and halts the market worker on violation.
	CheckInvariants bool
}

func DefaultOptions() Options {
	return Options{CommandBuffer: 64, SnapshotDepth: 20, CheckInvariants: true}
}

// Manager owns the per-market workers plus the shared ledger, accounts and
// market registry. It is the single entry point for every exchange command.
type Manager struct {
	log      *zap.Logger
	opts     Options
	store    *ledger.Store
	accounts *account.Manager
	registry *market.Registry
	publish  PublishFunc
	metrics  *metrics.Collector

	mu      sync.RWMutex
	engines map[string]*MarketEngine

	seqMu   sync.Mutex
	userSeq map[string]uint64

	// settleMu serializes every batch that disturbs the cash-plus-collateral
	// invariant (fill settlement, resolution payouts, void unwinds, starter
	// grants) against checkConservation, so a concurrently committing market
	// never observes another worker mid-settlement. It also guards
	// expectedCash: total user cash plus $1 of pair collateral per unit of
	// open interest, moved only by starter grants and void unwinds.
	settleMu     sync.Mutex
	expectedCash num.Money
}

func NewManager(log *zap.Logger, store *ledger.Store, accounts *account.Manager, registry *market.Registry, pub PublishFunc, coll *metrics.Collector, opts Options) *Manager {
	if opts.CommandBuffer <= 0 {
		opts.CommandBuffer = DefaultOptions().CommandBuffer
	}
	if opts.SnapshotDepth <= 0 {
		opts.SnapshotDepth = DefaultOptions().SnapshotDepth
	}
	return &Manager{
		log:      log,
		opts:     opts,
		store:    store,
		accounts: accounts,
		registry: registry,
		publish:  pub,
		metrics:  coll,
		engines:  make(map[string]*MarketEngine),
		userSeq:  make(map[string]uint64),
	}
}

// Boot restores persisted state and starts a worker for every market that
// is not terminal. Books are rebuilt from OPEN/PARTIAL orders in
// price-time order, so the book after a restart is indistinguishable from
// the book before the crash.
func (m *Manager) Boot(ctx context.Context) error {
	users, err := m.store.LoadUsers()
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	balances, err := m.store.LoadBalances()
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	positions, err := m.store.LoadPositions()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	m.accounts.Restore(users, balances, positions)

	for _, u := range users {
		seq, err := m.store.LastUserSequence(u.ID)
		if err != nil {
			return fmt.Errorf("load user sequence %s: %w", u.ID, err)
		}
		m.userSeq[u.ID] = seq
	}

	markets, err := m.store.LoadMarkets()
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	var collateral num.Money
	for _, mkt := range markets {
		if err := m.registry.Register(mkt); err != nil {
			return err
		}
		if mkt.Status == market.Resolved || mkt.Status == market.Cancelled {
			continue
		}
		collateral += num.Payout(num.Quantity(mkt.OpenInterest))
		if err := m.startEngine(ctx, mkt); err != nil {
			return fmt.Errorf("boot market %s: %w", mkt.ID, err)
		}
	}
	m.expectedCash = m.accounts.TotalCash() + collateral

	m.log.Info("engine booted",
		zap.Int("users", len(users)),
		zap.Int("markets", len(markets)),
		zap.Int("workers", len(m.engines)))
	return nil
}

func (m *Manager) startEngine(ctx context.Context, mkt *market.Market) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[mkt.ID]; ok {
		return nil
	}
	eng, err := newMarketEngine(m, mkt)
	if err != nil {
		return err
	}
	m.engines[mkt.ID] = eng
	go eng.run(ctx)
	return nil
}

func (m *Manager) engine(marketID string) (*MarketEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eng, ok := m.engines[marketID]
	if !ok {
		return nil, clob.Rejectf(clob.RejectUnknownMarket, "market %s has no active book", marketID)
	}
	return eng, nil
}

func (m *Manager) dropEngine(marketID string) {
	m.mu.Lock()
	delete(m.engines, marketID)
	m.mu.Unlock()
}

// ============================================================================
// Users and markets
// ============================================================================

// CreateUser registers a trader, grants the starter balance and persists
// both atomically.
func (m *Manager) CreateUser(name string, role account.Role) (*account.User, error) {
	// Grant and target move together so no conservation check can observe
	// the new cash before the target includes it.
	m.settleMu.Lock()
	u, b := m.accounts.CreateUser(name, role)
	m.expectedCash += b.Total()
	m.settleMu.Unlock()

	txn := m.store.NewTxn()
	txn.PutUser(u)
	txn.PutBalance(b)
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("persist user: %w", err)
	}

	m.seqMu.Lock()
	m.userSeq[u.ID] = 0
	m.seqMu.Unlock()

	m.log.Info("user created", zap.String("user", u.ID), zap.String("name", name), zap.String("role", role.String()))
	return u, nil
}

// CreateSession issues a bearer token for a user.
func (m *Manager) CreateSession(userID, token string) error {
	if m.accounts.User(userID) == nil {
		return clob.Rejectf(clob.RejectUnknownUser, "unknown user %s", userID)
	}
	return m.store.SaveSession(&ledger.Session{
		Token:     token,
		UserID:    userID,
		CreatedAt: time.Now().UTC().Unix(),
	})
}

// CreateMarket opens a new market and starts its worker. Admin only.
func (m *Manager) CreateMarket(ctx context.Context, adminID, id, question string, closeTime time.Time) (*market.Market, error) {
	if err := m.requireAdmin(adminID); err != nil {
		return nil, err
	}
	mkt, err := market.New(id, question, closeTime)
	if err != nil {
		return nil, err
	}
	if err := m.registry.Register(mkt); err != nil {
		return nil, err
	}
	if err := m.store.SaveMarket(mkt); err != nil {
		return nil, fmt.Errorf("persist market: %w", err)
	}
	if err := m.startEngine(ctx, mkt); err != nil {
		return nil, err
	}
	m.log.Info("market created", zap.String("market", mkt.ID), zap.String("question", question))
	return mkt, nil
}

func (m *Manager) requireAdmin(userID string) error {
	u := m.accounts.User(userID)
	if u == nil || u.Role != account.Admin {
		return clob.Rejectf(clob.RejectNotAdmin, "user %s is not an admin", userID)
	}
	return nil
}

// ============================================================================
// Command dispatch
// ============================================================================

// Submit routes an order to its market worker and waits for the result.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	eng, err := m.engine(req.MarketID)
	if err != nil {
		return nil, err
	}
	return eng.Submit(ctx, req)
}

// Cancel requests cancellation of a resting order, resolving the market
// through the ledger's order index. Idempotent: re-cancelling a CANCELLED
// order returns its final state; a FILLED order reports NOT_CANCELLABLE.
func (m *Manager) Cancel(ctx context.Context, userID, orderID string) (*clob.Order, error) {
	marketID, err := m.store.MarketOfOrder(orderID)
	if err != nil {
		return nil, err
	}
	if marketID == "" {
		return nil, clob.Rejectf(clob.RejectUnknownOrder, "order %s not found", orderID)
	}
	eng, err := m.engine(marketID)
	if err != nil {
		// Terminal markets have no worker; the stored final state still
		// answers an idempotent re-cancel.
		if m.registry.Exists(marketID) {
			stored, lerr := m.store.LoadOrder(marketID, orderID)
			if lerr != nil {
				return nil, lerr
			}
			if stored != nil && stored.Status == clob.StatusCancelled {
				if stored.UserID != userID {
					return nil, clob.Rejectf(clob.RejectNotOwner, "order %s belongs to another user", orderID)
				}
				return stored, nil
			}
		}
		return nil, err
	}
	return eng.Cancel(ctx, userID, orderID)
}

// CloseMarket stops order admission. Resting orders survive a close.
func (m *Manager) CloseMarket(ctx context.Context, adminID, marketID string) error {
	if err := m.requireAdmin(adminID); err != nil {
		return err
	}
	eng, err := m.engine(marketID)
	if err != nil {
		return err
	}
	return eng.Close(ctx)
}

// ResolveMarket settles a closed market: resting orders are cancelled,
// the winning side is paid $1.00 a share, every position is cleared.
func (m *Manager) ResolveMarket(ctx context.Context, adminID, marketID string, outcome clob.Outcome) error {
	if err := m.requireAdmin(adminID); err != nil {
		return err
	}
	eng, err := m.engine(marketID)
	if err != nil {
		return err
	}
	if err := eng.Resolve(ctx, outcome); err != nil {
		return err
	}
	m.dropEngine(marketID)
	return nil
}

// VoidMarket cancels a market outright: resting orders are cancelled with
// their escrow released, and positions are zeroed without payout.
func (m *Manager) VoidMarket(ctx context.Context, adminID, marketID string) error {
	if err := m.requireAdmin(adminID); err != nil {
		return err
	}
	eng, err := m.engine(marketID)
	if err != nil {
		return err
	}
	if err := eng.Void(ctx); err != nil {
		return err
	}
	m.dropEngine(marketID)
	return nil
}

// Snapshot returns the current book for a market.
func (m *Manager) Snapshot(marketID string, depth int) (*BookSnapshot, error) {
	eng, err := m.engine(marketID)
	if err != nil {
		// Terminal markets have no worker but remain queryable.
		if m.registry.Exists(marketID) {
			return &BookSnapshot{MarketID: marketID}, nil
		}
		return nil, err
	}
	return eng.Snapshot(depth), nil
}

// Accounts exposes the account manager for read paths.
func (m *Manager) Accounts() *account.Manager { return m.accounts }

// Store exposes the ledger for read paths.
func (m *Manager) Store() *ledger.Store { return m.store }

// Markets exposes the registry.
func (m *Manager) Markets() *market.Registry { return m.registry }

func (m *Manager) nextUserSeq(userID string) uint64 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	m.userSeq[userID]++
	return m.userSeq[userID]
}

// checkConservation verifies that user cash plus pair collateral still
// equals the expected total. Called by workers after each commit when
// invariant checking is on. Holding settleMu for the whole computation
// keeps the snapshot consistent against other markets' settlements.
func (m *Manager) checkConservation() error {
	m.settleMu.Lock()
	defer m.settleMu.Unlock()

	var collateral num.Money
	for _, mkt := range m.registry.List() {
		if mkt.Status != market.Resolved && mkt.Status != market.Cancelled {
			collateral += num.Payout(num.Quantity(mkt.OpenInterest))
		}
	}
	got := m.accounts.TotalCash() + collateral
	if got != m.expectedCash {
		return fmt.Errorf("conservation violated: cash+collateral %s, expected %s", got, m.expectedCash)
	}
	return m.accounts.ValidateAll()
}
