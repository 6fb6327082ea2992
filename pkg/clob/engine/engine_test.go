package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flipside-exchange/flipside/pkg/clob"
	"github.com/flipside-exchange/flipside/pkg/clob/account"
	"github.com/flipside-exchange/flipside/pkg/clob/ledger"
	"github.com/flipside-exchange/flipside/pkg/clob/market"
	"github.com/flipside-exchange/flipside/pkg/metrics"
	"github.com/flipside-exchange/flipside/pkg/num"
)

const testStarter = 10_000 * num.MoneyScale

// usd converts whole cents into money units, so 3250 reads as $32.50.
func usd(cents int64) num.Money { return num.Money(cents) * num.MoneyScale / 100 }

func shares(n int64) num.Quantity { return num.Quantity(n) * num.QtyScale }

type capturedEnv struct {
	topic string
	env   *clob.Envelope
}

type testExchange struct {
	t     *testing.T
	ctx   context.Context
	mgr   *Manager
	store *ledger.Store
	admin *account.User

	mu   sync.Mutex
	envs []capturedEnv

	closeOnce sync.Once
	closeErr  error
}

// closeStore closes the backing store exactly once, so tests that close it
// explicitly (to simulate a restart) don't trip the cleanup's second Close.
func (ex *testExchange) closeStore() error {
	ex.closeOnce.Do(func() { ex.closeErr = ex.store.Close() })
	return ex.closeErr
}

func newTestExchange(t *testing.T) *testExchange {
	return newTestExchangeAt(t, t.TempDir())
}

func newTestExchangeAt(t *testing.T, dir string) *testExchange {
	t.Helper()

	store, err := ledger.Open(dir)
	require.NoError(t, err)

	ex := &testExchange{t: t, store: store}
	t.Cleanup(func() { ex.closeStore() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ex.ctx = ctx
	pub := func(topic string, env *clob.Envelope) {
		ex.mu.Lock()
		ex.envs = append(ex.envs, capturedEnv{topic: topic, env: env})
		ex.mu.Unlock()
	}

	ex.mgr = NewManager(
		zap.NewNop(),
		store,
		account.NewManager(testStarter),
		market.NewRegistry(),
		pub,
		metrics.NewCollector(),
		Options{CommandBuffer: 8, SnapshotDepth: 10, CheckInvariants: true},
	)
	require.NoError(t, ex.mgr.Boot(ctx))

	if users, _ := store.LoadUsers(); len(users) == 0 {
		admin, err := ex.mgr.CreateUser("admin", account.Admin)
		require.NoError(t, err)
		ex.admin = admin
	} else {
		for _, u := range users {
			if u.Role == account.Admin {
				ex.admin = u
			}
		}
	}
	return ex
}

func (ex *testExchange) user(name string) *account.User {
	ex.t.Helper()
	u, err := ex.mgr.CreateUser(name, account.Regular)
	require.NoError(ex.t, err)
	return u
}

func (ex *testExchange) market(id string) *market.Market {
	ex.t.Helper()
	m, err := ex.mgr.CreateMarket(ex.ctx, ex.admin.ID, id, "test question", time.Now().Add(time.Hour).UTC())
	require.NoError(ex.t, err)
	return m
}

func (ex *testExchange) submit(req SubmitRequest) (*SubmitResult, error) {
	return ex.mgr.Submit(ex.ctx, req)
}

func (ex *testExchange) mustSubmit(req SubmitRequest) *SubmitResult {
	ex.t.Helper()
	res, err := ex.submit(req)
	require.NoError(ex.t, err)
	return res
}

func (ex *testExchange) balance(userID string) account.Balance {
	ex.t.Helper()
	b, err := ex.mgr.Accounts().BalanceOf(userID)
	require.NoError(ex.t, err)
	return b
}

func (ex *testExchange) envelopes(typ clob.EventType) []capturedEnv {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	var out []capturedEnv
	for _, c := range ex.envs {
		if c.env.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

func limit(marketID, userID string, side clob.Side, outcome clob.Outcome, price num.Price, qty num.Quantity) SubmitRequest {
	return SubmitRequest{
		MarketID: marketID, UserID: userID,
		Side: side, Kind: clob.Limit, Outcome: outcome,
		Price: price, Quantity: qty,
	}
}

// ============================================================================
// Crossing across the YES/NO complement
// ============================================================================

func TestComplementCrossing(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	b := ex.user("bob")
	ex.market("m1")

	// A bids YES at 0.40, escrowing $32.
	resA := ex.mustSubmit(limit("m1", a.ID, clob.Buy, clob.Yes, 40, shares(80)))
	require.Equal(t, clob.StatusOpen, resA.Order.Status)
	require.Empty(t, resA.Trades)

	balA := ex.balance(a.ID)
	require.Equal(t, usd(3200), balA.Locked)
	require.Equal(t, testStarter-usd(3200), balA.Available)

	snap, err := ex.mgr.Snapshot("m1", 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	require.Equal(t, num.Price(40), snap.Bids[0].Price)
	require.Equal(t, shares(80), snap.Bids[0].Quantity)

	// B buys NO at 0.65, which enters the book as a YES ask at 0.35 and
	// crosses A's bid at the maker price 0.40.
	resB := ex.mustSubmit(limit("m1", b.ID, clob.Buy, clob.No, 65, shares(60)))
	require.Equal(t, clob.StatusFilled, resB.Order.Status)
	require.Len(t, resB.Trades, 1)

	tr := resB.Trades[0]
	require.Equal(t, num.Price(40), tr.Price, "trade at maker price")
	require.Equal(t, shares(60), tr.Quantity)
	require.Equal(t, a.ID, tr.BuyerID, "YES-long side is the buyer")
	require.Equal(t, b.ID, tr.SellerID)

	// A spent $24 of the $32 escrow; the unmatched 20 stays locked at 0.40.
	balA = ex.balance(a.ID)
	require.Equal(t, usd(800), balA.Locked)
	require.Equal(t, testStarter-usd(3200), balA.Available)

	// B's execution maps to 0.60 in NO space: pays $36, improvement of
	// $0.05 x 60 = $3 refunded from the $39 escrow.
	balB := ex.balance(b.ID)
	require.Equal(t, num.Money(0), balB.Locked)
	require.Equal(t, testStarter-usd(3600), balB.Available)

	posA := ex.mgr.Accounts().Position(a.ID, "m1", clob.Yes)
	require.Equal(t, shares(60), posA.Quantity)
	require.Equal(t, num.Price(40), posA.AvgPrice())

	posB := ex.mgr.Accounts().Position(b.ID, "m1", clob.No)
	require.Equal(t, shares(60), posB.Quantity)
	require.Equal(t, num.Price(60), posB.AvgPrice())

	// Two funds-backed sides mint collateralized pairs.
	m, err := ex.mgr.Markets().Get("m1")
	require.NoError(t, err)
	require.Equal(t, int64(shares(60)), m.OpenInterest)

	snap, err = ex.mgr.Snapshot("m1", 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	require.Equal(t, shares(20), snap.Bids[0].Quantity)
	require.Empty(t, snap.Asks)
	require.Equal(t, num.Price(40), snap.LastPrice)

	// Cash plus pair collateral is conserved.
	total := ex.mgr.Accounts().TotalCash() + num.Payout(num.Quantity(m.OpenInterest))
	require.Equal(t, 2*testStarter+testStarter, total, "admin + two traders")
}

func TestEventSequenceMonotonic(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	b := ex.user("bob")
	ex.market("m1")

	ex.mustSubmit(limit("m1", a.ID, clob.Buy, clob.Yes, 40, shares(80)))
	ex.mustSubmit(limit("m1", b.ID, clob.Buy, clob.No, 65, shares(60)))

	var last uint64
	require.NoError(t, ex.store.ReplayEvents("m1", 0, func(ev *clob.OrderEvent) bool {
		require.Greater(t, ev.Sequence, last, "sequence must be strictly monotonic")
		last = ev.Sequence
		return true
	}))
	require.NotZero(t, last)

	seq, err := ex.store.LastSequence("m1")
	require.NoError(t, err)
	require.Equal(t, last, seq, "persisted sequence matches the log head")
}

// ============================================================================
// Cancel and escrow release
// ============================================================================

func TestCancelReleasesEscrow(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	b := ex.user("bob")
	ex.market("m1")

	res := ex.mustSubmit(limit("m1", a.ID, clob.Buy, clob.Yes, 40, shares(80)))
	ex.mustSubmit(limit("m1", b.ID, clob.Buy, clob.No, 65, shares(60)))

	cancelled, err := ex.mgr.Cancel(ex.ctx, a.ID, res.Order.ID)
	require.NoError(t, err)
	require.Equal(t, clob.StatusCancelled, cancelled.Status)
	require.Equal(t, clob.CancelUserRequest, cancelled.Reason)

	balA := ex.balance(a.ID)
	require.Equal(t, num.Money(0), balA.Locked)
	require.Equal(t, testStarter-usd(2400), balA.Available, "only the spent $24 is gone")

	snap, err := ex.mgr.Snapshot("m1", 10)
	require.NoError(t, err)
	require.Empty(t, snap.Bids)

	// Cancelling again is a no-op: the final state comes back and no
	// balance moves.
	again, err := ex.mgr.Cancel(ex.ctx, a.ID, res.Order.ID)
	require.NoError(t, err)
	require.Equal(t, clob.StatusCancelled, again.Status)
	require.Equal(t, cancelled.ID, again.ID)
	require.Equal(t, balA, ex.balance(a.ID))
}

func TestCancelFilledOrderRefused(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	b := ex.user("bob")
	ex.market("m1")

	ex.mustSubmit(limit("m1", a.ID, clob.Buy, clob.Yes, 40, shares(60)))
	res := ex.mustSubmit(limit("m1", b.ID, clob.Buy, clob.No, 60, shares(60)))
	require.Equal(t, clob.StatusFilled, res.Order.Status)

	_, err := ex.mgr.Cancel(ex.ctx, b.ID, res.Order.ID)
	rej := clob.AsReject(err)
	require.NotNil(t, rej)
	require.Equal(t, clob.RejectNotCancellable, rej.Code)
}

func TestCancelGuards(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	b := ex.user("bob")
	ex.market("m1")

	res := ex.mustSubmit(limit("m1", a.ID, clob.Buy, clob.Yes, 40, shares(10)))

	_, err := ex.mgr.Cancel(ex.ctx, b.ID, res.Order.ID)
	rej := clob.AsReject(err)
	require.NotNil(t, rej)
	require.Equal(t, clob.RejectNotOwner, rej.Code)

	_, err = ex.mgr.Cancel(ex.ctx, a.ID, "no-such-order")
	rej = clob.AsReject(err)
	require.NotNil(t, rej)
	require.Equal(t, clob.RejectUnknownOrder, rej.Code)
}

// ============================================================================
// Escrow guards
// ============================================================================

func TestInsufficientBalanceLeavesNoTrace(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	ex.market("m1")

	_, err := ex.submit(limit("m1", a.ID, clob.Buy, clob.Yes, 50, shares(100_000)))
	rej := clob.AsReject(err)
	require.NotNil(t, rej)
	require.Equal(t, clob.RejectInsufficientBalance, rej.Code)

	bal := ex.balance(a.ID)
	require.Equal(t, testStarter, bal.Available)
	require.Equal(t, num.Money(0), bal.Locked)

	orders, err := ex.store.LoadUserOrders(a.ID)
	require.NoError(t, err)
	require.Empty(t, orders, "rejected order must not be persisted")

	// The audit log carries exactly one entry: the rejection.
	var kinds []clob.EventKind
	require.NoError(t, ex.store.ReplayEvents("m1", 0, func(ev *clob.OrderEvent) bool {
		kinds = append(kinds, ev.Kind)
		return true
	}))
	require.Equal(t, []clob.EventKind{clob.EvRejected}, kinds)
}

func TestInsufficientShares(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	ex.market("m1")

	_, err := ex.submit(limit("m1", a.ID, clob.Sell, clob.Yes, 60, shares(10)))
	rej := clob.AsReject(err)
	require.NotNil(t, rej)
	require.Equal(t, clob.RejectInsufficientShares, rej.Code)
}

func TestValidationRejects(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	ex.market("m1")

	cases := []struct {
		name string
		req  SubmitRequest
		code clob.RejectCode
	}{
		{"price zero", limit("m1", a.ID, clob.Buy, clob.Yes, 0, shares(10)), clob.RejectInvalidPrice},
		{"price one dollar", limit("m1", a.ID, clob.Buy, clob.Yes, 100, shares(10)), clob.RejectInvalidPrice},
		{"quantity zero", limit("m1", a.ID, clob.Buy, clob.Yes, 40, 0), clob.RejectInvalidQuantity},
		{"quantity off step", limit("m1", a.ID, clob.Buy, clob.Yes, 40, 150), clob.RejectInvalidQuantity},
		{"unknown user", limit("m1", "ghost", clob.Buy, clob.Yes, 40, shares(10)), clob.RejectUnknownUser},
	}
	for _, tc := range cases {
		_, err := ex.submit(tc.req)
		rej := clob.AsReject(err)
		require.NotNil(t, rej, tc.name)
		require.Equal(t, tc.code, rej.Code, tc.name)
	}

	_, err := ex.submit(limit("nope", a.ID, clob.Buy, clob.Yes, 40, shares(10)))
	rej := clob.AsReject(err)
	require.NotNil(t, rej)
	require.Equal(t, clob.RejectUnknownMarket, rej.Code)
}

// ============================================================================
// Market orders
// ============================================================================

func TestMarketOrderCeilingAndRefund(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	b := ex.user("bob")
	ex.market("m1")

	// B's NO bid at 0.65 rests as a YES ask at 0.35.
	ex.mustSubmit(limit("m1", b.ID, clob.Buy, clob.No, 65, shares(10)))

	res := ex.mustSubmit(SubmitRequest{
		MarketID: "m1", UserID: a.ID,
		Side: clob.Buy, Kind: clob.Market, Outcome: clob.Yes,
		Quantity: shares(10),
	})
	require.Equal(t, clob.StatusFilled, res.Order.Status)
	require.Len(t, res.Trades, 1)
	require.Equal(t, num.Price(35), res.Trades[0].Price)

	// Locked $10 at the $1.00 ceiling, spent $3.50, everything else back.
	bal := ex.balance(a.ID)
	require.Equal(t, num.Money(0), bal.Locked)
	require.Equal(t, testStarter-usd(350), bal.Available)
}

func TestMarketOrderInsufficientLiquidity(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	ex.market("m1")

	res := ex.mustSubmit(SubmitRequest{
		MarketID: "m1", UserID: a.ID,
		Side: clob.Buy, Kind: clob.Market, Outcome: clob.Yes,
		Quantity: shares(10),
	})
	require.Equal(t, clob.StatusCancelled, res.Order.Status)
	require.Equal(t, clob.CancelInsufficientLiquidity, res.Order.Reason)
	require.Empty(t, res.Trades)

	bal := ex.balance(a.ID)
	require.Equal(t, testStarter, bal.Available)
	require.Equal(t, num.Money(0), bal.Locked)
}

func TestMarketOrderPartialFill(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	b := ex.user("bob")
	ex.market("m1")

	ex.mustSubmit(limit("m1", b.ID, clob.Buy, clob.No, 65, shares(6)))

	res := ex.mustSubmit(SubmitRequest{
		MarketID: "m1", UserID: a.ID,
		Side: clob.Buy, Kind: clob.Market, Outcome: clob.Yes,
		Quantity: shares(10),
	})
	require.Equal(t, clob.StatusCancelled, res.Order.Status)
	require.Equal(t, clob.CancelInsufficientLiquidity, res.Order.Reason)
	require.Equal(t, shares(6), res.Order.Filled)

	bal := ex.balance(a.ID)
	require.Equal(t, num.Money(0), bal.Locked, "remainder escrow released")
	require.Equal(t, testStarter-usd(210), bal.Available, "6 shares at 0.35")
}

// ============================================================================
// Self-trade prevention
// ============================================================================

func TestSelfTradePrevention(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	b := ex.user("bob")
	ex.market("m1")

	// Give A 50 YES shares via a minted pair with B.
	ex.mustSubmit(limit("m1", a.ID, clob.Buy, clob.Yes, 50, shares(50)))
	ex.mustSubmit(limit("m1", b.ID, clob.Buy, clob.No, 50, shares(50)))

	sell := ex.mustSubmit(limit("m1", a.ID, clob.Sell, clob.Yes, 60, shares(50)))
	require.Equal(t, clob.StatusOpen, sell.Order.Status)

	// A's aggressive buy crosses A's own ask: it must skip it and rest.
	buy := ex.mustSubmit(limit("m1", a.ID, clob.Buy, clob.Yes, 65, shares(50)))
	require.Equal(t, clob.StatusOpen, buy.Order.Status)
	require.Empty(t, buy.Trades)

	// Both escrows held at once: $32.50 cash for the buy, 50 shares
	// committed for the sell.
	bal := ex.balance(a.ID)
	require.Equal(t, usd(3250), bal.Locked)
	pos := ex.mgr.Accounts().Position(a.ID, "m1", clob.Yes)
	require.Equal(t, shares(50), pos.Committed)

	snap, err := ex.mgr.Snapshot("m1", 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)
	require.Equal(t, num.Price(65), snap.Bids[0].Price)
	require.Equal(t, num.Price(60), snap.Asks[0].Price)

	stp := ex.envelopes(clob.EvtSelfTradePrevented)
	require.Len(t, stp, 1)
	payload, ok := stp[0].env.Payload.(clob.OrderPayload)
	require.True(t, ok)
	require.Equal(t, buy.Order.ID, payload.OrderID)
	require.Equal(t, sell.Order.ID, payload.CounterOrderID)
}

// ============================================================================
// Sell-side settlement: transfers and burns
// ============================================================================

// mintPairs crosses A's YES bid with B's NO buy so both hold 60 shares.
func mintPairs(ex *testExchange, marketID, aID, bID string) {
	ex.mustSubmit(limit(marketID, aID, clob.Buy, clob.Yes, 40, shares(60)))
	ex.mustSubmit(limit(marketID, bID, clob.Buy, clob.No, 60, shares(60)))
}

func TestSellTransfersShares(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	b := ex.user("bob")
	c := ex.user("carol")
	ex.market("m1")

	mintPairs(ex, "m1", a.ID, b.ID)

	// A resells 20 of her 60 YES at 0.55; C lifts the ask.
	sell := ex.mustSubmit(limit("m1", a.ID, clob.Sell, clob.Yes, 55, shares(20)))
	require.Equal(t, clob.StatusOpen, sell.Order.Status)
	require.Equal(t, shares(20), ex.mgr.Accounts().Position(a.ID, "m1", clob.Yes).Committed)

	buy := ex.mustSubmit(limit("m1", c.ID, clob.Buy, clob.Yes, 55, shares(20)))
	require.Equal(t, clob.StatusFilled, buy.Order.Status)
	require.Len(t, buy.Trades, 1)
	require.Equal(t, num.Price(55), buy.Trades[0].Price)

	// A: spent $24 on the mint, got $11 back for the resale. Basis drops
	// pro rata so the remaining 40 still average 0.40.
	balA := ex.balance(a.ID)
	require.Equal(t, testStarter-usd(2400)+usd(1100), balA.Available)
	posA := ex.mgr.Accounts().Position(a.ID, "m1", clob.Yes)
	require.Equal(t, shares(40), posA.Quantity)
	require.Zero(t, posA.Committed)
	require.Equal(t, num.Price(40), posA.AvgPrice())

	// C paid $11 for 20 YES at 0.55.
	balC := ex.balance(c.ID)
	require.Equal(t, num.Money(0), balC.Locked)
	require.Equal(t, testStarter-usd(1100), balC.Available)
	posC := ex.mgr.Accounts().Position(c.ID, "m1", clob.Yes)
	require.Equal(t, shares(20), posC.Quantity)
	require.Equal(t, num.Price(55), posC.AvgPrice())

	// A transfer moves shares without touching open interest.
	m, err := ex.mgr.Markets().Get("m1")
	require.NoError(t, err)
	require.Equal(t, int64(shares(60)), m.OpenInterest)

	total := ex.mgr.Accounts().TotalCash() + num.Payout(num.Quantity(m.OpenInterest))
	require.Equal(t, 4*testStarter, total, "admin + three traders")
}

func TestMatchedSellsBurnPair(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	b := ex.user("bob")
	ex.market("m1")

	mintPairs(ex, "m1", a.ID, b.ID)

	// A offers YES at 0.45; B's NO sell at 0.55 maps to a YES bid at 0.45
	// and crosses. Both sides surrender shares, so 30 pairs burn.
	ex.mustSubmit(limit("m1", a.ID, clob.Sell, clob.Yes, 45, shares(30)))
	res := ex.mustSubmit(limit("m1", b.ID, clob.Sell, clob.No, 55, shares(30)))
	require.Equal(t, clob.StatusFilled, res.Order.Status)
	require.Len(t, res.Trades, 1)
	require.Equal(t, num.Price(45), res.Trades[0].Price)
	require.Equal(t, shares(30), res.Trades[0].Quantity)

	// A receives 30 x 0.45 = $13.50; B receives the complement side,
	// 30 x 0.55 = $16.50. Together that is the $30 of burned collateral.
	balA := ex.balance(a.ID)
	require.Equal(t, testStarter-usd(2400)+usd(1350), balA.Available)
	posA := ex.mgr.Accounts().Position(a.ID, "m1", clob.Yes)
	require.Equal(t, shares(30), posA.Quantity)
	require.Equal(t, num.Price(40), posA.AvgPrice())

	balB := ex.balance(b.ID)
	require.Equal(t, testStarter-usd(3600)+usd(1650), balB.Available)
	posB := ex.mgr.Accounts().Position(b.ID, "m1", clob.No)
	require.Equal(t, shares(30), posB.Quantity)
	require.Equal(t, num.Price(60), posB.AvgPrice())

	m, err := ex.mgr.Markets().Get("m1")
	require.NoError(t, err)
	require.Equal(t, int64(shares(30)), m.OpenInterest)

	total := ex.mgr.Accounts().TotalCash() + num.Payout(num.Quantity(m.OpenInterest))
	require.Equal(t, 3*testStarter, total)
}

// ============================================================================
// Lifecycle: close, resolve, void
// ============================================================================

func TestCloseResolvePayout(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	b := ex.user("bob")
	ex.market("m1")

	// Mint 30 pairs: A holds 30 YES at 0.40, B holds 30 NO at 0.60.
	ex.mustSubmit(limit("m1", a.ID, clob.Buy, clob.Yes, 40, shares(30)))
	ex.mustSubmit(limit("m1", b.ID, clob.Buy, clob.No, 60, shares(30)))

	// A leaves a resting bid whose escrow must come back at resolution.
	ex.mustSubmit(limit("m1", a.ID, clob.Buy, clob.Yes, 30, shares(10)))

	require.NoError(t, ex.mgr.CloseMarket(ex.ctx, ex.admin.ID, "m1"))

	_, err := ex.submit(limit("m1", b.ID, clob.Buy, clob.No, 55, shares(5)))
	rej := clob.AsReject(err)
	require.NotNil(t, rej)
	require.Equal(t, clob.RejectMarketNotOpen, rej.Code)

	// Resting orders survive the close.
	snap, err := ex.mgr.Snapshot("m1", 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)

	require.NoError(t, ex.mgr.ResolveMarket(ex.ctx, ex.admin.ID, "m1", clob.Yes))

	m, err := ex.mgr.Markets().Get("m1")
	require.NoError(t, err)
	require.Equal(t, market.Resolved, m.Status)
	require.Equal(t, clob.Yes, *m.Outcome)
	require.Zero(t, m.OpenInterest)

	// A: paid $12 for 30 YES, won $30, resting escrow of $3 released.
	balA := ex.balance(a.ID)
	require.Equal(t, num.Money(0), balA.Locked)
	require.Equal(t, testStarter-usd(1200)+usd(3000), balA.Available)

	// B: paid $18 for 30 NO, got nothing back.
	balB := ex.balance(b.ID)
	require.Equal(t, testStarter-usd(1800), balB.Available)

	require.Zero(t, ex.mgr.Accounts().Position(a.ID, "m1", clob.Yes).Quantity)
	require.Zero(t, ex.mgr.Accounts().Position(b.ID, "m1", clob.No).Quantity)

	// Terminal market: no worker, but the book remains queryable (empty).
	snap, err = ex.mgr.Snapshot("m1", 10)
	require.NoError(t, err)
	require.Empty(t, snap.Bids)
	require.Empty(t, snap.Asks)

	_, err = ex.submit(limit("m1", a.ID, clob.Buy, clob.Yes, 40, shares(5)))
	rej = clob.AsReject(err)
	require.NotNil(t, rej)
	require.Equal(t, clob.RejectUnknownMarket, rej.Code)

	require.Len(t, ex.envelopes(clob.EvtMarketResolved), 1)

	// Winner payouts exactly consume the pair collateral.
	require.Equal(t, 3*testStarter, ex.mgr.Accounts().TotalCash())
}

func TestResolveRequiresClose(t *testing.T) {
	ex := newTestExchange(t)
	ex.user("alice")
	ex.market("m1")

	err := ex.mgr.ResolveMarket(ex.ctx, ex.admin.ID, "m1", clob.Yes)
	require.Error(t, err, "resolving an OPEN market must fail")

	m, _ := ex.mgr.Markets().Get("m1")
	require.Equal(t, market.Open, m.Status)
}

func TestAdminGate(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	ex.market("m1")

	err := ex.mgr.CloseMarket(ex.ctx, a.ID, "m1")
	rej := clob.AsReject(err)
	require.NotNil(t, rej)
	require.Equal(t, clob.RejectNotAdmin, rej.Code)

	_, err = ex.mgr.CreateMarket(ex.ctx, a.ID, "m2", "q", time.Now().Add(time.Hour))
	rej = clob.AsReject(err)
	require.NotNil(t, rej)
	require.Equal(t, clob.RejectNotAdmin, rej.Code)
}

func TestVoidZeroesPositionsWithoutPayout(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	b := ex.user("bob")
	ex.market("m1")

	// 30 pairs minted: A paid $12, B paid $18.
	ex.mustSubmit(limit("m1", a.ID, clob.Buy, clob.Yes, 40, shares(30)))
	ex.mustSubmit(limit("m1", b.ID, clob.Buy, clob.No, 60, shares(30)))

	// A resting bid whose $3 escrow must come back at the void.
	ex.mustSubmit(limit("m1", a.ID, clob.Buy, clob.Yes, 30, shares(10)))

	require.NoError(t, ex.mgr.VoidMarket(ex.ctx, ex.admin.ID, "m1"))

	m, err := ex.mgr.Markets().Get("m1")
	require.NoError(t, err)
	require.Equal(t, market.Cancelled, m.Status)
	require.Zero(t, m.OpenInterest)

	// Escrow released, but the shares themselves are worthless: no
	// settlement credit on either side.
	balA := ex.balance(a.ID)
	require.Equal(t, num.Money(0), balA.Locked)
	require.Equal(t, testStarter-usd(1200), balA.Available)
	balB := ex.balance(b.ID)
	require.Equal(t, testStarter-usd(1800), balB.Available)

	require.Zero(t, ex.mgr.Accounts().Position(a.ID, "m1", clob.Yes).Quantity)
	require.Zero(t, ex.mgr.Accounts().Position(b.ID, "m1", clob.No).Quantity)

	// The $30 of pair collateral the void destroyed never returns.
	require.Equal(t, 3*testStarter-usd(3000), ex.mgr.Accounts().TotalCash())
	require.Len(t, ex.envelopes(clob.EvtMarketCancelled), 1)
}

// ============================================================================
// Crash recovery
// ============================================================================

func TestRestartRebuildsBook(t *testing.T) {
	dir := t.TempDir()

	ex := newTestExchangeAt(t, dir)
	a := ex.user("alice")
	b := ex.user("bob")
	ex.market("m1")

	ex.mustSubmit(limit("m1", a.ID, clob.Buy, clob.Yes, 40, shares(80)))
	ex.mustSubmit(limit("m1", b.ID, clob.Buy, clob.No, 65, shares(60)))
	seqBefore, err := ex.store.LastSequence("m1")
	require.NoError(t, err)
	require.NoError(t, ex.closeStore())

	ex2 := newTestExchangeAt(t, dir)

	snap, err := ex2.mgr.Snapshot("m1", 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	require.Equal(t, num.Price(40), snap.Bids[0].Price)
	require.Equal(t, shares(20), snap.Bids[0].Quantity)
	require.Equal(t, num.Price(40), snap.LastPrice)
	require.Equal(t, seqBefore, snap.Sequence)

	balA, err := ex2.mgr.Accounts().BalanceOf(a.ID)
	require.NoError(t, err)
	require.Equal(t, usd(800), balA.Locked)

	// The rebuilt book trades exactly like the original.
	c := ex2.user("carol")
	res2, err := ex2.mgr.Submit(ex2.ctx, SubmitRequest{
		MarketID: "m1", UserID: c.ID,
		Side: clob.Buy, Kind: clob.Market, Outcome: clob.No,
		Quantity: shares(20),
	})
	require.NoError(t, err)
	require.Equal(t, clob.StatusFilled, res2.Order.Status)
	require.Equal(t, num.Price(40), res2.Trades[0].Price)
}

// ============================================================================
// Cross-market concurrency
// ============================================================================

// Two markets settle in parallel with invariant checking on. A checker in
// one worker must never observe the other worker mid-settlement, so no
// submit may fail and no worker may halt.
func TestConcurrentMarketsConserve(t *testing.T) {
	ex := newTestExchange(t)
	a := ex.user("alice")
	b := ex.user("bob")
	ex.market("m1")
	ex.market("m2")

	const rounds = 25
	var wg sync.WaitGroup
	errs := make(chan error, 4*rounds)
	mint := func(marketID string) {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if _, err := ex.submit(limit(marketID, a.ID, clob.Buy, clob.Yes, 40, shares(1))); err != nil {
				errs <- err
				return
			}
			if _, err := ex.submit(limit(marketID, b.ID, clob.Buy, clob.No, 60, shares(1))); err != nil {
				errs <- err
				return
			}
		}
	}
	wg.Add(2)
	go mint("m1")
	go mint("m2")
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	m1, err := ex.mgr.Markets().Get("m1")
	require.NoError(t, err)
	m2, err := ex.mgr.Markets().Get("m2")
	require.NoError(t, err)
	require.Equal(t, int64(shares(rounds)), m1.OpenInterest)
	require.Equal(t, int64(shares(rounds)), m2.OpenInterest)

	collateral := num.Payout(num.Quantity(m1.OpenInterest + m2.OpenInterest))
	require.Equal(t, 3*testStarter, ex.mgr.Accounts().TotalCash()+collateral)
}
