package engine

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/flipside-exchange/flipside/pkg/clob"
	"github.com/flipside-exchange/flipside/pkg/clob/book"
	"github.com/flipside-exchange/flipside/pkg/clob/market"
	"github.com/flipside-exchange/flipside/pkg/num"
)

// SubmitRequest is one order command. Price is in the order's own outcome
// space and ignored for market orders.
type SubmitRequest struct {
	MarketID string
	UserID   string
	Side     clob.Side
	Kind     clob.Kind
	Outcome  clob.Outcome
	Price    num.Price
	Quantity num.Quantity
}

// SubmitResult reports the accepted order and any trades it produced.
type SubmitResult struct {
	Order  *clob.Order
	Trades []*clob.Trade
}

// BookSnapshot is a consistent view of one market's book.
type BookSnapshot struct {
	MarketID  string           `json:"market_id"`
	Sequence  uint64           `json:"sequence"`
	Bids      []book.LevelView `json:"bids"`
	Asks      []book.LevelView `json:"asks"`
	LastPrice num.Price        `json:"last_price,omitempty"`
}

// MarketEngine is the single writer for one market. All mutation flows
// through cmdCh into the run loop; nothing else touches the book, the
// market entity, or this market's slice of the ledger.
type MarketEngine struct {
	mgr    *Manager
	log    *zap.Logger
	mkt    *market.Market
	book   *book.Book
	seq    atomic.Uint64
	cmdCh  chan command
	halted atomic.Bool
}

func newMarketEngine(mgr *Manager, mkt *market.Market) (*MarketEngine, error) {
	e := &MarketEngine{
		mgr:   mgr,
		log:   mgr.log.With(zap.String("market", mkt.ID)),
		mkt:   mkt,
		book:  book.New(),
		cmdCh: make(chan command, mgr.opts.CommandBuffer),
	}

	orders, err := mgr.store.LoadOpenOrders(mkt.ID)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		e.book.Insert(o, o.CreatedAt)
	}
	seq, err := mgr.store.LastSequence(mkt.ID)
	if err != nil {
		return nil, err
	}
	e.seq.Store(seq)

	if trades, err := mgr.store.RecentTrades(mkt.ID, 1); err == nil && len(trades) > 0 {
		e.book.SetLastPrice(trades[0].Price)
	}

	e.log.Info("market worker ready", zap.Int("resting", len(orders)), zap.Uint64("seq", seq))
	return e, nil
}

func (e *MarketEngine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

func (e *MarketEngine) nextSeq() uint64 { return e.seq.Add(1) }

// halt marks the worker poisoned after a commit failure or invariant
// violation. Every later command is refused; the book may no longer match
// the ledger, so only a restart (which rebuilds from the ledger) recovers.
func (e *MarketEngine) halt(err error) {
	e.halted.Store(true)
	if e.mgr.metrics != nil {
		e.mgr.metrics.EngineHalted(e.mkt.ID)
	}
	e.log.Error("market worker halted", zap.Error(err))
}

var errHalted = clob.Rejectf(clob.RejectLedgerConflict, "market worker halted, restart required")

// ============================================================================
// Commands
// ============================================================================

type command interface{ exec(e *MarketEngine) }

type submitCmd struct {
	req SubmitRequest
	ch  chan<- submitReply
}

type submitReply struct {
	res *SubmitResult
	err error
}

type cancelCmd struct {
	orderID string
	userID  string
	ch      chan<- cancelReply
}

type cancelReply struct {
	order *clob.Order
	err   error
}

type closeCmd struct{ ch chan<- error }

type resolveCmd struct {
	outcome clob.Outcome
	ch      chan<- error
}

type voidCmd struct{ ch chan<- error }

func (c submitCmd) exec(e *MarketEngine) {
	res, err := e.processSubmit(c.req)
	c.ch <- submitReply{res: res, err: err}
}

func (c cancelCmd) exec(e *MarketEngine) {
	o, err := e.processCancel(c.orderID, c.userID, clob.CancelUserRequest)
	c.ch <- cancelReply{order: o, err: err}
}

func (c closeCmd) exec(e *MarketEngine)   { c.ch <- e.processClose() }
func (c resolveCmd) exec(e *MarketEngine) { c.ch <- e.processResolve(c.outcome) }
func (c voidCmd) exec(e *MarketEngine)    { c.ch <- e.processVoid() }

func (e *MarketEngine) send(ctx context.Context, cmd command) error {
	if e.halted.Load() {
		return errHalted
	}
	select {
	case e.cmdCh <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues an order command and waits for the worker's reply.
func (e *MarketEngine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ch := make(chan submitReply, 1)
	if err := e.send(ctx, submitCmd{req: req, ch: ch}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *MarketEngine) Cancel(ctx context.Context, userID, orderID string) (*clob.Order, error) {
	ch := make(chan cancelReply, 1)
	if err := e.send(ctx, cancelCmd{orderID: orderID, userID: userID, ch: ch}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.order, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *MarketEngine) Close(ctx context.Context) error {
	ch := make(chan error, 1)
	if err := e.send(ctx, closeCmd{ch: ch}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *MarketEngine) Resolve(ctx context.Context, outcome clob.Outcome) error {
	ch := make(chan error, 1)
	if err := e.send(ctx, resolveCmd{outcome: outcome, ch: ch}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *MarketEngine) Void(ctx context.Context) error {
	ch := make(chan error, 1)
	if err := e.send(ctx, voidCmd{ch: ch}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot reads the book without entering the command queue; the book
// carries its own lock and every level it shows was committed.
func (e *MarketEngine) Snapshot(depth int) *BookSnapshot {
	if depth <= 0 || depth > e.mgr.opts.SnapshotDepth {
		depth = e.mgr.opts.SnapshotDepth
	}
	bids, asks := e.book.Snapshot(depth)
	return &BookSnapshot{
		MarketID:  e.mkt.ID,
		Sequence:  e.seq.Load(),
		Bids:      bids,
		Asks:      asks,
		LastPrice: e.book.LastPrice(),
	}
}
