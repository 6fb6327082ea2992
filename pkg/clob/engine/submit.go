package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flipside-exchange/flipside/pkg/clob"
	"github.com/flipside-exchange/flipside/pkg/clob/book"
	"github.com/flipside-exchange/flipside/pkg/clob/ledger"
	"github.com/flipside-exchange/flipside/pkg/num"
)

// ownPrice translates a YES-space execution price into the order's own
// outcome space.
func ownPrice(o *clob.Order, yes num.Price) num.Price {
	if o.Outcome == clob.Yes {
		return yes
	}
	return yes.Complement()
}

// lockPrice is the own-space price a funds-backed order escrows at: the
// limit price, or the $1.00 ceiling for market buys.
func lockPrice(o *clob.Order) num.Price {
	if o.Kind == clob.Market {
		return num.PriceScale
	}
	return o.Price
}

func evPayload(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// commitCtx accumulates the effect of one command: staged ledger rows,
// envelopes to publish after the commit, and the book levels whose
// aggregates changed.
type commitCtx struct {
	txn     *ledger.Txn
	envs    []envOut
	touched map[clob.BookSide]map[num.Price]struct{}
	users   map[string]struct{}
	now     time.Time
}

type envOut struct {
	topic string
	env   *clob.Envelope
}

func (e *MarketEngine) newCommit() *commitCtx {
	return &commitCtx{
		txn: e.mgr.store.NewTxn(),
		touched: map[clob.BookSide]map[num.Price]struct{}{
			clob.Bid: {},
			clob.Ask: {},
		},
		users: make(map[string]struct{}),
		now:   time.Now().UTC(),
	}
}

func (c *commitCtx) touch(s clob.BookSide, p num.Price) { c.touched[s][p] = struct{}{} }

func (c *commitCtx) queue(topic string, env *clob.Envelope) {
	c.envs = append(c.envs, envOut{topic: topic, env: env})
}

// event appends an OrderEvent row and returns its sequence.
func (e *MarketEngine) event(c *commitCtx, seq uint64, o *clob.Order, kind clob.EventKind, payload any) {
	c.txn.PutEvent(&clob.OrderEvent{
		OrderID:   o.ID,
		Kind:      kind,
		Sequence:  seq,
		MarketID:  e.mkt.ID,
		UserID:    o.UserID,
		Payload:   evPayload(payload),
		CreatedAt: c.now,
	})
}

// orderEnv queues a user-channel envelope for an order transition.
func (e *MarketEngine) orderEnv(c *commitCtx, typ clob.EventType, o *clob.Order, counterID string) {
	seq := e.mgr.nextUserSeq(o.UserID)
	c.txn.PutUserSequence(o.UserID, seq)
	c.users[o.UserID] = struct{}{}
	c.queue(clob.TopicUserOrders(o.UserID), &clob.Envelope{
		Type:      typ,
		MarketID:  e.mkt.ID,
		UserID:    o.UserID,
		Sequence:  seq,
		Timestamp: c.now,
		Payload: clob.OrderPayload{
			Type:           typ,
			OrderID:        o.ID,
			MarketID:       o.MarketID,
			Status:         o.Status,
			Filled:         o.Filled,
			Remaining:      o.Remaining(),
			Reason:         o.Reason,
			CounterOrderID: counterID,
		},
	})
}

// balanceEnvs queues a balance envelope for every user the commit touched
// and stages the final balance and position rows.
func (e *MarketEngine) balanceEnvs(c *commitCtx) {
	for uid := range c.users {
		if b := e.mgr.accounts.SnapshotBalance(uid); b != nil {
			c.txn.PutBalance(b)
			seq := e.mgr.nextUserSeq(uid)
			c.txn.PutUserSequence(uid, seq)
			c.queue(clob.TopicUserBalance(uid), &clob.Envelope{
				Type:      clob.EvtBalanceUpdated,
				UserID:    uid,
				Sequence:  seq,
				Timestamp: c.now,
				Payload:   clob.BalancePayload{Available: b.Available, Locked: b.Locked},
			})
		}
	}
}

func (e *MarketEngine) stagePosition(c *commitCtx, userID string, outcome clob.Outcome) {
	if p := e.mgr.accounts.SnapshotPosition(userID, e.mkt.ID, outcome); p != nil {
		c.txn.PutPosition(p)
	}
}

// finish commits the staged transaction, applies deferred book mutations,
// verifies conservation and publishes. A commit failure halts the worker:
// in-memory state has already advanced and only a ledger-driven rebuild
// can reconcile it.
func (e *MarketEngine) finish(c *commitCtx, mutateBook func()) error {
	c.txn.PutSequence(e.mkt.ID, e.seq.Load())
	if err := c.txn.Commit(); err != nil {
		e.halt(fmt.Errorf("ledger commit: %w", err))
		return fmt.Errorf("ledger commit failed: %w", err)
	}
	if mutateBook != nil {
		mutateBook()
	}
	if e.mgr.opts.CheckInvariants {
		if err := e.mgr.checkConservation(); err != nil {
			e.halt(err)
			return err
		}
	}

	// Book delta for the levels this commit touched, post-mutation.
	var levels []clob.BookLevelDelta
	for side, prices := range c.touched {
		for p := range prices {
			levels = append(levels, e.book.LevelAt(side, p))
		}
	}
	if len(levels) > 0 {
		c.queue(clob.TopicMarketBook(e.mkt.ID), &clob.Envelope{
			Type:      clob.EvtBookDelta,
			MarketID:  e.mkt.ID,
			Sequence:  e.seq.Load(),
			Timestamp: c.now,
			Payload:   clob.BookDeltaPayload{Levels: levels},
		})
	}
	if e.mgr.publish != nil {
		for _, out := range c.envs {
			e.mgr.publish(out.topic, out.env)
		}
	}
	return nil
}

// ============================================================================
// Submit
// ============================================================================

func (e *MarketEngine) processSubmit(req SubmitRequest) (*SubmitResult, error) {
	if e.halted.Load() {
		return nil, errHalted
	}
	if !e.mkt.AcceptsOrders() {
		return nil, clob.Rejectf(clob.RejectMarketNotOpen, "market %s is %s", e.mkt.ID, e.mkt.Status)
	}
	if e.mgr.accounts.User(req.UserID) == nil {
		return nil, clob.Rejectf(clob.RejectUnknownUser, "unknown user %s", req.UserID)
	}
	if req.Quantity <= 0 || !req.Quantity.Aligned() {
		return nil, clob.Rejectf(clob.RejectInvalidQuantity, "quantity %s must be a positive multiple of %s", req.Quantity, num.QtyStep)
	}
	price := req.Price
	if req.Kind == clob.Market {
		if req.Side == clob.Buy {
			price = num.MarketBuyPrice
		} else {
			price = num.MarketSellPrice
		}
	} else if !price.Valid() {
		return nil, clob.Rejectf(clob.RejectInvalidPrice, "price %s outside [%s, %s]", price, num.MinPrice, num.MaxPrice)
	}

	now := time.Now().UTC()
	o := &clob.Order{
		ID:        uuid.NewString(),
		MarketID:  e.mkt.ID,
		UserID:    req.UserID,
		Side:      req.Side,
		Kind:      req.Kind,
		Outcome:   req.Outcome,
		Price:     price,
		Quantity:  req.Quantity,
		Status:    clob.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Escrow before matching. A failed reservation rejects the order with
	// no ledger footprint.
	if o.FundsBacked() {
		if err := e.mgr.accounts.Lock(o.UserID, num.Cost(o.Quantity, lockPrice(o))); err != nil {
			e.rejected(o, err)
			return nil, err
		}
	} else {
		if err := e.mgr.accounts.CommitShares(o.UserID, o.MarketID, o.Outcome, o.Quantity); err != nil {
			e.rejected(o, err)
			return nil, err
		}
	}

	fills, selfSkipped := e.book.Match(o.UserID, o.BookSide(), o.BookPrice(), o.Quantity)

	c := e.newCommit()
	c.now = now

	e.event(c, e.nextSeq(), o, clob.EvCreated, clob.OrderPayload{
		OrderID: o.ID, MarketID: o.MarketID, Status: clob.StatusOpen,
		Filled: 0, Remaining: o.Quantity,
	})

	for _, skipped := range selfSkipped {
		e.event(c, e.nextSeq(), o, clob.EvSelfTradePrevented, clob.OrderPayload{
			OrderID: o.ID, MarketID: o.MarketID, CounterOrderID: skipped.ID,
		})
		e.orderEnv(c, clob.EvtSelfTradePrevented, o, skipped.ID)
	}

	trades, err := e.applyFills(c, o, fills)
	if err != nil {
		e.halt(err)
		return nil, fmt.Errorf("settlement failed: %w", err)
	}

	// Final taker state.
	switch {
	case o.Remaining() == 0:
		o.Status = clob.StatusFilled
		e.event(c, e.nextSeq(), o, clob.EvFilled, nil)
		e.orderEnv(c, clob.EvtOrderFilled, o, "")
	case o.Kind == clob.Market:
		// Market remainder cancels; unwind the remaining escrow.
		if err := e.releaseEscrow(o); err != nil {
			e.halt(err)
			return nil, fmt.Errorf("escrow release failed: %w", err)
		}
		o.Status = clob.StatusCancelled
		o.Reason = clob.CancelInsufficientLiquidity
		e.event(c, e.nextSeq(), o, clob.EvCancelled, clob.OrderPayload{
			OrderID: o.ID, MarketID: o.MarketID, Reason: o.Reason,
		})
		e.orderEnv(c, clob.EvtOrderCancelled, o, "")
	case len(fills) > 0:
		o.Status = clob.StatusPartial
		e.event(c, e.nextSeq(), o, clob.EvPartialFill, nil)
		e.orderEnv(c, clob.EvtOrderPartial, o, "")
	default:
		o.Status = clob.StatusOpen
		e.orderEnv(c, clob.EvtOrderCreated, o, "")
	}
	o.UpdatedAt = c.now
	c.users[o.UserID] = struct{}{}
	c.txn.PutOrder(o)
	if !o.FundsBacked() {
		e.stagePosition(c, o.UserID, o.Outcome)
	}
	e.balanceEnvs(c)

	resting := !o.Status.Terminal()
	if resting {
		c.touch(o.BookSide(), o.BookPrice())
	}
	err = e.finish(c, func() {
		for _, f := range fills {
			if f.Maker.Remaining() == 0 {
				e.book.Remove(f.Maker.ID)
			}
		}
		if len(trades) > 0 {
			e.book.SetLastPrice(trades[len(trades)-1].Price)
		}
		if resting {
			e.book.Insert(o, o.CreatedAt)
		}
	})
	if err != nil {
		return nil, err
	}

	if e.mgr.metrics != nil {
		e.mgr.metrics.OrderAccepted(e.mkt.ID, o.Side.String(), o.Kind.String())
		for _, t := range trades {
			e.mgr.metrics.TradeExecuted(e.mkt.ID, int64(t.Quantity))
		}
	}
	e.log.Debug("order processed",
		zap.String("order", o.ID),
		zap.String("status", o.Status.String()),
		zap.Int("trades", len(trades)))
	return &SubmitResult{Order: o, Trades: trades}, nil
}

// applyFills settles each fill against the ledger and the in-memory
// accounts. Maker orders are mutated here; their book entries are pruned
// after the commit. settleMu is held for the whole batch: cash leaves the
// spenders before the open-interest bump lands, and no conservation check
// may run inside that window.
func (e *MarketEngine) applyFills(c *commitCtx, taker *clob.Order, fills []book.Fill) ([]*clob.Trade, error) {
	e.mgr.settleMu.Lock()
	defer e.mgr.settleMu.Unlock()

	var trades []*clob.Trade
	var oiDelta num.Quantity

	for _, f := range fills {
		maker := f.Maker
		seq := e.nextSeq()

		if err := e.settleSide(taker, f.Price, f.Quantity); err != nil {
			return nil, fmt.Errorf("taker %s: %w", taker.ID, err)
		}
		if err := e.settleSide(maker, f.Price, f.Quantity); err != nil {
			return nil, fmt.Errorf("maker %s: %w", maker.ID, err)
		}

		// Two buys mint a collateralized share pair, two sells burn one,
		// a mixed pairing just transfers shares.
		switch {
		case taker.FundsBacked() && maker.FundsBacked():
			oiDelta += f.Quantity
		case !taker.FundsBacked() && !maker.FundsBacked():
			oiDelta -= f.Quantity
		}

		taker.Filled += f.Quantity
		maker.Filled += f.Quantity
		maker.UpdatedAt = c.now
		if maker.Remaining() == 0 {
			maker.Status = clob.StatusFilled
		} else {
			maker.Status = clob.StatusPartial
		}

		t := e.newTrade(taker, maker, f, seq, c.now)
		trades = append(trades, t)
		c.txn.PutTrade(t)
		c.txn.PutOrder(maker)
		c.users[maker.UserID] = struct{}{}
		c.touch(maker.BookSide(), f.Price)

		e.stagePosition(c, taker.UserID, taker.Outcome)
		e.stagePosition(c, maker.UserID, maker.Outcome)

		e.event(c, seq, taker, clob.EvTrade, t)
		makerKind := clob.EvPartialFill
		makerType := clob.EvtOrderPartial
		if maker.Status == clob.StatusFilled {
			makerKind = clob.EvFilled
			makerType = clob.EvtOrderFilled
		}
		e.event(c, e.nextSeq(), maker, makerKind, clob.OrderPayload{
			OrderID: maker.ID, MarketID: maker.MarketID, Status: maker.Status,
			Filled: maker.Filled, Remaining: maker.Remaining(),
		})
		e.orderEnv(c, makerType, maker, "")

		c.queue(clob.TopicMarketTrades(e.mkt.ID), &clob.Envelope{
			Type:      clob.EvtTrade,
			MarketID:  e.mkt.ID,
			Sequence:  seq,
			Timestamp: c.now,
			Payload:   clob.TradePayload{TradeID: t.ID, Price: t.Price, Quantity: t.Quantity},
		})
	}

	if oiDelta != 0 {
		e.mkt.OpenInterest += int64(oiDelta)
		c.txn.PutMarket(e.mkt)
	}
	return trades, nil
}

// settleSide applies one fill to one participant: buyers spend locked
// cash (refunding any price improvement against their escrow price) and
// receive shares; sellers surrender committed shares and receive cash.
func (e *MarketEngine) settleSide(o *clob.Order, yes num.Price, qty num.Quantity) error {
	acc := e.mgr.accounts
	own := ownPrice(o, yes)
	if o.FundsBacked() {
		spend := num.Cost(qty, own)
		if err := acc.SpendLocked(o.UserID, spend); err != nil {
			return err
		}
		if refund := num.Cost(qty, lockPrice(o)) - spend; refund > 0 {
			if err := acc.Unlock(o.UserID, refund); err != nil {
				return err
			}
		}
		acc.AddShares(o.UserID, o.MarketID, o.Outcome, qty, spend)
		return nil
	}
	if _, err := acc.RemoveCommittedShares(o.UserID, o.MarketID, o.Outcome, qty); err != nil {
		return err
	}
	return acc.Credit(o.UserID, num.Cost(qty, own))
}

// newTrade builds the trade record. The buy side is always the YES-long
// (bid) participant; the id derives from the sequence so a replayed
// command produces the identical trade.
func (e *MarketEngine) newTrade(taker, maker *clob.Order, f book.Fill, seq uint64, now time.Time) *clob.Trade {
	buy, sell := taker, maker
	if taker.BookSide() == clob.Ask {
		buy, sell = maker, taker
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d", e.mkt.ID, seq)))
	return &clob.Trade{
		ID:          id.String(),
		MarketID:    e.mkt.ID,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.UserID,
		SellerID:    sell.UserID,
		Price:       f.Price,
		Quantity:    f.Quantity,
		Sequence:    seq,
		CreatedAt:   now,
	}
}

// releaseEscrow returns the backing for an order's unfilled remainder.
func (e *MarketEngine) releaseEscrow(o *clob.Order) error {
	if o.Remaining() == 0 {
		return nil
	}
	if o.FundsBacked() {
		return e.mgr.accounts.Unlock(o.UserID, num.Cost(o.Remaining(), lockPrice(o)))
	}
	return e.mgr.accounts.ReleaseShares(o.UserID, o.MarketID, o.Outcome, o.Remaining())
}

// rejected records the refusal in the audit log. No order row, no balance
// movement, no broadcast: only the REJECTED entry scoped to the user.
func (e *MarketEngine) rejected(o *clob.Order, cause error) {
	code := "INTERNAL"
	if r := clob.AsReject(cause); r != nil {
		code = string(r.Code)
	}
	txn := e.mgr.store.NewTxn()
	txn.PutEvent(&clob.OrderEvent{
		OrderID:   o.ID,
		Kind:      clob.EvRejected,
		Sequence:  e.nextSeq(),
		MarketID:  e.mkt.ID,
		UserID:    o.UserID,
		Payload:   evPayload(map[string]string{"code": code}),
		CreatedAt: time.Now().UTC(),
	})
	txn.PutSequence(e.mkt.ID, e.seq.Load())
	if err := txn.Commit(); err != nil {
		e.log.Warn("reject audit append failed", zap.Error(err))
	}
	if e.mgr.metrics != nil {
		e.mgr.metrics.OrderRejected(e.mkt.ID, code)
	}
	e.log.Debug("order rejected", zap.String("user", o.UserID), zap.Error(cause))
}

// ============================================================================
// Cancel
// ============================================================================

func (e *MarketEngine) processCancel(orderID, userID string, reason clob.CancelReason) (*clob.Order, error) {
	if e.halted.Load() {
		return nil, errHalted
	}
	o := e.book.Get(orderID)
	if o == nil {
		stored, err := e.mgr.store.LoadOrder(e.mkt.ID, orderID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, clob.Rejectf(clob.RejectUnknownOrder, "order %s not found", orderID)
		}
		if reason == clob.CancelUserRequest && stored.UserID != userID {
			return nil, clob.Rejectf(clob.RejectNotOwner, "order %s belongs to another user", orderID)
		}
		// Cancelling an already-cancelled order is a no-op that reports
		// the final state. Only FILLED refuses.
		if stored.Status == clob.StatusCancelled {
			return stored, nil
		}
		return nil, clob.Rejectf(clob.RejectNotCancellable, "order %s is %s", orderID, stored.Status)
	}
	if reason == clob.CancelUserRequest && o.UserID != userID {
		return nil, clob.Rejectf(clob.RejectNotOwner, "order %s belongs to another user", orderID)
	}

	c := e.newCommit()
	if err := e.cancelResting(c, o, reason); err != nil {
		e.halt(err)
		return nil, fmt.Errorf("escrow release failed: %w", err)
	}
	e.balanceEnvs(c)

	err := e.finish(c, func() { e.book.Remove(o.ID) })
	if err != nil {
		return nil, err
	}
	if e.mgr.metrics != nil {
		e.mgr.metrics.OrderCancelled(e.mkt.ID, string(reason))
	}
	return o, nil
}

// cancelResting stages the cancellation of a live book order: escrow back,
// terminal status, event and user envelope. The caller removes the book
// entry after the commit.
func (e *MarketEngine) cancelResting(c *commitCtx, o *clob.Order, reason clob.CancelReason) error {
	if err := e.releaseEscrow(o); err != nil {
		return err
	}
	o.Status = clob.StatusCancelled
	o.Reason = reason
	o.UpdatedAt = c.now
	c.txn.PutOrder(o)
	c.users[o.UserID] = struct{}{}
	if !o.FundsBacked() {
		e.stagePosition(c, o.UserID, o.Outcome)
	}
	c.touch(o.BookSide(), o.BookPrice())

	e.event(c, e.nextSeq(), o, clob.EvCancelled, clob.OrderPayload{
		OrderID: o.ID, MarketID: o.MarketID, Reason: reason,
	})
	e.orderEnv(c, clob.EvtOrderCancelled, o, "")
	return nil
}
