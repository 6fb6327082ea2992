package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flipside-exchange/flipside/pkg/clob"
	"github.com/flipside-exchange/flipside/pkg/num"
)

func nowUTC() time.Time { return time.Now().UTC() }

func (e *MarketEngine) processClose() error {
	if e.halted.Load() {
		return errHalted
	}
	e.mgr.settleMu.Lock()
	err := e.mkt.Close()
	e.mgr.settleMu.Unlock()
	if err != nil {
		return clob.Rejectf(clob.RejectMarketNotOpen, "%s", err)
	}

	c := e.newCommit()
	c.txn.PutMarket(e.mkt)
	seq := e.nextSeq()
	c.queue(clob.TopicMarketBook(e.mkt.ID), &clob.Envelope{
		Type:      clob.EvtMarketClosed,
		MarketID:  e.mkt.ID,
		Sequence:  seq,
		Timestamp: c.now,
		Payload:   clob.MarketPayload{Type: clob.EvtMarketClosed},
	})
	if err := e.finish(c, nil); err != nil {
		return err
	}
	e.log.Info("market closed", zap.Int("resting", e.book.Size()))
	return nil
}

// processResolve settles a closed market: every resting order is
// cancelled with its escrow returned, each winning share pays $1.00, and
// all positions clear. The payout total equals the open-interest
// collateral exactly, so conservation holds through resolution. settleMu
// spans the status flip through the last credit: once RESOLVED drops this
// market's collateral from the conservation sum, the offsetting payouts
// must already be visible to any checker.
func (e *MarketEngine) processResolve(outcome clob.Outcome) error {
	if e.halted.Load() {
		return errHalted
	}
	e.mgr.settleMu.Lock()
	if err := e.mkt.Resolve(outcome, nowUTC()); err != nil {
		e.mgr.settleMu.Unlock()
		return clob.Rejectf(clob.RejectMarketNotOpen, "%s", err)
	}

	c := e.newCommit()
	if err := e.cancelAllResting(c); err != nil {
		e.mgr.settleMu.Unlock()
		e.halt(err)
		return fmt.Errorf("resolution cancel sweep failed: %w", err)
	}

	var paid num.Money
	var holders int
	for _, p := range e.mgr.accounts.MarketPositions(e.mkt.ID) {
		qty := e.mgr.accounts.ClearPosition(p.UserID, e.mkt.ID, clob.Outcome(p.Outcome))
		if clob.Outcome(p.Outcome) == outcome && qty > 0 {
			payout := num.Payout(qty)
			if err := e.mgr.accounts.Credit(p.UserID, payout); err != nil {
				e.mgr.settleMu.Unlock()
				e.halt(err)
				return fmt.Errorf("payout failed: %w", err)
			}
			paid += payout
		}
		e.stagePosition(c, p.UserID, clob.Outcome(p.Outcome))
		c.users[p.UserID] = struct{}{}
		holders++
	}

	e.mkt.OpenInterest = 0
	e.mgr.settleMu.Unlock()
	c.txn.PutMarket(e.mkt)
	e.balanceEnvs(c)

	seq := e.nextSeq()
	c.queue(clob.TopicMarketBook(e.mkt.ID), &clob.Envelope{
		Type:      clob.EvtMarketResolved,
		MarketID:  e.mkt.ID,
		Sequence:  seq,
		Timestamp: c.now,
		Payload:   clob.MarketPayload{Type: clob.EvtMarketResolved, Outcome: &outcome},
	})

	if err := e.finish(c, e.clearBook); err != nil {
		return err
	}
	if e.mgr.metrics != nil {
		e.mgr.metrics.MarketResolved(e.mkt.ID)
	}
	e.log.Info("market resolved",
		zap.String("outcome", outcome.String()),
		zap.Int("positions", holders),
		zap.String("paid", paid.String()))
	return nil
}

// processVoid cancels the market. Resting escrow comes back, but shares
// become worthless: positions are zeroed with no settlement credit, and
// the conservation target drops by the collateral the voided pairs held.
func (e *MarketEngine) processVoid() error {
	if e.halted.Load() {
		return errHalted
	}
	e.mgr.settleMu.Lock()
	if err := e.mkt.Cancel(); err != nil {
		e.mgr.settleMu.Unlock()
		return clob.Rejectf(clob.RejectMarketNotOpen, "%s", err)
	}
	unwound := num.Payout(num.Quantity(e.mkt.OpenInterest))

	c := e.newCommit()
	if err := e.cancelAllResting(c); err != nil {
		e.mgr.settleMu.Unlock()
		e.halt(err)
		return fmt.Errorf("void cancel sweep failed: %w", err)
	}

	for _, p := range e.mgr.accounts.MarketPositions(e.mkt.ID) {
		e.mgr.accounts.ClearPosition(p.UserID, e.mkt.ID, clob.Outcome(p.Outcome))
		e.stagePosition(c, p.UserID, clob.Outcome(p.Outcome))
		c.users[p.UserID] = struct{}{}
	}

	e.mkt.OpenInterest = 0
	e.mgr.expectedCash -= unwound
	e.mgr.settleMu.Unlock()
	c.txn.PutMarket(e.mkt)
	e.balanceEnvs(c)

	seq := e.nextSeq()
	c.queue(clob.TopicMarketBook(e.mkt.ID), &clob.Envelope{
		Type:      clob.EvtMarketCancelled,
		MarketID:  e.mkt.ID,
		Sequence:  seq,
		Timestamp: c.now,
		Payload:   clob.MarketPayload{Type: clob.EvtMarketCancelled},
	})

	if err := e.finish(c, e.clearBook); err != nil {
		return err
	}
	e.log.Info("market voided")
	return nil
}

// cancelAllResting sweeps every live order off the book at termination,
// releasing its escrow. Runs inside the worker so no order can slip in
// between the sweep and the lifecycle transition.
func (e *MarketEngine) cancelAllResting(c *commitCtx) error {
	for _, o := range e.book.Resting() {
		if err := e.cancelResting(c, o, clob.CancelMarketClosed); err != nil {
			return err
		}
	}
	return nil
}

func (e *MarketEngine) clearBook() {
	for _, o := range e.book.Resting() {
		e.book.Remove(o.ID)
	}
}
