package book

import (
	"testing"
	"time"

	"github.com/flipside-exchange/flipside/pkg/clob"
	"github.com/flipside-exchange/flipside/pkg/num"
)

var testTime = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func limitOrder(id, user string, side clob.Side, outcome clob.Outcome, price num.Price, qty num.Quantity) *clob.Order {
	return &clob.Order{
		ID:        id,
		MarketID:  "m1",
		UserID:    user,
		Side:      side,
		Kind:      clob.Limit,
		Outcome:   outcome,
		Price:     price,
		Quantity:  qty,
		Status:    clob.StatusOpen,
		CreatedAt: testTime,
	}
}

func TestInsertAndBest(t *testing.T) {
	b := New()
	b.Insert(limitOrder("o1", "alice", clob.Buy, clob.Yes, 40, 80*num.QtyScale), testTime)
	b.Insert(limitOrder("o2", "bob", clob.Buy, clob.Yes, 42, 10*num.QtyScale), testTime)
	b.Insert(limitOrder("o3", "carol", clob.Sell, clob.Yes, 55, 20*num.QtyScale), testTime)

	if bid, ok := b.BestBid(); !ok || bid != 42 {
		t.Errorf("BestBid = %d, %v; want 42", bid, ok)
	}
	if ask, ok := b.BestAsk(); !ok || ask != 55 {
		t.Errorf("BestAsk = %d, %v; want 55", ask, ok)
	}
	if b.Size() != 3 {
		t.Errorf("Size = %d, want 3", b.Size())
	}
}

func TestNoOrdersMapThroughComplement(t *testing.T) {
	b := New()
	// BUY NO at 0.55 is YES-short interest at 0.45.
	o := limitOrder("o1", "alice", clob.Buy, clob.No, 55, 10*num.QtyScale)
	b.Insert(o, testTime)

	if ask, ok := b.BestAsk(); !ok || ask != 45 {
		t.Errorf("BUY NO 0.55 should rest as YES ask 0.45, got %d, %v", ask, ok)
	}
	if _, ok := b.BestBid(); ok {
		t.Error("no bids expected")
	}

	// SELL NO at 0.60 is YES-long interest at 0.40.
	b.Insert(limitOrder("o2", "bob", clob.Sell, clob.No, 60, 10*num.QtyScale), testTime)
	if bid, ok := b.BestBid(); !ok || bid != 40 {
		t.Errorf("SELL NO 0.60 should rest as YES bid 0.40, got %d, %v", bid, ok)
	}
}

func TestMatchPricePriority(t *testing.T) {
	b := New()
	b.Insert(limitOrder("a1", "u1", clob.Sell, clob.Yes, 50, 10*num.QtyScale), testTime)
	b.Insert(limitOrder("a2", "u2", clob.Sell, clob.Yes, 48, 10*num.QtyScale), testTime)
	b.Insert(limitOrder("a3", "u3", clob.Sell, clob.Yes, 52, 10*num.QtyScale), testTime)

	fills, _ := b.Match("taker", clob.Bid, 50, 25*num.QtyScale)
	if len(fills) != 2 {
		t.Fatalf("got %d fills, want 2", len(fills))
	}
	if fills[0].Maker.ID != "a2" || fills[0].Price != 48 {
		t.Errorf("first fill %s at %d, want a2 at 48", fills[0].Maker.ID, fills[0].Price)
	}
	if fills[1].Maker.ID != "a1" || fills[1].Price != 50 {
		t.Errorf("second fill %s at %d, want a1 at 50", fills[1].Maker.ID, fills[1].Price)
	}
	// a3 at 52 does not cross a 50 bid.
	total := fills[0].Quantity + fills[1].Quantity
	if total != 20*num.QtyScale {
		t.Errorf("matched %s, want 20", total)
	}
}

func TestMatchTimePriority(t *testing.T) {
	b := New()
	b.Insert(limitOrder("first", "u1", clob.Buy, clob.Yes, 40, 10*num.QtyScale), testTime)
	b.Insert(limitOrder("second", "u2", clob.Buy, clob.Yes, 40, 10*num.QtyScale), testTime.Add(time.Second))

	fills, _ := b.Match("taker", clob.Ask, 40, 5*num.QtyScale)
	if len(fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(fills))
	}
	if fills[0].Maker.ID != "first" {
		t.Errorf("filled %s first, want the earlier order", fills[0].Maker.ID)
	}
}

func TestMatchSkipsSelfAndContinues(t *testing.T) {
	b := New()
	b.Insert(limitOrder("own", "alice", clob.Sell, clob.Yes, 48, 10*num.QtyScale), testTime)
	b.Insert(limitOrder("other", "bob", clob.Sell, clob.Yes, 50, 10*num.QtyScale), testTime)

	fills, skipped := b.Match("alice", clob.Bid, 50, 10*num.QtyScale)
	if len(skipped) != 1 || skipped[0].ID != "own" {
		t.Fatalf("expected own order skipped, got %v", skipped)
	}
	if len(fills) != 1 || fills[0].Maker.ID != "other" {
		t.Fatalf("expected the walk to continue past the skipped order, got %v", fills)
	}
}

func TestMatchPartialLevel(t *testing.T) {
	b := New()
	o := limitOrder("a1", "u1", clob.Sell, clob.Yes, 50, 10*num.QtyScale)
	o.Filled = 4 * num.QtyScale
	o.Status = clob.StatusPartial
	b.Insert(o, testTime)

	fills, _ := b.Match("taker", clob.Bid, 50, 10*num.QtyScale)
	if len(fills) != 1 || fills[0].Quantity != 6*num.QtyScale {
		t.Fatalf("expected a 6-share fill against the remaining quantity, got %v", fills)
	}
}

func TestMatchDoesNotMutate(t *testing.T) {
	b := New()
	b.Insert(limitOrder("a1", "u1", clob.Sell, clob.Yes, 50, 10*num.QtyScale), testTime)

	b.Match("taker", clob.Bid, 50, 10*num.QtyScale)
	if b.Size() != 1 {
		t.Error("Match must not remove orders from the book")
	}
	if got := b.Get("a1"); got == nil || got.Filled != 0 {
		t.Error("Match must not mutate resting orders")
	}
}

func TestMarketOrderSentinelsCrossEverything(t *testing.T) {
	b := New()
	b.Insert(limitOrder("a1", "u1", clob.Sell, clob.Yes, 99, 10*num.QtyScale), testTime)
	b.Insert(limitOrder("b1", "u2", clob.Buy, clob.Yes, 1, 10*num.QtyScale), testTime)

	fills, _ := b.Match("taker", clob.Bid, num.MarketBuyPrice, 10*num.QtyScale)
	if len(fills) != 1 || fills[0].Price != 99 {
		t.Errorf("market buy should lift the 0.99 ask, got %v", fills)
	}
	fills, _ = b.Match("taker", clob.Ask, num.MarketSellPrice, 10*num.QtyScale)
	if len(fills) != 1 || fills[0].Price != 1 {
		t.Errorf("market sell should hit the 0.01 bid, got %v", fills)
	}
}

func TestRemove(t *testing.T) {
	b := New()
	b.Insert(limitOrder("o1", "alice", clob.Buy, clob.Yes, 40, 10*num.QtyScale), testTime)

	if !b.Remove("o1") {
		t.Fatal("Remove returned false for a resting order")
	}
	if b.Remove("o1") {
		t.Error("Remove should be false once the order is gone")
	}
	if _, ok := b.BestBid(); ok {
		t.Error("empty level should be pruned")
	}
	if b.Contains("o1") {
		t.Error("index should forget removed orders")
	}
}

func TestSnapshotAggregation(t *testing.T) {
	b := New()
	b.Insert(limitOrder("b1", "u1", clob.Buy, clob.Yes, 40, 10*num.QtyScale), testTime)
	b.Insert(limitOrder("b2", "u2", clob.Buy, clob.Yes, 40, 5*num.QtyScale), testTime)
	b.Insert(limitOrder("b3", "u3", clob.Buy, clob.Yes, 38, 7*num.QtyScale), testTime)
	b.Insert(limitOrder("a1", "u4", clob.Sell, clob.Yes, 55, 3*num.QtyScale), testTime)

	bids, asks := b.Snapshot(10)
	if len(bids) != 2 || len(asks) != 1 {
		t.Fatalf("got %d bids %d asks, want 2 and 1", len(bids), len(asks))
	}
	if bids[0].Price != 40 || bids[0].Quantity != 15*num.QtyScale || bids[0].Orders != 2 {
		t.Errorf("top bid level = %+v", bids[0])
	}
	if bids[1].Price != 38 {
		t.Errorf("second bid level at %d, want 38", bids[1].Price)
	}

	bids, _ = b.Snapshot(1)
	if len(bids) != 1 {
		t.Errorf("depth 1 snapshot returned %d bid levels", len(bids))
	}
}

func TestLevelAt(t *testing.T) {
	b := New()
	b.Insert(limitOrder("b1", "u1", clob.Buy, clob.Yes, 40, 10*num.QtyScale), testTime)

	d := b.LevelAt(clob.Bid, 40)
	if d.Quantity != 10*num.QtyScale || d.Orders != 1 {
		t.Errorf("LevelAt(40) = %+v", d)
	}
	d = b.LevelAt(clob.Bid, 41)
	if d.Quantity != 0 || d.Orders != 0 {
		t.Errorf("missing level should report zero, got %+v", d)
	}
}
