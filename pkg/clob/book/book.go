// Package book implements the per-market YES-space central limit order
// book: a btree of price levels per side with FIFO order queues inside
// each level. The book holds references to live (OPEN/PARTIAL) orders
// only; entity mutation and persistence belong to the engine.
package book

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/flipside-exchange/flipside/pkg/clob"
	"github.com/flipside-exchange/flipside/pkg/num"
)

const btreeDegree = 16

// Entry is a book reference to a resting order.
type Entry struct {
	Order *clob.Order
	Side  clob.BookSide
	Price num.Price // YES space
	// RestedAt is the admission time used for FIFO priority; it equals
	// the order's CreatedAt for freshly placed orders and is preserved
	// across restarts when the book is rebuilt from the ledger.
	RestedAt time.Time
}

// Fill is a trade intent produced by matching: the maker entry and the
// quantity the taker would take from it at the maker's price.
type Fill struct {
	Maker    *clob.Order
	Price    num.Price
	Quantity num.Quantity
}

// level is one price level: a FIFO queue of entries at the same price.
type level struct {
	price num.Price
	queue []*Entry
}

func (l *level) Less(other btree.Item) bool {
	return l.price < other.(*level).price
}

// aggregate returns total remaining quantity and order count at the level.
func (l *level) aggregate() (num.Quantity, int) {
	var qty num.Quantity
	for _, e := range l.queue {
		qty += e.Order.Remaining()
	}
	return qty, len(l.queue)
}

// side is one side of the book. Bids iterate descending, asks ascending.
type side struct {
	tree *btree.BTree
	desc bool
}

func newSide(desc bool) *side {
	return &side{tree: btree.New(btreeDegree), desc: desc}
}

func (s *side) get(p num.Price) *level {
	item := s.tree.Get(&level{price: p})
	if item == nil {
		return nil
	}
	return item.(*level)
}

func (s *side) getOrCreate(p num.Price) *level {
	if l := s.get(p); l != nil {
		return l
	}
	l := &level{price: p}
	s.tree.ReplaceOrInsert(l)
	return l
}

func (s *side) remove(p num.Price) { s.tree.Delete(&level{price: p}) }

func (s *side) best() *level {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*level)
}

// walk visits levels in priority order (best first).
func (s *side) walk(visit func(*level) bool) {
	wrap := func(i btree.Item) bool { return visit(i.(*level)) }
	if s.desc {
		s.tree.Descend(wrap)
	} else {
		s.tree.Ascend(wrap)
	}
}

// LevelView is the aggregated depth at one price.
type LevelView struct {
	Price    num.Price    `json:"price"`
	Quantity num.Quantity `json:"quantity"`
	Orders   int          `json:"orders"`
}

// Book is the two-sided YES-space order book for one market. It is
// mutated only by that market's engine worker; snapshots take a read lock.
type Book struct {
	mu    sync.RWMutex
	bids  *side
	asks  *side
	index map[string]*Entry // order id -> entry
	last  num.Price         // most recent trade price, 0 if none
}

func New() *Book {
	return &Book{
		bids:  newSide(true),
		asks:  newSide(false),
		index: make(map[string]*Entry),
	}
}

func (b *Book) sideFor(s clob.BookSide) *side {
	if s == clob.Bid {
		return b.bids
	}
	return b.asks
}

// Insert rests an order at the tail of its price level.
func (b *Book) Insert(o *clob.Order, restedAt time.Time) *Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := &Entry{Order: o, Side: o.BookSide(), Price: o.BookPrice(), RestedAt: restedAt}
	lvl := b.sideFor(e.Side).getOrCreate(e.Price)
	lvl.queue = append(lvl.queue, e)
	b.index[o.ID] = e
	return e
}

// Remove takes an order out of the book. Returns false if absent.
func (b *Book) Remove(orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(orderID)
}

func (b *Book) removeLocked(orderID string) bool {
	e, ok := b.index[orderID]
	if !ok {
		return false
	}
	s := b.sideFor(e.Side)
	lvl := s.get(e.Price)
	if lvl != nil {
		for i, cand := range lvl.queue {
			if cand.Order.ID == orderID {
				lvl.queue = append(lvl.queue[:i], lvl.queue[i+1:]...)
				break
			}
		}
		if len(lvl.queue) == 0 {
			s.remove(e.Price)
		}
	}
	delete(b.index, orderID)
	return true
}

// Get returns the live resting order with the given id, or nil.
func (b *Book) Get(orderID string) *clob.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.index[orderID]; ok {
		return e.Order
	}
	return nil
}

// Contains reports whether an order currently rests in the book.
func (b *Book) Contains(orderID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.index[orderID]
	return ok
}

// BestBid returns the highest YES bid, if any.
func (b *Book) BestBid() (num.Price, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if l := b.bids.best(); l != nil {
		return l.price, true
	}
	return 0, false
}

// BestAsk returns the lowest YES ask, if any.
func (b *Book) BestAsk() (num.Price, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if l := b.asks.best(); l != nil {
		return l.price, true
	}
	return 0, false
}

// LastPrice returns the most recent trade price (0 if no trade yet).
func (b *Book) LastPrice() num.Price {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

// SetLastPrice records the price of a committed trade.
func (b *Book) SetLastPrice(p num.Price) {
	b.mu.Lock()
	b.last = p
	b.mu.Unlock()
}

// Match walks the side opposite takerSide in price-time priority and
// produces the fills an order with the given limit and quantity would
// take. Resting orders owned by takerUser are skipped and returned in
// selfSkipped; the walk continues past them. Match never mutates the
// book: the engine applies fills only after the ledger commit succeeds.
func (b *Book) Match(takerUser string, takerSide clob.BookSide, limit num.Price, qty num.Quantity) (fills []Fill, selfSkipped []*clob.Order) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	opposite := b.asks
	if takerSide == clob.Ask {
		opposite = b.bids
	}

	remaining := qty
	opposite.walk(func(lvl *level) bool {
		if !takerSide.Crosses(limit, lvl.price) {
			return false
		}
		for _, e := range lvl.queue {
			if remaining == 0 {
				return false
			}
			if e.Order.UserID == takerUser {
				selfSkipped = append(selfSkipped, e.Order)
				continue
			}
			take := e.Order.Remaining()
			if take > remaining {
				take = remaining
			}
			if take == 0 {
				continue
			}
			fills = append(fills, Fill{Maker: e.Order, Price: lvl.price, Quantity: take})
			remaining -= take
		}
		return remaining > 0
	})
	return fills, selfSkipped
}

// Snapshot aggregates the top depth levels of each side. depth <= 0
// returns every level.
func (b *Book) Snapshot(depth int) (bids, asks []LevelView) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	collect := func(s *side) []LevelView {
		var out []LevelView
		s.walk(func(lvl *level) bool {
			qty, n := lvl.aggregate()
			if qty > 0 {
				out = append(out, LevelView{Price: lvl.price, Quantity: qty, Orders: n})
			}
			return depth <= 0 || len(out) < depth
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}

// LevelAt returns the post-mutation aggregate at one price, for book
// delta events. A missing level reports zero quantity.
func (b *Book) LevelAt(s clob.BookSide, p num.Price) clob.BookLevelDelta {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d := clob.BookLevelDelta{Side: s, Price: p}
	if lvl := b.sideFor(s).get(p); lvl != nil {
		d.Quantity, d.Orders = lvl.aggregate()
	}
	return d
}

// Resting returns every order currently in the book, best levels first,
// bids before asks. Used by resolution and by tests.
func (b *Book) Resting() []*clob.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*clob.Order
	for _, s := range []*side{b.bids, b.asks} {
		s.walk(func(lvl *level) bool {
			for _, e := range lvl.queue {
				out = append(out, e.Order)
			}
			return true
		})
	}
	return out
}

// Size returns the number of resting orders.
func (b *Book) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index)
}
