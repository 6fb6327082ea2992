// Package ledger is the pebble-backed system of record: users, balances,
// markets, orders, trades, positions and the append-only OrderEvent log.
// The matching engine stages one commit per accepted command in a Txn and
// applies it atomically; reads outside the engine go straight to the DB.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"

	"github.com/flipside-exchange/flipside/pkg/clob"
	"github.com/flipside-exchange/flipside/pkg/clob/account"
	"github.com/flipside-exchange/flipside/pkg/clob/market"
)

// Session maps a bearer token to a user for gateway auth.
type Session struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	CreatedAt int64  `json:"created_at"`
}

type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open ledger at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) set(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	return s.db.Set(key, data, pebble.Sync)
}

// get unmarshals into out. Returns false when the key does not exist.
func (s *Store) get(key []byte, out any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal %T: %w", out, err)
	}
	return true, nil
}

// ============================================================================
// Users and sessions
// ============================================================================

func (s *Store) SaveUser(u *account.User) error {
	return s.set(userKey(u.ID), u)
}

func (s *Store) LoadUser(id string) (*account.User, error) {
	var u account.User
	ok, err := s.get(userKey(id), &u)
	if err != nil || !ok {
		return nil, err
	}
	return &u, nil
}

func (s *Store) LoadUsers() ([]*account.User, error) {
	var out []*account.User
	err := s.scan(scanPrefix(prefixUser), func(_, val []byte) error {
		var u account.User
		if err := json.Unmarshal(val, &u); err != nil {
			return err
		}
		out = append(out, &u)
		return nil
	})
	return out, err
}

func (s *Store) SaveSession(sess *Session) error {
	return s.set(sessionKey(sess.Token), sess)
}

// ResolveSession returns the user id for a token, or "" if unknown.
func (s *Store) ResolveSession(token string) (string, error) {
	var sess Session
	ok, err := s.get(sessionKey(token), &sess)
	if err != nil || !ok {
		return "", err
	}
	return sess.UserID, nil
}

func (s *Store) DeleteSession(token string) error {
	return s.db.Delete(sessionKey(token), pebble.Sync)
}

// ============================================================================
// Balances and positions
// ============================================================================

func (s *Store) SaveBalance(b *account.Balance) error {
	return s.set(balanceKey(b.UserID), b)
}

func (s *Store) LoadBalances() ([]*account.Balance, error) {
	var out []*account.Balance
	err := s.scan(scanPrefix(prefixBalance), func(_, val []byte) error {
		var b account.Balance
		if err := json.Unmarshal(val, &b); err != nil {
			return err
		}
		out = append(out, &b)
		return nil
	})
	return out, err
}

func (s *Store) SavePosition(p *account.Position) error {
	return s.set(positionKey(p.UserID, p.MarketID, p.Outcome), p)
}

func (s *Store) LoadPositions() ([]*account.Position, error) {
	var out []*account.Position
	err := s.scan(scanPrefix(prefixPosition), func(_, val []byte) error {
		var p account.Position
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		out = append(out, &p)
		return nil
	})
	return out, err
}

// ============================================================================
// Markets
// ============================================================================

func (s *Store) SaveMarket(m *market.Market) error {
	return s.set(marketKey(m.ID), m)
}

func (s *Store) LoadMarket(id string) (*market.Market, error) {
	var m market.Market
	ok, err := s.get(marketKey(id), &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

func (s *Store) LoadMarkets() ([]*market.Market, error) {
	var out []*market.Market
	err := s.scan(scanPrefix(prefixMarket), func(_, val []byte) error {
		var m market.Market
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		out = append(out, &m)
		return nil
	})
	return out, err
}

// ============================================================================
// Orders
// ============================================================================

func (s *Store) SaveOrder(o *clob.Order) error {
	if err := s.set(orderKey(o.MarketID, o.ID), o); err != nil {
		return err
	}
	if err := s.db.Set(orderMarketKey(o.ID), []byte(o.MarketID), pebble.Sync); err != nil {
		return err
	}
	return s.db.Set(userOrderKey(o.UserID, o.ID), []byte(o.MarketID), pebble.Sync)
}

// MarketOfOrder resolves an order id to its market, or "" when unknown.
func (s *Store) MarketOfOrder(orderID string) (string, error) {
	data, closer, err := s.db.Get(orderMarketKey(orderID))
	if err == pebble.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(data), nil
}

func (s *Store) LoadOrder(marketID, orderID string) (*clob.Order, error) {
	var o clob.Order
	ok, err := s.get(orderKey(marketID, orderID), &o)
	if err != nil || !ok {
		return nil, err
	}
	return &o, nil
}

// LoadOpenOrders returns the market's OPEN and PARTIAL orders sorted by
// (price, created_at) so a crash rebuild re-inserts them in the exact
// price-time order the book held before.
func (s *Store) LoadOpenOrders(marketID string) ([]*clob.Order, error) {
	var out []*clob.Order
	err := s.scan(orderPrefix(marketID), func(_, val []byte) error {
		var o clob.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		if o.Status == clob.StatusOpen || o.Status == clob.StatusPartial {
			out = append(out, &o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BookPrice() != out[j].BookPrice() {
			return out[i].BookPrice() < out[j].BookPrice()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// LoadUserOrders returns every order a user has placed, newest last.
func (s *Store) LoadUserOrders(userID string) ([]*clob.Order, error) {
	var out []*clob.Order
	err := s.scan(userOrderPrefix(userID), func(key, val []byte) error {
		marketID := string(val)
		orderID := string(key[len(userOrderPrefix(userID)):])
		o, err := s.LoadOrder(marketID, orderID)
		if err != nil {
			return err
		}
		if o != nil {
			out = append(out, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ============================================================================
// Trades
// ============================================================================

func (s *Store) SaveTrade(t *clob.Trade) error {
	return s.set(tradeKey(t.MarketID, t.Sequence, t.ID), t)
}

// RecentTrades returns up to limit trades for a market, newest first.
func (s *Store) RecentTrades(marketID string, limit int) ([]*clob.Trade, error) {
	prefix := tradePrefix(marketID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*clob.Trade
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		var t clob.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

// ============================================================================
// Event log and sequences
// ============================================================================

// AppendEvent writes one OrderEvent. The (order_id, kind, sequence)
// triple is the idempotency key: a duplicate append is a no-op.
func (s *Store) AppendEvent(ev *clob.OrderEvent) error {
	idem := eventIdemKey(ev.OrderID, string(ev.Kind), ev.Sequence)
	if _, closer, err := s.db.Get(idem); err == nil {
		closer.Close()
		return nil
	} else if err != pebble.ErrNotFound {
		return err
	}
	if err := s.set(eventKey(ev.MarketID, ev.Sequence), ev); err != nil {
		return err
	}
	return s.db.Set(idem, []byte{1}, pebble.Sync)
}

// ReplayEvents streams a market's events with sequence >= fromSeq in
// order. The callback returning false stops the replay.
func (s *Store) ReplayEvents(marketID string, fromSeq uint64, fn func(*clob.OrderEvent) bool) error {
	lower := eventKey(marketID, fromSeq)
	upper := keyUpperBound(eventPrefix(marketID))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var ev clob.OrderEvent
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return fmt.Errorf("corrupt event at %s: %w", iter.Key(), err)
		}
		if !fn(&ev) {
			return nil
		}
	}
	return nil
}

func encodeSeq(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func (s *Store) loadSeq(key []byte) (uint64, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt sequence at %s", key)
	}
	return binary.BigEndian.Uint64(data), nil
}

// LastSequence returns the highest committed per-market sequence.
func (s *Store) LastSequence(marketID string) (uint64, error) {
	return s.loadSeq(seqKey(marketID))
}

// LastUserSequence returns the highest committed per-user sequence.
func (s *Store) LastUserSequence(userID string) (uint64, error) {
	return s.loadSeq(userSeqKey(userID))
}

// ============================================================================
// Atomic commits
// ============================================================================

// Txn stages the full effect of one engine command: every order, trade,
// balance, position and event row lands in a single pebble batch, so a
// crash either sees the whole commit or none of it.
type Txn struct {
	s     *Store
	batch *pebble.Batch
	err   error
}

func (s *Store) NewTxn() *Txn {
	return &Txn{s: s, batch: s.db.NewBatch()}
}

func (t *Txn) set(key []byte, v any) {
	if t.err != nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.err = fmt.Errorf("marshal %T: %w", v, err)
		return
	}
	t.err = t.batch.Set(key, data, nil)
}

func (t *Txn) PutOrder(o *clob.Order) {
	t.set(orderKey(o.MarketID, o.ID), o)
	if t.err == nil {
		t.err = t.batch.Set(orderMarketKey(o.ID), []byte(o.MarketID), nil)
	}
	if t.err == nil {
		t.err = t.batch.Set(userOrderKey(o.UserID, o.ID), []byte(o.MarketID), nil)
	}
}

func (t *Txn) PutTrade(tr *clob.Trade) {
	t.set(tradeKey(tr.MarketID, tr.Sequence, tr.ID), tr)
}

func (t *Txn) PutBalance(b *account.Balance)   { t.set(balanceKey(b.UserID), b) }
func (t *Txn) PutPosition(p *account.Position) { t.set(positionKey(p.UserID, p.MarketID, p.Outcome), p) }
func (t *Txn) PutMarket(m *market.Market)      { t.set(marketKey(m.ID), m) }
func (t *Txn) PutUser(u *account.User)         { t.set(userKey(u.ID), u) }
func (t *Txn) PutSession(sess *Session)        { t.set(sessionKey(sess.Token), sess) }

// PutEvent stages an OrderEvent append. Duplicate (order_id, kind,
// sequence) triples already on disk are skipped.
func (t *Txn) PutEvent(ev *clob.OrderEvent) {
	if t.err != nil {
		return
	}
	idem := eventIdemKey(ev.OrderID, string(ev.Kind), ev.Sequence)
	if _, closer, err := t.s.db.Get(idem); err == nil {
		closer.Close()
		return
	} else if err != pebble.ErrNotFound {
		t.err = err
		return
	}
	t.set(eventKey(ev.MarketID, ev.Sequence), ev)
	if t.err == nil {
		t.err = t.batch.Set(idem, []byte{1}, nil)
	}
}

func (t *Txn) PutSequence(marketID string, seq uint64) {
	if t.err != nil {
		return
	}
	t.err = t.batch.Set(seqKey(marketID), encodeSeq(seq), nil)
}

func (t *Txn) PutUserSequence(userID string, seq uint64) {
	if t.err != nil {
		return
	}
	t.err = t.batch.Set(userSeqKey(userID), encodeSeq(seq), nil)
}

// Commit applies the batch durably. The Txn is spent afterwards.
func (t *Txn) Commit() error {
	defer t.batch.Close()
	if t.err != nil {
		return t.err
	}
	return t.batch.Commit(pebble.Sync)
}

// Discard drops a staged batch without applying it.
func (t *Txn) Discard() { t.batch.Close() }

// scan iterates every key under prefix.
func (s *Store) scan(prefix []byte, fn func(key, val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return nil
}
