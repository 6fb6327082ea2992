package clob

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flipside-exchange/flipside/pkg/num"
)

// EventKind is the append-only OrderEvent log entry kind.
type EventKind string

const (
	EvCreated            EventKind = "CREATED"
	EvTrade              EventKind = "TRADE"
	EvPartialFill        EventKind = "PARTIAL_FILL"
	EvFilled             EventKind = "FILLED"
	EvCancelled          EventKind = "CANCELLED"
	EvSelfTradePrevented EventKind = "SELF_TRADE_PREVENTED"
	EvRejected           EventKind = "REJECTED"
)

// OrderEvent is one entry of the per-market audit log. The triple
// (OrderID, Kind, Sequence) is the idempotency key: appending the same
// triple twice is a no-op, which makes replay safe.
type OrderEvent struct {
	OrderID   string          `json:"order_id"`
	Kind      EventKind       `json:"kind"`
	Sequence  uint64          `json:"sequence"`
	MarketID  string          `json:"market_id"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventType tags a broadcast envelope payload.
type EventType string

const (
	EvtOrderCreated       EventType = "ORDER_CREATED"
	EvtOrderPartial       EventType = "ORDER_PARTIAL"
	EvtOrderFilled        EventType = "ORDER_FILLED"
	EvtOrderCancelled     EventType = "ORDER_CANCELLED"
	EvtSelfTradePrevented EventType = "SELF_TRADE_PREVENTED"
	EvtTrade              EventType = "TRADE"
	EvtBookDelta          EventType = "BOOK_DELTA"
	EvtBalanceUpdated     EventType = "BALANCE_UPDATED"
	EvtMarketResolved     EventType = "MARKET_RESOLVED"
	EvtMarketClosed       EventType = "MARKET_CLOSED"
	EvtMarketCancelled    EventType = "MARKET_CANCELLED"
)

// Payload is the closed set of envelope payload variants. Subscribers
// branch on Envelope.Type, never on field presence.
type Payload interface {
	eventType() EventType
}

// Envelope wraps one event for broadcast. Sequence is the per-market
// counter for market-scoped events and the per-user counter for
// user-scoped ones; subscribers detect gaps and reconcile via snapshot.
type Envelope struct {
	Type      EventType `json:"type"`
	MarketID  string    `json:"market_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// OrderPayload describes an order state transition (user-scoped).
type OrderPayload struct {
	Type      EventType    `json:"-"`
	OrderID   string       `json:"order_id"`
	MarketID  string       `json:"market_id"`
	Status    OrderStatus  `json:"status"`
	Filled    num.Quantity `json:"filled"`
	Remaining num.Quantity `json:"remaining"`
	Reason    CancelReason `json:"reason,omitempty"`
	// CounterOrderID is set on SELF_TRADE_PREVENTED and references the
	// resting order the engine refused to cross.
	CounterOrderID string `json:"counter_order_id,omitempty"`
}

func (p OrderPayload) eventType() EventType { return p.Type }

// TradePayload is broadcast on market trade channels.
type TradePayload struct {
	TradeID  string       `json:"trade_id"`
	Price    num.Price    `json:"price"`
	Quantity num.Quantity `json:"quantity"`
}

func (TradePayload) eventType() EventType { return EvtTrade }

// BookDeltaPayload reports aggregate depth changes at specific YES-space
// price levels after one engine commit.
type BookDeltaPayload struct {
	Levels []BookLevelDelta `json:"levels"`
}

// BookLevelDelta is the post-commit aggregate at one price level; a zero
// Quantity means the level is gone.
type BookLevelDelta struct {
	Side     BookSide     `json:"side"`
	Price    num.Price    `json:"price"`
	Quantity num.Quantity `json:"quantity"`
	Orders   int          `json:"orders"`
}

func (BookDeltaPayload) eventType() EventType { return EvtBookDelta }

// BalancePayload is broadcast on user balance channels.
type BalancePayload struct {
	Available num.Money `json:"available"`
	Locked    num.Money `json:"locked"`
}

func (BalancePayload) eventType() EventType { return EvtBalanceUpdated }

// MarketPayload is broadcast on market lifecycle transitions.
type MarketPayload struct {
	Type    EventType `json:"-"`
	Outcome *Outcome  `json:"outcome,omitempty"` // set on MARKET_RESOLVED
}

func (p MarketPayload) eventType() EventType { return p.Type }

// UnmarshalJSON decodes an envelope received off the wire, restoring the
// concrete payload variant from Type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      EventType       `json:"type"`
		MarketID  string          `json:"market_id"`
		UserID    string          `json:"user_id"`
		Sequence  uint64          `json:"sequence"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Type = raw.Type
	e.MarketID = raw.MarketID
	e.UserID = raw.UserID
	e.Sequence = raw.Sequence
	e.Timestamp = raw.Timestamp

	switch raw.Type {
	case EvtOrderCreated, EvtOrderPartial, EvtOrderFilled, EvtOrderCancelled, EvtSelfTradePrevented:
		var p OrderPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return err
		}
		p.Type = raw.Type
		e.Payload = p
	case EvtTrade:
		var p TradePayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return err
		}
		e.Payload = p
	case EvtBookDelta:
		var p BookDeltaPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return err
		}
		e.Payload = p
	case EvtBalanceUpdated:
		var p BalancePayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return err
		}
		e.Payload = p
	case EvtMarketResolved, EvtMarketClosed, EvtMarketCancelled:
		var p MarketPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return err
		}
		p.Type = raw.Type
		e.Payload = p
	default:
		return fmt.Errorf("unknown envelope type %q", raw.Type)
	}
	return nil
}

// Broadcast topic naming. Market topics carry the per-market sequence,
// user topics the per-user sequence.
func TopicMarketBook(marketID string) string   { return fmt.Sprintf("market.%s.book", marketID) }
func TopicMarketTrades(marketID string) string { return fmt.Sprintf("market.%s.trades", marketID) }
func TopicUserOrders(userID string) string     { return fmt.Sprintf("user.%s.orders", userID) }
func TopicUserBalance(userID string) string    { return fmt.Sprintf("user.%s.balance", userID) }
