// Package clob defines the domain types shared by the order book, the
// matching engine, the ledger and the broadcast layer: orders, trades,
// outcomes, events and the rejection taxonomy.
package clob

import (
	"time"

	"github.com/flipside-exchange/flipside/pkg/num"
)

// Outcome is one side of a binary market.
type Outcome int8

const (
	Yes Outcome = iota
	No
)

func (o Outcome) String() string {
	if o == Yes {
		return "YES"
	}
	return "NO"
}

// Opposite returns the other outcome.
func (o Outcome) Opposite() Outcome {
	if o == Yes {
		return No
	}
	return Yes
}

// Side is the direction of an order in its own outcome space.
type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// Kind distinguishes limit from market orders.
type Kind int8

const (
	Limit Kind = iota
	Market
)

func (k Kind) String() string {
	if k == Limit {
		return "LIMIT"
	}
	return "MARKET"
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus int8

const (
	StatusPending OrderStatus = iota
	StatusOpen
	StatusPartial
	StatusFilled
	StatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusOpen:
		return "OPEN"
	case StatusPartial:
		return "PARTIAL"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// CancelReason qualifies a CANCELLED status.
type CancelReason string

const (
	CancelNone                  CancelReason = ""
	CancelUserRequest           CancelReason = "USER_REQUEST"
	CancelInsufficientLiquidity CancelReason = "INSUFFICIENT_LIQUIDITY"
	CancelMarketClosed          CancelReason = "MARKET_CLOSED"
)

// BookSide is the side of the YES-space book an order rests on.
type BookSide int8

const (
	Bid BookSide = 1 // YES-long interest: BUY YES and SELL NO
	Ask BookSide = -1 // YES-short interest: SELL YES and BUY NO
)

func (b BookSide) String() string {
	if b == Bid {
		return "BID"
	}
	return "ASK"
}

// Order is a user's intent to trade one outcome of one market.
// Price is expressed in the order's own outcome space; book placement and
// matching always happen in the YES space (see BookPrice).
// Once resting, only Filled and Status may change.
type Order struct {
	ID       string          `json:"id"`
	MarketID string          `json:"market_id"`
	UserID   string          `json:"user_id"`
	Side     Side            `json:"side"`
	Kind     Kind            `json:"kind"`
	Outcome  Outcome         `json:"outcome"`
	Price    num.Price       `json:"price"` // sentinel 0/100 for market orders
	Quantity num.Quantity    `json:"quantity"`
	Filled   num.Quantity    `json:"filled"`
	Status   OrderStatus     `json:"status"`
	Reason   CancelReason    `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() num.Quantity { return o.Quantity - o.Filled }

// FundsBacked reports whether the order escrows cash (buys) rather than
// shares (sells).
func (o *Order) FundsBacked() bool { return o.Side == Buy }

// BookSide returns the YES-space side this order belongs to.
//
//	BUY YES, SELL NO  -> Bid
//	SELL YES, BUY NO  -> Ask
func (o *Order) BookSide() BookSide {
	if (o.Side == Buy) == (o.Outcome == Yes) {
		return Bid
	}
	return Ask
}

// BookPrice returns the order's price translated into the YES space.
// NO-space prices map through the complement, including the market-order
// sentinels (a market BUY NO becomes a YES ask at 0, crossing every bid).
func (o *Order) BookPrice() num.Price {
	if o.Outcome == Yes {
		return o.Price
	}
	return o.Price.Complement()
}

// Crosses reports whether an order at book price p would trade against a
// resting order at maker book price m.
func (b BookSide) Crosses(p, m num.Price) bool {
	if b == Bid {
		return p >= m
	}
	return p <= m
}

// Trade is an immutable record of a single fill. Price is the maker's
// YES-space price; BuyOrderID is the bid-side (YES-long) order.
type Trade struct {
	ID          string       `json:"id"`
	MarketID    string       `json:"market_id"`
	BuyOrderID  string       `json:"buy_order_id"`
	SellOrderID string       `json:"sell_order_id"`
	BuyerID     string       `json:"buyer_id"`
	SellerID    string       `json:"seller_id"`
	Price       num.Price    `json:"price"`
	Quantity    num.Quantity `json:"quantity"`
	Sequence    uint64       `json:"sequence"`
	CreatedAt   time.Time    `json:"created_at"`
}
