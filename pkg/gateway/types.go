package gateway

import (
	"time"

	"github.com/flipside-exchange/flipside/pkg/clob"
	"github.com/flipside-exchange/flipside/pkg/clob/account"
	"github.com/flipside-exchange/flipside/pkg/clob/book"
	"github.com/flipside-exchange/flipside/pkg/clob/market"
	"github.com/flipside-exchange/flipside/pkg/num"
)

// Wire DTOs. Prices, quantities and money cross the boundary as decimal
// strings; fixed-point integers stay internal.

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type CreateUserRequest struct {
	Name string `json:"name"`
}

type CreateUserResponse struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

type CreateMarketRequest struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	CloseTime time.Time `json:"close_time"`
}

type MarketInfo struct {
	ID                 string    `json:"id"`
	Question           string    `json:"question"`
	Status             string    `json:"status"`
	Outcome            string    `json:"outcome,omitempty"`
	OpenInterest       string    `json:"open_interest"`
	LastPrice          string    `json:"last_price,omitempty"`
	ImpliedProbability string    `json:"implied_probability,omitempty"`
	CloseTime          time.Time `json:"close_time"`
	CreatedAt          time.Time `json:"created_at"`
}

type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Orders   int    `json:"orders"`
}

type BookResponse struct {
	MarketID  string       `json:"market_id"`
	Sequence  uint64       `json:"sequence"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	LastPrice string       `json:"last_price,omitempty"`
}

type TradeInfo struct {
	ID        string    `json:"id"`
	MarketID  string    `json:"market_id"`
	Price     string    `json:"price"`
	Quantity  string    `json:"quantity"`
	Sequence  uint64    `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

type SubmitOrderRequest struct {
	MarketID string `json:"market_id"`
	Side     string `json:"side"`    // BUY or SELL
	Kind     string `json:"kind"`    // LIMIT or MARKET
	Outcome  string `json:"outcome"` // YES or NO
	Price    string `json:"price,omitempty"`
	Quantity string `json:"quantity"`
}

type OrderInfo struct {
	ID        string    `json:"id"`
	MarketID  string    `json:"market_id"`
	Side      string    `json:"side"`
	Kind      string    `json:"kind"`
	Outcome   string    `json:"outcome"`
	Price     string    `json:"price,omitempty"`
	Quantity  string    `json:"quantity"`
	Filled    string    `json:"filled"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SubmitOrderResponse struct {
	Order  OrderInfo   `json:"order"`
	Trades []TradeInfo `json:"trades"`
}

type CancelOrderRequest struct {
	OrderID string `json:"order_id"`
}

type ResolveMarketRequest struct {
	Outcome string `json:"outcome"` // YES or NO
}

type BalanceResponse struct {
	Available string `json:"available"`
	Locked    string `json:"locked"`
	Total     string `json:"total"`
}

type PositionInfo struct {
	MarketID  string `json:"market_id"`
	Outcome   string `json:"outcome"`
	Quantity  string `json:"quantity"`
	Committed string `json:"committed"`
	AvgPrice  string `json:"avg_price"`
}

// WSRequest is a client -> server websocket frame.
type WSRequest struct {
	Op     string   `json:"op"` // subscribe or unsubscribe
	Topics []string `json:"topics"`
}

// ============================================================================
// Converters
// ============================================================================

func marketInfo(m *market.Market, last, implied num.Price) MarketInfo {
	info := MarketInfo{
		ID:                 m.ID,
		Question:           m.Question,
		Status:             m.Status.String(),
		OpenInterest:       num.Quantity(m.OpenInterest).String(),
		ImpliedProbability: implied.String(),
		CloseTime:          m.CloseTime,
		CreatedAt:          m.CreatedAt,
	}
	if m.Outcome != nil {
		info.Outcome = m.Outcome.String()
	}
	if last != 0 {
		info.LastPrice = last.String()
	}
	return info
}

func levelViews(in []book.LevelView) []PriceLevel {
	out := make([]PriceLevel, len(in))
	for i, l := range in {
		out[i] = PriceLevel{Price: l.Price.String(), Quantity: l.Quantity.String(), Orders: l.Orders}
	}
	return out
}

func tradeInfo(t *clob.Trade) TradeInfo {
	return TradeInfo{
		ID:        t.ID,
		MarketID:  t.MarketID,
		Price:     t.Price.String(),
		Quantity:  t.Quantity.String(),
		Sequence:  t.Sequence,
		CreatedAt: t.CreatedAt,
	}
}

func orderInfo(o *clob.Order) OrderInfo {
	info := OrderInfo{
		ID:        o.ID,
		MarketID:  o.MarketID,
		Side:      o.Side.String(),
		Kind:      o.Kind.String(),
		Outcome:   o.Outcome.String(),
		Quantity:  o.Quantity.String(),
		Filled:    o.Filled.String(),
		Status:    o.Status.String(),
		Reason:    string(o.Reason),
		CreatedAt: o.CreatedAt,
	}
	if o.Kind == clob.Limit {
		info.Price = o.Price.String()
	}
	return info
}

func positionInfo(p account.Position) PositionInfo {
	return PositionInfo{
		MarketID:  p.MarketID,
		Outcome:   clob.Outcome(p.Outcome).String(),
		Quantity:  p.Quantity.String(),
		Committed: p.Committed.String(),
		AvgPrice:  p.AvgPrice().String(),
	}
}

func parseSide(s string) (clob.Side, bool) {
	switch s {
	case "BUY":
		return clob.Buy, true
	case "SELL":
		return clob.Sell, true
	}
	return 0, false
}

func parseKind(s string) (clob.Kind, bool) {
	switch s {
	case "", "LIMIT":
		return clob.Limit, true
	case "MARKET":
		return clob.Market, true
	}
	return 0, false
}

func parseOutcome(s string) (clob.Outcome, bool) {
	switch s {
	case "YES":
		return clob.Yes, true
	case "NO":
		return clob.No, true
	}
	return 0, false
}
