// Package account holds users, cash balances and outcome positions, plus
// the escrow discipline: cash moves between available and locked, shares
// are committed against resting sells. Mutation happens only inside the
// matching engine's commit path or at market resolution.
package account

import (
	"fmt"
	"time"

	"github.com/flipside-exchange/flipside/pkg/num"
)

// Role separates admins (market lifecycle control) from regular traders.
type Role int8

const (
	Regular Role = iota
	Admin
)

func (r Role) String() string {
	if r == Admin {
		return "admin"
	}
	return "regular"
}

// User is a trading identity. Immutable after creation except Role.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Balance is a user's cash. Outside a single engine commit:
// Available >= 0, Locked >= 0, and Total == Available + Locked.
type Balance struct {
	UserID    string    `json:"user_id"`
	Available num.Money `json:"available"`
	Locked    num.Money `json:"locked"`
}

// Total returns available plus locked cash.
func (b *Balance) Total() num.Money { return b.Available + b.Locked }

// Validate checks the balance invariants.
func (b *Balance) Validate() error {
	if b.Available < 0 {
		return fmt.Errorf("user %s: negative available balance %s", b.UserID, b.Available)
	}
	if b.Locked < 0 {
		return fmt.Errorf("user %s: negative locked balance %s", b.UserID, b.Locked)
	}
	return nil
}

// Position is a user's holding of one outcome in one market. Committed
// tracks shares escrowed against resting SELL orders and never exceeds
// Quantity. CostBasis is the cumulative cash paid for the held shares;
// the average price derives from it and is defined only while
// Quantity > 0.
type Position struct {
	UserID    string       `json:"user_id"`
	MarketID  string       `json:"market_id"`
	Outcome   int8         `json:"outcome"` // clob.Outcome, kept narrow for storage
	Quantity  num.Quantity `json:"quantity"`
	Committed num.Quantity `json:"committed"`
	CostBasis num.Money    `json:"cost_basis"`
}

// Free returns shares not committed to resting sells.
func (p *Position) Free() num.Quantity { return p.Quantity - p.Committed }

// AvgPrice returns the weighted-average cost in cents, rounded to the
// tick. Zero while the position is empty.
func (p *Position) AvgPrice() num.Price {
	if p.Quantity == 0 {
		return 0
	}
	return num.Price((int64(p.CostBasis)*int64(num.PriceScale) + int64(p.Quantity)/2) / int64(p.Quantity))
}

// Validate checks the position invariants.
func (p *Position) Validate() error {
	if p.Quantity < 0 {
		return fmt.Errorf("user %s market %s: negative position %s", p.UserID, p.MarketID, p.Quantity)
	}
	if p.Committed < 0 || p.Committed > p.Quantity {
		return fmt.Errorf("user %s market %s: committed %s outside [0, %s]", p.UserID, p.MarketID, p.Committed, p.Quantity)
	}
	if p.Quantity == 0 && p.CostBasis != 0 {
		return fmt.Errorf("user %s market %s: empty position with cost basis %s", p.UserID, p.MarketID, p.CostBasis)
	}
	return nil
}
