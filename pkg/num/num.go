// Package num holds the fixed-point representations used throughout the
// exchange core. Prices are integer cents, quantities and money are integer
// ten-thousandths. All matching and settlement arithmetic is exact integer
// arithmetic; decimal conversion happens only at the wire boundary.
package num

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Price is a probability price in integer cents.
// Tradeable prices live in [1, 99]. 0 and 100 are sentinels used for
// market orders (cross everything) and are never persisted on a resting order.
type Price int64

const (
	PriceScale Price = 100 // cents per $1.00

	MinPrice Price = 1  // $0.01
	MaxPrice Price = 99 // $0.99

	// Market-order crossing sentinels.
	MarketSellPrice Price = 0   // crosses every bid
	MarketBuyPrice  Price = 100 // crosses every ask
)

// Valid reports whether p is a persistable limit price.
func (p Price) Valid() bool { return p >= MinPrice && p <= MaxPrice }

// Complement maps between the YES and NO halves of the probability space:
// buying NO at p is selling YES at 1-p, and vice versa.
func (p Price) Complement() Price { return PriceScale - p }

func (p Price) String() string {
	return fmt.Sprintf("%d.%02d", p/100, p%100)
}

// Quantity is a share quantity in integer ten-thousandths of a share.
type Quantity int64

// QtyScale is the number of quantity units per whole share.
const QtyScale Quantity = 10000

// QtyStep is the required quantity alignment (0.01 share). Keeping
// quantities on this step makes qty*price/100 exact in Money units.
const QtyStep Quantity = 100

// Aligned reports whether q sits on the quantity step.
func (q Quantity) Aligned() bool { return q%QtyStep == 0 }

func (q Quantity) String() string { return decimal.New(int64(q), -4).String() }

// Money is an amount of cash in integer ten-thousandths of a dollar.
type Money int64

// MoneyScale is the number of money units per $1.00.
const MoneyScale Money = 10000

func (m Money) String() string { return decimal.New(int64(m), -4).String() }

// Cost returns the exact cash value of q shares at price p.
// Exactness relies on q being QtyStep-aligned.
func Cost(q Quantity, p Price) Money {
	return Money(int64(q) * int64(p) / int64(PriceScale))
}

// Payout returns the cash value of q shares at $1.00 each, the settlement
// value of a winning outcome.
func Payout(q Quantity) Money { return Money(q) }

// ParsePrice converts a decimal string such as "0.40" into cents.
// It rejects prices off the cent tick or outside (0,1).
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	cents := d.Mul(decimal.New(100, 0))
	if !cents.IsInteger() {
		return 0, fmt.Errorf("price %s is off the $0.01 tick", s)
	}
	p := Price(cents.IntPart())
	if !p.Valid() {
		return 0, fmt.Errorf("price %s outside [0.01, 0.99]", s)
	}
	return p, nil
}

// ParseQuantity converts a decimal string such as "80" or "12.5" into
// quantity units, rejecting sub-step precision.
func ParseQuantity(s string) (Quantity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse quantity %q: %w", s, err)
	}
	units := d.Mul(decimal.New(int64(QtyScale), 0))
	if !units.IsInteger() {
		return 0, fmt.Errorf("quantity %s has more than 4 decimal places", s)
	}
	q := Quantity(units.IntPart())
	if q <= 0 {
		return 0, fmt.Errorf("quantity %s must be positive", s)
	}
	if !q.Aligned() {
		return 0, fmt.Errorf("quantity %s is off the %s step", s, QtyStep.String())
	}
	return q, nil
}

// ParseMoney converts a decimal dollar string into money units.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	units := d.Mul(decimal.New(int64(MoneyScale), 0))
	if !units.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than 4 decimal places", s)
	}
	return Money(units.IntPart()), nil
}

// MidPrice returns the midpoint of two prices, rounded down to the tick.
func MidPrice(bid, ask Price) Price { return (bid + ask) / 2 }
