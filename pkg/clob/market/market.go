// Package market defines the binary market entity, its lifecycle, and a
// registry giving explicit acquisition of per-market state.
package market

import (
	"fmt"
	"time"

	"github.com/flipside-exchange/flipside/pkg/clob"
)

// Status is the lifecycle state of a market.
type Status int8

const (
	Open Status = iota
	Closed
	Resolved
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Closed:
		return "CLOSED"
	case Resolved:
		return "RESOLVED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Market is one binary question. Outcome is set exactly once, at
// resolution. OpenInterest counts outstanding YES/NO share pairs; the
// exchange holds $1 of collateral per pair until resolution pays the
// winning side.
type Market struct {
	ID           string        `json:"id"`
	Question     string        `json:"question"`
	Status       Status        `json:"status"`
	Outcome      *clob.Outcome `json:"outcome,omitempty"`
	OpenInterest int64         `json:"open_interest"` // in quantity units
	CloseTime    time.Time     `json:"close_time"`
	ResolveTime  time.Time     `json:"resolve_time,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// New creates an OPEN market.
func New(id, question string, closeTime time.Time) (*Market, error) {
	if id == "" {
		return nil, fmt.Errorf("market id cannot be empty")
	}
	if question == "" {
		return nil, fmt.Errorf("market question cannot be empty")
	}
	return &Market{
		ID:        id,
		Question:  question,
		Status:    Open,
		CloseTime: closeTime,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// AcceptsOrders reports whether new orders may be admitted.
func (m *Market) AcceptsOrders() bool { return m.Status == Open }

// Close transitions OPEN -> CLOSED. Resting orders survive a close.
func (m *Market) Close() error {
	if m.Status != Open {
		return fmt.Errorf("cannot close market %s in status %s", m.ID, m.Status)
	}
	m.Status = Closed
	return nil
}

// Resolve transitions CLOSED -> RESOLVED with the winning outcome.
// RESOLVED is terminal and the outcome is never changed afterwards.
func (m *Market) Resolve(outcome clob.Outcome, at time.Time) error {
	if m.Status != Closed {
		return fmt.Errorf("cannot resolve market %s in status %s", m.ID, m.Status)
	}
	m.Status = Resolved
	m.Outcome = &outcome
	m.ResolveTime = at
	return nil
}

// Cancel voids the market from any non-terminal status. Escrow is
// released and positions are zeroed without payout.
func (m *Market) Cancel() error {
	if m.Status == Resolved || m.Status == Cancelled {
		return fmt.Errorf("cannot cancel market %s in status %s", m.ID, m.Status)
	}
	m.Status = Cancelled
	return nil
}
