package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick represents one quote update for a single instrument.
// Ticks are values: a newer tick for the same SymbolID supersedes the
// older one for display, but nothing mutates a delivered tick.
type Tick struct {
	SymbolID string          `json:"symbolId"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	LTP      decimal.Decimal `json:"ltp"` // Last traded price

	// Optional fields, nil when the source did not send them
	Change        *decimal.Decimal `json:"change,omitempty"`
	ChangePercent *decimal.Decimal `json:"changePercent,omitempty"`

	// Zero when the source did not stamp the tick
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// HasTimestamp reports whether the source stamped this tick.
func (t Tick) HasTimestamp() bool {
	return !t.Timestamp.IsZero()
}

// Spread returns Ask - Bid.
func (t Tick) Spread() decimal.Decimal {
	return t.Ask.Sub(t.Bid)
}

// ChangeDirection returns "positive", "negative", or "neutral"
func (t Tick) ChangeDirection() string {
	if t.Change == nil {
		return "neutral"
	}
	if t.Change.IsPositive() {
		return "positive"
	}
	if t.Change.IsNegative() {
		return "negative"
	}
	return "neutral"
}
