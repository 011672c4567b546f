package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a raw, not yet netted execution as returned by the backend.
type Trade struct {
	UserName     string          `json:"userName"`
	SymbolID     string          `json:"symbolId"`
	SymbolTitle  string          `json:"symbolTitle"`
	ExchangeName string          `json:"exchangeName"`
	Side         string          `json:"side"` // "BUY", "SELL"
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	TradedAt     time.Time       `json:"tradedAt"`
}

// NormalizedSide returns the upper-cased side.
func (t *Trade) NormalizedSide() string {
	return strings.ToUpper(strings.TrimSpace(t.Side))
}

// Validate checks that the trade can take part in netting.
func (t *Trade) Validate() error {
	if t.UserName == "" || t.SymbolID == "" {
		return fmt.Errorf("trade missing identity: user=%q symbol=%q", t.UserName, t.SymbolID)
	}
	switch t.NormalizedSide() {
	case SideBuy, SideSell:
	default:
		return fmt.Errorf("trade %s/%s has unknown side %q", t.UserName, t.SymbolID, t.Side)
	}
	if t.Quantity.IsNegative() {
		return fmt.Errorf("trade %s/%s has negative quantity %s", t.UserName, t.SymbolID, t.Quantity)
	}
	return nil
}
