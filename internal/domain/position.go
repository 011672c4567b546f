package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
	SideFlat = "FLAT"
)

// PositionRow is the netted position of one user in one instrument.
// TotalQuantity is signed: positive is net long, negative is net short.
type PositionRow struct {
	UserName     string `json:"userName"`
	SymbolID     string `json:"symbolId"`
	SymbolTitle  string `json:"symbolTitle"`
	ExchangeName string `json:"exchangeName"`

	BuyTotalQuantity  decimal.Decimal `json:"buyTotalQuantity"`
	SellTotalQuantity decimal.Decimal `json:"sellTotalQuantity"`
	TotalQuantity     decimal.Decimal `json:"totalQuantity"`
	Price             decimal.Decimal `json:"price"` // Weighted average entry price

	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	LTP           decimal.Decimal `json:"ltp"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`

	M2M      decimal.Decimal `json:"m2m"`
	M2MTotal decimal.Decimal `json:"m2mTotal"` // Sum of M2M over the owner's rows

	// When Bid/Ask/LTP were last set. Zero means no pricing observed yet.
	PricedAt       time.Time `json:"pricedAt,omitempty"`
	// PricedAt came from the stream's own timestamp rather than the local
	// receipt time or a backend snapshot.
	PricedBySource bool      `json:"-"`
}

// Key returns the row identity.
func (p *PositionRow) Key() PositionKey {
	return PositionKey{UserName: p.UserName, SymbolID: p.SymbolID}
}

// Side returns BUY for a net long row, SELL for a net short row and FLAT otherwise.
func (p *PositionRow) Side() string {
	switch p.TotalQuantity.Sign() {
	case 1:
		return SideBuy
	case -1:
		return SideSell
	default:
		return SideFlat
	}
}

// HasPricing reports whether the row has seen a quote (from a tick or a snapshot).
func (p *PositionRow) HasPricing() bool {
	return !p.PricedAt.IsZero() || !p.LTP.IsZero()
}

// Renet recomputes TotalQuantity from the buy and sell totals.
func (p *PositionRow) Renet() {
	p.TotalQuantity = p.BuyTotalQuantity.Sub(p.SellTotalQuantity)
}

// Remark recomputes M2M = (LTP - Price) * TotalQuantity.
// A row without any pricing has zero M2M.
func (p *PositionRow) Remark() {
	if !p.HasPricing() {
		p.M2M = decimal.Zero
		return
	}
	p.M2M = p.LTP.Sub(p.Price).Mul(p.TotalQuantity)
}

// PositionKey identifies a row by (user, symbol).
type PositionKey struct {
	UserName string
	SymbolID string
}
