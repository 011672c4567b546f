package aggregator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
)

// Net reduces raw trades to one row per (user, symbol), in the order each
// pair was first seen. BUY quantities go to the buy total, SELL to the sell
// total, and Price is the quantity-weighted average over every contributing
// trade. Flat results are kept. Invalid trades are skipped and reported in
// the returned error.
func Net(trades []domain.Trade) ([]domain.PositionRow, error) {
	type acc struct {
		row      domain.PositionRow
		notional decimal.Decimal
		qty      decimal.Decimal
	}

	order := make([]domain.PositionKey, 0)
	groups := make(map[domain.PositionKey]*acc)
	var errs []error

	for i := range trades {
		tr := &trades[i]
		if err := tr.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("trade %d: %w", i, err))
			continue
		}

		key := domain.PositionKey{UserName: tr.UserName, SymbolID: tr.SymbolID}
		g, ok := groups[key]
		if !ok {
			g = &acc{row: domain.PositionRow{UserName: tr.UserName, SymbolID: tr.SymbolID}}
			groups[key] = g
			order = append(order, key)
		}
		if g.row.SymbolTitle == "" {
			g.row.SymbolTitle = tr.SymbolTitle
		}
		if g.row.ExchangeName == "" {
			g.row.ExchangeName = tr.ExchangeName
		}

		switch tr.NormalizedSide() {
		case domain.SideBuy:
			g.row.BuyTotalQuantity = g.row.BuyTotalQuantity.Add(tr.Quantity)
		case domain.SideSell:
			g.row.SellTotalQuantity = g.row.SellTotalQuantity.Add(tr.Quantity)
		}
		g.notional = g.notional.Add(tr.Quantity.Mul(tr.Price))
		g.qty = g.qty.Add(tr.Quantity)
	}

	rows := make([]domain.PositionRow, 0, len(order))
	for _, key := range order {
		g := groups[key]
		if !g.qty.IsZero() {
			g.row.Price = g.notional.Div(g.qty)
		}
		g.row.Renet()
		rows = append(rows, g.row)
	}
	return rows, errors.Join(errs...)
}
