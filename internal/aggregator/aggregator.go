// Package aggregator merges REST position snapshots and streamed ticks into
// the netted, marked-to-market row set a view displays.
package aggregator

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
)

type quote struct {
	tick domain.Tick
	at   time.Time
}

// Aggregator owns the rows of one view. It is not safe for concurrent use;
// View serializes access to it.
type Aggregator struct {
	rows     []domain.PositionRow
	index    map[domain.PositionKey]int
	bySymbol map[string][]int
	byUser   map[string][]int
	quotes   map[string]quote

	catalog domain.InstrumentCatalog
	now     func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithCatalog fills missing titles and exchange names from c.
func WithCatalog(c domain.InstrumentCatalog) Option {
	return func(a *Aggregator) { a.catalog = c }
}

// WithClock overrides the receipt time used for ticks without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		index:    make(map[domain.PositionKey]int),
		bySymbol: make(map[string][]int),
		byUser:   make(map[string][]int),
		quotes:   make(map[string]quote),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ApplySnapshot merges rows keyed by (user, symbol), last write wins.
// Quantities and entry price are overwritten; observed pricing is replaced
// only when the snapshot carries fresher pricing. Unknown keys are appended.
// Rows without a symbol are skipped and reported in the returned error.
func (a *Aggregator) ApplySnapshot(rows []domain.PositionRow) error {
	touched := make(map[string]struct{})
	var errs []error

	for i := range rows {
		in := rows[i]
		if in.SymbolID == "" {
			errs = append(errs, fmt.Errorf("row %d: %w", i, domain.ErrInvalidSymbol))
			continue
		}
		a.enrich(&in)

		if idx, ok := a.index[in.Key()]; ok {
			a.mergeInto(&a.rows[idx], &in)
			a.rows[idx].Remark()
		} else {
			a.insert(in)
		}
		touched[in.UserName] = struct{}{}
	}

	for user := range touched {
		a.retotal(user)
	}
	return errors.Join(errs...)
}

// IngestTrades nets raw trades and merges the result like a snapshot.
func (a *Aggregator) IngestTrades(trades []domain.Trade) error {
	rows, netErr := Net(trades)
	return errors.Join(netErr, a.ApplySnapshot(rows))
}

// ApplyTick updates every row holding the tick's symbol and recomputes
// M2M and the owners' totals. It reports whether any row changed; a tick
// for an unknown symbol is only remembered for rows that arrive later.
// A stamped tick is skipped for a row only when that row was last priced by
// a newer stamped tick.
func (a *Aggregator) ApplyTick(t domain.Tick) bool {
	at := t.Timestamp
	if !t.HasTimestamp() {
		at = a.now()
	}
	a.quotes[t.SymbolID] = quote{tick: t, at: at}

	idxs := a.bySymbol[t.SymbolID]
	if len(idxs) == 0 {
		return false
	}

	touched := make(map[string]struct{})
	for _, idx := range idxs {
		row := &a.rows[idx]
		// Only stream timestamps are comparable with each other
		if t.HasTimestamp() && row.PricedBySource && at.Before(row.PricedAt) {
			continue
		}
		applyQuote(row, t, at)
		row.Remark()
		touched[row.UserName] = struct{}{}
	}

	for user := range touched {
		a.retotal(user)
	}
	return len(touched) > 0
}

// Rows returns a copy of every row in insertion order.
func (a *Aggregator) Rows() []domain.PositionRow {
	out := make([]domain.PositionRow, len(a.rows))
	copy(out, a.rows)
	return out
}

// Row returns a copy of one row.
func (a *Aggregator) Row(key domain.PositionKey) (domain.PositionRow, bool) {
	idx, ok := a.index[key]
	if !ok {
		return domain.PositionRow{}, false
	}
	return a.rows[idx], true
}

// M2MTotal returns the sum of M2M over the user's rows.
func (a *Aggregator) M2MTotal(user string) decimal.Decimal {
	idxs := a.byUser[user]
	if len(idxs) == 0 {
		return decimal.Zero
	}
	return a.rows[idxs[0]].M2MTotal
}

// Users returns the owners present, in first-seen order.
func (a *Aggregator) Users() []string {
	seen := make(map[string]bool, len(a.byUser))
	users := make([]string, 0, len(a.byUser))
	for i := range a.rows {
		u := a.rows[i].UserName
		if !seen[u] {
			seen[u] = true
			users = append(users, u)
		}
	}
	return users
}

// Len returns the number of rows.
func (a *Aggregator) Len() int {
	return len(a.rows)
}

func (a *Aggregator) insert(row domain.PositionRow) {
	row.Renet()
	if q, ok := a.quotes[row.SymbolID]; ok && (!row.HasPricing() || q.at.After(row.PricedAt)) {
		applyQuote(&row, q.tick, q.at)
	}
	row.Remark()

	idx := len(a.rows)
	a.rows = append(a.rows, row)
	a.index[row.Key()] = idx
	a.bySymbol[row.SymbolID] = append(a.bySymbol[row.SymbolID], idx)
	a.byUser[row.UserName] = append(a.byUser[row.UserName], idx)
}

func (a *Aggregator) mergeInto(cur, in *domain.PositionRow) {
	cur.BuyTotalQuantity = in.BuyTotalQuantity
	cur.SellTotalQuantity = in.SellTotalQuantity
	cur.Price = in.Price
	cur.Renet()

	if in.SymbolTitle != "" {
		cur.SymbolTitle = in.SymbolTitle
	}
	if in.ExchangeName != "" {
		cur.ExchangeName = in.ExchangeName
	}

	if in.HasPricing() && (!cur.HasPricing() || in.PricedAt.After(cur.PricedAt)) {
		cur.Bid = in.Bid
		cur.Ask = in.Ask
		cur.LTP = in.LTP
		cur.Change = in.Change
		cur.ChangePercent = in.ChangePercent
		cur.PricedAt = in.PricedAt
		cur.PricedBySource = false
	}
}

func (a *Aggregator) enrich(row *domain.PositionRow) {
	if a.catalog == nil || (row.SymbolTitle != "" && row.ExchangeName != "") {
		return
	}
	info, ok := a.catalog.Lookup(row.SymbolID)
	if !ok {
		return
	}
	if row.SymbolTitle == "" {
		row.SymbolTitle = info.Title
	}
	if row.ExchangeName == "" {
		row.ExchangeName = info.ExchangeName
	}
}

// retotal recomputes the user's M2M sum and stamps it on each of their rows.
func (a *Aggregator) retotal(user string) {
	idxs := a.byUser[user]
	total := decimal.Zero
	for _, idx := range idxs {
		total = total.Add(a.rows[idx].M2M)
	}
	for _, idx := range idxs {
		a.rows[idx].M2MTotal = total
	}
}

func applyQuote(row *domain.PositionRow, t domain.Tick, at time.Time) {
	row.Bid = t.Bid
	row.Ask = t.Ask
	row.LTP = t.LTP
	if t.Change != nil {
		row.Change = *t.Change
	}
	if t.ChangePercent != nil {
		row.ChangePercent = *t.ChangePercent
	}
	row.PricedAt = at
	row.PricedBySource = t.HasTimestamp()
}
