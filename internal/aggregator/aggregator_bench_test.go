package aggregator

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
)

func benchRows(users, symbols int) []domain.PositionRow {
	rows := make([]domain.PositionRow, 0, users*symbols)
	for u := 0; u < users; u++ {
		for s := 0; s < symbols; s++ {
			rows = append(rows, domain.PositionRow{
				UserName:         fmt.Sprintf("user%d", u),
				SymbolID:         fmt.Sprintf("SYM%d", s),
				BuyTotalQuantity: decimal.NewFromInt(int64(s + 1)),
				Price:            decimal.NewFromInt(100),
			})
		}
	}
	return rows
}

// BenchmarkAggregator_ApplyTick measures the per-tick merge cost for a
// symbol held by every user.
func BenchmarkAggregator_ApplyTick(b *testing.B) {
	a := New()
	if err := a.ApplySnapshot(benchRows(50, 20)); err != nil {
		b.Fatal(err)
	}
	tick := domain.Tick{SymbolID: "SYM3", Bid: decimal.NewFromInt(99), Ask: decimal.NewFromInt(101), LTP: decimal.NewFromInt(100)}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		tick.LTP = decimal.NewFromInt(int64(100 + i%10))
		a.ApplyTick(tick)
	}
}

// BenchmarkView_FullPipeline measures end-to-end tick processing.
// Note: This benchmark includes channel overhead.
func BenchmarkView_FullPipeline(b *testing.B) {
	v := NewView("bench", 4096)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go v.Run(ctx)

	if err := v.SubmitSnapshot(ctx, benchRows(10, 10)); err != nil {
		b.Fatal(err)
	}
	tick := domain.Tick{SymbolID: "SYM1", LTP: decimal.NewFromInt(100)}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		v.OnTick(tick)
	}
	if err := v.Sync(ctx); err != nil {
		b.Fatal(err)
	}
}
