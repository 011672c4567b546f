package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/domain"
)

func TestNet_GroupsInFirstSeenOrder(t *testing.T) {
	rows, err := Net([]domain.Trade{
		{UserName: "bob", SymbolID: "ETH", Side: "BUY", Quantity: d("1"), Price: d("10")},
		{UserName: "alice", SymbolID: "BTC", Side: "BUY", Quantity: d("10"), Price: d("100"), SymbolTitle: "Bitcoin"},
		{UserName: "bob", SymbolID: "ETH", Side: "SELL", Quantity: d("4"), Price: d("12")},
		{UserName: "alice", SymbolID: "BTC", Side: "BUY", Quantity: d("10"), Price: d("110"), ExchangeName: "X"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	bob, alice := rows[0], rows[1]
	assert.Equal(t, "bob", bob.UserName)
	assertDec(t, "1", bob.BuyTotalQuantity, "bob buy")
	assertDec(t, "4", bob.SellTotalQuantity, "bob sell")
	assertDec(t, "-3", bob.TotalQuantity, "bob total")
	assertDec(t, "11.6", bob.Price, "(1*10+4*12)/5")
	assert.Equal(t, domain.SideSell, bob.Side())

	assertDec(t, "20", alice.TotalQuantity, "alice total")
	assertDec(t, "105", alice.Price, "alice avg")
	assert.Equal(t, "Bitcoin", alice.SymbolTitle)
	assert.Equal(t, "X", alice.ExchangeName)
}

func TestNet_FlatPositionRetained(t *testing.T) {
	rows, err := Net([]domain.Trade{
		{UserName: "u", SymbolID: "S", Side: "BUY", Quantity: d("5"), Price: d("10")},
		{UserName: "u", SymbolID: "S", Side: "SELL", Quantity: d("5"), Price: d("12")},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].TotalQuantity.IsZero())
	assert.Equal(t, domain.SideFlat, rows[0].Side())
	assertDec(t, "11", rows[0].Price, "avg across both trades")
}

func TestNet_ZeroQuantityHasZeroPrice(t *testing.T) {
	rows, err := Net([]domain.Trade{
		{UserName: "u", SymbolID: "S", Side: "BUY", Quantity: d("0"), Price: d("10")},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Price.IsZero())
}

func TestNet_InvalidTradesSkipped(t *testing.T) {
	rows, err := Net([]domain.Trade{
		{UserName: "u", SymbolID: "S", Side: "HOLD", Quantity: d("1"), Price: d("1")},
		{UserName: "", SymbolID: "S", Side: "BUY", Quantity: d("1"), Price: d("1")},
		{UserName: "u", SymbolID: "S", Side: "BUY", Quantity: d("-1"), Price: d("1")},
		{UserName: "u", SymbolID: "S", Side: "BUY", Quantity: d("2"), Price: d("3")},
	})
	require.Error(t, err)
	require.Len(t, rows, 1)
	assertDec(t, "2", rows[0].TotalQuantity, "only the valid trade counts")
}

func TestNet_Empty(t *testing.T) {
	rows, err := Net(nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
