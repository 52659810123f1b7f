package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepthUpdateUnmarshal(t *testing.T) {
	// A real depth update payload, as delivered inside the combined-stream
	// envelope
	data := []byte(`{
		"e": "depthUpdate",
		"E": 1700000000123,
		"s": "BTCUSDT",
		"U": 157,
		"u": 160,
		"b": [["41000.10", "1.5"], ["41000.00", "10.0"]],
		"a": [["41000.20", "2.5"]]
	}`)

	var du DepthUpdate
	require.NoError(t, json.Unmarshal(data, &du))

	assert.Equal(t, EventTime(1700000000123), du.EventTime)
	assert.Equal(t, Symbol("BTCUSDT"), du.Symbol)
	assert.Equal(t, int64(157), du.FirstID)
	assert.Equal(t, int64(160), du.LastID)

	require.Len(t, du.Bids, 2)
	assert.Equal(t, PriceLevel{Price: "41000.10", Quantity: "1.5"}, du.Bids[0])

	require.Len(t, du.Asks, 1)
	assert.Equal(t, PriceLevel{Price: "41000.20", Quantity: "2.5"}, du.Asks[0])

	price, err := du.Asks[0].PricePennies()
	require.NoError(t, err)
	assert.Equal(t, Pennies(4100020), price)
}

func TestBookTickerUnmarshal(t *testing.T) {
	data := []byte(`{
		"e": "bookTicker",
		"u": 400900217,
		"E": 1700000000456,
		"s": "BTCUSDT",
		"b": "41000.10",
		"B": "31.21",
		"a": "41000.20",
		"A": "40.66"
	}`)

	var bt BookTicker
	require.NoError(t, json.Unmarshal(data, &bt))

	assert.Equal(t, int64(400900217), bt.UpdateID)
	assert.Equal(t, Symbol("BTCUSDT"), bt.Symbol)
	assert.Equal(t, "41000.10", bt.BidPrice)
	assert.Equal(t, "40.66", bt.AskQty)
}

func TestAggTradeUnmarshal(t *testing.T) {
	data := []byte(`{
		"e": "aggTrade",
		"E": 1700000000789,
		"s": "BTCUSDT",
		"a": 5933014,
		"p": "41000.25",
		"q": "0.014",
		"T": 1700000000788,
		"m": true
	}`)

	var at AggTrade
	require.NoError(t, json.Unmarshal(data, &at))

	assert.Equal(t, int64(5933014), at.TradeID)
	assert.Equal(t, "41000.25", at.Price)
	assert.Equal(t, EventTime(1700000000788), at.TradeTime)
	assert.True(t, at.IsBuyerMaker)
}

func TestPriceLevelMalformed(t *testing.T) {
	var l PriceLevel

	// Levels must be two-element string arrays
	assert.Error(t, json.Unmarshal([]byte(`{"price": "1.00"}`), &l))
	assert.Error(t, json.Unmarshal([]byte(`[1.00, 2.00]`), &l))
}

func TestEventTime(t *testing.T) {
	et := EventTime(1700000000123)

	want := time.Unix(1700000000, 123*int64(time.Millisecond))
	assert.True(t, et.Time().Equal(want), "want %v, got %v", want, et.Time())
}
