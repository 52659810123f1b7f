package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/errors"
)

// Symbol identifies a market on the exchange. Stream names use the
// lower-case form ("btcusdt") while event payloads carry it upper-case
// ("BTCUSDT"); values are kept exactly as received.
type Symbol string

// EventTime is the millisecond UNIX timestamp the exchange assigns to an
// event at the moment it is generated. Feed latency is measured against
// it.
type EventTime int64

// Time converts the exchange timestamp to a time.Time.
func (t EventTime) Time() time.Time {
	return time.Unix(0, int64(t)*int64(time.Millisecond))
}

// PriceLevel is a single order book level. Price and Quantity are kept
// as the decimal strings the exchange sent; see PricePennies for the
// numeric form of the price.
type PriceLevel struct {
	Price    string
	Quantity string
}

// The exchange encodes levels as two-element arrays: ["123.45", "0.5"].
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair [2]string

	if err := json.Unmarshal(data, &pair); err != nil {
		return errors.Annotatef(err, "unmarshalling price level")
	}

	l.Price = pair[0]
	l.Quantity = pair[1]

	return nil
}

func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{l.Price, l.Quantity})
}

// PricePennies parses the level's price string into Pennies.
func (l PriceLevel) PricePennies() (Pennies, error) {
	return ParsePennies(l.Price)
}

// DepthUpdate is an incremental order book update ("depthUpdate" event).
// For any depth stream this is the only event type delivered.
type DepthUpdate struct {
	EventTime EventTime    `json:"E"`
	Symbol    Symbol       `json:"s"`
	FirstID   int64        `json:"U"`
	LastID    int64        `json:"u"`
	Bids      []PriceLevel `json:"b"`
	Asks      []PriceLevel `json:"a"`
}

func (v DepthUpdate) String() string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("[failed to stringify DepthUpdate: %s]", err)
	}

	return string(data)
}

// BookTicker is a best bid/ask update ("bookTicker" event).
type BookTicker struct {
	UpdateID  int64     `json:"u"`
	EventTime EventTime `json:"E"`
	Symbol    Symbol    `json:"s"`
	BidPrice  string    `json:"b"`
	BidQty    string    `json:"B"`
	AskPrice  string    `json:"a"`
	AskQty    string    `json:"A"`
}

func (v BookTicker) String() string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("[failed to stringify BookTicker: %s]", err)
	}

	return string(data)
}

// AggTrade is an aggregated trade update ("aggTrade" event).
type AggTrade struct {
	EventTime    EventTime `json:"E"`
	Symbol       Symbol    `json:"s"`
	TradeID      int64     `json:"a"`
	Price        string    `json:"p"`
	Quantity     string    `json:"q"`
	TradeTime    EventTime `json:"T"`
	IsBuyerMaker bool      `json:"m"`
}

func (v AggTrade) String() string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("[failed to stringify AggTrade: %s]", err)
	}

	return string(data)
}
