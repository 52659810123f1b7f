package websocket

import (
	"encoding/json"
	"time"

	"feedmon/common"
)

// Event type tags the exchange puts in the "e" field of each payload.
const (
	eventTypeDepthUpdate = "depthUpdate"
	eventTypeBookTicker  = "bookTicker"
	eventTypeAggTrade    = "aggTrade"
)

// streamEnvelope is the combined-stream wrapper: every message names the
// stream it belongs to and carries the actual event under "data".
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// eventHeader is the common prefix of every event payload, used to pick the
// concrete type to unmarshal into.
type eventHeader struct {
	Type string `json:"e"`
}

// handleMessage decodes one received message and dispatches it to the
// registered listeners. Malformed messages, unknown event types and events
// with missing fields are dropped silently: the feed is best effort, and
// the next update supersedes anything lost.
//
// NOTE: handleMessage should only be called from the eventLoop.
func (c *FeedClient) handleMessage(data []byte, receivedAt time.Time) {
	payload := data

	// Messages from the combined endpoint are wrapped in an envelope;
	// single-stream endpoints deliver the bare event.
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err == nil && len(env.Data) > 0 {
		payload = env.Data
	}

	var hdr eventHeader
	if err := json.Unmarshal(payload, &hdr); err != nil {
		return
	}

	switch hdr.Type {
	case eventTypeDepthUpdate:
		var du common.DepthUpdate
		if err := json.Unmarshal(payload, &du); err != nil {
			return
		}
		for _, cb := range c.depthUpdateListeners {
			cb(du, receivedAt)
		}

	case eventTypeBookTicker:
		var bt common.BookTicker
		if err := json.Unmarshal(payload, &bt); err != nil {
			return
		}
		for _, cb := range c.bookTickerListeners {
			cb(bt, receivedAt)
		}

	case eventTypeAggTrade:
		var at common.AggTrade
		if err := json.Unmarshal(payload, &at); err != nil {
			return
		}
		for _, cb := range c.aggTradeListeners {
			cb(at, receivedAt)
		}
	}
}
