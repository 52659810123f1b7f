/*
Package websocket provides a client for the exchange's public market-data
websocket feed. The client keeps a single combined-stream connection nailed
up across failures, decodes the JSON event payloads, and delivers typed
updates through registered callbacks.

Connecting

The typical workflow is to create a FeedClient, set event handlers on it,
then initiate the connection. As events occur, the registered callbacks are
executed, all from the same internal goroutine.

	client, err := websocket.NewFeedClient(&websocket.FeedClientParams{
		Streams: []string{
			"btcusdt@depth@0ms",
			"btcusdt@bookTicker",
			"btcusdt@aggTrade",
		},
	})
	if err != nil {
		log.Fatalf("%s", err)
	}

	client.OnError(func(err error, disconnecting bool) {
		// Handle errors
	})

	client.OnDepthUpdate(func(update common.DepthUpdate, receivedAt time.Time) {
		// Handle live order book updates
	})

	client.Connect()

WSParams

URL is the base url of the feed to connect to. You will not need to supply
it unless you are testing against a non-production environment.

RetryPolicy determines how (and for how long) the client reconnects. By
default the client retries with a backoff table of one through five seconds
and gives up after one full set of retries; see RetryPolicy for how to make
it retry forever.

State and errors

OnStateChange delivers connection state transitions (use ConnStateAny to
observe all of them), and OnError delivers the errors which cause them. A
client that has exhausted its retry policy ends up in ConnStateDisconnected
with ErrRetriesExhausted reported to the error listeners.
*/
package websocket
