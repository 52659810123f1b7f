package websocket

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"feedmon/client/websocket/internal"
	"feedmon/common"

	"github.com/cryptowatch/clock"
	"github.com/google/uuid"
	"github.com/juju/errors"
)

// DefaultFeedURL is the production feed endpoint; the combined-stream path
// is appended to it.
const DefaultFeedURL = "wss://fstream.binance.com"

// The following errors are returned from the FeedClient.
var (
	// ErrNotConnected means the connection is not established when the client
	// tried to e.g. send a message, or close the connection.
	ErrNotConnected = errors.New("not connected")

	// ErrConnLoopActive means the client tried to connect when the client is
	// already connecting.
	ErrConnLoopActive = errors.New("connection loop is already active")

	// ErrRetriesExhausted means the client failed to connect more times in a
	// row than the retry policy conceals, and gave up.
	ErrRetriesExhausted = errors.New("connection attempts exhausted")
)

// WSParams contains options for opening a websocket connection.
type WSParams struct {
	// URL is the base URL to connect to over websockets. You will not have
	// to set this unless testing against a non-production environment since
	// a default is always used.
	URL string

	// RetryPolicy controls reconnection after failures and disconnections.
	// A sensible default is used when nil.
	RetryPolicy *RetryPolicy
}

// ConnState represents the websocket connection state
type ConnState int

// The following constants represent every possible ConnState.
const (
	// ConnStateDisconnected means we're disconnected and not trying to connect.
	// connLoop is not running.
	ConnStateDisconnected ConnState = iota

	// ConnStateWaitBeforeReconnect means we already tried to connect, but then
	// either the connection failed, or succeeded but later disconnected for
	// some reason, and now we're waiting for a backoff delay before connecting
	// again.
	ConnStateWaitBeforeReconnect

	// ConnStateConnecting means we're dialing the server right now.
	ConnStateConnecting

	// ConnStateEstablished means the connection is ready and the feed is
	// flowing.
	ConnStateEstablished

	// ConnStateAny can be used with OnStateChange() and OnStateChangeOpt()
	// in order to listen for all states.
	ConnStateAny = -1
)

// ConnStateNames contains human-readable names for connection states.
var ConnStateNames = map[ConnState]string{
	ConnStateDisconnected:        "disconnected",
	ConnStateWaitBeforeReconnect: "wait-before-reconnect",
	ConnStateConnecting:          "connecting",
	ConnStateEstablished:         "established",
}

// FeedClientParams contains params for creating a new feed client.
type FeedClientParams struct {
	WSParams *WSParams

	// Streams is the list of streams to subscribe to, like
	// "btcusdt@depth@0ms". At least one is required; all of them are
	// multiplexed over the single combined-stream connection.
	Streams []string

	// clock is a mockable; should only be set for tests.
	clock clock.Clock
}

// DepthUpdateCB defines a callback function for OnDepthUpdate. The time
// argument is the local receive time of the message, taken as close to the
// wire as possible.
type DepthUpdateCB func(update common.DepthUpdate, receivedAt time.Time)

// BookTickerCB defines a callback function for OnBookTicker.
type BookTickerCB func(update common.BookTicker, receivedAt time.Time)

// AggTradeCB defines a callback function for OnAggTrade.
type AggTradeCB func(update common.AggTrade, receivedAt time.Time)

// StateCallback is a signature of a state listener. See OnStateChange.
type StateCallback func(prevState, curState ConnState)

// OnErrorCB is a signature of an error listener. If the error is going to
// cause the disconnection, disconnecting is set to true. In this case, the
// error listeners are always called before the state listeners, so
// applications can just save the error, and display it later, when the
// disconnection actually happens.
type OnErrorCB func(err error, disconnecting bool)

type StateListenerOpt struct {
	// If OneOff is true, the listener will only be called once; otherwise
	// it'll be called every time the requested state becomes active.
	OneOff bool

	// If CallImmediately is true, and the state being subscribed to is active
	// at the moment, the callback will be called immediately (with the "old"
	// state being equal to the new one)
	CallImmediately bool
}

// FeedClient maintains a persistent connection to the market-data feed and
// delivers decoded updates, state transitions and errors through registered
// callbacks. All callbacks are invoked from the same internal goroutine,
// i.e. they are never called concurrently with each other; they shouldn't
// block, since a blocked listener also blocks the whole feed.
type FeedClient struct {
	params FeedClientParams

	transport *internal.FeedTransportConn

	// Current state; written only by the eventLoop. The mutex makes it
	// readable from any goroutine, including the callbacks themselves.
	state ConnState

	// sessionID identifies the current established session in logs; a fresh
	// one is assigned on every (re)connection. Guarded by mtx like state.
	sessionID string

	mtx sync.Mutex

	stateListeners map[ConnState][]stateListener
	onErrorCBs     []OnErrorCB

	depthUpdateListeners []DepthUpdateCB
	bookTickerListeners  []BookTickerCB
	aggTradeListeners    []AggTradeCB

	// internalEvents is a channel of events handled by eventLoop. See
	// internalEvent struct.
	internalEvents chan internalEvent
}

// rxMessage is a message received from the transport, stamped with the
// local receive time.
type rxMessage struct {
	data       []byte
	receivedAt time.Time
}

// internalEvent represents an event handled in eventLoop. Each field
// represents one kind of the event, and only a single field should be non-nil.
type internalEvent struct {
	// rx contains data received from the server via websocket.
	rx *rxMessage

	// transportStateUpdate represents an update of transport layer state.
	transportStateUpdate *transportStateUpdate

	// The requests below are results of client calls to the corresponding
	// registration or query methods.
	reqOnStateChange    *reqOnStateChange
	reqAddOnErrorCB     *reqAddOnErrorCB
	reqAddDepthUpdateCB *reqAddDepthUpdateCB
	reqAddBookTickerCB  *reqAddBookTickerCB
	reqAddAggTradeCB    *reqAddAggTradeCB
}

// reqOnStateChange is a request to add state listener
type reqOnStateChange struct {
	state ConnState
	cb    StateCallback
	opt   StateListenerOpt

	result chan<- struct{}
}

type reqAddOnErrorCB struct {
	cb     OnErrorCB
	result chan<- struct{}
}

type reqAddDepthUpdateCB struct {
	cb     DepthUpdateCB
	result chan<- struct{}
}

type reqAddBookTickerCB struct {
	cb     BookTickerCB
	result chan<- struct{}
}

type reqAddAggTradeCB struct {
	cb     AggTradeCB
	result chan<- struct{}
}

// transportStateUpdate is an update of transport layer state.
type transportStateUpdate struct {
	oldState internal.TransportState
	state    internal.TransportState

	cause error
}

// NewFeedClient creates a new feed client with the given params.
//
// Note that clients should manually call Connect on a newly created client;
// the rationale is that clients might register some state and/or message
// handlers before the connection, to avoid any possible races.
func NewFeedClient(params *FeedClientParams) (*FeedClient, error) {
	// Make a copy of params struct because we might alter it below
	p := *params

	if p.WSParams == nil {
		p.WSParams = &WSParams{}
	} else {
		wsParamsCopy := *p.WSParams
		p.WSParams = &wsParamsCopy
	}

	if len(p.Streams) == 0 {
		return nil, errors.New("at least one stream is required")
	}

	for _, s := range p.Streams {
		if s == "" {
			return nil, errors.New("empty stream name")
		}
	}

	if p.WSParams.URL == "" {
		p.WSParams.URL = DefaultFeedURL
	}

	if p.WSParams.RetryPolicy == nil {
		p.WSParams.RetryPolicy = DefaultRetryPolicy
	}

	if p.clock == nil {
		p.clock = clock.New()
	}

	policy := p.WSParams.RetryPolicy

	transport, err := internal.NewFeedTransportConn(&internal.FeedTransportParams{
		URL: combinedStreamURL(p.WSParams.URL, p.Streams),

		RetryDelays:   policy.Delays,
		ConcealCount:  policy.ConcealCount,
		JitterPercent: policy.JitterPercent,
		IdlePing:      policy.IdlePing,
		IdleHangup:    policy.IdleHangup,

		Clock: p.clock,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	c := &FeedClient{
		params:         p,
		transport:      transport,
		stateListeners: make(map[ConnState][]stateListener),
		internalEvents: make(chan internalEvent, 8),
	}

	transport.OnStateChange(
		func(_ *internal.FeedTransportConn, oldTransportState, transportState internal.TransportState, cause error) {
			c.internalEvents <- internalEvent{
				transportStateUpdate: &transportStateUpdate{
					oldState: oldTransportState,
					state:    transportState,
					cause:    cause,
				},
			}
		},
	)

	transport.OnRead(
		func(_ *internal.FeedTransportConn, data []byte) {
			// Stamp the receive time here, in the transport goroutine, so the
			// latency measurement doesn't include our own dispatch queue.
			c.internalEvents <- internalEvent{
				rx: &rxMessage{
					data:       data,
					receivedAt: c.params.clock.Now(),
				},
			}
		},
	)

	// Start goroutine which will dispatch updates and call listeners
	go c.eventLoop()

	return c, nil
}

// combinedStreamURL builds the combined-stream URL, e.g.
// wss://fstream.binance.com/stream?streams=btcusdt@depth@0ms/btcusdt@aggTrade
func combinedStreamURL(base string, streams []string) string {
	return strings.TrimSuffix(base, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// Connect either starts a connection goroutine (if state is
// ConnStateDisconnected), or makes it connect immediately, ignoring the
// backoff delay (if the state is ConnStateWaitBeforeReconnect). For other
// states, this returns an error.
//
// Connect doesn't wait for the connection to establish; it returns
// immediately.
func (c *FeedClient) Connect() (err error) {
	defer func() {
		// Translate internal transport errors to public ones
		if errors.Cause(err) == internal.ErrConnLoopActive {
			err = errors.Trace(ErrConnLoopActive)
		}
	}()

	if err := c.transport.Connect(); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// Close stops the connection (or reconnection loop, if active), and if
// websocket connection is active at the moment, closes it as well.
func (c *FeedClient) Close() (err error) {
	defer func() {
		// Translate internal transport errors to public ones
		if errors.Cause(err) == internal.ErrNotConnected {
			err = errors.Trace(ErrNotConnected)
		}
	}()

	if err = c.transport.Close(); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// URL returns the url the client connects to.
func (c *FeedClient) URL() string {
	return c.transport.URL()
}

// OnStateChange registers a new listener for the given state. The listener
// is registered with the default options (call the listener every time the
// state becomes active, and don't call the listener immediately for the
// current state). All registered callbacks for all states (and all update
// messages, see OnDepthUpdate) are called by the same internal goroutine,
// i.e. they are never called concurrently with each other.
//
// The order of listeners invocation for the same state is unspecified, and
// clients shouldn't rely on it.
//
// To subscribe to all state changes, use ConnStateAny as a state.
func (c *FeedClient) OnStateChange(state ConnState, cb StateCallback) {
	c.OnStateChangeOpt(state, cb, StateListenerOpt{})
}

// OnStateChangeOpt is like OnStateChange, but also takes additional
// options; see StateListenerOpt for details.
func (c *FeedClient) OnStateChangeOpt(state ConnState, cb StateCallback, opt StateListenerOpt) {
	result := make(chan struct{})

	c.internalEvents <- internalEvent{
		reqOnStateChange: &reqOnStateChange{
			state: state,
			cb:    cb,
			opt:   opt,

			result: result,
		},
	}

	<-result
}

// OnError registers a new error listener; see OnErrorCB for details.
func (c *FeedClient) OnError(cb OnErrorCB) {
	result := make(chan struct{})

	c.internalEvents <- internalEvent{
		reqAddOnErrorCB: &reqAddOnErrorCB{
			cb:     cb,
			result: result,
		},
	}

	<-result
}

// ConnClosedCallback defines the callback function for OnConnClosed.
type ConnClosedCallback func(state ConnState)

// OnConnClosed allows the client to set a callback for when the connection
// is lost. The new state of the client could be ConnStateDisconnected or
// ConnStateWaitBeforeReconnect.
func (c *FeedClient) OnConnClosed(cb ConnClosedCallback) {
	c.OnStateChange(ConnStateDisconnected, func(_, curState ConnState) {
		cb(curState)
	})
	c.OnStateChange(ConnStateWaitBeforeReconnect, func(_, curState ConnState) {
		cb(curState)
	})
}

// OnDepthUpdate registers a listener for order book depth updates.
func (c *FeedClient) OnDepthUpdate(cb DepthUpdateCB) {
	result := make(chan struct{})

	c.internalEvents <- internalEvent{
		reqAddDepthUpdateCB: &reqAddDepthUpdateCB{
			cb:     cb,
			result: result,
		},
	}

	<-result
}

// OnBookTicker registers a listener for best bid/ask updates.
func (c *FeedClient) OnBookTicker(cb BookTickerCB) {
	result := make(chan struct{})

	c.internalEvents <- internalEvent{
		reqAddBookTickerCB: &reqAddBookTickerCB{
			cb:     cb,
			result: result,
		},
	}

	<-result
}

// OnAggTrade registers a listener for aggregated trade updates.
func (c *FeedClient) OnAggTrade(cb AggTradeCB) {
	result := make(chan struct{})

	c.internalEvents <- internalEvent{
		reqAddAggTradeCB: &reqAddAggTradeCB{
			cb:     cb,
			result: result,
		},
	}

	<-result
}

// ConnState returns the current client connection state. Unlike the
// listener registration methods, it is safe to call from within a callback.
func (c *FeedClient) ConnState() ConnState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// SessionID returns the id of the current established session, or an empty
// string if the client hasn't been connected yet. A fresh id is assigned on
// every reconnection, which makes log lines from different sessions easy to
// tell apart. Like ConnState, it is safe to call from within a callback.
func (c *FeedClient) SessionID() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.sessionID
}

// stateListener wraps a state change callback and its options (one-off
// listeners are only called once, on the next event)
type stateListener struct {
	cb  StateCallback
	opt StateListenerOpt
}

type callStateListenersReq struct {
	listeners       []stateListener
	oldState, state ConnState
}

// NOTE: updateState should only be called from the eventLoop.
func (c *FeedClient) updateState(state ConnState) {
	if c.state == state {
		// No need to do anything
		return
	}

	oldState := c.state

	c.mtx.Lock()
	c.state = state
	c.mtx.Unlock()

	// Collect all listeners to call now
	listeners := append(c.stateListeners[state], c.stateListeners[ConnStateAny]...)

	// Remove one-off listeners
	c.stateListeners[state] = removeOneOff(c.stateListeners[state])
	c.stateListeners[ConnStateAny] = removeOneOff(c.stateListeners[ConnStateAny])

	c.callStateListeners(&callStateListenersReq{
		listeners: listeners,
		oldState:  oldState,
		state:     state,
	})
}

// NOTE: callOnErrorCBs should only be called from the eventLoop.
func (c *FeedClient) callOnErrorCBs(err error, disconnecting bool) {
	for _, cb := range c.onErrorCBs {
		cb(err, disconnecting)
	}
}

// removeOneOff takes a slice of listeners and returns a new one, with one-off
// listeners removed.
func removeOneOff(listeners []stateListener) []stateListener {
	newListeners := []stateListener{}

	for _, sl := range listeners {
		if !sl.opt.OneOff {
			newListeners = append(newListeners, sl)
		}
	}

	return newListeners
}

// eventLoop handles all internal events like transport state change, received
// data, or client calls to add listeners. See internalEvent struct.
func (c *FeedClient) eventLoop() {
	for {
		event := <-c.internalEvents

		if tsu := event.transportStateUpdate; tsu != nil {
			// Transport layer state changed; it translates 1-to-1 to the
			// client-level state (there is no authentication phase on this
			// feed, so Connected immediately means Established).

			var state ConnState
			switch tsu.state {
			case internal.TransportStateDisconnected:
				state = ConnStateDisconnected
			case internal.TransportStateWaitBeforeReconnect:
				state = ConnStateWaitBeforeReconnect
			case internal.TransportStateConnecting:
				state = ConnStateConnecting
			case internal.TransportStateConnected:
				state = ConnStateEstablished
			default:
				// Should never be here
				panic(fmt.Sprintf("unexpected transport state: %d", tsu.state))
			}

			if state == ConnStateEstablished {
				// Fresh session id for log correlation across reconnects.
				c.mtx.Lock()
				c.sessionID = uuid.New().String()
				c.mtx.Unlock()
			}

			// On-error callbacks are always called before the state
			// listeners, so applications can save the error and display it
			// together with the state change.
			if cause := translateCause(tsu.cause); cause != nil {
				c.callOnErrorCBs(cause, true)
			}

			c.updateState(state)
		} else if rx := event.rx; rx != nil {
			// Received some data; only expected (and dispatched) while the
			// connection is established.
			if c.state == ConnStateEstablished {
				c.handleMessage(rx.data, rx.receivedAt)
			}
		} else if req := event.reqOnStateChange; req != nil {
			// Request to add a new state listener.

			sl := stateListener{
				cb:  req.cb,
				opt: req.opt,
			}

			// Determine whether the callback should be called right now
			callNow := req.opt.CallImmediately && (req.state == c.state || req.state == ConnStateAny)

			// Update stored listeners if needed
			if !req.opt.OneOff || !callNow {
				c.stateListeners[req.state] = append(c.stateListeners[req.state], sl)
			}

			if callNow {
				c.callStateListeners(&callStateListenersReq{
					listeners: []stateListener{sl},
					oldState:  c.state,
					state:     c.state,
				})
			}

			req.result <- struct{}{}
		} else if req := event.reqAddOnErrorCB; req != nil {
			c.onErrorCBs = append(c.onErrorCBs, req.cb)
			req.result <- struct{}{}
		} else if req := event.reqAddDepthUpdateCB; req != nil {
			c.depthUpdateListeners = append(c.depthUpdateListeners, req.cb)
			req.result <- struct{}{}
		} else if req := event.reqAddBookTickerCB; req != nil {
			c.bookTickerListeners = append(c.bookTickerListeners, req.cb)
			req.result <- struct{}{}
		} else if req := event.reqAddAggTradeCB; req != nil {
			c.aggTradeListeners = append(c.aggTradeListeners, req.cb)
			req.result <- struct{}{}
		}
	}
}

// NOTE: callStateListeners should only be called from the eventLoop, to ensure
// that all callbacks are only invoked from a single goroutine.
func (c *FeedClient) callStateListeners(req *callStateListenersReq) {
	for _, sl := range req.listeners {
		sl.cb(req.oldState, req.state)
	}
}

// translateCause maps internal transport errors to their public
// counterparts, keeping the underlying detail in the error chain.
func translateCause(err error) error {
	switch errors.Cause(err) {
	case nil:
		return nil
	case internal.ErrRetriesExhausted:
		return errors.Wrap(err, ErrRetriesExhausted)
	default:
		return err
	}
}
