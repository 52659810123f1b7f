package internal

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

type TransportState int

const (
	// TransportStateDisconnected means we're disconnected and not trying to connect.
	// connLoop is not running.
	TransportStateDisconnected TransportState = iota

	// TransportStateWaitBeforeReconnect means we already tried to connect, but then
	// either the connection failed, or succeeded but later disconnected for some
	// reason (see stateCause), and now we're waiting for a backoff delay before
	// connecting again. wsConn is nil, but connCtx and connCtxCancel are not,
	// and connLoop is running.
	TransportStateWaitBeforeReconnect

	// TransportStateConnecting means we're dialing the server right now.
	TransportStateConnecting

	// TransportStateConnected means the websocket connection is established.
	TransportStateConnected
)

const (
	// handshakeTimeout bounds the dial, including the TLS and websocket
	// upgrade rounds.
	handshakeTimeout = 45 * time.Second

	// controlWriteTimeout bounds writes of ping and close control frames.
	controlWriteTimeout = 5 * time.Second
)

var (
	ErrNotConnected     = errors.New("transport error: not connected")
	ErrConnLoopActive   = errors.New("transport error: connection loop is already active")
	ErrRetriesExhausted = errors.New("transport error: connection attempts exhausted")
)

// FeedTransportParams contains params for opening a client feed connection
// (see FeedTransportConn)
type FeedTransportParams struct {
	URL string

	// RetryDelays is the backoff table: after the n-th consecutive
	// connection failure the transport waits RetryDelays[n] before dialing
	// again. Consecutive failures beyond the end of the table reuse the
	// last entry.
	RetryDelays []time.Duration

	// ConcealCount is how many consecutive failures are concealed by
	// retrying before the conn loop gives up with ErrRetriesExhausted. A
	// ConcealCount larger than len(RetryDelays) means the transport never
	// gives up and keeps retrying at the last delay.
	ConcealCount int

	// JitterPercent (0-100) adds a random fraction of each delay on top of
	// it; 0 disables jitter.
	JitterPercent int

	// IdlePing is how long the connection may stay silent before a ping is
	// sent to provoke some traffic; IdleHangup is how long before the
	// connection is dropped as dead. Zero disables the respective timer.
	IdlePing   time.Duration
	IdleHangup time.Duration

	// Clock is a mockable; the prod value is used when nil.
	Clock clock.Clock
}

// FeedTransportConn is a client feed connection; it's typically wrapped into
// a more specific type of connection which knows how to unmarshal the data
// being received (see FeedClient).
type FeedTransportConn struct {
	params FeedTransportParams

	dialer *websocket.Dialer

	connTx chan WebsocketTx

	// Current state
	state TransportState
	// Error caused the current state; only relevant for TransportStateDisconnected and
	// TransportStateWaitBeforeReconnect, for other states it's always nil.
	stateCause error

	// retryCount is the number of consecutive connection failures; it goes
	// back to zero once a connection delivers data.
	retryCount int

	// onReadCB, if not nil, is called for each received websocket message.
	onReadCB onReadCallback

	// onStateChangeCB, if not nil, is called for each updated state.
	onStateChangeCB onStateChangeCallback

	// connCtx and connCtxCancel are context and its cancel func for the
	// currently running connLoop. If no connLoop is running at the moment (i.e.
	// the state is TransportStateDisconnected), these are nil.
	connCtx       context.Context
	connCtxCancel context.CancelFunc

	// wsConn is the currently active websocket connection, or nil if no
	// connection is established.
	wsConn *websocket.Conn

	// reconnectNow is a channel which is only non-nil in the
	// TransportStateWaitBeforeReconnect state, and closing it causes the reconnection to
	// happen immediately
	reconnectNow chan struct{}

	mtx sync.Mutex
}

// WebsocketTx represents message to send to the websocket
type WebsocketTx struct {
	MessageType int
	Data        []byte
	Res         chan error
}

// NewFeedTransportConn creates a new feed transport connection.
//
// Note that a client should manually call Connect on a newly created
// connection; the rationale is that clients might register state and/or
// message handler before the connection, to avoid any possible races.
func NewFeedTransportConn(params *FeedTransportParams) (*FeedTransportConn, error) {
	c := &FeedTransportConn{
		// Copy params defensively
		params: *params,

		// Requesting permessage-deflate matters when the server coalesces
		// many small messages into larger TLS records: compressing before
		// the TLS layer keeps the records small, so earlier messages are
		// not stuck waiting for the tail of a big record to arrive and be
		// decrypted.
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  handshakeTimeout,
			EnableCompression: true,
		},

		state:  TransportStateDisconnected,
		connTx: make(chan WebsocketTx, 1),
	}

	if len(c.params.RetryDelays) == 0 {
		return nil, errors.New("at least one retry delay is required")
	}

	if c.params.Clock == nil {
		c.params.Clock = clock.New()
	}

	// Start writeLoop right away, before even connecting, so that an attempt to
	// write something while not connected will result in a proper error.
	go c.writeLoop()

	return c, nil
}

// Connect either starts a connection goroutine (if state is
// TransportStateDisconnected), or makes it to stop waiting a timeout and connect right
// now (if state is TransportStateWaitBeforeReconnect). For other states, returns an
// error.
//
// It doesn't wait for the connection to establish, and returns immediately.
func (c *FeedTransportConn) Connect() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	switch c.state {
	case TransportStateDisconnected:
		// NOTE that we need to enter the state TransportStateConnecting here and not in
		// connLoop, in order to prevent the race which would result in multiple
		// running connLoops.
		c.retryCount = 0
		c.updateState(TransportStateConnecting, nil)

		go c.connLoop(c.connCtx, c.connCtxCancel)

	case TransportStateWaitBeforeReconnect:
		// We're waiting for a timeout before reconnecting; force it to reconnect
		// right now
		close(c.reconnectNow)

	case TransportStateConnecting, TransportStateConnected:
		// Already connected or connecting
		return errors.Trace(ErrConnLoopActive)
	}

	return nil
}

// Close stops reconnection loop (if reconnection was requested), and if
// websocket connection is active at the moment, closes it as well (with the
// code 1000, i.e. normal closure). If graceful websocket closure fails, the
// forceful one is performed.
func (c *FeedTransportConn) Close() error {
	if err := c.CloseOpt(websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), true); err != nil {
		return errors.Trace(err)
	}

	return nil
}

func (c *FeedTransportConn) CloseOpt(data []byte, stopReconnecting bool) error {
	c.mtx.Lock()
	wsConn := c.wsConn

	if c.state == TransportStateDisconnected {
		c.mtx.Unlock()
		return errors.Trace(ErrNotConnected)
	}

	// If asked to stop reconnection, cancel the conn context, which will
	// cause connLoop to quit once the current websocket connection (if any)
	// is closed
	if stopReconnecting {
		c.connCtxCancel()
	}
	c.mtx.Unlock()

	// If websocket connection is active, close it, which will cause connLoop
	// break out of recvLoop (and then either reconnect or quit, depending on the
	// stopReconnecting arg)
	if wsConn != nil {
		if err := wsConn.WriteControl(websocket.CloseMessage, data, time.Now().Add(controlWriteTimeout)); err != nil {
			// Graceful close failed, try to close forcefully
			return errors.Trace(wsConn.Close())
		}
	}

	return nil
}

// URL returns an url used for connection
func (c *FeedTransportConn) URL() string {
	return c.params.URL
}

// GetState returns connection state
func (c *FeedTransportConn) GetState() TransportState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

type onReadCallback func(conn *FeedTransportConn, data []byte)
type onStateChangeCallback func(conn *FeedTransportConn, oldState, state TransportState, cause error)

// OnRead sets on-read callback; it should be called once right after creation
// of the FeedTransportConn, before the connection is established.
func (c *FeedTransportConn) OnRead(cb onReadCallback) {
	c.onReadCB = cb
}

func (c *FeedTransportConn) OnStateChange(cb onStateChangeCallback) {
	c.onStateChangeCB = cb
}

// Send sends data to the websocket if it's connected
func (c *FeedTransportConn) Send(ctx context.Context, data []byte) error {
	// Note that we don't check here whether the socket is connected,
	// as it's checked by the writeLoop() which will receive our message
	// from c.connTx.

	res := make(chan error)

	// Request the websocket write
	c.connTx <- WebsocketTx{
		MessageType: websocket.TextMessage,
		Data:        data,
		Res:         res,
	}

	select {
	case err := <-res:
		if err != nil {
			return errors.Annotatef(err, "sending msg")
		}
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}

	return nil
}

// retryDelay consults the backoff table for the given consecutive-failure
// count. The second return value is false when the failure count can no
// longer be concealed and the conn loop should give up.
func (c *FeedTransportConn) retryDelay(failures int) (time.Duration, bool) {
	if c.params.ConcealCount <= len(c.params.RetryDelays) && failures >= c.params.ConcealCount {
		return 0, false
	}

	i := failures
	if i >= len(c.params.RetryDelays) {
		i = len(c.params.RetryDelays) - 1
	}

	delay := c.params.RetryDelays[i]
	if c.params.JitterPercent > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)*int64(c.params.JitterPercent)/100 + 1))
	}

	return delay, true
}

// enterLeaveState should be called on leaving and entering each state. So,
// when changing state from A to B, it's called twice, like this:
//
//      enterLeaveState(A, false)
//      enterLeaveState(B, true)
func (c *FeedTransportConn) enterLeaveState(state TransportState, enter bool) {
	switch state {

	case TransportStateDisconnected:
		// connCtx and its cancel func should be present in all states but
		// TransportStateDisconnected
		if enter {
			c.connCtx = nil
			c.connCtxCancel = nil
		} else {
			c.connCtx, c.connCtxCancel = context.WithCancel(context.Background())
		}

	case TransportStateWaitBeforeReconnect:
		// reconnectNow is present only in TransportStateWaitBeforeReconnect
		if enter {
			c.reconnectNow = make(chan struct{})
		} else {
			c.reconnectNow = nil
		}

	case TransportStateConnecting:
		// Nothing special to do for the TransportStateConnecting state

	case TransportStateConnected:
		// wsConn is present only in TransportStateConnected
		if enter {
			// wsConn is set by the calling code
		} else {
			c.wsConn = nil
		}
	}
}

func (c *FeedTransportConn) updateState(state TransportState, cause error) {
	// NOTE: c.mtx should be locked when updateState is called

	if c.state == state {
		// No need to do anything
		return
	}

	// Properly leave the current state
	c.enterLeaveState(c.state, false)

	oldState := c.state
	c.state = state
	c.stateCause = cause

	// Properly enter the new state
	c.enterLeaveState(c.state, true)

	if c.onStateChangeCB != nil {
		c.onStateChangeCB(c, oldState, state, cause)
	}
}

// connLoop establishes a connection, then keeps receiving all websocket
// messages (and calls onReadCB for each of them) until the connection is
// closed, then consults the retry policy: either waits for the backoff delay
// and connects again, or gives up once the consecutive failures exceed the
// conceal count.
func (c *FeedTransportConn) connLoop(connCtx context.Context, connCtxCancel context.CancelFunc) {
	var connErr error

	defer func() {
		c.mtx.Lock()
		defer c.mtx.Unlock()
		c.updateState(TransportStateDisconnected, connErr)
	}()

cloop:
	for {
		// When the goroutine is just started by Connect(), the state is already
		// TransportStateConnecting (see Connect() for the explanation on why), in which
		// case the updateState below is a no-op. When reconnecting though, the
		// state is different here, so it'll be changed to TransportStateConnecting.
		c.mtx.Lock()
		c.updateState(TransportStateConnecting, nil)
		c.mtx.Unlock()

		var wsConn *websocket.Conn
		wsConn, _, connErr = c.dialer.Dial(c.params.URL, nil)
		if connErr == nil {
			c.mtx.Lock()
			c.wsConn = wsConn
			c.updateState(TransportStateConnected, nil)
			c.mtx.Unlock()

			watchdog := newIdleWatchdog(c.params.Clock, wsConn, c.params.IdlePing, c.params.IdleHangup)

			// Will loop here until the websocket connection is closed
		recvLoop:
			for {
				msgType, data, err := wsConn.ReadMessage()
				if err != nil {
					connErr = err
					break recvLoop
				}

				// Heard from the server, so the connection is valid: the
				// consecutive-failure count starts over, and the idle timers
				// are re-armed.
				c.mtx.Lock()
				c.retryCount = 0
				c.mtx.Unlock()

				watchdog.Reset()

				switch msgType {
				case websocket.TextMessage, websocket.BinaryMessage:
					// Call on-read callback, if any
					if c.onReadCB != nil {
						c.onReadCB(c, data)
					}

				case websocket.CloseMessage:
					break recvLoop
				}
			}

			watchdog.Stop()
		}

		// The connection failed or dropped; that's one more consecutive
		// failure.
		c.mtx.Lock()
		failures := c.retryCount
		c.retryCount++
		c.mtx.Unlock()

		delay, retry := c.retryDelay(failures)
		if !retry {
			// Out of concealable failures; quit for good.
			if connErr == nil {
				connErr = errors.Trace(ErrRetriesExhausted)
			} else {
				connErr = errors.Wrap(connErr, ErrRetriesExhausted)
			}
			connCtxCancel()
		}

		// Check if we need to enter state TransportStateWaitBeforeReconnect
		select {
		case <-connCtx.Done():
			// Even though we have the same case in the select below, we want to
			// break cloop here, because if reconnection timeout is _also_ done, we
			// still want to break cloop instead of trying to reconnect.
			break cloop
		default:
			// Looks like we should reconnect (after a backoff delay), so set
			// the appropriate state
			c.mtx.Lock()
			c.updateState(TransportStateWaitBeforeReconnect, connErr)
			c.mtx.Unlock()
		}

		// Either wait for the backoff delay before reconnection, or quit.
	waitReconnect:
		select {
		case <-connCtx.Done():
			// Enough reconnections, quit now.
			break cloop

		case <-c.params.Clock.After(delay):
			// Will try to reconnect one more time
			break waitReconnect

		case <-c.reconnectNow:
			// Will try to reconnect one more time
			break waitReconnect
		}
	}
}

// writeLoop receives messages from c.connTx, and tries to send them
// to the active websocket connection, if any.
func (c *FeedTransportConn) writeLoop() {
cloop:
	for {
		msg := <-c.connTx

		// Get currently active websocket connection
		c.mtx.Lock()
		wsConn := c.wsConn
		c.mtx.Unlock()

		if wsConn == nil {
			msg.Res <- errors.Trace(ErrNotConnected)
			continue cloop
		}

		// Try to write the message
		err := errors.Trace(wsConn.WriteMessage(msg.MessageType, msg.Data))

		// Send resulting error to the requester
		msg.Res <- err
	}
}
