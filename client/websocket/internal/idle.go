package internal

import (
	"sync"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/gorilla/websocket"
)

// idleWatchdog enforces the idle policy on a single websocket connection:
// after pingAfter of silence it sends a ping to provoke some traffic, and
// after hangupAfter of silence it drops the connection as dead. The caller
// resets it on every received message.
type idleWatchdog struct {
	clk  clock.Clock
	conn *websocket.Conn

	pingAfter   time.Duration
	hangupAfter time.Duration

	mtx         sync.Mutex
	pingTimer   *clock.Timer
	hangupTimer *clock.Timer
	stopped     bool
}

func newIdleWatchdog(clk clock.Clock, conn *websocket.Conn, pingAfter, hangupAfter time.Duration) *idleWatchdog {
	w := &idleWatchdog{
		clk:         clk,
		conn:        conn,
		pingAfter:   pingAfter,
		hangupAfter: hangupAfter,
	}

	w.mtx.Lock()
	w.arm()
	w.mtx.Unlock()

	return w
}

// NOTE: arm should only be called with w.mtx held.
func (w *idleWatchdog) arm() {
	if w.pingAfter > 0 {
		w.pingTimer = w.clk.AfterFunc(w.pingAfter, func() {
			// Best effort: if the ping can't be written, the read side will
			// notice the broken connection on its own.
			w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout))
		})
	}

	if w.hangupAfter > 0 {
		w.hangupTimer = w.clk.AfterFunc(w.hangupAfter, func() {
			// Close forcefully rather than gracefully: a graceful closure
			// starts by writing to a peer we haven't heard from in a long
			// time, which would block until its own timeout.
			w.conn.Close()
		})
	}
}

// NOTE: disarm should only be called with w.mtx held.
func (w *idleWatchdog) disarm() {
	if w.pingTimer != nil {
		w.pingTimer.Stop()
		w.pingTimer = nil
	}

	if w.hangupTimer != nil {
		w.hangupTimer.Stop()
		w.hangupTimer = nil
	}
}

// Reset re-arms both timers; called on every received message.
func (w *idleWatchdog) Reset() {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.stopped {
		return
	}

	w.disarm()
	w.arm()
}

// Stop disarms the watchdog for good.
func (w *idleWatchdog) Stop() {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	w.stopped = true
	w.disarm()
}
