package stats

import (
	"time"

	"feedmon/common"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"
)

// DefaultInterval is how often the Reporter emits a Report.
const DefaultInterval = 1 * time.Second

// Report is a snapshot of one reporting window, emitted once per interval
// and after which the accumulators start over. Latency is in microseconds,
// Price in pennies; with the default one-second interval the sample counts
// double as per-second rates.
type Report struct {
	Latency Range
	Price   Range
}

// OnReportCB defines a callback function for ReporterParams.OnReport. Like
// the feed client's callbacks, it is invoked from the Reporter's own
// goroutine and shouldn't block.
type OnReportCB func(rep Report)

// ReporterParams contains params for creating a new Reporter.
type ReporterParams struct {
	// OnReport is called once per interval with the accumulated window,
	// except when the window had no samples at all.
	OnReport OnReportCB

	// Interval between reports; DefaultInterval when zero.
	Interval time.Duration

	// Below are mockables; should only be set for tests. By default, prod
	// values will be used.

	clock clock.Clock

	// internalEvent is called once when the event loop starts and then
	// right after processing each event. It's a no-op for prod.
	internalEvent func()
}

// observation is one magnitude headed for an accumulator.
type observation struct {
	latencyMicros *uint64
	pricePennies  *common.Pennies
}

// Reporter owns the latency and price accumulators on a single goroutine:
// observations arrive over a channel, and a clock ticker flushes the window
// once per interval. No locking is needed anywhere.
type Reporter struct {
	params ReporterParams

	latency Range
	price   Range

	observations chan observation
	stopChan     chan struct{}
}

// NewReporter creates a Reporter and starts its event loop.
func NewReporter(params *ReporterParams) (*Reporter, error) {
	r := &Reporter{
		// Copy params defensively
		params: *params,

		latency: NewRange(),
		price:   NewRange(),

		observations: make(chan observation, 128),
		stopChan:     make(chan struct{}),
	}

	if r.params.Interval == 0 {
		r.params.Interval = DefaultInterval
	}

	if r.params.Interval < 0 {
		return nil, errors.New("reporting interval must be positive")
	}

	if r.params.clock == nil {
		r.params.clock = clock.New()
	}

	if r.params.internalEvent == nil {
		r.params.internalEvent = func() {}
	}

	go r.eventLoop()

	return r, nil
}

// ObserveLatency feeds one feed-latency sample to the accumulator. Negative
// values happen when the local clock is behind the exchange's; they are
// clamped to zero rather than wrapped into huge magnitudes.
func (r *Reporter) ObserveLatency(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}

	micros := uint64(latency / time.Microsecond)
	r.observe(observation{latencyMicros: &micros})
}

// ObservePrice feeds one price sample to the accumulator.
func (r *Reporter) ObservePrice(price common.Pennies) {
	r.observe(observation{pricePennies: &price})
}

// ObserveDepthUpdate folds one depth update into both accumulators: the
// latency of its event timestamp relative to receivedAt, and the price of
// its first ask level, if any. A malformed or absent price is skipped
// silently. The signature matches websocket.DepthUpdateCB, so it can be
// registered on a feed client directly.
func (r *Reporter) ObserveDepthUpdate(update common.DepthUpdate, receivedAt time.Time) {
	r.ObserveLatency(receivedAt.Sub(update.EventTime.Time()))

	if len(update.Asks) == 0 {
		return
	}

	price, err := update.Asks[0].PricePennies()
	if err != nil {
		return
	}

	r.ObservePrice(price)
}

// observe hands the observation to the event loop. The feed is best effort:
// if the loop can't keep up, or the Reporter is stopped, the sample is
// dropped rather than blocking the caller.
func (r *Reporter) observe(obs observation) {
	select {
	case r.observations <- obs:
	case <-r.stopChan:
	default:
	}
}

// Stop tears the event loop down. The accumulated window is discarded.
func (r *Reporter) Stop() {
	close(r.stopChan)
}

func (r *Reporter) eventLoop() {
	ticker := r.params.clock.Ticker(r.params.Interval)
	defer ticker.Stop()

	r.params.internalEvent()

	for {
		select {
		case obs := <-r.observations:
			if obs.latencyMicros != nil {
				r.latency.Observe(*obs.latencyMicros)
			}
			if obs.pricePennies != nil {
				r.price.Observe(uint64(*obs.pricePennies))
			}

		case <-ticker.C:
			r.flush()

		case <-r.stopChan:
			return
		}

		r.params.internalEvent()
	}
}

// flush emits the window, if it had any samples, and resets both
// accumulators.
//
// NOTE: flush should only be called from the eventLoop.
func (r *Reporter) flush() {
	if r.latency.Samples > 0 || r.price.Samples > 0 {
		if r.params.OnReport != nil {
			r.params.OnReport(Report{
				Latency: r.latency,
				Price:   r.price,
			})
		}
	}

	r.latency.Reset()
	r.price.Reset()
}
