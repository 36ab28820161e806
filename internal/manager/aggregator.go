package manager

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/events"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/metrics"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/staleness"
)

// aggregator follows one metric of whichever device is the effective source
// and republishes it through a staleness beacon.
type aggregator[S any] struct {
	metric Metric
	logger *log.Logger
	stream func(Device) events.Observable[*S]

	raw   *events.Beacon[*S]
	fresh *staleness.Beacon[S]

	// switchMu makes a switch atomic: the old subscription is gone before the
	// new one delivers anything.
	switchMu sync.Mutex
	mu       sync.Mutex
	gen      uint64
	source   Device
	unsub    func()
}

func newAggregator[S any](logger *log.Logger, metric Metric, stream func(Device) events.Observable[*S], threshold time.Duration, clk clock.Clock, m *metrics.Metrics) *aggregator[S] {
	raw := events.NewBeacon[*S](nil)
	return &aggregator[S]{
		metric: metric,
		logger: logger,
		stream: stream,
		raw:    raw,
		fresh: staleness.New[S](logger, raw, threshold, staleness.Options{
			Clock:   clk,
			Metrics: m,
			Name:    metric.String(),
		}),
	}
}

// Output is the staleness-wrapped aggregated stream.
func (a *aggregator[S]) Output() events.Observable[*S] { return a.fresh }

func (a *aggregator[S]) Source() Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.source
}

// switchTo makes d the effective source. A nil d, or a device without the
// metric, publishes absent right away.
func (a *aggregator[S]) switchTo(d Device) {
	a.switchMu.Lock()
	defer a.switchMu.Unlock()

	a.mu.Lock()
	if a.source == d {
		a.mu.Unlock()
		return
	}
	oldUnsub := a.unsub
	a.unsub = nil
	a.source = d
	a.gen++
	gen := a.gen
	a.mu.Unlock()

	if oldUnsub != nil {
		oldUnsub()
	}

	var upstream events.Observable[*S]
	if d != nil {
		upstream = a.stream(d)
	}
	if upstream == nil {
		a.logger.Printf("DeviceManager: %s has no source", a.metric)
		a.mu.Lock()
		if a.gen == gen {
			a.raw.Set(nil)
		}
		a.mu.Unlock()
		return
	}

	a.logger.Printf("DeviceManager: %s now follows %s", a.metric, d.ID())
	unsub := upstream.Listen(func(v *S) { a.deliver(gen, v) })
	a.mu.Lock()
	if a.gen == gen {
		a.unsub = unsub
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	unsub()
}

// deliver drops values from a subscription that was switched away.
func (a *aggregator[S]) deliver(gen uint64, v *S) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen {
		return
	}
	a.raw.Set(v)
}

func (a *aggregator[S]) dispose() {
	a.switchMu.Lock()
	defer a.switchMu.Unlock()

	a.mu.Lock()
	unsub := a.unsub
	a.unsub = nil
	a.source = nil
	a.gen++
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	a.fresh.Dispose()
}
