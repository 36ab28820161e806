// Package staleness wraps a stream of optional samples so that a value the
// source stopped refreshing reads as absent.
package staleness

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/events"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/metrics"
)

const DefaultThreshold = 5 * time.Second

type Options struct {
	Clock   clock.Clock
	Metrics *metrics.Metrics
	// Name labels log lines and the expiry counter, e.g. "power".
	Name string
}

// Beacon forwards every upstream value immediately and replaces a present
// value with nil once threshold passes without a new emission.
type Beacon[T any] struct {
	logger    *log.Logger
	clk       clock.Clock
	threshold time.Duration
	metrics   *metrics.Metrics
	name      string
	out       *events.Beacon[*T]

	// mu is held while forwarding so an expiry can never overtake the
	// emission that superseded it.
	mu       sync.Mutex
	timer    *clock.Timer
	gen      uint64
	disposed bool
	unsub    func()
}

var _ events.Observable[*int] = (*Beacon[int])(nil)

// New subscribes to upstream right away. A non-positive threshold uses
// DefaultThreshold.
func New[T any](logger *log.Logger, upstream events.Observable[*T], threshold time.Duration, opts Options) *Beacon[T] {
	if logger == nil {
		panic("Staleness: logger cannot be nil")
	}
	if upstream == nil {
		panic("Staleness: upstream cannot be nil")
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	s := &Beacon[T]{
		logger:    logger,
		clk:       opts.Clock,
		threshold: threshold,
		metrics:   opts.Metrics,
		name:      opts.Name,
		out:       events.NewBeacon[*T](nil),
	}
	unsub := upstream.Listen(s.forward)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		unsub()
		return s
	}
	s.unsub = unsub
	s.mu.Unlock()
	return s
}

func (s *Beacon[T]) Value() *T { return s.out.Value() }

func (s *Beacon[T]) Listen(callback func(*T)) func() { return s.out.Listen(callback) }

func (s *Beacon[T]) Threshold() time.Duration { return s.threshold }

func (s *Beacon[T]) forward(value *T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}

	s.stopTimerLocked()
	s.gen++
	if value != nil {
		gen := s.gen
		s.timer = s.clk.AfterFunc(s.threshold, func() { s.expire(gen) })
	}
	s.out.Set(value)
}

func (s *Beacon[T]) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || gen != s.gen {
		return
	}
	s.timer = nil
	s.gen++
	s.logger.Printf("Staleness[%s]: no update for %v, clearing", s.name, s.threshold)
	s.metrics.StalenessExpired(s.name)
	s.out.Set(nil)
}

func (s *Beacon[T]) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Dispose stops forwarding. The last forwarded value is kept.
func (s *Beacon[T]) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.stopTimerLocked()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
