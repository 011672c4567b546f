package ticker

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"tradedesk/internal/domain"
)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id   uuid.UUID
	m    *Manager
	once sync.Once
}

// ID identifies the subscription.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Unsubscribe detaches the subscriber. No delivery starts after it returns.
// Safe to call more than once and from inside the callback.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.m.remove(s.id) })
}

type subscriber struct {
	id     uuid.UUID
	m      *Manager
	fn     domain.TickHandler
	out    chan domain.Tick
	queue  chan domain.Tick
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

func newSubscriber(m *Manager, fn domain.TickHandler, out chan domain.Tick) *subscriber {
	return &subscriber{
		id:    uuid.New(),
		m:     m,
		fn:    fn,
		out:   out,
		queue: make(chan domain.Tick, m.cfg.QueueSize),
		done:  make(chan struct{}),
	}
}

func (s *subscriber) offer(t domain.Tick) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.queue <- t:
		return true
	default:
		return false
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}

func (s *subscriber) run() {
	if s.out != nil {
		defer close(s.out)
	}
	for {
		select {
		case <-s.done:
			return
		case t := <-s.queue:
			if s.closed.Load() {
				return
			}
			s.deliver(t)
		}
	}
}

func (s *subscriber) deliver(t domain.Tick) {
	if s.out != nil {
		select {
		case s.out <- t:
		case <-s.done:
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.m.metrics.RecordHandlerPanic()
			s.m.logger.Error("Tick handler panicked", slog.String("subscription", s.id.String()), slog.Any("panic", r))
		}
	}()
	s.fn(t)
}
