// Package ticker owns the single market-data connection of the process and
// fans its ticks out to any number of subscribers.
package ticker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradedesk/internal/domain"
	"tradedesk/internal/infra"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("tick manager closed")

const defaultQueueSize = 1024

// Config bounds queues and reconnection.
type Config struct {
	QueueSize  int           // per-subscriber buffer
	BaseDelay  time.Duration // first reconnect delay
	MaxDelay   time.Duration // reconnect delay cap
	MaxRetries int           // consecutive failed opens before giving up; 0 = unlimited
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *infra.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// OnStateChange registers a hook invoked on every state transition, on the
// goroutine that caused it.
func OnStateChange(fn func(from, to State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// Manager multiplexes one Transport connection to many subscribers.
// Construct one per process and share it.
type Manager struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger
	metrics   *infra.Metrics
	onState   func(from, to State)

	mu      sync.RWMutex
	subs    map[uuid.UUID]*subscriber
	state   State
	stateCh chan struct{} // closed and replaced on every transition
	cancel  context.CancelFunc
	closed  bool
	lastErr error

	wg sync.WaitGroup
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(t Transport, cfg Config, opts ...Option) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = infra.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = infra.MaxDelay
	}
	m := &Manager{
		transport: t,
		cfg:       cfg,
		logger:    slog.Default(),
		metrics:   infra.GlobalMetrics,
		subs:      make(map[uuid.UUID]*subscriber),
		stateCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("module", "ticker"), slog.String("transport", t.Name()))
	return m
}

// Connect starts the connection loop. It is a no-op while the loop is
// already Connecting or Connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.lastErr = nil
	m.wg.Add(1)
	m.mu.Unlock()

	go m.connectionLoop(ctx)
	return nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err returns the error that stopped the connection loop, if it gave up.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// WaitForState blocks until the manager is in state s or ctx is done.
func (m *Manager) WaitForState(ctx context.Context, s State) error {
	for {
		m.mu.RLock()
		cur, ch := m.state, m.stateCh
		m.mu.RUnlock()
		if cur == s {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (m *Manager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Subscribe registers fn for every tick delivered from now on. fn runs on a
// goroutine owned by the subscription, one tick at a time, in stream order.
func (m *Manager) Subscribe(fn domain.TickHandler) *Subscription {
	return m.add(newSubscriber(m, fn, nil))
}

// SubscribeChan delivers ticks on a channel with the given buffer. The
// channel is closed after Unsubscribe or Close.
func (m *Manager) SubscribeChan(buffer int) (<-chan domain.Tick, *Subscription) {
	out := make(chan domain.Tick, buffer)
	return out, m.add(newSubscriber(m, nil, out))
}

func (m *Manager) add(s *subscriber) *Subscription {
	sub := &Subscription{id: s.id, m: m}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.stop()
		go s.run()
		m.logger.Warn("Subscribe after close ignored")
		return sub
	}
	m.subs[s.id] = s
	n := len(m.subs)
	m.mu.Unlock()

	m.metrics.SetSubscribers(n)
	go s.run()
	return sub
}

func (m *Manager) remove(id uuid.UUID) {
	m.mu.Lock()
	s, ok := m.subs[id]
	delete(m.subs, id)
	n := len(m.subs)
	m.mu.Unlock()

	if ok {
		s.stop()
		m.metrics.SetSubscribers(n)
	}
}

// Close stops the connection loop, closes the stream and drops every
// subscriber. A closed Manager cannot reconnect.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	subs := m.subs
	m.subs = make(map[uuid.UUID]*subscriber)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	for _, s := range subs {
		s.stop()
	}
	m.metrics.SetSubscribers(0)
	m.setState(StateDisconnected)

	if c, ok := m.transport.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	if prev == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	close(m.stateCh)
	m.stateCh = make(chan struct{})
	m.mu.Unlock()

	m.logger.Debug("State changed", slog.String("from", prev.String()), slog.String("to", s.String()))
	if m.onState != nil {
		m.onState(prev, s)
	}
}

func (m *Manager) connectionLoop(ctx context.Context) {
	var exitErr error
	defer m.wg.Done()
	defer func() { m.loopExited(exitErr) }()

	retryCount := 0
	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)
		stream, err := m.transport.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			connErr := &domain.ConnectionError{Transport: m.transport.Name(), Err: err}
			m.setState(StateDisconnected)

			retryCount++
			if m.cfg.MaxRetries > 0 && retryCount > m.cfg.MaxRetries {
				m.logger.Error("Giving up on stream", slog.Any("error", connErr), slog.Int("retries", retryCount-1))
				exitErr = fmt.Errorf("%w after %d retries: %w", domain.ErrConnectionFailed, retryCount-1, connErr)
				return
			}

			delay := infra.Backoff(retryCount-1, m.cfg.BaseDelay, m.cfg.MaxDelay)
			m.logger.Warn("Stream connection failed", slog.Any("error", connErr), slog.Int("retry", retryCount), slog.Duration("delay", delay))
			m.metrics.RecordReconnect()
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		retryCount = 0
		m.metrics.IncrementConnections()
		m.setState(StateConnected)
		m.logger.Info("Stream connected")

		err = m.readLoop(ctx, stream)
		_ = stream.Close()
		m.metrics.DecrementConnections()
		m.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("Stream dropped", slog.Any("error", &domain.ConnectionError{Transport: m.transport.Name(), Err: err}))
		m.metrics.RecordReconnect()
		// A stream that drops right after opening must not spin
		if !sleep(ctx, m.cfg.BaseDelay) {
			return
		}
	}
}

func (m *Manager) loopExited(err error) {
	m.setState(StateDisconnected)
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.lastErr = err
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) readLoop(ctx context.Context, stream Stream) error {
	for {
		frame, err := stream.Next(ctx)
		if err != nil {
			return err
		}

		ticks, err := DecodeFrame(frame)
		if err != nil {
			m.metrics.RecordDecodeError()
			m.logger.Debug("Rejected frame entries", slog.Any("error", err))
		}
		for _, t := range ticks {
			m.metrics.RecordTickReceived()
			m.dispatch(t)
		}
	}
}

// dispatch never blocks: a full subscriber queue drops the tick for that
// subscriber only.
func (m *Manager) dispatch(t domain.Tick) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subs {
		if s.offer(t) {
			m.metrics.RecordTickDelivered()
		} else {
			m.metrics.RecordTickDropped()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
