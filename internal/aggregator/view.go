package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
	"tradedesk/internal/event"
	"tradedesk/internal/ticker"
)

// ErrViewStopped is returned when submitting to a view whose loop has exited.
var ErrViewStopped = errors.New("view stopped")

// View runs one Aggregator on a single event-loop goroutine. Snapshots,
// trade batches and ticks are applied in the order they were enqueued and
// each event's Seq is its position in that order; reads take a copy under
// a read lock.
type View struct {
	name  string
	agg   *Aggregator
	inbox chan event.Event

	stopped chan struct{}
	stop    sync.Once

	mu      sync.RWMutex // guards agg, version and applied for external reads
	version uint64
	applied uint64

	subMu sync.Mutex
	sub   *ticker.Subscription

	onUpdate func(version uint64)
	logger   *slog.Logger
}

// ViewOption configures a View.
type ViewOption func(*View)

// WithAggregatorOptions passes options to the underlying Aggregator.
func WithAggregatorOptions(opts ...Option) ViewOption {
	return func(v *View) { v.agg = New(opts...) }
}

// WithViewLogger sets the logger.
func WithViewLogger(l *slog.Logger) ViewOption {
	return func(v *View) { v.logger = l }
}

// OnUpdate registers a hook called on the event loop after each applied
// event that changed rows.
func OnUpdate(fn func(version uint64)) ViewOption {
	return func(v *View) { v.onUpdate = fn }
}

// NewView creates a View. Call Run to start it.
func NewView(name string, inboxSize int, opts ...ViewOption) *View {
	if inboxSize <= 0 {
		inboxSize = 1024
	}
	v := &View{
		name:    name,
		agg:     New(),
		inbox:   make(chan event.Event, inboxSize),
		stopped: make(chan struct{}),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(slog.String("module", "view"), slog.String("view", name))
	return v
}

// Name returns the view name.
func (v *View) Name() string {
	return v.name
}

// Run starts the event loop. This MUST be run in a single goroutine.
func (v *View) Run(ctx context.Context) {
	v.logger.Info("View started")
	defer v.stop.Do(func() { close(v.stopped) })

	for {
		select {
		case <-ctx.Done():
			v.logger.Info("View stopping...")
			return
		case ev := <-v.inbox:
			v.processEvent(ev)
		}
	}
}

func (v *View) processEvent(ev event.Event) {
	v.mu.Lock()
	v.applied++
	ev.SetSeq(v.applied)
	changed := true
	switch e := ev.(type) {
	case *event.SnapshotEvent:
		if err := v.agg.ApplySnapshot(e.Rows); err != nil {
			v.logger.Warn("Snapshot rows rejected", slog.Any("error", err))
		}
	case *event.TradesEvent:
		if err := v.agg.IngestTrades(e.Trades); err != nil {
			v.logger.Warn("Trades rejected", slog.Any("error", err))
		}
	case *event.TickEvent:
		changed = v.agg.ApplyTick(e.Tick)
		defer event.ReleaseTickEvent(e)
	case *event.BarrierEvent:
		changed = false
		close(e.Done)
	default:
		changed = false
		v.logger.Warn("Unknown event type", slog.Any("type", ev.GetType()), slog.Uint64("seq", ev.GetSeq()))
	}
	if changed {
		v.version++
	}
	version := v.version
	v.mu.Unlock()

	if changed && v.onUpdate != nil {
		v.onUpdate(version)
	}
}

func (v *View) enqueue(ctx context.Context, ev event.Event) error {
	select {
	case v.inbox <- ev:
		return nil
	case <-v.stopped:
		return ErrViewStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitSnapshot enqueues pre-netted rows.
func (v *View) SubmitSnapshot(ctx context.Context, rows []domain.PositionRow) error {
	return v.enqueue(ctx, &event.SnapshotEvent{
		BaseEvent: event.BaseEvent{Ts: time.Now()},
		Rows:      rows,
	})
}

// SubmitTrades enqueues raw trades for netting.
func (v *View) SubmitTrades(ctx context.Context, trades []domain.Trade) error {
	return v.enqueue(ctx, &event.TradesEvent{
		BaseEvent: event.BaseEvent{Ts: time.Now()},
		Trades:    trades,
	})
}

// OnTick enqueues a tick. It blocks while the inbox is full, which only
// holds back this view's own subscription queue.
func (v *View) OnTick(t domain.Tick) {
	ev := event.AcquireTickEvent()
	ev.Ts = time.Now()
	ev.Tick = t

	select {
	case v.inbox <- ev:
	case <-v.stopped:
		event.ReleaseTickEvent(ev)
	}
}

// Sync waits until every event enqueued before the call has been applied.
func (v *View) Sync(ctx context.Context) error {
	ev := &event.BarrierEvent{
		BaseEvent: event.BaseEvent{Ts: time.Now()},
		Done:      make(chan struct{}),
	}
	if err := v.enqueue(ctx, ev); err != nil {
		return err
	}
	select {
	case <-ev.Done:
		return nil
	case <-v.stopped:
		return ErrViewStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach subscribes the view to m. Attaching twice is a no-op.
func (v *View) Attach(m *ticker.Manager) {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	if v.sub != nil {
		return
	}
	v.sub = m.Subscribe(v.OnTick)
}

// Detach drops the tick subscription.
func (v *View) Detach() {
	v.subMu.Lock()
	sub := v.sub
	v.sub = nil
	v.subMu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Seed fetches a snapshot from src and enqueues it. With fromTrades the raw
// trades are fetched and netted instead of pre-netted positions.
func (v *View) Seed(ctx context.Context, src domain.SnapshotSource, q domain.PositionQuery, fromTrades bool) error {
	if fromTrades {
		trades, err := src.Trades(ctx, q)
		if err != nil {
			return err
		}
		v.logger.Info("Seeded from trades", slog.Int("trades", len(trades)))
		return v.SubmitTrades(ctx, trades)
	}

	rows, err := src.Positions(ctx, q)
	if err != nil {
		return err
	}
	v.logger.Info("Seeded from positions", slog.Int("rows", len(rows)))
	return v.SubmitSnapshot(ctx, rows)
}

// Rows returns a copy of the current rows in insertion order.
func (v *View) Rows() []domain.PositionRow {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.agg.Rows()
}

// M2MTotal returns the user's current M2M sum.
func (v *View) M2MTotal(user string) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.agg.M2MTotal(user)
}

// Len returns the number of rows.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.agg.Len()
}

// Applied counts every event the loop has applied, including barriers and
// ticks that changed nothing.
func (v *View) Applied() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.applied
}

// Version counts applied events that changed rows. It only grows.
func (v *View) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}
