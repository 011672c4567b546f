// Package event defines the messages a position view serializes through its inbox.
package event

import (
	"time"

	"tradedesk/internal/domain"
)

// Type discriminates events.
type Type int

const (
	TypeSnapshot Type = iota + 1
	TypeTrades
	TypeTick
	TypeBarrier
)

func (t Type) String() string {
	switch t {
	case TypeSnapshot:
		return "snapshot"
	case TypeTrades:
		return "trades"
	case TypeTick:
		return "tick"
	case TypeBarrier:
		return "barrier"
	default:
		return "unknown"
	}
}

// Event is anything a view's event loop can apply.
type Event interface {
	GetSeq() uint64
	SetSeq(seq uint64)
	GetType() Type
}

// BaseEvent carries the apply position stamped by the event loop and the
// enqueue time. Seq is zero until the event is applied.
type BaseEvent struct {
	Seq uint64
	Ts  time.Time
}

func (b *BaseEvent) GetSeq() uint64 { return b.Seq }

func (b *BaseEvent) SetSeq(seq uint64) { b.Seq = seq }

// SnapshotEvent carries pre-netted rows from the REST backend.
type SnapshotEvent struct {
	BaseEvent
	Rows []domain.PositionRow
}

func (*SnapshotEvent) GetType() Type { return TypeSnapshot }

// TradesEvent carries raw executions to be netted.
type TradesEvent struct {
	BaseEvent
	Trades []domain.Trade
}

func (*TradesEvent) GetType() Type { return TypeTrades }

// TickEvent carries one streamed quote. Use the pool in pool.go.
type TickEvent struct {
	BaseEvent
	Tick domain.Tick
}

func (*TickEvent) GetType() Type { return TypeTick }

// BarrierEvent closes Done once every event enqueued before it was applied.
type BarrierEvent struct {
	BaseEvent
	Done chan struct{}
}

func (*BarrierEvent) GetType() Type { return TypeBarrier }
