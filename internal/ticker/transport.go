package ticker

import (
	"context"
)

// Transport opens streams to the market-data source. Each Open is one
// connection attempt; the Manager owns retries.
type Transport interface {
	Name() string
	Open(ctx context.Context) (Stream, error)
}

// Stream yields raw frames until it fails or is closed. Next must return
// once ctx is cancelled.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// State of the Manager's connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
