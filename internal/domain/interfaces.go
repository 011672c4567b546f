package domain

import (
	"context"
)

// SessionProvider supplies the caller's credentials to the REST client.
// The identity provider behind it is external.
type SessionProvider interface {
	// Token returns the current session token, with or without a "Bearer " prefix.
	Token(ctx context.Context) (string, error)
	// DeviceType returns the device marker sent with every request.
	DeviceType(ctx context.Context) string
	// ForceSignOut ends the session after the backend rejected the token.
	ForceSignOut(ctx context.Context, reason string)
}

// PositionQuery selects the users whose snapshot is requested.
type PositionQuery struct {
	UserNames []string `json:"userNames,omitempty"`
}

// SnapshotSource fetches position snapshots from the backend.
type SnapshotSource interface {
	Positions(ctx context.Context, q PositionQuery) ([]PositionRow, error)
	Trades(ctx context.Context, q PositionQuery) ([]Trade, error)
}

// TickHandler receives ticks from the shared stream.
type TickHandler func(Tick)

// InstrumentCatalog resolves instrument metadata by symbol.
type InstrumentCatalog interface {
	Lookup(symbolID string) (InstrumentInfo, bool)
}
