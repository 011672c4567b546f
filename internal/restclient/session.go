package restclient

import (
	"context"
	"log/slog"
	"sync"

	"tradedesk/internal/domain"
)

// StaticSession is a SessionProvider backed by a fixed service token.
// After ForceSignOut every Token call fails with domain.ErrSessionExpired.
type StaticSession struct {
	mu         sync.Mutex
	token      string
	deviceType string
	signedOut  bool
	reason     string
	onSignOut  func(reason string)
}

// NewStaticSession creates a session for token. onSignOut may be nil.
func NewStaticSession(token, deviceType string, onSignOut func(reason string)) *StaticSession {
	return &StaticSession{token: token, deviceType: deviceType, onSignOut: onSignOut}
}

func (s *StaticSession) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signedOut {
		return "", domain.ErrSessionExpired
	}
	return s.token, nil
}

func (s *StaticSession) DeviceType(ctx context.Context) string {
	return s.deviceType
}

func (s *StaticSession) ForceSignOut(ctx context.Context, reason string) {
	s.mu.Lock()
	already := s.signedOut
	s.signedOut = true
	s.reason = reason
	hook := s.onSignOut
	s.mu.Unlock()

	if already {
		return
	}
	slog.Warn("Session signed out", slog.String("module", "restclient"), slog.String("reason", reason))
	if hook != nil {
		hook(reason)
	}
}

// SignedOut reports whether the session was ended and why.
func (s *StaticSession) SignedOut() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signedOut, s.reason
}
