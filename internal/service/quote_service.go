package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
	"tradedesk/internal/ticker"
)

// FavoritesKey is the settings key holding the comma separated favorites.
const FavoritesKey = "quotes.favorites"

// Quote is the latest observed tick for one symbol.
type Quote struct {
	Tick       domain.Tick     `json:"tick"`
	Spread     decimal.Decimal `json:"spread"`
	Direction  string          `json:"direction"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Updates    uint64          `json:"updates"`
	IsFavorite bool            `json:"isFavorite"`
}

// SettingsStore persists small key/value preferences.
type SettingsStore interface {
	SaveConfig(key, value string) error
	LoadConfigMap() (map[string]string, error)
}

// QuoteService keeps the latest quote per symbol across the whole stream,
// independent of any position view.
type QuoteService struct {
	mu       sync.RWMutex
	quotes   map[string]*Quote
	settings SettingsStore
	now      func() time.Time
}

// QuoteOption configures a QuoteService.
type QuoteOption func(*QuoteService)

// WithSettings persists favorites to store.
func WithSettings(store SettingsStore) QuoteOption {
	return func(s *QuoteService) { s.settings = store }
}

// WithQuoteClock overrides the receipt clock.
func WithQuoteClock(now func() time.Time) QuoteOption {
	return func(s *QuoteService) { s.now = now }
}

// NewQuoteService creates a new QuoteService instance
func NewQuoteService(opts ...QuoteOption) *QuoteService {
	s := &QuoteService{
		quotes: make(map[string]*Quote),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetAllQuotes returns copies of all quotes sorted by symbol
func (s *QuoteService) GetAllQuotes() []Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		result = append(result, *q)
	}

	// Sort by symbol for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].Tick.SymbolID < result[j].Tick.SymbolID
	})

	return result
}

// GetQuote returns the quote for a specific symbol
func (s *QuoteService) GetQuote(symbol string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[symbol]
	if !ok {
		return Quote{}, false
	}
	return *q, true
}

// Len returns the number of symbols seen.
func (s *QuoteService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quotes)
}

// Attach subscribes to m and processes its ticks until ctx ends or the
// subscription is dropped.
func (s *QuoteService) Attach(ctx context.Context, m *ticker.Manager, buffer int) *ticker.Subscription {
	ch, sub := m.SubscribeChan(buffer)
	s.StartTickProcessor(ctx, ch)
	return sub
}

// StartTickProcessor starts a background goroutine to process ticks from the channel
func (s *QuoteService) StartTickProcessor(ctx context.Context, ticks <-chan domain.Tick) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-ticks:
				if !ok {
					return
				}
				s.ProcessTicks([]domain.Tick{t})
			}
		}
	}()
}

// ProcessTicks stores each tick as its symbol's latest quote. A stamped tick
// older than a stored stamped tick is ignored; change fields absent from the
// tick keep their previous value.
func (s *QuoteService) ProcessTicks(ticks []domain.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, t := range ticks {
		if t.SymbolID == "" {
			continue
		}
		q, exists := s.quotes[t.SymbolID]
		if !exists {
			q = &Quote{}
			s.quotes[t.SymbolID] = q
		} else if t.HasTimestamp() && q.Tick.HasTimestamp() && t.Timestamp.Before(q.Tick.Timestamp) {
			// Only stream timestamps are comparable with each other
			continue
		}

		prev := q.Tick
		q.Tick = t
		if t.Change == nil {
			q.Tick.Change = prev.Change
		}
		if t.ChangePercent == nil {
			q.Tick.ChangePercent = prev.ChangePercent
		}
		q.Spread = q.Tick.Spread()
		q.Direction = q.Tick.ChangeDirection()
		q.ReceivedAt = now
		q.Updates++
	}
}

// LoadFavorites restores favorites from the settings store. Without a store
// it is a no-op.
func (s *QuoteService) LoadFavorites() error {
	if s.settings == nil {
		return nil
	}
	settings, err := s.settings.LoadConfigMap()
	if err != nil {
		return fmt.Errorf("load favorites: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range strings.Split(settings[FavoritesKey], ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			s.quoteLocked(sym).IsFavorite = true
		}
	}
	return nil
}

// SetFavorite sets the favorite status for a symbol and persists the
// resulting set when a settings store is configured.
func (s *QuoteService) SetFavorite(symbol string, isFavorite bool) error {
	if symbol == "" {
		return domain.ErrInvalidSymbol
	}

	s.mu.Lock()
	s.quoteLocked(symbol).IsFavorite = isFavorite
	favs := s.favoritesLocked()
	s.mu.Unlock()

	if s.settings == nil {
		return nil
	}
	if err := s.settings.SaveConfig(FavoritesKey, strings.Join(favs, ",")); err != nil {
		return fmt.Errorf("save favorites: %w", err)
	}
	return nil
}

// IsFavorite reports whether symbol is marked favorite.
func (s *QuoteService) IsFavorite(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return ok && q.IsFavorite
}

// Favorites returns favorite symbols in order.
func (s *QuoteService) Favorites() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.favoritesLocked()
}

func (s *QuoteService) favoritesLocked() []string {
	out := []string{}
	for sym, q := range s.quotes {
		if q.IsFavorite {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

func (s *QuoteService) quoteLocked(symbol string) *Quote {
	q, exists := s.quotes[symbol]
	if !exists {
		q = &Quote{Tick: domain.Tick{SymbolID: symbol}}
		s.quotes[symbol] = q
	}
	return q
}
