// Package inmem provides an in-memory contextcard.Store for tests and
// single-process cascades.
package inmem

import (
	"context"
	"sync"

	"github.com/cascaderun/cascade/contextcard"
)

// Store is a thread-safe in-memory contextcard.Store.
type Store struct {
	mu    sync.Mutex
	cards map[string][]contextcard.Card // sessionID -> ordered cards
}

// New constructs an empty Store.
func New() *Store {
	return &Store{cards: make(map[string][]contextcard.Card)}
}

// Put implements contextcard.Store.
func (s *Store) Put(ctx context.Context, card contextcard.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.cards[card.SessionID]
	for i, c := range list {
		if c.ContentHash == card.ContentHash {
			list[i] = card
			return nil
		}
	}
	s.cards[card.SessionID] = append(list, card)
	return nil
}

// ForSession implements contextcard.Store.
func (s *Store) ForSession(ctx context.Context, sessionID string) ([]contextcard.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contextcard.Card, len(s.cards[sessionID]))
	copy(out, s.cards[sessionID])
	return out, nil
}

// ForPhases implements contextcard.Store.
func (s *Store) ForPhases(ctx context.Context, sessionID string, phases []string) ([]contextcard.Card, error) {
	all, _ := s.ForSession(ctx, sessionID)
	if len(phases) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(phases))
	for _, p := range phases {
		want[p] = true
	}
	var out []contextcard.Card
	for _, c := range all {
		if want[c.PhaseName] {
			out = append(out, c)
		}
	}
	return out, nil
}
