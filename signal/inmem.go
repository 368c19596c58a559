package signal

import (
	"context"
	"fmt"
	"sync"
)

// InmemStore is a process-local Store, suitable for tests and for
// single-process deployments: pending and fired waits are held in memory
// and are lost when the process exits. It is the only Store implementation
// in the module.
type InmemStore struct {
	mu      sync.Mutex
	pending map[string]Pending
	fired   map[string]any
}

// NewInmemStore builds an empty InmemStore.
func NewInmemStore() *InmemStore {
	return &InmemStore{pending: map[string]Pending{}, fired: map[string]any{}}
}

func key(sessionID, signalName string) string {
	return sessionID + "\x00" + signalName
}

// CreatePending implements Store.
func (s *InmemStore) CreatePending(ctx context.Context, p Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[key(p.SessionID, p.SignalName)] = p
	return nil
}

// Poll implements Store.
func (s *InmemStore) Poll(ctx context.Context, sessionID, signalName string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.fired[key(sessionID, signalName)]
	return v, ok, nil
}

// Resolve implements Store.
func (s *InmemStore) Resolve(ctx context.Context, sessionID, signalName string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(sessionID, signalName)
	if _, ok := s.pending[k]; !ok {
		return fmt.Errorf("signal: no pending wait for %q on session %q", signalName, sessionID)
	}
	s.fired[k] = value
	return nil
}
