package position

import (
	"sync"
	"time"
)

// Store is the single source of truth for managed positions. The manager
// is the only writer; the Control API and Notifier read snapshots. The
// lock is never held across network calls.
type Store struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{positions: make(map[string]*Position)}
}

// Get returns a deep copy of one position.
func (s *Store) Get(symbol string) (*Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// Put stores a newly detected position.
func (s *Store) Put(pos *Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos.UpdatedAt = time.Now()
	s.positions[pos.Symbol] = pos
}

// Update applies fn to the stored position under the write lock. Returns
// false when the symbol is not tracked. fn must not block.
func (s *Store) Update(symbol string, fn func(*Position)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return false
	}
	fn(pos)
	pos.UpdatedAt = time.Now()
	return true
}

// Remove drops a symbol and returns the removed record.
func (s *Store) Remove(symbol string) (*Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return nil, false
	}
	delete(s.positions, symbol)
	return pos, true
}

// Has reports whether a symbol is tracked.
func (s *Store) Has(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.positions[symbol]
	return ok
}

// Len returns the number of tracked positions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// Symbols returns the tracked symbols.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.positions))
	for sym := range s.positions {
		out = append(out, sym)
	}
	return out
}

// Snapshot returns deep copies of every tracked position.
func (s *Store) Snapshot() []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, pos.Clone())
	}
	return out
}
