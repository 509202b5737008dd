package tcpserver

import "sync"

// Peer is anything a ConnSet can shut down
type Peer interface {
	comparable
	Close() error
}

// ConnSet is the registry of live connections for one server.
// Every mutation and every iteration goes through its single mutex.
type ConnSet[T Peer] struct {
	mu     sync.Mutex
	peers  []T
	closed bool
}

// NewConnSet creates an empty, open set
func NewConnSet[T Peer]() *ConnSet[T] {
	return &ConnSet[T]{}
}

// Add registers p. After CloseAll the set is sealed: p is closed and false is returned.
func (s *ConnSet[T]) Add(p T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.Close()
		return false
	}
	s.peers = append(s.peers, p)
	s.mu.Unlock()
	return true
}

// Remove deregisters p and reports whether it was present.
// It does not close p.
func (s *ConnSet[T]) Remove(p T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, q := range s.peers {
		if q == p {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns the registered peers in registration order
func (s *ConnSet[T]) Snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]T, len(s.peers))
	copy(out, s.peers)
	return out
}

// Len returns the number of registered peers
func (s *ConnSet[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// CloseAll seals the set, then closes and clears every registered peer.
// Returns how many peers were closed.
func (s *ConnSet[T]) CloseAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	n := len(s.peers)
	for _, p := range s.peers {
		p.Close()
	}
	s.peers = nil
	return n
}
