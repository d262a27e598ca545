package worker

import (
	"sync"

	"github.com/foxcpp/mailout/status"
	"github.com/foxcpp/mailout/storage"
)

// Store wraps a storage.Storage with a reader-writer lock so that the
// worker and the embedder's status queries can share it.
type Store struct {
	lock    sync.RWMutex
	backend storage.Storage
}

func NewStore(backend storage.Storage) *Store {
	return &Store{backend: backend}
}

func (s *Store) Store(email *status.PreparedEmail, st *status.InternalMessageStatus) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.backend.Store(email, st)
}

func (s *Store) UpdateStatus(st *status.InternalMessageStatus) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.backend.UpdateStatus(st)
}

func (s *Store) Retrieve(messageID string) (*status.PreparedEmail, *status.InternalMessageStatus, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.backend.Retrieve(messageID)
}

func (s *Store) RetrieveStatus(messageID string) (*status.InternalMessageStatus, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.backend.RetrieveStatus(messageID)
}

func (s *Store) RetrieveAllIncomplete() ([]*status.InternalMessageStatus, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.backend.RetrieveAllIncomplete()
}

// RetrieveAllRecent takes the write lock since backends flip their
// observed flag on completed messages.
func (s *Store) RetrieveAllRecent() ([]*status.InternalMessageStatus, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.backend.RetrieveAllRecent()
}
