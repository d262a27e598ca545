package storage

import (
	"sync"

	"github.com/foxcpp/mailout/status"
)

type memoryRecord struct {
	email     *status.PreparedEmail
	status    *status.InternalMessageStatus
	retrieved bool
}

// Memory is the in-memory reference Storage implementation. State is
// lost when the process exits.
//
// All values are deep-copied on the way in and out, callers can mutate
// what they pass and what they get back.
type Memory struct {
	lock     sync.Mutex
	messages map[string]*memoryRecord
}

func NewMemory() *Memory {
	return &Memory{messages: map[string]*memoryRecord{}}
}

func (m *Memory) Store(email *status.PreparedEmail, st *status.InternalMessageStatus) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.messages[st.MessageID] = &memoryRecord{
		email:  email.Clone(),
		status: st.Clone(),
	}
	return nil
}

func (m *Memory) UpdateStatus(st *status.InternalMessageStatus) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	rec, ok := m.messages[st.MessageID]
	if !ok {
		return ErrNotFound
	}
	rec.status = st.Clone()
	return nil
}

func (m *Memory) Retrieve(messageID string) (*status.PreparedEmail, *status.InternalMessageStatus, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	rec, ok := m.messages[messageID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return rec.email.Clone(), rec.status.Clone(), nil
}

func (m *Memory) RetrieveStatus(messageID string) (*status.InternalMessageStatus, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	rec, ok := m.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.status.Clone(), nil
}

func (m *Memory) RetrieveAllIncomplete() ([]*status.InternalMessageStatus, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	var out []*status.InternalMessageStatus
	for _, rec := range m.messages {
		if rec.status.AttemptsRemaining > 0 {
			out = append(out, rec.status.Clone())
		}
	}
	return out, nil
}

func (m *Memory) RetrieveAllRecent() ([]*status.InternalMessageStatus, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	var out []*status.InternalMessageStatus
	for _, rec := range m.messages {
		finished := rec.status.AttemptsRemaining == 0
		if !finished || !rec.retrieved {
			out = append(out, rec.status.Clone())
		}
		if finished {
			rec.retrieved = true
		}
	}
	return out, nil
}
