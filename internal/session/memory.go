package session

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const stateShards = 16

// MemoryStore keeps login states and sessions in process memory. Login
// states are sharded by attempt id so concurrent logins touch independent
// locks. Sessions live here only in single-node deployments and tests; the
// PG store is the durable option.
type MemoryStore struct {
	shards [stateShards]stateShard

	sessMu   sync.RWMutex
	sessions map[string]*Session

	now func() time.Time
}

type stateShard struct {
	mu     sync.Mutex
	states map[string]LoginState
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for i := range m.shards {
		m.shards[i].states = make(map[string]LoginState)
	}
	return m
}

func (m *MemoryStore) shard(attemptID string) *stateShard {
	h := fnv.New32a()
	h.Write([]byte(attemptID))
	return &m.shards[h.Sum32()%stateShards]
}

func (m *MemoryStore) PutLoginState(ctx context.Context, state LoginState) error {
	if state.AttemptID == "" {
		return ErrInvalidInput
	}
	sh := m.shard(state.AttemptID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.states[state.AttemptID] = state
	return nil
}

func (m *MemoryStore) TakeLoginState(ctx context.Context, attemptID string) (LoginState, error) {
	sh := m.shard(attemptID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	state, ok := sh.states[attemptID]
	if !ok {
		return LoginState{}, ErrNotFound
	}
	delete(sh.states, attemptID)
	if state.Expired(m.now()) {
		return LoginState{}, ErrNotFound
	}
	return state, nil
}

// Sweep drops expired login states. Run periodically from a janitor.
func (m *MemoryStore) Sweep() int {
	now := m.now()
	removed := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for id, st := range sh.states {
			if st.Expired(now) {
				delete(sh.states, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return ErrInvalidInput
	}
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) FindSession(ctx context.Context, id string) (*Session, error) {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) FindByProviderSubject(ctx context.Context, providerID, externalID string) (*Session, error) {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	var newest *Session
	for _, s := range m.sessions {
		if s.ProviderID != providerID || s.ExternalID != externalID {
			continue
		}
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (m *MemoryStore) LinkUser(ctx context.Context, sessionID, userID string) error {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.UserID = userID
	s.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) Deactivate(ctx context.Context, sessionID string) error {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Active = false
	s.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) DeactivateOthers(ctx context.Context, providerID, externalID, keepID string) (int, error) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if id == keepID || s.ProviderID != providerID || s.ExternalID != externalID {
			continue
		}
		if s.Active {
			s.Active = false
			s.UpdatedAt = m.now().UTC()
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
