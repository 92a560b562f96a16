package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests. It honors the same contracts
// as Mongo, including the atomic refresh-token consume.
type Memory struct {
	mu       sync.Mutex
	users    map[string]User   // by id
	byName   map[string]string // username → id
	contacts map[string]map[string]bool
	calls    []CallRecord
	tokens   map[string]*RefreshToken // by jti
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]User),
		byName:   make(map[string]string),
		contacts: make(map[string]map[string]bool),
		tokens:   make(map[string]*RefreshToken),
	}
}

func (m *Memory) CreateUser(_ context.Context, u User) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byName[u.Username]; taken {
		return "", ErrUsernameTaken
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	m.users[u.ID] = u
	m.byName[u.Username] = u.ID
	return u.ID, nil
}

func (m *Memory) UserByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *Memory) UserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[username]
	if !ok {
		return nil, ErrNotFound
	}
	u := m.users[id]
	return &u, nil
}

func (m *Memory) SetModelPreference(_ context.Context, userID, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.ModelPreference = model
	m.users[userID] = u
	return nil
}

func (m *Memory) AddContact(_ context.Context, ownerID, contactID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.contacts[ownerID]
	if set == nil {
		set = make(map[string]bool)
		m.contacts[ownerID] = set
	}
	if set[contactID] {
		return false, nil
	}
	set[contactID] = true
	return true, nil
}

func (m *Memory) Contacts(_ context.Context, ownerID string) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []User
	for id := range m.contacts[ownerID] {
		if u, ok := m.users[id]; ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *Memory) InsertCall(_ context.Context, rec CallRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Transcripts == nil {
		rec.Transcripts = []TranscriptLine{}
	}
	m.calls = append(m.calls, rec)
	return rec.ID, nil
}

func (m *Memory) CallHistory(_ context.Context, userID string, limit int) ([]CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CallRecord
	for _, c := range m.calls {
		if c.CallerID == userID || c.CalleeID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Calls returns every persisted record; test helper.
func (m *Memory) Calls() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Memory) SaveRefreshToken(_ context.Context, rt RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := rt
	m.tokens[rt.JTI] = &cp
	return nil
}

func (m *Memory) ConsumeRefreshToken(_ context.Context, jti, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.tokens[jti]
	if !ok || rt.Revoked || rt.TokenHash != tokenHash || !rt.ExpiresAt.After(time.Now()) {
		return ErrTokenSpent
	}
	rt.Revoked = true
	rt.RevokedAt = time.Now().UTC()
	rt.Reason = "rotated"
	return nil
}

func (m *Memory) RevokeToken(_ context.Context, jti, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.tokens[jti]; ok && !rt.Revoked {
		rt.Revoked = true
		rt.RevokedAt = time.Now().UTC()
		rt.Reason = reason
	}
	return nil
}

func (m *Memory) RevokeUserTokens(_ context.Context, userID, replacedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rt := range m.tokens {
		if rt.UserID == userID && !rt.Revoked && rt.JTI != replacedBy {
			rt.Revoked = true
			rt.RevokedAt = time.Now().UTC()
			rt.ReplacedBy = replacedBy
		}
	}
	return nil
}

// Token returns the record for jti; test helper.
func (m *Memory) Token(jti string) (RefreshToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.tokens[jti]
	if !ok {
		return RefreshToken{}, false
	}
	return *rt, true
}

func (m *Memory) HealthCheck(context.Context) error { return nil }
func (m *Memory) Close(context.Context) error       { return nil }

var _ Store = (*Memory)(nil)
var _ Store = (*Mongo)(nil)
