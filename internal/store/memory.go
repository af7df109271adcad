package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"routeconsole/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]model.SessionRecord // id -> snapshot
	byOrg    map[string][]string            // org -> session ids
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sessions: map[string]model.SessionRecord{},
		byOrg:    map[string][]string{},
		now:      time.Now,
	}
}

func (m *Memory) SaveSession(_ context.Context, rec model.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	prev, exists := m.sessions[rec.ID]
	if exists {
		rec.CreatedAt = prev.CreatedAt
	} else {
		rec.CreatedAt = now
		m.byOrg[rec.OrganizationID] = append(m.byOrg[rec.OrganizationID], rec.ID)
	}
	rec.UpdatedAt = now
	rec.State = append([]byte(nil), rec.State...)
	m.sessions[rec.ID] = rec
	return nil
}

func (m *Memory) GetSession(_ context.Context, orgID, id string) (model.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || rec.OrganizationID != orgID {
		return model.SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

// ListSessions returns the most recently updated sessions first.
func (m *Memory) ListSessions(_ context.Context, orgID string, limit int) ([]model.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.SessionRecord, 0, len(m.byOrg[orgID]))
	for _, id := range m.byOrg[orgID] {
		out = append(out, m.sessions[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteSession(_ context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || rec.OrganizationID != orgID {
		return ErrNotFound
	}
	delete(m.sessions, id)
	ids := m.byOrg[orgID]
	for i, v := range ids {
		if v == id {
			m.byOrg[orgID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byOrg[orgID]) == 0 {
		delete(m.byOrg, orgID)
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
