package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"routeconsole/internal/geocode"
	"routeconsole/internal/metrics"
	"routeconsole/internal/model"
	"routeconsole/internal/store"
)

// LocationResolver turns a picked coordinate into a GeoPoint with an address.
type LocationResolver interface {
	Resolve(ctx context.Context, lat, lng float64) (model.GeoPoint, geocode.Resolution)
}

// Options configure a Manager.
type Options struct {
	Machine       Machine
	Services      Services
	Sink          Sink
	Store         store.Store
	Resolver      LocationResolver
	DefaultPolicy model.Policy
	Now           func() time.Time
}

// Manager hosts the open sessions of all organizations.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Controller
	opts     Options
}

func NewManager(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Machine.Transformer.Thresholds == (Machine{}).Transformer.Thresholds {
		opts.Machine = DefaultMachine()
	}
	return &Manager{sessions: map[string]*Controller{}, opts: opts}
}

// Create opens a session for orgID and starts loading its order pool.
func (m *Manager) Create(orgID string) (*Controller, error) {
	if orgID == "" {
		return nil, fmt.Errorf("organization is required")
	}
	s := NewState(uuid.New().String(), orgID, m.opts.DefaultPolicy)
	c := newController(s, m.opts.Machine, m.opts.Services, m.opts.Sink, m.opts.Store, m.opts.Now)
	m.mu.Lock()
	m.sessions[s.SessionID] = c
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
	log.Printf("[WORKFLOW] session created: session=%s org=%s", s.SessionID, orgID)
	if _, err := c.Dispatch(RefreshOrders{}); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the session, restoring it from the store when it is not
// loaded. Sessions of other organizations are reported as not found.
func (m *Manager) Get(ctx context.Context, orgID, id string) (*Controller, error) {
	m.mu.RLock()
	c, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		if c.State().OrganizationID != orgID {
			return nil, ErrSessionNotFound
		}
		return c, nil
	}
	if m.opts.Store == nil {
		return nil, ErrSessionNotFound
	}
	rec, err := m.opts.Store.GetSession(ctx, orgID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s State
	if err := json.Unmarshal(rec.State, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	s = s.Recover()

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}
	c = newController(s, m.opts.Machine, m.opts.Services, m.opts.Sink, m.opts.Store, m.opts.Now)
	m.sessions[id] = c
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	log.Printf("[WORKFLOW] session restored: session=%s org=%s step=%s", id, orgID, s.Step)
	return c, nil
}

// List returns the organization's stored sessions, newest first. Without a
// store only loaded sessions are listed.
func (m *Manager) List(ctx context.Context, orgID string, limit int) ([]State, error) {
	if m.opts.Store != nil {
		recs, err := m.opts.Store.ListSessions(ctx, orgID, limit)
		if err != nil {
			return nil, err
		}
		out := make([]State, 0, len(recs))
		for _, r := range recs {
			var s State
			if err := json.Unmarshal(r.State, &s); err != nil {
				log.Printf("[WORKFLOW] skipping undecodable session: session=%s err=%v", r.ID, err)
				continue
			}
			out = append(out, s)
		}
		return out, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []State
	for _, c := range m.sessions {
		if s := c.State(); s.OrganizationID == orgID {
			out = append(out, s)
		}
	}
	return out, nil
}

// Close stops a session and removes its snapshot.
func (m *Manager) Close(ctx context.Context, orgID, id string) error {
	c, err := m.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
	c.Close()
	if m.opts.Store != nil {
		if err := m.opts.Store.DeleteSession(ctx, orgID, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Shutdown closes every loaded session; snapshots are kept.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = map[string]*Controller{}
	m.mu.Unlock()
	for _, c := range all {
		c.Close()
	}
	metrics.ActiveSessions.Set(0)
}

// SetLocation resolves a picked point and stores it as the start or end.
// Out-of-range points are rejected by the workflow without geocoding.
func (m *Manager) SetLocation(ctx context.Context, c *Controller, start bool, lat, lng float64) (State, geocode.Resolution, error) {
	p := model.GeoPoint{Lat: lat, Lng: lng}
	var res geocode.Resolution
	if p.Valid() && c.State().Step == StepLocations {
		if m.opts.Resolver != nil {
			p, res = m.opts.Resolver.Resolve(ctx, lat, lng)
		} else {
			p.Address = p.FallbackAddress()
			res = geocode.Resolution{Source: geocode.SourceFallback, Reason: "geocoding disabled"}
		}
	}
	var a Action = SetEnd{Point: p}
	if start {
		a = SetStart{Point: p}
	}
	s, err := c.Dispatch(a)
	return s, res, err
}
