package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeconsole/internal/geocode"
	"routeconsole/internal/model"
	"routeconsole/internal/store"
)

type stubResolver struct{ calls int }

func (r *stubResolver) Resolve(_ context.Context, lat, lng float64) (model.GeoPoint, geocode.Resolution) {
	r.calls++
	return model.GeoPoint{Lat: lat, Lng: lng, Address: "5a Avenida, Zona 1"}, geocode.Resolution{Source: geocode.SourceGeocoded}
}

func newTestManager(st store.Store, res LocationResolver) *Manager {
	return NewManager(Options{
		Services:      (&fakeServices{}).services(),
		Store:         st,
		Resolver:      res,
		DefaultPolicy: model.Policy{IncludeTraffic: true, TravelMode: "car"},
		Now:           fixedClock,
	})
}

func TestManagerScopesSessionsByOrganization(t *testing.T) {
	m := newTestManager(store.NewMemory(), nil)
	defer m.Shutdown()

	c, err := m.Create("org-1")
	require.NoError(t, err)
	c.Wait()
	assert.Len(t, c.State().Orders, 2)
	assert.Equal(t, "car", c.State().Policy.TravelMode)

	got, err := m.Get(t.Context(), "org-1", c.ID())
	require.NoError(t, err)
	assert.Same(t, c, got)

	_, err = m.Get(t.Context(), "org-2", c.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = m.Create("")
	assert.Error(t, err)
}

func TestManagerRestoresFromStore(t *testing.T) {
	st := store.NewMemory()
	m := newTestManager(st, nil)
	c, err := m.Create("org-1")
	require.NoError(t, err)
	c.Wait()
	_, err = c.Dispatch(SelectOrders{IDs: []string{"ord-b"}})
	require.NoError(t, err)
	_, err = c.Advance()
	require.NoError(t, err)
	id := c.ID()
	m.Shutdown()

	m2 := newTestManager(st, nil)
	defer m2.Shutdown()
	restored, err := m2.Get(t.Context(), "org-1", id)
	require.NoError(t, err)
	s := restored.State()
	assert.Equal(t, StepLocations, s.Step)
	assert.Equal(t, []string{"ord-b"}, s.Selected)

	list, err := m2.List(t.Context(), "org-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].SessionID)

	list, err = m2.List(t.Context(), "org-2", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManagerCloseRemovesSnapshot(t *testing.T) {
	st := store.NewMemory()
	m := newTestManager(st, nil)
	defer m.Shutdown()
	c, err := m.Create("org-1")
	require.NoError(t, err)

	require.NoError(t, m.Close(t.Context(), "org-1", c.ID()))
	_, err = m.Get(t.Context(), "org-1", c.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = c.Dispatch(RefreshOrders{})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestManagerSetLocationGeocodes(t *testing.T) {
	res := &stubResolver{}
	m := newTestManager(nil, res)
	defer m.Shutdown()
	c, err := m.Create("org-1")
	require.NoError(t, err)
	c.Wait()

	// Not on the locations step yet: refused without a lookup.
	_, _, err = m.SetLocation(t.Context(), c, true, 14.6, -90.5)
	require.NoError(t, err)
	assert.Nil(t, c.State().Start)
	assert.Zero(t, res.calls)

	_, err = c.Dispatch(SelectOrders{IDs: []string{"ord-a"}})
	require.NoError(t, err)
	_, err = c.Advance()
	require.NoError(t, err)

	s, r, err := m.SetLocation(t.Context(), c, true, 14.6, -90.5)
	require.NoError(t, err)
	assert.Equal(t, geocode.SourceGeocoded, r.Source)
	require.NotNil(t, s.Start)
	assert.Equal(t, "5a Avenida, Zona 1", s.Start.Address)

	s, _, err = m.SetLocation(t.Context(), c, false, 200, 0)
	require.NoError(t, err)
	assert.Nil(t, s.End)
	assert.Equal(t, 1, res.calls)
}

func TestManagerWithoutResolverUsesFallback(t *testing.T) {
	m := newTestManager(nil, nil)
	defer m.Shutdown()
	c, err := m.Create("org-1")
	require.NoError(t, err)
	c.Wait()
	_, _ = c.Dispatch(SelectOrders{IDs: []string{"ord-a"}})
	_, _ = c.Advance()

	s, r, err := m.SetLocation(t.Context(), c, false, 14.5, -90.25)
	require.NoError(t, err)
	assert.Equal(t, geocode.SourceFallback, r.Source)
	assert.Equal(t, "14.500000,-90.250000", s.End.Address)
}
