package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeconsole/internal/model"
)

// fakeService is a last-write-wins stand-in for the persistence service.
type fakeService struct {
	mu        sync.Mutex
	routes    map[string]createRouteBody
	assigned  map[string]string
	statuses  map[string]model.RouteStatus
	nextID    int
	failNext  int
	failBody  string
	lastToken string
}

func newFakeService() *fakeService {
	return &fakeService{routes: map[string]createRouteBody{}, assigned: map[string]string{}, statuses: map[string]model.RouteStatus{}}
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastToken = r.Header.Get("Authorization")
	if f.failNext != 0 {
		code := f.failNext
		f.failNext = 0
		w.WriteHeader(code)
		_, _ = w.Write([]byte(f.failBody))
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/routes":
		var b createRouteBody
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			http.Error(w, `{"message":"bad body"}`, http.StatusBadRequest)
			return
		}
		f.nextID++
		id := "rt-" + string(rune('0'+f.nextID))
		f.routes[id] = b
		f.statuses[id] = b.Status
		_ = json.NewEncoder(w).Encode(map[string]string{"routeId": id})
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/route-drivers/assign/"):
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/route-drivers/assign/"), "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		if _, ok := f.routes[parts[0]]; !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"route not found"}`))
			return
		}
		var b assignBody
		_ = json.NewDecoder(r.Body).Decode(&b)
		f.assigned[parts[0]] = parts[1]
		f.statuses[parts[0]] = model.RouteAssigned
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Path == "/orders":
		if r.URL.Query().Get("organizationId") != "org-1" {
			_, _ = w.Write([]byte(`{"items":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"items":[
			{"id":"o1","orderNumber":"1001","origin":{"lat":1,"lng":2},"destination":{"lat":1.1,"lng":2.1},"status":"pending","amount":12.5},
			{"id":"o2","orderNumber":"1002","status":"delivered"},
			{"id":"","orderNumber":"1003"}]}`))
	case r.Method == http.MethodGet && r.URL.Path == "/drivers":
		_, _ = w.Write([]byte(`{"items":[
			{"id":"d1","name":"Ana","status":"active"},
			{"id":"d2","name":"Luis","status":"inactive"},
			{"id":"d3","name":"Eve","status":"suspended"}]}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeService) route(id string) (createRouteBody, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.routes[id]
	return b, ok
}

func (f *fakeService) assignment(id string) (string, model.RouteStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assigned[id], f.statuses[id]
}

func (f *fakeService) failWith(code int, body string) {
	f.mu.Lock()
	f.failNext, f.failBody = code, body
	f.mu.Unlock()
}

func newTestClient(t *testing.T) (*Client, *fakeService) {
	t.Helper()
	f := newFakeService()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Token: "svc-token", Timeout: 2 * time.Second}), f
}

func sampleInput() model.CreateRouteInput {
	return model.CreateRouteInput{
		OrganizationID: "org-1",
		RouteName:      "Morning run",
		OrderIDs:       []string{"o1", "o2"},
		Route: model.PersistableRoute{
			Origin:      model.GeoPoint{Lat: 14.6, Lng: -90.5},
			Destination: model.GeoPoint{Lat: 14.65, Lng: -90.55},
			Waypoints:   []model.Waypoint{{Lat: 14.61, Lon: -90.51, Name: "Pickup #1001", WaypointType: "pickup", WaypointIndex: 0}},
			VisitOrder:  []model.VisitEntry{{Name: "Pickup #1001", WaypointIndex: 0, OrderID: "o1"}},
			RoutePoints: []model.AnnotatedRoutePoint{{RoutePoint: model.RoutePoint{Lat: 14.6, Lng: -90.5}, CongestionLevel: model.CongestionLight, WaypointType: "route"}},
			Summary:     model.RouteSummary{TotalTime: 100, BaseTime: 90, TrafficDelay: 10},
		},
	}
}

func TestCreateRoute(t *testing.T) {
	c, f := newTestClient(t)
	id, err := c.CreateRoute(t.Context(), sampleInput())
	require.NoError(t, err)
	assert.Equal(t, "rt-1", id)
	stored, ok := f.route(id)
	require.True(t, ok)
	f.mu.Lock()
	assert.Equal(t, "Bearer svc-token", f.lastToken)
	f.mu.Unlock()
	assert.Equal(t, model.RoutePlanned, stored.Status)
	assert.Equal(t, []string{"o1", "o2"}, stored.OrderIDs)
	require.Len(t, stored.Waypoints, 1)
	assert.Equal(t, model.CongestionLight, stored.RoutePoints[0].CongestionLevel)

	id2, err := c.CreateRoute(t.Context(), sampleInput())
	require.NoError(t, err)
	assert.NotEqual(t, id, id2, "every call creates a new route")
}

func TestCreateRouteFailures(t *testing.T) {
	c, f := newTestClient(t)

	in := sampleInput()
	in.OrderIDs = nil
	_, err := c.CreateRoute(t.Context(), in)
	assert.Equal(t, model.FailValidation, model.FailureOf(err).Kind)

	f.failWith(http.StatusConflict, `{"message":"order o2 already routed"}`)
	_, err = c.CreateRoute(t.Context(), sampleInput())
	require.Error(t, err)
	assert.Equal(t, model.FailService, model.FailureOf(err).Kind)
	assert.Equal(t, "order o2 already routed", model.FailureOf(err).Reason)

	f.failWith(http.StatusServiceUnavailable, "")
	_, err = c.CreateRoute(t.Context(), sampleInput())
	assert.Equal(t, model.FailTransport, model.FailureOf(err).Kind)

	f.failWith(http.StatusOK, `{"ok":true}`)
	_, err = c.CreateRoute(t.Context(), sampleInput())
	assert.Equal(t, model.FailMalformed, model.FailureOf(err).Kind)
	f.mu.Lock()
	assert.Empty(t, f.routes)
	f.mu.Unlock()
}

// With two different drivers in a row both calls succeed and the last
// driver wins. The client itself does not prevent this.
func TestAssignDriverTwiceLastWriteWins(t *testing.T) {
	c, f := newTestClient(t)
	id, err := c.CreateRoute(t.Context(), sampleInput())
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	sched := model.DefaultSchedule(model.Schedule{}, now, model.DefaultScheduleOffsets)
	require.NoError(t, c.AssignDriver(t.Context(), model.Assignment{RouteID: id, DriverID: "d1", Schedule: sched}))
	require.NoError(t, c.AssignDriver(t.Context(), model.Assignment{RouteID: id, DriverID: "d9", Schedule: sched, Notes: "swap"}))

	driver, status := f.assignment(id)
	assert.Equal(t, "d9", driver)
	assert.Equal(t, model.RouteAssigned, status)
}

func TestAssignDriverFailures(t *testing.T) {
	c, _ := newTestClient(t)
	now := time.Now()
	sched := model.Schedule{Start: now, End: now.Add(time.Hour)}

	err := c.AssignDriver(t.Context(), model.Assignment{RouteID: "rt-1", Schedule: sched})
	assert.Equal(t, model.FailValidation, model.FailureOf(err).Kind)

	err = c.AssignDriver(t.Context(), model.Assignment{RouteID: "rt-1", DriverID: "d1", Schedule: model.Schedule{Start: now, End: now}})
	assert.Equal(t, model.FailValidation, model.FailureOf(err).Kind)

	err = c.AssignDriver(t.Context(), model.Assignment{RouteID: "missing", DriverID: "d1", Schedule: sched})
	require.Error(t, err)
	assert.Equal(t, model.FailService, model.FailureOf(err).Kind)
	assert.Equal(t, "route not found", model.FailureOf(err).Reason)
}

func TestListPendingOrdersAndDrivers(t *testing.T) {
	c, _ := newTestClient(t)
	orders, err := c.ListPendingOrders(t.Context(), "org-1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "1001", orders[0].OrderNumber)
	assert.Equal(t, 1.1, orders[0].Destination.Lat)

	drivers, err := c.ListActiveDrivers(t.Context(), "org-1")
	require.NoError(t, err)
	require.Len(t, drivers, 1)
	assert.Equal(t, model.Driver{ID: "d1", Name: "Ana", Status: model.DriverActive}, drivers[0])
}
