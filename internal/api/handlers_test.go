package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeconsole/internal/config"
	"routeconsole/internal/workflow"
)

// fakeUpstream stands in for both the optimization and the persistence
// services.
type fakeUpstream struct {
	mu       sync.Mutex
	assigned map[string]string // routeId -> driverId
	routes   []string
	hooks    []string
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/routes/optimize":
		f.optimize(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/orders":
		writeJSON(w, 200, map[string]any{"items": []map[string]any{
			{"id": "ord-a", "orderNumber": "1001", "status": "pending",
				"origin": map[string]float64{"lat": 14.60, "lng": -90.50}, "destination": map[string]float64{"lat": 14.61, "lng": -90.52}},
			{"id": "ord-b", "orderNumber": "1002", "status": "pending",
				"origin": map[string]float64{"lat": 14.62, "lng": -90.51}, "destination": map[string]float64{"lat": 14.63, "lng": -90.53}},
			{"id": "ord-c", "orderNumber": "1003", "status": "delivered"},
		}})
	case r.Method == http.MethodGet && r.URL.Path == "/drivers":
		writeJSON(w, 200, map[string]any{"items": []map[string]string{
			{"id": "drv-1", "name": "Ana", "status": "active"},
			{"id": "drv-2", "name": "Luis", "status": "on_leave"},
		}})
	case r.Method == http.MethodPost && r.URL.Path == "/routes":
		f.mu.Lock()
		id := fmt.Sprintf("route-%d", 42+len(f.routes))
		f.routes = append(f.routes, id)
		f.mu.Unlock()
		writeJSON(w, 201, map[string]string{"routeId": id})
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/route-drivers/assign/"):
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/route-drivers/assign/"), "/")
		f.mu.Lock()
		f.assigned[parts[0]] = parts[1]
		f.mu.Unlock()
		writeJSON(w, 200, map[string]bool{"ok": true})
	case r.Method == http.MethodPost && r.URL.Path == "/hooks":
		f.mu.Lock()
		f.hooks = append(f.hooks, r.Header.Get("X-Event-Type"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, 404, map[string]string{"message": "no such endpoint"})
	}
}

func (f *fakeUpstream) optimize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartLat float64 `json:"start_lat"`
		StartLng float64 `json:"start_lng"`
		EndLat   float64 `json:"end_lat"`
		EndLng   float64 `json:"end_lng"`
		Orders   []struct {
			OrderID     string  `json:"order_id"`
			PickupLat   float64 `json:"pickup_lat"`
			PickupLng   float64 `json:"pickup_lng"`
			DeliveryLat float64 `json:"delivery_lat"`
			DeliveryLng float64 `json:"delivery_lng"`
		} `json:"orders"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, 400, map[string]string{"message": err.Error()})
		return
	}
	stops := []map[string]any{{"stop_number": 1, "stop_type": "start", "lat": req.StartLat, "lng": req.StartLng}}
	for _, o := range req.Orders {
		stops = append(stops,
			map[string]any{"stop_number": len(stops) + 1, "stop_type": "pickup", "order_id": o.OrderID, "lat": o.PickupLat, "lng": o.PickupLng},
			map[string]any{"stop_number": len(stops) + 2, "stop_type": "delivery", "order_id": o.OrderID, "lat": o.DeliveryLat, "lng": o.DeliveryLng},
		)
	}
	stops = append(stops, map[string]any{"stop_number": len(stops) + 1, "stop_type": "end", "lat": req.EndLat, "lng": req.EndLng})
	writeJSON(w, 200, map[string]any{
		"success":             true,
		"total_distance":      9100,
		"total_time":          1600,
		"total_traffic_delay": 70,
		"orders_delivered":    len(req.Orders),
		"stops":               stops,
		"route_points": []map[string]any{
			{"lat": req.StartLat, "lng": req.StartLng, "traffic_delay_seconds": 0},
			{"lat": req.EndLat, "lng": req.EndLng, "traffic_delay_seconds": 65},
		},
	})
}

func (f *fakeUpstream) driverFor(routeID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assigned[routeID]
}

func (f *fakeUpstream) hookTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hooks...)
}

func newTestServer(t *testing.T, edit func(*config.Config)) (*Server, *fakeUpstream) {
	t.Helper()
	up := &fakeUpstream{assigned: map[string]string{}}
	ts := httptest.NewServer(up)
	t.Cleanup(ts.Close)

	cfg := config.Default()
	cfg.Optimizer.URL = ts.URL
	cfg.Backend.URL = ts.URL
	cfg.Geocoder.URL = "off"
	if edit != nil {
		edit(&cfg)
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, up
}

type client struct {
	t   *testing.T
	h   http.Handler
	org string
}

func (c client) do(method, path, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if c.org != "" {
		req.Header.Set("X-Organization-Id", c.org)
	}
	rr := httptest.NewRecorder()
	c.h.ServeHTTP(rr, req)
	return rr
}

type viewBody struct {
	SessionID  string                    `json:"sessionId"`
	Step       string                    `json:"step"`
	Selected   []string                  `json:"selected"`
	Orders     []map[string]any          `json:"orders"`
	Drivers    []map[string]any          `json:"drivers"`
	Start      *struct{ Address string } `json:"start"`
	Route      *struct{ Stops []any }    `json:"route"`
	RouteID    string                    `json:"routeId"`
	Assigned   bool                      `json:"assigned"`
	CanAdvance bool                      `json:"canAdvance"`
	CanBack    bool                      `json:"canBack"`
	Busy       struct {
		Optimize bool `json:"optimize"`
	} `json:"busy"`
	Resolution struct {
		Source string `json:"source"`
	} `json:"resolution"`
}

func decodeView(t *testing.T, rr *httptest.ResponseRecorder) viewBody {
	t.Helper()
	var v viewBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func (s *Server) waitSession(t *testing.T, org, id string) {
	t.Helper()
	c, err := s.Sessions.Get(context.Background(), org, id)
	require.NoError(t, err)
	c.Wait()
}

func TestHealthReady(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Routes()
	for _, p := range []string{"/healthz", "/readyz", "/metrics", "/v1/debug", "/openapi.yaml", "/openapi.yaml?format=json", "/docs"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusOK, rr.Code, p)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/openapi.yaml?format=json", nil))
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Contains(t, doc.Paths, "/v1/sessions/{id}/advance")
}

func TestSessionWalkthrough(t *testing.T) {
	s, up := newTestServer(t, func(c *config.Config) {
		c.Webhook.URL = c.Backend.URL + "/hooks"
		c.Webhook.Secret = "hook-secret"
	})
	c := client{t: t, h: LogMiddleware(s.Routes()), org: "org-1"}

	rr := c.do(http.MethodPost, "/v1/sessions", "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	id := decodeView(t, rr).SessionID
	require.NotEmpty(t, id)
	base := "/v1/sessions/" + id
	s.waitSession(t, "org-1", id)

	v := decodeView(t, c.do(http.MethodGet, base, ""))
	assert.Equal(t, "select", v.Step)
	assert.Len(t, v.Orders, 2, "only pending orders are offered")
	assert.False(t, v.CanAdvance)

	rr = c.do(http.MethodPost, base+"/advance", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "select at least one order")

	rr = c.do(http.MethodPost, base+"/orders", `{"orderIds":["ord-a","ord-b"]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, decodeView(t, rr).CanAdvance)

	rr = c.do(http.MethodPost, base+"/advance", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "locations", decodeView(t, rr).Step)

	rr = c.do(http.MethodPost, base+"/locations/start", `{"lat":95,"lng":0}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = c.do(http.MethodPost, base+"/locations/start", `{"lng":0}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = c.do(http.MethodPost, base+"/locations/start", `{"lat":14.59,"lng":-90.49}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	v = decodeView(t, rr)
	assert.Equal(t, "fallback", v.Resolution.Source)
	require.NotNil(t, v.Start)
	assert.Equal(t, "14.590000,-90.490000", v.Start.Address)

	rr = c.do(http.MethodPost, base+"/locations/end", `{"lat":14.64,"lng":-90.54}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = c.do(http.MethodPut, base+"/policy", `{"includeTraffic":true,"travelMode":"hovercraft"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = c.do(http.MethodPut, base+"/policy", `{"includeTraffic":true,"travelMode":"car","routeType":"fastest"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = c.do(http.MethodPost, base+"/advance", "")
	require.Equal(t, http.StatusOK, rr.Code)
	v = decodeView(t, rr)
	assert.Equal(t, "review", v.Step)
	s.waitSession(t, "org-1", id)

	v = decodeView(t, c.do(http.MethodGet, base, ""))
	require.NotNil(t, v.Route)
	assert.Len(t, v.Route.Stops, 6)
	assert.False(t, v.Busy.Optimize)

	rr = c.do(http.MethodPut, base+"/details", `{"routeName":"Morning run"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = c.do(http.MethodPost, base+"/advance", "")
	require.Equal(t, http.StatusOK, rr.Code)
	s.waitSession(t, "org-1", id)

	v = decodeView(t, c.do(http.MethodGet, base, ""))
	assert.Equal(t, "assign", v.Step)
	assert.Equal(t, "route-42", v.RouteID)
	assert.Len(t, v.Drivers, 1, "only active drivers are offered")
	assert.False(t, v.CanBack)

	rr = c.do(http.MethodPost, base+"/back", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = c.do(http.MethodPost, base+"/driver", `{"driverId":"drv-1"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = c.do(http.MethodPost, base+"/advance", "")
	require.Equal(t, http.StatusOK, rr.Code)
	s.waitSession(t, "org-1", id)

	v = decodeView(t, c.do(http.MethodGet, base, ""))
	assert.Equal(t, "done", v.Step)
	assert.True(t, v.Assigned)
	assert.Equal(t, "drv-1", up.driverFor("route-42"))
	require.Eventually(t, func() bool { return len(up.hookTypes()) == 2 }, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{workflow.EventRouteSaved, workflow.EventRouteAssigned}, up.hookTypes())

	rr = c.do(http.MethodPost, base+"/advance", "")
	assert.Equal(t, http.StatusConflict, rr.Code, "a finished session cannot assign again")

	rr = c.do(http.MethodGet, "/v1/sessions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct{ Items []viewBody }
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)

	other := client{t: t, h: c.h, org: "org-2"}
	assert.Equal(t, http.StatusNotFound, other.do(http.MethodGet, base, "").Code)
	assert.Equal(t, http.StatusNotFound, other.do(http.MethodDelete, base, "").Code)

	assert.Equal(t, http.StatusNoContent, c.do(http.MethodDelete, base, "").Code)
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, base, "").Code)
}

func TestSessionRequestValidation(t *testing.T) {
	s, _ := newTestServer(t, nil)
	c := client{t: t, h: s.Routes(), org: "org-1"}

	anon := client{t: t, h: s.Routes()}
	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodPost, "/v1/sessions", "").Code)

	rr := c.do(http.MethodPost, "/v1/sessions", "")
	id := decodeView(t, rr).SessionID
	base := "/v1/sessions/" + id
	s.waitSession(t, "org-1", id)

	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, base+"/orders", `{"orderIds":`).Code)
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, base+"/orders", `{"ids":["ord-a"]}`).Code)
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, base+"/orders/toggle", `{"orderId":""}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, c.do(http.MethodGet, base+"/advance", "").Code)
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodPost, base+"/teleport", "").Code)
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/v1/sessions/missing", "").Code)
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodGet, "/v1/sessions?limit=-1", "").Code)
}

func TestBearerPrincipal(t *testing.T) {
	secret := "test-secret"
	s, _ := newTestServer(t, func(c *config.Config) { c.AuthSecret = secret })
	h := s.Routes()

	sign := func(org string, exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"org": org, "sub": "dispatcher-7", "exp": exp.Unix()})
		str, err := tok.SignedString([]byte(secret))
		require.NoError(t, err)
		return str
	}
	post := func(authz string, header bool) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
		if authz != "" {
			req.Header.Set("Authorization", "Bearer "+authz)
		}
		if header {
			req.Header.Set("X-Organization-Id", "org-1")
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusCreated, post(sign("org-1", time.Now().Add(time.Hour)), false))
	assert.Equal(t, http.StatusUnauthorized, post(sign("org-1", time.Now().Add(-time.Hour)), false))
	assert.Equal(t, http.StatusUnauthorized, post(sign("", time.Now().Add(time.Hour)), false))
	assert.Equal(t, http.StatusUnauthorized, post("not-a-token", false))
	assert.Equal(t, http.StatusUnauthorized, post("", true), "the dev header is ignored once a secret is set")
}

func TestSessionEventStream(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(LogMiddleware(s.Routes()))
	defer ts.Close()
	c := client{t: t, h: s.Routes(), org: "org-1"}

	id := decodeView(t, c.do(http.MethodPost, "/v1/sessions", "")).SessionID
	s.waitSession(t, "org-1", id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/sessions/"+id+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-Organization-Id", "org-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan [2]string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		var typ string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				events <- [2]string{typ, strings.TrimPrefix(line, "data: ")}
			}
		}
		close(events)
	}()
	// next skips frames until one of the given type arrives.
	next := func(typ string) [2]string {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case e, ok := <-events:
				require.True(t, ok, "stream closed")
				if e[0] == typ {
					return e
				}
			case <-deadline:
				t.Fatalf("no %s event", typ)
				return [2]string{}
			}
		}
	}

	first := next(workflow.EventStateChanged)
	assert.Contains(t, first[1], id)

	c.do(http.MethodPost, "/v1/sessions/"+id+"/orders/toggle", `{"orderId":"ord-zzz"}`)
	toast := next(workflow.EventToast)
	assert.Contains(t, toast[1], "order is not in the pending pool")

	c.do(http.MethodPost, "/v1/sessions/"+id+"/orders/toggle", `{"orderId":"ord-b"}`)
	for {
		changed := next(workflow.EventStateChanged)
		if strings.Contains(changed[1], `"selected":["ord-b"]`) {
			break
		}
	}
}

func TestSessionWebsocket(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(LogMiddleware(s.Routes()))
	defer ts.Close()
	c := client{t: t, h: s.Routes(), org: "org-1"}
	id := decodeView(t, c.do(http.MethodPost, "/v1/sessions", "")).SessionID
	s.waitSession(t, "org-1", id)

	hdr := http.Header{}
	hdr.Set("X-Organization-Id", "org-1")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/sessions/ws", hdr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	read := func() wsMessage {
		var m wsMessage
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
	assert.Equal(t, "connection_ack", read().Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "bad", Payload: json.RawMessage(`{"sessionId":"missing"}`)}))
	m := read()
	assert.Equal(t, "error", m.Type)
	assert.Equal(t, "bad", m.ID)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"sessionId":"` + id + `"}`)}))
	m = read()
	assert.Equal(t, "next", m.Type)
	var evt SSEEvent
	require.NoError(t, json.Unmarshal(m.Payload, &evt))
	assert.Equal(t, workflow.EventStateChanged, evt.Type)

	c.do(http.MethodPost, "/v1/sessions/"+id+"/orders/toggle", `{"orderId":"ord-a"}`)
	for {
		m = read()
		assert.Equal(t, "1", m.ID)
		require.NoError(t, json.Unmarshal(m.Payload, &evt))
		if evt.Type == workflow.EventStateChanged && strings.Contains(string(evt.Data), `"selected":["ord-a"]`) {
			break
		}
	}

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))
	assert.Equal(t, "pong", read().Type)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/v1/sessions", routeLabel("/v1/sessions"))
	assert.Equal(t, "/v1/sessions/ws", routeLabel("/v1/sessions/ws"))
	assert.Equal(t, "/v1/sessions/{id}", routeLabel("/v1/sessions/7f1c"))
	assert.Equal(t, "/v1/sessions/{id}/locations/start", routeLabel("/v1/sessions/7f1c/locations/start"))
}
