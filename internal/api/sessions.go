package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"routeconsole/internal/geocode"
	"routeconsole/internal/model"
	"routeconsole/internal/workflow"
)

// sessionView is the state of a session as the console renders it.
type sessionView struct {
	workflow.State
	CanAdvance bool `json:"canAdvance"`
	CanBack    bool `json:"canBack"`
}

func newSessionView(s workflow.State) sessionView {
	return sessionView{State: s, CanAdvance: s.CanAdvance(), CanBack: s.CanBack()}
}

type selectOrdersRequest struct {
	OrderIDs []string `json:"orderIds" validate:"required,dive,required"`
}

type toggleOrderRequest struct {
	OrderID string `json:"orderId" validate:"required"`
}

type locationRequest struct {
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
}

type policyRequest struct {
	IncludeTraffic      bool       `json:"includeTraffic"`
	DepartureTime       *time.Time `json:"departureTime"`
	TravelMode          string     `json:"travelMode" validate:"omitempty,oneof=car truck bicycle pedestrian"`
	RouteType           string     `json:"routeType" validate:"omitempty,oneof=fastest shortest"`
	MaxOrdersPerTrip    int        `json:"maxOrdersPerTrip" validate:"gte=0"`
	ForceReturnToEnd    bool       `json:"forceReturnToEnd"`
	MaxReturnDistanceKm float64    `json:"maxReturnDistanceKm" validate:"gte=0"`
}

type detailsRequest struct {
	RouteName   string `json:"routeName" validate:"max=200"`
	Description string `json:"description" validate:"max=2000"`
}

type driverRequest struct {
	DriverID string `json:"driverId" validate:"required"`
}

type scheduleRequest struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
	Notes string     `json:"notes" validate:"max=2000"`
}

// SessionsHandler serves POST/GET /v1/sessions.
func (s *Server) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/sessions" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p, ok := s.authorize(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		c, err := s.Sessions.Create(p.OrganizationID)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create session failed", err.Error(), r.URL.Path)
			return
		}
		w.Header().Set("Location", "/v1/sessions/"+c.ID())
		writeJSON(w, http.StatusCreated, newSessionView(c.State()))
	case http.MethodGet:
		limit := s.cfg.SessionLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeProblem(w, http.StatusBadRequest, "Invalid limit", "limit must be a positive integer", r.URL.Path)
				return
			}
			limit = n
		}
		states, err := s.Sessions.List(r.Context(), p.OrganizationID, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List sessions failed", err.Error(), r.URL.Path)
			return
		}
		items := make([]sessionView, 0, len(states))
		for _, st := range states {
			items = append(items, newSessionView(st))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SessionByIDHandler serves /v1/sessions/{id} and its sub-resources.
func (s *Server) SessionByIDHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	rest := strings.TrimPrefix(path, "/v1/sessions/")
	if rest == path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", path)
		return
	}
	p, ok := s.authorize(w, r)
	if !ok {
		return
	}
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	id := parts[0]
	sub := strings.Join(parts[1:], "/")

	if sub == "" && r.Method == http.MethodDelete {
		if err := s.Sessions.Close(r.Context(), p.OrganizationID, id); err != nil {
			s.sessionError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	c, err := s.Sessions.Get(r.Context(), p.OrganizationID, id)
	if err != nil {
		s.sessionError(w, r, err)
		return
	}

	route := func(method string) bool {
		if r.Method != method {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return false
		}
		return true
	}

	switch sub {
	case "":
		if route(http.MethodGet) {
			writeJSON(w, http.StatusOK, newSessionView(c.State()))
		}
	case "events/stream":
		if route(http.MethodGet) {
			s.streamEvents(w, r, c)
		}
	case "orders":
		var req selectOrdersRequest
		if route(http.MethodPost) && s.decode(w, r, &req) {
			s.dispatch(w, r, c, workflow.SelectOrders{IDs: req.OrderIDs})
		}
	case "orders/toggle":
		var req toggleOrderRequest
		if route(http.MethodPost) && s.decode(w, r, &req) {
			s.dispatch(w, r, c, workflow.ToggleOrder{ID: req.OrderID})
		}
	case "orders/refresh":
		if route(http.MethodPost) {
			s.dispatch(w, r, c, workflow.RefreshOrders{})
		}
	case "locations/start", "locations/end":
		var req locationRequest
		if route(http.MethodPost) && s.decode(w, r, &req) {
			s.setLocation(w, r, c, sub == "locations/start", *req.Lat, *req.Lng)
		}
	case "policy":
		var req policyRequest
		if route(http.MethodPut) && s.decode(w, r, &req) {
			pol := model.Policy{
				IncludeTraffic:      req.IncludeTraffic,
				TravelMode:          req.TravelMode,
				RouteType:           req.RouteType,
				MaxOrdersPerTrip:    req.MaxOrdersPerTrip,
				ForceReturnToEnd:    req.ForceReturnToEnd,
				MaxReturnDistanceKm: req.MaxReturnDistanceKm,
			}
			if req.DepartureTime != nil {
				pol.DepartureTime = req.DepartureTime.UTC()
			}
			s.dispatch(w, r, c, workflow.SetPolicy{Policy: pol})
		}
	case "details":
		var req detailsRequest
		if route(http.MethodPut) && s.decode(w, r, &req) {
			s.dispatch(w, r, c, workflow.SetRouteDetails{Name: req.RouteName, Description: req.Description})
		}
	case "driver":
		var req driverRequest
		if route(http.MethodPost) && s.decode(w, r, &req) {
			s.dispatch(w, r, c, workflow.SelectDriver{ID: req.DriverID})
		}
	case "drivers/refresh":
		if route(http.MethodPost) {
			s.dispatch(w, r, c, workflow.RefreshDrivers{})
		}
	case "schedule":
		var req scheduleRequest
		if route(http.MethodPut) && s.decode(w, r, &req) {
			var sched model.Schedule
			if req.Start != nil {
				sched.Start = req.Start.UTC()
			}
			if req.End != nil {
				sched.End = req.End.UTC()
			}
			s.dispatch(w, r, c, workflow.SetSchedule{Schedule: sched, Notes: req.Notes})
		}
	case "advance":
		if route(http.MethodPost) {
			if reason := c.State().AdvanceBlocker(); reason != "" {
				writeProblem(w, http.StatusConflict, "Cannot advance", reason, r.URL.Path)
				return
			}
			st, err := c.Advance()
			s.respond(w, r, st, err)
		}
	case "back":
		if route(http.MethodPost) {
			if reason := c.State().BackBlocker(); reason != "" {
				writeProblem(w, http.StatusConflict, "Cannot go back", reason, r.URL.Path)
				return
			}
			st, err := c.Back()
			s.respond(w, r, st, err)
		}
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := s.decodeBody(r, v); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error(), r.URL.Path)
		return false
	}
	return true
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, c *workflow.Controller, a workflow.Action) {
	st, err := c.Dispatch(a)
	s.respond(w, r, st, err)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, st workflow.State, err error) {
	if err != nil {
		s.sessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(st))
}

func (s *Server) setLocation(w http.ResponseWriter, r *http.Request, c *workflow.Controller, start bool, lat, lng float64) {
	st, res, err := s.Sessions.SetLocation(r.Context(), c, start, lat, lng)
	if err != nil {
		s.sessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		sessionView
		Resolution geocode.Resolution `json:"resolution"`
	}{newSessionView(st), res})
}

func (s *Server) sessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, workflow.ErrSessionNotFound):
		writeProblem(w, http.StatusNotFound, "Session not found", err.Error(), r.URL.Path)
	case errors.Is(err, workflow.ErrSessionClosed):
		writeProblem(w, http.StatusGone, "Session closed", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Session error", err.Error(), r.URL.Path)
	}
}
