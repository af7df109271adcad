package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"routeconsole/internal/metrics"
	"routeconsole/internal/model"
	"routeconsole/internal/store"
)

// Optimizer is the optimization client consumed by the workflow.
type Optimizer interface {
	Optimize(ctx context.Context, req model.OptimizationRequest) (model.OptimizedRoute, error)
}

// RoutePersister saves transformed routes.
type RoutePersister interface {
	CreateRoute(ctx context.Context, in model.CreateRouteInput) (string, error)
}

// DriverAssigner assigns saved routes to drivers.
type DriverAssigner interface {
	AssignDriver(ctx context.Context, a model.Assignment) error
}

// OrderPool lists an organization's pending orders.
type OrderPool interface {
	ListPendingOrders(ctx context.Context, orgID string) ([]model.DeliveryOrder, error)
}

// Roster lists an organization's active drivers.
type Roster interface {
	ListActiveDrivers(ctx context.Context, orgID string) ([]model.Driver, error)
}

// Services bundles the collaborators the effects run against.
type Services struct {
	Optimizer Optimizer
	Persister RoutePersister
	Assigner  DriverAssigner
	Orders    OrderPool
	Roster    Roster
}

// Event types published to a session's subscribers.
const (
	EventToast        = "toast"
	EventStateChanged = "state.changed"
	// EventRouteSaved and EventRouteAssigned carry a RouteEvent and fire
	// once per session.
	EventRouteSaved    = "route.saved"
	EventRouteAssigned = "route.assigned"
)

// RouteEvent describes a route lifecycle change.
type RouteEvent struct {
	SessionID      string          `json:"sessionId"`
	OrganizationID string          `json:"organizationId"`
	RouteID        string          `json:"routeId"`
	OrderIDs       []string        `json:"orderIds"`
	DriverID       string          `json:"driverId,omitempty"`
	Schedule       *model.Schedule `json:"schedule,omitempty"`
}

func routeEvent(s State) RouteEvent {
	ev := RouteEvent{
		SessionID:      s.SessionID,
		OrganizationID: s.OrganizationID,
		RouteID:        s.RouteID,
		OrderIDs:       append([]string(nil), s.Selected...),
	}
	if s.Assigned {
		ev.DriverID = s.DriverID
		sched := s.Schedule
		ev.Schedule = &sched
	}
	return ev
}

// Sink receives a session's notifications and state changes.
type Sink interface {
	Publish(sessionID, eventType string, data any)
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
)

// Controller runs one session: it serializes Dispatch calls, applies
// Reduce and executes the resulting effects.
type Controller struct {
	mu      sync.Mutex
	// pub is taken before mu is released so events leave in commit order.
	pub     sync.Mutex
	id      string
	state   State
	machine Machine
	svc     Services
	sink    Sink
	store   store.Store
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func newController(s State, m Machine, svc Services, sink Sink, st store.Store, now func() time.Time) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{id: s.SessionID, state: s, machine: m, svc: svc, sink: sink, store: st, now: now, ctx: ctx, cancel: cancel}
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) ID() string { return c.id }

// Dispatch applies a and starts its effects. Completions that no longer
// match an in-flight call are dropped.
func (c *Controller) Dispatch(a Action) (State, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return State{}, ErrSessionClosed
	}
	prev := c.state
	if IsStale(prev, a) {
		c.mu.Unlock()
		step := prev.Step.String()
		metrics.StaleResponses.WithLabelValues(step).Inc()
		log.Printf("[WORKFLOW] stale response dropped: session=%s step=%s action=%T", prev.SessionID, step, a)
		return prev, nil
	}
	next, effects := c.machine.Reduce(prev, a)
	next.UpdatedAt = c.now().UTC()
	c.state = next
	c.persist(next)
	c.pub.Lock()
	c.mu.Unlock()

	if prev.Step != next.Step {
		metrics.WorkflowTransitions.WithLabelValues(prev.Step.String(), next.Step.String()).Inc()
		log.Printf("[WORKFLOW] transition: session=%s from=%s to=%s", next.SessionID, prev.Step, next.Step)
	}
	if next.Preview != nil && next.Preview != prev.Preview {
		for _, is := range next.Issues {
			metrics.DataQualityIssues.WithLabelValues(string(is.Code)).Inc()
		}
	}
	calls := c.announce(effects)
	c.publish(EventStateChanged, next)
	if next.Saved && !prev.Saved {
		c.publish(EventRouteSaved, routeEvent(next))
	}
	if next.Assigned && !prev.Assigned {
		c.publish(EventRouteAssigned, routeEvent(next))
	}
	c.pub.Unlock()
	c.run(calls)
	return next, nil
}

// Advance runs the current step's forward action.
func (c *Controller) Advance() (State, error) { return c.Dispatch(Advance{Now: c.now()}) }

// Back returns to the previous step when allowed.
func (c *Controller) Back() (State, error) { return c.Dispatch(Back{}) }

// Wait blocks until no effect is running. Effects started while waiting
// are waited for too.
func (c *Controller) Wait() { c.wg.Wait() }

// Close cancels running effects and refuses further actions.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) persist(s State) {
	if c.store == nil {
		return
	}
	b, err := json.Marshal(s)
	if err != nil {
		log.Printf("[WORKFLOW] snapshot encode failed: session=%s err=%v", s.SessionID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec := model.SessionRecord{ID: s.SessionID, OrganizationID: s.OrganizationID, Step: s.Step.String(), State: b}
	if err := c.store.SaveSession(ctx, rec); err != nil {
		log.Printf("[WORKFLOW] snapshot save failed: session=%s err=%v", s.SessionID, err)
	}
}

func (c *Controller) publish(eventType string, data any) {
	if c.sink != nil {
		c.sink.Publish(c.id, eventType, data)
	}
}

// announce publishes the notifications in effects and returns the rest.
func (c *Controller) announce(effects []Effect) []Effect {
	calls := effects[:0:0]
	for _, e := range effects {
		ne, ok := e.(NotifyEffect)
		if !ok {
			calls = append(calls, e)
			continue
		}
		n := ne.Notification
		if n.Kind == model.FailValidation.String() {
			metrics.WorkflowRejections.WithLabelValues(n.Step.String(), string(n.Reason)).Inc()
		}
		if n.Kind == model.FailDataQuality.String() {
			log.Printf("[WORKFLOW] data-quality: session=%s step=%s message=%s", c.id, n.Step, n.Message)
		}
		c.publish(EventToast, n)
	}
	return calls
}

func (c *Controller) run(effects []Effect) {
	for _, e := range effects {
		switch e := e.(type) {
		case LoadOrdersEffect:
			c.goEffect(func(ctx context.Context) Action {
				orders, err := c.svc.Orders.ListPendingOrders(ctx, e.OrganizationID)
				return OrdersLoaded{Seq: e.Seq, Orders: orders, Err: err}
			})
		case LoadDriversEffect:
			c.goEffect(func(ctx context.Context) Action {
				drivers, err := c.svc.Roster.ListActiveDrivers(ctx, e.OrganizationID)
				return DriversLoaded{Seq: e.Seq, Drivers: drivers, Err: err}
			})
		case OptimizeEffect:
			c.goEffect(func(ctx context.Context) Action {
				route, err := c.svc.Optimizer.Optimize(ctx, e.Request)
				return OptimizeFinished{Ticket: e.Ticket, Route: route, Err: err}
			})
		case SaveEffect:
			c.goEffect(func(ctx context.Context) Action {
				id, err := c.svc.Persister.CreateRoute(ctx, e.Input)
				return SaveFinished{Ticket: e.Ticket, RouteID: id, Err: err}
			})
		case AssignEffect:
			c.goEffect(func(ctx context.Context) Action {
				err := c.svc.Assigner.AssignDriver(ctx, e.Assignment)
				return AssignFinished{Ticket: e.Ticket, Err: err}
			})
		}
	}
}

// goEffect runs call in the background and feeds its result back.
func (c *Controller) goEffect(call func(ctx context.Context) Action) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		a := call(c.ctx)
		if _, err := c.Dispatch(a); err != nil && !errors.Is(err, ErrSessionClosed) {
			log.Printf("[WORKFLOW] completion dispatch failed: err=%v", err)
		}
	}()
}
