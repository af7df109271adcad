package workflow

import (
	"fmt"
	"strings"

	"routeconsole/internal/model"
	"routeconsole/internal/transform"
)

// Machine holds the policies Reduce applies.
type Machine struct {
	Transformer transform.Transformer
	Offsets     model.ScheduleOffsets
}

// DefaultMachine uses the default congestion thresholds and schedule offsets.
func DefaultMachine() Machine {
	return Machine{Transformer: transform.New(transform.DefaultThresholds), Offsets: model.DefaultScheduleOffsets}
}

// Reduce applies a to s. It is pure: the input state is never modified and
// any I/O is returned as effects.
func (m Machine) Reduce(s State, a Action) (State, []Effect) {
	if IsStale(s, a) {
		return s, nil
	}
	switch a := a.(type) {
	case RefreshOrders:
		return m.refreshOrders(s)
	case OrdersLoaded:
		return m.ordersLoaded(s, a)
	case RefreshDrivers:
		return m.refreshDrivers(s)
	case DriversLoaded:
		return m.driversLoaded(s, a)
	case SelectOrders:
		return m.selectOrders(s, a.IDs)
	case ToggleOrder:
		return m.toggleOrder(s, a.ID)
	case SetStart:
		return m.setLocation(s, a.Point, true)
	case SetEnd:
		return m.setLocation(s, a.Point, false)
	case SetPolicy:
		return m.setPolicy(s, a.Policy)
	case SetRouteDetails:
		return m.setDetails(s, a)
	case SelectDriver:
		return m.selectDriver(s, a.ID)
	case SetSchedule:
		return m.setSchedule(s, a)
	case Advance:
		return m.advance(s, a)
	case Back:
		return m.back(s)
	case OptimizeFinished:
		return m.optimizeFinished(s, a)
	case SaveFinished:
		return m.saveFinished(s, a)
	case AssignFinished:
		return m.assignFinished(s, a)
	}
	return s, nil
}

func notify(s State, level Level, kind, title, format string, args ...any) NotifyEffect {
	return NotifyEffect{Notification: Notification{
		Level:   level,
		Title:   title,
		Message: fmt.Sprintf(format, args...),
		Kind:    kind,
		Step:    s.Step,
	}}
}

// reject leaves s unchanged and tells the user why.
func reject(s State, code Reason, reason string) (State, []Effect) {
	eff := notify(s, LevelWarning, model.FailValidation.String(), "Cannot continue", "%s", reason)
	eff.Notification.Reason = code
	return s, []Effect{eff}
}

func failureNotice(s State, title string, err error) (string, Effect) {
	f := model.FailureOf(err)
	t := title
	if f.Kind == model.FailDataQuality {
		t = "Route data problem"
	}
	return f.Reason, notify(s, LevelError, f.Kind.String(), t, "%s", f.Reason)
}

func (m Machine) refreshOrders(s State) (State, []Effect) {
	if s.Step != StepSelect {
		return reject(s, ReasonWrongStep, "orders can only be reloaded while selecting")
	}
	if s.Busy.Orders {
		return s, nil
	}
	s.Seq++
	s.OrdersSeq = s.Seq
	s.Busy.Orders = true
	s.Errors.Orders = ""
	return s, []Effect{LoadOrdersEffect{Seq: s.OrdersSeq, OrganizationID: s.OrganizationID}}
}

func (m Machine) ordersLoaded(s State, a OrdersLoaded) (State, []Effect) {
	s.Busy.Orders = false
	s.OrdersSeq = 0
	if a.Err != nil {
		reason, eff := failureNotice(s, "Could not load orders", a.Err)
		s.Errors.Orders = reason
		return s, []Effect{eff}
	}
	s.Orders = a.Orders
	kept := make([]string, 0, len(s.Selected))
	for _, id := range s.Selected {
		if _, ok := s.Order(id); ok {
			kept = append(kept, id)
		}
	}
	s.Selected = kept
	return s, nil
}

func (m Machine) refreshDrivers(s State) (State, []Effect) {
	if s.Step != StepAssign {
		return reject(s, ReasonWrongStep, "drivers are loaded on the assign step")
	}
	if s.Busy.Drivers {
		return s, nil
	}
	return m.loadDrivers(s)
}

func (m Machine) loadDrivers(s State) (State, []Effect) {
	s.Seq++
	s.DriversSeq = s.Seq
	s.Busy.Drivers = true
	s.Errors.Drivers = ""
	return s, []Effect{LoadDriversEffect{Seq: s.DriversSeq, OrganizationID: s.OrganizationID}}
}

func (m Machine) driversLoaded(s State, a DriversLoaded) (State, []Effect) {
	s.Busy.Drivers = false
	s.DriversSeq = 0
	if a.Err != nil {
		reason, eff := failureNotice(s, "Could not load drivers", a.Err)
		s.Errors.Drivers = reason
		return s, []Effect{eff}
	}
	s.Drivers = a.Drivers
	s.DriversLoaded = true
	if s.DriverID != "" {
		if _, ok := s.driver(s.DriverID); !ok {
			s.DriverID = ""
		}
	}
	return s, nil
}

func (m Machine) selectOrders(s State, ids []string) (State, []Effect) {
	if s.Step != StepSelect {
		return reject(s, ReasonWrongStep, "orders can only be changed on the select step")
	}
	seen := make(map[string]bool, len(ids))
	sel := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		if _, ok := s.Order(id); !ok {
			continue
		}
		seen[id] = true
		sel = append(sel, id)
	}
	s.Selected = sel
	return s, nil
}

func (m Machine) toggleOrder(s State, id string) (State, []Effect) {
	if s.Step != StepSelect {
		return reject(s, ReasonWrongStep, "orders can only be changed on the select step")
	}
	if _, ok := s.Order(id); !ok {
		return reject(s, ReasonInvalid, "order is not in the pending pool")
	}
	sel := make([]string, 0, len(s.Selected)+1)
	found := false
	for _, v := range s.Selected {
		if v == id {
			found = true
			continue
		}
		sel = append(sel, v)
	}
	if !found {
		sel = append(sel, id)
	}
	s.Selected = sel
	return s, nil
}

func (m Machine) setLocation(s State, p model.GeoPoint, start bool) (State, []Effect) {
	if s.Step != StepLocations {
		return reject(s, ReasonWrongStep, "locations can only be changed on the locations step")
	}
	if s.Busy.Optimize {
		return reject(s, ReasonBusy, "optimization is running")
	}
	if !p.Valid() {
		return reject(s, ReasonInvalid, "coordinates are out of range")
	}
	if strings.TrimSpace(p.Address) == "" {
		p.Address = p.FallbackAddress()
	}
	if start {
		s.Start = &p
	} else {
		s.End = &p
	}
	return s, nil
}

func (m Machine) setPolicy(s State, p model.Policy) (State, []Effect) {
	if s.Step != StepLocations {
		return reject(s, ReasonWrongStep, "route options can only be changed on the locations step")
	}
	if p.MaxReturnDistanceKm < 0 || p.MaxOrdersPerTrip < 0 {
		return reject(s, ReasonInvalid, "route options cannot be negative")
	}
	s.Policy = p
	return s, nil
}

func (m Machine) setDetails(s State, a SetRouteDetails) (State, []Effect) {
	if s.Saved || s.Busy.Save {
		return reject(s, ReasonLocked, "route details are fixed once the route is saved")
	}
	s.RouteName = strings.TrimSpace(a.Name)
	s.Description = strings.TrimSpace(a.Description)
	return s, nil
}

func (m Machine) selectDriver(s State, id string) (State, []Effect) {
	if s.Step != StepAssign {
		return reject(s, ReasonWrongStep, "drivers are chosen on the assign step")
	}
	if s.Busy.Assign {
		return reject(s, ReasonBusy, "assignment is in progress")
	}
	if s.DriversLoaded {
		if _, ok := s.driver(id); !ok {
			return reject(s, ReasonInvalid, "driver is not in the active roster")
		}
	}
	s.DriverID = id
	s.Errors.Assign = ""
	return s, nil
}

func (m Machine) setSchedule(s State, a SetSchedule) (State, []Effect) {
	if s.Step != StepAssign {
		return reject(s, ReasonWrongStep, "the schedule is set on the assign step")
	}
	if s.Busy.Assign {
		return reject(s, ReasonBusy, "assignment is in progress")
	}
	if !a.Schedule.Start.IsZero() && !a.Schedule.End.IsZero() && !a.Schedule.End.After(a.Schedule.Start) {
		return reject(s, ReasonInvalid, "schedule must end after it starts")
	}
	s.Schedule = a.Schedule
	s.Notes = strings.TrimSpace(a.Notes)
	return s, nil
}

func (m Machine) advance(s State, a Advance) (State, []Effect) {
	if reason := s.AdvanceBlocker(); reason != "" {
		return reject(s, ReasonBlocked, reason)
	}
	switch s.Step {
	case StepSelect:
		s.Step = StepLocations
		return s, nil
	case StepLocations:
		return m.startOptimize(s)
	case StepReview:
		if s.Route == nil {
			return m.startOptimize(s)
		}
		return m.startSave(s, a)
	case StepAssign:
		return m.startAssign(s, a)
	case StepDone:
	}
	return s, nil
}

func (m Machine) startOptimize(s State) (State, []Effect) {
	orders := make([]*model.DeliveryOrder, 0, len(s.Selected))
	for _, id := range s.Selected {
		if o, ok := s.Order(id); ok {
			orders = append(orders, o)
		}
	}
	s.Step = StepReview
	s.Route = nil
	s.Preview = nil
	s.Issues = nil
	s.Errors.Optimize = ""
	s.Errors.Save = ""
	s.Busy.Optimize = true
	s.Seq++
	s.InFlight = Ticket{Step: StepReview, Seq: s.Seq}
	req := model.OptimizationRequest{Start: s.Start, End: s.End, Orders: orders, Policy: s.Policy}
	return s, []Effect{OptimizeEffect{Ticket: s.InFlight, Request: req}}
}

func (m Machine) optimizeFinished(s State, a OptimizeFinished) (State, []Effect) {
	s.Busy.Optimize = false
	s.InFlight = Ticket{}
	if a.Err != nil {
		s.Step = StepLocations
		reason, eff := failureNotice(s, "Optimization failed", a.Err)
		s.Errors.Optimize = reason
		return s, []Effect{eff}
	}
	r := a.Route
	s.Route = &r
	return s, []Effect{notify(s, LevelSuccess, "", "Route optimized",
		"%d stops, %.1f km, %.0f min", len(r.Stops), r.TotalDistance/1000, r.TotalTime/60)}
}

func (m Machine) startSave(s State, a Advance) (State, []Effect) {
	p, rep := m.Transformer.Transform(*s.Route)
	rep = transform.CheckSelection(rep, len(s.Selected), p)
	s.Preview = &p
	s.Issues = rep.Issues

	var effs []Effect
	for _, is := range rep.Issues {
		level := LevelWarning
		if is.Blocking {
			level = LevelError
		}
		effs = append(effs, notify(s, level, model.FailDataQuality.String(), "Route data problem", "%s", is.Message))
	}
	if rep.Blocking() {
		s.Errors.Save = "the optimized route failed data checks; re-optimize before saving"
		return s, effs
	}

	name := s.RouteName
	if name == "" {
		name = fmt.Sprintf("Route %s (%d orders)", a.Now.Format("2006-01-02 15:04"), len(s.Selected))
	}
	s.Busy.Save = true
	s.Errors.Save = ""
	s.Seq++
	s.InFlight = Ticket{Step: StepReview, Seq: s.Seq}
	in := model.CreateRouteInput{
		OrganizationID: s.OrganizationID,
		RouteName:      name,
		Description:    s.Description,
		OrderIDs:       append([]string(nil), s.Selected...),
		Route:          p,
	}
	return s, append(effs, SaveEffect{Ticket: s.InFlight, Input: in})
}

func (m Machine) saveFinished(s State, a SaveFinished) (State, []Effect) {
	s.Busy.Save = false
	s.InFlight = Ticket{}
	err := a.Err
	if err == nil && a.RouteID == "" {
		err = model.Fail(model.FailMalformed, "the route was not given an id")
	}
	if err != nil {
		reason, eff := failureNotice(s, "Could not save route", err)
		s.Errors.Save = reason
		return s, []Effect{eff}
	}
	s.Saved = true
	s.RouteID = a.RouteID
	s.Step = StepAssign
	effs := []Effect{notify(s, LevelSuccess, "", "Route saved", "route %s is planned", a.RouteID)}
	s, load := m.loadDrivers(s)
	return s, append(effs, load...)
}

func (m Machine) startAssign(s State, a Advance) (State, []Effect) {
	sched := model.DefaultSchedule(s.Schedule, a.Now, m.Offsets)
	if !sched.End.After(sched.Start) {
		return reject(s, ReasonInvalid, "schedule must end after it starts")
	}
	s.Schedule = sched
	s.Busy.Assign = true
	s.Errors.Assign = ""
	s.Seq++
	s.InFlight = Ticket{Step: StepAssign, Seq: s.Seq}
	return s, []Effect{AssignEffect{Ticket: s.InFlight, Assignment: model.Assignment{
		RouteID:  s.RouteID,
		DriverID: s.DriverID,
		Schedule: sched,
		Notes:    s.Notes,
	}}}
}

func (m Machine) assignFinished(s State, a AssignFinished) (State, []Effect) {
	s.Busy.Assign = false
	s.InFlight = Ticket{}
	if a.Err != nil {
		reason, eff := failureNotice(s, "Could not assign driver", a.Err)
		s.Errors.Assign = reason
		return s, []Effect{eff}
	}
	s.Assigned = true
	s.Step = StepDone
	s.Busy.Drivers = false
	s.DriversSeq = 0
	name := s.DriverID
	if d, ok := s.driver(s.DriverID); ok && d.Name != "" {
		name = d.Name
	}
	return s, []Effect{notify(s, LevelSuccess, "", "Driver assigned", "route %s assigned to %s", s.RouteID, name)}
}

func (m Machine) back(s State) (State, []Effect) {
	if reason := s.BackBlocker(); reason != "" {
		return reject(s, ReasonBlocked, reason)
	}
	switch s.Step {
	case StepLocations:
		s.Step = StepSelect
	case StepReview:
		// An optimization still running is abandoned: its reply will not
		// match InFlight and is dropped.
		s.Step = StepLocations
		s.Route = nil
		s.Preview = nil
		s.Issues = nil
		s.Busy.Optimize = false
		s.InFlight = Ticket{}
		s.Errors.Save = ""
	case StepSelect, StepAssign, StepDone:
	}
	return s, nil
}
