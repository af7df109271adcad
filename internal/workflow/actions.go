package workflow

import (
	"time"

	"routeconsole/internal/model"
)

// Action is an input to Reduce.
type Action interface{ action() }

type (
	// RefreshOrders reloads the order pool.
	RefreshOrders struct{}
	// OrdersLoaded completes a pool load.
	OrdersLoaded struct {
		Seq    uint64
		Orders []model.DeliveryOrder
		Err    error
	}
	// RefreshDrivers reloads the active roster.
	RefreshDrivers struct{}
	// DriversLoaded completes a roster load.
	DriversLoaded struct {
		Seq     uint64
		Drivers []model.Driver
		Err     error
	}

	SelectOrders struct{ IDs []string }
	ToggleOrder  struct{ ID string }

	SetStart  struct{ Point model.GeoPoint }
	SetEnd    struct{ Point model.GeoPoint }
	SetPolicy struct{ Policy model.Policy }

	SetRouteDetails struct{ Name, Description string }

	SelectDriver struct{ ID string }
	SetSchedule  struct {
		Schedule model.Schedule
		Notes    string
	}

	// Advance runs the current step's forward action. Now feeds schedule
	// defaults and the default route name.
	Advance struct{ Now time.Time }
	Back    struct{}

	OptimizeFinished struct {
		Ticket Ticket
		Route  model.OptimizedRoute
		Err    error
	}
	SaveFinished struct {
		Ticket  Ticket
		RouteID string
		Err     error
	}
	AssignFinished struct {
		Ticket Ticket
		Err    error
	}
)

func (RefreshOrders) action()    {}
func (OrdersLoaded) action()     {}
func (RefreshDrivers) action()   {}
func (DriversLoaded) action()    {}
func (SelectOrders) action()     {}
func (ToggleOrder) action()      {}
func (SetStart) action()         {}
func (SetEnd) action()           {}
func (SetPolicy) action()        {}
func (SetRouteDetails) action()  {}
func (SelectDriver) action()     {}
func (SetSchedule) action()      {}
func (Advance) action()          {}
func (Back) action()             {}
func (OptimizeFinished) action() {}
func (SaveFinished) action()     {}
func (AssignFinished) action()   {}

// Effect is work Reduce asks the runtime to perform.
type Effect interface{ effect() }

type (
	LoadOrdersEffect struct {
		Seq            uint64
		OrganizationID string
	}
	LoadDriversEffect struct {
		Seq            uint64
		OrganizationID string
	}
	OptimizeEffect struct {
		Ticket  Ticket
		Request model.OptimizationRequest
	}
	SaveEffect struct {
		Ticket Ticket
		Input  model.CreateRouteInput
	}
	AssignEffect struct {
		Ticket     Ticket
		Assignment model.Assignment
	}
	NotifyEffect struct{ Notification Notification }
)

func (LoadOrdersEffect) effect()  {}
func (LoadDriversEffect) effect() {}
func (OptimizeEffect) effect()    {}
func (SaveEffect) effect()        {}
func (AssignEffect) effect()      {}
func (NotifyEffect) effect()      {}

// IsStale reports whether a is a completion that no longer matches the
// call it answers.
func IsStale(s State, a Action) bool {
	switch a := a.(type) {
	case OrdersLoaded:
		return a.Seq == 0 || a.Seq != s.OrdersSeq || s.Step != StepSelect
	case DriversLoaded:
		return a.Seq == 0 || a.Seq != s.DriversSeq || s.Step != StepAssign
	case OptimizeFinished:
		return a.Ticket.IsZero() || a.Ticket != s.InFlight || s.Step != StepReview
	case SaveFinished:
		return a.Ticket.IsZero() || a.Ticket != s.InFlight || s.Step != StepReview
	case AssignFinished:
		return a.Ticket.IsZero() || a.Ticket != s.InFlight || s.Step != StepAssign
	}
	return false
}
