// Package workflow drives the route creation process:
// select → locations → review → assign.
package workflow

import (
	"fmt"
	"time"

	"routeconsole/internal/model"
	"routeconsole/internal/transform"
)

// Step is a workflow stage.
type Step int

const (
	StepSelect Step = iota + 1
	StepLocations
	StepReview
	StepAssign
	// StepDone is terminal; it is reached after a successful assignment.
	StepDone
)

var stepNames = map[Step]string{
	StepSelect:    "select",
	StepLocations: "locations",
	StepReview:    "review",
	StepAssign:    "assign",
	StepDone:      "done",
}

func (s Step) String() string {
	if n, ok := stepNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// MarshalText encodes the zero Step as "".
func (s Step) MarshalText() ([]byte, error) {
	if s == 0 {
		return []byte{}, nil
	}
	if _, ok := stepNames[s]; !ok {
		return nil, fmt.Errorf("invalid step %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Step) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = 0
		return nil
	}
	for k, v := range stepNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown step %q", string(b))
}

// Ticket identifies one in-flight network call. A completion is applied
// only while its ticket is still the state's InFlight ticket.
type Ticket struct {
	Step Step   `json:"step"`
	Seq  uint64 `json:"seq"`
}

func (t Ticket) IsZero() bool { return t.Seq == 0 }

// Busy flags disable the matching action while a call is outstanding.
type Busy struct {
	Orders   bool `json:"orders"`
	Drivers  bool `json:"drivers"`
	Optimize bool `json:"optimize"`
	Save     bool `json:"save"`
	Assign   bool `json:"assign"`
}

// StepErrors holds the last failure reason of each call.
type StepErrors struct {
	Orders   string `json:"orders,omitempty"`
	Drivers  string `json:"drivers,omitempty"`
	Optimize string `json:"optimize,omitempty"`
	Save     string `json:"save,omitempty"`
	Assign   string `json:"assign,omitempty"`
}

// Level is a toast severity.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a transient message for the console.
type Notification struct {
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Reason  Reason `json:"reason,omitempty"`
	Step    Step   `json:"step"`
}

// Reason classifies a refused action. Unlike Message it is a closed set.
type Reason string

const (
	ReasonWrongStep Reason = "wrong_step"
	ReasonBusy      Reason = "busy"
	ReasonInvalid   Reason = "invalid_input"
	ReasonLocked    Reason = "locked"
	ReasonBlocked   Reason = "blocked"
)

// State is the whole workflow of one session. Reduce treats it as a value.
type State struct {
	SessionID      string `json:"sessionId"`
	OrganizationID string `json:"organizationId"`
	Step           Step   `json:"step"`

	// select
	Orders   []model.DeliveryOrder `json:"orders"`
	Selected []string              `json:"selected"`

	// locations
	Start  *model.GeoPoint `json:"start,omitempty"`
	End    *model.GeoPoint `json:"end,omitempty"`
	Policy model.Policy    `json:"policy"`

	RouteName   string `json:"routeName,omitempty"`
	Description string `json:"description,omitempty"`

	// review
	Route   *model.OptimizedRoute   `json:"route,omitempty"`
	Preview *model.PersistableRoute `json:"preview,omitempty"`
	Issues  []transform.Issue       `json:"issues,omitempty"`
	Saved   bool                    `json:"saved"`
	RouteID string                  `json:"routeId,omitempty"`

	// assign
	Drivers       []model.Driver `json:"drivers"`
	DriversLoaded bool           `json:"driversLoaded"`
	DriverID      string         `json:"driverId,omitempty"`
	Schedule      model.Schedule `json:"schedule"`
	Notes         string         `json:"notes,omitempty"`
	Assigned      bool           `json:"assigned"`

	Busy     Busy       `json:"busy"`
	Errors   StepErrors `json:"errors"`
	InFlight Ticket     `json:"inFlight"`
	Seq      uint64     `json:"seq"`
	// OrdersSeq and DriversSeq guard the pool and roster loads.
	OrdersSeq  uint64 `json:"ordersSeq"`
	DriversSeq uint64 `json:"driversSeq"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewState starts a session on the select step.
func NewState(sessionID, orgID string, policy model.Policy) State {
	return State{
		SessionID:      sessionID,
		OrganizationID: orgID,
		Step:           StepSelect,
		Policy:         policy,
	}
}

// Recover clears transient call state after a session is loaded from
// storage. Calls in flight when the snapshot was taken are lost.
func (s State) Recover() State {
	if s.Busy.Save {
		s.Errors.Save = "the previous save did not report back; check saved routes before saving again"
	}
	if s.Busy.Assign {
		s.Errors.Assign = "the previous assignment did not report back; retry to confirm"
	}
	if s.Busy.Optimize {
		s.Errors.Optimize = "optimization was interrupted; continue to retry"
	}
	s.Busy = Busy{}
	s.InFlight = Ticket{}
	s.OrdersSeq, s.DriversSeq = 0, 0
	return s
}

// Order returns the pool entry with the given id.
func (s State) Order(id string) (*model.DeliveryOrder, bool) {
	for i := range s.Orders {
		if s.Orders[i].ID == id {
			return &s.Orders[i], true
		}
	}
	return nil, false
}

func (s State) driver(id string) (model.Driver, bool) {
	for _, d := range s.Drivers {
		if d.ID == id {
			return d, true
		}
	}
	return model.Driver{}, false
}

// AdvanceBlocker returns why Advance would be refused, or "".
func (s State) AdvanceBlocker() string {
	switch s.Step {
	case StepSelect:
		if s.Busy.Orders {
			return "orders are still loading"
		}
		if len(s.Selected) == 0 {
			return "select at least one order"
		}
	case StepLocations:
		if s.Busy.Optimize {
			return "optimization is already running"
		}
		if s.Start == nil {
			return "set a start location"
		}
		if s.End == nil {
			return "set an end location"
		}
	case StepReview:
		if s.Saved {
			return "route is already saved"
		}
		if s.Busy.Optimize {
			return "optimization is still running"
		}
		if s.Busy.Save {
			return "route is being saved"
		}
	case StepAssign:
		if s.Assigned {
			return "route is already assigned"
		}
		if s.Busy.Assign {
			return "assignment is in progress"
		}
		if s.DriverID == "" {
			return "select a driver"
		}
		if s.DriversLoaded {
			if _, ok := s.driver(s.DriverID); !ok {
				return "selected driver is not in the active roster"
			}
		}
	case StepDone:
		return "route creation is complete"
	}
	return ""
}

// BackBlocker returns why Back would be refused, or "".
func (s State) BackBlocker() string {
	switch s.Step {
	case StepSelect:
		return "already at the first step"
	case StepLocations:
	case StepReview:
		if s.Saved {
			return "route is already saved"
		}
		if s.Busy.Save {
			return "route is being saved"
		}
	case StepAssign, StepDone:
		return "route is already saved"
	}
	return ""
}

// CanAdvance reports whether the forward action is currently legal.
func (s State) CanAdvance() bool { return s.AdvanceBlocker() == "" }

// CanBack reports whether backward navigation is currently legal.
func (s State) CanBack() bool { return s.BackBlocker() == "" }
