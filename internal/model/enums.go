package model

import "fmt"

// StopType is the role of a stop in an optimized visiting sequence.
type StopType int

const (
	StopStart StopType = iota + 1
	StopPickup
	StopDelivery
	StopEnd
)

var stopTypeNames = map[StopType]string{
	StopStart:    "start",
	StopPickup:   "pickup",
	StopDelivery: "delivery",
	StopEnd:      "end",
}

func (t StopType) String() string {
	if s, ok := stopTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("StopType(%d)", int(t))
}

// Valid reports whether t is one of the declared stop types.
func (t StopType) Valid() bool {
	_, ok := stopTypeNames[t]
	return ok
}

// BearsOrder reports whether stops of this type must reference an order.
func (t StopType) BearsOrder() bool {
	switch t {
	case StopPickup, StopDelivery:
		return true
	case StopStart, StopEnd:
		return false
	}
	return false
}

func (t StopType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid stop type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *StopType) UnmarshalText(b []byte) error {
	v, err := ParseStopType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseStopType maps a wire name onto a StopType.
func ParseStopType(s string) (StopType, error) {
	for k, v := range stopTypeNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown stop type %q", s)
}

// CongestionLevel is a discretized traffic-delay bucket.
type CongestionLevel int

const (
	CongestionFreeFlow CongestionLevel = iota + 1
	CongestionLight
	CongestionModerate
	CongestionHeavy
	CongestionSevere
)

var congestionNames = map[CongestionLevel]string{
	CongestionFreeFlow: "free_flow",
	CongestionLight:    "light",
	CongestionModerate: "moderate",
	CongestionHeavy:    "heavy",
	CongestionSevere:   "severe",
}

func (c CongestionLevel) String() string {
	if s, ok := congestionNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CongestionLevel(%d)", int(c))
}

func (c CongestionLevel) Valid() bool {
	_, ok := congestionNames[c]
	return ok
}

func (c CongestionLevel) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid congestion level %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *CongestionLevel) UnmarshalText(b []byte) error {
	for k, v := range congestionNames {
		if v == string(b) {
			*c = k
			return nil
		}
	}
	return fmt.Errorf("unknown congestion level %q", string(b))
}

// RouteStatus is the lifecycle status of a saved route.
type RouteStatus int

const (
	RoutePlanned RouteStatus = iota + 1
	RouteAssigned
	RouteInProgress
	RouteCompleted
	RoutePaused
	RouteCancelled
)

var routeStatusNames = map[RouteStatus]string{
	RoutePlanned:    "PLANNED",
	RouteAssigned:   "ASSIGNED",
	RouteInProgress: "IN_PROGRESS",
	RouteCompleted:  "COMPLETED",
	RoutePaused:     "PAUSED",
	RouteCancelled:  "CANCELLED",
}

func (s RouteStatus) String() string {
	if n, ok := routeStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("RouteStatus(%d)", int(s))
}

func (s RouteStatus) Valid() bool {
	_, ok := routeStatusNames[s]
	return ok
}

func (s RouteStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid route status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *RouteStatus) UnmarshalText(b []byte) error {
	for k, v := range routeStatusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown route status %q", string(b))
}

// DriverStatus is a roster membership state.
type DriverStatus int

const (
	DriverActive DriverStatus = iota + 1
	DriverInactive
	DriverOnLeave
)

var driverStatusNames = map[DriverStatus]string{
	DriverActive:   "active",
	DriverInactive: "inactive",
	DriverOnLeave:  "on_leave",
}

func (s DriverStatus) String() string {
	if n, ok := driverStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("DriverStatus(%d)", int(s))
}

func (s DriverStatus) Valid() bool {
	_, ok := driverStatusNames[s]
	return ok
}

func (s DriverStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid driver status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *DriverStatus) UnmarshalText(b []byte) error {
	for k, v := range driverStatusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown driver status %q", string(b))
}
