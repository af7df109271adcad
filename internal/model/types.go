package model

import (
	"fmt"
	"time"
)

// GeoPoint is a coordinate with a human readable address.
type GeoPoint struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Valid reports whether the coordinate is within WGS84 range.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// FallbackAddress is the address used when reverse geocoding fails.
func (p GeoPoint) FallbackAddress() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// DeliveryOrder is a pending order owned by the order pool.
type DeliveryOrder struct {
	ID          string   `json:"id"`
	OrderNumber string   `json:"orderNumber"`
	Origin      GeoPoint `json:"origin"`
	Destination GeoPoint `json:"destination"`
	Description string   `json:"description,omitempty"`
	Amount      float64  `json:"amount"`
	Priority    int      `json:"priority"`
}

// Label is the short display name of the order.
func (o DeliveryOrder) Label() string {
	if o.OrderNumber != "" {
		return o.OrderNumber
	}
	return o.ID
}

// Policy carries the optimization flags chosen on the locations step.
type Policy struct {
	IncludeTraffic      bool      `json:"includeTraffic" yaml:"include_traffic"`
	DepartureTime       time.Time `json:"departureTime,omitempty" yaml:"-"`
	TravelMode          string    `json:"travelMode,omitempty" yaml:"travel_mode"`
	RouteType           string    `json:"routeType,omitempty" yaml:"route_type"`
	MaxOrdersPerTrip    int       `json:"maxOrdersPerTrip,omitempty" yaml:"max_orders_per_trip"`
	ForceReturnToEnd    bool      `json:"forceReturnToEnd" yaml:"force_return_to_end"`
	MaxReturnDistanceKm float64   `json:"maxReturnDistanceKm,omitempty" yaml:"max_return_distance_km"`
}

// OptimizationRequest is the input of one optimization call.
type OptimizationRequest struct {
	Start  *GeoPoint        `json:"start"`
	End    *GeoPoint        `json:"end"`
	Orders []*DeliveryOrder `json:"orders"`
	Policy Policy           `json:"policy"`
}

// Stop is one position in the optimized visiting sequence.
type Stop struct {
	StopNumber           int            `json:"stopNumber"`
	Type                 StopType       `json:"stopType"`
	Order                *DeliveryOrder `json:"order,omitempty"`
	Location             GeoPoint       `json:"location"`
	DistanceFromPrevious float64        `json:"distanceFromPrevious"`
	CumulativeDistance   float64        `json:"cumulativeDistance"`
	EstimatedTime        float64        `json:"estimatedTime"`
	CumulativeTime       float64        `json:"cumulativeTime"`
	TrafficDelaySeconds  float64        `json:"trafficDelaySeconds"`
}

// RoutePoint is a geometric sample along the path.
type RoutePoint struct {
	Lat                 float64 `json:"lat"`
	Lng                 float64 `json:"lng"`
	Instruction         string  `json:"instruction,omitempty"`
	TrafficDelaySeconds float64 `json:"trafficDelaySeconds"`
}

// OptimizedRoute is the result of one optimization call. Distances are
// meters, times seconds.
type OptimizedRoute struct {
	TotalDistance     float64      `json:"totalDistance"`
	TotalTime         float64      `json:"totalTime"`
	TotalTrafficDelay float64      `json:"totalTrafficDelay"`
	Stops             []Stop       `json:"stops"`
	RoutePoints       []RoutePoint `json:"routePoints"`
	OrdersDelivered   int          `json:"ordersDelivered"`
}

// Validate checks the stop sequence invariants.
func (r OptimizedRoute) Validate() error {
	starts, ends := 0, 0
	for i, s := range r.Stops {
		if s.StopNumber != i+1 {
			return fmt.Errorf("stop %d has number %d, want %d", i, s.StopNumber, i+1)
		}
		switch s.Type {
		case StopStart:
			starts++
		case StopEnd:
			ends++
		case StopPickup, StopDelivery:
		default:
			return fmt.Errorf("stop %d has invalid type %d", s.StopNumber, int(s.Type))
		}
		if s.Type.BearsOrder() != (s.Order != nil) {
			return fmt.Errorf("stop %d (%s) order presence mismatch", s.StopNumber, s.Type)
		}
	}
	if starts != 1 || ends != 1 {
		return fmt.Errorf("route has %d start and %d end stops, want exactly one of each", starts, ends)
	}
	return nil
}

// OrderStops counts stops that reference an order.
func (r OptimizedRoute) OrderStops() int {
	n := 0
	for _, s := range r.Stops {
		if s.Order != nil {
			n++
		}
	}
	return n
}

// Waypoint is a persisted order-bearing stop.
type Waypoint struct {
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	Name          string  `json:"name"`
	WaypointType  string  `json:"waypointType"`
	WaypointIndex int     `json:"waypointIndex"`
}

// RoutePointWaypointType tags turn-by-turn points in the persisted route.
const RoutePointWaypointType = "route"

// AnnotatedRoutePoint is a route point with its congestion bucket.
type AnnotatedRoutePoint struct {
	RoutePoint
	CongestionLevel CongestionLevel `json:"congestionLevel"`
	WaypointType    string          `json:"waypointType"`
}

// VisitEntry maps a visiting position to its order.
type VisitEntry struct {
	Name          string `json:"name"`
	WaypointIndex int    `json:"waypointIndex"`
	OrderID       string `json:"orderId"`
}

type RouteSummary struct {
	TotalTime     float64 `json:"totalTime"`
	TotalDistance float64 `json:"totalDistance"`
	TrafficDelay  float64 `json:"trafficDelay"`
	BaseTime      float64 `json:"baseTime"`
}

// PersistableRoute is the canonical route record submitted for storage.
type PersistableRoute struct {
	Origin      GeoPoint              `json:"origin"`
	Destination GeoPoint              `json:"destination"`
	Waypoints   []Waypoint            `json:"waypoints"`
	RoutePoints []AnnotatedRoutePoint `json:"routePoints"`
	VisitOrder  []VisitEntry          `json:"visitOrder"`
	Summary     RouteSummary          `json:"summary"`
}

// SavedRoute is a route as stored by the persistence service.
type SavedRoute struct {
	PersistableRoute
	ID             string      `json:"uuid"`
	OrganizationID string      `json:"organizationId"`
	RouteName      string      `json:"routeName"`
	Description    string      `json:"description,omitempty"`
	Status         RouteStatus `json:"status"`
	OrderIDs       []string    `json:"orderIds"`
}

// CreateRouteInput is what the route persister submits.
type CreateRouteInput struct {
	OrganizationID string
	RouteName      string
	Description    string
	OrderIDs       []string
	Route          PersistableRoute
}

// Driver is a roster member that can be assigned a route.
type Driver struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Status DriverStatus `json:"status"`
}

// Schedule is the planned time window of an assignment.
type Schedule struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether neither bound is set.
func (s Schedule) IsZero() bool { return s.Start.IsZero() && s.End.IsZero() }

// Assignment binds a saved route to a driver.
type Assignment struct {
	RouteID  string   `json:"routeId"`
	DriverID string   `json:"driverId"`
	Schedule Schedule `json:"schedule"`
	Notes    string   `json:"notes,omitempty"`
}

// ScheduleOffsets are the defaults applied to an unset schedule.
type ScheduleOffsets struct {
	Start time.Duration `yaml:"start"`
	End   time.Duration `yaml:"end"`
}

// DefaultScheduleOffsets starts 30 minutes from now and ends 2 hours from now.
var DefaultScheduleOffsets = ScheduleOffsets{Start: 30 * time.Minute, End: 2 * time.Hour}

// DefaultSchedule fills unset bounds of s relative to now.
func DefaultSchedule(s Schedule, now time.Time, off ScheduleOffsets) Schedule {
	if s.Start.IsZero() {
		s.Start = now.Add(off.Start)
	}
	if s.End.IsZero() {
		s.End = now.Add(off.End)
		if !s.End.After(s.Start) {
			s.End = s.Start.Add(off.End - off.Start)
		}
	}
	return s
}
