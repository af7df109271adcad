// Package transform reshapes an optimizer result into the persisted route record.
package transform

import (
	"fmt"

	"routeconsole/internal/model"
)

// Thresholds are the traffic delays, in seconds, that a point must exceed to
// enter each congestion bucket.
type Thresholds struct {
	Light    float64 `yaml:"light" json:"light"`
	Moderate float64 `yaml:"moderate" json:"moderate"`
	Heavy    float64 `yaml:"heavy" json:"heavy"`
	Severe   float64 `yaml:"severe" json:"severe"`
}

// DefaultThresholds is the fixed congestion policy: >60s severe, >30s heavy,
// >15s moderate, >5s light, otherwise free flow.
var DefaultThresholds = Thresholds{Light: 5, Moderate: 15, Heavy: 30, Severe: 60}

// Validate requires strictly increasing non-negative thresholds.
func (t Thresholds) Validate() error {
	if t.Light < 0 {
		return fmt.Errorf("light threshold %v is negative", t.Light)
	}
	if !(t.Light < t.Moderate && t.Moderate < t.Heavy && t.Heavy < t.Severe) {
		return fmt.Errorf("thresholds must increase: light=%v moderate=%v heavy=%v severe=%v",
			t.Light, t.Moderate, t.Heavy, t.Severe)
	}
	return nil
}

// Classify buckets a traffic delay. Every bound is exclusive.
func (t Thresholds) Classify(delaySeconds float64) model.CongestionLevel {
	switch {
	case delaySeconds > t.Severe:
		return model.CongestionSevere
	case delaySeconds > t.Heavy:
		return model.CongestionHeavy
	case delaySeconds > t.Moderate:
		return model.CongestionModerate
	case delaySeconds > t.Light:
		return model.CongestionLight
	default:
		return model.CongestionFreeFlow
	}
}

// IssueCode identifies a data-quality problem found while transforming.
type IssueCode string

const (
	IssueNegativeBaseTime IssueCode = "negative_base_time"
	IssueMissingOrder     IssueCode = "missing_order"
	IssueNoOrderStops     IssueCode = "no_order_stops"
)

// Issue is one data-quality finding. Blocking issues must stop a save.
type Issue struct {
	Code     IssueCode `json:"code"`
	Message  string    `json:"message"`
	Blocking bool      `json:"blocking"`
}

// Report collects the findings of one Transform call.
type Report struct {
	Issues []Issue `json:"issues,omitempty"`
}

// Blocking reports whether any issue forbids persisting the route.
func (r Report) Blocking() bool {
	for _, is := range r.Issues {
		if is.Blocking {
			return true
		}
	}
	return false
}

func (r *Report) add(code IssueCode, blocking bool, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Code: code, Message: fmt.Sprintf(format, args...), Blocking: blocking})
}

// Transformer converts optimized routes using its congestion thresholds.
type Transformer struct {
	Thresholds Thresholds
}

// New returns a Transformer with the given thresholds.
func New(t Thresholds) Transformer { return Transformer{Thresholds: t} }

// Transform converts r with DefaultThresholds.
func Transform(r model.OptimizedRoute) (model.PersistableRoute, Report) {
	return New(DefaultThresholds).Transform(r)
}

// Transform builds the waypoint, route point and visit order lists of r.
// Waypoints and visit entries are indexed by position among the
// order-bearing stops, not by stop number.
func (t Transformer) Transform(r model.OptimizedRoute) (model.PersistableRoute, Report) {
	var rep Report
	out := model.PersistableRoute{
		Waypoints:   make([]model.Waypoint, 0, len(r.Stops)),
		VisitOrder:  make([]model.VisitEntry, 0, len(r.Stops)),
		RoutePoints: make([]model.AnnotatedRoutePoint, 0, len(r.RoutePoints)),
	}

	for _, s := range r.Stops {
		switch s.Type {
		case model.StopStart:
			out.Origin = s.Location
			continue
		case model.StopEnd:
			out.Destination = s.Location
			continue
		case model.StopPickup, model.StopDelivery:
		default:
			rep.add(IssueMissingOrder, false, "stop %d has unknown type %d", s.StopNumber, int(s.Type))
			continue
		}
		if s.Order == nil {
			rep.add(IssueMissingOrder, false, "%s stop %d has no order", s.Type, s.StopNumber)
			continue
		}
		idx := len(out.Waypoints)
		name := stopName(s)
		out.Waypoints = append(out.Waypoints, model.Waypoint{
			Lat:           s.Location.Lat,
			Lon:           s.Location.Lng,
			Name:          name,
			WaypointType:  s.Type.String(),
			WaypointIndex: idx,
		})
		out.VisitOrder = append(out.VisitOrder, model.VisitEntry{
			Name:          name,
			WaypointIndex: idx,
			OrderID:       s.Order.ID,
		})
	}

	for _, p := range r.RoutePoints {
		out.RoutePoints = append(out.RoutePoints, model.AnnotatedRoutePoint{
			RoutePoint:      p,
			CongestionLevel: t.Thresholds.Classify(p.TrafficDelaySeconds),
			WaypointType:    model.RoutePointWaypointType,
		})
	}

	base := r.TotalTime - r.TotalTrafficDelay
	if base < 0 {
		rep.add(IssueNegativeBaseTime, false, "traffic delay %.0fs exceeds total time %.0fs", r.TotalTrafficDelay, r.TotalTime)
		base = 0
	}
	out.Summary = model.RouteSummary{
		TotalTime:     r.TotalTime,
		TotalDistance: r.TotalDistance,
		TrafficDelay:  r.TotalTrafficDelay,
		BaseTime:      base,
	}
	return out, rep
}

func stopName(s model.Stop) string {
	var kind string
	switch s.Type {
	case model.StopPickup:
		kind = "Pickup"
	case model.StopDelivery:
		kind = "Delivery"
	case model.StopStart:
		kind = "Start"
	case model.StopEnd:
		kind = "End"
	}
	return fmt.Sprintf("%s #%s", kind, s.Order.Label())
}

// CheckSelection adds the blocking no_order_stops issue when orders were
// selected but the route visits none of them.
func CheckSelection(rep Report, selected int, p model.PersistableRoute) Report {
	if selected > 0 && len(p.Waypoints) == 0 {
		rep.add(IssueNoOrderStops, true, "%d orders selected but the route has no order stops", selected)
	}
	return rep
}
