package optimizer

import (
	"time"

	"routeconsole/internal/model"
)

// Wire shapes of the optimization service. Field names are the service's
// contract and differ from the internal model.

type wireOrder struct {
	OrderID         string  `json:"order_id"`
	OrderNumber     string  `json:"order_number,omitempty"`
	PickupLat       float64 `json:"pickup_lat"`
	PickupLng       float64 `json:"pickup_lng"`
	PickupAddress   string  `json:"pickup_address,omitempty"`
	DeliveryLat     float64 `json:"delivery_lat"`
	DeliveryLng     float64 `json:"delivery_lng"`
	DeliveryAddress string  `json:"delivery_address,omitempty"`
	Priority        int     `json:"priority"`
	Amount          float64 `json:"amount"`
	Description     string  `json:"description,omitempty"`
}

type wireRequest struct {
	StartLat            float64     `json:"start_lat"`
	StartLng            float64     `json:"start_lng"`
	StartAddress        string      `json:"start_address,omitempty"`
	EndLat              float64     `json:"end_lat"`
	EndLng              float64     `json:"end_lng"`
	EndAddress          string      `json:"end_address,omitempty"`
	Orders              []wireOrder `json:"orders"`
	IncludeTraffic      bool        `json:"include_traffic"`
	DepartureTime       string      `json:"departure_time,omitempty"`
	TravelMode          string      `json:"travel_mode,omitempty"`
	RouteType           string      `json:"route_type,omitempty"`
	MaxOrdersPerTrip    int         `json:"max_orders_per_trip,omitempty"`
	ForceReturnToEnd    bool        `json:"force_return_to_end"`
	MaxReturnDistanceKm float64     `json:"max_return_distance_km,omitempty"`
}

type wireStop struct {
	StopNumber           int     `json:"stop_number"`
	StopType             string  `json:"stop_type"`
	OrderID              string  `json:"order_id,omitempty"`
	Lat                  float64 `json:"lat"`
	Lng                  float64 `json:"lng"`
	Address              string  `json:"address,omitempty"`
	DistanceFromPrevious float64 `json:"distance_from_previous"`
	CumulativeDistance   float64 `json:"cumulative_distance"`
	EstimatedTime        float64 `json:"estimated_time"`
	CumulativeTime       float64 `json:"cumulative_time"`
	TrafficDelaySeconds  float64 `json:"traffic_delay_seconds"`
}

type wirePoint struct {
	Lat                 float64 `json:"lat"`
	Lng                 float64 `json:"lng"`
	Instruction         string  `json:"instruction,omitempty"`
	TrafficDelaySeconds float64 `json:"traffic_delay_seconds"`
}

type wireResponse struct {
	Success           *bool       `json:"success"`
	Message           string      `json:"message"`
	Error             string      `json:"error"`
	TotalDistance     float64     `json:"total_distance"`
	TotalTime         float64     `json:"total_time"`
	TotalTrafficDelay float64     `json:"total_traffic_delay"`
	OrdersDelivered   int         `json:"orders_delivered"`
	Stops             []wireStop  `json:"stops"`
	RoutePoints       []wirePoint `json:"route_points"`
}

// errorMessage returns the service's error text, if the payload carries one.
func (r wireResponse) errorMessage() string {
	if r.Message != "" {
		return r.Message
	}
	return r.Error
}

func encodeRequest(req model.OptimizationRequest, orders []*model.DeliveryOrder) wireRequest {
	w := wireRequest{
		StartLat:            req.Start.Lat,
		StartLng:            req.Start.Lng,
		StartAddress:        req.Start.Address,
		EndLat:              req.End.Lat,
		EndLng:              req.End.Lng,
		EndAddress:          req.End.Address,
		Orders:              make([]wireOrder, 0, len(orders)),
		IncludeTraffic:      req.Policy.IncludeTraffic,
		TravelMode:          req.Policy.TravelMode,
		RouteType:           req.Policy.RouteType,
		MaxOrdersPerTrip:    req.Policy.MaxOrdersPerTrip,
		ForceReturnToEnd:    req.Policy.ForceReturnToEnd,
		MaxReturnDistanceKm: req.Policy.MaxReturnDistanceKm,
	}
	if !req.Policy.DepartureTime.IsZero() {
		w.DepartureTime = req.Policy.DepartureTime.UTC().Format(time.RFC3339)
	}
	for _, o := range orders {
		w.Orders = append(w.Orders, wireOrder{
			OrderID:         o.ID,
			OrderNumber:     o.OrderNumber,
			PickupLat:       o.Origin.Lat,
			PickupLng:       o.Origin.Lng,
			PickupAddress:   o.Origin.Address,
			DeliveryLat:     o.Destination.Lat,
			DeliveryLng:     o.Destination.Lng,
			DeliveryAddress: o.Destination.Address,
			Priority:        o.Priority,
			Amount:          o.Amount,
			Description:     o.Description,
		})
	}
	return w
}

// decodeRoute translates a successful payload, binding stops to the
// request's orders. Any contract violation is a malformed failure.
func decodeRoute(w wireResponse, orders []*model.DeliveryOrder) (model.OptimizedRoute, error) {
	byID := make(map[string]*model.DeliveryOrder, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}
	out := model.OptimizedRoute{
		TotalDistance:     w.TotalDistance,
		TotalTime:         w.TotalTime,
		TotalTrafficDelay: w.TotalTrafficDelay,
		OrdersDelivered:   w.OrdersDelivered,
		Stops:             make([]model.Stop, 0, len(w.Stops)),
		RoutePoints:       make([]model.RoutePoint, 0, len(w.RoutePoints)),
	}
	for _, s := range w.Stops {
		typ, err := model.ParseStopType(s.StopType)
		if err != nil {
			return model.OptimizedRoute{}, model.Fail(model.FailMalformed, "stop %d: %v", s.StopNumber, err)
		}
		st := model.Stop{
			StopNumber:           s.StopNumber,
			Type:                 typ,
			Location:             model.GeoPoint{Lat: s.Lat, Lng: s.Lng, Address: s.Address},
			DistanceFromPrevious: s.DistanceFromPrevious,
			CumulativeDistance:   s.CumulativeDistance,
			EstimatedTime:        s.EstimatedTime,
			CumulativeTime:       s.CumulativeTime,
			TrafficDelaySeconds:  s.TrafficDelaySeconds,
		}
		if s.OrderID != "" {
			o, ok := byID[s.OrderID]
			if !ok {
				return model.OptimizedRoute{}, model.Fail(model.FailMalformed, "stop %d references unknown order %q", s.StopNumber, s.OrderID)
			}
			st.Order = o
		}
		out.Stops = append(out.Stops, st)
	}
	for _, p := range w.RoutePoints {
		out.RoutePoints = append(out.RoutePoints, model.RoutePoint{
			Lat:                 p.Lat,
			Lng:                 p.Lng,
			Instruction:         p.Instruction,
			TrafficDelaySeconds: p.TrafficDelaySeconds,
		})
	}
	if err := out.Validate(); err != nil {
		return model.OptimizedRoute{}, &model.Failure{Kind: model.FailMalformed, Reason: "optimizer returned an invalid stop sequence", Err: err}
	}
	return out, nil
}
