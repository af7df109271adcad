package backend

import (
	"context"
	"log"
	"net/http"
	"net/url"

	"routeconsole/internal/model"
)

type orderDTO struct {
	ID          string         `json:"id"`
	OrderNumber string         `json:"orderNumber"`
	Origin      model.GeoPoint `json:"origin"`
	Destination model.GeoPoint `json:"destination"`
	Description string         `json:"description"`
	Amount      float64        `json:"amount"`
	Priority    int            `json:"priority"`
	Status      string         `json:"status"`
}

// ListPendingOrders returns the organization's order pool.
func (c *Client) ListPendingOrders(ctx context.Context, orgID string) ([]model.DeliveryOrder, error) {
	q := url.Values{"organizationId": {orgID}, "status": {"pending"}}
	req, err := c.newRequest(ctx, http.MethodGet, "/orders?"+q.Encode(), nil)
	if err != nil {
		return nil, &model.Failure{Kind: model.FailValidation, Reason: "build orders request", Err: err}
	}
	var out struct {
		Items []orderDTO `json:"items"`
	}
	if err := c.do(req, "list_orders", &out); err != nil {
		return nil, err
	}
	orders := make([]model.DeliveryOrder, 0, len(out.Items))
	for _, o := range out.Items {
		if o.Status != "" && o.Status != "pending" {
			continue
		}
		if o.ID == "" {
			log.Printf("[BACKEND] skipping order without id: org=%s number=%s", orgID, o.OrderNumber)
			continue
		}
		orders = append(orders, model.DeliveryOrder{
			ID:          o.ID,
			OrderNumber: o.OrderNumber,
			Origin:      o.Origin,
			Destination: o.Destination,
			Description: o.Description,
			Amount:      o.Amount,
			Priority:    o.Priority,
		})
	}
	return orders, nil
}

type driverDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ListActiveDrivers returns the organization's active roster. Entries with
// any other or unknown status are dropped.
func (c *Client) ListActiveDrivers(ctx context.Context, orgID string) ([]model.Driver, error) {
	q := url.Values{"organizationId": {orgID}, "status": {"active"}}
	req, err := c.newRequest(ctx, http.MethodGet, "/drivers?"+q.Encode(), nil)
	if err != nil {
		return nil, &model.Failure{Kind: model.FailValidation, Reason: "build drivers request", Err: err}
	}
	var out struct {
		Items []driverDTO `json:"items"`
	}
	if err := c.do(req, "list_drivers", &out); err != nil {
		return nil, err
	}
	drivers := make([]model.Driver, 0, len(out.Items))
	for _, d := range out.Items {
		var st model.DriverStatus
		if err := st.UnmarshalText([]byte(d.Status)); err != nil || st != model.DriverActive {
			continue
		}
		drivers = append(drivers, model.Driver{ID: d.ID, Name: d.Name, Status: st})
	}
	return drivers, nil
}
