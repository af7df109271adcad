// Package backend talks to the persistence service that owns orders,
// drivers and saved routes.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"routeconsole/internal/metrics"
	"routeconsole/internal/model"
)

const maxResponseBytes = 4 << 20

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client is the persistence service client. It never retries.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}
}

type httpStatusError struct {
	Code    int
	Message string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

type errorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Detail  string `json:"detail"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.New().String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends req and decodes a 2xx body into out (when non-nil). Failures are
// normalized into *model.Failure.
func (c *Client) do(req *http.Request, op string, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = model.FailureOf(err).Kind.String()
		}
		metrics.ObserveUpstream("backend", op, outcome, start)
	}()

	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("[ERROR] Backend request failed: op=%s id=%s err=%v", op, req.Header.Get("X-Request-Id"), err)
		return &model.Failure{Kind: model.FailTransport, Reason: "persistence service unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &model.Failure{Kind: model.FailTransport, Reason: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var p errorPayload
		_ = json.Unmarshal(raw, &p)
		msg := firstNonEmpty(p.Message, p.Error, p.Detail)
		log.Printf("[ERROR] Backend HTTP error: op=%s status=%d body=%s", op, resp.StatusCode, strings.TrimSpace(string(raw)))
		if msg != "" {
			return &model.Failure{Kind: model.FailService, Reason: msg, Err: &httpStatusError{Code: resp.StatusCode, Message: msg}}
		}
		return &model.Failure{Kind: model.FailTransport, Reason: fmt.Sprintf("persistence service returned HTTP %d", resp.StatusCode),
			Err: &httpStatusError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		if out != nil {
			return model.Fail(model.FailMalformed, "empty %s response", op)
		}
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &model.Failure{Kind: model.FailMalformed, Reason: fmt.Sprintf("undecodable %s response", op), Err: err}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type createRouteBody struct {
	OrganizationID string                      `json:"organizationId"`
	RouteName      string                      `json:"routeName"`
	Description    string                      `json:"description,omitempty"`
	OrderIDs       []string                    `json:"orderIds"`
	Status         model.RouteStatus           `json:"status"`
	Origin         model.GeoPoint              `json:"origin"`
	Destination    model.GeoPoint              `json:"destination"`
	Waypoints      []model.Waypoint            `json:"waypoints"`
	RoutePoints    []model.AnnotatedRoutePoint `json:"routePoints"`
	VisitOrder     []model.VisitEntry          `json:"visitOrder"`
	Summary        model.RouteSummary          `json:"summary"`
}

// CreateRoute stores one route and returns its id. Each successful call
// creates a new route; callers must not repeat it.
func (c *Client) CreateRoute(ctx context.Context, in model.CreateRouteInput) (string, error) {
	if in.OrganizationID == "" {
		return "", model.Fail(model.FailValidation, "organization is required")
	}
	if len(in.OrderIDs) == 0 {
		return "", model.Fail(model.FailValidation, "a route needs at least one order")
	}
	body := createRouteBody{
		OrganizationID: in.OrganizationID,
		RouteName:      in.RouteName,
		Description:    in.Description,
		OrderIDs:       in.OrderIDs,
		Status:         model.RoutePlanned,
		Origin:         in.Route.Origin,
		Destination:    in.Route.Destination,
		Waypoints:      in.Route.Waypoints,
		RoutePoints:    in.Route.RoutePoints,
		VisitOrder:     in.Route.VisitOrder,
		Summary:        in.Route.Summary,
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/routes", body)
	if err != nil {
		return "", &model.Failure{Kind: model.FailValidation, Reason: "build route request", Err: err}
	}
	var out struct {
		RouteID string `json:"routeId"`
	}
	if err := c.do(req, "create_route", &out); err != nil {
		return "", err
	}
	if out.RouteID == "" {
		return "", model.Fail(model.FailMalformed, "persistence service returned no route id")
	}
	log.Printf("[BACKEND] Route created: org=%s route=%s orders=%d waypoints=%d", in.OrganizationID, out.RouteID, len(in.OrderIDs), len(in.Route.Waypoints))
	return out.RouteID, nil
}

type assignBody struct {
	ScheduledStart time.Time `json:"scheduledStart"`
	ScheduledEnd   time.Time `json:"scheduledEnd"`
	Notes          string    `json:"notes,omitempty"`
}

// AssignDriver assigns a saved route to a driver membership. It does not
// guard against assigning the same route twice.
func (c *Client) AssignDriver(ctx context.Context, a model.Assignment) error {
	if a.RouteID == "" {
		return model.Fail(model.FailValidation, "route id is required")
	}
	if a.DriverID == "" {
		return model.Fail(model.FailValidation, "select a driver")
	}
	if a.Schedule.Start.IsZero() || a.Schedule.End.IsZero() {
		return model.Fail(model.FailValidation, "schedule window is incomplete")
	}
	if !a.Schedule.End.After(a.Schedule.Start) {
		return model.Fail(model.FailValidation, "schedule must end after it starts")
	}
	path := "/route-drivers/assign/" + url.PathEscape(a.RouteID) + "/" + url.PathEscape(a.DriverID)
	req, err := c.newRequest(ctx, http.MethodPost, path, assignBody{
		ScheduledStart: a.Schedule.Start.UTC(),
		ScheduledEnd:   a.Schedule.End.UTC(),
		Notes:          a.Notes,
	})
	if err != nil {
		return &model.Failure{Kind: model.FailValidation, Reason: "build assign request", Err: err}
	}
	if err := c.do(req, "assign_driver", nil); err != nil {
		return err
	}
	log.Printf("[BACKEND] Route assigned: route=%s driver=%s start=%s", a.RouteID, a.DriverID, a.Schedule.Start.Format(time.RFC3339))
	return nil
}
