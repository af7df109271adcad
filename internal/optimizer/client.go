// Package optimizer is the client of the external route optimization service.
package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"routeconsole/internal/metrics"
	"routeconsole/internal/model"
)

const maxResponseBytes = 8 << 20

// Config describes how to reach the optimization service.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RPS caps outgoing requests per second. Zero disables the limiter.
	RPS   float64
	Burst int
}

// Client calls the optimization service. It never retries; a retry is a
// new Optimize call made by the user.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return c
}

// WithHTTPClient replaces the transport, mainly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// Validate is the local precondition check run before any request is sent.
func Validate(req model.OptimizationRequest) error {
	if len(req.Orders) == 0 {
		return model.Fail(model.FailValidation, "select at least one order")
	}
	if req.Start == nil {
		return model.Fail(model.FailValidation, "start location is required")
	}
	if req.End == nil {
		return model.Fail(model.FailValidation, "end location is required")
	}
	if !req.Start.Valid() {
		return model.Fail(model.FailValidation, "start location is out of range")
	}
	if !req.End.Valid() {
		return model.Fail(model.FailValidation, "end location is out of range")
	}
	return nil
}

// usableOrders drops orders whose pickup or delivery coordinates are out of range.
func usableOrders(orders []*model.DeliveryOrder) []*model.DeliveryOrder {
	out := make([]*model.DeliveryOrder, 0, len(orders))
	for _, o := range orders {
		if o == nil {
			continue
		}
		if !o.Origin.Valid() || !o.Destination.Valid() {
			log.Printf("[OPTIMIZER] skipping order with invalid coordinates: order=%s", o.ID)
			continue
		}
		out = append(out, o)
	}
	return out
}

// Optimize returns the optimized route for req. Every error is a
// *model.Failure.
func (c *Client) Optimize(ctx context.Context, req model.OptimizationRequest) (route model.OptimizedRoute, err error) {
	if err := Validate(req); err != nil {
		return model.OptimizedRoute{}, err
	}
	orders := usableOrders(req.Orders)
	if len(orders) == 0 {
		return model.OptimizedRoute{}, model.Fail(model.FailNoValidOrders, "none of the %d selected orders has valid coordinates", len(req.Orders))
	}

	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = model.FailureOf(err).Kind.String()
		}
		metrics.ObserveUpstream("optimizer", "optimize", outcome, start)
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return model.OptimizedRoute{}, &model.Failure{Kind: model.FailTransport, Reason: "optimizer rate limit wait aborted", Err: err}
		}
	}

	body, err := json.Marshal(encodeRequest(req, orders))
	if err != nil {
		return model.OptimizedRoute{}, &model.Failure{Kind: model.FailValidation, Reason: "encode optimization request", Err: err}
	}
	reqID := uuid.New().String()
	log.Printf("[OPTIMIZER] Request: id=%s orders=%d traffic=%t", reqID, len(orders), req.Policy.IncludeTraffic)

	hreq, err := c.newRequest(ctx, c.baseURL+"/routes/optimize", body)
	if err != nil {
		return model.OptimizedRoute{}, &model.Failure{Kind: model.FailTransport, Reason: "build optimization request", Err: err}
	}
	hreq.Header.Set("X-Request-Id", reqID)

	resp, err := c.http.Do(hreq)
	if err != nil {
		log.Printf("[ERROR] Optimizer request failed: id=%s err=%v", reqID, err)
		f := model.FailureOf(err)
		if f.Kind == model.FailTransport && !errors.Is(err, context.DeadlineExceeded) {
			f = &model.Failure{Kind: model.FailTransport, Reason: "optimization service unreachable", Err: err}
		}
		return model.OptimizedRoute{}, f
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return model.OptimizedRoute{}, &model.Failure{Kind: model.FailTransport, Reason: "read optimization response", Err: err}
	}

	var w wireResponse
	decodeErr := json.Unmarshal(raw, &w)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && w.errorMessage() != "" {
			log.Printf("[ERROR] Optimizer error payload: id=%s status=%d message=%s", reqID, resp.StatusCode, w.errorMessage())
			return model.OptimizedRoute{}, model.Fail(model.FailService, "%s", w.errorMessage())
		}
		log.Printf("[ERROR] Optimizer HTTP error: id=%s status=%d body=%s", reqID, resp.StatusCode, truncate(raw))
		return model.OptimizedRoute{}, model.Fail(model.FailTransport, "optimization service returned HTTP %d", resp.StatusCode)
	}
	if decodeErr != nil {
		log.Printf("[ERROR] Optimizer response undecodable: id=%s err=%v", reqID, decodeErr)
		return model.OptimizedRoute{}, &model.Failure{Kind: model.FailMalformed, Reason: "optimization response is not valid JSON", Err: decodeErr}
	}
	if w.Success != nil && !*w.Success {
		msg := w.errorMessage()
		if msg == "" {
			msg = "optimization failed"
		}
		log.Printf("[ERROR] Optimizer reported failure: id=%s message=%s", reqID, msg)
		return model.OptimizedRoute{}, model.Fail(model.FailService, "%s", msg)
	}

	route, err = decodeRoute(w, orders)
	if err != nil {
		log.Printf("[ERROR] Optimizer response malformed: id=%s err=%v", reqID, err)
		return model.OptimizedRoute{}, err
	}
	log.Printf("[OPTIMIZER] Response: id=%s stops=%d points=%d distance=%.0f time=%.0f",
		reqID, len(route.Stops), len(route.RoutePoints), route.TotalDistance, route.TotalTime)
	return route, nil
}

func (c *Client) newRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}
