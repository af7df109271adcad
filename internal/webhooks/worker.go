package webhooks

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"routeconsole/internal/metrics"
)

// Start runs the delivery loop until Stop is called.
func (n *Notifier) Start() {
	go func() {
		defer close(n.done)
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-n.stop:
				return
			case <-ticker.C:
				n.processOnce()
			}
		}
	}()
}

// Stop ends the delivery loop. Queued deliveries are dropped. Stop must
// only be called after Start.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.stop)
		<-n.done
		if p := n.Pending(); p > 0 {
			log.Printf("[WEBHOOK] stopping with %d undelivered events", p)
		}
	})
}

// due removes and returns the deliveries whose next attempt has come.
func (n *Notifier) due(now time.Time) []*delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	var ready []*delivery
	rest := n.queue[:0]
	for _, d := range n.queue {
		if d.due.After(now) {
			rest = append(rest, d)
			continue
		}
		ready = append(ready, d)
	}
	n.queue = rest
	return ready
}

func (n *Notifier) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, d := range n.due(n.Now()) {
		code, err := n.send(ctx, d)
		if err == nil && code >= 200 && code < 300 {
			metrics.WebhookDeliveries.WithLabelValues(d.event, "ok").Inc()
			continue
		}
		d.attempts++
		if d.attempts >= n.MaxAttempts {
			metrics.WebhookDeliveries.WithLabelValues(d.event, "failed").Inc()
			log.Printf("[WEBHOOK] giving up: id=%s type=%s attempts=%d status=%d err=%v", d.id, d.event, d.attempts, code, err)
			continue
		}
		metrics.WebhookDeliveries.WithLabelValues(d.event, "retry").Inc()
		d.due = n.Now().Add(nextBackoff(d.attempts - 1))
		n.mu.Lock()
		n.queue = append(n.queue, d)
		n.mu.Unlock()
	}
}

func (n *Notifier) send(ctx context.Context, d *delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(d.body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", d.event)
	req.Header.Set("X-Event-Id", d.id)
	if n.Secret != "" {
		ts := n.Now().Unix()
		req.Header.Set("X-Signature-Timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("X-Signature", Sign(n.Secret, ts, d.body))
	}
	resp, err := n.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
