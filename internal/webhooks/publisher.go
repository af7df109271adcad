// Package webhooks delivers route lifecycle events to an external endpoint.
package webhooks

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"routeconsole/internal/workflow"
)

// Event is the body of one delivery.
type Event struct {
	ID        string              `json:"id"`
	Type      string              `json:"type"`
	Timestamp time.Time           `json:"ts"`
	Data      workflow.RouteEvent `json:"data"`
}

type delivery struct {
	id       string
	event    string
	body     []byte
	attempts int
	due      time.Time
}

// Notifier queues route.saved and route.assigned events and a worker posts
// them to URL. It implements workflow.Sink; every other event is ignored.
type Notifier struct {
	URL         string
	Secret      string
	HTTP        *http.Client
	MaxAttempts int
	Now         func() time.Time

	mu    sync.Mutex
	queue []*delivery

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewNotifier(url, secret string, maxAttempts int) *Notifier {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Notifier{
		URL:         url,
		Secret:      secret,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: maxAttempts,
		Now:         time.Now,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (n *Notifier) Publish(sessionID, eventType string, data any) {
	if eventType != workflow.EventRouteSaved && eventType != workflow.EventRouteAssigned {
		return
	}
	ev, ok := data.(workflow.RouteEvent)
	if !ok {
		return
	}
	id := "evt_" + uuid.NewString()
	body, err := json.Marshal(Event{ID: id, Type: eventType, Timestamp: n.Now().UTC(), Data: ev})
	if err != nil {
		log.Printf("[WEBHOOK] encode failed: session=%s type=%s err=%v", sessionID, eventType, err)
		return
	}
	n.mu.Lock()
	n.queue = append(n.queue, &delivery{id: id, event: eventType, body: body, due: n.Now()})
	n.mu.Unlock()
}

// Pending returns the number of deliveries still queued.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}
