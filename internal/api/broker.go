package api

import (
	"encoding/json"
	"log"
	"sync"

	"routeconsole/internal/workflow"
)

// SSEEvent is one notification for a session's subscribers. Data is
// already JSON encoded so every broker carries it unchanged.
type SSEEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EventBroker fans session events out to stream subscribers.
type EventBroker interface {
	Subscribe(sessionID string) chan SSEEvent
	Unsubscribe(sessionID string, ch chan SSEEvent)
	Publish(sessionID string, evt SSEEvent)
}

type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // sessionId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(sessionID string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = map[chan SSEEvent]struct{}{}
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(sessionID string, ch chan SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[sessionID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, sessionID)
	}
	close(ch)
}

// Publish never blocks; slow subscribers miss events.
func (b *Broker) Publish(sessionID string, evt SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[sessionID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// brokerSink adapts an EventBroker to the workflow's notification sink.
type brokerSink struct {
	broker EventBroker
}

func (k brokerSink) Publish(sessionID, eventType string, data any) {
	if st, ok := data.(workflow.State); ok {
		data = newSessionView(st)
	}
	b, err := json.Marshal(data)
	if err != nil {
		log.Printf("[ERROR] event encode failed: session=%s type=%s err=%v", sessionID, eventType, err)
		return
	}
	k.broker.Publish(sessionID, SSEEvent{Type: eventType, Data: b})
}

// sinks fans a session's events out to every member.
type sinks []workflow.Sink

func (ss sinks) Publish(sessionID, eventType string, data any) {
	for _, k := range ss {
		k.Publish(sessionID, eventType, data)
	}
}
