package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"routeconsole/internal/workflow"
)

const heartbeatEvery = 15 * time.Second

func writeSSE(w http.ResponseWriter, f http.Flusher, eventType string, data []byte) {
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

func heartbeat(sessionID string) []byte {
	b, _ := json.Marshal(map[string]string{"sessionId": sessionID, "ts": time.Now().UTC().Format(time.RFC3339)})
	return b
}

// streamEvents serves GET /v1/sessions/{id}/events/stream. The current state
// is sent first, then toasts and state changes as they happen.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, c *workflow.Controller) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	id := c.ID()
	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if b, err := json.Marshal(newSessionView(c.State())); err == nil {
		writeSSE(w, flusher, workflow.EventStateChanged, b)
	}
	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, flusher, evt.Type, evt.Data)
		case <-time.After(heartbeatEvery):
			writeSSE(w, flusher, "heartbeat", heartbeat(id))
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// wsMessage follows the graphql-transport-ws framing: connection_init,
// connection_ack, ping, pong, subscribe, next, error, complete.
type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribe struct {
	SessionID string `json:"sessionId"`
}

// SessionsWSHandler handles /v1/sessions/ws. One connection can follow
// several sessions of the caller's organization.
func (s *Server) SessionsWSHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// gorilla connections allow one concurrent writer
	var wmu sync.Mutex
	write := func(v wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}
	fail := func(id, msg string) {
		b, _ := json.Marshal([]map[string]string{{"message": msg}})
		_ = write(wsMessage{Type: "error", ID: id, Payload: b})
	}

	type sub struct {
		sessionID string
		ch        chan SSEEvent
	}
	subs := map[string]sub{}
	done := make(chan struct{})
	defer func() {
		close(done)
		for id, s0 := range subs {
			s.Broker.Unsubscribe(s0.sessionID, s0.ch)
			delete(subs, id)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			var pl wsSubscribe
			if err := json.Unmarshal(msg.Payload, &pl); err != nil || pl.SessionID == "" {
				fail(msg.ID, "sessionId required")
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				fail(msg.ID, "subscription id already in use")
				continue
			}
			c, err := s.Sessions.Get(r.Context(), p.OrganizationID, pl.SessionID)
			if err != nil {
				fail(msg.ID, err.Error())
				continue
			}
			ch := s.Broker.Subscribe(c.ID())
			subs[msg.ID] = sub{sessionID: c.ID(), ch: ch}
			if b, err := json.Marshal(SSEEvent{Type: workflow.EventStateChanged, Data: mustJSON(newSessionView(c.State()))}); err == nil {
				_ = write(wsMessage{Type: "next", ID: msg.ID, Payload: b})
			}
			go func(id string, ch chan SSEEvent) {
				for evt := range ch {
					b, err := json.Marshal(evt)
					if err != nil {
						continue
					}
					if err := write(wsMessage{Type: "next", ID: id, Payload: b}); err != nil {
						log.Printf("[ERROR] ws write failed: sub=%s err=%v", id, err)
						return
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch)
		case "complete":
			if s0, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(s0.sessionID, s0.ch)
				delete(subs, msg.ID)
			}
		default:
			// ignore
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
