// Package main runs a demo WebSocket client that follows a route creation
// session.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	org := os.Getenv("ORG_ID")
	if org == "" {
		org = "org_demo"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	post := func(path, body string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Organization-Id", org)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatal(err)
		}
		return resp
	}

	// Start a session
	resp := post("/v1/sessions", "")
	var sess struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	if sess.SessionID == "" {
		log.Fatalf("no session created: status=%d", resp.StatusCode)
	}
	log.Printf("Session ID: %s", sess.SessionID)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/sessions/ws"}
	hdr := http.Header{}
	hdr.Set("X-Organization-Id", org)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	pl, _ := json.Marshal(map[string]string{"sessionId": sess.SessionID})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// Toggling an unknown order is refused; the toast arrives on the socket
	time.Sleep(500 * time.Millisecond)
	_ = post("/v1/sessions/"+sess.SessionID+"/orders/toggle", `{"orderId":"unknown"}`).Body.Close()

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
