package ecoshop

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// realtimeURL derives the websocket change-feed endpoint from the
// configured API URL when no explicit realtime URL is set.
func (c SelfHostedConfig) realtimeURL() string {
	if c.RealtimeURL != "" {
		return c.RealtimeURL
	}
	u := strings.TrimSuffix(c.APIURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/realtime"
}

type realtimeSubscribeFrame struct {
	Action     string `json:"action"`
	Collection string `json:"collection"`
	DocumentID string `json:"documentId,omitempty"`
}

// subscribeRealtime opens a websocket to the backend change feed, registers
// interest in one collection (or one document) and dispatches decoded
// events to fn. The connection reconnects with backoff until unsubscribed.
func (p *RESTDatabaseProvider) subscribeRealtime(collection, documentID string, conditions []Condition, fn func(ChangeEvent)) (UnsubscribeFunc, error) {
	var (
		mu     sync.Mutex
		conn   *websocket.Conn
		closed bool
	)

	dial := func() (*websocket.Conn, error) {
		c, _, err := websocket.DefaultDialer.Dial(p.cfg.realtimeURL(), nil)
		if err != nil {
			return nil, err
		}
		frame := realtimeSubscribeFrame{Action: "subscribe", Collection: collection, DocumentID: documentID}
		if err := c.WriteJSON(frame); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}

	first, err := dial()
	if err != nil {
		return nil, WrapError(CodeNetwork, "failed to open realtime connection", err)
	}

	mu.Lock()
	conn = first
	mu.Unlock()

	go func() {
		backoff := time.Second
		for {
			mu.Lock()
			c := conn
			done := closed
			mu.Unlock()
			if done {
				return
			}

			_, payload, err := c.ReadMessage()
			if err != nil {
				mu.Lock()
				done = closed
				mu.Unlock()
				if done {
					return
				}

				p.logger.Warn("realtime connection lost, reconnecting",
					"collection", collection,
					"backoff", backoff.String(),
				)
				time.Sleep(backoff)
				if backoff < 30*time.Second {
					backoff *= 2
				}

				next, err := dial()
				if err != nil {
					continue
				}
				backoff = time.Second

				mu.Lock()
				if closed {
					mu.Unlock()
					next.Close()
					return
				}
				conn = next
				mu.Unlock()
				continue
			}

			var event ChangeEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				p.logger.Warn("dropping malformed realtime event", "error", err)
				continue
			}
			if event.Collection != collection {
				continue
			}
			if documentID != "" && event.DocumentID != documentID {
				continue
			}
			if len(conditions) > 0 {
				doc := event.NewData
				if doc == nil {
					doc = event.OldData
				}
				if !matchConditions(doc, conditions) {
					continue
				}
			}
			fn(event)
		}
	}()

	return func() {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		closed = true
		c := conn
		mu.Unlock()
		if c != nil {
			c.Close()
		}
	}, nil
}
