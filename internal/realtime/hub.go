// Package realtime is the in-process websocket hub behind the publish step:
// one topic per run ID, best-effort fan-out to whoever is connected when a
// message is published. It is a progress channel, not a queue — subscribers
// that connect late do not see earlier messages.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks websocket subscribers per topic and fans published messages
// out to them.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*websocket.Conn]bool
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*websocket.Conn]bool)}
}

// Subscribe upgrades the HTTP connection to a websocket and registers it
// under the given topic until the peer disconnects.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, topic string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.addClient(topic, conn)
	go h.readPump(topic, conn)
}

// Publish implements sdkrequest.Publisher: it sends data to every
// subscriber currently registered for the topic. A subscriber whose write
// fails is dropped rather than failing the publish; writes have no deadline,
// so a slow subscriber delays the publish instead of being dropped.
func (h *Hub) Publish(topic string, data json.RawMessage) error {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.topics[topic]))
	for conn := range h.topics[topic] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	var g errgroup.Group
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.removeClient(topic, conn)
			}
			return nil
		})
	}
	return g.Wait()
}

// SubscriberCount reports how many connections are registered for a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

func (h *Hub) addClient(topic string, conn *websocket.Conn) {
	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*websocket.Conn]bool)
	}
	h.topics[topic][conn] = true
	h.mu.Unlock()
}

func (h *Hub) removeClient(topic string, conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.topics[topic], conn)
	if len(h.topics[topic]) == 0 {
		delete(h.topics, topic)
	}
	h.mu.Unlock()
	conn.Close()
}

// readPump drains (and discards) incoming messages so pings and close
// frames are processed, unregistering the client on disconnect.
func (h *Hub) readPump(topic string, conn *websocket.Conn) {
	defer h.removeClient(topic, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
