package coordinator

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Hub is a broadcast-only websocket fan-out for Events: unlike the
// teacher's agentexec.Server (a duplex agent-command protocol with
// registration and pending-request correlation), every UI subscriber here
// is a passive listener with no inbound command path — there is nothing
// for the Coordinator to read back from a browser tab.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	send    chan Event
	done    chan struct{}
}

const (
	hubPingInterval  = 5 * time.Second
	hubWriteWait     = 5 * time.Second
	hubSendQueueSize = 256
)

// NewHub constructs a Hub. checkOrigin follows the same contract as
// gorilla/websocket.Upgrader.CheckOrigin; pass nil to accept same-origin
// requests only (the gorilla default).
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades the connection and registers it as a broadcast
// subscriber until the socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("coordinator: websocket upgrade failed")
		return
	}

	c := &hubClient{conn: conn, send: make(chan Event, hubSendQueueSize), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop only exists to notice the peer closing the socket; the
// Coordinator never expects inbound messages on this channel.
func (h *Hub) readLoop(c *hubClient) {
	defer h.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *hubClient) {
	ticker := time.NewTicker(hubPingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Warn().Err(err).Msg("coordinator: failed to marshal event")
				continue
			}
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			err = c.conn.WriteMessage(websocket.TextMessage, data)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.done)
	}
	h.mu.Unlock()
}

// Broadcast fans ev out to every connected subscriber. When a subscriber's
// send buffer is full, ev is dropped for that subscriber (the subscriber
// stays registered) rather than letting one slow reader block every other
// invocation's event stream.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			log.Warn().Str("execution_id", ev.ExecutionID).Msg("coordinator: dropping event for slow subscriber")
		}
	}
}

// ClientCount reports the number of currently connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
