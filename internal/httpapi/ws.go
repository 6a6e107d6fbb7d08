package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"AskChat/internal/chat"
)

// EventState is the only event on the state stream
const EventState = "state"

// WSMessage is the JSON message sent over the WebSocket
type WSMessage struct {
	Event string     `json:"event"`
	Data  chat.State `json:"data"`
	TS    int64      `json:"ts"` // Unix ms
}

// hub fans state snapshots out to the stream subscribers of one session.
// publish runs with the session locked, so it never blocks.
type hub struct {
	mu     sync.Mutex
	subs   map[chan chat.State]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan chat.State]struct{})}
}

func (h *hub) publish(st chat.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- st:
		default:
			// slow reader; it will catch up with the next snapshot
		}
	}
}

// subscribe returns a channel of snapshots that is closed when the hub
// closes, plus a function to unsubscribe
func (h *hub) subscribe() (<-chan chat.State, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan chat.State, 64)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stream pushes the session state on connect and after every change
func (s *Server) stream(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := e.hub.subscribe()
	defer unsubscribe()

	// reader goroutine keeps the connection alive and notices the client leaving
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(st chat.State) error {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(WSMessage{Event: EventState, Data: st, TS: time.Now().UnixMilli()})
	}

	if err := send(e.manager.State()); err != nil {
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case st, open := <-updates:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(time.Second))
				return
			}
			if err := send(st); err != nil {
				return
			}
		}
	}
}
