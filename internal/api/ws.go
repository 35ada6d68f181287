package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fieldsync/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local UI
	},
}

const writeWait = 5 * time.Second

type wsMessage struct {
	Type    string       `json:"type"`
	Payload domain.Stats `json:"payload"`
}

// statsHub pushes queue statistics to websocket clients. Each client keeps
// only the newest pending update so a slow reader never blocks the engine.
type statsHub struct {
	queue  Queue
	logger zerolog.Logger
	remove func()

	mu      sync.Mutex
	clients map[*websocket.Conn]chan domain.Stats
	closed  bool
}

func newStatsHub(q Queue, logger zerolog.Logger) *statsHub {
	h := &statsHub{queue: q, logger: logger, clients: make(map[*websocket.Conn]chan domain.Stats)}
	h.remove = q.AddListener(h.broadcast)
	return h
}

func (h *statsHub) broadcast(stats domain.Stats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case <-ch:
		default:
		}
		ch <- stats
	}
}

func (h *statsHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	ch := make(chan domain.Stats, 1)
	ch <- h.queue.GetStats()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = ch
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", count).Msg("websocket client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Warn().Err(err).Msg("websocket error")
				}
				return
			}
		}
	}()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case stats, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(wsMessage{Type: "stats", Payload: stats}); err != nil {
				h.logger.Warn().Err(err).Msg("failed to send stats to client")
				return
			}
		}
	}
}

func (h *statsHub) close() {
	h.remove()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for conn, ch := range h.clients {
		close(ch)
		delete(h.clients, conn)
	}
}
