package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/goodtune/quotawatch/internal/usage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// event is one frame pushed to /api/events subscribers.
type event struct {
	Type      string           `json:"type"`
	Time      time.Time        `json:"time"`
	Snapshots []usage.Snapshot `json:"snapshots,omitempty"`
	Alert     *alertEvent      `json:"alert,omitempty"`
}

type alertEvent struct {
	Account   string `json:"account"`
	Threshold int    `json:"threshold"`
	Dimension string `json:"dimension"`
}

// hub fans events out to connected websocket clients. A slow client drops
// frames instead of blocking the broadcaster.
type hub struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{
		logger:  logger,
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

func (h *hub) add(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}

func (h *hub) broadcast(ev event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode event")
		return
	}

	h.mu.Lock()
	for conn, ch := range h.clients {
		select {
		case ch <- payload:
		default:
			h.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Dropping event for slow subscriber")
		}
	}
	h.mu.Unlock()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	for conn, ch := range h.clients {
		delete(h.clients, conn)
		close(ch)
		conn.Close()
	}
	h.mu.Unlock()
}

// PublishSnapshots pushes the snapshot collection to websocket subscribers.
// Wired as the scheduler's publish hook.
func (s *Server) PublishSnapshots(snaps []usage.Snapshot) {
	s.hub.broadcast(event{
		Type:      "snapshots",
		Time:      time.Now().UTC(),
		Snapshots: snaps,
	})
}

// Notify pushes an alert event to websocket subscribers, making the admin
// server one of the configured alert notifiers.
func (s *Server) Notify(account string, threshold int, dimension usage.Dimension) {
	s.hub.broadcast(event{
		Type: "alert",
		Time: time.Now().UTC(),
		Alert: &alertEvent{
			Account:   account,
			Threshold: threshold,
			Dimension: string(dimension),
		},
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}

	// register before the initial frame so no broadcast falls in the gap;
	// every conn write happens in this goroutine
	ch := s.hub.add(conn)
	defer s.hub.remove(conn)

	initial := event{
		Type:      "snapshots",
		Time:      time.Now().UTC(),
		Snapshots: s.controller.Snapshots(),
	}
	if payload, err := json.Marshal(initial); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}

	// drain reads so close frames are noticed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.remove(conn)
				return
			}
		}
	}()

	for payload := range ch {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
