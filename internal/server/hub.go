package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pdfctl/internal/fitting"
)

// stepMessage is the websocket form of a fit event.
type stepMessage struct {
	Fit       string    `json:"fit"`
	FitStatus string    `json:"fit_status"`
	JobStatus string    `json:"job_status"`
	Step      int       `json:"step"`
	RW        float64   `json:"rw"`
	Refined   bool      `json:"refined"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// hub fans fit events out to websocket clients. Slow clients lose
// messages rather than stall the fits.
type hub struct {
	log        *slog.Logger
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			c.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = true
			h.log.Debug("websocket client connected", "clients", len(h.clients))
		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				c.Close()
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				c.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					delete(h.clients, c)
					c.Close()
				}
			}
		}
	}
}

func (h *hub) publishEvent(ev fitting.Event) {
	m := stepMessage{
		Fit:       ev.Fit,
		FitStatus: ev.FitStatus.String(),
		JobStatus: ev.JobStatus.String(),
		Step:      ev.Step,
		RW:        ev.RW,
		Refined:   ev.Refined,
		Time:      time.Now(),
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.log.Warn("websocket buffer full, dropping event", "fit", ev.Fit)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	select {
	case s.hub.register <- conn:
	case <-s.hub.done:
		conn.Close()
		return
	}
	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			select {
			case s.hub.unregister <- conn:
			case <-s.hub.done:
			}
			return
		}
	}
}
