package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hostsentry/hostsentry/internal/agent"
	"github.com/hostsentry/hostsentry/internal/orchestrator"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// feedInterval is how often a snapshot frame is pushed to each client.
	feedInterval = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The server binds to loopback by default; origin checks are left to
		// a fronting proxy when exposed further.
		return true
	},
}

// FeedFrame is one snapshot pushed over the WebSocket feed.
type FeedFrame struct {
	At     time.Time               `json:"at"`
	System orchestrator.SystemInfo `json:"system"`
	Agents map[string]agent.Stats  `json:"agents"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.log.Debug("feed client connected", "remote", conn.RemoteAddr().String())

	go s.writePump(conn)
	s.readPump(conn)
}

// readPump discards client frames and keeps the pong deadline fresh. It
// returns when the peer goes away, which closes the connection and thereby
// ends the write pump.
func (s *Server) readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump pushes snapshot frames and pings until the connection dies.
func (s *Server) writePump(conn *websocket.Conn) {
	snapshots := time.NewTicker(feedInterval)
	pings := time.NewTicker(pingPeriod)
	defer func() {
		snapshots.Stop()
		pings.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-snapshots.C:
			frame := FeedFrame{
				At:     time.Now(),
				System: s.orch.SystemInfo(),
				Agents: s.orch.AgentStats(),
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				s.log.Error("encode feed frame failed", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
