// Package server implements the reference room server: the token-minting
// endpoint and the websocket side of the room protocol, with a per-room
// authoritative replica and optional bbolt persistence. It is meant for
// development and tests; it speaks exactly the protocol the room package
// consumes.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/kachar/liveblocks/auth"
	"github.com/kachar/liveblocks/commons"
	"github.com/kachar/liveblocks/crdt"
)

// Config configures a Server.
type Config struct {
	// Secret signs and verifies room access tokens.
	Secret []byte

	// TokenTTL bounds minted tokens. Defaults to one hour.
	TokenTTL time.Duration

	// Store persists room snapshots. Nil keeps rooms in memory only.
	Store *Store
}

// Server hosts rooms and the auth endpoint.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu   sync.Mutex
	hubs map[string]*hub
}

// New returns a server with defaults filled in.
func New(cfg Config) *Server {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		hubs: make(map[string]*hub),
	}
}

// Router returns the HTTP surface: POST /auth and GET /rooms/{id}.
func (s *Server) Router() *mux.Router {
	m := mux.NewRouter()
	m.HandleFunc("/auth", s.handleAuth).Methods(http.MethodPost)
	m.HandleFunc("/rooms/{id}", s.handleRoom).Methods(http.MethodGet)
	return m
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Room string `json:"room"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	token, err := auth.Mint(s.cfg.Secret, req.Room, nil, s.cfg.TokenTTL)
	if err != nil {
		http.Error(w, "minting failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("room %s: upgrade failed: %v", roomID, err)
		return
	}

	// The handshake is part of the socket so the client can tell an auth
	// rejection apart from a transport failure.
	var join commons.Message
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&join); err != nil || join.Type != commons.JoinMessage {
		_ = conn.WriteJSON(commons.Message{Type: commons.ErrorMessage, Text: "expected join"})
		conn.Close()
		return
	}
	token := join.Token
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if _, err := auth.Verify(s.cfg.Secret, token, roomID); err != nil {
		_ = conn.WriteJSON(commons.Message{Type: commons.ErrorMessage, Text: "invalid token"})
		conn.Close()
		return
	}

	m := &member{
		connID:   uuid.New(),
		info:     join.Info,
		presence: make(map[string]crdt.Value),
		conn:     conn,
		send:     make(chan commons.Message, sendBuffer),
	}

	h := s.hub(roomID)
	h.register <- m
	go m.writePump()
	m.readPump(h)
}

func (s *Server) hub(roomID string) *hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hubs[roomID]
	if !ok {
		h = newHub(roomID, s.cfg.Store)
		s.hubs[roomID] = h
		go h.run()
	}
	return h
}
