package room

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kachar/liveblocks/auth"
	"github.com/kachar/liveblocks/crdt"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the websocket endpoint, e.g. "ws://localhost:8080".
	BaseURL string

	// TokenProvider exchanges room ids for access tokens.
	TokenProvider auth.TokenProvider

	// UserInfo is static info shared with peers (name, color, ...).
	UserInfo map[string]string

	// Logger receives engine logs. Defaults to a discarding logger.
	Logger *logrus.Logger

	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration

	// MaxBackoff caps the reconnection backoff interval.
	MaxBackoff time.Duration

	// HistoryLimit bounds the undo stack depth.
	HistoryLimit int

	// Dialer opens the message transport. Defaults to a gorilla websocket
	// dial against BaseURL; tests substitute their own.
	Dialer Dialer
}

// Dialer opens one transport session to a room.
type Dialer func(baseURL, room, token string, timeout time.Duration) (Conn, error)

// EnterOptions seeds a freshly joined room.
type EnterOptions struct {
	// InitialPresence is the local presence announced on join.
	InitialPresence map[string]crdt.Value

	// InitialStorage seeds the root object's keys, but only when the room's
	// storage is still empty after the first snapshot. Seeding is not
	// undoable.
	InitialStorage map[string]crdt.Value
}

// Client is an owning registry of joined rooms. Entering the same room id
// twice returns the same live room.
type Client struct {
	cfg Config

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewClient returns a client with defaults filled in.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		cfg.Logger = logger
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Minute
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialWebsocket
	}
	return &Client{cfg: cfg, rooms: make(map[string]*Room)}
}

// Enter joins a room, creating it on first use. A room that was left or
// ended up in the failed state is replaced by a fresh one, which is the
// manual retry path.
func (c *Client) Enter(roomID string, opts EnterOptions) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.rooms[roomID]; ok {
		status := r.Status()
		if status != StatusClosed && status != StatusFailed {
			return r
		}
	}

	r := newRoom(roomID, c.cfg, opts)
	c.rooms[roomID] = r
	go r.run()
	return r
}

// Leave tears the room down: the socket closes, timers stop, and all
// subscriptions are released.
func (c *Client) Leave(roomID string) {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	delete(c.rooms, roomID)
	c.mu.Unlock()

	if ok {
		r.close()
	}
}
