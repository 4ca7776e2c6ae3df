package gateway

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/karaoke-room-system/pkg/models"
)

// Message is the wire envelope in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Conn wraps one websocket connection together with its room binding. The
// binding is set once on join; all later gameplay events implicitly target
// that room.
type Conn struct {
	id string
	ws *websocket.Conn

	// writeMu serializes writes; gorilla conns allow one writer at a time.
	writeMu sync.Mutex

	mu            sync.RWMutex
	roomCode      string
	participantID uint
	nickname      string
	mode          models.GameMode
}

func newConn(id string, ws *websocket.Conn) *Conn {
	return &Conn{id: id, ws: ws}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) bind(roomCode string, participantID uint, nickname string, mode models.GameMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomCode = roomCode
	c.participantID = participantID
	c.nickname = nickname
	c.mode = mode
}

func (c *Conn) unbind() {
	c.bind("", 0, "", "")
}

func (c *Conn) binding() (roomCode string, participantID uint, mode models.GameMode) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomCode, c.participantID, c.mode
}

// Send marshals and writes one event. Write errors are logged, not
// propagated: a broken connection is cleaned up by its own read loop.
func (c *Conn) Send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("failed to marshal event")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(Message{Type: event, Data: data}); err != nil {
		log.Warn().Err(err).Str("event", event).Str("conn", c.id).Msg("failed to write event")
	}
}

// Hub is the local delivery group: which connections on this process belong
// to which room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Conn
	conns map[string]*Conn
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[string]*Conn),
		conns: make(map[string]*Conn),
	}
}

func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.id] = conn
}

func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connID)
}

func (h *Hub) Conn(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[connID]
	return conn, ok
}

func (h *Hub) AddToRoom(code string, conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[code] == nil {
		h.rooms[code] = make(map[string]*Conn)
	}
	h.rooms[code][conn.id] = conn
}

func (h *Hub) RemoveFromRoom(code, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[code]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, code)
		}
	}
}

// DropRoom detaches every local connection from the room and returns them so
// the caller can notify and unbind them.
func (h *Hub) DropRoom(code string) []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[code]
	delete(h.rooms, code)

	conns := make([]*Conn, 0, len(room))
	for _, conn := range room {
		conns = append(conns, conn)
	}
	return conns
}

func (h *Hub) Broadcast(code, event string, payload any) {
	for _, conn := range h.roomConns(code) {
		conn.Send(event, payload)
	}
}

func (h *Hub) BroadcastExcept(code, exceptConnID, event string, payload any) {
	for _, conn := range h.roomConns(code) {
		if conn.id == exceptConnID {
			continue
		}
		conn.Send(event, payload)
	}
}

func (h *Hub) SendTo(connID, event string, payload any) {
	if conn, ok := h.Conn(connID); ok {
		conn.Send(event, payload)
	}
}

func (h *Hub) roomConns(code string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.rooms[code]))
	for _, conn := range h.rooms[code] {
		conns = append(conns, conn)
	}
	return conns
}
