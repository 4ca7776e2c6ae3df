package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/karaoke-room-system/internal/game"
	"github.com/karaoke-room-system/internal/room"
	"github.com/karaoke-room-system/pkg/events"
	"github.com/karaoke-room-system/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin checking is handled by the CORS layer in front
	},
}

// RoomService is the slice of the room directory the gateway needs.
type RoomService interface {
	JoinRoom(ctx context.Context, params room.JoinRoomParams) (*models.Participant, error)
	LeaveRoom(ctx context.Context, code string, participantID uint, connID string) (bool, error)
	GetRoomByCode(ctx context.Context, code string) (*models.Room, error)
	GetRoomWithParticipants(ctx context.Context, code string, connectedOnly bool) (*models.Room, []*models.Participant, error)
	GetParticipant(ctx context.Context, participantID uint) (*models.Participant, error)
}

// Bus is the cross-process broadcast transport.
type Bus interface {
	Publish(ctx context.Context, channel string, event events.Event) error
}

// Handler is the session gateway: it binds connections to rooms, routes
// inbound client events to the directory or the game machines, and fans
// events out locally and across processes.
type Handler struct {
	hub    *Hub
	rooms  RoomService
	bus    Bus
	engine *game.Engine

	// origin identifies this process on the bus so its own events are not
	// delivered twice.
	origin string
}

func NewHandler(rooms RoomService, bus Bus, origin string) *Handler {
	return &Handler{
		hub:    NewHub(),
		rooms:  rooms,
		bus:    bus,
		origin: origin,
	}
}

// SetEngine wires the game machines in after construction; the engine
// broadcasts through this handler, so the two reference each other.
func (h *Handler) SetEngine(engine *game.Engine) {
	h.engine = engine
}

func (h *Handler) Hub() *Hub { return h.hub }

func (h *Handler) HandleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	conn := newConn(uuid.New().String(), ws)
	h.hub.Register(conn)
	defer func() {
		h.detach(conn)
		h.hub.Unregister(conn.id)
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn", conn.id).Msg("websocket closed")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Str("conn", conn.id).Msg("dropping malformed message")
			continue
		}
		h.dispatch(conn, msg)
	}
}

func (h *Handler) dispatch(conn *Conn, msg Message) {
	ctx := context.Background()

	if strings.HasPrefix(msg.Type, "presence:") {
		h.relayPresence(conn, msg)
		return
	}

	switch msg.Type {
	case MsgRoomJoin:
		h.handleJoin(ctx, conn, msg.Data)
	case MsgRoomLeave:
		h.detach(conn)
	case MsgGameStart:
		h.handleGameStart(ctx, conn, msg.Data)
	case MsgGameEnd:
		if code, _, mode := conn.binding(); code != "" && mode.Family() == models.ModeNormal {
			h.engine.FreePlay.EndSong(ctx, code)
		}
	case MsgPlayback:
		var p PlaybackPayload
		if code := h.boundRoom(conn, msg.Data, &p); code != "" {
			h.engine.FreePlay.Playback(ctx, code, conn.id, game.PlaybackEvent{Action: p.Action, Position: p.Position})
		}
	case MsgQueue:
		var p QueuePayload
		if code := h.boundRoom(conn, msg.Data, &p); code != "" {
			h.engine.FreePlay.QueueChanged(ctx, code, conn.id, game.QueueEvent{Action: p.Action, Item: p.Item})
		}
	case MsgPitchData:
		var p PitchPayload
		if code := h.boundRoom(conn, msg.Data, &p); code != "" {
			_, pid, _ := conn.binding()
			h.engine.Perfect.Pitch(ctx, code, pid, game.PitchSample{
				Frequency:  p.Frequency,
				Confidence: p.Confidence,
				Time:       p.Time,
			})
		}
	case MsgPassTurn:
		if code, pid, _ := conn.binding(); code != "" {
			h.engine.Perfect.PassTurn(ctx, code, pid)
		}
	case MsgQuizAnswer:
		var p AnswerPayload
		if code := h.boundRoom(conn, msg.Data, &p); code != "" {
			_, pid, _ := conn.binding()
			h.engine.Quiz.Submit(ctx, code, pid, conn.id, p.QuestionIndex, p.Answer)
		}
	case MsgQuizQuestions:
		h.handleQuestions(ctx, conn, msg.Data)
	default:
		log.Debug().Str("type", msg.Type).Msg("unknown message type")
	}
}

// boundRoom decodes a gameplay payload and returns the connection's room, or
// "" when the connection is unbound or the payload malformed. Gameplay
// events from unbound connections are ignored, not errors.
func (h *Handler) boundRoom(conn *Conn, data json.RawMessage, dest any) string {
	code, _, _ := conn.binding()
	if code == "" {
		return ""
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, dest); err != nil {
			log.Debug().Err(err).Str("conn", conn.id).Msg("dropping malformed payload")
			return ""
		}
	}
	return code
}

func (h *Handler) handleJoin(ctx context.Context, conn *Conn, data json.RawMessage) {
	var p JoinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomCode == "" {
		h.sendError(conn, "BAD_REQUEST", "invalid join payload")
		return
	}
	if code, _, _ := conn.binding(); code != "" {
		h.sendError(conn, "ALREADY_JOINED", "connection is already in a room")
		return
	}

	var userID *uuid.UUID
	if p.UserID != "" {
		id, err := uuid.Parse(p.UserID)
		if err != nil {
			h.sendError(conn, "BAD_REQUEST", "invalid user_id")
			return
		}
		userID = &id
	}

	participant, err := h.rooms.JoinRoom(ctx, room.JoinRoomParams{
		Code:     p.RoomCode,
		Nickname: p.Nickname,
		UserID:   userID,
		ConnID:   conn.id,
		Password: p.Password,
	})
	if err != nil {
		h.sendError(conn, joinErrorCode(err), err.Error())
		return
	}

	roomRec, participants, err := h.rooms.GetRoomWithParticipants(ctx, p.RoomCode, true)
	if err != nil {
		h.sendError(conn, "INTERNAL", "failed to load room snapshot")
		return
	}

	conn.bind(roomRec.Code, participant.ID, participant.Nickname, roomRec.Mode)
	h.hub.AddToRoom(roomRec.Code, conn)

	// The snapshot, then any recovery payload, must reach the joiner before
	// any subsequent event.
	conn.Send(EventRoomJoined, map[string]any{
		"room":         roomRec,
		"participants": participants,
		"participant":  participant,
	})
	if roomRec.Status == models.RoomStatusPlaying {
		if recovery := h.engine.Recovery(ctx, roomRec.Code, roomRec.Mode); recovery != nil {
			conn.Send(game.EventSyncState, recovery)
		}
	}

	joined := map[string]any{"participant": participant}
	h.hub.BroadcastExcept(roomRec.Code, conn.id, EventParticipantJoined, joined)
	h.publish(ChannelRoom, EventParticipantJoined, roomRec.Code, joined)

	log.Info().Str("room", roomRec.Code).Uint("participant", participant.ID).Msg("participant joined")
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return "ROOM_NOT_FOUND"
	case errors.Is(err, room.ErrRoomClosed):
		return "ROOM_CLOSED"
	case errors.Is(err, room.ErrRoomFull):
		return "ROOM_FULL"
	case errors.Is(err, room.ErrBadPassword):
		return "BAD_PASSWORD"
	default:
		return "INTERNAL"
	}
}

// detach runs the leave flow for an explicit leave and for a dropped
// connection; both look the same from the room's point of view. A stale
// socket whose participant already rejoined on a newer connection only
// cleans up its own local state.
func (h *Handler) detach(conn *Conn) {
	code, pid, _ := conn.binding()
	if code == "" {
		return
	}
	ctx := context.Background()

	if participant, err := h.rooms.GetParticipant(ctx, pid); err == nil && participant.ConnID != conn.id {
		h.hub.RemoveFromRoom(code, conn.id)
		conn.unbind()
		return
	}

	closed, err := h.rooms.LeaveRoom(ctx, code, pid, conn.id)
	if err != nil {
		log.Warn().Err(err).Str("room", code).Uint("participant", pid).Msg("leave failed")
	}

	h.engine.ParticipantLeft(ctx, code, pid)

	if closed {
		payload := map[string]any{"room": code}
		h.hub.Broadcast(code, EventRoomClosed, payload)
		h.publish(ChannelRoom, EventRoomClosed, code, payload)
		for _, c := range h.hub.DropRoom(code) {
			c.unbind()
		}
		h.engine.DropRoom(ctx, code)
		log.Info().Str("room", code).Msg("room closed by host leave")
		return
	}

	h.hub.RemoveFromRoom(code, conn.id)
	conn.unbind()

	payload := map[string]any{"participant": pid}
	h.hub.Broadcast(code, EventParticipantLeft, payload)
	h.publish(ChannelRoom, EventParticipantLeft, code, payload)
}

func (h *Handler) handleGameStart(ctx context.Context, conn *Conn, data json.RawMessage) {
	var p StartGamePayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			h.sendError(conn, "BAD_REQUEST", "invalid start payload")
			return
		}
	}

	code, pid, _ := conn.binding()
	if code == "" {
		h.sendError(conn, "NOT_IN_ROOM", "join a room first")
		return
	}
	if p.RoomCode != "" && p.RoomCode != code {
		h.sendError(conn, "ROOM_MISMATCH", "event targets a different room")
		return
	}

	participant, err := h.rooms.GetParticipant(ctx, pid)
	if err != nil || !participant.IsHost {
		h.sendError(conn, "NOT_HOST", "only the host can start a game")
		return
	}

	roomRec, err := h.rooms.GetRoomByCode(ctx, code)
	if err != nil {
		h.sendError(conn, "INTERNAL", "failed to load room")
		return
	}

	if err := h.engine.Start(ctx, roomRec, game.StartParams{
		SongID:    p.SongID,
		Song:      p.Song,
		Queue:     p.Queue,
		Questions: p.Questions,
	}); err != nil {
		log.Warn().Err(err).Str("room", code).Msg("game start failed")
		h.sendError(conn, "START_FAILED", err.Error())
	}
}

// handleQuestions accepts a pre-broadcast quiz question set from the host.
// Non-hosts are ignored silently.
func (h *Handler) handleQuestions(ctx context.Context, conn *Conn, data json.RawMessage) {
	code, pid, _ := conn.binding()
	if code == "" {
		return
	}
	participant, err := h.rooms.GetParticipant(ctx, pid)
	if err != nil || !participant.IsHost {
		return
	}

	var p QuestionsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	h.engine.Quiz.Preload(code, p.SongID, p.Questions)
}

// relayPresence fans ephemeral social events out to the local room only;
// they never touch the bus or the store.
func (h *Handler) relayPresence(conn *Conn, msg Message) {
	code, pid, _ := conn.binding()
	if code == "" {
		return
	}
	h.hub.BroadcastExcept(code, conn.id, msg.Type, map[string]any{
		"participant": pid,
		"data":        PresencePayload(msg.Data),
	})
}

func (h *Handler) sendError(conn *Conn, code, message string) {
	conn.Send(EventError, ErrorPayload{Code: code, Message: message})
}

// Channel aliases so callers inside the package read naturally.
const (
	ChannelRoom = events.ChannelRoomEvents
	ChannelGame = events.ChannelGameEvents
)

func (h *Handler) publish(channel, eventType, code string, payload any) {
	evt, err := events.NewEvent(eventType, code, h.origin, payload)
	if err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("failed to build bus event")
		return
	}
	if err := h.bus.Publish(context.Background(), channel, evt); err != nil {
		// Bus loss degrades to single-process delivery; local clients
		// already got the event.
		log.Warn().Err(err).Str("event", eventType).Msg("bus publish failed")
	}
}

// game.Broadcaster implementation: local fan-out plus bus relay.

func (h *Handler) ToRoom(code, event string, payload any) {
	h.hub.Broadcast(code, event, payload)
	h.publish(ChannelGame, event, code, payload)
}

func (h *Handler) ToRoomExcept(code, connID, event string, payload any) {
	h.hub.BroadcastExcept(code, connID, event, payload)
	h.publish(ChannelGame, event, code, payload)
}

func (h *Handler) ToConn(connID, event string, payload any) {
	h.hub.SendTo(connID, event, payload)
}

// HandleBusEvent re-emits another process's event to this process's local
// connections in the target room. Own events are skipped; they were
// delivered locally when published.
func (h *Handler) HandleBusEvent(channel string, evt events.Event) {
	if evt.Origin == h.origin {
		return
	}

	if evt.Type == EventRoomClosed {
		h.hub.Broadcast(evt.RoomCode, evt.Type, evt.Payload)
		for _, c := range h.hub.DropRoom(evt.RoomCode) {
			c.unbind()
		}
		h.engine.Sessions.Drop(evt.RoomCode)
		return
	}

	h.hub.Broadcast(evt.RoomCode, evt.Type, evt.Payload)
}
