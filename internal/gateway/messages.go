package gateway

import (
	"encoding/json"

	"github.com/karaoke-room-system/internal/game"
)

// Inbound message types.
const (
	MsgRoomJoin      = "room:join"
	MsgRoomLeave     = "room:leave"
	MsgGameStart     = "game:start"
	MsgGameEnd       = "song:end"
	MsgPlayback      = "playback"
	MsgQueue         = "queue"
	MsgPitchData     = "pitch:data"
	MsgPassTurn      = "turn:pass"
	MsgQuizAnswer    = "quiz:answer"
	MsgQuizQuestions = "quiz:questions"
)

// Outbound room-lifecycle and ambient events. Gameplay event names live in
// the game package.
const (
	EventRoomJoined        = "room:joined"
	EventParticipantJoined = "participant:joined"
	EventParticipantLeft   = "participant:left"
	EventRoomClosed        = "room:closed"
	EventError             = "error"
	EventPresence          = "presence"
)

// Inbound payloads, one schema per message type, validated at the boundary.

type JoinPayload struct {
	RoomCode string `json:"room_code"`
	Nickname string `json:"nickname"`
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type StartGamePayload struct {
	// RoomCode is accepted defensively but must match the binding.
	RoomCode  string            `json:"room_code"`
	SongID    string            `json:"song_id"`
	Song      *game.SongPayload `json:"song,omitempty"`
	Queue     []game.QueueItem  `json:"queue,omitempty"`
	Questions []game.Question   `json:"questions,omitempty"`
}

type PlaybackPayload struct {
	Action   string  `json:"action"`
	Position float64 `json:"position"`
}

type QueuePayload struct {
	Action string         `json:"action"`
	Item   game.QueueItem `json:"item"`
}

type PitchPayload struct {
	Frequency  float64 `json:"frequency"`
	Confidence float64 `json:"confidence"`
	Time       float64 `json:"time"`
}

type AnswerPayload struct {
	QuestionIndex int    `json:"question_index"`
	Answer        string `json:"answer"`
}

type QuestionsPayload struct {
	SongID    string          `json:"song_id"`
	Questions []game.Question `json:"questions"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PresencePayload passes through untouched: cursors, reactions and other
// ambient social state are never validated or persisted, they live only as
// long as the connection.
type PresencePayload = json.RawMessage
