package game

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/karaoke-room-system/pkg/models"
)

// Engine bundles the three mode machines behind one dispatch surface for the
// gateway. A room's machine state exists only on the process where its game
// started.
type Engine struct {
	Sessions *Registry
	FreePlay *FreePlay
	Perfect  *PerfectScore
	Quiz     *Quiz

	snapshots SnapshotStore
}

func NewEngine(out Broadcaster, rooms Directory, songs SongResolver, snapshots SnapshotStore, pitches PitchBuffer) *Engine {
	sessions := NewRegistry()
	return &Engine{
		Sessions:  sessions,
		FreePlay:  NewFreePlay(sessions, out, rooms, songs, snapshots),
		Perfect:   NewPerfectScore(sessions, out, rooms, pitches),
		Quiz:      NewQuiz(sessions, out, rooms, songs, snapshots),
		snapshots: snapshots,
	}
}

type StartParams struct {
	SongID    string
	Song      *SongPayload
	Queue     []QueueItem
	Questions []Question
}

// Start routes a game start to the machine for the room's mode. Unrecognized
// modes and the battle/duet aliases run as free play.
func (e *Engine) Start(ctx context.Context, room *models.Room, params StartParams) error {
	switch room.Mode.Family() {
	case models.ModePerfectScore:
		return e.Perfect.Start(ctx, room.Code)
	case models.ModeLyricsQuiz:
		return e.Quiz.Start(ctx, room.Code, params.SongID, params.Questions)
	default:
		return e.FreePlay.Start(ctx, room.Code, room.Mode, params.SongID, params.Song, params.Queue)
	}
}

// RecoveryPayload is what a mid-game (re)connector needs to resume watching.
type RecoveryPayload struct {
	Mode      models.GameMode  `json:"mode"`
	Active    *ActiveGameState `json:"active,omitempty"`
	Questions []QuestionView   `json:"questions,omitempty"`
}

// Recovery builds the sync payload for a room, or nil when nothing is in
// progress. When this process holds no session the game may be running on
// another instance, so the mirrored snapshot stands in.
func (e *Engine) Recovery(ctx context.Context, code string, mode models.GameMode) *RecoveryPayload {
	if session, ok := e.Sessions.Get(code); ok {
		if questions := e.Quiz.Remaining(code); len(questions) > 0 {
			return &RecoveryPayload{Mode: models.ModeLyricsQuiz, Questions: questions}
		}
		if active := e.FreePlay.Snapshot(code); active != nil {
			return &RecoveryPayload{Mode: session.Mode, Active: active}
		}
		return nil
	}

	var mirrored RecoveryPayload
	if err := e.snapshots.GetGameSnapshot(ctx, code, &mirrored); err != nil {
		return nil
	}
	if mirrored.Active == nil && len(mirrored.Questions) == 0 {
		return nil
	}
	if mirrored.Mode == "" {
		mirrored.Mode = mode
	}
	return &mirrored
}

// ParticipantLeft lets the turn machine react to a leaver. The other
// machines do not care: the quiz loop expires questions on the clock and
// free play has no turns.
func (e *Engine) ParticipantLeft(ctx context.Context, code string, participantID uint) {
	e.Perfect.ParticipantLeft(ctx, code, participantID)
}

// DropRoom tears down every trace of a closed room's gameplay state.
func (e *Engine) DropRoom(ctx context.Context, code string) {
	e.Sessions.Drop(code)
	if err := e.snapshots.DeleteGameSnapshot(ctx, code); err != nil {
		log.Warn().Err(err).Str("room", code).Msg("failed to drop game snapshot")
	}
}
