package game

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/karaoke-room-system/internal/catalog"
	"github.com/karaoke-room-system/pkg/models"
)

// Gameplay events shared by every machine.
const (
	EventGameStarted   = "game:started"
	EventGameFinished  = "game:finished"
	EventGameResults   = "game:results"
	EventPlaybackState = "playback:state"
	EventQueueUpdated  = "queue:updated"
	EventSyncState     = "sync:state"
)

// SongResolver resolves a track id into a playable payload. Implemented by
// the catalog client.
type SongResolver interface {
	GetSongDetail(ctx context.Context, trackID string) (*catalog.SongDetail, error)
}

// SnapshotStore mirrors active-game snapshots cross-process. Best-effort.
type SnapshotStore interface {
	SetGameSnapshot(ctx context.Context, code string, state any) error
	GetGameSnapshot(ctx context.Context, code string, dest any) error
	DeleteGameSnapshot(ctx context.Context, code string) error
}

type SongPayload struct {
	ID       string               `json:"id"`
	Title    string               `json:"title"`
	Artist   string               `json:"artist"`
	AudioURL string               `json:"audio_url"`
	Duration int                  `json:"duration"`
	Lyrics   []catalog.LyricLine  `json:"lyrics,omitempty"`
	Pitch    []catalog.PitchPoint `json:"pitch,omitempty"`
}

type QueueItem struct {
	ID          string `json:"id"`
	SongID      string `json:"song_id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	RequestedBy string `json:"requested_by"`
}

const (
	playbackPlaying = "playing"
	playbackPaused  = "paused"
)

// ActiveGameState is the in-memory snapshot of "what's currently playing",
// kept only to resync clients that (re)connect mid-session.
type ActiveGameState struct {
	Song      *SongPayload `json:"song"`
	Status    string       `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	Position  float64      `json:"position"`
	QueueItem string       `json:"queue_item,omitempty"`
	Queue     []QueueItem  `json:"queue"`
}

type PlaybackEvent struct {
	Action   string  `json:"action"` // play | pause | seek
	Position float64 `json:"position"`
}

type QueueEvent struct {
	Action string    `json:"action"` // add | remove | update
	Item   QueueItem `json:"item"`
}

// FreePlay is the relay for the normal mode (and the battle/duet aliases):
// it rebroadcasts playback and queue events and keeps the late-joiner
// snapshot current, nothing more.
type FreePlay struct {
	sessions  *Registry
	out       Broadcaster
	rooms     Directory
	songs     SongResolver
	snapshots SnapshotStore
}

func NewFreePlay(sessions *Registry, out Broadcaster, rooms Directory, songs SongResolver, snapshots SnapshotStore) *FreePlay {
	return &FreePlay{sessions: sessions, out: out, rooms: rooms, songs: songs, snapshots: snapshots}
}

// Start resolves the song payload unless the caller supplied one, marks the
// room playing and announces the song to everyone.
func (f *FreePlay) Start(ctx context.Context, code string, mode models.GameMode, songID string, payload *SongPayload, queue []QueueItem) error {
	if payload == nil {
		payload = f.resolveSong(ctx, songID)
	}

	session := f.sessions.GetOrCreate(code, mode)
	session.mu.Lock()
	session.generation++
	consumed, remaining := consumeQueueItem(queue, songID)
	session.active = &ActiveGameState{
		Song:      payload,
		Status:    playbackPlaying,
		StartedAt: time.Now(),
		QueueItem: consumed,
		Queue:     remaining,
	}
	state := *session.active
	session.mu.Unlock()

	if err := f.rooms.SetRoomStatus(ctx, code, models.RoomStatusPlaying); err != nil {
		return err
	}

	f.mirror(ctx, code, mode, state)
	f.out.ToRoom(code, EventGameStarted, map[string]any{
		"mode": mode,
		"song": payload,
	})
	return nil
}

func (f *FreePlay) resolveSong(ctx context.Context, songID string) *SongPayload {
	detail, err := f.songs.GetSongDetail(ctx, songID)
	if err != nil {
		log.Warn().Err(err).Str("song", songID).Msg("song detail unavailable, starting with bare payload")
		return &SongPayload{ID: songID}
	}
	return &SongPayload{
		ID:       detail.Track.ID,
		Title:    detail.Track.Title,
		Artist:   detail.Track.Artist,
		AudioURL: detail.Track.AudioURL,
		Duration: detail.Track.Duration,
		Lyrics:   detail.Lyrics,
		Pitch:    detail.PitchCurve,
	}
}

// Playback relays a play/pause/seek from one client to the rest of the room
// and keeps the authoritative offset so late joiners resume near the right
// position.
func (f *FreePlay) Playback(ctx context.Context, code, senderConnID string, ev PlaybackEvent) {
	session, ok := f.sessions.Get(code)
	if !ok {
		return
	}

	session.mu.Lock()
	if session.active == nil {
		session.mu.Unlock()
		return
	}
	switch ev.Action {
	case "play":
		session.active.Status = playbackPlaying
		session.active.Position = ev.Position
	case "pause":
		session.active.Status = playbackPaused
		session.active.Position = ev.Position
	case "seek":
		session.active.Position = ev.Position
	default:
		session.mu.Unlock()
		return
	}
	state := *session.active
	mode := session.Mode
	session.mu.Unlock()

	f.mirror(ctx, code, mode, state)
	f.out.ToRoomExcept(code, senderConnID, EventPlaybackState, ev)
}

// QueueChanged relays a queue mutation and mirrors it into the snapshot.
func (f *FreePlay) QueueChanged(ctx context.Context, code, senderConnID string, ev QueueEvent) {
	session, ok := f.sessions.Get(code)
	if !ok {
		return
	}

	session.mu.Lock()
	if session.active == nil {
		session.mu.Unlock()
		return
	}
	switch ev.Action {
	case "add":
		session.active.Queue = append(session.active.Queue, ev.Item)
	case "remove":
		session.active.Queue = removeQueueItem(session.active.Queue, ev.Item.ID)
	case "update":
		for i, item := range session.active.Queue {
			if item.ID == ev.Item.ID {
				session.active.Queue[i] = ev.Item
			}
		}
	default:
		session.mu.Unlock()
		return
	}
	state := *session.active
	mode := session.Mode
	session.mu.Unlock()

	f.mirror(ctx, code, mode, state)
	f.out.ToRoomExcept(code, senderConnID, EventQueueUpdated, ev)
}

// EndSong clears the active state and returns the room to waiting.
func (f *FreePlay) EndSong(ctx context.Context, code string) {
	session, ok := f.sessions.Get(code)
	if !ok {
		return
	}

	session.mu.Lock()
	if session.active == nil {
		session.mu.Unlock()
		return
	}
	session.active = nil
	session.generation++
	session.mu.Unlock()

	if err := f.rooms.SetRoomStatus(ctx, code, models.RoomStatusWaiting); err != nil {
		log.Warn().Err(err).Str("room", code).Msg("failed to reset room status")
	}
	if err := f.snapshots.DeleteGameSnapshot(ctx, code); err != nil {
		log.Warn().Err(err).Str("room", code).Msg("failed to drop game snapshot")
	}
	f.out.ToRoom(code, EventGameFinished, map[string]any{"room": code})
}

// Snapshot returns the recovery payload for a mid-session (re)connect.
func (f *FreePlay) Snapshot(code string) *ActiveGameState {
	session, ok := f.sessions.Get(code)
	if !ok {
		return nil
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.active == nil {
		return nil
	}
	state := *session.active
	return &state
}

func (f *FreePlay) mirror(ctx context.Context, code string, mode models.GameMode, state ActiveGameState) {
	payload := RecoveryPayload{Mode: mode, Active: &state}
	if err := f.snapshots.SetGameSnapshot(ctx, code, payload); err != nil {
		log.Warn().Err(err).Str("room", code).Msg("failed to mirror game snapshot")
	}
}

// consumeQueueItem pops the first queue entry for the started song and
// returns its id along with the rest of the queue.
func consumeQueueItem(queue []QueueItem, songID string) (string, []QueueItem) {
	remaining := make([]QueueItem, 0, len(queue))
	consumedID := ""
	consumed := false
	for _, item := range queue {
		if !consumed && item.SongID == songID {
			consumedID = item.ID
			consumed = true
			continue
		}
		remaining = append(remaining, item)
	}
	return consumedID, remaining
}

func removeQueueItem(queue []QueueItem, id string) []QueueItem {
	remaining := queue[:0]
	for _, item := range queue {
		if item.ID != id {
			remaining = append(remaining, item)
		}
	}
	return remaining
}
