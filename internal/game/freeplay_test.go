package game

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karaoke-room-system/internal/catalog"
	"github.com/karaoke-room-system/pkg/models"
)

func newTestFreePlay(songs *fakeSongs) (*FreePlay, *fakeOut, *fakeDirectory, *fakeSnapshots) {
	out := &fakeOut{}
	dir := &fakeDirectory{}
	snapshots := newFakeSnapshots()
	fp := NewFreePlay(NewRegistry(), out, dir, songs, snapshots)
	return fp, out, dir, snapshots
}

func TestFreePlayStartResolvesSong(t *testing.T) {
	songs := &fakeSongs{detail: &catalog.SongDetail{
		Track: catalog.Track{ID: "song-1", Title: "Tiny Dancer", Artist: "Elton", AudioURL: "http://cdn/song-1", Duration: 240},
	}}
	fp, out, dir, snapshots := newTestFreePlay(songs)

	queue := []QueueItem{
		{ID: "q1", SongID: "song-1", Title: "Tiny Dancer"},
		{ID: "q2", SongID: "song-2", Title: "Rocket Man"},
	}
	err := fp.Start(context.Background(), "ROOM01", models.ModeNormal, "song-1", nil, queue)
	require.NoError(t, err)

	assert.Equal(t, models.RoomStatusPlaying, dir.roomStatus())

	started, ok := out.last(EventGameStarted)
	require.True(t, ok)
	song := started.Payload.(map[string]any)["song"].(*SongPayload)
	assert.Equal(t, "Tiny Dancer", song.Title)

	// The started song is consumed from the queue and remembered by its
	// entry id; the rest carries over.
	state := fp.Snapshot("ROOM01")
	require.NotNil(t, state)
	assert.Equal(t, "q1", state.QueueItem)
	require.Len(t, state.Queue, 1)
	assert.Equal(t, "q2", state.Queue[0].ID)
	assert.Equal(t, playbackPlaying, state.Status)

	// The mirror carries the mode so a foreign instance can route recovery.
	var mirrored RecoveryPayload
	require.NoError(t, snapshots.GetGameSnapshot(context.Background(), "ROOM01", &mirrored))
	assert.Equal(t, models.ModeNormal, mirrored.Mode)
	require.NotNil(t, mirrored.Active)
	assert.Equal(t, "q1", mirrored.Active.QueueItem)
}

func TestFreePlayStartWithUnknownSongUsesBarePayload(t *testing.T) {
	fp, out, _, _ := newTestFreePlay(&fakeSongs{})

	require.NoError(t, fp.Start(context.Background(), "ROOM01", models.ModeNormal, "missing", nil, nil))

	started, _ := out.last(EventGameStarted)
	song := started.Payload.(map[string]any)["song"].(*SongPayload)
	assert.Equal(t, "missing", song.ID)
	assert.Empty(t, song.Title)
}

func TestFreePlayPlaybackRelaysToOthers(t *testing.T) {
	fp, out, _, _ := newTestFreePlay(&fakeSongs{})
	ctx := context.Background()
	require.NoError(t, fp.Start(ctx, "ROOM01", models.ModeNormal, "song-1", &SongPayload{ID: "song-1"}, nil))

	fp.Playback(ctx, "ROOM01", "conn-a", PlaybackEvent{Action: "pause", Position: 42.5})

	relayed, ok := out.last(EventPlaybackState)
	require.True(t, ok)
	assert.Equal(t, "conn-a", relayed.Except)
	assert.Equal(t, "pause", relayed.Payload.(PlaybackEvent).Action)

	state := fp.Snapshot("ROOM01")
	assert.Equal(t, playbackPaused, state.Status)
	assert.Equal(t, 42.5, state.Position)

	fp.Playback(ctx, "ROOM01", "conn-b", PlaybackEvent{Action: "seek", Position: 90})
	state = fp.Snapshot("ROOM01")
	// Seek moves the offset without resuming.
	assert.Equal(t, playbackPaused, state.Status)
	assert.Equal(t, 90.0, state.Position)
}

func TestFreePlayPlaybackIgnoresUnknownAction(t *testing.T) {
	fp, out, _, _ := newTestFreePlay(&fakeSongs{})
	ctx := context.Background()
	require.NoError(t, fp.Start(ctx, "ROOM01", models.ModeNormal, "song-1", &SongPayload{ID: "song-1"}, nil))

	fp.Playback(ctx, "ROOM01", "conn-a", PlaybackEvent{Action: "rewind"})
	assert.Empty(t, out.named(EventPlaybackState))
}

func TestFreePlayPlaybackWithoutActiveGame(t *testing.T) {
	fp, out, _, _ := newTestFreePlay(&fakeSongs{})
	fp.Playback(context.Background(), "ROOM01", "conn-a", PlaybackEvent{Action: "play"})
	assert.Empty(t, out.named(EventPlaybackState))
}

func TestFreePlayQueueMutations(t *testing.T) {
	fp, out, _, _ := newTestFreePlay(&fakeSongs{})
	ctx := context.Background()
	require.NoError(t, fp.Start(ctx, "ROOM01", models.ModeNormal, "song-1", &SongPayload{ID: "song-1"}, nil))

	fp.QueueChanged(ctx, "ROOM01", "conn-a", QueueEvent{Action: "add", Item: QueueItem{ID: "q1", SongID: "song-2", Title: "old"}})
	fp.QueueChanged(ctx, "ROOM01", "conn-a", QueueEvent{Action: "add", Item: QueueItem{ID: "q2", SongID: "song-3"}})
	fp.QueueChanged(ctx, "ROOM01", "conn-b", QueueEvent{Action: "update", Item: QueueItem{ID: "q1", SongID: "song-2", Title: "new"}})
	fp.QueueChanged(ctx, "ROOM01", "conn-b", QueueEvent{Action: "remove", Item: QueueItem{ID: "q2"}})

	state := fp.Snapshot("ROOM01")
	require.Len(t, state.Queue, 1)
	assert.Equal(t, "new", state.Queue[0].Title)

	relays := out.named(EventQueueUpdated)
	require.Len(t, relays, 4)
	assert.Equal(t, "conn-b", relays[3].Except)
}

func TestFreePlayEndSong(t *testing.T) {
	fp, out, dir, snapshots := newTestFreePlay(&fakeSongs{})
	ctx := context.Background()
	require.NoError(t, fp.Start(ctx, "ROOM01", models.ModeNormal, "song-1", &SongPayload{ID: "song-1"}, nil))

	fp.EndSong(ctx, "ROOM01")

	assert.Equal(t, models.RoomStatusWaiting, dir.roomStatus())
	assert.Nil(t, fp.Snapshot("ROOM01"))
	_, finished := out.last(EventGameFinished)
	assert.True(t, finished)

	snapshots.mu.Lock()
	_, mirrored := snapshots.snapshots["ROOM01"]
	snapshots.mu.Unlock()
	assert.False(t, mirrored)

	// Ending twice is harmless.
	fp.EndSong(ctx, "ROOM01")
	assert.Len(t, out.named(EventGameFinished), 1)
}

func TestFreePlaySnapshotIsACopy(t *testing.T) {
	fp, _, _, _ := newTestFreePlay(&fakeSongs{})
	ctx := context.Background()
	require.NoError(t, fp.Start(ctx, "ROOM01", models.ModeNormal, "song-1", &SongPayload{ID: "song-1"}, nil))

	state := fp.Snapshot("ROOM01")
	state.Status = "mangled"

	assert.Equal(t, playbackPlaying, fp.Snapshot("ROOM01").Status)
	assert.Nil(t, fp.Snapshot("NOPE"))
}
