package room

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/karaoke-room-system/pkg/models"
)

type fakeStore struct {
	rooms        map[string]*models.Room
	participants map[uint]*models.Participant
	users        map[uuid.UUID]*models.User
	nextID       uint
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:        make(map[string]*models.Room),
		participants: make(map[uint]*models.Participant),
		users:        make(map[uuid.UUID]*models.User),
	}
}

func (f *fakeStore) CreateRoom(room *models.Room) error {
	f.rooms[room.Code] = room
	return nil
}

func (f *fakeStore) GetRoomByCode(code string) (*models.Room, error) {
	room, ok := f.rooms[code]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return room, nil
}

func (f *fakeStore) ListOpenRooms() ([]*models.Room, error) {
	var out []*models.Room
	for _, room := range f.rooms {
		if room.Public && room.Status == models.RoomStatusWaiting {
			out = append(out, room)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateRoomStatus(code string, status models.RoomStatus) error {
	if room, ok := f.rooms[code]; ok {
		room.Status = status
	}
	return nil
}

func (f *fakeStore) DeleteRoomCascade(code string) error {
	delete(f.rooms, code)
	for id, p := range f.participants {
		if p.RoomCode == code {
			delete(f.participants, id)
		}
	}
	return nil
}

func (f *fakeStore) CreateParticipant(p *models.Participant) error {
	f.nextID++
	p.ID = f.nextID
	f.participants[p.ID] = p
	return nil
}

func (f *fakeStore) SaveParticipant(p *models.Participant) error {
	f.participants[p.ID] = p
	return nil
}

func (f *fakeStore) GetParticipant(id uint) (*models.Participant, error) {
	p, ok := f.participants[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return p, nil
}

func (f *fakeStore) GetParticipantByUser(code string, userID uuid.UUID) (*models.Participant, error) {
	for _, p := range f.participants {
		if p.RoomCode == code && p.UserID != nil && *p.UserID == userID {
			return p, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) ListParticipants(code string, connectedOnly bool) ([]*models.Participant, error) {
	var out []*models.Participant
	for id := uint(1); id <= f.nextID; id++ {
		p, ok := f.participants[id]
		if !ok || p.RoomCode != code {
			continue
		}
		if connectedOnly && !p.Connected {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) CountConnected(code string) (int64, error) {
	var count int64
	for _, p := range f.participants {
		if p.RoomCode == code && p.Connected {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) IncrementParticipantScore(id uint, delta int) error {
	if p, ok := f.participants[id]; ok {
		p.Score += delta
	}
	return nil
}

func (f *fakeStore) GetUserByID(id uuid.UUID) (*models.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return u, nil
}

type fakeCache struct {
	snapshots map[string]*models.Room
}

func newFakeCache() *fakeCache {
	return &fakeCache{snapshots: make(map[string]*models.Room)}
}

func (f *fakeCache) SetRoomSnapshot(_ context.Context, code string, room *models.Room) error {
	copied := *room
	f.snapshots[code] = &copied
	return nil
}

func (f *fakeCache) GetRoomSnapshot(_ context.Context, code string) (*models.Room, error) {
	room, ok := f.snapshots[code]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return room, nil
}

func (f *fakeCache) DeleteRoomSnapshot(_ context.Context, code string) error {
	delete(f.snapshots, code)
	return nil
}

func newTestService() (*Service, *fakeStore, *fakeCache) {
	store := newFakeStore()
	c := newFakeCache()
	return NewService(store, c), store, c
}

func createTestRoom(t *testing.T, s *Service, hostID uuid.UUID, max int) *models.Room {
	t.Helper()
	room, err := s.CreateRoom(context.Background(), CreateRoomParams{
		Name:            "test room",
		Mode:            models.ModeNormal,
		HostID:          hostID,
		MaxParticipants: max,
		Public:          true,
	})
	require.NoError(t, err)
	return room
}

func TestGenerateRoomCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := generateRoomCode()
		assert.Len(t, code, codeLength)
		for _, r := range code {
			assert.Contains(t, codeCharset, string(r))
		}
	}
}

func TestCreateRoomDefaults(t *testing.T) {
	s, _, c := newTestService()

	room, err := s.CreateRoom(context.Background(), CreateRoomParams{
		Name:   "no options",
		HostID: uuid.New(),
		Public: true,
	})
	require.NoError(t, err)

	assert.Equal(t, models.RoomStatusWaiting, room.Status)
	assert.Equal(t, models.ModeNormal, room.Mode)
	assert.Equal(t, defaultRoomCap, room.MaxParticipants)
	assert.Contains(t, c.snapshots, room.Code)
}

func TestJoinRoomUnknownCode(t *testing.T) {
	s, _, _ := newTestService()

	_, err := s.JoinRoom(context.Background(), JoinRoomParams{Code: "NOSUCH", ConnID: "c1"})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinRoomFinished(t *testing.T) {
	s, store, _ := newTestService()
	room := createTestRoom(t, s, uuid.New(), 4)
	store.rooms[room.Code].Status = models.RoomStatusFinished

	_, err := s.JoinRoom(context.Background(), JoinRoomParams{Code: room.Code, ConnID: "c1"})
	assert.ErrorIs(t, err, ErrRoomClosed)
}

// Room with cap 2: host + guest fit, a third join is rejected, and the host
// leaving removes the room and every participant row.
func TestRoomCapacityAndHostLeave(t *testing.T) {
	s, store, _ := newTestService()
	hostID := uuid.New()
	room := createTestRoom(t, s, hostID, 2)
	ctx := context.Background()

	host, err := s.JoinRoom(ctx, JoinRoomParams{
		Code: room.Code, Nickname: "host", UserID: &hostID, ConnID: "c-host",
	})
	require.NoError(t, err)
	assert.True(t, host.IsHost)

	guest, err := s.JoinRoom(ctx, JoinRoomParams{
		Code: room.Code, Nickname: "guest", ConnID: "c-guest",
	})
	require.NoError(t, err)
	assert.False(t, guest.IsHost)

	_, err = s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, Nickname: "late", ConnID: "c-late"})
	assert.ErrorIs(t, err, ErrRoomFull)

	closed, err := s.LeaveRoom(ctx, room.Code, host.ID, "c-host")
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Empty(t, store.participants)

	_, err = s.GetRoomByCode(ctx, room.Code)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

// A durable user rejoining reuses their row instead of creating a duplicate.
func TestJoinRoomRejoinReusesRow(t *testing.T) {
	s, store, _ := newTestService()
	hostID := uuid.New()
	userID := uuid.New()
	room := createTestRoom(t, s, hostID, 4)
	ctx := context.Background()

	_, err := s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, UserID: &hostID, Nickname: "host", ConnID: "c-host"})
	require.NoError(t, err)

	first, err := s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, UserID: &userID, Nickname: "ada", ConnID: "c-1"})
	require.NoError(t, err)

	_, err = s.LeaveRoom(ctx, room.Code, first.ID, "c-1")
	require.NoError(t, err)
	assert.False(t, store.participants[first.ID].Connected)

	second, err := s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, UserID: &userID, Nickname: "ada2", ConnID: "c-2"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Connected)
	assert.Equal(t, "ada2", second.Nickname)
	assert.Equal(t, "c-2", second.ConnID)
	assert.Len(t, store.participants, 2)
}

// The last connected non-host leaving marks the room FINISHED but keeps it
// around for late observers.
func TestLeaveRoomLastParticipantFinishesRoom(t *testing.T) {
	s, store, _ := newTestService()
	room := createTestRoom(t, s, uuid.New(), 4)
	ctx := context.Background()

	// No host participant joined; a lone guest comes and goes.
	guest, err := s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, Nickname: "solo", ConnID: "c1"})
	require.NoError(t, err)

	closed, err := s.LeaveRoom(ctx, room.Code, guest.ID, "c1")
	require.NoError(t, err)
	assert.False(t, closed)

	assert.Equal(t, models.RoomStatusFinished, store.rooms[room.Code].Status)
	assert.Contains(t, store.participants, guest.ID)
}

func TestLeaveRoomUnknownParticipantIsNoop(t *testing.T) {
	s, _, _ := newTestService()
	room := createTestRoom(t, s, uuid.New(), 4)

	closed, err := s.LeaveRoom(context.Background(), room.Code, 999, "c1")
	require.NoError(t, err)
	assert.False(t, closed)
}

// After a rejoin the participant row belongs to the new connection; the old
// socket's close must not detach the live participant, and a stale host
// socket must not take the whole room down with it.
func TestLeaveRoomStaleConnIsNoop(t *testing.T) {
	s, store, _ := newTestService()
	hostID := uuid.New()
	room := createTestRoom(t, s, hostID, 4)
	ctx := context.Background()

	host, err := s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, UserID: &hostID, Nickname: "host", ConnID: "conn-1"})
	require.NoError(t, err)
	require.True(t, host.IsHost)

	rejoined, err := s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, UserID: &hostID, Nickname: "host", ConnID: "conn-2"})
	require.NoError(t, err)
	require.Equal(t, host.ID, rejoined.ID)
	require.Equal(t, "conn-2", rejoined.ConnID)

	closed, err := s.LeaveRoom(ctx, room.Code, host.ID, "conn-1")
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Contains(t, store.rooms, room.Code)
	assert.True(t, store.participants[host.ID].Connected)

	// The connection that owns the row still closes the room.
	closed, err = s.LeaveRoom(ctx, room.Code, host.ID, "conn-2")
	require.NoError(t, err)
	assert.True(t, closed)
	assert.NotContains(t, store.rooms, room.Code)
}

func TestJoinRoomPassword(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, CreateRoomParams{
		Name:     "private",
		HostID:   uuid.New(),
		Public:   false,
		Password: "s3cret",
	})
	require.NoError(t, err)

	_, err = s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, ConnID: "c1", Password: "wrong"})
	assert.ErrorIs(t, err, ErrBadPassword)

	_, err = s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, ConnID: "c1", Password: "s3cret"})
	assert.NoError(t, err)
}

func TestNicknameResolution(t *testing.T) {
	s, store, _ := newTestService()
	room := createTestRoom(t, s, uuid.New(), 8)
	ctx := context.Background()

	userID := uuid.New()
	store.users[userID] = &models.User{ID: userID, DisplayName: "Profile Name"}

	explicit, err := s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, Nickname: "Chosen", UserID: &userID, ConnID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "Chosen", explicit.Nickname)

	otherID := uuid.New()
	store.users[otherID] = &models.User{ID: otherID, DisplayName: "Other Profile"}
	profile, err := s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, UserID: &otherID, ConnID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, "Other Profile", profile.Nickname)

	guest, err := s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, ConnID: "c3"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(guest.Nickname, "Guest-"))
}

// GetRoomByCode prefers the cache and falls back to the store, repopulating
// the snapshot.
func TestGetRoomByCodeCacheFirst(t *testing.T) {
	s, store, c := newTestService()
	room := createTestRoom(t, s, uuid.New(), 4)
	ctx := context.Background()

	// A stale snapshot wins over the store on the hot path.
	c.snapshots[room.Code].Name = "stale name"
	got, err := s.GetRoomByCode(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, "stale name", got.Name)

	// On a miss the authoritative record is read and re-cached.
	delete(c.snapshots, room.Code)
	store.rooms[room.Code].Name = "fresh name"
	got, err = s.GetRoomByCode(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, "fresh name", got.Name)
	assert.Contains(t, c.snapshots, room.Code)
}

func TestDeleteRoomHostOnly(t *testing.T) {
	s, store, _ := newTestService()
	hostID := uuid.New()
	room := createTestRoom(t, s, hostID, 4)
	ctx := context.Background()

	host, err := s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, UserID: &hostID, ConnID: "c-host"})
	require.NoError(t, err)
	guest, err := s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, Nickname: "g", ConnID: "c-guest"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteRoom(ctx, room.Code, guest.ID), ErrNotHost)
	require.NoError(t, s.DeleteRoom(ctx, room.Code, host.ID))
	assert.NotContains(t, store.rooms, room.Code)
}

func TestIncrementScore(t *testing.T) {
	s, store, _ := newTestService()
	room := createTestRoom(t, s, uuid.New(), 4)
	ctx := context.Background()

	p, err := s.JoinRoom(ctx, JoinRoomParams{Code: room.Code, Nickname: "p", ConnID: "c1"})
	require.NoError(t, err)

	require.NoError(t, s.IncrementParticipantScore(ctx, p.ID, 70))
	require.NoError(t, s.IncrementParticipantScore(ctx, p.ID, 30))
	assert.Equal(t, 100, store.participants[p.ID].Score)
}
