package room

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/karaoke-room-system/pkg/models"
)

const (
	codeLength      = 6
	codeCharset     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeAttempts = 5
	defaultRoomCap  = 8
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomClosed   = errors.New("room is closed")
	ErrRoomFull     = errors.New("room is full")
	ErrBadPassword  = errors.New("wrong room password")
	ErrNotHost      = errors.New("participant is not the host")
)

// Store is the authoritative Room/Participant persistence, implemented by
// pkg/database.MySQLDB.
type Store interface {
	CreateRoom(room *models.Room) error
	GetRoomByCode(code string) (*models.Room, error)
	ListOpenRooms() ([]*models.Room, error)
	UpdateRoomStatus(code string, status models.RoomStatus) error
	DeleteRoomCascade(code string) error

	CreateParticipant(p *models.Participant) error
	SaveParticipant(p *models.Participant) error
	GetParticipant(id uint) (*models.Participant, error)
	GetParticipantByUser(code string, userID uuid.UUID) (*models.Participant, error)
	ListParticipants(code string, connectedOnly bool) ([]*models.Participant, error)
	CountConnected(code string) (int64, error)
	IncrementParticipantScore(id uint, delta int) error

	GetUserByID(id uuid.UUID) (*models.User, error)
}

// Cache is the advisory room-snapshot cache, implemented by pkg/cache.Store.
// Every failure here is a warning, never an error for the caller.
type Cache interface {
	SetRoomSnapshot(ctx context.Context, code string, room *models.Room) error
	GetRoomSnapshot(ctx context.Context, code string) (*models.Room, error)
	DeleteRoomSnapshot(ctx context.Context, code string) error
}

type Service struct {
	store Store
	cache Cache
}

func NewService(store Store, cache Cache) *Service {
	return &Service{store: store, cache: cache}
}

type CreateRoomParams struct {
	Name            string
	Mode            models.GameMode
	HostID          uuid.UUID
	MaxParticipants int
	Public          bool
	Password        string
}

func (s *Service) CreateRoom(ctx context.Context, params CreateRoomParams) (*models.Room, error) {
	if params.Mode == "" {
		params.Mode = models.ModeNormal
	}
	if params.MaxParticipants <= 0 {
		params.MaxParticipants = defaultRoomCap
	}

	code, err := s.freeCode()
	if err != nil {
		return nil, err
	}

	room := &models.Room{
		ID:              uuid.New(),
		Code:            code,
		Name:            params.Name,
		Mode:            params.Mode,
		HostID:          params.HostID,
		MaxParticipants: params.MaxParticipants,
		Public:          params.Public,
		Password:        params.Password,
		Status:          models.RoomStatusWaiting,
	}

	if err := s.store.CreateRoom(room); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	s.refreshCache(ctx, room)
	return room, nil
}

// freeCode generates a short code, regenerating on the rare collision.
func (s *Service) freeCode() (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := generateRoomCode()
		_, err := s.store.GetRoomByCode(code)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check code: %w", err)
		}
	}
	return "", fmt.Errorf("could not find a free room code after %d attempts", maxCodeAttempts)
}

func generateRoomCode() string {
	code := make([]byte, codeLength)
	for i := range code {
		code[i] = codeCharset[rand.Intn(len(codeCharset))]
	}
	return string(code)
}

type JoinRoomParams struct {
	Code     string
	Nickname string
	UserID   *uuid.UUID
	ConnID   string
	Password string
}

// JoinRoom adds a participant to a room, reusing an existing row when the
// same durable user rejoins so a room never holds duplicates for one user.
func (s *Service) JoinRoom(ctx context.Context, params JoinRoomParams) (*models.Participant, error) {
	room, err := s.authoritativeRoom(params.Code)
	if err != nil {
		return nil, err
	}
	if room.Status == models.RoomStatusFinished {
		return nil, ErrRoomClosed
	}
	if !room.Public && room.Password != "" && params.Password != room.Password {
		return nil, ErrBadPassword
	}

	nickname := s.resolveNickname(params.Nickname, params.UserID)

	// Rejoin path: a durable user keeps their row across disconnects.
	if params.UserID != nil {
		existing, err := s.store.GetParticipantByUser(params.Code, *params.UserID)
		if err == nil {
			existing.Nickname = nickname
			existing.ConnID = params.ConnID
			existing.Connected = true
			if err := s.store.SaveParticipant(existing); err != nil {
				return nil, fmt.Errorf("failed to update participant: %w", err)
			}
			s.refreshCache(ctx, room)
			return existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to look up participant: %w", err)
		}
	}

	connected, err := s.store.CountConnected(params.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to count participants: %w", err)
	}
	if connected >= int64(room.MaxParticipants) {
		return nil, ErrRoomFull
	}

	participant := &models.Participant{
		RoomCode:  params.Code,
		UserID:    params.UserID,
		Nickname:  nickname,
		IsHost:    params.UserID != nil && *params.UserID == room.HostID,
		Connected: true,
		ConnID:    params.ConnID,
	}
	if err := s.store.CreateParticipant(participant); err != nil {
		return nil, fmt.Errorf("failed to create participant: %w", err)
	}

	s.refreshCache(ctx, room)
	return participant, nil
}

// resolveNickname: explicit > durable profile > generated guest tag.
func (s *Service) resolveNickname(explicit string, userID *uuid.UUID) string {
	if explicit != "" {
		return explicit
	}
	if userID != nil {
		if user, err := s.store.GetUserByID(*userID); err == nil && user.DisplayName != "" {
			return user.DisplayName
		}
	}
	return fmt.Sprintf("Guest-%04d", rand.Intn(10000))
}

// LeaveRoom detaches a participant. The host leaving closes the room and
// removes every row; otherwise the row is kept disconnected for rejoin, and
// an emptied room is marked FINISHED so late observers still see its end
// state. An unknown participant is a no-op, and so is a connID that no
// longer owns the row: a rejoin hands the row to a newer socket, and the
// stale socket's close must not detach the live participant.
func (s *Service) LeaveRoom(ctx context.Context, code string, participantID uint, connID string) (roomClosed bool, err error) {
	participant, err := s.store.GetParticipant(participantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up participant: %w", err)
	}
	if participant.RoomCode != code {
		return false, nil
	}
	if connID != "" && participant.ConnID != connID {
		return false, nil
	}

	if participant.IsHost {
		if err := s.store.DeleteRoomCascade(code); err != nil {
			return false, fmt.Errorf("failed to close room: %w", err)
		}
		if err := s.cache.DeleteRoomSnapshot(ctx, code); err != nil {
			log.Warn().Err(err).Str("room", code).Msg("failed to drop room snapshot")
		}
		return true, nil
	}

	participant.Connected = false
	if err := s.store.SaveParticipant(participant); err != nil {
		return false, fmt.Errorf("failed to update participant: %w", err)
	}

	connected, err := s.store.CountConnected(code)
	if err != nil {
		return false, fmt.Errorf("failed to count participants: %w", err)
	}
	if connected == 0 {
		if err := s.store.UpdateRoomStatus(code, models.RoomStatusFinished); err != nil {
			return false, fmt.Errorf("failed to finish room: %w", err)
		}
		if room, err := s.store.GetRoomByCode(code); err == nil {
			s.refreshCache(ctx, room)
		}
	}
	return false, nil
}

// GetRoomByCode is the cache-first read used on hot paths.
func (s *Service) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	if room, err := s.cache.GetRoomSnapshot(ctx, code); err == nil {
		return room, nil
	}
	room, err := s.authoritativeRoom(code)
	if err != nil {
		return nil, err
	}
	s.refreshCache(ctx, room)
	return room, nil
}

// GetRoomWithParticipants always reads the authoritative store.
func (s *Service) GetRoomWithParticipants(ctx context.Context, code string, connectedOnly bool) (*models.Room, []*models.Participant, error) {
	room, err := s.authoritativeRoom(code)
	if err != nil {
		return nil, nil, err
	}
	participants, err := s.store.ListParticipants(code, connectedOnly)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return room, participants, nil
}

// ParticipantView carries durable-user metadata that must be fresh, like
// avatars, next to the participant row.
type ParticipantView struct {
	*models.Participant
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

func (s *Service) GetRoomWithUsers(ctx context.Context, code string) (*models.Room, []*ParticipantView, error) {
	room, participants, err := s.GetRoomWithParticipants(ctx, code, false)
	if err != nil {
		return nil, nil, err
	}

	views := make([]*ParticipantView, 0, len(participants))
	for _, p := range participants {
		view := &ParticipantView{Participant: p}
		if p.UserID != nil {
			if user, err := s.store.GetUserByID(*p.UserID); err == nil {
				view.DisplayName = user.DisplayName
				view.AvatarURL = user.AvatarURL
			}
		}
		views = append(views, view)
	}
	return room, views, nil
}

func (s *Service) ListOpenRooms(ctx context.Context) ([]*models.Room, error) {
	rooms, err := s.store.ListOpenRooms()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

func (s *Service) UpdateRoomStatus(ctx context.Context, code string, status models.RoomStatus) error {
	if err := s.store.UpdateRoomStatus(code, status); err != nil {
		return fmt.Errorf("failed to update room status: %w", err)
	}
	if room, err := s.store.GetRoomByCode(code); err == nil {
		s.refreshCache(ctx, room)
	}
	return nil
}

func (s *Service) IncrementParticipantScore(ctx context.Context, participantID uint, delta int) error {
	if err := s.store.IncrementParticipantScore(participantID, delta); err != nil {
		return fmt.Errorf("failed to update score: %w", err)
	}
	return nil
}

// Participants, AddScore and SetRoomStatus are the directory surface the
// game machines use.

func (s *Service) Participants(ctx context.Context, code string, connectedOnly bool) ([]*models.Participant, error) {
	participants, err := s.store.ListParticipants(code, connectedOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return participants, nil
}

func (s *Service) AddScore(ctx context.Context, participantID uint, delta int) error {
	return s.IncrementParticipantScore(ctx, participantID, delta)
}

func (s *Service) SetRoomStatus(ctx context.Context, code string, status models.RoomStatus) error {
	return s.UpdateRoomStatus(ctx, code, status)
}

func (s *Service) GetParticipant(ctx context.Context, participantID uint) (*models.Participant, error) {
	participant, err := s.store.GetParticipant(participantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to look up participant: %w", err)
	}
	return participant, nil
}

// DeleteRoom is the explicit host-only deletion.
func (s *Service) DeleteRoom(ctx context.Context, code string, participantID uint) error {
	participant, err := s.store.GetParticipant(participantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotHost
		}
		return fmt.Errorf("failed to look up participant: %w", err)
	}
	if participant.RoomCode != code || !participant.IsHost {
		return ErrNotHost
	}

	if err := s.store.DeleteRoomCascade(code); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	if err := s.cache.DeleteRoomSnapshot(ctx, code); err != nil {
		log.Warn().Err(err).Str("room", code).Msg("failed to drop room snapshot")
	}
	return nil
}

func (s *Service) authoritativeRoom(code string) (*models.Room, error) {
	room, err := s.store.GetRoomByCode(code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return room, nil
}

func (s *Service) refreshCache(ctx context.Context, room *models.Room) {
	if err := s.cache.SetRoomSnapshot(ctx, room.Code, room); err != nil {
		log.Warn().Err(err).Str("room", room.Code).Msg("failed to cache room")
	}
}
