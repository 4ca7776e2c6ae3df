package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/karaoke-room-system/pkg/models"
)

// Store is the Redis-backed snapshot and buffer store. Everything in here is
// advisory: the relational store remains the source of truth, entries carry a
// TTL so a crashed process's leftovers self-heal.
type Store struct {
	client *redis.Client
}

const (
	roomKeyPrefix  = "room:"
	gameKeyPrefix  = "game:"
	pitchKeyPrefix = "pitch:"

	RoomTTL  = 30 * time.Minute
	GameTTL  = 2 * time.Hour
	PitchTTL = 15 * time.Minute
)

var ErrMiss = errors.New("cache miss")

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) SetRoomSnapshot(ctx context.Context, code string, room *models.Room) error {
	return s.setJSON(ctx, roomKeyPrefix+code, room, RoomTTL)
}

func (s *Store) GetRoomSnapshot(ctx context.Context, code string) (*models.Room, error) {
	var room models.Room
	if err := s.getJSON(ctx, roomKeyPrefix+code, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Store) DeleteRoomSnapshot(ctx context.Context, code string) error {
	return s.client.Del(ctx, roomKeyPrefix+code).Err()
}

// Game snapshots hold whatever the active machine wants late joiners on other
// processes to be able to read.
func (s *Store) SetGameSnapshot(ctx context.Context, code string, state any) error {
	return s.setJSON(ctx, gameKeyPrefix+code, state, GameTTL)
}

func (s *Store) GetGameSnapshot(ctx context.Context, code string, dest any) error {
	return s.getJSON(ctx, gameKeyPrefix+code, dest)
}

func (s *Store) DeleteGameSnapshot(ctx context.Context, code string) error {
	return s.client.Del(ctx, gameKeyPrefix+code).Err()
}

// AppendPitchSample pushes an accepted instantaneous score onto the
// participant's per-room buffer and refreshes its expiry.
func (s *Store) AppendPitchSample(ctx context.Context, code string, participantID uint, score float64) error {
	key := pitchKey(code, participantID)
	if err := s.client.RPush(ctx, key, score).Err(); err != nil {
		return fmt.Errorf("failed to buffer pitch sample: %w", err)
	}
	return s.client.Expire(ctx, key, PitchTTL).Err()
}

func (s *Store) GetPitchSamples(ctx context.Context, code string, participantID uint) ([]float64, error) {
	raw, err := s.client.LRange(ctx, pitchKey(code, participantID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pitch samples: %w", err)
	}
	samples := make([]float64, 0, len(raw))
	for _, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		samples = append(samples, f)
	}
	return samples, nil
}

func (s *Store) ClearPitchSamples(ctx context.Context, code string, participantID uint) error {
	return s.client.Del(ctx, pitchKey(code, participantID)).Err()
}

func pitchKey(code string, participantID uint) string {
	return fmt.Sprintf("%s%s:%d", pitchKeyPrefix, code, participantID)
}

func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, dest any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}
