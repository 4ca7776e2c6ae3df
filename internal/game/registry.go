package game

import (
	"context"
	"sync"

	"github.com/karaoke-room-system/pkg/models"
)

// Broadcaster delivers an event to a room's connections on this process and
// relays it to other processes over the bus. Implemented by the gateway.
type Broadcaster interface {
	ToRoom(code string, event string, payload any)
	ToRoomExcept(code string, connID string, event string, payload any)
	ToConn(connID string, event string, payload any)
}

// Directory is the slice of the room service the machines need.
type Directory interface {
	Participants(ctx context.Context, code string, connectedOnly bool) ([]*models.Participant, error)
	AddScore(ctx context.Context, participantID uint, delta int) error
	SetRoomStatus(ctx context.Context, code string, status models.RoomStatus) error
}

// Session owns one room's in-memory gameplay state. It lives only on the
// process that handled the game start; other processes just relay bus
// traffic. The mutex makes handler bodies atomic with respect to each other,
// including timer continuations.
type Session struct {
	mu sync.Mutex

	Code string
	Mode models.GameMode

	// generation is bumped on every start and teardown so a timer scheduled
	// against an earlier life of the session detects it is stale and no-ops.
	generation uint64

	turn   *TurnState
	quiz   *QuizState
	active *ActiveGameState

	// preset holds a question set the host client broadcast ahead of
	// game start.
	preset *QuizPreset
}

// Registry hands out per-room sessions. Construction on game start,
// teardown on game end or room close.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Get(code string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[code]
	return s, ok
}

func (r *Registry) GetOrCreate(code string, mode models.GameMode) *Session {
	r.mu.RLock()
	s, ok := r.sessions[code]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.sessions[code]; ok {
		return s
	}
	s = &Session{Code: code, Mode: mode}
	r.sessions[code] = s
	return s
}

func (r *Registry) Drop(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[code]; ok {
		s.mu.Lock()
		s.generation++
		s.turn = nil
		s.quiz = nil
		s.active = nil
		s.preset = nil
		s.mu.Unlock()
		delete(r.sessions, code)
	}
}
