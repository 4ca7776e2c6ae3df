package models

import (
	"time"

	"github.com/google/uuid"
)

type RoomStatus string

const (
	RoomStatusWaiting  RoomStatus = "WAITING"
	RoomStatusPlaying  RoomStatus = "PLAYING"
	RoomStatusFinished RoomStatus = "FINISHED"
)

type GameMode string

const (
	ModeNormal       GameMode = "normal"
	ModePerfectScore GameMode = "perfect-score"
	ModeLyricsQuiz   GameMode = "lyrics-quiz"
	ModeBattle       GameMode = "battle"
	ModeDuet         GameMode = "duet"
)

// Family maps a stored mode to the machine that runs it. The battle and
// duet modes never grew their own handlers and intentionally fall back to
// the normal relay.
func (m GameMode) Family() GameMode {
	switch m {
	case ModePerfectScore, ModeLyricsQuiz:
		return m
	default:
		return ModeNormal
	}
}

type User struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	Email       string    `json:"email"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Room struct {
	ID              uuid.UUID  `json:"id" gorm:"primaryKey"`
	Code            string     `json:"code" gorm:"unique"`
	Name            string     `json:"name"`
	Mode            GameMode   `json:"mode"`
	HostID          uuid.UUID  `json:"host_id"`
	MaxParticipants int        `json:"max_participants"`
	Public          bool       `json:"public"`
	Password        string     `json:"-"`
	Status          RoomStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type Participant struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	RoomCode  string     `json:"room_code" gorm:"index"`
	UserID    *uuid.UUID `json:"user_id" gorm:"index"`
	Nickname  string     `json:"nickname"`
	IsHost    bool       `json:"is_host"`
	Connected bool       `json:"connected"`
	ConnID    string     `json:"-"`
	Score     int        `json:"score"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
