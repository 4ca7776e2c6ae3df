package media

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer signs join tokens for the external media transport (SFU). The
// coordination layer only owns the room-name convention; media routing is
// the transport's problem.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

type Claims struct {
	Room     string `json:"room"`
	Name     string `json:"name"`
	Identity string `json:"identity"`
	jwt.RegisteredClaims
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// RoomName derives the media-transport room name from a room code.
func RoomName(code string) string {
	return "karaoke-" + strings.ToLower(code)
}

func (i *Issuer) IssueToken(roomCode, participantName string, participantID uint) (string, error) {
	now := time.Now()
	claims := Claims{
		Room:     RoomName(roomCode),
		Name:     participantName,
		Identity: fmt.Sprintf("participant-%d", participantID),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign media token: %w", err)
	}
	return signed, nil
}

func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid media token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid media token claims")
	}
	return claims, nil
}
