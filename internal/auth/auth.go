// Package auth gates room access with HMAC-signed tokens. With no secret
// configured the relay keeps its historical open-access behavior: anyone who
// knows a room name may join it.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken  = errors.New("auth: missing token")
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrRoomForbidden = errors.New("auth: room not covered by token")
)

// RoomClaims is the token payload: the standard registered claims plus the
// set of rooms the bearer may join. A "*" entry grants every room.
type RoomClaims struct {
	Rooms []string `json:"rooms,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier, or nil when secret is empty (open access).
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether room access is gated. Safe to call on nil.
func (v *Verifier) Enabled() bool {
	return v != nil
}

// Authorize validates tokenString and checks that it covers room. Returns
// the token subject for logging.
func (v *Verifier) Authorize(tokenString, room string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &RoomClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*RoomClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	for _, r := range claims.Rooms {
		if r == "*" || r == room {
			return claims.Subject, nil
		}
	}
	return "", ErrRoomForbidden
}

// Issue signs a token for the given subject and rooms. Used by tests and by
// operators minting access tokens out of band.
func Issue(secret, subject string, rooms []string, ttl time.Duration) (string, error) {
	claims := RoomClaims{
		Rooms: rooms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
