package identity

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Identity is who a connection claims to be. Verified identities come from a
// token issued by the external auth service; everything else is an
// ephemeral guest.
type Identity struct {
	ID       string `json:"id"`
	Verified bool   `json:"verified"`
}

// Claims represents the claims in a token from the external auth service
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("invalid token")

// Resolver turns a bearer token into a verified identity.
type Resolver struct {
	secret []byte
}

func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(secret)}
}

const (
	MinGuestTokenLength = 16
	MaxGuestTokenLength = 256
)

// Guest returns an anonymous identity. A guest that presents the same private
// token again gets the same id back, so a reconnecting guest resumes its seat.
// The id is an HMAC of the token under the server secret: it can be shown to
// other participants without letting them assume it. A missing or malformed
// token yields a fresh id.
func (r *Resolver) Guest(token string) Identity {
	if len(token) >= MinGuestTokenLength && len(token) <= MaxGuestTokenLength {
		if sum, err := jwt.SigningMethodHS256.Sign("guest:"+token, r.secret); err == nil {
			return Identity{ID: "guest-" + hex.EncodeToString(sum[:16])}
		}
	}
	return Identity{ID: "guest-" + uuid.NewString()}
}

// Resolve validates tokenString and returns the verified identity it names.
func (r *Resolver) Resolve(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	subject := claims.UserID
	if subject == "" {
		subject = claims.Subject
	}
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{ID: subject, Verified: true}, nil
}
