package gateway

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/workbeam/livesync/internal"
)

// Distinguishable authentication failures. Both are terminal for the current
// connection attempt: the client must present a new credential before the
// channel can be established.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
)

// CredentialVerifier checks a channel handshake credential and resolves it to
// an identity. Credential issuance is owned by the external auth service; the
// gateway only verifies.
type CredentialVerifier interface {
	Verify(credential string) (internal.Identity, error)
}

// JWTVerifier verifies HMAC-signed tokens minted by the workspace auth
// service. Expected claims: sub (user id), name, role.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) Verify(credential string) (internal.Identity, error) {
	if credential == "" {
		return internal.Identity{}, ErrMissingCredential
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return internal.Identity{}, ErrInvalidCredential
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		return internal.Identity{}, ErrInvalidCredential
	}
	name, _ := claims["name"].(string)
	role, _ := claims["role"].(string)
	return internal.Identity{
		UserID:      userID,
		DisplayName: name,
		Role:        role,
	}, nil
}
