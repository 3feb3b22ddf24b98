package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrTokenExpired indicates that the token's expiry has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrUnknownKey indicates a token signed by a key no longer in the keyset.
	ErrUnknownKey = errors.New("unknown signing key")

	// ErrInvalidToken indicates a malformed token or a bad signature.
	ErrInvalidToken = errors.New("invalid token")
)

// SigningKey is one entry of the keyset, identified by its kid.
type SigningKey struct {
	KID    string
	Secret string
}

// Claims carried by a session credential.
type Claims struct {
	RoomID string       `json:"roomId"`
	Role   Role         `json:"role"`
	Perms  []Permission `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies session credentials. The keyset is ordered
// newest first: only keys[0] signs, every listed key still verifies, so
// tokens survive a rotation until the retired key is dropped from config.
type TokenService struct {
	keys      []SigningKey
	accessTTL time.Duration
}

func NewTokenService(keys []SigningKey, accessTTL time.Duration) (*TokenService, error) {
	if len(keys) == 0 {
		return nil, errors.New("auth: empty keyset")
	}
	return &TokenService{keys: keys, accessTTL: accessTTL}, nil
}

// Issue signs a credential with the active key and tags it with that key's id.
func (s *TokenService) Issue(subject, roomID string, role Role, perms []Permission) (string, error) {
	return s.IssueWithTTL(subject, roomID, role, perms, s.accessTTL)
}

func (s *TokenService) IssueWithTTL(subject, roomID string, role Role, perms []Permission, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RoomID: roomID,
		Role:   role,
		Perms:  perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	active := s.keys[0]
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = active.KID

	signed, err := token.SignedString([]byte(active.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry, and resolves the signing key by the
// kid embedded in the token header.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		for _, k := range s.keys {
			if k.KID == kid {
				return []byte(k.Secret), nil
			}
		}
		return nil, ErrUnknownKey
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrTokenExpired
		}
		if errors.Is(err, ErrUnknownKey) {
			return nil, ErrUnknownKey
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Permissions resolves the claims into one canonical permission set.
func (c *Claims) Permissions() []Permission {
	return Resolve(c.Role, c.Perms)
}

// NewRefreshToken mints an opaque refresh credential. It carries no claims;
// validity lives server-side, keyed by user id.
func NewRefreshToken() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
