/*
Handshake token issuance and validation, adapted
from a prior service/auth.go: the same jwt.RegisteredClaims embedding
and HS256 sign/parse shape, generalized from a user_id/username identity to
permission_level/encryption_suite since this module negotiates connection
capabilities rather than chat identity.
*/
package credential

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("credential: invalid handshake token")
	ErrTokenExpired = errors.New("credential: handshake token expired")
)

// Claims is the handshake bearer token's payload. PermissionLevel and EncryptionSuite drive
// netconn.Connection.Handshake's transition out of Handshaking.
type Claims struct {
	Subject          string `json:"sub"`
	PermissionLevel  uint8  `json:"permission_level"`
	EncryptionSuite  string `json:"encryption_suite"`

	jwt.RegisteredClaims
}

// Issuer signs handshake tokens with a shared secret.
type Issuer struct {
	secret   []byte
	lifetime time.Duration
}

// NewIssuer constructs an Issuer. lifetime <= 0 defaults to one hour.
func NewIssuer(secret []byte, lifetime time.Duration) *Issuer {
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &Issuer{secret: secret, lifetime: lifetime}
}

// IssueToken signs a bearer token granting subject the given permission
// level and encryption suite hint.
func (i *Issuer) IssueToken(subject string, permissionLevel uint8, encryptionSuite string) (string, error) {
	claims := &Claims{
		Subject:         subject,
		PermissionLevel: permissionLevel,
		EncryptionSuite: encryptionSuite,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(i.lifetime)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "corepipe",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// ValidateToken parses and verifies a bearer token, returning its Claims.
func (i *Issuer) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
