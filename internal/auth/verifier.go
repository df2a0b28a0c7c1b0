// Package auth verifies the bearer tokens that guard the job API.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoVerifier is returned by an empty Chain.
var ErrNoVerifier = errors.New("no token verifier configured")

// Identity is the caller a token was issued to.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// TokenVerifier checks a raw bearer token.
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

// Chain tries each verifier in order and returns the first success.
type Chain []TokenVerifier

func (c Chain) Verify(tokenString string) (*Identity, error) {
	err := ErrNoVerifier
	for _, v := range c {
		if v == nil {
			continue
		}
		id, verr := v.Verify(tokenString)
		if verr == nil {
			return id, nil
		}
		err = verr
	}
	return nil, err
}

// hmacClaims is the body of locally issued tokens.
type hmacClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

const hmacIssuer = "jobwatch"

// HMACVerifier accepts HS256 tokens signed with a shared secret. It serves
// service-to-service callers and local development.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &hmacClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*hmacClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.UserID == "" {
		return nil, jwt.ErrTokenRequiredClaimMissing
	}
	return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
}

// Issue signs a token for userID. ttl <= 0 issues a token without expiry.
func (v *HMACVerifier) Issue(userID, email string, ttl time.Duration) (string, error) {
	claims := hmacClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   hmacIssuer,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
