// Package auth mints room access tokens for the bridge participant.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/callbridge/internal/core"
)

const defaultTTL = time.Hour

// Issuer signs room credentials with the service API key pair.
// It is stateless; the zero value is unusable and must be built with New.
type Issuer struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
}

type videoGrant struct {
	RoomJoin bool   `json:"roomJoin"`
	Room     string `json:"room"`
}

type accessClaims struct {
	jwt.RegisteredClaims
	Video videoGrant `json:"video"`
}

// New builds an Issuer. A zero ttl falls back to one hour.
func New(apiKey, apiSecret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{apiKey: apiKey, apiSecret: apiSecret, ttl: ttl}
}

// Issue returns a signed bearer token granting identity access to g.Room.
func (i *Issuer) Issue(identity string, g core.Grants) (string, error) {
	if i.apiKey == "" || i.apiSecret == "" {
		return "", fmt.Errorf("missing api key pair: %w", core.ErrCredential)
	}
	if identity == "" {
		return "", fmt.Errorf("empty identity: %w", core.ErrCredential)
	}
	if g.Room == "" {
		return "", fmt.Errorf("empty room grant: %w", core.ErrCredential)
	}

	now := time.Now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Video: videoGrant{RoomJoin: g.RoomJoin, Room: g.Room},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.apiSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", core.ErrCredential)
	}
	return token, nil
}
