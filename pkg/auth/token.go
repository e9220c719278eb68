// Package auth mints and verifies the access tokens that participants present when joining a room.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default lifetime of a token
const DefaultTokenTTL = 6 * time.Hour

var ErrUnknownKey = errors.New("Unknown API key")

// Claims is what a verified token tells us about the participant
type Claims struct {
	APIKey   string
	Identity string
	Room     string
	Expires  time.Time
}

// NewToken creates an HS256 token allowing 'identity' to join 'room'
func NewToken(apiKey, apiSecret, identity, room string, ttl time.Duration) (string, error) {
	if apiKey == "" || apiSecret == "" {
		return "", fmt.Errorf("API key and secret are required")
	}
	if identity == "" || room == "" {
		return "", fmt.Errorf("Identity and room are required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := jwt.MapClaims{}
	claims["iss"] = apiKey
	claims["sub"] = identity
	claims["room"] = room
	claims["nbf"] = now.Add(-time.Minute).Unix()
	claims["exp"] = now.Add(ttl).Unix()

	to := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return to.SignedString([]byte(apiSecret))
}

// Verifier checks tokens against a set of API key/secret pairs
type Verifier struct {
	keys map[string]string // API key -> secret
}

func NewVerifier(keys map[string]string) *Verifier {
	v := &Verifier{
		keys: map[string]string{},
	}
	for k, s := range keys {
		v.keys[k] = s
	}
	return v
}

// Verify checks the signature and expiry of a token, and returns its claims
func (v *Verifier) Verify(accessToken string) (*Claims, error) {
	token, err := jwt.Parse(accessToken, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("Unexpected signing method: %v", token.Header["alg"])
		}
		iss, err := token.Claims.GetIssuer()
		if err != nil {
			return nil, err
		}
		secret, ok := v.keys[iss]
		if !ok {
			return nil, ErrUnknownKey
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("Invalid access token: %w", err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("Invalid access token claims")
	}
	c := &Claims{}
	c.APIKey, _ = mc.GetIssuer()
	c.Identity, _ = mc.GetSubject()
	c.Room, _ = mc["room"].(string)
	if exp, _ := mc.GetExpirationTime(); exp != nil {
		c.Expires = exp.Time
	}
	if c.Identity == "" || c.Room == "" {
		return nil, fmt.Errorf("Access token is missing identity or room")
	}
	return c, nil
}
