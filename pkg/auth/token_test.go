package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	tok, err := NewToken("key1", "secret1", "edge-client", "edge-cv", time.Hour)
	require.NoError(t, err)

	v := NewVerifier(map[string]string{"key1": "secret1", "key2": "secret2"})
	c, err := v.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "key1", c.APIKey)
	require.Equal(t, "edge-client", c.Identity)
	require.Equal(t, "edge-cv", c.Room)
	require.WithinDuration(t, time.Now().Add(time.Hour), c.Expires, 5*time.Second)
}

func TestTokenRejected(t *testing.T) {
	v := NewVerifier(map[string]string{"key1": "secret1"})

	// Wrong secret
	tok, err := NewToken("key1", "nope", "a", "b", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(tok)
	require.Error(t, err)

	// Unknown key
	tok, err = NewToken("key9", "secret1", "a", "b", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(tok)
	require.ErrorIs(t, err, ErrUnknownKey)

	// Expired
	claims := jwt.MapClaims{"iss": "key1", "sub": "a", "room": "b", "exp": time.Now().Add(-time.Minute).Unix()}
	tok, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret1"))
	require.NoError(t, err)
	_, err = v.Verify(tok)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)

	// No expiry
	claims = jwt.MapClaims{"iss": "key1", "sub": "a", "room": "b"}
	tok, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret1"))
	require.NoError(t, err)
	_, err = v.Verify(tok)
	require.Error(t, err)

	// No room
	claims = jwt.MapClaims{"iss": "key1", "sub": "a", "exp": time.Now().Add(time.Minute).Unix()}
	tok, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret1"))
	require.NoError(t, err)
	_, err = v.Verify(tok)
	require.Error(t, err)

	_, err = v.Verify("garbage")
	require.Error(t, err)

	_, err = NewToken("", "s", "a", "b", 0)
	require.Error(t, err)
	_, err = NewToken("k", "s", "", "b", 0)
	require.Error(t, err)
}
