// Package relaytest runs an in-process relay for tests of packages that talk to a room
package relaytest

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cyclopcam/edgecv/pkg/auth"
	"github.com/cyclopcam/edgecv/pkg/transport"
	"github.com/cyclopcam/edgecv/relay"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

const (
	APIKey    = "devkey"
	APISecret = "devsecret"
)

// Relay is a relay server listening on a local port
type Relay struct {
	Server *relay.Server
	HTTP   *httptest.Server
	t      *testing.T
}

// Start runs a relay until the test finishes
func Start(t *testing.T) *Relay {
	s := relay.NewServer(logs.NewTestingLog(t), map[string]string{APIKey: APISecret}, 0)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.DisconnectAll()
		hs.Close()
	})
	return &Relay{
		Server: s,
		HTTP:   hs,
		t:      t,
	}
}

func (r *Relay) URL() string {
	return r.HTTP.URL
}

// Token creates a valid access token
func (r *Relay) Token(identity, room string) string {
	token, err := auth.NewToken(APIKey, APISecret, identity, room, time.Hour)
	require.NoError(r.t, err)
	return token
}

// Connect joins a room. The connection is closed when the test finishes.
func (r *Relay) Connect(identity, room string) *transport.Room {
	rm, err := transport.Connect(context.Background(), logs.NewTestingLog(r.t), r.HTTP.URL, r.Token(identity, room))
	require.NoError(r.t, err)
	r.t.Cleanup(rm.Close)
	return rm
}
