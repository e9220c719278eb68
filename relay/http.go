package relay

import (
	"net/http"
	"strings"
	"time"

	"github.com/cyclopcam/edgecv/pkg/transport"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	unprotected := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	ratelimited := func(method, route string, handle func(w http.ResponseWriter, r *http.Request), requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(handle)).ServeHTTP(w, r)
		})
	}

	unprotected("GET", "/api/ping", s.httpPing)
	unprotected("GET", "/api/rooms", s.httpRooms)
	unprotected("GET", "/api/rooms/:room/participants", s.httpRoomParticipants)
	ratelimited("GET", "/rtc", s.httpRTC, s.JoinsPerMinute, time.Minute)

	s.httpRouter = router
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time int64 `json:"time"`
	}
	www.SendJSON(w, &pingJSON{
		Time: time.Now().Unix(),
	})
}

// RoomJSON is an entry of GET /api/rooms
type RoomJSON struct {
	Name         string `json:"name"`
	Participants int    `json:"participants"`
}

func (s *Server) httpRooms(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	out := []RoomJSON{}
	for _, name := range s.roomNames() {
		if rm := s.getRoom(name); rm != nil {
			out = append(out, RoomJSON{
				Name:         name,
				Participants: len(rm.list(nil)),
			})
		}
	}
	www.SendJSON(w, out)
}

// ParticipantJSON is an entry of GET /api/rooms/:room/participants
type ParticipantJSON struct {
	Identity  string `json:"identity"`
	SessionID string `json:"sessionID"`
	JoinedAt  int64  `json:"joinedAt"` // Unix milliseconds
	Dropped   int64  `json:"dropped"`  // Envelopes dropped because the participant was too slow
}

func (s *Server) httpRoomParticipants(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rm := s.getRoom(params.ByName("room"))
	if rm == nil {
		www.PanicNotFound()
	}
	out := []ParticipantJSON{}
	for _, c := range rm.list(nil) {
		out = append(out, ParticipantJSON{
			Identity:  c.identity,
			SessionID: c.sessionID,
			JoinedAt:  c.joinedAt.UnixMilli(),
			Dropped:   c.nDropped.Load(),
		})
	}
	www.SendJSON(w, out)
}

// The token may be in an "Authorization: Bearer" header, or the access_token query parameter (for browsers)
func accessToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

func (s *Server) httpRTC(w http.ResponseWriter, r *http.Request) {
	claims, err := s.verifier.Verify(accessToken(r))
	if err != nil {
		s.Log.Warnf("Rejected join from %v: %v", r.RemoteAddr, err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("Websocket upgrade failed: %v", err)
		return
	}

	c := newClient(s, conn, claims.Identity, claims.Room)
	replaced, others := s.join(c)
	if replaced != nil {
		c.log.Infof("Replacing earlier connection %v", replaced.sessionID)
		replaced.close()
	}
	c.log.Infof("Joined (session %v)", c.sessionID)

	c.sendEnvelope(&transport.Envelope{
		Type:         transport.MsgJoin,
		Identity:     c.identity,
		SessionID:    c.sessionID,
		Room:         c.roomName,
		Participants: others,
	})
	if replaced == nil {
		s.broadcast(c, transport.MsgParticipantJoined)
	}

	c.run()

	if s.leave(c) {
		c.log.Infof("Left")
		s.broadcast(c, transport.MsgParticipantLeft)
	}
}

// Tell everybody else in c's room that c has joined or left
func (s *Server) broadcast(c *client, msgType transport.MsgType) {
	e := &transport.Envelope{
		Type:     msgType,
		Identity: c.identity,
	}
	for _, other := range c.room.list(c) {
		other.sendEnvelope(e)
	}
}
