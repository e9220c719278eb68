// Package relay is the room server that participants connect to.
// It forwards data packets, track frames and RPC envelopes between the participants of a room.
package relay

import (
	"context"
	"crypto/rand"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/edgecv/pkg/auth"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/oklog/ulid/v2"
)

// Default number of websocket joins allowed per IP per minute
const DefaultJoinsPerMinute = 60

type Server struct {
	Log              logs.Log
	JoinsPerMinute   int        // Read only after NewServer
	ShutdownComplete chan error // Receives one value when Shutdown() is done

	verifier   *auth.Verifier
	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader

	roomsLock sync.Mutex
	rooms     map[string]*room
	sessions  sync.WaitGroup // Running websocket handlers

	idLock  sync.Mutex
	entropy io.Reader
}

// NewServer creates a relay that accepts tokens signed by any of the given API key/secret pairs.
// If joinsPerMinute is zero, DefaultJoinsPerMinute is used.
func NewServer(logger logs.Log, keys map[string]string, joinsPerMinute int) *Server {
	if joinsPerMinute == 0 {
		joinsPerMinute = DefaultJoinsPerMinute
	}
	s := &Server{
		Log:              logger,
		JoinsPerMinute:   joinsPerMinute,
		ShutdownComplete: make(chan error, 1),
		verifier:         auth.NewVerifier(keys),
		rooms:            map[string]*room{},
		entropy:          ulid.Monotonic(rand.Reader, 0),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Participants authenticate with a token, not a cookie
				return true
			},
		},
	}
	s.setupHttpRoutes()
	return s
}

// Handler returns the HTTP handler of the relay, for embedding in another server (or a test)
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

// addr example: ":7880"
func (s *Server) ListenHTTP(addr string) error {
	s.Log.Infof("Listening on %v", addr)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpRouter,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

// Shutdown disconnects all participants and stops the HTTP server
func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}

	var err error
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = s.httpServer.Shutdown(ctx)
	}

	// Websocket connections are hijacked, so http.Server.Shutdown doesn't know about them
	s.DisconnectAll()

	if err != nil {
		s.Log.Warnf("Shutdown complete, with error: %v", err)
	} else {
		s.Log.Infof("Shutdown complete")
	}
	s.ShutdownComplete <- err
}

// DisconnectAll closes every participant connection, and waits for their handlers to exit
func (s *Server) DisconnectAll() {
	for _, c := range s.allClients() {
		c.close()
	}
	s.sessions.Wait()
}

func (s *Server) newSessionID() string {
	s.idLock.Lock()
	defer s.idLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Register a client in its room, creating the room if necessary.
// Returns the client that was replaced, if any.
func (s *Server) join(c *client) (replaced *client, others []string) {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()
	rm := s.rooms[c.roomName]
	if rm == nil {
		rm = newRoom(c.roomName)
		s.rooms[c.roomName] = rm
		s.Log.Infof("Room %v created", c.roomName)
	}
	c.room = rm
	return rm.add(c)
}

// Remove a client from its room, deleting the room if it's empty.
// Returns false if the client had already been replaced.
func (s *Server) leave(c *client) bool {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()
	removed, empty := c.room.remove(c)
	if empty && s.rooms[c.roomName] == c.room {
		delete(s.rooms, c.roomName)
		s.Log.Infof("Room %v closed", c.roomName)
	}
	return removed
}

func (s *Server) getRoom(name string) *room {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()
	return s.rooms[name]
}

func (s *Server) roomNames() []string {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()
	names := make([]string, 0, len(s.rooms))
	for n := range s.rooms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Server) allClients() []*client {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()
	all := []*client{}
	for _, rm := range s.rooms {
		all = append(all, rm.list(nil)...)
	}
	return all
}
