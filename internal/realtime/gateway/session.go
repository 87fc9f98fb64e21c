package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smallbiznis/tripline/internal/room"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateRoomJoined
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateRoomJoined:
		return "room_joined"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is one websocket connection. It is the hub subscriber for every
// room it joined.
type Session struct {
	id      string
	userID  string
	primary room.Room
	conn    *websocket.Conn
	send    chan []byte
	state   atomic.Int32

	mu    sync.Mutex
	rooms map[string]room.Room

	closed      chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newSession(id, userID string, primary room.Room, conn *websocket.Conn, buffer int) *Session {
	s := &Session{
		id:      id,
		userID:  userID,
		primary: primary,
		conn:    conn,
		send:    make(chan []byte, buffer),
		rooms:   make(map[string]room.Room),
		closed:  make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) ID() string          { return s.id }
func (s *Session) UserID() string      { return s.userID }
func (s *Session) Primary() room.Room  { return s.primary }
func (s *Session) State() State        { return State(s.state.Load()) }
func (s *Session) setState(next State) { s.state.Store(int32(next)) }

// activate moves a joined session to Active. Other states are left alone.
func (s *Session) activate() {
	s.state.CompareAndSwap(int32(StateRoomJoined), int32(StateActive))
}

// Deliver queues frame without blocking. A full buffer drops the frame.
func (s *Session) Deliver(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- frame:
		s.activate()
		return true
	default:
		return false
	}
}

func (s *Session) joined(r room.Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[r.String()]
	return ok
}

func (s *Session) track(r room.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[r.String()] = r
}

// drain returns and forgets every joined room.
func (s *Session) drain() []room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]room.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	s.rooms = make(map[string]room.Room)
	return out
}

// Close asks the write pump to send a close frame and stop. Only the first
// call takes effect.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.closed)
	})
}

func writeClose(conn *websocket.Conn, code int, reason string, wait time.Duration) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wait))
}
