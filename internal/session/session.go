package session

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
)

// Conn is the write side of one live connection. *websocket.Conn
// satisfies it; tests use an in-memory fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is the ephemeral state of one open connection. It exists only
// while the connection is open; all fields are fixed at register time
// except the outbound queue.
type Session struct {
	Actor  models.Actor
	Groups []string

	conn      Conn
	out       chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn Conn, actor models.Actor, groups []string, buffer int) *Session {
	s := &Session{
		Actor:  actor,
		Groups: groups,
		conn:   conn,
		out:    make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// writeLoop is the single writer for the underlying connection, so
// concurrent broadcasts never interleave frames.
func (s *Session) writeLoop() {
	for {
		select {
		case msg := <-s.out:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// enqueue offers a message without blocking. A full buffer means the
// consumer is too slow; the caller disconnects the session rather than
// stalling delivery to its siblings.
func (s *Session) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return true // already closing, nothing to deliver
	default:
	}
	select {
	case s.out <- msg:
		return true
	default:
		observability.OutboundDropped.Inc()
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
