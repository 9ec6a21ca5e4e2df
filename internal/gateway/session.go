package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wsSession owns the write side of one WebSocket connection. All frames,
// personal replies and broadcasts alike, funnel through the send channel so
// exactly one goroutine ever writes to the socket. Send never blocks; a
// full channel drops the frame and the periodic leaderboard redraws heal
// whatever a slow consumer missed.
type wsSession struct {
	id           string
	conn         *websocket.Conn
	send         chan any
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	log          zerolog.Logger
}

func newWSSession(id string, conn *websocket.Conn, buffer int, writeTimeout time.Duration, log zerolog.Logger) *wsSession {
	return &wsSession{
		id:           id,
		conn:         conn,
		send:         make(chan any, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		log:          log.With().Str("sessionId", id).Logger(),
	}
}

// Send enqueues a frame for the write pump. It reports false once the
// session is closing or the queue is full.
func (s *wsSession) Send(frame any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// close releases the write pump. Safe to call from any goroutine, any
// number of times.
func (s *wsSession) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// writePump serializes queued frames onto the socket in arrival order.
// When the session closes it drains what is already queued, announces a
// normal closure, and closes the connection, which also unblocks the
// reader.
func (s *wsSession) writePump() {
	defer func() {
		deadline := time.Now().Add(s.writeTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			for {
				select {
				case frame := <-s.send:
					if err := s.writeFrame(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		case frame := <-s.send:
			if err := s.writeFrame(frame); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *wsSession) writeFrame(frame any) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(frame); err != nil {
		s.log.Debug().Err(err).Msg("socket write failed")
		return err
	}
	return nil
}
