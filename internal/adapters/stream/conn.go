package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/core"
)

// ErrBackpressure is returned when the outbound frame buffer is full.
var ErrBackpressure = errors.New("backpressure")

const (
	sendBufferSize = 32
	writeTimeout   = 5 * time.Second
)

// streamConn wraps the provider-facing websocket. All writes go through
// the send channel so the read loop and the keep-alive timer never write
// concurrently.
type streamConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newStreamConn(ws *websocket.Conn) *streamConn {
	return &streamConn{
		conn: ws,
		send: make(chan []byte, sendBufferSize),
	}
}

// SendAck queues a mark acknowledgement for the given stream SID.
func (c *streamConn) SendAck(streamSID string) error {
	frame, err := json.Marshal(core.NewMark(streamSID))
	if err != nil {
		return err
	}
	return c.trySend(frame)
}

func (c *streamConn) trySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *streamConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *streamConn) writePump() {
	for frame := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			log.Error().Err(err).Str("module", "stream").Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Error().Err(err).Str("module", "stream").Msg("writePump write error")
			return
		}
	}
}
