package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"taisrelay/pkg/logx"
)

const (
	// writeWait bounds a single frame write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the peer may stay silent before the read pump
	// declares it dead. Pings go out at pingPeriod, which must be shorter.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Clients only talk during the handshake; anything bigger than this
	// on an established connection is garbage.
	maxInboundBytes = 512
)

// client wraps one WebSocket connection behind the engine's sink
// contract. Frames are queued on a bounded channel; the write pump owns
// the socket. A full queue means the consumer can't keep up with the
// broadcast cadence, and the policy is to drop the client rather than
// buffer without bound or block the engine.
type client struct {
	conn *websocket.Conn
	log  logx.Logger

	send   chan []byte
	closed atomic.Bool
	done   chan struct{}
	once   sync.Once

	facility string
	// id is the engine subscription id. Assigned between Subscribe and
	// the pump launch; only read from goroutines started after that, so
	// the Enqueue path must not touch it.
	id string
}

func newClient(conn *websocket.Conn, facility string, buffer int, log logx.Logger) *client {
	if buffer <= 0 {
		buffer = 64
	}
	return &client{
		conn:     conn,
		log:      log,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		facility: facility,
	}
}

// Enqueue implements relay.Sink. Never blocks: a frame that doesn't fit
// the buffer is refused and the client is shut down as a slow consumer.
func (c *client) Enqueue(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("client send buffer full, dropping client",
			logx.String("facility", c.facility))
		c.shutdown()
		return false
	}
}

// Closed implements relay.Sink.
func (c *client) Closed() bool { return c.closed.Load() }

// shutdown marks the client finished and wakes both pumps. Idempotent;
// every teardown path funnels through here. The socket itself stays
// open until the write pump has sent the close frame.
func (c *client) shutdown() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// writePump drains the send queue to the socket and keeps the peer alive
// with periodic pings. It exits when the client shuts down or a write
// fails, and always closes the socket on the way out.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
		// Closing the socket here unblocks the read pump, which then
		// unsubscribes the client.
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and enforces pong liveness. Its exit
// is the signal that the connection is gone; the hub unsubscribes there.
func (c *client) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
