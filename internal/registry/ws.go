package registry

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/relayforge/webrelay/internal/utils"
)

// WSChannel adapts one accepted WebSocket connection from the bridge worker
// to the Channel interface and pumps its inbound frames into the registry.
type WSChannel struct {
	conn *websocket.Conn

	// writeMu serializes frame writes; the worker multiplexes many requests
	// over this single connection.
	writeMu sync.Mutex
}

// NewWSChannel wraps an accepted connection.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

// Send writes one JSON text frame. HTML escaping is off so forwarded
// bodies keep their literal angle brackets.
func (c *WSChannel) Send(ctx context.Context, payload any) error {
	data, err := utils.MarshalNoEscape(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// Close tears the connection down.
func (c *WSChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "shutting down")
}

// ReadLoop reads frames until the connection drops, routing each into the
// registry. It deregisters the channel on exit, which arms the reconnect
// grace timer.
func (c *WSChannel) ReadLoop(ctx context.Context, r *Registry) {
	defer r.Remove(c)
	defer func() { _ = c.conn.CloseNow() }()

	for {
		_, frame, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("bridge connection read failed")
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		r.Route(frame)
	}
}
