package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"poleposition/raceserver/internal/logging"
	"poleposition/raceserver/internal/wire"
)

const writeWait = 5 * time.Second

// Conn is a websocket link to the race server.
type Conn struct {
	ws     *websocket.Conn
	logger *logging.Logger

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

// Dial connects to the server's websocket endpoint.
func Dial(ctx context.Context, url string, header http.Header, logger *logging.Logger) (*Conn, error) {
	if logger == nil {
		logger = logging.L()
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Conn{ws: ws, logger: logger, closed: make(chan struct{})}, nil
}

// Send implements Sender.
func (c *Conn) Send(t wire.Type, payload any) error {
	data, err := wire.Encode(t, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Run feeds every inbound frame to session until the context ends or the
// connection drops. Malformed frames are logged and skipped.
func (c *Conn) Run(ctx context.Context, session *Session) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, websocket.ErrCloseSent) || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		env, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", logging.Error(err))
			continue
		}
		if err := session.Handle(env); err != nil {
			c.logger.Warn("dropping unhandled frame", logging.String("type", string(env.Type)), logging.Error(err))
		}
	}
}

// Close sends a close frame and releases the socket.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
