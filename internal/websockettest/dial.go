// Package websockettest drives the race websocket from tests: it dials,
// speaks the wire protocol and waits for specific message types.
package websockettest

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"poleposition/raceserver/internal/wire"
)

// URL rewrites an httptest server URL to its websocket form and appends path.
func URL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

// Conn is a test-side websocket speaking wire envelopes.
type Conn struct {
	*websocket.Conn
}

// Dial opens a connection with the default dialer.
func Dial(urlStr string, header http.Header) (*Conn, *http.Response, error) {
	ws, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{Conn: ws}, resp, nil
}

// DialIgnoringPongs establishes a WebSocket connection and disables the
// automatic pong responses so that tests can simulate an unresponsive peer.
func DialIgnoringPongs(urlStr string, header http.Header) (*Conn, *http.Response, error) {
	conn, resp, err := Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}

// Send writes one binary envelope.
func (c *Conn) Send(t wire.Type, payload any) error {
	data, err := wire.Encode(t, payload)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.BinaryMessage, data)
}

// Next reads the next envelope or fails after timeout.
func (c *Conn) Next(timeout time.Duration) (wire.Envelope, error) {
	if err := c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return wire.Envelope{}, err
	}
	_, data, err := c.ReadMessage()
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Decode(data)
}

// Await skips envelopes until one of type t arrives and decodes it into v
// when v is not nil.
func (c *Conn) Await(t wire.Type, v any, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("timed out waiting for %s", t)
		}
		env, err := c.Next(remaining)
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", t, err)
		}
		if env.Type != t {
			continue
		}
		if v == nil {
			return nil
		}
		return env.Into(v)
	}
}
