// Package websocket carries MQTT over WebSocket connections.
package websocket

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const subProtocol = "mqtt"

// Dial opens a WebSocket connection to url (ws:// or wss://) and returns it as a net.Conn
// carrying the MQTT byte stream in binary messages.
func Dial(ctx context.Context, url string, tlsConf *tls.Config) (net.Conn, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{subProtocol}, // [MQTT-6.0.0-3]
		TLSClientConfig:  tlsConf,
	}

	conn, resp, err := d.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "websocket handshake with %s failed: %s", url, resp.Status)
		}
		return nil, errors.Wrapf(err, "websocket dial %s", url)
	}
	if conn.Subprotocol() != subProtocol {
		conn.Close()
		return nil, errors.Errorf("websocket server %s did not accept sub protocol '%s'", url, subProtocol)
	}

	return NewConn(conn), nil
}

// NewConn wraps an established WebSocket connection.
func NewConn(conn *websocket.Conn) net.Conn {
	return &wsConn{Conn: conn}
}

// Dialer returns a dial function for host:port addresses that connects to path on that host.
// With tlsConf set the connection uses wss.
func Dialer(path string, tlsConf *tls.Config) func(ctx context.Context, addr string) (net.Conn, error) {
	scheme := "ws://"
	if tlsConf != nil {
		scheme = "wss://"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return Dial(ctx, scheme+addr+path, tlsConf)
	}
}

type wsConn struct {
	*websocket.Conn
	r io.Reader
}

func (c *wsConn) Write(p []byte) (int, error) {
	err := c.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read reads the stream across message boundaries.
func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			var err error
			var mt int
			if mt, c.r, err = c.NextReader(); err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage { // [MQTT-6.0.0-1]
				return 0, errors.New("not binary message")
			}
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetWriteDeadline(t); err != nil {
		return err
	}
	return c.SetReadDeadline(t)
}

// ConnectionState exposes the TLS state of a wss connection.
func (c *wsConn) ConnectionState() tls.ConnectionState {
	if tc, ok := c.UnderlyingConn().(*tls.Conn); ok {
		return tc.ConnectionState()
	}
	return tls.ConnectionState{}
}
