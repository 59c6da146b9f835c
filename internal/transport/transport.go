// Package transport provides the byte transports the client engine runs on.
package transport

import (
	"crypto/tls"
	"crypto/x509"
)

// Events are the notifications a transport delivers to the engine.
type Events interface {
	OnConnected()
	OnDisconnected()
	// OnAck reports that n previously sent bytes left the transport's buffer.
	OnAck(n int)
	// OnData delivers received bytes. p is only valid during the call.
	OnData(p []byte)
	// OnPoll is a periodic tick while connected.
	OnPoll()
}

// Transport is a non-blocking byte stream with bounded send space.
type Transport interface {
	// Connect starts connecting to addr. The outcome is reported through ev.
	Connect(addr string, ev Events) error
	// Close closes the connection. OnDisconnected follows.
	Close(force bool)
	// Space returns how many bytes Add will currently accept.
	Space() int
	// Add stages p for sending and returns how many bytes were taken.
	Add(p []byte) int
	// Send flushes staged bytes.
	Send()
}

// PeerCertificates is implemented by transports that can present the server's TLS certificates.
type PeerCertificates interface {
	PeerCertificates() []*x509.Certificate
}

// tlsConn is implemented by *tls.Conn and connections layered on one.
type tlsConn interface {
	ConnectionState() tls.ConnectionState
}
