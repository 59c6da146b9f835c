package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultBufferSize   = 4096
	DefaultPollInterval = 500 * time.Millisecond
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

var ErrBusy = errors.New("transport already connecting or connected")

// DialFunc opens the underlying connection.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// TCPDialer dials plain TCP.
func TCPDialer() DialFunc {
	d := &net.Dialer{KeepAlive: 30 * time.Second}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// TLSDialer dials TCP and runs the TLS handshake with conf.
func TLSDialer(conf *tls.Config) DialFunc {
	d := &tls.Dialer{NetDialer: &net.Dialer{KeepAlive: 30 * time.Second}, Config: conf}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Net is a Transport over any net.Conn.
//
// Each connection gets a reader goroutine delivering OnData, a ticker delivering OnPoll
// and a writer goroutine. Send only hands the staged bytes to the writer, so the engine
// never waits on the network. Staged and unwritten bytes count against BufferSize
// until the writer reports them with OnAck.
type Net struct {
	Dial         DialFunc
	BufferSize   int
	PollInterval time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	mu       sync.Mutex
	conn     net.Conn
	staged   []byte
	spare    []byte
	flushing int  // bytes the writer is busy with
	closing  bool // graceful close requested
	wake     chan struct{}
	cancel   context.CancelFunc
}

// NewNet returns a transport that uses dial with default settings.
func NewNet(dial DialFunc) *Net {
	return &Net{
		Dial:         dial,
		BufferSize:   DefaultBufferSize,
		PollInterval: DefaultPollInterval,
		DialTimeout:  DefaultDialTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
}

func (n *Net) Connect(addr string, ev Events) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return ErrBusy
	}
	if n.Dial == nil {
		return errors.New("transport: no dialer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go n.run(ctx, cancel, addr, ev)
	return nil
}

func (n *Net) run(ctx context.Context, cancel context.CancelFunc, addr string, ev Events) {
	l := log.WithField("addr", addr)

	dctx, dcancel := context.WithTimeout(ctx, n.DialTimeout)
	conn, err := n.Dial(dctx, addr)
	dcancel()
	if err != nil {
		l.WithError(err).Warn("dial failed")
		n.finish()
		ev.OnDisconnected()
		return
	}

	wake := make(chan struct{}, 1)
	n.mu.Lock()
	if ctx.Err() != nil { // closed while dialing
		n.mu.Unlock()
		conn.Close()
		n.finish()
		ev.OnDisconnected()
		return
	}
	n.conn = conn
	n.staged = make([]byte, 0, n.BufferSize)
	n.spare = make([]byte, 0, n.BufferSize)
	n.flushing, n.closing = 0, false
	n.wake = wake
	n.mu.Unlock()

	l.Debug("connected")
	ev.OnConnected()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n.poll(ctx, ev)
	}()
	go func() {
		defer wg.Done()
		n.writer(ctx, conn, wake, ev, l)
	}()

	buf := make([]byte, n.BufferSize)
	for {
		k, err := conn.Read(buf)
		if k > 0 {
			ev.OnData(buf[:k])
		}
		if err != nil {
			if ctx.Err() == nil {
				l.WithError(err).Debug("connection lost")
			}
			break
		}
	}

	cancel()
	conn.Close()
	wg.Wait()
	n.finish()
	ev.OnDisconnected()
}

func (n *Net) poll(ctx context.Context, ev Events) {
	t := time.NewTicker(n.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ev.OnPoll()
		}
	}
}

// writer flushes staged bytes whenever Send wakes it, until the connection ends.
func (n *Net) writer(ctx context.Context, conn net.Conn, wake <-chan struct{}, ev Events, l *log.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		}

		for {
			n.mu.Lock()
			if len(n.staged) == 0 {
				closing := n.closing
				n.mu.Unlock()
				if closing {
					conn.Close() // reader reports the disconnect
					return
				}
				break
			}
			b := n.staged
			n.staged, n.spare = n.spare[:0], nil
			n.flushing = len(b)
			n.mu.Unlock()

			if n.WriteTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(n.WriteTimeout))
			}
			_, err := conn.Write(b)

			n.mu.Lock()
			n.flushing = 0
			n.spare = b[:0]
			n.mu.Unlock()

			if err != nil {
				if ctx.Err() == nil {
					l.WithError(err).Warn("write failed")
				}
				conn.Close()
				return
			}
			ev.OnAck(len(b))
		}
	}
}

// finish forgets the current connection so Connect can be called again.
// The connection's goroutines must have exited.
func (n *Net) finish() {
	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	n.conn = nil
	n.staged, n.spare = nil, nil
	n.flushing = 0
	n.wake = nil
	n.mu.Unlock()
}

// Close closes the connection. A graceful close first writes out everything
// already staged, a forced one drops it.
func (n *Net) Close(force bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil || force {
		if n.cancel != nil {
			n.cancel()
		}
		if n.conn != nil {
			log.WithField("addr", n.conn.RemoteAddr()).Debug("forcing connection closed")
			n.conn.Close()
		}
		return
	}
	n.closing = true
	n.signal()
}

func (n *Net) Space() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil || n.closing {
		return 0
	}
	return n.BufferSize - len(n.staged) - n.flushing
}

func (n *Net) Add(p []byte) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil || n.closing {
		return 0
	}
	if space := n.BufferSize - len(n.staged) - n.flushing; len(p) > space {
		p = p[:space]
	}
	n.staged = append(n.staged, p...)
	return len(p)
}

// Send hands the staged bytes to the writer and returns immediately.
func (n *Net) Send() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil || len(n.staged) == 0 {
		return
	}
	n.signal()
}

// signal wakes the writer. mu must be held.
func (n *Net) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Net) PeerCertificates() []*x509.Certificate {
	n.mu.Lock()
	defer n.mu.Unlock()
	if tc, ok := n.conn.(tlsConn); ok {
		return tc.ConnectionState().PeerCertificates
	}
	return nil
}
