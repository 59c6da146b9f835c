package tests_test

import (
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RoanBrand/asyncmqtt/internal/model"
	"github.com/RoanBrand/asyncmqtt/internal/websocket"
	gorilla "github.com/gorilla/websocket"
)

const waitTimeout = 5 * time.Second

// fakeServer is the broker side of the tests. Every accepted connection
// is handed to the test through conns.
type fakeServer struct {
	addr  string
	conns chan *serverConn

	mu   sync.Mutex
	open []net.Conn
}

type packet struct {
	controlAndFlags byte
	body            []byte
}

func (p packet) packetType() byte {
	return p.controlAndFlags & 0xF0
}

type serverConn struct {
	conn    net.Conn
	packets chan packet
	dead    chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeServer{addr: l.Addr().String(), conns: make(chan *serverConn, 4)}
	t.Cleanup(func() {
		l.Close()
		s.closeAll()
	})
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			s.serve(conn)
		}
	}()
	return s
}

// newFakeWSServer accepts MQTT over WebSocket at /mqtt.
func newFakeWSServer(t *testing.T) *fakeServer {
	s := &fakeServer{conns: make(chan *serverConn, 4)}
	up := gorilla.Upgrader{
		Subprotocols: []string{"mqtt"},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mqtt" {
			http.NotFound(w, r)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := s.serve(websocket.NewConn(conn))
		<-sc.dead
	}))
	t.Cleanup(func() {
		s.closeAll()
		srv.Close()
	})
	s.addr = strings.TrimPrefix(srv.URL, "http://")
	return s
}

func (s *fakeServer) serve(conn net.Conn) *serverConn {
	sc := &serverConn{conn: conn, packets: make(chan packet, 64), dead: make(chan struct{})}
	s.mu.Lock()
	s.open = append(s.open, conn)
	s.mu.Unlock()
	go sc.reader()
	s.conns <- sc
	return sc
}

func (s *fakeServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.open {
		c.Close()
	}
}

func (s *fakeServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-s.conns:
		return sc
	case <-time.After(waitTimeout):
		t.Fatal("client did not connect")
		return nil
	}
}

func (c *serverConn) reader() {
	defer close(c.dead)
	rx := make([]byte, 4096)
	var rxState, controlAndFlags uint8
	var remainLen, lenMul int
	var body []byte

	for {
		nRx, err := c.conn.Read(rx)
		if err != nil {
			return
		}

		for i := 0; i < nRx; {
			switch rxState {
			case 0: // control & flags
				controlAndFlags = rx[i]
				lenMul, remainLen, rxState = 1, 0, 1
				i++
			case 1: // remaining len
				remainLen += int(rx[i]&127) * lenMul
				lenMul *= 128
				if rx[i]&128 == 0 {
					body = make([]byte, 0, remainLen)
					if remainLen == 0 {
						c.packets <- packet{controlAndFlags, body}
						rxState = 0
					} else {
						rxState = 2
					}
				}
				i++
			case 2: // body
				toRead := remainLen - len(body)
				if avail := nRx - i; avail < toRead {
					toRead = avail
				}
				body = append(body, rx[i:i+toRead]...)
				i += toRead
				if len(body) == remainLen {
					c.packets <- packet{controlAndFlags, body}
					rxState = 0
				}
			}
		}
	}
}

// expect waits for the next packet from the client and checks its type.
func (c *serverConn) expect(t *testing.T, packetType byte) packet {
	t.Helper()
	select {
	case p := <-c.packets:
		if p.packetType() != packetType {
			t.Fatalf("expected packet type %#x, got %#x %v", packetType, p.controlAndFlags, p.body)
		}
		return p
	case <-c.dead:
		t.Fatalf("connection closed while waiting for packet type %#x", packetType)
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for packet type %#x", packetType)
	}
	return packet{}
}

// expectClosed waits for the client to close the connection.
func (c *serverConn) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.dead:
	case <-time.After(waitTimeout):
		t.Fatal("client did not close the connection")
	}
}

func (c *serverConn) send(t *testing.T, b ...byte) {
	t.Helper()
	if _, err := c.conn.Write(b); err != nil {
		t.Fatal(err)
	}
}

func (c *serverConn) sendAck(t *testing.T, packetType byte, pID uint16) {
	t.Helper()
	c.send(t, packetType, 2, byte(pID>>8), byte(pID))
}

func (c *serverConn) sendConnack(t *testing.T, sp, code byte) {
	t.Helper()
	c.send(t, model.CONNACK, 2, sp, code)
}

func (c *serverConn) sendPublish(t *testing.T, topic string, qos uint8, pID uint16, msg []byte) {
	t.Helper()
	vh := make([]byte, 0, 4+len(topic)+len(msg))
	vh = binary.BigEndian.AppendUint16(vh, uint16(len(topic)))
	vh = append(vh, topic...)
	if qos > 0 {
		vh = binary.BigEndian.AppendUint16(vh, pID)
	}
	vh = append(vh, msg...)

	p := model.VariableLengthEncode([]byte{model.PUBLISH | qos<<1}, len(vh))
	c.send(t, append(p, vh...)...)
}

type connectInfo struct {
	clientID     string
	cleanSession bool
	keepAlive    uint16
}

func parseConnect(t *testing.T, p packet) connectInfo {
	t.Helper()
	b := p.body
	if len(b) < 12 || string(b[2:6]) != "MQTT" || b[6] != 4 {
		t.Fatalf("bad CONNECT %v", b)
	}
	idLen := int(binary.BigEndian.Uint16(b[10:]))
	return connectInfo{
		clientID:     string(b[12 : 12+idLen]),
		cleanSession: b[7]&0x02 != 0,
		keepAlive:    binary.BigEndian.Uint16(b[8:]),
	}
}

type pubInfo struct {
	topic string
	dup   bool
	qos   uint8
	pID   uint16
	msg   []byte
}

func parsePublish(t *testing.T, p packet) pubInfo {
	t.Helper()
	b := p.body
	topicLen := int(binary.BigEndian.Uint16(b))
	pi := pubInfo{
		topic: string(b[2 : 2+topicLen]),
		dup:   p.controlAndFlags&model.PublishDUP != 0,
		qos:   (p.controlAndFlags & 0x06) >> 1,
	}
	rest := b[2+topicLen:]
	if pi.qos > 0 {
		pi.pID = binary.BigEndian.Uint16(rest)
		rest = rest[2:]
	}
	pi.msg = rest
	return pi
}

func packetID(p packet) uint16 {
	return binary.BigEndian.Uint16(p.body)
}
