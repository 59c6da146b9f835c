// Package asyncmqtt is an asynchronous MQTT 3.1.1 client.
//
// Nothing in the client blocks: Publish, Subscribe and Unsubscribe queue a packet and
// return, and results are reported through the registered callbacks. The client is driven
// by the events of its Transport.
package asyncmqtt

import (
	"sync"
	"time"

	"github.com/RoanBrand/asyncmqtt/internal/config"
	"github.com/RoanBrand/asyncmqtt/internal/metrics"
	"github.com/RoanBrand/asyncmqtt/internal/model"
	"github.com/RoanBrand/asyncmqtt/internal/parser"
	"github.com/RoanBrand/asyncmqtt/internal/queue"
	"github.com/RoanBrand/asyncmqtt/internal/session"
	"github.com/RoanBrand/asyncmqtt/internal/transport"
	"github.com/RoanBrand/asyncmqtt/internal/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

type (
	Config            = config.Config
	Will              = config.Will
	MessageProperties = model.MessageProperties
	Transport         = transport.Transport
	TransportEvents   = transport.Events
)

type state uint8

const (
	stateDisconnected state = iota
	stateConnecting
	stateConnected
	stateDisconnecting
)

type Client struct {
	conf         Config
	t            Transport
	now          func() time.Time
	log          *log.Entry
	metrics      *metrics.Metrics
	fingerprints []transport.Fingerprint

	mu                 sync.Mutex
	state              state
	attached           bool   // between Connect and the transport's OnDisconnected
	gen                uint64 // connection attempt, events of older ones are dropped
	reason             DisconnectReason
	connectStarted     time.Time
	lastClientActivity time.Time
	lastServerActivity time.Time
	lastPingRequest    time.Time
	pingOutstanding    bool

	parser         *parser.Parser
	queue          *queue.Queue
	ids            session.IDs
	pendingPubRels session.PendingPubRel

	// run after mu is released
	deferred []func()

	onConnect     []func(sessionPresent bool)
	onDisconnect  []func(reason DisconnectReason)
	onSubscribe   []func(packetID uint16, qos uint8)
	onUnsubscribe []func(packetID uint16)
	onMessage     []func(topic string, payload []byte, props MessageProperties, index, total int)
	onPublish     []func(packetID uint16)
}

type Option func(*Client)

// WithClock replaces time.Now for keep alive bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithRegisterer exports the client's metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		m, err := metrics.New(reg, c.conf.ClientID)
		if err != nil {
			c.log.WithError(err).Warn("Unable to register metrics")
			return
		}
		c.metrics = m
	}
}

// New creates a client that connects over t. Defaults are applied to a copy of conf.
func New(conf *Config, t Transport, opts ...Option) (*Client, error) {
	if conf == nil {
		conf = new(Config)
	}
	c := &Client{conf: *conf, t: t, now: time.Now}
	if err := c.conf.Validate(); err != nil {
		return nil, err
	}

	c.log = log.WithField("ClientId", c.conf.ClientID)
	c.fingerprints = c.conf.Fingerprints()
	c.parser = parser.New(c.conf.MaxTopicLength, (*handler)(c))
	c.queue = queue.New()
	c.pendingPubRels = make(session.PendingPubRel)

	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// NewFromFile loads the config at fPath and connects over the transport it describes.
func NewFromFile(fPath string, opts ...Option) (*Client, error) {
	conf, err := config.New(fPath)
	if err != nil {
		return nil, err
	}
	t, err := NewTransport(conf)
	if err != nil {
		return nil, err
	}
	return New(conf, t, opts...)
}

// NewTransport builds the TCP, TLS or WebSocket transport described by conf.
func NewTransport(conf *Config) (Transport, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	tlsConf, err := conf.TLSConfig()
	if err != nil {
		return nil, err
	}

	var dial transport.DialFunc
	switch {
	case conf.WS.Enabled:
		dial = websocket.Dialer(conf.WS.Path, tlsConf)
	case tlsConf != nil:
		dial = transport.TLSDialer(tlsConf)
	default:
		dial = transport.TCPDialer()
	}

	n := transport.NewNet(dial)
	n.PollInterval = conf.PollEvery()
	return n, nil
}

func (c *Client) ClientID() string {
	return c.conf.ClientID
}

// OnConnect registers cb to be called when the server accepted the connection.
func (c *Client) OnConnect(cb func(sessionPresent bool)) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, cb)
	c.mu.Unlock()
}

func (c *Client) OnDisconnect(cb func(reason DisconnectReason)) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, cb)
	c.mu.Unlock()
}

// OnSubscribe registers cb for SUBACKs. qos is the granted QoS, or 0x80 on failure.
func (c *Client) OnSubscribe(cb func(packetID uint16, qos uint8)) {
	c.mu.Lock()
	c.onSubscribe = append(c.onSubscribe, cb)
	c.mu.Unlock()
}

func (c *Client) OnUnsubscribe(cb func(packetID uint16)) {
	c.mu.Lock()
	c.onUnsubscribe = append(c.onUnsubscribe, cb)
	c.mu.Unlock()
}

// OnMessage registers cb for received messages. Large payloads arrive in chunks:
// payload starts at offset index of a message of total bytes.
// payload is only valid until cb returns. See package payload for reassembly.
func (c *Client) OnMessage(cb func(topic string, payload []byte, props MessageProperties, index, total int)) {
	c.mu.Lock()
	c.onMessage = append(c.onMessage, cb)
	c.mu.Unlock()
}

// OnPublish registers cb for completed QoS 1 & 2 publishes.
func (c *Client) OnPublish(cb func(packetID uint16)) {
	c.mu.Lock()
	c.onPublish = append(c.onPublish, cb)
	c.mu.Unlock()
}

// Connected reports whether the server accepted the connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Connect starts connecting. It does nothing unless the client is disconnected.
// ErrNotDisconnected is returned while the previous connection is still closing,
// until the transport reports the close and the disconnect callbacks run.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state != stateDisconnected {
		c.unlock()
		return nil
	}
	if c.attached {
		c.unlock()
		return ErrNotDisconnected
	}
	c.gen++
	ev := &events{c: c, gen: c.gen}
	c.state = stateConnecting
	c.reason = TCPDisconnected
	c.connectStarted = time.Time{}
	c.attached = true
	addr := c.conf.Server.Address
	c.unlock()

	c.log.WithField("addr", addr).Info("Connecting")
	if err := c.t.Connect(addr, ev); err != nil {
		c.mu.Lock()
		if ev.current() {
			c.state = stateDisconnected
			c.attached = false
		}
		c.unlock()
		return errors.Wrap(err, "unable to connect")
	}
	return nil
}

// Disconnect ends the connection. A graceful disconnect sends DISCONNECT after
// everything already queued, force closes the connection immediately.
// A connection the server has not accepted yet is always closed immediately.
func (c *Client) Disconnect(force bool) {
	c.mu.Lock()
	defer c.unlock()

	if c.state == stateDisconnected {
		return
	}
	if force || c.state == stateConnecting {
		c.forceClose()
		return
	}
	if c.state == stateDisconnecting {
		return
	}

	c.state = stateDisconnecting
	c.enqueue(model.NewDisconnect())
	c.drain()
}

// Subscribe subscribes to a topic filter and returns the SUBSCRIBE packet id.
func (c *Client) Subscribe(topic string, qos uint8) (uint16, error) {
	if err := checkTopic(topic); err != nil {
		return 0, err
	}
	if qos > 2 {
		return 0, errors.Wrapf(ErrInvalidArgument, "QoS %d", qos)
	}

	c.mu.Lock()
	defer c.unlock()
	if c.state != stateConnected {
		return 0, ErrNotConnected
	}

	id := c.ids.Next()
	c.enqueue(model.NewSubscribe(id, topic, qos))
	c.drain()
	return id, nil
}

// Unsubscribe removes a subscription and returns the UNSUBSCRIBE packet id.
func (c *Client) Unsubscribe(topic string) (uint16, error) {
	if err := checkTopic(topic); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.unlock()
	if c.state != stateConnected {
		return 0, ErrNotConnected
	}

	id := c.ids.Next()
	c.enqueue(model.NewUnsubscribe(id, topic))
	c.drain()
	return id, nil
}

// Publish queues a message and returns its packet id. QoS 0 messages have no packet id,
// so 0 with a nil error means the message was queued.
// ErrQueueFull is returned when the queue has no room for the message.
func (c *Client) Publish(topic string, qos uint8, retain bool, payload []byte) (uint16, error) {
	if err := checkTopic(topic); err != nil {
		return 0, err
	}
	if qos > 2 {
		return 0, errors.Wrapf(ErrInvalidArgument, "QoS %d", qos)
	}
	remLen := 2 + len(topic) + len(payload)
	if qos > 0 {
		remLen += 2
	}
	if remLen > model.MaxRemainingLength {
		return 0, errors.Wrap(ErrInvalidArgument, "payload too large")
	}
	size := 1 + model.LengthToNumberOfVariableLengthBytes(remLen) + remLen

	c.mu.Lock()
	defer c.unlock()
	if c.state != stateConnected {
		return 0, ErrNotConnected
	}
	if c.queue.Bytes()+size > c.conf.MaxQueueBytes {
		c.log.WithFields(log.Fields{
			"topic": topic,
			"size":  size,
		}).Warn("Outbound queue full. Dropping PUBLISH")
		return 0, ErrQueueFull
	}

	var id uint16
	if qos > 0 {
		id = c.ids.Next()
	}
	c.enqueue(model.NewPublish(id, topic, qos, retain, payload))
	c.drain()
	return id, nil
}

// ClearQueue drops every queued packet and the rest of the session state.
// Only allowed while disconnected, after the disconnect callbacks.
func (c *Client) ClearQueue() error {
	c.mu.Lock()
	defer c.unlock()
	if c.state != stateDisconnected || c.attached {
		return ErrNotDisconnected
	}
	c.queue.Clear(false)
	c.pendingPubRels.Clear()
	c.metrics.Depth(0)
	return nil
}

func checkTopic(topic string) error {
	if topic == "" {
		return errors.Wrap(ErrInvalidArgument, "empty topic")
	}
	if len(topic) > 65535 {
		return errors.Wrap(ErrInvalidArgument, "topic too long")
	}
	return nil
}

// unlock releases mu and runs whatever was deferred while it was held.
func (c *Client) unlock() {
	d := c.deferred
	c.deferred = nil
	c.mu.Unlock()
	for _, f := range d {
		f()
	}
}

func (c *Client) later(f func()) {
	c.deferred = append(c.deferred, f)
}

func (c *Client) enqueue(p *model.Packet) {
	c.queue.PushBack(p)
	c.metrics.Queued(p.Kind().String())
	if c.log.Logger.IsLevelEnabled(log.DebugLevel) {
		c.log.WithFields(log.Fields{
			"type":     p.Kind().String(),
			"packetID": p.ID(),
		}).Debug("Queued packet")
	}
}

func (c *Client) drain() {
	if c.state == stateDisconnected {
		return
	}
	n, disconnect := c.queue.Drain(c.t)
	if n > 0 {
		c.lastClientActivity = c.now()
		c.metrics.Sent(n)
	}
	c.metrics.Depth(c.queue.Len())
	if disconnect {
		c.log.Debug("DISCONNECT sent. Closing connection")
		c.later(func() { c.t.Close(false) })
	}
}

// forceClose abandons the connection. Cleanup happens once the transport reports the disconnect.
func (c *Client) forceClose() {
	c.state = stateDisconnected
	c.pingOutstanding = false
	c.parser.Reset()
	c.later(func() { c.t.Close(true) })
}
