package asyncmqtt

import (
	"time"

	"github.com/RoanBrand/asyncmqtt/internal/model"
	"github.com/RoanBrand/asyncmqtt/internal/transport"
	log "github.com/sirupsen/logrus"
)

// events receives the transport's notifications for one connection attempt.
type events struct {
	c   *Client
	gen uint64
}

// current reports whether e belongs to the latest connection attempt. mu must be held.
func (e *events) current() bool {
	return e.gen == e.c.gen
}

// handler receives the packets decoded from the server.
// Its methods are called by the parser while mu is held.
type handler Client

func (c *Client) connectOptions() model.ConnectOptions {
	o := model.ConnectOptions{
		ClientID:     c.conf.ClientID,
		CleanSession: c.conf.CleanSession(),
		KeepAlive:    c.conf.KeepAliveSeconds(),
		Username:     c.conf.Username,
		Password:     c.conf.Password,
	}
	if w := c.conf.Will; w != nil {
		o.Will = &model.Will{
			Topic:   w.Topic,
			Payload: []byte(w.Payload),
			QoS:     w.QoS,
			Retain:  w.Retain,
		}
	}
	return o
}

func (c *Client) keepAlive() time.Duration {
	return time.Duration(c.conf.KeepAliveSeconds()) * time.Second
}

func (e *events) OnConnected() {
	c := e.c
	c.mu.Lock()
	defer c.unlock()

	if !e.current() || c.state != stateConnecting {
		return
	}

	now := c.now()
	c.connectStarted = now
	c.lastClientActivity, c.lastServerActivity = now, now
	c.pingOutstanding = false
	c.parser.Reset()

	if len(c.fingerprints) > 0 && !c.fingerprintMatches() {
		c.log.Warn("Server certificate fingerprint not allowed. Disconnecting")
		c.reason = TLSBadFingerprint
		c.forceClose()
		return
	}

	c.log.Debug("Transport connected. Sending CONNECT")
	c.queue.PushFront(model.NewConnect(c.connectOptions()))
	c.metrics.Queued(model.KindConnect.String())
	c.drain()
}

func (c *Client) fingerprintMatches() bool {
	pc, ok := c.t.(transport.PeerCertificates)
	if !ok {
		return false
	}
	return transport.MatchFingerprint(pc.PeerCertificates(), c.fingerprints)
}

func (e *events) OnDisconnected() {
	c := e.c
	c.mu.Lock()
	defer c.unlock()

	if !e.current() || !c.attached {
		return
	}
	c.attached = false

	reason := c.reason
	c.state = stateDisconnected
	c.pingOutstanding = false
	c.parser.Reset()

	keep := !c.conf.CleanSession()
	c.queue.Clear(keep)
	if !keep {
		c.pendingPubRels.Clear()
	}
	c.reason = TCPDisconnected

	c.metrics.Disconnected(reason.String())
	c.metrics.Depth(c.queue.Len())
	c.log.WithFields(log.Fields{
		"reason": reason.String(),
		"queued": c.queue.Len(),
	}).Info("Disconnected")

	cbs := c.onDisconnect
	c.later(func() {
		for _, cb := range cbs {
			cb(reason)
		}
	})
}

func (e *events) OnAck(n int) {
	c := e.c
	c.mu.Lock()
	defer c.unlock()
	if !e.current() {
		return
	}
	c.drain()
}

func (e *events) OnData(p []byte) {
	c := e.c
	c.mu.Lock()
	defer c.unlock()

	if !e.current() || c.state == stateDisconnected {
		return
	}
	c.lastServerActivity = c.now()
	c.metrics.Read(len(p))

	if err := c.parser.Feed(p); err != nil {
		if c.state != stateDisconnected {
			c.log.WithError(err).Warn("Disconnecting server")
			c.reason = ProtocolViolation
			c.forceClose()
		}
		return
	}
	c.drain()
}

func (e *events) OnPoll() {
	c := e.c
	c.mu.Lock()
	defer c.unlock()
	if !e.current() {
		return
	}

	ka := c.keepAlive()
	now := c.now()

	switch c.state {
	case stateConnecting:
		if ka > 0 && !c.connectStarted.IsZero() && now.Sub(c.connectStarted) >= ka {
			c.log.Warn("No CONNACK received in time. Disconnecting")
			c.forceClose()
		}
		return
	case stateConnected, stateDisconnecting:
	default:
		return
	}

	if ka > 0 {
		if c.pingOutstanding {
			if now.Sub(c.lastPingRequest) >= 2*ka {
				c.log.Warn("No PINGRESP received in time. Disconnecting")
				c.forceClose()
				return
			}
		} else if c.state == stateConnected {
			idle := ka * 7 / 10
			if now.Sub(c.lastClientActivity) >= idle || now.Sub(c.lastServerActivity) >= idle {
				c.sendPing(now)
			}
		}
	}
	c.drain()
}

func (c *Client) sendPing(now time.Time) {
	c.enqueue(model.NewPingReq())
	c.lastPingRequest = now
	c.pingOutstanding = true
}

// protocolViolation disconnects a server that sent a packet out of turn.
func (c *Client) protocolViolation(msg string, fields log.Fields) {
	c.log.WithFields(fields).Warn(msg + ". Disconnecting server")
	c.reason = ProtocolViolation
	c.forceClose()
}

func (h *handler) OnConnAck(sessionPresent bool, code byte) {
	c := (*Client)(h)
	if c.state == stateDisconnected {
		return
	}
	c.metrics.Received("CONNACK")
	if c.state != stateConnecting {
		c.protocolViolation("Unexpected CONNACK", nil)
		return
	}

	if code != model.Accepted {
		c.reason = refusalReason(code)
		c.log.WithField("reason", c.reason.String()).Warn("Connection refused by server")
		c.queue.Clear(false)
		c.pendingPubRels.Clear()
		c.forceClose()
		return
	}

	c.queue.Release(model.KindConnect, 0)
	if !sessionPresent {
		// Nothing of a previous session survives on the server, so neither does ours.
		c.pendingPubRels.Clear()
		c.queue.Clear(false)
	}
	c.state = stateConnected

	c.log.WithField("sessionPresent", sessionPresent).Info("Connected")
	cbs := c.onConnect
	c.later(func() {
		for _, cb := range cbs {
			cb(sessionPresent)
		}
	})
}

func (h *handler) OnPingResp() {
	c := (*Client)(h)
	if c.state == stateDisconnected {
		return
	}
	c.metrics.Received("PINGRESP")
	c.pingOutstanding = false
}

func (h *handler) OnSubAck(packetID uint16, status byte) {
	c := (*Client)(h)
	if c.state == stateDisconnected {
		return
	}
	c.metrics.Received("SUBACK")
	if !c.queue.Release(model.KindSubscribe, packetID) {
		c.log.WithField("packetID", packetID).Warn("SUBACK for unknown SUBSCRIBE. Ignoring")
		return
	}
	if status == model.SubAckFailure {
		c.log.WithField("packetID", packetID).Warn("Subscription refused by server")
	}

	cbs := c.onSubscribe
	c.later(func() {
		for _, cb := range cbs {
			cb(packetID, status)
		}
	})
}

func (h *handler) OnUnsubAck(packetID uint16) {
	c := (*Client)(h)
	if c.state == stateDisconnected {
		return
	}
	c.metrics.Received("UNSUBACK")
	if !c.queue.Release(model.KindUnsubscribe, packetID) {
		c.log.WithField("packetID", packetID).Warn("UNSUBACK for unknown UNSUBSCRIBE. Ignoring")
		return
	}

	cbs := c.onUnsubscribe
	c.later(func() {
		for _, cb := range cbs {
			cb(packetID)
		}
	})
}

func (h *handler) OnMessage(packetID uint16, topic string, payload []byte, props model.MessageProperties, index, total int) {
	c := (*Client)(h)
	if c.state == stateDisconnected {
		return
	}
	if props.QoS == 2 && c.pendingPubRels.Has(packetID) {
		// redelivery of a message already handed over
		return
	}

	// Deferred callbacks run before OnData returns, while payload is still valid.
	cbs := c.onMessage
	c.later(func() {
		for _, cb := range cbs {
			cb(topic, payload, props, index, total)
		}
	})
}

func (h *handler) OnPublish(packetID uint16, qos uint8) {
	c := (*Client)(h)
	if c.state == stateDisconnected {
		return
	}
	c.metrics.Received("PUBLISH")

	switch qos {
	case 1:
		c.enqueue(model.NewAck(model.KindPubAck, packetID))
	case 2:
		c.pendingPubRels.Add(packetID)
		c.enqueue(model.NewAck(model.KindPubRec, packetID))
	}
}

func (h *handler) OnPubAck(packetID uint16) {
	c := (*Client)(h)
	if c.state == stateDisconnected {
		return
	}
	c.metrics.Received("PUBACK")

	head, _ := c.queue.Head()
	if head == nil || head.Kind() != model.KindPublish || head.QoS() != 1 || !c.queue.Release(model.KindPublish, packetID) {
		c.log.WithField("packetID", packetID).Warn("PUBACK for unknown PUBLISH. Ignoring")
		return
	}
	c.published(packetID)
}

func (h *handler) OnPubRec(packetID uint16) {
	c := (*Client)(h)
	if c.state == stateDisconnected {
		return
	}
	c.metrics.Received("PUBREC")

	head, _ := c.queue.Head()
	switch {
	case head != nil && head.Kind() == model.KindPublish && head.QoS() == 2 && head.ID() == packetID:
		c.queue.Release(model.KindPublish, packetID)
		c.queue.InsertAfterHead(model.NewAck(model.KindPubRel, packetID))
		c.metrics.Queued(model.KindPubRel.String())
	case head != nil && head.Kind() == model.KindPubRel && head.ID() == packetID:
		// PUBREL already on its way
	default:
		c.log.WithField("packetID", packetID).Warn("PUBREC for unknown PUBLISH. Ignoring")
	}
}

func (h *handler) OnPubRel(packetID uint16) {
	c := (*Client)(h)
	if c.state == stateDisconnected {
		return
	}
	c.metrics.Received("PUBREL")
	c.pendingPubRels.Remove(packetID)
	c.enqueue(model.NewAck(model.KindPubComp, packetID))
}

func (h *handler) OnPubComp(packetID uint16) {
	c := (*Client)(h)
	if c.state == stateDisconnected {
		return
	}
	c.metrics.Received("PUBCOMP")
	if !c.queue.Release(model.KindPubRel, packetID) {
		c.log.WithField("packetID", packetID).Warn("PUBCOMP for unknown PUBREL. Ignoring")
		return
	}
	c.published(packetID)
}

func (c *Client) published(packetID uint16) {
	cbs := c.onPublish
	c.later(func() {
		for _, cb := range cbs {
			cb(packetID)
		}
	})
}
